package proxmox

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fabriziosalmi/proximity-sub006/pkg/faults"
)

// ClientConfig holds connection settings for the Proxmox API and node SSH.
type ClientConfig struct {
	// BaseURL is the API endpoint, e.g. https://pve.example.com:8006
	BaseURL string `yaml:"base_url" validate:"required,url"`

	// TokenID is the API token id, e.g. root@pam!proximity
	TokenID string `yaml:"token_id" validate:"required"`

	// TokenSecret is the API token secret.
	TokenSecret string `yaml:"token_secret" validate:"required"`

	// InsecureTLS skips API certificate verification. Development only.
	InsecureTLS bool `yaml:"insecure_tls"`

	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// RequestTimeout bounds each API call.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// TaskPollInterval is how often AwaitTask polls task status.
	TaskPollInterval time.Duration `yaml:"task_poll_interval"`

	// TaskTimeout bounds how long AwaitTask waits for one task.
	TaskTimeout time.Duration `yaml:"task_timeout"`

	// SSH configures command execution on cluster nodes.
	SSH SSHConfig `yaml:"ssh"`
}

// ApplyDefaults fills unset durations with the recommended bounds.
func (c *ClientConfig) ApplyDefaults() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 60 * time.Second
	}
	if c.TaskPollInterval == 0 {
		c.TaskPollInterval = 2 * time.Second
	}
	if c.TaskTimeout == 0 {
		c.TaskTimeout = 10 * time.Minute
	}
	c.SSH.ApplyDefaults()
}

// Client implements Hypervisor against a live Proxmox VE cluster.
type Client struct {
	cfg  ClientConfig
	http *http.Client
	ssh  *nodeSSH
	log  zerolog.Logger
}

// NewClient creates a hypervisor adapter from the given configuration.
func NewClient(cfg ClientConfig, log zerolog.Logger) (*Client, error) {
	cfg.ApplyDefaults()

	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, faults.Validation("invalid hypervisor base URL", err)
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: cfg.ConnectTimeout,
		}).DialContext,
		TLSHandshakeTimeout: cfg.ConnectTimeout,
	}
	if cfg.InsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // development opt-in
	}

	ssh, err := newNodeSSH(cfg.SSH, log)
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg: cfg,
		http: &http.Client{
			Transport: transport,
			Timeout:   cfg.RequestTimeout,
		},
		ssh: ssh,
		log: log.With().Str("component", "proxmox").Logger(),
	}, nil
}

// Close releases pooled SSH connections.
func (c *Client) Close() error {
	return c.ssh.Close()
}

// apiResponse is the standard Proxmox envelope.
type apiResponse struct {
	Data   json.RawMessage   `json:"data"`
	Errors map[string]string `json:"errors"`
}

// do performs one API call and maps failures into the fault taxonomy.
func (c *Client) do(ctx context.Context, method, path string, form url.Values, out any) error {
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/api2/json" + path

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return faults.Fatal("failed to build API request", err).WithOperation(path)
	}
	req.Header.Set("Authorization", fmt.Sprintf("PVEAPIToken=%s=%s", c.cfg.TokenID, c.cfg.TokenSecret))
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return faults.Transient("hypervisor API unreachable", err).WithOperation(path)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return faults.Transient("failed to read API response", err).WithOperation(path)
	}

	if err := classifyStatus(resp.StatusCode, path, payload); err != nil {
		return err
	}

	if out != nil {
		var envelope apiResponse
		if err := json.Unmarshal(payload, &envelope); err != nil {
			return faults.Transient("malformed API response", err).WithOperation(path)
		}
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return faults.Transient("unexpected API response shape", err).WithOperation(path)
		}
	}

	return nil
}

// classifyStatus maps an HTTP status into the fault taxonomy.
func classifyStatus(status int, path string, payload []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return faults.Auth(fmt.Sprintf("hypervisor rejected credentials (HTTP %d)", status), nil).WithOperation(path)
	case status == http.StatusNotFound:
		return faults.NotFound("hypervisor object not found", nil).WithOperation(path)
	case status >= 400 && status < 500:
		return faults.Validation(fmt.Sprintf("hypervisor rejected request (HTTP %d): %s", status, truncate(payload, 256)), nil).WithOperation(path)
	default:
		return faults.Transient(fmt.Sprintf("hypervisor error (HTTP %d)", status), nil).WithOperation(path)
	}
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

// ListNodes returns all cluster nodes with their reported capacity.
func (c *Client) ListNodes(ctx context.Context) ([]Node, error) {
	var nodes []Node
	if err := c.do(ctx, http.MethodGet, "/nodes", nil, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// NextID asks the cluster for a suggested next free container id.
func (c *Client) NextID(ctx context.Context) (int, error) {
	var raw string
	if err := c.do(ctx, http.MethodGet, "/cluster/nextid", nil, &raw); err != nil {
		return 0, err
	}
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, faults.Transient("unparsable nextid response", err)
	}
	return id, nil
}

// ListContainers returns every LXC container across all nodes.
func (c *Client) ListContainers(ctx context.Context) ([]Container, error) {
	var resources []struct {
		VMID   int    `json:"vmid"`
		Node   string `json:"node"`
		Name   string `json:"name"`
		Status string `json:"status"`
		Type   string `json:"type"`
	}
	if err := c.do(ctx, http.MethodGet, "/cluster/resources?type=vm", nil, &resources); err != nil {
		return nil, err
	}

	containers := []Container{}
	for _, r := range resources {
		if r.Type != "lxc" {
			continue
		}
		containers = append(containers, Container{
			VMID:   r.VMID,
			Node:   r.Node,
			Name:   r.Name,
			Status: r.Status,
		})
	}
	return containers, nil
}

// ContainerStatus returns the current status of one container.
func (c *Client) ContainerStatus(ctx context.Context, node string, vmid int) (string, error) {
	var status struct {
		Status string `json:"status"`
	}
	path := fmt.Sprintf("/nodes/%s/lxc/%d/status/current", node, vmid)
	if err := c.do(ctx, http.MethodGet, path, nil, &status); err != nil {
		return "", err
	}
	return status.Status, nil
}

// CreateContainer creates a container and returns the task id to await.
func (c *Client) CreateContainer(ctx context.Context, node string, req CreateRequest) (string, error) {
	form := url.Values{}
	form.Set("vmid", strconv.Itoa(req.VMID))
	form.Set("hostname", req.Hostname)
	form.Set("ostemplate", req.OSTemplate)
	form.Set("cores", strconv.Itoa(req.Cores))
	form.Set("memory", strconv.Itoa(req.MemoryMB))
	form.Set("rootfs", fmt.Sprintf("%s:%d", req.Storage, req.DiskGB))
	form.Set("net0", fmt.Sprintf("name=eth0,bridge=%s,ip=dhcp", req.Bridge))
	if req.Unprivileged {
		form.Set("unprivileged", "1")
	}

	var upid string
	path := fmt.Sprintf("/nodes/%s/lxc", node)
	if err := c.do(ctx, http.MethodPost, path, form, &upid); err != nil {
		return "", err
	}
	return upid, nil
}

// CloneContainer clones a container from a snapshot onto a new id.
func (c *Client) CloneContainer(ctx context.Context, node string, req CloneRequest) (string, error) {
	form := url.Values{}
	form.Set("newid", strconv.Itoa(req.NewVMID))
	form.Set("hostname", req.Hostname)
	form.Set("full", "1")
	if req.Snapshot != "" {
		form.Set("snapname", req.Snapshot)
	}
	if req.Storage != "" {
		form.Set("storage", req.Storage)
	}

	var upid string
	path := fmt.Sprintf("/nodes/%s/lxc/%d/clone", node, req.SourceVMID)
	if err := c.do(ctx, http.MethodPost, path, form, &upid); err != nil {
		return "", err
	}
	return upid, nil
}

// StartContainer starts a container.
func (c *Client) StartContainer(ctx context.Context, node string, vmid int) (string, error) {
	return c.powerAction(ctx, node, vmid, "start")
}

// StopContainer stops a container.
func (c *Client) StopContainer(ctx context.Context, node string, vmid int) (string, error) {
	return c.powerAction(ctx, node, vmid, "stop")
}

// RestartContainer reboots a container.
func (c *Client) RestartContainer(ctx context.Context, node string, vmid int) (string, error) {
	return c.powerAction(ctx, node, vmid, "reboot")
}

func (c *Client) powerAction(ctx context.Context, node string, vmid int, action string) (string, error) {
	var upid string
	path := fmt.Sprintf("/nodes/%s/lxc/%d/status/%s", node, vmid, action)
	if err := c.do(ctx, http.MethodPost, path, url.Values{}, &upid); err != nil {
		return "", err
	}
	return upid, nil
}

// DeleteContainer destroys a container and its volumes.
func (c *Client) DeleteContainer(ctx context.Context, node string, vmid int) (string, error) {
	var upid string
	path := fmt.Sprintf("/nodes/%s/lxc/%d?purge=1&destroy-unreferenced-disks=1", node, vmid)
	if err := c.do(ctx, http.MethodDelete, path, nil, &upid); err != nil {
		return "", err
	}
	return upid, nil
}

// CreateSnapshot creates a point-in-time snapshot of a container.
func (c *Client) CreateSnapshot(ctx context.Context, node string, vmid int, name string) (string, error) {
	form := url.Values{}
	form.Set("snapname", name)

	var upid string
	path := fmt.Sprintf("/nodes/%s/lxc/%d/snapshot", node, vmid)
	if err := c.do(ctx, http.MethodPost, path, form, &upid); err != nil {
		return "", err
	}
	return upid, nil
}

// DeleteSnapshot removes a snapshot.
func (c *Client) DeleteSnapshot(ctx context.Context, node string, vmid int, name string) (string, error) {
	var upid string
	path := fmt.Sprintf("/nodes/%s/lxc/%d/snapshot/%s", node, vmid, url.PathEscape(name))
	if err := c.do(ctx, http.MethodDelete, path, nil, &upid); err != nil {
		return "", err
	}
	return upid, nil
}

// CreateBackup runs vzdump for one container.
func (c *Client) CreateBackup(ctx context.Context, node string, req BackupRequest) (string, error) {
	form := url.Values{}
	form.Set("vmid", strconv.Itoa(req.VMID))
	form.Set("mode", req.Mode)
	form.Set("compress", req.Compression)
	form.Set("storage", req.Storage)

	var upid string
	path := fmt.Sprintf("/nodes/%s/vzdump", node)
	if err := c.do(ctx, http.MethodPost, path, form, &upid); err != nil {
		return "", err
	}
	return upid, nil
}

// BackupVolume resolves the newest backup volume for a container on a storage.
func (c *Client) BackupVolume(ctx context.Context, node string, storage string, vmid int) (string, int64, error) {
	var volumes []struct {
		VolID string `json:"volid"`
		Size  int64  `json:"size"`
		CTime int64  `json:"ctime"`
	}
	path := fmt.Sprintf("/nodes/%s/storage/%s/content?content=backup&vmid=%d", node, storage, vmid)
	if err := c.do(ctx, http.MethodGet, path, nil, &volumes); err != nil {
		return "", 0, err
	}

	if len(volumes) == 0 {
		return "", 0, faults.NotFound("no backup volume found", nil).WithResource(strconv.Itoa(vmid))
	}

	newest := volumes[0]
	for _, v := range volumes[1:] {
		if v.CTime > newest.CTime {
			newest = v
		}
	}
	return newest.VolID, newest.Size, nil
}

// RestoreBackup recreates a container from a backup volume.
func (c *Client) RestoreBackup(ctx context.Context, node string, vmid int, volume string, storage string) (string, error) {
	form := url.Values{}
	form.Set("vmid", strconv.Itoa(vmid))
	form.Set("ostemplate", volume)
	form.Set("restore", "1")
	form.Set("force", "1")
	if storage != "" {
		form.Set("storage", storage)
	}

	var upid string
	path := fmt.Sprintf("/nodes/%s/lxc", node)
	if err := c.do(ctx, http.MethodPost, path, form, &upid); err != nil {
		return "", err
	}
	return upid, nil
}

// DeleteBackupVolume removes a backup artifact from storage.
func (c *Client) DeleteBackupVolume(ctx context.Context, node string, storage string, volume string) error {
	path := fmt.Sprintf("/nodes/%s/storage/%s/content/%s", node, storage, url.PathEscape(volume))
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// AwaitTask polls a hypervisor task until it finishes. Task failure surfaces
// as a transient fault; the orchestrator's retry budget decides when to stop.
func (c *Client) AwaitTask(ctx context.Context, node string, upid string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.TaskTimeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.TaskPollInterval)
	defer ticker.Stop()

	path := fmt.Sprintf("/nodes/%s/tasks/%s/status", node, url.PathEscape(upid))

	for {
		var status struct {
			Status     string `json:"status"`
			ExitStatus string `json:"exitstatus"`
		}
		if err := c.do(ctx, http.MethodGet, path, nil, &status); err != nil {
			return err
		}

		if status.Status == "stopped" {
			if status.ExitStatus == "OK" {
				return nil
			}
			return faults.Transient("hypervisor task failed: "+status.ExitStatus, nil).WithOperation(upid)
		}

		select {
		case <-ctx.Done():
			return faults.Transient("timed out awaiting hypervisor task", ctx.Err()).WithOperation(upid)
		case <-ticker.C:
		}
	}
}
