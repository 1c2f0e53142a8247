package proxmox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/fabriziosalmi/proximity-sub006/pkg/faults"
)

// SSHConfig holds SSH settings for command execution on cluster nodes.
type SSHConfig struct {
	// User is the SSH username on the nodes (typically root).
	User string `yaml:"user"`

	// Port is the SSH port on the nodes.
	Port int `yaml:"port"`

	// PrivateKeyPath is the path to the private key file.
	PrivateKeyPath string `yaml:"private_key_path"`

	// KnownHostsPath is the path to the known_hosts file used to verify node
	// identities. Required unless InsecureSkipHostKey is set.
	KnownHostsPath string `yaml:"known_hosts_path"`

	// InsecureSkipHostKey accepts unknown host identities. Local development
	// only; hardened builds must leave this off.
	InsecureSkipHostKey bool `yaml:"insecure_skip_host_key"`

	// NodeHosts maps node names to SSH addresses. Nodes absent from the map
	// are dialed by their node name.
	NodeHosts map[string]string `yaml:"node_hosts"`

	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// CommandTimeout bounds each remote command.
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// ApplyDefaults fills unset fields with the recommended bounds.
func (c *SSHConfig) ApplyDefaults() {
	if c.User == "" {
		c.User = "root"
	}
	if c.Port == 0 {
		c.Port = 22
	}
	if c.KnownHostsPath == "" {
		c.KnownHostsPath = filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts")
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = 60 * time.Second
	}
}

// nodeSSH manages SSH connections to cluster nodes, one cached client per
// node, re-dialed when dead.
type nodeSSH struct {
	cfg SSHConfig
	log zerolog.Logger

	mu      sync.Mutex
	clients map[string]*ssh.Client
}

func newNodeSSH(cfg SSHConfig, log zerolog.Logger) (*nodeSSH, error) {
	cfg.ApplyDefaults()

	if !cfg.InsecureSkipHostKey {
		if _, err := os.Stat(cfg.KnownHostsPath); err != nil {
			return nil, faults.Validation("known_hosts file not found; host key verification is mandatory", err)
		}
	}

	return &nodeSSH{
		cfg:     cfg,
		log:     log.With().Str("component", "node-ssh").Logger(),
		clients: make(map[string]*ssh.Client),
	}, nil
}

// clientConfig builds the ssh.ClientConfig, enforcing known-host verification
// unless explicitly disabled for development.
func (n *nodeSSH) clientConfig() (*ssh.ClientConfig, error) {
	keyBytes, err := os.ReadFile(n.cfg.PrivateKeyPath)
	if err != nil {
		return nil, faults.Auth("failed to read SSH private key", err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, faults.Auth("failed to parse SSH private key", err)
	}

	var hostKeyCallback ssh.HostKeyCallback
	if n.cfg.InsecureSkipHostKey {
		hostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec // development opt-in
	} else {
		hostKeyCallback, err = knownhosts.New(n.cfg.KnownHostsPath)
		if err != nil {
			return nil, faults.Auth("failed to load known_hosts", err)
		}
	}

	return &ssh.ClientConfig{
		User:            n.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         n.cfg.ConnectTimeout,
	}, nil
}

// address resolves the SSH address for a node name.
func (n *nodeSSH) address(node string) string {
	host := node
	if mapped, ok := n.cfg.NodeHosts[node]; ok {
		host = mapped
	}
	return net.JoinHostPort(host, fmt.Sprintf("%d", n.cfg.Port))
}

// client returns a live SSH client for the node, dialing if necessary.
func (n *nodeSSH) client(ctx context.Context, node string) (*ssh.Client, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if c, ok := n.clients[node]; ok {
		session, err := c.NewSession()
		if err == nil {
			_ = session.Close()
			return c, nil
		}
		n.log.Warn().Str("node", node).Msg("cached SSH connection is dead, reconnecting")
		_ = c.Close()
		delete(n.clients, node)
	}

	cfg, err := n.clientConfig()
	if err != nil {
		return nil, err
	}

	addr := n.address(node)

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	resultCh := make(chan dialResult, 1)
	go func() {
		c, err := ssh.Dial("tcp", addr, cfg)
		resultCh <- dialResult{client: c, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, faults.Transient("SSH connect cancelled", ctx.Err()).WithResource(node)
	case r := <-resultCh:
		if r.err != nil {
			return nil, faults.Transient("SSH connect failed", r.err).WithResource(node)
		}
		n.clients[node] = r.client
		n.log.Debug().Str("node", node).Str("address", addr).Msg("SSH connection established")
		return r.client, nil
	}
}

// run executes a command string on a node with the configured command
// timeout. Callers build the string with quoteArgs; nothing is interpolated
// raw.
func (n *nodeSSH) run(ctx context.Context, node string, cmd string) (stdout, stderr string, exitCode int, err error) {
	client, err := n.client(ctx, node)
	if err != nil {
		return "", "", -1, err
	}

	session, err := client.NewSession()
	if err != nil {
		return "", "", -1, faults.Transient("failed to open SSH session", err).WithResource(node)
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	ctx, cancel := context.WithTimeout(ctx, n.cfg.CommandTimeout)
	defer cancel()

	doneCh := make(chan error, 1)
	go func() {
		doneCh <- session.Run(cmd)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		runErr = ctx.Err()
	case runErr = <-doneCh:
	}

	stdout = stdoutBuf.String()
	stderr = stderrBuf.String()

	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			return stdout, stderr, exitErr.ExitStatus(), nil
		}
		return stdout, stderr, -1, faults.Transient("remote command failed", runErr).WithResource(node)
	}

	return stdout, stderr, 0, nil
}

// pushFile writes content to a path on the node over SFTP.
func (n *nodeSSH) pushFile(ctx context.Context, node string, remotePath string, content []byte, mode uint32) error {
	client, err := n.client(ctx, node)
	if err != nil {
		return err
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return faults.Transient("failed to open SFTP session", err).WithResource(node)
	}
	defer sftpClient.Close()

	if dir := filepath.Dir(remotePath); dir != "/" && dir != "." {
		if err := sftpClient.MkdirAll(dir); err != nil {
			return faults.Transient("failed to create remote directory", err).WithResource(node)
		}
	}

	f, err := sftpClient.Create(remotePath)
	if err != nil {
		return faults.Transient("failed to create remote file", err).WithResource(node)
	}

	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		return faults.Transient("failed to write remote file", err).WithResource(node)
	}
	if err := f.Close(); err != nil {
		return faults.Transient("failed to close remote file", err).WithResource(node)
	}

	if err := sftpClient.Chmod(remotePath, os.FileMode(mode)); err != nil {
		return faults.Transient("failed to chmod remote file", err).WithResource(node)
	}

	return nil
}

// Close closes all cached node connections.
func (n *nodeSSH) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	for node, c := range n.clients {
		_ = c.Close()
		delete(n.clients, node)
	}
	return nil
}
