package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fabriziosalmi/proximity-sub006/pkg/alloc"
	"github.com/fabriziosalmi/proximity-sub006/pkg/catalog"
	"github.com/fabriziosalmi/proximity-sub006/pkg/faults"
	"github.com/fabriziosalmi/proximity-sub006/pkg/proxmox"
	"github.com/fabriziosalmi/proximity-sub006/pkg/stores"
	"github.com/fabriziosalmi/proximity-sub006/pkg/telemetry"
)

// mockHypervisor is an in-memory Hypervisor. It models a one-node cluster
// whose containers live in a map, and supports injecting a bounded number of
// transient failures per operation.
type mockHypervisor struct {
	mu sync.Mutex

	nodes      []proxmox.Node
	containers map[int]*proxmox.Container
	nextID     int
	snapshots  map[string]bool
	pushed     map[string][]byte
	execLog    [][]string

	// failNext holds the number of remaining injected transient failures
	// per operation name.
	failNext map[string]int

	deleteSnapshotErr error
}

func newMockHypervisor() *mockHypervisor {
	return &mockHypervisor{
		nodes: []proxmox.Node{
			{Name: "pve1", Status: "online", MaxMem: 16 << 30, Mem: 4 << 30},
		},
		containers: map[int]*proxmox.Container{},
		nextID:     100,
		snapshots:  map[string]bool{},
		pushed:     map[string][]byte{},
		failNext:   map[string]int{},
	}
}

func (m *mockHypervisor) injectFailures(op string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext[op] = n
}

// failing consumes one injected failure for op, if any.
func (m *mockHypervisor) failing(op string) error {
	if m.failNext[op] > 0 {
		m.failNext[op]--
		return faults.Transient(op+" temporarily unavailable", nil)
	}
	return nil
}

func (m *mockHypervisor) ListNodes(context.Context) ([]proxmox.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing("list-nodes"); err != nil {
		return nil, err
	}
	return append([]proxmox.Node{}, m.nodes...), nil
}

func (m *mockHypervisor) NextID(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextID, nil
}

func (m *mockHypervisor) ListContainers(context.Context) ([]proxmox.Container, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]proxmox.Container, 0, len(m.containers))
	for _, c := range m.containers {
		out = append(out, *c)
	}
	return out, nil
}

func (m *mockHypervisor) ContainerStatus(_ context.Context, _ string, vmid int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[vmid]
	if !ok {
		return "", faults.NotFound(fmt.Sprintf("container %d not found", vmid), nil)
	}
	return c.Status, nil
}

func (m *mockHypervisor) CreateContainer(_ context.Context, node string, req proxmox.CreateRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing("create"); err != nil {
		return "", err
	}
	m.containers[req.VMID] = &proxmox.Container{
		VMID:   req.VMID,
		Node:   node,
		Name:   req.Hostname,
		Status: "stopped",
	}
	return "UPID:create", nil
}

func (m *mockHypervisor) CloneContainer(_ context.Context, node string, req proxmox.CloneRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing("clone"); err != nil {
		return "", err
	}
	m.containers[req.NewVMID] = &proxmox.Container{
		VMID:   req.NewVMID,
		Node:   node,
		Name:   req.Hostname,
		Status: "stopped",
	}
	return "UPID:clone", nil
}

func (m *mockHypervisor) setStatus(vmid int, status string) (string, error) {
	c, ok := m.containers[vmid]
	if !ok {
		return "", faults.NotFound(fmt.Sprintf("container %d not found", vmid), nil)
	}
	c.Status = status
	return "UPID:power", nil
}

func (m *mockHypervisor) StartContainer(_ context.Context, _ string, vmid int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing("start"); err != nil {
		return "", err
	}
	return m.setStatus(vmid, "running")
}

func (m *mockHypervisor) StopContainer(_ context.Context, _ string, vmid int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing("stop"); err != nil {
		return "", err
	}
	return m.setStatus(vmid, "stopped")
}

func (m *mockHypervisor) RestartContainer(_ context.Context, _ string, vmid int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setStatus(vmid, "running")
}

func (m *mockHypervisor) DeleteContainer(_ context.Context, _ string, vmid int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing("delete"); err != nil {
		return "", err
	}
	delete(m.containers, vmid)
	return "UPID:delete", nil
}

func (m *mockHypervisor) CreateSnapshot(_ context.Context, _ string, vmid int, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[fmt.Sprintf("%d/%s", vmid, name)] = true
	return "UPID:snapshot", nil
}

func (m *mockHypervisor) DeleteSnapshot(_ context.Context, _ string, vmid int, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteSnapshotErr != nil {
		return "", m.deleteSnapshotErr
	}
	delete(m.snapshots, fmt.Sprintf("%d/%s", vmid, name))
	return "UPID:snapshot-delete", nil
}

func (m *mockHypervisor) CreateBackup(_ context.Context, _ string, req proxmox.BackupRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing("vzdump"); err != nil {
		return "", err
	}
	return "UPID:vzdump", nil
}

func (m *mockHypervisor) BackupVolume(_ context.Context, _ string, storage string, vmid int) (string, int64, error) {
	return fmt.Sprintf("%s:backup/vzdump-lxc-%d.tar.zst", storage, vmid), 4096, nil
}

func (m *mockHypervisor) RestoreBackup(_ context.Context, node string, vmid int, _ string, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing("restore"); err != nil {
		return "", err
	}
	m.containers[vmid] = &proxmox.Container{VMID: vmid, Node: node, Status: "stopped"}
	return "UPID:restore", nil
}

func (m *mockHypervisor) DeleteBackupVolume(context.Context, string, string, string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failing("delete-volume")
}

func (m *mockHypervisor) AwaitTask(context.Context, string, string) error {
	return nil
}

func (m *mockHypervisor) Exec(_ context.Context, _ string, _ int, argv []string) (*proxmox.ExecResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing("exec"); err != nil {
		return nil, err
	}
	m.execLog = append(m.execLog, argv)
	return &proxmox.ExecResult{ExitCode: 0}, nil
}

func (m *mockHypervisor) PushFile(_ context.Context, _ string, remotePath string, content []byte, _ uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushed[remotePath] = content
	return nil
}

func (m *mockHypervisor) PushToContainer(_ context.Context, _ string, vmid int, nodePath, containerPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.pushed[nodePath]
	if !ok {
		return faults.Fatal("push of unstaged file "+nodePath, nil)
	}
	m.pushed[fmt.Sprintf("%d:%s", vmid, containerPath)] = content
	return nil
}

func (m *mockHypervisor) container(vmid int) *proxmox.Container {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[vmid]
	if !ok {
		return nil
	}
	copied := *c
	return &copied
}

// harness wires an engine over a real SQLite store and the mock hypervisor.
type harness struct {
	engine  *Engine
	store   stores.Store
	hv      *mockHypervisor
	metrics *telemetry.Metrics
}

const testTemplate = `
id: nginx
name: Nginx
os_template: local:vztmpl/debian-12-standard_12.2-1_amd64.tar.zst
http_port: 80
compose: |
  services:
    web:
      image: nginx:alpine
env:
  BASE: "from-template"
`

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	store, err := stores.NewSQLiteStore(stores.Config{
		Path: filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	templateDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(templateDir, "nginx.yaml"), []byte(testTemplate), 0o644); err != nil {
		t.Fatalf("failed to write template: %v", err)
	}
	cat, err := catalog.New(templateDir, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to load catalog: %v", err)
	}

	hv := newMockHypervisor()

	ports, err := alloc.NewPortAllocator(store,
		alloc.PortRange{Low: 30000, High: 30019},
		alloc.PortRange{Low: 31000, High: 31019},
	)
	if err != nil {
		t.Fatalf("failed to create port allocator: %v", err)
	}
	vmids := alloc.NewVMIDAllocator(store, hv, 0)
	metrics := telemetry.NewMetrics()

	engine := New(Config{
		Workers:       1,
		PollInterval:  time.Millisecond,
		MaxAttempts:   3,
		BackoffBase:   time.Millisecond,
		BackoffCap:    5 * time.Millisecond,
		StuckDeadline: time.Hour,
	}, store, hv, cat, ports, vmids, zerolog.Nop(), metrics, nil)

	return &harness{engine: engine, store: store, hv: hv, metrics: metrics}
}

// drain claims and runs jobs until the queue is empty, ignoring backoff
// delays by claiming far in the future.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		job, err := h.store.ClaimNextJob(ctx, time.Now().UTC().Add(24*time.Hour))
		if err != nil {
			t.Fatalf("claim failed: %v", err)
		}
		if job == nil {
			return
		}
		h.engine.runJob(ctx, job)
	}
	t.Fatal("queue did not drain after 100 jobs")
}

// deployInstance runs a full deploy and returns the running instance.
func (h *harness) deployInstance(t *testing.T, hostname string) *stores.Instance {
	t.Helper()
	ctx := context.Background()

	inst, err := h.engine.Deploy(ctx, DeployRequest{TemplateID: "nginx", Hostname: hostname})
	if err != nil {
		t.Fatalf("deploy submit failed: %v", err)
	}
	h.drain(t)

	got, err := h.store.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("failed to re-read instance: %v", err)
	}
	return got
}

// phases collects the distinct log phases recorded for an instance.
func (h *harness) phases(t *testing.T, instanceID string) map[string]stores.LogLevel {
	t.Helper()

	entries, err := h.store.ListDeploymentLogs(context.Background(), instanceID, 0, 0)
	if err != nil {
		t.Fatalf("failed to list logs: %v", err)
	}
	out := map[string]stores.LogLevel{}
	for _, entry := range entries {
		out[entry.Phase] = entry.Level
	}
	return out
}

// scrapeMetric returns the rendered exposition line for a metric name.
func (h *harness) scrapeMetric(t *testing.T, name string) string {
	t.Helper()

	rec := httptest.NewRecorder()
	h.metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if strings.HasPrefix(line, name) {
			return line
		}
	}
	return ""
}

func TestPortPairsGaugeTracksLedger(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	inst := h.deployInstance(t, "web-1")
	if got := h.scrapeMetric(t, "proximity_port_pairs_held"); got != "proximity_port_pairs_held 1" {
		t.Errorf("gauge after deploy = %q, want 1 pair held", got)
	}

	if _, err := h.engine.Delete(ctx, inst.ID); err != nil {
		t.Fatalf("delete submit failed: %v", err)
	}
	h.drain(t)

	if got := h.scrapeMetric(t, "proximity_port_pairs_held"); got != "proximity_port_pairs_held 0" {
		t.Errorf("gauge after delete = %q, want 0 pairs held", got)
	}
}

func TestRunJobRetriesThenSucceeds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.hv.injectFailures("create", 2)

	inst, err := h.engine.Deploy(ctx, DeployRequest{TemplateID: "nginx", Hostname: "web-1"})
	if err != nil {
		t.Fatalf("deploy submit failed: %v", err)
	}
	h.drain(t)

	got, err := h.store.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("failed to re-read instance: %v", err)
	}
	if got.Status != "running" {
		t.Errorf("status = %s, want running after retries", got.Status)
	}

	jobs, err := h.store.ListJobsByInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("failed to list jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	if jobs[0].Status != stores.JobStatusCompleted {
		t.Errorf("job status = %s, want completed", jobs[0].Status)
	}
	if jobs[0].Attempt != 2 {
		t.Errorf("job attempt = %d, want 2 recorded retries", jobs[0].Attempt)
	}
}

func TestRunJobExhaustsRetriesAndUnwinds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// more failures than the attempt budget
	h.hv.injectFailures("create", 100)

	inst, err := h.engine.Deploy(ctx, DeployRequest{TemplateID: "nginx", Hostname: "web-1"})
	if err != nil {
		t.Fatalf("deploy submit failed: %v", err)
	}
	h.drain(t)

	got, err := h.store.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("failed to re-read instance: %v", err)
	}
	if got.Status != "error" {
		t.Errorf("status = %s, want error after exhausted retries", got.Status)
	}

	jobs, _ := h.store.ListJobsByInstance(ctx, inst.ID)
	if len(jobs) != 1 || jobs[0].Status != stores.JobStatusFailed {
		t.Fatalf("job = %+v, want a single failed job", jobs)
	}

	// ports are released and the never-materialized vmid claim is dropped
	held, err := h.store.ListPortAllocations(ctx)
	if err != nil {
		t.Fatalf("failed to list allocations: %v", err)
	}
	if len(held) != 0 {
		t.Errorf("ports still held after unwind: %+v", held)
	}
	if got.VMID != nil {
		t.Errorf("vmid claim %d should be released, no container exists", *got.VMID)
	}

	if level, ok := h.phases(t, inst.ID)[string(jobs[0].Operation)]; !ok || level != stores.LogLevelCritical {
		t.Error("permanent failure should leave a critical log entry")
	}
}

func TestNonRetryableFailureFailsImmediately(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	inst, err := h.engine.Deploy(ctx, DeployRequest{TemplateID: "nginx", Hostname: "web-1"})
	if err != nil {
		t.Fatalf("deploy submit failed: %v", err)
	}

	// corrupt the stored config so the handler hits a fatal fault
	if err := h.store.UpdateInstanceEnv(ctx, inst.ID, "{not json"); err != nil {
		t.Fatalf("failed to corrupt env: %v", err)
	}
	h.drain(t)

	jobs, _ := h.store.ListJobsByInstance(ctx, inst.ID)
	if len(jobs) != 1 || jobs[0].Status != stores.JobStatusFailed {
		t.Fatalf("job = %+v, want failed", jobs)
	}
	if jobs[0].Attempt != 0 {
		t.Errorf("attempt = %d, fatal faults must not be retried", jobs[0].Attempt)
	}
}
