// Package proxmox is the remote execution adapter over the Proxmox VE
// hypervisor: REST API calls for container lifecycle primitives and SSH-based
// in-container command execution. Every failure surfaces through the shared
// fault taxonomy so the orchestrator decides retry-vs-abort uniformly.
package proxmox

import (
	"context"
	"time"
)

// Node describes one hypervisor node and its reported capacity.
type Node struct {
	Name   string `json:"node"`
	Status string `json:"status"`
	MaxMem int64  `json:"maxmem"`
	Mem    int64  `json:"mem"`
}

// Online reports whether the node is accepting workloads.
func (n Node) Online() bool {
	return n.Status == "online"
}

// FreeMem returns the node's unused memory, or 0 when unreported.
func (n Node) FreeMem() int64 {
	if n.MaxMem <= 0 {
		return 0
	}
	free := n.MaxMem - n.Mem
	if free < 0 {
		return 0
	}
	return free
}

// Container describes one LXC container known to the hypervisor.
type Container struct {
	VMID   int    `json:"vmid"`
	Node   string `json:"node"`
	Name   string `json:"name"`
	Status string `json:"status"` // running, stopped
}

// CreateRequest holds the parameters for container creation.
type CreateRequest struct {
	VMID         int
	Hostname     string
	OSTemplate   string
	Cores        int
	MemoryMB     int
	DiskGB       int
	Storage      string
	Bridge       string
	Unprivileged bool
}

// CloneRequest holds the parameters for cloning a container from a snapshot.
type CloneRequest struct {
	SourceVMID int
	NewVMID    int
	Snapshot   string
	Hostname   string
	Storage    string
}

// BackupRequest holds the parameters for a vzdump backup.
type BackupRequest struct {
	VMID        int
	Mode        string // snapshot, suspend, stop
	Compression string // zstd, gzip, lzo
	Storage     string
}

// ExecResult is the outcome of an in-container command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Hypervisor is the adapter surface the orchestrator consumes. Implemented by
// Client against a live cluster and by mocks in tests.
type Hypervisor interface {
	// ListNodes returns all cluster nodes with their reported capacity.
	ListNodes(ctx context.Context) ([]Node, error)

	// NextID asks the cluster for a suggested next free container id. The
	// suggestion must be re-checked against the ledger before use.
	NextID(ctx context.Context) (int, error)

	// ListContainers returns every LXC container across all nodes.
	ListContainers(ctx context.Context) ([]Container, error)

	// ContainerStatus returns the current status of one container.
	ContainerStatus(ctx context.Context, node string, vmid int) (string, error)

	// CreateContainer creates a container and returns the task id to await.
	CreateContainer(ctx context.Context, node string, req CreateRequest) (string, error)

	// CloneContainer clones a container from a snapshot onto a new id.
	CloneContainer(ctx context.Context, node string, req CloneRequest) (string, error)

	// StartContainer, StopContainer and RestartContainer drive power state.
	StartContainer(ctx context.Context, node string, vmid int) (string, error)
	StopContainer(ctx context.Context, node string, vmid int) (string, error)
	RestartContainer(ctx context.Context, node string, vmid int) (string, error)

	// DeleteContainer destroys a container and its volumes.
	DeleteContainer(ctx context.Context, node string, vmid int) (string, error)

	// CreateSnapshot and DeleteSnapshot manage point-in-time snapshots.
	CreateSnapshot(ctx context.Context, node string, vmid int, name string) (string, error)
	DeleteSnapshot(ctx context.Context, node string, vmid int, name string) (string, error)

	// CreateBackup runs vzdump and returns the task id.
	CreateBackup(ctx context.Context, node string, req BackupRequest) (string, error)

	// BackupVolume resolves the storage volume produced by a finished backup
	// task, along with its size.
	BackupVolume(ctx context.Context, node string, storage string, vmid int) (string, int64, error)

	// RestoreBackup recreates a container from a backup volume.
	RestoreBackup(ctx context.Context, node string, vmid int, volume string, storage string) (string, error)

	// DeleteBackupVolume removes a backup artifact from storage.
	DeleteBackupVolume(ctx context.Context, node string, storage string, volume string) error

	// AwaitTask polls a hypervisor task until it finishes, failing on task
	// error or context cancellation.
	AwaitTask(ctx context.Context, node string, upid string) error

	// Exec runs a command inside a container. Arguments are passed as an
	// array and quoted individually; they are never interpolated into a
	// shell string raw.
	Exec(ctx context.Context, node string, vmid int, argv []string) (*ExecResult, error)

	// PushFile stages file content onto a node over SFTP.
	PushFile(ctx context.Context, node string, remotePath string, content []byte, mode uint32) error

	// PushToContainer copies a staged node file into a container via pct push.
	PushToContainer(ctx context.Context, node string, vmid int, nodePath, containerPath string) error
}
