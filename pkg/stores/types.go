package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/fabriziosalmi/proximity-sub006/pkg/lifecycle"
)

// JobStatus represents the status of a queued job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// BackupStatus represents the status of a backup artifact.
type BackupStatus string

const (
	BackupStatusCreating  BackupStatus = "creating"
	BackupStatusCompleted BackupStatus = "completed"
	BackupStatusFailed    BackupStatus = "failed"
	BackupStatusRestoring BackupStatus = "restoring"
	BackupStatusDeleting  BackupStatus = "deleting"
)

// Active reports whether the status denotes an in-flight backup operation.
// At most one active backup operation may exist per instance.
func (s BackupStatus) Active() bool {
	return s == BackupStatusCreating || s == BackupStatusRestoring || s == BackupStatusDeleting
}

// LogLevel represents the severity of a deployment log entry.
type LogLevel string

const (
	LogLevelDebug    LogLevel = "debug"
	LogLevelInfo     LogLevel = "info"
	LogLevelWarning  LogLevel = "warning"
	LogLevelError    LogLevel = "error"
	LogLevelCritical LogLevel = "critical"
)

// Instance is the ledger record of a deployed application container.
type Instance struct {
	ID             string          `json:"id"`
	TemplateID     string          `json:"template_id"`
	Hostname       string          `json:"hostname"`
	Status         lifecycle.State `json:"status"`
	VMID           *int            `json:"vmid,omitempty"`
	Node           string          `json:"node"`
	PublicPort     *int            `json:"public_port,omitempty"`
	InternalPort   *int            `json:"internal_port,omitempty"`
	Config         string          `json:"config"` // JSON blob
	Env            string          `json:"env"`    // JSON blob
	Owner          string          `json:"owner"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	StateChangedAt time.Time       `json:"state_changed_at"`
}

// PortAllocation records exclusive ownership of a (public, internal) port pair.
type PortAllocation struct {
	PublicPort   int       `json:"public_port"`
	InternalPort int       `json:"internal_port"`
	InstanceID   string    `json:"instance_id"`
	AllocatedAt  time.Time `json:"allocated_at"`
}

// DeploymentLog is one append-only log entry for an instance.
type DeploymentLog struct {
	ID         int64     `json:"id"`
	InstanceID string    `json:"instance_id"`
	Level      LogLevel  `json:"level"`
	Phase      string    `json:"phase"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// Backup is a point-in-time artifact tied to one instance.
type Backup struct {
	ID            string       `json:"id"`
	InstanceID    string       `json:"instance_id"`
	VMID          int          `json:"vmid"`
	StorageVolume string       `json:"storage_volume"`
	SizeBytes     int64        `json:"size_bytes"`
	Mode          string       `json:"mode"` // snapshot, suspend, stop
	Compression   string       `json:"compression"`
	Status        BackupStatus `json:"status"`
	Error         *string      `json:"error,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Job is one entry in the durable work queue.
type Job struct {
	ID          string              `json:"id"`
	InstanceID  string              `json:"instance_id"`
	Operation   lifecycle.Operation `json:"operation"`
	Params      string              `json:"params"` // JSON blob
	Status      JobStatus           `json:"status"`
	Attempt     int                 `json:"attempt"`
	MaxAttempts int                 `json:"max_attempts"`
	NextRunAt   time.Time           `json:"next_run_at"`
	Error       *string             `json:"error,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// InstanceFilter narrows ListInstances results. Zero values match everything.
type InstanceFilter struct {
	Status     lifecycle.State
	TemplateID string
	Owner      string
}

// Store defines the interface for the persistence layer.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Instance operations
	CreateInstance(ctx context.Context, inst *Instance) error
	GetInstance(ctx context.Context, id string) (*Instance, error)
	GetInstanceByHostname(ctx context.Context, hostname string) (*Instance, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error)
	UpdateInstanceStatus(ctx context.Context, id string, status lifecycle.State) error
	UpdateInstanceNode(ctx context.Context, id string, node string) error
	UpdateInstanceEnv(ctx context.Context, id string, env string) error
	SetInstancePorts(ctx context.Context, id string, publicPort, internalPort int) error
	TryClaimVMID(ctx context.Context, id string, vmid int) error
	ClearInstanceVMID(ctx context.Context, id string) error
	ClaimedVMIDs(ctx context.Context) ([]int, error)
	DeleteInstance(ctx context.Context, id string) error

	// Port allocation operations
	AllocatePortPair(ctx context.Context, instanceID string, publicRange, internalRange [2]int) (publicPort, internalPort int, err error)
	ReleasePortPair(ctx context.Context, publicPort int) error
	ListPortAllocations(ctx context.Context) ([]*PortAllocation, error)
	ReleasePortsForInstance(ctx context.Context, instanceID string) error

	// Deployment log operations
	AppendDeploymentLog(ctx context.Context, entry *DeploymentLog) error
	ListDeploymentLogs(ctx context.Context, instanceID string, limit, offset int) ([]*DeploymentLog, error)

	// Backup operations
	CreateBackup(ctx context.Context, b *Backup) error
	GetBackup(ctx context.Context, id string) (*Backup, error)
	ListBackupsByInstance(ctx context.Context, instanceID string) ([]*Backup, error)
	BeginBackupOperation(ctx context.Context, id string, status BackupStatus) error
	UpdateBackupStatus(ctx context.Context, id string, status BackupStatus, errMsg *string) error
	SetBackupArtifact(ctx context.Context, id string, storageVolume string, sizeBytes int64) error
	DeleteBackup(ctx context.Context, id string) error

	// Job queue operations
	EnqueueJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ClaimNextJob(ctx context.Context, now time.Time) (*Job, error)
	RescheduleJob(ctx context.Context, id string, attempt int, nextRunAt time.Time, errMsg string) error
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
	HasRunningJob(ctx context.Context, instanceID string) (bool, error)
	RequeueOrphanedJobs(ctx context.Context) (int64, error)
	ListJobsByInstance(ctx context.Context, instanceID string) ([]*Job, error)
}
