package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/fabriziosalmi/proximity-sub006/pkg/faults"
	"github.com/fabriziosalmi/proximity-sub006/pkg/lifecycle"
	"github.com/fabriziosalmi/proximity-sub006/pkg/stores"
)

// instanceConfig is the per-instance snapshot of the template an instance was
// deployed from, stored on the instance row. Deploy retries and later
// updates read this snapshot, not the live catalog, so a template edit never
// changes an instance mid-flight.
type instanceConfig struct {
	OSTemplate string `json:"os_template"`
	Compose    string `json:"compose"`
	Cores      int    `json:"cores"`
	MemoryMB   int    `json:"memory_mb"`
	DiskGB     int    `json:"disk_gb"`
	HTTPPort   int    `json:"http_port"`
}

type cloneParams struct {
	SourceID string `json:"source_id"`
}

type adoptParams struct {
	VMID int `json:"vmid"`
}

type updateParams struct {
	Env map[string]string `json:"env"`
}

type backupParams struct {
	BackupID string `json:"backup_id"`
}

func parseBackupParams(raw string) (backupParams, error) {
	var p backupParams
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return p, faults.Fatal("malformed backup job params", err)
	}
	if p.BackupID == "" {
		return p, faults.Fatal("backup job params missing backup id", nil)
	}
	return p, nil
}

var hostnameRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// validHostname reports whether s is a usable container hostname.
func validHostname(s string) bool {
	return hostnameRe.MatchString(s)
}

// DeployRequest asks for a new instance of a catalog template.
type DeployRequest struct {
	TemplateID string
	Hostname   string
	Owner      string
	Env        map[string]string

	// Optional resource overrides; zero keeps the template default.
	Cores    int
	MemoryMB int
	DiskGB   int
}

// Deploy validates a deployment request, creates the instance record in
// deploying state, and enqueues the deploy job. The returned instance is the
// accepted ledger row; provisioning happens asynchronously.
func (e *Engine) Deploy(ctx context.Context, req DeployRequest) (*stores.Instance, error) {
	if !validHostname(req.Hostname) {
		return nil, faults.Validation("invalid hostname: "+req.Hostname, nil)
	}

	tmpl, err := e.catalog.Get(req.TemplateID)
	if err != nil {
		return nil, err
	}

	cfg := instanceConfig{
		OSTemplate: tmpl.OSTemplate,
		Compose:    tmpl.Compose,
		Cores:      tmpl.Resources.Cores,
		MemoryMB:   tmpl.Resources.MemoryMB,
		DiskGB:     tmpl.Resources.DiskGB,
		HTTPPort:   tmpl.HTTPPort,
	}
	if req.Cores > 0 {
		cfg.Cores = req.Cores
	}
	if req.MemoryMB > 0 {
		cfg.MemoryMB = req.MemoryMB
	}
	if req.DiskGB > 0 {
		cfg.DiskGB = req.DiskGB
	}

	env := map[string]string{}
	for k, v := range tmpl.Env {
		env[k] = v
	}
	for k, v := range req.Env {
		env[k] = v
	}

	inst, err := e.acceptInstance(ctx, req.TemplateID, req.Hostname, req.Owner, lifecycle.StateDeploying, cfg, env)
	if err != nil {
		return nil, err
	}

	if _, err := e.enqueue(ctx, inst.ID, lifecycle.OpDeploy, struct{}{}); err != nil {
		e.abandonInstance(ctx, inst.ID)
		return nil, err
	}

	e.logInstance(ctx, inst.ID, stores.LogLevelInfo, "accept",
		fmt.Sprintf("deployment of template %s accepted", req.TemplateID))
	return inst, nil
}

// Clone asks for a copy of an existing instance under a new hostname. The
// source must be stable with a provisioned container.
func (e *Engine) Clone(ctx context.Context, sourceID, hostname, owner string) (*stores.Instance, error) {
	if !validHostname(hostname) {
		return nil, faults.Validation("invalid hostname: "+hostname, nil)
	}

	source, err := e.store.GetInstance(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if !source.Status.Stable() {
		return nil, faults.Conflict("source instance is not stable: "+string(source.Status), nil).WithResource(sourceID)
	}
	if source.VMID == nil {
		return nil, faults.Conflict("source instance has no container", nil).WithResource(sourceID)
	}

	var cfg instanceConfig
	if err := json.Unmarshal([]byte(source.Config), &cfg); err != nil {
		return nil, faults.Fatal("malformed source instance config", err).WithResource(sourceID)
	}
	env := map[string]string{}
	if err := json.Unmarshal([]byte(source.Env), &env); err != nil {
		return nil, faults.Fatal("malformed source instance env", err).WithResource(sourceID)
	}

	inst, err := e.acceptInstance(ctx, source.TemplateID, hostname, owner, lifecycle.StateCloning, cfg, env)
	if err != nil {
		return nil, err
	}

	if _, err := e.enqueue(ctx, inst.ID, lifecycle.OpClone, cloneParams{SourceID: sourceID}); err != nil {
		e.abandonInstance(ctx, inst.ID)
		return nil, err
	}

	e.logInstance(ctx, inst.ID, stores.LogLevelInfo, "accept",
		fmt.Sprintf("clone of instance %s accepted", sourceID))
	return inst, nil
}

// AdoptRequest asks the engine to take over an existing container it did not
// create.
type AdoptRequest struct {
	VMID       int
	Hostname   string
	TemplateID string
	Owner      string
}

// Adopt claims an existing container into the ledger and enqueues the adopt
// job that verifies it and fills in placement and ports.
func (e *Engine) Adopt(ctx context.Context, req AdoptRequest) (*stores.Instance, error) {
	if req.VMID <= 0 {
		return nil, faults.Validation("invalid vmid", nil)
	}
	if !validHostname(req.Hostname) {
		return nil, faults.Validation("invalid hostname: "+req.Hostname, nil)
	}

	inst, err := e.acceptInstance(ctx, req.TemplateID, req.Hostname, req.Owner, lifecycle.StateDeploying, instanceConfig{}, map[string]string{})
	if err != nil {
		return nil, err
	}

	// The vmid claim happens at acceptance so two adopts of the same
	// container conflict immediately, not in the job.
	if err := e.store.TryClaimVMID(ctx, inst.ID, req.VMID); err != nil {
		e.abandonInstance(ctx, inst.ID)
		return nil, err
	}

	if _, err := e.enqueue(ctx, inst.ID, lifecycle.OpAdopt, adoptParams{VMID: req.VMID}); err != nil {
		e.abandonInstance(ctx, inst.ID)
		return nil, err
	}

	e.logInstance(ctx, inst.ID, stores.LogLevelInfo, "accept",
		fmt.Sprintf("adoption of container %d accepted", req.VMID))
	return inst, nil
}

// Start enqueues a start job for a stopped instance.
func (e *Engine) Start(ctx context.Context, instanceID string) (*stores.Job, error) {
	return e.enqueuePower(ctx, instanceID, lifecycle.OpStart, lifecycle.StateStopped)
}

// Stop enqueues a stop job for a running instance.
func (e *Engine) Stop(ctx context.Context, instanceID string) (*stores.Job, error) {
	return e.enqueuePower(ctx, instanceID, lifecycle.OpStop, lifecycle.StateRunning)
}

// Restart enqueues a restart job for a running instance.
func (e *Engine) Restart(ctx context.Context, instanceID string) (*stores.Job, error) {
	return e.enqueuePower(ctx, instanceID, lifecycle.OpRestart, lifecycle.StateRunning)
}

func (e *Engine) enqueuePower(ctx context.Context, instanceID string, op lifecycle.Operation, required lifecycle.State) (*stores.Job, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status != required {
		return nil, faults.Conflict(
			fmt.Sprintf("cannot %s instance in state %s", op, inst.Status), nil,
		).WithResource(instanceID)
	}
	if inst.VMID == nil {
		return nil, faults.Conflict("instance has no container", nil).WithResource(instanceID)
	}
	return e.enqueue(ctx, instanceID, op, struct{}{})
}

// Update replaces environment values on a stable instance and enqueues the
// job that re-renders its configuration in place.
func (e *Engine) Update(ctx context.Context, instanceID string, env map[string]string) (*stores.Job, error) {
	if len(env) == 0 {
		return nil, faults.Validation("update requires at least one environment value", nil)
	}

	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if !inst.Status.Stable() {
		return nil, faults.Conflict("instance is not stable: "+string(inst.Status), nil).WithResource(instanceID)
	}
	if inst.VMID == nil {
		return nil, faults.Conflict("instance has no container", nil).WithResource(instanceID)
	}

	if err := e.store.UpdateInstanceStatus(ctx, instanceID, lifecycle.StateUpdating); err != nil {
		return nil, err
	}

	job, err := e.enqueue(ctx, instanceID, lifecycle.OpUpdate, updateParams{Env: env})
	if err != nil {
		e.forceError(ctx, instanceID)
		return nil, err
	}
	return job, nil
}

// Delete moves an instance into removing state and enqueues the teardown
// job. Legal from stable, error, and transitional states.
func (e *Engine) Delete(ctx context.Context, instanceID string) (*stores.Job, error) {
	if err := e.store.UpdateInstanceStatus(ctx, instanceID, lifecycle.StateRemoving); err != nil {
		return nil, err
	}

	job, err := e.enqueue(ctx, instanceID, lifecycle.OpDelete, struct{}{})
	if err != nil {
		e.forceError(ctx, instanceID)
		return nil, err
	}
	return job, nil
}

// Backup creates a backup record for a stable instance and enqueues the
// vzdump job. At most one backup operation may be active per instance.
func (e *Engine) Backup(ctx context.Context, instanceID, mode, compression string) (*stores.Backup, error) {
	switch mode {
	case "":
		mode = "snapshot"
	case "snapshot", "suspend", "stop":
	default:
		return nil, faults.Validation("invalid backup mode: "+mode, nil)
	}
	if compression == "" {
		compression = "zstd"
	}

	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if !inst.Status.Stable() {
		return nil, faults.Conflict("instance is not stable: "+string(inst.Status), nil).WithResource(instanceID)
	}
	if inst.VMID == nil {
		return nil, faults.Conflict("instance has no container", nil).WithResource(instanceID)
	}

	now := time.Now().UTC()
	b := &stores.Backup{
		ID:          uuid.NewString(),
		InstanceID:  instanceID,
		VMID:        *inst.VMID,
		Mode:        mode,
		Compression: compression,
		Status:      stores.BackupStatusCreating,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.CreateBackup(ctx, b); err != nil {
		return nil, err
	}

	// Re-check exclusivity under the row that now exists; a concurrent
	// backup loses here and its row is removed.
	if err := e.store.BeginBackupOperation(ctx, b.ID, stores.BackupStatusCreating); err != nil {
		if deleteErr := e.store.DeleteBackup(ctx, b.ID); deleteErr != nil {
			e.log.Error().Err(deleteErr).Str("backup_id", b.ID).Msg("failed to remove rejected backup record")
		}
		return nil, err
	}

	if _, err := e.enqueue(ctx, instanceID, lifecycle.OpBackup, backupParams{BackupID: b.ID}); err != nil {
		msg := err.Error()
		_ = e.store.UpdateBackupStatus(ctx, b.ID, stores.BackupStatusFailed, &msg)
		return nil, err
	}

	return b, nil
}

// RestoreBackup moves an instance into restoring state and enqueues the job
// that recreates its container from the backup artifact.
func (e *Engine) RestoreBackup(ctx context.Context, backupID string) (*stores.Job, error) {
	b, err := e.store.GetBackup(ctx, backupID)
	if err != nil {
		return nil, err
	}
	if b.Status != stores.BackupStatusCompleted {
		return nil, faults.Conflict("backup is not restorable: "+string(b.Status), nil).WithResource(backupID)
	}

	inst, err := e.store.GetInstance(ctx, b.InstanceID)
	if err != nil {
		return nil, err
	}
	if !inst.Status.Stable() && inst.Status != lifecycle.StateError {
		return nil, faults.Conflict("instance is not restorable: "+string(inst.Status), nil).WithResource(inst.ID)
	}

	if err := e.store.BeginBackupOperation(ctx, backupID, stores.BackupStatusRestoring); err != nil {
		return nil, err
	}

	if err := e.store.UpdateInstanceStatus(ctx, inst.ID, lifecycle.StateRestoring); err != nil {
		_ = e.store.UpdateBackupStatus(ctx, backupID, stores.BackupStatusCompleted, nil)
		return nil, err
	}

	job, err := e.enqueue(ctx, inst.ID, lifecycle.OpRestoreBackup, backupParams{BackupID: backupID})
	if err != nil {
		_ = e.store.UpdateBackupStatus(ctx, backupID, stores.BackupStatusCompleted, nil)
		e.forceError(ctx, inst.ID)
		return nil, err
	}
	return job, nil
}

// DeleteBackup enqueues removal of a backup artifact and its record.
func (e *Engine) DeleteBackup(ctx context.Context, backupID string) (*stores.Job, error) {
	b, err := e.store.GetBackup(ctx, backupID)
	if err != nil {
		return nil, err
	}
	if b.Status.Active() {
		return nil, faults.Conflict("backup operation already active: "+string(b.Status), nil).WithResource(backupID)
	}

	if err := e.store.BeginBackupOperation(ctx, backupID, stores.BackupStatusDeleting); err != nil {
		return nil, err
	}

	job, err := e.enqueue(ctx, b.InstanceID, lifecycle.OpDeleteBackup, backupParams{BackupID: backupID})
	if err != nil {
		msg := err.Error()
		_ = e.store.UpdateBackupStatus(ctx, backupID, stores.BackupStatusFailed, &msg)
		return nil, err
	}
	return job, nil
}

// acceptInstance creates the ledger row for a new instance. Hostname
// uniqueness is enforced by the store; the duplicate surfaces as a conflict.
func (e *Engine) acceptInstance(
	ctx context.Context,
	templateID, hostname, owner string,
	initial lifecycle.State,
	cfg instanceConfig,
	env map[string]string,
) (*stores.Instance, error) {
	cfgBlob, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode instance config: %w", err)
	}
	envBlob, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode instance env: %w", err)
	}

	now := time.Now().UTC()
	inst := &stores.Instance{
		ID:             uuid.NewString(),
		TemplateID:     templateID,
		Hostname:       hostname,
		Status:         initial,
		Config:         string(cfgBlob),
		Env:            string(envBlob),
		Owner:          owner,
		CreatedAt:      now,
		UpdatedAt:      now,
		StateChangedAt: now,
	}

	if err := e.store.CreateInstance(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// abandonInstance removes a just-accepted row whose job never made it into
// the queue.
func (e *Engine) abandonInstance(ctx context.Context, instanceID string) {
	if err := e.store.DeleteInstance(ctx, instanceID); err != nil {
		e.log.Error().Err(err).Str("instance_id", instanceID).Msg("failed to remove abandoned instance")
	}
}

// enqueue appends one job to the durable queue.
func (e *Engine) enqueue(ctx context.Context, instanceID string, op lifecycle.Operation, params any) (*stores.Job, error) {
	blob, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job params: %w", err)
	}

	now := time.Now().UTC()
	job := &stores.Job{
		ID:          uuid.NewString(),
		InstanceID:  instanceID,
		Operation:   op,
		Params:      string(blob),
		Status:      stores.JobStatusQueued,
		Attempt:     0,
		MaxAttempts: e.cfg.MaxAttempts,
		NextRunAt:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := e.store.EnqueueJob(ctx, job); err != nil {
		return nil, err
	}

	e.log.Info().
		Str("job_id", job.ID).
		Str("instance_id", instanceID).
		Str("operation", string(op)).
		Msg("job enqueued")
	return job, nil
}
