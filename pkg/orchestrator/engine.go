// Package orchestrator turns accepted application requests into hypervisor
// work. It owns the durable job queue, the worker pool that drains it, the
// retry discipline around transient hypervisor failures, and the background
// loops that reconcile the ledger against reality.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/fabriziosalmi/proximity-sub006/pkg/alloc"
	"github.com/fabriziosalmi/proximity-sub006/pkg/catalog"
	"github.com/fabriziosalmi/proximity-sub006/pkg/faults"
	"github.com/fabriziosalmi/proximity-sub006/pkg/lifecycle"
	"github.com/fabriziosalmi/proximity-sub006/pkg/proxmox"
	"github.com/fabriziosalmi/proximity-sub006/pkg/stores"
	"github.com/fabriziosalmi/proximity-sub006/pkg/telemetry"
)

// Config tunes the engine's worker pool, retry policy, and background loops.
type Config struct {
	Workers        int
	PollInterval   time.Duration
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	ReconcileEvery time.Duration
	JanitorEvery   time.Duration
	StuckDeadline  time.Duration

	// Storage and Bridge are the hypervisor-side defaults containers are
	// created with.
	Storage string
	Bridge  string
}

// ApplyDefaults fills unset fields with working defaults.
func (c *Config) ApplyDefaults() {
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.PollInterval == 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = 5 * time.Second
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = 15 * time.Minute
	}
	if c.ReconcileEvery == 0 {
		c.ReconcileEvery = time.Hour
	}
	if c.JanitorEvery == 0 {
		c.JanitorEvery = 6 * time.Hour
	}
	if c.StuckDeadline == 0 {
		c.StuckDeadline = 2 * time.Hour
	}
	if c.Storage == "" {
		c.Storage = "local-lvm"
	}
	if c.Bridge == "" {
		c.Bridge = "vmbr0"
	}
}

// Engine drives all asynchronous instance operations.
type Engine struct {
	cfg     Config
	store   stores.Store
	hv      proxmox.Hypervisor
	catalog *catalog.Catalog
	ports   *alloc.PortAllocator
	vmids   *alloc.VMIDAllocator

	log     zerolog.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer

	// janitorMu keeps janitor runs from overlapping when a tick fires while
	// the previous sweep is still walking instances.
	janitorMu sync.Mutex
}

// New creates an engine. Metrics and tracer may be nil.
func New(
	cfg Config,
	store stores.Store,
	hv proxmox.Hypervisor,
	cat *catalog.Catalog,
	ports *alloc.PortAllocator,
	vmids *alloc.VMIDAllocator,
	log zerolog.Logger,
	metrics *telemetry.Metrics,
	tracer trace.Tracer,
) *Engine {
	cfg.ApplyDefaults()
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("orchestrator")
	}

	return &Engine{
		cfg:     cfg,
		store:   store,
		hv:      hv,
		catalog: cat,
		ports:   ports,
		vmids:   vmids,
		log:     log.With().Str("component", "orchestrator").Logger(),
		metrics: metrics,
		tracer:  tracer,
	}
}

// Run requeues jobs orphaned by a previous crash, then drains the queue with
// the worker pool and runs the background loops until the context is
// cancelled.
func (e *Engine) Run(ctx context.Context) error {
	requeued, err := e.store.RequeueOrphanedJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to requeue orphaned jobs: %w", err)
	}
	if requeued > 0 {
		e.log.Warn().Int64("jobs", requeued).Msg("requeued jobs orphaned by previous shutdown")
	}

	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			e.workerLoop(ctx, worker)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.reconcileLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.janitorLoop(ctx)
	}()

	e.log.Info().Int("workers", e.cfg.Workers).Msg("orchestrator started")
	<-ctx.Done()
	wg.Wait()
	e.log.Info().Msg("orchestrator stopped")
	return nil
}

// workerLoop claims and runs jobs until the context is cancelled. After
// finishing a job it immediately tries to claim another; it only sleeps when
// the queue is empty.
func (e *Engine) workerLoop(ctx context.Context, worker int) {
	log := e.log.With().Int("worker", worker).Logger()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := e.store.ClaimNextJob(ctx, time.Now().UTC())
		if err != nil {
			log.Error().Err(err).Msg("failed to claim next job")
		} else if job != nil {
			e.runJob(ctx, job)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runJob executes one claimed job attempt and settles its queue entry:
// completed on success, requeued with backoff on a retryable failure with
// attempts left, failed plus unwind otherwise.
func (e *Engine) runJob(ctx context.Context, job *stores.Job) {
	log := e.log.With().
		Str("job_id", job.ID).
		Str("instance_id", job.InstanceID).
		Str("operation", string(job.Operation)).
		Int("attempt", job.Attempt+1).
		Logger()

	ctx, span := e.tracer.Start(ctx, "job."+string(job.Operation),
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("instance.id", job.InstanceID),
			attribute.Int("job.attempt", job.Attempt+1),
		),
	)
	defer span.End()

	if e.metrics != nil {
		e.metrics.JobStarted(string(job.Operation))
	}
	start := time.Now()

	err := e.dispatch(ctx, job)
	duration := time.Since(start)

	if err == nil {
		span.SetStatus(codes.Ok, "")
		if completeErr := e.store.CompleteJob(ctx, job.ID); completeErr != nil {
			log.Error().Err(completeErr).Msg("failed to mark job completed")
		}
		if e.metrics != nil {
			e.metrics.JobCompleted(string(job.Operation), "completed", duration)
		}
		log.Info().Dur("duration", duration).Msg("job completed")
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if faults.IsRetryable(err) && job.Attempt+1 < job.MaxAttempts {
		delay := withJitter(backoffDelay(e.cfg.BackoffBase, e.cfg.BackoffCap, job.Attempt))
		nextRun := time.Now().UTC().Add(delay)

		if rescheduleErr := e.store.RescheduleJob(ctx, job.ID, job.Attempt+1, nextRun, err.Error()); rescheduleErr != nil {
			log.Error().Err(rescheduleErr).Msg("failed to reschedule job")
		}
		if e.metrics != nil {
			e.metrics.JobRetried(string(job.Operation))
		}
		e.logInstance(ctx, job.InstanceID, stores.LogLevelWarning, string(job.Operation),
			fmt.Sprintf("attempt %d/%d failed, retrying in %s: %v", job.Attempt+1, job.MaxAttempts, delay.Round(time.Second), err))
		log.Warn().Err(err).Dur("retry_in", delay).Msg("job attempt failed, rescheduled")
		return
	}

	if failErr := e.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
		log.Error().Err(failErr).Msg("failed to mark job failed")
	}
	e.unwind(ctx, job, err)
	if e.metrics != nil {
		e.metrics.JobCompleted(string(job.Operation), "failed", duration)
	}
	log.Error().Err(err).Str("class", string(faults.ClassOf(err))).Msg("job failed permanently")
}

// dispatch routes a job to its handler. The instance row is re-read on every
// attempt so retried handlers resume from whatever an earlier attempt already
// persisted.
func (e *Engine) dispatch(ctx context.Context, job *stores.Job) error {
	inst, err := e.store.GetInstance(ctx, job.InstanceID)
	if err != nil {
		return err
	}

	switch job.Operation {
	case lifecycle.OpDeploy:
		return e.handleDeploy(ctx, job, inst)
	case lifecycle.OpClone:
		return e.handleClone(ctx, job, inst)
	case lifecycle.OpAdopt:
		return e.handleAdopt(ctx, job, inst)
	case lifecycle.OpStart, lifecycle.OpStop, lifecycle.OpRestart:
		return e.handlePower(ctx, job, inst)
	case lifecycle.OpUpdate:
		return e.handleUpdate(ctx, job, inst)
	case lifecycle.OpDelete:
		return e.handleDelete(ctx, job, inst)
	case lifecycle.OpBackup:
		return e.handleBackup(ctx, job, inst)
	case lifecycle.OpRestoreBackup:
		return e.handleRestoreBackup(ctx, job, inst)
	case lifecycle.OpDeleteBackup:
		return e.handleDeleteBackup(ctx, job, inst)
	default:
		return faults.Fatal("unknown operation: "+string(job.Operation), nil)
	}
}

// unwind settles instance and resource state after a job fails permanently.
// Each release step is idempotent and best-effort; failures are logged, not
// propagated, so one broken step does not block the rest.
func (e *Engine) unwind(ctx context.Context, job *stores.Job, cause error) {
	log := e.log.With().Str("job_id", job.ID).Str("instance_id", job.InstanceID).Logger()

	e.logInstance(ctx, job.InstanceID, stores.LogLevelCritical, string(job.Operation),
		fmt.Sprintf("operation failed permanently after %d attempts: %v", job.Attempt+1, cause))

	switch job.Operation {
	case lifecycle.OpDeploy, lifecycle.OpClone, lifecycle.OpAdopt:
		if job.Operation == lifecycle.OpClone {
			e.unwindCloneSnapshot(ctx, job)
		}

		inst, err := e.store.GetInstance(ctx, job.InstanceID)
		if err != nil {
			log.Error().Err(err).Msg("unwind: failed to read instance")
			return
		}

		if err := e.ports.ReleaseForInstance(ctx, inst.ID); err != nil {
			log.Error().Err(err).Msg("unwind: failed to release ports")
		}
		e.syncPortGauge(ctx)

		// The vmid claim is only released when no container exists under it;
		// a half-created container keeps the claim so delete can find it.
		if inst.VMID != nil && !e.containerKnown(ctx, *inst.VMID) {
			if err := e.vmids.Release(ctx, inst.ID); err != nil {
				log.Error().Err(err).Msg("unwind: failed to release vmid claim")
			}
		}

		e.forceError(ctx, inst.ID)

	case lifecycle.OpDelete, lifecycle.OpUpdate:
		e.forceError(ctx, job.InstanceID)

	case lifecycle.OpBackup:
		e.settleBackupFailure(ctx, job, stores.BackupStatusFailed, cause)

	case lifecycle.OpRestoreBackup:
		// The artifact is still intact, so the backup returns to completed;
		// only the instance ends up in error.
		e.settleBackupFailure(ctx, job, stores.BackupStatusCompleted, cause)
		e.forceError(ctx, job.InstanceID)

	case lifecycle.OpDeleteBackup:
		e.settleBackupFailure(ctx, job, stores.BackupStatusFailed, cause)
	}
}

// forceError transitions an instance to error, tolerating instances already
// there or already deleted.
func (e *Engine) forceError(ctx context.Context, instanceID string) {
	err := e.store.UpdateInstanceStatus(ctx, instanceID, lifecycle.StateError)
	if err != nil && !faults.IsNotFound(err) {
		e.log.Error().Err(err).Str("instance_id", instanceID).Msg("failed to move instance to error")
	}
}

// settleBackupFailure records the terminal status of the backup a failed job
// was operating on.
func (e *Engine) settleBackupFailure(ctx context.Context, job *stores.Job, status stores.BackupStatus, cause error) {
	params, err := parseBackupParams(job.Params)
	if err != nil {
		e.log.Error().Err(err).Str("job_id", job.ID).Msg("unwind: failed to parse backup params")
		return
	}

	msg := cause.Error()
	if err := e.store.UpdateBackupStatus(ctx, params.BackupID, status, &msg); err != nil && !faults.IsNotFound(err) {
		e.log.Error().Err(err).Str("backup_id", params.BackupID).Msg("unwind: failed to settle backup status")
	}
}

// findContainer looks up a container by id across all nodes. Returns
// (nil, nil) when the hypervisor does not know the id.
func (e *Engine) findContainer(ctx context.Context, vmid int) (*proxmox.Container, error) {
	containers, err := e.hv.ListContainers(ctx)
	if err != nil {
		return nil, err
	}
	for i := range containers {
		if containers[i].VMID == vmid {
			return &containers[i], nil
		}
	}
	return nil, nil
}

// containerKnown reports whether the hypervisor currently knows a container
// with the given id. Lookup failures count as known, which keeps resource
// claims in place when the hypervisor is unreachable.
func (e *Engine) containerKnown(ctx context.Context, vmid int) bool {
	c, err := e.findContainer(ctx, vmid)
	if err != nil {
		e.log.Warn().Err(err).Int("vmid", vmid).Msg("failed to list containers, assuming container exists")
		return true
	}
	return c != nil
}

// syncPortGauge refreshes the held-pairs gauge from the ledger. Called after
// every allocation and release so the gauge tracks occupancy, not deltas.
func (e *Engine) syncPortGauge(ctx context.Context) {
	if e.metrics == nil {
		return
	}
	held, err := e.store.ListPortAllocations(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("failed to read port allocations for gauge")
		return
	}
	e.metrics.SetPortPairsHeld(len(held))
}

// logInstance appends one deployment log entry, dropping it on error. The
// audit trail never blocks the operation it describes.
func (e *Engine) logInstance(ctx context.Context, instanceID string, level stores.LogLevel, phase, message string) {
	err := e.store.AppendDeploymentLog(ctx, &stores.DeploymentLog{
		InstanceID: instanceID,
		Level:      level,
		Phase:      phase,
		Message:    message,
	})
	if err != nil {
		e.log.Error().Err(err).Str("instance_id", instanceID).Msg("failed to append deployment log")
	}
}

// awaitTask starts a hypervisor task wrapper: it records the call in metrics
// and waits for the task to finish.
func (e *Engine) awaitTask(ctx context.Context, operation, node, upid string) error {
	start := time.Now()
	err := e.hv.AwaitTask(ctx, node, upid)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	if e.metrics != nil {
		e.metrics.HypervisorCall(operation, outcome, time.Since(start))
	}
	return err
}
