package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/fabriziosalmi/proximity-sub006/pkg/lifecycle"
	"github.com/fabriziosalmi/proximity-sub006/pkg/stores"
)

// janitorLoop periodically sweeps for instances stuck in transitional states.
func (e *Engine) janitorLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.JanitorEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Janitor(ctx, time.Now().UTC()); err != nil {
				e.log.Error().Err(err).Msg("janitor sweep failed")
			}
		}
	}
}

// Janitor forces instances that have sat in a transitional state past the
// stuck deadline, with no job left to move them, into error. A slow tick
// overlapping the next one is skipped rather than run twice.
func (e *Engine) Janitor(ctx context.Context, now time.Time) error {
	if !e.janitorMu.TryLock() {
		return nil
	}
	defer e.janitorMu.Unlock()

	instances, err := e.store.ListInstances(ctx, stores.InstanceFilter{})
	if err != nil {
		return err
	}

	deadline := now.Add(-e.cfg.StuckDeadline)

	for _, inst := range instances {
		if !inst.Status.Transitional() || inst.StateChangedAt.After(deadline) {
			continue
		}

		// A queued retry still owns the instance; only truly abandoned
		// instances are forced.
		if pending, err := e.hasPendingJob(ctx, inst.ID); err != nil {
			return err
		} else if pending {
			continue
		}

		e.log.Warn().
			Str("instance_id", inst.ID).
			Str("status", string(inst.Status)).
			Time("state_changed_at", inst.StateChangedAt).
			Msg("instance stuck in transitional state, forcing error")

		e.logInstance(ctx, inst.ID, stores.LogLevelCritical, "janitor",
			fmt.Sprintf("stuck in %s since %s with no pending job, forced to error",
				inst.Status, inst.StateChangedAt.Format(time.RFC3339)))

		if err := e.store.UpdateInstanceStatus(ctx, inst.ID, lifecycle.StateError); err != nil {
			e.log.Error().Err(err).Str("instance_id", inst.ID).Msg("janitor failed to force error state")
			continue
		}
		if e.metrics != nil {
			e.metrics.JanitorForcedError()
		}
	}

	return nil
}

// hasPendingJob reports whether the instance has a job queued or running.
func (e *Engine) hasPendingJob(ctx context.Context, instanceID string) (bool, error) {
	jobs, err := e.store.ListJobsByInstance(ctx, instanceID)
	if err != nil {
		return false, err
	}
	for _, job := range jobs {
		if job.Status == stores.JobStatusQueued || job.Status == stores.JobStatusRunning {
			return true, nil
		}
	}
	return false, nil
}
