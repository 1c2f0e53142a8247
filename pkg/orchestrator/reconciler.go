package orchestrator

import (
	"context"
	"time"

	"github.com/fabriziosalmi/proximity-sub006/pkg/lifecycle"
	"github.com/fabriziosalmi/proximity-sub006/pkg/stores"
)

// reconcileLoop periodically compares the ledger against the hypervisor.
func (e *Engine) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ReconcileEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Reconcile(ctx); err != nil {
				e.log.Error().Err(err).Msg("reconcile sweep failed")
			}
		}
	}
}

// Reconcile walks every stable ledger instance and settles drift against the
// hypervisor: instances whose container vanished externally are purged,
// instances whose power state changed externally are re-labelled. Instances
// in transitional states or with a job in flight are left to their jobs.
func (e *Engine) Reconcile(ctx context.Context) error {
	containers, err := e.hv.ListContainers(ctx)
	if err != nil {
		return err
	}
	byVMID := make(map[int]string, len(containers))
	for _, c := range containers {
		byVMID[c.VMID] = c.Status
	}

	instances, err := e.store.ListInstances(ctx, stores.InstanceFilter{})
	if err != nil {
		return err
	}

	for _, inst := range instances {
		// Transitional states belong to their jobs; error is terminal and
		// still owns its container record, so it stays purge-eligible.
		if (!inst.Status.Stable() && inst.Status != lifecycle.StateError) || inst.VMID == nil {
			continue
		}

		busy, err := e.store.HasRunningJob(ctx, inst.ID)
		if err != nil {
			return err
		}
		if busy {
			continue
		}

		status, exists := byVMID[*inst.VMID]
		if !exists {
			e.purgeVanished(ctx, inst)
			continue
		}

		// An errored instance whose container still exists waits for an
		// operator; its power state is not the ledger's to settle.
		if inst.Status == lifecycle.StateError {
			continue
		}

		observed := lifecycle.StateStopped
		if status == "running" {
			observed = lifecycle.StateRunning
		}
		if observed != inst.Status {
			e.log.Warn().
				Str("instance_id", inst.ID).
				Str("ledger", string(inst.Status)).
				Str("observed", string(observed)).
				Msg("instance power state drifted, updating ledger")
			if err := e.store.UpdateInstanceStatus(ctx, inst.ID, observed); err != nil {
				e.log.Error().Err(err).Str("instance_id", inst.ID).Msg("failed to settle drifted status")
			}
		}
	}

	return nil
}

// purgeVanished removes the ledger footprint of an instance whose container
// was deleted behind the engine's back.
func (e *Engine) purgeVanished(ctx context.Context, inst *stores.Instance) {
	e.log.Warn().
		Str("instance_id", inst.ID).
		Str("hostname", inst.Hostname).
		Int("vmid", *inst.VMID).
		Msg("container vanished externally, purging ledger instance")

	e.logInstance(ctx, inst.ID, stores.LogLevelWarning, "reconcile",
		"container no longer exists on the hypervisor, removing instance")

	if err := e.ports.ReleaseForInstance(ctx, inst.ID); err != nil {
		e.log.Error().Err(err).Str("instance_id", inst.ID).Msg("failed to release ports of vanished instance")
		return
	}
	e.syncPortGauge(ctx)

	if err := e.store.DeleteInstance(ctx, inst.ID); err != nil {
		e.log.Error().Err(err).Str("instance_id", inst.ID).Msg("failed to purge vanished instance")
		return
	}

	if e.metrics != nil {
		e.metrics.ReconcilePurged()
	}
}
