package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fabriziosalmi/proximity-sub006/pkg/faults"
	"github.com/fabriziosalmi/proximity-sub006/pkg/lifecycle"
	"github.com/fabriziosalmi/proximity-sub006/pkg/proxmox"
	"github.com/fabriziosalmi/proximity-sub006/pkg/stores"
)

// handleClone copies the source container onto the target instance via a
// point-in-time snapshot. The snapshot name is derived from the target id so
// retries reference the same snapshot. A failed snapshot cleanup never fails
// the clone; it is recorded at critical level for an operator to collect.
func (e *Engine) handleClone(ctx context.Context, job *stores.Job, inst *stores.Instance) error {
	var params cloneParams
	if err := json.Unmarshal([]byte(job.Params), &params); err != nil {
		return faults.Fatal("malformed clone job params", err)
	}
	if params.SourceID == "" {
		return faults.Fatal("clone job params missing source id", nil)
	}

	source, err := e.store.GetInstance(ctx, params.SourceID)
	if err != nil {
		return err
	}
	if source.VMID == nil || source.Node == "" {
		return faults.Fatal("source instance has no provisioned container", nil).WithResource(source.ID)
	}

	if err := e.ensurePorts(ctx, inst); err != nil {
		return err
	}
	if err := e.ensureVMID(ctx, inst); err != nil {
		return err
	}

	snapshot := cloneSnapshotName(inst.ID)

	existing, err := e.findContainer(ctx, *inst.VMID)
	if err != nil {
		return err
	}
	if existing == nil {
		// A snapshot left behind by an earlier attempt makes re-creation
		// fail; the clone below is what decides whether the snapshot is
		// actually usable.
		if upid, err := e.hv.CreateSnapshot(ctx, source.Node, *source.VMID, snapshot); err != nil {
			e.log.Warn().Err(err).Str("snapshot", snapshot).Msg("snapshot create failed, assuming it exists from an earlier attempt")
		} else if err := e.awaitTask(ctx, "snapshot", source.Node, upid); err != nil {
			e.log.Warn().Err(err).Str("snapshot", snapshot).Msg("snapshot task failed, assuming it exists from an earlier attempt")
		} else {
			e.logInstance(ctx, inst.ID, stores.LogLevelInfo, "snapshot",
				fmt.Sprintf("snapshot %s of source container %d created", snapshot, *source.VMID))
		}

		upid, err := e.hv.CloneContainer(ctx, source.Node, proxmox.CloneRequest{
			SourceVMID: *source.VMID,
			NewVMID:    *inst.VMID,
			Snapshot:   snapshot,
			Hostname:   inst.Hostname,
			Storage:    e.cfg.Storage,
		})
		if err != nil {
			return err
		}
		if err := e.awaitTask(ctx, "clone", source.Node, upid); err != nil {
			return err
		}
		e.logInstance(ctx, inst.ID, stores.LogLevelInfo, "clone",
			fmt.Sprintf("container %d cloned from %d", *inst.VMID, *source.VMID))
	}

	if inst.Node == "" {
		if err := e.store.UpdateInstanceNode(ctx, inst.ID, source.Node); err != nil {
			return err
		}
		inst.Node = source.Node
	}

	if err := e.ensureRunning(ctx, inst); err != nil {
		return err
	}

	e.cleanupSnapshot(ctx, inst.ID, source.Node, *source.VMID, snapshot)

	if err := e.store.UpdateInstanceStatus(ctx, inst.ID, lifecycle.StateRunning); err != nil {
		return err
	}
	e.logInstance(ctx, inst.ID, stores.LogLevelInfo, "finalize",
		fmt.Sprintf("clone of %s is running", params.SourceID))
	return nil
}

// unwindCloneSnapshot removes the snapshot a permanently failed clone may
// have left on the source container. Attempted unconditionally from unwind;
// a failed delete lands in the deployment log at critical level like any
// other cleanup failure.
func (e *Engine) unwindCloneSnapshot(ctx context.Context, job *stores.Job) {
	var params cloneParams
	if err := json.Unmarshal([]byte(job.Params), &params); err != nil || params.SourceID == "" {
		return
	}

	source, err := e.store.GetInstance(ctx, params.SourceID)
	if err != nil {
		e.log.Warn().Err(err).Str("job_id", job.ID).Msg("unwind: failed to read clone source")
		return
	}
	if source.VMID == nil || source.Node == "" {
		return
	}

	e.cleanupSnapshot(ctx, job.InstanceID, source.Node, *source.VMID, cloneSnapshotName(job.InstanceID))
}

// cleanupSnapshot deletes the transient clone snapshot, logging at critical
// on failure instead of failing the clone. The cloned instance is healthy at
// this point; the leftover snapshot only costs storage on the source.
func (e *Engine) cleanupSnapshot(ctx context.Context, instanceID, node string, vmid int, snapshot string) {
	upid, err := e.hv.DeleteSnapshot(ctx, node, vmid, snapshot)
	if err == nil {
		err = e.awaitTask(ctx, "snapshot-delete", node, upid)
	}
	if err != nil {
		e.logInstance(ctx, instanceID, stores.LogLevelCritical, "cleanup",
			fmt.Sprintf("failed to delete snapshot %s of container %d: %v", snapshot, vmid, err))
		e.log.Error().Err(err).Str("snapshot", snapshot).Int("vmid", vmid).Msg("snapshot cleanup failed")
	}
}

// cloneSnapshotName derives the snapshot name from the target instance id,
// so retries and unwind reference the same snapshot.
func cloneSnapshotName(instanceID string) string {
	return "prox-clone-" + shortID(instanceID)
}

// shortID returns the first uuid segment of an instance id, enough to keep
// derived hypervisor names readable.
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}
