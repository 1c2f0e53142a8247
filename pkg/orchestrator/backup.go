package orchestrator

import (
	"context"
	"fmt"

	"github.com/fabriziosalmi/proximity-sub006/pkg/faults"
	"github.com/fabriziosalmi/proximity-sub006/pkg/lifecycle"
	"github.com/fabriziosalmi/proximity-sub006/pkg/proxmox"
	"github.com/fabriziosalmi/proximity-sub006/pkg/stores"
)

// handleBackup runs vzdump for the backup record, resolves the produced
// artifact, and marks the backup completed.
func (e *Engine) handleBackup(ctx context.Context, job *stores.Job, inst *stores.Instance) error {
	params, err := parseBackupParams(job.Params)
	if err != nil {
		return err
	}

	b, err := e.store.GetBackup(ctx, params.BackupID)
	if err != nil {
		return err
	}
	if b.Status == stores.BackupStatusCompleted {
		return nil
	}
	if inst.Node == "" {
		return faults.Fatal("instance has no placement", nil).WithResource(inst.ID)
	}

	upid, err := e.hv.CreateBackup(ctx, inst.Node, proxmox.BackupRequest{
		VMID:        b.VMID,
		Mode:        b.Mode,
		Compression: b.Compression,
		Storage:     e.cfg.Storage,
	})
	if err != nil {
		return err
	}
	if err := e.awaitTask(ctx, "vzdump", inst.Node, upid); err != nil {
		return err
	}

	volume, size, err := e.hv.BackupVolume(ctx, inst.Node, e.cfg.Storage, b.VMID)
	if err != nil {
		return err
	}

	if err := e.store.SetBackupArtifact(ctx, b.ID, volume, size); err != nil {
		return err
	}
	if err := e.store.UpdateBackupStatus(ctx, b.ID, stores.BackupStatusCompleted, nil); err != nil {
		return err
	}

	e.logInstance(ctx, inst.ID, stores.LogLevelInfo, "backup",
		fmt.Sprintf("backup %s completed, volume %s (%d bytes)", b.ID, volume, size))
	return nil
}

// handleRestoreBackup recreates the instance's container from a backup
// artifact: stop, restore in place, start.
func (e *Engine) handleRestoreBackup(ctx context.Context, job *stores.Job, inst *stores.Instance) error {
	params, err := parseBackupParams(job.Params)
	if err != nil {
		return err
	}

	b, err := e.store.GetBackup(ctx, params.BackupID)
	if err != nil {
		return err
	}
	if b.StorageVolume == "" {
		return faults.Fatal("backup has no artifact to restore", nil).WithResource(b.ID)
	}
	if inst.VMID == nil || inst.Node == "" {
		return faults.Fatal("instance has no provisioned container", nil).WithResource(inst.ID)
	}
	vmid := *inst.VMID

	container, err := e.findContainer(ctx, vmid)
	if err != nil {
		return err
	}
	if container != nil && container.Status == "running" {
		upid, err := e.hv.StopContainer(ctx, inst.Node, vmid)
		if err != nil {
			return err
		}
		if err := e.awaitTask(ctx, "stop", inst.Node, upid); err != nil {
			return err
		}
	}

	upid, err := e.hv.RestoreBackup(ctx, inst.Node, vmid, b.StorageVolume, e.cfg.Storage)
	if err != nil {
		return err
	}
	if err := e.awaitTask(ctx, "restore", inst.Node, upid); err != nil {
		return err
	}
	e.logInstance(ctx, inst.ID, stores.LogLevelInfo, "restore",
		fmt.Sprintf("container %d restored from %s", vmid, b.StorageVolume))

	if err := e.ensureRunning(ctx, inst); err != nil {
		return err
	}

	if err := e.store.UpdateBackupStatus(ctx, b.ID, stores.BackupStatusCompleted, nil); err != nil {
		return err
	}
	if err := e.store.UpdateInstanceStatus(ctx, inst.ID, lifecycle.StateRunning); err != nil {
		return err
	}
	e.logInstance(ctx, inst.ID, stores.LogLevelInfo, "finalize",
		fmt.Sprintf("restore of backup %s completed", b.ID))
	return nil
}

// handleDeleteBackup removes a backup artifact from storage and drops its
// record. A record already gone counts as done.
func (e *Engine) handleDeleteBackup(ctx context.Context, job *stores.Job, inst *stores.Instance) error {
	params, err := parseBackupParams(job.Params)
	if err != nil {
		return err
	}

	b, err := e.store.GetBackup(ctx, params.BackupID)
	if faults.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	if b.StorageVolume != "" && inst.Node != "" {
		if err := e.hv.DeleteBackupVolume(ctx, inst.Node, e.cfg.Storage, b.StorageVolume); err != nil {
			return err
		}
	}

	if err := e.store.DeleteBackup(ctx, b.ID); err != nil {
		return err
	}

	e.logInstance(ctx, inst.ID, stores.LogLevelInfo, "backup-delete",
		fmt.Sprintf("backup %s deleted", b.ID))
	return nil
}
