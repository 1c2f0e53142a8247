package orchestrator

import (
	"context"
	"fmt"

	"github.com/fabriziosalmi/proximity-sub006/pkg/stores"
)

// handleDelete tears an instance down: container, backup artifacts, port
// claims, and finally the ledger row itself. Removal is the one operation
// whose success leaves no row to transition.
func (e *Engine) handleDelete(ctx context.Context, job *stores.Job, inst *stores.Instance) error {
	if inst.VMID != nil {
		container, err := e.findContainer(ctx, *inst.VMID)
		if err != nil {
			return err
		}
		if container != nil {
			if container.Status == "running" {
				upid, err := e.hv.StopContainer(ctx, container.Node, *inst.VMID)
				if err != nil {
					return err
				}
				if err := e.awaitTask(ctx, "stop", container.Node, upid); err != nil {
					return err
				}
			}

			upid, err := e.hv.DeleteContainer(ctx, container.Node, *inst.VMID)
			if err != nil {
				return err
			}
			if err := e.awaitTask(ctx, "destroy", container.Node, upid); err != nil {
				return err
			}
			e.logInstance(ctx, inst.ID, stores.LogLevelInfo, "destroy",
				fmt.Sprintf("container %d destroyed", *inst.VMID))
		}
	}

	// Backup artifacts go best-effort; a stuck storage must not leave the
	// instance half-removed forever.
	backups, err := e.store.ListBackupsByInstance(ctx, inst.ID)
	if err != nil {
		return err
	}
	for _, b := range backups {
		if b.StorageVolume != "" && inst.Node != "" {
			if err := e.hv.DeleteBackupVolume(ctx, inst.Node, e.cfg.Storage, b.StorageVolume); err != nil {
				e.log.Warn().Err(err).Str("backup_id", b.ID).Str("volume", b.StorageVolume).
					Msg("failed to delete backup artifact during instance removal")
			}
		}
		if err := e.store.DeleteBackup(ctx, b.ID); err != nil {
			e.log.Warn().Err(err).Str("backup_id", b.ID).Msg("failed to delete backup record during instance removal")
		}
	}

	if err := e.ports.ReleaseForInstance(ctx, inst.ID); err != nil {
		return err
	}
	e.syncPortGauge(ctx)

	if err := e.store.DeleteInstance(ctx, inst.ID); err != nil {
		return err
	}

	e.log.Info().Str("instance_id", inst.ID).Str("hostname", inst.Hostname).Msg("instance removed")
	return nil
}
