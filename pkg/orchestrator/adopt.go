package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fabriziosalmi/proximity-sub006/pkg/faults"
	"github.com/fabriziosalmi/proximity-sub006/pkg/lifecycle"
	"github.com/fabriziosalmi/proximity-sub006/pkg/stores"
)

// handleAdopt takes over an existing container: verifies it exists, records
// its node, allocates ports for it, and sets the ledger status from the
// container's actual power state.
func (e *Engine) handleAdopt(ctx context.Context, job *stores.Job, inst *stores.Instance) error {
	var params adoptParams
	if err := json.Unmarshal([]byte(job.Params), &params); err != nil {
		return faults.Fatal("malformed adopt job params", err)
	}
	if params.VMID <= 0 {
		return faults.Fatal("adopt job params missing vmid", nil)
	}

	container, err := e.findContainer(ctx, params.VMID)
	if err != nil {
		return err
	}
	if container == nil {
		return faults.NotFound(
			fmt.Sprintf("container %d not found on any node", params.VMID), nil,
		).WithResource(inst.ID).WithOperation("adopt")
	}

	if inst.Node == "" {
		if err := e.store.UpdateInstanceNode(ctx, inst.ID, container.Node); err != nil {
			return err
		}
		inst.Node = container.Node
	}

	if err := e.ensurePorts(ctx, inst); err != nil {
		return err
	}

	target := lifecycle.StateStopped
	if container.Status == "running" {
		target = lifecycle.StateRunning
	}
	if err := e.store.UpdateInstanceStatus(ctx, inst.ID, target); err != nil {
		return err
	}

	e.logInstance(ctx, inst.ID, stores.LogLevelInfo, "adopt",
		fmt.Sprintf("adopted container %d from node %s in state %s", params.VMID, container.Node, target))
	return nil
}
