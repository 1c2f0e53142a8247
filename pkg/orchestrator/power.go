package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fabriziosalmi/proximity-sub006/pkg/faults"
	"github.com/fabriziosalmi/proximity-sub006/pkg/lifecycle"
	"github.com/fabriziosalmi/proximity-sub006/pkg/stores"
)

// handlePower drives container power state for start, stop and restart jobs.
// Power checks make the handlers idempotent: a retried start against an
// already-running container just settles the ledger.
func (e *Engine) handlePower(ctx context.Context, job *stores.Job, inst *stores.Instance) error {
	if inst.VMID == nil || inst.Node == "" {
		return faults.Fatal("instance has no provisioned container", nil).WithResource(inst.ID)
	}
	vmid := *inst.VMID

	status, err := e.hv.ContainerStatus(ctx, inst.Node, vmid)
	if err != nil {
		return err
	}

	switch job.Operation {
	case lifecycle.OpStart:
		if status != "running" {
			upid, err := e.hv.StartContainer(ctx, inst.Node, vmid)
			if err != nil {
				return err
			}
			if err := e.awaitTask(ctx, "start", inst.Node, upid); err != nil {
				return err
			}
		}
		e.logInstance(ctx, inst.ID, stores.LogLevelInfo, "start", fmt.Sprintf("container %d started", vmid))
		return e.store.UpdateInstanceStatus(ctx, inst.ID, lifecycle.StateRunning)

	case lifecycle.OpStop:
		if status != "stopped" {
			upid, err := e.hv.StopContainer(ctx, inst.Node, vmid)
			if err != nil {
				return err
			}
			if err := e.awaitTask(ctx, "stop", inst.Node, upid); err != nil {
				return err
			}
		}
		e.logInstance(ctx, inst.ID, stores.LogLevelInfo, "stop", fmt.Sprintf("container %d stopped", vmid))
		return e.store.UpdateInstanceStatus(ctx, inst.ID, lifecycle.StateStopped)

	case lifecycle.OpRestart:
		upid, err := e.hv.RestartContainer(ctx, inst.Node, vmid)
		if err != nil {
			return err
		}
		if err := e.awaitTask(ctx, "restart", inst.Node, upid); err != nil {
			return err
		}
		e.logInstance(ctx, inst.ID, stores.LogLevelInfo, "restart", fmt.Sprintf("container %d restarted", vmid))
		return e.store.UpdateInstanceStatus(ctx, inst.ID, lifecycle.StateRunning)
	}

	return faults.Fatal("unknown power operation: "+string(job.Operation), nil)
}

// handleUpdate merges new environment values into the instance, persists
// them, and re-renders the application in place.
func (e *Engine) handleUpdate(ctx context.Context, job *stores.Job, inst *stores.Instance) error {
	var params updateParams
	if err := json.Unmarshal([]byte(job.Params), &params); err != nil {
		return faults.Fatal("malformed update job params", err)
	}
	if inst.VMID == nil || inst.Node == "" {
		return faults.Fatal("instance has no provisioned container", nil).WithResource(inst.ID)
	}

	var cfg instanceConfig
	if err := json.Unmarshal([]byte(inst.Config), &cfg); err != nil {
		return faults.Fatal("malformed instance config", err).WithResource(inst.ID)
	}
	env := map[string]string{}
	if err := json.Unmarshal([]byte(inst.Env), &env); err != nil {
		return faults.Fatal("malformed instance env", err).WithResource(inst.ID)
	}
	for k, v := range params.Env {
		env[k] = v
	}

	blob, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode instance env: %w", err)
	}
	if err := e.store.UpdateInstanceEnv(ctx, inst.ID, string(blob)); err != nil {
		return err
	}
	inst.Env = string(blob)

	if err := e.configureContainer(ctx, inst, cfg, env); err != nil {
		return err
	}

	if err := e.store.UpdateInstanceStatus(ctx, inst.ID, lifecycle.StateRunning); err != nil {
		return err
	}
	e.logInstance(ctx, inst.ID, stores.LogLevelInfo, "update",
		fmt.Sprintf("environment updated, %d values changed", len(params.Env)))
	return nil
}
