package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/fabriziosalmi/proximity-sub006/pkg/faults"
	"github.com/fabriziosalmi/proximity-sub006/pkg/lifecycle"
	"github.com/fabriziosalmi/proximity-sub006/pkg/proxmox"
	"github.com/fabriziosalmi/proximity-sub006/pkg/stores"
)

const appDir = "/opt/app"

// handleDeploy provisions a container for an accepted instance. Each phase
// checks what an earlier attempt already persisted before acting, so a
// retried job resumes instead of double-allocating.
func (e *Engine) handleDeploy(ctx context.Context, job *stores.Job, inst *stores.Instance) error {
	var cfg instanceConfig
	if err := json.Unmarshal([]byte(inst.Config), &cfg); err != nil {
		return faults.Fatal("malformed instance config", err).WithResource(inst.ID)
	}
	env := map[string]string{}
	if err := json.Unmarshal([]byte(inst.Env), &env); err != nil {
		return faults.Fatal("malformed instance env", err).WithResource(inst.ID)
	}

	if err := e.ensurePorts(ctx, inst); err != nil {
		return err
	}
	if err := e.ensureVMID(ctx, inst); err != nil {
		return err
	}
	if err := e.ensurePlacement(ctx, inst); err != nil {
		return err
	}

	vmid := *inst.VMID

	existing, err := e.findContainer(ctx, vmid)
	if err != nil {
		return err
	}
	if existing == nil {
		upid, err := e.hv.CreateContainer(ctx, inst.Node, proxmox.CreateRequest{
			VMID:         vmid,
			Hostname:     inst.Hostname,
			OSTemplate:   cfg.OSTemplate,
			Cores:        cfg.Cores,
			MemoryMB:     cfg.MemoryMB,
			DiskGB:       cfg.DiskGB,
			Storage:      e.cfg.Storage,
			Bridge:       e.cfg.Bridge,
			Unprivileged: true,
		})
		if err != nil {
			return err
		}
		if err := e.awaitTask(ctx, "create", inst.Node, upid); err != nil {
			return err
		}
		e.logInstance(ctx, inst.ID, stores.LogLevelInfo, "create",
			fmt.Sprintf("container %d created on node %s", vmid, inst.Node))
	}

	if err := e.ensureRunning(ctx, inst); err != nil {
		return err
	}

	if err := e.configureContainer(ctx, inst, cfg, env); err != nil {
		return err
	}
	e.logInstance(ctx, inst.ID, stores.LogLevelInfo, "configure", "application configured and started")

	if err := e.store.UpdateInstanceStatus(ctx, inst.ID, lifecycle.StateRunning); err != nil {
		return err
	}
	e.logInstance(ctx, inst.ID, stores.LogLevelInfo, "finalize",
		fmt.Sprintf("instance is running on port %d", *inst.PublicPort))
	return nil
}

// ensurePorts allocates and persists the instance's port pair once.
func (e *Engine) ensurePorts(ctx context.Context, inst *stores.Instance) error {
	if inst.PublicPort != nil {
		return nil
	}

	pair, err := e.ports.Allocate(ctx, inst.ID)
	if err != nil {
		if e.metrics != nil {
			e.metrics.AllocationFailed("ports", string(faults.ClassOf(err)))
		}
		return err
	}

	if err := e.store.SetInstancePorts(ctx, inst.ID, pair.Public, pair.Internal); err != nil {
		if releaseErr := e.ports.Release(ctx, pair.Public); releaseErr != nil {
			e.log.Error().Err(releaseErr).Str("instance_id", inst.ID).Msg("failed to release unpersisted port pair")
		}
		return err
	}

	inst.PublicPort = &pair.Public
	inst.InternalPort = &pair.Internal
	e.syncPortGauge(ctx)
	e.logInstance(ctx, inst.ID, stores.LogLevelInfo, "ports",
		fmt.Sprintf("allocated ports %d/%d", pair.Public, pair.Internal))
	return nil
}

// ensureVMID claims a container id for the instance once.
func (e *Engine) ensureVMID(ctx context.Context, inst *stores.Instance) error {
	if inst.VMID != nil {
		return nil
	}

	vmid, err := e.vmids.Allocate(ctx, inst.ID)
	if err != nil {
		if e.metrics != nil {
			e.metrics.AllocationFailed("vmid", string(faults.ClassOf(err)))
		}
		return err
	}

	inst.VMID = &vmid
	e.logInstance(ctx, inst.ID, stores.LogLevelInfo, "vmid",
		fmt.Sprintf("claimed container id %d", vmid))
	return nil
}

// ensurePlacement picks and persists the target node once.
func (e *Engine) ensurePlacement(ctx context.Context, inst *stores.Instance) error {
	if inst.Node != "" {
		return nil
	}

	nodes, err := e.hv.ListNodes(ctx)
	if err != nil {
		return err
	}
	node, err := pickNode(nodes)
	if err != nil {
		return err
	}

	if err := e.store.UpdateInstanceNode(ctx, inst.ID, node.Name); err != nil {
		return err
	}

	inst.Node = node.Name
	e.logInstance(ctx, inst.ID, stores.LogLevelInfo, "placement",
		fmt.Sprintf("placed on node %s", node.Name))
	return nil
}

// ensureRunning starts the instance's container if it is not running yet.
func (e *Engine) ensureRunning(ctx context.Context, inst *stores.Instance) error {
	vmid := *inst.VMID

	status, err := e.hv.ContainerStatus(ctx, inst.Node, vmid)
	if err != nil {
		return err
	}
	if status == "running" {
		return nil
	}

	upid, err := e.hv.StartContainer(ctx, inst.Node, vmid)
	if err != nil {
		return err
	}
	if err := e.awaitTask(ctx, "start", inst.Node, upid); err != nil {
		return err
	}
	e.logInstance(ctx, inst.ID, stores.LogLevelInfo, "start",
		fmt.Sprintf("container %d started", vmid))
	return nil
}

// configureContainer renders the application definition into the container
// and brings the stack up: stage compose and env on the node over SFTP, push
// them inside, then compose up.
func (e *Engine) configureContainer(ctx context.Context, inst *stores.Instance, cfg instanceConfig, env map[string]string) error {
	vmid := *inst.VMID
	stageDir := "/tmp/proximity/" + inst.ID
	composeStage := stageDir + "/docker-compose.yml"
	envStage := stageDir + "/.env"

	if err := e.hv.PushFile(ctx, inst.Node, composeStage, []byte(cfg.Compose), 0o644); err != nil {
		return err
	}
	if err := e.hv.PushFile(ctx, inst.Node, envStage, renderEnv(inst, cfg, env), 0o600); err != nil {
		return err
	}

	if _, err := e.hv.Exec(ctx, inst.Node, vmid, []string{"mkdir", "-p", appDir}); err != nil {
		return err
	}
	if err := e.hv.PushToContainer(ctx, inst.Node, vmid, composeStage, appDir+"/docker-compose.yml"); err != nil {
		return err
	}
	if err := e.hv.PushToContainer(ctx, inst.Node, vmid, envStage, appDir+"/.env"); err != nil {
		return err
	}

	_, err := e.hv.Exec(ctx, inst.Node, vmid, []string{
		"sh", "-c", "cd " + appDir + " && docker compose up -d --remove-orphans",
	})
	return err
}

// renderEnv produces the .env file content: the instance environment plus
// the engine-managed port values, sorted for stable output.
func renderEnv(inst *stores.Instance, cfg instanceConfig, env map[string]string) []byte {
	merged := make(map[string]string, len(env)+3)
	for k, v := range env {
		merged[k] = v
	}
	if inst.PublicPort != nil {
		merged["PUBLIC_PORT"] = strconv.Itoa(*inst.PublicPort)
	}
	if inst.InternalPort != nil {
		merged["INTERNAL_PORT"] = strconv.Itoa(*inst.InternalPort)
	}
	if cfg.HTTPPort > 0 {
		merged["HTTP_PORT"] = strconv.Itoa(cfg.HTTPPort)
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(merged[k])
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}
