package proxmox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fabriziosalmi/proximity-sub006/pkg/faults"
)

// quoteArg wraps a single argument in single quotes for the remote shell.
// Embedded single quotes are closed, escaped, and reopened. Remote command
// payloads are opaque; they are never concatenated into a shell string raw.
func quoteArg(arg string) string {
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}

// quoteArgs quotes every argument individually and joins them.
func quoteArgs(argv []string) string {
	quoted := make([]string, len(argv))
	for i, arg := range argv {
		quoted[i] = quoteArg(arg)
	}
	return strings.Join(quoted, " ")
}

// Exec runs a command inside a container via pct exec on the owning node.
func (c *Client) Exec(ctx context.Context, node string, vmid int, argv []string) (*ExecResult, error) {
	if len(argv) == 0 {
		return nil, faults.Validation("empty command", nil)
	}

	cmd := fmt.Sprintf("pct exec %d -- %s", vmid, quoteArgs(argv))

	c.log.Debug().
		Str("node", node).
		Int("vmid", vmid).
		Str("command", argv[0]).
		Msg("executing in-container command")

	start := time.Now()
	stdout, stderr, exitCode, err := c.ssh.run(ctx, node, cmd)
	if err != nil {
		return nil, err
	}

	result := &ExecResult{
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: exitCode,
		Duration: time.Since(start),
	}

	if exitCode != 0 {
		return result, faults.Transient(
			fmt.Sprintf("command %s exited with code %d: %s", argv[0], exitCode, strings.TrimSpace(stderr)),
			nil,
		).WithResource(fmt.Sprintf("%d", vmid)).WithOperation("exec")
	}

	return result, nil
}

// PushFile stages file content onto a node over SFTP.
func (c *Client) PushFile(ctx context.Context, node string, remotePath string, content []byte, mode uint32) error {
	return c.ssh.pushFile(ctx, node, remotePath, content, mode)
}

// PushToContainer copies a staged node file into a container via pct push.
func (c *Client) PushToContainer(ctx context.Context, node string, vmid int, nodePath, containerPath string) error {
	cmd := fmt.Sprintf("pct push %d %s %s", vmid, quoteArg(nodePath), quoteArg(containerPath))

	_, stderr, exitCode, err := c.ssh.run(ctx, node, cmd)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return faults.Transient(
			fmt.Sprintf("pct push exited with code %d: %s", exitCode, strings.TrimSpace(stderr)),
			nil,
		).WithResource(fmt.Sprintf("%d", vmid)).WithOperation("push")
	}
	return nil
}
