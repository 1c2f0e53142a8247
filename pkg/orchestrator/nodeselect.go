package orchestrator

import (
	"github.com/fabriziosalmi/proximity-sub006/pkg/faults"
	"github.com/fabriziosalmi/proximity-sub006/pkg/proxmox"
)

// pickNode chooses the online node with the most free memory. Nodes that do
// not report capacity rank last but remain eligible, so a single-node cluster
// with broken metrics still schedules. Returns an exhausted fault when no
// node is online.
func pickNode(nodes []proxmox.Node) (proxmox.Node, error) {
	var best proxmox.Node
	found := false

	for _, node := range nodes {
		if !node.Online() {
			continue
		}
		if !found || node.FreeMem() > best.FreeMem() {
			best = node
			found = true
		}
	}

	if !found {
		return proxmox.Node{}, faults.Exhausted("no online hypervisor node available", nil).WithOperation("placement")
	}
	return best, nil
}
