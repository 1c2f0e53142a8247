package orchestrator

import (
	"testing"

	"github.com/fabriziosalmi/proximity-sub006/pkg/faults"
	"github.com/fabriziosalmi/proximity-sub006/pkg/proxmox"
)

func TestPickNodePrefersMostFreeMemory(t *testing.T) {
	node, err := pickNode([]proxmox.Node{
		{Name: "pve1", Status: "online", MaxMem: 16 << 30, Mem: 12 << 30},
		{Name: "pve2", Status: "online", MaxMem: 16 << 30, Mem: 2 << 30},
		{Name: "pve3", Status: "online", MaxMem: 16 << 30, Mem: 8 << 30},
	})
	if err != nil {
		t.Fatalf("pickNode failed: %v", err)
	}
	if node.Name != "pve2" {
		t.Errorf("picked %s, want pve2 with the most free memory", node.Name)
	}
}

func TestPickNodeSkipsOffline(t *testing.T) {
	node, err := pickNode([]proxmox.Node{
		{Name: "pve1", Status: "offline", MaxMem: 64 << 30, Mem: 0},
		{Name: "pve2", Status: "online", MaxMem: 16 << 30, Mem: 8 << 30},
	})
	if err != nil {
		t.Fatalf("pickNode failed: %v", err)
	}
	if node.Name != "pve2" {
		t.Errorf("picked %s, offline nodes must never win", node.Name)
	}
}

func TestPickNodeWithoutCapacityStillEligible(t *testing.T) {
	node, err := pickNode([]proxmox.Node{
		{Name: "pve1", Status: "online"},
	})
	if err != nil {
		t.Fatalf("a node without reported capacity should still schedule: %v", err)
	}
	if node.Name != "pve1" {
		t.Errorf("picked %s, want pve1", node.Name)
	}
}

func TestPickNodeNoneOnline(t *testing.T) {
	_, err := pickNode([]proxmox.Node{
		{Name: "pve1", Status: "offline"},
		{Name: "pve2", Status: "unknown"},
	})
	if !faults.IsExhausted(err) {
		t.Errorf("no online node should be exhausted, got %v", err)
	}
}
