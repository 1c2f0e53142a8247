package alloc

import (
	"context"
	"fmt"
	"sync"

	"github.com/fabriziosalmi/proximity-sub006/pkg/faults"
	"github.com/fabriziosalmi/proximity-sub006/pkg/stores"
)

// IDSuggester asks the hypervisor for its next free container id. The
// suggestion is only a starting point; the hypervisor's counter is unsafe
// under concurrent claims from this system.
type IDSuggester interface {
	NextID(ctx context.Context) (int, error)
}

// VMIDAllocator claims hypervisor container ids. The id namespace is shared
// with anything else talking to the hypervisor, so a claim combines the
// hypervisor's suggestion with a check against the internal ledger, both under
// one exclusive lock.
type VMIDAllocator struct {
	store       stores.Store
	hypervisor  IDSuggester
	maxAttempts int

	// mu serializes claims across the process; the ledger check and the
	// claim write must not interleave between two allocations.
	mu sync.Mutex
}

// DefaultVMIDAttempts bounds how many candidate ids a single claim will try.
const DefaultVMIDAttempts = 50

// NewVMIDAllocator creates a container-id allocator.
func NewVMIDAllocator(store stores.Store, hypervisor IDSuggester, maxAttempts int) *VMIDAllocator {
	if maxAttempts <= 0 {
		maxAttempts = DefaultVMIDAttempts
	}
	return &VMIDAllocator{
		store:       store,
		hypervisor:  hypervisor,
		maxAttempts: maxAttempts,
	}
}

// Allocate claims a container id for the instance and records it in the
// ledger before releasing the lock. Candidates start at the hypervisor's
// suggestion and increment past ledger conflicts up to the attempt bound, at
// which point a conflict fault is returned.
func (a *VMIDAllocator) Allocate(ctx context.Context, instanceID string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	candidate, err := a.hypervisor.NextID(ctx)
	if err != nil {
		return 0, fmt.Errorf("hypervisor next-id suggestion failed: %w", err)
	}

	for attempt := 0; attempt < a.maxAttempts; attempt++ {
		err := a.store.TryClaimVMID(ctx, instanceID, candidate)
		if err == nil {
			return candidate, nil
		}
		if !faults.IsConflict(err) {
			return 0, err
		}
		candidate++
	}

	return 0, faults.Conflict(
		fmt.Sprintf("no free container id after %d attempts", a.maxAttempts), nil,
	).WithResource(instanceID).WithOperation("allocate-vmid")
}

// Release clears the ledger claim for an instance's container id. Used on
// unwind when an id was claimed but no container was created.
func (a *VMIDAllocator) Release(ctx context.Context, instanceID string) error {
	return a.store.ClearInstanceVMID(ctx, instanceID)
}
