// Package alloc provides conflict-free claims over the shared numeric pools
// the engine manages: host port pairs and hypervisor container ids.
package alloc

import (
	"context"
	"fmt"

	"github.com/fabriziosalmi/proximity-sub006/pkg/stores"
)

// PortRange is an inclusive range of ports.
type PortRange struct {
	Low  int
	High int
}

// Valid reports whether the range is non-empty and within port bounds.
func (r PortRange) Valid() bool {
	return r.Low > 0 && r.High >= r.Low && r.High <= 65535
}

// PortPair is an allocated (public, internal) pair drawn from two disjoint
// ranges, owned by exactly one instance.
type PortPair struct {
	Public   int
	Internal int
}

// PortAllocator hands out port pairs from two disjoint ranges. The ledger is
// the source of truth; allocation happens inside one database transaction so
// concurrent calls never return overlapping pairs.
type PortAllocator struct {
	store         stores.Store
	publicRange   PortRange
	internalRange PortRange
}

// NewPortAllocator creates a port allocator over the given disjoint ranges.
func NewPortAllocator(store stores.Store, publicRange, internalRange PortRange) (*PortAllocator, error) {
	if !publicRange.Valid() {
		return nil, fmt.Errorf("invalid public port range %d-%d", publicRange.Low, publicRange.High)
	}
	if !internalRange.Valid() {
		return nil, fmt.Errorf("invalid internal port range %d-%d", internalRange.Low, internalRange.High)
	}
	if publicRange.Low <= internalRange.High && internalRange.Low <= publicRange.High {
		return nil, fmt.Errorf("public and internal port ranges overlap")
	}

	return &PortAllocator{
		store:         store,
		publicRange:   publicRange,
		internalRange: internalRange,
	}, nil
}

// Allocate claims the lowest free port in each range for the instance.
// Returns an exhausted fault when either range is full. Callers that fail to
// persist after allocating must Release before returning their error so the
// pair does not leak.
func (a *PortAllocator) Allocate(ctx context.Context, instanceID string) (PortPair, error) {
	pub, internal, err := a.store.AllocatePortPair(ctx, instanceID,
		[2]int{a.publicRange.Low, a.publicRange.High},
		[2]int{a.internalRange.Low, a.internalRange.High},
	)
	if err != nil {
		return PortPair{}, err
	}
	return PortPair{Public: pub, Internal: internal}, nil
}

// Release frees an allocated pair, keyed by its public port. Releasing an
// already-free pair is a no-op.
func (a *PortAllocator) Release(ctx context.Context, publicPort int) error {
	return a.store.ReleasePortPair(ctx, publicPort)
}

// ReleaseForInstance frees every pair held by an instance. Idempotent.
func (a *PortAllocator) ReleaseForInstance(ctx context.Context, instanceID string) error {
	return a.store.ReleasePortsForInstance(ctx, instanceID)
}

// Capacity returns the number of pairs the allocator can hold at once.
func (a *PortAllocator) Capacity() int {
	pub := a.publicRange.High - a.publicRange.Low + 1
	internal := a.internalRange.High - a.internalRange.Low + 1
	if internal < pub {
		return internal
	}
	return pub
}
