package adminapi

import (
	"sync"

	"github.com/google/uuid"

	"github.com/buildxl/distproxy/internal/tracker"
)

// DefaultRegistrySize bounds how many distinct calls the registry remembers.
const DefaultRegistrySize = 500

// Registry keeps the most recent tracker.Snapshot per call, fed by
// callmgr.Config's OnTransition hook. Older entries are evicted once the
// registry reaches its capacity, oldest-call-id first.
type Registry struct {
	mu       sync.Mutex
	capacity int
	order    []uuid.UUID
	byID     map[uuid.UUID]tracker.Snapshot
}

// NewRegistry creates an empty Registry bounded to capacity entries.
func NewRegistry(capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultRegistrySize
	}
	return &Registry{
		capacity: capacity,
		byID:     make(map[uuid.UUID]tracker.Snapshot),
	}
}

// Observe records (or updates) a call's latest snapshot. Pass this as the
// OnTransition callback in callmgr.Config.
func (reg *Registry) Observe(snap tracker.Snapshot) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, exists := reg.byID[snap.CallID]; !exists {
		reg.order = append(reg.order, snap.CallID)
		if len(reg.order) > reg.capacity {
			evict := reg.order[0]
			reg.order = reg.order[1:]
			delete(reg.byID, evict)
		}
	}
	reg.byID[snap.CallID] = snap
}

// Recent returns up to limit snapshots, ordered by when each call was first
// observed, newest first; a later update to a call does not move it. limit
// <= 0 returns every tracked snapshot.
func (reg *Registry) Recent(limit int) []tracker.Snapshot {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	n := len(reg.order)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]tracker.Snapshot, 0, n)
	for i := len(reg.order) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, reg.byID[reg.order[i]])
	}
	return out
}
