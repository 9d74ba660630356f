package adminapi

import (
	"testing"

	"github.com/google/uuid"

	"github.com/buildxl/distproxy/internal/tracker"
)

func TestRegistryObserveAndRecentOrdering(t *testing.T) {
	reg := NewRegistry(10)

	first := tracker.Snapshot{CallID: uuid.New(), Method: "Echo", Current: tracker.StateStarted}
	second := tracker.Snapshot{CallID: uuid.New(), Method: "Heartbeat", Current: tracker.StateSucceeded}

	reg.Observe(first)
	reg.Observe(second)

	recent := reg.Recent(0)
	if len(recent) != 2 {
		t.Fatalf("expected 2 recorded snapshots, got %d", len(recent))
	}
	if recent[0].CallID != second.CallID {
		t.Fatalf("expected most-recently-observed call first, got %s", recent[0].CallID)
	}
}

func TestRegistryObserveUpdatesExistingCallInPlace(t *testing.T) {
	reg := NewRegistry(10)
	id := uuid.New()
	reg.Observe(tracker.Snapshot{CallID: id, Current: tracker.StateStarted})
	reg.Observe(tracker.Snapshot{CallID: id, Current: tracker.StateSucceeded})

	recent := reg.Recent(0)
	if len(recent) != 1 {
		t.Fatalf("expected the same call id to update in place, got %d entries", len(recent))
	}
	if recent[0].Current != tracker.StateSucceeded {
		t.Fatalf("expected updated state Succeeded, got %s", recent[0].Current)
	}
}

func TestRegistryEvictsOldestBeyondCapacity(t *testing.T) {
	reg := NewRegistry(2)
	first := uuid.New()
	second := uuid.New()
	third := uuid.New()

	reg.Observe(tracker.Snapshot{CallID: first})
	reg.Observe(tracker.Snapshot{CallID: second})
	reg.Observe(tracker.Snapshot{CallID: third})

	recent := reg.Recent(0)
	if len(recent) != 2 {
		t.Fatalf("expected registry to stay bounded at capacity 2, got %d", len(recent))
	}
	for _, snap := range recent {
		if snap.CallID == first {
			t.Fatal("expected the oldest call id to be evicted")
		}
	}
}

func TestRegistryRecentRespectsLimit(t *testing.T) {
	reg := NewRegistry(10)
	for i := 0; i < 5; i++ {
		reg.Observe(tracker.Snapshot{CallID: uuid.New()})
	}
	if got := reg.Recent(2); len(got) != 2 {
		t.Fatalf("expected Recent(2) to return 2 entries, got %d", len(got))
	}
}

func TestNewRegistryDefaultsCapacity(t *testing.T) {
	reg := NewRegistry(0)
	if reg.capacity != DefaultRegistrySize {
		t.Fatalf("expected default capacity %d, got %d", DefaultRegistrySize, reg.capacity)
	}
}
