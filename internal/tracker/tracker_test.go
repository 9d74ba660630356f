package tracker

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestIsLoggableFiltersToSpecSet(t *testing.T) {
	loggable := []State{StateStarted, StateFailed, StateSucceeded, StateCanceled, StateHeartbeatSuccess, StateHeartbeatDeactivateTimer, StateRecreateConnection}
	for _, s := range loggable {
		if !IsLoggable(s) {
			t.Errorf("expected %s to be loggable", s)
		}
	}

	notLoggable := []State{StateWaitingForConnection, StateConverting, StateConverted, StateInitiatedRequest, StateHeartbeatBeforeCall}
	for _, s := range notLoggable {
		if IsLoggable(s) {
			t.Errorf("expected %s to not be loggable", s)
		}
	}
}

func TestTransitionRecordsOrderAndDuration(t *testing.T) {
	tr := New(uuid.New(), "Echo")

	first := tr.Transition(StateStarted)
	if first.DurationInPrior != 0 {
		t.Fatalf("first transition must have zero DurationInPrior, got %v", first.DurationInPrior)
	}

	time.Sleep(5 * time.Millisecond)
	second := tr.Transition(StateWaitingForConnection)
	if second.DurationInPrior <= 0 {
		t.Fatal("second transition should record non-zero duration since the first")
	}
	if second.TotalSinceStarted < second.DurationInPrior {
		t.Fatal("TotalSinceStarted must be at least as large as DurationInPrior")
	}
}

func TestSnapshotReflectsCurrentState(t *testing.T) {
	callID := uuid.New()
	tr := New(callID, "Echo")
	tr.Transition(StateStarted)
	tr.Transition(StateInitiatedRequest)
	tr.Transition(StateSucceeded)

	snap := tr.Snapshot()
	if snap.CallID != callID {
		t.Fatalf("snapshot call id mismatch: got %s want %s", snap.CallID, callID)
	}
	if snap.Method != "Echo" {
		t.Fatalf("snapshot method mismatch: got %s", snap.Method)
	}
	if snap.Current != StateSucceeded {
		t.Fatalf("snapshot current state = %s, want %s", snap.Current, StateSucceeded)
	}
	if len(snap.Transitions) != 3 {
		t.Fatalf("expected 3 recorded transitions, got %d", len(snap.Transitions))
	}
}

func TestSnapshotOfFreshTrackerHasNoCurrentState(t *testing.T) {
	tr := New(uuid.New(), "Echo")
	snap := tr.Snapshot()
	if snap.Current != "" {
		t.Fatalf("expected empty current state before any transition, got %s", snap.Current)
	}
	if snap.Total != 0 {
		t.Fatalf("expected zero total duration before any transition, got %v", snap.Total)
	}
}

func TestDurationInStatesSumsMatchingPredecessors(t *testing.T) {
	tr := New(uuid.New(), "Echo")
	tr.Transition(StateStarted)
	time.Sleep(5 * time.Millisecond)
	tr.Transition(StateWaitingForConnection)
	time.Sleep(5 * time.Millisecond)
	tr.Transition(StateConverting)
	time.Sleep(5 * time.Millisecond)
	tr.Transition(StateInitiatedRequest)

	waitDuration := tr.DurationInStates(StateWaitingForConnection)
	if waitDuration <= 0 {
		t.Fatal("expected non-zero duration attributed to WaitingForConnection")
	}

	total := tr.DurationInStates(StateStarted, StateWaitingForConnection, StateConverting)
	if total < waitDuration {
		t.Fatal("summed duration across multiple states must be at least the single-state duration")
	}
}

func TestTotalDurationGrowsOverTime(t *testing.T) {
	tr := New(uuid.New(), "Echo")
	if tr.TotalDuration() != 0 {
		t.Fatal("expected zero total duration before the first transition")
	}
	tr.Transition(StateStarted)
	time.Sleep(5 * time.Millisecond)
	if tr.TotalDuration() <= 0 {
		t.Fatal("expected non-zero total duration after the first transition")
	}
}
