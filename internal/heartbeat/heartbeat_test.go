package heartbeat

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/buildxl/distproxy/internal/latch"
	"github.com/buildxl/distproxy/internal/tracker"
)

func newTestSupervisor(t *testing.T, prober Prober, inactivityTimeout time.Duration, cb Callbacks) *Supervisor {
	t.Helper()
	return newTestSupervisorWithHook(t, prober, inactivityTimeout, cb, nil)
}

func newTestSupervisorWithHook(t *testing.T, prober Prober, inactivityTimeout time.Duration, cb Callbacks, onTransition func(tracker.Snapshot)) *Supervisor {
	t.Helper()
	s, err := New(Config{
		Interval:          time.Hour, // never actually fires; tests call tick() directly
		InactivityTimeout: inactivityTimeout,
		Prober:            prober,
		Latch:             latch.New(),
		Callbacks:         cb,
		OnTransition:      onTransition,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

func TestTickSuccessFulfillsLatchAndCallsOnActivate(t *testing.T) {
	var activated atomic.Bool
	s := newTestSupervisor(t, func(ctx context.Context) error { return nil }, time.Minute, Callbacks{
		OnActivate: func() { activated.Store(true) },
	})

	s.tick()

	if !s.latch.Fulfilled() {
		t.Fatal("expected latch to be fulfilled after a successful probe")
	}
	if !activated.Load() {
		t.Fatal("expected OnActivate to be called after a successful probe")
	}
	if s.TimedOut() {
		t.Fatal("supervisor should not be timed out after a success")
	}
}

func TestTickFailureCallsOnDeactivateButDoesNotTimeOutEarly(t *testing.T) {
	var deactivated atomic.Bool
	s := newTestSupervisor(t, func(ctx context.Context) error { return errors.New("probe failed") }, time.Hour, Callbacks{
		OnDeactivate: func() { deactivated.Store(true) },
	})

	s.tick()

	if !deactivated.Load() {
		t.Fatal("expected OnDeactivate to be called after a failed probe")
	}
	if s.TimedOut() {
		t.Fatal("supervisor should not time out before the inactivity timeout elapses")
	}
}

func TestTickDeclaresTimeoutAfterInactivityWindow(t *testing.T) {
	var timedOutCalled atomic.Bool
	s := newTestSupervisor(t, func(ctx context.Context) error { return errors.New("probe failed") }, 5*time.Millisecond, Callbacks{
		OnConnectionTimeout: func() { timedOutCalled.Store(true) },
	})
	s.latch.Fulfill()

	time.Sleep(10 * time.Millisecond)
	s.tick()

	if !s.TimedOut() {
		t.Fatal("expected supervisor to declare timeout once the inactivity window elapsed")
	}
	if !timedOutCalled.Load() {
		t.Fatal("expected OnConnectionTimeout to be called")
	}
	if s.latch.Fulfilled() {
		t.Fatal("expected latch to become terminal (unfulfilled) once timed out")
	}
}

func TestTickIsNoOpOnceTimedOut(t *testing.T) {
	var calls atomic.Int64
	s := newTestSupervisor(t, func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, time.Minute, Callbacks{})
	s.timedOut = true

	s.tick()

	if calls.Load() != 0 {
		t.Fatal("prober must not be invoked once the supervisor has already timed out")
	}
}

func TestTickSuccessDrivesHeartbeatSideTrackToQueueTimer(t *testing.T) {
	var snapshots []tracker.Snapshot
	s := newTestSupervisorWithHook(t, func(ctx context.Context) error { return nil }, time.Minute, Callbacks{},
		func(snap tracker.Snapshot) { snapshots = append(snapshots, snap) })

	s.tick()

	want := []tracker.State{
		tracker.StateHeartbeatBeforeCall,
		tracker.StateHeartbeatAfterCall,
		tracker.StateHeartbeatSuccess,
		tracker.StateHeartbeatAfterActivateConn,
		tracker.StateHeartbeatQueueTimer,
	}
	if len(snapshots) != len(want) {
		t.Fatalf("expected %d transitions, got %d", len(want), len(snapshots))
	}
	for i, snap := range snapshots {
		if snap.Current != want[i] {
			t.Fatalf("transition %d: got %s, want %s", i, snap.Current, want[i])
		}
	}
}

func TestTickFailureDrivesHeartbeatSideTrackToDeactivateAndQueueTimer(t *testing.T) {
	var snapshots []tracker.Snapshot
	s := newTestSupervisorWithHook(t, func(ctx context.Context) error { return errors.New("probe failed") }, time.Hour, Callbacks{},
		func(snap tracker.Snapshot) { snapshots = append(snapshots, snap) })

	s.tick()

	want := []tracker.State{
		tracker.StateHeartbeatBeforeCall,
		tracker.StateHeartbeatAfterCall,
		tracker.StateHeartbeatTimerInactive,
		tracker.StateHeartbeatDeactivateTimer,
		tracker.StateHeartbeatQueueTimer,
	}
	if len(snapshots) != len(want) {
		t.Fatalf("expected %d transitions, got %d", len(want), len(snapshots))
	}
	for i, snap := range snapshots {
		if snap.Current != want[i] {
			t.Fatalf("transition %d: got %s, want %s", i, snap.Current, want[i])
		}
	}
}

func TestTickTimeoutEndsHeartbeatSideTrackInTimerShutdown(t *testing.T) {
	var snapshots []tracker.Snapshot
	s := newTestSupervisorWithHook(t, func(ctx context.Context) error { return errors.New("probe failed") }, 5*time.Millisecond, Callbacks{},
		func(snap tracker.Snapshot) { snapshots = append(snapshots, snap) })
	s.latch.Fulfill()
	time.Sleep(10 * time.Millisecond)

	s.tick()

	if len(snapshots) == 0 {
		t.Fatal("expected at least one transition")
	}
	last := snapshots[len(snapshots)-1]
	if last.Current != tracker.StateHeartbeatTimerShutdown {
		t.Fatalf("expected final transition HeartbeatTimerShutdown, got %s", last.Current)
	}
}

func TestShutdownTransitionsHeartbeatTimerShutdown(t *testing.T) {
	var snapshots []tracker.Snapshot
	s := newTestSupervisorWithHook(t, func(ctx context.Context) error { return nil }, time.Minute, Callbacks{},
		func(snap tracker.Snapshot) { snapshots = append(snapshots, snap) })

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if len(snapshots) != 1 || snapshots[0].Current != tracker.StateHeartbeatTimerShutdown {
		t.Fatalf("expected a single HeartbeatTimerShutdown transition, got %v", snapshots)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	s := newTestSupervisor(t, func(ctx context.Context) error { return nil }, time.Minute, Callbacks{})
	if err := s.Start(); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	firstJob := s.job
	if err := s.Start(); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	if s.job != firstJob {
		t.Fatal("calling Start twice should not replace the scheduled job")
	}
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
}
