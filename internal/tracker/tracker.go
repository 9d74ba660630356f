// Package tracker implements the call state machine: it records the ordered
// state transitions of a call, their durations, and the call identifier, and
// feeds a filtered subset to logging while exposing the full sequence to
// observability consumers (internal/adminapi, internal/events).
package tracker

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is one node of the call state machine.
type State string

const (
	StateStarted                    State = "Started"
	StateWaitingForConnection       State = "WaitingForConnection"
	StateRecreateConnection         State = "RecreateConnection"
	StateCompletedWaitForConnection State = "CompletedWaitForConnection"
	StateConverting                 State = "Converting"
	StateConverted                  State = "Converted"
	StateInitiatedRequest           State = "InitiatedRequest"
	StateSucceeded                  State = "Succeeded"
	StateFailed                     State = "Failed"
	StateCanceled                   State = "Canceled"
	StateHeartbeatBeforeCall        State = "HeartbeatBeforeCall"
	StateHeartbeatAfterCall         State = "HeartbeatAfterCall"
	StateHeartbeatSuccess           State = "HeartbeatSuccess"
	StateHeartbeatAfterActivateConn State = "HeartbeatAfterActivateConnection"
	StateHeartbeatTimerInactive     State = "HeartbeatTimerInactive"
	StateHeartbeatQueueTimer        State = "HeartbeatQueueTimer"
	StateHeartbeatDeactivateTimer   State = "HeartbeatDeactivateTimer"
	StateHeartbeatTimerShutdown     State = "HeartbeatTimerShutdown"
)

// loggableStates is the default verbosity filter: only these transitions are
// emitted to logs by default, independent of any verbosity configuration at
// the caller — a pure function of the target state.
var loggableStates = map[State]bool{
	StateStarted:                  true,
	StateFailed:                   true,
	StateSucceeded:                true,
	StateCanceled:                 true,
	StateHeartbeatSuccess:         true,
	StateHeartbeatDeactivateTimer: true,
	StateRecreateConnection:       true,
}

// IsLoggable reports whether a transition into state should be emitted to
// the default log stream.
func IsLoggable(state State) bool {
	return loggableStates[state]
}

// Transition is one recorded state change, with the duration spent in the
// *previous* state before this transition occurred.
type Transition struct {
	State             State
	At                time.Time
	DurationInPrior   time.Duration
	TotalSinceStarted time.Duration
}

// Tracker accumulates the transition history of a single call.
type Tracker struct {
	CallID uuid.UUID
	Method string

	mu          sync.Mutex
	transitions []Transition
	startedAt   time.Time
	lastAt      time.Time
}

// New creates a tracker for a call. Construction itself is not a transition —
// callers should immediately call Transition(StateStarted).
func New(callID uuid.UUID, method string) *Tracker {
	return &Tracker{CallID: callID, Method: method}
}

// Transition records a move into state, computing the duration spent in the
// previous state and the cumulative duration since the call started.
func (t *Tracker) Transition(state State) Transition {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	var sincePrior time.Duration
	if len(t.transitions) == 0 {
		t.startedAt = now
	} else {
		sincePrior = now.Sub(t.lastAt)
	}
	t.lastAt = now

	tr := Transition{
		State:             state,
		At:                now,
		DurationInPrior:   sincePrior,
		TotalSinceStarted: now.Sub(t.startedAt),
	}
	t.transitions = append(t.transitions, tr)
	return tr
}

// TotalDuration returns the time elapsed since the first transition.
func (t *Tracker) TotalDuration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.transitions) == 0 {
		return 0
	}
	return time.Since(t.startedAt)
}

// DurationInStates sums the time spent across every transition whose State
// equals any of the given states. callmgr does not call it; it measures the
// wait duration that CallResult surfaces on its own.
func (t *Tracker) DurationInStates(states ...State) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	want := make(map[State]bool, len(states))
	for _, s := range states {
		want[s] = true
	}

	var total time.Duration
	for i, tr := range t.transitions {
		if i == 0 {
			continue
		}
		prev := t.transitions[i-1]
		if want[prev.State] {
			total += tr.DurationInPrior
		}
	}
	return total
}

// Snapshot is an immutable, exportable view of a tracker's state for
// observability consumers (admin API, event hub).
type Snapshot struct {
	CallID      uuid.UUID     `json:"call_id"`
	Method      string        `json:"method"`
	Transitions []Transition  `json:"transitions"`
	Current     State         `json:"current_state"`
	Total       time.Duration `json:"total_duration"`
}

// Snapshot returns a copy of the tracker's current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	cp := make([]Transition, len(t.transitions))
	copy(cp, t.transitions)

	var current State
	if len(cp) > 0 {
		current = cp[len(cp)-1].State
	}

	var total time.Duration
	if len(cp) > 0 {
		total = time.Since(t.startedAt)
	}

	return Snapshot{
		CallID:      t.CallID,
		Method:      t.Method,
		Transitions: cp,
		Current:     current,
		Total:       total,
	}
}
