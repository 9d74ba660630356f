// Package events implements the real-time pub/sub hub that pushes call
// tracker transitions and heartbeat outcomes to connected observability
// clients (internal/adminapi's websocket endpoint).
//
// Topic naming convention:
//
//	call:<method>       — state transitions for calls against a given method
//	heartbeat           — heartbeat outcomes
package events

// Type identifies the kind of event carried by a Message.
type Type string

const (
	// TypeCallTransition is sent whenever a call's tracker records a
	// transition.
	TypeCallTransition Type = "call.transition"

	// TypeHeartbeat is sent on every heartbeat outcome (success, failure,
	// timeout).
	TypeHeartbeat Type = "heartbeat"

	// TypePing keeps the connection alive and lets clients detect staleness.
	TypePing Type = "ping"
)

// Message is the envelope for every event pushed to subscribers.
type Message struct {
	Type    Type   `json:"type"`
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}
