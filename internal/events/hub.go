package events

import (
	"context"
	"sync"

	"github.com/buildxl/distproxy/internal/metrics"
)

// Hub is the central pub/sub broker for observability clients connecting to
// the admin websocket endpoint. This is a trusted-operator surface behind
// the admin HTTP listener, not a multi-tenant product: there is no
// per-client auth or topic ACL here, only the heartbeat/call:<method>
// topic split the admin UI filters by. Registry mutations are serialized
// through a single goroutine (Run); Publish holds a read-lock only long
// enough to copy the target set, then sends outside the lock so a slow
// client cannot stall the loop.
type Hub struct {
	clients map[*Client]struct{}
	topics  map[string]map[*Client]struct{}

	mu sync.RWMutex

	register   chan *Client
	unregister chan *Client
	stopped    chan struct{}
	metrics    metrics.Sink
}

// NewHub creates an idle Hub. Call Run in a goroutine to start it. A nil
// sink discards connection/disconnection counts.
func NewHub(sink metrics.Sink) *Hub {
	if sink == nil {
		sink = metrics.NopSink{}
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		topics:     make(map[string]map[*Client]struct{}),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		stopped:    make(chan struct{}),
		metrics:    sink,
	}
}

// ConnectedCount returns the current number of connected observability
// clients, exposed through the admin API's health/status surface.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Run starts the hub's event loop. Must be called exactly once, in its own
// goroutine; exits when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			for _, topic := range client.topics {
				if h.topics[topic] == nil {
					h.topics[topic] = make(map[*Client]struct{})
				}
				h.topics[topic][client] = struct{}{}
			}
			h.mu.Unlock()
			h.metrics.EventsClientConnected()

		case client := <-h.unregister:
			h.mu.Lock()
			_, ok := h.clients[client]
			if ok {
				delete(h.clients, client)
				for _, topic := range client.topics {
					delete(h.topics[topic], client)
					if len(h.topics[topic]) == 0 {
						delete(h.topics, topic)
					}
				}
				close(client.send)
			}
			h.mu.Unlock()
			if ok {
				if client.dropped {
					h.metrics.EventsClientDropped()
				} else {
					h.metrics.EventsClientDisconnected()
				}
			}

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Client]struct{})
			h.topics = make(map[string]map[*Client]struct{})
			h.mu.Unlock()
			return
		}
	}
}

// Publish sends msg to every client subscribed to topic. Safe to call from
// any goroutine (the call orchestrator, the heartbeat supervisor, etc.).
func (h *Hub) Publish(topic string, msg Message) {
	h.mu.RLock()
	targets := h.topics[topic]
	var clients []*Client
	for c := range targets {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- msg:
		default:
			c.dropped = true
			h.unregister <- c
		}
	}
}

// Subscribe registers client with the hub.
func (h *Hub) Subscribe(client *Client) {
	h.register <- client
}

// Unsubscribe removes client from the hub and its topic subscriptions.
func (h *Hub) Unsubscribe(client *Client) {
	h.unregister <- client
}
