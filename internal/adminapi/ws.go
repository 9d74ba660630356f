package adminapi

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/buildxl/distproxy/internal/events"
)

// wsHandler upgrades GET /events into a subscription on the event hub.
// Topics are declared via the `topics` query parameter (comma-separated,
// e.g. "heartbeat" or "call:<method>" per internal/events); with none given
// the client is subscribed to the "heartbeat" topic only.
type wsHandler struct {
	hub    *events.Hub
	logger *zap.Logger
}

func newWSHandler(hub *events.Hub, logger *zap.Logger) *wsHandler {
	return &wsHandler{hub: hub, logger: logger.Named("adminapi_ws")}
}

func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	topics := resolveTopics(r)

	client, err := events.NewClient(h.hub, w, r, topics, h.logger)
	if err != nil {
		h.logger.Warn("events: upgrade failed", zap.Error(err))
		return
	}

	h.logger.Info("events: client connected",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Strings("topics", topics),
	)

	client.Run()

	h.logger.Info("events: client disconnected", zap.String("remote_addr", r.RemoteAddr))
}

func resolveTopics(r *http.Request) []string {
	raw := r.URL.Query().Get("topics")
	if raw == "" {
		return []string{"heartbeat"}
	}
	seen := make(map[string]struct{})
	var topics []string
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, exists := seen[t]; !exists {
			seen[t] = struct{}{}
			topics = append(topics, t)
		}
	}
	return topics
}
