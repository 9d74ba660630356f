package adminapi

import (
	"net/http"
	"strconv"

	"github.com/buildxl/distproxy/internal/events"
	"github.com/buildxl/distproxy/internal/graphcache"
)

// healthHandler answers GET /healthz with a static ok — liveness only, no
// dependency checks (the connection manager's own lifecycle state is better
// observed via /calls and the event feed).
func healthHandler(w http.ResponseWriter, r *http.Request) {
	ok(w, envelope{"status": "ok"})
}

// callsHandler answers GET /calls?limit=N with the most recently observed
// call tracker snapshots.
func callsHandler(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil {
				limit = n
			}
		}
		ok(w, reg.Recent(limit))
	}
}

// graphCacheStatsHandler answers GET /graphcache/stats with the resolver's
// current configuration.
func graphCacheStatsHandler(resolver *graphcache.Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if resolver == nil {
			errJSON(w, http.StatusServiceUnavailable, "graph-cache resolver not configured")
			return
		}
		ok(w, resolver.Stats())
	}
}

// eventsStatsHandler answers GET /events/stats with the number of
// observability clients currently connected to the event hub.
func eventsStatsHandler(hub *events.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if hub == nil {
			errJSON(w, http.StatusServiceUnavailable, "event hub not configured")
			return
		}
		ok(w, envelope{"connected_clients": hub.ConnectedCount()})
	}
}
