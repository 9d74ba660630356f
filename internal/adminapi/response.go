// Package adminapi exposes an operator-facing HTTP surface over a running
// connection manager: health, recent call state, graph-cache configuration,
// Prometheus metrics, and a live event feed. It is not part of the
// master/worker RPC path itself — it is the observability window onto it.
package adminapi

import (
	"encoding/json"
	"net/http"
)

// envelope is the standard JSON response wrapper for all admin responses.
type envelope map[string]any

// writeJSON writes a JSON-encoded response with the given status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// ok writes a 200 OK response with the payload wrapped in {"data": payload}.
func ok(w http.ResponseWriter, payload any) {
	writeJSON(w, http.StatusOK, envelope{"data": payload})
}

// errJSON writes a JSON error response.
func errJSON(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{"error": message})
}
