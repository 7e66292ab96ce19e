// ABOUTME: Health and readiness endpoints for the HTTP bindings
// ABOUTME: Readiness flips to 503 as soon as a drain begins

package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/2389/mcpd/internal/shutdown"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string  `json:"status"`
	Name     string  `json:"name"`
	Version  string  `json:"version"`
	Binding  string  `json:"binding"`
	Sessions int     `json:"sessions"`
	Uptime   float64 `json:"uptime_seconds"`
}

// handleHealth returns 200 OK while the process is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:   "ok",
		Name:     g.config.Server.Name,
		Version:  g.config.Server.Version,
		Binding:  g.config.Server.Binding,
		Sessions: g.registry.Len(),
		Uptime:   g.clock.Since(g.started).Seconds(),
	})
}

// handleReady returns 200 OK while new sessions are accepted.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	state := g.coordinator.State()
	if state != shutdown.Running {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": state.String()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
