package server

import (
	"encoding/json"
	"net/http"

	"github.com/joshp123/gohome-ambrogio/internal/core"
)

type pluginHealth struct {
	Status  core.HealthStatus `json:"status"`
	Message string            `json:"message,omitempty"`
}

type healthResponse struct {
	Status  string                  `json:"status"`
	Plugins map[string]pluginHealth `json:"plugins"`
}

// HealthHandler reports liveness plus the health of each enabled plugin.
// The daemon stays "ok" while plugins are degraded; only the per-plugin
// status changes.
func HealthHandler(plugins []core.Plugin) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		resp := healthResponse{Status: "ok", Plugins: make(map[string]pluginHealth, len(plugins))}
		for _, p := range plugins {
			resp.Plugins[p.ID()] = pluginHealth{Status: p.Health(), Message: p.HealthMessage()}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp)
	})
}
