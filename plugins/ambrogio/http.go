package ambrogio

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/joshp123/gohome-ambrogio/internal/core"
)

const devicesEndpoint = "/ambrogio/devices"

var _ core.HTTPRegistrant = Plugin{}

func (p Plugin) RegisterHTTP(mux *http.ServeMux) {
	handler := devicesHandler(p.coordinator)
	mux.Handle(devicesEndpoint, handler)
	mux.Handle(devicesEndpoint+"/", handler)
}

// devicesHandler serves the cached fleet as JSON.
func devicesHandler(coordinator *Coordinator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if coordinator == nil {
			http.Error(w, "ambrogio unavailable", http.StatusServiceUnavailable)
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		imei := strings.Trim(strings.TrimPrefix(r.URL.Path, devicesEndpoint), "/")
		if imei == "" {
			devices := make([]map[string]any, 0)
			for _, snap := range coordinator.Devices() {
				devices = append(devices, snap.Attributes())
			}
			writeJSON(w, map[string]any{"devices": devices})
			return
		}

		snap, ok := coordinator.Device(imei)
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, snap.Attributes())
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}
