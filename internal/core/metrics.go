package core

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsRegistry builds a registry from plugin collectors. A collector that
// clashes with one already registered fails startup naming its plugin.
func MetricsRegistry(plugins []Plugin) (*prometheus.Registry, error) {
	registry := prometheus.NewRegistry()

	for _, plugin := range plugins {
		for _, collector := range plugin.Collectors() {
			if err := registry.Register(collector); err != nil {
				return nil, fmt.Errorf("register %s metrics: %w", plugin.ID(), err)
			}
		}
	}

	return registry, nil
}
