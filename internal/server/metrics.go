package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsHandler exposes the Prometheus registry. Collection errors are
// logged and the remaining metrics are still served.
func MetricsHandler(registry *prometheus.Registry, logger *zap.Logger) http.Handler {
	opts := promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError}
	if logger != nil {
		opts.ErrorLog = zap.NewStdLog(logger)
	}
	return promhttp.HandlerFor(registry, opts)
}
