package ambrogio

import (
	"context"
	_ "embed"
	"errors"
	"net/http"

	"github.com/joshp123/gohome-ambrogio/internal/config"
	"github.com/joshp123/gohome-ambrogio/internal/core"
	"github.com/joshp123/gohome-ambrogio/internal/logging"
	"github.com/joshp123/gohome-ambrogio/internal/rate"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

//go:embed AGENTS.md
var agentsMD string

//go:embed dashboard.json
var dashboardJSON []byte

const rateProvider = "ambrogio"

var (
	_ core.Plugin = Plugin{}
	_ core.Runner = Plugin{}
)

// Plugin implements the GoHome plugin contract.
type Plugin struct {
	coordinator   *Coordinator
	publisher     *StatePublisher
	logger        *zap.Logger
	health        core.HealthStatus
	healthMessage string
}

// NewPlugin constructs an Ambrogio plugin from config.
func NewPlugin(cfg *config.AmbrogioConfig, logger *zap.Logger) (Plugin, bool) {
	if cfg == nil {
		return Plugin{}, false
	}
	logger = logging.OrNop(logger)

	runtimeCfg, err := ConfigFromFile(cfg)
	if err != nil {
		return Plugin{health: core.HealthError, healthMessage: err.Error(), logger: logger}, true
	}

	httpClient := rate.WrapHTTP(
		rate.Provider(rateProvider).
			MaxRequestsPer(rate.Minute, runtimeCfg.RequestsPerMinute).
			RetryAfterHeader("Retry-After"),
		&http.Client{Timeout: requestTimeout},
	)
	transport := NewTransport(runtimeCfg.Endpoint, runtimeCfg.Credentials, httpClient, logger.Named("transport"))
	coordinator := NewCoordinator(runtimeCfg.Mowers, transport, Options{
		IdleInterval:   runtimeCfg.IdleInterval,
		ActiveInterval: runtimeCfg.ActiveInterval,
		Logger:         logger.Named("coordinator"),
	})

	p := Plugin{coordinator: coordinator, logger: logger, health: core.HealthHealthy}
	if runtimeCfg.MQTT != nil {
		publisher, err := NewStatePublisher(*runtimeCfg.MQTT, logger.Named("mqtt"))
		if err != nil {
			logger.Warn("mqtt state publishing disabled", zap.Error(err))
			p.health = core.HealthDegraded
			p.healthMessage = err.Error()
		} else {
			coordinator.Subscribe(publisher.Publish)
			p.publisher = publisher
		}
	}
	return p, true
}

func (p Plugin) ID() string {
	return "ambrogio"
}

func (p Plugin) Manifest() core.Manifest {
	return core.Manifest{
		PluginID:    "ambrogio",
		DisplayName: "Ambrogio Robot",
		Version:     "0.1.0",
		Services:    []string{ServiceDescriptor.FullName()},
	}
}

func (p Plugin) AgentsMD() string {
	return agentsMD
}

func (p Plugin) Dashboards() []core.Dashboard {
	return []core.Dashboard{{Name: "ambrogio-overview", JSON: dashboardJSON}}
}

func (p Plugin) RegisterGRPC(server *grpc.Server) {
	if err := RegisterAmbrogioService(server, p.coordinator); err != nil {
		logging.OrNop(p.logger).Error("register ambrogio service", zap.Error(err))
	}
}

func (p Plugin) Collectors() []prometheus.Collector {
	if p.coordinator == nil {
		return nil
	}
	return []prometheus.Collector{NewMetricsCollector(p.coordinator), commandsTotal}
}

// Health reflects the outcome of the latest refresh cycle.
func (p Plugin) Health() core.HealthStatus {
	if p.coordinator == nil || p.health == core.HealthError {
		return p.health
	}
	err := p.coordinator.LastError()
	switch {
	case errors.Is(err, ErrAuthFailed):
		return core.HealthError
	case err != nil:
		return core.HealthDegraded
	default:
		return p.health
	}
}

func (p Plugin) HealthMessage() string {
	if p.coordinator != nil {
		if err := p.coordinator.LastError(); err != nil {
			return err.Error()
		}
	}
	return p.healthMessage
}

// Run polls the cloud until ctx is cancelled.
func (p Plugin) Run(ctx context.Context) error {
	if p.coordinator == nil {
		<-ctx.Done()
		return nil
	}
	if p.publisher != nil {
		defer p.publisher.Close()
	}
	return p.coordinator.Run(ctx)
}
