package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/joshp123/gohome-ambrogio/internal/config"
	"github.com/joshp123/gohome-ambrogio/internal/core"
	"github.com/joshp123/gohome-ambrogio/internal/logging"
	"github.com/joshp123/gohome-ambrogio/internal/plugins"
	"github.com/joshp123/gohome-ambrogio/internal/rate"
	"github.com/joshp123/gohome-ambrogio/internal/router"
	"github.com/joshp123/gohome-ambrogio/internal/server"

	"github.com/prometheus/client_golang/prometheus"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", envOrDefault("GOHOME_CONFIG", config.DefaultPath), "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Core.LogLevel, cfg.Core.LogDevelopment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("gohome stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	compiled := plugins.Compiled(cfg, logger)
	enabled := config.EnabledPlugins(cfg)
	if err := core.ValidateEnabledPlugins(compiled, enabled, false); err != nil {
		return err
	}
	active := core.FilterPlugins(compiled, enabled, false)
	if err := core.ValidatePlugins(active); err != nil {
		return err
	}
	for _, p := range active {
		logger.Info("plugin enabled",
			zap.String("plugin", p.ID()),
			zap.String("health", string(p.Health())),
		)
	}

	grpcServer, err := server.NewGRPCServer(cfg.Core.GRPCAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	if err := router.RegisterPlugins(grpcServer.Server, active); err != nil {
		return fmt.Errorf("register services: %w", err)
	}

	metricsRegistry, err := core.MetricsRegistry(active)
	if err != nil {
		return err
	}
	metricsRegistry.MustRegister(rate.MetricsCollectors()...)
	metricsRegistry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "gohome_build_info",
		Help: "Build information",
	}, func() float64 { return 1 }))

	if err := core.WriteDashboards(cfg.Core.DashboardDir, active); err != nil {
		logger.Warn("write dashboards", zap.Error(err))
	}

	httpMux := http.NewServeMux()
	httpMux.Handle("/health", server.HealthHandler(active))
	httpMux.Handle("/metrics", server.MetricsHandler(metricsRegistry, logger.Named("metrics")))
	httpMux.Handle("/dashboards/", server.DashboardsHandler(core.DashboardsMap(active)))
	for _, p := range active {
		if registrant, ok := p.(core.HTTPRegistrant); ok {
			registrant.RegisterHTTP(httpMux)
		}
	}
	httpServer := server.NewHTTPServer(cfg.Core.HTTPAddr, httpMux)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("grpc listening", zap.String("addr", cfg.Core.GRPCAddr))
		if err := grpcServer.Serve(); err != nil {
			return fmt.Errorf("grpc serve: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.Core.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})
	for _, p := range active {
		runner, ok := p.(core.Runner)
		if !ok {
			continue
		}
		id := p.ID()
		group.Go(func() error {
			if err := runner.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("plugin %s: %w", id, err)
			}
			return nil
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		grpcServer.Shutdown(shutdownCtx)
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
