package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/angeloszaimis/reverse-proxy/config"
	"github.com/angeloszaimis/reverse-proxy/internal/handler"
	"github.com/angeloszaimis/reverse-proxy/internal/healthcheck"
	"github.com/angeloszaimis/reverse-proxy/internal/httpserver"
	"github.com/angeloszaimis/reverse-proxy/internal/metrics"
	"github.com/angeloszaimis/reverse-proxy/internal/relay"
	"github.com/angeloszaimis/reverse-proxy/internal/selector"
	"github.com/angeloszaimis/reverse-proxy/internal/upstream"
	"github.com/angeloszaimis/reverse-proxy/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("err", err))
		os.Exit(1)
	}

	log := logger.New(logger.Options{
		Level:       cfg.Logging.Level,
		AddSource:   true,
		Environment: cfg.Server.Environment,
		File:        cfg.Logging.File,
		MaxSizeMB:   cfg.Logging.MaxSizeMB,
		MaxBackups:  cfg.Logging.MaxBackups,
		MaxAgeDays:  cfg.Logging.MaxAgeDays,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry, err := upstream.Parse(cfg.Upstreams)
	if err != nil {
		log.Error("Failed to parse upstreams", slog.Any("err", err))
		os.Exit(1)
	}

	client := cleanhttp.DefaultPooledClient()
	defer client.CloseIdleConnections()

	sel, monitor, err := buildSelector(log, cfg, registry, client)
	if err != nil {
		log.Error("Failed to build selector",
			slog.String("mode", cfg.Selector.Mode),
			slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := sel.Destroy(); err != nil {
			log.Error("Error destroying selector", slog.Any("err", err))
		}
	}()

	metricsCollector := metrics.NewCollector(1024, log)
	metricsCollector.Start(ctx)

	if monitor != nil {
		go watchHealth(ctx, monitor, metricsCollector)
	}

	engine := relay.NewEngine(client, log)

	proxyHandler := handler.New(log, sel, engine, metricsCollector)

	srv, err := httpserver.New(cfg.Server.Address, setupRouter(proxyHandler, metricsCollector, cfg.Selector.Mode))
	if err != nil {
		log.Error("Failed to create server", slog.Any("err", err))
		os.Exit(1)
	}

	srvErrCh := make(chan error, 1)

	go func() {
		srvErrCh <- srv.Start()
	}()

	log.Info("Reverse proxy started",
		slog.String("addr", cfg.Server.Address),
		slog.String("mode", cfg.Selector.Mode),
		slog.Int("upstreams", registry.Len()))

	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Error("Error during shutdown", slog.Any("err", err))
		}
	case err := <-srvErrCh:
		if err != nil {
			log.Error("Error starting reverse proxy", slog.Any("err", err))
			os.Exit(1)
		}
	}
}

func buildSelector(log *slog.Logger, cfg *config.Config, registry *upstream.Set, client *http.Client) (selector.Selector, *healthcheck.Monitor, error) {
	switch cfg.Selector.Mode {
	case config.ModeRoundRobin:
		return selector.NewStatic(registry.Origins()), nil, nil

	case config.ModeHealthAware:
		interval, err := time.ParseDuration(cfg.HealthCheck.Interval)
		if err != nil {
			return nil, nil, err
		}
		timeout, err := time.ParseDuration(cfg.HealthCheck.Timeout)
		if err != nil {
			return nil, nil, err
		}

		monitor, err := healthcheck.New(registry, healthcheck.Options{
			Interval: interval,
			Timeout:  timeout,
			Client:   client,
			Logger:   log,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := monitor.Start(); err != nil {
			return nil, nil, err
		}

		sel := selector.NewHealthAware(monitor)
		if cfg.Selector.MaxRequests > 0 {
			limit := cfg.Selector.MaxRequests
			if err := sel.SetMaxRequests(&limit); err != nil {
				monitor.Destroy()
				return nil, nil, err
			}
		}
		return sel, monitor, nil

	default:
		log.Warn("Unknown selector mode, defaulting to round-robin", slog.String("requested", cfg.Selector.Mode))
		return selector.NewStatic(registry.Origins()), nil, nil
	}
}

// watchHealth turns probe cycle completions into per-origin health
// events for the metrics collector.
func watchHealth(ctx context.Context, monitor *healthcheck.Monitor, collector *metrics.Collector) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var lastSeen time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updated := monitor.LastUpdate()
			if !updated.After(lastSeen) {
				continue
			}
			lastSeen = updated

			for _, origin := range monitor.Registry().Origins() {
				event := metrics.Event{
					Type:      metrics.EventHealthChanged,
					Timestamp: time.Now(),
					Origin:    origin,
					Healthy:   monitor.IsHealthy(origin),
				}
				select {
				case collector.EventChannel() <- event:
				default:
				}
			}
		}
	}
}
