package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tidesapp/tidelink/adapter/transport"
	"github.com/tidesapp/tidelink/config"
	"github.com/tidesapp/tidelink/fallback"
	"github.com/tidesapp/tidelink/health"
	"github.com/tidesapp/tidelink/middleware"
	"github.com/tidesapp/tidelink/observability"
	"github.com/tidesapp/tidelink/pool"
	"github.com/tidesapp/tidelink/queue"
	"github.com/tidesapp/tidelink/service"
	"github.com/tidesapp/tidelink/storage"
	"github.com/tidesapp/tidelink/tidelink"
	"github.com/tidesapp/tidelink/tools"
)

// app holds every component built from one configuration.
type app struct {
	config  *config.Config
	logger  *slog.Logger
	store   storage.Store
	queue   *queue.Manager
	cache   *fallback.ResponseCache
	service *service.Service
	tools   tidelink.ToolExecutor

	closers []func(context.Context) error
}

// newApp wires the components described by cfg. The caller must Close it.
func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	obs := cfg.Observability
	logger := observability.ConfigureLogging(observability.ParseLevel(obs.LogLevel), obs.StructuredLogs, true)

	a := &app{config: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	if obs.MetricsEnabled {
		if _, err := observability.InitMetrics(obs.ServiceName); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, observability.ShutdownMetrics)
	}
	if obs.OTLPEndpoint != "" || obs.TracingConsole {
		if _, err := observability.InitTracing(obs.ServiceName, obs.OTLPEndpoint, obs.TracingConsole); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, observability.Shutdown)
	}
	instruments, err := observability.NewInstruments()
	if err != nil {
		return nil, err
	}

	a.store, err = storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Storage.Driver, err)
	}
	a.closers = append(a.closers, func(context.Context) error { return a.store.Close() })

	doer := transport.NewHTTPTransport(transport.HTTPOptions{Timeout: cfg.Service.RequestTimeout})

	poolConfig := cfg.Pool
	poolConfig.ExternalHealthChecks = cfg.Health.Enabled
	connections := pool.New(poolConfig, transport.NewProberFactory(doer), logger)

	var monitor *health.Monitor
	if cfg.Health.Enabled {
		monitor = health.NewMonitor(cfg.Health.Config, doer, logger)
	}

	a.queue = queue.New(cfg.Queue, doer, a.store, logger)
	a.cache = fallback.NewResponseCache(cfg.Fallback.Cache, a.store, logger)

	a.tools, err = newExecutor(cfg.MCP, logger)
	if err != nil {
		return nil, err
	}
	if closer, ok := a.tools.(interface{ Close() error }); ok {
		a.closers = append(a.closers, func(context.Context) error { return closer.Close() })
	}

	chain := fallback.New(cfg.Fallback, fallback.Dependencies{
		Executor:      a.tools,
		Cache:         a.cache,
		Queue:         a.queue,
		QueueEndpoint: queueEndpoint(cfg.Endpoints),
	}, logger)

	a.service, err = service.New(cfg.Service, service.Dependencies{
		Pool:        connections,
		Breakers:    middleware.NewCircuitBreakerRegistry(cfg.Breaker),
		Doer:        doer,
		Fallback:    chain,
		Health:      monitor,
		Queue:       a.queue,
		Instruments: instruments,
	}, logger)
	if err != nil {
		return nil, err
	}

	for _, ep := range cfg.Endpoints {
		if err := a.service.AddEndpoint(ep); err != nil {
			return nil, fmt.Errorf("failed to add endpoint %s: %w", ep.ID, err)
		}
	}
	return a, nil
}

// newExecutor returns the MCP client when a server is configured and an
// empty registry otherwise, which makes the direct tool stage fail fast.
func newExecutor(cfg tools.MCPConfig, logger *slog.Logger) (tidelink.ToolExecutor, error) {
	if cfg.URL == "" && cfg.Transport == nil {
		return tools.NewToolRegistry(), nil
	}
	executor, err := tools.NewMCPExecutor(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP client: %w", err)
	}
	return executor, nil
}

// statusOutput adds the tools reachable by the direct tool stage.
type statusOutput struct {
	service.Status
	Tools      []tools.ToolInfo `json:"tools"`
	ToolsError string           `json:"tools_error,omitempty"`
}

func (a *app) status(ctx context.Context) statusOutput {
	out := statusOutput{Status: a.service.Status(), Tools: []tools.ToolInfo{}}
	if lister, ok := a.tools.(tools.ToolLister); ok {
		infos, err := lister.ListTools(ctx)
		if err != nil {
			out.ToolsError = err.Error()
		} else if infos != nil {
			out.Tools = infos
		}
	}
	return out
}

// queueEndpoint picks the endpoint queued questions are replayed against:
// the first enabled primary endpoint, else the first enabled one.
func queueEndpoint(endpoints []tidelink.Endpoint) string {
	fallbackURL := ""
	for _, ep := range endpoints {
		if !ep.Enabled {
			continue
		}
		if ep.Type == tidelink.EndpointPrimary {
			return ep.URL
		}
		if fallbackURL == "" {
			fallbackURL = ep.URL
		}
	}
	return fallbackURL
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("shutdown failed", "error", err)
		}
	}
	a.closers = nil
}
