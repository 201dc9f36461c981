// Package app initializes and holds the long-lived engine services, acting
// as the dependency injection container for binaries and tests.
package app

import (
	"context"

	"go.uber.org/zap"

	"github.com/sitewatch/statecache/internal/broker"
	"github.com/sitewatch/statecache/internal/cache"
	"github.com/sitewatch/statecache/internal/clock/system"
	"github.com/sitewatch/statecache/internal/config"
	"github.com/sitewatch/statecache/internal/dedup"
	"github.com/sitewatch/statecache/internal/metrics"
	"github.com/sitewatch/statecache/internal/status"
)

// App holds the shared services: the cache store, the status registry, the
// subscription broker, and the dedup registry, wired together so that status
// pushes invalidate cache tags and flow to subscribers. Initialized once at
// startup and passed to the components that need it.
type App struct {
	logger *zap.Logger
	cache  *cache.Store
	status *status.Registry
	broker *broker.Broker
	dedup  *dedup.Registry
}

// Options carries optional external hooks for the broker.
type Options struct {
	Setup    broker.SetupFunc
	Teardown broker.TeardownFunc
}

// New builds the engine from configuration. The wiring is fixed: the status
// registry invalidates the cache and dispatches into the broker, and the
// broker reads scope snapshots back from the registry for reconciliation.
func New(cfg config.Config, logger *zap.Logger, opts Options) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	clk := system.New()

	store := cache.New(cache.Config{
		Capacity:      cfg.Cache.Capacity,
		SweepInterval: cfg.SweepInterval(),
		Clock:         clk,
		Logger:        logger.Named("cache"),
	})

	var registry *status.Registry
	brk := broker.New(broker.Config{
		Setup:             opts.Setup,
		Teardown:          opts.Teardown,
		DebounceWindow:    cfg.DebounceWindow(),
		ReconcileInterval: cfg.ReconcileInterval(),
		States: func(scopeID string) []status.Entity {
			return registry.ByScope(scopeID)
		},
		Clock:     clk,
		Logger:    logger.Named("broker"),
		Listeners: []broker.Listener{
			broker.NewLogListener(logger.Named("notify")),
			broker.NewMetricsListener(),
		},
	})

	registry = status.NewRegistry(status.Config{
		Clock:       clk,
		Logger:      logger.Named("status"),
		Invalidator: store,
		Handler:     brk.Dispatch,
	})

	return &App{
		logger: logger,
		cache:  store,
		status: registry,
		broker: brk,
		dedup:  dedup.New(logger.Named("dedup")),
	}
}

// Logger returns the shared zap logger instance.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Cache exposes the entry store.
func (a *App) Cache() *cache.Store {
	return a.cache
}

// Status exposes the status registry.
func (a *App) Status() *status.Registry {
	return a.status
}

// Broker exposes the subscription broker.
func (a *App) Broker() *broker.Broker {
	return a.broker
}

// Dedup exposes the request deduplication registry.
func (a *App) Dedup() *dedup.Registry {
	return a.dedup
}

// Close gracefully shuts down all services: subscriptions are torn down
// first so no notification fires against a closed cache.
func (a *App) Close(ctx context.Context) {
	if err := a.broker.Close(ctx); err != nil {
		a.logger.Warn("broker close failed", zap.Error(err))
	}
	a.cache.Close()
	if err := a.logger.Sync(); err != nil {
		// Best-effort flush; stderr sync failures are expected on some
		// platforms.
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}
