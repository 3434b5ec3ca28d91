// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"fmt"
	"net/http"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagesnap/internal/cache"
	"github.com/JakeFAU/pagesnap/internal/cache/gcs"
	"github.com/JakeFAU/pagesnap/internal/cache/local"
	"github.com/JakeFAU/pagesnap/internal/cache/memory"
	"github.com/JakeFAU/pagesnap/internal/cache/postgres"
	"github.com/JakeFAU/pagesnap/internal/config"
	"github.com/JakeFAU/pagesnap/internal/logging"
	"github.com/JakeFAU/pagesnap/internal/metrics"
	"github.com/JakeFAU/pagesnap/internal/orchestrator"
	"github.com/JakeFAU/pagesnap/internal/remote"
	"github.com/JakeFAU/pagesnap/internal/renderer"
	"github.com/JakeFAU/pagesnap/internal/strategy"
)

// App holds the shared, long-lived services: the logger, the cache gate and
// the session factory every strategy is built from.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	store   cache.Store
	gate    *cache.Gate
	factory renderer.Factory
	client  *http.Client
	closers []func() error
}

// Option customizes App construction.
type Option func(*App)

// WithLogger replaces the logger built from configuration.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) { a.logger = logger }
}

// WithFactory replaces the Chrome session factory.
func WithFactory(factory renderer.Factory) Option {
	return func(a *App) { a.factory = factory }
}

// WithStore replaces the configured cache backend.
func WithStore(store cache.Store) Option {
	return func(a *App) { a.store = store }
}

// WithHTTPClient sets the client used by the remote strategy.
func WithHTTPClient(client *http.Client) Option {
	return func(a *App) { a.client = client }
}

// New creates and initializes an App from cfg. It fails fast if the cache
// backend cannot be reached.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		logger, err := logging.New(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("init logger: %w", err)
		}
		a.logger = logger
	}
	metrics.Init()

	if a.store == nil {
		store, err := a.openStore(ctx)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.store = store
	}
	gate, err := cache.NewGate(a.store, cfg.Cache.Enabled, a.logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.gate = gate
	if a.factory == nil {
		a.factory = renderer.ChromedpFactory(a.logger)
	}

	a.logger.Info("application services initialized",
		zap.String("strategy", cfg.Strategy),
		zap.String("cache_backend", cfg.Cache.Backend),
		zap.Bool("cache_enabled", cfg.Cache.Enabled),
	)
	return a, nil
}

func (a *App) openStore(ctx context.Context) (cache.Store, error) {
	c := a.cfg.Cache
	switch c.Backend {
	case config.BackendLocal, "":
		store, err := local.New(local.Config{Dir: c.Dir})
		if err != nil {
			return nil, fmt.Errorf("init local cache: %w", err)
		}
		a.logger.Debug("using local cache", zap.String("dir", store.Dir()))
		return store, nil
	case config.BackendMemory:
		return memory.New(), nil
	case config.BackendPostgres:
		store, err := postgres.New(ctx, c.Postgres)
		if err != nil {
			return nil, fmt.Errorf("init postgres cache: %w", err)
		}
		a.closers = append(a.closers, func() error { store.Close(); return nil })
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("init postgres cache: %w", err)
		}
		return store, nil
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		store, err := gcs.New(client, c.GCS)
		if err != nil {
			return nil, fmt.Errorf("init gcs cache: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown cache backend: %s", c.Backend)
	}
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config { return a.cfg }

// Gate returns the shared cache gate.
func (a *App) Gate() *cache.Gate { return a.gate }

// LocalConfig maps configuration onto the local strategy's settings.
func (a *App) LocalConfig() orchestrator.Config {
	return orchestrator.Config{
		Renderer:      a.cfg.Renderer.Options(),
		Readiness:     a.cfg.Readiness,
		Fallback:      a.cfg.Fallback,
		Scripts:       append([]string(nil), a.cfg.Renderer.JSCode...),
		ScriptTimeout: a.cfg.Renderer.ScriptTimeout,
	}
}

// NewStrategy builds the configured strategy. Local strategies start a
// browser session immediately.
func (a *App) NewStrategy(ctx context.Context, opts ...orchestrator.Option) (strategy.Strategy, error) {
	switch a.cfg.Strategy {
	case strategy.Local, "":
		r, err := orchestrator.New(ctx, a.factory, a.LocalConfig(), a.gate, a.logger, opts...)
		if err != nil {
			return nil, fmt.Errorf("init local strategy: %w", err)
		}
		return r, nil
	case strategy.Remote:
		d, err := remote.New(a.cfg.Remote, a.client, a.gate, a.logger)
		if err != nil {
			return nil, fmt.Errorf("init remote strategy: %w", err)
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unknown strategy: %s", a.cfg.Strategy)
	}
}

// Invalidate drops the cached document for rawURL.
func (a *App) Invalidate(ctx context.Context, rawURL string) error {
	return a.gate.Invalidate(ctx, rawURL)
}

// Close gracefully shuts down all services in the App container.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("error closing service", zap.Error(err))
		}
	}
	a.closers = nil
	// Sync fails on some terminals; there is nothing useful to do about it.
	_ = a.logger.Sync()
}
