package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/remphq/opsassist/core/cache"
	"github.com/remphq/opsassist/core/config"
	"github.com/remphq/opsassist/core/graph"
	"github.com/remphq/opsassist/core/providers"
	"github.com/remphq/opsassist/core/router"
	"github.com/remphq/opsassist/core/search"
	"github.com/remphq/opsassist/core/sqlexec"
	"github.com/remphq/opsassist/core/store"
	"github.com/remphq/opsassist/core/workflow"
)

// app bundles the wired engine with everything that needs closing.
type app struct {
	cfg    *config.Config
	engine *graph.Engine
	router *router.Router
	store  *store.Store
	index  *search.HybridIndex
	logger *slog.Logger

	closers []func() error
}

// buildApp assembles the full stack from configuration: providers in
// priority order, the tiered cache, the hybrid index, the relational
// store, the flow catalog and the graph engine on top.
func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	a := &app{cfg: cfg, logger: logger}

	a.store, err = store.Open(store.Config{Path: cfg.Store.Path})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.closers = append(a.closers, a.store.Close)

	backend, err := buildCacheBackend(ctx, cfg)
	if err != nil {
		a.close()
		return nil, err
	}
	tiered := cache.New(backend, cache.TTLs{
		Embedding: cfg.Cache.EmbeddingTTL.Std(),
		Query:     cfg.Cache.QueryTTL.Std(),
		Response:  cfg.Cache.ResponseTTL.Std(),
	}, logger)

	a.index, err = search.NewHybridIndex(cfg.Index.Path, cfg.Index.DocCacheSize)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("open index: %w", err)
	}
	a.closers = append(a.closers, a.index.Close)

	a.router = router.New(router.Config{CallTimeout: cfg.Engine.CallTimeout.Std()}, logger)
	if err := registerProviders(ctx, a.router, cfg, logger); err != nil {
		a.close()
		return nil, err
	}

	flows := workflow.NewEngine(a.store, logger,
		workflow.NewSchedulingFlow(a.store.DB()),
		workflow.NewTaskUpdateFlow(a.store.DB()),
		workflow.NewHelpFlow(),
	)

	a.engine = graph.NewEngine(graph.Config{
		Router:       a.router,
		Cache:        tiered,
		Index:        a.index,
		Store:        a.store,
		Inspector:    sqlexec.NewInspector(a.store.DB()),
		Executor:     sqlexec.NewExecutor(a.store.DB(), cfg.Engine.QueryTimeout.Std(), logger),
		Workflows:    flows,
		Logger:       logger,
		StageTimeout: cfg.Engine.StageTimeout.Std(),
	})
	return a, nil
}

func buildCacheBackend(ctx context.Context, cfg *config.Config) (cache.Backend, error) {
	if cfg.Cache.RedisURL != "" {
		backend, err := cache.NewRedisBackend(ctx, cfg.Cache.RedisURL, "opsassist")
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		return backend, nil
	}
	backend, err := cache.NewMemoryBackend(nil)
	if err != nil {
		return nil, fmt.Errorf("init cache: %w", err)
	}
	return backend, nil
}

// registerProviders attaches every backend with an API key, in
// fallback priority order.
func registerProviders(ctx context.Context, r *router.Router, cfg *config.Config, logger *slog.Logger) error {
	registered := 0

	if cfg.Providers.Anthropic.APIKey != "" {
		adapter, err := providers.NewAnthropicAdapter(cfg.Providers.Anthropic)
		if err != nil {
			return fmt.Errorf("anthropic: %w", err)
		}
		r.Register(adapter)
		registered++
	}
	if cfg.Providers.OpenAI.APIKey != "" {
		adapter, err := providers.NewOpenAIAdapter(cfg.Providers.OpenAI)
		if err != nil {
			return fmt.Errorf("openai: %w", err)
		}
		r.Register(adapter)
		registered++
	}
	if cfg.Providers.Google.APIKey != "" {
		adapter, err := providers.NewGoogleAdapter(ctx, cfg.Providers.Google)
		if err != nil {
			return fmt.Errorf("google: %w", err)
		}
		r.Register(adapter)
		registered++
	}

	if registered == 0 {
		return fmt.Errorf("no providers registered")
	}
	logger.Info("providers registered", "count", registered)
	return nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
}
