// Command leadbroker runs the lead qualification service: it receives
// messages from the messaging integration, tracks each lead's conversation,
// scores urgency, alerts brokers and suggests matching properties.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/scrypster/leadbroker/internal/catalog"
	"github.com/scrypster/leadbroker/internal/config"
	"github.com/scrypster/leadbroker/internal/conversation"
	"github.com/scrypster/leadbroker/internal/embedcache"
	"github.com/scrypster/leadbroker/internal/engine"
	"github.com/scrypster/leadbroker/internal/idempotency"
	"github.com/scrypster/leadbroker/internal/llm"
	"github.com/scrypster/leadbroker/internal/metrics"
	"github.com/scrypster/leadbroker/internal/search"
	"github.com/scrypster/leadbroker/internal/server"
	"github.com/scrypster/leadbroker/internal/storage"
	"github.com/scrypster/leadbroker/internal/storage/postgres"
	"github.com/scrypster/leadbroker/internal/storage/redis"
	"github.com/scrypster/leadbroker/internal/storage/sqlite"
	"github.com/scrypster/leadbroker/internal/urgency"
	"github.com/scrypster/leadbroker/web/handlers"
)

func main() {
	// A missing .env is fine; the environment may already be set.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("warning: failed to load .env: %v", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app, err := build(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer app.close()

	if err := app.sweeper.Start(ctx); err != nil {
		log.Fatalf("Failed to start sweeper: %v", err)
	}

	// Embed listings left without a vector by an earlier provider outage.
	go func() {
		if _, err := app.catalog.Backfill(ctx, catalog.DefaultBatchSize); err != nil && ctx.Err() == nil {
			log.Printf("warning: startup backfill failed: %v", err)
		}
	}()

	addr, done, err := server.Start(ctx, cfg, app.components())
	if err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Printf("leadbroker listening on http://%s (storage: %s, embeddings: %s/%s)",
		addr, cfg.Storage.StorageEngine, cfg.Embedding.Provider, cfg.Embedding.Model)

	<-ctx.Done()
	log.Println("Shutting down gracefully...")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := app.sweeper.Stop(shutdownCtx); err != nil {
		log.Printf("Error stopping sweeper: %v", err)
	}
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Println("warning: server shutdown timed out")
	}
}

// app holds the wired components.
type app struct {
	store        storage.Store
	redis        *redis.IdempotencyStore
	metrics      *metrics.Metrics
	orchestrator *engine.Orchestrator
	catalog      *catalog.Syncer
	hub          *handlers.AlertHub
	sweeper      *engine.Sweeper
}

func (a *app) components() server.Components {
	return server.Components{
		Orchestrator: a.orchestrator,
		Catalog:      a.catalog,
		Alerts:       a.hub,
		Health:       a.store,
		Metrics:      a.metrics,
	}
}

func (a *app) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			log.Printf("Error closing redis: %v", err)
		}
	}
	if err := a.store.Close(); err != nil {
		log.Printf("Error closing store: %v", err)
	}
}

// build opens storage and wires every component from cfg.
func build(ctx context.Context, cfg *config.Config) (*app, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{store: store, metrics: metrics.New()}

	var idem storage.IdempotencyStore = store
	if cfg.Storage.RedisURL != "" {
		a.redis, err = redis.NewIdempotencyStoreFromURL(ctx, cfg.Storage.RedisURL)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		idem = a.redis
		log.Printf("Using redis idempotency guard")
	}

	provider, err := llm.NewEmbeddingGenerator(cfg.Embedding)
	if err != nil {
		a.close()
		return nil, err
	}
	if hc, ok := provider.(llm.HealthChecker); ok {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := hc.HealthCheck(pingCtx); err != nil {
			log.Printf("warning: embedding provider unreachable, search will fall back to lexical ranking: %v", err)
		}
		cancel()
	}
	cache := embedcache.New(store, embedcache.Options{
		Dimension: cfg.Embedding.Dimension,
		TTL:       cfg.Embedding.CacheTTL,
		Metrics:   a.metrics,
	}, provider)
	embedder := cache.Embedder(provider.GetModel())

	a.catalog = catalog.NewSyncer(store, embedder, cfg.Embedding.Dimension)
	a.hub = handlers.NewAlertHub(cfg.Security.AllowedOrigins...)

	machine := conversation.NewMachine(store, conversation.Options{
		HistoryLimit: cfg.Urgency.HistoryMessages,
		Metrics:      a.metrics,
	})
	urgencyService := urgency.NewService(store, machine, urgency.Config{
		AlertThreshold: cfg.Urgency.AlertThreshold,
		Scorer: urgency.ScorerConfig{
			BurstWindow:  cfg.Urgency.BurstWindow,
			BurstCount:   cfg.Urgency.BurstCount,
			RepeatWindow: cfg.Urgency.RepeatWindow,
			RepeatCount:  cfg.Urgency.RepeatCount,
		},
		Notifier: urgency.FanOut{urgency.LogNotifier{}, a.hub},
		Metrics:  a.metrics,
	})
	searchEngine := search.NewEngine(store, embedder, search.Options{
		Dimension:                cfg.Embedding.Dimension,
		VectorWeight:             cfg.Search.VectorWeight,
		TextWeight:               cfg.Search.TextWeight,
		LexicalFallbackThreshold: cfg.Search.LexicalFallbackThreshold,
		Timeout:                  cfg.Search.Timeout,
		EmbedTimeout:             cfg.Embedding.Timeout,
		CacheSize:                cfg.Search.ResultCacheSize,
		CacheTTL:                 cfg.Search.ResultCacheTTL,
		Metrics:                  a.metrics,
	})

	engineCfg := engine.DefaultConfig()
	engineCfg.RequestTimeout = cfg.Server.RequestTimeout
	engineCfg.SearchThreshold = cfg.Search.Threshold
	engineCfg.MaxResults = cfg.Search.MaxResults
	engineCfg.RateLimitEnabled = cfg.RateLimit.Enabled
	engineCfg.MessagesPerMinute = cfg.RateLimit.MessagesPerMinute
	engineCfg.SessionTTL = cfg.Retention.SessionTTL

	a.orchestrator, err = engine.NewOrchestrator(engineCfg, engine.Dependencies{
		Guard:   idempotency.NewGuard(idem, cfg.Idempotency.TTL),
		Machine: machine,
		Urgency: urgencyService,
		Search:  searchEngine,
		Cache:   cache,
		Metrics: a.metrics,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	a.sweeper = engine.NewSweeper(store, cfg.Retention.SweepInterval, cfg.Retention.MessageTTL, a.metrics)
	return a, nil
}

// openStore opens the configured storage engine.
func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.StorageEngine {
	case "postgres":
		if cfg.Storage.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres storage requires LEADBROKER_POSTGRES_DSN")
		}
		return postgres.NewStore(cfg.Storage.PostgresDSN, cfg.Embedding.Dimension)
	case "sqlite", "":
		if err := os.MkdirAll(cfg.Storage.DataPath, 0o750); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		return sqlite.NewStore(filepath.Join(cfg.Storage.DataPath, "leadbroker.db"))
	default:
		return nil, fmt.Errorf("unsupported storage engine: %q", cfg.Storage.StorageEngine)
	}
}
