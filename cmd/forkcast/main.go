// Forkcast server — conversational restaurant search: HTTP/WebSocket API,
// async search jobs, and provider enrichment.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/forkcast/forkcast/pkg/api"
	"github.com/forkcast/forkcast/pkg/cache"
	"github.com/forkcast/forkcast/pkg/cleanup"
	"github.com/forkcast/forkcast/pkg/config"
	"github.com/forkcast/forkcast/pkg/enrich"
	"github.com/forkcast/forkcast/pkg/events"
	"github.com/forkcast/forkcast/pkg/idempotency"
	"github.com/forkcast/forkcast/pkg/jobstore"
	"github.com/forkcast/forkcast/pkg/llm"
	"github.com/forkcast/forkcast/pkg/orchestrator"
	"github.com/forkcast/forkcast/pkg/pipeline"
	"github.com/forkcast/forkcast/pkg/places"
	"github.com/forkcast/forkcast/pkg/sessionstore"
	"github.com/forkcast/forkcast/pkg/version"
)

func main() {
	envPath := flag.String("env-file", ".env", "Path to .env file")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envPath, "error", err)
	}

	cfg := config.Load()
	setupLogging(cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting forkcast",
		"version", version.Full(),
		"http_port", cfg.Server.HTTPPort,
		"development", cfg.Server.Development)

	ctx := context.Background()

	// Stores. Redis when configured, in-memory fallback for development.
	var (
		jobs     jobstore.Store
		sessions sessionstore.Store
		registry idempotency.Registry
		kv       cache.Cache
		locks    enrich.Locker
	)
	if cfg.Store.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			if cfg.Server.Development {
				slog.Warn("Redis unreachable, using in-memory stores", "addr", cfg.Store.RedisAddr, "error", err)
				jobs, sessions, registry, kv, locks = memoryStores(cfg)
			} else {
				slog.Error("Redis unreachable", "addr", cfg.Store.RedisAddr, "error", err)
				os.Exit(1)
			}
		} else {
			slog.Info("Connected to Redis", "addr", cfg.Store.RedisAddr)
			jobs, err = jobstore.NewRedisStore(ctx, client, cfg.Store.JobTTL)
			if err != nil {
				slog.Error("Failed to initialize job store", "error", err)
				os.Exit(1)
			}
			sessions = sessionstore.NewRedisStore(client, cfg.Store.SessionTTL)
			registry = idempotency.NewRedisRegistry(client, cfg.Pipeline.JobTimeout)
			kv = cache.NewRedisCache(client)
			locks = enrich.NewRedisLocker(client)
		}
		defer func() {
			if err := client.Close(); err != nil {
				slog.Error("Error closing Redis client", "error", err)
			}
		}()
	} else {
		slog.Info("No Redis configured, using in-memory stores")
		jobs, sessions, registry, kv, locks = memoryStores(cfg)
	}

	// LLM gateway.
	llmClient := llm.NewClient(llm.NewHTTPTransport(cfg.LLM), cfg.LLM)

	// Places provider.
	provider := places.NewHTTPProvider(places.ProviderConfig{
		BaseURL: os.Getenv("PLACES_BASE_URL"),
		APIKey:  os.Getenv("PLACES_API_KEY"),
	})

	// Event fan-out.
	subs := events.NewSubscriptionManager(jobs, events.DefaultBacklogCap)
	publisher := events.NewPublisher(subs)

	// Enrichment queue.
	resolvers := make(map[string]enrich.Resolver, len(cfg.Providers))
	for _, name := range cfg.Providers {
		switch name {
		case "wolt":
			resolvers[name] = enrich.NewWoltResolver(os.Getenv("WOLT_BASE_URL"), nil)
		default:
			slog.Warn("Unknown enrichment provider, skipping", "provider", name)
		}
	}
	queue := enrich.NewQueue(cfg.Enrich, resolvers, kv, locks, publisher)
	queue.Start()
	slog.Info("Enrichment queue started", "providers", len(resolvers))

	// Retention. Only the in-memory job store needs sweeping; Redis records
	// expire via key TTL.
	var retention *cleanup.Service
	if sweeper, ok := jobs.(cleanup.JobSweeper); ok {
		retention = cleanup.NewService(cleanup.Config{
			Retention: cfg.Store.JobTTL,
		}, sweeper, subs)
		retention.Start(ctx)
	}

	// Pipeline and orchestrator.
	pipe := pipeline.New(llmClient, cfg.Pipeline, provider)
	orch := orchestrator.New(cfg.Pipeline, jobs, sessions, registry, pipe, queue, subs, publisher)

	// HTTP/WebSocket server.
	server := api.NewServer(cfg.Server, orch, jobs, sessions, subs)

	serverCtx, serverCancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		if err := server.Run(serverCtx); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.Info("Forkcast started successfully")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Stop accepting requests, then drain running jobs and workers.
	serverCancel()

	done := make(chan struct{})
	go func() {
		orch.Shutdown()
		queue.Stop()
		if retention != nil {
			retention.Stop()
		}
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Jobs and enrichment drained")
	case <-time.After(30 * time.Second):
		slog.Warn("Shutdown timeout exceeded, abandoning in-flight work")
	}

	slog.Info("Shutdown complete")
}

func setupLogging(cfg *config.Config) {
	level := slog.LevelInfo
	if cfg.Server.Development {
		level = slog.LevelDebug
	}
	var handler slog.Handler
	if cfg.Server.Development {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}

func memoryStores(cfg *config.Config) (jobstore.Store, sessionstore.Store, idempotency.Registry, cache.Cache, enrich.Locker) {
	return jobstore.NewMemoryStore(),
		sessionstore.NewMemoryStore(cfg.Store.SessionTTL),
		idempotency.NewMemoryRegistry(cfg.Pipeline.JobTimeout),
		cache.NewMemoryCache(),
		enrich.NewMemoryLocker()
}
