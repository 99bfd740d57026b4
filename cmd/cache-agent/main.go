package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/offline-cache/pkg/agent"
	"github.com/Sternrassler/offline-cache/pkg/config"
	"github.com/Sternrassler/offline-cache/pkg/lifecycle"
	"github.com/Sternrassler/offline-cache/pkg/logging"
	"github.com/Sternrassler/offline-cache/pkg/metrics"
	"github.com/Sternrassler/offline-cache/pkg/network"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", getEnv("CACHE_AGENT_CONFIG", ""), "path to the YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(logging.FromConfig(cfg.Logging, os.Stderr))
	logger := logging.NewLogger("cache-agent")

	// Setup Redis when it backs the cache
	var redisClient *redis.Client
	if cfg.Storage.Backend == config.BackendRedis {
		redisClient = redis.NewClient(&redis.Options{
			Addr: cfg.Storage.RedisURL,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.Storage.RedisURL).Msg("Failed to connect to Redis")
		}
		logger.Info().Str("addr", cfg.Storage.RedisURL).Msg("Connected to Redis")
		defer redisClient.Close()
	}

	store, closeStore, err := agent.OpenStore(cfg.Storage, redisClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open cache store")
	}
	defer closeStore()

	fetcher := agent.NewFetcher(cfg.Network)
	a, err := agent.New(cfg, store, fetcher, logging.NewLogger("agent"))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create agent")
	}

	var registry lifecycle.Registry
	if redisClient != nil {
		registry = lifecycle.NewRedisRegistry(redisClient, logging.NewLogger("registry"))
	}
	container := lifecycle.NewContainer(fetcher, registry, logging.NewLogger("lifecycle"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// clients pass through to the origin until a worker is active
	registered := make(chan struct{})
	go func() {
		defer close(registered)
		if err := registerWithRetry(ctx, container, a.Worker(), network.DefaultRetryConfig(), logger); err != nil {
			logger.Warn().Err(err).Str("version", cfg.Version).Msg("Worker registration abandoned")
		}
	}()

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           newRouter(container, a, redisClient, logging.NewLogger("proxy")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().
			Str("addr", srv.Addr).
			Str("origin", cfg.Origin).
			Str("version", cfg.Version).
			Str("storage", cfg.Storage.Backend).
			Msg("Starting cache agent")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
	}
	<-registered
	// background cache writes must finish before the store closes
	if err := container.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Background work did not settle")
	}
}

// registerWithRetry registers w until it succeeds or ctx ends. A failed
// transition is logged and retried with exponential backoff; it never stops
// the host.
func registerWithRetry(ctx context.Context, container *lifecycle.Container, w *lifecycle.Worker, retry network.RetryConfig, logger zerolog.Logger) error {
	backoff := retry.InitialBackoff
	if backoff <= 0 {
		backoff = network.DefaultRetryConfig().InitialBackoff
	}

	for attempt := 1; ; attempt++ {
		err := container.Register(ctx, w)
		if err == nil {
			if attempt > 1 {
				logger.Info().Str("version", w.Version()).Int("attempt", attempt).Msg("Worker registered after retry")
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Add jitter (±20% randomness)
		jitter := time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))
		logger.Error().
			Err(err).
			Str("version", w.Version()).
			Str("state", string(w.State())).
			Int("attempt", attempt).
			Dur("backoff", jitter).
			Msg("Worker registration failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter):
		}

		if retry.BackoffMultiplier > 1 {
			backoff = time.Duration(float64(backoff) * retry.BackoffMultiplier)
		}
		if retry.MaxBackoff > 0 && backoff > retry.MaxBackoff {
			backoff = retry.MaxBackoff
		}
	}
}

func newRouter(container *lifecycle.Container, a *agent.Agent, redisClient *redis.Client, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/health", healthHandler)
	r.Get("/ready", readyHandler(redisClient, container))
	r.Handle("/metrics", metrics.Handler())
	r.Handle("/*", agent.NewHandler(container, a.Origin(), logger))
	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func readyHandler(redisClient *redis.Client, container *lifecycle.Container) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if redisClient != nil {
			if err := redisClient.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		if container.Active() == nil {
			http.Error(w, "no active worker", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
