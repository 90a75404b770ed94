// Package main is the entry point for the API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/capitalize-ai/sentiment-chat/internal/cache"
	"github.com/capitalize-ai/sentiment-chat/internal/config"
	"github.com/capitalize-ai/sentiment-chat/internal/handler"
	"github.com/capitalize-ai/sentiment-chat/internal/llm"
	"github.com/capitalize-ai/sentiment-chat/internal/middleware"
	natsclient "github.com/capitalize-ai/sentiment-chat/internal/nats"
	"github.com/capitalize-ai/sentiment-chat/internal/ratelimit"
	"github.com/capitalize-ai/sentiment-chat/internal/sentiment"
	"github.com/capitalize-ai/sentiment-chat/internal/service"
	"github.com/capitalize-ai/sentiment-chat/internal/store"
	"github.com/capitalize-ai/sentiment-chat/internal/worker"
	"github.com/capitalize-ai/sentiment-chat/pkg/logger"
	"github.com/capitalize-ai/sentiment-chat/pkg/tracing"
)

const maxRequestBody = 1 << 20

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logOpts []logger.Option
	if cfg.Env == "development" {
		logOpts = append(logOpts, logger.Console())
	}
	log, err := logger.New(cfg.LogLevel, logOpts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	log.Info("starting API server", zap.String("env", cfg.Env))

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "sentiment-chat", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Persistence
	db := openStore(ctx, cfg, log)
	defer db.Close()

	// Redis backs the cache and the rate limiter
	var redisClient *redis.Client
	if cfg.CacheEnabled && cfg.RedisURL != "" {
		redisClient, err = cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			log.Warn("redis unavailable, running without cache and rate limits", zap.Error(err))
			redisClient = nil
		}
	}
	appCache := cache.New(redisClient, log.Component("cache"))
	defer appCache.Close()

	// Audit events
	var events natsclient.Publisher = natsclient.NopPublisher{}
	var natsClient *natsclient.Client
	if cfg.NATSEnabled {
		natsClient, err = natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log.Component("nats"))
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer natsClient.Close()

		streamManager := natsclient.NewStreamManager(natsClient)
		if err := streamManager.EnsureStream(ctx); err != nil {
			log.Fatal("failed to ensure stream", zap.Error(err))
		}
		events = streamManager
	}

	// LLM providers
	registry := llm.NewRegistry(openAdapters(cfg, log)...)
	if len(registry.Providers()) == 0 {
		log.Warn("no LLM provider configured, chat requests will be rejected")
	}

	// Sentiment
	var nlp *sentiment.NLPStrategy
	if cfg.NLPEnabled {
		nlp, err = sentiment.NewNLPStrategy(ctx, log)
		if err != nil {
			log.Warn("natural language API unavailable, nlp_api reports neutral", zap.Error(err))
			nlp = nil
		} else {
			defer nlp.Close()
		}
	}
	sentimentSvc := sentiment.NewService(nlp)
	engine := sentiment.NewEngine(log)

	// Background work
	pool := worker.New(cfg.WorkerPoolSize, cfg.WorkerTaskTimeout, log.Component("worker"))

	limiter := ratelimit.New(redisClient, ratelimit.Config{
		Enabled: cfg.RateLimitEnabled,
		General: cfg.RateLimitGeneral,
		Chat:    cfg.RateLimitChat,
		Auth:    cfg.RateLimitAuth,
		Window:  cfg.RateLimitWindow,
	}, log.Component("ratelimit"))

	// Initialize services
	chatSvc := service.NewChatService(db, appCache, registry, sentimentSvc, engine, pool, events, service.ChatConfig{
		DefaultProvider: cfg.DefaultProvider,
		DefaultModel:    cfg.DefaultModel,
		DefaultMethod:   cfg.DefaultSentimentMethod,
		Temperature:     cfg.DefaultTemperature,
		MaxTokens:       cfg.DefaultMaxTokens,
		ContextSize:     cfg.CacheContextSize,
		ContextCap:      cfg.CacheContextMax,
	}, log)
	conversationSvc := service.NewConversationService(db, appCache, registry, sentimentSvc, pool, events, log)
	authSvc := service.NewAuthService(db, appCache, cfg.JWTSecret, cfg.JWTExpiration, log)

	conversationSvc.WarmCaches(ctx)

	// Initialize handlers
	checks := map[string]handler.Checker{"database": db.Ping}
	if appCache.Available() {
		checks["cache"] = appCache.Health
	}
	if natsClient != nil {
		checks["nats"] = natsClient.Health
	}
	healthHandler := handler.NewHealthHandler(checks, log)
	chatHandler := handler.NewChatHandler(chatSvc, log)
	conversationHandler := handler.NewConversationHandler(conversationSvc, log)
	authHandler := handler.NewAuthHandler(authSvc, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))
	r.Use(middleware.BurstLimit(cfg.RateLimitBurst, cfg.RateLimitWindow))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireJSON)
		r.Use(middleware.MaxBodySize(maxRequestBody))

		r.Route("/auth", func(r chi.Router) {
			r.With(middleware.RateLimit(limiter, ratelimit.ScopeAuth)).Post("/register", authHandler.Register)
			r.With(middleware.RateLimit(limiter, ratelimit.ScopeAuth)).Post("/login", authHandler.Login)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Auth(cfg.JWTSecret))
				r.Use(middleware.RateLimit(limiter, ratelimit.ScopeGeneral))
				r.Get("/me", authHandler.Me)
				r.Post("/refresh", authHandler.Refresh)
			})
		})

		r.Route("/chat", func(r chi.Router) {
			r.Use(middleware.Auth(cfg.JWTSecret))

			r.With(middleware.RateLimit(limiter, ratelimit.ScopeChat)).Post("/stream", chatHandler.Stream)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RateLimit(limiter, ratelimit.ScopeGeneral))

				r.Get("/history", conversationHandler.History)
				r.Get("/models", conversationHandler.Models)
				r.Get("/methods", conversationHandler.Methods)
				r.Delete("/conversations", conversationHandler.DeleteAll)

				r.Route("/conversation/{id}", func(r chi.Router) {
					r.Get("/", conversationHandler.Get)
					r.Delete("/", conversationHandler.Delete)
					r.Patch("/rename", conversationHandler.Rename)
				})
			})
		})
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      otelhttp.NewHandler(r, "sentiment-chat"),
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	// Let post-turn cache and event work finish before connections close.
	if err := pool.Shutdown(shutdownCtx); err != nil {
		log.Warn("background tasks abandoned", zap.Error(err))
	}

	log.Info("server stopped")
}

// openStore connects to PostgreSQL, or falls back to the in-memory store when
// no database is configured outside production.
func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) store.Store {
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set, using in-memory store")
		return store.NewMemoryStore()
	}

	pg, err := store.Connect(ctx, cfg.DatabaseURL, store.ConnectOptions{
		MaxConns: int32(cfg.DBMaxConns),
		Retries:  cfg.DBConnectRetries,
	}, log)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}

	if cfg.DBMigrateOnStart {
		if err := pg.Migrate(ctx); err != nil {
			log.Fatal("failed to apply schema", zap.Error(err))
		}
		log.Info("database schema applied")
	}
	return pg
}

func openAdapters(cfg *config.Config, log *logger.Logger) []llm.Adapter {
	var adapters []llm.Adapter

	if cfg.OpenAIAPIKey != "" {
		a, err := llm.NewOpenAIAdapter(cfg.OpenAIAPIKey)
		if err != nil {
			log.Warn("failed to create OpenAI adapter", zap.Error(err))
		} else {
			adapters = append(adapters, a)
		}
	}
	if cfg.AnthropicAPIKey != "" {
		a, err := llm.NewAnthropicAdapter(cfg.AnthropicAPIKey)
		if err != nil {
			log.Warn("failed to create Anthropic adapter", zap.Error(err))
		} else {
			adapters = append(adapters, a)
		}
	}
	return adapters
}
