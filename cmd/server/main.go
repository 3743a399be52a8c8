// Medivio - medical image and clinical note analysis server
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/medivio/internal/analysis"
	"github.com/ashureev/medivio/internal/api"
	"github.com/ashureev/medivio/internal/auth"
	"github.com/ashureev/medivio/internal/chat"
	"github.com/ashureev/medivio/internal/config"
	"github.com/ashureev/medivio/internal/events"
	"github.com/ashureev/medivio/internal/history"
	"github.com/ashureev/medivio/internal/identity"
	"github.com/ashureev/medivio/internal/middleware"
	"github.com/ashureev/medivio/internal/pages"
	"github.com/ashureev/medivio/internal/pipeline"
	"github.com/ashureev/medivio/internal/session"
	"github.com/ashureev/medivio/internal/store"
	"github.com/ashureev/medivio/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

const sessionSweepInterval = time.Minute

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		if errors.Is(err, config.ErrMissingAPIKey) {
			fmt.Fprintln(os.Stderr, config.ErrMissingAPIKey.Error())
		}
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "model", cfg.ModelName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	model, err := analysis.NewGeminiModel(ctx, cfg.GoogleAPIKey, cfg.ModelName)
	if err != nil {
		slog.Error("Failed to initialize model client", "error", err)
		os.Exit(1)
	}

	conversationLogger, err := analysis.NewConversationLogger(analysis.ConversationLogConfig{
		Enabled:   cfg.ConversationLog.Enabled,
		Dir:       cfg.ConversationLog.Dir,
		QueueSize: cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := conversationLogger.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	hasher, err := auth.NewHasher(cfg.PasswordScheme)
	if err != nil {
		slog.Error("Failed to initialize password hasher", "error", err)
		os.Exit(1)
	}

	var limiter middleware.Limiter
	if cfg.RedisAddr != "" {
		redisLimiter, err := middleware.NewRedisLimiter(ctx, cfg.RedisAddr, cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
		if err != nil {
			slog.Warn("Redis unavailable, falling back to in-memory rate limiting", "error", err)
		} else {
			defer func() { _ = redisLimiter.Close() }()
			limiter = redisLimiter
		}
	}
	if limiter == nil {
		limiter = middleware.NewRateLimiter(ctx, cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	}

	publisher := events.New(cfg.AMQPURL)
	if cfg.AMQPURL != "" {
		slog.Info("Publishing analysis events", "queue", events.AnalysisCompletedQueue)
	}

	// Initialize services.
	sessions := session.NewManager()
	registry := chat.NewRegistry()
	issuer, err := identity.NewIssuer(cfg.SessionSecret, cfg.SessionTTL, cfg.CookieSecure)
	if err != nil {
		slog.Error("Failed to initialize session cookies", "error", err)
		os.Exit(1)
	}

	authService := auth.NewService(repo, hasher)
	historyService := history.NewService(repo, cfg.HistoryLimit, cfg.SummaryMaxLen)
	client := analysis.NewClient(model, cfg.ModelTimeout)
	flow := pipeline.New(client, historyService, publisher, conversationLogger)

	// Initialize handlers.
	healthHandler := api.NewHealthHandler(repo, sessions.Len)
	pageHandler, err := pages.NewHandler(authService, historyService, flow, registry, cfg.MaxUploadBytes)
	if err != nil {
		slog.Error("Failed to initialize page handler", "error", err)
		os.Exit(1)
	}
	chatHandler := chat.NewHandler(flow, registry, limiter)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/static/*", web.StaticHandler())

	// Session-bound routes.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(sessions, issuer))
		pageHandler.Routes(r, limiter)
		r.Get("/ws/chat", chatHandler.ServeHTTP)
	})

	// Create server.
	// Note: chat WebSockets are long-lived and uploads may be large, so only
	// headers are bounded. Model calls carry their own timeout.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 30 * time.Second,
		WriteTimeout:      0,                 // 0 = no timeout for WebSocket support
		IdleTimeout:       120 * time.Second, // 2 minutes for idle connections
	}

	// Start TTL worker.
	session.StartTTLWorker(ctx, sessions, sessionSweepInterval, cfg.SessionTTL, func(sessionID string) {
		registry.CloseSession(sessionID)
		flow.EndSession(sessionID)
	})

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
