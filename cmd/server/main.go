// safeops - incident assessment server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/safeops/internal/api"
	"github.com/ashureev/safeops/internal/assessment"
	"github.com/ashureev/safeops/internal/config"
	"github.com/ashureev/safeops/internal/health"
	"github.com/ashureev/safeops/internal/identity"
	"github.com/ashureev/safeops/internal/store"
	"github.com/ashureev/safeops/internal/stream"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
)

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
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	catalog := assessment.DefaultCatalog()
	if cfg.CatalogPath != "" {
		catalog, err = assessment.LoadCatalogFile(cfg.CatalogPath)
		if err != nil {
			slog.Error("Failed to load question catalog", "error", err, "path", cfg.CatalogPath)
			os.Exit(1)
		}
	}
	slog.Info("Question catalog ready", "questions", catalog.Len())

	transcripts, err := assessment.NewTranscriptLogger(assessment.TranscriptLogConfig{
		Enabled:   cfg.TranscriptLog.Enabled,
		Dir:       cfg.TranscriptLog.Dir,
		QueueSize: cfg.TranscriptLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize transcript logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := transcripts.Close(); closeErr != nil {
			slog.Warn("Failed to flush transcript logger", "error", closeErr)
		}
	}()

	hub := stream.NewHub(0, logger)
	defer hub.Close()

	backend := assessment.NewStoreBackend(repo)
	registry := assessment.NewRegistry(assessment.Options{
		Catalog:     catalog,
		Loader:      backend,
		Gateway:     backend,
		Publisher:   hub,
		Transcripts: transcripts,
		Logger:      logger,
		Notifier: assessment.NotifierFunc(func(kind assessment.NotificationKind, text string) {
			slog.Info("Assessment notification", "kind", kind, "text", text)
		}),
		TypingSpeed:   cfg.Assessment.TypingSpeed,
		MessagePause:  cfg.Assessment.MessagePause,
		SubmitTimeout: cfg.Assessment.SubmitTimeout,
	}, cfg.Assessment.SessionTTL)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := registry.CloseAll(closeCtx); err != nil {
			slog.Warn("Assessment sessions still running at shutdown", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize handlers.
	limiter := api.NewRateLimiter(ctx, cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	assessmentHandler := api.NewAssessmentHandler(registry).WithRateLimit(limiter)
	healthHandler := api.NewHealthHandler(repo, registry.Len)
	wsHandler := stream.NewHandler(hub, registry, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", identity.OperatorHeaderName, identity.ScopeHeaderName},
		MaxAge:         300,
	}))

	// Public routes.
	healthHandler.RegisterRoutes(r)

	// Operator routes.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(!cfg.IsDevelopment()))
		assessmentHandler.RegisterRoutes(r)
		r.Get("/ws/assessments/{id}", wsHandler.ServeHTTP)
	})

	// Create server.
	// WebSocket streams stay open, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start session sweeper.
	registry.StartSweeper(ctx, time.Minute)
	slog.Info("Session sweeper started", "session_ttl", cfg.Assessment.SessionTTL)

	if cfg.GRPCHealthAddr != "" {
		healthSrv := health.New(repo, 10*time.Second, logger)
		go func() {
			if err := healthSrv.ListenAndServe(ctx, cfg.GRPCHealthAddr); err != nil {
				slog.Error("gRPC health service failed", "error", err)
			}
		}()
	}

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
