// Funnel relay - WhatsApp sales funnel webhook server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ashureev/funnel-relay/internal/api"
	"github.com/ashureev/funnel-relay/internal/app"
	"github.com/ashureev/funnel-relay/internal/config"
	"github.com/ashureev/funnel-relay/internal/middleware"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
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

	slog.Info("Starting server", "port", cfg.Port, "assets_driver", cfg.Assets.Driver, "classifier", cfg.OpenAI.ClassifierMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		slog.Error("Failed to initialize application", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			slog.Error("Failed to close application", "error", closeErr)
		}
	}()
	slog.Info("Funnel loaded", "steps", len(a.Definition.Steps), "start_step", a.Definition.StartStep, "max_burst", a.Graph.MaxBurst())

	// Initialize handlers.
	healthHandler := api.NewHealthHandler(a.Repo)
	webhookHandler := api.NewWebhookHandler(a.Orchestrator, api.WebhookConfig{
		VerifyToken: cfg.WhatsApp.VerifyToken,
		AppSecret:   cfg.WhatsApp.AppSecret,
		Timeout:     cfg.ProcessingTimeout,
	}, logger)
	limiter := api.NewRateLimiter(30, time.Minute)
	defer limiter.Close()
	opsHandler := api.NewOpsHandler(a.Repo, a.Dispatcher, a.Uploader, limiter, logger)

	if cfg.WhatsApp.AppSecret == "" {
		slog.Warn("WHATSAPP_APP_SECRET not set, webhook signatures are not verified")
	}

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Public routes.
	healthHandler.RegisterHealth(r)
	webhookHandler.RegisterRoutes(r)
	r.Handle("/metrics", a.Metrics.Handler())
	if a.LocalAssets != nil && cfg.Assets.PublicBaseURL != "" {
		prefix := assetsMountPath(cfg.Assets.PublicBaseURL)
		r.Mount(prefix, http.StripPrefix(prefix, a.LocalAssets.Handler()))
	}

	// Operator routes.
	if cfg.OperatorToken != "" {
		opsHandler.RegisterRoutes(r, middleware.OperatorAuth(cfg.OperatorToken))
	} else {
		slog.Warn("OPERATOR_TOKEN not set, operator API disabled")
	}

	// WriteTimeout must cover a full burst with pacing and retries.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.ProcessingTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start media handle refresher.
	if cfg.Media.RefreshInterval > 0 {
		a.Refresher.Start(ctx, cfg.Media.RefreshInterval)
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

// assetsMountPath returns the path component of the public assets URL,
// where signed links point.
func assetsMountPath(publicURL string) string {
	u, err := url.Parse(publicURL)
	if err != nil || strings.Trim(u.Path, "/") == "" {
		return "/assets"
	}
	return "/" + strings.Trim(u.Path, "/")
}
