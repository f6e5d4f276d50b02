package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/draftea/workspace-manager/shared/logger"
	"github.com/draftea/workspace-manager/shared/telemetry"
	"github.com/draftea/workspace-manager/workspace-service/config"
	"github.com/draftea/workspace-manager/workspace-service/handlers"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func main() {
	bootLog := logger.New("workspace-manager", os.Stdout)

	// Load configuration
	cfg, err := config.ReadConfig()
	if err != nil {
		bootLog.WithError(err).Error("failed to load config")
		os.Exit(1)
	}

	// Initialize dependencies
	ctx := context.Background()
	deps, err := config.BuildDependencies(ctx, cfg)
	if err != nil {
		bootLog.WithError(err).Error("failed to build dependencies")
		os.Exit(1)
	}
	log := deps.Logger

	log.Infof("starting service", map[string]interface{}{
		"env":     cfg.Env,
		"port":    cfg.Port,
		"storage": cfg.Storage,
	})

	// Start the engine and job intake
	if err := deps.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start")
		deps.Close()
		os.Exit(1)
	}

	// Setup HTTP router
	router := setupRouter(deps)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("failed to start server")
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server forced to shutdown")
	}

	// In-flight steps checkpoint before the engine stops; unfinished runs resume on
	// the next start
	if err := deps.Close(); err != nil {
		log.WithError(err).Error("error closing dependencies")
	}

	log.Info("stopped")
}

func setupRouter(deps *config.Dependencies) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// Telemetry middleware (inject telemetry into context)
	if deps.Telemetry != nil {
		r.Use(telemetry.Middleware(deps.Telemetry))
	}

	r.Get("/health", handlers.Health)

	// Metrics endpoint for Prometheus
	r.Handle("/metrics", handlers.NewMetricsHandler())

	deps.JobHandlers.RegisterRoutes(r)

	return r
}
