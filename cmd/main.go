package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukepan/chat-rooms-server/internal/api"
	"github.com/dukepan/chat-rooms-server/internal/cache"
	"github.com/dukepan/chat-rooms-server/internal/callback"
	"github.com/dukepan/chat-rooms-server/internal/config"
	"github.com/dukepan/chat-rooms-server/internal/db"
	"github.com/dukepan/chat-rooms-server/internal/observability"
	"github.com/dukepan/chat-rooms-server/internal/persistence"
	"github.com/dukepan/chat-rooms-server/internal/rooms"
	"github.com/dukepan/chat-rooms-server/internal/utils"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize OpenTelemetry
	otelCleanup, err := observability.InitOpenTelemetry("chat-rooms-server", "1.0.0")
	if err != nil {
		log.Fatalf("Failed to initialize OpenTelemetry: %v", err)
	}

	// Initialize structured logger
	logger := utils.NewLogger(cfg.LogLevel)

	// Initialize database
	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal(context.Background(), "Failed to initialize database: %v", err)
	}
	if err := database.Migrate(context.Background()); err != nil {
		logger.Fatal(context.Background(), "Failed to run migrations: %v", err)
	}

	// Initialize presence cache (optional)
	var presence *cache.Cache
	if cfg.RedisURL != "" {
		presence, err = cache.New(cfg.RedisURL)
		if err != nil {
			logger.Fatal(context.Background(), "Failed to initialize cache: %v", err)
		}
	}

	// Initialize callback dispatcher
	dispatcher := callback.NewDispatcher(cfg, logger)
	dispatcher.Start()

	// Initialize room registry
	registry := rooms.NewRegistry(cfg, logger, database, dispatcher)

	// Initialize sync engine
	syncEngine := persistence.NewSyncEngine(database, registry, dispatcher, cfg, logger)
	syncEngine.Start()

	// Setup HTTP router
	server := &http.Server{
		Addr:         cfg.BindAddress,
		Handler:      api.NewServer(cfg, logger, database, presence, registry, syncEngine, dispatcher).Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info(context.Background(), "Starting server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(context.Background(), "Server error: %v", err)
		}
	}()

	// Block until a signal is received
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	gracefulShutdown(context.Background(), logger, server, database, presence, registry, syncEngine, dispatcher, otelCleanup)

	logger.Info(context.Background(), "Application stopped.")
}

// gracefulShutdown handles the graceful shutdown of all components
func gracefulShutdown(ctx context.Context, logger *utils.Logger, server *http.Server, database *db.Database, presence *cache.Cache, registry *rooms.Registry, syncEngine *persistence.SyncEngine, dispatcher *callback.Dispatcher, otelCleanup func(context.Context) error) {
	logger.Info(ctx, "Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// 1. Shut down HTTP server
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "HTTP server shutdown error: %v", err)
	} else {
		logger.Info(ctx, "HTTP server stopped.")
	}

	// 2. Close all rooms; actors flush their writers before exiting
	registry.CloseAll()
	logger.Info(ctx, "Room registry stopped.")

	// 3. Stop sync engine
	syncEngine.Stop()
	logger.Info(ctx, "Sync engine stopped.")

	// 4. Stop callback dispatcher
	dispatcher.Stop()
	logger.Info(ctx, "Callback dispatcher stopped.")

	// 5. Close database connection
	database.Close()
	logger.Info(ctx, "Database connection closed.")

	// 6. Close Redis cache connection
	if err := presence.Close(); err != nil {
		logger.Error(ctx, "Redis cache close error: %v", err)
	}

	// 7. Shutdown OpenTelemetry
	if otelCleanup != nil {
		if err := otelCleanup(shutdownCtx); err != nil {
			logger.Error(ctx, "OpenTelemetry shutdown error: %v", err)
		}
	}

	logger.Info(ctx, "Graceful shutdown complete.")
}
