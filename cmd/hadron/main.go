// Hadron controller — accepts change requests over HTTP, persists run
// records, spawns one pipeline worker per CR, and serves the event stream.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/hadron-ai/hadron/pkg/api"
	"github.com/hadron-ai/hadron/pkg/config"
	"github.com/hadron-ai/hadron/pkg/database"
	"github.com/hadron-ai/hadron/pkg/events"
	"github.com/hadron-ai/hadron/pkg/interventions"
	"github.com/hadron-ai/hadron/pkg/spawner"
)

const shutdownTimeout = 10 * time.Second

func main() {
	envFile := flag.String("env-file", ".env", "Path to .env file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel)
	slog.Info("Starting hadron controller", "addr", cfg.ListenAddr(), "workspace", cfg.WorkspaceDir)

	ctx := context.Background()

	// 2. PostgreSQL (runs migrations)
	db, err := database.NewClient(ctx, database.DefaultConfig(cfg.PostgresURL))
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	store := database.NewRunStore(db)
	slog.Info("Connected to PostgreSQL")

	// 3. Redis
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("Invalid redis url", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opts)
	defer func() {
		if err := rdb.Close(); err != nil {
			slog.Error("Error closing redis client", "error", err)
		}
	}()
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("Failed to connect to redis", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to Redis")

	// 4. Shared services
	bus := events.NewBus(rdb)
	ivm := interventions.NewManager(rdb)
	workerSpawner := spawner.NewSubprocessSpawner(cfg.WorkerBinary, ivm, slog.Default())

	// 5. HTTP server
	srv := api.NewServer(api.Deps{
		Store:         store,
		Bus:           bus,
		Interventions: ivm,
		Spawner:       workerSpawner,
		Pipeline:      cfg.Pipeline,
		CheckPostgres: func(ctx context.Context) error { return database.Health(ctx, db.DB()) },
		CheckRedis:    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		Log:           slog.Default(),
	})
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: srv.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 6. Wait for shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Shutting down", "signal", sig.String())
	case err := <-errCh:
		slog.Error("HTTP server error", "error", err)
		os.Exit(1)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	slog.Info("Controller stopped")
}

func setupLogging(level string) {
	var lv slog.Level
	switch level {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})))
}
