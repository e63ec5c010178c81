// Hadron worker — executes the pipeline for a single change request and
// exits. The controller spawns one of these per CR.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/hadron-ai/hadron/pkg/config"
	"github.com/hadron-ai/hadron/pkg/worker"
)

func main() {
	crID := flag.String("cr-id", "", "Change request id to process")
	envFile := flag.String("env-file", ".env", "Path to .env file")
	flag.Parse()

	if *crID == "" {
		slog.Error("--cr-id is required")
		os.Exit(1)
	}

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envFile, "error", err)
	}
	setupLogging(os.Getenv(config.EnvPrefix + "LOG_LEVEL"))

	slog.Info("Starting hadron worker", "cr_id", *crID)
	if err := worker.Run(context.Background(), *crID, slog.Default()); err != nil {
		slog.Error("Worker run failed", "cr_id", *crID, "error", err)
		os.Exit(1)
	}
	slog.Info("Worker finished", "cr_id", *crID)
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
