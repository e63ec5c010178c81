package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/hadron-ai/hadron/pkg/agent"
	"github.com/hadron-ai/hadron/pkg/config"
	"github.com/hadron-ai/hadron/pkg/database"
	"github.com/hadron-ai/hadron/pkg/events"
	"github.com/hadron-ai/hadron/pkg/interventions"
	"github.com/hadron-ai/hadron/pkg/pipeline"
	"github.com/hadron-ai/hadron/pkg/worktree"
)

// Run bootstraps the worker process for one CR and executes its pipeline:
// config from the environment, Postgres (with migrations), Redis, git
// workspace, provider backends, then the graph engine. Connections are
// closed on all paths.
func Run(ctx context.Context, crID string, log *slog.Logger) error {
	if crID == "" {
		return fmt.Errorf("cr id is required")
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("cr_id", crID)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	db, err := database.NewClient(ctx, database.DefaultConfig(cfg.PostgresURL))
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			log.Warn("Failed to close database", "error", cerr)
		}
	}()
	store := database.NewRunStore(db)

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	defer func() {
		if cerr := rdb.Close(); cerr != nil {
			log.Warn("Failed to close redis", "error", cerr)
		}
	}()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	bus := events.NewBus(rdb)
	ivm := interventions.NewManager(rdb)

	git, err := worktree.NewManager(cfg.WorkspaceDir, log)
	if err != nil {
		return fmt.Errorf("failed to prepare workspace: %w", err)
	}

	chain, err := buildChain(ctx, cfg, log)
	if err != nil {
		return err
	}

	pipe := pipeline.New(chain, bus, git, ivm, log)
	engine := pipeline.NewEngine(pipe.Graph(), store, log)

	return NewDriver(store, bus, ivm, engine, log).Execute(ctx, crID)
}

// buildChain assembles the provider fallback chain from the configured API
// keys. At least one provider must be available.
func buildChain(ctx context.Context, cfg *config.Config, log *slog.Logger) (*agent.Chain, error) {
	var backends []agent.Backend
	if cfg.AnthropicAPIKey != "" {
		backends = append(backends, agent.NewAnthropicBackend(cfg.AnthropicAPIKey))
	}
	if cfg.GeminiAPIKey != "" {
		gemini, err := agent.NewGeminiBackend(ctx, cfg.GeminiAPIKey)
		if err != nil {
			log.Warn("Failed to initialize gemini backend, continuing without it", "error", err)
		} else {
			backends = append(backends, gemini)
		}
	}
	if len(backends) == 0 {
		return nil, fmt.Errorf("no provider API keys configured (set %sANTHROPIC_API_KEY or %sGEMINI_API_KEY)",
			config.EnvPrefix, config.EnvPrefix)
	}
	return agent.NewChain(cfg.Pipeline.ProviderChain, log, backends...), nil
}
