// Package config loads hadron's runtime configuration from the environment
// and holds the provider/model registries and pipeline defaults that get
// snapshotted into each run.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// EnvPrefix is prepended to every hadron environment variable.
const EnvPrefix = "HADRON_"

// Config is the process-level configuration shared by the controller and
// the worker.
type Config struct {
	PostgresURL string
	RedisURL    string

	AnthropicAPIKey string
	GeminiAPIKey    string

	WorkspaceDir string

	ControllerHost string
	ControllerPort int

	LogLevel string

	// WorkerBinary is the executable the controller spawns per CR.
	WorkerBinary string

	Pipeline PipelineDefaults
}

// Load reads configuration from the environment. Callers are expected to
// have loaded a .env file first (godotenv) when one exists.
func Load() (*Config, error) {
	cfg := &Config{
		PostgresURL:     getenv("POSTGRES_URL", ""),
		RedisURL:        getenv("REDIS_URL", "redis://localhost:6379/0"),
		AnthropicAPIKey: getenv("ANTHROPIC_API_KEY", ""),
		GeminiAPIKey:    getenv("GEMINI_API_KEY", ""),
		WorkspaceDir:    getenv("WORKSPACE_DIR", "/tmp/hadron-workspace"),
		ControllerHost:  getenv("CONTROLLER_HOST", "0.0.0.0"),
		LogLevel:        getenv("LOG_LEVEL", "info"),
		WorkerBinary:    getenv("WORKER_BINARY", "hadron-worker"),
		Pipeline:        DefaultPipeline(),
	}

	port := getenv("CONTROLLER_LISTEN_PORT", "8080")
	p, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("invalid %sCONTROLLER_LISTEN_PORT %q: %w", EnvPrefix, port, err)
	}
	cfg.ControllerPort = p

	if cfg.PostgresURL == "" {
		return nil, fmt.Errorf("%sPOSTGRES_URL is required", EnvPrefix)
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		return v
	}
	return fallback
}

// ListenAddr returns the controller bind address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.ControllerHost, c.ControllerPort)
}
