package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/latoulicious/Kiroku/pkg/database"
	"github.com/latoulicious/Kiroku/pkg/replay"
)

// Config wires the daemon: where clips land, where the index lives, and
// the capture settings themselves.
type Config struct {
	// OutputDir is where saved clips are written.
	OutputDir string

	// DatabasePath is the SQLite clip index location.
	DatabasePath string

	// WebhookURL enables Discord notifications when non-empty.
	WebhookURL string

	// MetricsFlushOnSave persists a metrics snapshot after every save.
	MetricsFlushOnSave bool

	// ClipRetention prunes indexed clips older than this. Zero disables.
	ClipRetention time.Duration

	// Replay holds the capture pipeline settings.
	Replay *replay.ReplayConfig
}

// LoadConfig reads the daemon configuration from the environment,
// honoring a .env file when one is present.
func LoadConfig() (*Config, error) {
	// A missing .env file is fine; the environment may be set directly.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg := &Config{
		OutputDir:          "clips",
		DatabasePath:       "kiroku.db",
		MetricsFlushOnSave: true,
		Replay:             replay.DefaultReplayConfig(),
	}

	if dir := os.Getenv("KIROKU_OUTPUT_DIR"); dir != "" {
		cfg.OutputDir = dir
	}
	if path := os.Getenv("KIROKU_DATABASE_PATH"); path != "" {
		cfg.DatabasePath = path
	}
	cfg.WebhookURL = os.Getenv("KIROKU_WEBHOOK_URL")
	if raw := os.Getenv("KIROKU_CLIP_RETENTION"); raw != "" {
		retention, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid KIROKU_CLIP_RETENTION %q: %w", raw, err)
		}
		cfg.ClipRetention = retention
	}

	cfg.Replay.LoadFromEnvironment()
	cfg.Replay.Normalize()
	if err := cfg.Replay.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	return cfg, nil
}

// DatabaseConfig derives the database settings from the daemon config.
func (c *Config) DatabaseConfig() *database.DatabaseConfig {
	dbCfg := database.DefaultDatabaseConfig()
	dbCfg.Path = c.DatabasePath
	dbCfg.ClipRetention = c.ClipRetention
	return dbCfg
}
