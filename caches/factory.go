// Package caches wires the cache tiers together: a SQLite durable store, a
// Redis volatile projection, and the categorized dual-tier cache over both.
package caches

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/saladjay/ChatCoachService-sub000/caches/categorized"
	"github.com/saladjay/ChatCoachService-sub000/caches/redis"
	"github.com/saladjay/ChatCoachService-sub000/caches/sqlite"
)

// Config is the full cache configuration as loaded from YAML.
type Config struct {
	Redis  redis.Config       `yaml:"redis"`
	SQLite sqlite.Config      `yaml:"sqlite"`
	Cache  categorized.Config `yaml:"cache"`

	// RecoverOnStart rebuilds the volatile projection from the durable tier
	// at startup, preserving remaining TTLs.
	RecoverOnStart bool `yaml:"recover_on_start"`
}

// DefaultConfig returns sensible defaults for every tier.
func DefaultConfig() Config {
	return Config{
		Redis:          redis.DefaultConfig(),
		SQLite:         sqlite.DefaultConfig(),
		Cache:          categorized.DefaultConfig(),
		RecoverOnStart: true,
	}
}

// LoadConfig reads a YAML config file, applying defaults for absent fields.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path.
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// NewSQLite creates the durable tier.
func NewSQLite(cfg sqlite.Config) (*sqlite.Store, error) {
	return sqlite.New(cfg)
}

// NewRedis creates the volatile tier. Returns an error if the Redis
// connection fails.
func NewRedis(cfg redis.Config) (*redis.Store, error) {
	return redis.New(cfg)
}

// FromConfig builds the dual-tier cache from a full configuration,
// running startup recovery when configured. The returned cache owns both
// tiers; Close releases them.
func FromConfig(ctx context.Context, cfg Config, logger *slog.Logger) (*categorized.Cache, error) {
	durable, err := sqlite.New(cfg.SQLite)
	if err != nil {
		return nil, fmt.Errorf("durable tier: %w", err)
	}

	volatile, err := redis.New(cfg.Redis)
	if err != nil {
		_ = durable.Close()
		return nil, fmt.Errorf("volatile tier: %w", err)
	}

	c := categorized.New(durable, volatile, cfg.Cache, logger)
	if cfg.RecoverOnStart {
		if err := c.RecoverOnStart(ctx); err != nil {
			// Recovery failure leaves a cold projection, not a broken cache.
			if logger != nil {
				logger.Warn("cache recovery failed, starting cold", "error", err)
			}
		}
	}
	return c, nil
}

// FromConfigFile is LoadConfig followed by FromConfig.
func FromConfigFile(ctx context.Context, path string, logger *slog.Logger) (*categorized.Cache, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return FromConfig(ctx, cfg, logger)
}

// Re-export config types for convenience.
type (
	RedisConfig       = redis.Config
	SQLiteConfig      = sqlite.Config
	CategorizedConfig = categorized.Config
)
