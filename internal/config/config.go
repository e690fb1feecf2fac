// Package config loads offline core configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all tunables for the offline core. Zero-config use is the
// norm on device; a config.yaml or PEATED_* environment variables can
// override any field.
type Config struct {
	Store   StoreConfig   `mapstructure:"store"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// StoreConfig holds local store configuration.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// CacheConfig holds feed cache budgets and freshness windows.
type CacheConfig struct {
	GlobalBudgetBytes int64         `mapstructure:"global_budget_bytes"`
	MaxItemsPerFeed   int           `mapstructure:"max_items_per_feed"`
	TruncateFloor     int           `mapstructure:"truncate_floor"`
	PageSize          int           `mapstructure:"page_size"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	ExpireAfter       time.Duration `mapstructure:"expire_after"`
}

// QueueConfig holds retry and expiry policy for queued operations.
type QueueConfig struct {
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxRetries int           `mapstructure:"max_retries"`
	MaxAge     time.Duration `mapstructure:"max_age"`
}

// SyncConfig holds coordinator schedules as cron specs.
type SyncConfig struct {
	DrainSchedule string `mapstructure:"drain_schedule"`
	SweepSchedule string `mapstructure:"sweep_schedule"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			DataDir: "data",
		},
		Cache: CacheConfig{
			GlobalBudgetBytes: 10 * 1024 * 1024,
			MaxItemsPerFeed:   500,
			TruncateFloor:     50,
			PageSize:          25,
			StaleAfter:        2 * time.Minute,
			ExpireAfter:       5 * time.Minute,
		},
		Queue: QueueConfig{
			BaseDelay:  2 * time.Second,
			MaxRetries: 3,
			MaxAge:     7 * 24 * time.Hour,
		},
		Sync: SyncConfig{
			DrainSchedule: "@every 30s",
			SweepSchedule: "@every 1h",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from configDir/config.yaml (if present) and
// PEATED_* environment variables, layered over the defaults. A missing
// config file is not an error.
func Load(configDir string) (*Config, error) {
	cfg := Default()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	if configDir != "" {
		viper.AddConfigPath(configDir)
	}
	viper.AddConfigPath(".")

	// Environment variable overrides, e.g. PEATED_LOGGING_LEVEL=debug
	viper.SetEnvPrefix("PEATED")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks field invariants. Load validates automatically;
// callers constructing a Config by hand should validate before use.
func (c *Config) Validate() error {
	if c.Cache.GlobalBudgetBytes <= 0 {
		return fmt.Errorf("cache.global_budget_bytes must be positive")
	}
	if c.Cache.MaxItemsPerFeed <= 0 {
		return fmt.Errorf("cache.max_items_per_feed must be positive")
	}
	if c.Cache.TruncateFloor <= 0 || c.Cache.TruncateFloor > c.Cache.MaxItemsPerFeed {
		return fmt.Errorf("cache.truncate_floor must be in (0, max_items_per_feed]")
	}
	if c.Cache.PageSize <= 0 {
		return fmt.Errorf("cache.page_size must be positive")
	}
	if c.Cache.StaleAfter <= 0 || c.Cache.ExpireAfter <= c.Cache.StaleAfter {
		return fmt.Errorf("cache freshness windows must satisfy 0 < stale_after < expire_after")
	}
	if c.Queue.BaseDelay <= 0 {
		return fmt.Errorf("queue.base_delay must be positive")
	}
	if c.Queue.MaxRetries < 1 {
		return fmt.Errorf("queue.max_retries must be at least 1")
	}
	if c.Queue.MaxAge <= 0 {
		return fmt.Errorf("queue.max_age must be positive")
	}
	return nil
}
