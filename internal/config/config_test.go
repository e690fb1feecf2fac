// Package config tests for configuration loading.
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

// TestDefault verifies the built-in values.
func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Cache.GlobalBudgetBytes != 10*1024*1024 {
		t.Errorf("GlobalBudgetBytes = %d, want 10MB", cfg.Cache.GlobalBudgetBytes)
	}
	if cfg.Cache.MaxItemsPerFeed != 500 {
		t.Errorf("MaxItemsPerFeed = %d, want 500", cfg.Cache.MaxItemsPerFeed)
	}
	if cfg.Cache.TruncateFloor != 50 {
		t.Errorf("TruncateFloor = %d, want 50", cfg.Cache.TruncateFloor)
	}
	if cfg.Cache.PageSize != 25 {
		t.Errorf("PageSize = %d, want 25", cfg.Cache.PageSize)
	}
	if cfg.Cache.StaleAfter != 2*time.Minute {
		t.Errorf("StaleAfter = %v, want 2m", cfg.Cache.StaleAfter)
	}
	if cfg.Cache.ExpireAfter != 5*time.Minute {
		t.Errorf("ExpireAfter = %v, want 5m", cfg.Cache.ExpireAfter)
	}
	if cfg.Queue.BaseDelay != 2*time.Second {
		t.Errorf("BaseDelay = %v, want 2s", cfg.Queue.BaseDelay)
	}
	if cfg.Queue.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.Queue.MaxRetries)
	}
	if cfg.Queue.MaxAge != 7*24*time.Hour {
		t.Errorf("MaxAge = %v, want 168h", cfg.Queue.MaxAge)
	}
}

// TestLoad_missingFile verifies defaults are used when no config file exists.
func TestLoad_missingFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Queue.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want default 3", cfg.Queue.MaxRetries)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want default 'info'", cfg.Logging.Level)
	}
}

// TestLoad_fromFile verifies config file values override defaults.
func TestLoad_fromFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	content := []byte("queue:\n  max_retries: 5\n  base_delay: 4s\nlogging:\n  level: debug\n")
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Queue.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5 from file", cfg.Queue.MaxRetries)
	}
	if cfg.Queue.BaseDelay != 4*time.Second {
		t.Errorf("BaseDelay = %v, want 4s from file", cfg.Queue.BaseDelay)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want 'debug' from file", cfg.Logging.Level)
	}

	// Untouched sections keep defaults
	if cfg.Cache.MaxItemsPerFeed != 500 {
		t.Errorf("MaxItemsPerFeed = %d, want default 500", cfg.Cache.MaxItemsPerFeed)
	}
}

// TestLoad_invalidValues verifies validation rejects bad configs.
func TestLoad_invalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"zero budget", "cache:\n  global_budget_bytes: 0\n"},
		{"floor above cap", "cache:\n  truncate_floor: 900\n"},
		{"expire before stale", "cache:\n  stale_after: 10m\n"},
		{"zero retries", "queue:\n  max_retries: 0\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			viper.Reset()
			t.Cleanup(viper.Reset)

			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(tt.content), 0644); err != nil {
				t.Fatalf("write config: %v", err)
			}

			if _, err := Load(dir); err == nil {
				t.Error("Load() should reject invalid config")
			}
		})
	}
}
