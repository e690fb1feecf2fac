// Package main tests for the inspector CLI.
package main

import (
	"strings"
	"testing"

	"github.com/peatedapp/peated-core/internal/config"
)

func TestVersionSet(t *testing.T) {
	if Version == "" {
		t.Error("Version should not be empty")
	}
}

// TestRun_statusOnFreshStore verifies the default command brings up an
// empty store without errors.
func TestRun_statusOnFreshStore(t *testing.T) {
	cfg := config.Default()
	cfg.Store.DataDir = t.TempDir()

	if err := run(cfg, "status"); err != nil {
		t.Fatalf("run(status) error = %v", err)
	}
}

// TestRun_queueCommands verifies the repair commands succeed on an
// empty queue.
func TestRun_queueCommands(t *testing.T) {
	cfg := config.Default()
	cfg.Store.DataDir = t.TempDir()

	for _, command := range []string{"failed", "retry", "purge", "sweep"} {
		if err := run(cfg, command); err != nil {
			t.Errorf("run(%s) error = %v", command, err)
		}
	}
}

// TestRun_unknownCommand verifies bad input is reported, not ignored.
func TestRun_unknownCommand(t *testing.T) {
	cfg := config.Default()
	cfg.Store.DataDir = t.TempDir()

	err := run(cfg, "bogus")
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("run(bogus) error = %v, want unknown command", err)
	}
}
