// Package logging tests for logger construction.
package logging

import "testing"

// TestNew_validLevels verifies logger construction for each level.
func TestNew_validLevels(t *testing.T) {
	levels := []string{"debug", "info", "warn", "error"}

	for _, level := range levels {
		t.Run(level, func(t *testing.T) {
			logger, err := New(level, "json")
			if err != nil {
				t.Fatalf("New(%q, json) error = %v", level, err)
			}
			if logger == nil {
				t.Fatal("New() returned nil logger")
			}
		})
	}
}

// TestNew_invalidLevel verifies rejection of unknown levels.
func TestNew_invalidLevel(t *testing.T) {
	_, err := New("loud", "json")
	if err == nil {
		t.Error("New() should reject unknown level")
	}
}

// TestNew_formats verifies both encodings plus the empty default.
func TestNew_formats(t *testing.T) {
	for _, format := range []string{"", "json", "console"} {
		if _, err := New("info", format); err != nil {
			t.Errorf("New(info, %q) error = %v", format, err)
		}
	}

	if _, err := New("info", "xml"); err == nil {
		t.Error("New() should reject unknown format")
	}
}

// TestInit verifies the global logger is replaced.
func TestInit(t *testing.T) {
	prev := Log
	defer func() { Log = prev }()

	if err := Init("debug", "console"); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if Log == prev {
		t.Error("Init() should replace the global logger")
	}
	Sync()
}
