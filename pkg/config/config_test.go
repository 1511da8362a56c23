package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestLoadConfigMissingFile verifies that defaults are returned when no file exists
func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Expected no error for missing file, got %v", err)
	}

	if cfg.Viewport.Width != 512 || cfg.Viewport.Height != 512 {
		t.Errorf("Expected default viewport 512x512, got %dx%d", cfg.Viewport.Width, cfg.Viewport.Height)
	}

	if len(cfg.Tools.Bindings) != 4 {
		t.Errorf("Expected 4 default bindings, got %d", len(cfg.Tools.Bindings))
	}
}

// TestSaveAndLoadConfig verifies that a saved configuration loads back unchanged
func TestSaveAndLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Prefetch.Concurrency = 3
	cfg.Loader.HTTPTimeout = 5 * time.Second
	cfg.Segmentation.Opacity = 0.25

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if loaded.Prefetch.Concurrency != 3 {
		t.Errorf("Expected concurrency 3, got %d", loaded.Prefetch.Concurrency)
	}
	if loaded.Loader.HTTPTimeout != 5*time.Second {
		t.Errorf("Expected timeout 5s, got %v", loaded.Loader.HTTPTimeout)
	}
	if loaded.Segmentation.Opacity != 0.25 {
		t.Errorf("Expected opacity 0.25, got %f", loaded.Segmentation.Opacity)
	}
	if loaded.Segmentation.Colors[1] != "#ff0000" {
		t.Errorf("Expected label 1 colour #ff0000, got %q", loaded.Segmentation.Colors[1])
	}
}

// TestLoadConfigOverridesBindings verifies that a YAML binding list replaces the defaults
func TestLoadConfigOverridesBindings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
tools:
  bindings:
    - tool: pan
      channel: primary
prefetch:
  concurrency: 2
`)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if len(cfg.Tools.Bindings) != 1 || cfg.Tools.Bindings[0].Tool != "pan" {
		t.Errorf("Expected a single pan binding, got %+v", cfg.Tools.Bindings)
	}
	if cfg.Viewport.Width != 512 {
		t.Errorf("Expected untouched default width, got %d", cfg.Viewport.Width)
	}
}

// TestLoadConfigInvalid verifies that out of range values are rejected
func TestLoadConfigInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("segmentation:\n  opacity: 2\n"), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	if _, err := LoadConfig(path); err == nil {
		t.Error("Expected an error for opacity 2, got nil")
	}
}
