// Package config provides configuration loading and management for mriviewer.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Binding maps one tool to one pointer channel
type Binding struct {
	Tool    string `yaml:"tool"`
	Channel string `yaml:"channel"`
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Viewport parameters
	Viewport struct {
		// Width and Height size the offscreen surface used by the CLI
		Width  int `yaml:"width"`
		Height int `yaml:"height"`

		// Background is the grey level drawn outside the image
		Background uint8 `yaml:"background"`

		// InvertImageTypes lists series image types displayed inverted
		InvertImageTypes []string `yaml:"invertImageTypes"`
	} `yaml:"viewport"`

	// Prefetch parameters
	Prefetch struct {
		// Enabled turns background loading of frames 1..N-1 on
		Enabled bool `yaml:"enabled"`

		// Concurrency bounds the number of frames fetched at once
		Concurrency int `yaml:"concurrency"`
	} `yaml:"prefetch"`

	// Loader parameters
	Loader struct {
		// CacheSize is the number of decoded frames kept in memory
		CacheSize int `yaml:"cacheSize"`

		// HTTPTimeout bounds each networked frame request
		HTTPTimeout time.Duration `yaml:"httpTimeout"`

		// PixelSpacing is assumed for frames without geometry, in mm
		PixelSpacing float64 `yaml:"pixelSpacing"`

		// SliceGap is the distance between consecutive slices in mm for
		// frames without geometry
		SliceGap float64 `yaml:"sliceGap"`
	} `yaml:"loader"`

	// Tools parameters
	Tools struct {
		// Bindings assigns active tools to pointer channels
		Bindings []Binding `yaml:"bindings"`

		// Passive lists tools added to the group without a binding
		Passive []string `yaml:"passive"`
	} `yaml:"tools"`

	// Segmentation parameters
	Segmentation struct {
		// Opacity of labelmap fill, 0..1
		Opacity float64 `yaml:"opacity"`

		// Tolerance is the maximum difference in mm (or direction cosine)
		// accepted between base and mask geometry
		Tolerance float64 `yaml:"tolerance"`

		// Colors maps label values to "#rrggbb" strings
		Colors map[int]string `yaml:"colors"`
	} `yaml:"segmentation"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`

		// SnapshotQuality is the JPEG quality of viewport snapshots
		SnapshotQuality int `yaml:"snapshotQuality"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Viewport.Width = 512
	cfg.Viewport.Height = 512
	cfg.Viewport.InvertImageTypes = []string{"SEG"}

	cfg.Prefetch.Enabled = true
	cfg.Prefetch.Concurrency = runtime.NumCPU()

	cfg.Loader.CacheSize = 256
	cfg.Loader.HTTPTimeout = 20 * time.Second
	cfg.Loader.PixelSpacing = 1.0
	cfg.Loader.SliceGap = 1.0

	// Same layout as the clinical viewer: window/level on the primary button,
	// pan on the wheel button, zoom on the secondary button, scroll on the wheel
	cfg.Tools.Bindings = []Binding{
		{Tool: "window-level", Channel: "primary"},
		{Tool: "pan", Channel: "auxiliary"},
		{Tool: "zoom", Channel: "secondary"},
		{Tool: "stack-scroll", Channel: "wheel"},
	}
	cfg.Tools.Passive = []string{"length", "rectangular-region", "segmentation-display"}

	cfg.Segmentation.Opacity = 0.5
	cfg.Segmentation.Tolerance = 0.01
	cfg.Segmentation.Colors = map[int]string{
		1: "#ff0000",
		2: "#00ff00",
		3: "#0000ff",
		4: "#ffff00",
	}

	cfg.Output.Verbose = false
	cfg.Output.SnapshotQuality = 90

	return cfg
}

// Validate checks ranges that would otherwise fail deep inside the engine
func (c *Config) Validate() error {
	if c.Viewport.Width <= 0 || c.Viewport.Height <= 0 {
		return fmt.Errorf("viewport size must be positive, got %dx%d", c.Viewport.Width, c.Viewport.Height)
	}
	if c.Prefetch.Concurrency < 1 {
		return fmt.Errorf("prefetch concurrency must be at least 1, got %d", c.Prefetch.Concurrency)
	}
	if c.Loader.PixelSpacing <= 0 || c.Loader.SliceGap <= 0 {
		return fmt.Errorf("pixel spacing and slice gap must be positive")
	}
	if c.Segmentation.Opacity < 0 || c.Segmentation.Opacity > 1 {
		return fmt.Errorf("segmentation opacity must be within [0,1], got %f", c.Segmentation.Opacity)
	}
	if c.Segmentation.Tolerance < 0 {
		return fmt.Errorf("segmentation tolerance must not be negative")
	}
	if c.Output.SnapshotQuality < 1 || c.Output.SnapshotQuality > 100 {
		return fmt.Errorf("snapshot quality must be within [1,100], got %d", c.Output.SnapshotQuality)
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
