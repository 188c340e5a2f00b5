// Package config provides configuration loading and management for wsitiler.
// It handles loading configuration from YAML files, environment overrides
// and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when a configuration cannot drive a tiling run
var ErrInvalidConfig = errors.New("invalid configuration")

// Config represents the application configuration loaded from YAML
type Config struct {
	// Input and output locations
	Input struct {
		// Dir is the directory scanned for slides when no explicit file is given
		Dir string `yaml:"dir"`

		// Patterns are the glob patterns matched inside Dir
		Patterns []string `yaml:"patterns"`
	} `yaml:"input"`

	// Tiling parameters
	Tiling struct {
		// TileSize is the nominal tile edge length in pixels
		TileSize int `yaml:"tileSize"`

		// Stride is the distance between the origins of adjacent tiles
		Stride int `yaml:"stride"`

		// LimitBounds clips the grid to the non-empty region of the image
		LimitBounds bool `yaml:"limitBounds"`

		// OnlyFinestLevel restricts tiling to the highest resolution level
		OnlyFinestLevel bool `yaml:"onlyFinestLevel"`
	} `yaml:"tiling"`

	// Background rejection parameters
	Filter struct {
		// Reject enables the background filter
		Reject bool `yaml:"reject"`

		// Threshold is the intensity above which a pixel counts as background; increase it to reject more
		Threshold int `yaml:"threshold"`

		// MaxForegroundArea is the bright area in pixels at which a tile is rejected.
		// Zero means half of TileSize squared.
		MaxForegroundArea float64 `yaml:"maxForegroundArea"`
	} `yaml:"filter"`

	// Output parameters
	Output struct {
		// Dir is the root of the tile output tree
		Dir string `yaml:"dir"`

		// Format is the tile image format (png or jpeg)
		Format string `yaml:"format"`

		// Quality is the JPEG encode quality
		Quality int `yaml:"quality"`

		// Rotate writes 90, 180 and 270 degree variants of accepted tiles
		Rotate bool `yaml:"rotate"`

		// SaveRejected keeps rejected tiles in a rejected/ directory
		SaveRejected bool `yaml:"saveRejected"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`

	// Processing parameters
	Processing struct {
		// NumWorkers specifies how many tile workers run in parallel
		NumWorkers int `yaml:"numWorkers"`

		// MetricsAddr is the listen address of the metrics endpoint; empty disables it
		MetricsAddr string `yaml:"metricsAddr"`
	} `yaml:"processing"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Input.Dir = "."
	cfg.Input.Patterns = []string{"*.svs", "*.tif", "*.tiff", "*.png", "*.jpg"}

	cfg.Tiling.TileSize = 224
	cfg.Tiling.Stride = 224
	cfg.Tiling.LimitBounds = true
	cfg.Tiling.OnlyFinestLevel = true

	cfg.Filter.Reject = true
	cfg.Filter.Threshold = 200

	cfg.Output.Dir = "tiles"
	cfg.Output.Format = "png"
	cfg.Output.Quality = 100
	cfg.Output.Rotate = false
	cfg.Output.SaveRejected = false
	cfg.Output.Verbose = true

	cfg.Processing.NumWorkers = runtime.NumCPU() // Use all available cores by default

	return cfg
}

// Overlap returns the number of pixels shared between neighbouring tiles
func (c *Config) Overlap() int {
	return c.Tiling.TileSize - c.Tiling.Stride
}

// UsableTileSize returns the unique content edge length of a tile
func (c *Config) UsableTileSize() int {
	return c.Tiling.TileSize - 2*c.Overlap()
}

// ForegroundLimit returns the effective maximum foreground area of an accepted tile
func (c *Config) ForegroundLimit() float64 {
	if c.Filter.MaxForegroundArea > 0 {
		return c.Filter.MaxForegroundArea
	}
	return float64(c.Tiling.TileSize*c.Tiling.TileSize) / 2
}

// Extension returns the file extension for the configured output format
func (c *Config) Extension() string {
	switch strings.ToLower(c.Output.Format) {
	case "jpeg", "jpg":
		return "jpeg"
	default:
		return strings.ToLower(c.Output.Format)
	}
}

// Validate checks that the configuration describes a runnable tiling job
func (c *Config) Validate() error {
	if c.Tiling.TileSize <= 0 {
		return fmt.Errorf("%w: tile size must be positive, got %d", ErrInvalidConfig, c.Tiling.TileSize)
	}
	if c.Tiling.Stride <= 0 || c.Tiling.Stride > c.Tiling.TileSize {
		return fmt.Errorf("%w: stride must be in (0, %d], got %d", ErrInvalidConfig, c.Tiling.TileSize, c.Tiling.Stride)
	}
	if c.UsableTileSize() <= 0 {
		return fmt.Errorf("%w: tile size %d with stride %d leaves no unique content (overlap %d)",
			ErrInvalidConfig, c.Tiling.TileSize, c.Tiling.Stride, c.Overlap())
	}
	switch c.Extension() {
	case "png", "jpeg":
	default:
		return fmt.Errorf("%w: unsupported output format %q", ErrInvalidConfig, c.Output.Format)
	}
	if c.Output.Quality < 1 || c.Output.Quality > 100 {
		return fmt.Errorf("%w: quality must be in [1, 100], got %d", ErrInvalidConfig, c.Output.Quality)
	}
	if c.Filter.Threshold < 0 || c.Filter.Threshold > 255 {
		return fmt.Errorf("%w: threshold must be in [0, 255], got %d", ErrInvalidConfig, c.Filter.Threshold)
	}
	if c.Filter.MaxForegroundArea < 0 {
		return fmt.Errorf("%w: max foreground area must not be negative", ErrInvalidConfig)
	}
	if c.Processing.NumWorkers < 1 {
		return fmt.Errorf("%w: at least one worker is required, got %d", ErrInvalidConfig, c.Processing.NumWorkers)
	}
	if c.Output.Dir == "" {
		return fmt.Errorf("%w: output directory is required", ErrInvalidConfig)
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
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

// CreateDefaultConfigFile writes the default configuration to configPath
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}

// EnvPrefix prefixes every environment variable read by ApplyEnv
const EnvPrefix = "WSITILER_"

// ApplyEnv overrides configuration values from WSITILER_* variables.
// lookup is usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	ints := map[string]*int{
		"TILE_SIZE":   &c.Tiling.TileSize,
		"STRIDE":      &c.Tiling.Stride,
		"THRESHOLD":   &c.Filter.Threshold,
		"QUALITY":     &c.Output.Quality,
		"NUM_WORKERS": &c.Processing.NumWorkers,
	}
	for key, dst := range ints {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s%s=%q is not an integer", ErrInvalidConfig, EnvPrefix, key, v)
		}
		*dst = n
	}

	bools := map[string]*bool{
		"LIMIT_BOUNDS":  &c.Tiling.LimitBounds,
		"ONLY_FINEST":   &c.Tiling.OnlyFinestLevel,
		"REJECT":        &c.Filter.Reject,
		"ROTATE":        &c.Output.Rotate,
		"SAVE_REJECTED": &c.Output.SaveRejected,
		"VERBOSE":       &c.Output.Verbose,
	}
	for key, dst := range bools {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %s%s=%q is not a boolean", ErrInvalidConfig, EnvPrefix, key, v)
		}
		*dst = b
	}

	strs := map[string]*string{
		"INPUT_DIR":    &c.Input.Dir,
		"OUTPUT_DIR":   &c.Output.Dir,
		"FORMAT":       &c.Output.Format,
		"METRICS_ADDR": &c.Processing.MetricsAddr,
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup(EnvPrefix + "MAX_FOREGROUND_AREA"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: %sMAX_FOREGROUND_AREA=%q is not a number", ErrInvalidConfig, EnvPrefix, v)
		}
		c.Filter.MaxForegroundArea = f
	}

	return nil
}
