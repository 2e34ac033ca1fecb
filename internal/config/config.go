// Package config loads the optional waveclip TOML configuration file.
// Everything has a usable default; the file only overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/waveclip/waveclip/internal/render"
)

// Visual contains presentation parameters. These are configuration, not
// contract: changing them never changes pipeline behavior, only pixels.
type Visual struct {
	BarCount     int    `toml:"bar_count"`
	Accent       string `toml:"accent"`
	TargetPoints int    `toml:"target_points"`
}

// Retry contains attempt and backoff settings.
type Retry struct {
	MaxAttempts           int `toml:"max_attempts"`
	BaseDelayMilliseconds int `toml:"base_delay_ms"`
	AttemptTimeoutSeconds int `toml:"attempt_timeout_seconds"`
}

// Resources contains the pre-attempt guard thresholds that are tunable.
// The free-disk floor is fixed and not configurable.
type Resources struct {
	MemoryCeilingMiB int `toml:"memory_ceiling_mib"`
}

// Logging contains log output settings.
type Logging struct {
	Format string `toml:"format"` // console or json
	Level  string `toml:"level"`  // debug, info, warn, error
}

// Config encapsulates all waveclip settings.
type Config struct {
	Visual    Visual    `toml:"visual"`
	Retry     Retry     `toml:"retry"`
	Resources Resources `toml:"resources"`
	Logging   Logging   `toml:"logging"`
}

const (
	defaultBarCount       = 60
	defaultAccent         = "#30C0FF"
	defaultTargetPoints   = 200
	defaultMaxAttempts    = 3
	defaultBaseDelayMS    = 500
	defaultTimeoutSeconds = 300
	defaultMemoryMiB      = 1024
	defaultLogFormat      = "console"
	defaultLogLevel       = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Visual: Visual{
			BarCount:     defaultBarCount,
			Accent:       defaultAccent,
			TargetPoints: defaultTargetPoints,
		},
		Retry: Retry{
			MaxAttempts:           defaultMaxAttempts,
			BaseDelayMilliseconds: defaultBaseDelayMS,
			AttemptTimeoutSeconds: defaultTimeoutSeconds,
		},
		Resources: Resources{
			MemoryCeilingMiB: defaultMemoryMiB,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}

// DefaultConfigPath returns the conventional config file location.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return filepath.Join(home, ".config", "waveclip", "config.toml"), nil
}

// Load parses and validates the configuration. An empty path selects the
// default location; a missing file at either is not an error and yields
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		p, err := DefaultConfigPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	file, err := os.Open(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// defaults only
	case err != nil:
		return nil, fmt.Errorf("open config: %w", err)
	default:
		defer file.Close()
		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if c.Visual.BarCount < 8 || c.Visual.BarCount > 256 {
		return fmt.Errorf("visual.bar_count %d out of range [8,256]", c.Visual.BarCount)
	}
	if _, err := render.ParseAccentColor(c.Visual.Accent); err != nil {
		return fmt.Errorf("visual.accent: %w", err)
	}
	if c.Visual.TargetPoints < 1 || c.Visual.TargetPoints > 500 {
		return fmt.Errorf("visual.target_points %d out of range [1,500]", c.Visual.TargetPoints)
	}
	if c.Retry.MaxAttempts < 1 || c.Retry.MaxAttempts > 10 {
		return fmt.Errorf("retry.max_attempts %d out of range [1,10]", c.Retry.MaxAttempts)
	}
	if c.Retry.BaseDelayMilliseconds < 1 {
		return fmt.Errorf("retry.base_delay_ms must be positive, got %d", c.Retry.BaseDelayMilliseconds)
	}
	if c.Retry.AttemptTimeoutSeconds < 1 {
		return fmt.Errorf("retry.attempt_timeout_seconds must be positive, got %d", c.Retry.AttemptTimeoutSeconds)
	}
	if c.Resources.MemoryCeilingMiB < 64 {
		return fmt.Errorf("resources.memory_ceiling_mib %d below minimum 64", c.Resources.MemoryCeilingMiB)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format %q: want console or json", c.Logging.Format)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q: want debug, info, warn, or error", c.Logging.Level)
	}
	return nil
}
