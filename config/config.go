// Package config loads the trinityd service configuration.
//
// Precedence: built-in defaults, then the YAML file, then TRINITY_* named
// environment variables.
package config

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/subtract0/trinity"
	"github.com/subtract0/trinity/store"
)

// Config is the complete trinityd configuration.
type Config struct {
	// Log configures the zap logger.
	Log LogConfig `yaml:"log"`

	// Metrics configures the prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`

	// Store configures the persistent backend.
	Store store.Config `yaml:"store"`

	// Core configures the orchestrator and its components.
	Core trinity.Config `yaml:"core"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level"`

	// Format: json or console.
	Format string `yaml:"format"`
}

// MetricsConfig configures the metrics endpoint.
type MetricsConfig struct {
	// Enabled turns the /metrics listener on.
	Enabled bool `yaml:"enabled"`

	// Addr is the listen address, e.g. ":9090".
	Addr string `yaml:"addr"`

	// Namespace prefixes every metric name.
	Namespace string `yaml:"namespace"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Addr:      ":9090",
			Namespace: "trinity",
		},
		Store: store.DefaultConfig(),
		Core:  trinity.DefaultConfig(),
	}
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format %q", c.Log.Format)
	}
	if c.Core.Budget.DailyLimit <= 0 {
		return fmt.Errorf("daily budget limit must be positive, got %v", c.Core.Budget.DailyLimit)
	}
	if c.Core.HITL.MaxQuestionsPerDay <= 0 {
		return fmt.Errorf("max questions per day must be positive, got %d", c.Core.HITL.MaxQuestionsPerDay)
	}
	if c.Core.Bus.MaxAttempts <= 0 {
		return fmt.Errorf("message max attempts must be positive, got %d", c.Core.Bus.MaxAttempts)
	}
	if c.Core.Bus.LeaseDuration <= 0 {
		return fmt.Errorf("message lease duration must be positive, got %v", c.Core.Bus.LeaseDuration)
	}
	return nil
}

// BuildLogger constructs the zap logger described by the config.
func (c LogConfig) BuildLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}

	var zc zap.Config
	if c.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// parseDuration is a small helper shared by the env override code.
func parseDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}
