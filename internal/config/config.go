// Package config loads serialbridge settings from the environment using koanf.
// Precedence: SERIALBRIDGE_* environment variables, then compiled defaults.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is stripped from variable names before they become config keys,
// so SERIALBRIDGE_LOG_FILE maps to log_file.
const EnvPrefix = "SERIALBRIDGE_"

var ErrInvalidLogLevel = errors.New("invalid log level")

// Config holds all settings. The line settings of the port are fixed and
// deliberately absent.
type Config struct {
	// LogFile receives the JSON diagnostic log. Empty disables logging.
	LogFile  string `koanf:"log_file"`
	LogLevel string `koanf:"log_level"` // "debug", "info", "warn", "error"

	// Trace prints a description of every relayed byte instead of raw
	// port output.
	Trace bool `koanf:"trace"`
}

func defaults() *Config {
	return &Config{
		LogLevel: "info",
	}
}

// Load builds a Config from defaults overlaid with the environment.
func Load() (*Config, error) {
	k := koanf.New(".")
	cfg := defaults()

	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load env vars: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.LogLevel)
	}
}
