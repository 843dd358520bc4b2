// Package config holds twpl's ambient configuration: the default poll
// cadence new locks are constructed with, and the logging setup handed to
// github.com/projecteru2/core/log by an embedding application.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	coretypes "github.com/projecteru2/core/types"
)

// Config holds process-wide twpl defaults.
type Config struct {
	// PollInterval is the default poll cadence new Lock objects are
	// constructed with when the caller doesn't override it per-call.
	PollInterval time.Duration `json:"poll_interval"`
	// CensusCacheWarm controls whether twpl.NewFromConfig pre-warms a new
	// Lock's descriptor cache with one full /proc scan for descriptors on
	// its path, trading that scan at construction for a faster first
	// census. twpl.New never warms the cache.
	CensusCacheWarm bool `json:"census_cache_warm"`
	// Log is passed to log.SetupLog by the embedding application; this
	// package never calls SetupLog itself, so importing it has no
	// implicit global logging side effect.
	Log coretypes.ServerLogConfig `json:"log"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PollInterval:    100 * time.Millisecond,
		CensusCacheWarm: true,
		Log: coretypes.ServerLogConfig{
			Level:      "info",
			MaxSize:    500,
			MaxAge:     28,
			MaxBackups: 3,
		},
	}
}

// LoadConfig loads configuration from a JSON file, falling back to
// defaults for a missing path.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // config path supplied by the embedding application
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	return cfg, nil
}
