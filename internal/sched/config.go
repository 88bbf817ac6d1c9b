package sched

import (
	"os"
	"time"

	yaml "github.com/goccy/go-yaml"
)

// Config mirrors reactord.yaml
type Config struct {
	MaxEvents       int    `yaml:"max_events"`        // 64 (by default)
	MaxTasks        int    `yaml:"max_tasks"`         // 0 = unbounded
	LogLevel        string `yaml:"log_level"`         // info
	LogFormat       string `yaml:"log_format"`        // text or json
	TracePath       string `yaml:"trace_path"`        // CSV dispatch trace, empty = off
	HeartbeatMS     int    `yaml:"heartbeat_ms"`      // 1000 (by default)
	ShutdownGraceMS int    `yaml:"shutdown_grace_ms"` // 2000 (by default)
}

// If the config file is not found, we use default values
func defaultConfig() Config {
	return Config{
		MaxEvents:       64,
		LogLevel:        "info",
		LogFormat:       "text",
		HeartbeatMS:     1000,
		ShutdownGraceMS: 2000,
	}
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config { return defaultConfig() }

// Load reads YAML and overrides defaults; empty path = defaults only
func Load(path string) Config {
	cfg := defaultConfig()

	if path == "" {
		return cfg
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg
	}

	_ = yaml.Unmarshal(data, &cfg)

	// sanity clamps
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = 64
	}
	if cfg.MaxTasks < 0 {
		cfg.MaxTasks = 0
	}
	if cfg.HeartbeatMS <= 0 {
		cfg.HeartbeatMS = 1000
	}
	if cfg.ShutdownGraceMS <= 0 {
		cfg.ShutdownGraceMS = 2000
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}

	return cfg
}

// Heartbeat is HeartbeatMS as a duration.
func (c Config) Heartbeat() time.Duration { return time.Duration(c.HeartbeatMS) * time.Millisecond }

// ShutdownGrace is ShutdownGraceMS as a duration.
func (c Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceMS) * time.Millisecond
}
