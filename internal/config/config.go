// Package config loads engine-wide configuration from YAML, parsed with
// gopkg.in/yaml.v3 — the same library internal/domain uses to decode
// pipeline documents, and the one the teacher repo originally used in
// internal/core/parser.go.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineConfig holds the tunables for the scheduler, agent pool, and
// runner that spec.md leaves as deployment choices (stale thresholds,
// grace periods, buffer sizes).
type EngineConfig struct {
	HeartbeatIntervalSeconds int           `yaml:"heartbeat_interval_seconds"`
	StaleThresholdMultiplier int           `yaml:"stale_threshold_multiplier"`
	DispatchUnacceptedWindow time.Duration `yaml:"-"`
	DispatchUnacceptedWindowSeconds int    `yaml:"dispatch_unaccepted_window_seconds"`
	CancelGraceSeconds       int           `yaml:"cancel_grace_seconds"`
	LogBufferLinesPerStep    int           `yaml:"log_buffer_lines_per_step"`
	EventBusBufferSize       int           `yaml:"event_bus_buffer_size"`
	LedgerPath               string        `yaml:"ledger_path"`
	LogDir                   string        `yaml:"log_dir"`
	KeysDir                  string        `yaml:"keys_dir"`
}

// Default returns sane defaults matching spec.md's recommended values
// (10s heartbeat cadence, 3x stale threshold).
func Default() EngineConfig {
	return EngineConfig{
		HeartbeatIntervalSeconds:       10,
		StaleThresholdMultiplier:       3,
		DispatchUnacceptedWindow:       5 * time.Second,
		DispatchUnacceptedWindowSeconds: 5,
		CancelGraceSeconds:             30,
		LogBufferLinesPerStep:          10000,
		EventBusBufferSize:             256,
		LedgerPath:                     "./ledger.jsonl",
		LogDir:                         "./logs",
		KeysDir:                        "./keys",
	}
}

// StaleThreshold is the duration after which a missed heartbeat marks an
// agent Offline.
func (c EngineConfig) StaleThreshold() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds*c.StaleThresholdMultiplier) * time.Second
}

// Load reads and parses an EngineConfig from a YAML file, filling in
// defaults for zero-valued fields.
func Load(path string) (EngineConfig, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if cfg.DispatchUnacceptedWindowSeconds > 0 {
		cfg.DispatchUnacceptedWindow = time.Duration(cfg.DispatchUnacceptedWindowSeconds) * time.Second
	} else {
		cfg.DispatchUnacceptedWindow = 5 * time.Second
	}
	return cfg, nil
}
