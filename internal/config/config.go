// Package config handles loading and validating ledger configuration from
// YAML files. Every tuning knob of the heartbeat, lock and backup protocols
// lives here so all participants of a shared basePath can be pointed at the
// same file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LedgerConfig holds the tuning knobs for a local file-backed ledger.
type LedgerConfig struct {
	// BasePath is the directory holding operation records, backups, locks
	// and sidecar logs. All participants of an operation must share it.
	BasePath string `yaml:"base_path"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatJitter   time.Duration `yaml:"heartbeat_jitter"`
	StaleThreshold    time.Duration `yaml:"stale_threshold"`

	LockTimeout          time.Duration `yaml:"lock_timeout"`
	LockRetryInterval    time.Duration `yaml:"lock_retry_interval"`
	MaxLockRetryInterval time.Duration `yaml:"max_lock_retry_interval"`

	MaxBackups int `yaml:"max_backups"`
}

// ServerConfig holds the ports for the optional observability endpoints
// exposed by long-lived ledger processes.
type ServerConfig struct {
	MetricsPort     int `yaml:"metrics_port"`
	HealthCheckPort int `yaml:"health_check_port"`
}

// Config is the root configuration structure.
type Config struct {
	Ledger LedgerConfig `yaml:"ledger"`
	Server ServerConfig `yaml:"server"`
}

// Default returns a Config populated with the protocol defaults.
func Default() *Config {
	return &Config{
		Ledger: LedgerConfig{
			HeartbeatInterval:    4500 * time.Millisecond,
			HeartbeatJitter:      500 * time.Millisecond,
			StaleThreshold:       15 * time.Second,
			LockTimeout:          2 * time.Second,
			LockRetryInterval:    50 * time.Millisecond,
			MaxLockRetryInterval: 500 * time.Millisecond,
			MaxBackups:           3,
		},
		Server: ServerConfig{
			MetricsPort:     9464,
			HealthCheckPort: 8090,
		},
	}
}

// Load reads and parses the configuration file, filling unset fields with
// defaults and validating the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}
	return cfg, nil
}

// applyDefaults restores defaults for fields zeroed out by the YAML file.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Ledger.HeartbeatInterval <= 0 {
		c.Ledger.HeartbeatInterval = d.Ledger.HeartbeatInterval
	}
	if c.Ledger.HeartbeatJitter < 0 {
		c.Ledger.HeartbeatJitter = d.Ledger.HeartbeatJitter
	}
	if c.Ledger.StaleThreshold <= 0 {
		c.Ledger.StaleThreshold = d.Ledger.StaleThreshold
	}
	if c.Ledger.LockTimeout <= 0 {
		c.Ledger.LockTimeout = d.Ledger.LockTimeout
	}
	if c.Ledger.LockRetryInterval <= 0 {
		c.Ledger.LockRetryInterval = d.Ledger.LockRetryInterval
	}
	if c.Ledger.MaxLockRetryInterval <= 0 {
		c.Ledger.MaxLockRetryInterval = d.Ledger.MaxLockRetryInterval
	}
	if c.Ledger.MaxBackups <= 0 {
		c.Ledger.MaxBackups = d.Ledger.MaxBackups
	}
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	l := &c.Ledger
	if l.BasePath == "" {
		return fmt.Errorf("ledger.base_path is required")
	}
	if l.StaleThreshold <= l.HeartbeatInterval {
		return fmt.Errorf("ledger.stale_threshold (%s) must exceed ledger.heartbeat_interval (%s)",
			l.StaleThreshold, l.HeartbeatInterval)
	}
	if l.LockRetryInterval > l.MaxLockRetryInterval {
		return fmt.Errorf("ledger.lock_retry_interval (%s) must not exceed ledger.max_lock_retry_interval (%s)",
			l.LockRetryInterval, l.MaxLockRetryInterval)
	}
	if l.LockRetryInterval >= l.LockTimeout {
		return fmt.Errorf("ledger.lock_retry_interval (%s) must be below ledger.lock_timeout (%s)",
			l.LockRetryInterval, l.LockTimeout)
	}
	return nil
}
