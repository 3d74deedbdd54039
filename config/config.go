package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML can carry values like "5s" or
// "250ms" instead of raw nanosecond integers.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"5s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the plain time.Duration value.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// EtcdConfig holds etcd connection settings
type EtcdConfig struct {
	Endpoints   []string `yaml:"endpoints"`
	Prefix      string   `yaml:"prefix"`
	DialTimeout Duration `yaml:"dial_timeout"`
}

// SyncConfig holds channel and timing settings for the sync coordinator.
// Zero durations fall back to the coordinator's built-in defaults.
type SyncConfig struct {
	Channel             string   `yaml:"channel"`
	HeartbeatInterval   Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout    Duration `yaml:"heartbeat_timeout"`
	PurgeAfter          Duration `yaml:"purge_after"`
	TransferLockTimeout Duration `yaml:"transfer_lock_timeout"`
}

// PostgresConfig holds PostgreSQL connection settings for the snapshot
// store. An empty host disables the store.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"` // Use "require" in production
}

// Config is the root configuration structure
type Config struct {
	Version     int            `yaml:"version"`
	ServerID    string         `yaml:"server_id"`
	Enabled     bool           `yaml:"enabled"`
	Etcd        EtcdConfig     `yaml:"etcd"`
	Sync        SyncConfig     `yaml:"sync"`
	Postgres    PostgresConfig `yaml:"postgres"`
	MetricsAddr string         `yaml:"metrics_addr"` // Optional: serve Prometheus metrics when set
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("unsupported config version: %d (expected 1)", c.Version)
	}

	if c.ServerID == "" {
		return fmt.Errorf("server_id is required: the registry identity must be stable across restarts")
	}

	if c.Enabled {
		if len(c.Etcd.Endpoints) == 0 {
			return fmt.Errorf("at least one etcd endpoint is required when sync is enabled")
		}
		if c.Etcd.Prefix == "" {
			return fmt.Errorf("etcd prefix is required when sync is enabled")
		}
	}

	for name, d := range map[string]Duration{
		"etcd.dial_timeout":          c.Etcd.DialTimeout,
		"sync.heartbeat_interval":    c.Sync.HeartbeatInterval,
		"sync.heartbeat_timeout":     c.Sync.HeartbeatTimeout,
		"sync.purge_after":           c.Sync.PurgeAfter,
		"sync.transfer_lock_timeout": c.Sync.TransferLockTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}

	if c.Sync.HeartbeatInterval > 0 && c.Sync.HeartbeatTimeout > 0 &&
		c.Sync.HeartbeatTimeout <= c.Sync.HeartbeatInterval {
		return fmt.Errorf("sync.heartbeat_timeout must be longer than sync.heartbeat_interval")
	}

	if c.HasPostgres() {
		if c.Postgres.Port <= 0 {
			return fmt.Errorf("postgres port must be positive")
		}
		if c.Postgres.User == "" {
			return fmt.Errorf("postgres user is required")
		}
		if c.Postgres.Database == "" {
			return fmt.Errorf("postgres database is required")
		}
	}

	return nil
}

// HasPostgres reports whether a snapshot store is configured.
func (c *Config) HasPostgres() bool {
	return c.Postgres.Host != ""
}

// GetEtcdAddress returns the first etcd endpoint address
func (c *Config) GetEtcdAddress() string {
	if len(c.Etcd.Endpoints) > 0 {
		return c.Etcd.Endpoints[0]
	}
	return ""
}
