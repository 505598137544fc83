package config

import (
	"fmt"
	"time"
)

// Config is the full relay node configuration. One schema serves every
// role; Validate enforces the role-specific requirements. Durations are
// plain seconds so both YAML and environment overrides stay simple.
type Config struct {
	// Role is satellite, queue or master.
	Role string `yaml:"role" json:"role"`

	// NodeName is the human-readable name shown in registry listings.
	NodeName string `yaml:"node_name" json:"node_name"`

	Log      Log      `yaml:"log" json:"log"`
	Listen   Listen   `yaml:"listen" json:"listen"`
	Upstream Upstream `yaml:"upstream" json:"upstream"`
	Buffer   Buffer   `yaml:"buffer" json:"buffer"`
	Database Database `yaml:"database" json:"database"`
	Registry Registry `yaml:"registry" json:"registry"`

	ShutdownTimeoutSeconds int `yaml:"shutdown_timeout_seconds" json:"shutdown_timeout_seconds"`
}

// Log configures the structured logger.
type Log struct {
	Level  string `yaml:"level" json:"level"`
	Pretty bool   `yaml:"pretty" json:"pretty"`
}

// Listen configures the ingestion endpoint (queue and master roles).
type Listen struct {
	Addr       string `yaml:"addr" json:"addr"`
	AdminToken string `yaml:"admin_token" json:"admin_token"`
}

// Upstream configures the forwarder (satellite and queue roles). NodeID
// and Credential come from the one-time provisioning call against the
// downstream endpoint.
type Upstream struct {
	URL        string `yaml:"url" json:"url"`
	NodeID     string `yaml:"node_id" json:"node_id"`
	Credential string `yaml:"credential" json:"credential"`

	TickIntervalSeconds      int `yaml:"tick_interval_seconds" json:"tick_interval_seconds"`
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds" json:"heartbeat_interval_seconds"`
	BackoffBaseSeconds       int `yaml:"backoff_base_seconds" json:"backoff_base_seconds"`
	BackoffMaxSeconds        int `yaml:"backoff_max_seconds" json:"backoff_max_seconds"`
	RequestTimeoutSeconds    int `yaml:"request_timeout_seconds" json:"request_timeout_seconds"`

	BatchMaxCount int   `yaml:"batch_max_count" json:"batch_max_count"`
	BatchMaxBytes int64 `yaml:"batch_max_bytes" json:"batch_max_bytes"`
	GzipMinBytes  int   `yaml:"gzip_min_bytes" json:"gzip_min_bytes"`
}

// Buffer configures the durable event buffer (satellite and queue roles).
type Buffer struct {
	Dir               string `yaml:"dir" json:"dir"`
	MaxBytes          int64  `yaml:"max_bytes" json:"max_bytes"`
	CompactAfterBytes int64  `yaml:"compact_after_bytes" json:"compact_after_bytes"`
	Fsync             bool   `yaml:"fsync" json:"fsync"`
}

// Database configures the registry store and, at the master, the graph
// store. Driver is sqlite3 or postgres.
type Database struct {
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn" json:"dsn"`
}

// Registry configures node provisioning and the health monitor (queue
// and master roles).
type Registry struct {
	Secret                    string `yaml:"secret" json:"secret"`
	StalenessThresholdSeconds int    `yaml:"staleness_threshold_seconds" json:"staleness_threshold_seconds"`
	SweepIntervalSeconds      int    `yaml:"sweep_interval_seconds" json:"sweep_interval_seconds"`
}

// Default returns the configuration defaults; a loaded file overlays
// them field by field.
func Default() Config {
	return Config{
		Role: "satellite",
		Log:  Log{Level: "info"},
		Upstream: Upstream{
			TickIntervalSeconds:      1,
			HeartbeatIntervalSeconds: 10,
			BackoffBaseSeconds:       2,
			BackoffMaxSeconds:        60,
			RequestTimeoutSeconds:    10,
			BatchMaxCount:            256,
			BatchMaxBytes:            1 << 20,
			GzipMinBytes:             4 << 10,
		},
		Buffer: Buffer{
			MaxBytes:          256 << 20,
			CompactAfterBytes: 64 << 20,
			Fsync:             true,
		},
		Database: Database{Driver: "sqlite3"},
		Registry: Registry{
			StalenessThresholdSeconds: 300,
			SweepIntervalSeconds:      30,
		},
		ShutdownTimeoutSeconds: 5,
	}
}

// LoadFile loads path over the defaults and applies RELAY_* environment
// overrides, then validates.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if err := LoadWithEnv(path, "RELAY", &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the cross-field and role-specific requirements.
func (c *Config) Validate() error {
	if err := Validate(c,
		OneOf("Role", "satellite", "queue", "master"),
		RequiredFields("NodeName"),
		RangeValidator("ShutdownTimeoutSeconds", 1, 300),
	); err != nil {
		return err
	}

	hasBuffer := c.Role == "satellite" || c.Role == "queue"
	hasEndpoint := c.Role == "queue" || c.Role == "master"

	if hasBuffer {
		if err := Validate(c,
			RequiredFields("Buffer.Dir", "Upstream.URL", "Upstream.NodeID", "Upstream.Credential"),
			RangeValidator("Upstream.TickIntervalSeconds", 1, 3600),
			RangeValidator("Upstream.HeartbeatIntervalSeconds", 1, 3600),
		); err != nil {
			return err
		}
		if c.Upstream.BackoffMaxSeconds < c.Upstream.BackoffBaseSeconds {
			return fmt.Errorf("upstream backoff_max_seconds %d is below backoff_base_seconds %d",
				c.Upstream.BackoffMaxSeconds, c.Upstream.BackoffBaseSeconds)
		}
	}
	if hasEndpoint {
		if err := Validate(c,
			RequiredFields("Listen.Addr", "Database.DSN"),
			OneOf("Database.Driver", "sqlite3", "postgres"),
			MinLength("Registry.Secret", 16),
			RangeValidator("Registry.StalenessThresholdSeconds", 1, 86400),
			RangeValidator("Registry.SweepIntervalSeconds", 1, 3600),
		); err != nil {
			return err
		}
	}
	return nil
}

// Seconds helpers keep duration plumbing in one place.

func (u Upstream) TickInterval() time.Duration  { return time.Duration(u.TickIntervalSeconds) * time.Second }
func (u Upstream) HeartbeatInterval() time.Duration {
	return time.Duration(u.HeartbeatIntervalSeconds) * time.Second
}
func (u Upstream) BackoffBase() time.Duration { return time.Duration(u.BackoffBaseSeconds) * time.Second }
func (u Upstream) BackoffMax() time.Duration  { return time.Duration(u.BackoffMaxSeconds) * time.Second }
func (u Upstream) RequestTimeout() time.Duration {
	return time.Duration(u.RequestTimeoutSeconds) * time.Second
}

func (r Registry) StalenessThreshold() time.Duration {
	return time.Duration(r.StalenessThresholdSeconds) * time.Second
}
func (r Registry) SweepInterval() time.Duration {
	return time.Duration(r.SweepIntervalSeconds) * time.Second
}

func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}
