// Package config loads the YAML file shared by operator and device nodes.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverS3       = "s3"
	DriverMemory   = "memory"
)

// Config is the complete node configuration.
type Config struct {
	OwnerID  string        `yaml:"owner_id"`  // empty means user@host
	DeviceID string        `yaml:"device_id"` // device nodes only
	Hub      HubConfig     `yaml:"hub"`
	Store    StoreConfig   `yaml:"store"`
	Locks    LocksConfig   `yaml:"locks"`
	Queue    QueueConfig   `yaml:"queue"`
	Devices  DevicesConfig `yaml:"devices"`
	Audit    AuditConfig   `yaml:"audit"`
}

// HubConfig locates the message hub and tunes the connection.
type HubConfig struct {
	URL               string        `yaml:"url"` // tcp://, ssl://, ws:// or memory://
	TopicPrefix       string        `yaml:"topic_prefix"`
	HealthInterval    time.Duration `yaml:"health_interval"`
	HealthTimeout     time.Duration `yaml:"health_timeout"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectCap      time.Duration `yaml:"reconnect_cap"`
	QoS               byte          `yaml:"qos"`
}

// StoreConfig selects the claim store.
type StoreConfig struct {
	Driver   string         `yaml:"driver"` // postgres, s3, memory
	Postgres PostgresConfig `yaml:"postgres"`
	S3       S3Config       `yaml:"s3"`
}

type PostgresConfig struct {
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"` // prefix of <table>_trip_locks
}

type S3Config struct {
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"` // S3-compatible storage such as MinIO
}

// LocksConfig tunes the trip lock coordinator.
type LocksConfig struct {
	StaleThreshold    time.Duration `yaml:"stale_threshold"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// QueueConfig tunes the scan queue.
type QueueConfig struct {
	Pacing   time.Duration `yaml:"pacing"`
	MaxDepth int           `yaml:"max_depth"` // 0 = unbounded
}

// DevicesConfig limits per-device scan submissions. A zero rate disables limiting.
type DevicesConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// AuditConfig enables the Kafka audit trail when brokers are set.
type AuditConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Default returns a configuration that runs entirely in memory.
func Default() *Config {
	return &Config{
		Hub: HubConfig{
			URL:               "memory://local",
			TopicPrefix:       "tripsync",
			HealthInterval:    30 * time.Second,
			HealthTimeout:     5 * time.Second,
			ReconnectAttempts: 10,
			ReconnectCap:      60 * time.Second,
			QoS:               1,
		},
		Store: StoreConfig{
			Driver:   DriverMemory,
			Postgres: PostgresConfig{Table: "tripsync"},
			S3:       S3Config{Prefix: "trip-locks/"},
		},
		Locks: LocksConfig{
			StaleThreshold:    30 * time.Minute,
			HeartbeatInterval: 2 * time.Minute,
		},
		Queue: QueueConfig{
			Pacing: 500 * time.Millisecond,
		},
		Devices: DevicesConfig{
			RatePerSecond: 2,
			Burst:         5,
		},
		Audit: AuditConfig{
			Topic: "tripsync.audit",
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg = Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate reports every problem found, joined.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Hub.URL == "" {
		errs = append(errs, errors.New("hub.url is required"))
	} else if u, err := url.Parse(cfg.Hub.URL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("hub.url %q must include a scheme and host", cfg.Hub.URL))
	}
	if cfg.Hub.HealthInterval <= 0 || cfg.Hub.HealthTimeout <= 0 {
		errs = append(errs, errors.New("hub health interval and timeout must be positive"))
	}
	if cfg.Hub.HealthTimeout >= cfg.Hub.HealthInterval {
		errs = append(errs, errors.New("hub.health_timeout must be shorter than hub.health_interval"))
	}
	if cfg.Hub.ReconnectAttempts <= 0 {
		errs = append(errs, errors.New("hub.reconnect_attempts must be positive"))
	}
	if cfg.Hub.QoS > 2 {
		errs = append(errs, fmt.Errorf("hub.qos %d must be 0, 1 or 2", cfg.Hub.QoS))
	}

	switch cfg.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if cfg.Store.Postgres.DSN == "" {
			errs = append(errs, errors.New("store.postgres.dsn is required"))
		}
		if cfg.Store.Postgres.Table == "" {
			errs = append(errs, errors.New("store.postgres.table is required"))
		}
	case DriverS3:
		if cfg.Store.S3.Bucket == "" {
			errs = append(errs, errors.New("store.s3.bucket is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q must be one of postgres, s3, memory", cfg.Store.Driver))
	}

	if cfg.Locks.StaleThreshold <= 0 {
		errs = append(errs, errors.New("locks.stale_threshold must be positive"))
	}
	if cfg.Locks.HeartbeatInterval <= 0 || cfg.Locks.HeartbeatInterval >= cfg.Locks.StaleThreshold {
		errs = append(errs, errors.New("locks.heartbeat_interval must be positive and shorter than locks.stale_threshold"))
	}

	if cfg.Queue.Pacing < 0 {
		errs = append(errs, errors.New("queue.pacing must not be negative"))
	}
	if cfg.Queue.MaxDepth < 0 {
		errs = append(errs, errors.New("queue.max_depth must not be negative"))
	}

	if cfg.Devices.RatePerSecond < 0 {
		errs = append(errs, errors.New("devices.rate_per_second must not be negative"))
	}
	if cfg.Devices.RatePerSecond > 0 && cfg.Devices.Burst <= 0 {
		errs = append(errs, errors.New("devices.burst must be positive when rate limiting is enabled"))
	}

	if len(cfg.Audit.Brokers) > 0 && cfg.Audit.Topic == "" {
		errs = append(errs, errors.New("audit.topic is required when brokers are set"))
	}

	return errors.Join(errs...)
}
