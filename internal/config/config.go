package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/example/cqrs-engine/internal/backend"
	"github.com/example/cqrs-engine/internal/commandbus"
	"github.com/example/cqrs-engine/internal/kafka"
	"github.com/example/cqrs-engine/internal/querybus"
)

// Config is the engine configuration. Exactly one backend section is
// active, selected by Backend. Durations are plain integers with the
// unit in the key name.
type Config struct {
	// Backend selects persistence: "memory", "postgres", or "dynamodb".
	Backend string `yaml:"backend"`

	// SnapshotInterval is the number of events between automatic
	// snapshots.
	SnapshotInterval int64 `yaml:"snapshot_interval"`

	Postgres PostgresSettings     `yaml:"postgres"`
	DynamoDB backend.DynamoConfig `yaml:"dynamodb"`

	Kafka     kafka.Config            `yaml:"kafka"`
	Cache     CacheSettings           `yaml:"cache"`
	Retry     RetrySettings           `yaml:"retry"`
	RateLimit int                     `yaml:"rate_limit"`
	Migration backend.MigrationConfig `yaml:"migration"`

	// MetricsAddr exposes prometheus metrics when non-empty, e.g.
	// ":9090".
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel is debug, info, warn, or error.
	LogLevel string `yaml:"log_level"`
}

// PostgresSettings is the YAML shape of the relational backend section.
type PostgresSettings struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Database           string `yaml:"database"`
	User               string `yaml:"user"`
	Password           string `yaml:"password"`
	Schema             string `yaml:"schema"`
	MaxOpenConns       int    `yaml:"max_open_conns"`
	MaxIdleConns       int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeSec int    `yaml:"conn_max_lifetime_sec"`
	ConnectTimeoutSec  int    `yaml:"connect_timeout_sec"`
}

// Build converts the section to the backend's config.
func (p PostgresSettings) Build() backend.PostgresConfig {
	cfg := backend.DefaultPostgresConfig()
	if p.Host != "" {
		cfg.Host = p.Host
	}
	if p.Port != 0 {
		cfg.Port = p.Port
	}
	if p.Database != "" {
		cfg.Database = p.Database
	}
	if p.User != "" {
		cfg.User = p.User
	}
	cfg.Password = p.Password
	if p.Schema != "" {
		cfg.Schema = p.Schema
	}
	if p.MaxOpenConns > 0 {
		cfg.MaxOpenConns = p.MaxOpenConns
	}
	if p.MaxIdleConns > 0 {
		cfg.MaxIdleConns = p.MaxIdleConns
	}
	if p.ConnMaxLifetimeSec > 0 {
		cfg.ConnMaxLifetime = time.Duration(p.ConnMaxLifetimeSec) * time.Second
	}
	if p.ConnectTimeoutSec > 0 {
		cfg.ConnectTimeout = time.Duration(p.ConnectTimeoutSec) * time.Second
	}
	return cfg
}

// CacheSettings is the YAML shape of the query cache section.
type CacheSettings struct {
	DefaultTTLMs   int            `yaml:"default_ttl_ms"`
	TTLOverridesMs map[string]int `yaml:"ttl_overrides_ms"`
	MaxEntries     int            `yaml:"max_entries"`
}

// Build converts the section to the query bus cache config.
func (c CacheSettings) Build() querybus.CacheConfig {
	cfg := querybus.DefaultCacheConfig()
	if c.DefaultTTLMs > 0 {
		cfg.DefaultTTL = time.Duration(c.DefaultTTLMs) * time.Millisecond
	}
	if len(c.TTLOverridesMs) > 0 {
		cfg.TTLOverrides = make(map[string]time.Duration, len(c.TTLOverridesMs))
		for queryType, ms := range c.TTLOverridesMs {
			cfg.TTLOverrides[queryType] = time.Duration(ms) * time.Millisecond
		}
	}
	cfg.MaxEntries = c.MaxEntries
	return cfg
}

// RetrySettings is the YAML shape of the command retry section.
type RetrySettings struct {
	MaxRetries  int  `yaml:"max_retries"`
	BaseDelayMs int  `yaml:"base_delay_ms"`
	MaxDelayMs  int  `yaml:"max_delay_ms"`
	RetryAll    bool `yaml:"retry_all"`
}

// Build converts the section to the command bus retry policy.
func (r RetrySettings) Build() commandbus.RetryPolicy {
	policy := commandbus.DefaultRetryPolicy()
	policy.MaxRetries = r.MaxRetries
	if r.BaseDelayMs > 0 {
		policy.BaseDelay = time.Duration(r.BaseDelayMs) * time.Millisecond
	}
	if r.MaxDelayMs > 0 {
		policy.MaxDelay = time.Duration(r.MaxDelayMs) * time.Millisecond
	}
	policy.RetryAll = r.RetryAll
	return policy
}

// validBackends are the persistence selections Load accepts.
var validBackends = map[string]bool{
	"memory":   true,
	"postgres": true,
	"dynamodb": true,
}

// Default returns the configuration used when no file is given: memory
// backend, default intervals.
func Default() *Config {
	return &Config{
		Backend:          "memory",
		SnapshotInterval: 100,
		DynamoDB:         backend.DefaultDynamoConfig(),
		Retry:            RetrySettings{MaxRetries: commandbus.DefaultRetryPolicy().MaxRetries},
		Migration:        backend.DefaultMigrationConfig(),
		LogLevel:         "info",
	}
}

// Load reads, defaults, and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Backend == "" {
		cfg.Backend = "memory"
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = 100
	}
	if cfg.Migration.BatchSize <= 0 {
		cfg.Migration.BatchSize = backend.DefaultMigrationConfig().BatchSize
	}
	if cfg.Migration.StreamPageSize <= 0 {
		cfg.Migration.StreamPageSize = backend.DefaultMigrationConfig().StreamPageSize
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// Validate checks cross-field consistency.
func Validate(cfg *Config) error {
	var errs []string

	if !validBackends[cfg.Backend] {
		errs = append(errs, fmt.Sprintf("backend: unknown value %q (memory, postgres, dynamodb)", cfg.Backend))
	}
	if cfg.Backend == "postgres" {
		if cfg.Postgres.Host == "" {
			errs = append(errs, "postgres.host is required")
		}
		if cfg.Postgres.Database == "" {
			errs = append(errs, "postgres.database is required")
		}
	}
	if cfg.Backend == "dynamodb" {
		if cfg.DynamoDB.EventsTable == "" {
			errs = append(errs, "dynamodb.events_table is required")
		}
		if cfg.DynamoDB.StreamsTable == "" {
			errs = append(errs, "dynamodb.streams_table is required")
		}
	}
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Topic == "" {
		errs = append(errs, "kafka.topic is required when brokers are set")
	}
	if cfg.RateLimit < 0 {
		errs = append(errs, "rate_limit must not be negative")
	}
	if cfg.Retry.MaxRetries < 0 {
		errs = append(errs, "retry.max_retries must not be negative")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log_level: unknown value %q", cfg.LogLevel))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
