package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "backend: memory\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Backend)
	assert.Equal(t, int64(100), cfg.SnapshotInterval)
	assert.Equal(t, 100, cfg.Migration.BatchSize)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.Cache.Build().DefaultTTL)
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
backend: postgres
snapshot_interval: 50
log_level: debug
postgres:
  host: db.internal
  port: 5433
  database: events
  user: cqrs
  schema: event_store
  max_open_conns: 40
  conn_max_lifetime_sec: 120
kafka:
  brokers: ["kafka-1:9092", "kafka-2:9092"]
  topic: events
  group_id: projections
cache:
  default_ttl_ms: 10000
  ttl_overrides_ms:
    GetOrder: 2000
rate_limit: 500
retry:
  max_retries: 5
  base_delay_ms: 100
migration:
  batch_size: 250
  stop_on_error: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Backend)
	assert.Equal(t, int64(50), cfg.SnapshotInterval)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 500, cfg.RateLimit)
	assert.Equal(t, 250, cfg.Migration.BatchSize)
	assert.True(t, cfg.Migration.StopOnError)

	pg := cfg.Postgres.Build()
	assert.Equal(t, "db.internal", pg.Host)
	assert.Equal(t, 5433, pg.Port)
	assert.Equal(t, 40, pg.MaxOpenConns)
	assert.Equal(t, 2*time.Minute, pg.ConnMaxLifetime)

	cache := cfg.Cache.Build()
	assert.Equal(t, 10*time.Second, cache.DefaultTTL)
	assert.Equal(t, 2*time.Second, cache.TTLOverrides["GetOrder"])

	retry := cfg.Retry.Build()
	assert.Equal(t, 5, retry.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, retry.BaseDelay)
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	path := writeConfig(t, "backend: cassandra\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown value")
}

func TestValidateRequiresPostgresFields(t *testing.T) {
	path := writeConfig(t, "backend: postgres\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres.host is required")
	assert.Contains(t, err.Error(), "postgres.database is required")
}

func TestValidateKafkaTopicRequired(t *testing.T) {
	path := writeConfig(t, `
backend: memory
kafka:
  brokers: ["kafka:9092"]
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kafka.topic is required")
}

func TestLoaderReload(t *testing.T) {
	path := writeConfig(t, "backend: memory\nsnapshot_interval: 10\n")
	loader, err := NewLoader(path, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(10), loader.Config().SnapshotInterval)

	var seen *Config
	loader.OnChange(func(cfg *Config) { seen = cfg })

	require.NoError(t, os.WriteFile(path, []byte("backend: memory\nsnapshot_interval: 20\n"), 0o644))
	cfg, err := loader.Reload()
	require.NoError(t, err)
	assert.Equal(t, int64(20), cfg.SnapshotInterval)
	require.NotNil(t, seen)
	assert.Equal(t, int64(20), seen.SnapshotInterval)

	// A broken rewrite keeps the old config.
	require.NoError(t, os.WriteFile(path, []byte("backend: bogus\n"), 0o644))
	_, err = loader.Reload()
	require.Error(t, err)
	assert.Equal(t, int64(20), loader.Config().SnapshotInterval)
}
