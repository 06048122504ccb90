package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{"DATABASE_URL", "DB_DRIVER", "PORT", "KAFKA_BROKERS", "LOG_LEVEL"} {
		t.Setenv(k, "")
	}
}

func TestLoad_MissingFile_UsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
database:
  driver: pgx
  dsn: postgres://loyalty@db/loyalty
ledger:
  antifraudPolicy: block
outbox:
  maxRetries: 3
  baseBackoff: 2s
  claimLease: 90s
kafka:
  brokers: [k1:9092, k2:9092]
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "pgx", cfg.Database.Driver)
	assert.Equal(t, "block", cfg.Ledger.AntifraudPolicy)
	assert.Equal(t, 3, cfg.Outbox.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Outbox.BaseBackoff)
	assert.Equal(t, 10*time.Minute, cfg.Outbox.MaxBackoff, "unset keys keep defaults")
	assert.Equal(t, 90*time.Second, cfg.Outbox.ClaimLease)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://loyalty@db/loyalty")
	t.Setenv("PORT", "7070")
	t.Setenv("KAFKA_BROKERS", "a:1,b:2")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "pgx", cfg.Database.Driver, "postgres URL implies the pgx driver")
	assert.Equal(t, "postgres://loyalty@db/loyalty", cfg.Database.DSN)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.Kafka.Brokers)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_InvalidPort(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "eighty")

	_, err := Load("")
	assert.ErrorContains(t, err, "invalid PORT")
}

func TestLoad_MalformedYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [port"), 0o600))

	_, err := Load(path)
	assert.ErrorContains(t, err, "parse config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"bad driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"empty dsn", func(c *Config) { c.Database.DSN = "" }, "database.dsn"},
		{"bad policy", func(c *Config) { c.Ledger.AntifraudPolicy = "shrug" }, "antifraudPolicy"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"no retries", func(c *Config) { c.Outbox.MaxRetries = 0 }, "maxRetries"},
		{"no claim lease", func(c *Config) { c.Outbox.ClaimLease = 0 }, "claimLease"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.errMsg)
		})
	}
	assert.NoError(t, Default().Validate())
}

func TestLogConfig_Logger(t *testing.T) {
	logger, err := LogConfig{Level: "warn"}.Logger(os.Stderr)
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, logger.GetLevel())

	_, err = LogConfig{Level: "loud"}.Logger(os.Stderr)
	assert.Error(t, err)
}
