// Package config loads the service configuration from a YAML file and
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/warp/loyalty-ledger/ledger"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Outbox   OutboxConfig   `yaml:"outbox"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

type DatabaseConfig struct {
	// Driver is "sqlite3" or "pgx".
	Driver        string        `yaml:"driver"`
	DSN           string        `yaml:"dsn"`
	TxTimeout     time.Duration `yaml:"txTimeout"`
	MaxTxAttempts int           `yaml:"maxTxAttempts"`
	MaxOpenConns  int           `yaml:"maxOpenConns"`
}

type LedgerConfig struct {
	AntifraudPolicy string `yaml:"antifraudPolicy"`
	WalletType      string `yaml:"walletType"`
}

type OutboxConfig struct {
	MaxRetries   int           `yaml:"maxRetries"`
	BaseBackoff  time.Duration `yaml:"baseBackoff"`
	MaxBackoff   time.Duration `yaml:"maxBackoff"`
	BatchSize    int           `yaml:"batchSize"`
	PollInterval time.Duration `yaml:"pollInterval"`
	ClaimLease   time.Duration `yaml:"claimLease"`
}

type KafkaConfig struct {
	Brokers     []string `yaml:"brokers"`
	TopicPrefix string   `yaml:"topicPrefix"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:        "sqlite3",
			DSN:           "./data/loyalty.db",
			TxTimeout:     10 * time.Second,
			MaxTxAttempts: 5,
		},
		Ledger: LedgerConfig{
			AntifraudPolicy: string(ledger.BreachAlert),
			WalletType:      string(ledger.WalletPoints),
		},
		Outbox: OutboxConfig{
			MaxRetries:   8,
			BaseBackoff:  5 * time.Second,
			MaxBackoff:   10 * time.Minute,
			BatchSize:    100,
			PollInterval: time.Second,
			ClaimLease:   5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:     []string{"localhost:9092"},
			TopicPrefix: "loyalty",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults and applies environment overrides.
// A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.DSN = v
		if os.Getenv("DB_DRIVER") == "" && (strings.HasPrefix(v, "postgres://") || strings.HasPrefix(v, "postgresql://")) {
			c.Database.Driver = "pgx"
		}
	}
	if v := os.Getenv("DB_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	return nil
}

// Validate rejects configurations the service cannot start with.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "pgx":
	default:
		return fmt.Errorf("database.driver must be sqlite3 or pgx, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	if !ledger.BreachPolicy(c.Ledger.AntifraudPolicy).Valid() {
		return fmt.Errorf("ledger.antifraudPolicy must be alert or block, got %q", c.Ledger.AntifraudPolicy)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Outbox.MaxRetries <= 0 {
		return errors.New("outbox.maxRetries must be positive")
	}
	if c.Outbox.ClaimLease <= 0 {
		return errors.New("outbox.claimLease must be positive")
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// Logger builds the process logger. Pretty switches to console output
// for local runs.
func (l LogConfig) Logger(w io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(l.Level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", l.Level, err)
	}
	if l.Pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}
