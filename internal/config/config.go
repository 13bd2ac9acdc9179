// Package config loads the ledger service configuration from a YAML file with
// environment variable overrides. The file carries defaults checked into the
// deployment; secrets come from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/findermarket/ledger-core/pkg/logger"
)

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig         `yaml:"server"`
	Database DatabaseConfig       `yaml:"database"`
	Redis    RedisConfig          `yaml:"redis"`
	Workers  WorkersConfig        `yaml:"workers"`
	Logging  logger.LoggingConfig `yaml:"logging"`
}

// ServerConfig controls the HTTP edge.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// JWTSecret signs bearer tokens. Environment only; never in the file.
	JWTSecret string `yaml:"-"`
	// APIKeyHash is the bcrypt hash of the service API key.
	APIKeyHash    string  `yaml:"api_key_hash"`
	WebhookSecret string  `yaml:"-"`
	RateLimit     float64 `yaml:"rate_limit"`
	RateBurst     int     `yaml:"rate_burst"`
	AuditFile     string  `yaml:"audit_file"`
}

// DatabaseConfig selects the persistence backend. An empty DSN runs the
// in-memory store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig enables the idempotency cache when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"-"`
	DB       int    `yaml:"db"`
}

// WorkersConfig controls the background services.
type WorkersConfig struct {
	SweepInterval        time.Duration `yaml:"sweep_interval"`
	DistributionSchedule string        `yaml:"distribution_schedule"`
	PayoutRailURL        string        `yaml:"payout_rail_url"`
	PayoutRailKey        string        `yaml:"-"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:      ":8080",
			RateLimit: 50,
			RateBurst: 100,
		},
		Workers: WorkersConfig{
			SweepInterval:        10 * time.Minute,
			DistributionSchedule: "0 0 1 * *",
		},
		Logging: logger.LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads the YAML file at path (missing file falls back to defaults) and
// applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults plus environment.
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.Addr, "LEDGER_ADDR")
	setString(&cfg.Server.JWTSecret, "LEDGER_JWT_SECRET")
	setString(&cfg.Server.APIKeyHash, "LEDGER_API_KEY_HASH")
	setString(&cfg.Server.WebhookSecret, "LEDGER_WEBHOOK_SECRET")
	setString(&cfg.Server.AuditFile, "LEDGER_AUDIT_FILE")
	setString(&cfg.Database.DSN, "DATABASE_URL")
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setString(&cfg.Workers.DistributionSchedule, "LEDGER_DISTRIBUTION_SCHEDULE")
	setString(&cfg.Workers.PayoutRailURL, "PAYOUT_RAIL_URL")
	setString(&cfg.Workers.PayoutRailKey, "PAYOUT_RAIL_API_KEY")
	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.Format, "LOG_FORMAT")

	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}
	if v := os.Getenv("LEDGER_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Workers.SweepInterval = d
		}
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server addr is required")
	}
	if c.Server.JWTSecret == "" && c.Server.APIKeyHash == "" {
		return fmt.Errorf("at least one of LEDGER_JWT_SECRET or api_key_hash is required")
	}
	return nil
}
