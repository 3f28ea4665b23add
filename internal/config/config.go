// Package config defines the nftbazaar service configuration and its
// validation rules.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftbazaar/internal/fee"
)

// Config is the root configuration. Values come from Defaults, then the TOML
// file, then BAZAAR_* environment variables.
type Config struct {
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
	Store    StoreConfig    `toml:"store"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Server   ServerConfig   `toml:"server"`
	Auth     AuthConfig     `toml:"auth"`
	Relay    RelayConfig    `toml:"relay"`
	Archive  ArchiveConfig  `toml:"archive"`
	Notify   NotifyConfig   `toml:"notify"`
}

// StoreConfig picks the ledger store backend: "postgres" or "memory".
type StoreConfig struct {
	Backend string `toml:"backend"`
}

// PostgresConfig holds connection parameters.
type PostgresConfig struct {
	DSN             string   `toml:"dsn"`
	Host            string   `toml:"host"`
	Port            int      `toml:"port"`
	Database        string   `toml:"database"`
	User            string   `toml:"user"`
	Password        string   `toml:"password"`
	SSLMode         string   `toml:"ssl_mode"`
	PoolMaxConns    int      `toml:"pool_max_conns"`
	PoolMinConns    int      `toml:"pool_min_conns"`
	MaxConnLifetime duration `toml:"max_conn_lifetime"`
	RunMigrations   bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis parameters. An empty Addr disables Redis, which
// also disables the distributed lock, rate limiting and the replay guard.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// Enabled reports whether a Redis address is configured.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

// S3Config holds object storage parameters for the archive.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// LedgerConfig tunes mutation serialization across replicas.
type LedgerConfig struct {
	LockTTL         duration `toml:"lock_ttl"`
	LockWait        duration `toml:"lock_wait"`
	RefreshInterval duration `toml:"refresh_interval"`
	// Bootstrap initializes an empty marketplace at startup with Admin as
	// administrator and InitialFeeBps as the platform fee. Zero is a valid
	// fee.
	Bootstrap     bool   `toml:"bootstrap"`
	InitialFeeBps uint64 `toml:"initial_fee_bps"`
	Admin         string `toml:"admin"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port         int      `toml:"port"`
	CORSOrigins  []string `toml:"cors_origins"`
	RateLimit    int      `toml:"rate_limit"`
	RateWindow   duration `toml:"rate_window"`
	ReadTimeout  duration `toml:"read_timeout"`
	WriteTimeout duration `toml:"write_timeout"`
}

// AuthConfig controls signed-request verification.
type AuthConfig struct {
	MaxClockSkew duration `toml:"max_clock_skew"`
}

// RelayConfig controls the event outbox publisher.
type RelayConfig struct {
	Enabled   bool     `toml:"enabled"`
	Channel   string   `toml:"channel"`
	Stream    string   `toml:"stream"`
	BatchSize int      `toml:"batch_size"`
	Interval  duration `toml:"interval"`
}

// ArchiveConfig controls copying old history to S3.
type ArchiveConfig struct {
	Enabled   bool     `toml:"enabled"`
	Retention duration `toml:"retention"`
	Interval  duration `toml:"interval"`
	BatchSize int      `toml:"batch_size"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration decodes TOML strings such as "5m".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults matches config.example.toml.
func Defaults() Config {
	return Config{
		Mode:     "serve",
		LogLevel: "info",
		Store:    StoreConfig{Backend: "postgres"},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "bazaar",
			User:            "postgres",
			SSLMode:         "disable",
			PoolMaxConns:    10,
			PoolMinConns:    2,
			MaxConnLifetime: duration{30 * time.Minute},
			RunMigrations:   true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "bazaar:",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "bazaar-archive",
			ForcePathStyle: true,
		},
		Ledger: LedgerConfig{
			LockTTL:         duration{10 * time.Second},
			LockWait:        duration{5 * time.Second},
			RefreshInterval: duration{5 * time.Second},
		},
		Server: ServerConfig{
			Port:         8000,
			CORSOrigins:  []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:    120,
			RateWindow:   duration{time.Minute},
			ReadTimeout:  duration{15 * time.Second},
			WriteTimeout: duration{15 * time.Second},
		},
		Auth: AuthConfig{MaxClockSkew: duration{2 * time.Minute}},
		Relay: RelayConfig{
			Enabled:   true,
			Channel:   "bazaar:events",
			Stream:    "bazaar:events:stream",
			BatchSize: 100,
			Interval:  duration{2 * time.Second},
		},
		Archive: ArchiveConfig{
			Enabled:   false,
			Retention: duration{90 * 24 * time.Hour},
			Interval:  duration{24 * time.Hour},
			BatchSize: 1000,
		},
		Notify: NotifyConfig{
			Events: []string{"ListingSold", "EmergencyDelisting", "PauseToggled", "OwnershipTransferred"},
		},
	}
}

var validModes = map[string]bool{
	"serve":   true,
	"archive": true,
	"migrate": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate returns one error listing every problem found.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		add("unknown mode %q (valid: serve, archive, migrate)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	switch c.Store.Backend {
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				add("postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
			}
			if c.Postgres.Database == "" {
				add("postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			add("postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			add("postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	case "memory":
		if mode == "migrate" {
			add("store: mode migrate needs backend postgres")
		}
	default:
		add("store: unknown backend %q (valid: postgres, memory)", c.Store.Backend)
	}

	if c.Redis.Enabled() && c.Redis.PoolSize < 1 {
		add("redis: pool_size must be >= 1")
	}

	if c.Ledger.LockTTL.Duration <= 0 {
		add("ledger: lock_ttl must be > 0")
	}
	if c.Ledger.LockWait.Duration < 0 {
		add("ledger: lock_wait must be >= 0")
	}
	if c.Ledger.InitialFeeBps > fee.MaxBps {
		add("ledger: initial_fee_bps must be <= %d", fee.MaxBps)
	}
	if c.Ledger.Bootstrap && !common.IsHexAddress(c.Ledger.Admin) {
		add("ledger: admin must be a hex address when bootstrap is set")
	}

	if mode == "serve" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			add("server: port must be 1-65535, got %d", c.Server.Port)
		}
		if c.Server.RateLimit < 0 {
			add("server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			add("server: rate_window must be > 0 when rate_limit is set")
		}
		if c.Auth.MaxClockSkew.Duration <= 0 {
			add("auth: max_clock_skew must be > 0")
		}
	}

	if c.Relay.Enabled {
		if c.Relay.BatchSize < 1 {
			add("relay: batch_size must be >= 1")
		}
		if c.Relay.Interval.Duration <= 0 {
			add("relay: interval must be > 0")
		}
		if c.Relay.Channel == "" && c.Relay.Stream == "" {
			add("relay: channel or stream must be set")
		}
	}

	if c.Archive.Enabled || mode == "archive" {
		if c.S3.Bucket == "" {
			add("s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			add("s3: region must not be empty")
		}
		if c.Archive.Retention.Duration <= 0 {
			add("archive: retention must be > 0")
		}
		if c.Archive.Enabled && c.Archive.Interval.Duration <= 0 {
			add("archive: interval must be > 0")
		}
	}

	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		add("notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
