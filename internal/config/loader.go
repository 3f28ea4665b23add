package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path (skipped when path is empty) over
// Defaults, then applies BAZAAR_* overrides. It does not validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	// A missing .env is fine.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides copies set BAZAAR_* variables over cfg so secrets can be
// injected at deploy time.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Mode, "BAZAAR_MODE")
	setStr(&cfg.LogLevel, "BAZAAR_LOG_LEVEL")
	setStr(&cfg.Store.Backend, "BAZAAR_STORE_BACKEND")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "BAZAAR_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL")
	setStr(&cfg.Postgres.Host, "BAZAAR_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "BAZAAR_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "BAZAAR_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "BAZAAR_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "BAZAAR_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "BAZAAR_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "BAZAAR_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "BAZAAR_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "BAZAAR_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "BAZAAR_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "BAZAAR_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "BAZAAR_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "BAZAAR_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "BAZAAR_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "BAZAAR_REDIS_KEY_PREFIX")
	if v, ok := os.LookupEnv("BAZAAR_REDIS_DISABLED"); ok {
		if off, err := strconv.ParseBool(v); err == nil && off {
			cfg.Redis.Addr = ""
		}
	}

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "BAZAAR_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "BAZAAR_S3_REGION")
	setStr(&cfg.S3.Bucket, "BAZAAR_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "BAZAAR_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "BAZAAR_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "BAZAAR_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "BAZAAR_S3_FORCE_PATH_STYLE")

	// ── Ledger ──
	setDuration(&cfg.Ledger.LockTTL, "BAZAAR_LEDGER_LOCK_TTL")
	setDuration(&cfg.Ledger.LockWait, "BAZAAR_LEDGER_LOCK_WAIT")
	setDuration(&cfg.Ledger.RefreshInterval, "BAZAAR_LEDGER_REFRESH_INTERVAL")
	setBool(&cfg.Ledger.Bootstrap, "BAZAAR_LEDGER_BOOTSTRAP")
	setUint64(&cfg.Ledger.InitialFeeBps, "BAZAAR_LEDGER_INITIAL_FEE_BPS")
	setStr(&cfg.Ledger.Admin, "BAZAAR_LEDGER_ADMIN")

	// ── Server / auth ──
	setInt(&cfg.Server.Port, "BAZAAR_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "BAZAAR_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "BAZAAR_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "BAZAAR_SERVER_RATE_WINDOW")
	setDuration(&cfg.Auth.MaxClockSkew, "BAZAAR_AUTH_MAX_CLOCK_SKEW")

	// ── Relay / archive ──
	setBool(&cfg.Relay.Enabled, "BAZAAR_RELAY_ENABLED")
	setStr(&cfg.Relay.Channel, "BAZAAR_RELAY_CHANNEL")
	setStr(&cfg.Relay.Stream, "BAZAAR_RELAY_STREAM")
	setInt(&cfg.Relay.BatchSize, "BAZAAR_RELAY_BATCH_SIZE")
	setDuration(&cfg.Relay.Interval, "BAZAAR_RELAY_INTERVAL")
	setBool(&cfg.Archive.Enabled, "BAZAAR_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Retention, "BAZAAR_ARCHIVE_RETENTION")
	setDuration(&cfg.Archive.Interval, "BAZAAR_ARCHIVE_INTERVAL")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "BAZAAR_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "BAZAAR_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "BAZAAR_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "BAZAAR_NOTIFY_EVENTS")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) > 0 {
		*dst = out
	}
}
