package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	s3blob "github.com/alanyoungcy/nftbazaar/internal/blob/s3"
	"github.com/alanyoungcy/nftbazaar/internal/cache/redis"
	"github.com/alanyoungcy/nftbazaar/internal/config"
	"github.com/alanyoungcy/nftbazaar/internal/domain"
	"github.com/alanyoungcy/nftbazaar/internal/metrics"
	"github.com/alanyoungcy/nftbazaar/internal/notify"
	"github.com/alanyoungcy/nftbazaar/internal/store/memory"
	"github.com/alanyoungcy/nftbazaar/internal/store/postgres"
)

// auditArchive is an audit store that can also hand out entries for the
// cold archive.
type auditArchive interface {
	domain.AuditStore
	s3blob.AuditArchiveStore
}

// ledgerBackend is a ledger store that also serves the event log.
type ledgerBackend interface {
	domain.LedgerStore
	domain.EventLog
}

// Dependencies bundles every concrete implementation the run modes need. It
// is constructed by Wire and torn down by the returned cleanup function.
// Optional pieces are nil when their backing service is not configured.
type Dependencies struct {
	// Stores
	Ledger ledgerBackend
	Audit  auditArchive

	// Postgres is set for the postgres backend.
	Postgres *postgres.Client

	// Redis
	Redis       *redis.Client
	LockManager domain.LockManager
	RateLimiter domain.RateLimiter
	ReplayGuard domain.ReplayGuard
	SignalBus   domain.SignalBus

	// Blob storage
	S3         *s3blob.Client
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	Notifier *notify.Notifier
	Metrics  *metrics.Metrics
}

// needsS3 reports whether the configuration touches the archive bucket.
func needsS3(cfg *config.Config) bool {
	return cfg.Archive.Enabled || strings.EqualFold(cfg.Mode, "archive")
}

// connectBackOff bounds startup connection retries.
var connectBackOff = func() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = time.Minute
	return b
}

// connect retries fn until it succeeds, the retry budget runs out or ctx is
// cancelled.
func connect[T any](ctx context.Context, logger *slog.Logger, name string, fn func() (T, error)) (T, error) {
	var out T
	err := backoff.RetryNotify(
		func() error {
			v, err := fn()
			if err != nil {
				return err
			}
			out = v
			return nil
		},
		backoff.WithContext(connectBackOff(), ctx),
		func(err error, d time.Duration) {
			logger.WarnContext(ctx, "wire: connect failed, retrying",
				slog.String("dependency", name),
				slog.String("error", err.Error()),
				slog.Duration("retry_in", d),
			)
		},
	)
	return out, err
}

// Wire constructs all concrete dependency implementations from cfg and
// returns them together with a cleanup function that releases them in
// reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Metrics: metrics.New()}

	// --- Ledger store ---
	switch cfg.Store.Backend {
	case "memory":
		deps.Ledger = memory.NewStore()
		deps.Audit = memory.NewAuditStore()
		logger.WarnContext(ctx, "wire: using in-memory store, ledger state is lost on exit")

	case "postgres":
		pgClient, err := connect(ctx, logger, "postgres", func() (*postgres.Client, error) {
			return postgres.New(ctx, postgres.ClientConfig{
				DSN:             cfg.Postgres.DSN,
				Host:            cfg.Postgres.Host,
				Port:            cfg.Postgres.Port,
				Database:        cfg.Postgres.Database,
				User:            cfg.Postgres.User,
				Password:        cfg.Postgres.Password,
				SSLMode:         cfg.Postgres.SSLMode,
				MaxConns:        cfg.Postgres.PoolMaxConns,
				MinConns:        cfg.Postgres.PoolMinConns,
				MaxConnLifetime: cfg.Postgres.MaxConnLifetime.Duration,
			})
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)
		deps.Postgres = pgClient

		// migrate mode applies them itself and reports the result.
		if cfg.Postgres.RunMigrations && !strings.EqualFold(cfg.Mode, "migrate") {
			applied, err := pgClient.RunMigrations(ctx)
			if err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
			if len(applied) > 0 {
				logger.InfoContext(ctx, "wire: migrations applied", slog.Any("files", applied))
			}
		}

		pool := pgClient.Pool()
		deps.Ledger = postgres.NewLedgerStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)

	default:
		cleanup()
		return nil, nil, fmt.Errorf("wire: unknown store backend %q", cfg.Store.Backend)
	}

	// --- Redis (optional) ---
	if cfg.Redis.Enabled() {
		redisClient, err := connect(ctx, logger, "redis", func() (*redis.Client, error) {
			return redis.New(ctx, redis.ClientConfig{
				Addr:       cfg.Redis.Addr,
				Password:   cfg.Redis.Password,
				DB:         cfg.Redis.DB,
				PoolSize:   cfg.Redis.PoolSize,
				MaxRetries: cfg.Redis.MaxRetries,
				TLSEnabled: cfg.Redis.TLSEnabled,
				KeyPrefix:  cfg.Redis.KeyPrefix,
			})
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Redis = redisClient
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.ReplayGuard = redis.NewReplayGuard(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
	} else {
		deps.ReplayGuard = memory.NewReplayGuard()
		logger.WarnContext(ctx, "wire: redis disabled, running without distributed lock or rate limit; replay guard is per process")
	}

	// --- S3 blob storage (only when archiving) ---
	if needsS3(cfg) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		if _, err := connect(ctx, logger, "s3", func() (struct{}, error) {
			return struct{}{}, s3Client.Health(ctx)
		}); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		deps.S3 = s3Client
		writer := s3blob.NewWriter(s3Client)
		reader := s3blob.NewReader(s3Client)
		deps.BlobWriter = writer
		deps.BlobReader = reader
		deps.Archiver = s3blob.NewArchiver(writer, reader, deps.Ledger, deps.Audit, deps.Audit, logger).
			WithBatchSize(cfg.Archive.BatchSize)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
