package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/nftbazaar/internal/domain"
	"github.com/alanyoungcy/nftbazaar/internal/server"
	"github.com/alanyoungcy/nftbazaar/internal/server/handler"
	"github.com/alanyoungcy/nftbazaar/internal/server/ws"
	"github.com/alanyoungcy/nftbazaar/internal/service"
)

// newBazaarService builds the ledger service over deps and loads the
// persisted state.
func (a *App) newBazaarService(ctx context.Context, deps *Dependencies) (*service.BazaarService, error) {
	svc := service.NewBazaarService(deps.Ledger, deps.Ledger, deps.Audit, a.logger).
		WithMetrics(deps.Metrics)
	if deps.LockManager != nil {
		svc = svc.WithLocks(deps.LockManager, a.cfg.Ledger.LockTTL.Duration, a.cfg.Ledger.LockWait.Duration)
	}
	if err := svc.Load(ctx); err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	if err := a.bootstrap(ctx, svc); err != nil {
		return nil, err
	}
	return svc, nil
}

// bootstrap initializes an empty marketplace when ledger.bootstrap is set.
// An already initialized ledger is left untouched.
func (a *App) bootstrap(ctx context.Context, svc *service.BazaarService) error {
	if !a.cfg.Ledger.Bootstrap || svc.Marketplace().Initialized {
		return nil
	}
	admin := common.HexToAddress(a.cfg.Ledger.Admin)
	err := svc.Initialize(ctx, domain.NewRequest(admin), a.cfg.Ledger.InitialFeeBps)
	switch {
	case err == nil:
		a.logger.InfoContext(ctx, "bootstrap: marketplace initialized",
			slog.String("admin", admin.Hex()),
			slog.Uint64("fee_bps", a.cfg.Ledger.InitialFeeBps),
		)
	case errors.Is(err, domain.ErrAlreadyInitialized):
		// Another replica won the race.
	default:
		return fmt.Errorf("bootstrap: initialize marketplace: %w", err)
	}
	return nil
}

// ServeMode runs the HTTP API, the WebSocket hub, the event relay, the
// replica refresh loop and, when enabled, the periodic archiver.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	svc, err := a.newBazaarService(ctx, deps)
	if err != nil {
		return fmt.Errorf("serve mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	if a.cfg.Relay.Enabled {
		var notifier service.EventNotifier
		if deps.Notifier.Enabled() {
			notifier = deps.Notifier
		}
		relay := service.NewEventRelay(deps.Ledger, deps.SignalBus, notifier, service.RelayConfig{
			Channel:   a.cfg.Relay.Channel,
			Stream:    a.cfg.Relay.Stream,
			BatchSize: a.cfg.Relay.BatchSize,
			Interval:  a.cfg.Relay.Interval.Duration,
		}, a.logger).WithMetrics(deps.Metrics)
		svc.OnCommit(func(domain.Transition) { relay.Wake() })
		g.Go(func() error { return relay.Run(ctx) })
	}

	var hub *ws.Hub
	if deps.SignalBus != nil && a.cfg.Relay.Enabled {
		hub = ws.NewHub(deps.SignalBus, ws.Config{
			Channel: a.cfg.Relay.Channel,
			Stream:  a.cfg.Relay.Stream,
		}, a.logger)
		g.Go(func() error {
			if err := hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("ws hub: %w", err)
			}
			return nil
		})
	} else {
		a.logger.WarnContext(ctx, "serve mode: /ws disabled, it needs redis and the relay")
	}

	if a.cfg.Ledger.RefreshInterval.Duration > 0 {
		g.Go(func() error { return a.refreshLoop(ctx, svc) })
	}

	if a.cfg.Archive.Enabled && deps.Archiver != nil {
		g.Go(func() error { return a.archiveLoop(ctx, deps) })
	}

	srv := server.NewServer(server.Config{
		Port:         a.cfg.Server.Port,
		CORSOrigins:  a.cfg.Server.CORSOrigins,
		MaxClockSkew: a.cfg.Auth.MaxClockSkew.Duration,
		RateLimit:    a.cfg.Server.RateLimit,
		RateWindow:   a.cfg.Server.RateWindow.Duration,
		ReadTimeout:  a.cfg.Server.ReadTimeout.Duration,
		WriteTimeout: a.cfg.Server.WriteTimeout.Duration,
	}, server.Handlers{
		Health:      handler.NewHealthHandler(a.pingers(deps), a.logger),
		Marketplace: handler.NewMarketplaceHandler(svc, a.logger),
		Listings:    handler.NewListingHandler(svc, a.logger),
		Events:      handler.NewEventHandler(svc, a.logger),
		Metrics:     deps.Metrics.Handler(),
	}, server.Deps{
		Limiter:  deps.RateLimiter,
		Replay:   deps.ReplayGuard,
		Observer: deps.Metrics,
		Hub:      hub,
	}, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	return g.Wait()
}

// pingers lists the health checks for the configured backends.
func (a *App) pingers(deps *Dependencies) map[string]handler.Pinger {
	p := make(map[string]handler.Pinger)
	if deps.Postgres != nil {
		p["postgres"] = deps.Postgres
	}
	if deps.Redis != nil {
		p["redis"] = deps.Redis
	}
	if deps.S3 != nil {
		p["s3"] = handler.PingFunc(deps.S3.Health)
	}
	return p
}

// refreshLoop picks up commits made by other replicas so reads stay fresh
// between local mutations.
func (a *App) refreshLoop(ctx context.Context, svc *service.BazaarService) error {
	ticker := time.NewTicker(a.cfg.Ledger.RefreshInterval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := svc.Refresh(ctx); err != nil && ctx.Err() == nil {
				a.logger.WarnContext(ctx, "refresh: ledger sync failed", slog.String("error", err.Error()))
			}
		}
	}
}

// archiveLoop runs an archive pass on every archive.interval tick.
func (a *App) archiveLoop(ctx context.Context, deps *Dependencies) error {
	ticker := time.NewTicker(a.cfg.Archive.Interval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.archiveOnce(ctx, deps); err != nil && ctx.Err() == nil {
				a.logger.ErrorContext(ctx, "archive: pass failed", slog.String("error", err.Error()))
			}
		}
	}
}

// archiveOnce copies published events and audit entries older than the
// retention window to the archive bucket.
func (a *App) archiveOnce(ctx context.Context, deps *Dependencies) error {
	if deps.Archiver == nil {
		return errors.New("archive: no archiver configured")
	}
	cutoff := time.Now().Add(-a.cfg.Archive.Retention.Duration)

	events, err := deps.Archiver.ArchiveEvents(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archive events: %w", err)
	}
	deps.Metrics.ObserveArchive("events", events)

	audit, err := deps.Archiver.ArchiveAudit(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archive audit: %w", err)
	}
	deps.Metrics.ObserveArchive("audit", audit)

	a.logger.InfoContext(ctx, "archive: pass complete",
		slog.Time("cutoff", cutoff),
		slog.Int64("events", events),
		slog.Int64("audit_entries", audit),
	)
	return nil
}

// ArchiveMode runs one archive pass and reports what the bucket holds.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")
	if err := a.archiveOnce(ctx, deps); err != nil {
		return fmt.Errorf("archive mode: %w", err)
	}
	if deps.BlobReader != nil {
		objs, err := deps.BlobReader.List(ctx, "archive/events/")
		if err != nil {
			return fmt.Errorf("archive mode: list archive: %w", err)
		}
		var size int64
		for _, o := range objs {
			size += o.Size
		}
		a.logger.InfoContext(ctx, "archive mode: event archive contents",
			slog.Int("objects", len(objs)),
			slog.Int64("bytes", size),
		)
	}
	return nil
}

// MigrateMode applies pending Postgres migrations and exits.
func (a *App) MigrateMode(ctx context.Context, deps *Dependencies) error {
	if deps.Postgres == nil {
		return errors.New("migrate mode: postgres backend required")
	}
	applied, err := deps.Postgres.RunMigrations(ctx)
	if err != nil {
		return fmt.Errorf("migrate mode: %w", err)
	}
	if len(applied) == 0 {
		a.logger.InfoContext(ctx, "migrate mode: schema up to date")
		return nil
	}
	a.logger.InfoContext(ctx, "migrate mode: migrations applied", slog.Any("files", applied))
	return nil
}
