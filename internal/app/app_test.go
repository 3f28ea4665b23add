package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/nftbazaar/internal/config"
	"github.com/alanyoungcy/nftbazaar/internal/domain"
	"github.com/alanyoungcy/nftbazaar/internal/store/memory"
)

const adminHex = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func memoryConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Store.Backend = "memory"
	cfg.Redis.Addr = ""
	cfg.Server.Port = 0
	return &cfg
}

func wireMemory(t *testing.T, cfg *config.Config) *Dependencies {
	t.Helper()
	deps, cleanup, err := Wire(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	t.Cleanup(cleanup)
	return deps
}

func TestWireMemoryBackend(t *testing.T) {
	deps := wireMemory(t, memoryConfig())

	assert.NotNil(t, deps.Ledger)
	assert.NotNil(t, deps.Audit)
	assert.NotNil(t, deps.Metrics)
	assert.Nil(t, deps.Postgres)
	assert.Nil(t, deps.Redis)
	assert.Nil(t, deps.LockManager)
	assert.IsType(t, &memory.ReplayGuard{}, deps.ReplayGuard)
	assert.Nil(t, deps.SignalBus)
	assert.Nil(t, deps.Archiver)
	assert.False(t, deps.Notifier.Enabled())
	assert.Empty(t, New(memoryConfig(), quietLogger()).pingers(deps))
}

func TestWireUnknownBackend(t *testing.T) {
	cfg := memoryConfig()
	cfg.Store.Backend = "sqlite"
	_, _, err := Wire(context.Background(), cfg, quietLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sqlite")
}

func TestBootstrapInitializesOnce(t *testing.T) {
	cfg := memoryConfig()
	cfg.Ledger.Bootstrap = true
	cfg.Ledger.InitialFeeBps = 250
	cfg.Ledger.Admin = adminHex
	deps := wireMemory(t, cfg)
	a := New(cfg, quietLogger())
	ctx := context.Background()

	svc, err := a.newBazaarService(ctx, deps)
	require.NoError(t, err)
	m := svc.Marketplace()
	assert.True(t, m.Initialized)
	assert.Equal(t, uint64(250), m.FeeBps)
	assert.Equal(t, adminHex, m.Admin.Hex())

	// A second replica over the same store sees the initialized ledger.
	cfg.Ledger.InitialFeeBps = 500
	again, err := a.newBazaarService(ctx, deps)
	require.NoError(t, err)
	assert.Equal(t, uint64(250), again.FeeBps())

	evs, err := again.Events(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, domain.EventMarketplaceInitialized, evs[0].Kind)
}

func TestBootstrapZeroFee(t *testing.T) {
	cfg := memoryConfig()
	cfg.Ledger.Bootstrap = true
	cfg.Ledger.Admin = adminHex
	deps := wireMemory(t, cfg)

	svc, err := New(cfg, quietLogger()).newBazaarService(context.Background(), deps)
	require.NoError(t, err)
	m := svc.Marketplace()
	assert.True(t, m.Initialized)
	assert.Zero(t, m.FeeBps)
	assert.Equal(t, adminHex, m.Admin.Hex())
}

func TestBootstrapDisabled(t *testing.T) {
	cfg := memoryConfig()
	cfg.Ledger.InitialFeeBps = 250
	cfg.Ledger.Admin = adminHex
	deps := wireMemory(t, cfg)
	svc, err := New(cfg, quietLogger()).newBazaarService(context.Background(), deps)
	require.NoError(t, err)
	assert.False(t, svc.Marketplace().Initialized)
}

type fakeArchiver struct {
	cutoffs []time.Time
	err     error
}

func (f *fakeArchiver) ArchiveEvents(_ context.Context, before time.Time) (int64, error) {
	f.cutoffs = append(f.cutoffs, before)
	return 3, f.err
}

func (f *fakeArchiver) ArchiveAudit(_ context.Context, before time.Time) (int64, error) {
	f.cutoffs = append(f.cutoffs, before)
	return 2, nil
}

func TestArchiveOnce(t *testing.T) {
	cfg := memoryConfig()
	cfg.Archive.Retention.Duration = 48 * time.Hour
	deps := wireMemory(t, cfg)
	arch := &fakeArchiver{}
	deps.Archiver = arch
	a := New(cfg, quietLogger())

	require.NoError(t, a.ArchiveMode(context.Background(), deps))
	require.Len(t, arch.cutoffs, 2)
	assert.WithinDuration(t, time.Now().Add(-48*time.Hour), arch.cutoffs[0], time.Minute)
	assert.Equal(t, arch.cutoffs[0], arch.cutoffs[1])
	assert.Equal(t, 3.0, testutil.ToFloat64(deps.Metrics.Archived.WithLabelValues("events")))
	assert.Equal(t, 2.0, testutil.ToFloat64(deps.Metrics.Archived.WithLabelValues("audit")))

	arch.err = errors.New("bucket gone")
	err := a.ArchiveMode(context.Background(), deps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket gone")
}

func TestArchiveModeWithoutArchiver(t *testing.T) {
	cfg := memoryConfig()
	deps := wireMemory(t, cfg)
	assert.Error(t, New(cfg, quietLogger()).ArchiveMode(context.Background(), deps))
}

func TestMigrateModeNeedsPostgres(t *testing.T) {
	cfg := memoryConfig()
	deps := wireMemory(t, cfg)
	err := New(cfg, quietLogger()).MigrateMode(context.Background(), deps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres")
}

func TestRunUnsupportedMode(t *testing.T) {
	cfg := memoryConfig()
	cfg.Mode = "trade"
	a := New(cfg, quietLogger())
	defer a.Close()
	err := a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported mode")
}

func TestServeModeStopsOnCancel(t *testing.T) {
	cfg := memoryConfig()
	cfg.Ledger.RefreshInterval.Duration = 10 * time.Millisecond
	a := New(cfg, quietLogger())
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve mode did not stop")
	}
}
