package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/nftbazaar/internal/domain"
	"github.com/alanyoungcy/nftbazaar/internal/metrics"
	"github.com/alanyoungcy/nftbazaar/internal/store/memory"
)

var (
	admin    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	seller   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	buyer    = common.HexToAddress("0x00000000000000000000000000000000000000c3")
	contract = common.HexToAddress("0x00000000000000000000000000000000000000d4")
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

type fixture struct {
	store *memory.Store
	audit *memory.AuditStore
	svc   *BazaarService
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	st := memory.NewStore()
	au := memory.NewAuditStore()
	svc := NewBazaarService(st, st, au, quietLogger()).
		WithMetrics(metrics.New()).
		WithClock(func() time.Time { return time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC) })
	require.NoError(t, svc.Load(context.Background()))
	return fixture{store: st, audit: au, svc: svc}
}

func (f fixture) initialized(t *testing.T, bps uint64) fixture {
	t.Helper()
	require.NoError(t, f.svc.Initialize(context.Background(), domain.NewRequest(admin), bps))
	return f
}

func TestServiceLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t).initialized(t, 250)

	id, err := f.svc.CreateListing(ctx, domain.NewRequest(seller), contract, u(7), u(10000))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)

	sale, err := f.svc.Purchase(ctx, domain.NewRequest(buyer).WithValue(u(10000)), id)
	require.NoError(t, err)
	assert.Equal(t, uint64(250), sale.Fee.Uint64())
	assert.Equal(t, uint64(9750), sale.SellerRevenue.Uint64())

	assert.Equal(t, domain.ListingStatusSold, f.svc.Listing(id).Status)
	assert.Empty(t, f.svc.ActiveIDs())
	assert.Len(t, f.store.Sales(), 1)

	evs, err := f.svc.Events(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Equal(t, domain.EventMarketplaceInitialized, evs[0].Kind)
	assert.Equal(t, domain.EventListingCreated, evs[1].Kind)
	assert.Equal(t, domain.EventListingSold, evs[2].Kind)
}

func TestServiceRejectionLeavesStoreUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t).initialized(t, 250)
	id, err := f.svc.CreateListing(ctx, domain.NewRequest(seller), contract, u(7), u(100))
	require.NoError(t, err)

	before, err := f.store.Version(ctx)
	require.NoError(t, err)

	_, err = f.svc.Purchase(ctx, domain.NewRequest(buyer).WithValue(u(99)), id)
	require.ErrorIs(t, err, domain.ErrWrongPayment)

	after, err := f.store.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.True(t, f.svc.Listing(id).Active())
}

func TestServiceCommitFailureDoesNotApply(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t).initialized(t, 250)

	f.store.FailCommit = errors.New("disk full")
	_, err := f.svc.CreateListing(ctx, domain.NewRequest(seller), contract, u(7), u(100))
	require.Error(t, err)
	assert.Equal(t, uint64(0), f.svc.TotalListings())

	id, err := f.svc.CreateListing(ctx, domain.NewRequest(seller), contract, u(7), u(100))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)
}

func TestServiceReloadsAfterForeignCommit(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	a := NewBazaarService(st, st, nil, quietLogger())
	b := NewBazaarService(st, st, nil, quietLogger())
	require.NoError(t, a.Load(ctx))
	require.NoError(t, b.Load(ctx))

	require.NoError(t, a.Initialize(ctx, domain.NewRequest(admin), 100))
	_, err := a.CreateListing(ctx, domain.NewRequest(seller), contract, u(1), u(5))
	require.NoError(t, err)

	// b never saw a's commits; it must catch up before planning.
	id, err := b.CreateListing(ctx, domain.NewRequest(seller), contract, u(2), u(6))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), id)

	require.NoError(t, a.Refresh(ctx))
	assert.Equal(t, []uint64{1, 2}, a.ActiveIDs())
}

func TestServiceAuditsAdminOps(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t).initialized(t, 250)

	require.NoError(t, f.svc.SetPaused(ctx, domain.NewRequest(admin), true))
	err := f.svc.UpdateFee(ctx, domain.NewRequest(buyer), 10)
	require.ErrorIs(t, err, domain.ErrNotAdmin)

	entries, err := f.audit.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "admin.rejected", entries[0].Event)
	assert.Equal(t, "update_platform_fee", entries[0].Detail["op"])
	assert.Equal(t, "anonymous", entries[0].Detail["role"])
	assert.Equal(t, "admin.set_paused", entries[1].Event)
	assert.Equal(t, "admin.initialize", entries[2].Event)
}

func TestServiceAuditRecordsCallerRole(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t).initialized(t, 250)

	id, err := f.svc.CreateListing(ctx, domain.NewRequest(seller), contract, u(7), u(100))
	require.NoError(t, err)
	err = f.svc.EmergencyCancel(ctx, domain.NewRequest(seller), id)
	require.ErrorIs(t, err, domain.ErrNotAdmin)

	entries, err := f.audit.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "admin.rejected", entries[0].Event)
	assert.Equal(t, "emergency_cancel", entries[0].Detail["op"])
	assert.Equal(t, "lister", entries[0].Detail["role"])
}

func TestServiceOnCommit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var kinds []domain.EventKind
	f.svc.OnCommit(func(tr domain.Transition) { kinds = append(kinds, tr.Event.Kind) })

	f.initialized(t, 0)
	require.NoError(t, f.svc.TransferOwnership(ctx, domain.NewRequest(admin), buyer))
	assert.Equal(t, []domain.EventKind{domain.EventMarketplaceInitialized, domain.EventOwnershipTransferred}, kinds)
	assert.Equal(t, buyer, f.svc.Marketplace().Admin)
}

type fakeLocks struct {
	mu       sync.Mutex
	held     bool
	failures int
	acquired int
}

func (l *fakeLocks) Acquire(_ context.Context, _ string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failures > 0 {
		l.failures--
		return nil, domain.ErrLockHeld
	}
	if l.held {
		return nil, domain.ErrLockHeld
	}
	l.held = true
	l.acquired++
	return func() {
		l.mu.Lock()
		l.held = false
		l.mu.Unlock()
	}, nil
}

func TestServiceWaitsForLock(t *testing.T) {
	ctx := context.Background()
	locks := &fakeLocks{failures: 2}
	f := newFixture(t)
	f.svc.WithLocks(locks, time.Second, time.Second)

	f.initialized(t, 100)
	assert.Equal(t, 1, locks.acquired)
	assert.False(t, locks.held)

	locks.held = true
	f.svc.WithLocks(locks, time.Second, 0)
	err := f.svc.SetPaused(ctx, domain.NewRequest(admin), true)
	require.ErrorIs(t, err, domain.ErrLockHeld)
	assert.False(t, f.svc.Marketplace().Paused)
}

func TestServiceConcurrentCreates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t).initialized(t, 100)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.CreateListing(ctx, domain.NewRequest(seller), contract, u(uint64(i)), u(1))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, uint64(20), f.svc.TotalListings())
	ids := f.svc.ActiveIDs()
	require.Len(t, ids, 20)
	for i, id := range ids {
		assert.Equal(t, uint64(i+1), id)
	}
}
