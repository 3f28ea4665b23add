package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/nftbazaar/internal/access"
	"github.com/alanyoungcy/nftbazaar/internal/domain"
	"github.com/alanyoungcy/nftbazaar/internal/ledger"
	"github.com/alanyoungcy/nftbazaar/internal/metrics"
)

const (
	// LedgerLockKey serializes mutations across replicas.
	LedgerLockKey = "bazaar:ledger"

	maxCommitAttempts = 3
	lockPollInterval  = 25 * time.Millisecond
)

// adminOps are audited on success and on rejection.
var adminOps = map[string]bool{
	"initialize":          true,
	"emergency_cancel":    true,
	"update_platform_fee": true,
	"set_paused":          true,
	"transfer_ownership":  true,
}

// BazaarService runs ledger operations one at a time, persists every
// accepted transition before exposing it and reports it to observers.
type BazaarService struct {
	mu     sync.Mutex
	ledger *ledger.Ledger

	store  domain.LedgerStore
	events domain.EventLog
	audit  domain.AuditStore

	locks    domain.LockManager
	lockTTL  time.Duration
	lockWait time.Duration

	metrics  *metrics.Metrics
	onCommit []func(domain.Transition)
	now      func() time.Time
	logger   *slog.Logger
}

// NewBazaarService creates a BazaarService. Call Load before serving.
func NewBazaarService(
	store domain.LedgerStore,
	events domain.EventLog,
	audit domain.AuditStore,
	logger *slog.Logger,
) *BazaarService {
	return &BazaarService{
		ledger: ledger.New(),
		store:  store,
		events: events,
		audit:  audit,
		now:    time.Now,
		logger: logger.With(slog.String("component", "bazaar_service")),
	}
}

// WithLocks serializes mutations through a distributed lock. wait bounds how
// long an operation queues for the lock before failing with ErrLockHeld.
func (s *BazaarService) WithLocks(lm domain.LockManager, ttl, wait time.Duration) *BazaarService {
	s.locks = lm
	s.lockTTL = ttl
	s.lockWait = wait
	return s
}

// WithMetrics attaches Prometheus collectors.
func (s *BazaarService) WithMetrics(m *metrics.Metrics) *BazaarService {
	s.metrics = m
	return s
}

// WithClock overrides the time source.
func (s *BazaarService) WithClock(now func() time.Time) *BazaarService {
	s.now = now
	return s
}

// OnCommit registers fn to run after every committed transition. Hooks run
// while the ledger is held and must not block.
func (s *BazaarService) OnCommit(fn func(domain.Transition)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCommit = append(s.onCommit, fn)
}

// Load rebuilds the in-memory ledger from the store.
func (s *BazaarService) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloadLocked(ctx)
}

// Refresh reloads the ledger if another replica committed since the last
// sync. It is cheap when nothing changed.
func (s *BazaarService) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncLocked(ctx)
}

// ---------------------------------------------------------------------------
// Mutations
// ---------------------------------------------------------------------------

// Initialize performs the one-time marketplace setup with the caller as admin.
func (s *BazaarService) Initialize(ctx context.Context, req domain.Request, feeBps uint64) error {
	_, err := s.execute(ctx, req, ledger.Initialize{FeeBps: feeBps})
	return err
}

// CreateListing lists an asset and returns the new listing id.
func (s *BazaarService) CreateListing(ctx context.Context, req domain.Request, contract common.Address, tokenID, price *uint256.Int) (uint64, error) {
	tr, err := s.execute(ctx, req, ledger.CreateListing{Contract: contract, TokenID: tokenID, Price: price})
	if err != nil {
		return 0, err
	}
	return tr.ListingID(), nil
}

// Purchase buys a listing with the value attached to req and returns the
// fee split.
func (s *BazaarService) Purchase(ctx context.Context, req domain.Request, listingID uint64) (domain.Sale, error) {
	tr, err := s.execute(ctx, req, ledger.Purchase{ListingID: listingID})
	if err != nil {
		return domain.Sale{}, err
	}
	return *tr.Sale, nil
}

// EditPrice changes the price of an active listing.
func (s *BazaarService) EditPrice(ctx context.Context, req domain.Request, listingID uint64, price *uint256.Int) error {
	_, err := s.execute(ctx, req, ledger.EditPrice{ListingID: listingID, NewPrice: price})
	return err
}

// Cancel withdraws a listing on behalf of its lister.
func (s *BazaarService) Cancel(ctx context.Context, req domain.Request, listingID uint64) error {
	_, err := s.execute(ctx, req, ledger.Cancel{ListingID: listingID})
	return err
}

// EmergencyCancel withdraws a listing on behalf of the admin.
func (s *BazaarService) EmergencyCancel(ctx context.Context, req domain.Request, listingID uint64) error {
	_, err := s.execute(ctx, req, ledger.EmergencyCancel{ListingID: listingID})
	return err
}

// UpdateFee changes the platform fee rate.
func (s *BazaarService) UpdateFee(ctx context.Context, req domain.Request, feeBps uint64) error {
	_, err := s.execute(ctx, req, ledger.UpdateFee{FeeBps: feeBps})
	return err
}

// SetPaused toggles the pause switch.
func (s *BazaarService) SetPaused(ctx context.Context, req domain.Request, paused bool) error {
	_, err := s.execute(ctx, req, ledger.SetPaused{Paused: paused})
	return err
}

// TransferOwnership hands the admin role to newAdmin.
func (s *BazaarService) TransferOwnership(ctx context.Context, req domain.Request, newAdmin common.Address) error {
	_, err := s.execute(ctx, req, ledger.TransferOwnership{NewAdmin: newAdmin})
	return err
}

// execute plans cmd, commits the transition and applies it to memory. Plan
// failures are returned unwrapped so callers can match the sentinel.
func (s *BazaarService) execute(ctx context.Context, req domain.Request, cmd ledger.Command) (domain.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.acquire(ctx)
	if err != nil {
		return domain.Transition{}, fmt.Errorf("bazaar_service: %s: %w", cmd.Op(), err)
	}
	defer unlock()

	for attempt := 1; ; attempt++ {
		if err := s.syncLocked(ctx); err != nil {
			return domain.Transition{}, fmt.Errorf("bazaar_service: %s: %w", cmd.Op(), err)
		}

		tr, err := s.ledger.Plan(req, cmd, s.now())
		if err != nil {
			s.rejected(ctx, req, cmd, err)
			return domain.Transition{}, err
		}

		err = s.store.Commit(ctx, s.ledger.Version(), tr)
		if errors.Is(err, domain.ErrConflict) && attempt < maxCommitAttempts {
			s.logger.WarnContext(ctx, "bazaar_service: commit conflict, reloading",
				slog.String("op", cmd.Op()),
				slog.Int("attempt", attempt),
			)
			if rerr := s.reloadLocked(ctx); rerr != nil {
				return domain.Transition{}, fmt.Errorf("bazaar_service: %s: %w", cmd.Op(), rerr)
			}
			continue
		}
		if err != nil {
			s.metrics.ObserveRejection(cmd.Op(), err)
			return domain.Transition{}, fmt.Errorf("bazaar_service: %s: commit: %w", cmd.Op(), err)
		}

		s.ledger.Apply(tr)
		s.committed(ctx, req, cmd, tr)
		return tr, nil
	}
}

func (s *BazaarService) acquire(ctx context.Context) (func(), error) {
	if s.locks == nil {
		return func() {}, nil
	}
	deadline := time.Now().Add(s.lockWait)
	for {
		unlock, err := s.locks.Acquire(ctx, LedgerLockKey, s.lockTTL)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) || !time.Now().Before(deadline) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

func (s *BazaarService) syncLocked(ctx context.Context) error {
	v, err := s.store.Version(ctx)
	if err != nil {
		return fmt.Errorf("store version: %w", err)
	}
	if v == s.ledger.Version() {
		return nil
	}
	s.logger.InfoContext(ctx, "bazaar_service: ledger behind store, reloading",
		slog.Uint64("local", s.ledger.Version()),
		slog.Uint64("stored", v),
	)
	return s.reloadLocked(ctx)
}

func (s *BazaarService) reloadLocked(ctx context.Context) error {
	snap, err := s.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	s.ledger = ledger.Restore(snap)
	s.metrics.SetActive(s.ledger.ActiveCount())
	return nil
}

func (s *BazaarService) committed(ctx context.Context, req domain.Request, cmd ledger.Command, tr domain.Transition) {
	s.metrics.ObserveTransition(tr)
	s.metrics.SetActive(s.ledger.ActiveCount())

	attrs := []any{
		slog.String("op", cmd.Op()),
		slog.String("event", string(tr.Event.Kind)),
		slog.Uint64("seq", tr.Event.Seq),
		slog.String("caller", req.Caller.Hex()),
	}
	if id := tr.ListingID(); id != 0 {
		attrs = append(attrs, slog.Uint64("listing_id", id))
	}
	if tr.Sale != nil {
		attrs = append(attrs,
			slog.String("price", tr.Sale.Price.Dec()),
			slog.String("fee", tr.Sale.Fee.Dec()),
		)
	}
	s.logger.InfoContext(ctx, "bazaar_service: transition committed", attrs...)

	if adminOps[cmd.Op()] {
		s.auditLog(ctx, "admin."+cmd.Op(), map[string]any{
			"caller": req.Caller.Hex(),
			"seq":    tr.Event.Seq,
			"event":  string(tr.Event.Kind),
		})
	}

	for _, fn := range s.onCommit {
		fn(tr)
	}
}

func (s *BazaarService) rejected(ctx context.Context, req domain.Request, cmd ledger.Command, err error) {
	role := s.roleOf(req.Caller, cmd)
	s.metrics.ObserveRejection(cmd.Op(), err)
	s.logger.DebugContext(ctx, "bazaar_service: operation rejected",
		slog.String("op", cmd.Op()),
		slog.String("code", domain.Code(err)),
		slog.String("caller", req.Caller.Hex()),
		slog.String("role", role.String()),
		slog.String("error", err.Error()),
	)
	if adminOps[cmd.Op()] && errors.Is(err, domain.ErrNotAdmin) {
		s.auditLog(ctx, "admin.rejected", map[string]any{
			"op":     cmd.Op(),
			"caller": req.Caller.Hex(),
			"role":   role.String(),
			"code":   domain.Code(err),
		})
	}
}

// roleOf classifies the caller against the marketplace and, for commands
// aimed at a listing, that listing. Must be called with s.mu held.
func (s *BazaarService) roleOf(caller common.Address, cmd ledger.Command) access.Role {
	var id uint64
	switch c := cmd.(type) {
	case ledger.Purchase:
		id = c.ListingID
	case ledger.EditPrice:
		id = c.ListingID
	case ledger.Cancel:
		id = c.ListingID
	case ledger.EmergencyCancel:
		id = c.ListingID
	}
	return access.RoleOf(s.ledger.Marketplace(), s.ledger.Listing(id), caller)
}

func (s *BazaarService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "bazaar_service: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// Listing returns the listing or the zero record for an unknown id.
func (s *BazaarService) Listing(id uint64) domain.Listing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Listing(id)
}

// ActiveIDs returns the ids of all active listings in ascending order.
func (s *BazaarService) ActiveIDs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.ActiveIDs()
}

// ActiveListings pages through active listings by id.
func (s *BazaarService) ActiveListings(after uint64, limit int) []domain.Listing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.ActiveListings(after, limit)
}

// FeeBps returns the current fee rate.
func (s *BazaarService) FeeBps() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.FeeBps()
}

// TotalListings returns the number of listings ever created.
func (s *BazaarService) TotalListings() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.TotalListings()
}

// Marketplace returns the singleton state.
func (s *BazaarService) Marketplace() domain.Marketplace {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Marketplace()
}

// Events returns committed events with seq > after.
func (s *BazaarService) Events(ctx context.Context, after uint64, limit int) ([]domain.Event, error) {
	evs, err := s.events.ListEvents(ctx, after, limit)
	if err != nil {
		return nil, fmt.Errorf("bazaar_service: list events: %w", err)
	}
	return evs, nil
}
