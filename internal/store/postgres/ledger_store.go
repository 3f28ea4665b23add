package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/nftbazaar/internal/domain"
)

// LedgerStore implements domain.LedgerStore and domain.EventLog. 256-bit
// values travel as decimal text and are stored as NUMERIC(78,0).
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore creates a LedgerStore backed by pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

// Load reads the marketplace row, every listing and the last event seq.
func (s *LedgerStore) Load(ctx context.Context) (domain.Snapshot, error) {
	var snap domain.Snapshot

	m, err := s.loadMarket(ctx)
	if err != nil {
		return snap, err
	}
	snap.Market = m

	const listingsQ = `
		SELECT listing_id, nft_contract, token_id::text, lister, COALESCE(buyer, ''),
		       price::text, status, created_at, updated_at
		FROM listings ORDER BY listing_id`
	rows, err := s.pool.Query(ctx, listingsQ)
	if err != nil {
		return snap, fmt.Errorf("postgres: load listings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return snap, err
		}
		snap.Listings = append(snap.Listings, l)
	}
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("postgres: iterate listings: %w", err)
	}

	var last int64
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM ledger_events`).Scan(&last); err != nil {
		return snap, fmt.Errorf("postgres: last event seq: %w", err)
	}
	snap.LastSeq = uint64(last)
	return snap, nil
}

func (s *LedgerStore) loadMarket(ctx context.Context) (domain.Marketplace, error) {
	const q = `
		SELECT admin, fee_bps, listing_count, paused, initialized,
		       volume::text, fees_collected::text, version
		FROM marketplace WHERE id = 1`
	var (
		m                   domain.Marketplace
		admin, volume, fees string
		feeBps              int32
		count, version      int64
	)
	err := s.pool.QueryRow(ctx, q).Scan(&admin, &feeBps, &count, &m.Paused, &m.Initialized, &volume, &fees, &version)
	if err != nil {
		return m, fmt.Errorf("postgres: load marketplace: %w", err)
	}
	m.Admin = common.HexToAddress(admin)
	m.FeeBps = uint64(feeBps)
	m.Counter = uint64(count)
	m.Version = uint64(version)
	if m.Volume, err = parseAmount(volume); err != nil {
		return m, fmt.Errorf("postgres: marketplace volume: %w", err)
	}
	if m.FeesCollected, err = parseAmount(fees); err != nil {
		return m, fmt.Errorf("postgres: marketplace fees: %w", err)
	}
	return m, nil
}

// Version returns the committed marketplace version.
func (s *LedgerStore) Version(ctx context.Context) (uint64, error) {
	var v int64
	if err := s.pool.QueryRow(ctx, `SELECT version FROM marketplace WHERE id = 1`).Scan(&v); err != nil {
		return 0, fmt.Errorf("postgres: marketplace version: %w", err)
	}
	return uint64(v), nil
}

// Commit writes the marketplace row, the touched listing, the event and the
// sale in one transaction, guarded by the version the caller planned on.
func (s *LedgerStore) Commit(ctx context.Context, prev uint64, tr domain.Transition) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin commit: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	m := tr.Market
	const updateMarket = `
		UPDATE marketplace
		SET admin = $1, fee_bps = $2, listing_count = $3, paused = $4, initialized = $5,
		    volume = $6::numeric, fees_collected = $7::numeric, version = $8, updated_at = NOW()
		WHERE id = 1 AND version = $9`
	tag, err := tx.Exec(ctx, updateMarket,
		m.Admin.Hex(), int32(m.FeeBps), int64(m.Counter), m.Paused, m.Initialized,
		amount(m.Volume), amount(m.FeesCollected), int64(m.Version), int64(prev),
	)
	if err != nil {
		return fmt.Errorf("postgres: update marketplace: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: marketplace moved past version %d: %w", prev, domain.ErrConflict)
	}

	if l := tr.Listing; l != nil {
		const upsertListing = `
			INSERT INTO listings (listing_id, nft_contract, token_id, lister, buyer, price, status, created_at, updated_at)
			VALUES ($1, $2, $3::numeric, $4, $5, $6::numeric, $7, $8, $9)
			ON CONFLICT (listing_id) DO UPDATE SET
				buyer = EXCLUDED.buyer,
				price = EXCLUDED.price,
				status = EXCLUDED.status,
				updated_at = EXCLUDED.updated_at`
		_, err := tx.Exec(ctx, upsertListing,
			int64(l.ID), l.Contract.Hex(), amount(l.TokenID), l.Lister.Hex(), buyerOrNull(l),
			amount(l.Price), string(l.Status), l.CreatedAt, l.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("postgres: upsert listing %d: %w", l.ID, err)
		}
	}

	payload, err := json.Marshal(tr.Event.Payload)
	if err != nil {
		return fmt.Errorf("postgres: marshal event %d: %w", tr.Event.Seq, err)
	}
	const insertEvent = `
		INSERT INTO ledger_events (seq, id, kind, listing_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err = tx.Exec(ctx, insertEvent,
		int64(tr.Event.Seq), tr.Event.ID.String(), string(tr.Event.Kind),
		nullableID(tr.Event.ListingID), payload, tr.Event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert event %d: %w", tr.Event.Seq, err)
	}

	if sale := tr.Sale; sale != nil {
		const insertSale = `
			INSERT INTO sales (listing_id, buyer, lister, price, fee, seller_revenue, sold_at)
			VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7)`
		_, err := tx.Exec(ctx, insertSale,
			int64(sale.ListingID), sale.Buyer.Hex(), sale.Lister.Hex(),
			amount(sale.Price), amount(sale.Fee), amount(sale.SellerRevenue), tr.Event.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("postgres: insert sale %d: %w", sale.ListingID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit transition %d: %w", tr.Event.Seq, err)
	}
	return nil
}

const eventColumns = `seq, id::text, kind, COALESCE(listing_id, 0), payload, created_at, published_at`

// ListEvents returns up to limit events with seq > after; limit 0 means all.
func (s *LedgerStore) ListEvents(ctx context.Context, after uint64, limit int) ([]domain.Event, error) {
	q := `SELECT ` + eventColumns + ` FROM ledger_events WHERE seq > $1 ORDER BY seq LIMIT NULLIF($2::int, 0)`
	return s.queryEvents(ctx, "list events", q, int64(after), limit)
}

// ListUnpublished returns events the relay has not delivered yet.
func (s *LedgerStore) ListUnpublished(ctx context.Context, limit int) ([]domain.Event, error) {
	q := `SELECT ` + eventColumns + ` FROM ledger_events WHERE published_at IS NULL ORDER BY seq LIMIT NULLIF($1::int, 0)`
	return s.queryEvents(ctx, "list unpublished", q, limit)
}

// MarkPublished stamps the given events as delivered.
func (s *LedgerStore) MarkPublished(ctx context.Context, seqs []uint64, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE ledger_events SET published_at = $1 WHERE seq = ANY($2)`, at, toInt64s(seqs))
	if err != nil {
		return fmt.Errorf("postgres: mark %d events published: %w", len(seqs), err)
	}
	return nil
}

// ListArchivable returns delivered events created before the cutoff that
// have not been archived.
func (s *LedgerStore) ListArchivable(ctx context.Context, before time.Time, limit int) ([]domain.Event, error) {
	q := `SELECT ` + eventColumns + ` FROM ledger_events
		WHERE published_at IS NOT NULL AND archived_at IS NULL AND created_at < $1
		ORDER BY seq LIMIT NULLIF($2::int, 0)`
	return s.queryEvents(ctx, "list archivable", q, before, limit)
}

// MarkArchived stamps the given events as copied to cold storage.
func (s *LedgerStore) MarkArchived(ctx context.Context, seqs []uint64, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE ledger_events SET archived_at = $1 WHERE seq = ANY($2)`, at, toInt64s(seqs))
	if err != nil {
		return fmt.Errorf("postgres: mark %d events archived: %w", len(seqs), err)
	}
	return nil
}

func (s *LedgerStore) queryEvents(ctx context.Context, op, q string, args ...any) ([]domain.Event, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	events := []domain.Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s: %w", op, err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	return events, nil
}

func scanEvent(row pgx.Row) (domain.Event, error) {
	var (
		ev       domain.Event
		seq, lid int64
		id, kind string
		payload  []byte
	)
	if err := row.Scan(&seq, &id, &kind, &lid, &payload, &ev.CreatedAt, &ev.PublishedAt); err != nil {
		return ev, fmt.Errorf("scan event: %w", err)
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return ev, fmt.Errorf("event %d id: %w", seq, err)
	}
	ev.ID = parsed
	ev.Seq = uint64(seq)
	ev.Kind = domain.EventKind(kind)
	ev.ListingID = uint64(lid)
	if ev.Payload, err = domain.DecodePayload(ev.Kind, payload); err != nil {
		return ev, fmt.Errorf("event %d: %w", seq, err)
	}
	return ev, nil
}

func scanListing(row pgx.Row) (domain.Listing, error) {
	var (
		l                              domain.Listing
		id                             int64
		contract, token, lister, buyer string
		price, status                  string
	)
	if err := row.Scan(&id, &contract, &token, &lister, &buyer, &price, &status, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return l, fmt.Errorf("postgres: scan listing: %w", err)
	}
	var err error
	l.ID = uint64(id)
	l.Contract = common.HexToAddress(contract)
	l.Lister = common.HexToAddress(lister)
	if buyer != "" {
		l.Buyer = common.HexToAddress(buyer)
	}
	l.Status = domain.ListingStatus(status)
	if l.TokenID, err = parseAmount(token); err != nil {
		return l, fmt.Errorf("postgres: listing %d token id: %w", id, err)
	}
	if l.Price, err = parseAmount(price); err != nil {
		return l, fmt.Errorf("postgres: listing %d price: %w", id, err)
	}
	return l, nil
}

// amount renders a 256-bit value for a ::numeric parameter.
func amount(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func parseAmount(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", s, err)
	}
	return v, nil
}

func buyerOrNull(l *domain.Listing) *string {
	if !l.HasBuyer() {
		return nil
	}
	h := l.Buyer.Hex()
	return &h
}

func nullableID(id uint64) *int64 {
	if id == 0 {
		return nil
	}
	v := int64(id)
	return &v
}

func toInt64s(in []uint64) []int64 {
	out := make([]int64, len(in))
	for i, v := range in {
		out[i] = int64(v)
	}
	return out
}

// Compile-time interface checks.
var (
	_ domain.LedgerStore = (*LedgerStore)(nil)
	_ domain.EventLog    = (*LedgerStore)(nil)
)
