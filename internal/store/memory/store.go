// Package memory provides in-process implementations of the ledger stores
// and the signature replay guard. They back the "memory" store backend, the
// Redis-less deployment and the service tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tidwall/btree"

	"github.com/alanyoungcy/nftbazaar/internal/domain"
)

// Store implements domain.LedgerStore and domain.EventLog.
type Store struct {
	mu       sync.RWMutex
	market   domain.Marketplace
	listings btree.Map[uint64, domain.Listing]
	events   []domain.Event
	sales    []domain.Sale
	archived map[uint64]time.Time

	// FailCommit, when set, is returned by the next Commit.
	FailCommit error
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{market: domain.NewMarketplace(), archived: make(map[uint64]time.Time)}
}

// Load returns a copy of the persisted state.
func (s *Store) Load(_ context.Context) (domain.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := domain.Snapshot{
		Market:   s.market.Clone(),
		Listings: make([]domain.Listing, 0, s.listings.Len()),
	}
	s.listings.Scan(func(_ uint64, l domain.Listing) bool {
		snap.Listings = append(snap.Listings, l.Clone())
		return true
	})
	if n := len(s.events); n > 0 {
		snap.LastSeq = s.events[n-1].Seq
	}
	return snap, nil
}

// Version returns the committed marketplace version.
func (s *Store) Version(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.market.Version, nil
}

// Commit appends tr if prev matches the stored version.
func (s *Store) Commit(_ context.Context, prev uint64, tr domain.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.FailCommit; err != nil {
		s.FailCommit = nil
		return err
	}
	if s.market.Version != prev {
		return fmt.Errorf("memory: commit at version %d, stored %d: %w", prev, s.market.Version, domain.ErrConflict)
	}

	s.market = tr.Market.Clone()
	if tr.Listing != nil {
		s.listings.Set(tr.Listing.ID, tr.Listing.Clone())
	}
	ev := tr.Event
	ev.PublishedAt = nil
	s.events = append(s.events, ev)
	if tr.Sale != nil {
		s.sales = append(s.sales, *tr.Sale)
	}
	return nil
}

// Sales returns every recorded sale.
func (s *Store) Sales() []domain.Sale {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Sale(nil), s.sales...)
}

// ListEvents returns up to limit events with seq > after.
func (s *Store) ListEvents(_ context.Context, after uint64, limit int) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter(limit, func(e domain.Event) bool { return e.Seq > after }), nil
}

// ListUnpublished returns events not yet marked published, oldest first.
func (s *Store) ListUnpublished(_ context.Context, limit int) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter(limit, func(e domain.Event) bool { return e.PublishedAt == nil }), nil
}

// MarkPublished stamps the given events.
func (s *Store) MarkPublished(_ context.Context, seqs []uint64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, seq := range seqs {
		i := s.index(seq)
		if i < 0 {
			return fmt.Errorf("memory: mark published %d: %w", seq, domain.ErrNotFound)
		}
		t := at
		s.events[i].PublishedAt = &t
	}
	return nil
}

// ListArchivable returns published events created before the cutoff that
// were not archived yet.
func (s *Store) ListArchivable(_ context.Context, before time.Time, limit int) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter(limit, func(e domain.Event) bool {
		_, done := s.archived[e.Seq]
		return !done && e.PublishedAt != nil && e.CreatedAt.Before(before)
	}), nil
}

// MarkArchived records the archive time of the given events.
func (s *Store) MarkArchived(_ context.Context, seqs []uint64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, seq := range seqs {
		s.archived[seq] = at
	}
	return nil
}

func (s *Store) filter(limit int, keep func(domain.Event) bool) []domain.Event {
	out := []domain.Event{}
	for _, e := range s.events {
		if limit > 0 && len(out) >= limit {
			break
		}
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

// index finds seq in the seq-ordered event slice.
func (s *Store) index(seq uint64) int {
	i := sort.Search(len(s.events), func(i int) bool { return s.events[i].Seq >= seq })
	if i < len(s.events) && s.events[i].Seq == seq {
		return i
	}
	return -1
}

// Compile-time interface checks.
var (
	_ domain.LedgerStore = (*Store)(nil)
	_ domain.EventLog    = (*Store)(nil)
)
