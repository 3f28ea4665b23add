// Package ledger implements the listing lifecycle engine and its query
// surface over an in-memory state value.
//
// A Ledger is not safe for concurrent use. Callers serialize access; see
// service.BazaarService.
package ledger

import (
	"math"
	"time"

	"github.com/tidwall/btree"

	"github.com/alanyoungcy/nftbazaar/internal/domain"
)

// Ledger holds the marketplace singleton, every listing ever created and an
// ordered index of the active ones.
type Ledger struct {
	market   domain.Marketplace
	listings btree.Map[uint64, domain.Listing]
	active   btree.Set[uint64]
	lastSeq  uint64
}

// New returns an uninitialized ledger.
func New() *Ledger {
	return &Ledger{market: domain.NewMarketplace()}
}

// Restore rebuilds a ledger from persisted state.
func Restore(s domain.Snapshot) *Ledger {
	l := &Ledger{market: s.Market.Clone(), lastSeq: s.LastSeq}
	for _, rec := range s.Listings {
		l.put(rec.Clone())
	}
	return l
}

// Execute plans cmd and applies the result. On error the ledger is unchanged.
func (l *Ledger) Execute(req domain.Request, cmd Command, now time.Time) (domain.Transition, error) {
	tr, err := l.Plan(req, cmd, now)
	if err != nil {
		return domain.Transition{}, err
	}
	l.Apply(tr)
	return tr, nil
}

// Plan validates cmd against the current state and returns the transition it
// would produce. It never mutates the ledger.
func (l *Ledger) Plan(req domain.Request, cmd Command, now time.Time) (domain.Transition, error) {
	next := l.market.Clone()
	next.Version++
	tr, err := cmd.plan(l, req, next, now.UTC())
	if err != nil {
		return domain.Transition{}, err
	}
	return tr, nil
}

// Apply installs a transition produced by Plan on this ledger.
func (l *Ledger) Apply(tr domain.Transition) {
	l.market = tr.Market.Clone()
	if tr.Listing != nil {
		l.put(tr.Listing.Clone())
	}
	if tr.Event.Seq > l.lastSeq {
		l.lastSeq = tr.Event.Seq
	}
}

func (l *Ledger) put(rec domain.Listing) {
	l.listings.Set(rec.ID, rec)
	if rec.Active() {
		l.active.Insert(rec.ID)
	} else {
		l.active.Delete(rec.ID)
	}
}

// get returns a private copy of the listing and whether it exists.
func (l *Ledger) get(id uint64) (domain.Listing, bool) {
	rec, ok := l.listings.Get(id)
	if !ok {
		return domain.ZeroListing(), false
	}
	return rec.Clone(), true
}

func (l *Ledger) nextEvent(listingID uint64, p domain.EventPayload, now time.Time) domain.Event {
	return domain.NewEvent(l.lastSeq+1, listingID, p, now)
}

// Listing returns a snapshot of the listing, or the zero record for an id
// that was never created.
func (l *Ledger) Listing(id uint64) domain.Listing {
	rec, _ := l.get(id)
	return rec
}

// ActiveIDs returns the ids of all active listings in ascending order.
func (l *Ledger) ActiveIDs() []uint64 {
	ids := l.active.Keys()
	if ids == nil {
		ids = []uint64{}
	}
	return ids
}

// ActiveListings returns up to limit active listings with id > after, in
// ascending id order. A limit <= 0 means no limit.
func (l *Ledger) ActiveListings(after uint64, limit int) []domain.Listing {
	out := []domain.Listing{}
	if after == math.MaxUint64 {
		return out
	}
	l.active.Ascend(after+1, func(id uint64) bool {
		if limit > 0 && len(out) >= limit {
			return false
		}
		rec, _ := l.get(id)
		out = append(out, rec)
		return true
	})
	return out
}

// FeeBps returns the current platform fee rate.
func (l *Ledger) FeeBps() uint64 { return l.market.FeeBps }

// TotalListings returns the number of listings ever created.
func (l *Ledger) TotalListings() uint64 { return l.market.Counter }

// ActiveCount returns the number of active listings.
func (l *Ledger) ActiveCount() int { return l.active.Len() }

// Marketplace returns a copy of the singleton state.
func (l *Ledger) Marketplace() domain.Marketplace { return l.market.Clone() }

// Version returns the version of the last applied transition.
func (l *Ledger) Version() uint64 { return l.market.Version }

// LastSeq returns the sequence number of the last emitted event.
func (l *Ledger) LastSeq() uint64 { return l.lastSeq }

// Snapshot exports the full state.
func (l *Ledger) Snapshot() domain.Snapshot {
	s := domain.Snapshot{
		Market:   l.market.Clone(),
		Listings: make([]domain.Listing, 0, l.listings.Len()),
		LastSeq:  l.lastSeq,
	}
	l.listings.Scan(func(_ uint64, rec domain.Listing) bool {
		s.Listings = append(s.Listings, rec.Clone())
		return true
	})
	return s
}
