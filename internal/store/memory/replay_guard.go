package memory

import (
	"context"
	"sync"
	"time"

	"github.com/tidwall/btree"

	"github.com/alanyoungcy/nftbazaar/internal/domain"
)

type replayEntry struct {
	expires time.Time
	key     string
}

// ReplayGuard is the single-process domain.ReplayGuard used when Redis is
// disabled. Keys are held until their ttl elapses; expired keys are pruned
// oldest first on every call.
type ReplayGuard struct {
	mu       sync.Mutex
	seen     map[string]time.Time
	byExpiry *btree.BTreeG[replayEntry]
	now      func() time.Time
}

// NewReplayGuard returns an empty guard.
func NewReplayGuard() *ReplayGuard {
	return &ReplayGuard{
		seen: make(map[string]time.Time),
		byExpiry: btree.NewBTreeG(func(a, b replayEntry) bool {
			if !a.expires.Equal(b.expires) {
				return a.expires.Before(b.expires)
			}
			return a.key < b.key
		}),
		now: time.Now,
	}
}

// Remember stores key for ttl and reports whether it was new.
func (g *ReplayGuard) Remember(_ context.Context, key string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.prune(now)
	if _, ok := g.seen[key]; ok {
		return false, nil
	}
	exp := now.Add(ttl)
	g.seen[key] = exp
	g.byExpiry.Set(replayEntry{expires: exp, key: key})
	return true, nil
}

// Len reports how many keys are currently held.
func (g *ReplayGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}

func (g *ReplayGuard) prune(now time.Time) {
	for {
		e, ok := g.byExpiry.Min()
		if !ok || e.expires.After(now) {
			return
		}
		g.byExpiry.PopMin()
		delete(g.seen, e.key)
	}
}

var _ domain.ReplayGuard = (*ReplayGuard)(nil)
