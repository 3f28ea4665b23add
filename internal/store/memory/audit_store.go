package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/nftbazaar/internal/domain"
)

// AuditStore keeps audit entries in memory, newest last.
type AuditStore struct {
	mu       sync.RWMutex
	entries  []domain.AuditEntry
	archived map[int64]time.Time
	now      func() time.Time
}

// NewAuditStore returns an empty AuditStore.
func NewAuditStore() *AuditStore {
	return &AuditStore{archived: make(map[int64]time.Time), now: time.Now}
}

// Log appends an entry stamped with the store clock.
func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        int64(len(s.entries) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: s.now().UTC(),
	})
	return nil
}

// List returns entries newest first, honoring the time window and paging.
func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.AuditEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && e.CreatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// ListUnarchived returns entries older than before that have no archive
// stamp, oldest first.
func (s *AuditStore) ListUnarchived(_ context.Context, before time.Time, limit int) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.AuditEntry
	for _, e := range s.entries {
		if _, done := s.archived[e.ID]; done || !e.CreatedAt.Before(before) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// MarkArchived stamps the given entry ids.
func (s *AuditStore) MarkArchived(_ context.Context, ids []int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.archived[id] = at
	}
	return nil
}

// Compile-time interface check.
var _ domain.AuditStore = (*AuditStore)(nil)
