package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// Snapshot is the full persisted ledger state used to rebuild the in-memory
// ledger on start and after a version drift.
type Snapshot struct {
	Market   Marketplace
	Listings []Listing
	LastSeq  uint64
}

// LedgerStore persists ledger transitions.
type LedgerStore interface {
	Load(ctx context.Context) (Snapshot, error)
	// Version returns the committed marketplace version.
	Version(ctx context.Context) (uint64, error)
	// Commit writes tr atomically. It fails with ErrConflict when the stored
	// version differs from prev.
	Commit(ctx context.Context, prev uint64, tr Transition) error
}

// EventLog gives read access to committed events and tracks their delivery.
type EventLog interface {
	ListEvents(ctx context.Context, after uint64, limit int) ([]Event, error)
	ListUnpublished(ctx context.Context, limit int) ([]Event, error)
	MarkPublished(ctx context.Context, seqs []uint64, at time.Time) error
	// ListArchivable returns published, not yet archived events created
	// before the cutoff in seq order.
	ListArchivable(ctx context.Context, before time.Time, limit int) ([]Event, error)
	MarkArchived(ctx context.Context, seqs []uint64, at time.Time) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
