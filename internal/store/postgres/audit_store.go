package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/nftbazaar/internal/domain"
)

// AuditStore implements domain.AuditStore on the audit_log table.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates an AuditStore backed by pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Log appends an entry; detail is stored as JSONB.
func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	if detail == nil {
		detail = map[string]any{}
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("postgres: marshal audit detail: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `INSERT INTO audit_log (event, detail) VALUES ($1, $2)`, event, raw); err != nil {
		return fmt.Errorf("postgres: log audit event %s: %w", event, err)
	}
	return nil
}

// List returns entries newest first within the optional time window.
func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if opts.Since != nil {
		where = append(where, "created_at >= "+arg(*opts.Since))
	}
	if opts.Until != nil {
		where = append(where, "created_at <= "+arg(*opts.Until))
	}

	q := `SELECT id, event, detail, created_at FROM audit_log`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id DESC"
	if opts.Limit > 0 {
		q += " LIMIT " + arg(opts.Limit)
	}
	if opts.Offset > 0 {
		q += " OFFSET " + arg(opts.Offset)
	}
	return s.query(ctx, "list audit entries", q, args...)
}

// ListUnarchived returns entries created before the cutoff that were not yet
// copied to cold storage, oldest first.
func (s *AuditStore) ListUnarchived(ctx context.Context, before time.Time, limit int) ([]domain.AuditEntry, error) {
	const q = `
		SELECT id, event, detail, created_at FROM audit_log
		WHERE archived_at IS NULL AND created_at < $1
		ORDER BY id LIMIT NULLIF($2::int, 0)`
	return s.query(ctx, "list unarchived audit entries", q, before, limit)
}

// MarkArchived stamps the given entries.
func (s *AuditStore) MarkArchived(ctx context.Context, ids []int64, at time.Time) error {
	if _, err := s.pool.Exec(ctx, `UPDATE audit_log SET archived_at = $1 WHERE id = ANY($2)`, at, ids); err != nil {
		return fmt.Errorf("postgres: mark %d audit entries archived: %w", len(ids), err)
	}
	return nil
}

func (s *AuditStore) query(ctx context.Context, op, q string, args ...any) ([]domain.AuditEntry, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s: %w", op, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	return entries, nil
}

func scanAudit(row pgx.Row) (domain.AuditEntry, error) {
	var (
		e   domain.AuditEntry
		raw []byte
	)
	if err := row.Scan(&e.ID, &e.Event, &raw, &e.CreatedAt); err != nil {
		return e, fmt.Errorf("scan audit entry: %w", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &e.Detail); err != nil {
			return e, fmt.Errorf("audit entry %d detail: %w", e.ID, err)
		}
	}
	return e, nil
}

// Compile-time interface check.
var _ domain.AuditStore = (*AuditStore)(nil)
