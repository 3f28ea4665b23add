package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/nftbazaar/internal/domain"
)

const (
	jsonlContentType = "application/x-ndjson"

	// multipartThreshold is the object size above which uploads go through
	// the multipart manager.
	multipartThreshold = 16 * 1024 * 1024
	defaultBatchSize   = 1000
)

// EventArchiveStore is the slice of the event log the archiver needs.
type EventArchiveStore interface {
	ListArchivable(ctx context.Context, before time.Time, limit int) ([]domain.Event, error)
	MarkArchived(ctx context.Context, seqs []uint64, at time.Time) error
}

// AuditArchiveStore exposes audit entries that still need a cold copy.
type AuditArchiveStore interface {
	ListUnarchived(ctx context.Context, before time.Time, limit int) ([]domain.AuditEntry, error)
	MarkArchived(ctx context.Context, ids []int64, at time.Time) error
}

// ArchiveImpl copies published events into monthly JSONL objects and audit
// entries into per-run JSON documents. Source rows are stamped, never
// deleted.
type ArchiveImpl struct {
	writer    domain.BlobWriter
	reader    domain.BlobReader
	events    EventArchiveStore
	auditSrc  AuditArchiveStore
	audit     domain.AuditStore
	batchSize int
	now       func() time.Time
	logger    *slog.Logger
}

// NewArchiver wires an archiver. auditSrc may be nil when audit entries are
// not archived.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	events EventArchiveStore,
	auditSrc AuditArchiveStore,
	audit domain.AuditStore,
	logger *slog.Logger,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer:    writer,
		reader:    reader,
		events:    events,
		auditSrc:  auditSrc,
		audit:     audit,
		batchSize: defaultBatchSize,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// WithBatchSize bounds how many rows one pass reads per query.
func (a *ArchiveImpl) WithBatchSize(n int) *ArchiveImpl {
	if n > 0 {
		a.batchSize = n
	}
	return a
}

// ArchiveEvents appends every published event created before the cutoff to
// archive/events/YYYY-MM.jsonl, keyed by the event's month, and returns how
// many events were archived.
func (a *ArchiveImpl) ArchiveEvents(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for {
		batch, err := a.events.ListArchivable(ctx, before, a.batchSize)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive events query: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		byMonth := make(map[string][]domain.Event)
		for _, ev := range batch {
			path := archivePath("events", ev.CreatedAt)
			byMonth[path] = append(byMonth[path], ev)
		}
		paths := make([]string, 0, len(byMonth))
		for p := range byMonth {
			paths = append(paths, p)
		}
		sort.Strings(paths)

		for _, path := range paths {
			evs := byMonth[path]
			if err := a.appendJSONL(ctx, path, evs); err != nil {
				return total, err
			}
			seqs := make([]uint64, len(evs))
			for i, ev := range evs {
				seqs[i] = ev.Seq
			}
			if err := a.events.MarkArchived(ctx, seqs, a.now().UTC()); err != nil {
				return total, fmt.Errorf("s3blob: mark events archived: %w", err)
			}
			total += int64(len(evs))
			a.logger.Info("archiver: events archived",
				slog.String("path", path),
				slog.Int("count", len(evs)),
				slog.Uint64("first_seq", seqs[0]),
				slog.Uint64("last_seq", seqs[len(seqs)-1]),
			)
		}
		if len(batch) < a.batchSize {
			break
		}
	}

	if total > 0 {
		if err := a.audit.Log(ctx, "archive.events", map[string]any{
			"count":  total,
			"before": before.UTC().Format(time.RFC3339),
		}); err != nil {
			return total, fmt.Errorf("s3blob: archive events audit log: %w", err)
		}
	}
	return total, nil
}

// ArchiveAudit writes audit entries older than the cutoff to
// audit/YYYY/MM/DD/<uuid>.json, one document per batch.
func (a *ArchiveImpl) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	if a.auditSrc == nil {
		return 0, nil
	}
	var total int64
	for {
		entries, err := a.auditSrc.ListUnarchived(ctx, before, a.batchSize)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive audit query: %w", err)
		}
		if len(entries) == 0 {
			break
		}

		now := a.now().UTC()
		path := fmt.Sprintf("audit/%s/%s.json", now.Format("2006/01/02"), uuid.NewString())
		body, err := json.Marshal(entries)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive audit marshal: %w", err)
		}
		if err := a.writer.Put(ctx, path, bytes.NewReader(body), "application/json"); err != nil {
			return total, fmt.Errorf("s3blob: archive audit upload: %w", err)
		}

		ids := make([]int64, len(entries))
		for i, e := range entries {
			ids[i] = e.ID
		}
		if err := a.auditSrc.MarkArchived(ctx, ids, now); err != nil {
			return total, fmt.Errorf("s3blob: mark audit archived: %w", err)
		}
		total += int64(len(entries))
		a.logger.Info("archiver: audit entries archived", slog.String("path", path), slog.Int("count", len(entries)))

		if len(entries) < a.batchSize {
			break
		}
	}
	return total, nil
}

// appendJSONL merges evs onto whatever an earlier pass stored at path.
func (a *ArchiveImpl) appendJSONL(ctx context.Context, path string, evs []domain.Event) error {
	var buf bytes.Buffer
	if err := a.readExisting(ctx, path, &buf); err != nil {
		return err
	}
	if buf.Len() > 0 && buf.Bytes()[buf.Len()-1] != '\n' {
		buf.WriteByte('\n')
	}
	if err := encodeJSONL(&buf, evs); err != nil {
		return fmt.Errorf("s3blob: encode %s: %w", path, err)
	}

	if buf.Len() > multipartThreshold {
		if err := a.writer.PutMultipart(ctx, path, &buf, minPartSize); err != nil {
			return fmt.Errorf("s3blob: archive events upload: %w", err)
		}
		return nil
	}
	if err := a.writer.Put(ctx, path, &buf, jsonlContentType); err != nil {
		return fmt.Errorf("s3blob: archive events upload: %w", err)
	}
	return nil
}

func (a *ArchiveImpl) readExisting(ctx context.Context, path string, dst *bytes.Buffer) error {
	ok, err := a.reader.Exists(ctx, path)
	if err != nil || !ok {
		return err
	}
	rc, err := a.reader.Get(ctx, path)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	defer rc.Close()
	if _, err := io.Copy(dst, rc); err != nil {
		return fmt.Errorf("s3blob: read %s: %w", path, err)
	}
	return nil
}

// archivePath partitions by the UTC month of t, e.g.
// archive/events/2026-01.jsonl.
func archivePath(kind string, t time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, t.UTC().Format("2006-01"))
}

func encodeJSONL[T any](w io.Writer, records []T) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
	}
	return nil
}

var _ domain.Archiver = (*ArchiveImpl)(nil)
