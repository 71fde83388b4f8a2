package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/termfi/termvault/internal/domain"
)

// ---------------------------------------------------------------------------
// Narrow store interfaces required by the archiver.
//
// The archiver only names the query methods it actually calls, not the full
// journal interfaces. The Postgres stores satisfy these implicitly through
// their existing ListBefore / ListRedeemed methods.
// ---------------------------------------------------------------------------

// YieldEventSource provides read access to retained yield events for
// archival purposes.
type YieldEventSource interface {
	// ListBefore returns up to limit events received strictly before the
	// cutoff, oldest first. A non-positive limit means no limit.
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.YieldEvent, error)
}

// RedeemedPositionSource provides read access to redeemed positions for
// archival purposes.
type RedeemedPositionSource interface {
	// ListRedeemed returns redeemed positions filtered by redemption time.
	ListRedeemed(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error)
}

// ---------------------------------------------------------------------------
// ArchiveImpl
// ---------------------------------------------------------------------------

// ArchiveImpl implements domain.Archiver by querying the journals for old
// records, serialising them to JSONL, and uploading the result to S3.
//
// Nothing is deleted here. Pruning archived yield events from the primary
// store is a separate, explicit step to run after the upload has been
// verified, and redeemed positions are never pruned at all because boot
// replay needs the full position history.
type ArchiveImpl struct {
	writer    domain.BlobWriter
	events    YieldEventSource
	positions RedeemedPositionSource
	audit     domain.AuditStore
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(
	writer domain.BlobWriter,
	events YieldEventSource,
	positions RedeemedPositionSource,
	audit domain.AuditStore,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer:    writer,
		events:    events,
		positions: positions,
		audit:     audit,
	}
}

// ArchiveYieldEvents queries all yield events received before the cutoff,
// serialises them to JSONL, and uploads the file to S3 at
// archive/yield_events/YYYY-MM.jsonl. The archival is recorded in the audit
// log and the count of archived records is returned.
func (a *ArchiveImpl) ArchiveYieldEvents(ctx context.Context, before time.Time) (int64, error) {
	events, err := a.events.ListBefore(ctx, before, 0)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive yield events query: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(events)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive yield events marshal: %w", err)
	}

	path := archivePath("yield_events", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive yield events upload: %w", err)
	}

	count := int64(len(events))

	if err := a.audit.Log(ctx, "archive.yield_events", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive yield events audit log: %w", err)
	}

	return count, nil
}

// ArchiveRedeemedPositions queries all positions redeemed at or before the
// cutoff, serialises them to JSONL, and uploads the file to S3 at
// archive/redeemed_positions/YYYY-MM.jsonl. The archival is recorded in the
// audit log and the count of archived records is returned. This is an export
// only; the rows stay in the journal.
func (a *ArchiveImpl) ArchiveRedeemedPositions(ctx context.Context, before time.Time) (int64, error) {
	positions, err := a.positions.ListRedeemed(ctx, domain.ListOpts{Until: &before})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive redeemed positions query: %w", err)
	}
	if len(positions) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(positions)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive redeemed positions marshal: %w", err)
	}

	path := archivePath("redeemed_positions", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive redeemed positions upload: %w", err)
	}

	count := int64(len(positions))

	if err := a.audit.Log(ctx, "archive.redeemed_positions", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive redeemed positions audit log: %w", err)
	}

	return count, nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/yield_events/2026-01.jsonl
//	archive/redeemed_positions/2026-01.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
