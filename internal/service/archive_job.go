package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/termfi/termvault/internal/domain"
	"github.com/termfi/termvault/internal/notify"
)

const (
	archiveLockKey = "archive"
	archiveLockTTL = 30 * time.Minute
)

// EventPruner deletes yield events older than a cutoff once they have been
// archived. It is implemented by the postgres yield store. Positions are
// never pruned; boot replay needs the full history.
type EventPruner interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ArchiveJob exports aged yield events and redeemed positions to cold
// storage on a schedule, optionally pruning the exported yield events from
// the primary store afterwards. Pruning only runs when both uploads
// succeeded.
type ArchiveJob struct {
	archiver domain.Archiver
	pruner   EventPruner
	locks    domain.LockManager
	notifier *notify.Notifier
	clock    clockwork.Clock

	retention time.Duration
	prune     bool

	logger *slog.Logger
}

// NewArchiveJob creates an archive job keeping retention worth of history
// in the primary store. A nil pruner or prune=false leaves the primary
// store untouched.
func NewArchiveJob(
	archiver domain.Archiver,
	pruner EventPruner,
	locks domain.LockManager,
	notifier *notify.Notifier,
	clock clockwork.Clock,
	retention time.Duration,
	prune bool,
	logger *slog.Logger,
) *ArchiveJob {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ArchiveJob{
		archiver:  archiver,
		pruner:    pruner,
		locks:     locks,
		notifier:  notifier,
		clock:     clock,
		retention: retention,
		prune:     prune,
		logger:    logger.With(slog.String("component", "archive")),
	}
}

// RunOnce executes a single archival pass. Returns ErrLockHeld when
// another instance is already archiving.
func (j *ArchiveJob) RunOnce(ctx context.Context) error {
	unlock, err := j.locks.Acquire(ctx, archiveLockKey, archiveLockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			j.logger.DebugContext(ctx, "archive: another instance holds the archive lock")
			return err
		}
		return fmt.Errorf("archive: acquire lock: %w", err)
	}
	defer unlock()

	cutoff := j.clock.Now().UTC().Add(-j.retention)

	events, err := j.archiver.ArchiveYieldEvents(ctx, cutoff)
	if err != nil {
		j.notifyError(ctx, fmt.Sprintf("Yield event archival failed: %v", err))
		return fmt.Errorf("archive: yield events: %w", err)
	}
	positions, err := j.archiver.ArchiveRedeemedPositions(ctx, cutoff)
	if err != nil {
		j.notifyError(ctx, fmt.Sprintf("Redeemed position archival failed: %v", err))
		return fmt.Errorf("archive: redeemed positions: %w", err)
	}

	var pruned int64
	if j.prune && j.pruner != nil && events > 0 {
		pruned, err = j.pruner.DeleteBefore(ctx, cutoff)
		if err != nil {
			j.notifyError(ctx, fmt.Sprintf("Yield event prune failed after archival: %v", err))
			return fmt.Errorf("archive: prune yield events: %w", err)
		}
	}

	j.logger.InfoContext(ctx, "archive: pass completed",
		slog.Time("cutoff", cutoff),
		slog.Int64("yield_events", events),
		slog.Int64("redeemed_positions", positions),
		slog.Int64("pruned", pruned),
	)
	return nil
}

func (j *ArchiveJob) notifyError(ctx context.Context, message string) {
	if j.notifier == nil {
		return
	}
	_ = j.notifier.Notify(ctx, notify.EventError, "Archive error", message)
}
