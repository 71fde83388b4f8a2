package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/termfi/termvault/internal/domain"
	"github.com/termfi/termvault/internal/notify"
)

const (
	distributionLockKey = "distribution"
	distributionLockTTL = 10 * time.Minute
)

// Distributor runs scheduled distributions of the undistributed pool,
// holding the distribution lock so only one instance pays out at a time.
type Distributor struct {
	yieldSvc *YieldService
	locks    domain.LockManager
	notifier *notify.Notifier

	minPool *big.Int

	logger *slog.Logger
}

// NewDistributor creates a distributor. minPool below which no run starts
// may be nil to distribute any amount; a nil notifier disables outbound
// alerts.
func NewDistributor(
	yieldSvc *YieldService,
	locks domain.LockManager,
	notifier *notify.Notifier,
	minPool *big.Int,
	logger *slog.Logger,
) *Distributor {
	return &Distributor{
		yieldSvc: yieldSvc,
		locks:    locks,
		notifier: notifier,
		minPool:  minPool,
		logger:   logger.With(slog.String("component", "distributor")),
	}
}

// RunOnce executes a single distribution pass. An empty pool or one below
// the threshold is skipped quietly; a registered-recipient problem or a
// transfer failure is reported. Returns ErrLockHeld when another instance
// holds the distribution lock.
func (d *Distributor) RunOnce(ctx context.Context) error {
	unlock, err := d.locks.Acquire(ctx, distributionLockKey, distributionLockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			d.logger.DebugContext(ctx, "distributor: another instance holds the distribution lock")
			return err
		}
		return fmt.Errorf("distributor: acquire lock: %w", err)
	}
	defer unlock()

	pool := d.yieldSvc.Totals().Undistributed
	if pool.Sign() == 0 {
		d.logger.DebugContext(ctx, "distributor: pool is empty")
		return nil
	}
	if d.minPool != nil && pool.Cmp(d.minPool) < 0 {
		d.logger.InfoContext(ctx, "distributor: pool below threshold, holding",
			slog.String("pool", pool.String()),
			slog.String("min_pool", d.minPool.String()),
		)
		return nil
	}

	run, err := d.yieldSvc.Distribute(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNothingToDistribute) {
			return nil
		}
		d.notifyError(ctx, fmt.Sprintf("Distribution failed: %v", err))
		return fmt.Errorf("distributor: %w", err)
	}

	if d.notifier != nil {
		_ = d.notifier.Notify(ctx, notify.EventDistribution, "Distribution completed",
			fmt.Sprintf("Run %s paid out %s in %s mode to %d recipient(s)",
				run.ID, run.Pool, run.Mode, len(run.Recipients)))
	}
	return nil
}

func (d *Distributor) notifyError(ctx context.Context, message string) {
	if d.notifier == nil {
		return
	}
	_ = d.notifier.Notify(ctx, notify.EventError, "Distribution error", message)
}
