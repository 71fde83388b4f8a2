package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/termfi/termvault/internal/domain"
	"github.com/termfi/termvault/internal/notify"
)

// redemptionLockKey serializes redemption passes across the sweep and the
// rollover engine, in-process and across replicas. Both engines redeem
// matured positions; sharing the key keeps a position from being redeemed
// twice against the protocol.
const redemptionLockKey = "redemption"

// RedemptionSweep redeems matured positions on an interval and alerts on
// maturities coming up inside the configured window. It is the standalone
// redemption path; when the rollover engine is enabled it covers redemption
// itself and the sweep should be left to alerting only.
//
// Not safe for concurrent use; the daemon runs a single sweep goroutine.
type RedemptionSweep struct {
	vault    *VaultService
	redeemer domain.Redeemer
	locks    domain.LockManager
	notifier *notify.Notifier
	clock    clockwork.Clock

	interval  time.Duration
	alertDays int
	alerted   map[int64]bool

	logger *slog.Logger
}

// NewRedemptionSweep creates a sweep. A nil redeemer puts the sweep in
// alert-only mode; a nil notifier disables outbound alerts.
func NewRedemptionSweep(
	vault *VaultService,
	redeemer domain.Redeemer,
	locks domain.LockManager,
	notifier *notify.Notifier,
	clock clockwork.Clock,
	interval time.Duration,
	alertDays int,
	logger *slog.Logger,
) *RedemptionSweep {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RedemptionSweep{
		vault:     vault,
		redeemer:  redeemer,
		locks:     locks,
		notifier:  notifier,
		clock:     clock,
		interval:  interval,
		alertDays: alertDays,
		alerted:   make(map[int64]bool),
		logger:    logger.With(slog.String("component", "sweep")),
	}
}

// Run sweeps on the configured interval until ctx is done. Call in a
// goroutine.
func (e *RedemptionSweep) Run(ctx context.Context) error {
	ticker := e.clock.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			if err := e.RunOnce(ctx); err != nil && !errors.Is(err, domain.ErrLockHeld) {
				e.logger.ErrorContext(ctx, "sweep: pass failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce executes a single sweep pass: redeem every matured position, then
// check for approaching maturities. Returns ErrLockHeld when another
// instance is already sweeping.
func (e *RedemptionSweep) RunOnce(ctx context.Context) error {
	unlock, err := e.locks.Acquire(ctx, redemptionLockKey, e.interval)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			e.logger.DebugContext(ctx, "sweep: another instance holds the redemption lock")
			return err
		}
		return fmt.Errorf("sweep: acquire lock: %w", err)
	}
	defer unlock()

	if e.redeemer != nil {
		e.redeemMatured(ctx)
	}
	e.alertUpcoming(ctx)
	return nil
}

func (e *RedemptionSweep) redeemMatured(ctx context.Context) {
	redeemed := 0
	principal := new(big.Int)
	for _, pos := range e.vault.MaturedPositions() {
		if ctx.Err() != nil {
			return
		}
		txHash, err := e.redeemer.Redeem(ctx, pos.PrincipalToken, pos.Amount)
		if err != nil {
			e.logger.ErrorContext(ctx, "sweep: redeem failed",
				slog.Uint64("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
			e.notifyError(ctx, fmt.Sprintf("Redeem of position %d failed: %v", pos.ID, err))
			continue
		}
		if _, err := e.vault.MarkRedeemed(ctx, pos.ID); err != nil {
			e.logger.ErrorContext(ctx, "sweep: mark redeemed failed",
				slog.Uint64("position_id", pos.ID),
				slog.String("tx", txHash),
				slog.String("error", err.Error()),
			)
			e.notifyError(ctx, fmt.Sprintf("Position %d redeemed on-chain (tx %s) but not recorded: %v", pos.ID, txHash, err))
			continue
		}
		e.logger.InfoContext(ctx, "sweep: position redeemed",
			slog.Uint64("position_id", pos.ID),
			slog.String("amount", pos.Amount.String()),
			slog.String("tx", txHash),
		)
		redeemed++
		principal.Add(principal, pos.Amount)
	}

	if redeemed > 0 && e.notifier != nil {
		_ = e.notifier.Notify(ctx, notify.EventRedemption, "Positions redeemed",
			fmt.Sprintf("Redeemed %d matured position(s), principal %s", redeemed, principal))
	}
}

// alertUpcoming notifies once per maturity entering the alert window.
func (e *RedemptionSweep) alertUpcoming(ctx context.Context) {
	if e.notifier == nil || e.alertDays <= 0 {
		return
	}
	for _, m := range e.vault.UpcomingMaturities(e.alertDays) {
		key := m.Unix()
		if e.alerted[key] {
			continue
		}
		e.alerted[key] = true
		_ = e.notifier.Notify(ctx, notify.EventRedemption, "Maturity approaching",
			fmt.Sprintf("Maturity %s is inside the %d-day window, outstanding principal %s",
				m.Format("2006-01-02"), e.alertDays, e.vault.Outstanding(m)))
	}
}

func (e *RedemptionSweep) notifyError(ctx context.Context, message string) {
	if e.notifier == nil {
		return
	}
	_ = e.notifier.Notify(ctx, notify.EventError, "Sweep error", message)
}
