package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/termfi/termvault/internal/domain"
	"github.com/termfi/termvault/internal/notify"
	"github.com/termfi/termvault/internal/selector"
)

// rolloverLockTTL bounds how long a crashed instance can hold the
// redemption lock mid-rollover.
const rolloverLockTTL = 10 * time.Minute

// MarketSource lists candidate principal-token markets for reinvestment.
// It is typically implemented by the ptmarkets client.
type MarketSource interface {
	ActiveMarkets(ctx context.Context) ([]domain.PTMarket, error)
}

// RolloverEngine runs the redeem-and-reinvest cycle: redeem every matured
// position, pick the best market for the proceeds, lock them there, and
// record the new position. It shares the redemption lock with the sweep so
// a position is never redeemed twice against the protocol.
type RolloverEngine struct {
	vault    *VaultService
	markets  MarketSource
	sel      *selector.Selector
	redeemer domain.Redeemer
	locker   domain.Locker
	locks    domain.LockManager
	bus      domain.SignalBus
	notifier *notify.Notifier
	clock    clockwork.Clock

	minPrincipal *big.Int

	logger *slog.Logger
}

// NewRolloverEngine creates a rollover engine. minPrincipal below which no
// cycle starts may be nil to roll any amount; a nil notifier disables
// outbound alerts.
func NewRolloverEngine(
	vault *VaultService,
	markets MarketSource,
	sel *selector.Selector,
	redeemer domain.Redeemer,
	locker domain.Locker,
	locks domain.LockManager,
	bus domain.SignalBus,
	notifier *notify.Notifier,
	clock clockwork.Clock,
	minPrincipal *big.Int,
	logger *slog.Logger,
) *RolloverEngine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RolloverEngine{
		vault:        vault,
		markets:      markets,
		sel:          sel,
		redeemer:     redeemer,
		locker:       locker,
		locks:        locks,
		bus:          bus,
		notifier:     notifier,
		clock:        clock,
		minPrincipal: minPrincipal,
		logger:       logger.With(slog.String("component", "rollover")),
	}
}

// RunOnce executes a single rollover cycle. The threshold is checked before
// anything is redeemed so principal never sits redeemed-but-unrolled
// waiting for more to mature. Returns ErrLockHeld when another instance
// holds the redemption lock.
func (e *RolloverEngine) RunOnce(ctx context.Context) error {
	unlock, err := e.locks.Acquire(ctx, redemptionLockKey, rolloverLockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			e.logger.DebugContext(ctx, "rollover: another instance holds the redemption lock")
			return err
		}
		return fmt.Errorf("rollover: acquire lock: %w", err)
	}
	defer unlock()

	redeemable := e.vault.RedeemableAmount()
	if redeemable.Sign() == 0 {
		e.logger.DebugContext(ctx, "rollover: nothing matured")
		return nil
	}
	if e.minPrincipal != nil && redeemable.Cmp(e.minPrincipal) < 0 {
		e.logger.InfoContext(ctx, "rollover: redeemable below threshold, holding",
			slog.String("redeemable", redeemable.String()),
			slog.String("min_principal", e.minPrincipal.String()),
		)
		return nil
	}

	matured := e.vault.MaturedPositions()
	proceeds := new(big.Int)
	redeemed := 0
	for _, pos := range matured {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("rollover: %w", err)
		}
		txHash, err := e.redeemer.Redeem(ctx, pos.PrincipalToken, pos.Amount)
		if err != nil {
			e.logger.ErrorContext(ctx, "rollover: redeem failed",
				slog.Uint64("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
			e.notifyError(ctx, fmt.Sprintf("Redeem of position %d failed: %v", pos.ID, err))
			continue
		}
		if _, err := e.vault.MarkRedeemed(ctx, pos.ID); err != nil {
			e.logger.ErrorContext(ctx, "rollover: mark redeemed failed",
				slog.Uint64("position_id", pos.ID),
				slog.String("tx", txHash),
				slog.String("error", err.Error()),
			)
			e.notifyError(ctx, fmt.Sprintf("Position %d redeemed on-chain (tx %s) but not recorded: %v", pos.ID, txHash, err))
			continue
		}
		proceeds.Add(proceeds, pos.Amount)
		redeemed++
	}
	if redeemed == 0 {
		return fmt.Errorf("rollover: no position out of %d could be redeemed", len(matured))
	}

	candidates, err := e.markets.ActiveMarkets(ctx)
	if err != nil {
		e.notifyError(ctx, fmt.Sprintf("Redeemed %s but the market listing failed: %v. Funds remain in the wallet.", proceeds, err))
		return fmt.Errorf("rollover: list markets: %w", err)
	}
	choice, err := e.sel.Select(candidates, e.clock.Now())
	if err != nil {
		e.notifyError(ctx, fmt.Sprintf("Redeemed %s but no market qualified: %v. Funds remain in the wallet.", proceeds, err))
		return fmt.Errorf("rollover: select market: %w", err)
	}

	lockTx, err := e.locker.Lock(ctx, choice.Address, proceeds)
	if err != nil {
		e.notifyError(ctx, fmt.Sprintf("Redeemed %s but the lock into %s failed: %v. Funds remain in the wallet.", proceeds, choice.Name, err))
		return fmt.Errorf("rollover: lock into %s: %w", choice.Address.Hex(), err)
	}

	pos, err := e.vault.AddPosition(ctx, choice.Address, proceeds, choice.Maturity)
	if err != nil {
		e.notifyError(ctx, fmt.Sprintf("Locked %s into %s (tx %s) but recording the position failed: %v", proceeds, choice.Name, lockTx, err))
		return fmt.Errorf("rollover: record position: %w", err)
	}

	payload, _ := json.Marshal(map[string]any{
		"event":       "rollover",
		"redeemed":    redeemed,
		"principal":   proceeds.String(),
		"next_market": choice.Address.Hex(),
		"new_id":      pos.ID,
	})
	if e.bus != nil {
		_ = e.bus.Publish(ctx, domain.ChannelPositions, payload)
		_ = e.bus.StreamAppend(ctx, domain.StreamEvents, payload)
	}

	e.logger.InfoContext(ctx, "rollover: cycle completed",
		slog.Int("redeemed", redeemed),
		slog.String("principal", proceeds.String()),
		slog.String("next_market", choice.Address.Hex()),
		slog.Uint64("new_id", pos.ID),
		slog.String("tx", lockTx),
	)
	if e.notifier != nil {
		_ = e.notifier.Notify(ctx, notify.EventRollover, "Rollover completed",
			fmt.Sprintf("Redeemed %d position(s) and locked %s into %s, maturing %s",
				redeemed, proceeds, choice.Name, choice.Maturity.Format("2006-01-02")))
	}
	return nil
}

func (e *RolloverEngine) notifyError(ctx context.Context, message string) {
	if e.notifier == nil {
		return
	}
	_ = e.notifier.Notify(ctx, notify.EventError, "Rollover error", message)
}
