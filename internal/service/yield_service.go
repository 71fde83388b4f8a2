package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/termfi/termvault/internal/domain"
	"github.com/termfi/termvault/internal/notify"
	"github.com/termfi/termvault/internal/yield"
)

// YieldService wraps the accountant with journaling, the Redis rate cache,
// event publication, and audit logging. The accountant is authoritative;
// journals record what already happened, and the totals row is written
// after every mutation so lifetime sums survive event-log archival.
type YieldService struct {
	accountant    *yield.Accountant
	events        domain.YieldJournal
	runs          domain.DistributionJournal
	beneficiaries domain.BeneficiaryStore
	totals        domain.TotalsStore
	rates         domain.RateCache
	bus           domain.SignalBus
	audit         domain.AuditStore
	notifier      *notify.Notifier
	logger        *slog.Logger
}

// NewYieldService creates a YieldService with all required dependencies. A
// nil notifier disables outbound alerts.
func NewYieldService(
	accountant *yield.Accountant,
	events domain.YieldJournal,
	runs domain.DistributionJournal,
	beneficiaries domain.BeneficiaryStore,
	totals domain.TotalsStore,
	rates domain.RateCache,
	bus domain.SignalBus,
	audit domain.AuditStore,
	notifier *notify.Notifier,
	logger *slog.Logger,
) *YieldService {
	return &YieldService{
		accountant:    accountant,
		events:        events,
		runs:          runs,
		beneficiaries: beneficiaries,
		totals:        totals,
		rates:         rates,
		bus:           bus,
		audit:         audit,
		notifier:      notifier,
		logger:        logger.With(slog.String("component", "yield_service")),
	}
}

// ReceiveYield records one yield delivery, journals it, refreshes the
// persisted totals, and publishes the latest rate to the cache.
func (s *YieldService) ReceiveYield(ctx context.Context, amount *big.Int) (domain.YieldEvent, error) {
	ev, err := s.accountant.ReceiveYield(amount)
	if err != nil {
		return domain.YieldEvent{}, fmt.Errorf("yield_service: receive yield: %w", err)
	}

	if err := s.events.Insert(ctx, ev); err != nil {
		s.logger.ErrorContext(ctx, "yield_service: yield journal write failed",
			slog.Uint64("seq", ev.Seq),
			slog.String("error", err.Error()),
		)
		return ev, fmt.Errorf("yield_service: journal yield event %d: %w", ev.Seq, err)
	}
	if err := s.persistTotals(ctx); err != nil {
		s.logger.ErrorContext(ctx, "yield_service: totals write failed",
			slog.Uint64("seq", ev.Seq),
			slog.String("error", err.Error()),
		)
		return ev, fmt.Errorf("yield_service: persist totals: %w", err)
	}

	if cacheErr := s.rates.SetFixedRate(ctx, ev.RateBps, ev.ReceivedAt); cacheErr != nil {
		s.logger.WarnContext(ctx, "yield_service: rate cache write failed",
			slog.String("error", cacheErr.Error()),
		)
	}

	s.emit(ctx, domain.ChannelYield, map[string]any{
		"event":    "yield_received",
		"seq":      ev.Seq,
		"amount":   ev.Amount.String(),
		"rate_bps": ev.RateBps,
	})

	if auditErr := s.audit.Log(ctx, "yield_received", map[string]any{
		"seq":      ev.Seq,
		"amount":   ev.Amount.String(),
		"rate_bps": ev.RateBps,
	}); auditErr != nil {
		s.logger.WarnContext(ctx, "yield_service: audit log failed",
			slog.Uint64("seq", ev.Seq),
			slog.String("error", auditErr.Error()),
		)
	}

	s.logger.InfoContext(ctx, "yield_service: yield received",
		slog.Uint64("seq", ev.Seq),
		slog.String("amount", ev.Amount.String()),
		slog.Uint64("rate_bps", ev.RateBps),
	)

	if s.notifier != nil {
		_ = s.notifier.Notify(ctx, notify.EventYield, "Yield received",
			fmt.Sprintf("Event %d booked %s of yield, annualized rate %d bps", ev.Seq, ev.Amount, ev.RateBps))
	}

	return ev, nil
}

// Distribute pays the undistributed pool out and journals the run. Totals
// are persisted even when the run fails partway: the accountant books each
// transfer as it completes, and the external moves cannot be rolled back.
func (s *YieldService) Distribute(ctx context.Context) (domain.DistributionRun, error) {
	run, err := s.accountant.Distribute(ctx)
	if err != nil {
		if saveErr := s.persistTotals(ctx); saveErr != nil {
			s.logger.ErrorContext(ctx, "yield_service: totals write failed after aborted distribution",
				slog.String("error", saveErr.Error()),
			)
		}
		if auditErr := s.audit.Log(ctx, "distribution_failed", map[string]any{
			"error": err.Error(),
		}); auditErr != nil {
			s.logger.WarnContext(ctx, "yield_service: audit log failed",
				slog.String("error", auditErr.Error()),
			)
		}
		return domain.DistributionRun{}, fmt.Errorf("yield_service: distribute: %w", err)
	}

	if saveErr := s.persistTotals(ctx); saveErr != nil {
		s.logger.ErrorContext(ctx, "yield_service: totals write failed after distribution",
			slog.String("run_id", run.ID),
			slog.String("error", saveErr.Error()),
		)
		return run, fmt.Errorf("yield_service: persist totals after distribution %s: %w", run.ID, saveErr)
	}
	if insErr := s.runs.Insert(ctx, run); insErr != nil {
		s.logger.ErrorContext(ctx, "yield_service: distribution journal write failed",
			slog.String("run_id", run.ID),
			slog.String("error", insErr.Error()),
		)
		return run, fmt.Errorf("yield_service: journal distribution %s: %w", run.ID, insErr)
	}

	// Lifetime allocation counters are informational; a failed update is
	// logged and the run still counts as complete.
	if run.PerShare.Sign() > 0 {
		for _, to := range run.Recipients {
			if allocErr := s.beneficiaries.AddAllocation(ctx, to.Hex(), run.PerShare.String()); allocErr != nil {
				s.logger.WarnContext(ctx, "yield_service: allocation counter update failed",
					slog.String("address", to.Hex()),
					slog.String("error", allocErr.Error()),
				)
			}
		}
	}

	s.emit(ctx, domain.ChannelDistributions, map[string]any{
		"event":      "distribution_completed",
		"run_id":     run.ID,
		"mode":       string(run.Mode),
		"pool":       run.Pool.String(),
		"per_share":  run.PerShare.String(),
		"recipients": len(run.Recipients),
	})

	if auditErr := s.audit.Log(ctx, "distribution_completed", map[string]any{
		"run_id":     run.ID,
		"mode":       string(run.Mode),
		"pool":       run.Pool.String(),
		"per_share":  run.PerShare.String(),
		"remainder":  run.Remainder.String(),
		"recipients": len(run.Recipients),
	}); auditErr != nil {
		s.logger.WarnContext(ctx, "yield_service: audit log failed",
			slog.String("run_id", run.ID),
			slog.String("error", auditErr.Error()),
		)
	}

	s.logger.InfoContext(ctx, "yield_service: distribution completed",
		slog.String("run_id", run.ID),
		slog.String("mode", string(run.Mode)),
		slog.String("pool", run.Pool.String()),
		slog.Int("recipients", len(run.Recipients)),
	)

	return run, nil
}

// AddBeneficiary registers a distribution recipient in the accountant and
// the store.
func (s *YieldService) AddBeneficiary(ctx context.Context, addr common.Address) error {
	if err := s.accountant.AddBeneficiary(addr); err != nil {
		return fmt.Errorf("yield_service: add beneficiary: %w", err)
	}

	// Journal the beneficiary with the AddedAt the accountant stamped.
	added := domain.Beneficiary{Address: addr}
	for _, b := range s.accountant.Beneficiaries() {
		if b.Address == addr {
			added = b
			break
		}
	}
	if err := s.beneficiaries.Insert(ctx, added); err != nil {
		s.logger.ErrorContext(ctx, "yield_service: beneficiary journal write failed",
			slog.String("address", addr.Hex()),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("yield_service: journal beneficiary %s: %w", addr.Hex(), err)
	}

	s.auditAndLog(ctx, "beneficiary_added", map[string]any{"address": addr.Hex()})
	return nil
}

// RemoveBeneficiary deregisters a recipient. Its lifetime allocation
// counter survives removal.
func (s *YieldService) RemoveBeneficiary(ctx context.Context, addr common.Address) error {
	if err := s.accountant.RemoveBeneficiary(addr); err != nil {
		return fmt.Errorf("yield_service: remove beneficiary: %w", err)
	}
	if err := s.beneficiaries.Delete(ctx, addr.Hex()); err != nil {
		s.logger.ErrorContext(ctx, "yield_service: beneficiary journal delete failed",
			slog.String("address", addr.Hex()),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("yield_service: journal beneficiary removal %s: %w", addr.Hex(), err)
	}

	s.auditAndLog(ctx, "beneficiary_removed", map[string]any{"address": addr.Hex()})
	return nil
}

// SetSink routes future distributions entirely to one address.
func (s *YieldService) SetSink(ctx context.Context, addr common.Address) error {
	if err := s.accountant.SetSink(addr); err != nil {
		return fmt.Errorf("yield_service: set sink: %w", err)
	}
	if err := s.beneficiaries.SetSink(ctx, addr.Hex()); err != nil {
		s.logger.ErrorContext(ctx, "yield_service: sink journal write failed",
			slog.String("address", addr.Hex()),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("yield_service: journal sink %s: %w", addr.Hex(), err)
	}

	s.auditAndLog(ctx, "sink_set", map[string]any{"address": addr.Hex()})
	return nil
}

// ClearSink returns distributions to split mode.
func (s *YieldService) ClearSink(ctx context.Context) error {
	if err := s.accountant.ClearSink(); err != nil {
		return fmt.Errorf("yield_service: clear sink: %w", err)
	}
	if err := s.beneficiaries.ClearSink(ctx); err != nil {
		s.logger.ErrorContext(ctx, "yield_service: sink journal delete failed",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("yield_service: journal sink removal: %w", err)
	}

	s.auditAndLog(ctx, "sink_cleared", nil)
	return nil
}

// Restore rebuilds the accountant from the journals. Called once at boot
// before any mutating traffic.
func (s *YieldService) Restore(ctx context.Context) error {
	events, err := s.events.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("yield_service: load yield journal: %w", err)
	}

	receivedStr, distributedStr, err := s.totals.Load(ctx)
	if err != nil {
		return fmt.Errorf("yield_service: load totals: %w", err)
	}
	received, ok := new(big.Int).SetString(receivedStr, 10)
	if !ok {
		return fmt.Errorf("yield_service: restore: bad total received %q", receivedStr)
	}
	distributed, ok := new(big.Int).SetString(distributedStr, 10)
	if !ok {
		return fmt.Errorf("yield_service: restore: bad total distributed %q", distributedStr)
	}

	// A crash between the event journal write and the totals write leaves
	// the totals row behind. The journaled events are the floor.
	journalSum := new(big.Int)
	for _, ev := range events {
		journalSum.Add(journalSum, ev.Amount)
	}
	if received.Cmp(journalSum) < 0 {
		s.logger.WarnContext(ctx, "yield_service: totals row behind event journal",
			slog.String("stored", received.String()),
			slog.String("journal_sum", journalSum.String()),
		)
		received.Set(journalSum)
	}

	registered, err := s.beneficiaries.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("yield_service: load beneficiaries: %w", err)
	}
	allocRows, err := s.beneficiaries.ListAllocations(ctx)
	if err != nil {
		return fmt.Errorf("yield_service: load allocations: %w", err)
	}
	allocations := make(map[common.Address]*big.Int, len(allocRows))
	for addr, total := range allocRows {
		amt, ok := new(big.Int).SetString(total, 10)
		if !ok {
			return fmt.Errorf("yield_service: restore: bad allocation %q for %s", total, addr)
		}
		allocations[common.HexToAddress(addr)] = amt
	}

	var sink *common.Address
	sinkStr, err := s.beneficiaries.GetSink(ctx)
	switch {
	case err == nil:
		a := common.HexToAddress(sinkStr)
		sink = &a
	case errors.Is(err, domain.ErrNotFound):
	default:
		return fmt.Errorf("yield_service: load sink: %w", err)
	}

	st := yield.State{
		Events:           events,
		TotalReceived:    received,
		TotalDistributed: distributed,
		Beneficiaries:    registered,
		Allocations:      allocations,
		Sink:             sink,
	}
	if err := s.accountant.Restore(st); err != nil {
		return fmt.Errorf("yield_service: restore accountant: %w", err)
	}

	s.logger.InfoContext(ctx, "yield_service: accountant restored",
		slog.Int("events", len(events)),
		slog.Int("beneficiaries", len(registered)),
		slog.String("undistributed", new(big.Int).Sub(received, distributed).String()),
	)
	return nil
}

// Totals returns the accountant's running aggregate view.
func (s *YieldService) Totals() domain.YieldTotals {
	return s.accountant.Totals()
}

// Beneficiaries returns the registered beneficiary set.
func (s *YieldService) Beneficiaries() []domain.Beneficiary {
	return s.accountant.Beneficiaries()
}

// Sink returns the configured sink, if any.
func (s *YieldService) Sink() (common.Address, bool) {
	return s.accountant.Sink()
}

// Allocation returns the lifetime amount distributed to addr.
func (s *YieldService) Allocation(addr common.Address) *big.Int {
	return s.accountant.Allocation(addr)
}

// YieldHistory returns the half-open slice [start, end) of the retained
// event log.
func (s *YieldService) YieldHistory(start, end int) ([]domain.YieldEvent, error) {
	events, err := s.accountant.YieldHistory(start, end)
	if err != nil {
		return nil, fmt.Errorf("yield_service: yield history: %w", err)
	}
	return events, nil
}

// Distributions returns the most recent journaled runs, newest first.
func (s *YieldService) Distributions(ctx context.Context, limit int) ([]domain.DistributionRun, error) {
	runs, err := s.runs.ListRecent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("yield_service: list distributions: %w", err)
	}
	return runs, nil
}

// FixedRate returns the latest annualized rate and the timestamp of the
// event behind it. The Redis copy is tried first so read traffic stays off
// the accountant lock; a miss falls back to the accountant and repopulates
// the cache.
func (s *YieldService) FixedRate(ctx context.Context) (uint64, time.Time) {
	if rate, ts, err := s.rates.GetFixedRate(ctx); err == nil {
		return rate, ts
	}

	rate := s.accountant.FixedYieldRate()
	var ts time.Time
	if n := s.accountant.Totals().Events; n > 0 {
		if tail, histErr := s.accountant.YieldHistory(n-1, n); histErr == nil && len(tail) == 1 {
			ts = tail[0].ReceivedAt
		}
	}
	if setErr := s.rates.SetFixedRate(ctx, rate, ts); setErr != nil {
		s.logger.DebugContext(ctx, "yield_service: rate cache refresh failed",
			slog.String("error", setErr.Error()),
		)
	}
	return rate, ts
}

// PredictedYield extrapolates the yield expected over timeframe. Results
// are cached per timeframe and refresh when the cache entry expires, not
// on every new receipt.
func (s *YieldService) PredictedYield(ctx context.Context, timeframe time.Duration) (*big.Int, error) {
	if timeframe <= 0 {
		return nil, fmt.Errorf("yield_service: predicted yield: %w", domain.ErrInvalidTimeframe)
	}

	if cached, _, err := s.rates.GetPrediction(ctx, timeframe); err == nil {
		if amt, ok := new(big.Int).SetString(cached, 10); ok {
			return amt, nil
		}
	}

	amt := s.accountant.PredictedYield(timeframe)
	if setErr := s.rates.SetPrediction(ctx, timeframe, amt.String(), time.Now().UTC()); setErr != nil {
		s.logger.DebugContext(ctx, "yield_service: prediction cache write failed",
			slog.String("error", setErr.Error()),
		)
	}
	return amt, nil
}

// persistTotals writes the accountant's lifetime sums to the totals row.
func (s *YieldService) persistTotals(ctx context.Context) error {
	t := s.accountant.Totals()
	return s.totals.Save(ctx, t.Received.String(), t.Distributed.String())
}

// auditAndLog records an audit entry and an info line for an admin action.
func (s *YieldService) auditAndLog(ctx context.Context, event string, detail map[string]any) {
	if auditErr := s.audit.Log(ctx, event, detail); auditErr != nil {
		s.logger.WarnContext(ctx, "yield_service: audit log failed",
			slog.String("event", event),
			slog.String("error", auditErr.Error()),
		)
	}
	attrs := []any{slog.String("event", event)}
	if addr, ok := detail["address"].(string); ok {
		attrs = append(attrs, slog.String("address", addr))
	}
	s.logger.InfoContext(ctx, "yield_service: "+event, attrs...)
}

// emit publishes an event on a channel and appends it to the durable event
// stream. Delivery is best-effort; failures are logged, never returned.
func (s *YieldService) emit(ctx context.Context, channel string, payload map[string]any) {
	evt, _ := json.Marshal(payload)
	if pubErr := s.bus.Publish(ctx, channel, evt); pubErr != nil {
		s.logger.WarnContext(ctx, "yield_service: publish event failed",
			slog.String("channel", channel),
			slog.String("error", pubErr.Error()),
		)
	}
	if appendErr := s.bus.StreamAppend(ctx, domain.StreamEvents, evt); appendErr != nil {
		s.logger.WarnContext(ctx, "yield_service: stream append failed",
			slog.String("error", appendErr.Error()),
		)
	}
}
