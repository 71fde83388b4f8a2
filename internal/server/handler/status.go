package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/termfi/termvault/internal/domain"
)

// StatusVault is the vault-side aggregate view the status endpoint reads.
// Reads are in-memory ledger snapshots and take no context.
type StatusVault interface {
	TotalLocked() *big.Int
	RedeemableAmount() *big.Int
	PositionCount() int
	MaturityCount() int
}

// StatusYield is the yield-side aggregate view the status endpoint reads.
type StatusYield interface {
	Totals() domain.YieldTotals
	Beneficiaries() []domain.Beneficiary
	Sink() (common.Address, bool)
	FixedRate(ctx context.Context) (uint64, time.Time)
	Distributions(ctx context.Context, limit int) ([]domain.DistributionRun, error)
}

// StatusHandler serves the daemon status snapshot for dashboards.
type StatusHandler struct {
	mode      string
	startedAt time.Time
	vault     StatusVault
	yield     StatusYield
	logger    *slog.Logger
}

// NewStatusHandler creates a StatusHandler reporting the given run mode and
// start time.
func NewStatusHandler(mode string, startedAt time.Time, vault StatusVault, yield StatusYield, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		mode:      mode,
		startedAt: startedAt,
		vault:     vault,
		yield:     yield,
		logger:    logger,
	}
}

// GetStatus responds with the current vault snapshot: mode, uptime, position
// and maturity counts, locked and redeemable principal, yield totals and the
// most recent distribution run.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	totals := h.yield.Totals()
	rateBps, rateAt := h.yield.FixedRate(ctx)
	_, sinkSet := h.yield.Sink()

	status := map[string]any{
		"mode":           h.mode,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"positions":      h.vault.PositionCount(),
		"maturities":     h.vault.MaturityCount(),
		"total_locked":   h.vault.TotalLocked().String(),
		"redeemable":     h.vault.RedeemableAmount().String(),
		"yield": map[string]any{
			"received":      totals.Received.String(),
			"distributed":   totals.Distributed.String(),
			"undistributed": totals.Undistributed.String(),
			"events":        totals.Events,
			"rate_bps":      rateBps,
			"rate_as_of":    formatTime(rateAt),
		},
		"beneficiaries": len(h.yield.Beneficiaries()),
		"sink_set":      sinkSet,
	}

	// The snapshot degrades rather than fails when the run journal is
	// unreachable.
	runs, err := h.yield.Distributions(ctx, 1)
	switch {
	case err != nil:
		h.logger.WarnContext(ctx, "handler: status could not load last distribution",
			slog.String("error", err.Error()),
		)
		status["last_distribution"] = nil
	case len(runs) == 0:
		status["last_distribution"] = nil
	default:
		status["last_distribution"] = toDistributionDTO(runs[0])
	}

	writeJSON(w, http.StatusOK, status)
}

// formatTime renders t as RFC3339, or nil for the zero time.
func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
