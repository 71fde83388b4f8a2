package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/termfi/termvault/internal/domain"
)

// YieldService defines what the yield handler needs from the service layer.
type YieldService interface {
	Totals() domain.YieldTotals
	YieldHistory(start, end int) ([]domain.YieldEvent, error)
	FixedRate(ctx context.Context) (uint64, time.Time)
	PredictedYield(ctx context.Context, timeframe time.Duration) (*big.Int, error)
	ReceiveYield(ctx context.Context, amount *big.Int) (domain.YieldEvent, error)
}

// YieldHandler serves yield-accounting HTTP endpoints.
type YieldHandler struct {
	yield  YieldService
	logger *slog.Logger
}

// NewYieldHandler creates a YieldHandler with the given service and logger.
func NewYieldHandler(yield YieldService, logger *slog.Logger) *YieldHandler {
	return &YieldHandler{yield: yield, logger: logger}
}

// yieldEventDTO is the JSON shape of one recorded yield delivery.
type yieldEventDTO struct {
	Seq        uint64 `json:"seq"`
	Amount     string `json:"amount"`
	ReceivedAt string `json:"received_at"`
	RateBps    uint64 `json:"rate_bps"`
}

// ListEvents returns recorded yield deliveries in the half-open sequence
// range [start, end). Both bounds are optional; the default is the full
// history.
// GET /api/yield/events?start=0&end=10
func (h *YieldHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	total := h.yield.Totals().Events
	start := queryInt(r, "start", 0)
	end := queryInt(r, "end", total)

	// An empty log has no valid range. Without explicit bounds that is an
	// empty listing, not a range error.
	if total == 0 && !r.URL.Query().Has("start") && !r.URL.Query().Has("end") {
		writeJSON(w, http.StatusOK, map[string]any{
			"events": []yieldEventDTO{},
			"count":  0,
		})
		return
	}

	events, err := h.yield.YieldHistory(start, end)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidStart) ||
			errors.Is(err, domain.ErrInvalidEnd) ||
			errors.Is(err, domain.ErrInvalidRange) {
			writeError(w, http.StatusBadRequest, "invalid event range")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: list yield events failed",
			slog.Int("start", start),
			slog.Int("end", end),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list yield events")
		return
	}

	out := make([]yieldEventDTO, 0, len(events))
	for _, ev := range events {
		out = append(out, yieldEventDTO{
			Seq:        ev.Seq,
			Amount:     ev.Amount.String(),
			ReceivedAt: ev.ReceivedAt.UTC().Format(time.RFC3339),
			RateBps:    ev.RateBps,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events": out,
		"count":  len(out),
	})
}

// receiveRequest is the JSON body for reporting yield proceeds. The amount
// is a decimal string in base units.
type receiveRequest struct {
	Amount string `json:"amount"`
}

// ReceiveYield books yield proceeds reported by the external yield-sale
// step. No funds move here; the vault records a delivery that already
// happened.
// POST /api/yield
func (h *YieldHandler) ReceiveYield(w http.ResponseWriter, r *http.Request) {
	var req receiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		writeError(w, http.StatusBadRequest, "amount must be a base-10 integer")
		return
	}

	ev, err := h.yield.ReceiveYield(r.Context(), amount)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidAmount) {
			writeError(w, http.StatusBadRequest, "amount must be positive")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: receive yield failed",
			slog.String("amount", amount.String()),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to record yield")
		return
	}

	writeJSON(w, http.StatusCreated, yieldEventDTO{
		Seq:        ev.Seq,
		Amount:     ev.Amount.String(),
		ReceivedAt: ev.ReceivedAt.UTC().Format(time.RFC3339),
		RateBps:    ev.RateBps,
	})
}

// GetRate returns the most recent annualized yield rate in basis points.
// Zero with a null as_of means no rate has been computed yet.
// GET /api/yield/rate
func (h *YieldHandler) GetRate(w http.ResponseWriter, r *http.Request) {
	rateBps, at := h.yield.FixedRate(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"rate_bps": rateBps,
		"as_of":    formatTime(at),
	})
}

// GetPrediction returns the projected yield over the requested timeframe.
// The timeframe is either a plain integer number of days or a Go duration
// string such as 720h.
// GET /api/yield/prediction?timeframe=30
func (h *YieldHandler) GetPrediction(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("timeframe")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "timeframe query parameter required")
		return
	}

	var timeframe time.Duration
	if days, err := strconv.Atoi(raw); err == nil {
		timeframe = time.Duration(days) * 24 * time.Hour
	} else if d, err := time.ParseDuration(raw); err == nil {
		timeframe = d
	} else {
		writeError(w, http.StatusBadRequest, "timeframe must be days or a duration string")
		return
	}

	amount, err := h.yield.PredictedYield(r.Context(), timeframe)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTimeframe) {
			writeError(w, http.StatusBadRequest, "timeframe must be positive")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: yield prediction failed",
			slog.Duration("timeframe", timeframe),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to predict yield")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"timeframe_seconds": int64(timeframe.Seconds()),
		"amount":            amount.String(),
	})
}
