package handler

import (
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/termfi/termvault/internal/domain"
)

// MaturityService defines what the maturity handler needs from the vault
// service. Reads are in-memory ledger snapshots and take no context.
type MaturityService interface {
	Maturities() []domain.MaturityInfo
	UpcomingMaturities(daysAhead int) []time.Time
	PositionsByMaturity(maturity time.Time) []uint64
	Outstanding(maturity time.Time) *big.Int
}

// MaturityHandler serves maturity-schedule HTTP endpoints.
type MaturityHandler struct {
	vault MaturityService
}

// NewMaturityHandler creates a MaturityHandler with the given service.
func NewMaturityHandler(vault MaturityService) *MaturityHandler {
	return &MaturityHandler{vault: vault}
}

// maturityDTO is the JSON shape of one tracked maturity bucket. The unix
// timestamp keys the /api/maturities/{ts}/positions endpoint.
type maturityDTO struct {
	Maturity     string `json:"maturity"`
	MaturityUnix int64  `json:"maturity_unix"`
	Outstanding  string `json:"outstanding"`
	Positions    int    `json:"positions"`
}

// ListMaturities returns every tracked maturity with its outstanding
// principal, or just the dates falling inside the next N days when days is
// given. Dates come back in first-registration order, not chronological
// order; callers wanting a timeline must sort.
// GET /api/maturities?days=N
func (h *MaturityHandler) ListMaturities(w http.ResponseWriter, r *http.Request) {
	if v := r.URL.Query().Get("days"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil || days < 0 {
			writeError(w, http.StatusBadRequest, "days must be a non-negative integer")
			return
		}
		upcoming := h.vault.UpcomingMaturities(days)
		out := make([]maturityDTO, 0, len(upcoming))
		for _, m := range upcoming {
			out = append(out, maturityDTO{
				Maturity:     m.UTC().Format(time.RFC3339),
				MaturityUnix: m.Unix(),
				Outstanding:  h.vault.Outstanding(m).String(),
				Positions:    len(h.vault.PositionsByMaturity(m)),
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"maturities": out,
			"count":      len(out),
			"days":       days,
		})
		return
	}

	infos := h.vault.Maturities()
	out := make([]maturityDTO, 0, len(infos))
	for _, info := range infos {
		out = append(out, maturityDTO{
			Maturity:     info.Maturity.UTC().Format(time.RFC3339),
			MaturityUnix: info.Maturity.Unix(),
			Outstanding:  info.Outstanding.String(),
			Positions:    info.Positions,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"maturities": out,
		"count":      len(out),
	})
}

// ListPositionsAt returns the IDs of every position locked until the given
// maturity, keyed by unix timestamp. Redeemed positions stay listed; the
// outstanding figure counts only unredeemed principal.
// GET /api/maturities/{ts}/positions
func (h *MaturityHandler) ListPositionsAt(w http.ResponseWriter, r *http.Request) {
	ts, err := strconv.ParseInt(r.PathValue("ts"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid maturity timestamp")
		return
	}

	maturity := time.Unix(ts, 0).UTC()
	ids := h.vault.PositionsByMaturity(maturity)
	if ids == nil {
		ids = []uint64{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"maturity":      maturity.Format(time.RFC3339),
		"maturity_unix": ts,
		"position_ids":  ids,
		"outstanding":   h.vault.Outstanding(maturity).String(),
	})
}
