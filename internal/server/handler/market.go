package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/termfi/termvault/internal/domain"
	"github.com/termfi/termvault/internal/selector"
)

// MarketSource lists candidate principal-token markets, typically the
// ptmarkets client.
type MarketSource interface {
	ActiveMarkets(ctx context.Context) ([]domain.PTMarket, error)
}

// MarketHandler serves the rollover candidate-market endpoint.
type MarketHandler struct {
	markets  MarketSource
	selector *selector.Selector
	logger   *slog.Logger
}

// NewMarketHandler creates a MarketHandler scoring candidates with the
// given selector.
func NewMarketHandler(markets MarketSource, sel *selector.Selector, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{markets: markets, selector: sel, logger: logger}
}

// marketScoreDTO is the JSON shape of one scored rollover candidate.
type marketScoreDTO struct {
	Address      string  `json:"address"`
	Name         string  `json:"name"`
	Maturity     string  `json:"maturity"`
	MaturityUnix int64   `json:"maturity_unix"`
	Liquidity    string  `json:"liquidity"`
	Active       bool    `json:"active"`
	Score        float64 `json:"score"`
}

// ListMarkets returns the active candidate markets scored and sorted the
// way the rollover engine would pick them, best first.
// GET /api/selector/markets
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	if h.markets == nil {
		writeError(w, http.StatusServiceUnavailable, "no market source configured")
		return
	}

	candidates, err := h.markets.ActiveMarkets(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list candidate markets failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list candidate markets")
		return
	}

	ranked := h.selector.Rank(candidates, time.Now().UTC())
	out := make([]marketScoreDTO, 0, len(ranked))
	for _, ms := range ranked {
		liquidity := "0"
		if ms.Market.Liquidity != nil {
			liquidity = ms.Market.Liquidity.String()
		}
		out = append(out, marketScoreDTO{
			Address:      ms.Market.Address.Hex(),
			Name:         ms.Market.Name,
			Maturity:     ms.Market.Maturity.UTC().Format(time.RFC3339),
			MaturityUnix: ms.Market.Maturity.Unix(),
			Liquidity:    liquidity,
			Active:       ms.Market.Active,
			Score:        ms.Score,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"markets": out,
		"count":   len(out),
	})
}
