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

	"github.com/ethereum/go-ethereum/common"

	"github.com/termfi/termvault/internal/domain"
)

// PositionService defines what the position handler needs from the vault
// service. Reads are in-memory ledger snapshots and take no context; the
// mutations journal and take one.
type PositionService interface {
	Positions() []domain.Position
	MaturedPositions() []domain.MaturedPosition
	Position(id uint64) (domain.Position, error)
	AddPosition(ctx context.Context, token common.Address, amount *big.Int, maturity time.Time) (domain.Position, error)
	MarkRedeemed(ctx context.Context, id uint64) (domain.Position, error)
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	vault  PositionService
	logger *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given service and
// logger.
func NewPositionHandler(vault PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{vault: vault, logger: logger}
}

// positionDTO is the JSON shape of one position. Amounts are decimal strings
// in the principal token's base units.
type positionDTO struct {
	ID             uint64  `json:"id"`
	PrincipalToken string  `json:"principal_token"`
	Amount         string  `json:"amount"`
	Maturity       string  `json:"maturity"`
	MaturityUnix   int64   `json:"maturity_unix"`
	Redeemed       bool    `json:"redeemed"`
	DepositedAt    string  `json:"deposited_at"`
	RedeemedAt     *string `json:"redeemed_at,omitempty"`
}

func toPositionDTO(p domain.Position) positionDTO {
	dto := positionDTO{
		ID:             p.ID,
		PrincipalToken: p.PrincipalToken.Hex(),
		Amount:         p.Amount.String(),
		Maturity:       p.Maturity.UTC().Format(time.RFC3339),
		MaturityUnix:   p.Maturity.Unix(),
		Redeemed:       p.Redeemed,
		DepositedAt:    p.DepositedAt.UTC().Format(time.RFC3339),
	}
	if p.RedeemedAt != nil {
		s := p.RedeemedAt.UTC().Format(time.RFC3339)
		dto.RedeemedAt = &s
	}
	return dto
}

// maturedDTO is the redemption view of a position.
type maturedDTO struct {
	ID             uint64 `json:"id"`
	PrincipalToken string `json:"principal_token"`
	Amount         string `json:"amount"`
	Maturity       string `json:"maturity"`
	MaturityUnix   int64  `json:"maturity_unix"`
}

// ListPositions returns every position in creation order, or only the
// redemption-eligible ones when matured=true.
// GET /api/positions?matured=true
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("matured") == "true" {
		matured := h.vault.MaturedPositions()
		out := make([]maturedDTO, 0, len(matured))
		for _, m := range matured {
			out = append(out, maturedDTO{
				ID:             m.ID,
				PrincipalToken: m.PrincipalToken.Hex(),
				Amount:         m.Amount.String(),
				Maturity:       m.Maturity.UTC().Format(time.RFC3339),
				MaturityUnix:   m.Maturity.Unix(),
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"positions": out,
			"count":     len(out),
		})
		return
	}

	positions := h.vault.Positions()
	out := make([]positionDTO, 0, len(positions))
	for _, p := range positions {
		out = append(out, toPositionDTO(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"positions": out,
		"count":     len(out),
	})
}

// GetPosition returns a single position by its ledger-assigned ID.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid position id")
		return
	}

	pos, err := h.vault.Position(id)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidPositionID) {
			writeError(w, http.StatusNotFound, "position not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get position failed",
			slog.Uint64("position_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get position")
		return
	}

	writeJSON(w, http.StatusOK, toPositionDTO(pos))
}

// openRequest is the JSON body for recording an externally locked position.
// The amount is a decimal string in base units; the maturity is unix
// seconds.
type openRequest struct {
	PrincipalToken string `json:"principal_token"`
	Amount         string `json:"amount"`
	MaturityUnix   int64  `json:"maturity_unix"`
}

// AddPosition records a position locked by the external market step. No
// funds move here; the vault books an outcome that already happened
// on-chain.
// POST /api/positions
func (h *PositionHandler) AddPosition(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if !common.IsHexAddress(req.PrincipalToken) {
		writeError(w, http.StatusBadRequest, "invalid principal token address")
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		writeError(w, http.StatusBadRequest, "amount must be a base-10 integer")
		return
	}

	pos, err := h.vault.AddPosition(r.Context(),
		common.HexToAddress(req.PrincipalToken), amount, time.Unix(req.MaturityUnix, 0))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidToken):
			writeError(w, http.StatusBadRequest, "invalid principal token address")
		case errors.Is(err, domain.ErrInvalidAmount):
			writeError(w, http.StatusBadRequest, "amount must be positive")
		case errors.Is(err, domain.ErrMaturityNotFuture):
			writeError(w, http.StatusBadRequest, "maturity must be in the future")
		default:
			h.logger.ErrorContext(r.Context(), "handler: add position failed",
				slog.String("token", req.PrincipalToken),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to record position")
		}
		return
	}

	writeJSON(w, http.StatusCreated, toPositionDTO(pos))
}

// MarkRedeemed records the external redemption of a matured position.
// POST /api/positions/{id}/redeem
func (h *PositionHandler) MarkRedeemed(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid position id")
		return
	}

	pos, err := h.vault.MarkRedeemed(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidPositionID):
			writeError(w, http.StatusNotFound, "position not found")
		case errors.Is(err, domain.ErrAlreadyRedeemed):
			writeError(w, http.StatusConflict, "position already redeemed")
		case errors.Is(err, domain.ErrNotMatured):
			writeError(w, http.StatusConflict, "position has not matured")
		default:
			h.logger.ErrorContext(r.Context(), "handler: mark redeemed failed",
				slog.Uint64("position_id", id),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to mark position redeemed")
		}
		return
	}

	writeJSON(w, http.StatusOK, toPositionDTO(pos))
}
