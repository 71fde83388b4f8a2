package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/termfi/termvault/internal/domain"
)

// BeneficiaryService defines what the beneficiary handler needs from the
// yield service.
type BeneficiaryService interface {
	Beneficiaries() []domain.Beneficiary
	Allocation(addr common.Address) *big.Int
	Sink() (common.Address, bool)
	AddBeneficiary(ctx context.Context, addr common.Address) error
	RemoveBeneficiary(ctx context.Context, addr common.Address) error
	SetSink(ctx context.Context, addr common.Address) error
	ClearSink(ctx context.Context) error
}

// BeneficiaryHandler serves beneficiary and sink admin HTTP endpoints.
type BeneficiaryHandler struct {
	yield  BeneficiaryService
	logger *slog.Logger
}

// NewBeneficiaryHandler creates a BeneficiaryHandler with the given service
// and logger.
func NewBeneficiaryHandler(yield BeneficiaryService, logger *slog.Logger) *BeneficiaryHandler {
	return &BeneficiaryHandler{yield: yield, logger: logger}
}

// addressRequest is the JSON body for endpoints taking a single address.
type addressRequest struct {
	Address string `json:"address"`
}

// beneficiaryDTO is the JSON shape of one registered beneficiary. Allocated
// is the lifetime sum paid to the address across distribution runs.
type beneficiaryDTO struct {
	Address   string `json:"address"`
	AddedAt   string `json:"added_at"`
	Allocated string `json:"allocated"`
}

// ListBeneficiaries returns the registered beneficiaries and the configured
// sink, if any.
// GET /api/beneficiaries
func (h *BeneficiaryHandler) ListBeneficiaries(w http.ResponseWriter, r *http.Request) {
	bens := h.yield.Beneficiaries()
	out := make([]beneficiaryDTO, 0, len(bens))
	for _, b := range bens {
		out = append(out, beneficiaryDTO{
			Address:   b.Address.Hex(),
			AddedAt:   b.AddedAt.UTC().Format(time.RFC3339),
			Allocated: h.yield.Allocation(b.Address).String(),
		})
	}

	var sink any
	if addr, ok := h.yield.Sink(); ok {
		sink = addr.Hex()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"beneficiaries": out,
		"count":         len(out),
		"sink":          sink,
	})
}

// AddBeneficiary registers a new distribution recipient.
// POST /api/beneficiaries
func (h *BeneficiaryHandler) AddBeneficiary(w http.ResponseWriter, r *http.Request) {
	addr, ok := decodeAddress(w, r)
	if !ok {
		return
	}

	if err := h.yield.AddBeneficiary(r.Context(), addr); err != nil {
		if errors.Is(err, domain.ErrInvalidAddress) {
			writeError(w, http.StatusBadRequest, "invalid address")
			return
		}
		if errors.Is(err, domain.ErrBeneficiaryExists) {
			writeError(w, http.StatusConflict, "beneficiary already registered")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: add beneficiary failed",
			slog.String("address", addr.Hex()),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to add beneficiary")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"status":  "added",
		"address": addr.Hex(),
	})
}

// RemoveBeneficiary unregisters a distribution recipient. Funds already
// allocated to the address are unaffected.
// DELETE /api/beneficiaries/{address}
func (h *BeneficiaryHandler) RemoveBeneficiary(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("address")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	addr := common.HexToAddress(raw)

	if err := h.yield.RemoveBeneficiary(r.Context(), addr); err != nil {
		if errors.Is(err, domain.ErrBeneficiaryNotFound) {
			writeError(w, http.StatusNotFound, "beneficiary not registered")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: remove beneficiary failed",
			slog.String("address", addr.Hex()),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to remove beneficiary")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "removed",
		"address": addr.Hex(),
	})
}

// SetSink routes whole future distributions to a single address instead of
// splitting across beneficiaries.
// PUT /api/sink
func (h *BeneficiaryHandler) SetSink(w http.ResponseWriter, r *http.Request) {
	addr, ok := decodeAddress(w, r)
	if !ok {
		return
	}

	if err := h.yield.SetSink(r.Context(), addr); err != nil {
		if errors.Is(err, domain.ErrInvalidAddress) {
			writeError(w, http.StatusBadRequest, "invalid address")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: set sink failed",
			slog.String("address", addr.Hex()),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to set sink")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "set",
		"address": addr.Hex(),
	})
}

// ClearSink returns distributions to split mode.
// DELETE /api/sink
func (h *BeneficiaryHandler) ClearSink(w http.ResponseWriter, r *http.Request) {
	if err := h.yield.ClearSink(r.Context()); err != nil {
		h.logger.ErrorContext(r.Context(), "handler: clear sink failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to clear sink")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "cleared",
	})
}

// decodeAddress reads an addressRequest body and validates the address,
// writing the error response itself on failure.
func decodeAddress(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	var req addressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return common.Address{}, false
	}
	if !common.IsHexAddress(req.Address) {
		writeError(w, http.StatusBadRequest, "invalid address")
		return common.Address{}, false
	}
	return common.HexToAddress(req.Address), true
}
