package handler

import (
	"math/big"
	"net/http"
)

// VaultStats is the aggregate principal view the vault endpoints read.
// Reads are in-memory ledger snapshots and take no context.
type VaultStats interface {
	TotalLocked() *big.Int
	RedeemableAmount() *big.Int
	PositionCount() int
	MaturityCount() int
}

// VaultHandler serves vault-level aggregate HTTP endpoints.
type VaultHandler struct {
	vault VaultStats
}

// NewVaultHandler creates a VaultHandler with the given service.
func NewVaultHandler(vault VaultStats) *VaultHandler {
	return &VaultHandler{vault: vault}
}

// GetTVL returns the unredeemed principal locked in the vault.
// GET /api/vault/tvl
func (h *VaultHandler) GetTVL(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"total_locked": h.vault.TotalLocked().String(),
		"positions":    h.vault.PositionCount(),
		"maturities":   h.vault.MaturityCount(),
	})
}

// GetRedeemable returns the principal sitting in matured, unredeemed
// positions right now.
// GET /api/vault/redeemable
func (h *VaultHandler) GetRedeemable(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"redeemable": h.vault.RedeemableAmount().String(),
	})
}
