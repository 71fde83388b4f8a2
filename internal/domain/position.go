package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Position records one locked principal-token deposit. Amount and Maturity
// are immutable after creation; Redeemed flips to true exactly once and never
// reverts. Positions are append-only; the ledger never deletes one.
type Position struct {
	ID             uint64
	PrincipalToken common.Address
	Amount         *big.Int
	Maturity       time.Time
	Redeemed       bool
	DepositedAt    time.Time
	RedeemedAt     *time.Time
}

// Matured reports whether the position is eligible for redemption at the
// given instant. The boundary is inclusive: a position matures the second
// its maturity timestamp is reached.
func (p Position) Matured(now time.Time) bool {
	return !now.Before(p.Maturity)
}

// Clone returns a deep copy so callers cannot mutate ledger-owned state
// through the shared *big.Int.
func (p Position) Clone() Position {
	out := p
	if p.Amount != nil {
		out.Amount = new(big.Int).Set(p.Amount)
	}
	if p.RedeemedAt != nil {
		t := *p.RedeemedAt
		out.RedeemedAt = &t
	}
	return out
}

// MaturedPosition is the redemption-sweep view of a position: just what the
// external redeem step needs, in original creation order.
type MaturedPosition struct {
	ID             uint64
	PrincipalToken common.Address
	Amount         *big.Int
	Maturity       time.Time
}

// MaturityInfo is the per-maturity aggregate exposed to the API layer.
type MaturityInfo struct {
	Maturity    time.Time
	Outstanding *big.Int
	Positions   int
}
