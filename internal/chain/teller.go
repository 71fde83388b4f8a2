package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/termfi/termvault/internal/domain"
)

// Teller talks to the protocol's teller contract, the single entry point
// that locks underlying into principal-token markets and burns matured
// principal tokens back into underlying. It implements both domain.Redeemer
// and domain.Locker.
type Teller struct {
	client *Client
	teller common.Address
}

// NewTeller creates a Teller bound to the given teller contract.
func NewTeller(client *Client, teller common.Address) *Teller {
	return &Teller{
		client: client,
		teller: teller,
	}
}

var (
	_ domain.Redeemer = (*Teller)(nil)
	_ domain.Locker   = (*Teller)(nil)
)

// Redeem submits redeem(token, amount) on the teller and returns the
// transaction hash. Callers mark the ledger position redeemed only after
// this returns without error.
func (t *Teller) Redeem(ctx context.Context, token common.Address, amount *big.Int) (string, error) {
	if token == (common.Address{}) {
		return "", domain.ErrInvalidToken
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", domain.ErrInvalidAmount
	}

	data := packCall(redeemSelector, addressWord(token), uint256Word(amount))
	return t.client.send(ctx, t.teller, data)
}

// Lock submits deposit(market, amount) on the teller, committing underlying
// into the market until its maturity, and returns the transaction hash.
func (t *Teller) Lock(ctx context.Context, market common.Address, amount *big.Int) (string, error) {
	if market == (common.Address{}) {
		return "", domain.ErrInvalidToken
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", domain.ErrInvalidAmount
	}

	data := packCall(depositSelector, addressWord(market), uint256Word(amount))
	return t.client.send(ctx, t.teller, data)
}
