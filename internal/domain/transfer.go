package domain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Transferor moves yield tokens out of the vault. Implementations submit
// real ERC-20 transfers; tests substitute fakes. A returned error means the
// transfer did not happen and the caller must not account for it.
type Transferor interface {
	Transfer(ctx context.Context, to common.Address, amount *big.Int) (txHash string, err error)
}

// Redeemer burns a matured principal-token position for its underlying.
type Redeemer interface {
	Redeem(ctx context.Context, token common.Address, amount *big.Int) (txHash string, err error)
}

// Locker deposits underlying into a principal-token market, locking it until
// the market's maturity. The rollover engine calls this before recording the
// resulting position in the ledger.
type Locker interface {
	Lock(ctx context.Context, market common.Address, amount *big.Int) (txHash string, err error)
}
