package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/termfi/termvault/internal/domain"
)

// ERC20Transferor implements domain.Transferor by calling transfer on a
// single ERC-20 token, the asset the vault pays yield out in.
type ERC20Transferor struct {
	client *Client
	token  common.Address
}

// NewERC20Transferor creates a transferor bound to the given token contract.
func NewERC20Transferor(client *Client, token common.Address) *ERC20Transferor {
	return &ERC20Transferor{
		client: client,
		token:  token,
	}
}

var _ domain.Transferor = (*ERC20Transferor)(nil)

// Transfer submits transfer(to, amount) on the token contract and returns
// the transaction hash. The submission fails loudly; a returned error means
// no funds moved from the vault's point of view.
func (t *ERC20Transferor) Transfer(ctx context.Context, to common.Address, amount *big.Int) (string, error) {
	if to == (common.Address{}) {
		return "", domain.ErrInvalidAddress
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", domain.ErrInvalidAmount
	}

	data := packCall(transferSelector, addressWord(to), uint256Word(amount))
	return t.client.send(ctx, t.token, data)
}
