// Package chain submits the vault's on-chain legs: ERC-20 yield payouts and
// principal-token redemptions. Calldata is packed by hand against the
// well-known selectors rather than through generated bindings.
package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ClientConfig holds the connection and signing settings for the EVM chain
// the vault operates on.
type ClientConfig struct {
	// RPCURL is the JSON-RPC endpoint, e.g. "https://polygon-rpc.com".
	RPCURL string

	// ChainID is the expected chain ID. When non-zero it is verified against
	// the node at connect time so a misconfigured endpoint fails fast.
	ChainID int64

	// PrivateKey is the hex-encoded secp256k1 key that signs all
	// transactions. A 0x prefix is accepted.
	PrivateKey string

	// GasLimit caps the gas for each transaction. Zero means estimate per
	// call via eth_estimateGas.
	GasLimit uint64
}

// Client wraps an ethclient connection together with the vault's signing key.
// All transactions go through send, which serialises the nonce window so two
// concurrent submitters cannot reuse a nonce.
type Client struct {
	eth      *ethclient.Client
	chainID  *big.Int
	signer   types.Signer
	key      *ecdsa.PrivateKey
	from     common.Address
	gasLimit uint64

	mu sync.Mutex
}

// New dials the RPC endpoint, verifies the chain ID, and derives the sender
// address from the configured private key.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("chain: rpc url is required")
	}

	keyHex := strings.TrimPrefix(cfg.PrivateKey, "0x")
	key, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("chain: invalid private key: %w", err)
	}

	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", cfg.RPCURL, err)
	}

	chainID, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("chain: fetch chain id: %w", err)
	}
	if cfg.ChainID != 0 && chainID.Int64() != cfg.ChainID {
		eth.Close()
		return nil, fmt.Errorf("chain: chain id mismatch: node reports %d, config expects %d",
			chainID.Int64(), cfg.ChainID)
	}

	return &Client{
		eth:      eth,
		chainID:  chainID,
		signer:   types.LatestSignerForChainID(chainID),
		key:      key,
		from:     ethcrypto.PubkeyToAddress(key.PublicKey),
		gasLimit: cfg.GasLimit,
	}, nil
}

// From returns the address transactions are sent from.
func (c *Client) From() common.Address {
	return c.from
}

// ChainID returns the connected chain's ID.
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// Health verifies the node is reachable and still reports the expected
// chain ID.
func (c *Client) Health(ctx context.Context) error {
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("chain: health check: %w", err)
	}
	if id.Cmp(c.chainID) != 0 {
		return fmt.Errorf("chain: health check: chain id changed from %s to %s", c.chainID, id)
	}
	return nil
}

// Close tears down the underlying RPC connection.
func (c *Client) Close() error {
	c.eth.Close()
	return nil
}

// send signs and submits a contract call carrying the given calldata and
// returns the transaction hash. The nonce-to-broadcast window is held under
// the client mutex.
func (c *Client) send(ctx context.Context, to common.Address, data []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	nonce, err := c.eth.PendingNonceAt(ctx, c.from)
	if err != nil {
		return "", fmt.Errorf("chain: fetch nonce: %w", err)
	}

	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("chain: suggest gas price: %w", err)
	}

	gas := c.gasLimit
	if gas == 0 {
		gas, err = c.eth.EstimateGas(ctx, ethereum.CallMsg{
			From: c.from,
			To:   &to,
			Data: data,
		})
		if err != nil {
			return "", fmt.Errorf("chain: estimate gas: %w", err)
		}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    big.NewInt(0),
		Data:     data,
	})

	signed, err := types.SignTx(tx, c.signer, c.key)
	if err != nil {
		return "", fmt.Errorf("chain: sign tx: %w", err)
	}

	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("chain: send tx: %w", err)
	}

	return signed.Hash().Hex(), nil
}
