package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Function selectors (first 4 bytes of keccak256 of the canonical signature).
var (
	// transfer(address,uint256)
	transferSelector = ethcrypto.Keccak256([]byte("transfer(address,uint256)"))[:4]

	// redeem(address,uint256)
	redeemSelector = ethcrypto.Keccak256([]byte("redeem(address,uint256)"))[:4]

	// deposit(address,uint256)
	depositSelector = ethcrypto.Keccak256([]byte("deposit(address,uint256)"))[:4]
)

// packCall builds calldata from a 4-byte selector and pre-encoded 32-byte
// argument words.
func packCall(selector []byte, args ...[]byte) []byte {
	size := len(selector)
	for _, a := range args {
		size += len(a)
	}
	data := make([]byte, 0, size)
	data = append(data, selector...)
	for _, a := range args {
		data = append(data, a...)
	}
	return data
}

// addressWord encodes an address as a left-padded 32-byte word.
func addressWord(addr common.Address) []byte {
	return common.LeftPadBytes(addr.Bytes(), 32)
}

// uint256Word returns the 32-byte big-endian representation of n.
func uint256Word(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[:32]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}
