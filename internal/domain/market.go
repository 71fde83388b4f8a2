package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PTMarket is one candidate principal-token market considered during
// rollover selection. Liquidity is denominated in the quote token's
// smallest unit.
type PTMarket struct {
	Address   common.Address
	Name      string
	Maturity  time.Time
	Liquidity *big.Int
	Active    bool
}

// Clone returns a deep copy of the market.
func (m PTMarket) Clone() PTMarket {
	out := m
	if m.Liquidity != nil {
		out.Liquidity = new(big.Int).Set(m.Liquidity)
	}
	return out
}

// MarketScore pairs a market with the score the selector assigned it,
// for diagnostics and the selection API.
type MarketScore struct {
	Market PTMarket
	Score  float64
}
