package ptmarkets

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/termfi/termvault/internal/domain"
)

// APIMarket is the wire representation of one principal-token market as the
// protocol's markets API returns it.
type APIMarket struct {
	Address   string `json:"address"`
	Name      string `json:"name"`
	Expiry    int64  `json:"expiry"`    // unix seconds
	Liquidity string `json:"liquidity"` // quote-token base units, decimal string
	Active    bool   `json:"active"`
}

// marketsResponse is the paginated envelope around market listings.
type marketsResponse struct {
	Markets []APIMarket `json:"markets"`
	Total   int         `json:"total"`
}

// ToDomainMarket converts the wire representation to the domain type. A
// liquidity figure that fails to parse reads as zero, which the selector
// treats as an illiquid market rather than an error.
func (m *APIMarket) ToDomainMarket() domain.PTMarket {
	dm := domain.PTMarket{
		Address:   common.HexToAddress(m.Address),
		Name:      m.Name,
		Maturity:  time.Unix(m.Expiry, 0).UTC(),
		Liquidity: big.NewInt(0),
		Active:    m.Active,
	}
	if liq, ok := new(big.Int).SetString(m.Liquidity, 10); ok && liq.Sign() >= 0 {
		dm.Liquidity = liq
	}
	return dm
}
