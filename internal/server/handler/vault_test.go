package handler

import (
	"math/big"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeVaultStats struct {
	locked     *big.Int
	redeemable *big.Int
	positions  int
	maturities int
}

func (f *fakeVaultStats) TotalLocked() *big.Int { return f.locked }

func (f *fakeVaultStats) RedeemableAmount() *big.Int { return f.redeemable }

func (f *fakeVaultStats) PositionCount() int { return f.positions }

func (f *fakeVaultStats) MaturityCount() int { return f.maturities }

func TestVaultHandler_GetTVL(t *testing.T) {
	t.Parallel()

	h := NewVaultHandler(&fakeVaultStats{
		locked:     big.NewInt(1500),
		redeemable: big.NewInt(400),
		positions:  3,
		maturities: 2,
	})

	rec := do(t, h.GetTVL, http.MethodGet, "/api/vault/tvl", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	require.Equal(t, "1500", body["total_locked"])
	require.Equal(t, float64(3), body["positions"])
	require.Equal(t, float64(2), body["maturities"])
}

func TestVaultHandler_GetRedeemable(t *testing.T) {
	t.Parallel()

	h := NewVaultHandler(&fakeVaultStats{
		locked:     big.NewInt(1500),
		redeemable: big.NewInt(400),
	})

	rec := do(t, h.GetRedeemable, http.MethodGet, "/api/vault/redeemable", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "400", decodeBody(t, rec)["redeemable"])
}
