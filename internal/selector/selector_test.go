package selector

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/termfi/termvault/internal/domain"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

// tokens converts whole tokens into an 18-decimal liquidity figure.
func tokens(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func market(name string, liquidity *big.Int, maturity time.Time) domain.PTMarket {
	var a common.Address
	copy(a[:], name)
	return domain.PTMarket{
		Address:   a,
		Name:      name,
		Maturity:  maturity,
		Liquidity: liquidity,
		Active:    true,
	}
}

func TestSelector_Score(t *testing.T) {
	t.Parallel()
	sel := New(Config{})

	t.Run("maturity at the target scores full time weight", func(t *testing.T) {
		t.Parallel()
		m := market("a", tokens(5), now.Add(DefaultTarget))
		require.InDelta(t, 105.0, sel.Score(m, now), 1e-9)
	})

	t.Run("time score falls linearly with distance", func(t *testing.T) {
		t.Parallel()
		// 90 days out is 180 days short of the target: half the falloff.
		m := market("a", tokens(5), now.Add(days(90)))
		require.InDelta(t, 55.0, sel.Score(m, now), 1e-9)
	})

	t.Run("time score is zero at and beyond the falloff distance", func(t *testing.T) {
		t.Parallel()
		m := market("a", tokens(5), now.Add(DefaultTarget+DefaultFalloff))
		require.InDelta(t, 5.0, sel.Score(m, now), 1e-9)
	})

	t.Run("nil liquidity counts as zero", func(t *testing.T) {
		t.Parallel()
		m := market("a", nil, now.Add(DefaultTarget))
		require.InDelta(t, 100.0, sel.Score(m, now), 1e-9)
	})
}

func TestSelector_Select(t *testing.T) {
	t.Parallel()
	sel := New(Config{})

	t.Run("empty input", func(t *testing.T) {
		t.Parallel()
		_, err := sel.Select(nil, now)
		require.ErrorIs(t, err, domain.ErrNoMarketsAvailable)
	})

	t.Run("no eligible candidate", func(t *testing.T) {
		t.Parallel()
		expired := market("a", tokens(100), now.Add(-days(1)))
		atMaturity := market("b", tokens(100), now)
		inactive := market("c", tokens(100), now.Add(DefaultTarget))
		inactive.Active = false
		_, err := sel.Select([]domain.PTMarket{expired, atMaturity, inactive}, now)
		require.ErrorIs(t, err, domain.ErrNoSuitableMarket)
	})

	t.Run("liquidity breaks equal time proximity", func(t *testing.T) {
		t.Parallel()
		thin := market("thin", tokens(10), now.Add(DefaultTarget))
		deep := market("deep", tokens(50), now.Add(DefaultTarget))
		got, err := sel.Select([]domain.PTMarket{thin, deep}, now)
		require.NoError(t, err)
		require.Equal(t, "deep", got.Name)
	})

	t.Run("time proximity breaks equal liquidity", func(t *testing.T) {
		t.Parallel()
		far := market("far", tokens(10), now.Add(days(60)))
		near := market("near", tokens(10), now.Add(days(260)))
		got, err := sel.Select([]domain.PTMarket{far, near}, now)
		require.NoError(t, err)
		require.Equal(t, "near", got.Name)
	})

	t.Run("inactive markets are skipped even when they would win", func(t *testing.T) {
		t.Parallel()
		whale := market("whale", tokens(1000), now.Add(DefaultTarget))
		whale.Active = false
		minnow := market("minnow", tokens(1), now.Add(DefaultTarget))
		got, err := sel.Select([]domain.PTMarket{whale, minnow}, now)
		require.NoError(t, err)
		require.Equal(t, "minnow", got.Name)
	})

	t.Run("ties keep the first candidate", func(t *testing.T) {
		t.Parallel()
		first := market("first", tokens(10), now.Add(DefaultTarget))
		second := market("second", tokens(10), now.Add(DefaultTarget))
		got, err := sel.Select([]domain.PTMarket{first, second}, now)
		require.NoError(t, err)
		require.Equal(t, "first", got.Name)
	})
}

func TestSelector_Rank(t *testing.T) {
	t.Parallel()
	sel := New(Config{})

	a := market("a", tokens(1), now.Add(DefaultTarget))
	b := market("b", tokens(200), now.Add(DefaultTarget))
	c := market("c", tokens(50), now.Add(-days(1)))

	got := sel.Rank([]domain.PTMarket{a, b, c}, now)
	require.Len(t, got, 2)
	require.Equal(t, "b", got[0].Market.Name)
	require.Equal(t, "a", got[1].Market.Name)
	require.Greater(t, got[0].Score, got[1].Score)
}

func TestSelector_ConfigOverrides(t *testing.T) {
	t.Parallel()

	sel := New(Config{Target: days(30), Falloff: days(60)})
	at := market("a", nil, now.Add(days(30)))
	require.InDelta(t, 100.0, sel.Score(at, now), 1e-9)
	edge := market("b", nil, now.Add(days(90)))
	require.InDelta(t, 0.0, sel.Score(edge, now), 1e-9)
}
