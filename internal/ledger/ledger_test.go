package ledger

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/termfi/termvault/internal/domain"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestLedger() (*Ledger, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(testStart)
	return New(clock), clock
}

func addr(n byte) common.Address {
	var a common.Address
	a[19] = n
	return a
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

// lockedSum recomputes total locked value from the per-maturity aggregates;
// it must always match the ledger's own running total.
func lockedSum(l *Ledger) *big.Int {
	sum := new(big.Int)
	for _, info := range l.Maturities() {
		sum.Add(sum, info.Outstanding)
	}
	return sum
}

func TestLedger_AddPosition(t *testing.T) {
	t.Parallel()

	t.Run("rejects zero token address", func(t *testing.T) {
		t.Parallel()
		led, _ := newTestLedger()
		_, _, err := led.AddPosition(common.Address{}, big.NewInt(100), testStart.Add(days(30)))
		require.ErrorIs(t, err, domain.ErrInvalidToken)
		require.Equal(t, 0, led.Len())
	})

	t.Run("rejects non-positive amount", func(t *testing.T) {
		t.Parallel()
		led, _ := newTestLedger()
		_, _, err := led.AddPosition(addr(1), big.NewInt(0), testStart.Add(days(30)))
		require.ErrorIs(t, err, domain.ErrInvalidAmount)
		_, _, err = led.AddPosition(addr(1), big.NewInt(-5), testStart.Add(days(30)))
		require.ErrorIs(t, err, domain.ErrInvalidAmount)
		_, _, err = led.AddPosition(addr(1), nil, testStart.Add(days(30)))
		require.ErrorIs(t, err, domain.ErrInvalidAmount)
	})

	t.Run("rejects maturity at or before now", func(t *testing.T) {
		t.Parallel()
		led, _ := newTestLedger()
		_, _, err := led.AddPosition(addr(1), big.NewInt(100), testStart)
		require.ErrorIs(t, err, domain.ErrMaturityNotFuture)
		_, _, err = led.AddPosition(addr(1), big.NewInt(100), testStart.Add(-time.Hour))
		require.ErrorIs(t, err, domain.ErrMaturityNotFuture)
	})

	t.Run("assigns sequential ids from zero", func(t *testing.T) {
		t.Parallel()
		led, _ := newTestLedger()
		for want := uint64(0); want < 3; want++ {
			pos, _, err := led.AddPosition(addr(1), big.NewInt(10), testStart.Add(days(30)))
			require.NoError(t, err)
			require.Equal(t, want, pos.ID)
		}
		require.Equal(t, 3, led.Len())
	})

	t.Run("round-trips through Position", func(t *testing.T) {
		t.Parallel()
		led, _ := newTestLedger()
		maturity := testStart.Add(days(180))
		created, registered, err := led.AddPosition(addr(7), big.NewInt(12345), maturity)
		require.NoError(t, err)
		require.True(t, registered)

		got, err := led.Position(created.ID)
		require.NoError(t, err)
		require.Equal(t, addr(7), got.PrincipalToken)
		require.Equal(t, "12345", got.Amount.String())
		require.True(t, got.Maturity.Equal(maturity))
		require.False(t, got.Redeemed)
		require.Nil(t, got.RedeemedAt)
		require.True(t, got.DepositedAt.Equal(testStart))
	})

	t.Run("reports first registration of a maturity only once", func(t *testing.T) {
		t.Parallel()
		led, _ := newTestLedger()
		maturity := testStart.Add(days(180))
		_, registered, err := led.AddPosition(addr(1), big.NewInt(100), maturity)
		require.NoError(t, err)
		require.True(t, registered)
		_, registered, err = led.AddPosition(addr(2), big.NewInt(200), maturity)
		require.NoError(t, err)
		require.False(t, registered)
	})

	t.Run("aggregates amounts under one maturity", func(t *testing.T) {
		t.Parallel()
		led, _ := newTestLedger()
		maturity := testStart.Add(days(180))
		_, _, err := led.AddPosition(addr(1), big.NewInt(100), maturity)
		require.NoError(t, err)
		_, _, err = led.AddPosition(addr(2), big.NewInt(200), maturity)
		require.NoError(t, err)

		require.Equal(t, 1, led.MaturityCount())
		require.Equal(t, "300", led.Outstanding(maturity).String())
		require.Equal(t, "300", led.TotalLocked().String())
	})

	t.Run("caller cannot mutate ledger state through returned amount", func(t *testing.T) {
		t.Parallel()
		led, _ := newTestLedger()
		maturity := testStart.Add(days(30))
		amount := big.NewInt(500)
		pos, _, err := led.AddPosition(addr(1), amount, maturity)
		require.NoError(t, err)

		amount.SetInt64(1)
		pos.Amount.SetInt64(2)
		require.Equal(t, "500", led.Outstanding(maturity).String())
		got, err := led.Position(pos.ID)
		require.NoError(t, err)
		require.Equal(t, "500", got.Amount.String())
	})
}

func TestLedger_MarkRedeemed(t *testing.T) {
	t.Parallel()

	t.Run("rejects unknown id", func(t *testing.T) {
		t.Parallel()
		led, _ := newTestLedger()
		_, err := led.MarkRedeemed(0)
		require.ErrorIs(t, err, domain.ErrInvalidPositionID)
	})

	t.Run("rejects before maturity", func(t *testing.T) {
		t.Parallel()
		led, clock := newTestLedger()
		pos, _, err := led.AddPosition(addr(1), big.NewInt(100), testStart.Add(days(30)))
		require.NoError(t, err)

		clock.Advance(days(30) - time.Second)
		_, err = led.MarkRedeemed(pos.ID)
		require.ErrorIs(t, err, domain.ErrNotMatured)
		require.Equal(t, "100", led.TotalLocked().String())
	})

	t.Run("succeeds at the exact maturity instant", func(t *testing.T) {
		t.Parallel()
		led, clock := newTestLedger()
		maturity := testStart.Add(days(30))
		pos, _, err := led.AddPosition(addr(1), big.NewInt(100), maturity)
		require.NoError(t, err)

		clock.Advance(days(30))
		redeemed, err := led.MarkRedeemed(pos.ID)
		require.NoError(t, err)
		require.True(t, redeemed.Redeemed)
		require.NotNil(t, redeemed.RedeemedAt)
		require.True(t, redeemed.RedeemedAt.Equal(maturity))
		require.Equal(t, "0", led.Outstanding(maturity).String())
		require.Equal(t, "0", led.TotalLocked().String())
	})

	t.Run("second call fails and leaves state unchanged", func(t *testing.T) {
		t.Parallel()
		led, clock := newTestLedger()
		maturity := testStart.Add(days(30))
		pos, _, err := led.AddPosition(addr(1), big.NewInt(100), maturity)
		require.NoError(t, err)
		_, _, err = led.AddPosition(addr(2), big.NewInt(50), maturity)
		require.NoError(t, err)

		clock.Advance(days(31))
		_, err = led.MarkRedeemed(pos.ID)
		require.NoError(t, err)

		before := led.TotalLocked().String()
		_, err = led.MarkRedeemed(pos.ID)
		require.ErrorIs(t, err, domain.ErrAlreadyRedeemed)
		require.Equal(t, before, led.TotalLocked().String())
		require.Equal(t, "50", led.Outstanding(maturity).String())
	})
}

func TestLedger_Positions(t *testing.T) {
	t.Parallel()

	led, _ := newTestLedger()
	require.Empty(t, led.Positions())

	_, _, err := led.AddPosition(addr(1), big.NewInt(10), testStart.Add(days(10)))
	require.NoError(t, err)
	_, _, err = led.AddPosition(addr(2), big.NewInt(20), testStart.Add(days(20)))
	require.NoError(t, err)

	snap := led.Positions()
	require.Len(t, snap, 2)
	require.Equal(t, uint64(0), snap[0].ID)
	require.Equal(t, uint64(1), snap[1].ID)

	// Snapshot amounts are copies, not views into ledger state.
	snap[0].Amount.SetInt64(999)
	fresh, err := led.Position(0)
	require.NoError(t, err)
	require.Equal(t, "10", fresh.Amount.String())
}

func TestLedger_MaturedPositions(t *testing.T) {
	t.Parallel()

	t.Run("empty ledger yields empty sequence", func(t *testing.T) {
		t.Parallel()
		led, _ := newTestLedger()
		require.Empty(t, led.MaturedPositions())
	})

	t.Run("returns matured non-redeemed positions in creation order", func(t *testing.T) {
		t.Parallel()
		led, clock := newTestLedger()
		_, _, err := led.AddPosition(addr(1), big.NewInt(10), testStart.Add(days(10)))
		require.NoError(t, err)
		second, _, err := led.AddPosition(addr(2), big.NewInt(20), testStart.Add(days(5)))
		require.NoError(t, err)
		_, _, err = led.AddPosition(addr(3), big.NewInt(30), testStart.Add(days(40)))
		require.NoError(t, err)

		clock.Advance(days(15))
		matured := led.MaturedPositions()
		require.Len(t, matured, 2)
		require.Equal(t, uint64(0), matured[0].ID)
		require.Equal(t, uint64(1), matured[1].ID)

		_, err = led.MarkRedeemed(second.ID)
		require.NoError(t, err)
		matured = led.MaturedPositions()
		require.Len(t, matured, 1)
		require.Equal(t, uint64(0), matured[0].ID)
	})
}

func TestLedger_UpcomingMaturities(t *testing.T) {
	t.Parallel()

	t.Run("window filters by days ahead", func(t *testing.T) {
		t.Parallel()
		led, _ := newTestLedger()
		_, _, err := led.AddPosition(addr(1), big.NewInt(10), testStart.Add(days(10)))
		require.NoError(t, err)
		_, _, err = led.AddPosition(addr(1), big.NewInt(10), testStart.Add(days(20)))
		require.NoError(t, err)
		_, _, err = led.AddPosition(addr(1), big.NewInt(10), testStart.Add(days(40)))
		require.NoError(t, err)

		got := led.UpcomingMaturities(25)
		require.Len(t, got, 2)
		require.True(t, got[0].Equal(testStart.Add(days(10))))
		require.True(t, got[1].Equal(testStart.Add(days(20))))
	})

	t.Run("preserves registration order not chronological order", func(t *testing.T) {
		t.Parallel()
		led, _ := newTestLedger()
		later := testStart.Add(days(20))
		sooner := testStart.Add(days(10))
		_, _, err := led.AddPosition(addr(1), big.NewInt(10), later)
		require.NoError(t, err)
		_, _, err = led.AddPosition(addr(1), big.NewInt(10), sooner)
		require.NoError(t, err)

		got := led.UpcomingMaturities(30)
		require.Len(t, got, 2)
		require.True(t, got[0].Equal(later))
		require.True(t, got[1].Equal(sooner))
	})

	t.Run("excludes fully redeemed maturities inside the window", func(t *testing.T) {
		t.Parallel()
		led, clock := newTestLedger()
		near := testStart.Add(days(2))
		far := testStart.Add(days(10))
		pos, _, err := led.AddPosition(addr(1), big.NewInt(10), near)
		require.NoError(t, err)
		_, _, err = led.AddPosition(addr(1), big.NewInt(10), far)
		require.NoError(t, err)

		clock.Advance(days(1))
		got := led.UpcomingMaturities(30)
		require.Len(t, got, 2)

		clock.Advance(days(1))
		_, err = led.MarkRedeemed(pos.ID)
		require.NoError(t, err)

		// near is no longer upcoming and fully redeemed; only far remains.
		got = led.UpcomingMaturities(30)
		require.Len(t, got, 1)
		require.True(t, got[0].Equal(far))
	})

	t.Run("excludes maturities at or before now", func(t *testing.T) {
		t.Parallel()
		led, clock := newTestLedger()
		maturity := testStart.Add(days(5))
		_, _, err := led.AddPosition(addr(1), big.NewInt(10), maturity)
		require.NoError(t, err)

		clock.Advance(days(5))
		require.Empty(t, led.UpcomingMaturities(30))
	})
}

func TestLedger_PositionsByMaturity(t *testing.T) {
	t.Parallel()

	led, _ := newTestLedger()
	shared := testStart.Add(days(90))
	other := testStart.Add(days(91))
	_, _, err := led.AddPosition(addr(1), big.NewInt(10), shared)
	require.NoError(t, err)
	_, _, err = led.AddPosition(addr(2), big.NewInt(10), other)
	require.NoError(t, err)
	_, _, err = led.AddPosition(addr(3), big.NewInt(10), shared)
	require.NoError(t, err)

	require.Equal(t, []uint64{0, 2}, led.PositionsByMaturity(shared))
	require.Equal(t, []uint64{1}, led.PositionsByMaturity(other))
	require.Empty(t, led.PositionsByMaturity(testStart.Add(days(92))))
}

func TestLedger_RedeemableAmount(t *testing.T) {
	t.Parallel()

	led, clock := newTestLedger()
	_, _, err := led.AddPosition(addr(1), big.NewInt(100), testStart.Add(days(10)))
	require.NoError(t, err)
	_, _, err = led.AddPosition(addr(2), big.NewInt(200), testStart.Add(days(60)))
	require.NoError(t, err)

	require.Equal(t, "0", led.RedeemableAmount().String())
	require.Equal(t, "300", led.TotalLocked().String())

	clock.Advance(days(10))
	require.Equal(t, "100", led.RedeemableAmount().String())
	require.Equal(t, "300", led.TotalLocked().String())

	clock.Advance(days(60))
	require.Equal(t, "300", led.RedeemableAmount().String())
}

// The running total must equal the sum of per-maturity outstanding totals
// after every mutation.
func TestLedger_OutstandingSumInvariant(t *testing.T) {
	t.Parallel()

	led, clock := newTestLedger()
	maturities := []time.Time{
		testStart.Add(days(10)),
		testStart.Add(days(20)),
		testStart.Add(days(10)),
		testStart.Add(days(30)),
	}
	for i, m := range maturities {
		_, _, err := led.AddPosition(addr(byte(i+1)), big.NewInt(int64(100*(i+1))), m)
		require.NoError(t, err)
		require.Equal(t, led.TotalLocked().String(), lockedSum(led).String())
	}

	clock.Advance(days(25))
	for _, id := range []uint64{0, 2, 1} {
		_, err := led.MarkRedeemed(id)
		require.NoError(t, err)
		require.Equal(t, led.TotalLocked().String(), lockedSum(led).String())
	}
	require.Equal(t, "400", led.TotalLocked().String())
}

func TestLedger_Restore(t *testing.T) {
	t.Parallel()

	t.Run("rebuilds aggregates from journaled positions", func(t *testing.T) {
		t.Parallel()
		src, clock := newTestLedger()
		_, _, err := src.AddPosition(addr(1), big.NewInt(100), testStart.Add(days(20)))
		require.NoError(t, err)
		_, _, err = src.AddPosition(addr(2), big.NewInt(200), testStart.Add(days(10)))
		require.NoError(t, err)
		_, _, err = src.AddPosition(addr(3), big.NewInt(300), testStart.Add(days(20)))
		require.NoError(t, err)
		clock.Advance(days(10))
		_, err = src.MarkRedeemed(1)
		require.NoError(t, err)

		var journaled []domain.Position
		for i := 0; i < src.Len(); i++ {
			p, err := src.Position(uint64(i))
			require.NoError(t, err)
			journaled = append(journaled, p)
		}

		restored := New(clockwork.NewFakeClockAt(testStart.Add(days(10))))
		require.NoError(t, restored.Restore(journaled))

		require.Equal(t, src.Len(), restored.Len())
		require.Equal(t, src.MaturityCount(), restored.MaturityCount())
		require.Equal(t, src.TotalLocked().String(), restored.TotalLocked().String())
		require.Equal(t, "400", restored.Outstanding(testStart.Add(days(20))).String())
		require.Equal(t, "0", restored.Outstanding(testStart.Add(days(10))).String())

		// Registration order carries over.
		up := restored.UpcomingMaturities(30)
		require.Len(t, up, 1)
		require.True(t, up[0].Equal(testStart.Add(days(20))))
	})

	t.Run("rejects id gaps", func(t *testing.T) {
		t.Parallel()
		led, _ := newTestLedger()
		err := led.Restore([]domain.Position{
			{ID: 0, Amount: big.NewInt(1), Maturity: testStart.Add(days(1)), PrincipalToken: addr(1)},
			{ID: 2, Amount: big.NewInt(1), Maturity: testStart.Add(days(2)), PrincipalToken: addr(2)},
		})
		require.Error(t, err)
	})
}
