package service

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/termfi/termvault/internal/domain"
)

func TestYieldService_ReceiveYield(t *testing.T) {
	t.Parallel()

	t.Run("journals the event and refreshes totals and rate", func(t *testing.T) {
		t.Parallel()
		fx := newYieldFixture()
		ctx := context.Background()

		ev, err := fx.svc.ReceiveYield(ctx, big.NewInt(100))
		require.NoError(t, err)
		require.Equal(t, uint64(0), ev.Seq)

		require.Len(t, fx.events.inserted, 1)
		require.Equal(t, "100", fx.events.inserted[0].Amount.String())
		require.Equal(t, [][2]string{{"100", "0"}}, fx.totals.saved)
		require.Len(t, fx.rates.rateSets, 1)
		require.Equal(t, ev.RateBps, fx.rates.rateSets[0].RateBps)

		require.Equal(t, []string{"yield_received"}, fx.bus.eventNames(t, domain.ChannelYield))
		require.Equal(t, []string{"yield_received"}, fx.audit.eventNames())

		notes := fx.sender.Notes()
		require.Len(t, notes, 1)
		require.Contains(t, notes[0], "Yield received")
		require.Contains(t, notes[0], "100")
	})

	t.Run("second delivery carries a rate and running totals", func(t *testing.T) {
		t.Parallel()
		fx := newYieldFixture()
		ctx := context.Background()

		_, err := fx.svc.ReceiveYield(ctx, big.NewInt(100))
		require.NoError(t, err)
		fx.clock.Advance(days(30))
		ev, err := fx.svc.ReceiveYield(ctx, big.NewInt(100))
		require.NoError(t, err)

		require.NotZero(t, ev.RateBps)
		require.Equal(t, [2]string{"200", "0"}, fx.totals.saved[len(fx.totals.saved)-1])
	})

	t.Run("rejects non-positive amounts without side effects", func(t *testing.T) {
		t.Parallel()
		fx := newYieldFixture()

		_, err := fx.svc.ReceiveYield(context.Background(), big.NewInt(0))
		require.ErrorIs(t, err, domain.ErrInvalidAmount)
		require.Empty(t, fx.events.inserted)
		require.Empty(t, fx.totals.saved)
	})

	t.Run("journal failure surfaces but the accountant keeps the event", func(t *testing.T) {
		t.Parallel()
		fx := newYieldFixture()
		fx.events.insertFunc = func(ctx context.Context, ev domain.YieldEvent) error {
			return errors.New("connection refused")
		}

		_, err := fx.svc.ReceiveYield(context.Background(), big.NewInt(100))
		require.Error(t, err)
		require.Equal(t, "100", fx.svc.Totals().Received.String())
	})
}

func TestYieldService_Distribute(t *testing.T) {
	t.Parallel()

	t.Run("split run journals, allocates, and persists totals", func(t *testing.T) {
		t.Parallel()
		fx := newYieldFixture()
		ctx := context.Background()

		require.NoError(t, fx.svc.AddBeneficiary(ctx, addr(1)))
		require.NoError(t, fx.svc.AddBeneficiary(ctx, addr(2)))
		_, err := fx.svc.ReceiveYield(ctx, big.NewInt(100))
		require.NoError(t, err)

		run, err := fx.svc.Distribute(ctx)
		require.NoError(t, err)
		require.Equal(t, domain.DistributionSplit, run.Mode)
		require.Equal(t, "50", run.PerShare.String())

		require.Len(t, fx.runs.inserted, 1)
		require.Equal(t, run.ID, fx.runs.inserted[0].ID)
		require.Equal(t, []allocationCall{
			{Addr: addr(1).Hex(), Delta: "50"},
			{Addr: addr(2).Hex(), Delta: "50"},
		}, fx.bens.allocations)
		require.Equal(t, [2]string{"100", "100"}, fx.totals.saved[len(fx.totals.saved)-1])

		require.Equal(t, []string{"distribution_completed"}, fx.bus.eventNames(t, domain.ChannelDistributions))
		require.Contains(t, fx.audit.eventNames(), "distribution_completed")
	})

	t.Run("transfer failure persists partial totals and audits the failure", func(t *testing.T) {
		t.Parallel()
		fx := newYieldFixture()
		ctx := context.Background()
		fx.transferor.transferFunc = func(ctx context.Context, to common.Address, amount *big.Int) (string, error) {
			if to == addr(2) {
				return "", errors.New("nonce too low")
			}
			return "0xtx", nil
		}

		require.NoError(t, fx.svc.AddBeneficiary(ctx, addr(1)))
		require.NoError(t, fx.svc.AddBeneficiary(ctx, addr(2)))
		_, err := fx.svc.ReceiveYield(ctx, big.NewInt(100))
		require.NoError(t, err)

		_, err = fx.svc.Distribute(ctx)
		require.Error(t, err)

		// The first transfer completed, so half the pool is booked.
		require.Equal(t, [2]string{"100", "50"}, fx.totals.saved[len(fx.totals.saved)-1])
		require.Empty(t, fx.runs.inserted)
		require.Contains(t, fx.audit.eventNames(), "distribution_failed")
	})

	t.Run("empty pool propagates the accountant sentinel", func(t *testing.T) {
		t.Parallel()
		fx := newYieldFixture()

		_, err := fx.svc.Distribute(context.Background())
		require.ErrorIs(t, err, domain.ErrNothingToDistribute)
	})

	t.Run("sink run allocates the whole pool to the sink", func(t *testing.T) {
		t.Parallel()
		fx := newYieldFixture()
		ctx := context.Background()

		require.NoError(t, fx.svc.SetSink(ctx, addr(9)))
		_, err := fx.svc.ReceiveYield(ctx, big.NewInt(100))
		require.NoError(t, err)

		run, err := fx.svc.Distribute(ctx)
		require.NoError(t, err)
		require.Equal(t, domain.DistributionSink, run.Mode)
		require.Equal(t, []allocationCall{{Addr: addr(9).Hex(), Delta: "100"}}, fx.bens.allocations)
	})
}

func TestYieldService_BeneficiaryAdmin(t *testing.T) {
	t.Parallel()

	t.Run("add and remove sync the store", func(t *testing.T) {
		t.Parallel()
		fx := newYieldFixture()
		ctx := context.Background()

		require.NoError(t, fx.svc.AddBeneficiary(ctx, addr(1)))
		require.Len(t, fx.bens.inserted, 1)
		require.Equal(t, addr(1), fx.bens.inserted[0].Address)
		require.Equal(t, testStart, fx.bens.inserted[0].AddedAt)

		require.ErrorIs(t, fx.svc.AddBeneficiary(ctx, addr(1)), domain.ErrBeneficiaryExists)

		require.NoError(t, fx.svc.RemoveBeneficiary(ctx, addr(1)))
		require.Equal(t, []string{addr(1).Hex()}, fx.bens.deleted)
		require.Empty(t, fx.svc.Beneficiaries())

		require.ErrorIs(t, fx.svc.RemoveBeneficiary(ctx, addr(1)), domain.ErrBeneficiaryNotFound)
	})

	t.Run("sink set and clear sync the store", func(t *testing.T) {
		t.Parallel()
		fx := newYieldFixture()
		ctx := context.Background()

		require.NoError(t, fx.svc.SetSink(ctx, addr(7)))
		require.True(t, fx.bens.sinkSet)
		require.Equal(t, addr(7).Hex(), fx.bens.sink)
		sink, ok := fx.svc.Sink()
		require.True(t, ok)
		require.Equal(t, addr(7), sink)

		require.NoError(t, fx.svc.ClearSink(ctx))
		require.False(t, fx.bens.sinkSet)
		_, ok = fx.svc.Sink()
		require.False(t, ok)

		require.Equal(t, []string{"sink_set", "sink_cleared"}, fx.audit.eventNames())
	})
}

func TestYieldService_Restore(t *testing.T) {
	t.Parallel()

	t.Run("rebuilds the accountant from the stores", func(t *testing.T) {
		t.Parallel()
		fx := newYieldFixture()
		fx.events.listAll = []domain.YieldEvent{
			{Seq: 0, Amount: big.NewInt(60), ReceivedAt: testStart.Add(-days(2))},
			{Seq: 1, Amount: big.NewInt(40), ReceivedAt: testStart.Add(-days(1)), RateBps: 1234},
		}
		fx.totals.received = "100"
		fx.totals.distributed = "30"
		fx.bens.listAll = []domain.Beneficiary{{Address: addr(5), AddedAt: testStart.Add(-days(3))}}
		fx.bens.listAllocRet = map[string]string{addr(5).Hex(): "30"}

		require.NoError(t, fx.svc.Restore(context.Background()))

		totals := fx.svc.Totals()
		require.Equal(t, "100", totals.Received.String())
		require.Equal(t, "30", totals.Distributed.String())
		require.Equal(t, "70", totals.Undistributed.String())
		require.Equal(t, 2, totals.Events)
		require.Len(t, fx.svc.Beneficiaries(), 1)
		require.Equal(t, "30", fx.svc.Allocation(addr(5)).String())
	})

	t.Run("totals row behind the journal heals to the journal sum", func(t *testing.T) {
		t.Parallel()
		fx := newYieldFixture()
		fx.events.listAll = []domain.YieldEvent{
			{Seq: 0, Amount: big.NewInt(60), ReceivedAt: testStart.Add(-days(2))},
			{Seq: 1, Amount: big.NewInt(40), ReceivedAt: testStart.Add(-days(1))},
		}
		fx.totals.received = "60"

		require.NoError(t, fx.svc.Restore(context.Background()))
		require.Equal(t, "100", fx.svc.Totals().Received.String())
	})

	t.Run("archived history restores from totals alone", func(t *testing.T) {
		t.Parallel()
		fx := newYieldFixture()
		fx.totals.received = "500"
		fx.totals.distributed = "200"

		require.NoError(t, fx.svc.Restore(context.Background()))
		totals := fx.svc.Totals()
		require.Equal(t, "500", totals.Received.String())
		require.Equal(t, "300", totals.Undistributed.String())
		require.Zero(t, totals.Events)
	})

	t.Run("restores the sink when one is stored", func(t *testing.T) {
		t.Parallel()
		fx := newYieldFixture()
		fx.bens.sink = addr(9).Hex()
		fx.bens.sinkSet = true

		require.NoError(t, fx.svc.Restore(context.Background()))
		sink, ok := fx.svc.Sink()
		require.True(t, ok)
		require.Equal(t, addr(9), sink)
	})
}

func TestYieldService_FixedRate(t *testing.T) {
	t.Parallel()

	t.Run("serves from the cache when populated", func(t *testing.T) {
		t.Parallel()
		fx := newYieldFixture()
		fx.rates.fixedSet = true
		fx.rates.fixedRate = 777
		fx.rates.fixedTS = testStart

		rate, ts := fx.svc.FixedRate(context.Background())
		require.Equal(t, uint64(777), rate)
		require.Equal(t, testStart, ts)
	})

	t.Run("falls back to the accountant and repopulates on a miss", func(t *testing.T) {
		t.Parallel()
		fx := newYieldFixture()
		ctx := context.Background()

		_, err := fx.svc.ReceiveYield(ctx, big.NewInt(100))
		require.NoError(t, err)
		fx.clock.Advance(days(30))
		ev, err := fx.svc.ReceiveYield(ctx, big.NewInt(100))
		require.NoError(t, err)

		// Simulate an expired cache entry.
		fx.rates.fixedSet = false

		rate, ts := fx.svc.FixedRate(ctx)
		require.NotZero(t, rate)
		require.Equal(t, ev.ReceivedAt, ts)
		require.True(t, fx.rates.fixedSet)
	})
}

func TestYieldService_PredictedYield(t *testing.T) {
	t.Parallel()

	t.Run("rejects a non-positive timeframe", func(t *testing.T) {
		t.Parallel()
		fx := newYieldFixture()
		_, err := fx.svc.PredictedYield(context.Background(), 0)
		require.ErrorIs(t, err, domain.ErrInvalidTimeframe)
	})

	t.Run("serves a cached prediction without touching the accountant", func(t *testing.T) {
		t.Parallel()
		fx := newYieldFixture()
		fx.rates.predictions = map[time.Duration]string{days(30): "4200"}

		amt, err := fx.svc.PredictedYield(context.Background(), days(30))
		require.NoError(t, err)
		require.Equal(t, "4200", amt.String())
	})

	t.Run("computes and caches on a miss", func(t *testing.T) {
		t.Parallel()
		fx := newYieldFixture()
		ctx := context.Background()

		_, err := fx.svc.ReceiveYield(ctx, big.NewInt(100))
		require.NoError(t, err)
		fx.clock.Advance(days(10))
		_, err = fx.svc.ReceiveYield(ctx, big.NewInt(100))
		require.NoError(t, err)

		amt, err := fx.svc.PredictedYield(ctx, days(10))
		require.NoError(t, err)
		require.Equal(t, "100", amt.String())
		require.Equal(t, "100", fx.rates.predictionSets[days(10)])
	})
}
