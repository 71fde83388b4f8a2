package handler

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/termfi/termvault/internal/domain"
)

type fakeDistributionService struct {
	runs    []domain.DistributionRun
	listErr error
	run     domain.DistributionRun
	runErr  error

	gotLimit int
}

func (f *fakeDistributionService) Distribute(context.Context) (domain.DistributionRun, error) {
	return f.run, f.runErr
}

func (f *fakeDistributionService) Distributions(_ context.Context, limit int) ([]domain.DistributionRun, error) {
	f.gotLimit = limit
	return f.runs, f.listErr
}

func testRun(id string) domain.DistributionRun {
	return domain.DistributionRun{
		ID:          id,
		Mode:        domain.DistributionSplit,
		Pool:        big.NewInt(100),
		PerShare:    big.NewInt(33),
		Remainder:   big.NewInt(1),
		Recipients:  []common.Address{addr(1), addr(2), addr(3)},
		StartedAt:   testStart,
		CompletedAt: testStart.Add(time.Second),
	}
}

func TestDistributionHandler_ListDistributions(t *testing.T) {
	t.Parallel()

	t.Run("lists runs newest first", func(t *testing.T) {
		t.Parallel()
		svc := &fakeDistributionService{runs: []domain.DistributionRun{testRun("run-2"), testRun("run-1")}}
		h := NewDistributionHandler(svc, discardLogger())

		rec := do(t, h.ListDistributions, http.MethodGet, "/api/distributions", "")
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, 20, svc.gotLimit)

		body := decodeBody(t, rec)
		require.Equal(t, float64(2), body["count"])

		first := body["distributions"].([]any)[0].(map[string]any)
		require.Equal(t, "run-2", first["id"])
		require.Equal(t, "split", first["mode"])
		require.Equal(t, "100", first["pool"])
		require.Equal(t, "33", first["per_share"])
		require.Equal(t, "1", first["remainder"])
		require.Len(t, first["recipients"].([]any), 3)
	})

	t.Run("out-of-range limits fall back to the default", func(t *testing.T) {
		t.Parallel()
		svc := &fakeDistributionService{}
		h := NewDistributionHandler(svc, discardLogger())

		rec := do(t, h.ListDistributions, http.MethodGet, "/api/distributions?limit=10000", "")
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, 20, svc.gotLimit)
	})

	t.Run("store failure maps to 500", func(t *testing.T) {
		t.Parallel()
		svc := &fakeDistributionService{listErr: errors.New("pg down")}
		h := NewDistributionHandler(svc, discardLogger())

		rec := do(t, h.ListDistributions, http.MethodGet, "/api/distributions", "")
		require.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestDistributionHandler_TriggerDistribution(t *testing.T) {
	t.Parallel()

	t.Run("returns the completed run", func(t *testing.T) {
		t.Parallel()
		svc := &fakeDistributionService{run: testRun("run-7")}
		h := NewDistributionHandler(svc, discardLogger())

		rec := do(t, h.TriggerDistribution, http.MethodPost, "/api/distributions", "")
		require.Equal(t, http.StatusOK, rec.Code)

		body := decodeBody(t, rec)
		require.Equal(t, "run-7", body["id"])
		require.Equal(t, "100", body["pool"])
		require.Equal(t, testStart.Format(time.RFC3339), body["started_at"])
	})

	t.Run("empty pool maps to 409", func(t *testing.T) {
		t.Parallel()
		svc := &fakeDistributionService{runErr: domain.ErrNothingToDistribute}
		h := NewDistributionHandler(svc, discardLogger())

		rec := do(t, h.TriggerDistribution, http.MethodPost, "/api/distributions", "")
		require.Equal(t, http.StatusConflict, rec.Code)
		require.Equal(t, "nothing to distribute", decodeBody(t, rec)["error"])
	})

	t.Run("no beneficiaries maps to 409", func(t *testing.T) {
		t.Parallel()
		svc := &fakeDistributionService{runErr: domain.ErrNoBeneficiaries}
		h := NewDistributionHandler(svc, discardLogger())

		rec := do(t, h.TriggerDistribution, http.MethodPost, "/api/distributions", "")
		require.Equal(t, http.StatusConflict, rec.Code)
		require.Equal(t, "no beneficiaries registered", decodeBody(t, rec)["error"])
	})

	t.Run("transfer failure maps to 500", func(t *testing.T) {
		t.Parallel()
		svc := &fakeDistributionService{runErr: errors.New("rpc timeout")}
		h := NewDistributionHandler(svc, discardLogger())

		rec := do(t, h.TriggerDistribution, http.MethodPost, "/api/distributions", "")
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		require.Equal(t, "distribution failed", decodeBody(t, rec)["error"])
	})
}
