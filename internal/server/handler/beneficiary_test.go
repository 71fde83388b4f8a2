package handler

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/termfi/termvault/internal/domain"
)

type fakeBeneficiaryService struct {
	beneficiaries []domain.Beneficiary
	allocations   map[common.Address]*big.Int
	sink          common.Address
	sinkSet       bool

	addErr    error
	removeErr error
	setErr    error
	clearErr  error

	added   []common.Address
	removed []common.Address
	setSink []common.Address
	cleared int
}

func (f *fakeBeneficiaryService) Beneficiaries() []domain.Beneficiary { return f.beneficiaries }

func (f *fakeBeneficiaryService) Allocation(addr common.Address) *big.Int {
	if amt, ok := f.allocations[addr]; ok {
		return amt
	}
	return big.NewInt(0)
}

func (f *fakeBeneficiaryService) Sink() (common.Address, bool) { return f.sink, f.sinkSet }

func (f *fakeBeneficiaryService) AddBeneficiary(_ context.Context, addr common.Address) error {
	if f.addErr != nil {
		return f.addErr
	}
	f.added = append(f.added, addr)
	return nil
}

func (f *fakeBeneficiaryService) RemoveBeneficiary(_ context.Context, addr common.Address) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, addr)
	return nil
}

func (f *fakeBeneficiaryService) SetSink(_ context.Context, addr common.Address) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.setSink = append(f.setSink, addr)
	return nil
}

func (f *fakeBeneficiaryService) ClearSink(context.Context) error {
	if f.clearErr != nil {
		return f.clearErr
	}
	f.cleared++
	return nil
}

func TestBeneficiaryHandler_ListBeneficiaries(t *testing.T) {
	t.Parallel()

	t.Run("lists recipients with lifetime allocations", func(t *testing.T) {
		t.Parallel()
		svc := &fakeBeneficiaryService{
			beneficiaries: []domain.Beneficiary{
				{Address: addr(1), AddedAt: testStart},
				{Address: addr(2), AddedAt: testStart.Add(time.Minute)},
			},
			allocations: map[common.Address]*big.Int{addr(1): big.NewInt(75)},
			sink:        addr(9),
			sinkSet:     true,
		}
		h := NewBeneficiaryHandler(svc, discardLogger())

		rec := do(t, h.ListBeneficiaries, http.MethodGet, "/api/beneficiaries", "")
		require.Equal(t, http.StatusOK, rec.Code)

		body := decodeBody(t, rec)
		require.Equal(t, float64(2), body["count"])
		require.Equal(t, addr(9).Hex(), body["sink"])

		entries := body["beneficiaries"].([]any)
		first := entries[0].(map[string]any)
		require.Equal(t, addr(1).Hex(), first["address"])
		require.Equal(t, "75", first["allocated"])
		require.Equal(t, testStart.Format(time.RFC3339), first["added_at"])

		second := entries[1].(map[string]any)
		require.Equal(t, "0", second["allocated"])
	})

	t.Run("no sink serializes as null", func(t *testing.T) {
		t.Parallel()
		h := NewBeneficiaryHandler(&fakeBeneficiaryService{}, discardLogger())

		rec := do(t, h.ListBeneficiaries, http.MethodGet, "/api/beneficiaries", "")
		require.Equal(t, http.StatusOK, rec.Code)

		body := decodeBody(t, rec)
		require.Nil(t, body["sink"])
		require.Equal(t, float64(0), body["count"])
		require.Contains(t, rec.Body.String(), `"beneficiaries":[]`)
	})
}

func TestBeneficiaryHandler_AddBeneficiary(t *testing.T) {
	t.Parallel()

	t.Run("registers the address", func(t *testing.T) {
		t.Parallel()
		svc := &fakeBeneficiaryService{}
		h := NewBeneficiaryHandler(svc, discardLogger())

		payload := fmt.Sprintf(`{"address":%q}`, addr(5).Hex())
		rec := do(t, h.AddBeneficiary, http.MethodPost, "/api/beneficiaries", payload)
		require.Equal(t, http.StatusCreated, rec.Code)
		require.Equal(t, []common.Address{addr(5)}, svc.added)

		body := decodeBody(t, rec)
		require.Equal(t, "added", body["status"])
		require.Equal(t, addr(5).Hex(), body["address"])
	})

	t.Run("duplicate registration maps to 409", func(t *testing.T) {
		t.Parallel()
		svc := &fakeBeneficiaryService{addErr: domain.ErrBeneficiaryExists}
		h := NewBeneficiaryHandler(svc, discardLogger())

		payload := fmt.Sprintf(`{"address":%q}`, addr(5).Hex())
		rec := do(t, h.AddBeneficiary, http.MethodPost, "/api/beneficiaries", payload)
		require.Equal(t, http.StatusConflict, rec.Code)
		require.Equal(t, "beneficiary already registered", decodeBody(t, rec)["error"])
	})

	t.Run("malformed body maps to 400", func(t *testing.T) {
		t.Parallel()
		svc := &fakeBeneficiaryService{}
		h := NewBeneficiaryHandler(svc, discardLogger())

		rec := do(t, h.AddBeneficiary, http.MethodPost, "/api/beneficiaries", "{not json")
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.Empty(t, svc.added)
	})

	t.Run("non-hex address maps to 400", func(t *testing.T) {
		t.Parallel()
		svc := &fakeBeneficiaryService{}
		h := NewBeneficiaryHandler(svc, discardLogger())

		rec := do(t, h.AddBeneficiary, http.MethodPost, "/api/beneficiaries", `{"address":"treasury"}`)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.Equal(t, "invalid address", decodeBody(t, rec)["error"])
		require.Empty(t, svc.added)
	})
}

func TestBeneficiaryHandler_RemoveBeneficiary(t *testing.T) {
	t.Parallel()

	t.Run("unregisters the address", func(t *testing.T) {
		t.Parallel()
		svc := &fakeBeneficiaryService{}
		h := NewBeneficiaryHandler(svc, discardLogger())

		target := "/api/beneficiaries/" + addr(5).Hex()
		rec := do(t, h.RemoveBeneficiary, http.MethodDelete, target, "", "address", addr(5).Hex())
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, []common.Address{addr(5)}, svc.removed)
		require.Equal(t, "removed", decodeBody(t, rec)["status"])
	})

	t.Run("unknown address maps to 404", func(t *testing.T) {
		t.Parallel()
		svc := &fakeBeneficiaryService{removeErr: domain.ErrBeneficiaryNotFound}
		h := NewBeneficiaryHandler(svc, discardLogger())

		target := "/api/beneficiaries/" + addr(7).Hex()
		rec := do(t, h.RemoveBeneficiary, http.MethodDelete, target, "", "address", addr(7).Hex())
		require.Equal(t, http.StatusNotFound, rec.Code)
		require.Equal(t, "beneficiary not registered", decodeBody(t, rec)["error"])
	})

	t.Run("non-hex path segment maps to 400", func(t *testing.T) {
		t.Parallel()
		svc := &fakeBeneficiaryService{}
		h := NewBeneficiaryHandler(svc, discardLogger())

		rec := do(t, h.RemoveBeneficiary, http.MethodDelete, "/api/beneficiaries/nope", "", "address", "nope")
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.Empty(t, svc.removed)
	})
}

func TestBeneficiaryHandler_Sink(t *testing.T) {
	t.Parallel()

	t.Run("set routes future distributions to one address", func(t *testing.T) {
		t.Parallel()
		svc := &fakeBeneficiaryService{}
		h := NewBeneficiaryHandler(svc, discardLogger())

		payload := fmt.Sprintf(`{"address":%q}`, addr(9).Hex())
		rec := do(t, h.SetSink, http.MethodPut, "/api/sink", payload)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, []common.Address{addr(9)}, svc.setSink)
		require.Equal(t, "set", decodeBody(t, rec)["status"])
	})

	t.Run("clear returns to split mode", func(t *testing.T) {
		t.Parallel()
		svc := &fakeBeneficiaryService{}
		h := NewBeneficiaryHandler(svc, discardLogger())

		rec := do(t, h.ClearSink, http.MethodDelete, "/api/sink", "")
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, 1, svc.cleared)
		require.Equal(t, "cleared", decodeBody(t, rec)["status"])
	})
}
