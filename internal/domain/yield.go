package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Annualization and rate constants shared by the accountant and its stores.
const (
	// SecondsPerYear is the annualization divisor used when converting a
	// yield delivery into a basis-point rate.
	SecondsPerYear = 31_536_000

	// BpsDenominator scales fractional rates into basis points.
	BpsDenominator = 10_000
)

// YieldEvent is one recorded yield delivery. Seq is assigned by the
// accountant in arrival order starting at zero. RateBps is the annualized
// yield rate implied by this event relative to the previous one, zero for
// the first event and whenever the elapsed gap or prior amount is zero.
type YieldEvent struct {
	Seq        uint64
	Amount     *big.Int
	ReceivedAt time.Time
	RateBps    uint64
}

// Clone returns a deep copy so accountant-owned history cannot be mutated
// through the shared *big.Int.
func (e YieldEvent) Clone() YieldEvent {
	out := e
	if e.Amount != nil {
		out.Amount = new(big.Int).Set(e.Amount)
	}
	return out
}

// Beneficiary is one registered recipient of yield distributions.
type Beneficiary struct {
	Address common.Address
	AddedAt time.Time
}

// DistributionMode says where a distribution run sent the funds.
type DistributionMode string

const (
	// DistributionSplit divides the pool equally across beneficiaries.
	DistributionSplit DistributionMode = "split"

	// DistributionSink forwards the whole pool to the configured sink.
	DistributionSink DistributionMode = "sink"
)

// DistributionRun records one completed (or partially completed) payout of
// the undistributed pool. Remainder holds the truncation dust retained in
// the pool after an equal split; it is always zero for sink runs.
type DistributionRun struct {
	ID          string
	Mode        DistributionMode
	Pool        *big.Int
	PerShare    *big.Int
	Remainder   *big.Int
	Recipients  []common.Address
	StartedAt   time.Time
	CompletedAt time.Time
}

// Clone returns a deep copy of the run.
func (r DistributionRun) Clone() DistributionRun {
	out := r
	if r.Pool != nil {
		out.Pool = new(big.Int).Set(r.Pool)
	}
	if r.PerShare != nil {
		out.PerShare = new(big.Int).Set(r.PerShare)
	}
	if r.Remainder != nil {
		out.Remainder = new(big.Int).Set(r.Remainder)
	}
	if r.Recipients != nil {
		out.Recipients = append([]common.Address(nil), r.Recipients...)
	}
	return out
}

// YieldTotals is the accountant's running aggregate view.
type YieldTotals struct {
	Received      *big.Int
	Distributed   *big.Int
	Undistributed *big.Int
	Events        int
}
