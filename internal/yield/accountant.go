// Package yield accumulates harvested yield, derives rate statistics from
// the receipt history, and pays the undistributed pool out to a beneficiary
// set or a single sink address.
package yield

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/termfi/termvault/internal/domain"
)

// Accountant owns the yield event log, running totals, and the beneficiary
// set. Mutations are serialized through a single lock. Distribute releases
// the lock while external transfers run and sets a busy flag instead; any
// mutating call arriving during that window, including a re-entrant call
// from a transfer callback, fails with ErrOperationInProgress.
//
// TotalDistributed never exceeds TotalReceived. The event log is
// append-only and rates are never recomputed after the fact.
type Accountant struct {
	mu    sync.Mutex
	busy  bool
	clock clockwork.Clock

	transferor domain.Transferor

	events           []domain.YieldEvent
	nextSeq          uint64
	totalReceived    *big.Int
	totalDistributed *big.Int

	beneficiaries []domain.Beneficiary
	index         map[common.Address]int
	allocations   map[common.Address]*big.Int
	sink          *common.Address
}

// New creates an empty accountant. A nil clock falls back to the real
// clock. With a nil transferor every Distribute call fails; accounting
// reads still work.
func New(transferor domain.Transferor, clock clockwork.Clock) *Accountant {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Accountant{
		clock:            clock,
		transferor:       transferor,
		totalReceived:    new(big.Int),
		totalDistributed: new(big.Int),
		index:            make(map[common.Address]int),
		allocations:      make(map[common.Address]*big.Int),
	}
}

// ReceiveYield records one yield delivery and computes its annualized rate
// against the previous event. The first event, and any event arriving in
// the same second as its predecessor or after a zero-amount predecessor,
// gets rate zero. The rate is an approximation from two samples, not a
// financial guarantee.
func (a *Accountant) ReceiveYield(amount *big.Int) (domain.YieldEvent, error) {
	if amount == nil || amount.Sign() <= 0 {
		return domain.YieldEvent{}, domain.ErrInvalidAmount
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.busy {
		return domain.YieldEvent{}, domain.ErrOperationInProgress
	}

	now := a.clock.Now()
	ev := domain.YieldEvent{
		Seq:        a.nextSeq,
		Amount:     new(big.Int).Set(amount),
		ReceivedAt: now,
	}
	if n := len(a.events); n > 0 {
		prev := a.events[n-1]
		ev.RateBps = annualizedRate(amount, now.Unix()-prev.ReceivedAt.Unix(), prev.Amount)
	}

	a.events = append(a.events, ev)
	a.nextSeq++
	a.totalReceived.Add(a.totalReceived, amount)
	return ev.Clone(), nil
}

// annualizedRate computes amount scaled to a yearly basis-point rate
// relative to the previous delivery. Saturates at MaxUint64 on pathological
// inputs rather than wrapping.
func annualizedRate(amount *big.Int, gapSeconds int64, prevAmount *big.Int) uint64 {
	if gapSeconds <= 0 || prevAmount == nil || prevAmount.Sign() == 0 {
		return 0
	}
	num := new(big.Int).Set(amount)
	num.Mul(num, big.NewInt(domain.SecondsPerYear))
	num.Mul(num, big.NewInt(domain.BpsDenominator))
	den := new(big.Int).SetInt64(gapSeconds)
	den.Mul(den, prevAmount)
	num.Quo(num, den)
	if !num.IsUint64() {
		return math.MaxUint64
	}
	return num.Uint64()
}

// Distribute pays the undistributed pool out. With a sink configured the
// whole pool goes to the sink in one transfer; otherwise the pool is split
// equally across beneficiaries in iteration order, truncation dust staying
// in the pool for the next run.
//
// Accounting is per transfer: each completed transfer's amount is added to
// TotalDistributed (and the recipient's lifetime allocation) immediately,
// so a failure partway through keeps the completed payouts on the books,
// aborts the rest, and returns the error. Funds already sent cannot be
// clawed back, so the pre-call state cannot be restored in that case.
func (a *Accountant) Distribute(ctx context.Context) (domain.DistributionRun, error) {
	if a.transferor == nil {
		return domain.DistributionRun{}, errors.New("yield: no transferor configured")
	}

	a.mu.Lock()
	if a.busy {
		a.mu.Unlock()
		return domain.DistributionRun{}, domain.ErrOperationInProgress
	}

	available := new(big.Int).Sub(a.totalReceived, a.totalDistributed)
	if available.Sign() == 0 {
		a.mu.Unlock()
		return domain.DistributionRun{}, domain.ErrNothingToDistribute
	}

	run := domain.DistributionRun{
		ID:        uuid.NewString(),
		Pool:      new(big.Int).Set(available),
		Remainder: new(big.Int),
		StartedAt: a.clock.Now(),
	}
	if a.sink != nil {
		run.Mode = domain.DistributionSink
		run.PerShare = new(big.Int).Set(available)
		run.Recipients = []common.Address{*a.sink}
	} else {
		if len(a.beneficiaries) == 0 {
			a.mu.Unlock()
			return domain.DistributionRun{}, domain.ErrNoBeneficiaries
		}
		run.Mode = domain.DistributionSplit
		count := big.NewInt(int64(len(a.beneficiaries)))
		run.PerShare = new(big.Int).Quo(available, count)
		run.Remainder = new(big.Int).Sub(available, new(big.Int).Mul(run.PerShare, count))
		run.Recipients = make([]common.Address, len(a.beneficiaries))
		for i, b := range a.beneficiaries {
			run.Recipients[i] = b.Address
		}
	}

	a.busy = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.busy = false
		a.mu.Unlock()
	}()

	// A zero per-share (pool smaller than the beneficiary count) makes
	// every transfer a no-op; skip the external calls and leave the whole
	// pool as remainder.
	if run.PerShare.Sign() > 0 {
		for _, to := range run.Recipients {
			if err := ctx.Err(); err != nil {
				return domain.DistributionRun{}, fmt.Errorf("yield: distribute %s: %w", run.ID, err)
			}
			if _, err := a.transferor.Transfer(ctx, to, run.PerShare); err != nil {
				return domain.DistributionRun{}, fmt.Errorf("yield: distribute %s: transfer to %s: %w", run.ID, to.Hex(), err)
			}
			a.settle(to, run.PerShare)
		}
	}

	run.CompletedAt = a.clock.Now()
	return run, nil
}

// settle books one completed transfer.
func (a *Accountant) settle(to common.Address, amount *big.Int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.totalDistributed.Add(a.totalDistributed, amount)
	if alloc, ok := a.allocations[to]; ok {
		alloc.Add(alloc, amount)
	} else {
		a.allocations[to] = new(big.Int).Set(amount)
	}
}

// AddBeneficiary registers a distribution recipient. Iteration order is
// deterministic but not guaranteed to be insertion order after removals.
func (a *Accountant) AddBeneficiary(addr common.Address) error {
	if addr == (common.Address{}) {
		return domain.ErrInvalidAddress
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.busy {
		return domain.ErrOperationInProgress
	}
	if _, ok := a.index[addr]; ok {
		return domain.ErrBeneficiaryExists
	}
	a.index[addr] = len(a.beneficiaries)
	a.beneficiaries = append(a.beneficiaries, domain.Beneficiary{Address: addr, AddedAt: a.clock.Now()})
	return nil
}

// RemoveBeneficiary drops a recipient using swap-with-last, so the slot
// order of remaining members may change. Lifetime allocation counters are
// kept even after removal.
func (a *Accountant) RemoveBeneficiary(addr common.Address) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.busy {
		return domain.ErrOperationInProgress
	}
	i, ok := a.index[addr]
	if !ok {
		return domain.ErrBeneficiaryNotFound
	}
	last := len(a.beneficiaries) - 1
	if i != last {
		a.beneficiaries[i] = a.beneficiaries[last]
		a.index[a.beneficiaries[i].Address] = i
	}
	a.beneficiaries = a.beneficiaries[:last]
	delete(a.index, addr)
	return nil
}

// SetSink designates the aggregator that supersedes the beneficiary set.
// Switching between sink and split mode at will is allowed.
func (a *Accountant) SetSink(addr common.Address) error {
	if addr == (common.Address{}) {
		return domain.ErrInvalidAddress
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.busy {
		return domain.ErrOperationInProgress
	}
	sink := addr
	a.sink = &sink
	return nil
}

// ClearSink removes the sink, returning distributions to split mode. A sink
// already unset is not an error.
func (a *Accountant) ClearSink() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.busy {
		return domain.ErrOperationInProgress
	}
	a.sink = nil
	return nil
}

// Sink returns the configured sink, if any.
func (a *Accountant) Sink() (common.Address, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sink == nil {
		return common.Address{}, false
	}
	return *a.sink, true
}

// Beneficiaries returns the current set in iteration order.
func (a *Accountant) Beneficiaries() []domain.Beneficiary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.Beneficiary(nil), a.beneficiaries...)
}

// Allocation returns the lifetime amount distributed to addr.
func (a *Accountant) Allocation(addr common.Address) *big.Int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if alloc, ok := a.allocations[addr]; ok {
		return new(big.Int).Set(alloc)
	}
	return new(big.Int)
}

// Totals returns the running aggregate view.
func (a *Accountant) Totals() domain.YieldTotals {
	a.mu.Lock()
	defer a.mu.Unlock()
	return domain.YieldTotals{
		Received:      new(big.Int).Set(a.totalReceived),
		Distributed:   new(big.Int).Set(a.totalDistributed),
		Undistributed: new(big.Int).Sub(a.totalReceived, a.totalDistributed),
		Events:        len(a.events),
	}
}

// FixedYieldRate returns the mean rate over the last five events (fewer if
// the log is shorter), zero with no events.
func (a *Accountant) FixedYieldRate() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.events)
	if n == 0 {
		return 0
	}
	window := 5
	if n < window {
		window = n
	}
	sum := new(big.Int)
	for _, ev := range a.events[n-window:] {
		sum.Add(sum, new(big.Int).SetUint64(ev.RateBps))
	}
	sum.Quo(sum, big.NewInt(int64(window)))
	return sum.Uint64()
}

// PredictedYield extrapolates the amount expected over timeframe from the
// last ten events: mean delivery amount scaled by timeframe over the mean
// inter-event gap. Returns zero with fewer than two events in the window
// or a zero mean gap.
func (a *Accountant) PredictedYield(timeframe time.Duration) *big.Int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.events)
	if n == 0 || timeframe <= 0 {
		return new(big.Int)
	}
	window := 10
	if n < window {
		window = n
	}
	if window < 2 {
		return new(big.Int)
	}

	tail := a.events[n-window:]
	sumAmount := new(big.Int)
	for _, ev := range tail {
		sumAmount.Add(sumAmount, ev.Amount)
	}
	avgAmount := new(big.Int).Quo(sumAmount, big.NewInt(int64(window)))

	gapSpan := tail[window-1].ReceivedAt.Unix() - tail[0].ReceivedAt.Unix()
	avgGap := gapSpan / int64(window-1)
	if avgGap <= 0 {
		return new(big.Int)
	}

	predicted := new(big.Int).Mul(avgAmount, big.NewInt(int64(timeframe/time.Second)))
	return predicted.Quo(predicted, big.NewInt(avgGap))
}

// YieldHistory returns the contiguous half-open slice [start, end) of the
// retained event log, oldest first.
func (a *Accountant) YieldHistory(start, end int) ([]domain.YieldEvent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.events)
	if start < 0 || start >= n {
		return nil, domain.ErrInvalidStart
	}
	if end > n {
		return nil, domain.ErrInvalidEnd
	}
	if start >= end {
		return nil, domain.ErrInvalidRange
	}
	out := make([]domain.YieldEvent, 0, end-start)
	for _, ev := range a.events[start:end] {
		out = append(out, ev.Clone())
	}
	return out, nil
}

// State is a snapshot for journaling and boot replay. Totals are carried
// explicitly because archived events may no longer be present in Events.
type State struct {
	Events           []domain.YieldEvent
	TotalReceived    *big.Int
	TotalDistributed *big.Int
	Beneficiaries    []domain.Beneficiary
	Allocations      map[common.Address]*big.Int
	Sink             *common.Address
}

// Restore replaces the accountant's state from a journal snapshot. Events
// must carry contiguous ascending sequence numbers; the next assigned
// sequence continues after the last one. An empty event tail with nonzero
// totals is valid after archival.
func (a *Accountant) Restore(st State) error {
	received := new(big.Int)
	if st.TotalReceived != nil {
		received.Set(st.TotalReceived)
	}
	distributed := new(big.Int)
	if st.TotalDistributed != nil {
		distributed.Set(st.TotalDistributed)
	}
	if received.Sign() < 0 || distributed.Sign() < 0 || distributed.Cmp(received) > 0 {
		return fmt.Errorf("yield: restore: distributed %s exceeds received %s", distributed, received)
	}
	for i := 1; i < len(st.Events); i++ {
		if st.Events[i].Seq != st.Events[i-1].Seq+1 {
			return fmt.Errorf("yield: restore: event seq gap between %d and %d", st.Events[i-1].Seq, st.Events[i].Seq)
		}
	}
	index := make(map[common.Address]int, len(st.Beneficiaries))
	for i, b := range st.Beneficiaries {
		if _, ok := index[b.Address]; ok {
			return fmt.Errorf("yield: restore: duplicate beneficiary %s", b.Address.Hex())
		}
		index[b.Address] = i
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.busy {
		return domain.ErrOperationInProgress
	}

	a.events = make([]domain.YieldEvent, 0, len(st.Events))
	for _, ev := range st.Events {
		a.events = append(a.events, ev.Clone())
	}
	a.nextSeq = 0
	if n := len(a.events); n > 0 {
		a.nextSeq = a.events[n-1].Seq + 1
	}
	a.totalReceived = received
	a.totalDistributed = distributed

	a.beneficiaries = append([]domain.Beneficiary(nil), st.Beneficiaries...)
	a.index = index
	a.allocations = make(map[common.Address]*big.Int, len(st.Allocations))
	for addr, alloc := range st.Allocations {
		a.allocations[addr] = new(big.Int).Set(alloc)
	}
	a.sink = nil
	if st.Sink != nil {
		sink := *st.Sink
		a.sink = &sink
	}
	return nil
}
