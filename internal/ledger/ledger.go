// Package ledger tracks locked principal-token positions keyed by maturity.
//
// The ledger is the authoritative in-memory record of every deposit the
// vault has ever made: positions are append-only, amounts are immutable, and
// redemption is a one-way flag flip. Per-maturity outstanding totals are
// maintained incrementally so reads never rescan the full history.
package ledger

import (
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"

	"github.com/termfi/termvault/internal/domain"
)

// Ledger owns all position state. Mutations are serialized through a single
// write lock; reads take the shared lock and may run concurrently. Returned
// positions and amounts are deep copies, so callers can hold them across
// later mutations.
type Ledger struct {
	mu    sync.RWMutex
	clock clockwork.Clock

	positions  []domain.Position // index == position id
	maturities []time.Time       // registration order, distinct

	outstanding map[int64]*big.Int // non-redeemed sum, keyed by maturity unix
	byMaturity  map[int64][]uint64 // position ids per maturity unix, creation order
	openCount   map[int64]int      // non-redeemed positions per maturity unix

	totalLocked *big.Int // running sum over all non-redeemed positions
}

// New creates an empty ledger. A nil clock falls back to the real clock.
func New(clock clockwork.Clock) *Ledger {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Ledger{
		clock:       clock,
		outstanding: make(map[int64]*big.Int),
		byMaturity:  make(map[int64][]uint64),
		openCount:   make(map[int64]int),
		totalLocked: new(big.Int),
	}
}

// AddPosition records a new locked position and returns it. Maturities carry
// second precision; sub-second components are dropped on entry. The second
// return value reports whether this maturity was seen for the first time,
// so callers can announce newly registered maturities.
func (l *Ledger) AddPosition(token common.Address, amount *big.Int, maturity time.Time) (domain.Position, bool, error) {
	if token == (common.Address{}) {
		return domain.Position{}, false, domain.ErrInvalidToken
	}
	if amount == nil || amount.Sign() <= 0 {
		return domain.Position{}, false, domain.ErrInvalidAmount
	}
	maturity = maturity.Truncate(time.Second)

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if !maturity.After(now) {
		return domain.Position{}, false, domain.ErrMaturityNotFuture
	}

	pos := domain.Position{
		ID:             uint64(len(l.positions)),
		PrincipalToken: token,
		Amount:         new(big.Int).Set(amount),
		Maturity:       maturity,
		DepositedAt:    now,
	}
	l.positions = append(l.positions, pos)

	key := maturity.Unix()
	_, seen := l.outstanding[key]
	if !seen {
		l.maturities = append(l.maturities, maturity)
		l.outstanding[key] = new(big.Int)
	}
	l.outstanding[key].Add(l.outstanding[key], pos.Amount)
	l.byMaturity[key] = append(l.byMaturity[key], pos.ID)
	l.openCount[key]++
	l.totalLocked.Add(l.totalLocked, pos.Amount)

	return pos.Clone(), !seen, nil
}

// MarkRedeemed flips the position's redeemed flag and decrements the
// maturity's outstanding total. Calling it twice on the same id is an error,
// not a no-op. Redemption at the exact maturity instant succeeds.
func (l *Ledger) MarkRedeemed(id uint64) (domain.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if id >= uint64(len(l.positions)) {
		return domain.Position{}, domain.ErrInvalidPositionID
	}
	pos := &l.positions[id]
	if pos.Redeemed {
		return domain.Position{}, domain.ErrAlreadyRedeemed
	}
	now := l.clock.Now()
	if now.Before(pos.Maturity) {
		return domain.Position{}, domain.ErrNotMatured
	}

	pos.Redeemed = true
	at := now
	pos.RedeemedAt = &at

	key := pos.Maturity.Unix()
	l.outstanding[key].Sub(l.outstanding[key], pos.Amount)
	l.openCount[key]--
	l.totalLocked.Sub(l.totalLocked, pos.Amount)

	return pos.Clone(), nil
}

// Position returns the position with the given id.
func (l *Ledger) Position(id uint64) (domain.Position, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if id >= uint64(len(l.positions)) {
		return domain.Position{}, domain.ErrInvalidPositionID
	}
	return l.positions[id].Clone(), nil
}

// Positions returns a snapshot of every position in creation order.
func (l *Ledger) Positions() []domain.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.Position, 0, len(l.positions))
	for i := range l.positions {
		out = append(out, l.positions[i].Clone())
	}
	return out
}

// Len returns the number of positions ever created, redeemed or not.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.positions)
}

// MaturityCount returns the number of distinct maturities registered.
func (l *Ledger) MaturityCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.maturities)
}

// MaturedPositions returns every matured, non-redeemed position in creation
// order. An empty ledger yields an empty slice, not an error.
func (l *Ledger) MaturedPositions() []domain.MaturedPosition {
	l.mu.RLock()
	defer l.mu.RUnlock()

	now := l.clock.Now()
	var out []domain.MaturedPosition
	for i := range l.positions {
		p := &l.positions[i]
		if p.Redeemed || now.Before(p.Maturity) {
			continue
		}
		out = append(out, domain.MaturedPosition{
			ID:             p.ID,
			PrincipalToken: p.PrincipalToken,
			Amount:         new(big.Int).Set(p.Amount),
			Maturity:       p.Maturity,
		})
	}
	return out
}

// UpcomingMaturities returns registered maturities M with now < M <= now +
// daysAhead days and a strictly positive outstanding total. A fully redeemed
// maturity is excluded even inside the window. Output follows registration
// order, not chronological order; callers wanting sorted output sort it
// themselves.
func (l *Ledger) UpcomingMaturities(daysAhead int) []time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()

	now := l.clock.Now()
	horizon := now.Add(time.Duration(daysAhead) * 24 * time.Hour)
	var out []time.Time
	for _, m := range l.maturities {
		if !m.After(now) || m.After(horizon) {
			continue
		}
		if l.outstanding[m.Unix()].Sign() <= 0 {
			continue
		}
		out = append(out, m)
	}
	return out
}

// PositionsByMaturity returns the ids of every position with exactly the
// given maturity, in creation order, redeemed included.
func (l *Ledger) PositionsByMaturity(maturity time.Time) []uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := l.byMaturity[maturity.Truncate(time.Second).Unix()]
	return append([]uint64(nil), ids...)
}

// Outstanding returns the non-redeemed amount sum for the given maturity,
// zero for a maturity never registered.
func (l *Ledger) Outstanding(maturity time.Time) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if total, ok := l.outstanding[maturity.Truncate(time.Second).Unix()]; ok {
		return new(big.Int).Set(total)
	}
	return new(big.Int)
}

// TotalLocked returns the amount sum over all non-redeemed positions. It
// always equals the sum of per-maturity outstanding totals.
func (l *Ledger) TotalLocked() *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(big.Int).Set(l.totalLocked)
}

// RedeemableAmount returns the amount sum over matured, non-redeemed
// positions. Unlike TotalLocked it excludes positions still to mature.
func (l *Ledger) RedeemableAmount() *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	now := l.clock.Now()
	sum := new(big.Int)
	for _, m := range l.maturities {
		if m.After(now) {
			continue
		}
		sum.Add(sum, l.outstanding[m.Unix()])
	}
	return sum
}

// Maturities returns the per-maturity aggregate view in registration order.
func (l *Ledger) Maturities() []domain.MaturityInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]domain.MaturityInfo, 0, len(l.maturities))
	for _, m := range l.maturities {
		key := m.Unix()
		out = append(out, domain.MaturityInfo{
			Maturity:    m,
			Outstanding: new(big.Int).Set(l.outstanding[key]),
			Positions:   l.openCount[key],
		})
	}
	return out
}

// Restore rebuilds the ledger from journaled positions, replacing any
// current state. Positions must carry contiguous ids from zero; maturity
// registration order is recovered from id order, matching the order the
// original process created them in.
func (l *Ledger) Restore(positions []domain.Position) error {
	sorted := make([]domain.Position, len(positions))
	copy(sorted, positions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	for i := range sorted {
		if sorted[i].ID != uint64(i) {
			return fmt.Errorf("ledger: restore: want position id %d, got %d", i, sorted[i].ID)
		}
		if sorted[i].Amount == nil || sorted[i].Amount.Sign() <= 0 {
			return fmt.Errorf("ledger: restore: position %d has non-positive amount", sorted[i].ID)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.positions = make([]domain.Position, 0, len(sorted))
	l.maturities = nil
	l.outstanding = make(map[int64]*big.Int)
	l.byMaturity = make(map[int64][]uint64)
	l.openCount = make(map[int64]int)
	l.totalLocked = new(big.Int)

	for _, p := range sorted {
		pos := p.Clone()
		pos.Maturity = pos.Maturity.Truncate(time.Second)
		l.positions = append(l.positions, pos)

		key := pos.Maturity.Unix()
		if _, seen := l.outstanding[key]; !seen {
			l.maturities = append(l.maturities, pos.Maturity)
			l.outstanding[key] = new(big.Int)
		}
		l.byMaturity[key] = append(l.byMaturity[key], pos.ID)
		if !pos.Redeemed {
			l.outstanding[key].Add(l.outstanding[key], pos.Amount)
			l.openCount[key]++
			l.totalLocked.Add(l.totalLocked, pos.Amount)
		}
	}
	return nil
}
