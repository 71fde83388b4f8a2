// Package selector ranks candidate principal-token markets for rollover.
// Scoring is a heuristic over liquidity and time-to-maturity, not a pricing
// oracle.
package selector

import (
	"math/big"
	"sort"
	"time"

	"github.com/termfi/termvault/internal/domain"
)

// Default scoring window: nine 30-day months is the ideal distance to
// maturity, with the time score falling linearly to zero twelve months
// away from it.
const (
	DefaultTarget  = 270 * 24 * time.Hour
	DefaultFalloff = 360 * 24 * time.Hour

	// liquidityScale normalizes 18-decimal token liquidity into whole
	// tokens before it enters the score.
	liquidityScale = 1e18

	// timeWeight converts the [0,1] time score into the same order of
	// magnitude as whole-token liquidity.
	timeWeight = 100
)

// Config tunes the scoring window. Zero values fall back to the defaults.
type Config struct {
	Target  time.Duration
	Falloff time.Duration
}

// Selector scores markets against a fixed target window. It is stateless
// and safe for concurrent use.
type Selector struct {
	target  time.Duration
	falloff time.Duration
}

// New creates a Selector, applying defaults for unset config fields.
func New(cfg Config) *Selector {
	if cfg.Target <= 0 {
		cfg.Target = DefaultTarget
	}
	if cfg.Falloff <= 0 {
		cfg.Falloff = DefaultFalloff
	}
	return &Selector{target: cfg.Target, falloff: cfg.Falloff}
}

// Score computes liquidity in whole tokens plus a weighted time score.
// Liquidity is taken at face value; a nil figure scores as zero liquidity.
func (s *Selector) Score(m domain.PTMarket, now time.Time) float64 {
	var liq float64
	if m.Liquidity != nil {
		liq, _ = new(big.Float).Quo(new(big.Float).SetInt(m.Liquidity), big.NewFloat(liquidityScale)).Float64()
	}
	dist := m.Maturity.Sub(now) - s.target
	if dist < 0 {
		dist = -dist
	}
	var timeScore float64
	if dist < s.falloff {
		timeScore = 1 - float64(dist)/float64(s.falloff)
	}
	return liq + timeScore*timeWeight
}

// eligible excludes markets flagged inactive and markets already at or past
// maturity.
func (s *Selector) eligible(m domain.PTMarket, now time.Time) bool {
	return m.Active && m.Maturity.After(now)
}

// Select returns the highest-scoring eligible market. Ties keep the first
// candidate encountered. An empty candidate list and a list with no
// eligible candidate are distinct errors.
func (s *Selector) Select(markets []domain.PTMarket, now time.Time) (domain.PTMarket, error) {
	if len(markets) == 0 {
		return domain.PTMarket{}, domain.ErrNoMarketsAvailable
	}
	best := -1
	bestScore := 0.0
	for i, m := range markets {
		if !s.eligible(m, now) {
			continue
		}
		score := s.Score(m, now)
		if best < 0 || score > bestScore {
			best = i
			bestScore = score
		}
	}
	if best < 0 {
		return domain.PTMarket{}, domain.ErrNoSuitableMarket
	}
	return markets[best].Clone(), nil
}

// Rank returns every eligible market with its score, highest first. Equal
// scores keep their input order.
func (s *Selector) Rank(markets []domain.PTMarket, now time.Time) []domain.MarketScore {
	out := make([]domain.MarketScore, 0, len(markets))
	for _, m := range markets {
		if !s.eligible(m, now) {
			continue
		}
		out = append(out, domain.MarketScore{Market: m.Clone(), Score: s.Score(m, now)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}
