package position

import (
	"fmt"
	"math"
	"sync"
)

// Sizer decides the base quantity for a new position given the live price.
// Implementations return quantity before lot rounding.
type Sizer interface {
	Quantity(price float64) (float64, error)
}

// RoundToLot floors a quantity to the exchange lot-size granularity.
// A non-positive lot size leaves the quantity unchanged.
func RoundToLot(qty, lotSize float64) float64 {
	if lotSize <= 0 {
		return qty
	}
	// The epsilon keeps exact multiples from flooring one step down
	return math.Floor(qty/lotSize+1e-9) * lotSize
}

// FixedNotionalSizer sizes every position to the same USD notional
type FixedNotionalSizer struct {
	NotionalUSD float64
	Leverage    int
}

func (s *FixedNotionalSizer) Quantity(price float64) (float64, error) {
	if price <= 0 || math.IsNaN(price) {
		return 0, fmt.Errorf("invalid price %.8f for sizing", price)
	}
	if s.NotionalUSD <= 0 {
		return 0, fmt.Errorf("invalid notional %.2f", s.NotionalUSD)
	}
	lev := s.Leverage
	if lev < 1 {
		lev = 1
	}
	return s.NotionalUSD * float64(lev) / price, nil
}

// CompoundingSizer grows the position notional by reinvesting a percent
// of accumulated realized PnL on top of a fixed base.
type CompoundingSizer struct {
	BaseUSD     float64
	ReinvestPct float64
	Leverage    int

	mu       sync.Mutex
	realized float64
}

// AddRealized records closed-trade PnL so later entries compound on it
func (s *CompoundingSizer) AddRealized(pnl float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.realized += pnl
}

// Realized returns the accumulated realized PnL
func (s *CompoundingSizer) Realized() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.realized
}

func (s *CompoundingSizer) Quantity(price float64) (float64, error) {
	if price <= 0 || math.IsNaN(price) {
		return 0, fmt.Errorf("invalid price %.8f for sizing", price)
	}
	if s.BaseUSD <= 0 {
		return 0, fmt.Errorf("invalid base notional %.2f", s.BaseUSD)
	}

	s.mu.Lock()
	realized := s.realized
	s.mu.Unlock()

	notional := s.BaseUSD
	if realized > 0 && s.ReinvestPct > 0 {
		notional += realized * s.ReinvestPct / 100
	}
	lev := s.Leverage
	if lev < 1 {
		lev = 1
	}
	return notional * float64(lev) / price, nil
}
