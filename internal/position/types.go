package position

import (
	"time"

	"bybit-position-bot/internal/exchange"
)

// Side is the direction of a position
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// OrderSide maps a position side to the exchange order side that opens it
func (s Side) OrderSide() exchange.Side {
	if s == SideShort {
		return exchange.SideSell
	}
	return exchange.SideBuy
}

// FromOrderSide maps an exchange order side to a position side
func FromOrderSide(s exchange.Side) Side {
	if s == exchange.SideSell {
		return SideShort
	}
	return SideLong
}

// Status is the lifecycle state of a position
type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusClosed Status = "CLOSED"
)

// StopLoss tracks the protective stop for a position
type StopLoss struct {
	Price        float64   `json:"price"`
	InitialPrice float64   `json:"initial_price"`
	OrderID      string    `json:"order_id,omitempty"`
	Breakeven    bool      `json:"breakeven"`
	Trailing     bool      `json:"trailing"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TakeProfit is one profit target level. Levels are 1-based and ordered
// from nearest to furthest target.
type TakeProfit struct {
	Level     int       `json:"level"`
	TargetPct float64   `json:"target_pct"`
	SizePct   float64   `json:"size_pct"`
	Price     float64   `json:"price"`
	OrderID   string    `json:"order_id,omitempty"`
	Hit       bool      `json:"hit"`
	HitTime   time.Time `json:"hit_time,omitempty"`
}

// Position is the single tracked unit of market exposure
type Position struct {
	ID            string       `json:"id"`
	Symbol        string       `json:"symbol"`
	Side          Side         `json:"side"`
	Quantity      float64      `json:"quantity"`
	EntryPrice    float64      `json:"entry_price"`
	Leverage      int          `json:"leverage"`
	MarginUsed    float64      `json:"margin_used"`
	StopLoss      *StopLoss    `json:"stop_loss,omitempty"`
	TakeProfits   []TakeProfit `json:"take_profits"`
	Strategy      string       `json:"strategy"`
	OpenedAt      time.Time    `json:"opened_at"`
	UnrealizedPnl float64      `json:"unrealized_pnl"`
	Status        Status       `json:"status"`
}

// PnlPercent returns the unrealized PnL as a percent of entry notional.
// Returns 0 when the notional is zero.
func (p *Position) PnlPercent(currentPrice float64) float64 {
	notional := p.Quantity * p.EntryPrice
	if notional == 0 {
		return 0
	}
	diff := currentPrice - p.EntryPrice
	if p.Side == SideShort {
		diff = -diff
	}
	return diff / p.EntryPrice * 100
}

// TakeProfitPrices returns the configured target prices in level order
func (p *Position) TakeProfitPrices() []float64 {
	prices := make([]float64, 0, len(p.TakeProfits))
	for _, tp := range p.TakeProfits {
		prices = append(prices, tp.Price)
	}
	return prices
}

// UsesTrailingStop reports whether the stop is managed as a trailing stop
func (p *Position) UsesTrailingStop() bool {
	return p.StopLoss != nil && p.StopLoss.Trailing
}

// Age returns how long the position has been open
func (p *Position) Age() time.Duration {
	return time.Since(p.OpenedAt)
}

// Signal is a decided trade handed to the entry executor
type Signal struct {
	Symbol   string
	Side     Side
	Strategy string
}
