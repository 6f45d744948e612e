package exchange

import "time"

// ==================== ENUMS ====================

// Side represents the order/position direction in Bybit vocabulary
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// Opposite returns the reducing side for a position side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType represents order types
type OrderType string

const (
	OrderTypeMarket OrderType = "Market"
	OrderTypeLimit  OrderType = "Limit"
)

// OrderStatus represents the exchange-reported order status
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "New"
	OrderStatusPartiallyFilled OrderStatus = "PartiallyFilled"
	OrderStatusFilled          OrderStatus = "Filled"
	OrderStatusCancelled       OrderStatus = "Cancelled"
	OrderStatusRejected        OrderStatus = "Rejected"
	OrderStatusUntriggered     OrderStatus = "Untriggered"
)

// IsTerminal reports whether the order can no longer change state.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusRejected
}

// Trigger-type tokens as the exchange sends them. Comparison is
// case-sensitive on purpose: a differently-cased token is an unrecognized
// token, not a stop order.
const (
	StopOrderTypeStop            = "Stop"
	StopOrderTypeStopLoss        = "StopLoss"
	StopOrderTypePartialStopLoss = "PartialStopLoss"
	StopOrderTypeTrailingStop    = "TrailingStop"
)

// ==================== WIRE TYPES ====================

// Order represents an order as reported by the exchange
type Order struct {
	OrderID       string      `json:"order_id"`
	OrderLinkID   string      `json:"order_link_id"`
	Symbol        string      `json:"symbol"`
	Side          Side        `json:"side"`
	OrderType     OrderType   `json:"order_type"`
	Qty           float64     `json:"qty"`
	Price         float64     `json:"price"`
	AvgPrice      float64     `json:"avg_price"`
	TriggerPrice  float64     `json:"trigger_price"`
	Status        OrderStatus `json:"status"`
	StopOrderType string      `json:"stop_order_type"`
	ReduceOnly    bool        `json:"reduce_only"`
	CreatedTime   time.Time   `json:"created_time"`
	UpdatedTime   time.Time   `json:"updated_time"`
}

// Position represents the exchange-reported position state
type Position struct {
	Symbol        string
	Side          Side
	Size          float64
	EntryPrice    float64
	MarkPrice     float64
	Leverage      float64
	UnrealisedPnl float64
	PositionIM    float64 // Initial margin in use
	StopLoss      float64
	TakeProfit    float64
	TrailingStop  float64
	CreatedTime   time.Time
	UpdatedTime   time.Time
}

// ProtectionStatus summarizes which protective orders are live for a position
type ProtectionStatus struct {
	HasStopLoss      bool
	HasTakeProfit    bool
	StopLossPrice    float64
	TakeProfitOrders int
}

// OrderRequest represents parameters for placing a single order
type OrderRequest struct {
	Symbol      string
	Side        Side
	OrderType   OrderType
	Qty         float64
	Price       float64 // Required for limit orders
	ReduceOnly  bool
	OrderLinkID string
}

// OpenPositionSpec describes an entry order with its protective prices
// attached. StopLoss and TakeProfit ride on the entry request so the
// exchange arms them in the same call that opens the position.
type OpenPositionSpec struct {
	Symbol      string
	Side        Side
	Qty         float64
	Leverage    int
	StopLoss    float64
	TakeProfit  float64 // First TP level only; further levels are placed separately
	OrderLinkID string
}

// CloseRequest asks the exchange to reduce a position by a percentage of
// its current size. Percentage 100 flattens it.
type CloseRequest struct {
	Symbol     string
	Percentage float64
}
