package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// MockClient implements the Client interface for dry-run mode and tests.
// Failure injection hooks let tests script transient errors per call.
type MockClient struct {
	mu           sync.RWMutex
	position     *Position
	activeOrders []Order
	orderHistory []Order
	price        float64
	nextOrderID  int64

	// Call counters for assertions
	PlaceOrderCalls    int
	OpenPositionCalls  int
	ClosePositionCalls int

	// Failure injection: when set and returning a non-nil error, the
	// corresponding call fails with it.
	FailPlaceOrder    func(attempt int) error
	FailOpenPosition  func() error
	FailGetPosition   func() error
	FailClosePosition func() error

	// Optional fill price override for placed orders; zero means fill at
	// the current mock price.
	FillPrice float64

	// Orders placed through PlaceOrder fill after this many status polls.
	PollsUntilFilled int

	pollCounts map[string]int
}

// NewMockClient creates a mock exchange seeded with a starting price
func NewMockClient(price float64) *MockClient {
	return &MockClient{
		price:       price,
		nextOrderID: 1000,
		pollCounts:  make(map[string]int),
	}
}

// SetPrice updates the mock market price
func (c *MockClient) SetPrice(price float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.price = price
}

// SetPosition installs a remote position directly (reconciliation tests)
func (c *MockClient) SetPosition(pos *Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.position = pos
}

// SetActiveOrders installs the active order list directly
func (c *MockClient) SetActiveOrders(orders []Order) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeOrders = orders
}

// SetOrderHistory installs the order history directly
func (c *MockClient) SetOrderHistory(orders []Order) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orderHistory = orders
}

func (c *MockClient) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.price <= 0 {
		return 0, fmt.Errorf("no price available for %s", symbol)
	}
	return c.price, nil
}

func (c *MockClient) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	c.mu.RLock()
	fail := c.FailGetPosition
	c.mu.RUnlock()
	if fail != nil {
		if err := fail(); err != nil {
			return nil, err
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.position == nil || c.position.Symbol != symbol || c.position.Size == 0 {
		return nil, nil
	}
	pos := *c.position
	pos.MarkPrice = c.price
	if pos.Side == SideBuy {
		pos.UnrealisedPnl = (c.price - pos.EntryPrice) * pos.Size
	} else {
		pos.UnrealisedPnl = (pos.EntryPrice - c.price) * pos.Size
	}
	return &pos, nil
}

func (c *MockClient) OpenPosition(ctx context.Context, spec OpenPositionSpec) (*Position, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.OpenPositionCalls++
	if c.FailOpenPosition != nil {
		if err := c.FailOpenPosition(); err != nil {
			return nil, err
		}
	}
	if c.position != nil && c.position.Size != 0 {
		return nil, fmt.Errorf("position already open for %s", spec.Symbol)
	}

	c.position = &Position{
		Symbol:      spec.Symbol,
		Side:        spec.Side,
		Size:        spec.Qty,
		EntryPrice:  c.price,
		MarkPrice:   c.price,
		Leverage:    float64(spec.Leverage),
		StopLoss:    spec.StopLoss,
		TakeProfit:  spec.TakeProfit,
		CreatedTime: time.Now(),
		UpdatedTime: time.Now(),
	}
	return c.copyPositionLocked(), nil
}

func (c *MockClient) UpdateStopLoss(ctx context.Context, symbol string, price float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.position == nil {
		return fmt.Errorf("no position for %s", symbol)
	}
	c.position.StopLoss = price
	return nil
}

func (c *MockClient) UpdateTakeProfitPartial(ctx context.Context, symbol string, price, qty float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.position == nil {
		return fmt.Errorf("no position for %s", symbol)
	}
	c.activeOrders = append(c.activeOrders, Order{
		OrderID:      c.newOrderIDLocked(),
		Symbol:       symbol,
		Side:         c.position.Side.Opposite(),
		OrderType:    OrderTypeLimit,
		Qty:          qty,
		Price:        price,
		Status:       OrderStatusUntriggered,
		ReduceOnly:   true,
		TriggerPrice: price,
		CreatedTime:  time.Now(),
		UpdatedTime:  time.Now(),
	})
	return nil
}

func (c *MockClient) ClosePosition(ctx context.Context, req CloseRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ClosePositionCalls++
	if c.FailClosePosition != nil {
		if err := c.FailClosePosition(); err != nil {
			return err
		}
	}
	if c.position == nil {
		return nil
	}

	pct := req.Percentage
	if pct <= 0 || pct > 100 {
		pct = 100
	}
	c.position.Size -= c.position.Size * pct / 100
	if c.position.Size <= 0 {
		c.position = nil
	}
	return nil
}

func (c *MockClient) CancelAllConditionalOrders(ctx context.Context, symbol string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.activeOrders[:0]
	for _, o := range c.activeOrders {
		if o.Symbol == symbol && (o.StopOrderType != "" || o.ReduceOnly) {
			continue
		}
		kept = append(kept, o)
	}
	c.activeOrders = kept
	return nil
}

func (c *MockClient) GetActiveOrders(ctx context.Context, symbol string) ([]Order, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	orders := make([]Order, 0, len(c.activeOrders))
	for _, o := range c.activeOrders {
		if o.Symbol == symbol {
			orders = append(orders, o)
		}
	}
	return orders, nil
}

func (c *MockClient) GetOrderHistory(ctx context.Context, symbol string, limit int) ([]Order, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	orders := make([]Order, 0, len(c.orderHistory))
	for _, o := range c.orderHistory {
		if o.Symbol == symbol {
			orders = append(orders, o)
		}
		if limit > 0 && len(orders) >= limit {
			break
		}
	}
	return orders, nil
}

func (c *MockClient) VerifyProtectionSet(ctx context.Context, symbol string, side Side) (*ProtectionStatus, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := &ProtectionStatus{}
	if c.position != nil && c.position.Symbol == symbol && c.position.StopLoss > 0 {
		status.HasStopLoss = true
		status.StopLossPrice = c.position.StopLoss
	}
	closing := side.Opposite()
	for _, o := range c.activeOrders {
		if o.Symbol != symbol {
			continue
		}
		switch o.StopOrderType {
		case StopOrderTypeStop, StopOrderTypeStopLoss, StopOrderTypePartialStopLoss, StopOrderTypeTrailingStop:
			status.HasStopLoss = true
			status.StopLossPrice = o.TriggerPrice
		default:
			if o.ReduceOnly && o.OrderType == OrderTypeLimit && o.Side == closing {
				status.HasTakeProfit = true
				status.TakeProfitOrders++
			}
		}
	}
	return status, nil
}

func (c *MockClient) PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.PlaceOrderCalls++
	if c.FailPlaceOrder != nil {
		if err := c.FailPlaceOrder(c.PlaceOrderCalls); err != nil {
			return nil, err
		}
	}

	order := Order{
		OrderID:     c.newOrderIDLocked(),
		OrderLinkID: req.OrderLinkID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		OrderType:   req.OrderType,
		Qty:         req.Qty,
		Price:       req.Price,
		Status:      OrderStatusNew,
		ReduceOnly:  req.ReduceOnly,
		CreatedTime: time.Now(),
		UpdatedTime: time.Now(),
	}
	c.activeOrders = append(c.activeOrders, order)
	return &order, nil
}

func (c *MockClient) GetOrderStatus(ctx context.Context, symbol, orderID string) (*Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.activeOrders {
		o := &c.activeOrders[i]
		if o.OrderID != orderID {
			continue
		}

		c.pollCounts[orderID]++
		if c.pollCounts[orderID] > c.PollsUntilFilled {
			o.Status = OrderStatusFilled
			o.AvgPrice = c.FillPrice
			if o.AvgPrice == 0 {
				o.AvgPrice = c.price
			}
			o.UpdatedTime = time.Now()
		}
		result := *o
		return &result, nil
	}

	for _, o := range c.orderHistory {
		if o.OrderID == orderID {
			result := o
			return &result, nil
		}
	}
	return nil, fmt.Errorf("order %s not found", orderID)
}

func (c *MockClient) copyPositionLocked() *Position {
	if c.position == nil {
		return nil
	}
	pos := *c.position
	return &pos
}

func (c *MockClient) newOrderIDLocked() string {
	c.nextOrderID++
	return "mock-" + strconv.FormatInt(c.nextOrderID, 10)
}
