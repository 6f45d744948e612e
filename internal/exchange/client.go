package exchange

import "context"

// Client is the exchange boundary consumed by the position, execution,
// reconciliation, and health components. Every call crosses the network and
// may fail; callers treat all of them as fallible. GetPosition returns nil
// when the exchange reports no open position for the symbol.
type Client interface {
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
	GetPosition(ctx context.Context, symbol string) (*Position, error)
	OpenPosition(ctx context.Context, spec OpenPositionSpec) (*Position, error)
	UpdateStopLoss(ctx context.Context, symbol string, price float64) error
	UpdateTakeProfitPartial(ctx context.Context, symbol string, price, qty float64) error
	ClosePosition(ctx context.Context, req CloseRequest) error
	CancelAllConditionalOrders(ctx context.Context, symbol string) error
	GetActiveOrders(ctx context.Context, symbol string) ([]Order, error)
	GetOrderHistory(ctx context.Context, symbol string, limit int) ([]Order, error)
	VerifyProtectionSet(ctx context.Context, symbol string, side Side) (*ProtectionStatus, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error)
	GetOrderStatus(ctx context.Context, symbol, orderID string) (*Order, error)
}
