package execution

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bybit-position-bot/config"
	"bybit-position-bot/internal/exchange"
)

// ResultStatus is the terminal status of one pipeline execution
type ResultStatus string

const (
	StatusFilled    ResultStatus = "FILLED"
	StatusCancelled ResultStatus = "CANCELLED"
	StatusTimeout   ResultStatus = "TIMEOUT"
	StatusFailed    ResultStatus = "FAILED"
)

// Request is an order submission plus the price the caller expected to
// fill at, used for slippage measurement.
type Request struct {
	Order         exchange.OrderRequest
	ExpectedPrice float64
}

// Result is the outcome of one pipeline execution. The pipeline always
// returns a Result; errors surface as Success=false with LastError set.
type Result struct {
	Success       bool          `json:"success"`
	OrderID       string        `json:"order_id,omitempty"`
	FilledQty     float64       `json:"filled_qty"`
	FilledPrice   float64       `json:"filled_price"`
	SlippagePct   float64       `json:"slippage_pct"`
	WithinLimits  bool          `json:"within_limits"`
	ExecutionTime time.Duration `json:"execution_time"`
	RetryCount    int           `json:"retry_count"`
	Status        ResultStatus  `json:"status"`
	LastError     string        `json:"last_error,omitempty"`
}

// Metrics are running aggregates over all executions, maintained
// incrementally.
type Metrics struct {
	TotalOrders     int64   `json:"total_orders"`
	SuccessfulFills int64   `json:"successful_fills"`
	FailedOrders    int64   `json:"failed_orders"`
	TimedOutOrders  int64   `json:"timed_out_orders"`
	AvgExecutionMs  float64 `json:"avg_execution_ms"`
	AvgSlippagePct  float64 `json:"avg_slippage_pct"`
	AvgRetries      float64 `json:"avg_retries"`
}

// Pipeline places orders with bounded retry, polls for a terminal status,
// and measures slippage. It never propagates an error past its boundary.
type Pipeline struct {
	client exchange.Client
	cfg    config.ExecutionConfig
	logger zerolog.Logger

	mu      sync.RWMutex
	metrics Metrics
}

// NewPipeline creates an execution pipeline
func NewPipeline(client exchange.Client, cfg config.ExecutionConfig, logger zerolog.Logger) *Pipeline {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	return &Pipeline{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "execution_pipeline").Logger(),
	}
}

// PlaceOrder runs the full retry/poll/slippage sequence for one request
func (p *Pipeline) PlaceOrder(ctx context.Context, req Request) *Result {
	start := time.Now()
	result := &Result{Status: StatusFailed}

	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt >= 2 {
			delay := p.retryDelay(attempt)
			p.logger.Debug().
				Int("attempt", attempt).
				Dur("delay", delay).
				Str("symbol", req.Order.Symbol).
				Msg("Retrying order placement")
			select {
			case <-ctx.Done():
				result.LastError = ctx.Err().Error()
				result.RetryCount = attempt - 1
				result.ExecutionTime = time.Since(start)
				p.record(result)
				return result
			case <-time.After(delay):
			}
		}
		result.RetryCount = attempt

		order, err := p.client.PlaceOrder(ctx, req.Order)
		if err != nil {
			lastErr = err
			p.logger.Warn().Err(err).
				Int("attempt", attempt).
				Str("symbol", req.Order.Symbol).
				Msg("Order placement attempt failed")
			continue
		}

		p.finalize(ctx, req, order, result)
		result.ExecutionTime = time.Since(start)
		p.record(result)
		return result
	}

	if lastErr != nil {
		result.LastError = lastErr.Error()
	}
	result.ExecutionTime = time.Since(start)
	p.logger.Error().
		Str("symbol", req.Order.Symbol).
		Int("retries", result.RetryCount).
		Str("error", result.LastError).
		Msg("Order placement exhausted all attempts")
	p.record(result)
	return result
}

// ExecuteEntry submits a composite position entry through the same retry
// and slippage sequence as plain orders. The spec carries the protective
// stop and first take profit, so a successful attempt leaves the position
// covered without a follow-up call. Slippage is measured against the
// price the caller sized at and breaches are warnings, not failures.
func (p *Pipeline) ExecuteEntry(ctx context.Context, spec exchange.OpenPositionSpec, expectedPrice float64) (*exchange.Position, error) {
	start := time.Now()
	result := &Result{Status: StatusFailed}

	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt >= 2 {
			delay := p.retryDelay(attempt)
			p.logger.Debug().
				Int("attempt", attempt).
				Dur("delay", delay).
				Str("symbol", spec.Symbol).
				Msg("Retrying position entry")
			select {
			case <-ctx.Done():
				result.LastError = ctx.Err().Error()
				result.RetryCount = attempt - 1
				result.ExecutionTime = time.Since(start)
				p.record(result)
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		result.RetryCount = attempt

		remote, err := p.client.OpenPosition(ctx, spec)
		if err != nil {
			lastErr = err
			p.logger.Warn().Err(err).
				Int("attempt", attempt).
				Str("symbol", spec.Symbol).
				Msg("Position entry attempt failed")
			continue
		}

		result.Success = true
		result.Status = StatusFilled
		result.FilledQty = spec.Qty
		result.FilledPrice = remote.EntryPrice
		if result.FilledPrice <= 0 {
			result.FilledPrice = expectedPrice
		}
		result.SlippagePct = Slippage(expectedPrice, result.FilledPrice)
		result.WithinLimits = result.SlippagePct <= p.cfg.MaxSlippagePct
		if !result.WithinLimits {
			p.logger.Warn().
				Str("symbol", spec.Symbol).
				Float64("slippage_pct", result.SlippagePct).
				Float64("max_slippage_pct", p.cfg.MaxSlippagePct).
				Msg("Entry slippage exceeded configured ceiling")
		}
		result.ExecutionTime = time.Since(start)
		p.record(result)
		return remote, nil
	}

	if lastErr != nil {
		result.LastError = lastErr.Error()
	}
	result.ExecutionTime = time.Since(start)
	p.logger.Error().
		Str("symbol", spec.Symbol).
		Int("retries", result.RetryCount).
		Str("error", result.LastError).
		Msg("Position entry exhausted all attempts")
	p.record(result)
	return nil, fmt.Errorf("entry failed after %d attempts: %w", result.RetryCount, lastErr)
}

// GetMetrics returns a copy of the running metrics
func (p *Pipeline) GetMetrics() Metrics {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.metrics
}

// ResetMetrics zeroes all running aggregates
func (p *Pipeline) ResetMetrics() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics = Metrics{}
}

// Slippage returns the relative fill deviation in percent. Zero when the
// expected price is unusable.
func Slippage(expected, filled float64) float64 {
	if expected <= 0 || math.IsNaN(expected) || filled <= 0 || math.IsNaN(filled) {
		return 0
	}
	return math.Abs(filled-expected) / expected * 100
}

func (p *Pipeline) finalize(ctx context.Context, req Request, placed *exchange.Order, result *Result) {
	result.OrderID = placed.OrderID

	final := p.pollTerminal(ctx, req.Order.Symbol, placed.OrderID)
	if final == nil {
		result.Status = StatusTimeout
		result.LastError = "order did not reach a terminal status before the poll limit"
		p.logger.Warn().
			Str("order_id", placed.OrderID).
			Str("symbol", req.Order.Symbol).
			Msg("Order status polling timed out")
		return
	}

	switch final.Status {
	case exchange.OrderStatusFilled, exchange.OrderStatusPartiallyFilled:
		result.Success = true
		result.Status = StatusFilled
		result.FilledQty = final.Qty
		result.FilledPrice = final.AvgPrice
	case exchange.OrderStatusCancelled, exchange.OrderStatusRejected:
		result.Status = StatusCancelled
		result.LastError = "order " + string(final.Status)
		return
	default:
		result.Status = StatusTimeout
		result.LastError = "order stuck in status " + string(final.Status)
		return
	}

	// Slippage is always computed and attached. A breach is a warning,
	// not a failure: the order already filled.
	result.SlippagePct = Slippage(req.ExpectedPrice, result.FilledPrice)
	result.WithinLimits = result.SlippagePct <= p.cfg.MaxSlippagePct
	if !result.WithinLimits {
		p.logger.Warn().
			Str("order_id", placed.OrderID).
			Float64("slippage_pct", result.SlippagePct).
			Float64("max_slippage_pct", p.cfg.MaxSlippagePct).
			Msg("Fill slippage exceeded configured ceiling")
	}
}

func (p *Pipeline) pollTerminal(ctx context.Context, symbol, orderID string) *exchange.Order {
	interval := time.Duration(p.cfg.StatusPollMs) * time.Millisecond
	for i := 0; i < p.cfg.MaxStatusPolls; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(interval):
			}
		}
		order, err := p.client.GetOrderStatus(ctx, symbol, orderID)
		if err != nil {
			p.logger.Debug().Err(err).Str("order_id", orderID).Msg("Order status poll failed")
			continue
		}
		if order.Status.IsTerminal() {
			return order
		}
	}
	return nil
}

func (p *Pipeline) retryDelay(attempt int) time.Duration {
	base := float64(p.cfg.RetryDelayMs)
	mult := math.Pow(p.cfg.BackoffMultiplier, float64(attempt-2))
	return time.Duration(base*mult) * time.Millisecond
}

func (p *Pipeline) record(result *Result) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := &p.metrics
	m.TotalOrders++
	switch {
	case result.Success:
		m.SuccessfulFills++
	case result.Status == StatusTimeout:
		m.TimedOutOrders++
	default:
		m.FailedOrders++
	}

	n := float64(m.TotalOrders)
	m.AvgExecutionMs += (float64(result.ExecutionTime.Milliseconds()) - m.AvgExecutionMs) / n
	m.AvgRetries += (float64(result.RetryCount) - m.AvgRetries) / n
	if result.Success {
		fills := float64(m.SuccessfulFills)
		m.AvgSlippagePct += (result.SlippagePct - m.AvgSlippagePct) / fills
	}
}
