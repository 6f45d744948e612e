package execution

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"bybit-position-bot/config"
	"bybit-position-bot/internal/exchange"
)

func testExecConfig() config.ExecutionConfig {
	return config.ExecutionConfig{
		MaxRetries:        3,
		RetryDelayMs:      1,
		BackoffMultiplier: 2,
		StatusPollMs:      1,
		MaxStatusPolls:    5,
		MaxSlippagePct:    1.0,
	}
}

func marketBuy(qty float64) Request {
	return Request{
		Order: exchange.OrderRequest{
			Symbol:    "BTCUSDT",
			Side:      exchange.SideBuy,
			OrderType: exchange.OrderTypeMarket,
			Qty:       qty,
		},
		ExpectedPrice: 100,
	}
}

func TestSlippageCalculation(t *testing.T) {
	if got := Slippage(100, 102); got != 2.0 {
		t.Errorf("expected slippage 2.0, got %v", got)
	}
	if got := Slippage(100, 98); got != 2.0 {
		t.Errorf("slippage is absolute, expected 2.0, got %v", got)
	}
	if got := Slippage(0, 102); got != 0 {
		t.Errorf("unusable expected price should yield 0, got %v", got)
	}
}

func TestSuccessfulFill(t *testing.T) {
	client := exchange.NewMockClient(100)
	p := NewPipeline(client, testExecConfig(), zerolog.Nop())

	result := p.PlaceOrder(context.Background(), marketBuy(0.01))
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.Status != StatusFilled {
		t.Errorf("expected FILLED, got %s", result.Status)
	}
	if result.RetryCount != 1 {
		t.Errorf("expected a single attempt, got %d", result.RetryCount)
	}
	if result.FilledPrice != 100 {
		t.Errorf("expected fill at 100, got %v", result.FilledPrice)
	}
}

func TestSlippageAttachedAndLimitsChecked(t *testing.T) {
	client := exchange.NewMockClient(100)
	client.FillPrice = 102
	p := NewPipeline(client, testExecConfig(), zerolog.Nop())

	result := p.PlaceOrder(context.Background(), marketBuy(0.01))
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.SlippagePct != 2.0 {
		t.Errorf("expected slippage 2.0, got %v", result.SlippagePct)
	}
	// Ceiling is 1.0: breach is recorded, not failed
	if result.WithinLimits {
		t.Error("slippage 2.0 must exceed the 1.0 ceiling")
	}
}

func TestRetriesTransientFailures(t *testing.T) {
	client := exchange.NewMockClient(100)
	client.FailPlaceOrder = func(attempt int) error {
		if attempt < 3 {
			return errors.New("exchange busy")
		}
		return nil
	}
	p := NewPipeline(client, testExecConfig(), zerolog.Nop())

	result := p.PlaceOrder(context.Background(), marketBuy(0.01))
	if !result.Success {
		t.Fatalf("expected eventual success, got %+v", result)
	}
	if result.RetryCount != 3 {
		t.Errorf("expected 3 attempts, got %d", result.RetryCount)
	}
}

func TestExhaustedRetriesNeverThrow(t *testing.T) {
	client := exchange.NewMockClient(100)
	client.FailPlaceOrder = func(attempt int) error {
		return errors.New("exchange down")
	}
	p := NewPipeline(client, testExecConfig(), zerolog.Nop())

	result := p.PlaceOrder(context.Background(), marketBuy(0.01))
	if result.Success {
		t.Fatal("expected failure result")
	}
	if result.Status != StatusFailed {
		t.Errorf("expected FAILED, got %s", result.Status)
	}
	if result.LastError == "" {
		t.Error("expected the last error message to be attached")
	}
	if result.RetryCount != 3 {
		t.Errorf("expected all 3 attempts consumed, got %d", result.RetryCount)
	}
}

func TestStatusPollTimeout(t *testing.T) {
	client := exchange.NewMockClient(100)
	client.PollsUntilFilled = 100
	p := NewPipeline(client, testExecConfig(), zerolog.Nop())

	result := p.PlaceOrder(context.Background(), marketBuy(0.01))
	if result.Success {
		t.Fatal("expected timeout result")
	}
	if result.Status != StatusTimeout {
		t.Errorf("expected TIMEOUT, got %s", result.Status)
	}
	if result.OrderID == "" {
		t.Error("order id should still be reported for a timed out order")
	}
}

func TestMetricsAccumulateIncrementally(t *testing.T) {
	client := exchange.NewMockClient(100)
	client.FillPrice = 101
	p := NewPipeline(client, testExecConfig(), zerolog.Nop())

	p.PlaceOrder(context.Background(), marketBuy(0.01))
	p.PlaceOrder(context.Background(), marketBuy(0.01))

	m := p.GetMetrics()
	if m.TotalOrders != 2 || m.SuccessfulFills != 2 {
		t.Errorf("unexpected totals %+v", m)
	}
	if m.AvgSlippagePct != 1.0 {
		t.Errorf("expected average slippage 1.0, got %v", m.AvgSlippagePct)
	}
	if m.AvgRetries != 1.0 {
		t.Errorf("expected average retries 1.0, got %v", m.AvgRetries)
	}

	p.ResetMetrics()
	if m := p.GetMetrics(); m.TotalOrders != 0 {
		t.Errorf("metrics should be zeroed after reset, got %+v", m)
	}
}

func entrySpec(qty float64) exchange.OpenPositionSpec {
	return exchange.OpenPositionSpec{
		Symbol:     "BTCUSDT",
		Side:       exchange.SideBuy,
		Qty:        qty,
		Leverage:   5,
		StopLoss:   98,
		TakeProfit: 101,
	}
}

func TestEntryRetriesTransientFailures(t *testing.T) {
	client := exchange.NewMockClient(100)
	failures := 2
	client.FailOpenPosition = func() error {
		if failures > 0 {
			failures--
			return errors.New("exchange busy")
		}
		return nil
	}
	p := NewPipeline(client, testExecConfig(), zerolog.Nop())

	remote, err := p.ExecuteEntry(context.Background(), entrySpec(0.01), 100)
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if remote == nil {
		t.Fatal("expected the remote position to be returned")
	}
	if client.OpenPositionCalls != 3 {
		t.Errorf("expected 3 attempts, got %d", client.OpenPositionCalls)
	}
	m := p.GetMetrics()
	if m.TotalOrders != 1 || m.SuccessfulFills != 1 {
		t.Errorf("unexpected metrics %+v", m)
	}
}

func TestEntryExhaustedRetriesReturnError(t *testing.T) {
	client := exchange.NewMockClient(100)
	client.FailOpenPosition = func() error { return errors.New("exchange down") }
	p := NewPipeline(client, testExecConfig(), zerolog.Nop())

	if _, err := p.ExecuteEntry(context.Background(), entrySpec(0.01), 100); err == nil {
		t.Fatal("expected error after exhausted attempts")
	}
	if client.OpenPositionCalls != 3 {
		t.Errorf("expected all 3 attempts consumed, got %d", client.OpenPositionCalls)
	}
	m := p.GetMetrics()
	if m.FailedOrders != 1 || m.SuccessfulFills != 0 {
		t.Errorf("unexpected metrics %+v", m)
	}
}

func TestEntrySlippageMeasuredAgainstExpectedPrice(t *testing.T) {
	client := exchange.NewMockClient(100)
	p := NewPipeline(client, testExecConfig(), zerolog.Nop())

	// Sized at 98, filled at the mock's live price of 100
	if _, err := p.ExecuteEntry(context.Background(), entrySpec(0.01), 98); err != nil {
		t.Fatalf("entry failed: %v", err)
	}
	m := p.GetMetrics()
	if m.AvgSlippagePct < 2.0 || m.AvgSlippagePct > 2.1 {
		t.Errorf("expected roughly 2%% slippage, got %v", m.AvgSlippagePct)
	}
}

func TestFailedOrdersCountedInMetrics(t *testing.T) {
	client := exchange.NewMockClient(100)
	client.FailPlaceOrder = func(attempt int) error {
		return errors.New("down")
	}
	p := NewPipeline(client, testExecConfig(), zerolog.Nop())

	p.PlaceOrder(context.Background(), marketBuy(0.01))
	m := p.GetMetrics()
	if m.FailedOrders != 1 || m.SuccessfulFills != 0 {
		t.Errorf("unexpected metrics %+v", m)
	}
}
