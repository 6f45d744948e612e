package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"bybit-position-bot/config"
	"bybit-position-bot/internal/events"
	"bybit-position-bot/internal/exchange"
	"bybit-position-bot/internal/execution"
	"bybit-position-bot/internal/position"
)

func testTradingConfig() config.TradingConfig {
	return config.TradingConfig{
		Symbol:             "BTCUSDT",
		Leverage:           5,
		LotSize:            0.001,
		StopLossPercent:    2,
		TakeProfitPercents: []float64{1, 2},
		TakeProfitSizes:    []float64{50, 50},
	}
}

func newServiceFixture(t *testing.T) (*Service, *position.Manager, *exchange.MockClient, *events.Bus) {
	t.Helper()

	client := exchange.NewMockClient(100)
	bus := events.NewBus()
	sizer := &position.FixedNotionalSizer{NotionalUSD: 100, Leverage: 5}
	entries := execution.NewPipeline(client, config.ExecutionConfig{
		MaxRetries:     1,
		StatusPollMs:   1,
		MaxStatusPolls: 1,
		MaxSlippagePct: 1,
	}, zerolog.Nop())
	manager := position.NewManager(client, entries, bus, sizer, nil, nil, testTradingConfig(), zerolog.Nop())
	svc := NewService(client, manager, bus, config.ReconcilerConfig{
		FastIntervalSecs:   10,
		DeepIntervalSecs:   30,
		MinPositionAgeSecs: 120,
		HistoryPageSize:    20,
	}, zerolog.Nop())
	return svc, manager, client, bus
}

func openTestPosition(t *testing.T, manager *position.Manager) *position.Position {
	t.Helper()
	pos, err := manager.Open(context.Background(), position.Signal{
		Symbol:   "BTCUSDT",
		Side:     position.SideLong,
		Strategy: "test",
	})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	return pos
}

func TestServiceStartStopIdempotent(t *testing.T) {
	svc, _, _, _ := newServiceFixture(t)
	ctx := context.Background()

	svc.Start(ctx)
	svc.Start(ctx)
	svc.Stop()
	svc.Stop()
}

func TestFastCheckSkipsWhenFlat(t *testing.T) {
	svc, _, client, _ := newServiceFixture(t)

	svc.FastCheck(context.Background())
	if client.ClosePositionCalls != 0 {
		t.Error("fast check on an empty slot must not touch the exchange")
	}
}

func TestFastCheckSyncsRemoteFields(t *testing.T) {
	svc, manager, client, _ := newServiceFixture(t)
	openTestPosition(t, manager)

	client.SetPrice(110)
	svc.FastCheck(context.Background())

	pos := manager.GetCurrentPosition()
	if pos == nil {
		t.Fatal("position should still be open")
	}
	if pos.UnrealizedPnl == 0 {
		t.Error("fast check should have copied the remote unrealized PnL")
	}
}

func TestFastCheckClearsExternallyClosedPosition(t *testing.T) {
	svc, manager, client, bus := newServiceFixture(t)
	openTestPosition(t, manager)

	closed := make(chan events.Event, 1)
	bus.Subscribe(events.EventPositionClosed, func(e events.Event) {
		closed <- e
	})

	// Simulate an external close: position gone, stop order in history
	client.SetPosition(nil)
	client.SetOrderHistory([]exchange.Order{{
		OrderID:       "h-1",
		Symbol:        "BTCUSDT",
		Status:        exchange.OrderStatusFilled,
		StopOrderType: exchange.StopOrderTypeStop,
		UpdatedTime:   time.Now(),
	}})

	svc.FastCheck(context.Background())

	if manager.GetCurrentPosition() != nil {
		t.Error("local state must be cleared when the exchange reports no position")
	}

	select {
	case e := <-closed:
		if exitType, _ := e.Data["exit_type"].(string); exitType != "STOP_LOSS" {
			t.Errorf("expected STOP_LOSS exit, got %q", exitType)
		}
	case <-time.After(time.Second):
		t.Fatal("no position-closed event published")
	}
}

func TestExternalCloseClearsEvenWhenHistoryFails(t *testing.T) {
	svc, manager, client, _ := newServiceFixture(t)
	pos := openTestPosition(t, manager)

	client.SetPosition(nil)
	// No history installed: GetOrderHistory succeeds with nothing, so the
	// classification falls through to MANUAL. The slot must still clear.
	svc.FastCheck(context.Background())

	if manager.GetCurrentPosition() != nil {
		t.Errorf("position %s should be cleared despite missing history", pos.ID)
	}
}

func TestDeepCheckSkipsYoungPositions(t *testing.T) {
	svc, manager, client, _ := newServiceFixture(t)
	openTestPosition(t, manager)

	// The freshly opened mock position has no stop-order in activeOrders,
	// but the age floor must skip the protection check entirely.
	svc.DeepCheck(context.Background())

	if manager.GetCurrentPosition() == nil {
		t.Error("deep check must not act on a position younger than the age floor")
	}
	if client.ClosePositionCalls != 0 {
		t.Error("no close request expected for a young position")
	}
}

func TestDeepCheckFlattensUnprotectedPosition(t *testing.T) {
	svc, manager, client, bus := newServiceFixture(t)

	alerts := make(chan events.Event, 1)
	bus.Subscribe(events.EventRiskAlertTriggered, func(e events.Event) {
		alerts <- e
	})

	// Remote position old enough for the deep check, with no stop-loss set
	client.SetPosition(&exchange.Position{
		Symbol:     "BTCUSDT",
		Side:       exchange.SideBuy,
		Size:       0.005,
		EntryPrice: 100,
	})
	manager.Adopt(&position.Position{
		ID:         "aged",
		Symbol:     "BTCUSDT",
		Side:       position.SideLong,
		Quantity:   0.005,
		EntryPrice: 100,
		OpenedAt:   time.Now().Add(-5 * time.Minute),
		Status:     position.StatusOpen,
	})

	svc.DeepCheck(context.Background())

	if client.ClosePositionCalls == 0 {
		t.Error("unprotected position must trigger an emergency close request")
	}
	if manager.GetCurrentPosition() != nil {
		t.Error("slot should be released after the emergency flatten")
	}
	select {
	case e := <-alerts:
		if reason, _ := e.Data["reason"].(string); reason != "PROTECTION_LOST" {
			t.Errorf("expected PROTECTION_LOST alert, got %q", reason)
		}
	case <-time.After(time.Second):
		t.Fatal("no risk alert published")
	}
}

func TestDeepCheckAcceptsTrailingStopProtection(t *testing.T) {
	svc, manager, client, _ := newServiceFixture(t)

	client.SetPosition(&exchange.Position{
		Symbol:     "BTCUSDT",
		Side:       exchange.SideBuy,
		Size:       0.005,
		EntryPrice: 100,
	})
	manager.Adopt(&position.Position{
		ID:         "trailing",
		Symbol:     "BTCUSDT",
		Side:       position.SideLong,
		Quantity:   0.005,
		EntryPrice: 100,
		StopLoss:   &position.StopLoss{Price: 98, Trailing: true},
		OpenedAt:   time.Now().Add(-5 * time.Minute),
		Status:     position.StatusOpen,
	})

	svc.DeepCheck(context.Background())

	if client.ClosePositionCalls != 0 {
		t.Error("trailing-stop positions must not be flattened for a missing stop order")
	}
	if manager.GetCurrentPosition() == nil {
		t.Error("position should remain open")
	}
}
