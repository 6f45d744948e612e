package position

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"bybit-position-bot/config"
	"bybit-position-bot/internal/events"
	"bybit-position-bot/internal/exchange"
	"bybit-position-bot/internal/execution"
)

func testConfig() config.TradingConfig {
	return config.TradingConfig{
		Symbol:             "BTCUSDT",
		Leverage:           5,
		LotSize:            0.001,
		StopLossPercent:    2,
		TakeProfitPercents: []float64{1, 2, 3},
		TakeProfitSizes:    []float64{40, 30, 30},
	}
}

func testExecConfig() config.ExecutionConfig {
	return config.ExecutionConfig{
		MaxRetries:        2,
		RetryDelayMs:      1,
		BackoffMultiplier: 1,
		StatusPollMs:      1,
		MaxStatusPolls:    2,
		MaxSlippagePct:    1,
	}
}

func newManagerFixture(t *testing.T) (*Manager, *exchange.MockClient, *events.Bus) {
	t.Helper()
	client := exchange.NewMockClient(100)
	bus := events.NewBus()
	sizer := &FixedNotionalSizer{NotionalUSD: 100, Leverage: 5}
	entries := execution.NewPipeline(client, testExecConfig(), zerolog.Nop())
	m := NewManager(client, entries, bus, sizer, nil, nil, testConfig(), zerolog.Nop())
	return m, client, bus
}

func TestOpenLongPlacesProtectionWithEntry(t *testing.T) {
	m, client, _ := newManagerFixture(t)

	pos, err := m.Open(context.Background(), Signal{Symbol: "BTCUSDT", Side: SideLong, Strategy: "s1"})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if pos.Status != StatusOpen {
		t.Errorf("expected OPEN, got %s", pos.Status)
	}
	if client.OpenPositionCalls != 1 {
		t.Errorf("expected one atomic open call, got %d", client.OpenPositionCalls)
	}
	if pos.StopLoss == nil {
		t.Fatal("position must carry a stop-loss from the first instant")
	}
	// LONG: the stop sits strictly below entry
	if pos.StopLoss.Price >= pos.EntryPrice {
		t.Errorf("long stop %v must be below entry %v", pos.StopLoss.Price, pos.EntryPrice)
	}
	if len(pos.TakeProfits) != 3 {
		t.Errorf("expected 3 take-profit levels, got %d", len(pos.TakeProfits))
	}
	if pos.TakeProfits[0].Price <= pos.EntryPrice {
		t.Errorf("long take-profit %v must be above entry %v", pos.TakeProfits[0].Price, pos.EntryPrice)
	}
}

func TestOpenShortStopAboveEntry(t *testing.T) {
	m, _, _ := newManagerFixture(t)

	pos, err := m.Open(context.Background(), Signal{Symbol: "BTCUSDT", Side: SideShort, Strategy: "s1"})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if pos.StopLoss.Price <= pos.EntryPrice {
		t.Errorf("short stop %v must be above entry %v", pos.StopLoss.Price, pos.EntryPrice)
	}
	if pos.TakeProfits[0].Price >= pos.EntryPrice {
		t.Errorf("short take-profit %v must be below entry %v", pos.TakeProfits[0].Price, pos.EntryPrice)
	}
}

func TestSecondOpenFailsWithoutExchangeCall(t *testing.T) {
	m, client, _ := newManagerFixture(t)

	if _, err := m.Open(context.Background(), Signal{Symbol: "BTCUSDT", Side: SideLong}); err != nil {
		t.Fatalf("first open failed: %v", err)
	}

	_, err := m.Open(context.Background(), Signal{Symbol: "BTCUSDT", Side: SideLong})
	if !errors.Is(err, ErrAlreadyOpen) {
		t.Fatalf("expected ErrAlreadyOpen, got %v", err)
	}
	if client.OpenPositionCalls != 1 {
		t.Errorf("duplicate open must not reach the exchange, got %d calls", client.OpenPositionCalls)
	}
}

func TestQuantityRoundedToLotSize(t *testing.T) {
	m, _, _ := newManagerFixture(t)

	pos, err := m.Open(context.Background(), Signal{Symbol: "BTCUSDT", Side: SideLong})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	// 100 USD * 5x / 100 = 5.0, already on the 0.001 lot grid
	if pos.Quantity != 5.0 {
		t.Errorf("expected quantity 5.0, got %v", pos.Quantity)
	}
}

func TestOpenFailurePropagatesAndReleasesGuard(t *testing.T) {
	m, client, _ := newManagerFixture(t)
	client.FailOpenPosition = func() error { return errors.New("exchange rejected") }

	if _, err := m.Open(context.Background(), Signal{Symbol: "BTCUSDT", Side: SideLong}); err == nil {
		t.Fatal("expected open to fail")
	}
	if m.GetCurrentPosition() != nil {
		t.Error("failed open must leave the slot empty")
	}

	// The in-flight guard must be released for the next attempt
	client.FailOpenPosition = nil
	if _, err := m.Open(context.Background(), Signal{Symbol: "BTCUSDT", Side: SideLong}); err != nil {
		t.Errorf("open after failure should succeed, got %v", err)
	}
}

func TestOpenRetriesTransientEntryFailure(t *testing.T) {
	client := exchange.NewMockClient(100)
	bus := events.NewBus()
	sizer := &FixedNotionalSizer{NotionalUSD: 100, Leverage: 5}
	entries := execution.NewPipeline(client, testExecConfig(), zerolog.Nop())
	m := NewManager(client, entries, bus, sizer, nil, nil, testConfig(), zerolog.Nop())

	failures := 1
	client.FailOpenPosition = func() error {
		if failures > 0 {
			failures--
			return errors.New("exchange busy")
		}
		return nil
	}

	pos, err := m.Open(context.Background(), Signal{Symbol: "BTCUSDT", Side: SideLong})
	if err != nil {
		t.Fatalf("open should survive a transient failure: %v", err)
	}
	if pos.Status != StatusOpen {
		t.Errorf("expected OPEN, got %s", pos.Status)
	}
	if client.OpenPositionCalls != 2 {
		t.Errorf("expected a retried entry submission, got %d calls", client.OpenPositionCalls)
	}
	metrics := entries.GetMetrics()
	if metrics.TotalOrders != 1 || metrics.SuccessfulFills != 1 {
		t.Errorf("entry should be recorded as one successful fill, got %+v", metrics)
	}
}

func TestOpenAssignsUniquePositionIDs(t *testing.T) {
	m, client, _ := newManagerFixture(t)

	first, err := m.Open(context.Background(), Signal{Symbol: "BTCUSDT", Side: SideLong})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := m.Close(context.Background(), 105, ExitInfo{Cause: ExitManual}); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	client.SetPosition(nil)
	second, err := m.Open(context.Background(), Signal{Symbol: "BTCUSDT", Side: SideLong})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if first.ID == "" || second.ID == "" {
		t.Fatal("positions must carry generated IDs")
	}
	if first.ID == second.ID {
		t.Errorf("sequential positions must not share an ID: %s", first.ID)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	m, _, bus := newManagerFixture(t)

	closedEvents := make(chan events.Event, 4)
	bus.Subscribe(events.EventPositionClosed, func(e events.Event) {
		closedEvents <- e
	})

	if _, err := m.Open(context.Background(), Signal{Symbol: "BTCUSDT", Side: SideLong}); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := m.Close(context.Background(), 105, ExitInfo{Cause: ExitTakeProfit, TPLevel: 1}); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if m.GetCurrentPosition() != nil {
		t.Fatal("slot should be empty after close")
	}

	// Second close on the empty slot is a no-op
	if err := m.Close(context.Background(), 105, ExitInfo{Cause: ExitManual}); err != nil {
		t.Fatalf("idempotent close returned error: %v", err)
	}

	select {
	case <-closedEvents:
	case <-time.After(time.Second):
		t.Fatal("expected one closed event")
	}
	select {
	case e := <-closedEvents:
		t.Fatalf("unexpected second closed event: %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCloseFeedsCompoundingSizer(t *testing.T) {
	client := exchange.NewMockClient(100)
	bus := events.NewBus()
	sizer := &CompoundingSizer{BaseUSD: 100, ReinvestPct: 100, Leverage: 1}
	entries := execution.NewPipeline(client, testExecConfig(), zerolog.Nop())
	m := NewManager(client, entries, bus, sizer, nil, nil, testConfig(), zerolog.Nop())

	if _, err := m.Open(context.Background(), Signal{Symbol: "BTCUSDT", Side: SideLong}); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := m.Close(context.Background(), 110, ExitInfo{Cause: ExitTakeProfit, TPLevel: 1}); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if sizer.Realized() <= 0 {
		t.Errorf("profitable close should feed the compounding sizer, got %v", sizer.Realized())
	}
}

type failingJournal struct{}

func (failingJournal) RecordOpen(ctx context.Context, pos *Position) error { return nil }
func (failingJournal) RecordClose(ctx context.Context, pos *Position, exitPrice, pnl float64, cause ExitCause) error {
	return errors.New("journal unavailable")
}

func TestCloseReportsBookkeepingFailureButReleasesSlot(t *testing.T) {
	client := exchange.NewMockClient(100)
	bus := events.NewBus()
	sizer := &FixedNotionalSizer{NotionalUSD: 100, Leverage: 5}
	entries := execution.NewPipeline(client, testExecConfig(), zerolog.Nop())
	m := NewManager(client, entries, bus, sizer, failingJournal{}, nil, testConfig(), zerolog.Nop())

	closedEvents := make(chan events.Event, 1)
	bus.Subscribe(events.EventPositionClosed, func(e events.Event) {
		closedEvents <- e
	})

	if _, err := m.Open(context.Background(), Signal{Symbol: "BTCUSDT", Side: SideLong}); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := m.Close(context.Background(), 105, ExitInfo{Cause: ExitManual}); err == nil {
		t.Fatal("expected close to surface the journal failure")
	}
	if m.GetCurrentPosition() != nil {
		t.Error("slot must be released even when bookkeeping fails")
	}
	select {
	case <-closedEvents:
	case <-time.After(time.Second):
		t.Fatal("closed event must be published even when bookkeeping fails")
	}
}

func TestClearDropsSlotWithoutCloseEvent(t *testing.T) {
	m, _, bus := newManagerFixture(t)

	closedEvents := make(chan events.Event, 1)
	bus.Subscribe(events.EventPositionClosed, func(e events.Event) {
		closedEvents <- e
	})

	if _, err := m.Open(context.Background(), Signal{Symbol: "BTCUSDT", Side: SideLong}); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	m.Clear(context.Background())
	if m.GetCurrentPosition() != nil {
		t.Fatal("clear must empty the slot")
	}
	// Clearing an already-empty slot is a no-op
	m.Clear(context.Background())

	select {
	case e := <-closedEvents:
		t.Fatalf("clear must not emit a closed event, got %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestApplyRemoteEntryPriceRules(t *testing.T) {
	m, _, _ := newManagerFixture(t)

	m.Adopt(&Position{
		ID:         "p1",
		Symbol:     "BTCUSDT",
		Side:       SideLong,
		Quantity:   1,
		EntryPrice: 100,
		Status:     StatusOpen,
	})

	// A transient remote zero entry price must not clobber a known value
	m.ApplyRemote(&exchange.Position{Symbol: "BTCUSDT", Size: 1, EntryPrice: 0, UnrealisedPnl: 3})
	pos := m.GetCurrentPosition()
	if pos.EntryPrice != 100 {
		t.Errorf("entry price must not be overwritten, got %v", pos.EntryPrice)
	}
	if pos.UnrealizedPnl != 3 {
		t.Errorf("unrealized PnL should sync, got %v", pos.UnrealizedPnl)
	}

	// An unset local entry price adopts a valid remote one
	m.Adopt(&Position{ID: "p2", Symbol: "BTCUSDT", Side: SideLong, Quantity: 1, Status: StatusOpen})
	m.ApplyRemote(&exchange.Position{Symbol: "BTCUSDT", Size: 1, EntryPrice: 101.5})
	if got := m.GetCurrentPosition().EntryPrice; got != 101.5 {
		t.Errorf("unset entry price should adopt remote, got %v", got)
	}
}

func TestPnlPercent(t *testing.T) {
	long := &Position{Side: SideLong, Quantity: 1, EntryPrice: 100}
	if got := long.PnlPercent(105); got != 5 {
		t.Errorf("long pnl%% = %v, want 5", got)
	}
	short := &Position{Side: SideShort, Quantity: 1, EntryPrice: 100}
	if got := short.PnlPercent(105); got != -5 {
		t.Errorf("short pnl%% = %v, want -5", got)
	}
	zero := &Position{Side: SideLong}
	if got := zero.PnlPercent(105); got != 0 {
		t.Errorf("zero notional pnl%% must be 0, got %v", got)
	}
}
