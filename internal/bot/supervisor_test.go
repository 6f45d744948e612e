package bot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"bybit-position-bot/config"
	"bybit-position-bot/internal/circuit"
	"bybit-position-bot/internal/events"
	"bybit-position-bot/internal/exchange"
	"bybit-position-bot/internal/execution"
	"bybit-position-bot/internal/health"
	"bybit-position-bot/internal/position"
	"bybit-position-bot/internal/reconcile"
)

func newSupervisorFixture(t *testing.T) (*Supervisor, *exchange.MockClient) {
	t.Helper()

	cfg := config.Config{
		TradingConfig: config.TradingConfig{
			Symbol:             "BTCUSDT",
			Leverage:           5,
			LotSize:            0.001,
			StopLossPercent:    2,
			TakeProfitPercents: []float64{1},
			TakeProfitSizes:    []float64{100},
		},
		ReconcilerConfig: config.ReconcilerConfig{
			FastIntervalSecs:   10,
			DeepIntervalSecs:   30,
			MinPositionAgeSecs: 120,
			HistoryPageSize:    20,
		},
		HealthConfig: config.HealthConfig{CacheTTLSecs: 60, DrawdownAlertPercent: 5, MaxHoldMinutes: 240},
		CircuitConfig: config.CircuitConfig{
			FailureThreshold: 2,
			TimeoutSecs:      60,
			BackoffBase:      2,
			MaxBackoffSecs:   1800,
			HalfOpenAttempts: 1,
		},
		ExecutionConfig: config.ExecutionConfig{
			MaxRetries:     1,
			StatusPollMs:   1,
			MaxStatusPolls: 1,
			MaxSlippagePct: 1,
		},
	}

	client := exchange.NewMockClient(100)
	bus := events.NewBus()
	sizer := &position.FixedNotionalSizer{NotionalUSD: 100, Leverage: 5}
	entries := execution.NewPipeline(client, cfg.ExecutionConfig, zerolog.Nop())
	manager := position.NewManager(client, entries, bus, sizer, nil, nil, cfg.TradingConfig, zerolog.Nop())
	reconciler := reconcile.NewService(client, manager, bus, cfg.ReconcilerConfig, zerolog.Nop())
	monitor := health.NewMonitor(manager, bus, cfg.HealthConfig, zerolog.Nop())
	breakers := circuit.NewRegistry(circuit.Config{
		FailureThreshold: cfg.CircuitConfig.FailureThreshold,
		Timeout:          time.Duration(cfg.CircuitConfig.TimeoutSecs) * time.Second,
		BackoffBase:      cfg.CircuitConfig.BackoffBase,
		MaxBackoff:       time.Duration(cfg.CircuitConfig.MaxBackoffSecs) * time.Second,
		HalfOpenAttempts: cfg.CircuitConfig.HalfOpenAttempts,
	}, zerolog.Nop())

	return NewSupervisor(cfg, client, manager, reconciler, monitor, breakers, nil, bus, zerolog.Nop()), client
}

func TestSupervisorStartStopIdempotent(t *testing.T) {
	s, _ := newSupervisorFixture(t)
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("second start must be a no-op, got %v", err)
	}
	s.Stop()
	s.Stop()
}

func TestOpenTradeGatedByBreaker(t *testing.T) {
	s, client := newSupervisorFixture(t)
	client.FailOpenPosition = func() error { return errors.New("exchange down") }

	ctx := context.Background()
	signal := position.Signal{Symbol: "BTCUSDT", Side: position.SideLong, Strategy: "momentum"}

	// Two failures reach the threshold and open the breaker
	for i := 0; i < 2; i++ {
		if _, err := s.OpenTrade(ctx, signal); err == nil {
			t.Fatal("expected open to fail")
		}
	}

	client.FailOpenPosition = nil
	if _, err := s.OpenTrade(ctx, signal); err == nil {
		t.Fatal("open breaker must reject new trades for the strategy")
	}
	if client.OpenPositionCalls != 2 {
		t.Errorf("rejected trade must not reach the exchange, got %d calls", client.OpenPositionCalls)
	}
}

func TestBreakersIsolatedPerStrategy(t *testing.T) {
	s, client := newSupervisorFixture(t)
	client.FailOpenPosition = func() error { return errors.New("exchange down") }

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		s.OpenTrade(ctx, position.Signal{Symbol: "BTCUSDT", Side: position.SideLong, Strategy: "a"})
	}

	client.FailOpenPosition = nil
	if _, err := s.OpenTrade(ctx, position.Signal{Symbol: "BTCUSDT", Side: position.SideLong, Strategy: "b"}); err != nil {
		t.Errorf("strategy b must be unaffected by strategy a failures, got %v", err)
	}
}

func TestDuplicateOpenDoesNotTripBreaker(t *testing.T) {
	s, client := newSupervisorFixture(t)
	ctx := context.Background()
	signal := position.Signal{Symbol: "BTCUSDT", Side: position.SideLong, Strategy: "momentum"}

	if _, err := s.OpenTrade(ctx, signal); err != nil {
		t.Fatalf("first open failed: %v", err)
	}

	// Duplicate opens are usage errors, not exchange failures
	for i := 0; i < 5; i++ {
		if _, err := s.OpenTrade(ctx, signal); !errors.Is(err, position.ErrAlreadyOpen) {
			t.Fatalf("expected ErrAlreadyOpen, got %v", err)
		}
	}
	if client.OpenPositionCalls != 1 {
		t.Errorf("expected one exchange call, got %d", client.OpenPositionCalls)
	}

	if err := s.CloseTrade(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if _, err := s.OpenTrade(ctx, signal); err != nil {
		t.Errorf("breaker must still admit trades after duplicate-open errors, got %v", err)
	}
}

func TestCloseTradeOnEmptySlotIsNoop(t *testing.T) {
	s, client := newSupervisorFixture(t)
	if err := s.CloseTrade(context.Background()); err != nil {
		t.Errorf("closing an empty slot must be a no-op, got %v", err)
	}
	if client.ClosePositionCalls != 0 {
		t.Error("no exchange call expected for an empty slot")
	}
}
