package health

import (
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"bybit-position-bot/config"
	"bybit-position-bot/internal/events"
	"bybit-position-bot/internal/position"
)

type stubPositions struct {
	pos *position.Position
}

func (s *stubPositions) GetCurrentPosition() *position.Position {
	if s.pos == nil {
		return nil
	}
	copied := *s.pos
	return &copied
}

func testHealthConfig() config.HealthConfig {
	return config.HealthConfig{
		CacheTTLSecs:         60,
		DrawdownAlertPercent: 5,
		MaxHoldMinutes:       240,
	}
}

func openPos(entry float64) *position.Position {
	return &position.Position{
		ID:         "pos-1",
		Symbol:     "BTCUSDT",
		Side:       position.SideLong,
		Quantity:   1,
		EntryPrice: entry,
		OpenedAt:   time.Now(),
		Status:     position.StatusOpen,
	}
}

func TestMissingPositionReturnsSafeDefault(t *testing.T) {
	m := NewMonitor(&stubPositions{}, events.NewBus(), testHealthConfig(), zerolog.Nop())

	score := m.CalculatePositionHealth("ghost", 100)
	if score.OverallScore != 70 {
		t.Errorf("expected default score 70, got %v", score.OverallScore)
	}
	if score.Status != StatusSafe {
		t.Errorf("expected SAFE, got %s", score.Status)
	}
}

func TestMissingPositionPrefersCachedScore(t *testing.T) {
	stub := &stubPositions{pos: openPos(100)}
	m := NewMonitor(stub, events.NewBus(), testHealthConfig(), zerolog.Nop())

	first := m.CalculatePositionHealth("pos-1", 105)

	// Position disappears; the cached score must be returned for its id
	stub.pos = nil
	cached := m.CalculatePositionHealth("pos-1", 90)
	if cached.OverallScore != first.OverallScore {
		t.Errorf("expected cached score %v, got %v", first.OverallScore, cached.OverallScore)
	}
}

func TestInvalidPriceSubstitutesEntry(t *testing.T) {
	stub := &stubPositions{pos: openPos(100)}
	m := NewMonitor(stub, events.NewBus(), testHealthConfig(), zerolog.Nop())

	score := m.CalculatePositionHealth("pos-1", math.NaN())
	if math.IsNaN(score.OverallScore) {
		t.Fatal("score must never be NaN")
	}
	// Entry substitution means flat PnL: drawdown and profitability max out
	if score.Drawdown != 100 {
		t.Errorf("flat position should have drawdown score 100, got %v", score.Drawdown)
	}
}

func TestZeroNotionalReturnsSafeDefault(t *testing.T) {
	pos := openPos(100)
	pos.Quantity = 0
	m := NewMonitor(&stubPositions{pos: pos}, events.NewBus(), testHealthConfig(), zerolog.Nop())

	score := m.CalculatePositionHealth("pos-1", 100)
	if score.OverallScore != 70 || score.Status != StatusSafe {
		t.Errorf("zero notional must yield the safe default, got %+v", score)
	}
}

func TestComponentWeights(t *testing.T) {
	stub := &stubPositions{pos: openPos(100)}
	m := NewMonitor(stub, events.NewBus(), testHealthConfig(), zerolog.Nop())
	now := time.Now()
	m.now = func() time.Time { return now }
	stub.pos.OpenedAt = now

	// Fresh flat position: time 100, drawdown 100, profit 100, fixed 80/75
	score := m.CalculatePositionHealth("pos-1", 100)
	want := 100*0.20 + 100*0.30 + 80*0.20 + 75*0.15 + 100*0.15
	if math.Abs(score.OverallScore-want) > 1e-9 {
		t.Errorf("expected overall %v, got %v", want, score.OverallScore)
	}
	if score.Status != StatusSafe {
		t.Errorf("expected SAFE, got %s", score.Status)
	}
}

func TestDrawdownScoring(t *testing.T) {
	stub := &stubPositions{pos: openPos(100)}
	m := NewMonitor(stub, events.NewBus(), testHealthConfig(), zerolog.Nop())

	// -10% PnL: drawdown = max(0, 100 + (-10)*2) = 80
	score := m.CalculatePositionHealth("pos-1", 90)
	if score.Drawdown != 80 {
		t.Errorf("expected drawdown score 80, got %v", score.Drawdown)
	}
	if score.Profitability != 80 {
		t.Errorf("expected profitability 80, got %v", score.Profitability)
	}
}

func TestScoreCachedWithinTTL(t *testing.T) {
	stub := &stubPositions{pos: openPos(100)}
	m := NewMonitor(stub, events.NewBus(), testHealthConfig(), zerolog.Nop())

	first := m.CalculatePositionHealth("pos-1", 100)
	second := m.CalculatePositionHealth("pos-1", 50)
	if second.OverallScore != first.OverallScore {
		t.Error("second call within the TTL should return the cached score")
	}
}

func TestCacheInvalidatedOnPositionClose(t *testing.T) {
	bus := events.NewBus()
	stub := &stubPositions{pos: openPos(100)}
	m := NewMonitor(stub, bus, testHealthConfig(), zerolog.Nop())

	m.CalculatePositionHealth("pos-1", 100)
	bus.PublishPositionClosed("pos-1", "BTCUSDT", "MANUAL", 100, 0, 0)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if m.cached("pos-1", false) == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("cache entry should be invalidated after the close event")
}

func TestMonitorEmitsDrawdownAlert(t *testing.T) {
	bus := events.NewBus()
	stub := &stubPositions{pos: openPos(100)}
	m := NewMonitor(stub, bus, testHealthConfig(), zerolog.Nop())

	alerts := make(chan events.Event, 1)
	bus.Subscribe(events.EventRiskAlertTriggered, func(e events.Event) {
		alerts <- e
	})

	// -6% breaches the 5% drawdown alert threshold
	m.MonitorAllPositions(94)

	select {
	case e := <-alerts:
		if reason, _ := e.Data["reason"].(string); reason != "DRAWDOWN" {
			t.Errorf("expected DRAWDOWN alert, got %q", reason)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a drawdown alert")
	}
}

func TestMonitorDegradedPriceFeedDoesNotAlert(t *testing.T) {
	bus := events.NewBus()
	stub := &stubPositions{pos: openPos(100)}
	m := NewMonitor(stub, bus, testHealthConfig(), zerolog.Nop())

	alerts := make(chan events.Event, 1)
	bus.Subscribe(events.EventRiskAlertTriggered, func(e events.Event) {
		alerts <- e
	})

	// A failed price lookup feeds zero; the entry substitute means flat
	// PnL, so a healthy position must not be flagged as a drawdown.
	m.MonitorAllPositions(0)

	select {
	case e := <-alerts:
		t.Fatalf("no alert expected on a degraded price feed, got %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMonitorNoPositionIsNoop(t *testing.T) {
	bus := events.NewBus()
	m := NewMonitor(&stubPositions{}, bus, testHealthConfig(), zerolog.Nop())

	scored := make(chan events.Event, 1)
	bus.Subscribe(events.EventHealthScoreUpdated, func(e events.Event) {
		scored <- e
	})

	m.MonitorAllPositions(100)

	select {
	case <-scored:
		t.Fatal("no score event expected with an empty slot")
	case <-time.After(100 * time.Millisecond):
	}
}
