package health

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bybit-position-bot/config"
	"bybit-position-bot/internal/events"
	"bybit-position-bot/internal/position"
)

// Status buckets an overall score
type Status string

const (
	StatusSafe     Status = "SAFE"
	StatusWarning  Status = "WARNING"
	StatusCritical Status = "CRITICAL"
)

// Component score weights. Liquidity and volatility are fixed baselines
// pending richer market data feeds.
const (
	weightTimeAtRisk    = 0.20
	weightDrawdown      = 0.30
	weightLiquidity     = 0.20
	weightVolatility    = 0.15
	weightProfitability = 0.15

	baselineLiquidity  = 80.0
	baselineVolatility = 75.0

	safeDefaultScore = 70.0
)

// Score is the weighted risk rating of one position
type Score struct {
	PositionID    string    `json:"position_id"`
	Symbol        string    `json:"symbol"`
	TimeAtRisk    float64   `json:"time_at_risk"`
	Drawdown      float64   `json:"drawdown"`
	Liquidity     float64   `json:"liquidity"`
	Volatility    float64   `json:"volatility"`
	Profitability float64   `json:"profitability"`
	OverallScore  float64   `json:"overall_score"`
	Status        Status    `json:"status"`
	LastUpdate    time.Time `json:"last_update"`
	Analysis      string    `json:"analysis"`
}

// PositionReader is the read-only view of the position slot the monitor needs
type PositionReader interface {
	GetCurrentPosition() *position.Position
}

// Monitor scores open positions on every price tick. Bad inputs degrade
// to cached or conservative default scores rather than failing the
// monitoring loop.
type Monitor struct {
	positions PositionReader
	bus       *events.Bus
	cfg       config.HealthConfig
	logger    zerolog.Logger

	mu    sync.Mutex
	cache map[string]*Score
	now   func() time.Time
}

// NewMonitor creates a health monitor and subscribes to position-closed
// events for cache invalidation.
func NewMonitor(positions PositionReader, bus *events.Bus, cfg config.HealthConfig, logger zerolog.Logger) *Monitor {
	m := &Monitor{
		positions: positions,
		bus:       bus,
		cfg:       cfg,
		logger:    logger.With().Str("component", "health_monitor").Logger(),
		cache:     make(map[string]*Score),
		now:       time.Now,
	}
	bus.Subscribe(events.EventPositionClosed, func(event events.Event) {
		if id, ok := event.Data["position_id"].(string); ok {
			m.Invalidate(id)
		}
	})
	return m
}

// CalculatePositionHealth scores the position identified by positionID
// at the given price. It never returns an error: a missing position falls
// back to the cached score, then to a conservative default.
func (m *Monitor) CalculatePositionHealth(positionID string, currentPrice float64) *Score {
	pos := m.positions.GetCurrentPosition()
	if pos == nil || pos.ID != positionID {
		if cached := m.cached(positionID, false); cached != nil {
			m.logger.Warn().Str("position_id", positionID).Msg("Position not found, returning cached health score")
			return cached
		}
		return m.safeDefault(positionID, "")
	}

	if cached := m.cached(positionID, true); cached != nil {
		return cached
	}

	if math.IsNaN(currentPrice) || currentPrice <= 0 {
		m.logger.Warn().
			Str("position_id", positionID).
			Float64("price", currentPrice).
			Msg("Invalid price for health calculation, substituting entry price")
		currentPrice = pos.EntryPrice
	}
	if pos.Quantity*pos.EntryPrice == 0 {
		return m.safeDefault(positionID, pos.Symbol)
	}

	score := m.compute(pos, currentPrice)
	m.store(score)
	return score
}

// MonitorAllPositions scores the open position at the given price and
// emits update and alert events. Delivery failures never abort the tick.
func (m *Monitor) MonitorAllPositions(currentPrice float64) {
	pos := m.positions.GetCurrentPosition()
	if pos == nil || pos.Status == position.StatusClosed {
		return
	}

	// Degraded price feeds report zero or NaN; substitute the entry price
	// once so the score and the drawdown check see the same value.
	if math.IsNaN(currentPrice) || currentPrice <= 0 {
		currentPrice = pos.EntryPrice
	}

	score := m.CalculatePositionHealth(pos.ID, currentPrice)
	m.bus.PublishHealthScore(score.PositionID, score.Symbol, string(score.Status), score.OverallScore)

	pnlPct := pos.PnlPercent(currentPrice)
	switch {
	case score.Status == StatusCritical:
		m.logger.Warn().
			Str("position_id", pos.ID).
			Float64("score", score.OverallScore).
			Msg("Position health critical")
		m.bus.PublishRiskAlert(pos.ID, pos.Symbol, "HEALTH_CRITICAL", score.OverallScore)
	case pnlPct < -m.cfg.DrawdownAlertPercent:
		m.logger.Warn().
			Str("position_id", pos.ID).
			Float64("pnl_percent", pnlPct).
			Msg("Position drawdown exceeds alert threshold")
		m.bus.PublishRiskAlert(pos.ID, pos.Symbol, "DRAWDOWN", score.OverallScore)
	}
}

// Invalidate drops the cached score for a position
func (m *Monitor) Invalidate(positionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, positionID)
}

func (m *Monitor) compute(pos *position.Position, currentPrice float64) *Score {
	pnlPct := pos.PnlPercent(currentPrice)
	heldMinutes := m.now().Sub(pos.OpenedAt).Minutes()

	timeScore := 100 - math.Min(heldMinutes/m.cfg.MaxHoldMinutes, 1)*100
	drawdownScore := 100.0
	if pnlPct < 0 {
		drawdownScore = math.Max(0, 100+pnlPct*2)
	}
	profitScore := clamp(100+pnlPct*2, 0, 100)

	overall := timeScore*weightTimeAtRisk +
		drawdownScore*weightDrawdown +
		baselineLiquidity*weightLiquidity +
		baselineVolatility*weightVolatility +
		profitScore*weightProfitability

	return &Score{
		PositionID:    pos.ID,
		Symbol:        pos.Symbol,
		TimeAtRisk:    timeScore,
		Drawdown:      drawdownScore,
		Liquidity:     baselineLiquidity,
		Volatility:    baselineVolatility,
		Profitability: profitScore,
		OverallScore:  overall,
		Status:        statusFor(overall),
		LastUpdate:    m.now(),
		Analysis: fmt.Sprintf("held %.0fm, pnl %.2f%%, time %.0f, drawdown %.0f, profit %.0f",
			heldMinutes, pnlPct, timeScore, drawdownScore, profitScore),
	}
}

func (m *Monitor) cached(positionID string, enforceTTL bool) *Score {
	m.mu.Lock()
	defer m.mu.Unlock()

	score, ok := m.cache[positionID]
	if !ok {
		return nil
	}
	if enforceTTL && m.now().Sub(score.LastUpdate) > time.Duration(m.cfg.CacheTTLSecs)*time.Second {
		return nil
	}
	copied := *score
	return &copied
}

func (m *Monitor) store(score *Score) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[score.PositionID] = score
}

func (m *Monitor) safeDefault(positionID, symbol string) *Score {
	return &Score{
		PositionID:   positionID,
		Symbol:       symbol,
		OverallScore: safeDefaultScore,
		Status:       StatusSafe,
		LastUpdate:   m.now(),
		Analysis:     "insufficient data, conservative default",
	}
}

func statusFor(score float64) Status {
	switch {
	case score >= 70:
		return StatusSafe
	case score >= 30:
		return StatusWarning
	default:
		return StatusCritical
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
