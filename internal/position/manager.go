package position

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"bybit-position-bot/config"
	"bybit-position-bot/internal/events"
	"bybit-position-bot/internal/exchange"
)

var (
	// ErrAlreadyOpen is returned when a non-closed position already occupies the slot
	ErrAlreadyOpen = errors.New("position already open")
	// ErrOpeningInProgress is returned when a prior open attempt is still in flight
	ErrOpeningInProgress = errors.New("position opening already in progress")
)

// ExitCause classifies why a position closed
type ExitCause string

const (
	ExitStopLoss     ExitCause = "STOP_LOSS"
	ExitTrailingStop ExitCause = "TRAILING_STOP"
	ExitTakeProfit   ExitCause = "TAKE_PROFIT"
	ExitManual       ExitCause = "MANUAL"
)

// ExitInfo carries a classified exit cause, with the take-profit level
// when the cause is a take-profit fill.
type ExitInfo struct {
	Cause   ExitCause
	TPLevel int
}

func (e ExitInfo) String() string {
	if e.Cause == ExitTakeProfit && e.TPLevel > 0 {
		return fmt.Sprintf("%s (level %d)", e.Cause, e.TPLevel)
	}
	return string(e.Cause)
}

// EntryExecutor submits composite position entries with retry and
// slippage accounting. Satisfied by the execution pipeline.
type EntryExecutor interface {
	ExecuteEntry(ctx context.Context, spec exchange.OpenPositionSpec, expectedPrice float64) (*exchange.Position, error)
}

// Journal records durable open/close entries for closed-trade accounting
type Journal interface {
	RecordOpen(ctx context.Context, pos *Position) error
	RecordClose(ctx context.Context, pos *Position, exitPrice, pnl float64, cause ExitCause) error
}

// SnapshotStore persists the current position so a restart can resume
// supervising it.
type SnapshotStore interface {
	Save(ctx context.Context, pos *Position) error
	Delete(ctx context.Context, positionID string) error
	Load(ctx context.Context) (*Position, error)
}

// Manager owns the single position slot. It is the only component that
// mutates the Position record; everyone else reads through it.
type Manager struct {
	client    exchange.Client
	entries   EntryExecutor
	bus       *events.Bus
	sizer     Sizer
	journal   Journal
	snapshots SnapshotStore
	cfg       config.TradingConfig
	logger    zerolog.Logger

	mu      sync.RWMutex
	current *Position
	opening atomic.Bool
}

// NewManager creates a position manager. Journal and snapshots may be nil;
// both are best-effort collaborators.
func NewManager(client exchange.Client, entries EntryExecutor, bus *events.Bus, sizer Sizer, journal Journal, snapshots SnapshotStore, cfg config.TradingConfig, logger zerolog.Logger) *Manager {
	return &Manager{
		client:    client,
		entries:   entries,
		bus:       bus,
		sizer:     sizer,
		journal:   journal,
		snapshots: snapshots,
		cfg:       cfg,
		logger:    logger.With().Str("component", "position_manager").Logger(),
	}
}

// GetCurrentPosition returns a copy of the open position, nil when flat.
// Non-blocking read.
func (m *Manager) GetCurrentPosition() *Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil
	}
	pos := *m.current
	pos.TakeProfits = append([]TakeProfit(nil), m.current.TakeProfits...)
	if m.current.StopLoss != nil {
		sl := *m.current.StopLoss
		pos.StopLoss = &sl
	}
	return &pos
}

// Open executes an atomic entry for a decided trade: the entry order,
// stop-loss, and first take-profit are submitted in a single exchange
// call so the position is never observable without a stop. Submission
// runs through the entry executor, which retries transient failures and
// records slippage. Remaining take-profit levels are best-effort
// follow-ups.
func (m *Manager) Open(ctx context.Context, signal Signal) (*Position, error) {
	if m.hasOpenPosition() {
		return nil, ErrAlreadyOpen
	}
	if !m.opening.CompareAndSwap(false, true) {
		return nil, ErrOpeningInProgress
	}
	defer m.opening.Store(false)

	// A concurrent open may have won before the guard was taken
	if m.hasOpenPosition() {
		return nil, ErrAlreadyOpen
	}

	price, err := m.client.GetCurrentPrice(ctx, signal.Symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to get current price: %w", err)
	}

	qty, err := m.sizer.Quantity(price)
	if err != nil {
		return nil, fmt.Errorf("position sizing failed: %w", err)
	}
	qty = RoundToLot(qty, m.cfg.LotSize)
	if qty <= 0 {
		return nil, fmt.Errorf("sized quantity rounds to zero at price %.4f", price)
	}

	// Protective distances are computed against the live price, not the
	// signal price, so a move between signal and execution keeps the
	// intended stop distance.
	stopPrice := m.stopPrice(signal.Side, price)
	takeProfits := m.takeProfitLevels(signal.Side, price)

	linkID := uuid.New().String()
	spec := exchange.OpenPositionSpec{
		Symbol:      signal.Symbol,
		Side:        signal.Side.OrderSide(),
		Qty:         qty,
		Leverage:    m.cfg.Leverage,
		StopLoss:    stopPrice,
		OrderLinkID: linkID,
	}
	if len(takeProfits) > 0 {
		spec.TakeProfit = takeProfits[0].Price
	}

	remote, err := m.entries.ExecuteEntry(ctx, spec, price)
	if err != nil {
		return nil, fmt.Errorf("failed to open position: %w", err)
	}

	entryPrice := remote.EntryPrice
	if entryPrice <= 0 {
		entryPrice = price
	}

	now := time.Now()
	pos := &Position{
		ID:         linkID,
		Symbol:     signal.Symbol,
		Side:       signal.Side,
		Quantity:   remote.Size,
		EntryPrice: entryPrice,
		Leverage:   m.cfg.Leverage,
		MarginUsed: qty * entryPrice / float64(max(m.cfg.Leverage, 1)),
		StopLoss: &StopLoss{
			Price:        stopPrice,
			InitialPrice: stopPrice,
			Trailing:     m.cfg.UseTrailingStop,
			UpdatedAt:    now,
		},
		TakeProfits: takeProfits,
		Strategy:    signal.Strategy,
		OpenedAt:    now,
		Status:      StatusOpen,
	}
	if pos.Quantity <= 0 {
		pos.Quantity = qty
	}

	m.mu.Lock()
	m.current = pos
	m.mu.Unlock()

	// Additional take-profit levels must not undo an already-open position
	for i := 1; i < len(takeProfits); i++ {
		tp := takeProfits[i]
		tpQty := RoundToLot(pos.Quantity*tp.SizePct/100, m.cfg.LotSize)
		if tpQty <= 0 {
			continue
		}
		if err := m.client.UpdateTakeProfitPartial(ctx, signal.Symbol, tp.Price, tpQty); err != nil {
			m.logger.Warn().Err(err).
				Int("level", tp.Level).
				Float64("price", tp.Price).
				Msg("Failed to place additional take-profit level")
		}
	}

	m.logger.Info().
		Str("position_id", pos.ID).
		Str("symbol", pos.Symbol).
		Str("side", string(pos.Side)).
		Float64("quantity", pos.Quantity).
		Float64("entry_price", pos.EntryPrice).
		Float64("stop_loss", stopPrice).
		Int("tp_levels", len(takeProfits)).
		Msg("Position opened")

	m.bus.PublishPositionOpened(pos.ID, pos.Symbol, string(pos.Side), pos.EntryPrice, pos.Quantity)

	if m.journal != nil {
		if err := m.journal.RecordOpen(ctx, pos); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to journal position open")
		}
	}
	m.saveSnapshot(ctx, pos)

	return m.GetCurrentPosition(), nil
}

// Close finalizes the open position with a classified exit cause, cancels
// residual conditional orders, and releases the slot. The slot release and
// the closed event happen unconditionally; a non-nil return reports failed
// close bookkeeping only. Calling it while the slot is empty is a no-op.
func (m *Manager) Close(ctx context.Context, exitPrice float64, info ExitInfo) error {
	m.mu.Lock()
	pos := m.current
	m.current = nil
	m.mu.Unlock()

	if pos == nil {
		return nil
	}
	pos.Status = StatusClosed

	if err := m.client.CancelAllConditionalOrders(ctx, pos.Symbol); err != nil {
		m.logger.Warn().Err(err).Str("symbol", pos.Symbol).Msg("Failed to cancel residual conditional orders")
	}

	pnl := m.realizedPnl(pos, exitPrice)
	pnlPct := pos.PnlPercent(exitPrice)

	m.logger.Info().
		Str("position_id", pos.ID).
		Str("symbol", pos.Symbol).
		Str("exit_type", info.String()).
		Float64("exit_price", exitPrice).
		Float64("pnl", pnl).
		Float64("pnl_percent", pnlPct).
		Msg("Position closed")

	if rs, ok := m.sizer.(interface{ AddRealized(float64) }); ok {
		rs.AddRealized(pnl)
	}

	m.bus.PublishPositionClosed(pos.ID, pos.Symbol, info.String(), exitPrice, pnl, pnlPct)

	var errs []error
	if m.journal != nil {
		if err := m.journal.RecordClose(ctx, pos, exitPrice, pnl, info.Cause); err != nil {
			errs = append(errs, fmt.Errorf("journal close record: %w", err))
		}
	}
	if m.snapshots != nil {
		if err := m.snapshots.Delete(ctx, pos.ID); err != nil {
			errs = append(errs, fmt.Errorf("delete position snapshot: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Clear drops the slot without close bookkeeping. Used as the fail-safe
// when the close-with-cause path itself fails; idempotent.
func (m *Manager) Clear(ctx context.Context) {
	m.mu.Lock()
	pos := m.current
	m.current = nil
	m.mu.Unlock()

	if pos == nil {
		return
	}
	m.logger.Warn().Str("position_id", pos.ID).Msg("Position slot cleared without close bookkeeping")
	if m.snapshots != nil {
		if err := m.snapshots.Delete(ctx, pos.ID); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to delete position snapshot")
		}
	}
}

// ApplyRemote copies live fields from the exchange-reported position into
// local state. Entry price is only adopted when local was unset, because
// the exchange can report a transient zero for unfilled orders.
func (m *Manager) ApplyRemote(remote *exchange.Position) {
	if remote == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return
	}
	if remote.Size > 0 {
		m.current.Quantity = remote.Size
	}
	m.current.UnrealizedPnl = remote.UnrealisedPnl
	if m.current.EntryPrice == 0 && remote.EntryPrice > 0 {
		m.current.EntryPrice = remote.EntryPrice
	}
	if remote.StopLoss > 0 && m.current.StopLoss != nil && m.current.StopLoss.Price != remote.StopLoss {
		m.current.StopLoss.Price = remote.StopLoss
		m.current.StopLoss.UpdatedAt = time.Now()
	}
}

// MarkStopLoss updates the local stop price after a breakeven or trailing move
func (m *Manager) MarkStopLoss(price float64, breakeven bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.StopLoss == nil {
		return
	}
	m.current.StopLoss.Price = price
	if breakeven {
		m.current.StopLoss.Breakeven = true
	}
	m.current.StopLoss.UpdatedAt = time.Now()
}

// Adopt installs an already-open position into the slot, bypassing entry
// execution. Used when resuming supervision of a position opened before
// this process started.
func (m *Manager) Adopt(pos *Position) {
	m.mu.Lock()
	m.current = pos
	m.mu.Unlock()
}

// Restore loads a persisted snapshot at startup so a restart resumes
// supervising an already-open position.
func (m *Manager) Restore(ctx context.Context) error {
	if m.snapshots == nil {
		return nil
	}
	pos, err := m.snapshots.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load position snapshot: %w", err)
	}
	if pos == nil || pos.Status != StatusOpen {
		return nil
	}
	m.Adopt(pos)

	m.logger.Info().
		Str("position_id", pos.ID).
		Str("symbol", pos.Symbol).
		Float64("entry_price", pos.EntryPrice).
		Msg("Restored open position from snapshot")
	return nil
}

func (m *Manager) hasOpenPosition() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current != nil && m.current.Status != StatusClosed
}

func (m *Manager) saveSnapshot(ctx context.Context, pos *Position) {
	if m.snapshots == nil {
		return
	}
	if err := m.snapshots.Save(ctx, pos); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to save position snapshot")
	}
}

func (m *Manager) stopPrice(side Side, price float64) float64 {
	pct := m.cfg.StopLossPercent / 100
	if side == SideShort {
		return price * (1 + pct)
	}
	return price * (1 - pct)
}

func (m *Manager) takeProfitLevels(side Side, price float64) []TakeProfit {
	levels := make([]TakeProfit, 0, len(m.cfg.TakeProfitPercents))
	for i, pct := range m.cfg.TakeProfitPercents {
		target := price * (1 + pct/100)
		if side == SideShort {
			target = price * (1 - pct/100)
		}
		sizePct := 100.0
		if i < len(m.cfg.TakeProfitSizes) {
			sizePct = m.cfg.TakeProfitSizes[i]
		}
		levels = append(levels, TakeProfit{
			Level:     i + 1,
			TargetPct: pct,
			SizePct:   sizePct,
			Price:     target,
		})
	}
	return levels
}

func (m *Manager) realizedPnl(pos *Position, exitPrice float64) float64 {
	if exitPrice <= 0 {
		return 0
	}
	diff := exitPrice - pos.EntryPrice
	if pos.Side == SideShort {
		diff = -diff
	}
	return diff * pos.Quantity
}
