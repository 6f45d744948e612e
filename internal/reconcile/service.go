package reconcile

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"bybit-position-bot/config"
	"bybit-position-bot/internal/events"
	"bybit-position-bot/internal/exchange"
	"bybit-position-bot/internal/position"
)

// Service periodically verifies local position state against the exchange
// and repairs divergence. The exchange is the source of truth; local state
// is adjusted to match it, never the other way around.
type Service struct {
	client  exchange.Client
	manager *position.Manager
	bus     *events.Bus
	cfg     config.ReconcilerConfig
	logger  zerolog.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	started  atomic.Bool
	stopped  atomic.Bool
}

// NewService creates a reconciliation service
func NewService(client exchange.Client, manager *position.Manager, bus *events.Bus, cfg config.ReconcilerConfig, logger zerolog.Logger) *Service {
	return &Service{
		client:   client,
		manager:  manager,
		bus:      bus,
		cfg:      cfg,
		logger:   logger.With().Str("component", "reconciler").Logger(),
		stopChan: make(chan struct{}),
	}
}

// Start launches the fast and deep check loops
func (s *Service) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}

	s.wg.Add(2)
	go s.runLoop(ctx, time.Duration(s.cfg.FastIntervalSecs)*time.Second, s.FastCheck)
	go s.runLoop(ctx, time.Duration(s.cfg.DeepIntervalSecs)*time.Second, s.DeepCheck)
	s.logger.Info().
		Int("fast_interval_secs", s.cfg.FastIntervalSecs).
		Int("deep_interval_secs", s.cfg.DeepIntervalSecs).
		Msg("Reconciliation service started")
}

// Stop halts both check loops and waits for them to exit
func (s *Service) Stop() {
	if !s.started.Load() || !s.stopped.CompareAndSwap(false, true) {
		return
	}
	close(s.stopChan)
	s.wg.Wait()
	s.logger.Info().Msg("Reconciliation service stopped")
}

func (s *Service) runLoop(ctx context.Context, interval time.Duration, check func(context.Context)) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			check(ctx)
		}
	}
}

// FastCheck asks only whether the position still exists on the exchange
// and syncs its live quantity and PnL. A nil position slot means nothing
// to do.
func (s *Service) FastCheck(ctx context.Context) {
	pos := s.manager.GetCurrentPosition()
	if pos == nil || pos.Status == position.StatusClosed {
		return
	}

	remote, err := s.client.GetPosition(ctx, pos.Symbol)
	if err != nil {
		s.logger.Warn().Err(err).Str("symbol", pos.Symbol).Msg("Fast check could not fetch position")
		return
	}
	if remote == nil || remote.Size == 0 {
		s.handleExternalClose(ctx, pos)
		return
	}
	s.manager.ApplyRemote(remote)
}

// DeepCheck additionally verifies the protective orders are in place.
// Positions younger than the configured age floor are skipped so that
// still-settling entry orders are not mistaken for lost protection.
func (s *Service) DeepCheck(ctx context.Context) {
	pos := s.manager.GetCurrentPosition()
	if pos == nil || pos.Status == position.StatusClosed {
		return
	}
	if pos.Age() < time.Duration(s.cfg.MinPositionAgeSecs)*time.Second {
		return
	}

	remote, err := s.client.GetPosition(ctx, pos.Symbol)
	if err != nil {
		s.logger.Warn().Err(err).Str("symbol", pos.Symbol).Msg("Deep check could not fetch position")
		return
	}
	if remote == nil || remote.Size == 0 {
		s.handleExternalClose(ctx, pos)
		return
	}
	s.manager.ApplyRemote(remote)

	protection, err := s.client.VerifyProtectionSet(ctx, pos.Symbol, pos.Side.OrderSide())
	if err != nil {
		s.logger.Warn().Err(err).Str("symbol", pos.Symbol).Msg("Deep check could not verify protection")
		return
	}
	if protection.HasStopLoss || pos.UsesTrailingStop() {
		return
	}
	s.emergencyFlatten(ctx, pos)
}

// handleExternalClose finalizes a position the exchange reports as gone:
// classify the exit from recent order history and run the close-with-cause
// path. Close releases the slot before any bookkeeping, so a closed
// position is never represented as open.
func (s *Service) handleExternalClose(ctx context.Context, pos *position.Position) {
	s.logger.Info().
		Str("position_id", pos.ID).
		Str("symbol", pos.Symbol).
		Msg("Position closed externally, classifying exit")

	info := position.ExitInfo{Cause: position.ExitManual}
	history, err := s.client.GetOrderHistory(ctx, pos.Symbol, s.cfg.HistoryPageSize)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Could not fetch order history for exit classification")
	} else {
		info = ClassifyExit(history, pos)
	}

	exitPrice, err := s.client.GetCurrentPrice(ctx, pos.Symbol)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Could not fetch price for close bookkeeping")
		exitPrice = pos.EntryPrice
	}

	if err := s.manager.Close(ctx, exitPrice, info); err != nil {
		s.logger.Error().Err(err).Str("position_id", pos.ID).Msg("Close bookkeeping failed")
	}
}

// emergencyFlatten closes the full position immediately when its stop-loss
// has gone missing.
func (s *Service) emergencyFlatten(ctx context.Context, pos *position.Position) {
	s.logger.Error().
		Str("position_id", pos.ID).
		Str("symbol", pos.Symbol).
		Msg("CRITICAL: position has no stop-loss, closing immediately")

	s.bus.PublishRiskAlert(pos.ID, pos.Symbol, "PROTECTION_LOST", 0)

	if err := s.client.ClosePosition(ctx, exchange.CloseRequest{Symbol: pos.Symbol, Percentage: 100}); err != nil {
		s.logger.Error().Err(err).Str("symbol", pos.Symbol).Msg("Emergency close request failed")
		return
	}

	exitPrice, err := s.client.GetCurrentPrice(ctx, pos.Symbol)
	if err != nil {
		exitPrice = pos.EntryPrice
	}
	if err := s.manager.Close(ctx, exitPrice, position.ExitInfo{Cause: position.ExitManual}); err != nil {
		s.logger.Error().Err(err).Str("position_id", pos.ID).Msg("Close bookkeeping failed")
	}
}
