package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"bybit-position-bot/config"
	"bybit-position-bot/internal/circuit"
	"bybit-position-bot/internal/events"
	"bybit-position-bot/internal/exchange"
	"bybit-position-bot/internal/health"
	"bybit-position-bot/internal/position"
	"bybit-position-bot/internal/reconcile"
)

const healthTickInterval = 15 * time.Second

// Supervisor runs the periodic supervision loops and is the entry point
// for opening trades. Every open is gated by the per-strategy circuit
// breaker.
type Supervisor struct {
	cfg        config.Config
	client     exchange.Client
	manager    *position.Manager
	reconciler *reconcile.Service
	monitor    *health.Monitor
	breakers   *circuit.Registry
	stream     *exchange.PriceStream
	bus        *events.Bus
	logger     zerolog.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	started  atomic.Bool
	stopped  atomic.Bool
}

// NewSupervisor wires the supervision components. The price stream may be
// nil; health ticks then fall back to REST price lookups.
func NewSupervisor(
	cfg config.Config,
	client exchange.Client,
	manager *position.Manager,
	reconciler *reconcile.Service,
	monitor *health.Monitor,
	breakers *circuit.Registry,
	stream *exchange.PriceStream,
	bus *events.Bus,
	logger zerolog.Logger,
) *Supervisor {
	s := &Supervisor{
		cfg:        cfg,
		client:     client,
		manager:    manager,
		reconciler: reconciler,
		monitor:    monitor,
		breakers:   breakers,
		stream:     stream,
		bus:        bus,
		logger:     logger.With().Str("component", "supervisor").Logger(),
		stopChan:   make(chan struct{}),
	}

	breakers.SetObserver(func(change circuit.StateChange) {
		bus.PublishBreakerStateChanged(change.Key, string(change.Type), string(change.State))
	})
	return s
}

// Start restores any persisted position and launches the supervision loops
func (s *Supervisor) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}

	if err := s.manager.Restore(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Position restore failed, starting flat")
	}

	s.reconciler.Start(ctx)
	if s.stream != nil {
		s.stream.Start(ctx)
	}

	s.wg.Add(1)
	go s.healthLoop(ctx)

	s.logger.Info().Str("symbol", s.cfg.TradingConfig.Symbol).Msg("Supervisor started")
	return nil
}

// Stop halts all loops and waits for them to exit
func (s *Supervisor) Stop() {
	if !s.started.Load() || !s.stopped.CompareAndSwap(false, true) {
		return
	}
	close(s.stopChan)
	s.wg.Wait()
	s.reconciler.Stop()
	if s.stream != nil {
		s.stream.Stop()
	}
	s.logger.Info().Msg("Supervisor stopped")
}

// OpenTrade opens a position for a decided trade, gated by the strategy's
// circuit breaker. Duplicate-open errors are usage errors and do not count
// against the breaker.
func (s *Supervisor) OpenTrade(ctx context.Context, signal position.Signal) (*position.Position, error) {
	key := signal.Strategy
	if key == "" {
		key = "default"
		signal.Strategy = key
	}

	if !s.breakers.CanExecute(key) {
		return nil, fmt.Errorf("circuit breaker open for strategy %s", key)
	}

	pos, err := s.manager.Open(ctx, signal)
	if err != nil {
		if errors.Is(err, position.ErrAlreadyOpen) || errors.Is(err, position.ErrOpeningInProgress) {
			return nil, err
		}
		s.breakers.RecordFailure(key)
		return nil, err
	}

	s.breakers.RecordSuccess(key)
	return pos, nil
}

// CloseTrade manually closes the open position at the current price
func (s *Supervisor) CloseTrade(ctx context.Context) error {
	pos := s.manager.GetCurrentPosition()
	if pos == nil {
		return nil
	}

	if err := s.client.ClosePosition(ctx, exchange.CloseRequest{Symbol: pos.Symbol, Percentage: 100}); err != nil {
		return fmt.Errorf("failed to close position: %w", err)
	}

	price, err := s.client.GetCurrentPrice(ctx, pos.Symbol)
	if err != nil {
		price = pos.EntryPrice
	}
	// The exchange close already succeeded; bookkeeping failures do not
	// make the trade close fail.
	if err := s.manager.Close(ctx, price, position.ExitInfo{Cause: position.ExitManual}); err != nil {
		s.logger.Error().Err(err).Msg("Close bookkeeping failed")
	}
	return nil
}

func (s *Supervisor) healthLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(healthTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.monitor.MonitorAllPositions(s.currentPrice(ctx))
		}
	}
}

// currentPrice prefers the websocket tick cache over a REST round trip.
// Zero is an acceptable degraded value; the monitor substitutes the
// entry price.
func (s *Supervisor) currentPrice(ctx context.Context) float64 {
	symbol := s.cfg.TradingConfig.Symbol
	if s.stream != nil {
		if price, ok := s.stream.LastPrice(symbol); ok {
			return price
		}
	}
	price, err := s.client.GetCurrentPrice(ctx, symbol)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Price lookup failed on health tick")
		return 0
	}
	return price
}
