package exchange

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	wsReconnectDelay = 5 * time.Second
	wsPingInterval   = 20 * time.Second
	wsReadTimeout    = 30 * time.Second
)

// PriceStream maintains a websocket subscription to the public ticker
// channel and caches the last traded price per symbol.
type PriceStream struct {
	url     string
	symbols []string
	logger  zerolog.Logger

	mu     sync.RWMutex
	prices map[string]float64

	onPrice func(symbol string, price float64)

	stopChan chan struct{}
	doneWg   sync.WaitGroup
	started  atomic.Bool
	stopped  atomic.Bool
}

// NewPriceStream creates a stream for the given websocket endpoint and symbols
func NewPriceStream(url string, symbols []string, logger zerolog.Logger) *PriceStream {
	return &PriceStream{
		url:      url,
		symbols:  symbols,
		logger:   logger.With().Str("component", "price_stream").Logger(),
		prices:   make(map[string]float64),
		stopChan: make(chan struct{}),
	}
}

// OnPrice registers a callback invoked on every ticker update.
// Must be called before Start.
func (s *PriceStream) OnPrice(fn func(symbol string, price float64)) {
	s.onPrice = fn
}

// Start launches the connection loop in the background
func (s *PriceStream) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}

	s.doneWg.Add(1)
	go func() {
		defer s.doneWg.Done()
		for {
			select {
			case <-s.stopChan:
				return
			case <-ctx.Done():
				return
			default:
			}

			if err := s.runConnection(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("Websocket connection lost, reconnecting")
			}

			select {
			case <-s.stopChan:
				return
			case <-ctx.Done():
				return
			case <-time.After(wsReconnectDelay):
			}
		}
	}()
}

// Stop closes the stream and waits for the connection loop to exit
func (s *PriceStream) Stop() {
	if !s.started.Load() || !s.stopped.CompareAndSwap(false, true) {
		return
	}
	close(s.stopChan)
	s.doneWg.Wait()
}

// LastPrice returns the most recent price for a symbol, false when no
// tick has been received yet.
func (s *PriceStream) LastPrice(symbol string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	price, ok := s.prices[symbol]
	return price, ok
}

type wsSubscribeMsg struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

type wsTickerMsg struct {
	Topic string `json:"topic"`
	Data  struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
	} `json:"data"`
}

func (s *PriceStream) runConnection(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	args := make([]string, 0, len(s.symbols))
	for _, sym := range s.symbols {
		args = append(args, "tickers."+sym)
	}
	if err := conn.WriteJSON(wsSubscribeMsg{Op: "subscribe", Args: args}); err != nil {
		return err
	}
	s.logger.Info().Strs("topics", args).Msg("Subscribed to ticker stream")

	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ticker.C:
				if err := conn.WriteJSON(wsSubscribeMsg{Op: "ping"}); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-s.stopChan:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg wsTickerMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.Data.Symbol == "" || msg.Data.LastPrice == "" {
			continue
		}
		price, err := strconv.ParseFloat(msg.Data.LastPrice, 64)
		if err != nil || price <= 0 {
			continue
		}

		s.mu.Lock()
		s.prices[msg.Data.Symbol] = price
		s.mu.Unlock()

		if s.onPrice != nil {
			s.onPrice(msg.Data.Symbol, price)
		}
	}
}
