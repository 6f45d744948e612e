package database

import (
	"context"
	"fmt"
	"time"

	"bybit-position-bot/internal/position"
)

// TradeJournal persists one row per position lifecycle in PostgreSQL.
// It implements the position manager's Journal interface.
type TradeJournal struct {
	db *DB
}

// TradeRecord is one journaled trade
type TradeRecord struct {
	ID         int64      `json:"id"`
	PositionID string     `json:"position_id"`
	Symbol     string     `json:"symbol"`
	Side       string     `json:"side"`
	Strategy   string     `json:"strategy"`
	Quantity   float64    `json:"quantity"`
	EntryPrice float64    `json:"entry_price"`
	ExitPrice  *float64   `json:"exit_price,omitempty"`
	StopLoss   *float64   `json:"stop_loss,omitempty"`
	Leverage   int        `json:"leverage"`
	Pnl        *float64   `json:"pnl,omitempty"`
	ExitCause  *string    `json:"exit_cause,omitempty"`
	OpenedAt   time.Time  `json:"opened_at"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
	Status     string     `json:"status"`
}

// NewTradeJournal creates a trade journal backed by the given database
func NewTradeJournal(db *DB) *TradeJournal {
	return &TradeJournal{db: db}
}

// RecordOpen inserts a journal row for a freshly opened position
func (j *TradeJournal) RecordOpen(ctx context.Context, pos *position.Position) error {
	var stopLoss *float64
	if pos.StopLoss != nil {
		stopLoss = &pos.StopLoss.Price
	}

	_, err := j.db.Pool.Exec(ctx,
		`INSERT INTO trades (position_id, symbol, side, strategy, quantity, entry_price, stop_loss, leverage, opened_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'OPEN')`,
		pos.ID, pos.Symbol, string(pos.Side), pos.Strategy, pos.Quantity, pos.EntryPrice, stopLoss, pos.Leverage, pos.OpenedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to journal position open: %w", err)
	}
	return nil
}

// RecordClose finalizes the journal row with exit price, PnL, and cause
func (j *TradeJournal) RecordClose(ctx context.Context, pos *position.Position, exitPrice, pnl float64, cause position.ExitCause) error {
	_, err := j.db.Pool.Exec(ctx,
		`UPDATE trades
		 SET exit_price = $1, pnl = $2, exit_cause = $3, closed_at = $4, status = 'CLOSED'
		 WHERE position_id = $5 AND status = 'OPEN'`,
		exitPrice, pnl, string(cause), time.Now(), pos.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to journal position close: %w", err)
	}
	return nil
}

// RecentTrades returns the latest journaled trades, newest first
func (j *TradeJournal) RecentTrades(ctx context.Context, limit int) ([]TradeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.Pool.Query(ctx,
		`SELECT id, position_id, symbol, side, strategy, quantity, entry_price, exit_price, stop_loss, leverage, pnl, exit_cause, opened_at, closed_at, status
		 FROM trades
		 ORDER BY opened_at DESC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []TradeRecord
	for rows.Next() {
		var t TradeRecord
		if err := rows.Scan(&t.ID, &t.PositionID, &t.Symbol, &t.Side, &t.Strategy, &t.Quantity,
			&t.EntryPrice, &t.ExitPrice, &t.StopLoss, &t.Leverage, &t.Pnl, &t.ExitCause,
			&t.OpenedAt, &t.ClosedAt, &t.Status); err != nil {
			return nil, fmt.Errorf("failed to scan trade row: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// Stats aggregates closed-trade performance
type Stats struct {
	TotalTrades   int64   `json:"total_trades"`
	WinningTrades int64   `json:"winning_trades"`
	TotalPnl      float64 `json:"total_pnl"`
}

// PerformanceStats summarizes all closed trades
func (j *TradeJournal) PerformanceStats(ctx context.Context) (*Stats, error) {
	var stats Stats
	err := j.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE pnl > 0),
		        COALESCE(SUM(pnl), 0)
		 FROM trades WHERE status = 'CLOSED'`,
	).Scan(&stats.TotalTrades, &stats.WinningTrades, &stats.TotalPnl)
	if err != nil {
		return nil, fmt.Errorf("failed to query performance stats: %w", err)
	}
	return &stats, nil
}
