package reconcile

import (
	"bybit-position-bot/internal/exchange"
	"bybit-position-bot/internal/position"
)

// ClassifyExit maps raw order history to the semantic cause of a position
// close. Token comparison is exact: an exchange sending a differently-cased
// trigger type is treated as unrecognized and classified MANUAL.
func ClassifyExit(orders []exchange.Order, pos *position.Position) position.ExitInfo {
	causal := latestFilled(orders, pos.Symbol)
	if causal == nil {
		return position.ExitInfo{Cause: position.ExitManual}
	}

	switch causal.StopOrderType {
	case exchange.StopOrderTypeStop, exchange.StopOrderTypeStopLoss, exchange.StopOrderTypePartialStopLoss:
		return position.ExitInfo{Cause: position.ExitStopLoss}
	case exchange.StopOrderTypeTrailingStop:
		return position.ExitInfo{Cause: position.ExitTrailingStop}
	}

	if causal.ReduceOnly && causal.OrderType == exchange.OrderTypeLimit {
		return position.ExitInfo{
			Cause:   position.ExitTakeProfit,
			TPLevel: matchTakeProfitLevel(pos.Side, pos.TakeProfitPrices(), causal.AvgPrice),
		}
	}
	return position.ExitInfo{Cause: position.ExitManual}
}

// latestFilled returns the filled order for the symbol with the most
// recent update time, nil when none qualifies.
func latestFilled(orders []exchange.Order, symbol string) *exchange.Order {
	var causal *exchange.Order
	for i := range orders {
		o := &orders[i]
		if o.Symbol != symbol || o.Status != exchange.OrderStatusFilled {
			continue
		}
		if causal == nil || o.UpdatedTime.After(causal.UpdatedTime) {
			causal = o
		}
	}
	return causal
}

// matchTakeProfitLevel resolves which configured level a fill belongs to.
// A limit take-profit only fills at or beyond its target, so the fill is
// attributed to the deepest level it reached; a fill short of every target
// (slippage inside the first level) still belongs to level 1. A fill
// landed exactly between two levels resolves to the lower one.
func matchTakeProfitLevel(side position.Side, prices []float64, fillPrice float64) int {
	if len(prices) == 0 {
		return 1
	}
	reached := func(target float64) bool {
		if side == position.SideShort {
			return fillPrice <= target
		}
		return fillPrice >= target
	}

	level := 1
	for i, target := range prices {
		if reached(target) {
			level = i + 1
		}
	}
	return level
}
