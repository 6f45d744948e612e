package notification

import (
	"github.com/rs/zerolog"

	"bybit-position-bot/internal/events"
)

// Bridge subscribes a notification manager to the event bus. Delivery
// failures are logged and dropped; they never reach business logic.
func Bridge(bus *events.Bus, manager *Manager, logger zerolog.Logger) {
	log := logger.With().Str("component", "notification_bridge").Logger()

	send := func(kind string, fn func() error) {
		if err := fn(); err != nil {
			log.Warn().Err(err).Str("kind", kind).Msg("Notification delivery failed")
		}
	}

	bus.Subscribe(events.EventPositionOpened, func(e events.Event) {
		send("position_opened", func() error {
			return manager.SendPositionOpened(
				str(e.Data, "symbol"), str(e.Data, "side"),
				num(e.Data, "entry_price"), num(e.Data, "quantity"))
		})
	})
	bus.Subscribe(events.EventPositionClosed, func(e events.Event) {
		send("position_closed", func() error {
			return manager.SendPositionClosed(
				str(e.Data, "symbol"), str(e.Data, "exit_type"),
				num(e.Data, "exit_price"), num(e.Data, "pnl"), num(e.Data, "pnl_percent"))
		})
	})
	bus.Subscribe(events.EventRiskAlertTriggered, func(e events.Event) {
		send("risk_alert", func() error {
			return manager.SendRiskAlert(
				str(e.Data, "symbol"), str(e.Data, "reason"), num(e.Data, "score"))
		})
	})
	bus.Subscribe(events.EventBreakerStateChanged, func(e events.Event) {
		send("breaker_change", func() error {
			return manager.SendBreakerChange(
				str(e.Data, "strategy"), str(e.Data, "change"), str(e.Data, "state"))
		})
	})
}

func str(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func num(data map[string]interface{}, key string) float64 {
	if v, ok := data[key].(float64); ok {
		return v
	}
	return 0
}
