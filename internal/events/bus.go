package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventPositionOpened      EventType = "POSITION_OPENED"
	EventPositionClosed      EventType = "POSITION_CLOSED"
	EventPositionUpdate      EventType = "POSITION_UPDATE"
	EventHealthScoreUpdated  EventType = "HEALTH_SCORE_UPDATED"
	EventRiskAlertTriggered  EventType = "RISK_ALERT_TRIGGERED"
	EventBreakerStateChanged EventType = "CIRCUIT_BREAKER_STATE_CHANGED"
	EventProtectionLost      EventType = "PROTECTION_LOST"
	EventOrderPlaced         EventType = "ORDER_PLACED"
	EventError               EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Bus manages event publishing and subscriptions. Delivery is
// fire-and-forget: a slow or failing subscriber never blocks or fails the
// publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (b *Bus) Subscribe(eventType EventType, subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (b *Bus) SubscribeAll(subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.allSubs = append(b.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := b.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go safeDeliver(sub, event)
		}
	}

	for _, sub := range b.allSubs {
		go safeDeliver(sub, event)
	}
}

// safeDeliver isolates subscriber panics from the publisher.
func safeDeliver(sub Subscriber, event Event) {
	defer func() {
		_ = recover()
	}()
	sub(event)
}

// PublishPositionOpened publishes a position opened event
func (b *Bus) PublishPositionOpened(positionID, symbol, side string, entryPrice, quantity float64) {
	b.Publish(Event{
		Type: EventPositionOpened,
		Data: map[string]interface{}{
			"position_id": positionID,
			"symbol":      symbol,
			"side":        side,
			"entry_price": entryPrice,
			"quantity":    quantity,
		},
	})
}

// PublishPositionClosed publishes a position closed event
func (b *Bus) PublishPositionClosed(positionID, symbol, exitType string, exitPrice, pnl, pnlPercent float64) {
	b.Publish(Event{
		Type: EventPositionClosed,
		Data: map[string]interface{}{
			"position_id": positionID,
			"symbol":      symbol,
			"exit_type":   exitType,
			"exit_price":  exitPrice,
			"pnl":         pnl,
			"pnl_percent": pnlPercent,
		},
	})
}

// PublishHealthScore publishes a health score update
func (b *Bus) PublishHealthScore(positionID, symbol, status string, overallScore float64) {
	b.Publish(Event{
		Type: EventHealthScoreUpdated,
		Data: map[string]interface{}{
			"position_id": positionID,
			"symbol":      symbol,
			"status":      status,
			"score":       overallScore,
		},
	})
}

// PublishRiskAlert publishes a risk alert
func (b *Bus) PublishRiskAlert(positionID, symbol, reason string, score float64) {
	b.Publish(Event{
		Type: EventRiskAlertTriggered,
		Data: map[string]interface{}{
			"position_id": positionID,
			"symbol":      symbol,
			"reason":      reason,
			"score":       score,
		},
	})
}

// PublishBreakerStateChanged publishes a circuit breaker transition
func (b *Bus) PublishBreakerStateChanged(key, change, state string) {
	b.Publish(Event{
		Type: EventBreakerStateChanged,
		Data: map[string]interface{}{
			"strategy": key,
			"change":   change,
			"state":    state,
		},
	})
}

// PublishError publishes an error event
func (b *Bus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	b.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
