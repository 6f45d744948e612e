package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Type tags a notification message
type Type string

const (
	NotifyPositionOpen  Type = "position_open"
	NotifyPositionClose Type = "position_close"
	NotifyRiskAlert     Type = "risk_alert"
	NotifyBreaker       Type = "circuit_breaker"
	NotifyError         Type = "error"
	NotifyInfo          Type = "info"
)

// Notification is one message delivered to all enabled providers
type Notification struct {
	Type       Type
	Title      string
	Message    string
	Symbol     string
	Price      float64
	PnL        float64
	PnLPercent float64
	Timestamp  time.Time
	Extra      map[string]interface{}
}

// Notifier is a single delivery provider
type Notifier interface {
	Send(notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans a notification out to every enabled provider
type Manager struct {
	notifiers []Notifier
	enabled   bool
}

// NewManager creates a notification manager
func NewManager() *Manager {
	return &Manager{
		notifiers: make([]Notifier, 0),
		enabled:   true,
	}
}

// AddNotifier adds a delivery provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Send delivers to all enabled providers, returning the last error
func (m *Manager) Send(notification *Notification) error {
	if !m.enabled {
		return nil
	}

	var lastErr error
	for _, n := range m.notifiers {
		if n.IsEnabled() {
			if err := n.Send(notification); err != nil {
				lastErr = err
			}
		}
	}
	return lastErr
}

// SendPositionOpened reports a fresh entry with its protective levels
func (m *Manager) SendPositionOpened(symbol, side string, price, quantity float64) error {
	emoji := "🟢"
	if side == "SHORT" {
		emoji = "🔴"
	}
	return m.Send(&Notification{
		Type:      NotifyPositionOpen,
		Title:     fmt.Sprintf("%s Position Opened: %s", emoji, symbol),
		Message:   fmt.Sprintf("%s %s\nEntry: %.4f\nQuantity: %.8f", side, symbol, price, quantity),
		Symbol:    symbol,
		Price:     price,
		Timestamp: time.Now(),
	})
}

// SendPositionClosed reports a close with its classified exit cause
func (m *Manager) SendPositionClosed(symbol, exitType string, exitPrice, pnl, pnlPercent float64) error {
	emoji := "✅"
	if pnl < 0 {
		emoji = "❌"
	}
	return m.Send(&Notification{
		Type:       NotifyPositionClose,
		Title:      fmt.Sprintf("%s Position Closed: %s", emoji, symbol),
		Message:    fmt.Sprintf("Exit: %.4f\nP&L: %.4f (%.2f%%)\nCause: %s", exitPrice, pnl, pnlPercent, exitType),
		Symbol:     symbol,
		Price:      exitPrice,
		PnL:        pnl,
		PnLPercent: pnlPercent,
		Timestamp:  time.Now(),
		Extra:      map[string]interface{}{"exit_type": exitType},
	})
}

// SendRiskAlert reports a health or protection alert
func (m *Manager) SendRiskAlert(symbol, reason string, score float64) error {
	return m.Send(&Notification{
		Type:      NotifyRiskAlert,
		Title:     fmt.Sprintf("⚠️ Risk Alert: %s", symbol),
		Message:   fmt.Sprintf("Reason: %s\nHealth score: %.1f", reason, score),
		Symbol:    symbol,
		Timestamp: time.Now(),
		Extra:     map[string]interface{}{"reason": reason},
	})
}

// SendBreakerChange reports a circuit breaker transition
func (m *Manager) SendBreakerChange(strategy, change, state string) error {
	return m.Send(&Notification{
		Type:      NotifyBreaker,
		Title:     fmt.Sprintf("🔌 Circuit Breaker %s: %s", change, strategy),
		Message:   fmt.Sprintf("Strategy %s is now %s", strategy, state),
		Timestamp: time.Now(),
		Extra:     map[string]interface{}{"strategy": strategy, "state": state},
	})
}

// SendError reports an operational error
func (m *Manager) SendError(title, message string) error {
	return m.Send(&Notification{
		Type:      NotifyError,
		Title:     fmt.Sprintf("⚠️ %s", title),
		Message:   message,
		Timestamp: time.Now(),
	})
}

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

// TelegramNotifier sends notifications via Telegram
type TelegramNotifier struct {
	botToken string
	chatID   string
	enabled  bool
	client   *http.Client
}

// TelegramConfig holds Telegram configuration
type TelegramConfig struct {
	BotToken string
	ChatID   string
	Enabled  bool
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(config TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: config.BotToken,
		chatID:   config.ChatID,
		enabled:  config.Enabled && config.BotToken != "" && config.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramNotifier) Send(notification *Notification) error {
	if !t.enabled {
		return nil
	}

	message := fmt.Sprintf("*%s*\n\n%s", notification.Title, notification.Message)

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       message,
		"parse_mode": "Markdown",
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	resp, err := t.client.Post(url, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}

	return nil
}

// =============================================================================
// DISCORD NOTIFIER
// =============================================================================

// DiscordNotifier sends notifications via Discord webhook
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// DiscordConfig holds Discord configuration
type DiscordConfig struct {
	WebhookURL string
	Enabled    bool
}

// NewDiscordNotifier creates a new Discord notifier
func NewDiscordNotifier(config DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: config.WebhookURL,
		enabled:    config.Enabled && config.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string {
	return "discord"
}

func (d *DiscordNotifier) IsEnabled() bool {
	return d.enabled
}

func (d *DiscordNotifier) Send(notification *Notification) error {
	if !d.enabled {
		return nil
	}

	color := 0x00FF00
	if notification.Type == NotifyError || notification.Type == NotifyRiskAlert {
		color = 0xFF0000
	} else if notification.Type == NotifyPositionClose && notification.PnL < 0 {
		color = 0xFF0000
	}

	embed := map[string]interface{}{
		"title":       notification.Title,
		"description": notification.Message,
		"color":       color,
		"timestamp":   notification.Timestamp.Format(time.RFC3339),
	}

	if notification.Symbol != "" {
		fields := []map[string]interface{}{
			{"name": "Symbol", "value": notification.Symbol, "inline": true},
		}
		if notification.Price > 0 {
			fields = append(fields, map[string]interface{}{
				"name": "Price", "value": fmt.Sprintf("%.4f", notification.Price), "inline": true,
			})
		}
		if notification.PnL != 0 {
			fields = append(fields, map[string]interface{}{
				"name": "P&L", "value": fmt.Sprintf("%.4f (%.2f%%)", notification.PnL, notification.PnLPercent), "inline": true,
			})
		}
		embed["fields"] = fields
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal discord payload: %w", err)
	}

	resp, err := d.client.Post(d.webhookURL, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}

	return nil
}
