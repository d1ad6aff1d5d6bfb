// Package notification delivers trade alerts to external channels. The
// trading service fires one alert per fill and exit; delivery is best-effort
// and never blocks an order.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Level tags alert severity.
type Level string

const (
	Info     Level = "INFO"
	Warning  Level = "WARNING"
	Critical Level = "CRITICAL"
)

// Alert is one message to deliver.
type Alert struct {
	Level   Level  `json:"level"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// Notifier delivers alerts to one channel.
type Notifier interface {
	Send(ctx context.Context, alert Alert) error
}

// Multi fans an alert out to several channels, logging failures instead of
// propagating them.
type Multi struct {
	targets []Notifier
	logger  *zap.Logger
}

// NewMulti bundles notifiers. A nil or empty list yields a no-op Multi.
func NewMulti(logger *zap.Logger, targets ...Notifier) *Multi {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Multi{targets: targets, logger: logger.Named("notify")}
}

func (m *Multi) Send(ctx context.Context, alert Alert) error {
	for _, n := range m.targets {
		if err := n.Send(ctx, alert); err != nil {
			m.logger.Warn("alert delivery failed",
				zap.String("title", alert.Title), zap.Error(err))
		}
	}
	return nil
}

// Telegram delivers alerts through the Bot API.
type Telegram struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
}

// NewTelegram creates a Telegram notifier for a bot token and target chat.
func NewTelegram(botToken, chatID string) *Telegram {
	return &Telegram{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  "https://api.telegram.org",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *Telegram) Send(ctx context.Context, alert Alert) error {
	icon := "ℹ️"
	switch alert.Level {
	case Warning:
		icon = "⚠️"
	case Critical:
		icon = "🚨"
	}
	body, err := json.Marshal(map[string]any{
		"chat_id":    t.chatID,
		"text":       fmt.Sprintf("%s %s\n%s", icon, alert.Title, alert.Message),
		"parse_mode": "",
	})
	if err != nil {
		return fmt.Errorf("telegram: encode: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Webhook POSTs alerts as JSON to an arbitrary endpoint.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook creates a generic webhook notifier.
func NewWebhook(url string) *Webhook {
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *Webhook) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(struct {
		Alert
		TS string `json:"ts"`
	}{alert, time.Now().UTC().Format(time.RFC3339Nano)})
	if err != nil {
		return fmt.Errorf("webhook: encode: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}
	return nil
}
