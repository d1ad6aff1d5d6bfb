package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestTelegramSendsToChat(t *testing.T) {
	var got struct {
		ChatID string `json:"chat_id"`
		Text   string `json:"text"`
	}
	var path string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	tg := NewTelegram("bot-token", "-100123")
	tg.baseURL = ts.URL

	err := tg.Send(context.Background(), Alert{
		Level:   Info,
		Title:   "Order filled",
		Message: "BUY 65 x NIFTY 21550 CE @ 131.20",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if path != "/botbot-token/sendMessage" {
		t.Errorf("path = %q", path)
	}
	if got.ChatID != "-100123" {
		t.Errorf("chat_id = %q", got.ChatID)
	}
	if !strings.Contains(got.Text, "Order filled") || !strings.Contains(got.Text, "21550 CE") {
		t.Errorf("text = %q", got.Text)
	}
}

func TestTelegramSurfacesHTTPErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()

	tg := NewTelegram("x", "y")
	tg.baseURL = ts.URL
	if err := tg.Send(context.Background(), Alert{Title: "t"}); err == nil {
		t.Fatal("want error on 403")
	}
}

func TestWebhookPostsJSON(t *testing.T) {
	var got map[string]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	err := NewWebhook(ts.URL).Send(context.Background(), Alert{
		Level: Warning, Title: "Broker degraded", Message: "breaker tripped",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if got["level"] != "WARNING" || got["title"] != "Broker degraded" {
		t.Errorf("payload = %v", got)
	}
	if got["ts"] == "" {
		t.Error("payload missing ts")
	}
}

type failing struct{}

func (failing) Send(context.Context, Alert) error {
	return context.DeadlineExceeded
}

type counting struct{ n int }

func (c *counting) Send(context.Context, Alert) error {
	c.n++
	return nil
}

func TestMultiKeepsGoingPastFailures(t *testing.T) {
	c := &counting{}
	m := NewMulti(nil, failing{}, c)
	if err := m.Send(context.Background(), Alert{Title: "x"}); err != nil {
		t.Fatalf("multi send: %v", err)
	}
	if c.n != 1 {
		t.Errorf("second target sends = %d, want 1", c.n)
	}
}
