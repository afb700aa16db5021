package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRegistry_defaultChannel(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.Register(LogNotifier{})

	if err := r.Notify(context.Background(), Message{Text: "hi"}); err != nil {
		t.Fatalf("default channel: %v", err)
	}
	if err := r.NotifyOn(context.Background(), "log", Message{Text: "hi"}); err != nil {
		t.Fatalf("named channel: %v", err)
	}
	if err := r.NotifyOn(context.Background(), "pager", Message{Text: "hi"}); err == nil {
		t.Fatal("unknown channel must fail")
	}
}

func TestRegistry_firstRegisteredIsDefault(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	if err := r.Notify(context.Background(), Message{Text: "hi"}); err == nil {
		t.Fatal("empty registry must fail")
	}

	r.Register(LogNotifier{})
	if got := r.Get("log"); got == nil {
		t.Fatal("registered notifier not retrievable")
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("SLACK_WEBHOOK_URL", "http://example.invalid/hook")
	t.Setenv("SLACK_CHANNEL", "#ops")

	r := FromEnv()
	if r.Get("slack") == nil {
		t.Fatal("slack notifier not registered")
	}
	if r.Get("log") == nil {
		t.Fatal("log notifier must always be registered")
	}
	// Slack was registered first so it is the default channel.
	s, ok := r.Get("slack").(SlackWebhook)
	if !ok || s.Channel != "#ops" {
		t.Fatalf("slack config: %+v", r.Get("slack"))
	}
}

func TestRegistry_priorityRouting(t *testing.T) {
	t.Parallel()
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer srv.Close()

	r := NewRegistry()
	r.Register(SlackWebhook{WebhookURL: srv.URL})
	r.Register(LogNotifier{})

	// Normal priority stays on the log channel.
	if err := r.Notify(context.Background(), Message{Text: "routine", Priority: "normal"}); err != nil {
		t.Fatalf("Notify normal: %v", err)
	}
	if hits != 0 {
		t.Fatalf("routine message reached the webhook: %d", hits)
	}

	// High priority goes to the default external channel.
	if err := r.Notify(context.Background(), Message{Text: "wake me", Priority: "high"}); err != nil {
		t.Fatalf("Notify high: %v", err)
	}
	if hits != 1 {
		t.Fatalf("high message not delivered to webhook: %d", hits)
	}

	// An explicit channel bypasses the routing.
	if err := r.NotifyOn(context.Background(), "slack", Message{Text: "x", Priority: "low"}); err != nil {
		t.Fatalf("NotifyOn slack: %v", err)
	}
	if hits != 2 {
		t.Fatalf("explicit channel not honored: %d", hits)
	}
}

func TestSlackWebhook(t *testing.T) {
	t.Parallel()
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type: %q", ct)
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
	}))
	defer srv.Close()

	s := SlackWebhook{WebhookURL: srv.URL, Channel: "#ops", Username: "waked"}
	if err := s.Notify(context.Background(), Message{Text: "report done", Priority: "high"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	text, _ := payload["text"].(string)
	if !strings.HasPrefix(text, "[HIGH] ") || !strings.Contains(text, "report done") {
		t.Fatalf("text: %q", text)
	}
	if payload["channel"] != "#ops" || payload["username"] != "waked" {
		t.Fatalf("payload: %v", payload)
	}
}

func TestSlackWebhook_errorStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusForbidden)
	}))
	defer srv.Close()

	s := SlackWebhook{WebhookURL: srv.URL}
	if err := s.Notify(context.Background(), Message{Text: "x"}); err == nil {
		t.Fatal("non-2xx must fail")
	}

	if err := (SlackWebhook{}).Notify(context.Background(), Message{Text: "x"}); err == nil {
		t.Fatal("missing webhook URL must fail")
	}
}
