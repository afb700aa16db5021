// Package notify delivers messages to the principal. Delivery failure is
// never fatal to a wake: the controller logs it and continues.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
)

// Message is one outbound notification.
type Message struct {
	Text     string
	Priority string // low, normal, high, urgent; empty means normal
}

// Notifier is a delivery channel (e.g. Slack webhook, log).
type Notifier interface {
	Name() string
	Notify(ctx context.Context, msg Message) error
}

// Registry holds notifiers by name and fans a message out to a chosen channel.
type Registry struct {
	mu        sync.RWMutex
	notifiers map[string]Notifier
	def       string
}

func NewRegistry() *Registry {
	return &Registry{notifiers: make(map[string]Notifier)}
}

func (r *Registry) Register(n Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifiers[n.Name()] = n
	if r.def == "" {
		r.def = n.Name()
	}
}

func (r *Registry) Get(name string) Notifier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.notifiers[name]
}

// NotifyOn delivers on the named channel, or the default channel when name is
// empty.
func (r *Registry) NotifyOn(ctx context.Context, name string, msg Message) error {
	r.mu.RLock()
	if name == "" {
		name = r.def
	}
	n := r.notifiers[name]
	r.mu.RUnlock()
	if n == nil {
		return fmt.Errorf("notifier %q not found", name)
	}
	return n.Notify(ctx, msg)
}

// Notify delivers on the default channel, letting a Registry stand in where a
// single channel is expected. Low and normal priority messages stay on the log
// channel when one is registered; only high and urgent reach an external
// default such as the Slack webhook.
func (r *Registry) Notify(ctx context.Context, msg Message) error {
	switch msg.Priority {
	case "high", "urgent":
	default:
		r.mu.RLock()
		_, hasLog := r.notifiers["log"]
		r.mu.RUnlock()
		if hasLog {
			return r.NotifyOn(ctx, "log", msg)
		}
	}
	return r.NotifyOn(ctx, "", msg)
}

func (r *Registry) Name() string { return "registry" }

// FromEnv builds a registry from the environment: a Slack webhook when
// SLACK_WEBHOOK_URL is set, with the log notifier always registered as the
// fallback channel.
func FromEnv() *Registry {
	r := NewRegistry()
	if url := os.Getenv("SLACK_WEBHOOK_URL"); url != "" {
		r.Register(SlackWebhook{
			WebhookURL: url,
			Channel:    os.Getenv("SLACK_CHANNEL"),
			Username:   os.Getenv("SLACK_USERNAME"),
		})
	}
	r.Register(LogNotifier{})
	return r
}

// SlackWebhook sends messages to a Slack channel via incoming webhook URL.
type SlackWebhook struct {
	WebhookURL string
	Channel    string // optional override
	Username   string // optional
}

func (s SlackWebhook) Name() string { return "slack" }

func (s SlackWebhook) Notify(ctx context.Context, msg Message) error {
	if s.WebhookURL == "" {
		return fmt.Errorf("slack webhook URL not set")
	}
	text := msg.Text
	if msg.Priority == "high" || msg.Priority == "urgent" {
		text = fmt.Sprintf("[%s] %s", strings.ToUpper(msg.Priority), text)
	}
	payload := map[string]any{"text": text}
	if s.Channel != "" {
		payload["channel"] = s.Channel
	}
	if s.Username != "" {
		payload["username"] = s.Username
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned %d", resp.StatusCode)
	}
	return nil
}

// LogNotifier writes notifications to the structured log. Always available;
// the channel of last resort.
type LogNotifier struct{}

func (LogNotifier) Name() string { return "log" }

func (LogNotifier) Notify(ctx context.Context, msg Message) error {
	switch msg.Priority {
	case "high", "urgent":
		slog.Warn("notification", "priority", msg.Priority, "message", msg.Text)
	default:
		slog.Info("notification", "priority", msg.Priority, "message", msg.Text)
	}
	return nil
}
