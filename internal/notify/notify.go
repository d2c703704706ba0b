// Package notify delivers downstream notifications for committed terminal
// transitions and operational warnings. Delivery is best-effort: a failed
// notification is logged and counted, never retried against state.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Severity of a notification.
type Severity string

const (
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARNING"
)

// Notification is one downstream message.
type Notification struct {
	Severity Severity  `json:"severity"`
	Title    string    `json:"title"`
	Body     string    `json:"body"`
	Entity   string    `json:"entity,omitempty"`
	EntityID string    `json:"entity_id,omitempty"`
	At       time.Time `json:"at"`
}

// Notifier delivers notifications to one downstream channel.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the process log. Always configured as
// the fallback channel.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, n Notification) error {
	log.Printf("[notify] %s %s: %s (%s %s)", n.Severity, n.Title, n.Body, n.Entity, n.EntityID)
	return nil
}

// WebhookNotifier POSTs notifications as JSON to a downstream consumer.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

// NewWebhookNotifier creates a webhook notifier with a bounded-timeout client.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.Client.Do(req)
	if err != nil {
		return fmt.Errorf("notify webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify webhook: status %d", resp.StatusCode)
	}
	return nil
}

// Multi fans one notification out to several channels. Failures are
// collected per channel; one bad channel never blocks the others.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var firstErr error
	for _, nt := range m {
		if err := nt.Notify(ctx, n); err != nil {
			log.Printf("[notify] channel %T failed: %v", nt, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
