// Package alerting delivers persisted alerts to notification channels.
// Persistence always happens first; channel delivery is best-effort and a
// failed send never blocks or fails the monitoring pipeline.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/zx159753/kernel-audit-system/internal/schema"
)

// Channel is one notification destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, alert *schema.Alert) error
}

// LogChannel writes alerts to the structured log. Always available; the
// default notification target.
type LogChannel struct {
	logger *slog.Logger
	target string
}

// NewLogChannel creates a log channel. target is echoed on each line so
// operators can route on it.
func NewLogChannel(logger *slog.Logger, target string) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogChannel{logger: logger, target: target}
}

func (l *LogChannel) Name() string {
	return "log"
}

func (l *LogChannel) Send(ctx context.Context, alert *schema.Alert) error {
	attrs := []any{
		"alert_id", alert.ID,
		"rule_id", alert.RuleID,
		"severity", alert.Severity,
		"description", alert.Description,
	}
	if l.target != "" {
		attrs = append(attrs, "target", l.target)
	}
	if !alert.Details.IsEmpty() {
		attrs = append(attrs, "details", alert.Details)
	}
	l.logger.Warn("ALERT", attrs...)
	return nil
}

// WebhookChannel POSTs the alert as JSON to an HTTP endpoint.
type WebhookChannel struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookChannel creates a webhook channel.
func NewWebhookChannel(url string, headers map[string]string, timeout time.Duration) *WebhookChannel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookChannel{
		url:     url,
		headers: headers,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (w *WebhookChannel) Name() string {
	return "webhook"
}

func (w *WebhookChannel) Send(ctx context.Context, alert *schema.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(body))
	}

	return nil
}
