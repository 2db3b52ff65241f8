// Package alert notifies operators about conditions that need a human,
// chiefly refunds that could not be applied or queued.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Severity of an alert.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

// Alert is the payload posted to the webhook.
type Alert struct {
	Severity  Severity          `json:"severity"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Alerter delivers alerts.
type Alerter interface {
	Notify(ctx context.Context, a Alert) error
}

// WebhookAlerter posts alerts as JSON to a single URL.
type WebhookAlerter struct {
	url    string
	client *http.Client
}

func NewWebhookAlerter(url string, timeout time.Duration) *WebhookAlerter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookAlerter{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Notify sends the alert to the webhook
func (w *WebhookAlerter) Notify(ctx context.Context, a Alert) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}

	jsonData, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook failed with status %d", resp.StatusCode)
	}
	return nil
}

// LogAlerter only writes alerts to the log. Used when no webhook is configured.
type LogAlerter struct {
	logger *slog.Logger
}

func NewLogAlerter(logger *slog.Logger) *LogAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAlerter{logger: logger}
}

func (l *LogAlerter) Notify(_ context.Context, a Alert) error {
	attrs := []any{"severity", a.Severity, "title", a.Title, "message", a.Message}
	for k, v := range a.Fields {
		attrs = append(attrs, k, v)
	}
	l.logger.Error("🚨 ALERT", attrs...)
	return nil
}

// New picks the webhook alerter when a URL is configured.
func New(webhookURL string, timeout time.Duration, logger *slog.Logger) Alerter {
	if webhookURL == "" {
		return NewLogAlerter(logger)
	}
	return NewWebhookAlerter(webhookURL, timeout)
}
