package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookConfig configures a WebhookAlerter.
type WebhookConfig struct {
	URL string
	// Timeout bounds each delivery attempt. Default: 5s.
	Timeout time.Duration
	// MaxAttempts bounds redelivery on 5xx or transport errors. Default: 3.
	MaxAttempts uint
}

// WebhookAlerter posts each alert as JSON to a URL.
type WebhookAlerter struct {
	config WebhookConfig
	client *http.Client
}

func NewWebhookAlerter(cfg WebhookConfig) *WebhookAlerter {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultWebhookTimeout
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	return &WebhookAlerter{config: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (w *WebhookAlerter) Alert(ctx context.Context, a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, w.post(ctx, payload)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(w.config.MaxAttempts))
	return err
}

func (w *WebhookAlerter) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.URL, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("alert webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("alert webhook unreachable: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("alert webhook returned %d", resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("alert webhook rejected alert: %d", resp.StatusCode))
	}
}
