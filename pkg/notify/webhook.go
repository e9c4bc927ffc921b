package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// WebhookConfig configures a webhook channel.
type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Retry   RetryConfig       `yaml:"retry"`
}

// WebhookNotifier posts events as JSON to an HTTP endpoint, retrying
// transient failures.
type WebhookNotifier struct {
	url     string
	headers map[string]string
	client  *http.Client
	retry   *RetryPolicy
	logger  *slog.Logger
}

// NewWebhookNotifier creates a webhook notifier. A nil client gets an
// otelhttp-instrumented default.
func NewWebhookNotifier(cfg WebhookConfig, client *http.Client, logger *slog.Logger) (*WebhookNotifier, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  client,
		retry:   NewRetryPolicy(cfg.Retry),
		logger:  logger,
	}, nil
}

// Notify implements Notifier.
func (w *WebhookNotifier) Notify(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	status, err := w.retry.Do(ctx, func(ctx context.Context) (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return 0, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", e.ID)
		for k, v := range w.headers {
			req.Header.Set(k, v)
		}

		resp, err := w.client.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	})
	if err != nil {
		w.logger.Warn("Webhook delivery failed", "event_id", e.ID, "status", status, "error", err)
		return fmt.Errorf("deliver %s to webhook: %w", e.ID, err)
	}
	return nil
}
