// Package notify delivers run lifecycle events to webhook consumers.
// Delivery is at-least-once; consumers must be idempotent.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/flowmesh/flowmesh/pkg/models"
	"github.com/flowmesh/flowmesh/pkg/observability"
	"github.com/flowmesh/flowmesh/pkg/resilience"
)

// Notifier is the engine's egress sink. url may be empty, in which case
// the implementation's default endpoint is used; events with no endpoint
// at all are dropped silently.
type Notifier interface {
	Notify(ctx context.Context, url string, event models.Event) error
}

// NoopNotifier drops every event.
type NoopNotifier struct{}

// Notify implements Notifier.
func (NoopNotifier) Notify(ctx context.Context, url string, event models.Event) error { return nil }

// WebhookNotifier posts events as JSON, retrying transient failures with
// exponential backoff. A rate limiter protects slow consumers from bursts
// when many runs finish at once.
type WebhookNotifier struct {
	defaultURL string
	client     *http.Client
	limiter    *rate.Limiter
	retry      resilience.RetryConfig
	logger     observability.Logger
	metrics    observability.MetricsClient
}

// NewWebhookNotifier creates a notifier with the given default endpoint.
func NewWebhookNotifier(defaultURL string, client *http.Client, logger observability.Logger, metrics observability.MetricsClient) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &WebhookNotifier{
		defaultURL: defaultURL,
		client:     client,
		limiter:    rate.NewLimiter(rate.Limit(50), 100),
		retry:      resilience.DefaultRetryConfig(),
		logger:     logger,
		metrics:    metrics,
	}
}

// Notify implements Notifier.
func (n *WebhookNotifier) Notify(ctx context.Context, url string, event models.Event) error {
	if url == "" {
		url = n.defaultURL
	}
	if url == "" {
		return nil
	}

	if err := n.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = resilience.Retry(ctx, n.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Flowmesh-Event", string(event.Type))

		resp, err := n.client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("webhook returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			// consumer rejected the payload; retrying cannot help
			n.logger.Warn("webhook rejected event", map[string]interface{}{
				"url":    url,
				"status": resp.StatusCode,
				"type":   event.Type,
			})
			return nil
		}
		return nil
	})
	if err != nil {
		n.metrics.IncrementCounter("webhook_delivery_failures", 1)
		n.logger.Error("webhook delivery failed", map[string]interface{}{
			"url":    url,
			"type":   event.Type,
			"run_id": event.RunID,
			"error":  err.Error(),
		})
		return err
	}
	n.metrics.IncrementCounter("webhook_deliveries", 1)
	return nil
}
