package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/cenkalti/backoff/v4"

	"github.com/flowmesh/flowmesh/pkg/models"
	"github.com/flowmesh/flowmesh/pkg/observability"
)

// HTTPAdapter bridges a connector hosted behind an HTTP endpoint. The
// action name is appended to the base URL and the input posted as JSON.
// 5xx and transport errors classify as retryable, 4xx as non-retryable.
type HTTPAdapter struct {
	connectorID string
	baseURL     string
	client      *http.Client
	logger      observability.Logger
	// transient transport errors are retried once in place before being
	// surfaced to the engine's retry policy.
	transportRetries uint64
}

// NewHTTPAdapter creates an adapter for a remote connector service.
func NewHTTPAdapter(connectorID, baseURL string, client *http.Client, logger observability.Logger) *HTTPAdapter {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &HTTPAdapter{
		connectorID:      connectorID,
		baseURL:          baseURL,
		client:           client,
		logger:           logger,
		transportRetries: 1,
	}
}

// Execute implements Adapter.
func (a *HTTPAdapter) Execute(ctx context.Context, action string, input map[string]interface{}) (interface{}, error) {
	return a.post(ctx, action, input, false)
}

// Test implements Adapter. The remote service is expected to validate the
// call without mutating anything when dry_run is set.
func (a *HTTPAdapter) Test(ctx context.Context, action string, input map[string]interface{}) (interface{}, error) {
	return a.post(ctx, action, input, true)
}

func (a *HTTPAdapter) post(ctx context.Context, action string, input map[string]interface{}, dryRun bool) (interface{}, error) {
	body, err := json.Marshal(map[string]interface{}{
		"input":   input,
		"dry_run": dryRun,
	})
	if err != nil {
		return nil, models.NewValidationError("connector %s: input not serializable: %v", a.connectorID, err)
	}

	url := fmt.Sprintf("%s/actions/%s", a.baseURL, action)

	operation := func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.client.Do(req)
		if err != nil {
			return nil, err // transport error, retryable in place
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return nil, models.NewConnectorError(
				fmt.Sprintf("HTTP_%d", resp.StatusCode),
				fmt.Sprintf("connector %s action %s: %s", a.connectorID, action, string(data)),
				true,
			)
		}
		if resp.StatusCode >= 400 {
			return nil, backoff.Permanent(models.NewConnectorError(
				fmt.Sprintf("HTTP_%d", resp.StatusCode),
				fmt.Sprintf("connector %s action %s: %s", a.connectorID, action, string(data)),
				false,
			))
		}

		var out interface{}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &out); err != nil {
				out = string(data)
			}
		}
		return out, nil
	}

	var out interface{}
	err = backoff.Retry(func() error {
		var opErr error
		out, opErr = operation()
		return opErr
	}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), a.transportRetries), ctx))
	if err != nil {
		var ee *models.EngineError
		if models.IsKind(err, models.ErrorKindConnector) {
			ee = models.AsEngineError(err)
			return nil, ee
		}
		// plain transport failure after in-place retries
		return nil, models.NewConnectorError("TRANSPORT", err.Error(), true)
	}
	return out, nil
}
