// Package llama is the HTTP client for one llama-server inference
// endpoint: completion calls with bounded retries and a lightweight
// health probe.
package llama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/conclave-ai/conclave/pkg/models"
	"github.com/rs/zerolog/log"
)

const (
	defaultTimeout = 300 * time.Second
	maxRetries     = 3
)

// Client talks to a single llama-server instance.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a client for the server listening on port.
func NewClient(port int) *Client {
	return NewClientURL(fmt.Sprintf("http://127.0.0.1:%d", port))
}

// NewClientURL creates a client for an explicit base URL (tests, external
// servers).
func NewClientURL(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: defaultTimeout},
	}
}

// BaseURL returns the endpoint this client targets.
func (c *Client) BaseURL() string { return c.baseURL }

// statusError marks a non-2xx reply. These are not retried: the server is
// up and answered, repeating the call will not change the outcome.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("inference server status %d: %s", e.code, e.body)
}

// Complete sends a completion request, retrying transport failures with
// exponential backoff up to 3 attempts. The context bounds the total time
// across retries.
func (c *Client) Complete(ctx context.Context, req models.CompletionRequest) (*models.CompletionResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode completion request: %w", err)
	}

	var result *models.CompletionResult
	operation := func() error {
		result = nil
		r, err := c.completeOnce(ctx, body)
		if err != nil {
			var se *statusError
			if errors.As(err, &se) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = r
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries-1), ctx)

	notify := func(err error, wait time.Duration) {
		log.Warn().
			Err(err).
			Dur("retry_in", wait).
			Str("endpoint", c.baseURL).
			Msg("Completion call failed, retrying")
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, err
	}
	if result.Error != "" {
		return nil, fmt.Errorf("inference server error: %s", result.Error)
	}
	return result, nil
}

func (c *Client) completeOnce(ctx context.Context, body []byte) (*models.CompletionResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/completion", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("completion request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, &statusError{code: httpResp.StatusCode, body: string(respBody)}
	}

	var result models.CompletionResult
	if err := json.NewDecoder(httpResp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode completion response: %w", err)
	}
	return &result, nil
}

// Health probes /health once, no retries. Unreachable and non-JSON
// replies map to states rather than errors so pollers can treat every
// outcome uniformly.
func (c *Client) Health(ctx context.Context) models.HealthResult {
	start := time.Now()

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(probeCtx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return models.HealthResult{Status: models.HealthError}
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return models.HealthResult{
			Status:    models.HealthUnreachable,
			LatencyMs: time.Since(start).Milliseconds(),
		}
	}
	defer httpResp.Body.Close()

	latency := time.Since(start).Milliseconds()

	switch {
	case httpResp.StatusCode == http.StatusOK:
		return models.HealthResult{Status: models.HealthOK, LatencyMs: latency}
	case httpResp.StatusCode == http.StatusServiceUnavailable:
		// llama-server answers 503 while the model is still loading.
		return models.HealthResult{Status: models.HealthLoading, LatencyMs: latency}
	default:
		return models.HealthResult{Status: models.HealthError, LatencyMs: latency}
	}
}
