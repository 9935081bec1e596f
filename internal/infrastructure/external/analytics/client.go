// Package analytics implements the learning-analytics API client. One POST
// per queue event, bearer auth via the shared identity.TokenSource, with
// the standard invalidate-and-retry-once handling on 401.
package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/fluencyhub/fluency-sync/internal/domain/queue"
	"github.com/fluencyhub/fluency-sync/internal/infrastructure/external/identity"
	"github.com/fluencyhub/fluency-sync/pkg/circuitbreaker"
)

// APIError is a non-2xx response from the analytics API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("analytics: api error: status %d: %s", e.StatusCode, e.Body)
}

// ClientConfig contains configuration for the analytics client.
type ClientConfig struct {
	// BaseURL is the analytics API base URL; events POST to
	// {BaseURL}/events.
	BaseURL string

	// SensorID identifies this worker in every envelope.
	SensorID string

	// RequestTimeout bounds each POST.
	RequestTimeout time.Duration

	// BreakerConfig configures the circuit breaker.
	BreakerConfig circuitbreaker.Config

	// Logger for structured logging.
	Logger *slog.Logger
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig(baseURL, sensorID string) ClientConfig {
	return ClientConfig{
		BaseURL:        baseURL,
		SensorID:       sensorID,
		RequestTimeout: 8 * time.Second,
		BreakerConfig:  circuitbreaker.DefaultConfig("analytics"),
	}
}

// Client posts event envelopes to the analytics API.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	tokens     *identity.TokenSource
	breaker    *circuitbreaker.Breaker
	logger     *slog.Logger

	// now is the clock for envelope send times, replaceable in tests.
	now func() time.Time
}

// NewClient creates an analytics client using tokens for authentication.
func NewClient(config ClientConfig, tokens *identity.TokenSource) *Client {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 8 * time.Second
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.RequestTimeout},
		tokens:     tokens,
		breaker:    circuitbreaker.New(config.BreakerConfig),
		logger:     config.Logger,
	}
}

// Publish builds the envelope for one gameplay completion and posts it.
// A 401 invalidates the shared token and retries the POST exactly once;
// that inner retry is invisible to the caller and does not count as a
// delivery attempt. Every other failure is returned for the store-side
// backoff cycle to handle.
func (c *Client) Publish(ctx context.Context, payload queue.Payload) error {
	if err := c.breaker.Allow(); err != nil {
		return fmt.Errorf("analytics: %w", err)
	}

	sendTime := time.Now().UTC()
	if c.now != nil {
		sendTime = c.now()
	}
	envelope := BuildEnvelope(c.config.SensorID, sendTime, payload)

	err := c.post(ctx, envelope)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
		c.logger.Debug("analytics POST got 401, refreshing token")
		c.tokens.Invalidate()
		err = c.post(ctx, envelope)
	}

	if err != nil {
		c.breaker.RecordFailure()
		return err
	}
	c.breaker.RecordSuccess()
	return nil
}

func (c *Client) post(ctx context.Context, envelope Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("analytics: obtain token: %w", err)
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("analytics: marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.BaseURL+"/events", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("analytics: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("analytics: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: truncate(string(respBody), 256)}
	}

	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
