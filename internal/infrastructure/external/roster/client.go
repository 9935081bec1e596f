// Package roster implements the rostering API client: assessment-result
// history, enrollments and classes. All requests carry a bearer token from
// the shared identity.TokenSource; a 401 invalidates the token and retries
// the request exactly once with a fresh one.
package roster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/fluencyhub/fluency-sync/internal/infrastructure/external/identity"
	"github.com/fluencyhub/fluency-sync/internal/infrastructure/observability"
	"github.com/fluencyhub/fluency-sync/pkg/circuitbreaker"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// ClientConfig contains configuration for the roster API client.
type ClientConfig struct {
	// BaseURL is the rostering API base URL.
	BaseURL string

	// RequestTimeout bounds every single request.
	RequestTimeout time.Duration

	// PageSize is the fixed page size for paginated listings.
	PageSize int

	// RateLimiterConfig protects the upstream from request bursts.
	RateLimiterConfig RateLimiterConfig

	// BreakerConfig configures the circuit breaker.
	BreakerConfig circuitbreaker.Config

	// Logger for structured logging.
	Logger *slog.Logger

	// Metrics is optional instrumentation.
	Metrics *observability.Metrics
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig(baseURL string) ClientConfig {
	return ClientConfig{
		BaseURL:           baseURL,
		RequestTimeout:    6 * time.Second,
		PageSize:          100,
		RateLimiterConfig: DefaultRateLimiterConfig(),
		BreakerConfig:     circuitbreaker.DefaultConfig("roster"),
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

// APIError is a non-2xx response from the rostering API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("roster: api error: status %d: %s", e.StatusCode, e.Body)
}

// IsUnauthorized reports whether err is a 401 API error.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

// ══════════════════════════════════════════════════════════════════════════════
// CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// Client is the rostering API client.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	tokens     *identity.TokenSource
	limiter    *RateLimiter
	breaker    *circuitbreaker.Breaker
	logger     *slog.Logger
}

// NewClient creates a roster API client using tokens for authentication.
func NewClient(config ClientConfig, tokens *identity.TokenSource) *Client {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 6 * time.Second
	}
	if config.PageSize <= 0 {
		config.PageSize = 100
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.RequestTimeout},
		tokens:     tokens,
		limiter:    NewRateLimiter(config.RateLimiterConfig),
		breaker:    circuitbreaker.New(config.BreakerConfig),
		logger:     config.Logger,
	}
}

// do performs one authenticated request. On a 401 it invalidates the shared
// token and retries exactly once with a fresh one; every other failure is
// returned to the caller, who decides between partial results, abort, or
// the delivery backoff cycle. There is no inline retry beyond the 401 case.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, result interface{}) error {
	if err := c.breaker.Allow(); err != nil {
		return fmt.Errorf("roster: %w", err)
	}

	err := c.doOnce(ctx, method, path, query, body, result)
	if IsUnauthorized(err) {
		c.logger.Debug("roster request got 401, refreshing token", "path", path)
		c.tokens.Invalidate()
		err = c.doOnce(ctx, method, path, query, body, result)
	}

	if err != nil {
		c.breaker.RecordFailure()
		return err
	}
	c.breaker.RecordSuccess()
	return nil
}

func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, body, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("roster: rate limiter: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("roster: obtain token: %w", err)
	}

	fullURL := c.config.BaseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("roster: marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return fmt.Errorf("roster: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("roster: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("roster: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: truncate(string(respBody), 256)}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("roster: unmarshal response: %w", err)
		}
	}

	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
