// Package identity manages the bearer token shared by every client that
// talks to the learning ecosystem APIs. One TokenSource is created at
// startup and passed by reference to each component that needs a token;
// there is no package-level token state.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ExpiryBuffer is subtracted from the server-declared token lifetime. A
// cached token is never handed out within this window of its expiry, so a
// request never departs with a token about to lapse mid-flight.
const ExpiryBuffer = 60 * time.Second

// AuthError indicates the client-credentials exchange itself failed. The
// failure is not retried inline; the next Token call performs a fresh
// exchange.
type AuthError struct {
	StatusCode int
	Body       string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("identity: token exchange failed with status %d: %s", e.StatusCode, e.Body)
}

// Config contains configuration for the TokenSource.
type Config struct {
	// TokenURL is the client-credentials token endpoint.
	TokenURL string

	// ClientID and ClientSecret are the worker's credentials.
	ClientID     string
	ClientSecret string

	// Timeout bounds the exchange request.
	Timeout time.Duration

	// Logger for structured logging.
	Logger *slog.Logger

	// OnRefresh, when set, is called after every successful exchange.
	// Used for instrumentation.
	OnRefresh func()
}

// TokenSource caches a short-lived bearer token and refreshes it on demand.
//
// The mutex guards only the cached value. The exchange itself runs outside
// the lock, so two callers hitting an expired cache both re-exchange
// credentials; refreshes are deliberately not coalesced and redundant
// exchanges are harmless (last writer wins).
type TokenSource struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger

	mu      sync.Mutex
	token   string
	expires time.Time

	// now is the clock, replaceable in tests.
	now func() time.Time
}

// NewTokenSource creates a TokenSource for the given credentials.
func NewTokenSource(config Config) *TokenSource {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	return &TokenSource{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     config.Logger,
		now:        time.Now,
	}
}

// Token returns a valid bearer token, performing a client-credentials
// exchange when the cache is empty or expired.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.token != "" && s.now().Before(s.expires) {
		token := s.token
		s.mu.Unlock()
		return token, nil
	}
	s.mu.Unlock()

	return s.refresh(ctx)
}

// Invalidate clears the cached token. The next Token call performs exactly
// one fresh exchange. Called by API clients on a 401 response.
func (s *TokenSource) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.expires = time.Time{}
	s.mu.Unlock()

	s.logger.Debug("bearer token invalidated")
}

func (s *TokenSource) refresh(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", s.config.ClientID)
	form.Set("client_secret", s.config.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("identity: create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("identity: token exchange: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("identity: read token response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &AuthError{StatusCode: resp.StatusCode, Body: truncate(string(body), 256)}
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("identity: parse token response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", &AuthError{StatusCode: resp.StatusCode, Body: "empty access_token"}
	}

	lifetime := time.Duration(payload.ExpiresIn) * time.Second

	s.mu.Lock()
	s.token = payload.AccessToken
	s.expires = s.now().Add(lifetime - ExpiryBuffer)
	s.mu.Unlock()

	if s.config.OnRefresh != nil {
		s.config.OnRefresh()
	}

	s.logger.Debug("bearer token refreshed", "expires_in", lifetime.String())
	return payload.AccessToken, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
