package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tokenServer(t *testing.T, exchanges *atomic.Int64, expiresIn int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.FormValue("grant_type"))
		assert.Equal(t, "worker", r.FormValue("client_id"))

		n := exchanges.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"tok-%d","expires_in":%d}`, n, expiresIn)
	}))
}

func newTestSource(url string) *TokenSource {
	return NewTokenSource(Config{
		TokenURL:     url,
		ClientID:     "worker",
		ClientSecret: "secret",
	})
}

func TestTokenSource_CachesWithinValidity(t *testing.T) {
	var exchanges atomic.Int64
	srv := tokenServer(t, &exchanges, 3600)
	defer srv.Close()

	src := newTestSource(srv.URL)

	first, err := src.Token(context.Background())
	require.NoError(t, err)
	second, err := src.Token(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), exchanges.Load(), "second call must hit the cache")
}

func TestTokenSource_RefreshesAfterExpiry(t *testing.T) {
	var exchanges atomic.Int64
	srv := tokenServer(t, &exchanges, 3600)
	defer srv.Close()

	src := newTestSource(srv.URL)
	clock := time.Now()
	src.now = func() time.Time { return clock }

	_, err := src.Token(context.Background())
	require.NoError(t, err)

	// Step the clock past lifetime minus the safety buffer.
	clock = clock.Add(3600*time.Second - ExpiryBuffer + time.Second)

	_, err = src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), exchanges.Load())
}

func TestTokenSource_HonorsExpiryBuffer(t *testing.T) {
	var exchanges atomic.Int64
	srv := tokenServer(t, &exchanges, 90)
	defer srv.Close()

	src := newTestSource(srv.URL)
	clock := time.Now()
	src.now = func() time.Time { return clock }

	_, err := src.Token(context.Background())
	require.NoError(t, err)

	// 90s lifetime minus the 60s buffer: after 31s the token must not be
	// reused even though its declared expiry is a minute away.
	clock = clock.Add(31 * time.Second)

	_, err = src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), exchanges.Load())
}

func TestTokenSource_InvalidateForcesSingleRefetch(t *testing.T) {
	var exchanges atomic.Int64
	srv := tokenServer(t, &exchanges, 3600)
	defer srv.Close()

	src := newTestSource(srv.URL)

	_, err := src.Token(context.Background())
	require.NoError(t, err)

	src.Invalidate()

	_, err = src.Token(context.Background())
	require.NoError(t, err)
	_, err = src.Token(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(2), exchanges.Load(), "exactly one re-fetch after invalidate")
}

func TestTokenSource_ExchangeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad client", http.StatusUnauthorized)
	}))
	defer srv.Close()

	src := newTestSource(srv.URL)

	_, err := src.Token(context.Background())
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, http.StatusUnauthorized, authErr.StatusCode)
}
