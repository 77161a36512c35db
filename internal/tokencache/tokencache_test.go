package tokencache

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func newTestOAuthServer(t *testing.T, calls *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "access-token-1",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCache_TokenFor_RefreshesOnFirstCall(t *testing.T) {
	var calls int32
	srv := newTestOAuthServer(t, &calls)

	cfg := &oauth2.Config{Endpoint: oauth2.Endpoint{TokenURL: srv.URL}}
	c := New(cfg, srv.Client())

	token, err := c.TokenFor(context.Background(), AccountCredential{Email: "a@example.com", RefreshToken: "rt"})
	require.NoError(t, err)
	require.Equal(t, "access-token-1", token)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestCache_TokenFor_ReusesUnexpiredToken(t *testing.T) {
	var calls int32
	srv := newTestOAuthServer(t, &calls)

	cfg := &oauth2.Config{Endpoint: oauth2.Endpoint{TokenURL: srv.URL}}
	c := New(cfg, srv.Client())

	acct := AccountCredential{Email: "a@example.com", RefreshToken: "rt"}
	_, err := c.TokenFor(context.Background(), acct)
	require.NoError(t, err)
	_, err = c.TokenFor(context.Background(), acct)
	require.NoError(t, err)

	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestCache_InvalidateToken_ForcesRefresh(t *testing.T) {
	var calls int32
	srv := newTestOAuthServer(t, &calls)

	cfg := &oauth2.Config{Endpoint: oauth2.Endpoint{TokenURL: srv.URL}}
	c := New(cfg, srv.Client())

	acct := AccountCredential{Email: "a@example.com", RefreshToken: "rt"}
	_, err := c.TokenFor(context.Background(), acct)
	require.NoError(t, err)

	c.InvalidateToken(acct.Email)
	_, err = c.TokenFor(context.Background(), acct)
	require.NoError(t, err)

	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func newTestProjectServer(t *testing.T, calls *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		time.Sleep(10 * time.Millisecond) // widen the race window for the singleflight test
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"cloudaicompanionProject": "proj-123",
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCache_ProjectFor_CachesAfterFirstCall(t *testing.T) {
	var calls int32
	srv := newTestProjectServer(t, &calls)

	c := New(&oauth2.Config{}, srv.Client())
	c.endpoint = srv.URL

	project, err := c.ProjectFor(context.Background(), "a@example.com", "token")
	require.NoError(t, err)
	require.Equal(t, "proj-123", project)

	project, err = c.ProjectFor(context.Background(), "a@example.com", "token")
	require.NoError(t, err)
	require.Equal(t, "proj-123", project)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestCache_ProjectFor_CollapsesConcurrentCalls(t *testing.T) {
	var calls int32
	srv := newTestProjectServer(t, &calls)

	c := New(&oauth2.Config{}, srv.Client())
	c.endpoint = srv.URL

	const n = 8
	results := make(chan string, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			p, err := c.ProjectFor(context.Background(), "concurrent@example.com", "token")
			results <- p
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
		require.Equal(t, "proj-123", <-results)
	}
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestCache_InvalidateProject_ForcesRediscovery(t *testing.T) {
	var calls int32
	srv := newTestProjectServer(t, &calls)

	c := New(&oauth2.Config{}, srv.Client())
	c.endpoint = srv.URL

	_, err := c.ProjectFor(context.Background(), "a@example.com", "token")
	require.NoError(t, err)

	c.InvalidateProject("a@example.com")
	_, err = c.ProjectFor(context.Background(), "a@example.com", "token")
	require.NoError(t, err)

	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}
