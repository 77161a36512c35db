package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"github.com/ruwiss/antigravity-claude-proxy/internal/config"
	"github.com/ruwiss/antigravity-claude-proxy/internal/metrics"
	"github.com/ruwiss/antigravity-claude-proxy/internal/pool"
	"github.com/ruwiss/antigravity-claude-proxy/internal/proxyerr"
	"github.com/ruwiss/antigravity-claude-proxy/internal/tokencache"
)

const testAnthropicRequest = `{"messages":[{"role":"user","content":[{"type":"text","text":"Hi"}]}]}`

// newOAuthServer issues a distinct access token per refresh token, so tests
// with multiple accounts can tell which one the upstream call used.
func newOAuthServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		refreshToken := r.FormValue("refresh_token")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "token-" + refreshToken,
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newProjectServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"cloudaicompanionProject": "proj-test"})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// testEngine bundles an Engine with the account pool it was built from, for
// tests that need to add rate-limit state or inspect pool internals.
type testEngine struct {
	engine *Engine
	pool   *pool.Pool
}

func newTestEngine(t *testing.T, emails ...string) *testEngine {
	t.Helper()
	oauthSrv := newOAuthServer(t)
	projectSrv := newProjectServer(t)

	oauthCfg := &oauth2.Config{Endpoint: oauth2.Endpoint{TokenURL: oauthSrv.URL}}
	tokens := tokencache.New(oauthCfg, oauthSrv.Client())
	tokens.SetEndpoint(projectSrv.URL)

	p := pool.New(0)
	now := time.Now()
	for i, email := range emails {
		require.NoError(t, p.Add(&pool.Account{
			Email:        email,
			RefreshToken: "rt-" + email,
			CreatedAt:    now.Add(time.Duration(i) * time.Millisecond),
		}))
	}

	cfg := &config.Config{}
	e := New(p, tokens, nil, http.DefaultClient, metrics.New(), cfg)
	return &testEngine{engine: e, pool: p}
}

func withOverriddenEndpoints(t *testing.T, urls ...string) {
	t.Helper()
	original := endpoints
	endpoints = urls
	t.Cleanup(func() { endpoints = original })
}

func TestSend_SuccessOnFirstAttempt(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, generatePath, r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"Hello back"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":3}}`))
	}))
	defer upstream.Close()
	withOverriddenEndpoints(t, upstream.URL)

	te := newTestEngine(t, "a@example.com")
	body, perr := te.engine.Send(context.Background(), "claude-sonnet-4-5-20250929", []byte(testAnthropicRequest))
	require.Nil(t, perr)

	result := gjson.ParseBytes(body)
	require.Equal(t, "text", result.Get("content.0.type").String())
	require.Equal(t, "Hello back", result.Get("content.0.text").String())
	require.EqualValues(t, 3, result.Get("usage.output_tokens").Int())
}

func TestSend_BadRequestSurfacesUpstreamMessage(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"model does not support this feature"}}`))
	}))
	defer upstream.Close()
	withOverriddenEndpoints(t, upstream.URL)

	te := newTestEngine(t, "a@example.com")
	_, perr := te.engine.Send(context.Background(), "claude-sonnet-4-5-20250929", []byte(testAnthropicRequest))
	require.NotNil(t, perr)
	require.Equal(t, proxyerr.BadRequest, perr.Kind)
	require.Equal(t, "model does not support this feature", perr.Message)
	require.Equal(t, http.StatusBadRequest, perr.HTTPStatus)
}

func TestSend_LongRateLimitSwitchesAccountThenSucceeds(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer token-rt-a@example.com" {
			w.Header().Set("Retry-After", "9999")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"quota exceeded"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"from b"}]},"finishReason":"STOP"}],"usageMetadata":{"candidatesTokenCount":1}}`))
	}))
	defer upstream.Close()
	withOverriddenEndpoints(t, upstream.URL)

	te := newTestEngine(t, "a@example.com", "b@example.com")
	body, perr := te.engine.Send(context.Background(), "claude-sonnet-4-5-20250929", []byte(testAnthropicRequest))
	require.Nil(t, perr)
	require.Equal(t, "from b", gjson.GetBytes(body, "content.0.text").String())
	require.False(t, te.pool.AllLimited("claude-sonnet-4-5-20250929"))
}

func TestSend_EmptyResponseRetriesThenSynthesizes(t *testing.T) {
	var calls int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[]},"finishReason":"STOP"}],"usageMetadata":{"candidatesTokenCount":0}}`))
	}))
	defer upstream.Close()
	withOverriddenEndpoints(t, upstream.URL)

	te := newTestEngine(t, "a@example.com")
	body, perr := te.engine.Send(context.Background(), "claude-sonnet-4-5-20250929", []byte(testAnthropicRequest))
	require.Nil(t, perr)
	require.Equal(t, 3, calls) // original + 2 backoff retries
	require.Contains(t, gjson.GetBytes(body, "content.0.text").String(), "No response after retries")
}

func TestSend_NoAccountsAvailable(t *testing.T) {
	te := newTestEngine(t)
	_, perr := te.engine.Send(context.Background(), "claude-sonnet-4-5-20250929", []byte(testAnthropicRequest))
	require.NotNil(t, perr)
	require.Equal(t, proxyerr.NoAccountsAvailable, perr.Kind)
}

func TestSend_FallbackHopCrossesModelFamily(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		model := gjson.GetBytes(mustReadBody(r), "model").String()
		if model == "claude-sonnet-4-5-20250929" {
			w.Header().Set("Retry-After", "9999")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"fallback reply"}]},"finishReason":"STOP"}],"usageMetadata":{"candidatesTokenCount":2}}`))
	}))
	defer upstream.Close()
	withOverriddenEndpoints(t, upstream.URL)

	te := newTestEngine(t, "a@example.com")
	te.engine.cfg.FallbackEnabled = true
	maxWait := 1
	te.engine.cfg.MaxWaitBeforeErrorMs = &maxWait

	body, perr := te.engine.Send(context.Background(), "claude-sonnet-4-5-20250929", []byte(testAnthropicRequest))
	require.Nil(t, perr)
	require.Equal(t, "fallback reply", gjson.GetBytes(body, "content.0.text").String())
}

func mustReadBody(r *http.Request) []byte {
	data, _ := io.ReadAll(r.Body)
	return data
}

func TestWithOverriddenEndpoints_RestoresOriginal(t *testing.T) {
	original := append([]string(nil), endpoints...)
	t.Run("override", func(t *testing.T) {
		withOverriddenEndpoints(t, "http://example.invalid")
		require.Equal(t, []string{"http://example.invalid"}, endpoints)
	})
	require.Equal(t, original, endpoints)
}
