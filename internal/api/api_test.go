package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"github.com/ruwiss/antigravity-claude-proxy/internal/accountstore"
	"github.com/ruwiss/antigravity-claude-proxy/internal/config"
	"github.com/ruwiss/antigravity-claude-proxy/internal/dispatch"
	"github.com/ruwiss/antigravity-claude-proxy/internal/metrics"
	"github.com/ruwiss/antigravity-claude-proxy/internal/pool"
	"github.com/ruwiss/antigravity-claude-proxy/internal/tokencache"
)

const testAnthropicBody = `{"model":"claude-sonnet-4-5-20250929","messages":[{"role":"user","content":[{"type":"text","text":"Hi"}]}]}`

// newTestServer wires a Server against a fake Google Cloud Code stack, the
// same way the dispatch engine's own tests do, plus an on-disk Account
// Store rooted in a scratch directory.
func newTestServer(t *testing.T, sharedToken string) *Server {
	t.Helper()

	oauthSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "token_type": "Bearer", "expires_in": 3600})
	}))
	t.Cleanup(oauthSrv.Close)

	projectSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"cloudaicompanionProject": "proj-test"})
	}))
	t.Cleanup(projectSrv.Close)

	oauthCfg := &oauth2.Config{Endpoint: oauth2.Endpoint{TokenURL: oauthSrv.URL}}
	tokens := tokencache.New(oauthCfg, oauthSrv.Client())
	tokens.SetEndpoint(projectSrv.URL)

	p := pool.New(0)
	require.NoError(t, p.Add(&pool.Account{Email: "a@example.com", RefreshToken: "rt-a", CreatedAt: time.Now()}))

	cfg := &config.Config{SharedToken: sharedToken}
	dispatchEngine := dispatch.New(p, tokens, nil, http.DefaultClient, metrics.New(), cfg)

	store := accountstore.New(filepath.Join(t.TempDir(), "accounts.json"), p)

	return New(cfg, dispatchEngine, p, store, metrics.New())
}

func TestPostMessages_MissingAuthRejected(t *testing.T) {
	s := newTestServer(t, "secret")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	s.Engine().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPostMessages_SuccessNonStreaming(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"hello"}]},"finishReason":"STOP"}],"usageMetadata":{"candidatesTokenCount":1}}`))
	}))
	defer upstream.Close()
	restore := dispatch.SetEndpoints([]string{upstream.URL})
	defer restore()

	s := newTestServer(t, "")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(testAnthropicBody))
	s.Engine().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "hello", gjson.GetBytes(rec.Body.Bytes(), "content.0.text").String())
}

func TestPostMessages_MissingModelRejected(t *testing.T) {
	s := newTestServer(t, "")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"messages":[]}`))
	s.Engine().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetModels_ReturnsClaudeCatalog(t *testing.T) {
	s := newTestServer(t, "")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	s.Engine().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, gjson.GetBytes(rec.Body.Bytes(), "data").Array())
}

func TestGetHealthz_ReportsPoolSize(t *testing.T) {
	s := newTestServer(t, "")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.Engine().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 1, gjson.GetBytes(rec.Body.Bytes(), "pool_size").Int())
}

func TestAdminAccounts_AddListRemove(t *testing.T) {
	s := newTestServer(t, "secret")

	addReq := httptest.NewRequest(http.MethodPost, "/admin/accounts", strings.NewReader(`{"email":"b@example.com","refresh_token":"rt-b"}`))
	addReq.Header.Set("Authorization", "Bearer secret")
	addReq.Header.Set("Content-Type", "application/json")
	addRec := httptest.NewRecorder()
	s.Engine().ServeHTTP(addRec, addReq)
	require.Equal(t, http.StatusCreated, addRec.Code)

	listReq := httptest.NewRequest(http.MethodGet, "/admin/accounts", nil)
	listReq.Header.Set("Authorization", "Bearer secret")
	listRec := httptest.NewRecorder()
	s.Engine().ServeHTTP(listRec, listReq)
	require.Equal(t, http.StatusOK, listRec.Code)
	require.Len(t, gjson.GetBytes(listRec.Body.Bytes(), "accounts").Array(), 2)

	delReq := httptest.NewRequest(http.MethodDelete, "/admin/accounts?email=b@example.com", nil)
	delReq.Header.Set("Authorization", "Bearer secret")
	delRec := httptest.NewRecorder()
	s.Engine().ServeHTTP(delRec, delReq)
	require.Equal(t, http.StatusNoContent, delRec.Code)
}

func TestAdminAccounts_RejectsWithoutToken(t *testing.T) {
	s := newTestServer(t, "secret")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/accounts", nil)
	s.Engine().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
