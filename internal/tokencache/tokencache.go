// Package tokencache memoizes per-account OAuth access tokens and GCP
// project ids, refreshing each only when its cached value has actually
// expired (or been invalidated after a 401) rather than on every dispatch.
package tokencache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// refreshSkew is the minimum remaining lifetime a cached token must have to
// be reused without a refresh round-trip.
const refreshSkew = 60 * time.Second

const (
	cloudCodeEndpoint = "https://cloudcode-pa.googleapis.com"
	cloudCodeVersion  = "v1internal"
	cloudCodeUA       = "google-api-nodejs-client/9.15.1"
	cloudCodeAPIClient = "google-cloud-sdk vscode_cloudshelleditor/0.1"
	cloudCodeMetadata  = `{"ideType":"IDE_UNSPECIFIED","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI"}`
)

// tokenEntry is the cached (access_token, expiry) pair for one account.
type tokenEntry struct {
	accessToken string
	expiry      time.Time
}

// Cache memoizes access tokens and project ids per account email. Concurrent
// first-request project discoveries for the same email are collapsed via
// singleflight so only one upstream call is issued per burst.
type Cache struct {
	oauthConfig *oauth2.Config
	httpClient  *http.Client
	endpoint    string // cloudCodeEndpoint, overridable in tests

	mu       sync.Mutex
	tokens   map[string]tokenEntry
	projects map[string]string

	sf singleflight.Group
}

// New builds a Cache that refreshes tokens against oauthConfig's token
// endpoint using httpClient. A nil httpClient selects http.DefaultClient.
func New(oauthConfig *oauth2.Config, httpClient *http.Client) *Cache {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Cache{
		oauthConfig: oauthConfig,
		httpClient:  httpClient,
		endpoint:    cloudCodeEndpoint,
		tokens:      make(map[string]tokenEntry),
		projects:    make(map[string]string),
	}
}

// AccountCredential is the minimal shape tokencache needs from an account
// record to perform a refresh.
type AccountCredential struct {
	Email        string
	RefreshToken string
	ClientID     string
	ClientSecret string
}

// TokenFor returns a valid access token for account, refreshing it against
// the OAuth token endpoint if the cached value is missing or within
// refreshSkew of expiry.
func (c *Cache) TokenFor(ctx context.Context, account AccountCredential) (string, error) {
	c.mu.Lock()
	entry, ok := c.tokens[account.Email]
	c.mu.Unlock()

	if ok && time.Until(entry.expiry) > refreshSkew {
		return entry.accessToken, nil
	}

	token, expiry, err := c.refresh(ctx, account)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.tokens[account.Email] = tokenEntry{accessToken: token, expiry: expiry}
	c.mu.Unlock()

	return token, nil
}

func (c *Cache) refresh(ctx context.Context, account AccountCredential) (string, time.Time, error) {
	cfg := *c.oauthConfig
	cfg.ClientID = account.ClientID
	cfg.ClientSecret = account.ClientSecret

	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: account.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("tokencache: refresh failed for %s: %w", account.Email, err)
	}
	return tok.AccessToken, tok.Expiry, nil
}

// SetEndpoint overrides the loadCodeAssist discovery endpoint. Exposed for
// tests and alternate Cloud Code deployments; production call sites leave
// the default in place.
func (c *Cache) SetEndpoint(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endpoint = endpoint
}

// InvalidateToken drops the cached access token for email so the next
// TokenFor call forces a refresh. Called after a 401 from the upstream.
func (c *Cache) InvalidateToken(email string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, email)
}

// ProjectFor returns the cached GCP project id for email, issuing a
// loadCodeAssist discovery call with accessToken if not yet known.
// Concurrent discoveries for the same email are collapsed into one call.
func (c *Cache) ProjectFor(ctx context.Context, email, accessToken string) (string, error) {
	c.mu.Lock()
	project, ok := c.projects[email]
	c.mu.Unlock()
	if ok {
		return project, nil
	}

	result, err, _ := c.sf.Do(email, func() (interface{}, error) {
		return c.discoverProject(ctx, accessToken)
	})
	if err != nil {
		return "", err
	}

	project = result.(string)
	c.mu.Lock()
	c.projects[email] = project
	c.mu.Unlock()
	return project, nil
}

// InvalidateProject drops the cached project id for email so the next
// ProjectFor call forces rediscovery. Called after a 401 from the upstream.
func (c *Cache) InvalidateProject(email string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.projects, email)
}

func (c *Cache) discoverProject(ctx context.Context, accessToken string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"metadata": map[string]string{
			"ideType":    "IDE_UNSPECIFIED",
			"platform":   "PLATFORM_UNSPECIFIED",
			"pluginType": "GEMINI",
		},
	})
	if err != nil {
		return "", fmt.Errorf("tokencache: marshal loadCodeAssist body: %w", err)
	}

	url := fmt.Sprintf("%s/%s:loadCodeAssist", c.endpoint, cloudCodeVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return "", fmt.Errorf("tokencache: build loadCodeAssist request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", cloudCodeUA)
	req.Header.Set("X-Goog-Api-Client", cloudCodeAPIClient)
	req.Header.Set("Client-Metadata", cloudCodeMetadata)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("tokencache: loadCodeAssist request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("tokencache: read loadCodeAssist response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("tokencache: loadCodeAssist status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("tokencache: decode loadCodeAssist response: %w", err)
	}

	project := extractProjectID(parsed)
	if project == "" {
		return "", fmt.Errorf("tokencache: no cloudaicompanionProject in loadCodeAssist response")
	}
	return project, nil
}

func extractProjectID(resp map[string]any) string {
	if id, ok := resp["cloudaicompanionProject"].(string); ok {
		return strings.TrimSpace(id)
	}
	if projectMap, ok := resp["cloudaicompanionProject"].(map[string]any); ok {
		if id, ok := projectMap["id"].(string); ok {
			return strings.TrimSpace(id)
		}
	}
	return ""
}
