// Package dispatch implements the attempt loop that turns one translated
// request into a completed upstream call: it owns account acquisition from
// the pool, token/project resolution, the per-endpoint retry decision tree,
// and the cross-family fallback-model hop.
package dispatch

import (
	"context"
	"net/http"
	"time"

	"github.com/ruwiss/antigravity-claude-proxy/internal/builder"
	"github.com/ruwiss/antigravity-claude-proxy/internal/codec"
	"github.com/ruwiss/antigravity-claude-proxy/internal/config"
	"github.com/ruwiss/antigravity-claude-proxy/internal/metrics"
	"github.com/ruwiss/antigravity-claude-proxy/internal/pool"
	"github.com/ruwiss/antigravity-claude-proxy/internal/proxyerr"
	"github.com/ruwiss/antigravity-claude-proxy/internal/registry"
	"github.com/ruwiss/antigravity-claude-proxy/internal/sigcache"
	"github.com/ruwiss/antigravity-claude-proxy/internal/tokencache"
)

const (
	endpointDaily = "https://daily-cloudcode-pa.googleapis.com"
	endpointProd  = "https://cloudcode-pa.googleapis.com"

	generatePath = "/v1internal:generateContent"
	streamPath   = "/v1internal:streamGenerateContent"

	networkErrorCooldown    = 1 * time.Second
	serverErrorCooldown     = 1 * time.Second
	shortRateLimitThreshold = 10 * time.Second
)

// endpoints is the ordered fallback list every attempt works through: the
// daily channel first, then production.
var endpoints = []string{endpointDaily, endpointProd}

// Engine is the Dispatch Engine.
type Engine struct {
	pool       *pool.Pool
	tokens     *tokencache.Cache
	sigCache   *sigcache.Cache
	httpClient *http.Client
	metrics    *metrics.Metrics
	cfg        *config.Config
}

// New builds an Engine wired to its collaborators. cfg must not be nil;
// metrics may be nil, in which case recording calls are skipped.
func New(p *pool.Pool, tokens *tokencache.Cache, sigCache *sigcache.Cache, httpClient *http.Client, m *metrics.Metrics, cfg *config.Config) *Engine {
	return &Engine{pool: p, tokens: tokens, sigCache: sigCache, httpClient: httpClient, metrics: m, cfg: cfg}
}

// SetEndpoints overrides the ordered endpoint fallback list this Engine
// dispatches against. Exposed so callers outside this package (the HTTP
// surface's own tests) can point an Engine at a local fake without a
// package-level test seam.
func SetEndpoints(urls []string) (restore func()) {
	original := endpoints
	endpoints = urls
	return func() { endpoints = original }
}

func (e *Engine) recordAttempt(model, outcome string) {
	if e.metrics != nil {
		e.metrics.RecordDispatchAttempt(model, outcome)
	}
}

func (e *Engine) recordRetry(model, reason string) {
	if e.metrics != nil {
		e.metrics.RecordRetry(model, reason)
	}
}

func (e *Engine) recordEmptyResponse(model string) {
	if e.metrics != nil {
		e.metrics.RecordEmptyResponse(model)
	}
}

// attemptBound is N = max(fixedMaxRetries, poolSize+1).
func (e *Engine) attemptBound() int {
	bound := e.cfg.GetMaxRetries()
	if poolCeil := e.pool.TotalCount() + 1; poolCeil > bound {
		bound = poolCeil
	}
	return bound
}

// acquireOutcome classifies what acquireAccount decided for this attempt.
type acquireOutcome int

const (
	acquireReady acquireOutcome = iota
	// acquireRetry means the caller slept out a cooldown and should simply
	// continue the attempt loop with no account in hand yet.
	acquireRetry
	acquireFallback
	acquireFailed
)

// acquireAccount picks the account this attempt dispatches against, or
// tells the caller to wait, hop to a fallback model, or give up.
func (e *Engine) acquireAccount(ctx context.Context, model string) (*pool.Account, acquireOutcome, *proxyerr.Error) {
	if len(e.pool.AvailableFor(model)) > 0 {
		if acc := e.pool.Sticky(model); acc != nil {
			return acc, acquireReady, nil
		}
		return e.pool.PickNext(model), acquireReady, nil
	}

	if e.pool.TotalCount() == 0 {
		return nil, acquireFailed, proxyerr.New(proxyerr.NoAccountsAvailable, "no accounts registered for "+model, nil)
	}

	waitMs := e.pool.MinWaitMs(model)
	if waitMs > int64(e.cfg.GetMaxWaitBeforeErrorMs()) {
		return nil, acquireFallback, nil
	}
	if err := sleepCtx(ctx, time.Duration(waitMs+500)*time.Millisecond); err != nil {
		return nil, acquireFailed, proxyerr.New(proxyerr.NetworkError, "canceled while waiting on account cooldown", err)
	}
	return nil, acquireRetry, nil
}

// fallbackModelOrErr resolves the cross-family hop target for model, or an
// error if the hop isn't available this time. waitMs is the pool's own
// minimum-wait estimate for model, attached to a QuotaExhausted error as a
// Retry-After hint since it is the one point where that wait is known.
func (e *Engine) fallbackModelOrErr(model string, fallbackAllowed bool, waitMs int64) (string, *proxyerr.Error) {
	retryAfter := time.Duration(waitMs) * time.Millisecond
	if !fallbackAllowed || !e.cfg.FallbackEnabled {
		return "", proxyerr.New(proxyerr.QuotaExhausted, "account pool exhausted for "+model, nil).WithRetryAfter(retryAfter)
	}
	fb := registry.FallbackModel(model)
	if fb == "" {
		return "", proxyerr.New(proxyerr.QuotaExhausted, "account pool exhausted for "+model+" and no fallback model is defined", nil).WithRetryAfter(retryAfter)
	}
	return fb, nil
}

// resolveCredentials fetches a fresh access token and GCP project id for
// account, bubbling failures up as AuthInvalid so the attempt loop moves on.
func (e *Engine) resolveCredentials(ctx context.Context, account *pool.Account) (token, project string, perr *proxyerr.Error) {
	cred := tokencache.AccountCredential{
		Email:        account.Email,
		RefreshToken: account.RefreshToken,
		ClientID:     account.ClientID,
		ClientSecret: account.ClientSecret,
	}
	token, err := e.tokens.TokenFor(ctx, cred)
	if err != nil {
		return "", "", proxyerr.New(proxyerr.AuthInvalid, "access token refresh failed for "+account.Email, err)
	}
	project, err = e.tokens.ProjectFor(ctx, account.Email, token)
	if err != nil {
		return "", "", proxyerr.New(proxyerr.AuthInvalid, "project discovery failed for "+account.Email, err)
	}
	return token, project, nil
}

// Send performs a one-shot, non-streaming dispatch for model and returns the
// complete Anthropic-shaped response body.
func (e *Engine) Send(ctx context.Context, model string, anthropicJSON []byte) ([]byte, *proxyerr.Error) {
	return e.send(ctx, model, anthropicJSON, true)
}

func (e *Engine) send(ctx context.Context, model string, anthropicJSON []byte, fallbackAllowed bool) ([]byte, *proxyerr.Error) {
	for attempt := 0; attempt < e.attemptBound(); attempt++ {
		e.pool.ClearExpired()

		account, outcome, perr := e.acquireAccount(ctx, model)
		switch outcome {
		case acquireRetry:
			continue
		case acquireFailed:
			return nil, perr
		case acquireFallback:
			fb, ferr := e.fallbackModelOrErr(model, fallbackAllowed, e.pool.MinWaitMs(model))
			if ferr != nil {
				return nil, ferr
			}
			return e.send(ctx, fb, anthropicJSON, false)
		}

		token, project, perr := e.resolveCredentials(ctx, account)
		if perr != nil {
			e.recordRetry(model, "auth_invalid")
			continue
		}

		built := builder.Build(model, anthropicJSON, account.Email, token, e.sigCache, e.cfg.GetGeminiMaxOutputTokens())
		payload := injectProject(built.Body, project)

		googleBody, synthetic, perr := e.runEndpoints(ctx, model, account, built.Headers, payload)
		if perr != nil {
			return nil, perr
		}
		if googleBody == nil {
			continue
		}
		if synthetic {
			return googleBody, nil
		}

		anthropicBody, err := codec.TranslateResponse(model, anthropicJSON, googleBody, built.SessionID, e.sigCache)
		if err != nil {
			return nil, proxyerr.New(proxyerr.UpstreamServerError, "translate upstream response", err)
		}
		return anthropicBody, nil
	}

	return nil, proxyerr.New(proxyerr.MaxRetriesExceeded, "dispatch attempts exhausted for "+model, nil)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
