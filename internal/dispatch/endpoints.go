package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/ruwiss/antigravity-claude-proxy/internal/httpclient"
	"github.com/ruwiss/antigravity-claude-proxy/internal/pool"
	"github.com/ruwiss/antigravity-claude-proxy/internal/proxyerr"
)

// endpointResult classifies one HTTP round trip against a single endpoint.
type endpointResult struct {
	kind       string // success, authInvalid, shortRateLimit, longRateLimit, serverError, networkError, badRequest
	body       []byte
	statusCode int
	retryAfter time.Duration
}

// tryEndpoint issues one request to base+path and classifies the result.
// It always consumes and closes the response body.
func (e *Engine) tryEndpoint(ctx context.Context, base, path string, headers http.Header, payload []byte) endpointResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(payload))
	if err != nil {
		return endpointResult{kind: "networkError"}
	}
	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return endpointResult{kind: "networkError"}
	}
	defer resp.Body.Close()

	decoded, err := httpclient.DecodeResponseBody(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return endpointResult{kind: "networkError"}
	}
	data, err := io.ReadAll(decoded)
	_ = decoded.Close()
	if err != nil {
		return endpointResult{kind: "networkError"}
	}

	return classifyResponse(e.cfg.GetDefaultCooldownMs(), resp.StatusCode, resp.Header, data)
}

func classifyResponse(defaultCooldownMs, statusCode int, headers http.Header, data []byte) endpointResult {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return endpointResult{kind: "success", body: data, statusCode: statusCode}
	case statusCode == http.StatusUnauthorized:
		return endpointResult{kind: "authInvalid", statusCode: statusCode}
	case statusCode == http.StatusTooManyRequests:
		wait := parseRetryAfter(statusCode, headers, data)
		d := time.Duration(defaultCooldownMs) * time.Millisecond
		if wait != nil {
			d = *wait
		}
		kind := "longRateLimit"
		if d <= shortRateLimitThreshold {
			kind = "shortRateLimit"
		}
		return endpointResult{kind: kind, statusCode: statusCode, retryAfter: d}
	case statusCode >= 500:
		return endpointResult{kind: "serverError", statusCode: statusCode}
	default:
		return endpointResult{kind: "badRequest", body: data, statusCode: statusCode}
	}
}

// parseRetryAfter extracts a 429's cooldown from the Retry-After header or
// the Google RetryInfo error detail, in that order.
func parseRetryAfter(statusCode int, headers http.Header, body []byte) *time.Duration {
	if statusCode != http.StatusTooManyRequests {
		return nil
	}
	if headers != nil {
		if val := headers.Get("Retry-After"); val != "" {
			if seconds, err := strconv.Atoi(val); err == nil && seconds > 0 {
				d := time.Duration(seconds) * time.Second
				return &d
			}
			if t, err := time.Parse(time.RFC1123, val); err == nil {
				if d := time.Until(t); d > 0 {
					return &d
				}
			}
		}
	}
	if len(body) == 0 {
		return nil
	}
	details := gjson.GetBytes(body, "error.details")
	if !details.IsArray() {
		return nil
	}
	for _, detail := range details.Array() {
		if detail.Get("@type").String() != "type.googleapis.com/google.rpc.RetryInfo" {
			continue
		}
		if raw := detail.Get("retryDelay").String(); raw != "" {
			if d, err := time.ParseDuration(raw); err == nil {
				return &d
			}
		}
	}
	return nil
}

// runEndpoints walks the endpoint list for one attempt, applying the
// 401/429/5xx/network-error decision tree. A nil, non-synthetic body with a
// nil error means "try again" — the caller re-enters the attempt loop,
// which re-acquires an account (sticky or freshly picked, per whatever this
// call already mutated in the pool).
func (e *Engine) runEndpoints(ctx context.Context, model string, account *pool.Account, headers http.Header, payload []byte) (body []byte, synthetic bool, perr *proxyerr.Error) {
	for _, base := range endpoints {
		result := e.tryEndpoint(ctx, base, generatePath, headers, payload)

		if result.kind == "shortRateLimit" {
			if err := sleepCtx(ctx, result.retryAfter); err != nil {
				return nil, false, proxyerr.New(proxyerr.NetworkError, "canceled waiting out short rate limit", err)
			}
			result = e.tryEndpoint(ctx, base, generatePath, headers, payload)
			if result.kind == "shortRateLimit" {
				result.kind = "longRateLimit"
			}
		}

		switch result.kind {
		case "success":
			return e.handleSuccess(ctx, model, base, headers, payload, result.body)
		case "authInvalid":
			e.tokens.InvalidateToken(account.Email)
			e.tokens.InvalidateProject(account.Email)
			e.recordRetry(model, "auth_invalid")
			continue
		case "longRateLimit":
			e.pool.MarkLimited(account.Email, result.retryAfter.Milliseconds(), model)
			e.recordRetry(model, "rate_limited")
			return nil, false, nil
		case "serverError":
			e.recordRetry(model, "server_error")
			if err := sleepCtx(ctx, serverErrorCooldown); err != nil {
				return nil, false, proxyerr.New(proxyerr.NetworkError, "canceled during server-error backoff", err)
			}
			continue
		case "networkError":
			e.recordRetry(model, "network_error")
			if err := sleepCtx(ctx, networkErrorCooldown); err != nil {
				return nil, false, proxyerr.New(proxyerr.NetworkError, "canceled during network-error backoff", err)
			}
			e.pool.PickNext(model)
			return nil, false, nil
		case "badRequest":
			return nil, false, badRequestError(result.statusCode, result.body)
		}
	}
	return nil, false, nil
}

// handleSuccess applies the empty-response retry policy to a 2xx body
// before handing it back to the attempt loop.
func (e *Engine) handleSuccess(ctx context.Context, model, base string, headers http.Header, payload, body []byte) (out []byte, synthetic bool, perr *proxyerr.Error) {
	if !isEmptyGoogleBody(body) {
		e.recordAttempt(model, "success")
		return body, false, nil
	}

	for _, backoff := range []time.Duration{500 * time.Millisecond, 1000 * time.Millisecond} {
		if err := sleepCtx(ctx, backoff); err != nil {
			return nil, false, proxyerr.New(proxyerr.NetworkError, "canceled during empty-response backoff", err)
		}
		retry := e.tryEndpoint(ctx, base, generatePath, headers, payload)
		if retry.kind == "success" && !isEmptyGoogleBody(retry.body) {
			e.recordAttempt(model, "success")
			return retry.body, false, nil
		}
	}

	e.recordEmptyResponse(model)
	return syntheticEmptyResponse(model), true, nil
}

func badRequestError(statusCode int, body []byte) *proxyerr.Error {
	msg := fmt.Sprintf("upstream returned %d", statusCode)
	if m := gjson.GetBytes(body, "error.message"); m.Exists() && m.String() != "" {
		msg = m.String()
	}
	return proxyerr.New(proxyerr.BadRequest, msg, nil).WithHTTPStatus(statusCode)
}

// isEmptyGoogleBody mirrors codec.StreamState.IsEmptyResponse for a
// complete (non-streamed) Cloud Code response: no text, no tool call, and
// zero output tokens.
func isEmptyGoogleBody(body []byte) bool {
	root := gjson.GetBytes(body, "response")
	if !root.Exists() {
		root = gjson.ParseBytes(body)
	}
	candidate := root.Get("candidates.0")
	if !candidate.Exists() {
		return true
	}

	hasContent := false
	if parts := candidate.Get("content.parts"); parts.IsArray() {
		for _, part := range parts.Array() {
			if part.Get("text").String() != "" || part.Get("functionCall").Exists() {
				hasContent = true
				break
			}
		}
	}
	outputTokens := root.Get("usageMetadata.candidatesTokenCount").Int()
	return !hasContent && outputTokens == 0
}

// syntheticEmptyResponse is the canned Anthropic-shaped reply returned when
// every empty-response retry still comes back empty.
func syntheticEmptyResponse(model string) []byte {
	body := `{"type":"message","role":"assistant","content":[{"type":"text","text":""}],"stop_reason":"end_turn","usage":{"input_tokens":0,"output_tokens":0}}`
	body, _ = sjson.Set(body, "content.0.text", "[No response after retries - please try again]")
	body, _ = sjson.Set(body, "model", model)
	body, _ = sjson.Set(body, "id", "msg_"+uuid.NewString())
	return []byte(body)
}

// injectProject sets the top-level "project" field the Cloud Code envelope
// carries alongside "model" and "request", once the project id is known.
func injectProject(body []byte, project string) []byte {
	if project == "" {
		return body
	}
	out, err := sjson.SetBytes(body, "project", project)
	if err != nil {
		return body
	}
	return out
}
