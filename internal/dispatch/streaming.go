package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"

	"github.com/ruwiss/antigravity-claude-proxy/internal/builder"
	"github.com/ruwiss/antigravity-claude-proxy/internal/codec"
	"github.com/ruwiss/antigravity-claude-proxy/internal/httpclient"
	"github.com/ruwiss/antigravity-claude-proxy/internal/pool"
	"github.com/ruwiss/antigravity-claude-proxy/internal/proxyerr"
	"github.com/ruwiss/antigravity-claude-proxy/internal/stream"
)

// flusher lets SendStream push each event to the client as it's produced
// when the caller's io.Writer supports it (e.g. gin's response writer).
type flusher interface{ Flush() }

func flush(w io.Writer) {
	if f, ok := w.(flusher); ok {
		f.Flush()
	}
}

// SendStream performs a streaming dispatch for model, writing canonical
// Anthropic SSE events to w as they are produced. Once the first event has
// reached w, no further retry is attempted for this request; only natural
// completion or a terminal error event follow.
func (e *Engine) SendStream(ctx context.Context, model string, anthropicJSON []byte, w io.Writer) *proxyerr.Error {
	return e.sendStream(ctx, model, anthropicJSON, w, true)
}

func (e *Engine) sendStream(ctx context.Context, model string, anthropicJSON []byte, w io.Writer, fallbackAllowed bool) *proxyerr.Error {
	for attempt := 0; attempt < e.attemptBound(); attempt++ {
		e.pool.ClearExpired()

		account, outcome, perr := e.acquireAccount(ctx, model)
		switch outcome {
		case acquireRetry:
			continue
		case acquireFailed:
			return perr
		case acquireFallback:
			fb, ferr := e.fallbackModelOrErr(model, fallbackAllowed, e.pool.MinWaitMs(model))
			if ferr != nil {
				return ferr
			}
			return e.sendStream(ctx, fb, anthropicJSON, w, false)
		}

		token, project, perr := e.resolveCredentials(ctx, account)
		if perr != nil {
			e.recordRetry(model, "auth_invalid")
			continue
		}

		built := builder.BuildStreaming(model, anthropicJSON, account.Email, token, e.sigCache, e.cfg.GetGeminiMaxOutputTokens())
		payload := injectProject(built.Body, project)

		emitted, perr := e.runEndpointsStream(ctx, model, account, built, payload, anthropicJSON, w)
		if perr != nil {
			return perr
		}
		if emitted {
			return nil
		}
	}

	return proxyerr.New(proxyerr.MaxRetriesExceeded, "dispatch attempts exhausted for "+model, nil)
}

// streamOpenResult is the outcome of opening one streaming endpoint call.
// resp (with Body left open and already decompression-wrapped) is set only
// when kind == "success"; the caller is responsible for closing it.
type streamOpenResult struct {
	kind       string
	resp       *http.Response
	statusCode int
	retryAfter time.Duration
	errBody    []byte
}

func (e *Engine) openStream(ctx context.Context, base string, headers http.Header, payload []byte) streamOpenResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+streamPath+"?alt=sse", bytes.NewReader(payload))
	if err != nil {
		return streamOpenResult{kind: "networkError"}
	}
	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return streamOpenResult{kind: "networkError"}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		decoded, derr := httpclient.DecodeResponseBody(resp.Body, resp.Header.Get("Content-Encoding"))
		if derr != nil {
			resp.Body.Close()
			return streamOpenResult{kind: "networkError"}
		}
		resp.Body = decoded
		return streamOpenResult{kind: "success", resp: resp, statusCode: resp.StatusCode}
	}

	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	classified := classifyResponse(e.cfg.GetDefaultCooldownMs(), resp.StatusCode, resp.Header, data)
	return streamOpenResult{kind: classified.kind, statusCode: classified.statusCode, retryAfter: classified.retryAfter, errBody: data}
}

// runEndpointsStream is runEndpoints' streaming counterpart: it drives each
// 2xx response through the SSE adapter and honors the no-retry-after-first-
// byte guarantee.
func (e *Engine) runEndpointsStream(ctx context.Context, model string, account *pool.Account, built *builder.Built, payload, anthropicJSON []byte, w io.Writer) (emitted bool, perr *proxyerr.Error) {
	for _, base := range endpoints {
		result := e.openStream(ctx, base, built.Headers, payload)

		if result.kind == "shortRateLimit" {
			if err := sleepCtx(ctx, result.retryAfter); err != nil {
				return false, proxyerr.New(proxyerr.NetworkError, "canceled waiting out short rate limit", err)
			}
			result = e.openStream(ctx, base, built.Headers, payload)
			if result.kind == "shortRateLimit" {
				result.kind = "longRateLimit"
			}
		}

		switch result.kind {
		case "success":
			return e.driveStream(ctx, model, base, built, payload, anthropicJSON, result.resp, w)
		case "authInvalid":
			e.tokens.InvalidateToken(account.Email)
			e.tokens.InvalidateProject(account.Email)
			e.recordRetry(model, "auth_invalid")
			continue
		case "longRateLimit":
			e.pool.MarkLimited(account.Email, result.retryAfter.Milliseconds(), model)
			e.recordRetry(model, "rate_limited")
			return false, nil
		case "serverError":
			e.recordRetry(model, "server_error")
			if err := sleepCtx(ctx, serverErrorCooldown); err != nil {
				return false, proxyerr.New(proxyerr.NetworkError, "canceled during server-error backoff", err)
			}
			continue
		case "networkError":
			e.recordRetry(model, "network_error")
			if err := sleepCtx(ctx, networkErrorCooldown); err != nil {
				return false, proxyerr.New(proxyerr.NetworkError, "canceled during network-error backoff", err)
			}
			e.pool.PickNext(model)
			return false, nil
		case "badRequest":
			return false, badRequestError(result.statusCode, result.errBody)
		}
	}
	return false, nil
}

// driveStream feeds one successful streaming response through the codec
// adapter and applies the empty-response retry policy.
func (e *Engine) driveStream(ctx context.Context, model, base string, built *builder.Built, payload, anthropicJSON []byte, resp *http.Response, w io.Writer) (emitted bool, perr *proxyerr.Error) {
	state := codec.NewStreamState(model, anthropicJSON, e.sigCache)
	driveErr := stream.Drive(resp.Body, w, state)
	resp.Body.Close()

	if driveErr != nil {
		if state.HasEmittedBytes() {
			_, _ = w.Write(state.Abort())
			flush(w)
			return true, nil
		}
		e.recordRetry(model, "network_error")
		return false, nil
	}

	if state.IsEmptyResponse() {
		if e.retryEmptyStream(ctx, base, built, payload, anthropicJSON, model, w) {
			return true, nil
		}
		e.recordEmptyResponse(model)
		writeSyntheticStream(w, model)
		return true, nil
	}

	_, _ = w.Write(state.Finish())
	flush(w)
	e.recordAttempt(model, "success")
	return true, nil
}

// retryEmptyStream retries the same endpoint up to twice (500ms, 1s
// backoff) when a stream completed with no content, as required before a
// synthetic reply is substituted.
func (e *Engine) retryEmptyStream(ctx context.Context, base string, built *builder.Built, payload, anthropicJSON []byte, model string, w io.Writer) bool {
	for _, backoff := range []time.Duration{500 * time.Millisecond, 1000 * time.Millisecond} {
		if err := sleepCtx(ctx, backoff); err != nil {
			return false
		}
		result := e.openStream(ctx, base, built.Headers, payload)
		if result.kind != "success" {
			continue
		}

		state := codec.NewStreamState(model, anthropicJSON, e.sigCache)
		driveErr := stream.Drive(result.resp.Body, w, state)
		result.resp.Body.Close()

		if driveErr == nil && !state.IsEmptyResponse() {
			_, _ = w.Write(state.Finish())
			flush(w)
			e.recordAttempt(model, "success")
			return true
		}
		if state.HasEmittedBytes() {
			_, _ = w.Write(state.Abort())
			flush(w)
			return true
		}
	}
	return false
}

// writeSyntheticStream emits the canned empty-response reply as a complete
// SSE event sequence, used only when nothing has been written to w yet.
func writeSyntheticStream(w io.Writer, model string) {
	start := `{"type":"message_start","message":{"type":"message","role":"assistant","content":[],"stop_reason":null,"stop_sequence":null}}`
	start, _ = sjson.Set(start, "message.id", "msg_"+uuid.NewString())
	start, _ = sjson.Set(start, "message.model", model)
	start, _ = sjson.Set(start, "message.usage.input_tokens", 0)
	start, _ = sjson.Set(start, "message.usage.output_tokens", 0)
	_, _ = w.Write(sseEvent("message_start", start))

	_, _ = w.Write(sseEvent("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`))

	delta := `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":""}}`
	delta, _ = sjson.Set(delta, "delta.text", "[No response after retries - please try again]")
	_, _ = w.Write(sseEvent("content_block_delta", delta))

	_, _ = w.Write(sseEvent("content_block_stop", `{"type":"content_block_stop","index":0}`))
	_, _ = w.Write(sseEvent("message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":0}}`))
	_, _ = w.Write(sseEvent("message_stop", `{"type":"message_stop"}`))
	flush(w)
}

func sseEvent(eventType, data string) []byte {
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data))
}
