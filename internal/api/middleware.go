// Package api wires the Dispatch Engine and Account Store to an HTTP
// surface: a gin.Engine exposing the Anthropic-compatible /v1/messages
// endpoint, a model listing, liveness/metrics probes, and a small admin
// surface for account management.
package api

import (
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/ruwiss/antigravity-claude-proxy/internal/proxyerr"
)

const requestIDHeader = "X-Request-Id"

// writeProxyError renders perr as this surface's JSON error envelope,
// setting a Retry-After header first whenever perr carries a known wait
// (populated only for QuotaExhausted, from the pool's own cooldown state).
func writeProxyError(c *gin.Context, perr *proxyerr.Error) {
	if perr.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(int(perr.RetryAfter.Round(time.Second).Seconds())))
	}
	status, body := perr.ClientResponse()
	c.Data(status, "application/json", body)
}

// requestID derives (or generates) the request's correlation id and echoes
// it back on the response, matching the convention every log line and error
// body in this surface is keyed on.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		c.Writer.Header().Set(requestIDHeader, id)
		c.Set("request_id", id)
		c.Next()
	}
}

// loggingMiddleware logs one structured line per request, keyed by the
// request id set above.
func loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		fields := log.Fields{
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"method":     c.Request.Method,
			"path":       path,
			"request_id": requestIDFrom(c),
		}
		entry := log.WithFields(fields)
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			entry.Error("request completed")
		case c.Writer.Status() >= http.StatusBadRequest:
			entry.Warn("request completed")
		default:
			entry.Info("request completed")
		}
	}
}

// recoveryMiddleware converts a panic into the same 500 proxyerr envelope
// every other internal failure on this surface returns, instead of gin's
// bare connection reset.
func recoveryMiddleware() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		log.WithFields(log.Fields{
			"panic":      recovered,
			"stack":      string(debug.Stack()),
			"path":       c.Request.URL.Path,
			"request_id": requestIDFrom(c),
		}).Error("recovered from panic")

		perr := proxyerr.New(proxyerr.UpstreamServerError, "internal server error", nil)
		_, body := perr.ClientResponse()
		c.Data(http.StatusInternalServerError, "application/json", body)
		c.Abort()
	})
}

// authMiddleware rejects requests that do not present the configured shared
// token as a bearer credential. An empty token disables auth entirely,
// matching the teacher's "legacy" allow-all posture when unconfigured.
func authMiddleware(sharedToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if sharedToken == "" {
			c.Next()
			return
		}

		provided := strings.TrimSpace(c.GetHeader("Authorization"))
		if strings.HasPrefix(strings.ToLower(provided), "bearer ") {
			provided = strings.TrimSpace(provided[len("bearer "):])
		}
		if provided == "" {
			provided = strings.TrimSpace(c.GetHeader("X-Api-Key"))
		}

		if provided != sharedToken {
			perr := proxyerr.New(proxyerr.AuthInvalid, "missing or invalid bearer token", nil)
			writeProxyError(c, perr)
			c.Abort()
			return
		}
		c.Next()
	}
}

func requestIDFrom(c *gin.Context) string {
	if v, ok := c.Get("request_id"); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
