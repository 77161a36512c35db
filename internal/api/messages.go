package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/ruwiss/antigravity-claude-proxy/internal/proxyerr"
)

// postMessages decodes the Anthropic request envelope just far enough to
// dispatch it — via gjson, not a full struct unmarshal, matching the
// codec's own idiom of reading only the fields a given step needs — and
// either returns the complete JSON response or drives an SSE stream.
func (s *Server) postMessages(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeProxyError(c, proxyerr.New(proxyerr.BadRequest, "failed to read request body", err))
		return
	}

	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		writeProxyError(c, proxyerr.New(proxyerr.BadRequest, "request is missing required field \"model\"", nil))
		return
	}

	if gjson.GetBytes(body, "stream").Bool() {
		s.streamMessage(c, model, body)
		return
	}

	respBody, perr := s.dispatch.Send(c.Request.Context(), model, body)
	if perr != nil {
		writeProxyError(c, perr)
		return
	}
	c.Data(http.StatusOK, "application/json", respBody)
}

func (s *Server) streamMessage(c *gin.Context, model string, body []byte) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	perr := s.dispatch.SendStream(c.Request.Context(), model, body, c.Writer)
	if perr != nil && !c.Writer.Written() {
		writeProxyError(c, perr)
	}
}
