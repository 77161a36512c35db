// Package builder assembles the outbound Cloud Code request: the codec-
// translated JSON envelope plus the header set and identifiers the dispatch
// engine attaches to every attempt.
package builder

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/ruwiss/antigravity-claude-proxy/internal/codec"
	"github.com/ruwiss/antigravity-claude-proxy/internal/sigcache"
)

// identityPreamble is the fixed assistant-identity block every outbound
// systemInstruction carries ahead of any caller-supplied system text.
const identityPreamble = "You are Antigravity, a powerful agentic AI coding assistant. You are pair " +
	"programming with a USER to solve their coding task. The task may require " +
	"creating a new codebase, modifying or debugging an existing codebase, or " +
	"simply answering a question.\n\n" +
	"Tool-calling rules: only call a tool when it is necessary to make progress; " +
	"never call a tool whose result you already have; never fabricate a tool " +
	"result.\n\n" +
	"Web-application guidance: prefer accessible, responsive markup and avoid " +
	"introducing a framework the project does not already use.\n\n" +
	"Communication style: be concise, technical, and direct. Do not pad answers " +
	"with unnecessary caveats or restate the user's request back to them."

const (
	userAgent       = "antigravity/1.11.5 linux/amd64"
	xGoogAPIClient  = "gl-node/22.17.0"
	clientMetadata  = "ideType=IDE_UNSPECIFIED,platform=PLATFORM_UNSPECIFIED,pluginType=GEMINI"
	interleavedBeta = "interleaved-thinking-2025-05-14"
)

// Built is one upstream attempt's ready-to-send envelope.
type Built struct {
	Body      []byte
	Headers   http.Header
	SessionID string
	RequestID string
}

// Build translates anthropicJSON for modelName and wraps it with the header
// set, session id, and per-attempt request id an upstream call to
// accessToken (on behalf of accountEmail) requires. sigCache may be nil.
// maxOutputTokens caps generationConfig.maxOutputTokens for non-Claude
// models; <= 0 leaves any caller-supplied max_tokens untouched.
func Build(modelName string, anthropicJSON []byte, accountEmail, accessToken string, sigCache *sigcache.Cache, maxOutputTokens int) *Built {
	sessionID := DeriveSessionID(anthropicJSON, accountEmail)

	body := codec.TranslateRequest(modelName, anthropicJSON, sessionID, sigCache, maxOutputTokens)
	body = prependIdentityPreamble(body)

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("Authorization", "Bearer "+accessToken)
	headers.Set("User-Agent", userAgent)
	headers.Set("X-Goog-Api-Client", xGoogAPIClient)
	headers.Set("Client-Metadata", clientMetadata)
	headers.Set("Accept", "application/json")
	if codec.ModelSupportsThinking(modelName) && strings.Contains(modelName, "claude") {
		headers.Set("anthropic-beta", interleavedBeta)
	}

	return &Built{
		Body:      body,
		Headers:   headers,
		SessionID: sessionID,
		RequestID: "agent-" + uuid.NewString(),
	}
}

// BuildStreaming is Build with the Accept header set for an SSE upstream
// call instead of a one-shot JSON call.
func BuildStreaming(modelName string, anthropicJSON []byte, accountEmail, accessToken string, sigCache *sigcache.Cache, maxOutputTokens int) *Built {
	built := Build(modelName, anthropicJSON, accountEmail, accessToken, sigCache, maxOutputTokens)
	built.Headers.Set("Accept", "text/event-stream")
	return built
}

// DeriveSessionID extends codec.DeriveSessionID with the account-email
// disambiguator the Design Notes call for: two distinct conversations that
// both open with an empty (or missing) first user turn must not collapse
// onto the same sticky key and thinking-signature cache entries once they
// are dispatched to different accounts.
func DeriveSessionID(anthropicJSON []byte, accountEmail string) string {
	if id := codec.DeriveSessionID(anthropicJSON); id != "" {
		return id
	}
	if accountEmail == "" {
		return ""
	}
	sum := sha256.Sum256([]byte("empty-first-turn:" + accountEmail))
	return hex.EncodeToString(sum[:])[:32]
}

// prependIdentityPreamble splices the fixed identity block ahead of whatever
// system text the codec already placed in systemInstruction.parts[0].text,
// creating the part if the request carried no caller system text at all.
func prependIdentityPreamble(body []byte) []byte {
	out := string(body)
	existing := gjson.Get(out, "request.systemInstruction.parts.0.text").String()

	text := identityPreamble
	if existing != "" {
		text = identityPreamble + "\n\n" + existing
	}

	out, _ = sjson.Set(out, "request.systemInstruction.role", "user")
	out, _ = sjson.Set(out, "request.systemInstruction.parts.0.text", text)
	return []byte(out)
}
