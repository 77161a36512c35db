package codec

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/ruwiss/antigravity-claude-proxy/internal/sigcache"
)

// sessionIDHashLen is how many hex characters of the SHA-256 digest are kept
// as the session id.
const sessionIDHashLen = 32

// DeriveSessionID derives a stable conversation identifier from the first
// user-role message in an Anthropic request body. Two requests that open the
// same conversation (same first user turn) hash to the same id, which is
// what keeps a conversation sticky to one account and keeps its thinking
// signatures addressable across turns. Returns "" if the request carries no
// user message to hash.
func DeriveSessionID(requestJSON []byte) string {
	messages := gjson.GetBytes(requestJSON, "messages")
	if !messages.IsArray() {
		return ""
	}
	for _, message := range messages.Array() {
		if message.Get("role").String() != "user" {
			continue
		}
		text := firstMessageText(message.Get("content"))
		if text == "" {
			return ""
		}
		sum := sha256.Sum256([]byte(text))
		return hex.EncodeToString(sum[:])[:sessionIDHashLen]
	}
	return ""
}

func firstMessageText(content gjson.Result) string {
	switch {
	case content.Type == gjson.String:
		return content.String()
	case content.IsArray():
		for _, block := range content.Array() {
			if block.Get("type").String() == "text" {
				if text := block.Get("text").String(); text != "" {
					return text
				}
			}
		}
	}
	return ""
}

// finishReasonToStopReason maps a Cloud Code finishReason to an Anthropic
// stop_reason.
func finishReasonToStopReason(reason string) string {
	switch reason {
	case "STOP":
		return "end_turn"
	case "MAX_TOKENS":
		return "max_tokens"
	case "SAFETY", "RECITATION", "LANGUAGE", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return "stop_sequence"
	case "MALFORMED_FUNCTION_CALL":
		return "tool_use"
	default:
		return "end_turn"
	}
}

// TranslateResponse converts a complete (non-streaming) Cloud Code response
// envelope into an Anthropic Messages API response. sessionID and sigCache
// may be empty/nil; when present, any thoughtSignature part observed is
// cached against the accumulated thinking text it terminates so the request
// codec can replay it on the conversation's next turn.
func TranslateResponse(modelName string, requestJSON, googleResponseJSON []byte, sessionID string, sigCache *sigcache.Cache) ([]byte, error) {
	prefix := "response."
	root := gjson.GetBytes(googleResponseJSON, "response")
	if !root.Exists() {
		prefix = ""
		root = gjson.ParseBytes(googleResponseJSON)
	}

	candidate := root.Get("candidates.0")
	if !candidate.Exists() {
		return nil, fmt.Errorf("codec: no candidates in response")
	}

	out := `{"type":"message","role":"assistant","content":[]}`
	out, _ = setString(out, "model", modelName)
	out, _ = setString(out, "id", "msg_"+uuid.NewString())

	content := translateCandidateContent(candidate, sessionID, sigCache)
	out, _ = setRaw(out, "content", content)

	if finish := candidate.Get("finishReason"); finish.Exists() {
		stopReason := finishReasonToStopReason(finish.String())
		if stopReason == "end_turn" && gjson.Get(content, `#(type=="tool_use")`).Exists() {
			stopReason = "tool_use"
		}
		out, _ = setString(out, "stop_reason", stopReason)
	}

	var inputTokens, outputTokens int
	if promptTokens := gjson.GetBytes(googleResponseJSON, prefix+"usageMetadata.promptTokenCount"); promptTokens.Exists() {
		inputTokens = int(promptTokens.Int())
	}
	if outTokens := gjson.GetBytes(googleResponseJSON, prefix+"usageMetadata.candidatesTokenCount"); outTokens.Exists() {
		outputTokens = int(outTokens.Int())
	}
	out, _ = setInt(out, "usage.input_tokens", inputTokens)
	out, _ = setInt(out, "usage.output_tokens", outputTokens)

	return []byte(out), nil
}

// translateCandidateContent walks a candidate's parts and builds the
// Anthropic content-block array, accumulating contiguous thinking text across
// parts and caching its signature once observed.
func translateCandidateContent(candidate gjson.Result, sessionID string, sigCache *sigcache.Cache) string {
	content := "[]"
	var thinkingText strings.Builder

	parts := candidate.Get("content.parts")
	if !parts.IsArray() {
		return content
	}

	textRun := false
	for _, part := range parts.Array() {
		if part.Get("thought").Bool() {
			textRun = false
			if text := part.Get("text").String(); text != "" {
				thinkingText.WriteString(text)
			}
			if sig := part.Get("thoughtSignature").String(); sig != "" {
				accumulated := thinkingText.String()
				if sigCache != nil && sessionID != "" {
					sigCache.Put(sessionID, accumulated, sig)
				}
				block := `{"type":"thinking"}`
				block, _ = setString(block, "thinking", accumulated)
				block, _ = setString(block, "signature", sig)
				content, _ = appendRaw(content, block)
				thinkingText.Reset()
			}
			continue
		}

		if text := part.Get("text").String(); text != "" {
			if textRun {
				last := fmt.Sprintf("%d.text", gjson.Get(content, "#").Int()-1)
				content, _ = setString(content, last, gjson.Get(content, last).String()+text)
				continue
			}
			block := `{"type":"text"}`
			block, _ = setString(block, "text", text)
			content, _ = appendRaw(content, block)
			textRun = true
			continue
		}
		textRun = false

		if fc := part.Get("functionCall"); fc.Exists() {
			id := fc.Get("id").String()
			if id == "" {
				id = "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")
			}
			block := `{"type":"tool_use"}`
			block, _ = setString(block, "id", id)
			block, _ = setString(block, "name", fc.Get("name").String())
			block, _ = setRaw(block, "input", orEmptyObject(fc.Get("args").Raw))
			content, _ = appendRaw(content, block)
		}
	}

	if content == "[]" {
		block := `{"type":"text"}`
		block, _ = setString(block, "text", "")
		content, _ = appendRaw(content, block)
	}

	return content
}

func orEmptyObject(raw string) string {
	if raw == "" {
		return "{}"
	}
	return raw
}
