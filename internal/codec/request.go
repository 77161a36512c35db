// Package codec translates between the Anthropic Messages API wire format
// and the Cloud Code (Gemini) backend format, in both directions, using
// gjson/sjson field-by-field rewriting rather than a full struct round-trip.
package codec

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/ruwiss/antigravity-claude-proxy/internal/sigcache"
)

// placeholderThoughtSignature is attached to function calls emitted for a
// non-Claude model whose upstream still expects a thoughtSignature field to
// be present on every part.
const placeholderThoughtSignature = "skip_thought_signature_validator"

var defaultSafetySettings = []map[string]string{
	{"category": "HARM_CATEGORY_HARASSMENT", "threshold": "BLOCK_NONE"},
	{"category": "HARM_CATEGORY_HATE_SPEECH", "threshold": "BLOCK_NONE"},
	{"category": "HARM_CATEGORY_SEXUALLY_EXPLICIT", "threshold": "BLOCK_NONE"},
	{"category": "HARM_CATEGORY_DANGEROUS_CONTENT", "threshold": "BLOCK_NONE"},
}

// TranslateRequest converts an Anthropic Messages API request body into the
// Cloud Code backend's request envelope for modelName. The output shape is
// {"model": ..., "request": {"contents": [...], "systemInstruction": ...,
// "tools": [...], "generationConfig": {...}, "safetySettings": [...]}}.
//
// sessionID and sigCache may be empty/nil; when both are present, a thinking
// block the client replayed without a "signature" field is backfilled from a
// signature the response codec cached for that session and thinking text on
// a previous turn, instead of falling back to the placeholder signature.
//
// maxOutputTokens caps request.generationConfig.maxOutputTokens for
// non-Claude models; a value <= 0, or a Claude model, leaves the
// caller-supplied max_tokens (if any) untouched.
func TranslateRequest(modelName string, anthropicJSON []byte, sessionID string, sigCache *sigcache.Cache, maxOutputTokens int) []byte {
	out := `{"model":"","request":{"contents":[]}}`
	out, _ = sjson.Set(out, "model", modelName)

	if sysJSON, ok := translateSystem(anthropicJSON); ok {
		out, _ = sjson.SetRaw(out, "request.systemInstruction", sysJSON)
	}

	contentsJSON, hasContents := translateMessages(modelName, anthropicJSON, sessionID, sigCache)
	if hasContents {
		out, _ = sjson.SetRaw(out, "request.contents", contentsJSON)
	}

	if toolsJSON, count := translateTools(anthropicJSON); count > 0 {
		out, _ = sjson.SetRaw(out, "request.tools", toolsJSON)
	}

	out = applyGenerationConfig(modelName, anthropicJSON, out, maxOutputTokens)
	out = attachDefaultSafetySettings(out)

	return []byte(out)
}

// translateSystem converts the Anthropic "system" content-block array into a
// synthetic single-part user content used as the Cloud Code systemInstruction.
func translateSystem(anthropicJSON []byte) (string, bool) {
	systemResult := gjson.GetBytes(anthropicJSON, "system")
	if !systemResult.IsArray() {
		return "", false
	}

	blocks := systemResult.Array()
	sysJSON := `{"role":"user","parts":[]}`
	found := false
	for _, block := range blocks {
		if block.Get("type").String() != "text" {
			continue
		}
		text := block.Get("text").String()
		part := `{}`
		if text != "" {
			part, _ = sjson.Set(part, "text", text)
		}
		sysJSON, _ = sjson.SetRaw(sysJSON, "parts.-1", part)
		found = true
	}
	return sysJSON, found
}

func translateMessages(modelName string, anthropicJSON []byte, sessionID string, sigCache *sigcache.Cache) (string, bool) {
	messagesResult := gjson.GetBytes(anthropicJSON, "messages")
	if !messagesResult.IsArray() {
		return "[]", false
	}

	contentsJSON := "[]"
	hasContents := false
	toolNames := map[string]string{}
	for _, message := range messagesResult.Array() {
		roleResult := message.Get("role")
		if roleResult.Type != gjson.String {
			continue
		}
		role := roleResult.String()
		if role == "assistant" {
			role = "model"
		}

		clientContent := `{"role":"","parts":[]}`
		clientContent, _ = sjson.Set(clientContent, "role", role)

		content := message.Get("content")
		switch {
		case content.IsArray():
			for _, block := range content.Array() {
				if block.Get("type").String() == "tool_use" {
					toolNames[block.Get("id").String()] = block.Get("name").String()
				}
				clientContent = appendContentBlockPart(modelName, sessionID, sigCache, toolNames, clientContent, block)
			}
			contentsJSON, _ = sjson.SetRaw(contentsJSON, "-1", clientContent)
			hasContents = true
		case content.Type == gjson.String:
			part := `{}`
			if text := content.String(); text != "" {
				part, _ = sjson.Set(part, "text", text)
			}
			clientContent, _ = sjson.SetRaw(clientContent, "parts.-1", part)
			contentsJSON, _ = sjson.SetRaw(contentsJSON, "-1", clientContent)
			hasContents = true
		}
	}
	return contentsJSON, hasContents
}

func appendContentBlockPart(modelName, sessionID string, sigCache *sigcache.Cache, toolNames map[string]string, clientContent string, block gjson.Result) string {
	switch block.Get("type").String() {
	case "thinking":
		text := block.Get("thinking").String()
		signature := placeholderThoughtSignature
		if sig := block.Get("signature"); sig.Exists() && sig.String() != "" {
			signature = sig.String()
		} else if sigCache != nil && sessionID != "" {
			if cached := sigCache.Get(sessionID, text); cached != "" {
				signature = cached
			}
		}
		part := `{}`
		part, _ = sjson.Set(part, "thought", true)
		if text != "" {
			part, _ = sjson.Set(part, "text", text)
		}
		if signature != "" {
			part, _ = sjson.Set(part, "thoughtSignature", signature)
		}
		clientContent, _ = sjson.SetRaw(clientContent, "parts.-1", part)

	case "text":
		part := `{}`
		if text := block.Get("text").String(); text != "" {
			part, _ = sjson.Set(part, "text", text)
		}
		clientContent, _ = sjson.SetRaw(clientContent, "parts.-1", part)

	case "tool_use":
		name := block.Get("name").String()
		id := block.Get("id").String()
		argsRaw := block.Get("input").Raw
		if argsRaw == "" || !gjson.Valid(argsRaw) {
			break
		}
		args := gjson.Parse(argsRaw)
		if !args.IsObject() {
			break
		}
		part := `{}`
		if !strings.Contains(modelName, "claude") {
			part, _ = sjson.Set(part, "thoughtSignature", placeholderThoughtSignature)
		}
		if id != "" {
			part, _ = sjson.Set(part, "functionCall.id", id)
		}
		part, _ = sjson.Set(part, "functionCall.name", name)
		part, _ = sjson.SetRaw(part, "functionCall.args", args.Raw)
		clientContent, _ = sjson.SetRaw(clientContent, "parts.-1", part)

	case "tool_result":
		toolUseID := block.Get("tool_use_id").String()
		if toolUseID == "" {
			break
		}
		funcName := toolUseID
		if name := toolNames[toolUseID]; name != "" {
			funcName = name
		} else if segs := strings.Split(toolUseID, "-"); len(segs) > 1 {
			funcName = strings.Join(segs[:len(segs)-2], "-")
		}
		response := `{}`
		response, _ = sjson.Set(response, "id", toolUseID)
		response, _ = sjson.Set(response, "name", funcName)

		resultContent := block.Get("content")
		switch {
		case resultContent.Type == gjson.String:
			response, _ = sjson.Set(response, "response.result", resultContent.String())
		case resultContent.IsArray():
			items := resultContent.Array()
			if len(items) == 1 {
				response, _ = sjson.SetRaw(response, "response.result", items[0].Raw)
			} else {
				response, _ = sjson.SetRaw(response, "response.result", resultContent.Raw)
			}
		default:
			response, _ = sjson.SetRaw(response, "response.result", resultContent.Raw)
		}

		part := `{}`
		part, _ = sjson.SetRaw(part, "functionResponse", response)
		clientContent, _ = sjson.SetRaw(clientContent, "parts.-1", part)

	case "image":
		source := block.Get("source")
		if source.Get("type").String() != "base64" {
			break
		}
		inline := `{}`
		if mime := source.Get("media_type").String(); mime != "" {
			inline, _ = sjson.Set(inline, "mime_type", mime)
		}
		if data := source.Get("data").String(); data != "" {
			inline, _ = sjson.Set(inline, "data", data)
		}
		part := `{}`
		part, _ = sjson.SetRaw(part, "inlineData", inline)
		clientContent, _ = sjson.SetRaw(clientContent, "parts.-1", part)
	}
	return clientContent
}

func translateTools(anthropicJSON []byte) (string, int) {
	toolsResult := gjson.GetBytes(anthropicJSON, "tools")
	if !toolsResult.IsArray() {
		return "", 0
	}

	toolsJSON := `[{"functionDeclarations":[]}]`
	count := 0
	for _, tool := range toolsResult.Array() {
		schema := tool.Get("input_schema")
		if !schema.Exists() || !schema.IsObject() {
			continue
		}
		decl, _ := sjson.Delete(tool.Raw, "input_schema")
		decl, _ = sjson.SetRaw(decl, "parametersJsonSchema", schema.Raw)
		decl, _ = sjson.Delete(decl, "strict")
		decl, _ = sjson.Delete(decl, "input_examples")
		decl, _ = sjson.Delete(decl, "type")
		decl, _ = sjson.Delete(decl, "cache_control")
		toolsJSON, _ = sjson.SetRaw(toolsJSON, "0.functionDeclarations.-1", decl)
		count++
	}
	return toolsJSON, count
}

func applyGenerationConfig(modelName string, anthropicJSON []byte, out string, maxOutputTokens int) string {
	if thinking := gjson.GetBytes(anthropicJSON, "thinking"); thinking.Exists() && thinking.IsObject() && ModelSupportsThinking(modelName) {
		if thinking.Get("type").String() == "enabled" {
			if budget := thinking.Get("budget_tokens"); budget.Exists() && budget.Type == gjson.Number {
				out, _ = sjson.Set(out, "request.generationConfig.thinkingConfig.thinkingBudget", int(budget.Int()))
				out, _ = sjson.Set(out, "request.generationConfig.thinkingConfig.include_thoughts", true)
			}
		}
	}
	if v := gjson.GetBytes(anthropicJSON, "temperature"); v.Exists() && v.Type == gjson.Number {
		out, _ = sjson.Set(out, "request.generationConfig.temperature", v.Num)
	}
	if v := gjson.GetBytes(anthropicJSON, "top_p"); v.Exists() && v.Type == gjson.Number {
		out, _ = sjson.Set(out, "request.generationConfig.topP", v.Num)
	}
	if v := gjson.GetBytes(anthropicJSON, "top_k"); v.Exists() && v.Type == gjson.Number {
		out, _ = sjson.Set(out, "request.generationConfig.topK", v.Num)
	}
	if v := gjson.GetBytes(anthropicJSON, "max_tokens"); v.Exists() && v.Type == gjson.Number {
		tokens := v.Num
		if maxOutputTokens > 0 && !strings.Contains(modelName, "claude") && tokens > float64(maxOutputTokens) {
			tokens = float64(maxOutputTokens)
		}
		out, _ = sjson.Set(out, "request.generationConfig.maxOutputTokens", tokens)
	}
	return out
}

// attachDefaultSafetySettings appends the proxy's fixed BLOCK_NONE safety
// policy across all four harm categories, matching what upstream clients
// attach on every Cloud Code request.
func attachDefaultSafetySettings(out string) string {
	for _, s := range defaultSafetySettings {
		entry := `{}`
		entry, _ = sjson.Set(entry, "category", s["category"])
		entry, _ = sjson.Set(entry, "threshold", s["threshold"])
		out, _ = sjson.SetRaw(out, "request.safetySettings.-1", entry)
	}
	return out
}

// ModelSupportsThinking reports whether modelName is a Claude or Gemini
// variant with a "-thinking" suffix or an underlying reasoning-capable base
// model, matching the naming convention the model registry publishes.
func ModelSupportsThinking(modelName string) bool {
	return strings.Contains(modelName, "thinking") ||
		strings.Contains(modelName, "claude-opus-4") ||
		strings.Contains(modelName, "claude-sonnet-4") ||
		strings.Contains(modelName, "gemini-3")
}
