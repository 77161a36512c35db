// Package registry provides the static model catalog the proxy advertises
// through its Anthropic-compatible /v1/models endpoint: the Claude model
// family accepted on the request side, and the Gemini/antigravity family the
// requests are translated into and dispatched against.
package registry

// ThinkingSupport describes a model's extended-thinking budget constraints.
type ThinkingSupport struct {
	Min            int      `json:"min"`
	Max            int      `json:"max"`
	ZeroAllowed    bool     `json:"zero_allowed"`
	DynamicAllowed bool     `json:"dynamic_allowed"`
	Levels         []string `json:"levels,omitempty"`
}

// ModelInfo describes one model entry as surfaced by /v1/models. Fields are a
// superset covering both the Anthropic- and Gemini-shaped listing
// conventions; callers populate only the fields relevant to Type.
type ModelInfo struct {
	ID                  string `json:"id"`
	Object              string `json:"object"`
	Created             int64  `json:"created"`
	OwnedBy             string `json:"owned_by"`
	Type                string `json:"type"`
	DisplayName         string `json:"display_name,omitempty"`
	Description         string `json:"description,omitempty"`
	ContextLength       int    `json:"context_length,omitempty"`
	MaxCompletionTokens int    `json:"max_completion_tokens,omitempty"`

	// Gemini-shaped fields.
	Name                       string   `json:"name,omitempty"`
	Version                    string   `json:"version,omitempty"`
	InputTokenLimit            int      `json:"input_token_limit,omitempty"`
	OutputTokenLimit           int      `json:"output_token_limit,omitempty"`
	SupportedGenerationMethods []string `json:"supported_generation_methods,omitempty"`

	Thinking *ThinkingSupport `json:"thinking,omitempty"`
}

// GetClaudeModels returns the Claude model family accepted on requests.
func GetClaudeModels() []*ModelInfo {
	return []*ModelInfo{
		{
			ID:                  "claude-haiku-4-5-20251001",
			Object:              "model",
			Created:             1759276800, // 2025-10-01
			OwnedBy:             "anthropic",
			Type:                "claude",
			DisplayName:         "Claude 4.5 Haiku",
			ContextLength:       200000,
			MaxCompletionTokens: 64000,
			// Thinking: not supported for Haiku models
		},
		{
			ID:                  "claude-sonnet-4-5-20250929",
			Object:              "model",
			Created:             1759104000, // 2025-09-29
			OwnedBy:             "anthropic",
			Type:                "claude",
			DisplayName:         "Claude 4.5 Sonnet",
			ContextLength:       200000,
			MaxCompletionTokens: 64000,
			Thinking:            &ThinkingSupport{Min: 1024, Max: 100000, ZeroAllowed: false, DynamicAllowed: true},
		},
		{
			ID:                  "claude-opus-4-5-20251101",
			Object:              "model",
			Created:             1761955200, // 2025-11-01
			OwnedBy:             "anthropic",
			Type:                "claude",
			DisplayName:         "Claude 4.5 Opus",
			Description:         "Premium model combining maximum intelligence with practical performance",
			ContextLength:       200000,
			MaxCompletionTokens: 64000,
			Thinking:            &ThinkingSupport{Min: 1024, Max: 100000, ZeroAllowed: false, DynamicAllowed: true},
		},
	}
}

// GetGeminiModels returns the Gemini/antigravity model family requests are
// translated into before dispatch.
func GetGeminiModels() []*ModelInfo {
	return []*ModelInfo{
		{
			ID:                         "gemini-2.5-pro",
			Object:                     "model",
			Created:                    1750118400,
			OwnedBy:                    "google",
			Type:                       "gemini",
			Name:                       "models/gemini-2.5-pro",
			Version:                    "2.5",
			DisplayName:                "Gemini 2.5 Pro",
			Description:                "Stable release (June 17th, 2025) of Gemini 2.5 Pro",
			InputTokenLimit:            1048576,
			OutputTokenLimit:           65536,
			SupportedGenerationMethods: []string{"generateContent", "countTokens", "createCachedContent", "batchGenerateContent"},
			Thinking:                   &ThinkingSupport{Min: 128, Max: 32768, ZeroAllowed: false, DynamicAllowed: true},
		},
		{
			ID:                         "gemini-2.5-flash",
			Object:                     "model",
			Created:                    1750118400,
			OwnedBy:                    "google",
			Type:                       "gemini",
			Name:                       "models/gemini-2.5-flash",
			Version:                    "001",
			DisplayName:                "Gemini 2.5 Flash",
			Description:                "Stable version of Gemini 2.5 Flash, our mid-size multimodal model that supports up to 1 million tokens, released in June of 2025.",
			InputTokenLimit:            1048576,
			OutputTokenLimit:           65536,
			SupportedGenerationMethods: []string{"generateContent", "countTokens", "createCachedContent", "batchGenerateContent"},
			Thinking:                   &ThinkingSupport{Min: 0, Max: 24576, ZeroAllowed: true, DynamicAllowed: true},
		},
		{
			ID:                         "gemini-2.5-flash-lite",
			Object:                     "model",
			Created:                    1753142400,
			OwnedBy:                    "google",
			Type:                       "gemini",
			Name:                       "models/gemini-2.5-flash-lite",
			Version:                    "2.5",
			DisplayName:                "Gemini 2.5 Flash Lite",
			Description:                "Our smallest and most cost effective model, built for at scale usage.",
			InputTokenLimit:            1048576,
			OutputTokenLimit:           65536,
			SupportedGenerationMethods: []string{"generateContent", "countTokens", "createCachedContent", "batchGenerateContent"},
			Thinking:                   &ThinkingSupport{Min: 0, Max: 24576, ZeroAllowed: true, DynamicAllowed: true},
		},
		{
			ID:                         "gemini-3-pro-preview",
			Object:                     "model",
			Created:                    1737158400,
			OwnedBy:                    "google",
			Type:                       "gemini",
			Name:                       "models/gemini-3-pro-preview",
			Version:                    "3.0",
			DisplayName:                "Gemini 3 Pro Preview",
			Description:                "Gemini 3 Pro Preview",
			InputTokenLimit:            1048576,
			OutputTokenLimit:           65536,
			SupportedGenerationMethods: []string{"generateContent", "countTokens", "createCachedContent", "batchGenerateContent"},
			Thinking:                   &ThinkingSupport{Min: 128, Max: 32768, ZeroAllowed: false, DynamicAllowed: true, Levels: []string{"low", "high"}},
		},
		{
			ID:                         "gemini-3-flash-preview",
			Object:                     "model",
			Created:                    1765929600,
			OwnedBy:                    "google",
			Type:                       "gemini",
			Name:                       "models/gemini-3-flash-preview",
			Version:                    "3.0",
			DisplayName:                "Gemini 3 Flash Preview",
			Description:                "Gemini 3 Flash Preview",
			InputTokenLimit:            1048576,
			OutputTokenLimit:           65536,
			SupportedGenerationMethods: []string{"generateContent", "countTokens", "createCachedContent", "batchGenerateContent"},
			Thinking:                   &ThinkingSupport{Min: 128, Max: 32768, ZeroAllowed: false, DynamicAllowed: true, Levels: []string{"minimal", "low", "medium", "high"}},
		},
		{
			ID:                         "gemini-3-pro-image-preview",
			Object:                     "model",
			Created:                    1737158400,
			OwnedBy:                    "google",
			Type:                       "gemini",
			Name:                       "models/gemini-3-pro-image-preview",
			Version:                    "3.0",
			DisplayName:                "Gemini 3 Pro Image Preview",
			Description:                "Gemini 3 Pro Image Preview",
			InputTokenLimit:            1048576,
			OutputTokenLimit:           65536,
			SupportedGenerationMethods: []string{"generateContent", "countTokens", "createCachedContent", "batchGenerateContent"},
			Thinking:                   &ThinkingSupport{Min: 128, Max: 32768, ZeroAllowed: false, DynamicAllowed: true, Levels: []string{"low", "high"}},
		},
	}
}

// FindClaudeModel looks up a Claude model entry by ID.
func FindClaudeModel(id string) *ModelInfo {
	for _, m := range GetClaudeModels() {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// FindGeminiModel looks up a Gemini model entry by ID.
func FindGeminiModel(id string) *ModelInfo {
	for _, m := range GetGeminiModels() {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// fallbackModels is the static cross-family hop the dispatch engine
// substitutes when a model's entire pool is exhausted. Each direction picks
// the counterpart of comparable capability.
var fallbackModels = map[string]string{
	"claude-haiku-4-5-20251001":  "gemini-2.5-flash",
	"claude-sonnet-4-5-20250929": "gemini-2.5-pro",
	"claude-opus-4-5-20251101":   "gemini-3-pro-preview",
	"gemini-2.5-flash":           "claude-haiku-4-5-20251001",
	"gemini-2.5-flash-lite":      "claude-haiku-4-5-20251001",
	"gemini-2.5-pro":             "claude-sonnet-4-5-20250929",
	"gemini-3-pro-preview":       "claude-opus-4-5-20251101",
	"gemini-3-flash-preview":     "claude-sonnet-4-5-20250929",
	"gemini-3-pro-image-preview": "claude-opus-4-5-20251101",
}

// FallbackModel returns the cross-family model to hop to when model's pool
// is wholly exhausted, or "" if none is defined.
func FallbackModel(model string) string {
	return fallbackModels[model]
}

// IsClaudeModel reports whether id belongs to the Claude family.
func IsClaudeModel(id string) bool {
	return FindClaudeModel(id) != nil
}
