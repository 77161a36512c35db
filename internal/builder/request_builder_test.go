package builder

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestBuild_HeadersAndIdentityPreamble(t *testing.T) {
	input := []byte(`{
		"system": [{"type": "text", "text": "Be terse."}],
		"messages": [{"role": "user", "content": "hi"}]
	}`)

	built := Build("claude-sonnet-4-5-20250929", input, "user@example.com", "tok-123", nil, 0)

	require.Equal(t, "Bearer tok-123", built.Headers.Get("Authorization"))
	require.Equal(t, "application/json", built.Headers.Get("Accept"))
	require.Equal(t, "interleaved-thinking-2025-05-14", built.Headers.Get("anthropic-beta"))
	require.NotEmpty(t, built.Headers.Get("User-Agent"))
	require.NotEmpty(t, built.Headers.Get("X-Goog-Api-Client"))
	require.Contains(t, built.RequestID, "agent-")
	require.NotEmpty(t, built.SessionID)

	result := gjson.ParseBytes(built.Body)
	sysText := result.Get("request.systemInstruction.parts.0.text").String()
	require.Contains(t, sysText, "Antigravity")
	require.Contains(t, sysText, "Be terse.")
}

func TestBuild_NonClaudeModelOmitsInterleavedBetaHeader(t *testing.T) {
	input := []byte(`{"messages": [{"role": "user", "content": "hi"}]}`)
	built := Build("gemini-2.5-pro", input, "user@example.com", "tok", nil, 0)
	require.Empty(t, built.Headers.Get("anthropic-beta"))
}

func TestBuild_MaxOutputTokensCapThreadedToCodec(t *testing.T) {
	input := []byte(`{"messages": [{"role": "user", "content": "hi"}], "max_tokens": 32000}`)
	built := Build("gemini-2.5-pro", input, "user@example.com", "tok", nil, 16384)

	result := gjson.ParseBytes(built.Body)
	require.EqualValues(t, 16384, result.Get("request.generationConfig.maxOutputTokens").Int())
}

func TestBuildStreaming_SetsEventStreamAccept(t *testing.T) {
	input := []byte(`{"messages": [{"role": "user", "content": "hi"}]}`)
	built := BuildStreaming("gemini-2.5-pro", input, "user@example.com", "tok", nil, 0)
	require.Equal(t, "text/event-stream", built.Headers.Get("Accept"))
}

func TestBuild_NoCallerSystemTextStillGetsPreamble(t *testing.T) {
	input := []byte(`{"messages": [{"role": "user", "content": "hi"}]}`)
	built := Build("claude-sonnet-4-5-20250929", input, "user@example.com", "tok", nil, 0)

	result := gjson.ParseBytes(built.Body)
	require.Contains(t, result.Get("request.systemInstruction.parts.0.text").String(), "Antigravity")
}

func TestDeriveSessionID_FallsBackToAccountEmailWhenFirstTurnEmpty(t *testing.T) {
	input := []byte(`{"messages": [{"role": "user", "content": ""}]}`)

	idA := DeriveSessionID(input, "a@example.com")
	idB := DeriveSessionID(input, "b@example.com")

	require.NotEmpty(t, idA)
	require.NotEqual(t, idA, idB)
}

func TestDeriveSessionID_PrefersFirstUserMessageOverEmail(t *testing.T) {
	input := []byte(`{"messages": [{"role": "user", "content": "hello"}]}`)

	idWithEmail := DeriveSessionID(input, "a@example.com")
	idNoEmail := DeriveSessionID(input, "")

	require.Equal(t, idWithEmail, idNoEmail)
}

func TestDeriveSessionID_EmptyWhenNoUserMessageAndNoEmail(t *testing.T) {
	require.Empty(t, DeriveSessionID([]byte(`{"messages": []}`), ""))
}
