package codec

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ruwiss/antigravity-claude-proxy/internal/sigcache"
)

func collectEvents(raw []byte) []string {
	var events []string
	for _, line := range strings.Split(string(raw), "\n") {
		if strings.HasPrefix(line, "event: ") {
			events = append(events, strings.TrimPrefix(line, "event: "))
		}
	}
	return events
}

func TestStreamState_TextFlow(t *testing.T) {
	requestJSON := []byte(`{"messages": [{"role": "user", "content": "hi"}]}`)
	s := NewStreamState("claude-sonnet-4-5-20250929", requestJSON, nil)

	out := s.Feed([]byte(`{"response":{"candidates":[{"content":{"parts":[{"text":"Hello"}]}}]}}`))
	events := collectEvents(out)
	require.Equal(t, []string{"message_start", "content_block_start", "content_block_delta"}, events)
	require.True(t, s.HasEmittedBytes())

	finish := s.Finish()
	finishEvents := collectEvents(finish)
	require.Equal(t, []string{"content_block_stop", "message_delta", "message_stop"}, finishEvents)
}

func TestStreamState_TextThenThinkingOpensNewBlocks(t *testing.T) {
	requestJSON := []byte(`{"messages": [{"role": "user", "content": "hi"}]}`)
	s := NewStreamState("claude-sonnet-4-5-20250929", requestJSON, nil)

	_ = s.Feed([]byte(`{"response":{"candidates":[{"content":{"parts":[{"text":"part one"}]}}]}}`))
	out := s.Feed([]byte(`{"response":{"candidates":[{"content":{"parts":[{"text":"pondering","thought":true}]}}]}}`))

	events := collectEvents(out)
	require.Equal(t, []string{"content_block_stop", "content_block_start", "content_block_delta"}, events)
}

func TestStreamState_ToolUseEmitsSingleChunkInputJSON(t *testing.T) {
	requestJSON := []byte(`{"messages": [{"role": "user", "content": "hi"}]}`)
	s := NewStreamState("gemini-2.5-pro", requestJSON, nil)

	out := s.Feed([]byte(`{"response":{"candidates":[{"content":{"parts":[{"functionCall":{"name":"search","args":{"q":"go"}}}]}}]}}`))
	events := collectEvents(out)
	require.Equal(t, []string{"message_start", "content_block_start", "content_block_delta", "content_block_stop"}, events)
	require.Contains(t, string(out), `"partial_json":"{\"q\":\"go\"}"`)
}

func TestStreamState_ThinkingSignatureCachedAndEmitted(t *testing.T) {
	cache := sigcache.New(0)
	defer cache.Close()

	requestJSON := []byte(`{"messages": [{"role": "user", "content": "hi"}]}`)
	s := NewStreamState("claude-sonnet-4-5-20250929", requestJSON, cache)
	require.NotEmpty(t, s.SessionID())

	_ = s.Feed([]byte(`{"response":{"candidates":[{"content":{"parts":[{"text":"deep thought","thought":true}]}}]}}`))
	out := s.Feed([]byte(`{"response":{"candidates":[{"content":{"parts":[{"text":"","thought":true,"thoughtSignature":"sig-12345678901234567890123456789012345678901234567890"}]}}]}}`))

	require.Contains(t, string(out), "signature_delta")
	require.Equal(t, "sig-12345678901234567890123456789012345678901234567890", cache.Get(s.SessionID(), "deep thought"))
}

func TestStreamState_EmptyResponseDetection(t *testing.T) {
	requestJSON := []byte(`{"messages": [{"role": "user", "content": "hi"}]}`)
	s := NewStreamState("gemini-2.5-pro", requestJSON, nil)
	require.True(t, s.IsEmptyResponse())

	_ = s.Feed([]byte(`{"response":{"candidates":[{"content":{"parts":[{"text":"hi"}]}}]}}`))
	require.False(t, s.IsEmptyResponse())
}

func TestStreamState_FinishReasonMapsToStopReason(t *testing.T) {
	requestJSON := []byte(`{"messages": [{"role": "user", "content": "hi"}]}`)
	s := NewStreamState("gemini-2.5-pro", requestJSON, nil)

	_ = s.Feed([]byte(`{"response":{"candidates":[{"content":{"parts":[{"text":"hi"}]},"finishReason":"MAX_TOKENS"}]}}`))
	finish := s.Finish()

	require.Contains(t, string(finish), `"stop_reason":"max_tokens"`)
}

func TestStreamState_Abort(t *testing.T) {
	requestJSON := []byte(`{"messages": [{"role": "user", "content": "hi"}]}`)
	s := NewStreamState("gemini-2.5-pro", requestJSON, nil)
	_ = s.Feed([]byte(`{"response":{"candidates":[{"content":{"parts":[{"text":"hi"}]}}]}}`))

	out := s.Abort()
	events := collectEvents(out)
	require.Equal(t, []string{"content_block_stop", "error"}, events)
	require.Contains(t, string(out), "upstream_disconnect")
}
