package stream

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ruwiss/antigravity-claude-proxy/internal/codec"
)

func TestLineScanner_SkipsBlankLinesAndStopsAtDoneMarker(t *testing.T) {
	body := "data: {\"a\":1}\n\n" +
		"data: {\"a\":2}\n\n" +
		"data: [DONE]\n\n"
	scanner := NewLineScanner(strings.NewReader(body))

	payload, done, err := scanner.Next()
	require.NoError(t, err)
	require.False(t, done)
	require.JSONEq(t, `{"a":1}`, string(payload))

	payload, done, err = scanner.Next()
	require.NoError(t, err)
	require.False(t, done)
	require.JSONEq(t, `{"a":2}`, string(payload))

	payload, done, err = scanner.Next()
	require.NoError(t, err)
	require.True(t, done)
	require.Nil(t, payload)
}

func TestLineScanner_DoneOnPlainEOF(t *testing.T) {
	scanner := NewLineScanner(strings.NewReader("data: {\"a\":1}\n"))

	_, done, err := scanner.Next()
	require.NoError(t, err)
	require.False(t, done)

	_, done, err = scanner.Next()
	require.NoError(t, err)
	require.True(t, done)
}

func TestDrive_FeedsEachFragmentAndWritesTranslatedEvents(t *testing.T) {
	requestJSON := []byte(`{"messages": [{"role": "user", "content": "hi"}]}`)
	state := codec.NewStreamState("gemini-2.5-pro", requestJSON, nil)

	body := `data: {"response":{"candidates":[{"content":{"parts":[{"text":"Hello"}]}}]}}

data: [DONE]

`
	var out bytes.Buffer
	err := Drive(strings.NewReader(body), &out, state)
	require.NoError(t, err)

	require.Contains(t, out.String(), "message_start")
	require.Contains(t, out.String(), "content_block_delta")
	require.True(t, state.HasEmittedBytes())
}
