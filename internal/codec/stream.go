package codec

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/ruwiss/antigravity-claude-proxy/internal/sigcache"
)

// blockKind identifies which Anthropic content-block type, if any, the
// stream adapter currently has open.
type blockKind int

const (
	blockNone blockKind = iota
	blockText
	blockThinking
	blockToolUse
)

// StreamState is the SSE Stream Adapter: it holds everything needed to turn
// a sequence of Cloud Code streaming fragments into Anthropic SSE events for
// one in-flight response. It is not safe for concurrent use; one instance
// belongs to exactly one client connection.
type StreamState struct {
	modelName string
	sessionID string
	sigCache  *sigcache.Cache

	messageID        string
	messageStartSent bool

	openBlock    blockKind
	blockIndex   int
	bytesEmitted bool
	sawToolUse   bool

	thinkingText strings.Builder

	inputTokens      int
	outputTokens     int
	lastFinishReason string
}

// NewStreamState builds a stream adapter for one response to requestJSON.
// sigCache may be nil to disable signature persistence.
func NewStreamState(modelName string, requestJSON []byte, sigCache *sigcache.Cache) *StreamState {
	return &StreamState{
		modelName:  modelName,
		sessionID:  DeriveSessionID(requestJSON),
		sigCache:   sigCache,
		messageID:  "msg_" + uuid.NewString(),
		openBlock:  blockNone,
		blockIndex: -1,
	}
}

// SessionID returns the session id this stream's request was derived from,
// for callers that need to thread it into the Account Pool's sticky lookup
// or the next turn's request translation.
func (s *StreamState) SessionID() string { return s.sessionID }

// HasEmittedBytes reports whether any content has been sent to the client
// yet, used by the dispatch engine to decide whether a mid-stream failure is
// still safe to retry on a fresh connection.
func (s *StreamState) HasEmittedBytes() bool { return s.bytesEmitted }

// OutputTokens returns the most recent candidatesTokenCount observed so far.
func (s *StreamState) OutputTokens() int { return s.outputTokens }

func sseEvent(eventType string, data string) []byte {
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data))
}

// Feed processes one Cloud Code streaming fragment (the JSON payload of a
// single upstream "data: " line) and returns the Anthropic SSE bytes it
// produces, if any. chunkJSON may be the bare GenerateContentResponse or the
// Cloud Code envelope wrapping it under "response".
func (s *StreamState) Feed(chunkJSON []byte) []byte {
	fragment := gjson.ParseBytes(chunkJSON)
	if wrapped := fragment.Get("response"); wrapped.Exists() {
		fragment = wrapped
	}

	var out []byte

	if !s.messageStartSent {
		out = append(out, s.emitMessageStart(fragment)...)
	}

	candidate := fragment.Get("candidates.0")
	if !candidate.Exists() {
		return out
	}

	if parts := candidate.Get("content.parts"); parts.IsArray() {
		for _, part := range parts.Array() {
			out = append(out, s.feedPart(part)...)
		}
	}

	if usage := fragment.Get("usageMetadata"); usage.Exists() {
		if in := usage.Get("promptTokenCount"); in.Exists() {
			s.inputTokens = int(in.Int())
		}
		if ot := usage.Get("candidatesTokenCount"); ot.Exists() {
			s.outputTokens = int(ot.Int())
		}
	}

	if finish := candidate.Get("finishReason"); finish.Exists() && finish.String() != "" {
		s.lastFinishReason = finish.String()
	}

	return out
}

func (s *StreamState) emitMessageStart(fragment gjson.Result) []byte {
	s.messageStartSent = true
	msg := `{"type":"message_start","message":{"type":"message","role":"assistant","content":[],"stop_reason":null,"stop_sequence":null}}`
	msg, _ = sjson.Set(msg, "message.id", s.messageID)
	msg, _ = sjson.Set(msg, "message.model", s.modelName)
	msg, _ = sjson.Set(msg, "message.usage.input_tokens", 0)
	msg, _ = sjson.Set(msg, "message.usage.output_tokens", 0)
	return sseEvent("message_start", msg)
}

func (s *StreamState) feedPart(part gjson.Result) []byte {
	switch {
	case part.Get("thought").Bool():
		return s.feedThinkingPart(part)
	case part.Get("functionCall").Exists():
		return s.feedToolUsePart(part.Get("functionCall"))
	default:
		if text := part.Get("text").String(); text != "" {
			return s.feedTextPart(text)
		}
	}
	return nil
}

func (s *StreamState) feedTextPart(text string) []byte {
	var out []byte
	if s.openBlock != blockText {
		out = append(out, s.closeOpenBlock()...)
		out = append(out, s.openBlockEvent(blockText, `{"type":"text","text":""}`)...)
	}
	delta := `{"type":"text_delta","text":""}`
	delta, _ = sjson.Set(delta, "text", text)
	out = append(out, s.deltaEvent(delta)...)
	s.bytesEmitted = true
	return out
}

func (s *StreamState) feedThinkingPart(part gjson.Result) []byte {
	var out []byte
	if s.openBlock != blockThinking {
		out = append(out, s.closeOpenBlock()...)
		out = append(out, s.openBlockEvent(blockThinking, `{"type":"thinking","thinking":""}`)...)
		s.thinkingText.Reset()
	}

	if text := part.Get("text").String(); text != "" {
		s.thinkingText.WriteString(text)
		delta := `{"type":"thinking_delta","thinking":""}`
		delta, _ = sjson.Set(delta, "thinking", text)
		out = append(out, s.deltaEvent(delta)...)
		s.bytesEmitted = true
	}

	if sig := part.Get("thoughtSignature").String(); sig != "" {
		accumulated := s.thinkingText.String()
		if s.sigCache != nil && s.sessionID != "" {
			s.sigCache.Put(s.sessionID, accumulated, sig)
		}
		delta := `{"type":"signature_delta","signature":""}`
		delta, _ = sjson.Set(delta, "signature", sig)
		out = append(out, s.deltaEvent(delta)...)
	}

	return out
}

func (s *StreamState) feedToolUsePart(fc gjson.Result) []byte {
	var out []byte
	out = append(out, s.closeOpenBlock()...)

	id := fc.Get("id").String()
	if id == "" {
		id = "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	s.sawToolUse = true
	startBlock := `{"type":"tool_use","input":{}}`
	startBlock, _ = sjson.Set(startBlock, "id", id)
	startBlock, _ = sjson.Set(startBlock, "name", fc.Get("name").String())
	out = append(out, s.openBlockEvent(blockToolUse, startBlock)...)

	args := orEmptyObject(fc.Get("args").Raw)
	delta := `{"type":"input_json_delta","partial_json":""}`
	delta, _ = sjson.Set(delta, "partial_json", args)
	out = append(out, s.deltaEvent(delta)...)
	s.bytesEmitted = true

	out = append(out, s.closeOpenBlock()...)
	return out
}

func (s *StreamState) openBlockEvent(kind blockKind, blockJSON string) []byte {
	s.blockIndex++
	s.openBlock = kind
	event := `{"type":"content_block_start"}`
	event, _ = sjson.Set(event, "index", s.blockIndex)
	event, _ = sjson.SetRaw(event, "content_block", blockJSON)
	return sseEvent("content_block_start", event)
}

func (s *StreamState) deltaEvent(deltaJSON string) []byte {
	event := `{"type":"content_block_delta"}`
	event, _ = sjson.Set(event, "index", s.blockIndex)
	event, _ = sjson.SetRaw(event, "delta", deltaJSON)
	return sseEvent("content_block_delta", event)
}

func (s *StreamState) closeOpenBlock() []byte {
	if s.openBlock == blockNone {
		return nil
	}
	event := `{"type":"content_block_stop"}`
	event, _ = sjson.Set(event, "index", s.blockIndex)
	s.openBlock = blockNone
	return sseEvent("content_block_stop", event)
}

// Finish closes any still-open block and emits the terminal message_delta +
// message_stop events, using the last finishReason and token counts seen
// across the stream.
func (s *StreamState) Finish() []byte {
	var out []byte
	out = append(out, s.closeOpenBlock()...)

	stopReason := finishReasonToStopReason(s.lastFinishReason)
	if stopReason == "end_turn" && s.sawToolUse {
		stopReason = "tool_use"
	}
	delta := `{"type":"message_delta","delta":{"stop_reason":null,"stop_sequence":null},"usage":{}}`
	delta, _ = sjson.Set(delta, "delta.stop_reason", stopReason)
	delta, _ = sjson.Set(delta, "usage.output_tokens", s.outputTokens)
	out = append(out, sseEvent("message_delta", delta)...)

	out = append(out, sseEvent("message_stop", `{"type":"message_stop"}`)...)
	return out
}

// Abort closes any open block and emits a terminal upstream_disconnect error
// event, for a connection that dropped mid-stream.
func (s *StreamState) Abort() []byte {
	var out []byte
	out = append(out, s.closeOpenBlock()...)
	out = append(out, sseEvent("error", `{"type":"error","error":{"type":"upstream_disconnect","message":"upstream connection closed before the response completed"}}`)...)
	return out
}

// IsEmptyResponse reports whether the stream ended with no text, no thinking
// text, no tool call, and zero output tokens — the condition the dispatch
// engine treats as retryable rather than a legitimate empty answer.
func (s *StreamState) IsEmptyResponse() bool {
	return !s.bytesEmitted && s.outputTokens == 0
}
