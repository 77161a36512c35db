// Package stream parses the upstream SSE line protocol and drives it
// through the codec's per-fragment state machine, writing translated
// Anthropic SSE events out as each upstream fragment arrives.
package stream

import (
	"bufio"
	"bytes"
	"io"

	"github.com/ruwiss/antigravity-claude-proxy/internal/codec"
)

// ScannerBufferSize is the enlarged bufio.Scanner buffer, matching the
// teacher's sizing for tolerating a single long SSE line (a large tool-call
// argument blob) without truncation.
const ScannerBufferSize = 52_428_800 // 50MB

var doneMarker = []byte("[DONE]")

// LineScanner reads an SSE body and yields the JSON payload of each
// "data: " line, skipping blank lines and reporting done once it hits a
// "[DONE]" marker or EOF.
type LineScanner struct {
	scanner *bufio.Scanner
}

// NewLineScanner wraps r with the enlarged buffer this protocol requires.
func NewLineScanner(r io.Reader) *LineScanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(nil, ScannerBufferSize)
	return &LineScanner{scanner: scanner}
}

// Next returns the next data payload. done is true once the stream has
// ended (by marker or EOF); payload is nil in that case. err is non-nil only
// on a genuine scan failure.
func (l *LineScanner) Next() (payload []byte, done bool, err error) {
	for l.scanner.Scan() {
		line := bytes.TrimSpace(l.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		data, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			continue
		}
		data = bytes.TrimSpace(data)
		if bytes.Equal(data, doneMarker) {
			return nil, true, nil
		}
		if len(data) == 0 {
			continue
		}
		return append([]byte(nil), data...), false, nil
	}
	if scanErr := l.scanner.Err(); scanErr != nil {
		return nil, true, scanErr
	}
	return nil, true, nil
}

// Drive reads upstream SSE fragments from r and feeds each one into state,
// writing the resulting Anthropic SSE bytes to w as soon as they're
// produced rather than buffering the whole response. It returns once the
// upstream stream ends; the caller is responsible for calling
// state.Finish() (or state.Abort()) and writing that tail afterward.
func Drive(r io.Reader, w io.Writer, state *codec.StreamState) error {
	scanner := NewLineScanner(r)
	for {
		payload, done, err := scanner.Next()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if len(payload) == 0 {
			continue
		}
		if _, err := w.Write(state.Feed(payload)); err != nil {
			return err
		}
	}
}
