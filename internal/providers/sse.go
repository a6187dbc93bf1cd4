package providers

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/zveroz/zeroclaw/internal/types"
)

// sseDelta mirrors the OpenAI-compatible chat-completions streaming chunk
// shape: {"choices":[{"delta":{"content","reasoning_content"},"finish_reason"}]}.
type sseDelta struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// ParseSSELine parses a single SSE line per spec §4.4:
//   - empty or comment ("`:`"-prefixed) -> (nil, nil)
//   - "data: [DONE]" -> (nil, nil); caller emits the final sentinel separately
//   - "data: <json>" -> delta text (content, else reasoning_content, else none)
func ParseSSELine(line string) (*string, error) {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return nil, nil
	}
	if strings.HasPrefix(line, ":") {
		return nil, nil
	}
	if !strings.HasPrefix(line, "data:") {
		return nil, nil
	}

	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if payload == "[DONE]" {
		return nil, nil
	}

	var parsed sseDelta
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Choices) == 0 {
		return nil, nil
	}
	d := parsed.Choices[0].Delta
	if d.Content != "" {
		return &d.Content, nil
	}
	if d.ReasoningContent != "" {
		return &d.ReasoningContent, nil
	}
	return nil, nil
}

// SSEDecoder accumulates a byte-level buffer and splits it into lines on
// '\n', feeding complete lines to ParseSSELine. The tail past the last '\n'
// is retained for the next Feed call.
type SSEDecoder struct {
	buf []byte
	out chan<- types.StreamChunk
	opt types.StreamOptions
}

// NewSSEDecoder creates a decoder that emits parsed chunks onto out.
func NewSSEDecoder(out chan<- types.StreamChunk, opt types.StreamOptions) *SSEDecoder {
	return &SSEDecoder{out: out, opt: opt}
}

// Feed appends newly-read bytes and emits any complete lines found.
// Returns an error only on malformed JSON in a data: line (a StreamError).
func (d *SSEDecoder) Feed(p []byte) error {
	d.buf = append(d.buf, p...)
	for {
		idx := indexByte(d.buf, '\n')
		if idx < 0 {
			return nil
		}
		line := string(d.buf[:idx])
		d.buf = d.buf[idx+1:]

		delta, err := ParseSSELine(line)
		if err != nil {
			return err
		}
		if delta == nil {
			continue
		}
		chunk := types.StreamChunk{Delta: *delta}
		if d.opt.CountTokens {
			chunk.TokenCount = types.EstimateTokenCount(*delta)
		}
		d.out <- chunk
	}
}

// Close is a no-op: any buffered tail left at EOF is discarded (SSE frames
// always end on a blank line). Callers emit the final sentinel chunk
// themselves.
func (d *SSEDecoder) Close() {}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// DrainReader reads r to completion, feeding bytes to an SSEDecoder, and
// returns nil at EOF or the first read/decode error. It does not send a
// final StreamChunk; the caller sends it after DrainReader returns. Cancellation is
// the caller's responsibility via a context-aware io.Reader / http response
// body close; DrainReader itself never panics on a closed pipe.
func DrainReader(r io.Reader, out chan<- types.StreamChunk, opt types.StreamOptions) error {
	dec := NewSSEDecoder(out, opt)
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if ferr := dec.Feed(buf[:n]); ferr != nil {
				return ferr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
