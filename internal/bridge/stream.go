package bridge

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

// StreamTranslator converts an OpenAI Chat Completions SSE stream into the
// Anthropic Messages event stream.
//
// Text deltas are forwarded as they arrive. Tool-call fragments are
// accumulated per tool index and emitted as complete blocks when the
// upstream signals [DONE], since Anthropic clients expect each tool_use
// block opened with its id and name — which OpenAI only guarantees on the
// first fragment.
//
// The translator tolerates chunk boundaries that split SSE lines, chunks
// that fail to parse, and usage-only chunks with no choices.
type StreamTranslator struct {
	msgID string
	model string

	buf      []byte
	started  bool
	finished bool

	textOpen  bool
	nextIndex int

	toolOrder []int
	tools     map[int]*toolAccum

	finishReason string
	outputTokens int
}

type toolAccum struct {
	id   string
	name string
	args strings.Builder
}

// NewStreamTranslator creates a translator for one upstream stream.
// model is echoed in the synthesized message_start skeleton.
func NewStreamTranslator(model string) *StreamTranslator {
	return &StreamTranslator{
		msgID: "msg_" + uuid.NewString(),
		model: model,
		tools: make(map[int]*toolAccum),
	}
}

// Feed consumes a chunk of upstream bytes and returns the translated
// Anthropic SSE bytes ready to forward. Partial trailing lines are buffered
// until the next call.
func (t *StreamTranslator) Feed(p []byte) []byte {
	t.buf = append(t.buf, p...)

	var out bytes.Buffer
	for {
		nl := bytes.IndexByte(t.buf, '\n')
		if nl < 0 {
			break
		}
		line := t.buf[:nl]
		t.buf = t.buf[nl+1:]
		t.feedLine(&out, line)
	}
	return out.Bytes()
}

// Flush drains any residual buffered line and, when the upstream ended
// without a [DONE] marker, closes the message so clients always see a
// complete event sequence.
func (t *StreamTranslator) Flush() []byte {
	var out bytes.Buffer
	if len(t.buf) > 0 {
		line := t.buf
		t.buf = nil
		t.feedLine(&out, line)
	}
	if t.started && !t.finished {
		t.finish(&out)
	}
	return out.Bytes()
}

// Run pumps r through the translator into w, flushing after every chunk so
// deltas reach the client promptly.
func (t *StreamTranslator) Run(w *bufio.Writer, r io.Reader) error {
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			if _, werr := w.Write(t.Feed(chunk[:n])); werr != nil {
				return werr
			}
			if werr := w.Flush(); werr != nil {
				return werr
			}
		}
		if err != nil {
			if _, werr := w.Write(t.Flush()); werr != nil {
				return werr
			}
			if werr := w.Flush(); werr != nil {
				return werr
			}
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func (t *StreamTranslator) feedLine(out *bytes.Buffer, line []byte) {
	if t.finished {
		return
	}

	line = bytes.TrimRight(line, "\r")
	data, ok := bytes.CutPrefix(line, []byte("data:"))
	if !ok {
		return
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return
	}

	if bytes.Equal(data, []byte("[DONE]")) {
		if t.started {
			t.finish(out)
		}
		t.finished = true
		return
	}

	var chunk map[string]any
	if err := json.Unmarshal(data, &chunk); err != nil {
		return // malformed chunk — skip
	}

	if !t.started {
		t.started = true
		t.emit(out, "message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            t.msgID,
				"type":          "message",
				"role":          "assistant",
				"content":       []any{},
				"model":         t.model,
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage": map[string]any{
					"input_tokens":  0,
					"output_tokens": 0,
				},
			},
		})
	}

	if usage, ok := chunk["usage"].(map[string]any); ok {
		if v, ok := usage["completion_tokens"].(float64); ok {
			t.outputTokens = int(v)
		}
	}

	choices, _ := chunk["choices"].([]any)
	if len(choices) == 0 {
		return // usage-only chunk
	}
	c0, _ := choices[0].(map[string]any)
	if c0 == nil {
		return
	}

	if fr, ok := c0["finish_reason"].(string); ok && fr != "" {
		t.finishReason = fr
	}

	delta, _ := c0["delta"].(map[string]any)
	if delta == nil {
		return
	}

	if text, ok := delta["content"].(string); ok && text != "" {
		if !t.textOpen {
			t.textOpen = true
			t.emit(out, "content_block_start", map[string]any{
				"type":  "content_block_start",
				"index": t.nextIndex,
				"content_block": map[string]any{
					"type": "text",
					"text": "",
				},
			})
		}
		t.emit(out, "content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": t.nextIndex,
			"delta": map[string]any{
				"type": "text_delta",
				"text": text,
			},
		})
	}

	if toolCalls, ok := delta["tool_calls"].([]any); ok && len(toolCalls) > 0 {
		t.closeTextBlock(out)
		for _, raw := range toolCalls {
			t.accumulateToolCall(raw)
		}
	}
}

// accumulateToolCall merges one OpenAI tool_call fragment into the per-index
// accumulator. No events are emitted until the stream completes.
func (t *StreamTranslator) accumulateToolCall(raw any) {
	call, ok := raw.(map[string]any)
	if !ok {
		return
	}

	idx := len(t.toolOrder)
	if v, ok := call["index"].(float64); ok {
		idx = int(v)
	}

	acc, ok := t.tools[idx]
	if !ok {
		acc = &toolAccum{}
		t.tools[idx] = acc
		t.toolOrder = append(t.toolOrder, idx)
	}

	if id, ok := call["id"].(string); ok && id != "" {
		acc.id = id
	}
	if fn, ok := call["function"].(map[string]any); ok {
		if name, ok := fn["name"].(string); ok && name != "" {
			acc.name = name
		}
		if args, ok := fn["arguments"].(string); ok {
			acc.args.WriteString(args)
		}
	}
}

func (t *StreamTranslator) closeTextBlock(out *bytes.Buffer) {
	if !t.textOpen {
		return
	}
	t.emit(out, "content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": t.nextIndex,
	})
	t.textOpen = false
	t.nextIndex++
}

// finish closes any open block, replays the accumulated tool calls as
// complete tool_use blocks, and terminates the message.
func (t *StreamTranslator) finish(out *bytes.Buffer) {
	if t.finished {
		return
	}
	t.finished = true

	t.closeTextBlock(out)

	for _, idx := range t.toolOrder {
		acc := t.tools[idx]
		t.emit(out, "content_block_start", map[string]any{
			"type":  "content_block_start",
			"index": t.nextIndex,
			"content_block": map[string]any{
				"type":  "tool_use",
				"id":    acc.id,
				"name":  acc.name,
				"input": map[string]any{},
			},
		})
		t.emit(out, "content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": t.nextIndex,
			"delta": map[string]any{
				"type":         "input_json_delta",
				"partial_json": acc.args.String(),
			},
		})
		t.emit(out, "content_block_stop", map[string]any{
			"type":  "content_block_stop",
			"index": t.nextIndex,
		})
		t.nextIndex++
	}

	t.emit(out, "message_delta", map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   StopReason(t.finishReason),
			"stop_sequence": nil,
		},
		"usage": map[string]any{
			"output_tokens": t.outputTokens,
		},
	})
	t.emit(out, "message_stop", map[string]any{
		"type": "message_stop",
	})
}

func (t *StreamTranslator) emit(out *bytes.Buffer, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(out, "event: %s\ndata: %s\n\n", event, data)
}
