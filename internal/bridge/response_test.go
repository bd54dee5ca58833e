package bridge

import (
	"reflect"
	"testing"
)

func TestResponseTextOnly(t *testing.T) {
	resp := decode(t, `{
		"id": "chatcmpl-123",
		"model": "gpt-4o",
		"choices": [{
			"message": {"role": "assistant", "content": "Hello there"},
			"finish_reason": "stop"
		}],
		"usage": {"prompt_tokens": 12, "completion_tokens": 5}
	}`)

	out := OpenAIToAnthropicResponse(resp)

	if out["id"] != "chatcmpl-123" || out["type"] != "message" || out["role"] != "assistant" {
		t.Errorf("envelope wrong: %v", out)
	}
	if out["stop_reason"] != "end_turn" {
		t.Errorf("stop_reason = %v, want end_turn", out["stop_reason"])
	}

	content := out["content"].([]any)
	if len(content) != 1 {
		t.Fatalf("expected 1 block, got %d", len(content))
	}
	block := content[0].(map[string]any)
	if block["type"] != "text" || block["text"] != "Hello there" {
		t.Errorf("text block wrong: %v", block)
	}

	usage := out["usage"].(map[string]any)
	if usage["input_tokens"] != 12 || usage["output_tokens"] != 5 {
		t.Errorf("usage wrong: %v", usage)
	}
}

func TestResponseToolCalls(t *testing.T) {
	resp := decode(t, `{
		"id": "chatcmpl-456",
		"choices": [{
			"message": {
				"role": "assistant",
				"content": null,
				"tool_calls": [{
					"id": "call_1",
					"type": "function",
					"function": {"name": "get_weather", "arguments": "{\"city\":\"Oslo\"}"}
				}]
			},
			"finish_reason": "tool_calls"
		}]
	}`)

	out := OpenAIToAnthropicResponse(resp)
	if out["stop_reason"] != "tool_use" {
		t.Errorf("stop_reason = %v, want tool_use", out["stop_reason"])
	}

	content := out["content"].([]any)
	block := content[0].(map[string]any)
	if block["type"] != "tool_use" || block["id"] != "call_1" || block["name"] != "get_weather" {
		t.Errorf("tool_use block wrong: %v", block)
	}
	want := map[string]any{"city": "Oslo"}
	if !reflect.DeepEqual(block["input"], want) {
		t.Errorf("input = %v, want %v", block["input"], want)
	}
}

func TestResponseMalformedArgumentsKeptVerbatim(t *testing.T) {
	resp := decode(t, `{
		"choices": [{
			"message": {
				"role": "assistant",
				"tool_calls": [{
					"id": "call_1",
					"function": {"name": "f", "arguments": "{not json"}
				}]
			},
			"finish_reason": "tool_calls"
		}]
	}`)

	block := OpenAIToAnthropicResponse(resp)["content"].([]any)[0].(map[string]any)
	if block["input"] != "{not json" {
		t.Errorf("malformed arguments should pass through raw, got %v", block["input"])
	}
}

func TestResponseEmptyContentGetsEmptyTextBlock(t *testing.T) {
	resp := decode(t, `{"choices":[{"message":{"role":"assistant","content":null},"finish_reason":"stop"}]}`)

	out := OpenAIToAnthropicResponse(resp)
	content := out["content"].([]any)
	if len(content) != 1 {
		t.Fatalf("expected placeholder block, got %d blocks", len(content))
	}
	block := content[0].(map[string]any)
	if block["type"] != "text" || block["text"] != "" {
		t.Errorf("placeholder block wrong: %v", block)
	}
	if out["id"] != "msg_converted" {
		t.Errorf("missing id should use fallback, got %v", out["id"])
	}
}

func TestStopReason(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"stop", "end_turn"},
		{"length", "max_tokens"},
		{"tool_calls", "tool_use"},
		{"content_filter", "end_turn"},
		{"", "end_turn"},
		{"something_new", "end_turn"},
	}
	for _, tt := range tests {
		if got := StopReason(tt.in); got != tt.want {
			t.Errorf("StopReason(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// A request translated out and a response translated back must preserve the
// assistant's text and a terminal stop reason.
func TestRoundTripPreservesText(t *testing.T) {
	req := decode(t, `{
		"model": "claude-sonnet-4-5",
		"max_tokens": 100,
		"messages": [{"role": "user", "content": "Say hi"}]
	}`)

	oaReq := AnthropicToOpenAIRequest(req)
	if oaReq["model"] != "claude-sonnet-4-5" {
		t.Fatalf("request model lost: %v", oaReq["model"])
	}

	oaResp := decode(t, `{
		"id": "chatcmpl-rt",
		"model": "claude-sonnet-4-5",
		"choices": [{"message": {"role": "assistant", "content": "hi"}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 3, "completion_tokens": 1}
	}`)

	out := OpenAIToAnthropicResponse(oaResp)
	block := out["content"].([]any)[0].(map[string]any)
	if block["text"] != "hi" {
		t.Errorf("round trip lost text: %v", block)
	}
	if out["stop_reason"] != "end_turn" {
		t.Errorf("round trip stop_reason = %v, want end_turn", out["stop_reason"])
	}
}
