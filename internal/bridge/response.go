package bridge

import "encoding/json"

// OpenAIToAnthropicResponse converts a buffered OpenAI Chat Completions
// response into the Anthropic Messages response shape.
func OpenAIToAnthropicResponse(resp map[string]any) map[string]any {
	var message map[string]any
	var finishReason string

	if choices, ok := resp["choices"].([]any); ok && len(choices) > 0 {
		if c0, ok := choices[0].(map[string]any); ok {
			message, _ = c0["message"].(map[string]any)
			finishReason, _ = c0["finish_reason"].(string)
		}
	}

	content := make([]any, 0, 2)
	if message != nil {
		if text, ok := message["content"].(string); ok && text != "" {
			content = append(content, map[string]any{"type": "text", "text": text})
		}
		if toolCalls, ok := message["tool_calls"].([]any); ok {
			for _, tc := range toolCalls {
				if block := toolCallToBlock(tc); block != nil {
					content = append(content, block)
				}
			}
		}
	}
	if len(content) == 0 {
		content = append(content, map[string]any{"type": "text", "text": ""})
	}

	id, _ := resp["id"].(string)
	if id == "" {
		id = "msg_converted"
	}

	out := map[string]any{
		"id":            id,
		"type":          "message",
		"role":          "assistant",
		"model":         resp["model"],
		"content":       content,
		"stop_reason":   StopReason(finishReason),
		"stop_sequence": nil,
		"usage":         convertUsage(resp["usage"]),
	}
	return out
}

// toolCallToBlock converts one OpenAI tool_call into an Anthropic tool_use
// block. The arguments string is parsed as JSON; when parsing fails the raw
// string is kept so nothing is lost.
func toolCallToBlock(tc any) map[string]any {
	call, ok := tc.(map[string]any)
	if !ok {
		return nil
	}
	fn, _ := call["function"].(map[string]any)
	if fn == nil {
		return nil
	}

	var input any = map[string]any{}
	if args, ok := fn["arguments"].(string); ok && args != "" {
		input = parseArguments(args)
	}

	return map[string]any{
		"type":  "tool_use",
		"id":    call["id"],
		"name":  fn["name"],
		"input": input,
	}
}

// parseArguments decodes a tool-call arguments string. A malformed payload
// is returned verbatim rather than discarded.
func parseArguments(args string) any {
	var v any
	if err := json.Unmarshal([]byte(args), &v); err != nil {
		return args
	}
	return v
}

// StopReason maps an OpenAI finish_reason to the Anthropic stop_reason.
// Unknown values map to end_turn.
func StopReason(finishReason string) string {
	switch finishReason {
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	case "stop", "content_filter":
		return "end_turn"
	}
	return "end_turn"
}

func convertUsage(usage any) map[string]any {
	out := map[string]any{
		"input_tokens":  0,
		"output_tokens": 0,
	}
	u, ok := usage.(map[string]any)
	if !ok {
		return out
	}
	if v, ok := u["prompt_tokens"].(float64); ok {
		out["input_tokens"] = int(v)
	}
	if v, ok := u["completion_tokens"].(float64); ok {
		out["output_tokens"] = int(v)
	}
	return out
}
