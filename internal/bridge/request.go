// Package bridge translates between the Anthropic Messages schema and the
// OpenAI Chat Completions schema, in both directions and for both buffered
// and streaming responses.
//
// Translation operates on decoded JSON (map[string]any) rather than typed
// structs: the proxy must forward vendor extensions and unknown fields it
// has never seen, and a typed model would silently drop them.
package bridge

import (
	"encoding/json"
	"strings"
)

// AnthropicToOpenAIRequest converts an Anthropic Messages request body into
// an OpenAI Chat Completions body. The input is not modified.
//
// Carried over: model, max_tokens, temperature, top_p, stream.
// Renamed: stop_sequences → stop. Dropped: top_k, metadata.
func AnthropicToOpenAIRequest(req map[string]any) map[string]any {
	out := make(map[string]any, 8)

	for _, key := range []string{"model", "max_tokens", "temperature", "top_p", "stream"} {
		if v, ok := req[key]; ok {
			out[key] = v
		}
	}
	if v, ok := req["stop_sequences"]; ok {
		out["stop"] = v
	}

	msgs := make([]any, 0, 8)

	if sys, ok := req["system"]; ok {
		if text := systemText(sys); text != "" {
			msgs = append(msgs, map[string]any{"role": "system", "content": text})
		}
	}

	if in, ok := req["messages"].([]any); ok {
		for _, m := range in {
			msg, ok := m.(map[string]any)
			if !ok {
				continue
			}
			msgs = append(msgs, convertMessage(msg)...)
		}
	}
	out["messages"] = msgs

	if tools, ok := req["tools"].([]any); ok && len(tools) > 0 {
		out["tools"] = convertTools(tools)
	}
	if tc, ok := req["tool_choice"]; ok {
		if converted := convertToolChoice(tc); converted != nil {
			out["tool_choice"] = converted
		}
	}

	if stream, _ := out["stream"].(bool); stream {
		out["stream_options"] = map[string]any{"include_usage": true}
	}

	return out
}

// systemText joins a top-level system prompt — either a bare string or an
// array of content blocks — into one string.
func systemText(sys any) string {
	switch v := sys.(type) {
	case string:
		return v
	case []any:
		var parts []string
		for _, b := range v {
			if block, ok := b.(map[string]any); ok {
				if text, ok := block["text"].(string); ok && text != "" {
					parts = append(parts, text)
				}
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// convertMessage maps one Anthropic message to one or more OpenAI messages.
// tool_result blocks inside a user message split out into role:"tool"
// messages; tool_use blocks inside an assistant message become tool_calls.
func convertMessage(msg map[string]any) []any {
	role, _ := msg["role"].(string)

	content, isArray := msg["content"].([]any)
	if !isArray {
		// Plain string content passes through untouched.
		return []any{map[string]any{"role": role, "content": msg["content"]}}
	}

	if role == "assistant" {
		return []any{convertAssistantMessage(content)}
	}
	return convertUserMessage(role, content)
}

func convertUserMessage(role string, blocks []any) []any {
	var texts []string
	var toolMsgs []any

	for _, b := range blocks {
		block, ok := b.(map[string]any)
		if !ok {
			continue
		}
		switch block["type"] {
		case "tool_result":
			toolMsgs = append(toolMsgs, map[string]any{
				"role":         "tool",
				"tool_call_id": block["tool_use_id"],
				"content":      blockText(block["content"]),
			})
		case "text":
			if text, ok := block["text"].(string); ok {
				texts = append(texts, text)
			}
		}
	}

	out := make([]any, 0, 1+len(toolMsgs))
	if len(texts) > 0 {
		out = append(out, map[string]any{"role": role, "content": strings.Join(texts, "\n")})
	}
	out = append(out, toolMsgs...)
	return out
}

func convertAssistantMessage(blocks []any) map[string]any {
	var texts []string
	var toolCalls []any

	for _, b := range blocks {
		block, ok := b.(map[string]any)
		if !ok {
			continue
		}
		switch block["type"] {
		case "text":
			if text, ok := block["text"].(string); ok {
				texts = append(texts, text)
			}
		case "tool_use":
			args := "{}"
			if input, ok := block["input"]; ok {
				if data, err := json.Marshal(input); err == nil {
					args = string(data)
				}
			}
			name, _ := block["name"].(string)
			toolCalls = append(toolCalls, map[string]any{
				"id":   block["id"],
				"type": "function",
				"function": map[string]any{
					"name":      name,
					"arguments": args,
				},
			})
		}
	}

	out := map[string]any{"role": "assistant"}
	if len(texts) > 0 {
		out["content"] = strings.Join(texts, "")
	} else {
		out["content"] = nil
	}
	if len(toolCalls) > 0 {
		out["tool_calls"] = toolCalls
	}
	return out
}

// blockText flattens a tool_result content value (string or block array)
// into a plain string for the role:"tool" message.
func blockText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var parts []string
		for _, b := range v {
			if block, ok := b.(map[string]any); ok {
				if text, ok := block["text"].(string); ok {
					parts = append(parts, text)
				}
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// convertTools maps Anthropic tool definitions to OpenAI function tools.
func convertTools(tools []any) []any {
	out := make([]any, 0, len(tools))
	for _, t := range tools {
		tool, ok := t.(map[string]any)
		if !ok {
			continue
		}
		fn := map[string]any{
			"name": tool["name"],
		}
		if desc, ok := tool["description"]; ok {
			fn["description"] = desc
		}
		if schema, ok := tool["input_schema"]; ok {
			fn["parameters"] = schema
		}
		out = append(out, map[string]any{
			"type":     "function",
			"function": fn,
		})
	}
	return out
}

// convertToolChoice maps Anthropic tool_choice to the OpenAI equivalent.
//
//	{type:"auto"}             → "auto"
//	{type:"any"}              → "required"
//	{type:"tool", name:"..."} → {type:"function", function:{name:"..."}}
func convertToolChoice(tc any) any {
	choice, ok := tc.(map[string]any)
	if !ok {
		return nil
	}
	switch choice["type"] {
	case "auto":
		return "auto"
	case "any":
		return "required"
	case "tool":
		return map[string]any{
			"type":     "function",
			"function": map[string]any{"name": choice["name"]},
		}
	}
	return nil
}
