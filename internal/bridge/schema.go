package bridge

import "strings"

// Schema keywords that Gemini-style backends reject. $defs and $ref are
// handled separately (references are resolved before stripping).
var geminiUnsupportedKeys = []string{
	"additionalProperties",
	"minLength",
	"maxLength",
	"format",
	"minimum",
	"maximum",
	"pattern",
}

// GeminiProvider reports whether a provider name marks its upstream as
// Gemini-style. Matching on the name rather than the host is intentional:
// it lets any gateway be marked Gemini-style by naming it so.
func GeminiProvider(name string) bool {
	return strings.Contains(strings.ToLower(name), "gemini")
}

// NormalizeGeminiTools rewrites every tool schema in body to the subset of
// JSON Schema that Gemini-style backends accept. Both the Anthropic shape
// (tools[].input_schema) and the OpenAI shape (tools[].function.parameters)
// are handled. The input is not modified.
func NormalizeGeminiTools(body map[string]any) map[string]any {
	tools, ok := body["tools"].([]any)
	if !ok || len(tools) == 0 {
		return body
	}

	out := make(map[string]any, len(body))
	for k, v := range body {
		out[k] = v
	}

	cleaned := make([]any, 0, len(tools))
	for _, t := range tools {
		tool, ok := t.(map[string]any)
		if !ok {
			cleaned = append(cleaned, t)
			continue
		}
		toolCopy := make(map[string]any, len(tool))
		for k, v := range tool {
			toolCopy[k] = v
		}
		if schema, ok := toolCopy["input_schema"].(map[string]any); ok {
			toolCopy["input_schema"] = CleanGeminiSchema(schema)
		}
		if fn, ok := toolCopy["function"].(map[string]any); ok {
			fnCopy := make(map[string]any, len(fn))
			for k, v := range fn {
				fnCopy[k] = v
			}
			if params, ok := fnCopy["parameters"].(map[string]any); ok {
				fnCopy["parameters"] = CleanGeminiSchema(params)
			}
			toolCopy["function"] = fnCopy
		}
		cleaned = append(cleaned, toolCopy)
	}
	out["tools"] = cleaned
	return out
}

// CleanGeminiSchema returns a copy of schema with unsupported JSON Schema
// features removed:
//
//   - $ref resolved against $defs, then both stripped
//   - additionalProperties, min/max bounds, format, pattern stripped
//   - ["T","null"] type arrays collapsed to "T"
//   - const replaced with a single-element enum
//   - anyOf consisting solely of literals flattened into enum
func CleanGeminiSchema(schema map[string]any) map[string]any {
	defs, _ := schema["$defs"].(map[string]any)
	cleaned, _ := cleanSchemaNode(schema, defs).(map[string]any)
	return cleaned
}

func cleanSchemaNode(node any, defs map[string]any) any {
	switch v := node.(type) {
	case map[string]any:
		return cleanSchemaMap(v, defs)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = cleanSchemaNode(e, defs)
		}
		return out
	}
	return node
}

func cleanSchemaMap(node map[string]any, defs map[string]any) map[string]any {
	// Resolve a reference before any stripping so the target's content
	// survives; sibling keys of $ref override the resolved definition.
	if ref, ok := node["$ref"].(string); ok {
		if resolved := resolveRef(ref, defs); resolved != nil {
			merged := make(map[string]any, len(resolved)+len(node))
			for k, val := range resolved {
				merged[k] = val
			}
			for k, val := range node {
				if k != "$ref" {
					merged[k] = val
				}
			}
			node = merged
		}
	}

	out := make(map[string]any, len(node))
	for k, val := range node {
		out[k] = val
	}
	delete(out, "$ref")
	delete(out, "$defs")
	for _, k := range geminiUnsupportedKeys {
		delete(out, k)
	}

	if types, ok := out["type"].([]any); ok {
		out["type"] = collapseNullableType(types)
	}

	if c, ok := out["const"]; ok {
		delete(out, "const")
		out["enum"] = []any{c}
	}

	if anyOf, ok := out["anyOf"].([]any); ok {
		if literals, all := literalValues(anyOf); all {
			delete(out, "anyOf")
			out["enum"] = literals
		}
	}

	for k, val := range out {
		out[k] = cleanSchemaNode(val, defs)
	}
	return out
}

// resolveRef looks up "#/$defs/Name" in defs. Unknown reference shapes
// resolve to nil and the $ref is dropped.
func resolveRef(ref string, defs map[string]any) map[string]any {
	const prefix = "#/$defs/"
	if defs == nil || !strings.HasPrefix(ref, prefix) {
		return nil
	}
	target, _ := defs[strings.TrimPrefix(ref, prefix)].(map[string]any)
	return target
}

// collapseNullableType reduces a ["T","null"] union to "T". Arrays with
// more than one non-null member are left as-is minus the null.
func collapseNullableType(types []any) any {
	nonNull := make([]any, 0, len(types))
	for _, t := range types {
		if s, ok := t.(string); ok && s == "null" {
			continue
		}
		nonNull = append(nonNull, t)
	}
	if len(nonNull) == 1 {
		return nonNull[0]
	}
	return nonNull
}

// literalValues extracts const values from an anyOf list. Returns all=true
// only when every branch is a pure literal (const plus at most a type).
func literalValues(anyOf []any) (values []any, all bool) {
	for _, branch := range anyOf {
		m, ok := branch.(map[string]any)
		if !ok {
			return nil, false
		}
		c, ok := m["const"]
		if !ok {
			return nil, false
		}
		for k := range m {
			if k != "const" && k != "type" {
				return nil, false
			}
		}
		values = append(values, c)
	}
	return values, len(anyOf) > 0
}
