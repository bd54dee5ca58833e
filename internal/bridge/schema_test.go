package bridge

import (
	"reflect"
	"testing"
)

func TestGeminiProvider(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"gemini", true},
		{"Gemini-Proxy", true},
		{"vertex-gemini-2", true},
		{"openrouter", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := GeminiProvider(tt.name); got != tt.want {
			t.Errorf("GeminiProvider(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestCleanGeminiSchemaStripsUnsupported(t *testing.T) {
	schema := decode(t, `{
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"name": {"type": "string", "minLength": 1, "maxLength": 64, "pattern": "^[a-z]+$"},
			"count": {"type": "integer", "minimum": 0, "maximum": 10},
			"when": {"type": "string", "format": "date-time"}
		}
	}`)

	out := CleanGeminiSchema(schema)

	if _, ok := out["additionalProperties"]; ok {
		t.Error("additionalProperties not stripped")
	}
	props := out["properties"].(map[string]any)
	name := props["name"].(map[string]any)
	for _, k := range []string{"minLength", "maxLength", "pattern"} {
		if _, ok := name[k]; ok {
			t.Errorf("%s not stripped from nested schema", k)
		}
	}
	count := props["count"].(map[string]any)
	if _, ok := count["minimum"]; ok {
		t.Error("minimum not stripped")
	}
	if _, ok := props["when"].(map[string]any)["format"]; ok {
		t.Error("format not stripped")
	}
	if name["type"] != "string" || count["type"] != "integer" {
		t.Errorf("types must survive: %v", props)
	}
}

func TestCleanGeminiSchemaResolvesRefs(t *testing.T) {
	schema := decode(t, `{
		"type": "object",
		"$defs": {
			"City": {"type": "string", "description": "city name", "minLength": 1}
		},
		"properties": {
			"city": {"$ref": "#/$defs/City", "description": "overridden"}
		}
	}`)

	out := CleanGeminiSchema(schema)
	if _, ok := out["$defs"]; ok {
		t.Error("$defs not stripped")
	}

	city := out["properties"].(map[string]any)["city"].(map[string]any)
	if _, ok := city["$ref"]; ok {
		t.Error("$ref not resolved")
	}
	if city["type"] != "string" {
		t.Errorf("resolved type lost: %v", city)
	}
	if city["description"] != "overridden" {
		t.Errorf("sibling key should win over definition: %v", city)
	}
	if _, ok := city["minLength"]; ok {
		t.Error("resolved definition should still be cleaned")
	}
}

func TestCleanGeminiSchemaNullableAndLiterals(t *testing.T) {
	schema := decode(t, `{
		"type": "object",
		"properties": {
			"note": {"type": ["string", "null"]},
			"mode": {"const": "fast"},
			"level": {"anyOf": [
				{"const": "low", "type": "string"},
				{"const": "high", "type": "string"}
			]}
		}
	}`)

	props := CleanGeminiSchema(schema)["properties"].(map[string]any)

	if props["note"].(map[string]any)["type"] != "string" {
		t.Errorf("nullable type not collapsed: %v", props["note"])
	}

	mode := props["mode"].(map[string]any)
	if _, ok := mode["const"]; ok {
		t.Error("const not rewritten")
	}
	if !reflect.DeepEqual(mode["enum"], []any{"fast"}) {
		t.Errorf("const should become single-element enum: %v", mode)
	}

	level := props["level"].(map[string]any)
	if _, ok := level["anyOf"]; ok {
		t.Error("literal anyOf not flattened")
	}
	if !reflect.DeepEqual(level["enum"], []any{"low", "high"}) {
		t.Errorf("anyOf literals should become enum: %v", level)
	}
}

func TestCleanGeminiSchemaKeepsStructuralAnyOf(t *testing.T) {
	schema := decode(t, `{
		"anyOf": [
			{"type": "string"},
			{"type": "object", "properties": {"x": {"type": "integer"}}}
		]
	}`)

	out := CleanGeminiSchema(schema)
	if _, ok := out["anyOf"].([]any); !ok {
		t.Errorf("non-literal anyOf must survive: %v", out)
	}
}

func TestNormalizeGeminiToolsBothShapes(t *testing.T) {
	body := decode(t, `{
		"model": "m",
		"tools": [
			{"name": "a", "input_schema": {"type": "object", "additionalProperties": false}},
			{"type": "function", "function": {"name": "b", "parameters": {"type": "object", "additionalProperties": false}}}
		]
	}`)

	out := NormalizeGeminiTools(body)

	// Input untouched.
	origTool := body["tools"].([]any)[0].(map[string]any)
	if _, ok := origTool["input_schema"].(map[string]any)["additionalProperties"]; !ok {
		t.Error("input body was mutated")
	}

	tools := out["tools"].([]any)
	t0 := tools[0].(map[string]any)["input_schema"].(map[string]any)
	if _, ok := t0["additionalProperties"]; ok {
		t.Error("anthropic-shape schema not cleaned")
	}
	t1 := tools[1].(map[string]any)["function"].(map[string]any)["parameters"].(map[string]any)
	if _, ok := t1["additionalProperties"]; ok {
		t.Error("openai-shape schema not cleaned")
	}
}

func TestNormalizeGeminiToolsNoTools(t *testing.T) {
	body := decode(t, `{"model": "m", "messages": []}`)
	if out := NormalizeGeminiTools(body); !reflect.DeepEqual(out, body) {
		t.Errorf("body without tools should pass through: %v", out)
	}
}
