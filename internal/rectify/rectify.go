// Package rectify repairs requests that an Anthropic-format upstream has
// rejected for a recognizable, mechanical reason: stale thinking-block
// signatures, a thinking budget below the vendor minimum, or tool_use blocks
// left without their tool_result. Each rule pairs a detector over the
// upstream error message with a mutation over a copy of the request body.
package rectify

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// Rule identifies one detector/mutator pair.
type Rule int

const (
	RuleNone Rule = iota
	RuleThinkingSignature
	RuleThinkingBudget
	RuleToolUseConcurrency
)

func (r Rule) String() string {
	switch r {
	case RuleThinkingSignature:
		return "thinking_signature"
	case RuleThinkingBudget:
		return "thinking_budget"
	case RuleToolUseConcurrency:
		return "tool_use_concurrency"
	}
	return "none"
}

// ExtractErrorMessage pulls a human-readable message out of an upstream
// error body. Tries error.message, then message, then error.type; falls back
// to the raw body so the detectors always have something to match against.
func ExtractErrorMessage(body []byte) string {
	for _, path := range []string{"error.message", "message", "error.type"} {
		if v := gjson.GetBytes(body, path); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return string(body)
}

// ── detectors ──

// Vendor phrasings vary; detection works on lowercase token sets rather than
// exact regex.
func containsAll(msg string, tokens ...string) bool {
	for _, tok := range tokens {
		if !strings.Contains(msg, tok) {
			return false
		}
	}
	return true
}

func containsAny(msg string, tokens ...string) bool {
	for _, tok := range tokens {
		if strings.Contains(msg, tok) {
			return true
		}
	}
	return false
}

// DetectThinkingSignature reports whether the error message indicates a
// rejected or missing thinking-block signature.
func DetectThinkingSignature(msg string) bool {
	m := strings.ToLower(msg)
	switch {
	case containsAll(m, "invalid", "signature", "thinking", "block"):
		return true
	case strings.Contains(m, "must start with a thinking block"):
		return true
	case containsAll(m, "expected", "found", "tool_use") && containsAny(m, "thinking", "redacted_thinking"):
		return true
	case containsAll(m, "signature", "field required"):
		return true
	case containsAll(m, "signature", "extra inputs are not permitted"):
		return true
	case strings.Contains(m, "cannot be modified") && containsAny(m, "thinking", "redacted_thinking"):
		return true
	case containsAny(m, "illegal request", "invalid request", "非法请求", "无效请求"):
		return true
	}
	return false
}

// DetectThinkingBudget reports whether the error message asserts the 1024
// token lower bound on thinking.budget_tokens.
func DetectThinkingBudget(msg string) bool {
	m := strings.ToLower(msg)
	if !strings.Contains(m, "thinking") {
		return false
	}
	if !containsAny(m, "budget_tokens", "budget tokens", "budget") {
		return false
	}
	if !strings.Contains(m, "1024") {
		return false
	}
	return containsAny(m,
		"greater than or equal to",
		"at least",
		">=",
		"≥",
		"minimum",
		"no less than",
	)
}

// DetectToolUseConcurrency reports whether the error message names tool_use
// blocks missing their tool_result.
func DetectToolUseConcurrency(msg string) bool {
	m := strings.ToLower(msg)
	return containsAll(m, "tool_use", "without", "tool_result")
}

var orphanedIDsRe = regexp.MustCompile("without `?tool_result`? blocks? immediately after:\\s*([^.]+)")

// OrphanedToolIDs parses the tool-call IDs the upstream listed as missing
// their tool_result.
func OrphanedToolIDs(msg string) []string {
	m := orphanedIDsRe.FindStringSubmatch(msg)
	if m == nil {
		return nil
	}
	var ids []string
	for _, part := range strings.Split(m[1], ",") {
		id := strings.Trim(strings.TrimSpace(part), "`")
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// Match returns the first rule whose detector fires for msg, honoring the
// per-rule enable flags. Rules already consumed this attempt are passed as
// tried and skipped.
func Match(msg string, enabled map[Rule]bool, tried map[Rule]bool) Rule {
	order := []struct {
		rule   Rule
		detect func(string) bool
	}{
		{RuleThinkingSignature, DetectThinkingSignature},
		{RuleThinkingBudget, DetectThinkingBudget},
		{RuleToolUseConcurrency, DetectToolUseConcurrency},
	}
	for _, entry := range order {
		if !enabled[entry.rule] || tried[entry.rule] {
			continue
		}
		if entry.detect(msg) {
			return entry.rule
		}
	}
	return RuleNone
}

// ── mutations ──

// Apply runs the rule's mutation against a deep copy of body. The boolean
// reports whether anything actually changed; when false the caller must not
// retry, since the rewritten request would fail identically.
func Apply(rule Rule, body map[string]any, errMsg string) (map[string]any, bool) {
	out := deepCopy(body)
	switch rule {
	case RuleThinkingSignature:
		return out, stripThinking(out)
	case RuleThinkingBudget:
		return out, raiseThinkingBudget(out)
	case RuleToolUseConcurrency:
		return out, insertToolResults(out, OrphanedToolIDs(errMsg))
	}
	return out, false
}

// deepCopy clones a decoded JSON body through a marshal round trip. The
// original is kept intact so a failed retry can fall back to it.
func deepCopy(body map[string]any) map[string]any {
	data, err := json.Marshal(body)
	if err != nil {
		return body
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return body
	}
	return out
}

// stripThinking removes thinking and redacted_thinking blocks from every
// message and from the top-level system array, and drops stray signature
// fields from the blocks that remain. The top-level thinking parameter is
// removed when the conversation shape shows the upstream would reject it
// again: enabled mode, a trailing assistant turn that no longer opens with a
// thinking block yet carries a tool_use.
func stripThinking(body map[string]any) bool {
	changed := false

	if msgs, ok := body["messages"].([]any); ok {
		for _, m := range msgs {
			msg, ok := m.(map[string]any)
			if !ok {
				continue
			}
			if blocks, ok := msg["content"].([]any); ok {
				if cleaned, c := stripThinkingBlocks(blocks); c {
					msg["content"] = cleaned
					changed = true
				}
			}
		}
	}
	if sys, ok := body["system"].([]any); ok {
		if cleaned, c := stripThinkingBlocks(sys); c {
			body["system"] = cleaned
			changed = true
		}
	}

	if shouldDropThinkingParam(body) {
		delete(body, "thinking")
		changed = true
	}
	return changed
}

func stripThinkingBlocks(blocks []any) ([]any, bool) {
	changed := false
	out := make([]any, 0, len(blocks))
	for _, b := range blocks {
		block, ok := b.(map[string]any)
		if !ok {
			out = append(out, b)
			continue
		}
		switch block["type"] {
		case "thinking", "redacted_thinking":
			changed = true
			continue
		}
		if _, ok := block["signature"]; ok {
			delete(block, "signature")
			changed = true
		}
		out = append(out, block)
	}
	return out, changed
}

func shouldDropThinkingParam(body map[string]any) bool {
	thinking, ok := body["thinking"].(map[string]any)
	if !ok || thinking["type"] != "enabled" {
		return false
	}

	msgs, _ := body["messages"].([]any)
	var last map[string]any
	for _, m := range msgs {
		if msg, ok := m.(map[string]any); ok && msg["role"] == "assistant" {
			last = msg
		}
	}
	if last == nil {
		return false
	}
	blocks, _ := last["content"].([]any)
	if len(blocks) == 0 {
		return false
	}

	if first, ok := blocks[0].(map[string]any); ok {
		if first["type"] == "thinking" || first["type"] == "redacted_thinking" {
			return false
		}
	}
	for _, b := range blocks {
		if block, ok := b.(map[string]any); ok && block["type"] == "tool_use" {
			return true
		}
	}
	return false
}

const (
	budgetFloor   = 32000
	maxTokensBump = 64000
)

// raiseThinkingBudget lifts the thinking budget to a safe value. Adaptive
// thinking manages its own budget and is left alone.
func raiseThinkingBudget(body map[string]any) bool {
	if thinking, ok := body["thinking"].(map[string]any); ok {
		if thinking["type"] == "adaptive" {
			return false
		}
	}

	changed := false

	thinking, _ := body["thinking"].(map[string]any)
	if thinking == nil {
		thinking = map[string]any{}
	}
	if thinking["type"] != "enabled" {
		thinking["type"] = "enabled"
		changed = true
	}
	if budget, ok := thinking["budget_tokens"].(float64); !ok || int(budget) != budgetFloor {
		thinking["budget_tokens"] = budgetFloor
		changed = true
	}
	body["thinking"] = thinking

	maxTokens, ok := body["max_tokens"].(float64)
	if !ok || maxTokens < float64(budgetFloor+1) {
		if int(maxTokens) != maxTokensBump {
			body["max_tokens"] = maxTokensBump
			changed = true
		}
	}
	return changed
}

// Message substituted for a tool result the client never produced.
const missingToolResultText = "Tool execution was interrupted and no result was recorded."

// insertToolResults satisfies orphaned tool_use blocks by adding is_error
// tool_result entries to the following user turn, creating that turn when
// the conversation ends on the assistant message.
func insertToolResults(body map[string]any, ids []string) bool {
	if len(ids) == 0 {
		return false
	}
	orphaned := make(map[string]bool, len(ids))
	for _, id := range ids {
		orphaned[id] = true
	}

	msgs, ok := body["messages"].([]any)
	if !ok {
		return false
	}

	changed := false
	for i := 0; i < len(msgs); i++ {
		msg, ok := msgs[i].(map[string]any)
		if !ok || msg["role"] != "assistant" {
			continue
		}
		missing := unansweredToolIDs(msg, orphaned)
		if len(missing) == 0 {
			continue
		}

		var next map[string]any
		if i+1 < len(msgs) {
			next, _ = msgs[i+1].(map[string]any)
		}

		if next != nil && next["role"] == "user" {
			if prependToolResults(next, missing) {
				changed = true
			}
			continue
		}

		results := make([]any, 0, len(missing))
		for _, id := range missing {
			results = append(results, errorToolResult(id))
		}
		inserted := map[string]any{"role": "user", "content": results}
		msgs = append(msgs[:i+1], append([]any{inserted}, msgs[i+1:]...)...)
		changed = true
		i++ // skip the message just inserted
	}
	body["messages"] = msgs
	return changed
}

// unansweredToolIDs lists this assistant message's tool_use IDs that are both
// orphaned per the upstream error and present in the message.
func unansweredToolIDs(msg map[string]any, orphaned map[string]bool) []string {
	blocks, _ := msg["content"].([]any)
	var ids []string
	for _, b := range blocks {
		block, ok := b.(map[string]any)
		if !ok || block["type"] != "tool_use" {
			continue
		}
		if id, ok := block["id"].(string); ok && orphaned[id] {
			ids = append(ids, id)
		}
	}
	return ids
}

// prependToolResults adds results for the missing IDs to the front of a user
// message, skipping IDs the message already answers.
func prependToolResults(msg map[string]any, ids []string) bool {
	existing := map[string]bool{}
	blocks, isArray := msg["content"].([]any)
	if isArray {
		for _, b := range blocks {
			if block, ok := b.(map[string]any); ok && block["type"] == "tool_result" {
				if id, ok := block["tool_use_id"].(string); ok {
					existing[id] = true
				}
			}
		}
	} else if text, ok := msg["content"].(string); ok {
		blocks = []any{map[string]any{"type": "text", "text": text}}
	}

	var results []any
	for _, id := range ids {
		if !existing[id] {
			results = append(results, errorToolResult(id))
		}
	}
	if len(results) == 0 {
		return false
	}
	msg["content"] = append(results, blocks...)
	return true
}

func errorToolResult(id string) map[string]any {
	return map[string]any{
		"type":        "tool_result",
		"tool_use_id": id,
		"is_error":    true,
		"content":     missingToolResultText,
	}
}
