package agents

import (
	"encoding/json"
	"strings"
)

// PlanStep is one proposed tool invocation in an agent-authored plan.
type PlanStep struct {
	ToolID string         `json:"tool_id"`
	Input  map[string]any `json:"input,omitempty"`
}

// ToolPlan is an ordered list of tool invocations extracted from agent output.
type ToolPlan struct {
	Steps []PlanStep `json:"steps"`
}

// Empty reports whether the plan contains no steps.
func (p ToolPlan) Empty() bool {
	return len(p.Steps) == 0
}

// ToolIDs returns the tool ids in plan order.
func (p ToolPlan) ToolIDs() []string {
	ids := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		ids = append(ids, s.ToolID)
	}
	return ids
}

// ParsePlan extracts a tool plan from free-form agent output. The text is
// untrusted: fenced code blocks, a bare JSON array, or an object carrying a
// plan/steps/tools list are all accepted, and anything unparseable yields an
// empty plan rather than an error. Steps without a tool id are dropped.
func ParsePlan(content string) ToolPlan {
	content = strings.TrimSpace(content)
	if content == "" {
		return ToolPlan{}
	}

	for _, candidate := range planCandidates(content) {
		if steps, ok := decodePlan(candidate); ok && len(steps) > 0 {
			return ToolPlan{Steps: steps}
		}
	}
	return ToolPlan{}
}

// planCandidates lists the substrings worth attempting a JSON decode on,
// most specific first: fenced blocks, then a bracket-delimited array slice,
// then a brace-delimited object slice, then the whole text.
func planCandidates(s string) []string {
	candidates := extractFenced(s)

	if arr := sliceBetween(s, '[', ']'); arr != "" {
		candidates = append(candidates, arr)
	}
	if obj := sliceBetween(s, '{', '}'); obj != "" {
		candidates = append(candidates, obj)
	}
	return append(candidates, s)
}

// extractFenced returns the contents of all ``` fenced blocks, with an
// optional language tag on the opening fence stripped.
func extractFenced(s string) []string {
	var blocks []string
	for {
		start := strings.Index(s, "```")
		if start < 0 {
			break
		}
		rest := s[start+3:]
		end := strings.Index(rest, "```")
		if end < 0 {
			break
		}
		block := rest[:end]
		if nl := strings.IndexByte(block, '\n'); nl >= 0 {
			tag := strings.TrimSpace(block[:nl])
			if tag == "" || !strings.ContainsAny(tag, "{}[]") {
				block = block[nl+1:]
			}
		}
		if block = strings.TrimSpace(block); block != "" {
			blocks = append(blocks, block)
		}
		s = rest[end+3:]
	}
	return blocks
}

// sliceBetween returns the substring from the first opening delimiter to the
// last closing delimiter, or "" when the pair is absent or inverted.
func sliceBetween(s string, opening, closing byte) string {
	start := strings.IndexByte(s, opening)
	end := strings.LastIndexByte(s, closing)
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return ""
}

// decodePlan attempts to read a step list out of one candidate substring.
func decodePlan(candidate string) ([]PlanStep, bool) {
	var raw any
	if err := json.Unmarshal([]byte(candidate), &raw); err != nil {
		return nil, false
	}

	switch v := raw.(type) {
	case []any:
		return decodeSteps(v)
	case map[string]any:
		for _, key := range []string{"plan", "steps", "tools"} {
			if list, ok := v[key].([]any); ok {
				return decodeSteps(list)
			}
		}
	}
	return nil, false
}

func decodeSteps(list []any) ([]PlanStep, bool) {
	steps := make([]PlanStep, 0, len(list))
	for _, item := range list {
		if step, ok := decodeStep(item); ok {
			steps = append(steps, step)
		}
	}
	return steps, len(steps) > 0
}

// decodeStep accepts either a bare tool-id string or an object naming the
// tool under one of several common keys. String arguments are wrapped under
// an "input" key so every step carries a map.
func decodeStep(item any) (PlanStep, bool) {
	switch v := item.(type) {
	case string:
		if id := strings.TrimSpace(v); id != "" {
			return PlanStep{ToolID: id}, true
		}
	case map[string]any:
		step := PlanStep{ToolID: stringField(v, "tool", "tool_id", "toolId", "name", "id")}
		if step.ToolID == "" {
			return PlanStep{}, false
		}
		for _, key := range []string{"input", "args", "arguments", "params", "parameters"} {
			switch in := v[key].(type) {
			case map[string]any:
				step.Input = in
			case string:
				if in != "" {
					step.Input = map[string]any{"input": in}
				}
			default:
				continue
			}
			break
		}
		return step, true
	}
	return PlanStep{}, false
}

func stringField(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := m[key].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}
