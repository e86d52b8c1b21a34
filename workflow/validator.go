package workflow

import (
	"fmt"
	"strings"

	"github.com/flowsmith/flowsmith/types"
	"github.com/flowsmith/flowsmith/workflow/dsl"
)

// ValidationResult collects everything wrong with a definition.
// Errors block scheduling; warnings do not.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`

	cycle bool
}

func (r *ValidationResult) addError(format string, args ...any) {
	r.Valid = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) addWarning(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Err folds the result into a single error, nil when valid. A detected
// cycle keeps its dedicated error code so callers can branch on it.
func (r *ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	code := types.ErrValidation
	if r.cycle {
		code = types.ErrCycleDetected
	}
	return types.NewErrorf(code, "invalid workflow definition: %s", strings.Join(r.Errors, "; "))
}

// ValidateDefinition checks a definition for structural and per-type
// problems. It accepts partial definitions (authoring tools validate as
// the user edits), so every problem is reported rather than the first.
func ValidateDefinition(def *Definition) *ValidationResult {
	result := &ValidationResult{Valid: true}

	if def == nil {
		result.addError("definition is nil")
		return result
	}
	if def.Name == "" {
		result.addError("workflow name is required")
	}
	if len(def.Nodes) == 0 {
		result.addError("workflow has no nodes")
		return result
	}

	ids := make(map[string]bool, len(def.Nodes))
	for i := range def.Nodes {
		node := &def.Nodes[i]
		if node.ID == "" {
			result.addError("node %d has an empty id", i)
			continue
		}
		if ids[node.ID] {
			result.addError("duplicate node id %s", node.ID)
			continue
		}
		ids[node.ID] = true

		if !node.Type.Valid() {
			result.addError("node %s has unknown type %q", node.ID, node.Type)
			continue
		}
		validateNodeConfig(node, result)
	}

	for i := range def.Edges {
		edge := &def.Edges[i]
		if !ids[edge.Source] {
			result.addError("edge %d references unknown source node %s", i, edge.Source)
		}
		if !ids[edge.Target] {
			result.addError("edge %d references unknown target node %s", i, edge.Target)
		}
	}

	if !def.Settings.ErrorMode.Valid() {
		result.addError("unknown error mode %q", def.Settings.ErrorMode)
	}
	for i := range def.Triggers {
		if !def.Triggers[i].Type.Valid() {
			result.addError("trigger %d has unknown type %q", i, def.Triggers[i].Type)
		}
	}

	detectCycles(def, ids, result)
	detectDisconnected(def, result)

	return result
}

// validateNodeConfig enforces the per-type required fields.
func validateNodeConfig(node *Node, result *ValidationResult) {
	cfg := &node.Config

	switch node.Type {
	case NodeTypeAgent:
		if cfg.AgentID == "" {
			result.addError("agent node %s requires an agent_id", node.ID)
		}

	case NodeTypeTool:
		if cfg.ToolID == "" {
			result.addError("tool node %s requires a tool_id", node.ID)
		}

	case NodeTypeHybrid:
		if cfg.AgentID == "" {
			result.addError("hybrid node %s requires an agent_id", node.ID)
		}
		if len(cfg.ToolIDs) == 0 {
			result.addError("hybrid node %s requires a non-empty tool_ids list", node.ID)
		}
		if cfg.Strategy != "" && !cfg.Strategy.Valid() {
			result.addError("hybrid node %s has unknown strategy %q", node.ID, cfg.Strategy)
		}

	case NodeTypeCondition:
		if cfg.Expression == "" {
			result.addError("condition node %s requires an expression", node.ID)
		}

	case NodeTypeLoop:
		if cfg.Expression == "" && cfg.MaxIterations <= 0 {
			result.addError("loop node %s requires an expression or max_iterations", node.ID)
		}
		if cfg.ToolID == "" && cfg.Transform == nil {
			result.addError("loop node %s requires a body: a tool_id or a transform", node.ID)
		}

	case NodeTypeHumanInput:
		if cfg.Prompt == "" {
			result.addError("human_input node %s requires a prompt", node.ID)
		}

	case NodeTypeTransformer:
		if cfg.Transform == nil {
			result.addError("transformer node %s requires a transform", node.ID)
			return
		}
		switch cfg.Transform.Kind {
		case dsl.TransformScript:
			if cfg.Transform.Script == "" {
				result.addError("transformer node %s: script transform requires a script body", node.ID)
			}
		case dsl.TransformExtract:
			if cfg.Transform.Path == "" {
				result.addError("transformer node %s: extract transform requires a path", node.ID)
			}
		case dsl.TransformTemplate:
			if cfg.Transform.Template == "" {
				result.addError("transformer node %s: template transform requires a template", node.ID)
			}
		default:
			result.addError("transformer node %s has unknown transform kind %q", node.ID, cfg.Transform.Kind)
		}
	}

	if !cfg.OnError.Valid() {
		result.addError("node %s has unknown error mode %q", node.ID, cfg.OnError)
	}
}

// detectCycles runs a three-color depth-first traversal. A back edge to
// a node still being visited is a cycle and a hard error.
func detectCycles(def *Definition, ids map[string]bool, result *ValidationResult) {
	const (
		white = iota // unvisited
		gray         // on the current path
		black        // fully explored
	)

	adj := make(map[string][]string, len(def.Nodes))
	for _, edge := range def.Edges {
		if ids[edge.Source] && ids[edge.Target] {
			adj[edge.Source] = append(adj[edge.Source], edge.Target)
		}
	}

	colors := make(map[string]int, len(def.Nodes))

	var visit func(id string) string
	visit = func(id string) string {
		colors[id] = gray
		for _, next := range adj[id] {
			switch colors[next] {
			case gray:
				return next
			case white:
				if at := visit(next); at != "" {
					return at
				}
			}
		}
		colors[id] = black
		return ""
	}

	for i := range def.Nodes {
		id := def.Nodes[i].ID
		if id == "" || colors[id] != white {
			continue
		}
		if at := visit(id); at != "" {
			result.cycle = true
			result.addError("cycle detected involving node %s", at)
			return
		}
	}
}

// detectDisconnected warns about nodes that appear in no edge at all.
// A single-node workflow is trivially connected.
func detectDisconnected(def *Definition, result *ValidationResult) {
	if len(def.Nodes) <= 1 {
		return
	}

	connected := make(map[string]bool, len(def.Nodes))
	for _, edge := range def.Edges {
		connected[edge.Source] = true
		connected[edge.Target] = true
	}

	for i := range def.Nodes {
		id := def.Nodes[i].ID
		if id != "" && !connected[id] {
			result.addWarning("node %s is not connected to any edge", id)
		}
	}
}
