package workflow

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowsmith/flowsmith/types"
	"github.com/flowsmith/flowsmith/workflow/dsl"
)

func TestValidateDefinitionNil(t *testing.T) {
	result := ValidateDefinition(nil)
	assert.False(t, result.Valid)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(result.Err()))
}

func TestValidateDefinitionStructural(t *testing.T) {
	tests := []struct {
		name    string
		def     *Definition
		wantErr string
	}{
		{
			name:    "missing name",
			def:     &Definition{ID: "x", Nodes: []Node{{ID: "a", Type: NodeTypeCondition, Config: NodeConfig{Expression: "x > 1"}}}},
			wantErr: "workflow name is required",
		},
		{
			name:    "no nodes",
			def:     &Definition{ID: "x", Name: "x"},
			wantErr: "workflow has no nodes",
		},
		{
			name: "empty node id",
			def: &Definition{ID: "x", Name: "x", Nodes: []Node{
				{Type: NodeTypeCondition, Config: NodeConfig{Expression: "x"}},
			}},
			wantErr: "node 0 has an empty id",
		},
		{
			name: "duplicate node id",
			def: &Definition{ID: "x", Name: "x", Nodes: []Node{
				{ID: "a", Type: NodeTypeCondition, Config: NodeConfig{Expression: "x"}},
				{ID: "a", Type: NodeTypeCondition, Config: NodeConfig{Expression: "x"}},
			}},
			wantErr: "duplicate node id a",
		},
		{
			name: "unknown node type",
			def: &Definition{ID: "x", Name: "x", Nodes: []Node{
				{ID: "a", Type: "teleport"},
			}},
			wantErr: `node a has unknown type "teleport"`,
		},
		{
			name: "edge with unknown source",
			def: &Definition{ID: "x", Name: "x",
				Nodes: []Node{{ID: "a", Type: NodeTypeCondition, Config: NodeConfig{Expression: "x"}}},
				Edges: []Edge{{Source: "ghost", Target: "a"}},
			},
			wantErr: "edge 0 references unknown source node ghost",
		},
		{
			name: "edge with unknown target",
			def: &Definition{ID: "x", Name: "x",
				Nodes: []Node{{ID: "a", Type: NodeTypeCondition, Config: NodeConfig{Expression: "x"}}},
				Edges: []Edge{{Source: "a", Target: "ghost"}},
			},
			wantErr: "edge 0 references unknown target node ghost",
		},
		{
			name: "unknown run error mode",
			def: &Definition{ID: "x", Name: "x",
				Nodes:    []Node{{ID: "a", Type: NodeTypeCondition, Config: NodeConfig{Expression: "x"}}},
				Settings: Settings{ErrorMode: "explode"},
			},
			wantErr: `unknown error mode "explode"`,
		},
		{
			name: "unknown trigger type",
			def: &Definition{ID: "x", Name: "x",
				Nodes:    []Node{{ID: "a", Type: NodeTypeCondition, Config: NodeConfig{Expression: "x"}}},
				Triggers: []Trigger{{Type: "webhook"}},
			},
			wantErr: `trigger 0 has unknown type "webhook"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ValidateDefinition(tt.def)
			assert.False(t, result.Valid)
			assert.Contains(t, result.Errors, tt.wantErr)
		})
	}
}

func TestValidateNodeConfigs(t *testing.T) {
	node := func(id string, nodeType NodeType, cfg NodeConfig) *Definition {
		return &Definition{ID: "x", Name: "x", Nodes: []Node{{ID: id, Type: nodeType, Config: cfg}}}
	}

	tests := []struct {
		name    string
		def     *Definition
		wantErr string
	}{
		{"agent without agent_id", node("a", NodeTypeAgent, NodeConfig{}), "agent node a requires an agent_id"},
		{"tool without tool_id", node("a", NodeTypeTool, NodeConfig{}), "tool node a requires a tool_id"},
		{"hybrid without agent", node("a", NodeTypeHybrid, NodeConfig{ToolIDs: []string{"t"}}), "hybrid node a requires an agent_id"},
		{"hybrid without tools", node("a", NodeTypeHybrid, NodeConfig{AgentID: "p"}), "hybrid node a requires a non-empty tool_ids list"},
		{
			"hybrid with unknown strategy",
			node("a", NodeTypeHybrid, NodeConfig{AgentID: "p", ToolIDs: []string{"t"}, Strategy: "vote"}),
			`hybrid node a has unknown strategy "vote"`,
		},
		{"condition without expression", node("a", NodeTypeCondition, NodeConfig{}), "condition node a requires an expression"},
		{
			"loop without bound",
			node("a", NodeTypeLoop, NodeConfig{ToolID: "t"}),
			"loop node a requires an expression or max_iterations",
		},
		{
			"loop without body",
			node("a", NodeTypeLoop, NodeConfig{MaxIterations: 3}),
			"loop node a requires a body: a tool_id or a transform",
		},
		{"human input without prompt", node("a", NodeTypeHumanInput, NodeConfig{}), "human_input node a requires a prompt"},
		{"transformer without transform", node("a", NodeTypeTransformer, NodeConfig{}), "transformer node a requires a transform"},
		{
			"script transform without body",
			node("a", NodeTypeTransformer, NodeConfig{Transform: &dsl.TransformSpec{Kind: dsl.TransformScript}}),
			"transformer node a: script transform requires a script body",
		},
		{
			"extract transform without path",
			node("a", NodeTypeTransformer, NodeConfig{Transform: &dsl.TransformSpec{Kind: dsl.TransformExtract}}),
			"transformer node a: extract transform requires a path",
		},
		{
			"template transform without template",
			node("a", NodeTypeTransformer, NodeConfig{Transform: &dsl.TransformSpec{Kind: dsl.TransformTemplate}}),
			"transformer node a: template transform requires a template",
		},
		{
			"unknown transform kind",
			node("a", NodeTypeTransformer, NodeConfig{Transform: &dsl.TransformSpec{Kind: "regex"}}),
			`transformer node a has unknown transform kind "regex"`,
		},
		{
			"unknown node error mode",
			node("a", NodeTypeCondition, NodeConfig{Expression: "x", OnError: "panic"}),
			`node a has unknown error mode "panic"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ValidateDefinition(tt.def)
			assert.False(t, result.Valid)
			assert.Contains(t, result.Errors, tt.wantErr)
		})
	}
}

func TestValidateCycle(t *testing.T) {
	def := &Definition{
		ID: "x", Name: "x",
		Nodes: []Node{
			{ID: "a", Type: NodeTypeCondition, Config: NodeConfig{Expression: "x"}},
			{ID: "b", Type: NodeTypeCondition, Config: NodeConfig{Expression: "x"}},
			{ID: "c", Type: NodeTypeCondition, Config: NodeConfig{Expression: "x"}},
		},
		Edges: []Edge{
			{Source: "a", Target: "b"},
			{Source: "b", Target: "c"},
			{Source: "c", Target: "a"},
		},
	}

	result := ValidateDefinition(def)
	assert.False(t, result.Valid)
	assert.Equal(t, types.ErrCycleDetected, types.GetErrorCode(result.Err()))
}

func TestValidateSelfLoop(t *testing.T) {
	def := &Definition{
		ID: "x", Name: "x",
		Nodes: []Node{{ID: "a", Type: NodeTypeCondition, Config: NodeConfig{Expression: "x"}}},
		Edges: []Edge{{Source: "a", Target: "a"}},
	}

	result := ValidateDefinition(def)
	assert.False(t, result.Valid)
	assert.Equal(t, types.ErrCycleDetected, types.GetErrorCode(result.Err()))
}

func TestValidateDisconnectedWarns(t *testing.T) {
	def := &Definition{
		ID: "x", Name: "x",
		Nodes: []Node{
			{ID: "a", Type: NodeTypeCondition, Config: NodeConfig{Expression: "x"}},
			{ID: "b", Type: NodeTypeCondition, Config: NodeConfig{Expression: "x"}},
			{ID: "island", Type: NodeTypeCondition, Config: NodeConfig{Expression: "x"}},
		},
		Edges: []Edge{{Source: "a", Target: "b"}},
	}

	result := ValidateDefinition(def)
	assert.True(t, result.Valid)
	assert.NoError(t, result.Err())
	assert.Contains(t, result.Warnings, "node island is not connected to any edge")
}

func TestValidateValidDefinition(t *testing.T) {
	def := sampleDefinition(t)
	result := ValidateDefinition(def)
	assert.True(t, result.Valid)
	assert.Empty(t, result.Errors)
	assert.NoError(t, result.Err())
}

func chainDefinition(n int) *Definition {
	def := &Definition{ID: "chain", Name: "chain"}
	for i := 0; i < n; i++ {
		def.Nodes = append(def.Nodes, Node{
			ID:     fmt.Sprintf("n%d", i),
			Type:   NodeTypeCondition,
			Config: NodeConfig{Expression: "x > 0"},
		})
		if i > 0 {
			def.Edges = append(def.Edges, Edge{
				Source: fmt.Sprintf("n%d", i-1),
				Target: fmt.Sprintf("n%d", i),
			})
		}
	}
	return def
}

func TestProperty_ChainsValidateAndBackEdgesDoNot(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("a forward chain of any length is a valid DAG", prop.ForAll(
		func(n int) bool {
			result := ValidateDefinition(chainDefinition(n))
			if !result.Valid {
				t.Logf("chain of %d rejected: %v", n, result.Errors)
				return false
			}
			return true
		},
		gen.IntRange(2, 20),
	))

	properties.Property("any back edge on a chain is reported as a cycle", prop.ForAll(
		func(n, from int) bool {
			if from >= n {
				from = n - 1
			}
			def := chainDefinition(n)
			def.Edges = append(def.Edges, Edge{
				Source: fmt.Sprintf("n%d", from),
				Target: "n0",
			})
			result := ValidateDefinition(def)
			if result.Valid {
				t.Logf("back edge n%d->n0 on chain of %d not detected", from, n)
				return false
			}
			return types.GetErrorCode(result.Err()) == types.ErrCycleDetected
		},
		gen.IntRange(2, 20),
		gen.IntRange(1, 19),
	))

	properties.TestingRun(t)
}

func TestValidationResultErr(t *testing.T) {
	result := &ValidationResult{Valid: true}
	require.NoError(t, result.Err())

	result.addError("first problem")
	result.addError("second problem")
	err := result.Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "first problem; second problem")
}
