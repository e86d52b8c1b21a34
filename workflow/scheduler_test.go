package workflow

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowsmith/flowsmith/types"
)

// diamondDefinition is start -> (left, right) -> join.
func diamondDefinition(t *testing.T) *Definition {
	t.Helper()
	def, err := NewDefinitionBuilder("diamond").
		AddNode("start", NodeTypeTool).WithTool("t").Done().
		AddNode("left", NodeTypeTool).WithTool("t").Done().
		AddNode("right", NodeTypeTool).WithTool("t").Done().
		AddNode("join", NodeTypeTool).WithTool("t").Done().
		Edge("start", "left").
		Edge("start", "right").
		Edge("left", "join").
		Edge("right", "join").
		Build()
	require.NoError(t, err)
	return def
}

func completedRecord(nodeID string, output any) *NodeExecutionRecord {
	return &NodeExecutionRecord{NodeID: nodeID, Status: NodeStatusCompleted, Output: output}
}

func TestSchedulerOrderIsTopological(t *testing.T) {
	def := diamondDefinition(t)
	sched, err := NewScheduler(def)
	require.NoError(t, err)

	order := sched.Order()
	require.Len(t, order, 4)

	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	for _, edge := range def.Edges {
		assert.Less(t, pos[edge.Source], pos[edge.Target],
			"edge %s->%s out of order", edge.Source, edge.Target)
	}

	// Order hands out a copy.
	order[0] = "tampered"
	assert.NotEqual(t, "tampered", sched.Order()[0])
}

func TestSchedulerRejectsCycle(t *testing.T) {
	def := &Definition{
		ID: "cyclic", Name: "cyclic",
		Nodes: []Node{
			{ID: "a", Type: NodeTypeTool, Config: NodeConfig{ToolID: "t"}},
			{ID: "b", Type: NodeTypeTool, Config: NodeConfig{ToolID: "t"}},
		},
		Edges: []Edge{{Source: "a", Target: "b"}, {Source: "b", Target: "a"}},
	}

	_, err := NewScheduler(def)
	assert.Equal(t, types.ErrCycleDetected, types.GetErrorCode(err))
}

func TestSchedulerGraphAccessors(t *testing.T) {
	sched, err := NewScheduler(diamondDefinition(t))
	require.NoError(t, err)

	assert.Equal(t, []string{"start"}, sched.Entries())
	assert.Equal(t, []string{"join"}, sched.Exits())
	assert.ElementsMatch(t, []string{"left", "right"}, sched.Dependencies("join"))
	assert.ElementsMatch(t, []string{"left", "right"}, sched.Successors("start"))
	assert.Empty(t, sched.Dependencies("start"))
	assert.Empty(t, sched.Successors("join"))
}

func TestSchedulerEligibleWaves(t *testing.T) {
	sched, err := NewScheduler(diamondDefinition(t))
	require.NoError(t, err)
	run := NewRun("diamond", map[string]any{"x": 1}, RunOptions{})

	// Wave one: only the entry.
	assert.Equal(t, []string{"start"}, sched.Eligible(run, ErrorModeStop))

	// A running node is dispatched, not eligible again.
	run.Records["start"] = &NodeExecutionRecord{NodeID: "start", Status: NodeStatusRunning}
	assert.Empty(t, sched.Eligible(run, ErrorModeStop))

	// Wave two: both branches.
	run.Records["start"] = completedRecord("start", map[string]any{"v": 1})
	assert.ElementsMatch(t, []string{"left", "right"}, sched.Eligible(run, ErrorModeStop))

	// Join waits for both branches.
	run.Records["left"] = completedRecord("left", map[string]any{"v": 2})
	assert.Equal(t, []string{"right"}, sched.Eligible(run, ErrorModeStop))

	run.Records["right"] = completedRecord("right", map[string]any{"v": 3})
	assert.Equal(t, []string{"join"}, sched.Eligible(run, ErrorModeStop))

	run.Records["join"] = completedRecord("join", nil)
	assert.Empty(t, sched.Eligible(run, ErrorModeStop))
}

func TestSchedulerEligibleAfterFailure(t *testing.T) {
	sched, err := NewScheduler(diamondDefinition(t))
	require.NoError(t, err)

	run := NewRun("diamond", nil, RunOptions{})
	run.Records["start"] = completedRecord("start", nil)
	run.Records["left"] = &NodeExecutionRecord{NodeID: "left", Status: NodeStatusFailed, Error: "boom"}
	run.Records["right"] = completedRecord("right", nil)

	// Stop mode: a failed dependency blocks the join forever.
	assert.Empty(t, sched.Eligible(run, ErrorModeStop))

	// Continue mode: terminal is enough.
	assert.Equal(t, []string{"join"}, sched.Eligible(run, ErrorModeContinue))

	// But a still-running dependency blocks either way.
	run.Records["right"] = &NodeExecutionRecord{NodeID: "right", Status: NodeStatusRunning}
	assert.Empty(t, sched.Eligible(run, ErrorModeContinue))
}

func TestSchedulerUnfinished(t *testing.T) {
	sched, err := NewScheduler(diamondDefinition(t))
	require.NoError(t, err)

	run := NewRun("diamond", nil, RunOptions{})
	assert.Len(t, sched.Unfinished(run), 4)

	run.Records["start"] = completedRecord("start", nil)
	run.Records["left"] = &NodeExecutionRecord{NodeID: "left", Status: NodeStatusRunning}
	remaining := sched.Unfinished(run)
	assert.NotContains(t, remaining, "start")
	assert.Contains(t, remaining, "left")
	assert.Contains(t, remaining, "join")
}

func TestSchedulerInputForEntry(t *testing.T) {
	sched, err := NewScheduler(diamondDefinition(t))
	require.NoError(t, err)

	input := map[string]any{"query": "hello"}
	run := NewRun("diamond", input, RunOptions{})

	got, ok := sched.InputFor(run, "start")
	require.True(t, ok)
	assert.Equal(t, input, got)
}

func TestSchedulerInputForAggregates(t *testing.T) {
	sched, err := NewScheduler(diamondDefinition(t))
	require.NoError(t, err)

	run := NewRun("diamond", nil, RunOptions{})
	run.Records["left"] = completedRecord("left", map[string]any{"v": 2})
	run.Records["right"] = completedRecord("right", map[string]any{"v": 3})

	got, ok := sched.InputFor(run, "join")
	require.True(t, ok)
	assert.Equal(t, map[string]any{
		"left":  map[string]any{"v": 2},
		"right": map[string]any{"v": 3},
	}, got)
}

func TestSchedulerInputForEdgeConditions(t *testing.T) {
	def, err := NewDefinitionBuilder("gated").
		AddNode("score", NodeTypeTool).WithTool("t").Done().
		AddNode("publish", NodeTypeTool).WithTool("t").Done().
		EdgeIf("score", "publish", "score > 0.5").
		Build()
	require.NoError(t, err)
	sched, err := NewScheduler(def)
	require.NoError(t, err)

	t.Run("passing condition contributes", func(t *testing.T) {
		run := NewRun("gated", nil, RunOptions{})
		run.Records["score"] = completedRecord("score", map[string]any{"score": 0.9})

		got, ok := sched.InputFor(run, "publish")
		require.True(t, ok)
		assert.Contains(t, got, "score")
	})

	t.Run("failing condition gates the node off", func(t *testing.T) {
		run := NewRun("gated", nil, RunOptions{})
		run.Records["score"] = completedRecord("score", map[string]any{"score": 0.1})

		_, ok := sched.InputFor(run, "publish")
		assert.False(t, ok)
	})

	t.Run("unevaluable condition gates the node off", func(t *testing.T) {
		badDef, err := NewDefinitionBuilder("gated-bad").
			AddNode("score", NodeTypeTool).WithTool("t").Done().
			AddNode("publish", NodeTypeTool).WithTool("t").Done().
			EdgeIf("score", "publish", "score >>> 1").
			Build()
		require.NoError(t, err)
		badSched, err := NewScheduler(badDef)
		require.NoError(t, err)

		run := NewRun("gated-bad", nil, RunOptions{})
		run.Records["score"] = completedRecord("score", map[string]any{"score": 0.9})

		_, ok := badSched.InputFor(run, "publish")
		assert.False(t, ok)
	})

	t.Run("no completed predecessor yet", func(t *testing.T) {
		run := NewRun("gated", nil, RunOptions{})
		got, ok := sched.InputFor(run, "publish")
		require.True(t, ok)
		assert.Empty(t, got)
	})
}

// randomDAG builds a definition whose edges all point forward, so it is
// acyclic by construction.
func randomDAG(n int, seed int64) *Definition {
	rng := rand.New(rand.NewSource(seed))
	def := &Definition{ID: "dag", Name: "dag"}
	for i := 0; i < n; i++ {
		def.Nodes = append(def.Nodes, Node{
			ID:     fmt.Sprintf("n%d", i),
			Type:   NodeTypeTool,
			Config: NodeConfig{ToolID: "t"},
		})
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if rng.Intn(3) == 0 {
				def.Edges = append(def.Edges, Edge{
					Source: fmt.Sprintf("n%d", i),
					Target: fmt.Sprintf("n%d", j),
				})
			}
		}
	}
	return def
}

func TestProperty_SchedulerOrderRespectsEdges(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("every edge points forward in the computed order", prop.ForAll(
		func(n int, seed int64) bool {
			def := randomDAG(n, seed)
			sched, err := NewScheduler(def)
			if err != nil {
				t.Logf("scheduler rejected an acyclic graph: %v", err)
				return false
			}

			order := sched.Order()
			if len(order) != n {
				t.Logf("order has %d nodes, want %d", len(order), n)
				return false
			}
			pos := make(map[string]int, n)
			for i, id := range order {
				pos[id] = i
			}
			for _, edge := range def.Edges {
				if pos[edge.Source] >= pos[edge.Target] {
					t.Logf("edge %s->%s out of order (seed %d)", edge.Source, edge.Target, seed)
					return false
				}
			}
			return true
		},
		gen.IntRange(2, 15),
		gen.Int64(),
	))

	properties.TestingRun(t)
}
