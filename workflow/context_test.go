package workflow

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionContextVariables(t *testing.T) {
	ec := NewExecutionContext()

	_, ok := ec.Variable("missing")
	assert.False(t, ok)

	ec.SetVariable("score", 0.9)
	v, ok := ec.Variable("score")
	require.True(t, ok)
	assert.Equal(t, 0.9, v)

	// Variables hands out a copy.
	vars := ec.Variables()
	vars["score"] = 0.1
	v, _ = ec.Variable("score")
	assert.Equal(t, 0.9, v)
}

func TestExecutionContextStates(t *testing.T) {
	ec := NewExecutionContext()

	ec.SetNodeOutput("n1", map[string]any{"ok": true})
	out, ok := ec.NodeOutput("n1")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"ok": true}, out)

	ec.SetAgentState("planner", "ready")
	st, ok := ec.AgentState("planner")
	require.True(t, ok)
	assert.Equal(t, "ready", st)
	_, ok = ec.AgentState("other")
	assert.False(t, ok)

	ec.SetToolState("search", 3)
	st, ok = ec.ToolState("search")
	require.True(t, ok)
	assert.Equal(t, 3, st)
}

func TestExecutionContextPendingInputs(t *testing.T) {
	ec := NewExecutionContext()
	assert.Empty(t, ec.PendingInputs())

	ec.AddPendingInput(PendingInput{NodeID: "approve", Prompt: "continue?", Required: true, RequestedAt: time.Now()})
	ec.AddPendingInput(PendingInput{NodeID: "review", Prompt: "check this"})

	pending := ec.PendingInputs()
	assert.Len(t, pending, 2)

	// Re-requesting the same node replaces, not duplicates.
	ec.AddPendingInput(PendingInput{NodeID: "approve", Prompt: "still there?"})
	assert.Len(t, ec.PendingInputs(), 2)

	ec.RemovePendingInput("approve")
	pending = ec.PendingInputs()
	require.Len(t, pending, 1)
	assert.Equal(t, "review", pending[0].NodeID)
}

func TestExecutionContextSnapshotMemory(t *testing.T) {
	ec := NewExecutionContext()

	heap := ec.SnapshotMemory("n1")
	assert.Greater(t, heap, uint64(0))

	snaps := ec.MemorySnapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, "n1", snaps[0].NodeID)
	assert.Equal(t, heap, snaps[0].HeapBytes)
	assert.False(t, snaps[0].Timestamp.IsZero())
}

func TestExecutionContextConcurrentAccess(t *testing.T) {
	ec := NewExecutionContext()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i)
			ec.SetVariable(key, i)
			ec.SetNodeOutput(key, i)
			_ = ec.Variables()
			_, _ = ec.NodeOutput(key)
		}(i)
	}
	wg.Wait()

	assert.Len(t, ec.Variables(), 16)
}

func TestExecutionContextJSONRoundTrip(t *testing.T) {
	ec := NewExecutionContext()
	ec.SetVariable("score", 0.9)
	ec.SetNodeOutput("n1", map[string]any{"ok": true})
	ec.SetAgentState("planner", "ready")
	ec.SetToolState("search", "done")
	ec.AddPendingInput(PendingInput{NodeID: "approve", Prompt: "continue?"})

	data, err := json.Marshal(ec)
	require.NoError(t, err)

	restored := NewExecutionContext()
	require.NoError(t, json.Unmarshal(data, restored))

	v, ok := restored.Variable("score")
	require.True(t, ok)
	assert.Equal(t, 0.9, v)
	out, ok := restored.NodeOutput("n1")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"ok": true}, out)
	st, ok := restored.AgentState("planner")
	require.True(t, ok)
	assert.Equal(t, "ready", st)
	require.Len(t, restored.PendingInputs(), 1)
}

// An empty document must still restore usable maps.
func TestExecutionContextUnmarshalEmpty(t *testing.T) {
	restored := &ExecutionContext{}
	require.NoError(t, json.Unmarshal([]byte(`{}`), restored))

	restored.SetVariable("k", 1)
	v, ok := restored.Variable("k")
	require.True(t, ok)
	assert.Equal(t, 1, v)
}
