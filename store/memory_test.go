package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowsmith/flowsmith/types"
	"github.com/flowsmith/flowsmith/workflow"
)

func testRun(id, workflowID string, status workflow.RunStatus, created time.Time) *workflow.Run {
	run := &workflow.Run{
		ID:         id,
		WorkflowID: workflowID,
		Status:     status,
		Priority:   workflow.PriorityNormal,
		Input:      map[string]any{"x": float64(5)},
		Records:    map[string]*workflow.NodeExecutionRecord{},
		Context:    workflow.NewExecutionContext(),
		Metadata:   workflow.RunMetadata{Submitter: "tester", Organization: "acme"},
		CreatedAt:  created,
	}
	if status.Terminal() {
		run.StartedAt = created
		run.FinishedAt = created.Add(time.Second)
	}
	return run
}

func testDefinition(id string) *workflow.Definition {
	return &workflow.Definition{
		ID:      id,
		Name:    "def " + id,
		Version: 1,
		Nodes: []workflow.Node{
			{ID: "echo", Type: workflow.NodeTypeTool, Config: workflow.NodeConfig{ToolID: "echo"}},
		},
	}
}

func TestMemoryRunStoreCRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryRunStore()

	err := s.SaveRun(ctx, nil)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
	err = s.SaveRun(ctx, &workflow.Run{})
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))

	now := time.Now().UTC().Truncate(time.Millisecond)
	run := testRun("run-1", "wf-1", workflow.RunStatusPending, now)
	run.Records["echo"] = &workflow.NodeExecutionRecord{
		NodeID:   "echo",
		NodeType: workflow.NodeTypeTool,
		Status:   workflow.NodeStatusCompleted,
		Output:   map[string]any{"ok": true},
	}
	require.NoError(t, s.SaveRun(ctx, run))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.ID)
	assert.Equal(t, "wf-1", got.WorkflowID)
	assert.Equal(t, workflow.RunStatusPending, got.Status)
	assert.Equal(t, "tester", got.Metadata.Submitter)
	assert.Equal(t, float64(5), got.Input["x"])
	require.Contains(t, got.Records, "echo")
	assert.Equal(t, workflow.NodeStatusCompleted, got.Records["echo"].Status)

	_, err = s.GetRun(ctx, "missing")
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))

	require.NoError(t, s.DeleteRun(ctx, "run-1"))
	_, err = s.GetRun(ctx, "run-1")
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
	err = s.DeleteRun(ctx, "run-1")
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

// 读出的对象是副本，改它不应影响存储内容。
func TestMemoryRunStoreIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryRunStore()

	run := testRun("run-1", "wf-1", workflow.RunStatusRunning, time.Now())
	require.NoError(t, s.SaveRun(ctx, run))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	got.Input["x"] = float64(99)
	got.Status = workflow.RunStatusFailed

	again, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, float64(5), again.Input["x"])
	assert.Equal(t, workflow.RunStatusRunning, again.Status)

	// 保存后改原对象也一样不影响。
	run.Input["x"] = float64(42)
	again, err = s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, float64(5), again.Input["x"])
}

func TestMemoryRunStoreListRuns(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryRunStore()
	t0 := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, s.SaveRun(ctx, testRun("r1", "wf-a", workflow.RunStatusCompleted, t0)))
	require.NoError(t, s.SaveRun(ctx, testRun("r2", "wf-a", workflow.RunStatusRunning, t0.Add(time.Minute))))
	require.NoError(t, s.SaveRun(ctx, testRun("r3", "wf-a", workflow.RunStatusFailed, t0.Add(2*time.Minute))))
	require.NoError(t, s.SaveRun(ctx, testRun("r4", "wf-b", workflow.RunStatusCompleted, t0.Add(3*time.Minute))))

	ids := func(runs []*workflow.Run) []string {
		out := make([]string, 0, len(runs))
		for _, r := range runs {
			out = append(out, r.ID)
		}
		return out
	}

	t.Run("by workflow ascending", func(t *testing.T) {
		runs, err := s.ListRuns(ctx, "wf-a", workflow.RunFilter{})
		require.NoError(t, err)
		assert.Equal(t, []string{"r1", "r2", "r3"}, ids(runs))
	})

	t.Run("all workflows", func(t *testing.T) {
		runs, err := s.ListRuns(ctx, "", workflow.RunFilter{})
		require.NoError(t, err)
		assert.Len(t, runs, 4)
	})

	t.Run("status filter", func(t *testing.T) {
		runs, err := s.ListRuns(ctx, "", workflow.RunFilter{
			Statuses: []workflow.RunStatus{workflow.RunStatusCompleted},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"r1", "r4"}, ids(runs))
	})

	t.Run("time window", func(t *testing.T) {
		runs, err := s.ListRuns(ctx, "", workflow.RunFilter{
			Since: t0.Add(30 * time.Second),
			Until: t0.Add(150 * time.Second),
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"r2", "r3"}, ids(runs))
	})

	t.Run("descending with paging", func(t *testing.T) {
		runs, err := s.ListRuns(ctx, "", workflow.RunFilter{Descending: true, Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, []string{"r4", "r3"}, ids(runs))

		runs, err = s.ListRuns(ctx, "", workflow.RunFilter{Descending: true, Offset: 2, Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, []string{"r2", "r1"}, ids(runs))
	})

	t.Run("offset past end", func(t *testing.T) {
		runs, err := s.ListRuns(ctx, "", workflow.RunFilter{Offset: 10})
		require.NoError(t, err)
		assert.Empty(t, runs)
	})
}

func TestMemoryRunStoreCleanupTerminal(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryRunStore()
	now := time.Now().UTC()

	oldDone := testRun("old-done", "wf", workflow.RunStatusCompleted, now.Add(-2*time.Hour))
	oldDone.FinishedAt = now.Add(-2 * time.Hour)
	oldRunning := testRun("old-running", "wf", workflow.RunStatusRunning, now.Add(-2*time.Hour))
	fresh := testRun("fresh", "wf", workflow.RunStatusCompleted, now)
	fresh.FinishedAt = now

	require.NoError(t, s.SaveRun(ctx, oldDone))
	require.NoError(t, s.SaveRun(ctx, oldRunning))
	require.NoError(t, s.SaveRun(ctx, fresh))

	n, err := s.CleanupTerminal(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetRun(ctx, "old-done")
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
	_, err = s.GetRun(ctx, "old-running")
	assert.NoError(t, err)
	_, err = s.GetRun(ctx, "fresh")
	assert.NoError(t, err)
}

func TestMemoryRunStoreStats(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryRunStore()
	now := time.Now()

	require.NoError(t, s.SaveRun(ctx, testRun("a", "wf", workflow.RunStatusCompleted, now)))
	require.NoError(t, s.SaveRun(ctx, testRun("b", "wf", workflow.RunStatusCompleted, now)))
	require.NoError(t, s.SaveRun(ctx, testRun("c", "wf", workflow.RunStatusRunning, now)))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByStatus[workflow.RunStatusCompleted])
	assert.Equal(t, 1, stats.ByStatus[workflow.RunStatusRunning])
}

func TestMemoryDefinitionStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryDefinitionStore()

	err := s.SaveDefinition(ctx, nil)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))

	require.NoError(t, s.SaveDefinition(ctx, testDefinition("wf-b")))
	require.NoError(t, s.SaveDefinition(ctx, testDefinition("wf-a")))

	def, err := s.GetDefinition(ctx, "wf-a")
	require.NoError(t, err)
	assert.Equal(t, "def wf-a", def.Name)
	require.Len(t, def.Nodes, 1)
	assert.Equal(t, workflow.NodeTypeTool, def.Nodes[0].Type)

	defs, err := s.ListDefinitions(ctx)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "wf-a", defs[0].ID)
	assert.Equal(t, "wf-b", defs[1].ID)

	require.NoError(t, s.DeleteDefinition(ctx, "wf-a"))
	_, err = s.GetDefinition(ctx, "wf-a")
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
	err = s.DeleteDefinition(ctx, "wf-a")
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}
