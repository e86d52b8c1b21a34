package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowsmith/flowsmith/agents"
	"github.com/flowsmith/flowsmith/events"
	"github.com/flowsmith/flowsmith/hitl"
	"github.com/flowsmith/flowsmith/testutil"
	"github.com/flowsmith/flowsmith/tools"
	"github.com/flowsmith/flowsmith/types"
	"github.com/flowsmith/flowsmith/workflow/dsl"
)

// dispatcherFixture wires a dispatcher against an in-process function
// backend so node handlers exercise the real invocation pipeline. The
// synchronous bus keeps event ordering assertions race free.
type dispatcherFixture struct {
	dispatcher *Dispatcher
	registry   *tools.DefaultRegistry
	backend    *tools.FunctionBackend
	broker     *hitl.Broker
	bus        *testutil.CaptureBus
}

func newDispatcherFixture(t *testing.T, agent agents.Invoker) *dispatcherFixture {
	t.Helper()

	registry := tools.NewDefaultRegistry(nil)
	backend := tools.NewFunctionBackend(nil)
	invoker := tools.NewInvoker(registry, tools.NewBackendSet(backend), nil, tools.InvokerConfig{
		// test tools must fail immediately instead of backing off
		DefaultPolicy: &tools.RetryPolicy{MaxRetries: 0},
	}, nil)
	broker := hitl.NewBroker(hitl.NewInMemoryRequestStore(), nil)
	bus := testutil.NewCaptureBus()

	return &dispatcherFixture{
		dispatcher: NewDispatcher(DispatcherDeps{
			Tools:      invoker,
			Chains:     tools.NewChainExecutor(invoker, nil),
			Agents:     agent,
			HumanInput: broker,
			Bus:        bus,
		}),
		registry: registry,
		backend:  backend,
		broker:   broker,
		bus:      bus,
	}
}

// registerTool binds a handler and its registry entry under the same id.
func (fx *dispatcherFixture) registerTool(t *testing.T, id string, fn tools.FunctionHandler) {
	t.Helper()
	require.NoError(t, fx.backend.RegisterFunc(id, fn))
	require.NoError(t, fx.registry.Register(&types.ToolDefinition{
		ID:     id,
		Name:   id,
		Type:   types.ToolTypeFunction,
		Active: true,
	}))
}

func doubleHandler(_ context.Context, input map[string]any) (any, error) {
	x, _ := input["x"].(float64)
	return map[string]any{"x": x * 2}, nil
}

func incrementHandler(_ context.Context, input map[string]any) (any, error) {
	n, _ := input["n"].(float64)
	return map[string]any{"n": n + 1}, nil
}

func dispatchDef() *Definition {
	return &Definition{ID: "wf-dispatch", Name: "wf-dispatch"}
}

func dispatchRun(input map[string]any) *Run {
	return NewRun("wf-dispatch", input, RunOptions{
		SessionID:    "sess-1",
		Submitter:    "alice",
		Organization: "acme",
	})
}

// flakyAgent answers after failing the first n calls.
func flakyAgent(n int) (agents.Invoker, *int) {
	calls := 0
	fn := agents.InvokerFunc(func(context.Context, *types.AgentRequest) (*types.AgentResponse, error) {
		calls++
		if calls <= n {
			return nil, types.NewError(types.ErrBackend, "model unavailable")
		}
		return &types.AgentResponse{Content: "recovered"}, nil
	})
	return fn, &calls
}

func TestDispatcherToolNode(t *testing.T) {
	fx := newDispatcherFixture(t, nil)
	fx.registerTool(t, "double", doubleHandler)

	run := dispatchRun(map[string]any{"x": float64(3)})
	node := &Node{ID: "calc", Type: NodeTypeTool, Config: NodeConfig{ToolID: "double"}}

	rec := fx.dispatcher.ExecuteNode(context.Background(), run, dispatchDef(), node, run.Input)

	require.Equal(t, NodeStatusCompleted, rec.Status)
	assert.Equal(t, "calc", rec.NodeID)
	assert.Equal(t, NodeTypeTool, rec.NodeType)
	assert.Equal(t, map[string]any{"x": float64(6)}, rec.Output)
	assert.Empty(t, rec.Error)
	assert.False(t, rec.FinishedAt.IsZero())
	assert.Greater(t, rec.Usage.Duration, time.Duration(0))
	assert.Greater(t, rec.Usage.MemoryBytes, uint64(0))

	// the output lands in both shared context slots
	out, ok := run.Context.NodeOutput("calc")
	require.True(t, ok)
	assert.Equal(t, rec.Output, out)
	state, ok := run.Context.ToolState("double")
	require.True(t, ok)
	assert.Equal(t, rec.Output, state)
}

func TestDispatcherToolNodeFailure(t *testing.T) {
	fx := newDispatcherFixture(t, nil)
	fx.registerTool(t, "boom", func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("backend exploded")
	})

	t.Run("backend error", func(t *testing.T) {
		run := dispatchRun(map[string]any{})
		node := &Node{ID: "bad", Type: NodeTypeTool, Config: NodeConfig{ToolID: "boom"}}

		rec := fx.dispatcher.ExecuteNode(context.Background(), run, dispatchDef(), node, run.Input)

		require.Equal(t, NodeStatusFailed, rec.Status)
		assert.Contains(t, rec.Error, "backend exploded")
		assert.Nil(t, rec.Output)
		_, ok := run.Context.NodeOutput("bad")
		assert.False(t, ok)
	})

	t.Run("unregistered tool", func(t *testing.T) {
		run := dispatchRun(map[string]any{})
		node := &Node{ID: "lost", Type: NodeTypeTool, Config: NodeConfig{ToolID: "ghost"}}

		rec := fx.dispatcher.ExecuteNode(context.Background(), run, dispatchDef(), node, run.Input)

		require.Equal(t, NodeStatusFailed, rec.Status)
		assert.Contains(t, rec.Error, "ghost")
	})
}

func TestDispatcherToolNodeTimeout(t *testing.T) {
	fx := newDispatcherFixture(t, nil)
	fx.registerTool(t, "slow", func(ctx context.Context, _ map[string]any) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
			return map[string]any{"late": true}, nil
		}
	})

	run := dispatchRun(map[string]any{})
	node := &Node{ID: "laggard", Type: NodeTypeTool, Config: NodeConfig{ToolID: "slow", TimeoutMs: 40}}

	rec := fx.dispatcher.ExecuteNode(context.Background(), run, dispatchDef(), node, run.Input)

	require.Equal(t, NodeStatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "timed out")
}

func TestDispatcherAgentNode(t *testing.T) {
	var got *types.AgentRequest
	agent := agents.InvokerFunc(func(_ context.Context, req *types.AgentRequest) (*types.AgentResponse, error) {
		got = req
		return &types.AgentResponse{
			Content: "drafted",
			Output:  map[string]any{"draft": "v1"},
			Usage:   types.TokenUsage{TotalTokens: 7},
		}, nil
	})
	fx := newDispatcherFixture(t, agent)

	run := dispatchRun(map[string]any{"topic": "launch"})
	node := &Node{ID: "write", Type: NodeTypeAgent, Config: NodeConfig{AgentID: "writer"}}

	rec := fx.dispatcher.ExecuteNode(context.Background(), run, dispatchDef(), node, run.Input)

	require.Equal(t, NodeStatusCompleted, rec.Status)
	assert.Equal(t, map[string]any{
		"content": "drafted",
		"output":  map[string]any{"draft": "v1"},
	}, rec.Output)
	assert.Equal(t, 7, rec.Usage.Tokens)

	require.NotNil(t, got)
	assert.Equal(t, "writer", got.AgentID)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, run.ID, got.Scope.RunID)
	assert.Equal(t, "write", got.Scope.NodeID)
	assert.Equal(t, "alice", got.Scope.UserID)

	state, ok := run.Context.AgentState("writer")
	require.True(t, ok)
	assert.Equal(t, rec.Output, state)
}

func TestDispatcherAgentNodeWithoutInvoker(t *testing.T) {
	fx := newDispatcherFixture(t, nil)

	run := dispatchRun(map[string]any{})
	node := &Node{ID: "write", Type: NodeTypeAgent, Config: NodeConfig{AgentID: "writer"}}

	rec := fx.dispatcher.ExecuteNode(context.Background(), run, dispatchDef(), node, run.Input)

	require.Equal(t, NodeStatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "no agent invoker configured")
}

func TestDispatcherConditionNode(t *testing.T) {
	fx := newDispatcherFixture(t, nil)

	t.Run("passes", func(t *testing.T) {
		run := dispatchRun(map[string]any{"score": 0.9})
		node := &Node{ID: "gate", Type: NodeTypeCondition, Config: NodeConfig{Expression: "score > 0.5"}}

		rec := fx.dispatcher.ExecuteNode(context.Background(), run, dispatchDef(), node, run.Input)

		require.Equal(t, NodeStatusCompleted, rec.Status)
		assert.Equal(t, map[string]any{"result": true}, rec.Output)
	})

	t.Run("fails check", func(t *testing.T) {
		run := dispatchRun(map[string]any{"score": 0.1})
		node := &Node{ID: "gate", Type: NodeTypeCondition, Config: NodeConfig{Expression: "score > 0.5"}}

		rec := fx.dispatcher.ExecuteNode(context.Background(), run, dispatchDef(), node, run.Input)

		// a false check still completes; routing is the edges' job
		require.Equal(t, NodeStatusCompleted, rec.Status)
		assert.Equal(t, map[string]any{"result": false}, rec.Output)
	})

	t.Run("unparseable expression", func(t *testing.T) {
		run := dispatchRun(map[string]any{"score": 0.9})
		node := &Node{ID: "gate", Type: NodeTypeCondition, Config: NodeConfig{Expression: "score >>> 1"}}

		rec := fx.dispatcher.ExecuteNode(context.Background(), run, dispatchDef(), node, run.Input)

		require.Equal(t, NodeStatusFailed, rec.Status)
		assert.Contains(t, rec.Error, "condition node gate")
	})
}

func TestDispatcherTransformerNode(t *testing.T) {
	fx := newDispatcherFixture(t, nil)

	t.Run("extract", func(t *testing.T) {
		run := dispatchRun(map[string]any{"user": map[string]any{"name": "ada"}})
		node := &Node{ID: "pick", Type: NodeTypeTransformer, Config: NodeConfig{
			Transform: &dsl.TransformSpec{Kind: dsl.TransformExtract, Path: "user.name"},
		}}

		rec := fx.dispatcher.ExecuteNode(context.Background(), run, dispatchDef(), node, run.Input)

		require.Equal(t, NodeStatusCompleted, rec.Status)
		assert.Equal(t, "ada", rec.Output)
	})

	t.Run("template", func(t *testing.T) {
		run := dispatchRun(map[string]any{"user": map[string]any{"name": "ada"}})
		node := &Node{ID: "greet", Type: NodeTypeTransformer, Config: NodeConfig{
			Transform: &dsl.TransformSpec{Kind: dsl.TransformTemplate, Template: "Hello ${user.name}"},
		}}

		rec := fx.dispatcher.ExecuteNode(context.Background(), run, dispatchDef(), node, run.Input)

		require.Equal(t, NodeStatusCompleted, rec.Status)
		assert.Equal(t, "Hello ada", rec.Output)
	})

	t.Run("script", func(t *testing.T) {
		run := dispatchRun(map[string]any{"x": float64(3)})
		node := &Node{ID: "scale", Type: NodeTypeTransformer, Config: NodeConfig{
			Transform: &dsl.TransformSpec{Kind: dsl.TransformScript, Script: "input.x * 2"},
		}}

		rec := fx.dispatcher.ExecuteNode(context.Background(), run, dispatchDef(), node, run.Input)

		require.Equal(t, NodeStatusCompleted, rec.Status)
		assert.EqualValues(t, 6, rec.Output)
	})

	t.Run("missing transform", func(t *testing.T) {
		run := dispatchRun(map[string]any{})
		node := &Node{ID: "noop", Type: NodeTypeTransformer}

		rec := fx.dispatcher.ExecuteNode(context.Background(), run, dispatchDef(), node, run.Input)

		require.Equal(t, NodeStatusFailed, rec.Status)
		assert.Contains(t, rec.Error, "has no transform")
	})
}

func TestDispatcherLoopNode(t *testing.T) {
	fx := newDispatcherFixture(t, nil)
	fx.registerTool(t, "increment", incrementHandler)
	fx.registerTool(t, "boom", func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("backend exploded")
	})

	loopOutput := func(t *testing.T, rec *NodeExecutionRecord) map[string]any {
		t.Helper()
		out, ok := rec.Output.(map[string]any)
		require.True(t, ok)
		return out
	}

	t.Run("counted loop runs to the limit", func(t *testing.T) {
		run := dispatchRun(map[string]any{"n": float64(0)})
		node := &Node{ID: "steps", Type: NodeTypeLoop, Config: NodeConfig{ToolID: "increment", MaxIterations: 3}}

		rec := fx.dispatcher.ExecuteNode(context.Background(), run, dispatchDef(), node, run.Input)

		require.Equal(t, NodeStatusCompleted, rec.Status)
		out := loopOutput(t, rec)
		assert.Equal(t, 3, out["iterations"])
		assert.Equal(t, true, out["completed"])
		results, ok := out["results"].([]any)
		require.True(t, ok)
		require.Len(t, results, 3)
		assert.Equal(t, map[string]any{"n": float64(3)}, results[2])
	})

	t.Run("condition loop stops early", func(t *testing.T) {
		run := dispatchRun(map[string]any{"n": float64(0)})
		node := &Node{ID: "until", Type: NodeTypeLoop, Config: NodeConfig{
			ToolID: "increment", Expression: "n < 2", MaxIterations: 10,
		}}

		rec := fx.dispatcher.ExecuteNode(context.Background(), run, dispatchDef(), node, run.Input)

		require.Equal(t, NodeStatusCompleted, rec.Status)
		out := loopOutput(t, rec)
		assert.Equal(t, 2, out["iterations"])
		assert.Equal(t, true, out["completed"])
	})

	t.Run("condition loop hits the cap", func(t *testing.T) {
		run := dispatchRun(map[string]any{"n": float64(0)})
		node := &Node{ID: "capped", Type: NodeTypeLoop, Config: NodeConfig{
			ToolID: "increment", Expression: "n < 100", MaxIterations: 3,
		}}

		rec := fx.dispatcher.ExecuteNode(context.Background(), run, dispatchDef(), node, run.Input)

		// the cap is not completion when a condition is still pending
		require.Equal(t, NodeStatusCompleted, rec.Status)
		out := loopOutput(t, rec)
		assert.Equal(t, 3, out["iterations"])
		assert.Equal(t, false, out["completed"])
	})

	t.Run("transform body", func(t *testing.T) {
		run := dispatchRun(map[string]any{})
		node := &Node{ID: "emit", Type: NodeTypeLoop, Config: NodeConfig{
			Transform:     &dsl.TransformSpec{Kind: dsl.TransformScript, Script: `"done"`},
			MaxIterations: 2,
		}}

		rec := fx.dispatcher.ExecuteNode(context.Background(), run, dispatchDef(), node, run.Input)

		require.Equal(t, NodeStatusCompleted, rec.Status)
		out := loopOutput(t, rec)
		assert.Equal(t, 2, out["iterations"])
		assert.Equal(t, []any{"done", "done"}, out["results"])
	})

	t.Run("unevaluable condition ends the loop", func(t *testing.T) {
		run := dispatchRun(map[string]any{"n": float64(0)})
		node := &Node{ID: "odd", Type: NodeTypeLoop, Config: NodeConfig{
			ToolID: "increment", Expression: "n >>> 1", MaxIterations: 5,
		}}

		rec := fx.dispatcher.ExecuteNode(context.Background(), run, dispatchDef(), node, run.Input)

		require.Equal(t, NodeStatusCompleted, rec.Status)
		out := loopOutput(t, rec)
		assert.Equal(t, 0, out["iterations"])
		assert.Equal(t, true, out["completed"])
	})

	t.Run("body failure fails the node", func(t *testing.T) {
		run := dispatchRun(map[string]any{"n": float64(0)})
		node := &Node{ID: "blast", Type: NodeTypeLoop, Config: NodeConfig{ToolID: "boom", MaxIterations: 2}}

		rec := fx.dispatcher.ExecuteNode(context.Background(), run, dispatchDef(), node, run.Input)

		require.Equal(t, NodeStatusFailed, rec.Status)
		assert.Contains(t, rec.Error, "backend exploded")
	})

	t.Run("missing body fails the node", func(t *testing.T) {
		run := dispatchRun(map[string]any{"n": float64(0)})
		node := &Node{ID: "hollow", Type: NodeTypeLoop, Config: NodeConfig{Expression: "n < 5"}}

		rec := fx.dispatcher.ExecuteNode(context.Background(), run, dispatchDef(), node, run.Input)

		require.Equal(t, NodeStatusFailed, rec.Status)
		assert.Contains(t, rec.Error, "has no body")
	})
}

func TestDispatcherLoopNodeCancelled(t *testing.T) {
	fx := newDispatcherFixture(t, nil)
	fx.registerTool(t, "increment", incrementHandler)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run := dispatchRun(map[string]any{"n": float64(0)})
	node := &Node{ID: "steps", Type: NodeTypeLoop, Config: NodeConfig{ToolID: "increment", MaxIterations: 3}}

	rec := fx.dispatcher.ExecuteNode(ctx, run, dispatchDef(), node, run.Input)

	require.Equal(t, NodeStatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "interrupted after 0 iterations")
}

// awaitPending polls until the broker has registered the run's request.
// Call it from the test goroutine while the dispatcher blocks elsewhere.
func awaitPending(t *testing.T, broker *hitl.Broker, runID string) *hitl.InputRequest {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pending := broker.Pending(runID); len(pending) > 0 {
			return pending[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("human input request never arrived")
	return nil
}

func TestDispatcherHumanInputNode(t *testing.T) {
	t.Run("resolved approval", func(t *testing.T) {
		fx := newDispatcherFixture(t, nil)
		run := dispatchRun(map[string]any{"build": "1.2.3"})
		node := &Node{ID: "gate", Type: NodeTypeHumanInput, Config: NodeConfig{
			Prompt:   "Ship the release?",
			Kind:     "approval",
			Required: true,
			Assignee: "ops",
			Options: []OptionSpec{
				{ID: "approve", Label: "Approve", Default: true},
				{ID: "reject", Label: "Reject"},
			},
		}}

		recCh := make(chan *NodeExecutionRecord, 1)
		go func() {
			recCh <- fx.dispatcher.ExecuteNode(context.Background(), run, dispatchDef(), node, run.Input)
		}()

		req := awaitPending(t, fx.broker, run.ID)
		assert.Equal(t, "gate", req.NodeID)
		assert.Equal(t, hitl.KindApproval, req.Kind)
		assert.Equal(t, "Ship the release?", req.Prompt)
		assert.Equal(t, map[string]any{"build": "1.2.3"}, req.Data)
		require.Len(t, req.Options, 2)
		assert.True(t, req.Options[0].IsDefault)
		assert.Equal(t, "ops", req.Metadata["assignee"])

		require.NoError(t, fx.broker.Resolve(context.Background(), run.ID, "gate", &hitl.Response{
			OptionID: "approve",
			Input:    map[string]any{"note": "go"},
			Comment:  "lgtm",
			Approved: true,
			UserID:   "carol",
		}))

		rec := <-recCh
		require.Equal(t, NodeStatusCompleted, rec.Status)
		assert.Equal(t, map[string]any{
			"value":     map[string]any{"note": "go"},
			"option":    "approve",
			"responder": "carol",
			"comment":   "lgtm",
			"approved":  true,
		}, rec.Output)
		assert.Empty(t, run.Context.PendingInputs())

		kinds := fx.bus.Kinds()
		assert.Equal(t, []events.Kind{events.KindNodeStarted, events.KindHumanInputRequired, events.KindNodeCompleted}, kinds)
		required := fx.bus.ByKind(events.KindHumanInputRequired)
		require.Len(t, required, 1)
		assert.Equal(t, "Ship the release?", required[0].Payload["prompt"])
		assert.Equal(t, "ops", required[0].Payload["assignee"])
	})

	t.Run("optional input times out as skipped", func(t *testing.T) {
		fx := newDispatcherFixture(t, nil)
		run := dispatchRun(map[string]any{})
		node := &Node{ID: "extra", Type: NodeTypeHumanInput, Config: NodeConfig{
			Prompt:    "Anything to add?",
			Kind:      "input",
			TimeoutMs: 40,
		}}

		rec := fx.dispatcher.ExecuteNode(context.Background(), run, dispatchDef(), node, run.Input)

		require.Equal(t, NodeStatusSkipped, rec.Status)
		assert.Nil(t, rec.Output)
		assert.Empty(t, rec.Error)
	})

	t.Run("required input times out as failed", func(t *testing.T) {
		fx := newDispatcherFixture(t, nil)
		run := dispatchRun(map[string]any{})
		node := &Node{ID: "signoff", Type: NodeTypeHumanInput, Config: NodeConfig{
			Prompt:    "Sign off?",
			Kind:      "approval",
			Required:  true,
			TimeoutMs: 40,
		}}

		rec := fx.dispatcher.ExecuteNode(context.Background(), run, dispatchDef(), node, run.Input)

		require.Equal(t, NodeStatusFailed, rec.Status)
		assert.Contains(t, rec.Error, "timed out")
	})

	t.Run("cancelled request skips the node", func(t *testing.T) {
		fx := newDispatcherFixture(t, nil)
		run := dispatchRun(map[string]any{})
		node := &Node{ID: "review", Type: NodeTypeHumanInput, Config: NodeConfig{
			Prompt:   "Review the draft",
			Kind:     "review",
			Required: true,
		}}

		recCh := make(chan *NodeExecutionRecord, 1)
		go func() {
			recCh <- fx.dispatcher.ExecuteNode(context.Background(), run, dispatchDef(), node, run.Input)
		}()

		awaitPending(t, fx.broker, run.ID)
		require.NoError(t, fx.broker.Cancel(context.Background(), run.ID, "review"))

		rec := <-recCh
		require.Equal(t, NodeStatusSkipped, rec.Status)
		assert.Nil(t, rec.Output)
	})
}

func TestDispatcherRetryMode(t *testing.T) {
	quickRetry := &RetrySpec{MaxRetries: 2, Backoff: "linear", BaseDelayMs: 1}

	t.Run("node retry recovers", func(t *testing.T) {
		agent, calls := flakyAgent(1)
		fx := newDispatcherFixture(t, agent)

		run := dispatchRun(map[string]any{"q": "hi"})
		node := &Node{ID: "ask", Type: NodeTypeAgent, Config: NodeConfig{
			AgentID: "helper",
			OnError: ErrorModeRetry,
			Retry:   quickRetry,
		}}

		rec := fx.dispatcher.ExecuteNode(context.Background(), run, dispatchDef(), node, run.Input)

		require.Equal(t, NodeStatusCompleted, rec.Status)
		assert.Equal(t, 1, rec.RetryCount)
		assert.Equal(t, 2, *calls)
		assert.Equal(t, map[string]any{"content": "recovered"}, rec.Output)
	})

	t.Run("workflow settings supply the policy", func(t *testing.T) {
		agent, calls := flakyAgent(1)
		fx := newDispatcherFixture(t, agent)

		def := dispatchDef()
		def.Settings = Settings{ErrorMode: ErrorModeRetry, Retry: quickRetry}
		run := dispatchRun(map[string]any{"q": "hi"})
		node := &Node{ID: "ask", Type: NodeTypeAgent, Config: NodeConfig{AgentID: "helper"}}

		rec := fx.dispatcher.ExecuteNode(context.Background(), run, def, node, run.Input)

		require.Equal(t, NodeStatusCompleted, rec.Status)
		assert.Equal(t, 1, rec.RetryCount)
		assert.Equal(t, 2, *calls)
	})

	t.Run("exhausted retries fail the node", func(t *testing.T) {
		agent, calls := flakyAgent(10)
		fx := newDispatcherFixture(t, agent)

		run := dispatchRun(map[string]any{"q": "hi"})
		node := &Node{ID: "ask", Type: NodeTypeAgent, Config: NodeConfig{
			AgentID: "helper",
			OnError: ErrorModeRetry,
			Retry:   quickRetry,
		}}

		rec := fx.dispatcher.ExecuteNode(context.Background(), run, dispatchDef(), node, run.Input)

		require.Equal(t, NodeStatusFailed, rec.Status)
		assert.Equal(t, 2, rec.RetryCount)
		assert.Equal(t, 3, *calls)
		assert.Contains(t, rec.Error, "model unavailable")
	})
}

func TestDispatcherStaticInputMerge(t *testing.T) {
	fx := newDispatcherFixture(t, nil)
	fx.registerTool(t, "echo", func(_ context.Context, input map[string]any) (any, error) {
		return input, nil
	})

	t.Run("static values win", func(t *testing.T) {
		run := dispatchRun(map[string]any{"x": float64(5), "y": float64(2)})
		node := &Node{ID: "mix", Type: NodeTypeTool, Config: NodeConfig{
			ToolID: "echo",
			Input:  map[string]any{"mode": "fast", "x": float64(1)},
		}}

		rec := fx.dispatcher.ExecuteNode(context.Background(), run, dispatchDef(), node, run.Input)

		require.Equal(t, NodeStatusCompleted, rec.Status)
		want := map[string]any{"mode": "fast", "x": float64(1), "y": float64(2)}
		assert.Equal(t, want, rec.Input)
		assert.Equal(t, want, rec.Output)
	})

	t.Run("no static config passes input through", func(t *testing.T) {
		run := dispatchRun(map[string]any{"x": float64(5)})
		node := &Node{ID: "plain", Type: NodeTypeTool, Config: NodeConfig{ToolID: "echo"}}

		rec := fx.dispatcher.ExecuteNode(context.Background(), run, dispatchDef(), node, run.Input)

		require.Equal(t, NodeStatusCompleted, rec.Status)
		assert.Equal(t, map[string]any{"x": float64(5)}, rec.Input)
	})
}

func TestDispatcherUnknownNodeType(t *testing.T) {
	fx := newDispatcherFixture(t, nil)

	run := dispatchRun(map[string]any{})
	node := &Node{ID: "odd", Type: NodeType("mystery")}

	rec := fx.dispatcher.ExecuteNode(context.Background(), run, dispatchDef(), node, run.Input)

	require.Equal(t, NodeStatusFailed, rec.Status)
	assert.Contains(t, rec.Error, `unknown node type "mystery"`)
}

func TestDispatcherPublishesNodeEvents(t *testing.T) {
	t.Run("completed node", func(t *testing.T) {
		fx := newDispatcherFixture(t, nil)
		fx.registerTool(t, "double", doubleHandler)

		run := dispatchRun(map[string]any{"x": float64(2)})
		node := &Node{ID: "calc", Type: NodeTypeTool, Config: NodeConfig{ToolID: "double"}}
		fx.dispatcher.ExecuteNode(context.Background(), run, dispatchDef(), node, run.Input)

		require.Equal(t, []events.Kind{events.KindNodeStarted, events.KindNodeCompleted}, fx.bus.Kinds())
		started := fx.bus.ByKind(events.KindNodeStarted)[0]
		assert.Equal(t, run.ID, started.RunID)
		assert.Equal(t, "wf-dispatch", started.WorkflowID)
		assert.Equal(t, "calc", started.NodeID)
		assert.Equal(t, string(NodeStatusRunning), started.NodeStatus)

		finished := fx.bus.ByKind(events.KindNodeCompleted)[0]
		assert.Equal(t, string(NodeStatusCompleted), finished.NodeStatus)
		assert.Empty(t, finished.Error)
	})

	t.Run("failed node", func(t *testing.T) {
		fx := newDispatcherFixture(t, nil)
		fx.registerTool(t, "boom", func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("backend exploded")
		})

		run := dispatchRun(map[string]any{})
		node := &Node{ID: "bad", Type: NodeTypeTool, Config: NodeConfig{ToolID: "boom"}}
		fx.dispatcher.ExecuteNode(context.Background(), run, dispatchDef(), node, run.Input)

		finished := fx.bus.ByKind(events.KindNodeCompleted)
		require.Len(t, finished, 1)
		assert.Equal(t, string(NodeStatusFailed), finished[0].NodeStatus)
		assert.Contains(t, finished[0].Error, "backend exploded")
	})
}
