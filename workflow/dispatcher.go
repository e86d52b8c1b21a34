package workflow

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/flowsmith/flowsmith/agents"
	"github.com/flowsmith/flowsmith/events"
	"github.com/flowsmith/flowsmith/hitl"
	"github.com/flowsmith/flowsmith/tools"
	"github.com/flowsmith/flowsmith/types"
	"github.com/flowsmith/flowsmith/workflow/dsl"
)

// DefaultLoopCap bounds loop nodes that do not configure their own cap.
const DefaultLoopCap = 100

// DispatcherDeps wires the dispatcher's collaborators.
type DispatcherDeps struct {
	Tools      tools.Invoker
	Chains     tools.ChainExecutor
	Agents     agents.Invoker
	HumanInput *hitl.Broker
	Bus        events.Bus
	Logger     *zap.Logger
	// HumanInputTimeout applies to human-input nodes without their own
	// timeout; 0 falls through to the broker default.
	HumanInputTimeout time.Duration
}

// Dispatcher routes one eligible node to its per-type handler and
// produces the node's terminal execution record.
type Dispatcher struct {
	tools        tools.Invoker
	chains       tools.ChainExecutor
	agents       agents.Invoker
	hitl         *hitl.Broker
	bus          events.Bus
	logger       *zap.Logger
	humanTimeout time.Duration
}

// NewDispatcher creates a node dispatcher.
func NewDispatcher(deps DispatcherDeps) *Dispatcher {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		tools:        deps.Tools,
		chains:       deps.Chains,
		agents:       deps.Agents,
		hitl:         deps.HumanInput,
		bus:          deps.Bus,
		logger:       logger.With(zap.String("component", "node_dispatcher")),
		humanTimeout: deps.HumanInputTimeout,
	}
}

// ExecuteNode runs one node to a terminal record. Failures are encoded
// in the record rather than returned; how they propagate through the
// run is the coordinator's decision.
func (d *Dispatcher) ExecuteNode(ctx context.Context, run *Run, def *Definition, node *Node, input map[string]any) *NodeExecutionRecord {
	rec := &NodeExecutionRecord{
		NodeID:    node.ID,
		NodeType:  node.Type,
		Status:    NodeStatusRunning,
		Input:     mergedInput(input, node.Config.Input),
		StartedAt: time.Now(),
	}

	d.publishNodeEvent(ctx, events.KindNodeStarted, run, node, rec)

	// Human-input timeouts are the broker's job so optional nodes can
	// resolve as skipped instead of dying with the context.
	nodeCtx := ctx
	if timeout := node.Config.Timeout(); timeout > 0 && node.Type != NodeTypeHumanInput {
		var cancel context.CancelFunc
		nodeCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	output, err := d.execute(nodeCtx, run, def, node, rec)

	rec.FinishedAt = time.Now()
	rec.Usage.Duration = rec.FinishedAt.Sub(rec.StartedAt)
	rec.Usage.MemoryBytes = run.Context.SnapshotMemory(node.ID)

	switch {
	case rec.Status == NodeStatusSkipped:
		// the handler already resolved the node
	case err != nil:
		rec.Status = NodeStatusFailed
		rec.Error = err.Error()
		d.logger.Warn("node failed",
			zap.String("run_id", run.ID),
			zap.String("node_id", node.ID),
			zap.String("node_type", string(node.Type)),
			zap.Int("retries", rec.RetryCount),
			zap.Error(err))
	default:
		rec.Status = NodeStatusCompleted
		rec.Output = output
		run.Context.SetNodeOutput(node.ID, output)
		d.logger.Debug("node completed",
			zap.String("run_id", run.ID),
			zap.String("node_id", node.ID),
			zap.String("node_type", string(node.Type)),
			zap.Duration("duration", rec.Usage.Duration))
	}

	d.publishNodeEvent(ctx, events.KindNodeCompleted, run, node, rec)
	return rec
}

// execute applies the node-level retry mode around the dispatch.
func (d *Dispatcher) execute(ctx context.Context, run *Run, def *Definition, node *Node, rec *NodeExecutionRecord) (any, error) {
	mode := node.Config.OnError
	if mode == "" {
		mode = def.ErrorMode()
	}
	if mode != ErrorModeRetry {
		return d.dispatch(ctx, run, node, rec)
	}

	spec := node.Config.Retry
	if spec == nil {
		spec = def.Settings.Retry
	}
	policy := spec.Policy()
	if policy == nil {
		policy = tools.DefaultRetryPolicy()
	}
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		rec.RetryCount++
		d.logger.Info("retrying node",
			zap.String("run_id", run.ID),
			zap.String("node_id", node.ID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	}

	retryer := tools.NewRetryer(policy, d.logger)
	return retryer.DoWithResult(ctx, func() (any, error) {
		return d.dispatch(ctx, run, node, rec)
	})
}

// dispatch is the closed per-type routing table.
func (d *Dispatcher) dispatch(ctx context.Context, run *Run, node *Node, rec *NodeExecutionRecord) (any, error) {
	switch node.Type {
	case NodeTypeAgent:
		return d.runAgent(ctx, run, node, rec)
	case NodeTypeTool:
		return d.runTool(ctx, run, node, rec)
	case NodeTypeHybrid:
		return d.runHybrid(ctx, run, node, rec, rec.Input)
	case NodeTypeCondition:
		return d.runCondition(run, node, rec)
	case NodeTypeLoop:
		return d.runLoop(ctx, run, node, rec)
	case NodeTypeHumanInput:
		return d.runHumanInput(ctx, run, node, rec)
	case NodeTypeTransformer:
		return d.runTransform(run, node, rec)
	default:
		return nil, types.NewErrorf(types.ErrValidation, "unknown node type %q", node.Type)
	}
}

// runAgent invokes the external agent and stores its response under the
// agent's id.
func (d *Dispatcher) runAgent(ctx context.Context, run *Run, node *Node, rec *NodeExecutionRecord) (any, error) {
	resp, err := d.invokeAgent(ctx, run, node, rec.Input)
	if err != nil {
		return nil, err
	}
	rec.Usage.Tokens += resp.Usage.TotalTokens

	output := map[string]any{"content": resp.Content}
	if resp.Output != nil {
		output["output"] = resp.Output
	}
	run.Context.SetAgentState(node.Config.AgentID, output)
	return output, nil
}

// invokeAgent is shared by agent nodes and the hybrid strategies.
func (d *Dispatcher) invokeAgent(ctx context.Context, run *Run, node *Node, input any) (*types.AgentResponse, error) {
	if d.agents == nil {
		return nil, types.NewError(types.ErrNotFound, "no agent invoker configured")
	}
	return d.agents.Invoke(ctx, &types.AgentRequest{
		AgentID:   node.Config.AgentID,
		Input:     input,
		SessionID: run.SessionID,
		Variables: run.Context.Variables(),
		Scope:     run.Scope(node.ID),
	})
}

// runTool delegates to the tool invocation pipeline.
func (d *Dispatcher) runTool(ctx context.Context, run *Run, node *Node, rec *NodeExecutionRecord) (any, error) {
	toolRec, err := d.tools.Invoke(ctx, tools.InvokeRequest{
		ToolID:  node.Config.ToolID,
		Input:   rec.Input,
		Scope:   run.Scope(node.ID),
		Policy:  node.Config.Retry.Policy(),
		Timeout: node.Config.Timeout(),
	})
	if toolRec != nil {
		rec.RetryCount += toolRec.RetryCount
		rec.Usage.Add(toolRec.Usage)
	}
	if err != nil {
		return nil, err
	}

	run.Context.SetToolState(node.Config.ToolID, toolRec.Output)
	return toolRec.Output, nil
}

// runCondition evaluates the node expression against the input and the
// run variables. An unparseable expression is the one way a condition
// node fails.
func (d *Dispatcher) runCondition(run *Run, node *Node, rec *NodeExecutionRecord) (any, error) {
	pass, err := dsl.Evaluate(node.Config.Expression, dsl.Scope(rec.Input, run.Context.Variables()))
	if err != nil {
		return nil, types.NewErrorf(types.ErrExprParse,
			"condition node %s", node.ID).WithCause(err)
	}
	return map[string]any{"result": pass}, nil
}

// runLoop repeats the body while the condition holds, up to the cap.
// A condition that stops evaluating terminates the loop gracefully; a
// body failure fails the node; hitting the cap of a condition loop
// reports completed=false and leaves the judgement to downstream edges.
func (d *Dispatcher) runLoop(ctx context.Context, run *Run, node *Node, rec *NodeExecutionRecord) (any, error) {
	limit := node.Config.MaxIterations
	if limit <= 0 {
		limit = DefaultLoopCap
	}

	payload := rec.Input
	results := make([]any, 0)
	iterations := 0
	completed := false

	for iterations < limit {
		if err := ctx.Err(); err != nil {
			code := types.ErrCancelled
			if errors.Is(err, context.DeadlineExceeded) {
				code = types.ErrTimeout
			}
			return nil, types.NewErrorf(code,
				"loop node %s interrupted after %d iterations", node.ID, iterations)
		}

		if expr := node.Config.Expression; expr != "" {
			pass, err := dsl.Evaluate(expr, dsl.Scope(payload, run.Context.Variables()))
			if err != nil {
				d.logger.Warn("loop condition stopped evaluating, terminating loop",
					zap.String("run_id", run.ID),
					zap.String("node_id", node.ID),
					zap.Int("iterations", iterations),
					zap.Error(err))
				completed = true
				break
			}
			if !pass {
				completed = true
				break
			}
		}

		out, err := d.runLoopBody(ctx, run, node, rec, payload)
		if err != nil {
			return nil, err
		}
		results = append(results, out)
		payload = asInputMap(out)
		iterations++
	}

	// a pure counted loop finishing all its iterations is complete
	if !completed && node.Config.Expression == "" {
		completed = true
	}

	return map[string]any{
		"iterations": iterations,
		"results":    results,
		"completed":  completed,
	}, nil
}

func (d *Dispatcher) runLoopBody(ctx context.Context, run *Run, node *Node, rec *NodeExecutionRecord, payload map[string]any) (any, error) {
	cfg := &node.Config
	if cfg.ToolID != "" {
		toolRec, err := d.tools.Invoke(ctx, tools.InvokeRequest{
			ToolID: cfg.ToolID,
			Input:  payload,
			Scope:  run.Scope(node.ID),
		})
		if toolRec != nil {
			rec.Usage.Add(toolRec.Usage)
		}
		if err != nil {
			return nil, err
		}
		return toolRec.Output, nil
	}
	if cfg.Transform != nil {
		return dsl.Apply(*cfg.Transform, payload, run.Context.Variables())
	}
	return nil, types.NewErrorf(types.ErrValidation, "loop node %s has no body", node.ID)
}

// runTransform applies the declared transform to the node input.
func (d *Dispatcher) runTransform(run *Run, node *Node, rec *NodeExecutionRecord) (any, error) {
	if node.Config.Transform == nil {
		return nil, types.NewErrorf(types.ErrValidation, "transformer node %s has no transform", node.ID)
	}
	return dsl.Apply(*node.Config.Transform, rec.Input, run.Context.Variables())
}

// runHumanInput suspends on the broker until a response, the timeout,
// or cancellation settles the node. Timeout skips optional nodes and
// fails required ones; cancellation always skips.
func (d *Dispatcher) runHumanInput(ctx context.Context, run *Run, node *Node, rec *NodeExecutionRecord) (any, error) {
	if d.hitl == nil {
		return nil, types.NewError(types.ErrNotFound, "no human input broker configured")
	}
	cfg := &node.Config

	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = d.humanTimeout
	}

	run.Context.AddPendingInput(PendingInput{
		NodeID:      node.ID,
		Prompt:      cfg.Prompt,
		Kind:        cfg.Kind,
		Required:    cfg.Required,
		Assignee:    cfg.Assignee,
		RequestedAt: time.Now(),
	})
	defer run.Context.RemovePendingInput(node.ID)

	d.publishHumanInputRequired(ctx, run, node)

	opts := hitl.RequestOptions{
		RunID:   run.ID,
		NodeID:  node.ID,
		Kind:    hitl.RequestKind(cfg.Kind),
		Prompt:  cfg.Prompt,
		Data:    rec.Input,
		Timeout: timeout,
	}
	for _, opt := range cfg.Options {
		opts.Options = append(opts.Options, hitl.Option{
			ID:        opt.ID,
			Label:     opt.Label,
			IsDefault: opt.Default,
		})
	}
	if cfg.Assignee != "" {
		opts.Metadata = map[string]any{"assignee": cfg.Assignee}
	}

	resp, err := d.hitl.Await(ctx, opts)
	if err != nil {
		switch types.GetErrorCode(err) {
		case types.ErrHumanInputTimeout:
			if cfg.Required {
				return nil, err
			}
			d.logger.Info("optional human input timed out, skipping node",
				zap.String("run_id", run.ID),
				zap.String("node_id", node.ID))
			rec.Status = NodeStatusSkipped
			return nil, nil
		case types.ErrCancelled:
			rec.Status = NodeStatusSkipped
			return nil, nil
		default:
			return nil, err
		}
	}

	output := map[string]any{"value": resp.Input}
	if resp.OptionID != "" {
		output["option"] = resp.OptionID
	}
	if resp.UserID != "" {
		output["responder"] = resp.UserID
	}
	if resp.Comment != "" {
		output["comment"] = resp.Comment
	}
	if hitl.RequestKind(cfg.Kind) == hitl.KindApproval {
		output["approved"] = resp.Approved
	}
	return output, nil
}

func (d *Dispatcher) publishNodeEvent(ctx context.Context, kind events.Kind, run *Run, node *Node, rec *NodeExecutionRecord) {
	if d.bus == nil {
		return
	}
	event := events.New(kind, run.ID)
	event.WorkflowID = run.WorkflowID
	event.NodeID = node.ID
	event.NodeStatus = string(rec.Status)
	event.Error = rec.Error
	event.Payload = map[string]any{"node_type": string(node.Type)}
	if kind == events.KindNodeCompleted {
		event.Payload["duration_ms"] = rec.Usage.Duration.Milliseconds()
		if rec.RetryCount > 0 {
			event.Payload["retries"] = rec.RetryCount
		}
	}
	_ = d.bus.Publish(ctx, event)
}

func (d *Dispatcher) publishHumanInputRequired(ctx context.Context, run *Run, node *Node) {
	if d.bus == nil {
		return
	}
	event := events.New(events.KindHumanInputRequired, run.ID)
	event.WorkflowID = run.WorkflowID
	event.NodeID = node.ID
	event.Payload = map[string]any{
		"prompt":   node.Config.Prompt,
		"required": node.Config.Required,
	}
	if node.Config.Assignee != "" {
		event.Payload["assignee"] = node.Config.Assignee
	}
	_ = d.bus.Publish(ctx, event)
}

// mergedInput lays the node's static config input over the flowing
// input, static values winning.
func mergedInput(flowing, static map[string]any) map[string]any {
	if len(static) == 0 {
		return flowing
	}
	merged := make(map[string]any, len(flowing)+len(static))
	for k, v := range flowing {
		merged[k] = v
	}
	for k, v := range static {
		merged[k] = v
	}
	return merged
}

// asInputMap coerces a loop body output into the next iteration's
// payload.
func asInputMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	if v == nil {
		return map[string]any{}
	}
	return map[string]any{"result": v}
}
