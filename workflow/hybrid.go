package workflow

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flowsmith/flowsmith/agents"
	"github.com/flowsmith/flowsmith/tools"
	"github.com/flowsmith/flowsmith/types"
)

// HybridStrategy selects how a hybrid node composes its agent with its
// tool set.
type HybridStrategy string

const (
	// StrategyAgentFirst lets the agent propose a tool plan from its
	// free-form output, runs the planned tools in order, then asks the
	// agent to synthesize a final answer from the tool results.
	StrategyAgentFirst HybridStrategy = "agent_first"
	// StrategyToolFirst runs the declared tools first and feeds their
	// outputs to the agent.
	StrategyToolFirst HybridStrategy = "tool_first"
	// StrategyParallel runs the agent and the tools concurrently and
	// combines both results.
	StrategyParallel HybridStrategy = "parallel"
	// StrategyCoordinated alternates agent and tools for a bounded
	// number of rounds, feeding tool results back each round.
	StrategyCoordinated HybridStrategy = "coordinated"
)

// Valid reports whether s is a known strategy.
func (s HybridStrategy) Valid() bool {
	switch s {
	case StrategyAgentFirst, StrategyToolFirst, StrategyParallel, StrategyCoordinated:
		return true
	}
	return false
}

// DefaultCoordinatedRounds bounds the coordinated strategy when the
// node does not configure its own round count.
const DefaultCoordinatedRounds = 3

// runHybrid dispatches to the configured strategy, agent_first when
// unset.
func (d *Dispatcher) runHybrid(ctx context.Context, run *Run, node *Node, rec *NodeExecutionRecord, input map[string]any) (any, error) {
	strategy := node.Config.Strategy
	if strategy == "" {
		strategy = StrategyAgentFirst
	}

	switch strategy {
	case StrategyAgentFirst:
		return d.runAgentFirst(ctx, run, node, rec, input)
	case StrategyToolFirst:
		return d.runToolFirst(ctx, run, node, rec, input)
	case StrategyParallel:
		return d.runParallelHybrid(ctx, run, node, rec, input)
	case StrategyCoordinated:
		return d.runCoordinated(ctx, run, node, rec, input)
	default:
		return nil, types.NewErrorf(types.ErrValidation, "unknown hybrid strategy %q", strategy)
	}
}

// runAgentFirst asks the agent for a plan, executes it, and has the
// agent synthesize the final answer. The plan is untrusted text: parse
// failure or an empty plan means the agent's answer stands on its own.
func (d *Dispatcher) runAgentFirst(ctx context.Context, run *Run, node *Node, rec *NodeExecutionRecord, input map[string]any) (any, error) {
	resp, err := d.invokeAgent(ctx, run, node, input)
	if err != nil {
		return nil, err
	}
	rec.Usage.Tokens += resp.Usage.TotalTokens

	plan := agents.ParsePlan(resp.Content)
	steps := d.planToChainSteps(node, plan)
	if len(steps) == 0 {
		return map[string]any{"content": resp.Content}, nil
	}

	chainRes, err := d.chains.Execute(ctx, tools.ChainRequest{
		Mode:  tools.ChainSequential,
		Steps: steps,
		Input: input,
		Scope: run.Scope(node.ID),
	})
	if err != nil {
		return nil, err
	}

	synthesis, err := d.invokeAgent(ctx, run, node, map[string]any{
		"task":         input,
		"tool_results": chainRes.Outputs,
	})
	if err != nil {
		return nil, err
	}
	rec.Usage.Tokens += synthesis.Usage.TotalTokens

	return map[string]any{
		"content":      synthesis.Content,
		"plan":         plan.ToolIDs(),
		"tool_results": chainRes.Outputs,
	}, nil
}

// runToolFirst runs the declared tools sequentially, then hands their
// outputs to the agent.
func (d *Dispatcher) runToolFirst(ctx context.Context, run *Run, node *Node, rec *NodeExecutionRecord, input map[string]any) (any, error) {
	chainRes, err := d.chains.Execute(ctx, tools.ChainRequest{
		Mode:  tools.ChainSequential,
		Steps: toolIDSteps(node.Config.ToolIDs),
		Input: input,
		Scope: run.Scope(node.ID),
	})
	if err != nil {
		return nil, err
	}

	resp, err := d.invokeAgent(ctx, run, node, map[string]any{
		"task":         input,
		"tool_results": chainRes.Outputs,
	})
	if err != nil {
		return nil, err
	}
	rec.Usage.Tokens += resp.Usage.TotalTokens

	return map[string]any{
		"content":      resp.Content,
		"tool_results": chainRes.Outputs,
	}, nil
}

// runParallelHybrid runs the agent and the tool chain concurrently.
// Both branches settle before the first error, if any, fails the node.
func (d *Dispatcher) runParallelHybrid(ctx context.Context, run *Run, node *Node, rec *NodeExecutionRecord, input map[string]any) (any, error) {
	var (
		g        errgroup.Group
		resp     *types.AgentResponse
		chainRes *tools.ChainResult
	)

	g.Go(func() error {
		r, err := d.invokeAgent(ctx, run, node, input)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	g.Go(func() error {
		res, err := d.chains.Execute(ctx, tools.ChainRequest{
			Mode:  tools.ChainParallel,
			Steps: toolIDSteps(node.Config.ToolIDs),
			Input: input,
			Scope: run.Scope(node.ID),
		})
		if err != nil {
			return err
		}
		chainRes = res
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	rec.Usage.Tokens += resp.Usage.TotalTokens

	return map[string]any{
		"agent": map[string]any{"content": resp.Content},
		"tools": chainRes.Outputs,
	}, nil
}

// runCoordinated alternates agent and tools for up to the configured
// number of rounds. Each round feeds the previous tool results back to
// the agent; an agent turn without a tool plan ends the exchange.
func (d *Dispatcher) runCoordinated(ctx context.Context, run *Run, node *Node, rec *NodeExecutionRecord, input map[string]any) (any, error) {
	maxRounds := node.Config.Rounds
	if maxRounds <= 0 {
		maxRounds = DefaultCoordinatedRounds
	}

	payload := map[string]any{"task": input}
	var (
		content     string
		lastOutputs map[string]any
		rounds      int
	)

	for round := 1; round <= maxRounds; round++ {
		resp, err := d.invokeAgent(ctx, run, node, payload)
		if err != nil {
			return nil, err
		}
		rec.Usage.Tokens += resp.Usage.TotalTokens
		content = resp.Content
		rounds = round

		steps := d.planToChainSteps(node, agents.ParsePlan(resp.Content))
		if len(steps) == 0 {
			break
		}

		chainRes, err := d.chains.Execute(ctx, tools.ChainRequest{
			Mode:  tools.ChainSequential,
			Steps: steps,
			Input: input,
			Scope: run.Scope(node.ID),
		})
		if err != nil {
			return nil, err
		}
		lastOutputs = chainRes.Outputs
		payload = map[string]any{"task": input, "tool_results": chainRes.Outputs}
	}

	output := map[string]any{"content": content, "rounds": rounds}
	if lastOutputs != nil {
		output["tool_results"] = lastOutputs
	}
	return output, nil
}

// planToChainSteps converts a parsed plan into chain steps, dropping
// steps that reference tools the node does not declare. A step without
// its own input receives the chain's flowing payload.
func (d *Dispatcher) planToChainSteps(node *Node, plan agents.ToolPlan) []tools.ChainStep {
	if plan.Empty() {
		return nil
	}

	allowed := make(map[string]bool, len(node.Config.ToolIDs))
	for _, id := range node.Config.ToolIDs {
		allowed[id] = true
	}

	steps := make([]tools.ChainStep, 0, len(plan.Steps))
	for i, step := range plan.Steps {
		if !allowed[step.ToolID] {
			d.logger.Warn("dropping plan step for undeclared tool",
				zap.String("node_id", node.ID),
				zap.String("tool_id", step.ToolID))
			continue
		}
		steps = append(steps, tools.ChainStep{
			ID:     fmt.Sprintf("step_%d", i+1),
			ToolID: step.ToolID,
			Input:  step.Input,
		})
	}
	return steps
}

// toolIDSteps builds one chain step per declared tool id.
func toolIDSteps(toolIDs []string) []tools.ChainStep {
	steps := make([]tools.ChainStep, 0, len(toolIDs))
	for _, id := range toolIDs {
		steps = append(steps, tools.ChainStep{ID: id, ToolID: id})
	}
	return steps
}
