package tools

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flowsmith/flowsmith/types"
	"github.com/flowsmith/flowsmith/workflow/dsl"
)

// ChainMode selects how chain steps are composed.
type ChainMode string

const (
	// ChainSequential pipes each step's output into the next step.
	ChainSequential ChainMode = "sequential"
	// ChainParallel runs all steps concurrently on the same input.
	ChainParallel ChainMode = "parallel"
	// ChainConditional evaluates each step's condition before running it.
	ChainConditional ChainMode = "conditional"
)

// Valid reports whether m is a known chain mode.
func (m ChainMode) Valid() bool {
	switch m {
	case ChainSequential, ChainParallel, ChainConditional:
		return true
	}
	return false
}

// StepErrorMode decides what a step failure does to the chain.
type StepErrorMode string

const (
	// StepErrorStop aborts the chain on failure.
	StepErrorStop StepErrorMode = "stop"
	// StepErrorContinue records the failure and passes the step's own
	// input unchanged to the next step.
	StepErrorContinue StepErrorMode = "continue"
	// StepErrorRetry retries the step once, then tries the fallback
	// tool if one is configured, then aborts.
	StepErrorRetry StepErrorMode = "retry"
)

// ChainStep is one link in a tool chain.
type ChainStep struct {
	ID        string         `json:"id"`
	ToolID    string         `json:"tool_id"`
	Input     map[string]any `json:"input,omitempty"`     // overrides the flowing payload when set
	Condition string         `json:"condition,omitempty"` // conditional mode gate expression
	OnError   StepErrorMode  `json:"on_error,omitempty"`
	// FallbackToolID is invoked with the same input when the retry
	// error mode exhausts its attempts.
	FallbackToolID string `json:"fallback_tool_id,omitempty"`
}

// ChainRequest describes a chain execution.
type ChainRequest struct {
	Mode  ChainMode
	Steps []ChainStep
	Input map[string]any
	Scope types.CallScope
	// MaxParallel bounds parallel mode concurrency; 0 means unbounded.
	MaxParallel int
}

// StepResult is the outcome of one chain step.
type StepResult struct {
	StepID   string                      `json:"step_id"`
	ToolID   string                      `json:"tool_id"`
	Status   types.InvocationStatus      `json:"status"`
	Output   any                         `json:"output,omitempty"`
	Error    string                      `json:"error,omitempty"`
	Duration time.Duration               `json:"duration"`
	Record   *types.ToolInvocationRecord `json:"record,omitempty"`
}

// ChainResult aggregates the chain outcome. Counters and successful
// outputs are always populated, even when the chain aborts early.
type ChainResult struct {
	Mode      ChainMode      `json:"mode"`
	Total     int            `json:"total"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	Skipped   int            `json:"skipped"`
	Outputs   map[string]any `json:"outputs"`
	Steps     []StepResult   `json:"steps"`
	// Output is the final flowing payload in sequential and
	// conditional modes.
	Output any `json:"output,omitempty"`
}

// ChainExecutor composes tool invocations.
type ChainExecutor interface {
	Execute(ctx context.Context, req ChainRequest) (*ChainResult, error)
}

// ====== 实现：DefaultChainExecutor ======

type DefaultChainExecutor struct {
	invoker Invoker
	logger  *zap.Logger
}

// NewChainExecutor 创建链式执行器。
func NewChainExecutor(invoker Invoker, logger *zap.Logger) *DefaultChainExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DefaultChainExecutor{
		invoker: invoker,
		logger:  logger.With(zap.String("component", "chain_executor")),
	}
}

func (e *DefaultChainExecutor) Execute(ctx context.Context, req ChainRequest) (*ChainResult, error) {
	if !req.Mode.Valid() {
		return nil, types.NewErrorf(types.ErrValidation, "unknown chain mode %q", req.Mode)
	}
	if len(req.Steps) == 0 {
		return nil, types.NewError(types.ErrValidation, "chain has no steps")
	}

	switch req.Mode {
	case ChainParallel:
		return e.runParallel(ctx, req)
	default:
		return e.runSerial(ctx, req)
	}
}

// runSerial 顺序执行，conditional 模式在每步前求值门控表达式。
func (e *DefaultChainExecutor) runSerial(ctx context.Context, req ChainRequest) (*ChainResult, error) {
	results := make([]StepResult, 0, len(req.Steps))
	payload := req.Input
	var abort error

	for i := range req.Steps {
		step := req.Steps[i]

		if req.Mode == ChainConditional && step.Condition != "" {
			pass, err := dsl.Evaluate(step.Condition, dsl.Scope(payload, nil))
			if err != nil {
				e.logger.Warn("chain condition failed to evaluate, skipping step",
					zap.String("step_id", step.ID),
					zap.String("condition", step.Condition),
					zap.Error(err))
				pass = false
			}
			if !pass {
				results = append(results, StepResult{
					StepID: step.ID,
					ToolID: step.ToolID,
					Status: types.InvocationSkipped,
				})
				continue
			}
		}

		input := payload
		if len(step.Input) > 0 {
			input = step.Input
		}

		res := e.runStep(ctx, step, input, req.Scope)
		results = append(results, res)

		if res.Status == types.InvocationCompleted {
			payload = outputToMap(res.Output)
			continue
		}

		// 失败：按错误模式决定链的走向
		switch step.OnError {
		case StepErrorContinue:
			// 后续步骤收到失败步骤自身的输入
			payload = input
		default:
			abort = types.NewErrorf(types.ErrNodeFailed,
				"chain aborted at step %s: %s", step.ID, res.Error)
		}
		if abort != nil {
			break
		}
	}

	result := aggregate(req.Mode, req.Steps, results)
	result.Output = payload
	return result, abort
}

// runParallel 并行执行全部步骤；一个步骤失败不会取消其兄弟步骤，
// stop 语义在所有步骤结束后统一判定。
func (e *DefaultChainExecutor) runParallel(ctx context.Context, req ChainRequest) (*ChainResult, error) {
	results := make([]StepResult, len(req.Steps))

	var g errgroup.Group
	if req.MaxParallel > 0 {
		g.SetLimit(req.MaxParallel)
	}

	for i := range req.Steps {
		idx, step := i, req.Steps[i]
		g.Go(func() error {
			input := req.Input
			if len(step.Input) > 0 {
				input = step.Input
			}
			results[idx] = e.runStep(ctx, step, input, req.Scope)
			return nil
		})
	}
	_ = g.Wait()

	result := aggregate(req.Mode, req.Steps, results)

	var abort error
	for i := range results {
		if results[i].Status != types.InvocationFailed {
			continue
		}
		mode := req.Steps[i].OnError
		if mode == StepErrorContinue {
			continue
		}
		abort = types.NewErrorf(types.ErrNodeFailed,
			"chain step %s failed: %s", results[i].StepID, results[i].Error)
		break
	}
	return result, abort
}

// runStep 执行单个步骤，含 retry 错误模式的一次重试与回退工具。
func (e *DefaultChainExecutor) runStep(ctx context.Context, step ChainStep, input map[string]any, scope types.CallScope) StepResult {
	start := time.Now()

	rec, err := e.invoker.Invoke(ctx, InvokeRequest{
		ToolID: step.ToolID,
		Input:  input,
		Scope:  scope,
	})

	if err != nil && step.OnError == StepErrorRetry {
		e.logger.Debug("chain step retrying once",
			zap.String("step_id", step.ID),
			zap.String("tool_id", step.ToolID),
			zap.Error(err))
		rec, err = e.invoker.Invoke(ctx, InvokeRequest{
			ToolID: step.ToolID,
			Input:  input,
			Scope:  scope,
		})

		if err != nil && step.FallbackToolID != "" {
			e.logger.Info("chain step falling back",
				zap.String("step_id", step.ID),
				zap.String("fallback_tool_id", step.FallbackToolID))
			rec, err = e.invoker.Invoke(ctx, InvokeRequest{
				ToolID: step.FallbackToolID,
				Input:  input,
				Scope:  scope,
			})
		}
	}

	res := StepResult{
		StepID:   step.ID,
		ToolID:   step.ToolID,
		Duration: time.Since(start),
		Record:   rec,
	}
	if err != nil {
		res.Status = types.InvocationFailed
		res.Error = err.Error()
		return res
	}
	res.Status = types.InvocationCompleted
	res.Output = rec.Output
	return res
}

// aggregate 汇总计数与成功输出；键优先取步骤 ID，缺省回退到工具 ID。
func aggregate(mode ChainMode, steps []ChainStep, results []StepResult) *ChainResult {
	out := &ChainResult{
		Mode:    mode,
		Total:   len(steps),
		Outputs: make(map[string]any),
		Steps:   results,
	}
	for i := range results {
		switch results[i].Status {
		case types.InvocationCompleted:
			out.Succeeded++
			key := results[i].StepID
			if key == "" {
				key = results[i].ToolID
			}
			out.Outputs[key] = results[i].Output
		case types.InvocationFailed:
			out.Failed++
		case types.InvocationSkipped:
			out.Skipped++
		}
	}
	return out
}

func outputToMap(output any) map[string]any {
	if m, ok := output.(map[string]any); ok {
		return m
	}
	if output == nil {
		return map[string]any{}
	}
	return map[string]any{"result": output}
}
