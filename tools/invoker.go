package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowsmith/flowsmith/types"
)

// InvokeRequest describes one tool call.
type InvokeRequest struct {
	ToolID string
	Input  map[string]any
	Scope  types.CallScope
	// Policy overrides the retry policy resolved from the definition.
	Policy *RetryPolicy
	// Timeout overrides the definition timeout.
	Timeout time.Duration
}

// Invoker runs tool calls through the full invocation pipeline:
// breaker gate, definition resolve, input validation, retried backend
// dispatch, advisory output validation and usage recording.
type Invoker interface {
	Invoke(ctx context.Context, req InvokeRequest) (*types.ToolInvocationRecord, error)
}

// InvocationSink persists finished invocation records.
type InvocationSink interface {
	SaveInvocation(ctx context.Context, rec *types.ToolInvocationRecord) error
}

// InvokerConfig carries pipeline defaults.
type InvokerConfig struct {
	DefaultTimeout time.Duration
	DefaultPolicy  *RetryPolicy
}

// ====== 实现：DefaultInvoker ======

type DefaultInvoker struct {
	registry Registry
	backends *BackendSet
	breakers *BreakerRegistry
	perf     PerfTracker
	sink     InvocationSink
	cfg      InvokerConfig
	logger   *zap.Logger
}

// NewInvoker 创建工具调用器。
func NewInvoker(registry Registry, backends *BackendSet, breakers *BreakerRegistry, cfg InvokerConfig, logger *zap.Logger) *DefaultInvoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultToolTimeout
	}
	if cfg.DefaultPolicy == nil {
		cfg.DefaultPolicy = DefaultRetryPolicy()
	}
	return &DefaultInvoker{
		registry: registry,
		backends: backends,
		breakers: breakers,
		perf:     NewPerfTracker(0),
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "tool_invoker")),
	}
}

// SetPerfTracker 替换性能追踪器。
func (inv *DefaultInvoker) SetPerfTracker(perf PerfTracker) {
	if perf != nil {
		inv.perf = perf
	}
}

// SetSink 设置调用记录持久化接收器。
func (inv *DefaultInvoker) SetSink(sink InvocationSink) {
	inv.sink = sink
}

// Perf exposes the tracker for read access.
func (inv *DefaultInvoker) Perf() PerfTracker { return inv.perf }

// Invoke runs the pipeline. The returned record is always non-nil;
// the error mirrors the record's failure state for callers that branch
// on it directly.
func (inv *DefaultInvoker) Invoke(ctx context.Context, req InvokeRequest) (*types.ToolInvocationRecord, error) {
	start := time.Now()
	rec := &types.ToolInvocationRecord{
		ID:        uuid.NewString(),
		ToolID:    req.ToolID,
		Input:     req.Input,
		Status:    types.InvocationFailed,
		StartedAt: start,
	}

	var breaker *CircuitBreaker
	if inv.breakers != nil {
		breaker = inv.breakers.GetOrCreate(req.ToolID)
	}

	// 1. 熔断器门禁：打开状态直接拒绝，不触发后端
	if breaker != nil {
		if err := breaker.AllowRequest(); err != nil {
			return inv.finish(ctx, rec, nil, err, 0, false)
		}
	}

	// 2. 解析工具定义：缺失或停用直接失败
	def, err := inv.registry.Resolve(req.ToolID)
	if err != nil {
		return inv.finish(ctx, rec, nil, err, 0, false)
	}

	// 3. 速率限制
	if reg, ok := inv.registry.(*DefaultRegistry); ok {
		if err := reg.checkRateLimit(req.ToolID); err != nil {
			return inv.finish(ctx, rec, nil, err, 0, false)
		}
	}

	// 4. 输入校验：硬失败，不进入重试
	if violations := def.InputSchema.Validate(req.Input); len(violations) > 0 {
		err := types.NewErrorf(types.ErrSchemaMismatch,
			"tool %s input rejected: %s", def.ID, formatViolations(violations))
		return inv.finish(ctx, rec, nil, err, 0, false)
	}

	backend, err := inv.backends.For(def.Type)
	if err != nil {
		return inv.finish(ctx, rec, nil, err, 0, false)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = def.Timeout
	}
	if timeout <= 0 {
		timeout = inv.cfg.DefaultTimeout
	}

	policy := req.Policy
	if policy == nil {
		policy = policyFromDefinition(def, inv.cfg.DefaultPolicy)
	}

	// 5. 重试包裹的后端分发
	retries := 0
	wrapped := *policy
	prevOnRetry := policy.OnRetry
	wrapped.OnRetry = func(attempt int, err error, delay time.Duration) {
		retries = attempt
		if prevOnRetry != nil {
			prevOnRetry(attempt, err, delay)
		}
	}

	dispatches := 0
	retryer := NewRetryer(&wrapped, inv.logger)
	output, err := retryer.DoWithResult(ctx, func() (any, error) {
		dispatches++
		return inv.dispatch(ctx, backend, def, req.Input, req.Scope, timeout)
	})

	rec.RetryCount = retries

	if err != nil {
		return inv.finish(ctx, rec, def, err, dispatches, true)
	}

	// 6. 输出校验：仅告警，不判定失败
	if violations := def.OutputSchema.Validate(output); len(violations) > 0 {
		inv.logger.Warn("tool output schema mismatch",
			zap.String("tool_id", def.ID),
			zap.Int("violations", len(violations)),
			zap.String("first", formatViolations(violations[:1])))
	}

	rec.Output = output
	rec.Status = types.InvocationCompleted
	return inv.finish(ctx, rec, def, nil, dispatches, true)
}

// dispatch 执行单次后端调用，带独立超时；缓冲 channel 防止超时后 goroutine 泄漏。
func (inv *DefaultInvoker) dispatch(ctx context.Context, backend Backend, def *types.ToolDefinition, input map[string]any, scope types.CallScope, timeout time.Duration) (any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res any
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		res, err := backend.Invoke(attemptCtx, def, input, scope)
		select {
		case done <- outcome{res, err}:
		case <-attemptCtx.Done():
		}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-attemptCtx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, types.NewErrorf(types.ErrCancelled, "tool %s cancelled", def.ID)
		}
		return nil, types.NewErrorf(types.ErrTimeout, "tool %s timed out after %s", def.ID, timeout).WithRetryable(true)
	}
}

// finish closes out the record: duration, usage, breaker outcome,
// rolling metrics and persistence all happen here regardless of how
// the pipeline exited. executed reports whether the backend ran, so
// resolve and validation failures never count against tool health.
func (inv *DefaultInvoker) finish(ctx context.Context, rec *types.ToolInvocationRecord, def *types.ToolDefinition, err error, dispatches int, executed bool) (*types.ToolInvocationRecord, error) {
	rec.FinishedAt = time.Now()
	rec.Usage.Duration = rec.FinishedAt.Sub(rec.StartedAt)

	if err != nil {
		rec.Error = err.Error()
		rec.Status = types.InvocationFailed
	}

	rec.Usage.PayloadBytes = payloadSize(rec.Input) + payloadSize(rec.Output)
	if def != nil && def.Type != types.ToolTypeFunction {
		rec.Usage.NetworkCalls = dispatches
	}

	if executed && inv.breakers != nil {
		breaker := inv.breakers.GetOrCreate(rec.ToolID)
		if err != nil {
			breaker.RecordFailure()
		} else {
			breaker.RecordSuccess()
		}
	}

	inv.perf.Record(rec.ToolID, rec.Usage.Duration, err == nil)

	if inv.sink != nil {
		if sinkErr := inv.sink.SaveInvocation(ctx, rec); sinkErr != nil {
			inv.logger.Warn("failed to persist invocation record",
				zap.String("invocation_id", rec.ID),
				zap.Error(sinkErr))
		}
	}

	if err != nil {
		inv.logger.Debug("tool invocation failed",
			zap.String("tool_id", rec.ToolID),
			zap.Int("retries", rec.RetryCount),
			zap.Duration("duration", rec.Usage.Duration),
			zap.Error(err))
		return rec, err
	}

	inv.logger.Debug("tool invocation completed",
		zap.String("tool_id", rec.ToolID),
		zap.Int("retries", rec.RetryCount),
		zap.Duration("duration", rec.Usage.Duration))
	return rec, nil
}

// policyFromDefinition 从工具配置解析重试策略，缺省值来自调用器配置。
// Config keys: "max_retries", "backoff", "base_delay_ms", "retryable_errors".
func policyFromDefinition(def *types.ToolDefinition, defaults *RetryPolicy) *RetryPolicy {
	policy := *defaults

	if v, ok := def.Config["max_retries"]; ok {
		if n, ok := toInt(v); ok && n >= 0 {
			policy.MaxRetries = n
		}
	}
	if v, ok := def.Config["backoff"].(string); ok {
		switch BackoffKind(v) {
		case BackoffLinear, BackoffExponential:
			policy.Backoff = BackoffKind(v)
		}
	}
	if v, ok := def.Config["base_delay_ms"]; ok {
		if n, ok := toInt(v); ok && n > 0 {
			policy.BaseDelay = time.Duration(n) * time.Millisecond
		}
	}
	if v, ok := def.Config["retryable_errors"]; ok {
		policy.RetryableMatch = toStringSlice(v)
	}

	return &policy
}

func formatViolations(violations []types.SchemaViolation) string {
	limit := len(violations)
	if limit > 3 {
		limit = 3
	}
	parts := make([]string, 0, limit)
	for _, v := range violations[:limit] {
		parts = append(parts, fmt.Sprintf("%s: %s", v.Path, v.Message))
	}
	if len(violations) > limit {
		parts = append(parts, fmt.Sprintf("and %d more", len(violations)-limit))
	}
	return strings.Join(parts, "; ")
}

func payloadSize(v any) int {
	if v == nil {
		return 0
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(raw)
}

func toStringSlice(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
