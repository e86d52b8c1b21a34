package agents

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/flowsmith/flowsmith/types"
)

// ============================================================
// Agent invocation contract
// ============================================================

// Invoker executes an external agent. Implementations wrap whatever
// transport the agent actually lives behind (HTTP, message queue,
// in-process function); the engine only sees this contract.
type Invoker interface {
	Invoke(ctx context.Context, req *types.AgentRequest) (*types.AgentResponse, error)
}

// InvokerFunc adapts a plain function to the Invoker interface.
type InvokerFunc func(ctx context.Context, req *types.AgentRequest) (*types.AgentResponse, error)

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(ctx context.Context, req *types.AgentRequest) (*types.AgentResponse, error) {
	return f(ctx, req)
}

// ============================================================
// Agent Router
// ============================================================

// Router maps agent ids to invokers. Requests for an unregistered id go
// to the fallback invoker when one is set.
type Router struct {
	mu       sync.RWMutex
	invokers map[string]Invoker
	fallback Invoker
	logger   *zap.Logger
}

// NewRouter 创建一个空的智能体路由器。
func NewRouter(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		invokers: make(map[string]Invoker),
		logger:   logger.With(zap.String("component", "agent_router")),
	}
}

// Register binds an invoker to an agent id, replacing any previous binding.
func (r *Router) Register(agentID string, inv Invoker) {
	if agentID == "" || inv == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invokers[agentID] = inv
}

// SetFallback sets the invoker used for agent ids with no registered binding.
func (r *Router) SetFallback(inv Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = inv
}

// Has reports whether an invoker is registered for the agent id.
func (r *Router) Has(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.invokers[agentID]
	return ok
}

// Invoke implements Invoker by routing on req.AgentID.
func (r *Router) Invoke(ctx context.Context, req *types.AgentRequest) (*types.AgentResponse, error) {
	if req == nil || req.AgentID == "" {
		return nil, types.NewError(types.ErrValidation, "agent request requires an agent id")
	}

	r.mu.RLock()
	inv, ok := r.invokers[req.AgentID]
	if !ok {
		inv = r.fallback
	}
	r.mu.RUnlock()

	if inv == nil {
		return nil, types.NewErrorf(types.ErrNotFound, "no invoker registered for agent %s", req.AgentID)
	}

	r.logger.Debug("dispatching agent request",
		zap.String("agent_id", req.AgentID),
		zap.String("run_id", req.Scope.RunID),
		zap.Bool("fallback", !ok))
	return inv.Invoke(ctx, req)
}
