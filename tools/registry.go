package tools

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/flowsmith/flowsmith/types"
)

// DefaultToolTimeout is applied when a definition carries no timeout.
const DefaultToolTimeout = 30 * time.Second

// Registry defines the tool catalog interface.
type Registry interface {
	Register(def *types.ToolDefinition) error
	Update(def *types.ToolDefinition) error
	Unregister(id string) error
	Get(id string) (*types.ToolDefinition, error)
	// Resolve returns the definition only if it exists and is active.
	Resolve(id string) (*types.ToolDefinition, error)
	List() []*types.ToolDefinition
	Has(id string) bool
	SetActive(id string, active bool) error
}

// ====== 实现：DefaultRegistry ======

// DefaultRegistry is an in-memory tool catalog with per-tool rate limiting.
type DefaultRegistry struct {
	mu       sync.RWMutex
	defs     map[string]types.ToolDefinition
	limiters map[string]*rate.Limiter
	logger   *zap.Logger
}

// NewDefaultRegistry 创建默认的工具注册中心。
func NewDefaultRegistry(logger *zap.Logger) *DefaultRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DefaultRegistry{
		defs:     make(map[string]types.ToolDefinition),
		limiters: make(map[string]*rate.Limiter),
		logger:   logger.With(zap.String("component", "tool_registry")),
	}
}

func (r *DefaultRegistry) Register(def *types.ToolDefinition) error {
	if err := validateDefinition(def); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[def.ID]; exists {
		return types.NewErrorf(types.ErrValidation, "tool %s already registered", def.ID)
	}

	stored := *def
	if stored.Timeout <= 0 {
		stored.Timeout = DefaultToolTimeout
	}
	if stored.Version <= 0 {
		stored.Version = 1
	}

	r.defs[def.ID] = stored
	r.installLimiter(stored)

	r.logger.Info("tool registered",
		zap.String("tool_id", stored.ID),
		zap.String("type", string(stored.Type)),
		zap.Duration("timeout", stored.Timeout))
	return nil
}

// Update replaces an existing definition and bumps its version.
func (r *DefaultRegistry) Update(def *types.ToolDefinition) error {
	if err := validateDefinition(def); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, exists := r.defs[def.ID]
	if !exists {
		return types.NewErrorf(types.ErrNotFound, "tool %s not found", def.ID)
	}

	stored := *def
	if stored.Timeout <= 0 {
		stored.Timeout = DefaultToolTimeout
	}
	stored.Version = prev.Version + 1

	r.defs[def.ID] = stored
	r.installLimiter(stored)

	r.logger.Info("tool updated",
		zap.String("tool_id", stored.ID),
		zap.Int("version", stored.Version))
	return nil
}

func (r *DefaultRegistry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[id]; !exists {
		return types.NewErrorf(types.ErrNotFound, "tool %s not found", id)
	}

	delete(r.defs, id)
	delete(r.limiters, id)

	r.logger.Info("tool unregistered", zap.String("tool_id", id))
	return nil
}

func (r *DefaultRegistry) Get(id string) (*types.ToolDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[id]
	if !ok {
		return nil, types.NewErrorf(types.ErrNotFound, "tool %s not found", id)
	}
	return &def, nil
}

func (r *DefaultRegistry) Resolve(id string) (*types.ToolDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[id]
	if !ok {
		return nil, types.NewErrorf(types.ErrNotFound, "tool %s not found", id)
	}
	if !def.Active {
		return nil, types.NewErrorf(types.ErrToolInactive, "tool %s is inactive", id)
	}
	return &def, nil
}

func (r *DefaultRegistry) List() []*types.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]*types.ToolDefinition, 0, len(r.defs))
	for id := range r.defs {
		def := r.defs[id]
		defs = append(defs, &def)
	}
	return defs
}

func (r *DefaultRegistry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.defs[id]
	return ok
}

// SetActive 启用或停用工具；停用的工具在解析阶段被拒绝。
func (r *DefaultRegistry) SetActive(id string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.defs[id]
	if !ok {
		return types.NewErrorf(types.ErrNotFound, "tool %s not found", id)
	}

	def.Active = active
	r.defs[id] = def

	r.logger.Info("tool active flag changed",
		zap.String("tool_id", id),
		zap.Bool("active", active))
	return nil
}

// checkRateLimit 检查是否触发速率限制
func (r *DefaultRegistry) checkRateLimit(id string) error {
	r.mu.RLock()
	limiter, ok := r.limiters[id]
	r.mu.RUnlock()

	if !ok {
		return nil // 没有速率限制
	}
	if !limiter.Allow() {
		return types.NewErrorf(types.ErrRateLimit, "tool %s rate limit exceeded", id).WithRetryable(true)
	}
	return nil
}

// installLimiter 初始化工具级别的速率限制器，调用方必须持有写锁。
func (r *DefaultRegistry) installLimiter(def types.ToolDefinition) {
	if def.RateLimit <= 0 {
		delete(r.limiters, def.ID)
		return
	}
	burst := def.RateBurst
	if burst <= 0 {
		burst = 1
	}
	r.limiters[def.ID] = rate.NewLimiter(rate.Limit(def.RateLimit), burst)
}

func validateDefinition(def *types.ToolDefinition) error {
	if def == nil {
		return types.NewError(types.ErrValidation, "tool definition is nil")
	}
	if def.ID == "" {
		return types.NewError(types.ErrValidation, "tool id is required")
	}
	if def.Name == "" {
		return types.NewError(types.ErrValidation, "tool name is required")
	}
	if !def.Type.Valid() {
		return types.NewErrorf(types.ErrValidation, "unknown tool type %q", def.Type)
	}
	return nil
}
