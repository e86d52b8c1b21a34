package tools

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flowsmith/flowsmith/types"
)

// CircuitState 熔断器状态
type CircuitState int

const (
	// CircuitClosed 正常状态，允许请求通过
	CircuitClosed CircuitState = iota
	// CircuitOpen 熔断状态，拒绝所有请求
	CircuitOpen
	// CircuitHalfOpen 半开状态，允许一次探测请求
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	// FailureThreshold 连续失败次数阈值，达到后触发熔断
	FailureThreshold int `json:"failure_threshold"`
	// Cooldown 熔断后等待进入半开的时间
	Cooldown time.Duration `json:"cooldown"`
	// ForceCloseAfter 巡检时强制闭合的熔断时长上限
	ForceCloseAfter time.Duration `json:"force_close_after"`
}

// DefaultBreakerConfig 默认熔断器配置
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         60 * time.Second,
		ForceCloseAfter:  time.Hour,
	}
}

// BreakerEvent 熔断器状态变更事件
type BreakerEvent struct {
	ToolID    string       `json:"tool_id"`
	OldState  CircuitState `json:"old_state"`
	NewState  CircuitState `json:"new_state"`
	Timestamp time.Time    `json:"timestamp"`
	Reason    string       `json:"reason"`
	Failures  int          `json:"failures"`
}

// BreakerEventHandler 状态变更事件处理器接口
type BreakerEventHandler interface {
	OnStateChange(event BreakerEvent)
}

// CircuitSnapshot 单个熔断器的只读状态
type CircuitSnapshot struct {
	ToolID      string       `json:"tool_id"`
	State       CircuitState `json:"state"`
	Failures    int          `json:"failures"`
	LastFailure time.Time    `json:"last_failure"`
	OpenedAt    time.Time    `json:"opened_at,omitempty"`
}

// CircuitBreaker 按工具维度的熔断器
type CircuitBreaker struct {
	toolID          string
	config          BreakerConfig
	state           CircuitState
	failures        int       // 连续失败次数
	lastFailureTime time.Time // 最后一次失败时间
	openedAt        time.Time // 进入熔断的时间
	probing         bool      // 半开状态下是否已放行探测请求
	eventHandler    BreakerEventHandler
	logger          *zap.Logger
	mu              sync.RWMutex
}

// NewCircuitBreaker 创建熔断器
func NewCircuitBreaker(
	toolID string,
	config BreakerConfig,
	eventHandler BreakerEventHandler,
	logger *zap.Logger,
) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{
		toolID:       toolID,
		config:       config,
		state:        CircuitClosed,
		eventHandler: eventHandler,
		logger:       logger.With(zap.String("tool_id", toolID)),
	}
}

// AllowRequest 检查是否允许请求通过。
// 熔断冷却结束后转入半开，且恰好放行一个探测请求；
// 探测结果由 RecordSuccess / RecordFailure 决定后续状态。
func (cb *CircuitBreaker) AllowRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		// 检查是否到了冷却结束时间
		if time.Since(cb.lastFailureTime) >= cb.config.Cooldown {
			cb.transitionTo(CircuitHalfOpen, "cooldown elapsed")
			cb.probing = true
			return nil
		}
		return types.NewErrorf(types.ErrBreakerOpen,
			"circuit breaker open for tool %s: %d consecutive failures, retry after %v",
			cb.toolID, cb.failures, cb.config.Cooldown-time.Since(cb.lastFailureTime))

	case CircuitHalfOpen:
		if !cb.probing {
			cb.probing = true
			return nil
		}
		return types.NewErrorf(types.ErrBreakerOpen,
			"circuit breaker half-open for tool %s: trial call already in flight", cb.toolID)

	default:
		return types.NewErrorf(types.ErrInternalError, "unknown circuit breaker state: %d", cb.state)
	}
}

// RecordSuccess 记录成功
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0 // 重置失败计数

	case CircuitHalfOpen:
		// 探测成功，恢复闭合并清零计数
		cb.transitionTo(CircuitClosed, "trial call succeeded")
		cb.failures = 0
		cb.probing = false
	}
}

// RecordFailure 记录失败
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.openedAt = time.Now()
			cb.transitionTo(CircuitOpen, "consecutive failure threshold reached")
		}

	case CircuitHalfOpen:
		// 半开状态下探测失败，重新熔断并刷新失败时间
		cb.probing = false
		cb.transitionTo(CircuitOpen, "trial call failed")
	}
}

// State 获取当前状态
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Failures 获取当前连续失败次数
func (cb *CircuitBreaker) Failures() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures
}

// Snapshot 返回当前状态快照
func (cb *CircuitBreaker) Snapshot() CircuitSnapshot {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return CircuitSnapshot{
		ToolID:      cb.toolID,
		State:       cb.state,
		Failures:    cb.failures,
		LastFailure: cb.lastFailureTime,
		OpenedAt:    cb.openedAt,
	}
}

// Reset 重置熔断器
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	oldState := cb.state
	cb.state = CircuitClosed
	cb.failures = 0
	cb.probing = false
	if oldState != CircuitClosed {
		cb.emitEvent(oldState, CircuitClosed, "manual reset")
	}
}

// forceCloseIfStale 巡检入口：熔断超过 maxOpen 时强制闭合。
// 半开状态沿用进入熔断的时间，同样参与判断。
func (cb *CircuitBreaker) forceCloseIfStale(maxOpen time.Duration) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitClosed || cb.openedAt.IsZero() {
		return false
	}
	if time.Since(cb.openedAt) < maxOpen {
		return false
	}
	oldState := cb.state
	cb.state = CircuitClosed
	cb.failures = 0
	cb.probing = false
	cb.logger.Info("circuit breaker force closed by sweep",
		zap.String("old_state", oldState.String()),
		zap.Duration("open_for", time.Since(cb.openedAt)))
	cb.emitEvent(oldState, CircuitClosed, "force closed by sweep")
	return true
}

// transitionTo 状态转换（必须在锁内调用）
func (cb *CircuitBreaker) transitionTo(newState CircuitState, reason string) {
	oldState := cb.state
	cb.state = newState

	cb.logger.Info("circuit breaker state change",
		zap.String("old_state", oldState.String()),
		zap.String("new_state", newState.String()),
		zap.String("reason", reason),
		zap.Int("failures", cb.failures))

	cb.emitEvent(oldState, newState, reason)
}

// emitEvent 发送事件（必须在锁内调用）
func (cb *CircuitBreaker) emitEvent(oldState, newState CircuitState, reason string) {
	if cb.eventHandler != nil {
		event := BreakerEvent{
			ToolID:    cb.toolID,
			OldState:  oldState,
			NewState:  newState,
			Timestamp: time.Now(),
			Reason:    reason,
			Failures:  cb.failures,
		}
		// 异步发送避免死锁
		go cb.eventHandler.OnStateChange(event)
	}
}

// BreakerRegistry 熔断器注册表，管理所有工具的熔断器
type BreakerRegistry struct {
	breakers     map[string]*CircuitBreaker
	config       BreakerConfig
	eventHandler BreakerEventHandler
	logger       *zap.Logger
	mu           sync.RWMutex
}

// NewBreakerRegistry 创建熔断器注册表
func NewBreakerRegistry(
	config BreakerConfig,
	eventHandler BreakerEventHandler,
	logger *zap.Logger,
) *BreakerRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BreakerRegistry{
		breakers:     make(map[string]*CircuitBreaker),
		config:       config,
		eventHandler: eventHandler,
		logger:       logger,
	}
}

// GetOrCreate 获取或创建工具的熔断器
func (r *BreakerRegistry) GetOrCreate(toolID string) *CircuitBreaker {
	r.mu.RLock()
	if cb, ok := r.breakers[toolID]; ok {
		r.mu.RUnlock()
		return cb
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// 双重检查
	if cb, ok := r.breakers[toolID]; ok {
		return cb
	}

	cb := NewCircuitBreaker(toolID, r.config, r.eventHandler, r.logger)
	r.breakers[toolID] = cb
	return cb
}

// Snapshots 获取所有熔断器状态快照
func (r *BreakerRegistry) Snapshots() map[string]CircuitSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshots := make(map[string]CircuitSnapshot, len(r.breakers))
	for id, cb := range r.breakers {
		snapshots[id] = cb.Snapshot()
	}
	return snapshots
}

// SweepStale 强制闭合熔断超时的熔断器，返回闭合数量
func (r *BreakerRegistry) SweepStale() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	closed := 0
	for _, cb := range r.breakers {
		if cb.forceCloseIfStale(r.config.ForceCloseAfter) {
			closed++
		}
	}
	return closed
}

// ResetAll 重置所有熔断器
func (r *BreakerRegistry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, cb := range r.breakers {
		cb.Reset()
	}
}
