// Package events 定义运行生命周期事件模型与事件总线。
package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kind 事件类型
type Kind string

const (
	KindRunStarted          Kind = "run_started"
	KindNodeStarted         Kind = "node_started"
	KindNodeCompleted       Kind = "node_completed"
	KindRunCompleted        Kind = "run_completed"
	KindHumanInputRequired  Kind = "human_input_required"
	KindHumanInputResponse  Kind = "human_input_response"
	KindBreakerStateChanged Kind = "breaker_state_changed"

	// KindAll 订阅全部事件类型
	KindAll Kind = "*"
)

// Event 运行生命周期事件。NodeID 与 NodeStatus 仅节点级事件携带。
type Event struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"kind"`
	RunID      string         `json:"run_id"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	NodeID     string         `json:"node_id,omitempty"`
	RunStatus  string         `json:"run_status,omitempty"`
	NodeStatus string         `json:"node_status,omitempty"`
	Error      string         `json:"error,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// New 构造事件并填充 ID 与时间戳。
func New(kind Kind, runID string) Event {
	return Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		RunID:     runID,
		Timestamp: time.Now(),
	}
}

// Handler 事件处理器
type Handler func(Event)

// Bus 定义事件总线接口
type Bus interface {
	Publish(ctx context.Context, event Event) error
	// Subscribe 订阅指定类型；KindAll 订阅全部。返回订阅 ID。
	Subscribe(kind Kind, handler Handler) string
	Unsubscribe(subscriptionID string)
	Close() error
}

// subscriptionCounter 用于生成唯一订阅 ID
var subscriptionCounter int64

// MemoryBus 进程内事件总线：缓冲通道异步分发，通道满时丢弃并计数。
type MemoryBus struct {
	mu       sync.RWMutex
	handlers map[Kind]map[string]Handler
	eventCh  chan Event
	done     chan struct{}
	stopOnce sync.Once
	dropped  atomic.Int64
	logger   *zap.Logger
}

// NewMemoryBus 创建内存事件总线。
func NewMemoryBus(logger *zap.Logger) *MemoryBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	bus := &MemoryBus{
		handlers: make(map[Kind]map[string]Handler),
		eventCh:  make(chan Event, 256),
		done:     make(chan struct{}),
		logger:   logger.With(zap.String("component", "event_bus")),
	}
	go bus.dispatch()
	return bus
}

// Publish 发布事件；总线已满时丢弃并记录。
func (b *MemoryBus) Publish(_ context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case <-b.done:
		return fmt.Errorf("event bus closed")
	default:
	}

	select {
	case b.eventCh <- event:
		return nil
	default:
		dropped := b.dropped.Add(1)
		b.logger.Warn("event bus full, event dropped",
			zap.String("kind", string(event.Kind)),
			zap.String("run_id", event.RunID),
			zap.Int64("total_dropped", dropped))
		return nil
	}
}

// Subscribe 订阅事件
func (b *MemoryBus) Subscribe(kind Kind, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers[kind] == nil {
		b.handlers[kind] = make(map[string]Handler)
	}

	id := fmt.Sprintf("%s-%d", kind, atomic.AddInt64(&subscriptionCounter, 1))
	b.handlers[kind][id] = handler
	return id
}

// Unsubscribe 取消订阅
func (b *MemoryBus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for kind, handlers := range b.handlers {
		if _, ok := handlers[subscriptionID]; ok {
			delete(handlers, subscriptionID)
			if len(handlers) == 0 {
				delete(b.handlers, kind)
			}
			return
		}
	}
}

// Dropped 返回因总线满而丢弃的事件数。
func (b *MemoryBus) Dropped() int64 {
	return b.dropped.Load()
}

func (b *MemoryBus) dispatch() {
	for {
		select {
		case event := <-b.eventCh:
			b.mu.RLock()
			handlers := make([]Handler, 0, len(b.handlers[event.Kind])+len(b.handlers[KindAll]))
			for _, h := range b.handlers[event.Kind] {
				handlers = append(handlers, h)
			}
			for _, h := range b.handlers[KindAll] {
				handlers = append(handlers, h)
			}
			b.mu.RUnlock()

			for _, handler := range handlers {
				h := handler
				go func() {
					defer func() {
						if r := recover(); r != nil {
							b.logger.Error("event handler panicked", zap.Any("recover", r))
						}
					}()
					h(event)
				}()
			}
		case <-b.done:
			return
		}
	}
}

// Close 停止事件总线
func (b *MemoryBus) Close() error {
	b.stopOnce.Do(func() {
		close(b.done)
	})
	return nil
}
