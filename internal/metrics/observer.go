package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/flowsmith/flowsmith/events"
	"github.com/flowsmith/flowsmith/tools"
	"github.com/flowsmith/flowsmith/types"
)

// =============================================================================
// 📡 事件总线观察者
// =============================================================================

// ObserveBus 订阅事件总线并将生命周期事件转换为指标，返回订阅 ID。
func (c *Collector) ObserveBus(bus events.Bus) string {
	return bus.Subscribe(events.KindAll, c.handleEvent)
}

// handleEvent 按事件类型分发到对应的记录方法
func (c *Collector) handleEvent(ev events.Event) {
	switch ev.Kind {
	case events.KindRunStarted:
		c.RecordRunStarted(ev.WorkflowID)
	case events.KindRunCompleted:
		c.RecordRunFinished(ev.WorkflowID, ev.RunStatus, payloadDuration(ev.Payload))
	case events.KindNodeCompleted:
		c.RecordNodeExecution(
			payloadString(ev.Payload, "node_type"),
			ev.NodeStatus,
			payloadDuration(ev.Payload),
			payloadInt(ev.Payload, "retries"),
		)
	case events.KindHumanInputRequired:
		c.RecordHumanInput("requested")
	case events.KindHumanInputResponse:
		c.RecordHumanInput("resolved")
	case events.KindBreakerStateChanged:
		c.RecordBreakerTransition(
			payloadString(ev.Payload, "tool_id"),
			payloadString(ev.Payload, "new_state"),
		)
	}
}

// payloadString 读取载荷中的字符串字段
func payloadString(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

// payloadInt 读取载荷中的整数字段。Redis 总线经过 JSON
// 编解码后数值会变成 float64，这里两种表示都接受。
func payloadInt(payload map[string]any, key string) int {
	switch v := payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// payloadDuration 读取载荷中的 duration_ms 字段
func payloadDuration(payload map[string]any) time.Duration {
	switch v := payload["duration_ms"].(type) {
	case int64:
		return time.Duration(v) * time.Millisecond
	case int:
		return time.Duration(v) * time.Millisecond
	case float64:
		return time.Duration(v * float64(time.Millisecond))
	}
	return 0
}

// =============================================================================
// 🔌 工具调用接收器
// =============================================================================

// InvocationObserver 将工具调用记录转换为指标，并级联到下游
// 持久化接收器。挂到 DefaultInvoker.SetSink 上即可同时拿到
// 指标和归档。
type InvocationObserver struct {
	collector *Collector
	next      tools.InvocationSink
}

// NewInvocationObserver 创建工具调用观察者；next 可以为 nil。
func NewInvocationObserver(collector *Collector, next tools.InvocationSink) *InvocationObserver {
	return &InvocationObserver{collector: collector, next: next}
}

// SaveInvocation 实现 tools.InvocationSink。
func (o *InvocationObserver) SaveInvocation(ctx context.Context, rec *types.ToolInvocationRecord) error {
	o.collector.RecordToolInvocation(rec.ToolID, string(rec.Status), rec.Usage.Duration)
	if o.next == nil {
		return nil
	}
	return o.next.SaveInvocation(ctx, rec)
}

var _ tools.InvocationSink = (*InvocationObserver)(nil)

// =============================================================================
// 🌊 调度器水位采样
// =============================================================================

// EngineStats 暴露调度器的即时水位读数。
type EngineStats interface {
	QueueDepth() int
	ActiveRuns() int
}

// PollEngine 周期采样调度器水位并写入 Gauge，返回停止函数。
// interval 非正时默认 5 秒。
func (c *Collector) PollEngine(stats EngineStats, interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				c.SetQueueDepth(stats.QueueDepth())
				c.SetActiveRuns(stats.ActiveRuns())
			}
		}
	}()
	return func() {
		once.Do(func() { close(done) })
	}
}
