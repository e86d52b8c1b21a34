package tools

import (
	"sync"
	"time"
)

// defaultPerfWindow 滚动窗口的样本容量
const defaultPerfWindow = 100

// ToolStats is a point-in-time snapshot of one tool's performance.
type ToolStats struct {
	ToolID       string        `json:"tool_id"`
	TotalCalls   int64         `json:"total_calls"`
	TotalSuccess int64         `json:"total_success"`
	TotalFailure int64         `json:"total_failure"`
	// AvgDuration 与 SuccessRate 基于滚动窗口内的样本
	AvgDuration time.Duration `json:"avg_duration"`
	SuccessRate float64       `json:"success_rate"`
	WindowSize  int           `json:"window_size"`
	LastCallAt  time.Time     `json:"last_call_at"`
}

// PerfTracker records per-tool call outcomes.
type PerfTracker interface {
	Record(toolID string, duration time.Duration, success bool)
	Stats(toolID string) (ToolStats, bool)
	All() []ToolStats
	Reset(toolID string)
}

type perfSample struct {
	duration time.Duration
	success  bool
}

// toolPerf 单个工具的滚动窗口，自带互斥锁保证同一工具的更新串行化
type toolPerf struct {
	mu           sync.Mutex
	toolID       string
	samples      []perfSample // 环形缓冲
	next         int
	filled       bool
	totalCalls   int64
	totalSuccess int64
	lastCallAt   time.Time
}

// DefaultPerfTracker keeps a bounded rolling window per tool.
type DefaultPerfTracker struct {
	mu     sync.RWMutex
	tools  map[string]*toolPerf
	window int
}

// NewPerfTracker 创建性能追踪器；window <= 0 时使用默认窗口大小。
func NewPerfTracker(window int) *DefaultPerfTracker {
	if window <= 0 {
		window = defaultPerfWindow
	}
	return &DefaultPerfTracker{
		tools:  make(map[string]*toolPerf),
		window: window,
	}
}

// get 获取或创建工具条目，双重检查避免写锁竞争
func (t *DefaultPerfTracker) get(toolID string) *toolPerf {
	t.mu.RLock()
	entry, ok := t.tools[toolID]
	t.mu.RUnlock()
	if ok {
		return entry
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok = t.tools[toolID]; ok {
		return entry
	}
	entry = &toolPerf{
		toolID:  toolID,
		samples: make([]perfSample, t.window),
	}
	t.tools[toolID] = entry
	return entry
}

func (t *DefaultPerfTracker) Record(toolID string, duration time.Duration, success bool) {
	entry := t.get(toolID)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	entry.samples[entry.next] = perfSample{duration: duration, success: success}
	entry.next++
	if entry.next == len(entry.samples) {
		entry.next = 0
		entry.filled = true
	}
	entry.totalCalls++
	if success {
		entry.totalSuccess++
	}
	entry.lastCallAt = time.Now()
}

func (t *DefaultPerfTracker) Stats(toolID string) (ToolStats, bool) {
	t.mu.RLock()
	entry, ok := t.tools[toolID]
	t.mu.RUnlock()
	if !ok {
		return ToolStats{}, false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.snapshot(), true
}

func (t *DefaultPerfTracker) All() []ToolStats {
	t.mu.RLock()
	entries := make([]*toolPerf, 0, len(t.tools))
	for _, entry := range t.tools {
		entries = append(entries, entry)
	}
	t.mu.RUnlock()

	stats := make([]ToolStats, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		stats = append(stats, entry.snapshot())
		entry.mu.Unlock()
	}
	return stats
}

func (t *DefaultPerfTracker) Reset(toolID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tools, toolID)
}

// snapshot 计算窗口内的均值与成功率，调用方必须持有条目锁。
func (p *toolPerf) snapshot() ToolStats {
	count := p.next
	if p.filled {
		count = len(p.samples)
	}

	var total time.Duration
	var success int
	for i := 0; i < count; i++ {
		total += p.samples[i].duration
		if p.samples[i].success {
			success++
		}
	}

	stats := ToolStats{
		ToolID:       p.toolID,
		TotalCalls:   p.totalCalls,
		TotalSuccess: p.totalSuccess,
		TotalFailure: p.totalCalls - p.totalSuccess,
		WindowSize:   count,
		LastCallAt:   p.lastCallAt,
	}
	if count > 0 {
		stats.AvgDuration = total / time.Duration(count)
		stats.SuccessRate = float64(success) / float64(count)
	}
	return stats
}
