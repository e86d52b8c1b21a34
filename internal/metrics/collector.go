package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 Prometheus 指标
// =============================================================================

// Collector 聚合引擎各子系统的 Prometheus 指标族
type Collector struct {
	// 运行指标
	runsStartedTotal  *prometheus.CounterVec
	runsFinishedTotal *prometheus.CounterVec
	runDuration       *prometheus.HistogramVec

	// 节点指标
	nodeExecutionsTotal *prometheus.CounterVec
	nodeDuration        *prometheus.HistogramVec
	nodeRetriesTotal    *prometheus.CounterVec

	// 工具指标
	toolInvocationsTotal *prometheus.CounterVec
	toolDuration         *prometheus.HistogramVec

	// 人工输入指标
	humanInputTotal *prometheus.CounterVec

	// 熔断器指标
	breakerState            *prometheus.GaugeVec
	breakerTransitionsTotal *prometheus.CounterVec

	// 调度器水位指标
	queueDepth prometheus.Gauge
	activeRuns prometheus.Gauge

	logger *zap.Logger
}

// NewCollector 在给定命名空间下注册全部指标族
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 运行指标
	c.runsStartedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Total number of workflow runs started",
		},
		[]string{"workflow_id"},
	)

	c.runsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Total number of workflow runs finished",
		},
		[]string{"workflow_id", "status"},
	)

	c.runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Workflow run duration in seconds",
			Buckets:   []float64{0.05, 0.25, 1, 5, 15, 60, 300, 900, 1800},
		},
		[]string{"workflow_id"},
	)

	// 节点指标
	c.nodeExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_executions_total",
			Help:      "Total number of node executions",
		},
		[]string{"node_type", "status"},
	)

	c.nodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_execution_duration_seconds",
			Help:      "Node execution duration in seconds",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 15, 60, 120},
		},
		[]string{"node_type"},
	)

	c.nodeRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_retries_total",
			Help:      "Total number of node retry attempts",
		},
		[]string{"node_type"},
	)

	// 工具指标
	c.toolInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_invocations_total",
			Help:      "Total number of tool invocations",
		},
		[]string{"tool_id", "status"},
	)

	c.toolDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_invocation_duration_seconds",
			Help:      "Tool invocation duration in seconds",
			Buckets:   []float64{0.005, 0.05, 0.25, 1, 5, 15, 30, 60},
		},
		[]string{"tool_id"},
	)

	// 人工输入指标
	c.humanInputTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "human_input_requests_total",
			Help:      "Total number of human input requests",
		},
		[]string{"outcome"}, // outcome: requested, resolved
	)

	// 熔断器指标
	c.breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
		},
		[]string{"tool_id"},
	)

	c.breakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"tool_id", "to_state"},
	)

	// 调度器水位指标
	c.queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of runs waiting in the scheduler queue",
		},
	)

	c.activeRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Number of runs currently registered with the coordinator",
		},
	)

	logger.Info("prometheus collectors registered", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🚀 运行指标记录
// =============================================================================

// RecordRunStarted 记录运行启动
func (c *Collector) RecordRunStarted(workflowID string) {
	c.runsStartedTotal.WithLabelValues(workflowID).Inc()
}

// RecordRunFinished 记录运行结束
func (c *Collector) RecordRunFinished(workflowID, status string, duration time.Duration) {
	c.runsFinishedTotal.WithLabelValues(workflowID, status).Inc()
	c.runDuration.WithLabelValues(workflowID).Observe(duration.Seconds())
}

// =============================================================================
// 🧩 节点指标记录
// =============================================================================

// RecordNodeExecution 记录节点执行
func (c *Collector) RecordNodeExecution(nodeType, status string, duration time.Duration, retries int) {
	c.nodeExecutionsTotal.WithLabelValues(nodeType, status).Inc()
	c.nodeDuration.WithLabelValues(nodeType).Observe(duration.Seconds())
	if retries > 0 {
		c.nodeRetriesTotal.WithLabelValues(nodeType).Add(float64(retries))
	}
}

// =============================================================================
// 🔧 工具指标记录
// =============================================================================

// RecordToolInvocation 记录工具调用
func (c *Collector) RecordToolInvocation(toolID, status string, duration time.Duration) {
	c.toolInvocationsTotal.WithLabelValues(toolID, status).Inc()
	c.toolDuration.WithLabelValues(toolID).Observe(duration.Seconds())
}

// =============================================================================
// 🙋 人工输入指标记录
// =============================================================================

// RecordHumanInput 记录人工输入事件
func (c *Collector) RecordHumanInput(outcome string) {
	c.humanInputTotal.WithLabelValues(outcome).Inc()
}

// =============================================================================
// ⚡ 熔断器指标记录
// =============================================================================

// RecordBreakerTransition 记录熔断器状态转换
func (c *Collector) RecordBreakerTransition(toolID, toState string) {
	c.breakerTransitionsTotal.WithLabelValues(toolID, toState).Inc()
	c.breakerState.WithLabelValues(toolID).Set(breakerStateValue(toState))
}

// =============================================================================
// 🌊 调度器水位记录
// =============================================================================

// SetQueueDepth 记录队列深度
func (c *Collector) SetQueueDepth(depth int) {
	c.queueDepth.Set(float64(depth))
}

// SetActiveRuns 记录活跃运行数
func (c *Collector) SetActiveRuns(count int) {
	c.activeRuns.Set(float64(count))
}

// =============================================================================
// 🔩 辅助函数
// =============================================================================

// breakerStateValue 将熔断器状态名转换为数值
func breakerStateValue(state string) float64 {
	switch state {
	case "closed":
		return 0
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return -1
	}
}
