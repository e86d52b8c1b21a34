package tools

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowsmith/flowsmith/types"
)

func testBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Millisecond,
		ForceCloseAfter:  time.Hour,
	}
}

func TestDefaultBreakerConfig(t *testing.T) {
	cfg := DefaultBreakerConfig()
	assert.Equal(t, 5, cfg.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.Cooldown)
	assert.Equal(t, time.Hour, cfg.ForceCloseAfter)
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker("tool-a", testBreakerConfig(), nil, nil)

	for i := 0; i < 4; i++ {
		cb.RecordFailure()
		assert.Equal(t, CircuitClosed, cb.State(), "breaker must stay closed below the threshold")
	}

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())

	err := cb.AllowRequest()
	require.Error(t, err)
	assert.Equal(t, types.ErrBreakerOpen, types.GetErrorCode(err))
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker("tool-a", testBreakerConfig(), nil, nil)

	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	cb.RecordSuccess()
	assert.Equal(t, 0, cb.Failures())

	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.State(), "count must restart after a success")
}

func TestCircuitBreaker_HalfOpenAdmitsSingleTrial(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.FailureThreshold = 1
	cb := NewCircuitBreaker("tool-a", cfg, nil, nil)

	cb.RecordFailure()
	require.Equal(t, CircuitOpen, cb.State())
	require.Error(t, cb.AllowRequest())

	time.Sleep(cfg.Cooldown + 10*time.Millisecond)

	assert.NoError(t, cb.AllowRequest(), "first call after cooldown is the trial")
	assert.Equal(t, CircuitHalfOpen, cb.State())
	assert.Error(t, cb.AllowRequest(), "only one trial call may be in flight")
}

func TestCircuitBreaker_TrialSuccessCloses(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.FailureThreshold = 1
	cb := NewCircuitBreaker("tool-a", cfg, nil, nil)

	cb.RecordFailure()
	time.Sleep(cfg.Cooldown + 10*time.Millisecond)
	require.NoError(t, cb.AllowRequest())

	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, 0, cb.Failures())
	assert.NoError(t, cb.AllowRequest())
}

func TestCircuitBreaker_TrialFailureReopens(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.FailureThreshold = 1
	cb := NewCircuitBreaker("tool-a", cfg, nil, nil)

	cb.RecordFailure()
	time.Sleep(cfg.Cooldown + 10*time.Millisecond)
	require.NoError(t, cb.AllowRequest())

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	// 失败时间刷新，冷却期重新计时
	assert.Error(t, cb.AllowRequest())

	time.Sleep(cfg.Cooldown + 10*time.Millisecond)
	assert.NoError(t, cb.AllowRequest(), "a fresh cooldown earns a new trial")
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.FailureThreshold = 2
	cb := NewCircuitBreaker("tool-a", cfg, nil, nil)

	cb.RecordFailure()
	cb.RecordFailure()
	require.Equal(t, CircuitOpen, cb.State())

	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, 0, cb.Failures())
	assert.NoError(t, cb.AllowRequest())
}

type captureBreakerHandler struct {
	events chan BreakerEvent
}

func (h *captureBreakerHandler) OnStateChange(event BreakerEvent) {
	h.events <- event
}

func TestCircuitBreaker_EmitsStateChangeEvents(t *testing.T) {
	handler := &captureBreakerHandler{events: make(chan BreakerEvent, 8)}
	cfg := testBreakerConfig()
	cfg.FailureThreshold = 1
	cb := NewCircuitBreaker("tool-a", cfg, handler, nil)

	cb.RecordFailure()

	select {
	case event := <-handler.events:
		assert.Equal(t, "tool-a", event.ToolID)
		assert.Equal(t, CircuitClosed, event.OldState)
		assert.Equal(t, CircuitOpen, event.NewState)
	case <-time.After(time.Second):
		t.Fatal("no breaker event received")
	}
}

func TestBreakerRegistry_GetOrCreate(t *testing.T) {
	reg := NewBreakerRegistry(testBreakerConfig(), nil, nil)

	first := reg.GetOrCreate("tool-a")
	second := reg.GetOrCreate("tool-a")
	other := reg.GetOrCreate("tool-b")

	assert.Same(t, first, second)
	assert.NotSame(t, first, other)
	assert.Len(t, reg.Snapshots(), 2)
}

func TestBreakerRegistry_SweepStaleForceCloses(t *testing.T) {
	cfg := BreakerConfig{
		FailureThreshold: 1,
		Cooldown:         time.Hour, // 冷却远未结束，只能靠清扫闭合
		ForceCloseAfter:  30 * time.Millisecond,
	}
	reg := NewBreakerRegistry(cfg, nil, nil)

	stuck := reg.GetOrCreate("tool-stuck")
	stuck.RecordFailure()
	require.Equal(t, CircuitOpen, stuck.State())

	healthy := reg.GetOrCreate("tool-healthy")
	require.Equal(t, CircuitClosed, healthy.State())

	time.Sleep(50 * time.Millisecond)

	closed := reg.SweepStale()
	assert.Equal(t, 1, closed)
	assert.Equal(t, CircuitClosed, stuck.State())

	// 再次清扫不应重复计数
	assert.Equal(t, 0, reg.SweepStale())
}
