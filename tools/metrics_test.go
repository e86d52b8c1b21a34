package tools

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPerfTracker_RecordAndStats(t *testing.T) {
	tracker := NewPerfTracker(10)

	tracker.Record("tool-a", 100*time.Millisecond, true)
	tracker.Record("tool-a", 200*time.Millisecond, true)
	tracker.Record("tool-a", 300*time.Millisecond, false)

	stats, ok := tracker.Stats("tool-a")
	require.True(t, ok)
	assert.Equal(t, int64(3), stats.TotalCalls)
	assert.Equal(t, int64(2), stats.TotalSuccess)
	assert.Equal(t, int64(1), stats.TotalFailure)
	assert.Equal(t, 200*time.Millisecond, stats.AvgDuration)
	assert.InDelta(t, 2.0/3.0, stats.SuccessRate, 1e-9)
	assert.False(t, stats.LastCallAt.IsZero())

	_, ok = tracker.Stats("missing")
	assert.False(t, ok)
}

func TestPerfTracker_RollingWindowEvictsOldSamples(t *testing.T) {
	tracker := NewPerfTracker(2)

	tracker.Record("tool-a", 1000*time.Millisecond, false)
	tracker.Record("tool-a", 100*time.Millisecond, true)
	tracker.Record("tool-a", 200*time.Millisecond, true)

	stats, ok := tracker.Stats("tool-a")
	require.True(t, ok)
	// 窗口只保留最近两次调用
	assert.Equal(t, 2, stats.WindowSize)
	assert.Equal(t, 150*time.Millisecond, stats.AvgDuration)
	assert.Equal(t, 1.0, stats.SuccessRate)
	// 累计计数保留全部历史
	assert.Equal(t, int64(3), stats.TotalCalls)
}

func TestPerfTracker_AllAndReset(t *testing.T) {
	tracker := NewPerfTracker(10)
	tracker.Record("tool-a", time.Millisecond, true)
	tracker.Record("tool-b", time.Millisecond, false)

	assert.Len(t, tracker.All(), 2)

	tracker.Reset("tool-a")
	assert.Len(t, tracker.All(), 1)
	_, ok := tracker.Stats("tool-a")
	assert.False(t, ok)
}

func TestPerfTracker_ConcurrentRecord(t *testing.T) {
	tracker := NewPerfTracker(50)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tracker.Record("tool-a", time.Millisecond, j%2 == 0)
			}
		}()
	}
	wg.Wait()

	stats, ok := tracker.Stats("tool-a")
	require.True(t, ok)
	assert.Equal(t, int64(1000), stats.TotalCalls)
	assert.Equal(t, 50, stats.WindowSize)
}
