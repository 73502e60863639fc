package monitor

import (
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/millwork-app/millwork/log"
)

// TestMain initializes the test environment
func TestMain(m *testing.M) {
	log.Initialize()
	defer log.Close()
	os.Exit(m.Run())
}

// fakeProbe returns fixed host figures so tests control the snapshot.
func fakeProbe(cpuPercent float64, memUsedMB, memTotalMB uint64) probeFunc {
	return func() (float64, uint64, uint64, float64, float64) {
		return cpuPercent, memUsedMB, memTotalMB, 10, 100
	}
}

func newTestMonitor(limits ResourceLimits, probe probeFunc) *ResourceMonitor {
	m := NewResourceMonitor(limits, time.Hour)
	if probe != nil {
		m.probe = probe
		m.refreshSnapshot()
	}
	return m
}

func TestDefaultLimits(t *testing.T) {
	limits := DefaultLimits()
	assert.Equal(t, uint64(2048), limits.MaxMemoryMB)
	assert.Equal(t, float64(80), limits.MaxCPUPercent)
	assert.Equal(t, 4, limits.MaxConcurrentTasks)
	assert.Equal(t, 5*time.Minute, limits.TaskTimeout)
}

func TestStartTaskConcurrencyLimit(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxConcurrentTasks = 2
	limits.MaxMemoryMB = 1 << 40
	m := newTestMonitor(limits, fakeProbe(10, 100, 1000))

	require.NoError(t, m.StartTask("a", "WebScraping"))
	require.NoError(t, m.StartTask("b", "Export"))

	err := m.StartTask("c", "Export")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConcurrencyLimit)

	var admErr *AdmissionError
	require.ErrorAs(t, err, &admErr)
	assert.Equal(t, "c", admErr.TaskID)
	assert.Equal(t, 2, m.ActiveCount())
}

func TestStartTaskMemoryLimit(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxMemoryMB = 2048
	m := newTestMonitor(limits, fakeProbe(10, 4096, 8192))

	err := m.StartTask("a", "WebScraping")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMemoryLimit)
	assert.Equal(t, 0, m.ActiveCount())
}

func TestCompleteTaskMovesToHistory(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxMemoryMB = 1 << 40
	m := newTestMonitor(limits, fakeProbe(10, 100, 1000))

	require.NoError(t, m.StartTask("ok", "Export"))
	require.NoError(t, m.StartTask("bad", "Export"))
	require.NoError(t, m.StartTask("dropped", "Export"))
	time.Sleep(5 * time.Millisecond)

	m.CompleteTask("ok", true)
	m.CompleteTask("bad", false)
	m.CancelTask("dropped")
	m.CancelTask("never-existed") // no-op

	assert.Equal(t, 0, m.ActiveCount())

	completed := m.CompletedMetrics()
	require.Len(t, completed, 3)

	byID := make(map[string]TaskMetrics)
	for _, tm := range completed {
		byID[tm.ID] = tm
	}
	assert.Equal(t, "completed", byID["ok"].Status)
	assert.Equal(t, "failed", byID["bad"].Status)
	assert.Equal(t, "cancelled", byID["dropped"].Status)
	assert.Greater(t, byID["ok"].Duration, time.Duration(0))

	snap := m.Snapshot()
	assert.Equal(t, 0, snap.ActiveTasks)
	assert.Equal(t, 3, snap.CompletedTasks)
	assert.Greater(t, snap.AvgTaskDuration, time.Duration(0))
}

func TestCompletedHistoryIsCapped(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxConcurrentTasks = 1000
	limits.MaxMemoryMB = 1 << 40
	m := newTestMonitor(limits, fakeProbe(10, 100, 1000))

	for i := 0; i < completedHistoryCap+50; i++ {
		id := fmt.Sprintf("task-%d", i)
		require.NoError(t, m.StartTask(id, "Export"))
		m.CompleteTask(id, true)
	}

	completed := m.CompletedMetrics()
	require.Len(t, completed, completedHistoryCap)
	// Oldest entries were pruned.
	assert.Equal(t, "task-50", completed[0].ID)
}

func TestRecommendation(t *testing.T) {
	t.Run("high cpu", func(t *testing.T) {
		limits := DefaultLimits()
		limits.MaxCPUPercent = 80
		m := newTestMonitor(limits, fakeProbe(95, 100, 10000))
		assert.Contains(t, m.Recommendation(), "CPU")
	})

	t.Run("high memory", func(t *testing.T) {
		limits := DefaultLimits()
		limits.MaxMemoryMB = 1 << 40
		m := newTestMonitor(limits, fakeProbe(10, 9000, 10000))
		assert.Contains(t, m.Recommendation(), "memory")
	})

	t.Run("near concurrency ceiling", func(t *testing.T) {
		limits := DefaultLimits()
		limits.MaxConcurrentTasks = 4
		limits.MaxMemoryMB = 1 << 40
		m := newTestMonitor(limits, fakeProbe(10, 100, 10000))
		for i := 0; i < 3; i++ {
			require.NoError(t, m.StartTask(fmt.Sprintf("t%d", i), "Export"))
		}
		m.refreshSnapshot()
		assert.Contains(t, m.Recommendation(), "slots")
	})

	t.Run("nominal", func(t *testing.T) {
		limits := DefaultLimits()
		limits.MaxMemoryMB = 1 << 40
		m := newTestMonitor(limits, fakeProbe(10, 100, 10000))
		assert.Equal(t, "system resources nominal", m.Recommendation())
	})
}

func TestOptimizeForLowMemory(t *testing.T) {
	m := newTestMonitor(DefaultLimits(), fakeProbe(10, 100, 1000))
	m.OptimizeForLowMemory()

	limits := m.Limits()
	assert.Equal(t, uint64(1024), limits.MaxMemoryMB)
	assert.Equal(t, float64(50), limits.MaxCPUPercent)
	assert.Equal(t, 2, limits.MaxConcurrentTasks)
	assert.Equal(t, 2*time.Minute, limits.TaskTimeout)
}

func TestOptimizeForPerformance(t *testing.T) {
	m := newTestMonitor(DefaultLimits(), fakeProbe(10, 4096, 16384))
	m.OptimizeForPerformance()

	limits := m.Limits()
	assert.Equal(t, uint64(16384*3/4), limits.MaxMemoryMB)
	assert.Equal(t, float64(95), limits.MaxCPUPercent)
	assert.Equal(t, runtime.NumCPU()*2, limits.MaxConcurrentTasks)
	assert.Equal(t, 10*time.Minute, limits.TaskTimeout)
}

func TestSetLimitsReplacesWholesale(t *testing.T) {
	m := newTestMonitor(DefaultLimits(), fakeProbe(10, 100, 1000))

	replacement := ResourceLimits{
		MaxMemoryMB:        512,
		MaxCPUPercent:      25,
		MaxConcurrentTasks: 1,
		TaskTimeout:        time.Minute,
	}
	m.SetLimits(replacement)
	assert.Equal(t, replacement, m.Limits())
}

func TestSnapshotFields(t *testing.T) {
	m := newTestMonitor(DefaultLimits(), fakeProbe(42, 2000, 8000))

	snap := m.Snapshot()
	assert.Equal(t, float64(42), snap.CPUPercent)
	assert.Equal(t, uint64(2000), snap.MemoryUsedMB)
	assert.Equal(t, uint64(8000), snap.MemoryTotalMB)
	assert.Equal(t, float64(10), snap.DiskUsedGB)
	assert.Equal(t, float64(100), snap.DiskTotalGB)
	assert.False(t, snap.SampledAt.IsZero())
	assert.GreaterOrEqual(t, snap.Uptime, time.Duration(0))
}

func TestSamplerLoopRefreshes(t *testing.T) {
	var calls atomic.Int64
	m := NewResourceMonitor(DefaultLimits(), 10*time.Millisecond)
	m.probe = func() (float64, uint64, uint64, float64, float64) {
		calls.Add(1)
		return 1, 1, 1, 1, 1
	}

	m.Start()
	defer m.Stop()

	require.Eventually(t, func() bool {
		return calls.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestActiveMetrics(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxMemoryMB = 1 << 40
	m := newTestMonitor(limits, fakeProbe(33, 500, 1000))

	require.NoError(t, m.StartTask("a", "TextProcessing"))

	active := m.ActiveMetrics()
	require.Len(t, active, 1)
	assert.Equal(t, "a", active[0].ID)
	assert.Equal(t, "TextProcessing", active[0].Kind)
	assert.Equal(t, "running", active[0].Status)
	assert.Equal(t, uint64(500), active[0].MemoryMBAtStart)
	assert.Equal(t, float64(33), active[0].CPUPercentAtStart)
}
