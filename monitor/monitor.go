// Package monitor tracks host resources and gates task admission. It owns the
// mutable resource limits, keeps per-task duration metrics, and refreshes an
// aggregate system snapshot on a fixed interval.
package monitor

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/millwork-app/millwork/log"
)

var (
	ErrConcurrencyLimit = errors.New("concurrent task limit reached")
	ErrMemoryLimit      = errors.New("memory ceiling exceeded")
)

// completedHistoryCap bounds the retained finished-task metrics; oldest
// entries are pruned beyond it.
const completedHistoryCap = 100

// AdmissionError describes why the monitor refused to start a task.
type AdmissionError struct {
	TaskID string
	Reason error
	Detail string
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("task %s rejected: %s (%s)", e.TaskID, e.Reason, e.Detail)
}

func (e *AdmissionError) Unwrap() error {
	return e.Reason
}

// ResourceLimits is the mutable admission configuration. It is owned
// exclusively by the ResourceMonitor and replaced wholesale by the
// optimization presets.
type ResourceLimits struct {
	MaxMemoryMB        uint64        `json:"max_memory_mb"`
	MaxCPUPercent      float64       `json:"max_cpu_percent"`
	MaxConcurrentTasks int           `json:"max_concurrent_tasks"`
	TaskTimeout        time.Duration `json:"task_timeout"`
}

// DefaultLimits returns a middle-of-the-road limit set.
func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		MaxMemoryMB:        2048,
		MaxCPUPercent:      80,
		MaxConcurrentTasks: 4,
		TaskTimeout:        5 * time.Minute,
	}
}

// TaskMetrics is a resource-usage record tied 1:1 to a tracked task.
type TaskMetrics struct {
	ID                string
	Kind              string
	StartedAt         time.Time
	EndedAt           time.Time
	Duration          time.Duration
	MemoryMBAtStart   uint64
	CPUPercentAtStart float64
	Status            string // running, completed, failed, cancelled
}

// SystemSnapshot is the continuously refreshed aggregate view.
type SystemSnapshot struct {
	CPUPercent      float64       `json:"cpu_percent"`
	MemoryUsedMB    uint64        `json:"memory_used_mb"`
	MemoryTotalMB   uint64        `json:"memory_total_mb"`
	DiskUsedGB      float64       `json:"disk_used_gb"`
	DiskTotalGB     float64       `json:"disk_total_gb"`
	ActiveTasks     int           `json:"active_tasks"`
	CompletedTasks  int           `json:"completed_tasks"`
	AvgTaskDuration time.Duration `json:"avg_task_duration"`
	Uptime          time.Duration `json:"uptime"`
	SampledAt       time.Time     `json:"sampled_at"`
}

// probeFunc reads host-level figures. Swappable so tests can fake load.
type probeFunc func() (cpuPercent float64, memUsedMB, memTotalMB uint64, diskUsedGB, diskTotalGB float64)

func hostProbe() (float64, uint64, uint64, float64, float64) {
	var cpuPercent float64
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		cpuPercent = percents[0]
	} else if err != nil {
		log.DebugLog.Printf("cpu probe failed: %v", err)
	}

	var memUsedMB, memTotalMB uint64
	if vm, err := mem.VirtualMemory(); err == nil {
		memUsedMB = vm.Used / 1024 / 1024
		memTotalMB = vm.Total / 1024 / 1024
	} else {
		log.DebugLog.Printf("memory probe failed: %v", err)
	}

	var diskUsedGB, diskTotalGB float64
	if du, err := disk.Usage("/"); err == nil {
		diskUsedGB = float64(du.Used) / 1024 / 1024 / 1024
		diskTotalGB = float64(du.Total) / 1024 / 1024 / 1024
	} else {
		log.DebugLog.Printf("disk probe failed: %v", err)
	}

	return cpuPercent, memUsedMB, memTotalMB, diskUsedGB, diskTotalGB
}

// ResourceMonitor samples the host on a fixed interval, enforces the
// configured ceilings at admission time, and tracks per-task durations.
type ResourceMonitor struct {
	mu        sync.RWMutex
	limits    ResourceLimits
	active    map[string]*TaskMetrics
	completed []*TaskMetrics
	snapshot  SystemSnapshot
	startedAt time.Time

	sampleInterval time.Duration
	probe          probeFunc
	stopCh         chan struct{}
	stopOnce       sync.Once
	wg             sync.WaitGroup
}

// NewResourceMonitor creates a monitor with the given limits. Call Start to
// begin background sampling; the monitor is usable for admission checks
// either way (an initial sample is taken synchronously).
func NewResourceMonitor(limits ResourceLimits, sampleInterval time.Duration) *ResourceMonitor {
	if sampleInterval <= 0 {
		sampleInterval = 5 * time.Second
	}

	m := &ResourceMonitor{
		limits:         limits,
		active:         make(map[string]*TaskMetrics),
		completed:      make([]*TaskMetrics, 0, completedHistoryCap),
		startedAt:      time.Now(),
		sampleInterval: sampleInterval,
		probe:          hostProbe,
		stopCh:         make(chan struct{}),
	}
	m.refreshSnapshot()
	return m
}

// Start launches the background sampler loop.
func (m *ResourceMonitor) Start() {
	m.wg.Add(1)
	go m.samplerLoop()
}

// Stop terminates the sampler loop and waits for it to exit.
func (m *ResourceMonitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}

func (m *ResourceMonitor) samplerLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.refreshSnapshot()
		case <-m.stopCh:
			return
		}
	}
}

func (m *ResourceMonitor) refreshSnapshot() {
	cpuPercent, memUsed, memTotal, diskUsed, diskTotal := m.probe()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.snapshot = SystemSnapshot{
		CPUPercent:      cpuPercent,
		MemoryUsedMB:    memUsed,
		MemoryTotalMB:   memTotal,
		DiskUsedGB:      diskUsed,
		DiskTotalGB:     diskTotal,
		ActiveTasks:     len(m.active),
		CompletedTasks:  len(m.completed),
		AvgTaskDuration: m.avgDurationLocked(),
		Uptime:          time.Since(m.startedAt),
		SampledAt:       time.Now(),
	}
}

// avgDurationLocked computes the arithmetic mean over the retained history.
// Caller must hold m.mu.
func (m *ResourceMonitor) avgDurationLocked() time.Duration {
	if len(m.completed) == 0 {
		return 0
	}
	var total time.Duration
	for _, tm := range m.completed {
		total += tm.Duration
	}
	return total / time.Duration(len(m.completed))
}

// StartTask checks the concurrency and memory ceilings and, on success,
// begins tracking the task. The check and the insert happen under one lock so
// two concurrent admissions cannot both squeeze under the ceiling.
func (m *ResourceMonitor) StartTask(id, kind string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.active) >= m.limits.MaxConcurrentTasks {
		return &AdmissionError{
			TaskID: id,
			Reason: ErrConcurrencyLimit,
			Detail: fmt.Sprintf("%d active, limit %d", len(m.active), m.limits.MaxConcurrentTasks),
		}
	}

	if m.snapshot.MemoryUsedMB > m.limits.MaxMemoryMB {
		return &AdmissionError{
			TaskID: id,
			Reason: ErrMemoryLimit,
			Detail: fmt.Sprintf("%d MB used, ceiling %d MB", m.snapshot.MemoryUsedMB, m.limits.MaxMemoryMB),
		}
	}

	m.active[id] = &TaskMetrics{
		ID:                id,
		Kind:              kind,
		StartedAt:         time.Now(),
		MemoryMBAtStart:   m.snapshot.MemoryUsedMB,
		CPUPercentAtStart: m.snapshot.CPUPercent,
		Status:            "running",
	}
	return nil
}

// CompleteTask moves a tracked task into the completed history.
func (m *ResourceMonitor) CompleteTask(id string, success bool) {
	status := "completed"
	if !success {
		status = "failed"
	}
	m.finishTask(id, status)
}

// CancelTask drops a tracked task, recording it as cancelled. Unknown ids are
// ignored: cancelling a queued task never reached the monitor.
func (m *ResourceMonitor) CancelTask(id string) {
	m.finishTask(id, "cancelled")
}

func (m *ResourceMonitor) finishTask(id, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tm, ok := m.active[id]
	if !ok {
		return
	}
	delete(m.active, id)

	tm.EndedAt = time.Now()
	tm.Duration = tm.EndedAt.Sub(tm.StartedAt)
	tm.Status = status

	m.completed = append(m.completed, tm)
	if len(m.completed) > completedHistoryCap {
		m.completed = m.completed[len(m.completed)-completedHistoryCap:]
	}

	m.snapshot.ActiveTasks = len(m.active)
	m.snapshot.CompletedTasks = len(m.completed)
	m.snapshot.AvgTaskDuration = m.avgDurationLocked()
}

// ActiveCount returns the number of tracked running tasks.
func (m *ResourceMonitor) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// Snapshot returns a copy of the latest system snapshot.
func (m *ResourceMonitor) Snapshot() SystemSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// Limits returns a copy of the current resource limits.
func (m *ResourceMonitor) Limits() ResourceLimits {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.limits
}

// SetLimits replaces the resource limits wholesale.
func (m *ResourceMonitor) SetLimits(limits ResourceLimits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits = limits
}

// Recommendation returns a human-readable health assessment of the latest
// snapshot against the configured limits.
func (m *ResourceMonitor) Recommendation() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := m.snapshot
	limits := m.limits

	if snap.CPUPercent > limits.MaxCPUPercent {
		return fmt.Sprintf("CPU usage %.1f%% exceeds the configured %.1f%% limit; consider pausing low-priority tasks", snap.CPUPercent, limits.MaxCPUPercent)
	}
	if snap.MemoryTotalMB > 0 && float64(snap.MemoryUsedMB)/float64(snap.MemoryTotalMB) > 0.85 {
		return fmt.Sprintf("memory usage is high (%d/%d MB); consider the low-memory profile", snap.MemoryUsedMB, snap.MemoryTotalMB)
	}
	if limits.MaxConcurrentTasks > 0 && snap.ActiveTasks >= limits.MaxConcurrentTasks-1 {
		return fmt.Sprintf("%d of %d task slots in use; new tasks may queue", snap.ActiveTasks, limits.MaxConcurrentTasks)
	}
	return "system resources nominal"
}

// OptimizeForLowMemory replaces the limits with a conservative preset.
func (m *ResourceMonitor) OptimizeForLowMemory() {
	m.SetLimits(ResourceLimits{
		MaxMemoryMB:        1024,
		MaxCPUPercent:      50,
		MaxConcurrentTasks: 2,
		TaskTimeout:        2 * time.Minute,
	})
	log.InfoLog.Printf("resource limits switched to low-memory profile")
}

// OptimizeForPerformance replaces the limits with a preset scaled to the
// detected core count and total memory.
func (m *ResourceMonitor) OptimizeForPerformance() {
	m.mu.Lock()
	memTotal := m.snapshot.MemoryTotalMB
	m.mu.Unlock()

	maxMemory := uint64(8192)
	if memTotal > 0 {
		maxMemory = memTotal * 3 / 4
	}

	m.SetLimits(ResourceLimits{
		MaxMemoryMB:        maxMemory,
		MaxCPUPercent:      95,
		MaxConcurrentTasks: runtime.NumCPU() * 2,
		TaskTimeout:        10 * time.Minute,
	})
	log.InfoLog.Printf("resource limits switched to performance profile")
}

// ActiveMetrics returns copies of the metrics for currently tracked tasks.
func (m *ResourceMonitor) ActiveMetrics() []TaskMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]TaskMetrics, 0, len(m.active))
	for _, tm := range m.active {
		out = append(out, *tm)
	}
	return out
}

// CompletedMetrics returns copies of the retained finished-task metrics,
// oldest first.
func (m *ResourceMonitor) CompletedMetrics() []TaskMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]TaskMetrics, 0, len(m.completed))
	for _, tm := range m.completed {
		out = append(out, *tm)
	}
	return out
}
