// Package engine implements the background-task execution core: a priority
// queue of submitted tasks, a command/progress channel protocol, a resource
// gated admission loop, and per-task worker goroutines. All state is
// process-local; nothing survives a restart.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/millwork-app/millwork/log"
	"github.com/millwork-app/millwork/monitor"
)

var (
	ErrEngineStopped = errors.New("engine stopped")
	ErrTaskNotFound  = errors.New("task not found")
)

// SubmissionError reports a malformed submission, rejected before enqueue.
type SubmissionError struct {
	Kind   TaskKind
	Reason string
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submission rejected for kind %s: %s", e.Kind, e.Reason)
}

// HistoryRecorder archives tasks that reached a terminal status. Implemented
// by store.HistoryStore; nil disables archiving.
type HistoryRecorder interface {
	Record(task Task) error
}

// Stats is the aggregate system view returned by SystemStats.
type Stats struct {
	Total         int     `json:"total"`
	Completed     int     `json:"completed"`
	Failed        int     `json:"failed"`
	Cancelled     int     `json:"cancelled"`
	Running       int     `json:"running"`
	Queued        int     `json:"queued"`
	ActiveWorkers int     `json:"active_workers"`
	MaxWorkers    int     `json:"max_workers"`
	SuccessRate   float64 `json:"success_rate"`
}

// Options configures a new Engine.
type Options struct {
	// MaxWorkers caps concurrently running tasks (default: 4).
	MaxWorkers int
	// AdmissionInterval is the scheduler tick period (default: 1s).
	AdmissionInterval time.Duration
	// Monitor gates admission and tracks resource usage. Required.
	Monitor *monitor.ResourceMonitor
	// History archives finished tasks. Optional.
	History HistoryRecorder
	// CommandBuffer and ProgressBuffer size the channel buffers.
	CommandBuffer  int
	ProgressBuffer int
}

// Engine owns the task registry, the pending queue and all processing loops.
// Multiple engines can coexist; nothing here is package-global.
type Engine struct {
	maxWorkers        int
	admissionInterval time.Duration

	registry  *TaskRegistry
	queue     *PendingQueue
	executors *ExecutorRegistry
	monitor   *monitor.ResourceMonitor
	history   HistoryRecorder

	commandCh  chan command
	progressCh chan progressEvent

	// activeWorkers is incremented only by the admission loop and
	// decremented only by a terminating worker.
	activeWorkers atomic.Int32

	cancelMu    sync.Mutex
	taskCancels map[string]context.CancelFunc

	// rejectLog throttles the admission-rejected warning; under sustained
	// resource pressure it would otherwise fire every tick.
	rejectLog *log.Every

	ctx      context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	wg       sync.WaitGroup
}

// New creates an engine. Register executors before calling Start.
func New(opts Options) (*Engine, error) {
	if opts.Monitor == nil {
		return nil, fmt.Errorf("engine requires a resource monitor")
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 4
	}
	if opts.AdmissionInterval <= 0 {
		opts.AdmissionInterval = time.Second
	}
	if opts.CommandBuffer <= 0 {
		opts.CommandBuffer = 64
	}
	if opts.ProgressBuffer <= 0 {
		opts.ProgressBuffer = 256
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		maxWorkers:        opts.MaxWorkers,
		admissionInterval: opts.AdmissionInterval,
		registry:          NewTaskRegistry(),
		queue:             NewPendingQueue(),
		executors:         NewExecutorRegistry(),
		monitor:           opts.Monitor,
		history:           opts.History,
		commandCh:         make(chan command, opts.CommandBuffer),
		progressCh:        make(chan progressEvent, opts.ProgressBuffer),
		taskCancels:       make(map[string]context.CancelFunc),
		rejectLog:         log.NewEvery(30 * time.Second),
		ctx:               ctx,
		cancel:            cancel,
		stopCh:            make(chan struct{}),
	}, nil
}

// RegisterExecutor binds the payload executor for a task kind.
func (e *Engine) RegisterExecutor(kind TaskKind, fn ExecutorFunc) {
	e.executors.Register(kind, fn)
}

// Start launches the command, progress and admission loops plus the resource
// sampler.
func (e *Engine) Start() error {
	if !e.started.CompareAndSwap(false, true) {
		return fmt.Errorf("engine already started")
	}

	e.monitor.Start()

	e.wg.Add(3)
	go e.commandLoop()
	go e.progressLoop()
	go e.admissionLoop()

	log.InfoLog.Printf("engine started with %d worker slots", e.maxWorkers)
	return nil
}

// Submit validates the request, registers a Queued task and enqueues it for
// admission. It returns the generated id immediately; it never waits for the
// task to start.
func (e *Engine) Submit(kind TaskKind, priority Priority, metadata map[string]interface{}) (string, error) {
	select {
	case <-e.stopCh:
		return "", ErrEngineStopped
	default:
	}

	if _, ok := e.executors.Lookup(kind); !ok {
		return "", &SubmissionError{Kind: kind, Reason: "no executor registered"}
	}

	id := uuid.New().String()
	t := &Task{
		ID:        id,
		Kind:      kind,
		Priority:  priority,
		Status:    TaskStatusQueued,
		Message:   "Task queued",
		CreatedAt: time.Now(),
	}
	if len(metadata) > 0 {
		t.Metadata = make(map[string]interface{}, len(metadata))
		for k, v := range metadata {
			t.Metadata[k] = v
		}
	}

	if !e.registry.Add(t) {
		return "", fmt.Errorf("duplicate task id %s", id)
	}
	e.queue.Push(id, priority)

	log.InfoLog.Printf("submitted task %s (kind: %s, priority: %s)", id, kind, priority)
	return id, nil
}

// Cancel requests cancellation of a queued or running task. The cancellation
// is applied asynchronously by the command processor; for a running task it
// is cooperative, signalled through the task's context.
func (e *Engine) Cancel(id string) error {
	if _, ok := e.registry.Get(id); !ok {
		return ErrTaskNotFound
	}
	return e.sendCommand(command{kind: cmdCancel, taskID: id})
}

// Pause records a pause request on the task. Advisory: the worker keeps
// running.
func (e *Engine) Pause(id string) error {
	if _, ok := e.registry.Get(id); !ok {
		return ErrTaskNotFound
	}
	return e.sendCommand(command{kind: cmdPause, taskID: id})
}

// Resume clears a previously recorded pause request.
func (e *Engine) Resume(id string) error {
	if _, ok := e.registry.Get(id); !ok {
		return ErrTaskNotFound
	}
	return e.sendCommand(command{kind: cmdResume, taskID: id})
}

// GetStatus returns the current task record. This is the authoritative status
// read path, a direct registry lookup.
func (e *Engine) GetStatus(id string) (Task, bool) {
	return e.registry.Get(id)
}

// QueryStatus round-trips a status request through the command channel. It
// exists for protocol completeness; prefer GetStatus.
func (e *Engine) QueryStatus(id string) (Task, error) {
	reply := make(chan statusReply, 1)
	if err := e.sendCommand(command{kind: cmdStatus, taskID: id, reply: reply}); err != nil {
		return Task{}, err
	}
	select {
	case r := <-reply:
		if !r.found {
			return Task{}, ErrTaskNotFound
		}
		return r.task, nil
	case <-e.stopCh:
		return Task{}, ErrEngineStopped
	}
}

// GetAll returns every known task in submission order.
func (e *Engine) GetAll() []Task {
	return e.registry.All()
}

// GetActive returns tasks that are queued or running.
func (e *Engine) GetActive() []Task {
	return e.registry.Active()
}

// QueueLength returns the number of tasks awaiting admission.
func (e *Engine) QueueLength() int {
	return e.queue.Len()
}

// Monitor exposes the engine's resource monitor.
func (e *Engine) Monitor() *monitor.ResourceMonitor {
	return e.monitor
}

// History exposes the configured history recorder, nil when archiving is
// disabled.
func (e *Engine) History() HistoryRecorder {
	return e.history
}

// SystemStats aggregates task counts. SuccessRate is completed/total*100 over
// all known tasks, 0 when none exist.
func (e *Engine) SystemStats() Stats {
	stats := Stats{
		ActiveWorkers: int(e.activeWorkers.Load()),
		MaxWorkers:    e.maxWorkers,
	}

	for _, t := range e.registry.All() {
		stats.Total++
		switch t.Status {
		case TaskStatusCompleted:
			stats.Completed++
		case TaskStatusFailed:
			stats.Failed++
		case TaskStatusCancelled:
			stats.Cancelled++
		case TaskStatusRunning:
			stats.Running++
		case TaskStatusQueued:
			stats.Queued++
		}
	}

	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(stats.Total) * 100
	}
	return stats
}

// Shutdown stops the scheduling loops, cancels every queued and in-flight
// task, and waits for workers to observe their cancelled contexts.
func (e *Engine) Shutdown() {
	e.stopOnce.Do(func() {
		log.InfoLog.Printf("engine shutting down")

		// Stop admitting and accepting first.
		close(e.stopCh)

		// Cancel queued tasks directly; the command loop is already gone.
		now := time.Now()
		for _, t := range e.registry.All() {
			if t.Status != TaskStatusQueued {
				continue
			}
			e.queue.Remove(t.ID)
			e.registry.UpdateIf(t.ID, notTerminal, func(t *Task) {
				t.Status = TaskStatusCancelled
				t.Message = "Task cancelled on shutdown"
				t.CompletedAt = &now
			})
			e.recordHistory(t.ID)
		}

		// Interrupt in-flight workers.
		e.cancel()

		e.wg.Wait()
		e.monitor.Stop()

		log.InfoLog.Printf("engine stopped")
	})
}

func (e *Engine) sendCommand(cmd command) error {
	select {
	case e.commandCh <- cmd:
		return nil
	case <-e.stopCh:
		return ErrEngineStopped
	}
}

// admissionLoop is the fixed-interval scheduler. Each tick admits at most one
// task, subject to the worker ceiling and the resource monitor's approval.
func (e *Engine) admissionLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.admissionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.admitNext()
		}
	}
}

// admitNext pops the best queued task and spawns its worker. Hard-deny
// policy: if the monitor rejects admission the task is pushed back with its
// original submission order and retried on a later tick; a rejected task is
// never executed.
func (e *Engine) admitNext() {
	if int(e.activeWorkers.Load()) >= e.maxWorkers {
		return
	}

	id, priority, seq, ok := e.queue.PopItem()
	if !ok {
		return
	}

	t, found := e.registry.Get(id)
	if !found {
		log.WarningLog.Printf("queued task %s missing from registry", id)
		return
	}

	if err := e.monitor.StartTask(id, t.Kind.String()); err != nil {
		if e.rejectLog.ShouldLog() {
			log.WarningLog.Printf("admission rejected, task %s requeued: %v", id, err)
		}
		e.queue.Requeue(id, priority, seq)
		return
	}

	now := time.Now()
	admitted := e.registry.UpdateIf(id,
		func(t *Task) bool { return t.Status == TaskStatusQueued },
		func(t *Task) {
			t.Status = TaskStatusRunning
			t.StartedAt = &now
			t.Message = "Task started"
		})
	if !admitted {
		// Cancelled between pop and admission; untrack and move on.
		e.monitor.CancelTask(id)
		return
	}

	limits := e.monitor.Limits()
	taskCtx, taskCancel := context.WithTimeout(e.ctx, limits.TaskTimeout)
	e.setTaskCancel(id, taskCancel)

	e.activeWorkers.Add(1)
	e.wg.Add(1)
	go e.runWorker(taskCtx, t.clone())

	log.InfoLog.Printf("admitted task %s (priority: %s)", id, priority)
}

// runWorker executes one admitted task. The registry lock is never held
// across the executor call; only the small record reads/writes take it.
func (e *Engine) runWorker(ctx context.Context, t Task) {
	defer e.wg.Done()
	defer e.activeWorkers.Add(-1)
	defer e.clearTaskCancel(t.ID)

	report := func(progress float64, message string, metadata map[string]interface{}) {
		e.emitProgress(progressEvent{
			taskID:   t.ID,
			progress: progress,
			message:  message,
			metadata: metadata,
		})
	}

	execErr := e.executePayload(ctx, t, report)

	if execErr == nil && ctx.Err() != nil {
		// The payload returned cleanly after the deadline or a cancel; the
		// result is not trustworthy.
		execErr = ctx.Err()
	}

	e.finalize(t.ID, execErr)
}

// executePayload invokes the external executor, converting panics into
// failures so a broken payload can never take the engine down.
func (e *Engine) executePayload(ctx context.Context, t Task, report ProgressFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
			log.ErrorLog.Printf("task %s executor panicked: %v", t.ID, r)
		}
	}()

	fn, ok := e.executors.Lookup(t.Kind)
	if !ok {
		// Submit validated the kind; losing the binding mid-flight is a bug.
		return fmt.Errorf("no executor registered for kind %s", t.Kind)
	}
	return fn(ctx, t, report)
}

// finalize writes the terminal status unless cancellation already did. The
// conditional write is what keeps a late completion from overwriting
// Cancelled. A worker stopped by a cancelled context (user cancel racing the
// finish, or engine shutdown) finalizes as Cancelled, not Failed; a deadline
// expiry stays a failure.
func (e *Engine) finalize(id string, execErr error) {
	success := execErr == nil
	cancelled := execErr != nil && errors.Is(execErr, context.Canceled)
	now := time.Now()

	wrote := e.registry.UpdateIf(id, notTerminal, func(t *Task) {
		t.CompletedAt = &now
		switch {
		case cancelled:
			t.Status = TaskStatusCancelled
			t.Message = "Task cancelled"
		case success:
			t.Status = TaskStatusCompleted
			t.Progress = 100
			t.Message = "Task completed successfully"
		default:
			t.Status = TaskStatusFailed
			t.Message = "Task failed"
			t.Error = execErr.Error()
		}
	})
	if !wrote {
		// Cancelled while running; the monitor was already notified.
		log.DebugLog.Printf("task %s finished after cancellation, result discarded", id)
		return
	}

	if cancelled {
		e.monitor.CancelTask(id)
	} else {
		e.monitor.CompleteTask(id, success)
	}
	e.recordHistory(id)

	switch {
	case cancelled:
		log.InfoLog.Printf("task %s cancelled", id)
	case success:
		log.InfoLog.Printf("task %s completed", id)
	default:
		log.ErrorLog.Printf("task %s failed: %v", id, execErr)
	}
}

// recordHistory archives the task's terminal record, when a store is wired.
func (e *Engine) recordHistory(id string) {
	if e.history == nil {
		return
	}
	t, ok := e.registry.Get(id)
	if !ok {
		return
	}
	if err := e.history.Record(t); err != nil {
		log.WarningLog.Printf("failed to archive task %s: %v", id, err)
	}
}

func (e *Engine) setTaskCancel(id string, cancel context.CancelFunc) {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	e.taskCancels[id] = cancel
}

func (e *Engine) clearTaskCancel(id string) {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	if cancel, ok := e.taskCancels[id]; ok {
		cancel()
		delete(e.taskCancels, id)
	}
}

// cancelTaskContext fires the task's cancel func without removing it; the
// worker cleans up its own entry when it exits.
func (e *Engine) cancelTaskContext(id string) {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	if cancel, ok := e.taskCancels[id]; ok {
		cancel()
	}
}
