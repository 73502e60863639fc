package engine

import (
	"context"
	"sync"
)

// ProgressFunc reports payload progress back to the engine. progress is a
// percentage; metadata, when non-nil, is merged into the task's metadata.
type ProgressFunc func(progress float64, message string, metadata map[string]interface{})

// ExecutorFunc runs the payload for one task kind. The payload itself is
// opaque to the engine: implementations typically hand the work to an
// external interpreter process. A returned error marks the task Failed with
// the error text; ctx is cancelled on task cancellation, timeout and engine
// shutdown, and well-behaved executors return promptly when it fires.
type ExecutorFunc func(ctx context.Context, task Task, report ProgressFunc) error

// ExecutorRegistry maps each task kind to its payload executor. The kind set
// is closed: Submit refuses kinds that have no executor bound.
type ExecutorRegistry struct {
	mu        sync.RWMutex
	executors map[TaskKind]ExecutorFunc
}

// NewExecutorRegistry creates an empty executor registry.
func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{
		executors: make(map[TaskKind]ExecutorFunc),
	}
}

// Register binds fn as the executor for kind, replacing any previous binding.
func (er *ExecutorRegistry) Register(kind TaskKind, fn ExecutorFunc) {
	er.mu.Lock()
	defer er.mu.Unlock()
	er.executors[kind] = fn
}

// Lookup returns the executor bound to kind.
func (er *ExecutorRegistry) Lookup(kind TaskKind) (ExecutorFunc, bool) {
	er.mu.RLock()
	defer er.mu.RUnlock()
	fn, ok := er.executors[kind]
	return fn, ok
}
