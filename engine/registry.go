package engine

import (
	"sync"
)

// TaskRegistry is the authoritative map of task id -> task state. Status
// queries read it directly; the command and progress processors and the
// admission loop are the only writers. All reads return copies so callers
// never touch a record that a worker is concurrently mutating.
type TaskRegistry struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	order []string // insertion order for stable iteration
}

// NewTaskRegistry creates an empty registry.
func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{
		tasks: make(map[string]*Task),
	}
}

// Add inserts a task. The id must not already exist; ids are generated by
// Submit so a collision indicates a programming error.
func (r *TaskRegistry) Add(t *Task) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[t.ID]; exists {
		return false
	}
	r.tasks[t.ID] = t
	r.order = append(r.order, t.ID)
	return true
}

// Get returns a copy of the task, or false if it does not exist.
func (r *TaskRegistry) Get(id string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.clone(), true
}

// Update applies fn to the task under the write lock. fn must not block; the
// lock is held only for the in-memory mutation, never across external work.
// Returns false if the id is unknown.
func (r *TaskRegistry) Update(id string, fn func(*Task)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return false
	}
	fn(t)
	return true
}

// UpdateIf applies fn only when cond holds for the current record, all under
// one critical section. Workers use it to finalize a task without racing a
// concurrent Cancel: the terminal write is skipped when cond rejects it.
func (r *TaskRegistry) UpdateIf(id string, cond func(*Task) bool, fn func(*Task)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok || !cond(t) {
		return false
	}
	fn(t)
	return true
}

// All returns copies of every task in insertion order.
func (r *TaskRegistry) All() []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Task, 0, len(r.order))
	for _, id := range r.order {
		if t, ok := r.tasks[id]; ok {
			out = append(out, t.clone())
		}
	}
	return out
}

// Active returns copies of tasks in Queued or Running state, in insertion order.
func (r *TaskRegistry) Active() []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Task
	for _, id := range r.order {
		if t, ok := r.tasks[id]; ok && !t.Status.Terminal() {
			out = append(out, t.clone())
		}
	}
	return out
}

// Len returns the number of registered tasks.
func (r *TaskRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}
