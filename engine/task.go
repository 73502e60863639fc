package engine

import (
	"time"
)

// Priority represents task priority levels for the pending queue
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the string representation of priority
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "Critical"
	case PriorityHigh:
		return "High"
	case PriorityNormal:
		return "Normal"
	case PriorityLow:
		return "Low"
	default:
		return "Unknown"
	}
}

// TaskStatus represents the current state of a task
type TaskStatus int

const (
	TaskStatusQueued TaskStatus = iota
	TaskStatusRunning
	TaskStatusCompleted
	TaskStatusFailed
	TaskStatusCancelled
)

// String returns the string representation of task status
func (ts TaskStatus) String() string {
	switch ts {
	case TaskStatusQueued:
		return "Queued"
	case TaskStatusRunning:
		return "Running"
	case TaskStatusCompleted:
		return "Completed"
	case TaskStatusFailed:
		return "Failed"
	case TaskStatusCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the status admits no further transitions.
func (ts TaskStatus) Terminal() bool {
	switch ts {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// TaskKind identifies which payload executor handles a task. The set is
// closed: Submit rejects kinds with no registered executor.
type TaskKind int

const (
	KindWebScraping TaskKind = iota
	KindTextProcessing
	KindChunkGeneration
	KindExport
)

// String returns the string representation of the task kind
func (k TaskKind) String() string {
	switch k {
	case KindWebScraping:
		return "WebScraping"
	case KindTextProcessing:
		return "TextProcessing"
	case KindChunkGeneration:
		return "ChunkGeneration"
	case KindExport:
		return "Export"
	default:
		return "Unknown"
	}
}

// Task represents a unit of schedulable work.
//
// Lifecycle: Queued -> Running -> Completed | Failed
//
//	Queued/Running -> Cancelled (via Cancel)
type Task struct {
	ID          string                 `json:"id"`
	Kind        TaskKind               `json:"kind"`
	Priority    Priority               `json:"priority"`
	Status      TaskStatus             `json:"status"`
	Progress    float64                `json:"progress"`
	Message     string                 `json:"message"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// clone returns a copy safe to hand out without holding the registry lock.
// The metadata map is copied shallowly; values are treated as immutable by
// convention once attached to a task.
func (t *Task) clone() Task {
	c := *t
	if t.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	if t.StartedAt != nil {
		s := *t.StartedAt
		c.StartedAt = &s
	}
	if t.CompletedAt != nil {
		s := *t.CompletedAt
		c.CompletedAt = &s
	}
	return c
}
