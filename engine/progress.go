package engine

import (
	"github.com/millwork-app/millwork/log"
)

// progressEvent is one incremental update emitted by a running worker.
type progressEvent struct {
	taskID   string
	progress float64
	message  string
	metadata map[string]interface{}
}

// progressLoop is the single consumer of the progress channel. Events for a
// given task arrive in emission order because its worker emits sequentially;
// no order is guaranteed across different tasks. Delivery is best-effort:
// events for unknown or already-terminal tasks are dropped.
func (e *Engine) progressLoop() {
	defer e.wg.Done()

	for {
		select {
		case <-e.stopCh:
			return
		case ev := <-e.progressCh:
			e.applyProgress(ev)
		}
	}
}

func (e *Engine) applyProgress(ev progressEvent) {
	progress := clampProgress(ev.progress)

	applied := e.registry.UpdateIf(ev.taskID, notTerminal, func(t *Task) {
		t.Progress = progress
		if ev.message != "" {
			t.Message = ev.message
		}
		if len(ev.metadata) > 0 {
			if t.Metadata == nil {
				t.Metadata = make(map[string]interface{}, len(ev.metadata))
			}
			for k, v := range ev.metadata {
				t.Metadata[k] = v
			}
		}
	})
	if !applied {
		log.DebugLog.Printf("dropped progress event for task %s", ev.taskID)
	}
}

// emitProgress delivers an event to the progress loop. Blocks while the
// buffer is full so a single task's events are never reordered; gives up if
// the engine stops first.
func (e *Engine) emitProgress(ev progressEvent) {
	select {
	case e.progressCh <- ev:
	case <-e.stopCh:
		log.DebugLog.Printf("progress event for task %s dropped on shutdown", ev.taskID)
	}
}

func clampProgress(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
