package engine

import (
	"time"

	"github.com/millwork-app/millwork/log"
)

// commandKind enumerates the control instructions carried by the command
// channel.
type commandKind int

const (
	cmdCancel commandKind = iota
	cmdPause
	cmdResume
	cmdStatus
)

func (ck commandKind) String() string {
	switch ck {
	case cmdCancel:
		return "cancel"
	case cmdPause:
		return "pause"
	case cmdResume:
		return "resume"
	case cmdStatus:
		return "status"
	default:
		return "unknown"
	}
}

// command is one control instruction. reply is set only for cmdStatus.
type command struct {
	kind   commandKind
	taskID string
	reply  chan statusReply
}

type statusReply struct {
	task  Task
	found bool
}

// commandLoop is the single consumer of the command channel. Having exactly
// one consumer serializes every registry mutation triggered by commands, so
// two cancels can never interleave their read-modify-write.
func (e *Engine) commandLoop() {
	defer e.wg.Done()

	for {
		select {
		case <-e.stopCh:
			return
		case cmd := <-e.commandCh:
			e.applyCommand(cmd)
		}
	}
}

func (e *Engine) applyCommand(cmd command) {
	switch cmd.kind {
	case cmdCancel:
		e.applyCancel(cmd.taskID)

	case cmdPause:
		// Advisory only: the running worker is not suspended. The message
		// records the request so the UI can surface it.
		if !e.registry.UpdateIf(cmd.taskID, notTerminal, func(t *Task) {
			t.Message = "Task paused"
		}) {
			log.DebugLog.Printf("pause ignored for task %s", cmd.taskID)
		}

	case cmdResume:
		if !e.registry.UpdateIf(cmd.taskID, notTerminal, func(t *Task) {
			t.Message = "Task resumed"
		}) {
			log.DebugLog.Printf("resume ignored for task %s", cmd.taskID)
		}

	case cmdStatus:
		t, ok := e.registry.Get(cmd.taskID)
		if cmd.reply != nil {
			cmd.reply <- statusReply{task: t, found: ok}
		}
	}
}

// applyCancel performs the cancellation of a queued or running task.
func (e *Engine) applyCancel(id string) {
	// Pull it out of the pending queue first so the admission loop cannot
	// pick it up after the status flips.
	removed := e.queue.Remove(id)

	// Interrupt the worker, if one is running.
	e.cancelTaskContext(id)

	now := time.Now()
	wrote := e.registry.UpdateIf(id, notTerminal, func(t *Task) {
		t.Status = TaskStatusCancelled
		t.Message = "Task cancelled"
		t.CompletedAt = &now
	})
	if !wrote {
		log.DebugLog.Printf("cancel ignored for task %s (already terminal or unknown)", id)
		return
	}

	// Drop it from the monitor's active set; a no-op for tasks cancelled
	// while still queued.
	e.monitor.CancelTask(id)
	e.recordHistory(id)

	log.InfoLog.Printf("cancelled task %s (was queued: %v)", id, removed)
}

func notTerminal(t *Task) bool {
	return !t.Status.Terminal()
}
