// Package interp adapts the external payload interpreter to the engine's
// executor contract. Each task runs as one child process; the engine never
// sees payload internals, only progress lines and the exit status.
package interp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/millwork-app/millwork/engine"
	"github.com/millwork-app/millwork/log"
)

// request is the JSON document handed to the interpreter on stdin.
type request struct {
	ID       string                 `json:"id"`
	Kind     string                 `json:"kind"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Runner invokes the interpreter binary for task payloads.
//
// Protocol: the child receives the task document on stdin and may write
// progress lines to stdout in the form
//
//	PROGRESS <percent> <message>
//
// Any other stdout line is forwarded to the debug log. A non-zero exit
// status fails the task with the tail of stderr as the reason.
type Runner struct {
	Command string
	Args    []string
}

// NewRunner creates a runner for the given interpreter command.
func NewRunner(command string, args ...string) *Runner {
	return &Runner{Command: command, Args: args}
}

// Run executes the payload for one task. Satisfies engine.ExecutorFunc.
func (r *Runner) Run(ctx context.Context, task engine.Task, report engine.ProgressFunc) error {
	doc, err := json.Marshal(request{
		ID:       task.ID,
		Kind:     task.Kind.String(),
		Metadata: task.Metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to encode task document: %w", err)
	}

	args := append(append([]string{}, r.Args...), task.Kind.String())
	cmd := exec.CommandContext(ctx, r.Command, args...)
	cmd.Stdin = bytes.NewReader(doc)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open interpreter stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start interpreter: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()
		if progress, message, ok := parseProgressLine(line); ok {
			report(progress, message, nil)
			continue
		}
		if line != "" {
			log.DebugLog.Printf("interp[%s]: %s", task.ID, line)
		}
	}
	if scanErr := scanner.Err(); scanErr != nil {
		log.WarningLog.Printf("interp[%s]: stdout read error: %v", task.ID, scanErr)
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			return fmt.Errorf("interpreter exited: %w", err)
		}
		return fmt.Errorf("interpreter exited: %w: %s", err, tail(detail, 4))
	}
	return nil
}

// parseProgressLine decodes "PROGRESS <percent> <message>" lines.
func parseProgressLine(line string) (float64, string, bool) {
	rest, ok := strings.CutPrefix(line, "PROGRESS ")
	if !ok {
		return 0, "", false
	}

	fields := strings.SplitN(strings.TrimSpace(rest), " ", 2)
	percent, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, "", false
	}

	message := ""
	if len(fields) == 2 {
		message = fields[1]
	}
	return percent, message, true
}

// tail returns the last n lines of s.
func tail(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
