// Package store archives finished tasks to a local SQLite database. The
// engine's queue itself stays in memory; this history exists so the desktop
// application can show past runs across restarts.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/millwork-app/millwork/engine"
)

var (
	ErrClosed      = errors.New("history store closed")
	ErrNotTerminal = errors.New("task has not finished")
)

const schema = `
CREATE TABLE IF NOT EXISTS task_history (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	priority     TEXT NOT NULL,
	status       TEXT NOT NULL,
	progress     REAL NOT NULL,
	message      TEXT,
	error        TEXT,
	metadata     TEXT,
	created_at   TIMESTAMP NOT NULL,
	started_at   TIMESTAMP,
	completed_at TIMESTAMP NOT NULL,
	duration_ms  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_history_completed_at ON task_history(completed_at);
`

// Entry is one archived task row.
type Entry struct {
	ID          string
	Kind        string
	Priority    string
	Status      string
	Progress    float64
	Message     string
	Error       string
	Metadata    map[string]interface{}
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt time.Time
	DurationMS  int64
}

// HistoryStore persists terminal task records.
type HistoryStore struct {
	db *sql.DB
}

// Open creates or opens the history database at path, creating parent
// directories as needed.
func Open(path string) (*HistoryStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	// The modernc driver serializes writes itself; a single connection
	// avoids SQLITE_BUSY under concurrent finalizes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}

	return &HistoryStore{db: db}, nil
}

// Record archives a task that reached a terminal status. Satisfies
// engine.HistoryRecorder.
func (s *HistoryStore) Record(task engine.Task) error {
	if s.db == nil {
		return ErrClosed
	}
	if !task.Status.Terminal() || task.CompletedAt == nil {
		return ErrNotTerminal
	}

	var durationMS int64
	if task.StartedAt != nil {
		durationMS = task.CompletedAt.Sub(*task.StartedAt).Milliseconds()
	}

	var metadata []byte
	if len(task.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(task.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal task metadata: %w", err)
		}
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO task_history
		(id, kind, priority, status, progress, message, error, metadata, created_at, started_at, completed_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID,
		task.Kind.String(),
		task.Priority.String(),
		task.Status.String(),
		task.Progress,
		task.Message,
		task.Error,
		nullableString(metadata),
		task.CreatedAt,
		task.StartedAt,
		*task.CompletedAt,
		durationMS,
	)
	if err != nil {
		return fmt.Errorf("failed to record task %s: %w", task.ID, err)
	}
	return nil
}

// Recent returns up to limit archived tasks, most recently completed first.
func (s *HistoryStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, priority, status, progress, message, error, metadata,
		       created_at, started_at, completed_at, duration_ms
		FROM task_history
		ORDER BY completed_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query task history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var message, errText, metadata sql.NullString
		var startedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.Kind, &e.Priority, &e.Status, &e.Progress,
			&message, &errText, &metadata, &e.CreatedAt, &startedAt, &e.CompletedAt, &e.DurationMS); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		e.Message = message.String
		e.Error = errText.String
		if startedAt.Valid {
			t := startedAt.Time
			e.StartedAt = &t
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata for %s: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes entries completed before the cutoff and returns how many
// rows were removed.
func (s *HistoryStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s.db == nil {
		return 0, ErrClosed
	}

	cutoff := time.Now().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `DELETE FROM task_history WHERE completed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune task history: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the underlying database handle.
func (s *HistoryStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func nullableString(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
