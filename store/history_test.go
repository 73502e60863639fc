package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/millwork-app/millwork/engine"
	"github.com/millwork-app/millwork/log"
)

// TestMain initializes the test environment
func TestMain(m *testing.M) {
	log.Initialize()
	defer log.Close()
	os.Exit(m.Run())
}

func openTestStore(t *testing.T) *HistoryStore {
	t.Helper()

	path := filepath.Join(t.TempDir(), "nested", "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func terminalTask(id string, status engine.TaskStatus, completedAt time.Time) engine.Task {
	startedAt := completedAt.Add(-250 * time.Millisecond)
	return engine.Task{
		ID:          id,
		Kind:        engine.KindWebScraping,
		Priority:    engine.PriorityHigh,
		Status:      status,
		Progress:    100,
		Message:     "Task completed successfully",
		Metadata:    map[string]interface{}{"url": "https://example.com", "pages": 3},
		CreatedAt:   completedAt.Add(-time.Second),
		StartedAt:   &startedAt,
		CompletedAt: &completedAt,
	}
}

func TestRecordAndRecent(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.Record(terminalTask("t1", engine.TaskStatusCompleted, now)))

	entries, err := s.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	e := entries[0]
	assert.Equal(t, "t1", e.ID)
	assert.Equal(t, "WebScraping", e.Kind)
	assert.Equal(t, "High", e.Priority)
	assert.Equal(t, "Completed", e.Status)
	assert.Equal(t, float64(100), e.Progress)
	assert.Equal(t, "Task completed successfully", e.Message)
	assert.Empty(t, e.Error)
	assert.Equal(t, int64(250), e.DurationMS)
	require.NotNil(t, e.StartedAt)

	// Metadata survives the JSON roundtrip; numbers come back as float64.
	assert.Equal(t, "https://example.com", e.Metadata["url"])
	assert.Equal(t, float64(3), e.Metadata["pages"])
}

func TestRecordRejectsUnfinishedTask(t *testing.T) {
	s := openTestStore(t)

	running := engine.Task{
		ID:        "live",
		Kind:      engine.KindExport,
		Priority:  engine.PriorityNormal,
		Status:    engine.TaskStatusRunning,
		CreatedAt: time.Now(),
	}
	assert.ErrorIs(t, s.Record(running), ErrNotTerminal)

	// Terminal status without a completion timestamp is also refused.
	running.Status = engine.TaskStatusCompleted
	assert.ErrorIs(t, s.Record(running), ErrNotTerminal)
}

func TestRecordReplacesExistingRow(t *testing.T) {
	s := openTestStore(t)

	now := time.Now()
	task := terminalTask("dup", engine.TaskStatusCompleted, now)
	require.NoError(t, s.Record(task))

	task.Status = engine.TaskStatusFailed
	task.Error = "retried and failed"
	require.NoError(t, s.Record(task))

	entries, err := s.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Failed", entries[0].Status)
	assert.Equal(t, "retried and failed", entries[0].Error)
}

func TestRecentOrdersByCompletionDesc(t *testing.T) {
	s := openTestStore(t)

	base := time.Now()
	require.NoError(t, s.Record(terminalTask("old", engine.TaskStatusCompleted, base.Add(-time.Hour))))
	require.NoError(t, s.Record(terminalTask("new", engine.TaskStatusCompleted, base)))
	require.NoError(t, s.Record(terminalTask("mid", engine.TaskStatusCancelled, base.Add(-time.Minute))))

	entries, err := s.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "new", entries[0].ID)
	assert.Equal(t, "mid", entries[1].ID)
	assert.Equal(t, "old", entries[2].ID)

	// The limit is applied after ordering.
	entries, err = s.Recent(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "new", entries[0].ID)
}

func TestPrune(t *testing.T) {
	s := openTestStore(t)

	now := time.Now()
	require.NoError(t, s.Record(terminalTask("ancient", engine.TaskStatusCompleted, now.Add(-48*time.Hour))))
	require.NoError(t, s.Record(terminalTask("recent", engine.TaskStatusCompleted, now)))

	removed, err := s.Prune(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	entries, err := s.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "recent", entries[0].ID)
}

func TestClosedStoreRefusesOperations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Record(terminalTask("x", engine.TaskStatusCompleted, time.Now())), ErrClosed)

	_, err = s.Recent(context.Background(), 10)
	assert.ErrorIs(t, err, ErrClosed)

	_, err = s.Prune(context.Background(), time.Hour)
	assert.ErrorIs(t, err, ErrClosed)

	// Closing twice is harmless.
	assert.NoError(t, s.Close())
}
