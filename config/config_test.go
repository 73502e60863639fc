package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/millwork-app/millwork/log"
)

// TestMain initializes the test environment
func TestMain(m *testing.M) {
	log.Initialize()
	defer log.Close()
	os.Exit(m.Run())
}

// isolateHome points the config directory at a throwaway home.
func isolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)
	return home
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 4, cfg.MaxWorkers)
	assert.Equal(t, 1000, cfg.AdmissionIntervalMS)
	assert.Equal(t, 5000, cfg.SampleIntervalMS)
	assert.Equal(t, uint64(2048), cfg.MaxMemoryMB)
	assert.Equal(t, float64(80), cfg.MaxCPUPercent)
	assert.Equal(t, 4, cfg.MaxConcurrentTasks)
	assert.Equal(t, 300, cfg.TaskTimeoutSeconds)
	assert.Equal(t, "millwork-interp", cfg.InterpreterCommand)
}

func TestLoadConfigCreatesDefaultFile(t *testing.T) {
	home := isolateHome(t)

	cfg := LoadConfig()
	assert.Equal(t, DefaultConfig(), cfg)

	// The default config was persisted for next time.
	data, err := os.ReadFile(filepath.Join(home, ".millwork", ConfigFileName))
	require.NoError(t, err)

	var onDisk Config
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, *DefaultConfig(), onDisk)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	isolateHome(t)

	want := DefaultConfig()
	want.MaxWorkers = 8
	want.MaxMemoryMB = 4096
	want.TaskTimeoutSeconds = 60
	want.HistoryDBPath = "/tmp/millwork-history.db"
	require.NoError(t, SaveConfig(want))

	got := LoadConfig()
	assert.Equal(t, want, got)
}

func TestLoadConfigInvalidJSONFallsBack(t *testing.T) {
	home := isolateHome(t)

	configDir := filepath.Join(home, ".millwork")
	require.NoError(t, os.MkdirAll(configDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(configDir, ConfigFileName), []byte("{not json"), 0644))

	cfg := LoadConfig()
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestGetConfigDir(t *testing.T) {
	home := isolateHome(t)

	dir, err := GetConfigDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".millwork"), dir)
}
