package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/millwork-app/millwork/log"
)

const ConfigFileName = "config.json"

// GetConfigDir returns the path to the application's configuration directory
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config home directory: %w", err)
	}
	return filepath.Join(homeDir, ".millwork"), nil
}

// Config represents the application configuration
type Config struct {
	// MaxWorkers is the number of tasks the engine may run concurrently.
	MaxWorkers int `json:"max_workers"`
	// AdmissionIntervalMS is the period (ms) of the admission scheduler tick.
	AdmissionIntervalMS int `json:"admission_interval_ms"`
	// SampleIntervalMS is the period (ms) of the resource monitor sampler.
	SampleIntervalMS int `json:"sample_interval_ms"`
	// MaxMemoryMB is the memory ceiling for admitting new tasks.
	MaxMemoryMB uint64 `json:"max_memory_mb"`
	// MaxCPUPercent is the CPU threshold used by health recommendations.
	MaxCPUPercent float64 `json:"max_cpu_percent"`
	// MaxConcurrentTasks is the resource monitor's concurrency ceiling.
	MaxConcurrentTasks int `json:"max_concurrent_tasks"`
	// TaskTimeoutSeconds aborts a task payload that runs longer than this.
	TaskTimeoutSeconds int `json:"task_timeout_seconds"`
	// HistoryDBPath is the SQLite file for finished-task history. Empty disables it.
	HistoryDBPath string `json:"history_db_path"`
	// InterpreterCommand is the external payload interpreter binary.
	InterpreterCommand string `json:"interpreter_command"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		MaxWorkers:          4,
		AdmissionIntervalMS: 1000,
		SampleIntervalMS:    5000,
		MaxMemoryMB:         2048,
		MaxCPUPercent:       80,
		MaxConcurrentTasks:  4,
		TaskTimeoutSeconds:  300,
		HistoryDBPath:       "",
		InterpreterCommand:  "millwork-interp",
	}
}

// LoadConfig loads the configuration from disk. If it cannot be done, we return the default configuration.
func LoadConfig() *Config {
	configDir, err := GetConfigDir()
	if err != nil {
		log.ErrorLog.Printf("failed to get config directory: %v", err)
		return DefaultConfig()
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Create and save default config if file doesn't exist
			defaultCfg := DefaultConfig()
			if saveErr := SaveConfig(defaultCfg); saveErr != nil {
				log.WarningLog.Printf("failed to save default config: %v", saveErr)
			}
			return defaultCfg
		}

		log.WarningLog.Printf("failed to get config file: %v", err)
		return DefaultConfig()
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		log.ErrorLog.Printf("failed to parse config file: %v", err)
		return DefaultConfig()
	}

	return &config
}

// SaveConfig saves the configuration to disk
func SaveConfig(config *Config) error {
	configDir, err := GetConfigDir()
	if err != nil {
		return fmt.Errorf("failed to get config directory: %w", err)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(configPath, data, 0644)
}
