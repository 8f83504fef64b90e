package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rendis/conductor/internal/orchestrator"
	"github.com/rendis/conductor/internal/remote"
)

// Settings holds all conductor CLI configuration.
// Priority: env vars > settings file > defaults.
type Settings struct {
	LogLevel     string              `yaml:"log_level"`
	Workflows    []string            `yaml:"workflows"`
	Agents       []remote.Spec       `yaml:"agents"`
	Schedules    []ScheduleSpec      `yaml:"schedules"`
	Orchestrator orchestrator.Config `yaml:"orchestrator"`
}

// ScheduleSpec triggers a workflow on a cron expression.
type ScheduleSpec struct {
	Cron     string `yaml:"cron"`
	Workflow string `yaml:"workflow"`
	Input    any    `yaml:"input"`
}

func defaultSettings() Settings {
	cfg := orchestrator.DefaultConfig()
	cfg.Store.Path = "file:" + filepath.Join(conductorDir(), "conductor.db")
	return Settings{
		LogLevel:     "info",
		Orchestrator: cfg,
	}
}

func conductorDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conductor"
	}
	return filepath.Join(home, ".conductor")
}

func settingsPath() string {
	return filepath.Join(conductorDir(), "settings.yaml")
}

// loadSettings layers defaults, the settings file and CONDUCTOR_* env vars.
// A missing file is only an error when the path was given explicitly.
func loadSettings(path string, getenv func(string) string) (Settings, error) {
	s := defaultSettings()

	explicit := path != ""
	if !explicit {
		path = settingsPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &s); err != nil {
			return s, fmt.Errorf("parse settings %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return s, fmt.Errorf("read settings: %w", err)
	}

	if err := applyEnv(&s, getenv); err != nil {
		return s, err
	}
	if err := s.Orchestrator.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

func applyEnv(s *Settings, getenv func(string) string) error {
	if v := getenv("CONDUCTOR_LOG_LEVEL"); v != "" {
		s.LogLevel = v
	}
	if v := getenv("CONDUCTOR_WORKFLOWS"); v != "" {
		s.Workflows = filepath.SplitList(v)
	}
	if v := getenv("CONDUCTOR_STATE_BACKEND"); v != "" {
		s.Orchestrator.State.Backend = v
	}
	if v := getenv("CONDUCTOR_STATE_NAMESPACE"); v != "" {
		s.Orchestrator.State.Namespace = v
	}
	if v := getenv("CONDUCTOR_REDIS_ADDR"); v != "" {
		s.Orchestrator.State.Addr = v
	}
	if v := getenv("CONDUCTOR_REDIS_PASSWORD"); v != "" {
		s.Orchestrator.State.Password = v
	}
	if v := getenv("CONDUCTOR_STORE_BACKEND"); v != "" {
		s.Orchestrator.Store.Backend = v
	}
	if v := getenv("CONDUCTOR_DB_PATH"); v != "" {
		s.Orchestrator.Store.Path = v
	}
	if v := getenv("CONDUCTOR_MAX_INVOCATIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CONDUCTOR_MAX_INVOCATIONS: %w", err)
		}
		s.Orchestrator.MaxConcurrentInvocations = n
	}
	if v := getenv("CONDUCTOR_SHUTDOWN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CONDUCTOR_SHUTDOWN_TIMEOUT: %w", err)
		}
		s.Orchestrator.ShutdownTimeout = d
	}
	if v := getenv("CONDUCTOR_SCHEDULER"); v != "" {
		s.Orchestrator.Scheduler.Enabled = truthy(v)
	}
	if v := getenv("CONDUCTOR_MONITOR"); v != "" {
		s.Orchestrator.Monitor.Enabled = truthy(v)
	}
	return nil
}

func truthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
