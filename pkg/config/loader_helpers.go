package config

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// loadAndMerge loads a YAML file and merges it into the config.
func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var override Config
	if err := yaml.Unmarshal(data, &override); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	mergeConfigs(cfg, &override, raw)
	return nil
}

// mergeConfigs merges override into base. Zero values only win when the
// key is present in raw.
func mergeConfigs(base, override *Config, raw map[string]any) {
	if override == nil {
		return
	}

	if override.App.Path != "" {
		base.App.Path = override.App.Path
	}
	if boolFieldSet(raw, "app", "args") {
		base.App.Args = append([]string{}, override.App.Args...)
	}
	if boolFieldSet(raw, "app", "env") {
		base.App.Env = maps.Clone(override.App.Env)
	}
	if override.App.EnvMode != "" {
		base.App.EnvMode = override.App.EnvMode
	}
	if override.App.Dir != "" {
		base.App.Dir = override.App.Dir
	}
	if override.App.TempDir != "" {
		base.App.TempDir = override.App.TempDir
	}

	if override.Timeouts.Start != 0 {
		base.Timeouts.Start = override.Timeouts.Start
	}
	if override.Timeouts.QuitGrace != 0 {
		base.Timeouts.QuitGrace = override.Timeouts.QuitGrace
	}
	if override.Timeouts.Terminate != 0 {
		base.Timeouts.Terminate = override.Timeouts.Terminate
	}
	if override.Timeouts.Shutdown != 0 {
		base.Timeouts.Shutdown = override.Timeouts.Shutdown
	}

	if override.Readiness.Interval != 0 {
		base.Readiness.Interval = override.Readiness.Interval
	}
	if boolFieldSet(raw, "readiness", "debug_port") {
		base.Readiness.DebugPort = override.Readiness.DebugPort
	}
	if override.Readiness.DebugPortFlag != "" {
		base.Readiness.DebugPortFlag = override.Readiness.DebugPortFlag
	}

	if override.Logging.Level != "" {
		base.Logging.Level = override.Logging.Level
	}
	if override.Logging.Format != "" {
		base.Logging.Format = override.Logging.Format
	}
	if override.Logging.File != "" {
		base.Logging.File = override.Logging.File
	}
	if override.Logging.EventLogDir != "" {
		base.Logging.EventLogDir = override.Logging.EventLogDir
	}

	if override.Telemetry.MetricsAddr != "" {
		base.Telemetry.MetricsAddr = override.Telemetry.MetricsAddr
	}
	if boolFieldSet(raw, "telemetry", "trace") {
		base.Telemetry.Trace = override.Telemetry.Trace
	}
}

// boolFieldSet reports whether the nested key path is present in raw.
func boolFieldSet(raw map[string]any, path ...string) bool {
	if len(path) == 0 || raw == nil {
		return false
	}
	current := any(raw)
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return false
		}
		val, ok := m[key]
		if !ok {
			return false
		}
		current = val
	}
	return true
}

func expandHomeDir(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil && strings.TrimSpace(home) != "" {
			return home
		}
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil && strings.TrimSpace(home) != "" {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
