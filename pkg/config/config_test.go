package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Kryndex/spectron/pkg/app"
	"github.com/Kryndex/spectron/pkg/config"
	"github.com/Kryndex/spectron/pkg/logging"
	"github.com/Kryndex/spectron/pkg/process"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()

	if cfg.Timeouts != (config.TimeoutsConfig{
		Start:     app.DefaultTimeouts().Start,
		QuitGrace: app.DefaultTimeouts().QuitGrace,
		Terminate: app.DefaultTimeouts().Terminate,
		Shutdown:  app.DefaultTimeouts().Shutdown,
	}) {
		t.Fatalf("timeouts should mirror app defaults: %+v", cfg.Timeouts)
	}
	if cfg.Readiness.Interval != 100*time.Millisecond {
		t.Fatalf("unexpected readiness interval: %v", cfg.Readiness.Interval)
	}
	if cfg.Readiness.DebugPortFlag != app.DefaultDebugPortFlag {
		t.Fatalf("unexpected debug port flag: %q", cfg.Readiness.DebugPortFlag)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadHierarchy(t *testing.T) {
	home := t.TempDir()
	project := t.TempDir()

	t.Setenv("HOME", home)

	writeConfig(t, filepath.Join(home, ".spectron"), `
app:
  path: /usr/bin/user-app
  args: ["--user"]
timeouts:
  start: 20s
  quit_grace: 3s
`)
	writeConfig(t, filepath.Join(project, ".spectron"), `
app:
  path: ./project-app
timeouts:
  start: 30s
logging:
  level: debug
`)

	oldWD, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(project); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(oldWD) })

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.App.Path != "./project-app" {
		t.Fatalf("project config should win for app.path, got %q", cfg.App.Path)
	}
	if len(cfg.App.Args) != 1 || cfg.App.Args[0] != "--user" {
		t.Fatalf("user args should survive, got %v", cfg.App.Args)
	}
	if cfg.Timeouts.Start != 30*time.Second {
		t.Fatalf("expected project start timeout, got %v", cfg.Timeouts.Start)
	}
	if cfg.Timeouts.QuitGrace != 3*time.Second {
		t.Fatalf("expected user quit grace, got %v", cfg.Timeouts.QuitGrace)
	}
	if cfg.Timeouts.Shutdown != app.DefaultTimeouts().Shutdown {
		t.Fatalf("unset shutdown should keep default, got %v", cfg.Timeouts.Shutdown)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected debug level, got %q", cfg.Logging.Level)
	}
}

func TestLoadFromPath(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
app:
  path: /opt/app/bin/app
  args: ["--foo", "--bar=baz"]
  env:
    FOO: BAR
    HELLO: WORLD
  env_mode: replace
  temp_dir: /tmp/spectron
readiness:
  interval: 250ms
  debug_port: 9222
telemetry:
  metrics_addr: 127.0.0.1:9100
  trace: true
`)

	cfg, err := config.LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if cfg.App.EnvMode != "replace" || cfg.App.Env["HELLO"] != "WORLD" {
		t.Fatalf("unexpected app section: %+v", cfg.App)
	}
	if cfg.Readiness.Interval != 250*time.Millisecond || cfg.Readiness.DebugPort != 9222 {
		t.Fatalf("unexpected readiness section: %+v", cfg.Readiness)
	}
	if !cfg.Telemetry.Trace || cfg.Telemetry.MetricsAddr != "127.0.0.1:9100" {
		t.Fatalf("unexpected telemetry section: %+v", cfg.Telemetry)
	}

	spec, err := cfg.LaunchSpec()
	if err != nil {
		t.Fatalf("LaunchSpec: %v", err)
	}
	if spec.Path != "/opt/app/bin/app" || spec.EnvMode != process.EnvReplace || spec.TempDir != "/tmp/spectron" {
		t.Fatalf("unexpected spec: %+v", spec)
	}
	if len(spec.Args) != 2 || spec.Args[1] != "--bar=baz" {
		t.Fatalf("unexpected args: %v", spec.Args)
	}
}

func TestLoadFromPath_Missing(t *testing.T) {
	if _, err := config.LoadFromPath(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadFromPath_InvalidYAML(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "app: [unterminated")
	if _, err := config.LoadFromPath(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
app:
  path: /from/file
timeouts:
  quit_grace: 1s
`)
	t.Setenv("SPECTRON_APP_PATH", "/from/env")
	t.Setenv("SPECTRON_APP_ARGS", "--a,--b")
	t.Setenv("SPECTRON_APP_ENV", "FOO:BAR,HELLO:WORLD")
	t.Setenv("SPECTRON_TIMEOUTS_QUIT_GRACE", "2s")
	t.Setenv("SPECTRON_READINESS_DEBUG_PORT", "9333")
	t.Setenv("SPECTRON_LOGGING_EVENT_LOG_DIR", "/var/log/spectron")
	t.Setenv("SPECTRON_TELEMETRY_TRACE", "true")

	cfg, err := config.LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if cfg.App.Path != "/from/env" {
		t.Fatalf("env should override file, got %q", cfg.App.Path)
	}
	if len(cfg.App.Args) != 2 || cfg.App.Args[1] != "--b" {
		t.Fatalf("unexpected args: %v", cfg.App.Args)
	}
	if cfg.App.Env["FOO"] != "BAR" || cfg.App.Env["HELLO"] != "WORLD" {
		t.Fatalf("unexpected env: %v", cfg.App.Env)
	}
	if cfg.Timeouts.QuitGrace != 2*time.Second {
		t.Fatalf("unexpected quit grace: %v", cfg.Timeouts.QuitGrace)
	}
	if cfg.Readiness.DebugPort != 9333 {
		t.Fatalf("unexpected debug port: %d", cfg.Readiness.DebugPort)
	}
	if cfg.Logging.EventLogDir != "/var/log/spectron" {
		t.Fatalf("unexpected event log dir: %q", cfg.Logging.EventLogDir)
	}
	if !cfg.Telemetry.Trace {
		t.Fatal("expected trace enabled from env")
	}
}

func TestEnvOverrides_IgnoresUnprefixedNames(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "app:\n  path: /from/file\n")
	t.Setenv("PATH", "/usr/bin:/bin")
	t.Setenv("LEVEL", "debug")

	cfg, err := config.LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if cfg.App.Path != "/from/file" {
		t.Fatalf("system PATH must not leak into app.path, got %q", cfg.App.Path)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("unprefixed LEVEL must be ignored, got %q", cfg.Logging.Level)
	}
}

func TestEnvOverrides_InvalidValue(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "app:\n  path: /x\n")
	t.Setenv("SPECTRON_TIMEOUTS_START", "soon")

	if _, err := config.LoadFromPath(path); err == nil {
		t.Fatal("expected error for unparsable duration")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"env mode", func(c *config.Config) { c.App.EnvMode = "sometimes" }},
		{"negative timeout", func(c *config.Config) { c.Timeouts.Shutdown = -time.Second }},
		{"negative interval", func(c *config.Config) { c.Readiness.Interval = -time.Millisecond }},
		{"debug port", func(c *config.Config) { c.Readiness.DebugPort = 70000 }},
		{"log level", func(c *config.Config) { c.Logging.Level = "chatty" }},
		{"log format", func(c *config.Config) { c.Logging.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLaunchSpec_RequiresPath(t *testing.T) {
	if _, err := config.DefaultConfig().LaunchSpec(); err == nil {
		t.Fatal("expected error without app.path")
	}
}

func TestAppOptions(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.App.Path = "/bin/true"
	cfg.Timeouts.Start = 42 * time.Second

	spec, err := cfg.LaunchSpec()
	if err != nil {
		t.Fatalf("LaunchSpec: %v", err)
	}
	a, err := app.New(spec, cfg.AppOptions(logging.Discard())...)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	if a.Timeouts().Start != 42*time.Second {
		t.Fatalf("start timeout not applied: %v", a.Timeouts().Start)
	}
}

func TestLoggerConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Logging.Level = "warn"

	lc := cfg.LoggerConfig(logging.FormatText)
	if lc.Level != logging.LevelWarn || lc.Format != logging.FormatText {
		t.Fatalf("unexpected logger config: %+v", lc)
	}

	cfg.Logging.Format = "json"
	if lc := cfg.LoggerConfig(logging.FormatText); lc.Format != logging.FormatJSON {
		t.Fatalf("configured format should win over fallback, got %q", lc.Format)
	}
}
