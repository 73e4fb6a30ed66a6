// Package config loads the harness configuration: YAML files merged over
// defaults, then SPECTRON_* environment overrides, then validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/Kryndex/spectron/pkg/app"
	"github.com/Kryndex/spectron/pkg/logging"
	"github.com/Kryndex/spectron/pkg/process"
	"github.com/Kryndex/spectron/pkg/readiness"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SPECTRON"

// Config is the complete harness configuration.
type Config struct {
	App       AppConfig       `yaml:"app" split_words:"true"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts" split_words:"true"`
	Readiness ReadinessConfig `yaml:"readiness" split_words:"true"`
	Logging   LoggingConfig   `yaml:"logging" split_words:"true"`
	Telemetry TelemetryConfig `yaml:"telemetry" split_words:"true"`
}

// AppConfig describes the application to launch.
type AppConfig struct {
	Path    string            `yaml:"path" split_words:"true"`
	Args    []string          `yaml:"args" split_words:"true"`
	Env     map[string]string `yaml:"env" split_words:"true"`
	EnvMode string            `yaml:"env_mode" split_words:"true"`
	Dir     string            `yaml:"dir" split_words:"true"`
	TempDir string            `yaml:"temp_dir" split_words:"true"`
}

// TimeoutsConfig bounds the lifecycle phases.
type TimeoutsConfig struct {
	Start     time.Duration `yaml:"start" split_words:"true"`
	QuitGrace time.Duration `yaml:"quit_grace" split_words:"true"`
	Terminate time.Duration `yaml:"terminate" split_words:"true"`
	Shutdown  time.Duration `yaml:"shutdown" split_words:"true"`
}

// ReadinessConfig controls readiness polling and the debugging port.
type ReadinessConfig struct {
	Interval time.Duration `yaml:"interval" split_words:"true"`
	// DebugPort pins the debugging port; 0 picks a free one per start.
	DebugPort     int    `yaml:"debug_port" split_words:"true"`
	DebugPortFlag string `yaml:"debug_port_flag" split_words:"true"`
}

// LoggingConfig controls the harness logger and the lifecycle event log.
type LoggingConfig struct {
	Level string `yaml:"level" split_words:"true"`
	// Format is json or text; empty lets the CLI decide from the terminal.
	Format      string `yaml:"format" split_words:"true"`
	File        string `yaml:"file" split_words:"true"`
	EventLogDir string `yaml:"event_log_dir" split_words:"true"`
}

// TelemetryConfig controls metrics and tracing.
type TelemetryConfig struct {
	MetricsAddr string `yaml:"metrics_addr" split_words:"true"`
	Trace       bool   `yaml:"trace" split_words:"true"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	t := app.DefaultTimeouts()
	return &Config{
		App: AppConfig{
			EnvMode: process.EnvMerge.String(),
		},
		Timeouts: TimeoutsConfig{
			Start:     t.Start,
			QuitGrace: t.QuitGrace,
			Terminate: t.Terminate,
			Shutdown:  t.Shutdown,
		},
		Readiness: ReadinessConfig{
			Interval:      100 * time.Millisecond,
			DebugPortFlag: app.DefaultDebugPortFlag,
		},
		Logging: LoggingConfig{
			Level: string(logging.LevelInfo),
		},
	}
}

// Load loads configuration from default locations with proper precedence:
// defaults, ~/.spectron/config.yaml, ./.spectron/config.yaml, environment.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	if home != "" {
		userConfigPath := filepath.Join(home, ".spectron", "config.yaml")
		if err := loadAndMerge(cfg, userConfigPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading user config: %w", err)
		}
	}

	projectConfigPath := filepath.Join(".", ".spectron", "config.yaml")
	if err := loadAndMerge(cfg, projectConfigPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()

	if err := loadAndMerge(cfg, expandHomeDir(path)); err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", path, err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies SPECTRON_<SECTION>_<FIELD> variables, e.g.
// SPECTRON_TIMEOUTS_QUIT_GRACE=2s. Unset variables leave the loaded values alone.
func applyEnvOverrides(cfg *Config) error {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}
	return nil
}

// Validate checks the configuration for values no component could use.
// The app path is not required here; the CLI may supply it.
func (c *Config) Validate() error {
	if _, err := process.ParseEnvMode(c.App.EnvMode); err != nil {
		return err
	}
	timeouts := map[string]time.Duration{
		"timeouts.start":      c.Timeouts.Start,
		"timeouts.quit_grace": c.Timeouts.QuitGrace,
		"timeouts.terminate":  c.Timeouts.Terminate,
		"timeouts.shutdown":   c.Timeouts.Shutdown,
	}
	for name, d := range timeouts {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.Readiness.Interval < 0 {
		return fmt.Errorf("readiness.interval must not be negative")
	}
	if c.Readiness.DebugPort < 0 || c.Readiness.DebugPort > 65535 {
		return fmt.Errorf("readiness.debug_port %d out of range", c.Readiness.DebugPort)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	if _, err := logging.ParseFormat(c.Logging.Format); err != nil {
		return err
	}
	return nil
}

// LaunchSpec converts the app section into a validated launch description.
func (c *Config) LaunchSpec() (process.LaunchSpec, error) {
	mode, err := process.ParseEnvMode(c.App.EnvMode)
	if err != nil {
		return process.LaunchSpec{}, err
	}
	return process.NewLaunchSpec(expandHomeDir(c.App.Path),
		process.WithArgs(c.App.Args...),
		process.WithEnv(c.App.Env),
		process.WithEnvMode(mode),
		process.WithDir(expandHomeDir(c.App.Dir)),
		process.WithTempDir(expandHomeDir(c.App.TempDir)),
	)
}

// AppOptions converts the timeouts and readiness sections into app options.
func (c *Config) AppOptions(logger *slog.Logger) []app.Option {
	if logger == nil {
		logger = slog.Default()
	}
	return []app.Option{
		app.WithLogger(logger),
		app.WithTimeouts(app.Timeouts{
			Start:     c.Timeouts.Start,
			QuitGrace: c.Timeouts.QuitGrace,
			Terminate: c.Timeouts.Terminate,
			Shutdown:  c.Timeouts.Shutdown,
		}),
		app.WithProbe(readiness.NewProbe(readiness.Config{
			Interval: c.Readiness.Interval,
			Logger:   logger,
		})),
		app.WithDebugPort(c.Readiness.DebugPort),
		app.WithDebugPortFlag(c.Readiness.DebugPortFlag),
	}
}

// LoggerConfig converts the logging section. fallback is used when no
// format is configured.
func (c *Config) LoggerConfig(fallback logging.Format) logging.Config {
	level, _ := logging.ParseLevel(c.Logging.Level)
	format, _ := logging.ParseFormat(c.Logging.Format)
	if c.Logging.Format == "" && fallback != "" {
		format = fallback
	}
	return logging.Config{
		Level:  level,
		Format: format,
		File:   expandHomeDir(c.Logging.File),
	}
}
