package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/Kryndex/spectron/pkg/config"
)

type startupOptions struct {
	configPath  string
	eval        string
	metricsAddr string
	waitQuit    time.Duration
	keep        bool
	logLevel    string
	logFormat   string
	logFile     string
	eventLogDir string
	trace       bool
	tempDir     string
	envMode     string
	env         envFlag
	showVersion bool

	// app path and arguments after the flags
	args []string
}

// envFlag collects repeated -env KEY=VALUE flags.
type envFlag map[string]string

func (e envFlag) String() string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+e[k])
	}
	return strings.Join(parts, ",")
}

func (e envFlag) Set(raw string) error {
	key, val, ok := strings.Cut(raw, "=")
	if !ok || key == "" {
		return fmt.Errorf("expected KEY=VALUE, got %q", raw)
	}
	e[key] = val
	return nil
}

func parseStartupOptions(raw []string, stderr io.Writer) (startupOptions, error) {
	opts := startupOptions{env: envFlag{}}

	fs := flag.NewFlagSet("spectron", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: spectron [flags] [--] <app> [args...]")
		fs.PrintDefaults()
	}
	fs.StringVar(&opts.configPath, "config", "", "load configuration from this YAML file")
	fs.StringVar(&opts.eval, "eval", "", "evaluate a script in the app and print the JSON result")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	fs.DurationVar(&opts.waitQuit, "wait-quit", 0, "after stopping, wait this long for the quit marker")
	fs.BoolVar(&opts.keep, "keep", false, "keep the app running after -eval until interrupted")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	fs.StringVar(&opts.logFormat, "log-format", "", "log format (json, text); default depends on the terminal")
	fs.StringVar(&opts.logFile, "log-file", "", "also write debug-level JSON logs to this file")
	fs.StringVar(&opts.eventLogDir, "event-log-dir", "", "record lifecycle events as JSONL under this directory")
	fs.BoolVar(&opts.trace, "trace", false, "export lifecycle spans to stderr")
	fs.StringVar(&opts.tempDir, "temp-dir", "", "temp dir handed to the app")
	fs.StringVar(&opts.envMode, "env-mode", "", "merge or replace the inherited environment")
	fs.Var(opts.env, "env", "environment entry KEY=VALUE for the app (repeatable)")
	fs.BoolVar(&opts.showVersion, "version", false, "print version and exit")

	if err := fs.Parse(raw); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return opts, err
		}
		return opts, usageError(err)
	}
	opts.args = fs.Args()
	if opts.waitQuit < 0 {
		return opts, usageError(errors.New("-wait-quit must not be negative"))
	}
	return opts, nil
}

// apply layers the command line over the loaded configuration.
func (o startupOptions) apply(cfg *config.Config) {
	if len(o.args) > 0 {
		cfg.App.Path = o.args[0]
		cfg.App.Args = append([]string{}, o.args[1:]...)
	}
	if len(o.env) > 0 {
		if cfg.App.Env == nil {
			cfg.App.Env = make(map[string]string, len(o.env))
		}
		for k, v := range o.env {
			cfg.App.Env[k] = v
		}
	}
	if o.envMode != "" {
		cfg.App.EnvMode = o.envMode
	}
	if o.tempDir != "" {
		cfg.App.TempDir = o.tempDir
	}
	if o.metricsAddr != "" {
		cfg.Telemetry.MetricsAddr = o.metricsAddr
	}
	if o.trace {
		cfg.Telemetry.Trace = true
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Logging.Format = o.logFormat
	}
	if o.logFile != "" {
		cfg.Logging.File = o.logFile
	}
	if o.eventLogDir != "" {
		cfg.Logging.EventLogDir = o.eventLogDir
	}
}
