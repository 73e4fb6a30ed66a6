package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/Kryndex/spectron/pkg/app"
	"github.com/Kryndex/spectron/pkg/config"
	apperrors "github.com/Kryndex/spectron/pkg/errors"
	"github.com/Kryndex/spectron/pkg/filewatch"
	"github.com/Kryndex/spectron/pkg/logging"
	"github.com/Kryndex/spectron/pkg/process"
	"github.com/Kryndex/spectron/pkg/telemetry"
)

// stopSlack is added to the configured shutdown bound for the CLI's own
// stop deadline.
const stopSlack = 5 * time.Second

func run(ctx context.Context, raw []string, stdout, stderr io.Writer) error {
	opts, err := parseStartupOptions(raw, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	if opts.showVersion {
		fmt.Fprintf(stdout, "spectron %s (commit %s, built %s)\n", version, commit, buildDate)
		return nil
	}

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return usageError(err)
	}
	opts.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return usageError(fmt.Errorf("config validation: %w", err))
	}
	if cfg.App.Path == "" {
		return usageError(errors.New("no application given: pass <app> or set app.path"))
	}

	if opts.waitQuit > 0 && cfg.App.TempDir == "" {
		dir, err := os.MkdirTemp("", "spectron-")
		if err != nil {
			return fmt.Errorf("creating temp dir: %w", err)
		}
		defer os.RemoveAll(dir)
		cfg.App.TempDir = dir
	}

	logCfg := cfg.LoggerConfig(defaultLogFormat(stderr))
	logCfg.Output = stderr
	logger, closeLog, err := logging.New(logCfg)
	if err != nil {
		return usageError(err)
	}
	defer closeLog()

	spec, err := cfg.LaunchSpec()
	if err != nil {
		return usageError(err)
	}

	if cfg.Telemetry.Trace {
		tp, err := telemetry.NewTracerProvider("spectron", version, stderr)
		if err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logger.Warn("tracer shutdown failed", "error", err)
			}
		}()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	metrics := telemetry.NewMetrics(reg)
	hub := telemetry.NewHub()
	defer hub.Close()

	appOpts := append(cfg.AppOptions(logger), app.WithMetrics(metrics), app.WithEvents(hub))
	a, err := app.New(spec, appOpts...)
	if err != nil {
		return usageError(err)
	}
	logger = logger.With("app_id", a.ID())

	serveCtx, stopServing := context.WithCancel(context.Background())
	defer stopServing()
	g, gctx := errgroup.WithContext(serveCtx)
	var unsubscribers []func()

	if dir := cfg.Logging.EventLogDir; dir != "" {
		eventLog, err := logging.NewEventLog(dir, a.ID())
		if err != nil {
			return err
		}
		defer eventLog.Close()
		ch, unsubscribe := hub.Subscribe()
		unsubscribers = append(unsubscribers, unsubscribe)
		// drains until unsubscribe closes ch
		g.Go(func() error { return eventLog.Follow(context.Background(), ch) })
	}

	if addr := cfg.Telemetry.MetricsAddr; addr != "" {
		if err := serveMetrics(gctx, g, addr, reg, logger); err != nil {
			return err
		}
	}

	lifecycle, unsubscribe := hub.Subscribe()
	unsubscribers = append(unsubscribers, unsubscribe)

	runErr := drive(ctx, a, opts, cfg.App.TempDir, stdout, logger, lifecycle)

	for _, unsubscribe := range unsubscribers {
		unsubscribe()
	}
	stopServing()
	if err := g.Wait(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

// defaultLogFormat picks text for an interactive terminal, JSON otherwise.
func defaultLogFormat(w io.Writer) logging.Format {
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return logging.FormatText
	}
	return logging.FormatJSON
}

func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, reg *prometheus.Registry, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	logger.Info("serving metrics", "addr", ln.Addr().String())
	return nil
}

// drive runs one start, eval, wait, stop cycle.
func drive(ctx context.Context, a *app.Application, opts startupOptions, tempDir string, stdout io.Writer, logger *slog.Logger, lifecycle <-chan telemetry.Event) error {
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	var evalErr error
	if opts.eval != "" {
		evalErr = evaluate(ctx, a, opts.eval, stdout)
	}
	if opts.eval == "" || opts.keep {
		logger.Info("application running, interrupt to stop", "pid", a.PID(), "endpoint", a.Endpoint())
		waitForExit(ctx, lifecycle)
	}

	stopErr := stop(a, logger)

	var quitErr error
	if stopErr == nil && opts.waitQuit > 0 && tempDir != "" {
		quitErr = waitForQuitMarker(filepath.Join(tempDir, process.QuitMarker), opts.waitQuit)
		if quitErr == nil {
			logger.Info("quit marker written", "temp_dir", tempDir)
		}
	}
	return errors.Join(evalErr, stopErr, quitErr)
}

func evaluate(ctx context.Context, a *app.Application, script string, stdout io.Writer) error {
	sess := a.Session()
	if sess == nil {
		return apperrors.New(apperrors.ErrCodeInvalidState, "no session to evaluate in")
	}
	raw, err := sess.Execute(ctx, script)
	if err != nil {
		return fmt.Errorf("eval: %w", err)
	}
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		out.Reset()
		out.Write(raw)
	}
	out.WriteByte('\n')
	_, err = stdout.Write(out.Bytes())
	return err
}

// waitForExit blocks until ctx ends or the application exits on its own.
func waitForExit(ctx context.Context, lifecycle <-chan telemetry.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-lifecycle:
			if !ok || ev.Type == telemetry.EventAppExited || ev.Type == telemetry.EventAppSessionLost {
				return
			}
		}
	}
}

func stop(a *app.Application, logger *slog.Logger) error {
	if a.State() == app.StateIdle {
		code, _ := a.ExitCode()
		logger.Info("application already exited", "exit_code", code)
		return nil
	}
	// the signal context is usually done by now
	ctx, cancel := context.WithTimeout(context.Background(), a.Timeouts().Shutdown+stopSlack)
	defer cancel()

	err := a.Stop(ctx)
	if apperrors.IsRetryable(err) {
		logger.Warn("stop timed out, retrying", "error", err)
		err = a.Stop(ctx)
	}
	if err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	return nil
}

func waitForQuitMarker(path string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := filewatch.WaitForFile(ctx, path); err != nil {
		return fmt.Errorf("quit marker %s not written: %w", path, err)
	}
	return nil
}
