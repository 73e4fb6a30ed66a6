package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/Kryndex/spectron/pkg/errors"
)

const (
	defaultReapTimeout = 5 * time.Second
	defaultWaitDelay   = 2 * time.Second
	maxLogLine         = 64 * 1024
)

// Config controls how the Launcher starts and reaps processes.
type Config struct {
	Logger *slog.Logger
	// ReapTimeout bounds the wait after SIGKILL.
	ReapTimeout time.Duration
	// WaitDelay bounds how long stdout/stderr may stay open after the
	// process exits (forked helpers can hold the pipes).
	WaitDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.ReapTimeout <= 0 {
		c.ReapTimeout = defaultReapTimeout
	}
	if c.WaitDelay <= 0 {
		c.WaitDelay = defaultWaitDelay
	}
	return c
}

// Launcher creates and supervises OS processes.
type Launcher struct {
	cfg    Config
	logger *slog.Logger
}

// NewLauncher creates a Launcher.
func NewLauncher(cfg Config) *Launcher {
	cfg = cfg.withDefaults()
	return &Launcher{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "launcher"),
	}
}

// Handle represents one spawned OS process. It is not reusable after exit.
type Handle struct {
	cmd     *exec.Cmd
	path    string
	pid     int
	started time.Time
	done    chan struct{}

	mu       sync.Mutex
	exitCode int
	exitErr  error
	exited   bool
}

// PID returns the process id.
func (h *Handle) PID() int {
	if h == nil {
		return 0
	}
	return h.pid
}

// Path returns the resolved executable path.
func (h *Handle) Path() string {
	if h == nil {
		return ""
	}
	return h.path
}

// StartedAt returns when the process was started.
func (h *Handle) StartedAt() time.Time {
	if h == nil {
		return time.Time{}
	}
	return h.started
}

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Exited reports whether the process has been reaped.
func (h *Handle) Exited() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exited
}

// ExitCode returns the exit status once the process has exited.
// A process killed by a signal reports -1.
func (h *Handle) ExitCode() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, h.exited
}

// Err returns the error from waiting on the process, if any.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

func (h *Handle) reap(logger *slog.Logger, flush func()) {
	err := h.cmd.Wait()
	flush()

	code := -1
	if h.cmd.ProcessState != nil {
		code = h.cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// a non-zero status is not a wait failure
		err = nil
	}

	h.mu.Lock()
	h.exitCode = code
	h.exitErr = err
	h.exited = true
	h.mu.Unlock()
	close(h.done)

	logger.Info("process exited", "exit_code", code, "uptime", time.Since(h.started).Round(time.Millisecond))
}

// Spawn starts the process described by spec.
func (l *Launcher) Spawn(ctx context.Context, spec LaunchSpec) (*Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeLaunch, "launch cancelled")
	}

	path, err := resolveExecutable(spec.Path)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeLaunch, "executable not found").
			WithContext("path", spec.Path)
	}

	// exec.Command rather than CommandContext: the process must outlive ctx.
	cmd := exec.Command(path, spec.Args...)
	cmd.Env = spec.Environ(os.Environ())
	cmd.Dir = spec.Dir
	cmd.WaitDelay = l.cfg.WaitDelay
	setSysProcAttr(cmd)

	var pid atomic.Int64
	stdout := newLineLogger(l.logger, "stdout", &pid)
	stderr := newLineLogger(l.logger, "stderr", &pid)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeLaunch, "start process").
			WithContext("path", path)
	}
	pid.Store(int64(cmd.Process.Pid))

	h := &Handle{
		cmd:     cmd,
		path:    path,
		pid:     cmd.Process.Pid,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	logger := l.logger.With("pid", h.pid, "path", path)
	logger.Info("process started", "args", spec.Args)

	go h.reap(logger, func() {
		stdout.flush()
		stderr.flush()
	})
	return h, nil
}

// Terminate asks the process to exit and escalates to a kill when it is
// still alive after timeout. It returns once the process has been reaped,
// or a shutdown-timeout error when the kill was not reaped within the reap
// period or before ctx ended.
func (l *Launcher) Terminate(ctx context.Context, h *Handle, timeout time.Duration) error {
	if h == nil || h.Exited() {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	logger := l.logger.With("pid", h.pid)

	if err := terminateProcess(h.cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		logger.Warn("failed to signal process", "error", err)
	}

	if timeout > 0 {
		graceTimer := time.NewTimer(timeout)
		select {
		case <-h.Done():
			graceTimer.Stop()
			logger.Debug("process exited after terminate signal")
			return nil
		case <-graceTimer.C:
			logger.Warn("process did not exit gracefully, killing", "grace", timeout)
		case <-ctx.Done():
			graceTimer.Stop()
			logger.Warn("terminate cancelled, killing", "error", ctx.Err())
		}
	}

	if err := killProcess(h.cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		logger.Error("failed to kill process", "error", err)
	}

	reapTimer := time.NewTimer(l.cfg.ReapTimeout)
	defer reapTimer.Stop()
	select {
	case <-h.Done():
		return nil
	case <-reapTimer.C:
		return apperrors.New(apperrors.ErrCodeShutdownTimeout, "process not reaped after kill").
			WithContext("pid", h.pid).
			WithRetryable(true)
	case <-ctx.Done():
		return apperrors.Wrap(ctx.Err(), apperrors.ErrCodeShutdownTimeout, "process not reaped after kill").
			WithContext("pid", h.pid).
			WithRetryable(true)
	}
}

// AwaitExit blocks until the process exits on its own and returns its exit code.
func (l *Launcher) AwaitExit(ctx context.Context, h *Handle) (int, error) {
	if h == nil {
		return -1, apperrors.New(apperrors.ErrCodeInvalidState, "no process")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-h.Done():
		code, _ := h.ExitCode()
		return code, nil
	case <-ctx.Done():
		return -1, apperrors.Wrap(ctx.Err(), apperrors.ErrCodeTimeout, "waiting for process exit").
			WithContext("pid", h.pid)
	}
}

func resolveExecutable(path string) (string, error) {
	if !strings.ContainsAny(path, `/\`) {
		return exec.LookPath(path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", path)
	}
	if !isExecutable(info) {
		return "", fmt.Errorf("%s is not executable", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return abs, nil
}

// lineLogger forwards child output to the structured logger one line at a time.
type lineLogger struct {
	logger *slog.Logger
	stream string
	pid    *atomic.Int64

	mu  sync.Mutex
	buf []byte
}

func newLineLogger(logger *slog.Logger, stream string, pid *atomic.Int64) *lineLogger {
	return &lineLogger{logger: logger, stream: stream, pid: pid}
}

func (w *lineLogger) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		w.emit(w.buf[:idx])
		w.buf = w.buf[idx+1:]
	}
	if len(w.buf) > maxLogLine {
		w.emit(w.buf)
		w.buf = nil
	}
	return len(p), nil
}

func (w *lineLogger) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *lineLogger) emit(line []byte) {
	text := strings.TrimRight(string(line), "\r")
	if text == "" {
		return
	}
	w.logger.Debug("process output", "stream", w.stream, "pid", w.pid.Load(), "line", text)
}
