// Package app manages the lifecycle of one application under test: it
// launches the process, waits until the app accepts automation sessions,
// attaches a session and tears everything down again on Stop.
//
// An Application is single-use. Once it has been stopped, or its process
// has exited on its own, a new Application must be created.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"github.com/Kryndex/spectron/pkg/browser"
	"github.com/Kryndex/spectron/pkg/browser/adapters/cdp"
	apperrors "github.com/Kryndex/spectron/pkg/errors"
	"github.com/Kryndex/spectron/pkg/process"
	"github.com/Kryndex/spectron/pkg/readiness"
	"github.com/Kryndex/spectron/pkg/telemetry"
)

// sessionLossGrace is how long a dropped session waits for the process to
// exit on its own before the process is terminated.
const sessionLossGrace = time.Second

// Application drives one application process and its automation session.
type Application struct {
	id         string
	spec       process.LaunchSpec
	launcher   Launcher
	probe      Probe
	client     browser.Client
	readyCheck func(port int) readiness.Check
	timeouts   Timeouts
	debugPort  int
	debugFlag  string
	logger     *slog.Logger
	metrics    *telemetry.Metrics
	events     *telemetry.Hub

	mu       sync.Mutex
	state    State
	consumed bool
	started  bool
	stopping bool

	// in-flight start
	startCancel   context.CancelFunc
	startDone     chan struct{}
	stopRequested bool
	// a Stop is blocked on startDone
	stopWaiting bool
	// a Stop gave up waiting for a cancelled start
	stopPending bool

	handle   *process.Handle
	session  browser.Session
	sessDone <-chan struct{}
	endpoint string

	exitCode   int
	exitCodeOK bool
}

// New validates spec and builds an idle Application.
func New(spec process.LaunchSpec, opts ...Option) (*Application, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	o := options{debugFlag: DefaultDebugPortFlag}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if err := o.timeouts.Validate(); err != nil {
		return nil, err
	}
	if o.debugPort < 0 || o.debugPort > 65535 {
		return nil, apperrors.Newf(apperrors.ErrCodeConfiguration, "debug port %d out of range", o.debugPort)
	}
	if o.debugFlag == "" {
		o.debugFlag = DefaultDebugPortFlag
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.launcher == nil {
		o.launcher = process.NewLauncher(process.Config{Logger: o.logger})
	}
	if o.probe == nil {
		o.probe = readiness.NewProbe(readiness.Config{Logger: o.logger})
	}
	if o.client == nil {
		client, err := cdp.NewClient(cdp.Config{Logger: o.logger})
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeConfiguration, "session client")
		}
		o.client = client
	}
	if o.metrics != nil {
		o.client = browser.Instrument(o.client, o.metrics)
	}
	if o.readyCheck == nil {
		o.readyCheck = func(port int) readiness.Check {
			return readiness.NewHTTPCheck(readiness.DevToolsURL(port))
		}
	}

	id := ulid.Make().String()
	return &Application{
		id:         id,
		spec:       spec.Clone(),
		launcher:   o.launcher,
		probe:      o.probe,
		client:     o.client,
		readyCheck: o.readyCheck,
		timeouts:   o.timeouts.withDefaults(),
		debugPort:  o.debugPort,
		debugFlag:  o.debugFlag,
		logger:     o.logger.With("component", "app", "app_id", id),
		metrics:    o.metrics,
		events:     o.events,
	}, nil
}

// ID returns the instance id.
func (a *Application) ID() string { return a.id }

// Spec returns a copy of the launch description.
func (a *Application) Spec() process.LaunchSpec { return a.spec.Clone() }

// Timeouts returns the effective phase bounds.
func (a *Application) Timeouts() Timeouts { return a.timeouts }

// State returns the current lifecycle state.
func (a *Application) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// IsRunning reports whether the process is alive and its session open.
func (a *Application) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.liveLocked()
}

// Session returns the automation session while running, nil otherwise.
func (a *Application) Session() browser.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.liveLocked() {
		return nil
	}
	return a.session
}

// liveLocked covers the gap before monitor has noticed a dead process or
// a dropped session.
func (a *Application) liveLocked() bool {
	if a.state != StateRunning || a.handle.Exited() {
		return false
	}
	select {
	case <-a.sessDone:
		return false
	default:
		return true
	}
}

// PID returns the process id of the current process, or 0.
func (a *Application) PID() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.handle.PID()
}

// Endpoint returns the host:port of the debugging endpoint while running.
func (a *Application) Endpoint() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.endpoint
}

// ExitCode returns the exit status of the last process, once it has exited.
func (a *Application) ExitCode() (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.exitCode, a.exitCodeOK
}

// Start launches the app and attaches a session. On failure the process is
// killed and reaped before Start returns, and the instance is back to idle.
func (a *Application) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	a.mu.Lock()
	switch {
	case a.consumed:
		a.mu.Unlock()
		return apperrors.New(apperrors.ErrCodeInvalidState, "application already stopped; create a new instance").
			WithContext("app_id", a.id)
	case a.state != StateIdle:
		state := a.state
		a.mu.Unlock()
		return apperrors.Newf(apperrors.ErrCodeInvalidState, "cannot start while %s", state).
			WithContext("app_id", a.id)
	}
	startCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	a.state = StateStarting
	a.startCancel = cancel
	a.startDone = done
	a.mu.Unlock()
	defer cancel()

	began := time.Now()
	spanCtx, span := telemetry.StartSpan(startCtx, "app.start",
		trace.WithAttributes(telemetry.AttrAppID.String(a.id), telemetry.AttrAppPath.String(a.spec.Path)))
	a.publish(telemetry.EventAppStarting, 0, nil)
	a.logger.Info("starting application", "path", a.spec.Path)

	h, sess, endpoint, err := a.launch(spanCtx, span)

	a.mu.Lock()
	stopped := a.stopRequested
	if err == nil && !stopped {
		sessDone := sess.Done()
		a.state = StateRunning
		a.started = true
		a.handle = h
		a.session = sess
		a.sessDone = sessDone
		a.endpoint = endpoint
		a.startCancel = nil
		a.startDone = nil
		close(done)
		a.mu.Unlock()

		go a.monitor(h, sessDone)

		telemetry.EndSpan(span, nil)
		a.metrics.ObserveStart(nil, time.Since(began))
		a.publish(telemetry.EventAppRunning, h.PID(), map[string]any{"endpoint": endpoint})
		a.logger.Info("application running", "pid", h.PID(), "endpoint", endpoint,
			"elapsed", time.Since(began).Round(time.Millisecond))
		return nil
	}
	a.mu.Unlock()

	if err == nil {
		// Stop arrived after the session was attached.
		err = withCleanup(apperrors.Wrap(context.Canceled, apperrors.ErrCodeLaunch, "start cancelled by stop").
			WithContext("app_id", a.id), a.discard(h, sess))
	}
	// A process the kill could not reap stays owned so Stop can retry it.
	leaked := h != nil && !h.Exited()

	a.mu.Lock()
	if leaked {
		a.state = StateStopping
		a.handle = h
	} else {
		a.state = StateIdle
	}
	if stopped {
		a.consumed = true
		a.stopRequested = false
	}
	if h != nil {
		a.exitCode, a.exitCodeOK = h.ExitCode()
	}
	a.startCancel = nil
	a.startDone = nil
	close(done)
	a.mu.Unlock()

	telemetry.EndSpan(span, err)
	a.metrics.ObserveStart(err, time.Since(began))
	a.publish(telemetry.EventAppStartFailed, h.PID(), map[string]any{"error": err.Error()})
	a.logger.Error("application failed to start", "error", err, "cancelled_by_stop", stopped, "process_leaked", leaked)
	return err
}

// launch spawns the process, waits for readiness and opens the session.
// Every failure path leaves no process behind.
func (a *Application) launch(ctx context.Context, span trace.Span) (*process.Handle, browser.Session, string, error) {
	launchCtx, cancel := context.WithTimeout(ctx, a.timeouts.Start)
	defer cancel()

	port := a.debugPort
	if port == 0 {
		free, err := freePort()
		if err != nil {
			return nil, nil, "", apperrors.Wrap(err, apperrors.ErrCodeLaunch, "allocate debugging port")
		}
		port = free
	}
	endpoint := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))

	spec := a.spec.Clone()
	spec.Args = append(spec.Args, fmt.Sprintf("%s=%d", a.debugFlag, port))

	h, err := a.launcher.Spawn(launchCtx, spec)
	if err != nil {
		return nil, nil, "", launchError(err, "spawn application", a.spec.Path)
	}
	span.SetAttributes(telemetry.AttrPID.Int(h.PID()), telemetry.AttrEndpoint.String(endpoint))
	telemetry.AddEvent(ctx, "process.spawned", telemetry.AttrPID.Int(h.PID()))

	if err := a.probe.WaitUntilReady(launchCtx, h, a.readyCheck(port), a.timeouts.Start); err != nil {
		return h, nil, "", launchError(withCleanup(err, a.kill(h)), "application not ready", a.spec.Path)
	}
	telemetry.AddEvent(ctx, "process.ready")

	sess, err := a.client.Open(launchCtx, endpoint)
	if err != nil {
		openErr := apperrors.Wrap(err, apperrors.ErrCodeSession, "open session")
		return h, nil, "", launchError(withCleanup(openErr, a.kill(h)), "attach session", a.spec.Path)
	}

	// The session may have been opened just as ctx expired.
	if err := launchCtx.Err(); err != nil {
		return h, nil, "", launchError(withCleanup(err, a.discard(h, sess)), "start interrupted", a.spec.Path)
	}
	return h, sess, endpoint, nil
}

func launchError(err error, msg, path string) error {
	return apperrors.Wrap(err, apperrors.ErrCodeLaunch, msg).WithContext("path", path)
}

// withCleanup attaches a failed cleanup to the error that triggered it.
func withCleanup(err, cleanupErr error) error {
	if cleanupErr == nil {
		return err
	}
	return errors.Join(err, cleanupErr)
}

// discard tears down a process and session that will never be handed out.
func (a *Application) discard(h *process.Handle, sess browser.Session) error {
	if sess != nil {
		if err := sess.Close(); err != nil {
			a.logger.Debug("closing discarded session", "error", err)
		}
	}
	return a.kill(h)
}

// kill forcibly terminates h and waits for it to be reaped.
func (a *Application) kill(h *process.Handle) error {
	if h == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.timeouts.Shutdown)
	defer cancel()
	if err := a.launcher.Terminate(ctx, h, 0); err != nil {
		a.logger.Error("failed to kill process after failed start", "pid", h.PID(), "error", err)
		return err
	}
	return nil
}

// Stop shuts the app down: quit through the session first, then signals.
// A Stop during Starting cancels the start and waits for its cleanup.
// After a shutdown timeout the instance stays Stopping and Stop may be
// called again.
func (a *Application) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	began := time.Now()

	a.mu.Lock()
	switch a.state {
	case StateIdle:
		if a.stopPending {
			// the cancelled start this stop was waiting for has unwound
			a.stopPending = false
			a.mu.Unlock()
			return nil
		}
		a.mu.Unlock()
		return apperrors.New(apperrors.ErrCodeInvalidState, "not running").WithContext("app_id", a.id)
	case StateStarting:
		if a.stopWaiting {
			a.mu.Unlock()
			return apperrors.New(apperrors.ErrCodeInvalidState, "stop already in progress").WithContext("app_id", a.id)
		}
		a.stopRequested = true
		a.stopWaiting = true
		cancel, done := a.startCancel, a.startDone
		a.mu.Unlock()
		return a.cancelStart(ctx, cancel, done, began)
	case StateStopping:
		if a.stopping {
			a.mu.Unlock()
			return apperrors.New(apperrors.ErrCodeInvalidState, "stop already in progress").WithContext("app_id", a.id)
		}
	case StateRunning:
		a.state = StateStopping
	}
	a.stopping = true
	h, sess, wasRunning := a.handle, a.session, a.started
	a.mu.Unlock()

	ctx, span := telemetry.StartSpan(ctx, "app.stop",
		trace.WithAttributes(telemetry.AttrAppID.String(a.id), telemetry.AttrPID.Int(h.PID())))
	a.publish(telemetry.EventAppStopping, h.PID(), nil)
	a.logger.Info("stopping application", "pid", h.PID())

	err := a.shutdown(ctx, h, sess)

	a.mu.Lock()
	a.stopping = false
	a.session = nil
	if err != nil {
		a.mu.Unlock()
		telemetry.EndSpan(span, err)
		a.metrics.ObserveStop(err, time.Since(began), wasRunning)
		a.publish(telemetry.EventAppStopFailed, h.PID(), map[string]any{"error": err.Error()})
		a.logger.Error("application did not stop", "pid", h.PID(), "error", err)
		return err
	}
	a.state = StateIdle
	a.consumed = true
	a.stopPending = false
	a.handle = nil
	a.endpoint = ""
	a.exitCode, a.exitCodeOK = h.ExitCode()
	code := a.exitCode
	a.mu.Unlock()

	span.SetAttributes(telemetry.AttrExitCode.Int(code))
	telemetry.EndSpan(span, nil)
	a.metrics.ObserveStop(nil, time.Since(began), wasRunning)
	a.publish(telemetry.EventAppStopped, h.PID(), map[string]any{"exit_code": code})
	a.logger.Info("application stopped", "pid", h.PID(), "exit_code", code,
		"elapsed", time.Since(began).Round(time.Millisecond))
	return nil
}

// cancelStart cancels the in-flight start and waits for its cleanup. When
// ctx ends first the error is retryable: a later Stop waits again, or
// returns nil once the start has unwound.
func (a *Application) cancelStart(ctx context.Context, cancel context.CancelFunc, done <-chan struct{}, began time.Time) error {
	a.logger.Info("stop requested during start, cancelling")
	cancel()

	var err error
	select {
	case <-done:
		a.mu.Lock()
		a.stopWaiting = false
		a.stopPending = false
		leaked := a.state == StateStopping
		a.mu.Unlock()
		if leaked {
			err = apperrors.New(apperrors.ErrCodeShutdownTimeout, "cancelled start left its process running").
				WithContext("app_id", a.id).
				WithRetryable(true)
		}
	case <-ctx.Done():
		a.mu.Lock()
		a.stopWaiting = false
		a.stopPending = true
		a.mu.Unlock()
		err = apperrors.Wrap(ctx.Err(), apperrors.ErrCodeShutdownTimeout, "waiting for cancelled start").
			WithContext("app_id", a.id).
			WithRetryable(true)
	}
	a.metrics.ObserveStop(err, time.Since(began), false)
	return err
}

// shutdown runs the quit, terminate, kill escalation within the shutdown bound.
func (a *Application) shutdown(ctx context.Context, h *process.Handle, sess browser.Session) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeouts.Shutdown)
	defer cancel()

	if sess != nil {
		if !h.Exited() {
			a.requestQuit(ctx, h, sess)
		}
		if err := sess.Close(); err != nil && !errors.Is(err, browser.ErrSessionClosed) {
			a.logger.Debug("closing session", "error", err)
		}
	}

	if !h.Exited() {
		if err := a.launcher.Terminate(ctx, h, a.timeouts.Terminate); err != nil {
			return err
		}
	}
	if !h.Exited() {
		return apperrors.New(apperrors.ErrCodeShutdownTimeout, "process still running").
			WithContext("pid", h.PID()).
			WithRetryable(true)
	}
	return nil
}

// requestQuit asks the app to exit through the session and waits up to the
// quit grace period for the process to go away.
func (a *Application) requestQuit(ctx context.Context, h *process.Handle, sess browser.Session) {
	quitCtx, cancel := context.WithTimeout(ctx, a.timeouts.QuitGrace)
	defer cancel()

	if err := sess.Quit(quitCtx); err != nil {
		a.logger.Warn("graceful quit failed, terminating", "error", err)
		return
	}
	select {
	case <-h.Done():
		a.logger.Debug("application quit gracefully")
	case <-quitCtx.Done():
		a.logger.Warn("application did not quit within grace period", "grace", a.timeouts.QuitGrace)
	}
}

// monitor notices a process that exits, or a session that drops, while
// Running without a Stop.
func (a *Application) monitor(h *process.Handle, sessDone <-chan struct{}) {
	select {
	case <-h.Done():
		a.exited(h)
	case <-sessDone:
		// the connection usually drops because the process is going away
		grace := time.NewTimer(sessionLossGrace)
		defer grace.Stop()
		select {
		case <-h.Done():
			a.exited(h)
		case <-grace.C:
			a.sessionLost(h)
		}
	}
}

func (a *Application) exited(h *process.Handle) {
	a.mu.Lock()
	if a.handle != h || a.state != StateRunning {
		a.mu.Unlock()
		return
	}
	sess := a.session
	a.state = StateIdle
	a.consumed = true
	a.handle = nil
	a.session = nil
	a.endpoint = ""
	a.exitCode, a.exitCodeOK = h.ExitCode()
	code := a.exitCode
	a.mu.Unlock()

	if sess != nil {
		if err := sess.Close(); err != nil {
			a.logger.Debug("closing session after exit", "error", err)
		}
	}
	a.metrics.ObserveUnexpectedExit()
	a.publish(telemetry.EventAppExited, h.PID(), map[string]any{"exit_code": code})
	a.logger.Warn("application exited unexpectedly", "pid", h.PID(), "exit_code", code)
}

// sessionLost terminates a process whose session is gone. If the process
// survives, the instance stays Stopping and Stop can retry.
func (a *Application) sessionLost(h *process.Handle) {
	a.mu.Lock()
	if a.handle != h || a.state != StateRunning {
		a.mu.Unlock()
		return
	}
	sess := a.session
	a.state = StateStopping
	a.stopping = true
	a.session = nil
	a.mu.Unlock()

	a.logger.Warn("automation session lost, terminating application", "pid", h.PID())
	if sess != nil {
		if err := sess.Close(); err != nil && !errors.Is(err, browser.ErrSessionClosed) {
			a.logger.Debug("closing lost session", "error", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.timeouts.Shutdown)
	err := a.launcher.Terminate(ctx, h, a.timeouts.Terminate)
	cancel()

	a.mu.Lock()
	a.stopping = false
	if err != nil {
		a.mu.Unlock()
		a.publish(telemetry.EventAppStopFailed, h.PID(), map[string]any{"error": err.Error()})
		a.logger.Error("application did not stop after session loss", "pid", h.PID(), "error", err)
		return
	}
	a.state = StateIdle
	a.consumed = true
	a.handle = nil
	a.endpoint = ""
	a.exitCode, a.exitCodeOK = h.ExitCode()
	code := a.exitCode
	a.mu.Unlock()

	a.metrics.ObserveUnexpectedExit()
	a.publish(telemetry.EventAppSessionLost, h.PID(), map[string]any{"exit_code": code})
}

func (a *Application) publish(typ telemetry.EventType, pid int, data map[string]any) {
	a.events.Publish(telemetry.Event{Type: typ, AppID: a.id, PID: pid, Data: data})
}

// freePort asks the kernel for an unused loopback port.
func freePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}
