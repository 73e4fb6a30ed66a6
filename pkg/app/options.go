package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/Kryndex/spectron/pkg/browser"
	apperrors "github.com/Kryndex/spectron/pkg/errors"
	"github.com/Kryndex/spectron/pkg/process"
	"github.com/Kryndex/spectron/pkg/readiness"
	"github.com/Kryndex/spectron/pkg/telemetry"
)

// DefaultDebugPortFlag is appended to the app's arguments as <flag>=<port>.
const DefaultDebugPortFlag = "--remote-debugging-port"

// Launcher spawns and terminates the application process.
// *process.Launcher implements it.
type Launcher interface {
	Spawn(ctx context.Context, spec process.LaunchSpec) (*process.Handle, error)
	Terminate(ctx context.Context, h *process.Handle, timeout time.Duration) error
}

// Probe waits for the application to accept sessions.
// *readiness.Probe implements it.
type Probe interface {
	WaitUntilReady(ctx context.Context, proc readiness.Process, check readiness.Check, timeout time.Duration) error
}

// Timeouts bounds each lifecycle phase.
type Timeouts struct {
	// Start bounds spawn, readiness and session attach together.
	Start time.Duration
	// QuitGrace is how long Stop waits for the app to exit after asking it
	// to quit through the session.
	QuitGrace time.Duration
	// Terminate is the SIGTERM to SIGKILL escalation delay.
	Terminate time.Duration
	// Shutdown bounds a whole Stop call.
	Shutdown time.Duration
}

// DefaultTimeouts returns the default phase bounds.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Start:     10 * time.Second,
		QuitGrace: 5 * time.Second,
		Terminate: 5 * time.Second,
		Shutdown:  15 * time.Second,
	}
}

func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	if t.Start > 0 {
		d.Start = t.Start
	}
	if t.QuitGrace > 0 {
		d.QuitGrace = t.QuitGrace
	}
	if t.Terminate > 0 {
		d.Terminate = t.Terminate
	}
	if t.Shutdown > 0 {
		d.Shutdown = t.Shutdown
	}
	return d
}

// Validate rejects negative bounds.
func (t Timeouts) Validate() error {
	for name, d := range map[string]time.Duration{
		"start": t.Start, "quit_grace": t.QuitGrace, "terminate": t.Terminate, "shutdown": t.Shutdown,
	} {
		if d < 0 {
			return apperrors.Newf(apperrors.ErrCodeConfiguration, "%s timeout must be zero or positive", name)
		}
	}
	return nil
}

type options struct {
	launcher   Launcher
	probe      Probe
	client     browser.Client
	readyCheck func(port int) readiness.Check
	timeouts   Timeouts
	logger     *slog.Logger
	metrics    *telemetry.Metrics
	events     *telemetry.Hub
	debugPort  int
	debugFlag  string
}

// Option customises an Application.
type Option func(*options)

// WithLauncher replaces the process launcher.
func WithLauncher(l Launcher) Option {
	return func(o *options) { o.launcher = l }
}

// WithProbe replaces the readiness probe.
func WithProbe(p Probe) Option {
	return func(o *options) { o.probe = p }
}

// WithClient replaces the session client (the CDP adapter by default).
func WithClient(c browser.Client) Option {
	return func(o *options) { o.client = c }
}

// WithReadyCheck replaces the readiness check built for the debugging port.
func WithReadyCheck(fn func(port int) readiness.Check) Option {
	return func(o *options) { o.readyCheck = fn }
}

// WithTimeouts sets phase bounds; zero fields keep their defaults.
func WithTimeouts(t Timeouts) Option {
	return func(o *options) { o.timeouts = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records lifecycle and session metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithEvents publishes lifecycle events to hub.
func WithEvents(hub *telemetry.Hub) Option {
	return func(o *options) { o.events = hub }
}

// WithDebugPort pins the debugging port instead of picking a free one.
func WithDebugPort(port int) Option {
	return func(o *options) { o.debugPort = port }
}

// WithDebugPortFlag changes the flag carrying the debugging port.
func WithDebugPortFlag(flag string) Option {
	return func(o *options) { o.debugFlag = flag }
}
