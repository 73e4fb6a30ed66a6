// Package readiness decides when a freshly spawned application can accept a
// remote session.
package readiness

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/Kryndex/spectron/pkg/errors"
)

const defaultInterval = 100 * time.Millisecond

// Process is the view of a running process the probe needs.
// *process.Handle satisfies it.
type Process interface {
	Done() <-chan struct{}
	ExitCode() (int, bool)
}

// Check reports readiness; a nil error means ready.
type Check interface {
	Check(ctx context.Context) error
}

// CheckFunc adapts a function to Check.
type CheckFunc func(ctx context.Context) error

// Check calls f.
func (f CheckFunc) Check(ctx context.Context) error {
	return f(ctx)
}

// Config configures a Probe.
type Config struct {
	// Interval is the minimum spacing between two check attempts.
	Interval time.Duration
	Logger   *slog.Logger
}

// Probe polls a Check until it passes, the process dies, or time runs out.
type Probe struct {
	interval time.Duration
	logger   *slog.Logger
}

// NewProbe creates a Probe.
func NewProbe(cfg Config) *Probe {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Probe{
		interval: cfg.Interval,
		logger:   cfg.Logger.With("component", "readiness"),
	}
}

// Interval returns the polling interval.
func (p *Probe) Interval() time.Duration {
	return p.interval
}

// WaitUntilReady blocks until check passes. It fails with a timeout error
// (carrying the last check error) when timeout elapses or ctx ends, and with
// a process-exited error when proc terminates first. proc may be nil.
func (p *Probe) WaitUntilReady(ctx context.Context, proc Process, check Check, timeout time.Duration) error {
	if check == nil {
		return apperrors.New(apperrors.ErrCodeConfiguration, "readiness check is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var done <-chan struct{}
	if proc != nil {
		done = proc.Done()
	}

	limiter := rate.NewLimiter(rate.Every(p.interval), 1)
	limiter.Allow() // the first attempt is not paced
	started := time.Now()
	attempts := 0
	var lastErr error

	for {
		select {
		case <-done:
			return exitedError(proc, attempts)
		default:
		}

		if err := ctx.Err(); err != nil {
			return timeoutError(err, lastErr, attempts, time.Since(started))
		}

		attempts++
		lastErr = check.Check(ctx)
		if lastErr == nil {
			p.logger.Debug("application ready", "attempts", attempts, "elapsed", time.Since(started).Round(time.Millisecond))
			return nil
		}

		r := limiter.Reserve()
		timer := time.NewTimer(r.Delay())
		select {
		case <-done:
			timer.Stop()
			return exitedError(proc, attempts)
		case <-ctx.Done():
			timer.Stop()
			r.Cancel()
			return timeoutError(ctx.Err(), lastErr, attempts, time.Since(started))
		case <-timer.C:
		}
	}
}

func exitedError(proc Process, attempts int) error {
	code, _ := proc.ExitCode()
	return apperrors.New(apperrors.ErrCodeProcessExited, "process exited before becoming ready").
		WithContext("exit_code", code).
		WithContext("attempts", attempts)
}

func timeoutError(ctxErr, lastErr error, attempts int, elapsed time.Duration) error {
	cause := ctxErr
	if lastErr != nil {
		cause = errors.Join(ctxErr, lastErr)
	}
	return apperrors.Wrap(cause, apperrors.ErrCodeTimeout, "application not ready").
		WithContext("attempts", attempts).
		WithContext("elapsed", elapsed.Round(time.Millisecond))
}
