package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// ErrorCode represents a structured error code
type ErrorCode string

const (
	// ErrCodeConfiguration marks an invalid launch description or config file.
	ErrCodeConfiguration ErrorCode = "CONFIGURATION"
	// ErrCodeInvalidState marks an operation that is not valid for the
	// current lifecycle state (stop when idle, start when running).
	ErrCodeInvalidState ErrorCode = "INVALID_STATE"
	// ErrCodeLaunch marks a process that could not be spawned or never
	// became controllable.
	ErrCodeLaunch ErrorCode = "LAUNCH"
	// ErrCodeTimeout marks a bounded wait that expired.
	ErrCodeTimeout ErrorCode = "TIMEOUT"
	// ErrCodeShutdownTimeout marks a process that did not exit in time.
	ErrCodeShutdownTimeout ErrorCode = "SHUTDOWN_TIMEOUT"
	// ErrCodeProcessExited marks a process that died before an expected milestone.
	ErrCodeProcessExited ErrorCode = "PROCESS_EXITED"
	// ErrCodeSession marks a remote automation session failure.
	ErrCodeSession ErrorCode = "SESSION"

	ErrCodeInternal ErrorCode = "INTERNAL"
)

// Sentinels for errors.Is. Any *Error matches the sentinel carrying its code.
var (
	ErrConfiguration   = &Error{Code: ErrCodeConfiguration, Message: "invalid configuration", sentinel: true}
	ErrInvalidState    = &Error{Code: ErrCodeInvalidState, Message: "invalid state", sentinel: true}
	ErrLaunch          = &Error{Code: ErrCodeLaunch, Message: "launch failed", sentinel: true}
	ErrTimeout         = &Error{Code: ErrCodeTimeout, Message: "timed out", sentinel: true}
	ErrShutdownTimeout = &Error{Code: ErrCodeShutdownTimeout, Message: "shutdown timed out", sentinel: true}
	ErrProcessExited   = &Error{Code: ErrCodeProcessExited, Message: "process exited", sentinel: true}
	ErrSession         = &Error{Code: ErrCodeSession, Message: "session failed", sentinel: true}
)

// Error represents a structured harness error
type Error struct {
	Code       ErrorCode
	Message    string
	Underlying error
	Context    map[string]any
	Stack      []Frame
	Retryable  bool

	sentinel bool
}

// Frame represents a stack frame
type Frame struct {
	Function string
	File     string
	Line     int
}

// New creates a new structured error
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
		Stack:   captureStack(2), // Skip New and caller
	}
}

// Newf creates a new structured error with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Context: make(map[string]any),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with harness error context
func Wrap(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}

	return &Error{
		Code:       code,
		Message:    message,
		Underlying: err,
		Context:    make(map[string]any),
		Stack:      captureStack(2),
	}
}

// WithContext adds context key-value pairs to the error
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithRetryable marks the error as retryable
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// Error implements the error interface
func (e *Error) Error() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString(" {")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s: %v", k, e.Context[k]))
		}
		sb.WriteString("}")
	}

	if e.Underlying != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Underlying))
	}

	return sb.String()
}

// Unwrap returns the underlying error for errors.Is/As
func (e *Error) Unwrap() error {
	return e.Underlying
}

// Is reports whether target is the sentinel for this error's code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || !t.sentinel {
		return false
	}
	return e.Code == t.Code
}

// IsRetryable returns whether this error is retryable
func (e *Error) IsRetryable() bool {
	return e.Retryable
}

// StackTrace returns a formatted stack trace
func (e *Error) StackTrace() string {
	var sb strings.Builder

	sb.WriteString("Stack trace:\n")
	for i, frame := range e.Stack {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, frame.String()))
		sb.WriteString(fmt.Sprintf("     %s:%d\n", frame.File, frame.Line))
	}

	return sb.String()
}

// String formats a stack frame
func (f Frame) String() string {
	return f.Function
}

func captureStack(skip int) []Frame {
	const maxDepth = 32
	var pcs [maxDepth]uintptr

	n := runtime.Callers(skip+1, pcs[:])
	frames := make([]Frame, 0, n)

	for i := 0; i < n; i++ {
		pc := pcs[i]
		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		file, line := fn.FileLine(pc)

		frames = append(frames, Frame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}

// IsCode checks if an error (or anything it wraps) has a specific error code.
// Only the outermost structured error in the chain is consulted.
func IsCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}

	var structured *Error
	if !stderrors.As(err, &structured) {
		return false
	}

	return structured.Code == code
}

// GetCode extracts the error code from the outermost structured error in
// the chain. Plain errors report ErrCodeInternal.
func GetCode(err error) ErrorCode {
	if err == nil {
		return ""
	}

	var structured *Error
	if !stderrors.As(err, &structured) {
		return ErrCodeInternal
	}

	return structured.Code
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var structured *Error
	if !stderrors.As(err, &structured) {
		return false
	}

	return structured.Retryable
}
