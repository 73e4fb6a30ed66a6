package browser

import (
	"errors"
	"fmt"
)

var (
	ErrUnavailable      = errors.New("automation endpoint unavailable")
	ErrSessionClosed    = errors.New("automation session closed")
	ErrConnectionLost   = errors.New("automation connection lost")
	ErrOperationTimeout = errors.New("operation timeout")
	ErrNoWindow         = errors.New("no application window")
)

// ProtocolError is an error reported by the remote end of a session.
type ProtocolError struct {
	Code    int
	Message string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error [%d]: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("protocol error [%d]: %s", e.Code, e.Message)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// NewProtocolError creates a ProtocolError.
func NewProtocolError(code int, message string) *ProtocolError {
	return &ProtocolError{Code: code, Message: message}
}

// IsConnectionError returns true if the error indicates a lost connection.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrSessionClosed) || errors.Is(err, ErrUnavailable)
}

// IsRetryableError returns true if the error might succeed on retry.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrOperationTimeout)
}
