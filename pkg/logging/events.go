package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Kryndex/spectron/pkg/telemetry"
)

// EventLog appends lifecycle events as JSON lines: every event to
// sessions/<app id>.jsonl, failures also to errors.jsonl.
type EventLog struct {
	mu          sync.Mutex
	sessionFile *os.File
	errorFile   *os.File
}

// NewEventLog opens (creating as needed) the log files under baseDir.
func NewEventLog(baseDir, appID string) (*EventLog, error) {
	sessionsDir := filepath.Join(baseDir, "sessions")
	if err := os.MkdirAll(sessionsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	sessionFile, err := os.OpenFile(
		filepath.Join(sessionsDir, appID+".jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0o644,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open session log: %w", err)
	}

	errorFile, err := os.OpenFile(
		filepath.Join(baseDir, "errors.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0o644,
	)
	if err != nil {
		sessionFile.Close()
		return nil, fmt.Errorf("failed to open error log: %w", err)
	}

	return &EventLog{sessionFile: sessionFile, errorFile: errorFile}, nil
}

// Record writes one event.
func (l *EventLog) Record(event telemetry.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.sessionFile.Write(data); err != nil {
		return fmt.Errorf("failed to write to session log: %w", err)
	}
	if isFailure(event.Type) {
		if _, err := l.errorFile.Write(data); err != nil {
			return fmt.Errorf("failed to write to error log: %w", err)
		}
	}
	return nil
}

// Follow records events from ch until it closes or ctx ends.
func (l *EventLog) Follow(ctx context.Context, ch <-chan telemetry.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-ch:
			if !ok {
				return nil
			}
			if err := l.Record(event); err != nil {
				return err
			}
		}
	}
}

// Close closes both files.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for _, f := range []*os.File{l.sessionFile, l.errorFile} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.sessionFile, l.errorFile = nil, nil
	return firstErr
}

func isFailure(t telemetry.EventType) bool {
	switch t {
	case telemetry.EventAppStartFailed, telemetry.EventAppStopFailed, telemetry.EventAppExited,
		telemetry.EventAppSessionLost:
		return true
	default:
		return false
	}
}
