// Package telemetry carries the harness's lifecycle events, Prometheus
// collectors and OpenTelemetry tracing.
package telemetry

import (
	"sync"
	"time"
)

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	EventAppStarting    EventType = "app.starting"
	EventAppRunning     EventType = "app.running"
	EventAppStartFailed EventType = "app.start_failed"
	EventAppStopping    EventType = "app.stopping"
	EventAppStopped     EventType = "app.stopped"
	EventAppStopFailed  EventType = "app.stop_failed"
	// EventAppExited reports a process that exited without being stopped.
	EventAppExited EventType = "app.exited"
	// EventAppSessionLost reports a session that dropped while running; the
	// process has been terminated.
	EventAppSessionLost EventType = "app.session_lost"
)

// Event describes one application lifecycle transition.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	AppID     string         `json:"appId,omitempty"`
	PID       int            `json:"pid,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Hub fan-outs lifecycle events to any number of subscribers.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	closed      bool
}

// NewHub constructs a hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[chan Event]struct{})}
}

// Publish notifies all subscribers of an event. Non-blocking; drops if buffer full.
func (h *Hub) Publish(event Event) {
	if h == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	for ch := range h.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe returns a channel that will receive future events and a cleanup func.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		empty := make(chan Event)
		close(empty)
		return empty, func() {}
	}
	ch := make(chan Event, 64)
	h.subscribers[ch] = struct{}{}
	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subscribers[ch]; ok {
			delete(h.subscribers, ch)
			close(ch)
		}
	}
	return ch, unsubscribe
}

// Close unsubscribes all listeners and prevents future publications.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, ch)
	}
}
