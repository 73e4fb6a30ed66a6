// Package browser defines the remote automation ports the harness drives an
// application through. Adapters live under adapters/.
package browser

import (
	"context"
	"encoding/json"
	"time"
)

//go:generate mockgen -package=mocks -destination=mocks/mock_browser.go github.com/Kryndex/spectron/pkg/browser Client,Session

// Client opens remote automation sessions against a running application.
type Client interface {
	// Open attaches to the application's debugging endpoint (host:port).
	Open(ctx context.Context, endpoint string) (Session, error)
}

// Session is one attached remote-control session.
type Session interface {
	ID() string
	// WindowHandles lists the application's top-level windows.
	WindowHandles(ctx context.Context) ([]string, error)
	// WindowBounds returns the on-screen geometry of a window.
	WindowBounds(ctx context.Context, handle string) (Bounds, error)
	// WaitUntilTextExists polls until the element matched by selector
	// contains text, or timeout elapses.
	WaitUntilTextExists(ctx context.Context, selector, text string, timeout time.Duration) error
	// Execute evaluates script in the first window and returns its JSON value.
	Execute(ctx context.Context, script string) (json.RawMessage, error)
	// Quit asks the application to exit gracefully.
	Quit(ctx context.Context) error
	// Done is closed once the session is gone, whether closed locally or
	// dropped by the remote end.
	Done() <-chan struct{}
	Close() error
}
