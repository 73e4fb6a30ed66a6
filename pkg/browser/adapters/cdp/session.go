package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/Kryndex/spectron/pkg/browser"
)

const closeTimeout = 2 * time.Second

// Session is one WebSocket connection to the browser target.
type Session struct {
	id     string
	conn   *websocket.Conn
	cfg    Config
	logger *slog.Logger

	nextID atomic.Int64

	mu       sync.Mutex
	pending  map[int64]chan message
	closed   bool
	readErr  error
	readDone chan struct{}

	attachMu    sync.Mutex
	pageSession string
}

var _ browser.Session = (*Session)(nil)

func newSession(id string, conn *websocket.Conn, cfg Config, logger *slog.Logger) *Session {
	s := &Session{
		id:       id,
		conn:     conn,
		cfg:      cfg,
		logger:   logger.With("session_id", id),
		pending:  make(map[int64]chan message),
		readDone: make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	if s == nil {
		return ""
	}
	return s.id
}

// WindowHandles returns the target ids of all page targets.
func (s *Session) WindowHandles(ctx context.Context) ([]string, error) {
	targets, err := s.pages(ctx)
	if err != nil {
		return nil, err
	}
	handles := make([]string, 0, len(targets))
	for _, t := range targets {
		handles = append(handles, t.TargetID)
	}
	return handles, nil
}

// WindowBounds returns the geometry of the window hosting handle.
func (s *Session) WindowBounds(ctx context.Context, handle string) (browser.Bounds, error) {
	if strings.TrimSpace(handle) == "" {
		return browser.Bounds{}, fmt.Errorf("window handle is required: %w", browser.ErrNoWindow)
	}
	var out windowForTargetResult
	if err := s.call(ctx, "Browser.getWindowForTarget", windowForTargetParams{TargetID: handle}, "", &out); err != nil {
		return browser.Bounds{}, err
	}
	return toBounds(out.Bounds), nil
}

// Execute evaluates script in the first page and returns its value as JSON.
func (s *Session) Execute(ctx context.Context, script string) (json.RawMessage, error) {
	pageSession, err := s.attachFirstPage(ctx)
	if err != nil {
		return nil, err
	}
	var out evaluateResult
	params := evaluateParams{Expression: script, ReturnByValue: true, AwaitPromise: true}
	if err := s.call(ctx, "Runtime.evaluate", params, pageSession, &out); err != nil {
		return nil, err
	}
	return out.value()
}

// WaitUntilTextExists polls until the element matched by selector contains text.
func (s *Session) WaitUntilTextExists(ctx context.Context, selector, text string, timeout time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	probe := textProbe(selector)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	var last string
	for {
		raw, err := s.Execute(ctx, probe)
		switch {
		case err == nil:
			var got *string
			if jsonErr := json.Unmarshal(raw, &got); jsonErr == nil && got != nil {
				last = *got
				if strings.Contains(last, text) {
					return nil
				}
			}
		case errors.Is(err, browser.ErrOperationTimeout) && ctx.Err() != nil:
		case browser.IsConnectionError(err):
			return err
		default:
			s.logger.Debug("text probe failed", "selector", selector, "error", err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: text %q not found in %q (last %q)", browser.ErrOperationTimeout, text, selector, last)
		case <-ticker.C:
		}
	}
}

// Quit asks the application to close. A connection dropped by the exiting
// application counts as success.
func (s *Session) Quit(ctx context.Context) error {
	err := s.call(ctx, "Browser.close", nil, "", nil)
	if err != nil && !errors.Is(err, browser.ErrConnectionLost) {
		return err
	}
	return nil
}

// Done is closed when the read loop ends: after Close or when the
// application drops the connection.
func (s *Session) Done() <-chan struct{} {
	return s.readDone
}

// Close closes the WebSocket. It is idempotent.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.conn.Close(websocket.StatusNormalClosure, "")
	select {
	case <-s.readDone:
	case <-time.After(closeTimeout):
		_ = s.conn.CloseNow()
	}
	if err != nil {
		// the peer is usually already gone when Close follows Quit
		s.logger.Debug("websocket close", "error", err)
	}
	return nil
}

func (s *Session) pages(ctx context.Context) ([]targetInfo, error) {
	var out getTargetsResult
	if err := s.call(ctx, "Target.getTargets", nil, "", &out); err != nil {
		return nil, err
	}
	pages := make([]targetInfo, 0, len(out.TargetInfos))
	for _, t := range out.TargetInfos {
		if t.Type == "page" {
			pages = append(pages, t)
		}
	}
	return pages, nil
}

func (s *Session) attachFirstPage(ctx context.Context) (string, error) {
	s.attachMu.Lock()
	defer s.attachMu.Unlock()
	if s.pageSession != "" {
		return s.pageSession, nil
	}

	pages, err := s.pages(ctx)
	if err != nil {
		return "", err
	}
	if len(pages) == 0 {
		return "", browser.ErrNoWindow
	}
	var out attachResult
	if err := s.call(ctx, "Target.attachToTarget", attachParams{TargetID: pages[0].TargetID, Flatten: true}, "", &out); err != nil {
		return "", err
	}
	if out.SessionID == "" {
		return "", browser.NewProtocolError(0, "Target.attachToTarget: empty sessionId")
	}
	s.pageSession = out.SessionID
	return s.pageSession, nil
}

func (s *Session) call(ctx context.Context, method string, params any, sessionID string, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok && s.cfg.OperationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.OperationTimeout)
		defer cancel()
	}

	id := s.nextID.Add(1)
	ch, err := s.register(id)
	if err != nil {
		return err
	}
	defer s.unregister(id)

	data, err := json.Marshal(request{ID: id, Method: method, Params: params, SessionID: sessionID})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s: %w: %w", method, browser.ErrOperationTimeout, ctxErr)
		}
		return fmt.Errorf("%s: %w: %w", method, browser.ErrConnectionLost, err)
	}

	select {
	case msg := <-ch:
		return decodeResult(method, msg, out)
	case <-s.readDone:
		// a response can land just before the connection drops
		select {
		case msg := <-ch:
			return decodeResult(method, msg, out)
		default:
		}
		return s.terminalError(method)
	case <-ctx.Done():
		return fmt.Errorf("%s: %w: %w", method, browser.ErrOperationTimeout, ctx.Err())
	}
}

func decodeResult(method string, msg message, out any) error {
	if msg.Error != nil {
		return msg.Error.toProtocolError(method)
	}
	if out == nil || len(msg.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(msg.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

func (s *Session) register(id int64) (chan message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, browser.ErrSessionClosed
	}
	if s.readErr != nil {
		return nil, fmt.Errorf("%w: %w", browser.ErrConnectionLost, s.readErr)
	}
	ch := make(chan message, 1)
	s.pending[id] = ch
	return ch, nil
}

func (s *Session) unregister(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *Session) terminalError(method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%s: %w", method, browser.ErrSessionClosed)
	}
	return fmt.Errorf("%s: %w: %w", method, browser.ErrConnectionLost, s.readErr)
}

func (s *Session) readLoop() {
	defer close(s.readDone)
	for {
		_, data, err := s.conn.Read(context.Background())
		if err != nil {
			s.mu.Lock()
			s.readErr = err
			s.mu.Unlock()
			return
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("dropping malformed message", "error", err)
			continue
		}
		if msg.ID == 0 {
			continue
		}
		s.mu.Lock()
		ch, ok := s.pending[msg.ID]
		s.mu.Unlock()
		if ok {
			ch <- msg
		}
	}
}
