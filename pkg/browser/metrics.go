package browser

import (
	"context"
	"encoding/json"
	"time"
)

// Operation names reported to an OpRecorder.
const (
	OpOpen          = "open"
	OpWindowHandles = "window_handles"
	OpWindowBounds  = "window_bounds"
	OpWaitText      = "wait_text"
	OpExecute       = "execute"
	OpQuit          = "quit"
	OpClose         = "close"
)

// OpRecorder receives one observation per session operation.
type OpRecorder interface {
	ObserveSessionOp(op string, err error, elapsed time.Duration)
}

// Instrument wraps c so that it and every session it opens report each
// operation to rec. A nil rec returns c unchanged.
func Instrument(c Client, rec OpRecorder) Client {
	if c == nil || rec == nil {
		return c
	}
	return &instrumentedClient{next: c, rec: rec}
}

type instrumentedClient struct {
	next Client
	rec  OpRecorder
}

func (c *instrumentedClient) Open(ctx context.Context, endpoint string) (Session, error) {
	start := time.Now()
	sess, err := c.next.Open(ctx, endpoint)
	c.rec.ObserveSessionOp(OpOpen, err, time.Since(start))
	if err != nil {
		return nil, err
	}
	return &instrumentedSession{next: sess, rec: c.rec}, nil
}

type instrumentedSession struct {
	next Session
	rec  OpRecorder
}

func (s *instrumentedSession) observe(op string, start time.Time, err error) {
	s.rec.ObserveSessionOp(op, err, time.Since(start))
}

func (s *instrumentedSession) ID() string {
	return s.next.ID()
}

func (s *instrumentedSession) WindowHandles(ctx context.Context) ([]string, error) {
	start := time.Now()
	handles, err := s.next.WindowHandles(ctx)
	s.observe(OpWindowHandles, start, err)
	return handles, err
}

func (s *instrumentedSession) WindowBounds(ctx context.Context, handle string) (Bounds, error) {
	start := time.Now()
	bounds, err := s.next.WindowBounds(ctx, handle)
	s.observe(OpWindowBounds, start, err)
	return bounds, err
}

func (s *instrumentedSession) WaitUntilTextExists(ctx context.Context, selector, text string, timeout time.Duration) error {
	start := time.Now()
	err := s.next.WaitUntilTextExists(ctx, selector, text, timeout)
	s.observe(OpWaitText, start, err)
	return err
}

func (s *instrumentedSession) Execute(ctx context.Context, script string) (json.RawMessage, error) {
	start := time.Now()
	out, err := s.next.Execute(ctx, script)
	s.observe(OpExecute, start, err)
	return out, err
}

func (s *instrumentedSession) Done() <-chan struct{} {
	return s.next.Done()
}

func (s *instrumentedSession) Quit(ctx context.Context) error {
	start := time.Now()
	err := s.next.Quit(ctx)
	s.observe(OpQuit, start, err)
	return err
}

func (s *instrumentedSession) Close() error {
	start := time.Now()
	err := s.next.Close()
	s.observe(OpClose, start, err)
	return err
}
