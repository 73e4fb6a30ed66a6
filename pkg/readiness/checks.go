package readiness

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"
)

const defaultRequestTimeout = 2 * time.Second

// HTTPCheck is ready once GET url answers with a 2xx status.
type HTTPCheck struct {
	URL    string
	Client *http.Client
}

// NewHTTPCheck creates an HTTPCheck with a per-request timeout.
func NewHTTPCheck(url string) *HTTPCheck {
	return &HTTPCheck{
		URL:    url,
		Client: &http.Client{Timeout: defaultRequestTimeout},
	}
}

// Check performs one GET.
func (c *HTTPCheck) Check(ctx context.Context) error {
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return fmt.Errorf("build readiness request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("readiness request to %s: %w", c.URL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("readiness request to %s returned %s", c.URL, resp.Status)
	}
	return nil
}

// TCPCheck is ready once a TCP connection to Addr succeeds.
type TCPCheck struct {
	Addr string
}

// Check dials once.
func (c TCPCheck) Check(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// FileCheck is ready once Path exists.
type FileCheck struct {
	Path string
}

// Check stats the file.
func (c FileCheck) Check(context.Context) error {
	_, err := os.Stat(c.Path)
	return err
}

// DevToolsURL is the endpoint a Chromium-style app serves once its remote
// debugging server is up.
func DevToolsURL(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d/json/version", port)
}
