// Package cdp implements the browser ports over the Chrome DevTools Protocol,
// which Electron and Chromium applications expose through
// --remote-debugging-port.
package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"nhooyr.io/websocket"

	"github.com/Kryndex/spectron/pkg/browser"
)

// Client opens CDP sessions. It is safe for concurrent use.
type Client struct {
	cfg    Config
	http   *retryablehttp.Client
	logger *slog.Logger
}

var _ browser.Client = (*Client)(nil)

// NewClient creates a CDP client.
func NewClient(cfg Config) (*Client, error) {
	merged := cfg.withDefaults()
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	logger := merged.Logger.With("component", "cdp")

	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = merged.DiscoveryRetries
	httpClient.RetryWaitMin = 50 * time.Millisecond
	httpClient.RetryWaitMax = 500 * time.Millisecond
	httpClient.HTTPClient.Timeout = merged.DiscoveryTimeout
	httpClient.Logger = logger

	return &Client{cfg: merged, http: httpClient, logger: logger}, nil
}

// Open discovers the browser WebSocket behind endpoint (host:port) and
// attaches a session to it.
func (c *Client) Open(ctx context.Context, endpoint string) (browser.Session, error) {
	if c == nil {
		return nil, browser.ErrUnavailable
	}
	if ctx == nil {
		ctx = context.Background()
	}
	wsURL, err := c.discover(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w: %w", wsURL, browser.ErrUnavailable, err)
	}
	conn.SetReadLimit(c.cfg.MaxMessageBytes)

	sess := newSession(sessionIDFromURL(wsURL), conn, c.cfg, c.logger)
	c.logger.Debug("session attached", "session_id", sess.ID(), "url", wsURL)
	return sess, nil
}

func (c *Client) discover(ctx context.Context, endpoint string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", fmt.Errorf("endpoint is required: %w", browser.ErrUnavailable)
	}
	url := "http://" + strings.TrimPrefix(endpoint, "http://") + "/json/version"

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build discovery request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("discover %s: %w: %w", endpoint, browser.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("discover %s: status %s: %w", endpoint, resp.Status, browser.ErrUnavailable)
	}
	var info versionInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&info); err != nil {
		return "", fmt.Errorf("decode %s: %w", url, err)
	}
	if info.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("discover %s: no webSocketDebuggerUrl: %w", endpoint, browser.ErrUnavailable)
	}
	c.logger.Debug("discovered endpoint", "browser", info.Browser, "protocol", info.ProtocolVersion)
	return info.WebSocketDebuggerURL, nil
}
