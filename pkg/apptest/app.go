// Package apptest provides a fake desktop application for tests. It serves
// the DevTools subset the harness drives (discovery, targets, window
// geometry, script evaluation, close) and evaluates scripts with a small
// JavaScript engine exposing process.argv, process.env and document.
package apptest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/Kryndex/spectron/pkg/process"
)

// QuitMarker is the file written into the temp dir on graceful quit.
const QuitMarker = process.QuitMarker

// Bounds is the fake window rectangle.
type Bounds struct {
	X, Y, Width, Height int
}

// DefaultBounds matches the window the fixture app opens.
var DefaultBounds = Bounds{X: 25, Y: 35, Width: 200, Height: 100}

// Options configures an App.
type Options struct {
	Argv []string
	// Env is exposed as process.env.
	Env map[string]string
	// TempDir receives the quit marker; empty disables it.
	TempDir string
	Bounds  Bounds
	// Elements maps CSS selectors to their text.
	Elements map[string]string
	// IgnoreClose acknowledges Browser.close without quitting.
	IgnoreClose bool
	Logger      *slog.Logger
}

// App is an in-process fake application.
type App struct {
	opts      Options
	browserID string
	pageID    string
	logger    *slog.Logger
	script    *scriptEngine

	mu       sync.Mutex
	sessions map[string]string // flatten session id -> target id
	quitOnce sync.Once
	quit     chan struct{}
}

// NewApp creates a fake application.
func NewApp(opts Options) *App {
	if opts.Bounds == (Bounds{}) {
		opts.Bounds = DefaultBounds
	}
	if opts.Elements == nil {
		opts.Elements = map[string]string{"html": "Hello", "body": "Hello"}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &App{
		opts:      opts,
		browserID: uuid.NewString(),
		pageID:    strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")),
		logger:    opts.Logger.With("component", "fake-app"),
		script:    newScriptEngine(opts.Argv, opts.Env, opts.Elements),
		sessions:  make(map[string]string),
		quit:      make(chan struct{}),
	}
}

// PageID returns the id of the single page target.
func (a *App) PageID() string {
	return a.pageID
}

// Quit is closed once Browser.close has been handled.
func (a *App) Quit() <-chan struct{} {
	return a.quit
}

// Handler serves /json/version, /json/list and the browser WebSocket.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", a.handleVersion)
	mux.HandleFunc("/json/list", a.handleList)
	mux.HandleFunc("/json", a.handleList)
	mux.HandleFunc("/devtools/browser/", a.handleBrowser)
	return mux
}

func (a *App) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"Browser":              "SpectronFake/1.0",
		"Protocol-Version":     "1.3",
		"webSocketDebuggerUrl": fmt.Sprintf("ws://%s/devtools/browser/%s", r.Host, a.browserID),
	})
}

func (a *App) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, []map[string]string{{
		"id":    a.pageID,
		"type":  "page",
		"title": "Fake",
		"url":   "file:///index.html",
	}})
}

func (a *App) handleBrowser(w http.ResponseWriter, r *http.Request) {
	if strings.TrimPrefix(r.URL.Path, "/devtools/browser/") != a.browserID {
		http.NotFound(w, r)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket accept failed", "error", err)
		return
	}
	a.serve(r.Context(), conn)
}

func (a *App) requestQuit() {
	a.quitOnce.Do(func() {
		if dir := a.opts.TempDir; dir != "" {
			path := filepath.Join(dir, QuitMarker)
			if err := os.WriteFile(path, []byte("quit\n"), 0o644); err != nil {
				a.logger.Warn("failed to write quit marker", "path", path, "error", err)
			}
		}
		close(a.quit)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
