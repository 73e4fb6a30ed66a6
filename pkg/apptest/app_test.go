package apptest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func TestScriptEngine_Globals(t *testing.T) {
	e := newScriptEngine([]string{"app", "--foo", "--bar=baz"}, map[string]string{"FOO": "BAR"}, map[string]string{"html": "Hello"})

	tests := []struct {
		expr string
		want string
		kind string
	}{
		{"process.argv.indexOf('--bar=baz')", "2", "number"},
		{"process.env.FOO", `"BAR"`, "string"},
		{"document.querySelector('html').innerText", `"Hello"`, "string"},
		{"document.querySelector('#missing') === null", "true", "boolean"},
		{"({a: 1})", `{"a":1}`, "object"},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			out := e.evaluate(tt.expr, true)
			result := out["result"].(map[string]any)
			assert.Equal(t, tt.kind, result["type"])
			assert.JSONEq(t, tt.want, string(result["value"].(json.RawMessage)))
		})
	}
}

func TestScriptEngine_Exception(t *testing.T) {
	e := newScriptEngine(nil, nil, nil)
	out := e.evaluate("throw new Error('boom')", true)
	require.Contains(t, out, "exceptionDetails")
	details := out["exceptionDetails"].(map[string]any)
	exception := details["exception"].(map[string]any)
	assert.Contains(t, exception["description"], "boom")
}

func TestScriptEngine_Undefined(t *testing.T) {
	e := newScriptEngine(nil, nil, nil)
	out := e.evaluate("undefined", true)
	assert.Equal(t, "undefined", out["result"].(map[string]any)["type"])
}

func TestScriptEngine_ResolvedPromise(t *testing.T) {
	e := newScriptEngine(nil, nil, nil)
	out := e.evaluate("Promise.resolve(42)", true)
	assert.JSONEq(t, "42", string(out["result"].(map[string]any)["value"].(json.RawMessage)))
}

func TestApp_Version(t *testing.T) {
	app := NewApp(Options{})
	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/json/version")
	require.NoError(t, err)
	defer resp.Body.Close()

	var info map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.True(t, strings.HasPrefix(info["webSocketDebuggerUrl"], "ws://"+strings.TrimPrefix(srv.URL, "http://")+"/devtools/browser/"))
}

func TestApp_CloseWritesQuitMarker(t *testing.T) {
	dir := t.TempDir()
	app := NewApp(Options{TempDir: dir})
	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/devtools/browser/" + app.browserID
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	require.NoError(t, wsjson.Write(ctx, conn, command{ID: 1, Method: "Browser.close"}))
	var resp map[string]any
	require.NoError(t, wsjson.Read(ctx, conn, &resp))
	assert.EqualValues(t, 1, resp["id"])

	select {
	case <-app.Quit():
	case <-ctx.Done():
		t.Fatal("app did not quit")
	}
	_, err = os.Stat(filepath.Join(dir, QuitMarker))
	assert.NoError(t, err)
}

func TestApp_UnknownMethod(t *testing.T) {
	app := NewApp(Options{})
	_, rpcErr := app.dispatch(command{ID: 1, Method: "Page.navigate"})
	require.NotNil(t, rpcErr)
	assert.Equal(t, codeMethodNotFound, rpcErr.Code)
}

func TestApp_EvaluateRequiresAttach(t *testing.T) {
	app := NewApp(Options{})
	_, rpcErr := app.dispatch(command{ID: 1, Method: "Runtime.evaluate", Params: json.RawMessage(`{"expression":"1"}`)})
	require.NotNil(t, rpcErr)

	res, rpcErr := app.dispatch(command{ID: 2, Method: "Target.attachToTarget", Params: json.RawMessage(`{"targetId":"` + app.PageID() + `","flatten":true}`)})
	require.Nil(t, rpcErr)
	sessionID := res.(map[string]string)["sessionId"]

	res, rpcErr = app.dispatch(command{ID: 3, Method: "Runtime.evaluate", SessionID: sessionID, Params: json.RawMessage(`{"expression":"1+1"}`)})
	require.Nil(t, rpcErr)
	assert.JSONEq(t, "2", string(res.(map[string]any)["result"].(map[string]any)["value"].(json.RawMessage)))
}

func TestDebugPort(t *testing.T) {
	port, err := debugPort([]string{"app", "--foo", "--remote-debugging-port=9333"})
	require.NoError(t, err)
	assert.Equal(t, 9333, port)

	_, err = debugPort([]string{"app"})
	assert.Error(t, err)
}

func TestLaunchSpec(t *testing.T) {
	spec, err := LaunchSpec(ModeServe)
	require.NoError(t, err)
	assert.Equal(t, ModeServe, spec.Env[ModeEnv])
	assert.NotEmpty(t, spec.Path)
}
