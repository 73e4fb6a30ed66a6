package apptest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type command struct {
	ID        int64           `json:"id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

type reply struct {
	ID        int64     `json:"id"`
	Result    any       `json:"result,omitempty"`
	Error     *rpcError `json:"error,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type event struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

// Error codes used by Chromium for command failures.
const (
	codeServerError    = -32000
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

func (a *App) serve(ctx context.Context, conn *websocket.Conn) {
	defer conn.CloseNow()
	for {
		var cmd command
		if err := wsjson.Read(ctx, conn, &cmd); err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				a.logger.Debug("devtools read ended", "error", err)
			}
			return
		}

		result, rpcErr := a.dispatch(cmd)
		resp := reply{ID: cmd.ID, Result: result, Error: rpcErr, SessionID: cmd.SessionID}
		if rpcErr == nil && result == nil {
			resp.Result = struct{}{}
		}
		if err := wsjson.Write(ctx, conn, resp); err != nil {
			return
		}

		if cmd.Method == "Target.attachToTarget" && rpcErr == nil {
			// Chromium announces attachments; clients must tolerate events.
			_ = wsjson.Write(ctx, conn, event{Method: "Target.attachedToTarget", Params: result})
		}
		if cmd.Method == "Browser.close" && !a.opts.IgnoreClose {
			a.requestQuit()
			_ = conn.Close(websocket.StatusGoingAway, "browser closed")
			return
		}
	}
}

func (a *App) dispatch(cmd command) (any, *rpcError) {
	switch cmd.Method {
	case "Browser.getVersion":
		return map[string]string{"product": "SpectronFake/1.0", "protocolVersion": "1.3"}, nil
	case "Target.getTargets":
		return map[string]any{"targetInfos": []map[string]any{
			{"targetId": a.pageID, "type": "page", "title": "Fake", "url": "file:///index.html", "attached": false},
			{"targetId": a.browserID, "type": "browser", "title": "", "url": "", "attached": true},
		}}, nil
	case "Target.attachToTarget":
		var params struct {
			TargetID string `json:"targetId"`
			Flatten  bool   `json:"flatten"`
		}
		if err := json.Unmarshal(cmd.Params, &params); err != nil || params.TargetID != a.pageID {
			return nil, &rpcError{Code: codeServerError, Message: "No target with given id found"}
		}
		sessionID := uuid.NewString()
		a.mu.Lock()
		a.sessions[sessionID] = params.TargetID
		a.mu.Unlock()
		return map[string]string{"sessionId": sessionID}, nil
	case "Browser.getWindowForTarget":
		var params struct {
			TargetID string `json:"targetId"`
		}
		_ = json.Unmarshal(cmd.Params, &params)
		if params.TargetID != "" && params.TargetID != a.pageID {
			return nil, &rpcError{Code: codeServerError, Message: "No target with given id found"}
		}
		b := a.opts.Bounds
		return map[string]any{
			"windowId": 1,
			"bounds":   map[string]any{"left": b.X, "top": b.Y, "width": b.Width, "height": b.Height, "windowState": "normal"},
		}, nil
	case "Runtime.evaluate":
		a.mu.Lock()
		_, attached := a.sessions[cmd.SessionID]
		a.mu.Unlock()
		if !attached {
			return nil, &rpcError{Code: codeServerError, Message: fmt.Sprintf("'%s' wasn't found", cmd.Method)}
		}
		var params struct {
			Expression   string `json:"expression"`
			AwaitPromise bool   `json:"awaitPromise"`
		}
		if err := json.Unmarshal(cmd.Params, &params); err != nil {
			return nil, &rpcError{Code: codeInvalidParams, Message: "Invalid parameters"}
		}
		return a.script.evaluate(params.Expression, params.AwaitPromise), nil
	case "Browser.close":
		return nil, nil
	default:
		return nil, &rpcError{Code: codeMethodNotFound, Message: fmt.Sprintf("'%s' wasn't found", cmd.Method)}
	}
}
