package cdp

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Kryndex/spectron/pkg/browser"
)

type request struct {
	ID        int64  `json:"id"`
	Method    string `json:"method"`
	Params    any    `json:"params,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// message is either a command response (ID set) or an event (Method set).
type message struct {
	ID        int64           `json:"id,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *rpcError       `json:"error,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *rpcError) toProtocolError(method string) *browser.ProtocolError {
	msg := e.Message
	if e.Data != "" {
		msg += ": " + e.Data
	}
	return &browser.ProtocolError{Code: e.Code, Message: fmt.Sprintf("%s: %s", method, msg)}
}

type versionInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

type targetInfo struct {
	TargetID string `json:"targetId"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	Attached bool   `json:"attached"`
}

type getTargetsResult struct {
	TargetInfos []targetInfo `json:"targetInfos"`
}

type attachParams struct {
	TargetID string `json:"targetId"`
	Flatten  bool   `json:"flatten"`
}

type attachResult struct {
	SessionID string `json:"sessionId"`
}

type windowForTargetParams struct {
	TargetID string `json:"targetId,omitempty"`
}

type windowBounds struct {
	Left        int    `json:"left"`
	Top         int    `json:"top"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	WindowState string `json:"windowState,omitempty"`
}

type windowForTargetResult struct {
	WindowID int          `json:"windowId"`
	Bounds   windowBounds `json:"bounds"`
}

type evaluateParams struct {
	Expression    string `json:"expression"`
	ReturnByValue bool   `json:"returnByValue"`
	AwaitPromise  bool   `json:"awaitPromise"`
}

type remoteObject struct {
	Type        string          `json:"type"`
	Subtype     string          `json:"subtype,omitempty"`
	Value       json.RawMessage `json:"value,omitempty"`
	Description string          `json:"description,omitempty"`
}

type exceptionDetails struct {
	ExceptionID int           `json:"exceptionId"`
	Text        string        `json:"text"`
	Exception   *remoteObject `json:"exception,omitempty"`
}

type evaluateResult struct {
	Result           remoteObject      `json:"result"`
	ExceptionDetails *exceptionDetails `json:"exceptionDetails,omitempty"`
}

func (r evaluateResult) value() (json.RawMessage, error) {
	if ex := r.ExceptionDetails; ex != nil {
		msg := ex.Text
		if ex.Exception != nil && ex.Exception.Description != "" {
			msg = ex.Exception.Description
		}
		return nil, &browser.ProtocolError{Code: ex.ExceptionID, Message: "script exception: " + msg}
	}
	if len(r.Result.Value) == 0 {
		return json.RawMessage("null"), nil
	}
	return r.Result.Value, nil
}

func toBounds(b windowBounds) browser.Bounds {
	return browser.Bounds{X: b.Left, Y: b.Top, Width: b.Width, Height: b.Height}
}

// textProbe builds an expression returning the text of the first element
// matching selector, or null.
func textProbe(selector string) string {
	quoted, _ := json.Marshal(selector)
	return fmt.Sprintf(`(function(){var el=document.querySelector(%s);if(!el){return null}return String(el.innerText||el.textContent||"")})()`, quoted)
}

// sessionIDFromURL takes the browser id from a ws://host/devtools/browser/<id> URL.
func sessionIDFromURL(raw string) string {
	trimmed := strings.TrimRight(raw, "/")
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
		return trimmed[idx+1:]
	}
	return trimmed
}
