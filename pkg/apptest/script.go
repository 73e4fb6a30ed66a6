package apptest

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/dop251/goja"
)

const scriptTimeout = 5 * time.Second

// scriptEngine evaluates page scripts. goja runtimes are not goroutine
// safe, so every evaluation holds mu.
type scriptEngine struct {
	mu sync.Mutex
	vm *goja.Runtime
}

func newScriptEngine(argv []string, env map[string]string, elements map[string]string) *scriptEngine {
	vm := goja.New()

	process := vm.NewObject()
	items := make([]any, len(argv))
	for i, arg := range argv {
		items[i] = arg
	}
	_ = process.Set("argv", vm.NewArray(items...))
	envObj := vm.NewObject()
	for k, v := range env {
		_ = envObj.Set(k, v)
	}
	_ = process.Set("env", envObj)
	_ = process.Set("platform", "fake")
	_ = vm.Set("process", process)

	document := vm.NewObject()
	_ = document.Set("title", "Fake")
	_ = document.Set("querySelector", func(call goja.FunctionCall) goja.Value {
		text, ok := elements[call.Argument(0).String()]
		if !ok {
			return goja.Null()
		}
		el := vm.NewObject()
		_ = el.Set("innerText", text)
		_ = el.Set("textContent", text)
		return el
	})
	_ = vm.Set("document", document)

	return &scriptEngine{vm: vm}
}

// evaluate returns a Runtime.evaluate result object.
func (e *scriptEngine) evaluate(expression string, awaitPromise bool) map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()

	timer := time.AfterFunc(scriptTimeout, func() {
		e.vm.Interrupt("script timeout")
	})
	defer func() {
		timer.Stop()
		e.vm.ClearInterrupt()
	}()

	val, err := e.vm.RunString(expression)
	if err != nil {
		return exceptionResult(err.Error())
	}
	if p, ok := val.Export().(*goja.Promise); ok && awaitPromise {
		switch p.State() {
		case goja.PromiseStateRejected:
			return exceptionResult(p.Result().String())
		case goja.PromiseStateFulfilled:
			val = p.Result()
		}
	}
	return map[string]any{"result": remoteValue(val)}
}

func remoteValue(val goja.Value) map[string]any {
	if val == nil || goja.IsUndefined(val) {
		return map[string]any{"type": "undefined"}
	}
	if goja.IsNull(val) {
		return map[string]any{"type": "object", "subtype": "null", "value": nil}
	}
	exported := val.Export()
	raw, err := json.Marshal(exported)
	if err != nil {
		return map[string]any{"type": "object", "description": val.String()}
	}
	kind := "object"
	switch exported.(type) {
	case string:
		kind = "string"
	case bool:
		kind = "boolean"
	case int64, float64:
		kind = "number"
	}
	return map[string]any{"type": kind, "value": json.RawMessage(raw)}
}

func exceptionResult(msg string) map[string]any {
	return map[string]any{
		"result": map[string]any{"type": "object", "subtype": "error", "description": msg},
		"exceptionDetails": map[string]any{
			"exceptionId": 1,
			"text":        "Uncaught",
			"exception":   map[string]any{"type": "object", "subtype": "error", "description": msg},
		},
	}
}
