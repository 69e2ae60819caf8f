package plugins

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/kingrea/grimoire/internal/participant"
)

const goPolicyFuncName = "Decide"

// GoPolicy runs a Decide function interpreted from Go source:
//
//	func Decide(category, self string, context map[string]any) (map[string]any, error)
type GoPolicy struct {
	path string

	// the interpreter is not safe for concurrent calls
	mu sync.Mutex
	fn reflect.Value
}

// LoadGoPolicyFile interprets path and binds its Decide function.
func LoadGoPolicyFile(path string) (*GoPolicy, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plugin: read %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(code))) == 0 {
		return nil, fmt.Errorf("plugin: %s is empty", path)
	}
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("plugin: load stdlib symbols: %w", err)
	}
	if _, err := i.EvalPath(path); err != nil {
		return nil, fmt.Errorf("plugin: interpret %s: %w", path, err)
	}
	fn, err := i.Eval(goPolicyFuncName)
	if err != nil {
		return nil, fmt.Errorf("plugin: %s must define %s(category, self string, context map[string]any) (map[string]any, error): %w", path, goPolicyFuncName, err)
	}
	if !fn.IsValid() || fn.Kind() != reflect.Func {
		return nil, fmt.Errorf("plugin: %s: %s is not a function", path, goPolicyFuncName)
	}
	if fn.Type().NumIn() != 3 {
		return nil, fmt.Errorf("plugin: %s: %s must take (category, self string, context map[string]any)", path, goPolicyFuncName)
	}
	return &GoPolicy{path: path, fn: fn}, nil
}

// Decide implements participant.Policy.
func (p *GoPolicy) Decide(ctx context.Context, req participant.Request) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	reqCtx := req.Context
	if reqCtx == nil {
		reqCtx = map[string]any{}
	}
	p.mu.Lock()
	results := p.fn.Call([]reflect.Value{
		reflect.ValueOf(req.Category),
		reflect.ValueOf(req.ParticipantID),
		reflect.ValueOf(reqCtx),
	})
	p.mu.Unlock()
	return decodePolicyResults(results)
}

func decodePolicyResults(results []reflect.Value) (any, error) {
	if len(results) == 0 || len(results) > 2 {
		return nil, fmt.Errorf("%s must return (map[string]any[, error])", goPolicyFuncName)
	}
	if len(results) == 2 && !results[1].IsNil() {
		if e, ok := results[1].Interface().(error); ok && e != nil {
			return nil, e
		}
		return nil, fmt.Errorf("%s returned non-error second value", goPolicyFuncName)
	}
	answer := results[0]
	if answer.Kind() == reflect.Map && answer.IsNil() {
		return map[string]any{"pass": true}, nil
	}
	if m, ok := answer.Interface().(map[string]any); ok {
		return m, nil
	}
	return nil, fmt.Errorf("%s must return map[string]any, got %s", goPolicyFuncName, answer.Type())
}
