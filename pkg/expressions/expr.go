// Package expressions evaluates condition predicates written in the
// expr language against contact context data.
package expressions

import (
	"errors"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

var ErrEmptyExpression = errors.New("empty expression")

// Engine compiles and evaluates expressions. Compiled programs are cached
// and reused across goroutines.
type Engine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func NewEngine() *Engine {
	return &Engine{
		cache: make(map[string]*vm.Program),
	}
}

// Evaluate compiles (or retrieves from cache) an expression and runs it
// against the provided data. Keys of the data map are available as
// top-level variables.
func (e *Engine) Evaluate(expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, ErrEmptyExpression
	}

	prg, err := e.getOrCompile(expression, data)
	if err != nil {
		return nil, err
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, fmt.Errorf("evaluation failed for %q: %w", expression, err)
	}

	return out, nil
}

// EvaluateBool evaluates an expression and coerces the result to a boolean.
// A nil result is false; non-boolean results are an error.
func (e *Engine) EvaluateBool(expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(expression, data)
	if err != nil {
		return false, err
	}

	switch v := out.(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	default:
		return false, fmt.Errorf("expression %q returned %T, expected bool", expression, out)
	}
}

func (e *Engine) getOrCompile(expression string, data map[string]any) (*vm.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}

	prg, err := expr.Compile(expression,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, fmt.Errorf("compile error in %q: %w", expression, err)
	}

	e.cache[expression] = prg

	return prg, nil
}
