// Package expressions evaluates condition expressions against execution
// state. Expressions use expr-lang syntax; compiled programs are cached and
// reused across goroutines.
package expressions

import (
	"errors"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

var ErrEmptyExpression = errors.New("empty expression")

// Engine compiles and evaluates expressions. Safe for concurrent use.
type Engine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func NewEngine() *Engine {
	return &Engine{cache: make(map[string]*vm.Program)}
}

// Evaluate runs an expression against env and returns the raw result. All
// env keys are available as top-level variables; undefined variables resolve
// to nil rather than failing compilation, since node outputs accrue during a
// run.
func (e *Engine) Evaluate(expression string, env map[string]any) (any, error) {
	if expression == "" {
		return nil, ErrEmptyExpression
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	if env == nil {
		env = map[string]any{}
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, fmt.Errorf("expression %q: %w", expression, err)
	}

	return out, nil
}

// EvaluateBool evaluates an expression expected to produce a boolean.
// A nil result (e.g. from an undefined variable) is false.
func (e *Engine) EvaluateBool(expression string, env map[string]any) (bool, error) {
	out, err := e.Evaluate(expression, env)
	if err != nil {
		return false, err
	}

	switch v := out.(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	default:
		return false, fmt.Errorf("expression %q: expected boolean, got %T", expression, out)
	}
}

func (e *Engine) getOrCompile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()

		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring the write lock.
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile expression %q: %w", expression, err)
	}

	e.cache[expression] = prg

	return prg, nil
}
