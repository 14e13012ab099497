package expreval

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator evaluates an embedded formula over a context mapping. The
// formula language is supplied by the expression library; this package only
// provides the harness.
type Evaluator interface {
	Evaluate(expression string, env map[string]any) (any, error)
}

const maxCachedPrograms = 512

// ExprEvaluator compiles formulas once and caches the programs. The cache
// is flushed wholesale when it outgrows its bound; endpoint definitions are
// few enough that this never matters in practice.
type ExprEvaluator struct {
	mu       sync.Mutex
	programs map[string]*vm.Program
}

var _ Evaluator = (*ExprEvaluator)(nil)

func New() *ExprEvaluator {
	return &ExprEvaluator{programs: make(map[string]*vm.Program)}
}

// CompileError marks a formula that is broken as written, as opposed to one
// that failed against a particular input.
type CompileError struct {
	Err error
}

func (e *CompileError) Error() string { return "compiling expression: " + e.Err.Error() }
func (e *CompileError) Unwrap() error { return e.Err }

func (e *ExprEvaluator) Evaluate(expression string, env map[string]any) (any, error) {
	program, err := e.compile(expression)
	if err != nil {
		return nil, &CompileError{Err: err}
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("evaluating expression: %w", err)
	}
	return out, nil
}

func (e *ExprEvaluator) compile(expression string) (*vm.Program, error) {
	e.mu.Lock()
	program, ok := e.programs[expression]
	e.mu.Unlock()
	if ok {
		return program, nil
	}

	program, err := expr.Compile(expression,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if len(e.programs) >= maxCachedPrograms {
		e.programs = make(map[string]*vm.Program)
	}
	e.programs[expression] = program
	e.mu.Unlock()
	return program, nil
}
