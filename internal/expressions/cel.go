package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/weftlabs/weft/pkg/schema"
)

// CELEngine evaluates free-form guard expressions on conditional steps using
// Google's Common Expression Language.
// Thread-safe: compiled programs are cached and reused across goroutines.
type CELEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a new CEL expression engine with a sandboxed
// environment. The environment exposes three top-level variables:
//   - steps:  map(string, dyn) — completed step outputs keyed by step ID
//   - inputs: map(string, dyn) — workflow input values
//   - iter:   map(string, dyn) — innermost loop frame ({item, index, name}),
//     empty outside loops ("loop" is a reserved word in CEL)
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	env, err := cel.NewEnv(
		cel.Variable("steps", mapType),
		cel.Variable("inputs", mapType),
		cel.Variable("iter", mapType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Evaluate compiles (or retrieves from cache) a CEL expression and evaluates
// it against the given scope snapshot.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, scope *Scope) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.Eval(scopeActivation(scope))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out.Value(), nil
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (e *CELEngine) getOrCompile(expression string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

// scopeActivation builds the evaluation activation from a Scope.
// Missing keys default to empty maps to prevent CEL runtime nil-ref errors.
func scopeActivation(scope *Scope) map[string]any {
	activation := map[string]any{
		"steps":  map[string]any{},
		"inputs": map[string]any{},
		"iter":   map[string]any{},
	}
	if scope == nil {
		return activation
	}
	if scope.Steps != nil {
		activation["steps"] = scope.Steps
	}
	if scope.Inputs != nil {
		activation["inputs"] = scope.Inputs
	}
	if len(scope.Frames) > 0 {
		frame := scope.Frames[len(scope.Frames)-1]
		activation["iter"] = map[string]any{
			"item":  frame.Item,
			"index": frame.Index,
			"name":  frame.Name,
		}
	}
	return activation
}
