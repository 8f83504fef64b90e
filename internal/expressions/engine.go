// Package expressions evaluates the small expressions embedded in declarative
// workflow definitions: CEL for guards and wait conditions, jq for input
// projection and result mapping, and expr for free-form transforms.
package expressions

import (
	"context"
	"sort"

	"github.com/rendis/conductor/pkg/schema"
)

// Engine evaluates expressions against a scope map.
type Engine interface {
	Name() string
	// Compile checks syntax and caches the compiled program.
	Compile(expression string) error
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Registry holds the engines available to workflow definitions.
type Registry struct {
	engines map[string]Engine
}

// NewRegistry builds a registry with the cel, jq and expr engines.
func NewRegistry() (*Registry, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	r := &Registry{engines: make(map[string]Engine, 3)}
	r.Register(celEngine)
	r.Register(NewGoJQEngine())
	r.Register(NewExprEngine())
	return r, nil
}

// Register adds or replaces an engine under its Name.
func (r *Registry) Register(e Engine) {
	r.engines[e.Name()] = e
}

// Get returns the named engine.
func (r *Registry) Get(name string) (Engine, error) {
	e, ok := r.engines[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExpression, "unknown expression engine %q", name).
			WithDetails(map[string]any{"available": r.Names()})
	}
	return e, nil
}

// Names lists the registered engine names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.engines))
	for n := range r.engines {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Check compiles expression with the named engine.
func (r *Registry) Check(engine, expression string) error {
	e, err := r.Get(engine)
	if err != nil {
		return err
	}
	return e.Compile(expression)
}

// Evaluate runs expression with the named engine.
func (r *Registry) Evaluate(ctx context.Context, engine, expression string, data map[string]any) (any, error) {
	e, err := r.Get(engine)
	if err != nil {
		return nil, err
	}
	return e.Evaluate(ctx, expression, data)
}

// EvaluateBool runs expression and requires a boolean result.
func (r *Registry) EvaluateBool(ctx context.Context, engine, expression string, data map[string]any) (bool, error) {
	out, err := r.Evaluate(ctx, engine, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExpression,
			"expression %q must evaluate to a boolean, got %T", expression, out).
			WithDetails(map[string]any{"expression": expression, "engine": engine})
	}
	return b, nil
}
