package engine

import (
	"context"
	"maps"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/conductor/internal/expressions"
)

// ExecutionContext is what a step sees while it runs: the execution input,
// a snapshot of results recorded before the step started, shared key/value
// data and the tracing span of the step.
type ExecutionContext struct {
	ctx         context.Context
	executionID string
	workflowID  string
	stepID      string
	input       any
	results     map[string]any
	data        *sharedData
	resume      any
	hasResume   bool
}

type sharedData struct {
	mu sync.RWMutex
	m  map[string]any
}

func newSharedData() *sharedData {
	return &sharedData{m: make(map[string]any)}
}

func (d *sharedData) snapshot() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return maps.Clone(d.m)
}

// Context carries the step span and correlation values. Agents receive it.
func (ec *ExecutionContext) Context() context.Context { return ec.ctx }

// Span returns the step's tracing span.
func (ec *ExecutionContext) Span() trace.Span { return trace.SpanFromContext(ec.ctx) }

func (ec *ExecutionContext) ExecutionID() string { return ec.executionID }
func (ec *ExecutionContext) WorkflowID() string  { return ec.workflowID }
func (ec *ExecutionContext) StepID() string      { return ec.stepID }
func (ec *ExecutionContext) Input() any          { return ec.input }

// Result returns the recorded output of an earlier step.
func (ec *ExecutionContext) Result(stepID string) (any, bool) {
	v, ok := ec.results[stepID]
	return v, ok
}

// Results returns a copy of every result visible to this step.
func (ec *ExecutionContext) Results() map[string]any {
	return maps.Clone(ec.results)
}

// Get reads shared execution data.
func (ec *ExecutionContext) Get(key string) (any, bool) {
	ec.data.mu.RLock()
	defer ec.data.mu.RUnlock()
	v, ok := ec.data.m[key]
	return v, ok
}

// Set writes shared execution data, visible to steps that start afterwards.
func (ec *ExecutionContext) Set(key string, value any) {
	ec.data.mu.Lock()
	defer ec.data.mu.Unlock()
	ec.data.m[key] = value
}

// Data returns a copy of the shared execution data.
func (ec *ExecutionContext) Data() map[string]any {
	return ec.data.snapshot()
}

// ResumeInput returns the input passed to Resume when this step runs again
// after suspending.
func (ec *ExecutionContext) ResumeInput() (any, bool) {
	return ec.resume, ec.hasResume
}

// Scope builds the expression scope for this step.
func (ec *ExecutionContext) Scope() (map[string]any, error) {
	return expressions.Scope{
		Input:       ec.input,
		Results:     ec.results,
		Data:        ec.Data(),
		ExecutionID: ec.executionID,
		WorkflowID:  ec.workflowID,
		Resume:      ec.resume,
	}.Map()
}

// withContext returns a shallow copy bound to ctx.
func (ec *ExecutionContext) withContext(ctx context.Context) *ExecutionContext {
	cp := *ec
	cp.ctx = ctx
	return &cp
}

// NewExecutionContext builds a standalone context, for running a step
// outside an engine (tests, dry runs).
func NewExecutionContext(ctx context.Context, executionID, stepID string, input any, results map[string]any) *ExecutionContext {
	if results == nil {
		results = map[string]any{}
	}
	return &ExecutionContext{
		ctx:         ctx,
		executionID: executionID,
		stepID:      stepID,
		input:       input,
		results:     results,
		data:        newSharedData(),
	}
}
