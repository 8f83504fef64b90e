// Package logging carries correlation IDs on context.Context and injects
// them into slog records.
package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	executionIDKey ctxKey = iota
	workflowIDKey
	stepIDKey
	agentIDKey
	coordinationIDKey
)

// correlationFields lists every key in the order attributes are emitted.
var correlationFields = []struct {
	key  ctxKey
	attr string
}{
	{executionIDKey, "execution_id"},
	{workflowIDKey, "workflow_id"},
	{stepIDKey, "step_id"},
	{agentIDKey, "agent_id"},
	{coordinationIDKey, "coordination_id"},
}

func with(ctx context.Context, key ctxKey, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, key, id)
}

func get(ctx context.Context, key ctxKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}

// WithExecutionID returns a context carrying the execution ID.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return with(ctx, executionIDKey, id)
}

// WithWorkflowID returns a context carrying the workflow ID.
func WithWorkflowID(ctx context.Context, id string) context.Context {
	return with(ctx, workflowIDKey, id)
}

// WithStepID returns a context carrying the step ID.
func WithStepID(ctx context.Context, id string) context.Context {
	return with(ctx, stepIDKey, id)
}

// WithAgentID returns a context carrying the agent ID.
func WithAgentID(ctx context.Context, id string) context.Context {
	return with(ctx, agentIDKey, id)
}

// WithCoordinationID returns a context carrying the coordination ID.
func WithCoordinationID(ctx context.Context, id string) context.Context {
	return with(ctx, coordinationIDKey, id)
}

func ExecutionID(ctx context.Context) string    { return get(ctx, executionIDKey) }
func WorkflowID(ctx context.Context) string     { return get(ctx, workflowIDKey) }
func StepID(ctx context.Context) string         { return get(ctx, stepIDKey) }
func AgentID(ctx context.Context) string        { return get(ctx, agentIDKey) }
func CoordinationID(ctx context.Context) string { return get(ctx, coordinationIDKey) }

// attrs returns the non-empty correlation attributes found on ctx.
func attrs(ctx context.Context) []slog.Attr {
	var out []slog.Attr
	for _, f := range correlationFields {
		if v := get(ctx, f.key); v != "" {
			out = append(out, slog.String(f.attr, v))
		}
	}
	return out
}

// LogWith returns a logger enriched with the correlation IDs found on ctx.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range attrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler and adds correlation IDs from the
// record's context, so logger.InfoContext(ctx, ...) is enough.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps inner.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(attrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(as []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(as)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// OrDefault returns logger, or slog.Default() when logger is nil.
func OrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
