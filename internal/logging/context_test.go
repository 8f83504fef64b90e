package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/conductor/internal/events"
	"github.com/rendis/conductor/pkg/schema"
)

func newBufferLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestContextKeys(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", ExecutionID(ctx))
	assert.Equal(t, "", CoordinationID(ctx))

	ctx = WithExecutionID(ctx, "ex-1")
	ctx = WithWorkflowID(ctx, "wf-1")
	ctx = WithStepID(ctx, "analyze")
	ctx = WithAgentID(ctx, "analyst")
	ctx = WithCoordinationID(ctx, "co-1")

	assert.Equal(t, "ex-1", ExecutionID(ctx))
	assert.Equal(t, "wf-1", WorkflowID(ctx))
	assert.Equal(t, "analyze", StepID(ctx))
	assert.Equal(t, "analyst", AgentID(ctx))
	assert.Equal(t, "co-1", CoordinationID(ctx))
}

func TestEmptyIDDoesNotOverride(t *testing.T) {
	ctx := WithStepID(context.Background(), "analyze")
	ctx = WithStepID(ctx, "")
	assert.Equal(t, "analyze", StepID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithAgentID(WithExecutionID(context.Background(), "ex-abc"), "agent-7")

	LogWith(ctx, newBufferLogger(&buf)).Info("test message")

	out := buf.String()
	assert.Contains(t, out, "execution_id=ex-abc")
	assert.Contains(t, out, "agent_id=agent-7")
	assert.NotContains(t, out, "step_id")
	assert.Contains(t, out, "test message")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner)).With("component", "engine")

	ctx := WithStepID(WithExecutionID(context.Background(), "ex-auto"), "implement")
	logger.InfoContext(ctx, "auto inject")
	logger.InfoContext(context.Background(), "bare log")

	out := buf.String()
	assert.Contains(t, out, `"execution_id":"ex-auto"`)
	assert.Contains(t, out, `"step_id":"implement"`)
	assert.Contains(t, out, `"component":"engine"`)
	assert.Contains(t, out, "bare log")
}

func TestEventLogger(t *testing.T) {
	var buf bytes.Buffer
	bus := events.NewBus()
	bus.Subscribe("*", EventLogger(newBufferLogger(&buf)))

	bus.Publish(context.Background(), schema.EventStepCompleted, schema.StepEvent{
		ExecutionID: "ex-9", StepID: "validate", AgentID: "checker",
	})
	bus.Publish(context.Background(), schema.EventExecutionFailed, schema.ExecutionEvent{
		ExecutionID: "ex-9", WorkflowID: "wf", Status: schema.ExecutionFailed,
		Error: schema.NewError(schema.ErrCodeStepFailed, "bad output"),
	})

	out := buf.String()
	assert.Contains(t, out, "event=workflow.step.completed")
	assert.Contains(t, out, "step_id=validate")
	assert.Contains(t, out, "agent_id=checker")
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "bad output")
}
