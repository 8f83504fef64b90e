package logging

import (
	"context"
	"log/slog"

	"github.com/rendis/conductor/internal/events"
	"github.com/rendis/conductor/pkg/schema"
)

// EventLogger returns a bus handler that writes every event to logger.
// Failure events are logged at Warn, everything else at Debug.
func EventLogger(logger *slog.Logger) events.Handler {
	logger = OrDefault(logger)
	return func(ctx context.Context, ev events.Event) error {
		level := slog.LevelDebug
		args := []any{slog.String("event", ev.Name)}

		switch d := ev.Data.(type) {
		case schema.ExecutionEvent:
			ctx = WithWorkflowID(WithExecutionID(ctx, d.ExecutionID), d.WorkflowID)
			args = append(args, slog.String("status", string(d.Status)))
			if d.Error != nil {
				level = slog.LevelWarn
				args = append(args, slog.String("error", d.Error.Error()))
			}
			if d.BailedBy != "" {
				args = append(args, slog.String("bailed_by", d.BailedBy))
			}
		case schema.StepEvent:
			ctx = WithStepID(WithExecutionID(ctx, d.ExecutionID), d.StepID)
			ctx = WithAgentID(ctx, d.AgentID)
			if d.Duration > 0 {
				args = append(args, slog.Duration("duration", d.Duration))
			}
			if d.Error != nil {
				level = slog.LevelWarn
				args = append(args, slog.String("error", d.Error.Error()))
			}
		case schema.CoordinationEvent:
			ctx = WithCoordinationID(ctx, d.CoordinationID)
			args = append(args, slog.String("mode", string(d.Mode)))
			if d.Status != "" {
				args = append(args, slog.String("status", string(d.Status)))
			}
			if d.Error != nil {
				level = slog.LevelWarn
				args = append(args, slog.String("error", d.Error.Error()))
			}
		case schema.AgentEvent:
			ctx = WithAgentID(ctx, d.AgentID)
		case schema.StateEvent:
			args = append(args, slog.String("key", d.Key))
		}

		LogWith(ctx, logger).Log(ctx, level, "event", args...)
		return nil
	}
}
