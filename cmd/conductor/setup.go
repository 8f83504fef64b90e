package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/rendis/conductor/internal/orchestrator"
	"github.com/rendis/conductor/internal/remote"
	"github.com/rendis/conductor/pkg/schema"
)

// newOrchestrator builds an orchestrator from the settings with every
// declared agent registered and every workflow file defined. extra adds
// workflow paths on top of the settings.
func (c *cli) newOrchestrator(ctx context.Context, extra []string) (*orchestrator.Orchestrator, error) {
	o, err := orchestrator.New(c.settings.Orchestrator, orchestrator.WithLogger(c.logger))
	if err != nil {
		return nil, err
	}
	if err := c.populate(ctx, o, extra); err != nil {
		o.GracefulShutdown(0)
		c.closeAgents()
		return nil, err
	}
	return o, nil
}

func (c *cli) populate(ctx context.Context, o *orchestrator.Orchestrator, extra []string) error {
	for _, spec := range c.settings.Agents {
		a, err := remote.New(spec)
		if err != nil {
			return err
		}
		if closer, ok := a.(io.Closer); ok {
			c.closers = append(c.closers, closer)
		}
		if err := o.RegisterAgent(ctx, a, spec.Capabilities...); err != nil {
			return fmt.Errorf("register agent %s: %w", spec.ID, err)
		}
	}

	paths := append(append([]string(nil), c.settings.Workflows...), extra...)
	defs, err := loadDefinitions(paths)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if _, err := o.Define(def); err != nil {
			return fmt.Errorf("define %s: %w", def.ID, err)
		}
	}
	c.logger.Info("orchestrator ready",
		slog.Int("agents", len(c.settings.Agents)),
		slog.Int("workflows", len(defs)))
	return nil
}

// closeAgents releases agents that hold sessions, such as MCP servers.
func (c *cli) closeAgents() {
	for _, closer := range c.closers {
		if err := closer.Close(); err != nil {
			c.logger.Warn("close agent failed", slog.String("error", err.Error()))
		}
	}
	c.closers = nil
}

// applySchedules adds the configured schedules that the store does not
// already hold.
func (c *cli) applySchedules(ctx context.Context, o *orchestrator.Orchestrator) error {
	if len(c.settings.Schedules) == 0 {
		return nil
	}
	existing, err := o.Schedules(ctx)
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(existing))
	for _, j := range existing {
		have[j.WorkflowID+"|"+j.CronExpression] = true
	}
	for _, s := range c.settings.Schedules {
		if have[s.Workflow+"|"+s.Cron] {
			continue
		}
		id, err := o.ScheduleWorkflow(ctx, s.Cron, s.Workflow, s.Input)
		if err != nil {
			return fmt.Errorf("schedule %s (%s): %w", s.Workflow, s.Cron, err)
		}
		c.logger.Info("workflow scheduled",
			slog.String("schedule_id", id),
			slog.String("workflow_id", s.Workflow),
			slog.String("cron", s.Cron))
	}
	return nil
}

func logShutdown(logger *slog.Logger, report *orchestrator.ShutdownReport) {
	if report == nil {
		return
	}
	attrs := []any{
		slog.Duration("duration", report.Duration),
		slog.Bool("timed_out", report.TimedOut),
	}
	if report.TimedOut {
		attrs = append(attrs,
			slog.Any("cancelled_executions", report.CancelledExecutions),
			slog.Any("cancelled_coordinations", report.CancelledCoordinations))
		logger.Warn("shutdown finished after deadline", attrs...)
		return
	}
	logger.Info("shutdown finished", attrs...)
}

// issueLines formats validation issues one per line.
func issueLines(res *schema.ValidationResult) []string {
	lines := make([]string, 0, len(res.Issues))
	for _, is := range res.Issues {
		lines = append(lines, fmt.Sprintf("%s [%s] %s", is.Path, is.Code, is.Message))
	}
	return lines
}
