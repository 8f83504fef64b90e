package coordination

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/conductor/internal/logging"
	"github.com/rendis/conductor/pkg/agent"
	"github.com/rendis/conductor/pkg/schema"
)

// run executes a dispatched coordination and resolves it. A coordination
// that already timed out or was cancelled keeps that status; late stage
// results are dropped.
func (m *Manager) run(rec *record) {
	var (
		final any
		err   *schema.Error
	)
	switch rec.req.Mode {
	case schema.ModeParallel:
		final, err = m.runParallel(rec)
	case schema.ModePipeline:
		final, err = m.runChain(rec, func(_, previous any) any { return previous })
	default:
		final, err = m.runChain(rec, handoff)
	}

	m.mu.Lock()
	if !rec.status.IsTerminal() {
		if err != nil {
			m.finishLocked(rec, schema.CoordinationFailed, err)
		} else {
			rec.final = final
			m.finishLocked(rec, schema.CoordinationSuccess, nil)
		}
	}
	next := m.dispatchLocked()
	m.mu.Unlock()

	m.flush(rec)
	m.launch(next)
}

// runChain runs the stages in order. Each stage after the first gets
// compose(task, previous output). A bail from any stage ends the chain
// successfully with that stage's output.
func (m *Manager) runChain(rec *record, compose func(task, previous any) any) (any, *schema.Error) {
	input := rec.req.Task
	var last any
	for i, a := range rec.stages {
		if i > 0 {
			input = compose(rec.req.Task, last)
		}
		out := m.invokeStage(rec.ctx, rec, i, a, input)
		if !m.recordStage(rec, out) {
			return nil, nil
		}
		if out.Error != nil {
			return nil, stageFailure(i, out)
		}
		last = out.Output
		if out.Bailed {
			logging.LogWith(rec.ctx, m.logger).Debug("coordination short-circuited",
				slog.String("agent_id", out.AgentID),
				slog.Int("stage", i))
			return last, nil
		}
	}
	return last, nil
}

// runParallel runs the source and target on the same task. The final output
// maps each role ("source", "target") to its output. The first failing stage
// cancels its sibling and fails the coordination.
func (m *Manager) runParallel(rec *record) (any, *schema.Error) {
	outs := make([]schema.StageOutput, len(rec.stages))
	g, ctx := errgroup.WithContext(rec.ctx)
	for i, a := range rec.stages {
		g.Go(func() error {
			out := m.invokeStage(ctx, rec, i, a, rec.req.Task)
			outs[i] = out
			m.recordStage(rec, out)
			if out.Error != nil {
				return stageFailure(i, out)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, schema.AsError(err, schema.ErrCodeAgent)
	}

	final := make(map[string]any, len(outs))
	for i, out := range outs {
		final[parallelRole(i)] = out.Output
	}
	return final, nil
}

func parallelRole(stage int) string {
	if stage == 0 {
		return "source"
	}
	return "target"
}

// recordStage appends out to the coordination's outputs. It reports false
// when the coordination already resolved.
func (m *Manager) recordStage(rec *record, out schema.StageOutput) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.status.IsTerminal() {
		return false
	}
	rec.outputs = append(rec.outputs, out)
	rec.usage.Add(out.Usage)
	return true
}

func (m *Manager) invokeStage(ctx context.Context, rec *record, stage int, a agent.Agent, input any) schema.StageOutput {
	ctx, span := m.tracer.Start(ctx, "stage "+a.ID(),
		trace.WithAttributes(
			attribute.String("conductor.agent_id", a.ID()),
			attribute.Int("conductor.stage", stage),
		))
	defer span.End()
	ctx = logging.WithAgentID(ctx, a.ID())

	started := m.now()
	res, err := m.invoker.Invoke(ctx, a, input, agent.Options{
		Context: map[string]any{
			"coordination_id": rec.req.ID,
			"mode":            string(rec.req.Mode),
			"stage":           stage,
			"stages":          len(rec.stages),
		},
		ConversationID: rec.req.ConversationID,
		UserID:         rec.req.UserID,
	})
	out := schema.StageOutput{AgentID: a.ID(), Input: input, Duration: m.now().Sub(started)}

	switch {
	case err != nil:
		out.Error = schema.AsError(err, schema.ErrCodeAgent)
	case res.EffectiveKind() == agent.OutcomeError:
		out.Error = schema.NewErrorf(schema.ErrCodeAgent, "agent %s failed: %s", a.ID(), res.Reason)
	case res.EffectiveKind() == agent.OutcomeSuspend:
		out.Error = schema.NewErrorf(schema.ErrCodeAgent,
			"agent %s asked to suspend; coordinations cannot be resumed", a.ID())
	default:
		out.Output = res.Value()
		out.Usage = res.Usage
		out.Bailed = res.EffectiveKind() == agent.OutcomeBail
	}
	if out.Error != nil {
		span.RecordError(out.Error)
		span.SetStatus(codes.Error, out.Error.Message)
	}
	return out
}

func stageFailure(stage int, out schema.StageOutput) *schema.Error {
	return schema.NewErrorf(out.Error.Code, "stage %d (%s) failed: %s", stage, out.AgentID, out.Error.Message).
		WithCause(out.Error).
		WithDetails(map[string]any{"stage": stage, "agent_id": out.AgentID})
}

// handoff builds the target's task in sequential mode. Text tasks get the
// previous output appended; anything else is wrapped.
func handoff(task, previous any) any {
	if s, ok := task.(string); ok {
		return s + "\n\n" + asText(previous)
	}
	return map[string]any{"task": task, "previous_output": previous}
}

func asText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	}
	if b, err := json.Marshal(v); err == nil {
		return string(b)
	}
	return fmt.Sprint(v)
}
