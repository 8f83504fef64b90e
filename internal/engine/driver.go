package engine

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/rendis/conductor/internal/logging"
	"github.com/rendis/conductor/pkg/schema"
)

type dispatch struct {
	step *Step
	ec   *ExecutionContext
}

// drive advances r one batch of ready steps at a time until it settles.
// Every batch boundary is where cancel and suspend requests take effect.
func (e *Engine) drive(r *run, settled chan struct{}) {
	defer close(settled)

	for {
		batch, ok := e.nextBatch(r)
		e.flush(r)
		if !ok {
			return
		}
		e.runBatch(r, batch)
	}
}

// nextBatch applies pending requests and batch results, then marks the next
// ready steps running. ok is false once the execution is settled.
func (e *Engine) nextBatch(r *run) (batch []dispatch, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.exec.Status.IsTerminal() {
		return nil, false
	}
	if r.cancelRequested {
		e.finishLocked(r, schema.ExecutionCancelled, r.exec.CancelReason, nil)
		return nil, false
	}

	if r.exec.Status == schema.ExecutionPending {
		now := e.now().UTC()
		r.exec.Status = schema.ExecutionRunning
		r.exec.StartedAt = &now
		r.emitLocked(schema.EventExecutionStarted, r.executionEventLocked(""))
	}

	ready := r.wf.dag.Ready(func(id string) schema.StepStatus { return r.exec.Steps[id].Status })
	if len(ready) == 0 && len(r.suspendedSteps) == 0 {
		// Nothing left to pause: a suspend requested during the last batch
		// does not park a finished execution.
		r.suspendRequested = false
		r.suspendReason = ""
		e.finishLocked(r, schema.ExecutionCompleted, "", nil)
		return nil, false
	}

	if len(r.suspendedSteps) > 0 || r.suspendRequested {
		reason := r.suspendReason
		r.exec.Status = schema.ExecutionSuspended
		r.exec.SuspendedAt = r.suspendedSteps
		r.exec.SuspendReason = reason
		r.suspendedSteps = nil
		r.suspendRequested = false
		r.suspendReason = ""
		r.emitLocked(schema.EventExecutionSuspended, r.executionEventLocked(reason))
		logging.LogWith(r.ctx, e.logger).Info("execution suspended",
			slog.String("reason", reason),
			slog.Any("steps", r.exec.SuspendedAt),
		)
		return nil, false
	}

	results := maps.Clone(r.exec.Results)
	for _, id := range ready {
		step := &r.wf.steps[r.wf.dag.Index[id]]
		r.exec.CurrentStepID = id

		ec := &ExecutionContext{
			ctx:         r.ctx,
			executionID: r.exec.ID,
			workflowID:  r.exec.WorkflowID,
			stepID:      id,
			input:       r.exec.Input,
			results:     results,
			data:        r.data,
		}
		if v, ok := r.resume[id]; ok {
			ec.resume, ec.hasResume = v, true
			delete(r.resume, id)
		} else if r.pendingResume != nil {
			ec.resume, ec.hasResume = *r.pendingResume, true
		}
		batch = append(batch, dispatch{step: step, ec: ec})

		e.moveStepLocked(r, schema.StepRunning, schema.StepEvent{
			ExecutionID: r.exec.ID,
			WorkflowID:  r.exec.WorkflowID,
			StepID:      id,
			StepName:    step.Name,
			Kind:        step.Kind,
		})
	}
	r.pendingResume = nil
	return batch, true
}

// runBatch dispatches every step of the batch through the worker pool and
// waits for all of them. Results are recorded as each step finishes.
func (e *Engine) runBatch(r *run, batch []dispatch) {
	var wg sync.WaitGroup
	for _, d := range batch {
		wg.Add(1)
		started := e.now()
		err := e.pool.Submit(r.ctx, func(context.Context) {
			defer wg.Done()
			out := e.steps.Execute(d.ec, d.step)
			e.record(r, d.step, out, e.now().Sub(started))
		})
		if err != nil {
			wg.Done()
			out := Cancelled("engine shut down before the step could start")
			if !errors.Is(err, ErrPoolShutdown) {
				out = Outcome{Kind: OutcomeDiscarded, Reason: err.Error()}
			}
			e.record(r, d.step, out, 0)
		}
	}
	wg.Wait()
}

// record applies one step outcome under the run lock. Outcomes arriving after
// the execution was cancelled or finished are discarded.
func (e *Engine) record(r *run, step *Step, out Outcome, took time.Duration) {
	r.mu.Lock()
	defer e.flush(r)
	defer r.mu.Unlock()

	ev := schema.StepEvent{
		ExecutionID: r.exec.ID,
		WorkflowID:  r.exec.WorkflowID,
		StepID:      step.ID,
		StepName:    step.Name,
		Kind:        step.Kind,
		AgentID:     out.AgentID,
		Usage:       out.Usage,
		Duration:    took,
		Reason:      out.Reason,
	}
	st := r.exec.Steps[step.ID]
	if out.AgentID != "" {
		st.AgentID = out.AgentID
	}

	if r.exec.Status.IsTerminal() || r.cancelRequested || out.Kind == OutcomeDiscarded {
		if st.Status == schema.StepRunning {
			e.setStepLocked(r, step.ID, schema.StepSkipped)
		}
		if ev.Reason == "" {
			ev.Reason = "execution " + string(r.exec.Status)
			if r.cancelRequested {
				ev.Reason = "cancellation requested"
			}
		}
		r.emitLocked(schema.EventStepDiscarded, ev)
		return
	}

	switch out.Kind {
	case OutcomeSuccess:
		r.exec.Usage.Add(out.Usage)
		r.exec.Results[step.ID] = out.Output
		r.exec.ResultOrder = append(r.exec.ResultOrder, step.ID)
		ev.Output = out.Output
		e.moveStepLocked(r, schema.StepCompleted, ev)

	case OutcomeSkipped:
		e.moveStepLocked(r, schema.StepSkipped, ev)

	case OutcomeSuspend:
		r.exec.Usage.Add(out.Usage)
		r.suspendedSteps = append(r.suspendedSteps, step.ID)
		if r.suspendReason == "" {
			r.suspendReason = out.Reason
		}
		e.moveStepLocked(r, schema.StepSuspended, ev)

	case OutcomeBail:
		r.exec.Usage.Add(out.Usage)
		r.exec.Results[step.ID] = out.Output
		r.exec.ResultOrder = append(r.exec.ResultOrder, step.ID)
		e.setStepLocked(r, step.ID, schema.StepCompleted)
		r.exec.Output = out.Output
		r.exec.BailedBy = out.AgentID
		if r.exec.BailedBy == "" {
			r.exec.BailedBy = step.ID
		}
		ev.Output = out.Output
		r.emitLocked(schema.EventStepBailed, ev)
		e.finishLocked(r, schema.ExecutionCompleted, "bailed by "+r.exec.BailedBy, nil)

	case OutcomeCancel:
		e.moveStepLocked(r, schema.StepSkipped, ev)
		reason := out.Reason
		if reason == "" {
			reason = "cancelled by step " + step.ID
		}
		e.finishLocked(r, schema.ExecutionCancelled, reason, nil)

	default:
		stepErr := out.Err
		if stepErr == nil {
			stepErr = schema.NewError(schema.ErrCodeStepFailed, "step failed")
		}
		st.Error = stepErr
		ev.Error = stepErr
		e.moveStepLocked(r, schema.StepFailed, ev)

		cause := schema.NewErrorf(schema.ErrCodeStepFailed, "step %s failed: %s", step.ID, stepErr.Message).
			WithStep(step.ID).
			WithCause(stepErr).
			WithDetails(map[string]any{"step_error_code": stepErr.Code})
		logging.LogWith(logging.WithStepID(r.ctx, step.ID), e.logger).Warn("step failed",
			slog.String("code", stepErr.Code),
			slog.String("error", stepErr.Message),
		)
		e.finishLocked(r, schema.ExecutionFailed, stepErr.Message, cause)
	}
}
