package engine

import (
	"github.com/rendis/conductor/pkg/schema"
)

// OutcomeKind tags what a step asks the engine to do next.
type OutcomeKind string

const (
	OutcomeSuccess   OutcomeKind = "success"
	OutcomeSuspend   OutcomeKind = "suspend"
	OutcomeCancel    OutcomeKind = "cancel"
	OutcomeBail      OutcomeKind = "bail"
	OutcomeFailure   OutcomeKind = "failure"
	OutcomeSkipped   OutcomeKind = "skipped"
	OutcomeDiscarded OutcomeKind = "discarded"
)

// Outcome is the tagged result of one step. Suspend, cancel and bail are
// control signals, not errors: only a Failure carries Err.
type Outcome struct {
	Kind    OutcomeKind
	Output  any
	Usage   *schema.Usage
	Err     *schema.Error
	Reason  string
	AgentID string
}

// Success records output as the step's result.
func Success(output any) Outcome {
	return Outcome{Kind: OutcomeSuccess, Output: output}
}

// Suspended pauses the execution at this step until it is resumed.
func Suspended(reason string) Outcome {
	return Outcome{Kind: OutcomeSuspend, Reason: reason}
}

// Cancelled ends the execution as cancelled.
func Cancelled(reason string) Outcome {
	return Outcome{Kind: OutcomeCancel, Reason: reason}
}

// Bailed completes the execution immediately with output as the final result.
func Bailed(output any) Outcome {
	return Outcome{Kind: OutcomeBail, Output: output}
}

// Failed fails the execution with err.
func Failed(err *schema.Error) Outcome {
	if err == nil {
		err = schema.NewError(schema.ErrCodeStepFailed, "step failed")
	}
	return Outcome{Kind: OutcomeFailure, Err: err}
}

// Failedf fails the execution with a STEP_FAILED error.
func Failedf(format string, args ...any) Outcome {
	return Failed(schema.NewErrorf(schema.ErrCodeStepFailed, format, args...))
}

// WithUsage attaches usage counters reported by the work behind the outcome.
func (o Outcome) WithUsage(u *schema.Usage) Outcome {
	o.Usage = u
	return o
}

// IsSignal reports whether the outcome is a control signal rather than a
// result or a failure.
func (o Outcome) IsSignal() bool {
	switch o.Kind {
	case OutcomeSuspend, OutcomeCancel, OutcomeBail:
		return true
	}
	return false
}
