package schema

import "time"

// ExecutionStatus represents the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSuspended ExecutionStatus = "suspended"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// StepKind identifies what a step does.
type StepKind string

const (
	StepKindAgent     StepKind = "agent"
	StepKindTransform StepKind = "transform"
	StepKindWait      StepKind = "wait"
)

// StepStatus represents the lifecycle state of a single step within an execution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepSuspended StepStatus = "suspended"
)

// Usage accumulates resource counters reported by agent invocations.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	CachedTokens     int64 `json:"cached_tokens"`
	ReasoningTokens  int64 `json:"reasoning_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Add merges o into u. A nil o adds nothing and negative counters are
// ignored, so totals only ever grow.
func (u *Usage) Add(o *Usage) {
	if o == nil {
		return
	}
	u.PromptTokens += nonNegative(o.PromptTokens)
	u.CompletionTokens += nonNegative(o.CompletionTokens)
	u.CachedTokens += nonNegative(o.CachedTokens)
	u.ReasoningTokens += nonNegative(o.ReasoningTokens)
	u.TotalTokens += nonNegative(o.TotalTokens)
}

// IsZero reports whether every counter is zero.
func (u Usage) IsZero() bool {
	return u == Usage{}
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

// StepState is the per-step record kept on an execution.
type StepState struct {
	StepID     string     `json:"step_id"`
	Status     StepStatus `json:"status"`
	AgentID    string     `json:"agent_id,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      *Error     `json:"error,omitempty"`
}

// Execution is a point-in-time snapshot of one workflow run. Snapshots are
// copies: mutating one never affects the live execution.
type Execution struct {
	ID            string                `json:"id"`
	WorkflowID    string                `json:"workflow_id"`
	WorkflowName  string                `json:"workflow_name,omitempty"`
	Status        ExecutionStatus       `json:"status"`
	Input         any                   `json:"input,omitempty"`
	CurrentStepID string                `json:"current_step_id,omitempty"`
	Results       map[string]any        `json:"results"`
	ResultOrder   []string              `json:"result_order"`
	Steps         map[string]*StepState `json:"steps,omitempty"`
	Output        any                   `json:"output,omitempty"`
	Usage         Usage                 `json:"usage"`
	BailedBy      string                `json:"bailed_by,omitempty"`
	SuspendedAt   []string              `json:"suspended_at,omitempty"`
	SuspendReason string                `json:"suspend_reason,omitempty"`
	CancelReason  string                `json:"cancel_reason,omitempty"`
	Cancelling    bool                  `json:"cancelling,omitempty"`
	Error         *Error                `json:"error,omitempty"`
	Tags          []string              `json:"tags,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
	StartedAt     *time.Time            `json:"started_at,omitempty"`
	FinishedAt    *time.Time            `json:"finished_at,omitempty"`
}

// Result returns the recorded output of a step.
func (e *Execution) Result(stepID string) (any, bool) {
	v, ok := e.Results[stepID]
	return v, ok
}

// Duration returns the wall time between start and finish, or zero while running.
func (e *Execution) Duration() time.Duration {
	if e.StartedAt == nil || e.FinishedAt == nil {
		return 0
	}
	return e.FinishedAt.Sub(*e.StartedAt)
}

// ExecutionFilter narrows execution listings.
type ExecutionFilter struct {
	Status     ExecutionStatus
	WorkflowID string
	Tag        string
	Limit      int
}

// Matches reports whether e passes the filter.
func (f ExecutionFilter) Matches(e *Execution) bool {
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.WorkflowID != "" && e.WorkflowID != f.WorkflowID {
		return false
	}
	if f.Tag != "" {
		found := false
		for _, t := range e.Tags {
			if t == f.Tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
