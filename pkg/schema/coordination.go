package schema

import (
	"fmt"
	"time"
)

// CoordinationMode selects how agents in a coordination hand work to each other.
type CoordinationMode string

const (
	ModeSequential CoordinationMode = "sequential"
	ModeParallel   CoordinationMode = "parallel"
	ModePipeline   CoordinationMode = "pipeline"
)

// Priority orders queued coordination requests.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Rank maps a priority to a sortable integer; unknown values rank as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// CoordinationStatus is the terminal status of a coordination.
type CoordinationStatus string

const (
	CoordinationPending   CoordinationStatus = "pending"
	CoordinationRunning   CoordinationStatus = "running"
	CoordinationSuccess   CoordinationStatus = "success"
	CoordinationFailed    CoordinationStatus = "failed"
	CoordinationTimeout   CoordinationStatus = "timeout"
	CoordinationCancelled CoordinationStatus = "cancelled"
)

// IsTerminal reports whether the coordination has resolved.
func (s CoordinationStatus) IsTerminal() bool {
	switch s {
	case CoordinationSuccess, CoordinationFailed, CoordinationTimeout, CoordinationCancelled:
		return true
	}
	return false
}

// CoordinationRequest is an ad-hoc handoff between registered agents.
// It is immutable once submitted.
type CoordinationRequest struct {
	ID               string           `json:"id,omitempty"`
	SourceAgentID    string           `json:"source_agent_id"`
	TargetAgentID    string           `json:"target_agent_id,omitempty"`
	TargetCapability string           `json:"target_capability,omitempty"`
	Intermediates    []string         `json:"intermediates,omitempty"`
	Mode             CoordinationMode `json:"mode"`
	Task             any              `json:"task"`
	Priority         Priority         `json:"priority,omitempty"`
	Timeout          time.Duration    `json:"timeout,omitempty"`
	ConversationID   string           `json:"conversation_id,omitempty"`
	UserID           string           `json:"user_id,omitempty"`
}

// Validate checks the request shape. Agent existence is checked by the manager.
func (r *CoordinationRequest) Validate() error {
	if r.SourceAgentID == "" {
		return NewError(ErrCodeValidation, "source_agent_id is required")
	}
	if r.TargetAgentID == "" && r.TargetCapability == "" {
		return NewError(ErrCodeValidation, "target_agent_id or target_capability is required")
	}
	switch r.Mode {
	case ModeSequential, ModeParallel:
		if len(r.Intermediates) > 0 {
			return NewErrorf(ErrCodeValidation, "mode %s does not accept intermediate agents", r.Mode)
		}
	case ModePipeline:
		if len(r.Intermediates) == 0 {
			return NewError(ErrCodeValidation, "pipeline mode requires at least one intermediate agent")
		}
	default:
		return NewErrorf(ErrCodeValidation, "unknown coordination mode: %q", r.Mode)
	}
	switch r.Priority {
	case "", PriorityLow, PriorityNormal, PriorityHigh:
	default:
		return NewErrorf(ErrCodeValidation, "unknown priority: %q", r.Priority)
	}
	if r.Timeout < 0 {
		return NewError(ErrCodeValidation, "timeout must not be negative")
	}
	return nil
}

// StageOutput is what one participating agent produced.
type StageOutput struct {
	AgentID  string        `json:"agent_id"`
	Input    any           `json:"input,omitempty"`
	Output   any           `json:"output,omitempty"`
	Bailed   bool          `json:"bailed,omitempty"`
	Usage    *Usage        `json:"usage,omitempty"`
	Duration time.Duration `json:"duration"`
	Error    *Error        `json:"error,omitempty"`
}

// CoordinationResult is the immutable outcome of a coordination request.
type CoordinationResult struct {
	RequestID   string             `json:"request_id"`
	Mode        CoordinationMode   `json:"mode"`
	Status      CoordinationStatus `json:"status"`
	Outputs     []StageOutput      `json:"outputs"`
	FinalOutput any                `json:"final_output,omitempty"`
	Usage       Usage              `json:"usage"`
	Error       *Error             `json:"error,omitempty"`
	StartedAt   time.Time          `json:"started_at"`
	FinishedAt  time.Time          `json:"finished_at"`
	Duration    time.Duration      `json:"duration"`
}

func (r *CoordinationResult) String() string {
	return fmt.Sprintf("coordination %s: %s (%d outputs, %s)", r.RequestID, r.Status, len(r.Outputs), r.Duration)
}
