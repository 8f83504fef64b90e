package schema

import "time"

// Canonical event names published on the event bus.
const (
	EventExecutionStarted   = "workflow.execution.started"
	EventExecutionCompleted = "workflow.execution.completed"
	EventExecutionFailed    = "workflow.execution.failed"
	EventExecutionCancelled = "workflow.execution.cancelled"
	EventExecutionSuspended = "workflow.execution.suspended"
	EventExecutionResumed   = "workflow.execution.resumed"

	EventStepStarted   = "workflow.step.started"
	EventStepCompleted = "workflow.step.completed"
	EventStepFailed    = "workflow.step.failed"
	EventStepSkipped   = "workflow.step.skipped"
	EventStepSuspended = "workflow.step.suspended"
	EventStepBailed    = "workflow.step.bailed"
	EventStepDiscarded = "workflow.step.discarded"

	EventCoordinationStarted   = "coordination.started"
	EventCoordinationCompleted = "coordination.completed"
	EventCoordinationFailed    = "coordination.failed"
	EventCoordinationTimeout   = "coordination.timeout"

	EventAgentRegistered   = "agent.registered"
	EventAgentUnregistered = "agent.unregistered"

	EventStateSet     = "state.set"
	EventStateDeleted = "state.deleted"

	EventScheduleFired = "schedule.fired"

	EventOrchestratorStarted  = "orchestrator.started"
	EventOrchestratorStopping = "orchestrator.stopping"
	EventOrchestratorStopped  = "orchestrator.stopped"
)

// ExecutionEvent is the payload of workflow.execution.* events.
type ExecutionEvent struct {
	ExecutionID string          `json:"execution_id"`
	WorkflowID  string          `json:"workflow_id"`
	Status      ExecutionStatus `json:"status"`
	StepID      string          `json:"step_id,omitempty"`
	BailedBy    string          `json:"bailed_by,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Usage       Usage           `json:"usage"`
	Duration    time.Duration   `json:"duration,omitempty"`
	Error       *Error          `json:"error,omitempty"`
}

// StepEvent is the payload of workflow.step.* events.
type StepEvent struct {
	ExecutionID string        `json:"execution_id"`
	WorkflowID  string        `json:"workflow_id"`
	StepID      string        `json:"step_id"`
	StepName    string        `json:"step_name,omitempty"`
	Kind        StepKind      `json:"kind"`
	AgentID     string        `json:"agent_id,omitempty"`
	Output      any           `json:"output,omitempty"`
	Usage       *Usage        `json:"usage,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	Error       *Error        `json:"error,omitempty"`
}

// CoordinationEvent is the payload of coordination.* events.
type CoordinationEvent struct {
	CoordinationID string             `json:"coordination_id"`
	Mode           CoordinationMode   `json:"mode"`
	Priority       Priority           `json:"priority"`
	SourceAgentID  string             `json:"source_agent_id"`
	TargetAgentID  string             `json:"target_agent_id"`
	Status         CoordinationStatus `json:"status,omitempty"`
	Duration       time.Duration      `json:"duration,omitempty"`
	Error          *Error             `json:"error,omitempty"`
}

// AgentEvent is the payload of agent.* events.
type AgentEvent struct {
	AgentID      string   `json:"agent_id"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// StateEvent is the payload of state.* events.
type StateEvent struct {
	Key   string `json:"key"`
	Value any    `json:"value,omitempty"`
}

// ScheduleEvent is the payload of schedule.fired.
type ScheduleEvent struct {
	ScheduleID  string `json:"schedule_id"`
	WorkflowID  string `json:"workflow_id"`
	ExecutionID string `json:"execution_id,omitempty"`
	Status      string `json:"status"`
	Error       *Error `json:"error,omitempty"`
}
