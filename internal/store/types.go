package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/conductor/pkg/schema"
)

// Event is an immutable entry in an execution's history.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	AgentID     string          `json:"agent_id,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// EventFilter narrows event listings by type.
type EventFilter struct {
	Since time.Time `json:"since,omitempty"`
	Limit int       `json:"limit,omitempty"`
}

// ScheduledJob is a cron-triggered workflow execution.
type ScheduledJob struct {
	ID              string          `json:"id"`
	WorkflowID      string          `json:"workflow_id"`
	CronExpression  string          `json:"cron_expression"`
	Input           json.RawMessage `json:"input,omitempty"`
	Enabled         bool            `json:"enabled"`
	LastRunAt       *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus   string          `json:"last_run_status,omitempty"`
	LastExecutionID string          `json:"last_execution_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job. Zero
// values leave the field unchanged.
type ScheduledJobUpdate struct {
	Enabled         *bool      `json:"enabled,omitempty"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus   string     `json:"last_run_status,omitempty"`
	LastExecutionID string     `json:"last_execution_id,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled    *bool  `json:"enabled,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

func (f ScheduledJobFilter) matches(j *ScheduledJob) bool {
	if f.Enabled != nil && j.Enabled != *f.Enabled {
		return false
	}
	return f.WorkflowID == "" || j.WorkflowID == f.WorkflowID
}

// StepHistory is a step's state rebuilt from the event log.
type StepHistory struct {
	StepID      string            `json:"step_id"`
	Status      schema.StepStatus `json:"status"`
	AgentID     string            `json:"agent_id,omitempty"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}
