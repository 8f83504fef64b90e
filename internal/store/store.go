// Package store persists what outlives the in-memory engine: archived
// executions, per-execution event history and scheduled jobs.
package store

import (
	"context"

	"github.com/rendis/conductor/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Execution archive
	Archive(ctx context.Context, exec *schema.Execution) error
	Get(ctx context.Context, id string) (*schema.Execution, error)
	List(ctx context.Context, filter schema.ExecutionFilter) ([]*schema.Execution, error)

	// Event history (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Scheduled jobs
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}

func notFound(resource, id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id).
		WithDetails(map[string]any{"resource": resource, "id": id})
}

func conflict(resource, id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeConflict, "%s %q already exists", resource, id)
}
