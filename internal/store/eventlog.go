package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rendis/conductor/internal/events"
	"github.com/rendis/conductor/pkg/schema"
)

// EventLog records workflow events into a Store so an execution's history
// survives its eviction from memory.
type EventLog struct {
	store  Store
	logger *slog.Logger
}

// NewEventLog wraps s. A nil logger uses slog.Default.
func NewEventLog(s Store, logger *slog.Logger) *EventLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLog{store: s, logger: logger}
}

// Handle is an events.Handler for "workflow.*". Events without an
// execution id are ignored.
func (el *EventLog) Handle(ctx context.Context, ev events.Event) error {
	if !strings.HasPrefix(ev.Name, "workflow.") {
		return nil
	}
	entry := &Event{Type: ev.Name, Timestamp: ev.Timestamp}
	switch d := ev.Data.(type) {
	case schema.ExecutionEvent:
		entry.ExecutionID = d.ExecutionID
	case schema.StepEvent:
		entry.ExecutionID = d.ExecutionID
		entry.StepID = d.StepID
		entry.AgentID = d.AgentID
	default:
		return nil
	}
	if entry.ExecutionID == "" {
		return nil
	}
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", ev.Name, err)
	}
	entry.Payload = payload
	return el.store.AppendEvent(ctx, entry)
}

// History returns the execution's events in sequence order.
func (el *EventLog) History(ctx context.Context, executionID string) ([]*Event, error) {
	return el.store.GetEvents(ctx, executionID, 0)
}

// Recent returns events of one type across executions, oldest first.
func (el *EventLog) Recent(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	return el.store.GetEventsByType(ctx, eventType, filter)
}

// ReplaySteps rebuilds each step's last known state from the event log.
// Returns a STORE_ERROR if sequence gaps are detected.
func (el *EventLog) ReplaySteps(ctx context.Context, executionID string) (map[string]*StepHistory, error) {
	evs, err := el.store.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	for i, e := range evs {
		if want := int64(i + 1); e.Sequence != want {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", executionID, want, e.Sequence)
		}
	}

	states := make(map[string]*StepHistory)
	for _, e := range evs {
		if e.StepID == "" {
			continue
		}
		st, ok := states[e.StepID]
		if !ok {
			st = &StepHistory{StepID: e.StepID, Status: schema.StepPending}
			states[e.StepID] = st
		}
		if e.AgentID != "" {
			st.AgentID = e.AgentID
		}

		var p struct {
			Output json.RawMessage `json:"output"`
			Error  json.RawMessage `json:"error"`
		}
		if len(e.Payload) > 0 {
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				el.logger.WarnContext(ctx, "undecodable event payload",
					slog.String("execution_id", executionID),
					slog.Int64("sequence", e.Sequence))
			}
		}

		switch e.Type {
		case schema.EventStepStarted:
			st.Status = schema.StepRunning
			ts := e.Timestamp
			st.StartedAt = &ts
		case schema.EventStepCompleted, schema.EventStepBailed:
			st.Status = schema.StepCompleted
			ts := e.Timestamp
			st.CompletedAt = &ts
			st.Output = p.Output
			if st.StartedAt != nil {
				st.DurationMs = ts.Sub(*st.StartedAt).Milliseconds()
			}
		case schema.EventStepFailed:
			st.Status = schema.StepFailed
			st.Error = p.Error
		case schema.EventStepSkipped, schema.EventStepDiscarded:
			st.Status = schema.StepSkipped
		case schema.EventStepSuspended:
			st.Status = schema.StepSuspended
		}
	}
	return states, nil
}
