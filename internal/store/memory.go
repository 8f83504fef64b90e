package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rendis/conductor/pkg/schema"
)

// MemoryStore keeps everything in process memory. Archived executions are
// stored as JSON so reads never share maps with the caller.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string][]byte
	meta       map[string]*schema.Execution
	events     map[string][]*Event
	nextEvent  int64
	jobs       map[string]*ScheduledJob
	closed     bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string][]byte),
		meta:       make(map[string]*schema.Execution),
		events:     make(map[string][]*Event),
		jobs:       make(map[string]*ScheduledJob),
	}
}

func (s *MemoryStore) Archive(_ context.Context, exec *schema.Execution) error {
	b, err := json.Marshal(exec)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "encode execution %s: %v", exec.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	s.executions[exec.ID] = b
	s.meta[exec.ID] = &schema.Execution{
		ID:         exec.ID,
		WorkflowID: exec.WorkflowID,
		Status:     exec.Status,
		Tags:       append([]string(nil), exec.Tags...),
		CreatedAt:  exec.CreatedAt,
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*schema.Execution, error) {
	s.mu.RLock()
	b, ok := s.executions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, notFound("execution", id)
	}
	return decodeExecution(b)
}

func (s *MemoryStore) List(_ context.Context, filter schema.ExecutionFilter) ([]*schema.Execution, error) {
	s.mu.RLock()
	var ids []string
	for id, m := range s.meta {
		if filter.Matches(m) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.meta[ids[i]], s.meta[ids[j]]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	if filter.Limit > 0 && len(ids) > filter.Limit {
		ids = ids[:filter.Limit]
	}
	blobs := make([][]byte, len(ids))
	for i, id := range ids {
		blobs[i] = s.executions[id]
	}
	s.mu.RUnlock()

	out := make([]*schema.Execution, 0, len(blobs))
	for _, b := range blobs {
		exec, err := decodeExecution(b)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	s.nextEvent++
	event.ID = s.nextEvent
	event.Sequence = int64(len(s.events[event.ExecutionID]) + 1)
	cp := *event
	s.events[event.ExecutionID] = append(s.events[event.ExecutionID], &cp)
	return nil
}

func (s *MemoryStore) GetEvents(_ context.Context, executionID string, since int64) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Event
	for _, e := range s.events[executionID] {
		if e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetEventsByType(_ context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	s.mu.RLock()
	var out []*Event
	for _, evs := range s.events {
		for _, e := range evs {
			if e.Type != eventType || (!filter.Since.IsZero() && e.Timestamp.Before(filter.Since)) {
				continue
			}
			cp := *e
			out = append(out, &cp)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) CreateScheduledJob(_ context.Context, job *ScheduledJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	if _, ok := s.jobs[job.ID]; ok {
		return conflict("scheduled job", job.ID)
	}
	cp := *job
	cp.CreatedAt = timeOrNow(job.CreatedAt)
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemoryStore) GetScheduledJob(_ context.Context, id string) (*ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, notFound("scheduled job", id)
	}
	cp := *j
	return &cp, nil
}

func (s *MemoryStore) UpdateScheduledJob(_ context.Context, id string, update ScheduledJobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return notFound("scheduled job", id)
	}
	if update.Enabled != nil {
		j.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		t := *update.LastRunAt
		j.LastRunAt = &t
	}
	if update.NextRunAt != nil {
		t := *update.NextRunAt
		j.NextRunAt = &t
	}
	if update.LastRunStatus != "" {
		j.LastRunStatus = update.LastRunStatus
	}
	if update.LastExecutionID != "" {
		j.LastExecutionID = update.LastExecutionID
	}
	return nil
}

func (s *MemoryStore) ListScheduledJobs(_ context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	s.mu.RLock()
	var out []*ScheduledJob
	for _, j := range s.jobs {
		if filter.matches(j) {
			cp := *j
			out = append(out, &cp)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteScheduledJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return notFound("scheduled job", id)
	}
	delete(s.jobs, id)
	return nil
}

func (s *MemoryStore) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errClosed
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

var errClosed = schema.NewError(schema.ErrCodeStore, "store is closed")

func decodeExecution(b []byte) (*schema.Execution, error) {
	exec := &schema.Execution{}
	if err := json.Unmarshal(b, exec); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "decode execution: %v", err)
	}
	return exec, nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

var _ Store = (*MemoryStore)(nil)
