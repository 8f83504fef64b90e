// Package scheduler fires registered workflows on cron schedules.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/conductor/internal/store"
	"github.com/rendis/conductor/pkg/schema"
)

// DefaultTickInterval is how often due jobs are checked.
const DefaultTickInterval = time.Minute

// Run statuses recorded on a job.
const (
	RunStarted = "started"
	RunSkipped = "skipped"
	RunError   = "error"
)

// Runner starts registered workflows. Satisfied by the engine.
type Runner interface {
	ExecuteByID(ctx context.Context, workflowID string, input any) (string, error)
	Status(ctx context.Context, id string) (*schema.Execution, error)
}

// Publisher receives schedule.fired events.
type Publisher interface {
	Publish(ctx context.Context, name string, data any)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(l *slog.Logger) Option        { return func(s *Scheduler) { s.logger = l } }
func WithPublisher(p Publisher) Option        { return func(s *Scheduler) { s.publisher = p } }
func WithClock(now func() time.Time) Option   { return func(s *Scheduler) { s.now = now } }
func WithTickInterval(d time.Duration) Option { return func(s *Scheduler) { s.interval = d } }

// Scheduler polls the store for due jobs and starts their workflows.
type Scheduler struct {
	store     store.Store
	runner    Runner
	parser    cron.Parser
	logger    *slog.Logger
	publisher Publisher
	now       func() time.Time
	interval  time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs being fired right now
}

// NewScheduler creates a Scheduler. Cron expressions use the standard five
// fields or a descriptor such as "@hourly" or "@every 5m".
func NewScheduler(s store.Store, runner Runner, opts ...Option) *Scheduler {
	sched := &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:      time.Now,
		interval: DefaultTickInterval,
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(sched)
	}
	if sched.logger == nil {
		sched.logger = slog.Default()
	}
	if sched.interval <= 0 {
		sched.interval = DefaultTickInterval
	}
	return sched
}

// Schedule registers a job that runs workflowID with input on cronExpr and
// returns its id.
func (s *Scheduler) Schedule(ctx context.Context, cronExpr, workflowID string, input any) (string, error) {
	if workflowID == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "schedule needs a workflow id")
	}
	now := s.now().UTC()
	next, err := s.CalculateNextRun(cronExpr, now)
	if err != nil {
		return "", schema.NewError(schema.ErrCodeValidation, err.Error()).
			WithDetails(map[string]any{"cron_expression": cronExpr})
	}
	var raw json.RawMessage
	if input != nil {
		if raw, err = json.Marshal(input); err != nil {
			return "", schema.NewErrorf(schema.ErrCodeValidation, "schedule input is not JSON-encodable: %v", err)
		}
	}

	job := &store.ScheduledJob{
		ID:             uuid.NewString(),
		WorkflowID:     workflowID,
		CronExpression: cronExpr,
		Input:          raw,
		Enabled:        true,
		NextRunAt:      &next,
		CreatedAt:      now,
	}
	if err := s.store.CreateScheduledJob(ctx, job); err != nil {
		return "", schema.AsError(err, schema.ErrCodeStore)
	}
	s.logger.InfoContext(ctx, "workflow scheduled",
		slog.String("schedule_id", job.ID),
		slog.String("workflow_id", workflowID),
		slog.String("cron", cronExpr),
		slog.Time("next_run_at", next))
	return job.ID, nil
}

// Unschedule deletes a job.
func (s *Scheduler) Unschedule(ctx context.Context, id string) error {
	return s.store.DeleteScheduledJob(ctx, id)
}

// Jobs lists every scheduled job.
func (s *Scheduler) Jobs(ctx context.Context) ([]*store.ScheduledJob, error) {
	return s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{})
}

// Start launches the background loop. Jobs that came due while the
// scheduler was stopped fire once on the first tick.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go s.loop(schedCtx, done)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every enabled job that is due.
func (s *Scheduler) Tick(ctx context.Context) {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled jobs", slog.String("error", err.Error()))
		return
	}

	now := s.now().UTC()
	for _, job := range jobs {
		if job.NextRunAt != nil && job.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue
		}
		if err := s.runJob(ctx, job, now); err != nil {
			s.logger.Error("failed to run scheduled job",
				slog.String("schedule_id", job.ID),
				slog.String("error", err.Error()))
		}
		s.releaseJob(job.ID)
	}
}

// runJob starts the job's workflow unless its previous execution is still
// in flight, then advances the job's next run.
func (s *Scheduler) runJob(ctx context.Context, job *store.ScheduledJob, now time.Time) error {
	update := store.ScheduledJobUpdate{LastRunAt: &now}
	ev := schema.ScheduleEvent{ScheduleID: job.ID, WorkflowID: job.WorkflowID}

	switch {
	case s.previousRunActive(ctx, job):
		update.LastRunStatus = RunSkipped
		s.logger.Info("scheduled job skipped, previous run still active",
			slog.String("schedule_id", job.ID),
			slog.String("execution_id", job.LastExecutionID))
	default:
		var input any
		if len(job.Input) > 0 {
			if err := json.Unmarshal(job.Input, &input); err != nil {
				update.LastRunStatus = RunError
				ev.Error = schema.NewErrorf(schema.ErrCodeValidation, "decode schedule input: %v", err)
				break
			}
		}
		execID, err := s.runner.ExecuteByID(ctx, job.WorkflowID, input)
		if err != nil {
			update.LastRunStatus = RunError
			ev.Error = schema.AsError(err, schema.ErrCodeStepFailed)
			s.logger.Error("scheduled workflow failed to start",
				slog.String("schedule_id", job.ID),
				slog.String("workflow_id", job.WorkflowID),
				slog.String("error", err.Error()))
			break
		}
		update.LastRunStatus = RunStarted
		update.LastExecutionID = execID
		ev.ExecutionID = execID
		s.logger.Info("scheduled workflow started",
			slog.String("schedule_id", job.ID),
			slog.String("workflow_id", job.WorkflowID),
			slog.String("execution_id", execID))
	}

	ev.Status = update.LastRunStatus
	if s.publisher != nil {
		s.publisher.Publish(ctx, schema.EventScheduleFired, ev)
	}

	next, err := s.CalculateNextRun(job.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for job %q: %w", job.ID, err)
	}
	update.NextRunAt = &next
	return s.store.UpdateScheduledJob(ctx, job.ID, update)
}

func (s *Scheduler) previousRunActive(ctx context.Context, job *store.ScheduledJob) bool {
	if job.LastExecutionID == "" {
		return false
	}
	exec, err := s.runner.Status(ctx, job.LastExecutionID)
	if err != nil {
		return false
	}
	return !exec.Status.IsTerminal()
}

// tryAcquire marks the job in flight unless it already is.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

func (s *Scheduler) releaseJob(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop shuts the loop down and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.logger.Info("scheduler stopped")
}
