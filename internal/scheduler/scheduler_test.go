package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conductor/internal/events"
	"github.com/rendis/conductor/internal/store"
	"github.com/rendis/conductor/pkg/schema"
)

type runCall struct {
	WorkflowID string
	Input      any
}

// mockRunner records starts and reports whatever status the test sets.
type mockRunner struct {
	mu       sync.Mutex
	calls    []runCall
	err      error
	statuses map[string]schema.ExecutionStatus
}

func newMockRunner() *mockRunner {
	return &mockRunner{statuses: make(map[string]schema.ExecutionStatus)}
}

func (r *mockRunner) ExecuteByID(_ context.Context, workflowID string, input any) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	r.calls = append(r.calls, runCall{WorkflowID: workflowID, Input: input})
	id := fmt.Sprintf("exec-%d", len(r.calls))
	r.statuses[id] = schema.ExecutionRunning
	return id, nil
}

func (r *mockRunner) Status(_ context.Context, id string) (*schema.Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.statuses[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
	}
	return &schema.Execution{ID: id, Status: st}, nil
}

func (r *mockRunner) finish(id string) {
	r.mu.Lock()
	r.statuses[id] = schema.ExecutionCompleted
	r.mu.Unlock()
}

func (r *mockRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

var now = time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

func newTestScheduler(t *testing.T, runner *mockRunner, opts ...Option) (*Scheduler, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	return NewScheduler(ms, runner, opts...), ms
}

func dueJob(t *testing.T, ms *store.MemoryStore, id, workflowID string, next *time.Time) {
	t.Helper()
	require.NoError(t, ms.CreateScheduledJob(context.Background(), &store.ScheduledJob{
		ID:             id,
		WorkflowID:     workflowID,
		CronExpression: "0 * * * *",
		Enabled:        true,
		NextRunAt:      next,
	}))
}

func TestCalculateNextRun(t *testing.T) {
	sched, _ := newTestScheduler(t, newMockRunner())

	next, err := sched.CalculateNextRun("0 * * * *", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), next)

	next, err = sched.CalculateNextRun("*/15 * * * *", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), next)

	next, err = sched.CalculateNextRun("@every 5m", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(5*time.Minute), next)

	_, err = sched.CalculateNextRun("invalid cron", now)
	require.Error(t, err)
}

func TestSchedule_CreatesJob(t *testing.T) {
	sched, ms := newTestScheduler(t, newMockRunner())
	ctx := context.Background()

	id, err := sched.Schedule(ctx, "0 2 * * *", "nightly", map[string]any{"region": "eu"})
	require.NoError(t, err)

	job, err := ms.GetScheduledJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "nightly", job.WorkflowID)
	assert.True(t, job.Enabled)
	assert.JSONEq(t, `{"region":"eu"}`, string(job.Input))
	require.NotNil(t, job.NextRunAt)
	assert.Equal(t, time.Date(2026, 2, 11, 2, 0, 0, 0, time.UTC), *job.NextRunAt)

	jobs, err := sched.Jobs(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	require.NoError(t, sched.Unschedule(ctx, id))
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(sched.Unschedule(ctx, id)))
}

func TestSchedule_RejectsBadInput(t *testing.T) {
	sched, _ := newTestScheduler(t, newMockRunner())
	ctx := context.Background()

	_, err := sched.Schedule(ctx, "every tuesday", "wf", nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = sched.Schedule(ctx, "@hourly", "", nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = sched.Schedule(ctx, "@hourly", "wf", make(chan int))
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestTick_RunsDueJobsOnly(t *testing.T) {
	runner := newMockRunner()
	sched, ms := newTestScheduler(t, runner)
	ctx := context.Background()
	past, future := now.Add(-time.Hour), now.Add(time.Hour)

	dueJob(t, ms, "due-1", "alpha", &past)
	dueJob(t, ms, "not-due", "beta", &future)
	dueJob(t, ms, "due-2", "gamma", nil)
	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID: "disabled", WorkflowID: "delta", CronExpression: "0 * * * *", NextRunAt: &past,
	}))

	sched.Tick(ctx)

	assert.Equal(t, 2, runner.callCount())
	var names []string
	for _, c := range runner.calls {
		names = append(names, c.WorkflowID)
	}
	assert.ElementsMatch(t, []string{"alpha", "gamma"}, names)
}

func TestTick_UpdatesJobAfterRun(t *testing.T) {
	runner := newMockRunner()
	bus := events.NewBus()
	var fired []schema.ScheduleEvent
	bus.Subscribe(schema.EventScheduleFired, func(_ context.Context, ev events.Event) error {
		fired = append(fired, ev.Data.(schema.ScheduleEvent))
		return nil
	})
	sched, ms := newTestScheduler(t, runner, WithPublisher(bus))
	ctx := context.Background()
	past := now.Add(-30 * time.Minute)

	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID:             "job-update",
		WorkflowID:     "process",
		CronExpression: "*/15 * * * *",
		Input:          json.RawMessage(`{"env":"staging"}`),
		Enabled:        true,
		NextRunAt:      &past,
	}))

	sched.Tick(ctx)

	require.Equal(t, 1, runner.callCount())
	assert.Equal(t, "staging", runner.calls[0].Input.(map[string]any)["env"])

	got, err := ms.GetScheduledJob(ctx, "job-update")
	require.NoError(t, err)
	assert.Equal(t, RunStarted, got.LastRunStatus)
	assert.Equal(t, "exec-1", got.LastExecutionID)
	require.NotNil(t, got.LastRunAt)
	assert.Equal(t, now, *got.LastRunAt)
	assert.Equal(t, now.Add(15*time.Minute), *got.NextRunAt)

	require.Len(t, fired, 1)
	assert.Equal(t, schema.ScheduleEvent{
		ScheduleID:  "job-update",
		WorkflowID:  "process",
		ExecutionID: "exec-1",
		Status:      RunStarted,
	}, fired[0])
}

func TestTick_StartFailureIsRecorded(t *testing.T) {
	runner := newMockRunner()
	runner.err = schema.NewError(schema.ErrCodeNotFound, `workflow "deploy" not found`)
	sched, ms := newTestScheduler(t, runner)
	past := now.Add(-time.Hour)
	dueJob(t, ms, "job-fail", "deploy", &past)

	sched.Tick(context.Background())

	got, err := ms.GetScheduledJob(context.Background(), "job-fail")
	require.NoError(t, err)
	assert.Equal(t, RunError, got.LastRunStatus)
	assert.True(t, got.NextRunAt.After(now))
}

func TestTick_SkipsWhilePreviousRunActive(t *testing.T) {
	runner := newMockRunner()
	sched, ms := newTestScheduler(t, runner)
	ctx := context.Background()
	past := now.Add(-time.Hour)
	dueJob(t, ms, "job-overlap", "slow", &past)

	sched.Tick(ctx)
	require.Equal(t, 1, runner.callCount())

	rewind := func() {
		require.NoError(t, ms.UpdateScheduledJob(ctx, "job-overlap", store.ScheduledJobUpdate{NextRunAt: &past}))
	}

	rewind()
	sched.Tick(ctx)
	assert.Equal(t, 1, runner.callCount(), "exec-1 still running")
	got, err := ms.GetScheduledJob(ctx, "job-overlap")
	require.NoError(t, err)
	assert.Equal(t, RunSkipped, got.LastRunStatus)
	assert.Equal(t, "exec-1", got.LastExecutionID)

	runner.finish("exec-1")
	rewind()
	sched.Tick(ctx)
	assert.Equal(t, 2, runner.callCount())
}

func TestTick_DedupPreventsDoubleRun(t *testing.T) {
	runner := newMockRunner()
	sched, ms := newTestScheduler(t, runner)
	past := now.Add(-time.Hour)
	dueJob(t, ms, "job-dedup", "deploy", &past)

	require.True(t, sched.tryAcquire("job-dedup"))
	sched.Tick(context.Background())
	assert.Equal(t, 0, runner.callCount())

	sched.releaseJob("job-dedup")
	sched.Tick(context.Background())
	assert.Equal(t, 1, runner.callCount())
}

func TestStartStop(t *testing.T) {
	runner := newMockRunner()
	sched, ms := newTestScheduler(t, runner, WithTickInterval(10*time.Millisecond))
	past := now.Add(-time.Hour)
	dueJob(t, ms, "job-missed", "cleanup", &past)

	ctx := context.Background()
	require.NoError(t, sched.Start(ctx))
	err := sched.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	// The first tick fires jobs missed while stopped.
	assert.Eventually(t, func() bool { return runner.callCount() == 1 }, time.Second, 5*time.Millisecond)

	sched.Stop()
	sched.Stop()
}
