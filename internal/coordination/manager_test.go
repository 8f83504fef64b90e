package coordination

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conductor/internal/engine"
	"github.com/rendis/conductor/internal/identity"
	"github.com/rendis/conductor/pkg/agent"
	"github.com/rendis/conductor/pkg/schema"
)

type eventLog struct {
	mu    sync.Mutex
	names []string
}

func (l *eventLog) Publish(_ context.Context, name string, _ any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.names = append(l.names, name)
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.names...)
}

var stageUsage = &schema.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}

func fixed(id, reply string) agent.Agent {
	return agent.NewFunc(id, "", func(context.Context, any, agent.Options) (*agent.Outcome, error) {
		return agent.Text(reply, stageUsage), nil
	})
}

// echo returns its task, prefixed by its id.
func echo(id string) agent.Agent {
	return agent.NewFunc(id, "", func(_ context.Context, task any, _ agent.Options) (*agent.Outcome, error) {
		return agent.Text(fmt.Sprintf("%s<%v>", id, task), stageUsage), nil
	})
}

func newManager(t *testing.T, cfg Config, agents ...agent.Agent) (*Manager, *identity.Registry, *eventLog) {
	t.Helper()
	reg := identity.NewRegistry()
	for _, a := range agents {
		_, err := reg.Register(a)
		require.NoError(t, err)
	}
	log := &eventLog{}
	m := New(cfg, engine.NewInvoker(8, nil), reg, WithPublisher(log))
	t.Cleanup(func() { m.CancelAll("test cleanup") })
	return m, reg, log
}

func waitResult(t *testing.T, m *Manager, id string) *schema.CoordinationResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := m.Wait(ctx, id)
	require.NoError(t, err)
	return res
}

func TestSequential_TargetSeesSourceOutput(t *testing.T) {
	m, _, log := newManager(t, DefaultConfig(), fixed("writer", "draft v1"), echo("editor"))

	id, err := m.Request(context.Background(), schema.CoordinationRequest{
		SourceAgentID: "writer",
		TargetAgentID: "editor",
		Mode:          schema.ModeSequential,
		Task:          "write release notes",
	})
	require.NoError(t, err)

	res := waitResult(t, m, id)
	require.Equal(t, schema.CoordinationSuccess, res.Status, "error: %v", res.Error)
	require.Len(t, res.Outputs, 2)
	assert.Equal(t, "write release notes\n\ndraft v1", res.Outputs[1].Input)
	assert.Contains(t, res.FinalOutput, "draft v1")
	assert.Equal(t, "editor<write release notes\n\ndraft v1>", res.FinalOutput)
	assert.Equal(t, int64(10), res.Usage.TotalTokens)
	assert.False(t, res.FinishedAt.IsZero())

	require.Eventually(t, func() bool { return len(log.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{schema.EventCoordinationStarted, schema.EventCoordinationCompleted}, log.snapshot())
}

func TestSequential_StructuredTaskIsWrapped(t *testing.T) {
	var got any
	target := agent.NewFunc("reviewer", "", func(_ context.Context, task any, _ agent.Options) (*agent.Outcome, error) {
		got = task
		return agent.Object(map[string]any{"ok": true}, nil), nil
	})
	m, _, _ := newManager(t, DefaultConfig(), fixed("linter", "2 warnings"), target)

	id, err := m.Request(context.Background(), schema.CoordinationRequest{
		SourceAgentID: "linter",
		TargetAgentID: "reviewer",
		Mode:          schema.ModeSequential,
		Task:          map[string]any{"pr": 42},
	})
	require.NoError(t, err)
	res := waitResult(t, m, id)
	require.Equal(t, schema.CoordinationSuccess, res.Status)
	assert.Equal(t, map[string]any{"task": map[string]any{"pr": 42}, "previous_output": "2 warnings"}, got)
	assert.Equal(t, map[string]any{"ok": true}, res.FinalOutput)
}

func TestSequential_SourceBailSkipsTarget(t *testing.T) {
	var targetCalls atomic.Int32
	source := agent.NewFunc("triage", "", func(context.Context, any, agent.Options) (*agent.Outcome, error) {
		return agent.Bail("duplicate of #12", nil), nil
	})
	target := agent.NewFunc("fixer", "", func(context.Context, any, agent.Options) (*agent.Outcome, error) {
		targetCalls.Add(1)
		return agent.Text("fixed", nil), nil
	})
	m, _, _ := newManager(t, DefaultConfig(), source, target)

	id, err := m.Request(context.Background(), schema.CoordinationRequest{
		SourceAgentID: "triage", TargetAgentID: "fixer", Mode: schema.ModeSequential, Task: "bug",
	})
	require.NoError(t, err)
	res := waitResult(t, m, id)
	assert.Equal(t, schema.CoordinationSuccess, res.Status)
	assert.Equal(t, "duplicate of #12", res.FinalOutput)
	require.Len(t, res.Outputs, 1)
	assert.True(t, res.Outputs[0].Bailed)
	assert.Zero(t, targetCalls.Load())
}

func TestTimeout_NeverResolvingTarget(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	stuck := agent.NewFunc("stuck", "", func(context.Context, any, agent.Options) (*agent.Outcome, error) {
		<-block
		return agent.Text("too late", nil), nil
	})
	m, _, log := newManager(t, DefaultConfig(), fixed("planner", "plan"), stuck)

	started := time.Now()
	id, err := m.Request(context.Background(), schema.CoordinationRequest{
		SourceAgentID: "planner",
		TargetAgentID: "stuck",
		Mode:          schema.ModeSequential,
		Task:          "go",
		Timeout:       50 * time.Millisecond,
	})
	require.NoError(t, err)

	res := waitResult(t, m, id)
	elapsed := time.Since(started)
	assert.Equal(t, schema.CoordinationTimeout, res.Status)
	assert.Less(t, elapsed, time.Second)
	assert.GreaterOrEqual(t, elapsed, 45*time.Millisecond)
	require.NotNil(t, res.Error)
	assert.Equal(t, schema.ErrCodeCoordinationTimeout, res.Error.Code)
	require.Len(t, res.Outputs, 1, "partial output from the source is kept")
	assert.Equal(t, "plan", res.Outputs[0].Output)
	assert.Nil(t, res.FinalOutput)

	require.Eventually(t, func() bool {
		names := log.snapshot()
		return len(names) == 2 && names[1] == schema.EventCoordinationTimeout
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, m.Stats().ByStatus[schema.CoordinationTimeout])
	assert.Zero(t, m.Stats().Running)
}

func TestParallel_CombinesOutputs(t *testing.T) {
	var arrived sync.WaitGroup
	arrived.Add(2)
	both := make(chan struct{})
	go func() { arrived.Wait(); close(both) }()

	side := func(id string) agent.Agent {
		return agent.NewFunc(id, "", func(_ context.Context, task any, _ agent.Options) (*agent.Outcome, error) {
			arrived.Done()
			select {
			case <-both:
			case <-time.After(2 * time.Second):
				return agent.Failure("not concurrent"), nil
			}
			return agent.Text(fmt.Sprintf("%s:%v", id, task), stageUsage), nil
		})
	}
	m, _, _ := newManager(t, DefaultConfig(), side("security"), side("perf"))

	id, err := m.Request(context.Background(), schema.CoordinationRequest{
		SourceAgentID: "security", TargetAgentID: "perf", Mode: schema.ModeParallel, Task: "review",
	})
	require.NoError(t, err)
	res := waitResult(t, m, id)
	require.Equal(t, schema.CoordinationSuccess, res.Status, "error: %v", res.Error)
	assert.Equal(t, map[string]any{"source": "security:review", "target": "perf:review"}, res.FinalOutput)
	assert.Len(t, res.Outputs, 2)
	assert.Equal(t, int64(10), res.Usage.TotalTokens)
}

func TestParallel_OneFailureFails(t *testing.T) {
	broken := agent.NewFunc("broken", "", func(context.Context, any, agent.Options) (*agent.Outcome, error) {
		return agent.Failure("quota exceeded"), nil
	})
	m, _, log := newManager(t, DefaultConfig(), fixed("ok", "fine"), broken)

	id, err := m.Request(context.Background(), schema.CoordinationRequest{
		SourceAgentID: "ok", TargetAgentID: "broken", Mode: schema.ModeParallel, Task: "t",
	})
	require.NoError(t, err)
	res := waitResult(t, m, id)
	assert.Equal(t, schema.CoordinationFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, schema.ErrCodeAgent, res.Error.Code)
	assert.Contains(t, res.Error.Message, "quota exceeded")
	assert.Len(t, res.Outputs, 2)
	require.Eventually(t, func() bool {
		names := log.snapshot()
		return len(names) == 2 && names[1] == schema.EventCoordinationFailed
	}, time.Second, 5*time.Millisecond)
}

func TestParallel_SameAgentKeepsBothOutputs(t *testing.T) {
	m, _, _ := newManager(t, DefaultConfig(), echo("a"))

	id, err := m.Request(context.Background(), schema.CoordinationRequest{
		SourceAgentID: "a", TargetAgentID: "a", Mode: schema.ModeParallel, Task: "x",
	})
	require.NoError(t, err)
	res := waitResult(t, m, id)
	require.Equal(t, schema.CoordinationSuccess, res.Status, "error: %v", res.Error)
	assert.Equal(t, map[string]any{"source": "a<x>", "target": "a<x>"}, res.FinalOutput)
	assert.Len(t, res.Outputs, 2)
}

func TestParallel_FailureCancelsSibling(t *testing.T) {
	broken := agent.NewFunc("broken", "", func(context.Context, any, agent.Options) (*agent.Outcome, error) {
		return nil, fmt.Errorf("upstream unavailable")
	})
	hung := agent.NewFunc("hung", "", func(ctx context.Context, _ any, _ agent.Options) (*agent.Outcome, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	m, _, _ := newManager(t, DefaultConfig(), broken, hung)

	started := time.Now()
	id, err := m.Request(context.Background(), schema.CoordinationRequest{
		SourceAgentID: "broken", TargetAgentID: "hung", Mode: schema.ModeParallel, Task: "t",
		Timeout: 3 * time.Second,
	})
	require.NoError(t, err)
	res := waitResult(t, m, id)

	assert.Less(t, time.Since(started), time.Second)
	assert.Equal(t, schema.CoordinationFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, schema.ErrCodeAgent, res.Error.Code)
	assert.Contains(t, res.Error.Message, "upstream unavailable")
}

func TestPipeline_ChainsStages(t *testing.T) {
	m, _, _ := newManager(t, DefaultConfig(), echo("a"), echo("b"), echo("c"), echo("d"))

	id, err := m.Request(context.Background(), schema.CoordinationRequest{
		SourceAgentID: "a",
		Intermediates: []string{"b", "c"},
		TargetAgentID: "d",
		Mode:          schema.ModePipeline,
		Task:          "x",
	})
	require.NoError(t, err)
	res := waitResult(t, m, id)
	require.Equal(t, schema.CoordinationSuccess, res.Status)
	assert.Equal(t, "d<c<b<a<x>>>>", res.FinalOutput)
	require.Len(t, res.Outputs, 4)
	for i, id := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, id, res.Outputs[i].AgentID)
	}
	assert.Equal(t, int64(20), res.Usage.TotalTokens)
}

func TestPipeline_ShortCircuitsOnFailure(t *testing.T) {
	var lastCalls atomic.Int32
	last := agent.NewFunc("last", "", func(context.Context, any, agent.Options) (*agent.Outcome, error) {
		lastCalls.Add(1)
		return agent.Text("done", nil), nil
	})
	failing := agent.NewFunc("middle", "", func(context.Context, any, agent.Options) (*agent.Outcome, error) {
		return nil, fmt.Errorf("connection reset")
	})
	m, _, _ := newManager(t, DefaultConfig(), echo("first"), failing, last)

	id, err := m.Request(context.Background(), schema.CoordinationRequest{
		SourceAgentID: "first", Intermediates: []string{"middle"}, TargetAgentID: "last",
		Mode: schema.ModePipeline, Task: "x",
	})
	require.NoError(t, err)
	res := waitResult(t, m, id)
	assert.Equal(t, schema.CoordinationFailed, res.Status)
	assert.Equal(t, 1, res.Error.Details["stage"])
	assert.Contains(t, res.Error.Message, "connection reset")
	assert.Len(t, res.Outputs, 2)
	assert.Zero(t, lastCalls.Load())
}

func TestRequest_Validation(t *testing.T) {
	m, reg, _ := newManager(t, DefaultConfig(), echo("a"))
	_, err := reg.Register(echo("b"), "review")
	require.NoError(t, err)

	_, err = m.Request(context.Background(), schema.CoordinationRequest{SourceAgentID: "a", TargetAgentID: "ghost", Mode: schema.ModeSequential})
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))

	_, err = m.Request(context.Background(), schema.CoordinationRequest{SourceAgentID: "a", TargetAgentID: "b", Mode: schema.ModePipeline})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = m.Request(context.Background(), schema.CoordinationRequest{SourceAgentID: "a", TargetAgentID: "b", Mode: "broadcast"})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	id, err := m.Request(context.Background(), schema.CoordinationRequest{
		ID: "fixed-id", SourceAgentID: "a", TargetCapability: "review", Mode: schema.ModeSequential, Task: "t",
	})
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", id)
	res := waitResult(t, m, id)
	assert.Equal(t, "b<t\n\na<t>>", res.FinalOutput)

	_, err = m.Request(context.Background(), schema.CoordinationRequest{
		ID: "fixed-id", SourceAgentID: "a", TargetAgentID: "b", Mode: schema.ModeSequential,
	})
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))

	_, err = m.Result("missing")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestPriority_OrdersQueuedRequests(t *testing.T) {
	gate := make(chan struct{})
	var (
		mu    sync.Mutex
		order []string
	)
	blocker := agent.NewFunc("blocker", "", func(context.Context, any, agent.Options) (*agent.Outcome, error) {
		<-gate
		return agent.Text("unblocked", nil), nil
	})
	recorder := agent.NewFunc("recorder", "", func(_ context.Context, task any, opts agent.Options) (*agent.Outcome, error) {
		if opts.Context["stage"] == 0 {
			mu.Lock()
			order = append(order, task.(string))
			mu.Unlock()
		}
		return agent.Text("ok", nil), nil
	})
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 1
	m, _, _ := newManager(t, cfg, blocker, recorder)

	first, err := m.Request(context.Background(), schema.CoordinationRequest{
		SourceAgentID: "blocker", TargetAgentID: "recorder", Mode: schema.ModeSequential, Task: "first",
	})
	require.NoError(t, err)

	queued := []struct {
		task     string
		priority schema.Priority
	}{
		{"low", schema.PriorityLow},
		{"normal", ""},
		{"high-1", schema.PriorityHigh},
		{"high-2", schema.PriorityHigh},
	}
	ids := make([]string, 0, len(queued))
	for _, q := range queued {
		id, err := m.Request(context.Background(), schema.CoordinationRequest{
			SourceAgentID: "recorder", TargetAgentID: "recorder", Mode: schema.ModeSequential,
			Task: q.task, Priority: q.priority,
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	st := m.Stats()
	assert.Equal(t, 1, st.Running)
	assert.Equal(t, 4, st.Queued)
	res, err := m.Result(ids[0])
	require.NoError(t, err)
	assert.Equal(t, schema.CoordinationPending, res.Status)

	close(gate)
	waitResult(t, m, first)
	for _, id := range ids {
		waitResult(t, m, id)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high-1", "high-2", "normal", "low"}, order)
}

func TestShutdown_CloseCancelAllDrain(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	stuck := agent.NewFunc("stuck", "", func(context.Context, any, agent.Options) (*agent.Outcome, error) {
		<-block
		return agent.Text("late", nil), nil
	})
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 1
	m, _, _ := newManager(t, cfg, stuck, echo("b"))

	running, err := m.Request(context.Background(), schema.CoordinationRequest{
		SourceAgentID: "stuck", TargetAgentID: "b", Mode: schema.ModeSequential, Task: "t",
	})
	require.NoError(t, err)
	queued, err := m.Request(context.Background(), schema.CoordinationRequest{
		SourceAgentID: "b", TargetAgentID: "b", Mode: schema.ModeSequential, Task: "t",
	})
	require.NoError(t, err)

	m.Close()
	_, err = m.Request(context.Background(), schema.CoordinationRequest{
		SourceAgentID: "b", TargetAgentID: "b", Mode: schema.ModeSequential, Task: "t",
	})
	assert.Equal(t, schema.ErrCodeShuttingDown, schema.CodeOf(err))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, m.Drain(ctx))

	ids := m.CancelAll("shutdown")
	assert.ElementsMatch(t, []string{running, queued}, ids)
	assert.NoError(t, m.Drain(context.Background()))

	for _, id := range ids {
		res, err := m.Result(id)
		require.NoError(t, err)
		assert.Equal(t, schema.CoordinationCancelled, res.Status)
		assert.Equal(t, schema.ErrCodeCancelled, res.Error.Code)
	}
	assert.Zero(t, m.Stats().Queued)
}

func TestHandoff(t *testing.T) {
	assert.Equal(t, "task\n\nprev", handoff("task", "prev"))
	assert.Equal(t, "task\n\n{\"n\":1}", handoff("task", map[string]any{"n": 1}))
	assert.True(t, strings.HasSuffix(handoff("task", nil).(string), "\n\n"))
	assert.Equal(t, map[string]any{"task": 7, "previous_output": "p"}, handoff(7, "p"))
}
