package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conductor/internal/engine"
	"github.com/rendis/conductor/internal/events"
	"github.com/rendis/conductor/internal/monitor"
	"github.com/rendis/conductor/internal/state"
	"github.com/rendis/conductor/internal/store"
	"github.com/rendis/conductor/pkg/agent"
	"github.com/rendis/conductor/pkg/schema"
)

var stepUsage = &schema.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}

// doneAgent answers "done:<step>" regardless of its task.
func doneAgent(id, step string) agent.Agent {
	return agent.NewFunc(id, "", func(context.Context, any, agent.Options) (*agent.Outcome, error) {
		return agent.Text("done:"+step, stepUsage), nil
	})
}

type captured struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *captured) handle(_ context.Context, ev events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *captured) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Name
	}
	return out
}

func (c *captured) has(name string) bool {
	for _, n := range c.names() {
		if n == name {
			return true
		}
	}
	return false
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Engine.Retention = 0
	cfg.Monitor.Interval = 20 * time.Millisecond
	cfg.Scheduler.Enabled = false
	cfg.ShutdownTimeout = time.Second
	return cfg
}

func newTestOrchestrator(t *testing.T, cfg Config) *Orchestrator {
	t.Helper()
	o, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { o.GracefulShutdown(time.Second) })
	return o
}

func registerPipelineAgents(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, o.RegisterAgent(ctx, doneAgent("analyst", StepAnalyze), "analyze"))
	require.NoError(t, o.RegisterAgent(ctx, doneAgent("developer", StepImplement), "implement"))
	require.NoError(t, o.RegisterAgent(ctx, doneAgent("reviewer", StepValidate), "validate"))
}

func waitFor(t *testing.T, o *Orchestrator, id string) *schema.Execution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exec, err := o.Wait(ctx, id)
	require.NoError(t, err)
	return exec
}

func TestConfig_DefaultsAndValidation(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	var zero Config
	require.NoError(t, zero.Validate())
	assert.Equal(t, BackendMemory, zero.State.Backend)
	assert.Equal(t, BackendMemory, zero.Store.Backend)
	assert.Equal(t, monitor.DefaultInterval, zero.Monitor.Interval)
	assert.Equal(t, "analyze", zero.Pipeline.AnalyzeCapability)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown state backend", func(c *Config) { c.State.Backend = "etcd" }},
		{"unknown store backend", func(c *Config) { c.Store.Backend = "postgres" }},
		{"redis without addr", func(c *Config) { c.State.Backend = BackendRedis; c.State.Addr = "" }},
		{"libsql without path", func(c *Config) { c.Store.Backend = BackendLibSQL; c.Store.Path = "" }},
		{"negative retention", func(c *Config) { c.Engine.Retention = -time.Second }},
		{"negative invocations", func(c *Config) { c.MaxConcurrentInvocations = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
		})
	}
}

func TestExecuteCompleteWorkflow(t *testing.T) {
	o := newTestOrchestrator(t, testConfig())
	rec := &captured{}
	o.OnEvent("*", rec.handle)
	registerPipelineAgents(t, o)

	id, err := o.ExecuteCompleteWorkflow(context.Background(), "add a login page")
	require.NoError(t, err)

	exec := waitFor(t, o, id)
	assert.Equal(t, schema.ExecutionCompleted, exec.Status)
	assert.Equal(t, map[string]any{
		StepAnalyze:   "done:analyze",
		StepImplement: "done:implement",
		StepValidate:  "done:validate",
	}, exec.Results)
	assert.Equal(t, []string{StepAnalyze, StepImplement, StepValidate}, exec.ResultOrder)
	assert.Equal(t, schema.Usage{PromptTokens: 30, CompletionTokens: 15, TotalTokens: 45}, exec.Usage)
	assert.Equal(t, "done:validate", exec.Output)

	assert.Eventually(t, func() bool { return rec.has(schema.EventExecutionCompleted) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{
		schema.EventAgentRegistered,
		schema.EventAgentRegistered,
		schema.EventAgentRegistered,
	}, rec.names()[:3])

	history, err := o.History(context.Background(), id)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, schema.EventExecutionStarted, history[0].Type)

	steps, err := o.StepHistory(context.Background(), id)
	require.NoError(t, err)
	require.Contains(t, steps, StepImplement)
	assert.Equal(t, schema.StepCompleted, steps[StepImplement].Status)
	assert.Equal(t, "developer", steps[StepImplement].AgentID)
}

func TestExecuteCompleteWorkflow_PassesPreviousOutput(t *testing.T) {
	o := newTestOrchestrator(t, testConfig())
	ctx := context.Background()

	var (
		mu   sync.Mutex
		seen = map[string]any{}
	)
	recording := func(id, step string) agent.Agent {
		return agent.NewFunc(id, "", func(_ context.Context, task any, _ agent.Options) (*agent.Outcome, error) {
			mu.Lock()
			seen[step] = task
			mu.Unlock()
			return agent.Text("done:"+step, nil), nil
		})
	}
	require.NoError(t, o.RegisterAgent(ctx, recording("a", StepAnalyze), "analyze"))
	require.NoError(t, o.RegisterAgent(ctx, recording("b", StepImplement), "implement"))
	require.NoError(t, o.RegisterAgent(ctx, recording("c", StepValidate), "validate"))

	id, err := o.ExecuteCompleteWorkflow(ctx, "ship it")
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionCompleted, waitFor(t, o, id).Status)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "ship it", seen[StepAnalyze])
	assert.Equal(t, map[string]any{"requirement": "ship it", StepAnalyze: "done:analyze"}, seen[StepImplement])
	assert.Equal(t, map[string]any{"requirement": "ship it", StepImplement: "done:implement"}, seen[StepValidate])
}

func TestExecuteCompleteWorkflow_MissingCapability(t *testing.T) {
	o := newTestOrchestrator(t, testConfig())
	ctx := context.Background()
	require.NoError(t, o.RegisterAgent(ctx, doneAgent("analyst", StepAnalyze), "analyze"))

	_, err := o.ExecuteCompleteWorkflow(ctx, "anything")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "implement")

	_, err = o.ExecuteCompleteWorkflow(ctx, "  ")
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestAgentRegistration(t *testing.T) {
	o := newTestOrchestrator(t, testConfig())
	rec := &captured{}
	o.OnEvent("agent.*", rec.handle)
	ctx := context.Background()

	require.NoError(t, o.RegisterAgent(ctx, doneAgent("analyst", "x"), "analyze", "review"))
	assert.Error(t, o.RegisterAgent(ctx, doneAgent("analyst", "x")))
	require.Len(t, o.Agents(), 1)

	require.NoError(t, o.UnregisterAgent(ctx, "analyst"))
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(o.UnregisterAgent(ctx, "analyst")))
	assert.Empty(t, o.Agents())

	assert.Equal(t, []string{schema.EventAgentRegistered, schema.EventAgentUnregistered}, rec.names())
	reg := rec.events[0].Data.(schema.AgentEvent)
	assert.Equal(t, []string{"analyze", "review"}, reg.Capabilities)
}

func TestDefineAndExecuteByID(t *testing.T) {
	o := newTestOrchestrator(t, testConfig())
	ctx := context.Background()
	require.NoError(t, o.RegisterAgent(ctx, doneAgent("writer", "draft"), "write"))

	def := &schema.WorkflowDefinition{
		ID:   "draft",
		Name: "Draft",
		Steps: []schema.StepDefinition{
			{ID: "draft", Kind: schema.StepKindAgent, Capability: "write"},
		},
	}
	require.True(t, o.Validate(def).Valid())
	_, err := o.Define(def)
	require.NoError(t, err)
	assert.Contains(t, o.Workflows(), "draft")

	_, err = o.Define(def)
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))

	id, err := o.ExecuteByID(ctx, "draft", nil)
	require.NoError(t, err)
	assert.Equal(t, "done:draft", waitFor(t, o, id).Results["draft"])

	list, err := o.Executions(ctx, schema.ExecutionFilter{WorkflowID: "draft"})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func approvalWorkflow(t *testing.T) *engine.Workflow {
	t.Helper()
	wf, err := engine.NewWorkflow("approval", "",
		engine.Step{ID: "prepare", Run: func(*engine.ExecutionContext) engine.Outcome { return engine.Success("ready") }},
		engine.Step{ID: "approve", Condition: func(*engine.ExecutionContext) (bool, error) { return false, nil }},
		engine.Step{ID: "publish", Run: func(ec *engine.ExecutionContext) engine.Outcome {
			v, _ := ec.Result("approve")
			return engine.Success(fmt.Sprintf("published:%v", v))
		}},
	)
	require.NoError(t, err)
	return wf
}

func TestSuspendResumeCancelThroughFacade(t *testing.T) {
	o := newTestOrchestrator(t, testConfig())
	ctx := context.Background()

	id, err := o.Execute(ctx, approvalWorkflow(t), nil)
	require.NoError(t, err)
	exec := waitFor(t, o, id)
	require.Equal(t, schema.ExecutionSuspended, exec.Status)

	exec, err = o.Resume(ctx, id, "yes")
	require.NoError(t, err)
	exec = waitFor(t, o, id)
	assert.Equal(t, schema.ExecutionCompleted, exec.Status)
	assert.Equal(t, "published:yes", exec.Output)

	again, err := o.Cancel(ctx, id, "too late")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, again.Status, "cancel on a terminal execution is a no-op")

	other, err := o.Execute(ctx, approvalWorkflow(t), nil)
	require.NoError(t, err)
	waitFor(t, o, other)
	cancelled, err := o.Cancel(ctx, other, "rejected")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCancelled, cancelled.Status)
}

func TestCoordinationThroughFacade(t *testing.T) {
	o := newTestOrchestrator(t, testConfig())
	ctx := context.Background()
	require.NoError(t, o.RegisterAgent(ctx, doneAgent("planner", "plan")))
	echo := agent.NewFunc("coder", "", func(_ context.Context, task any, _ agent.Options) (*agent.Outcome, error) {
		return agent.Text(fmt.Sprintf("coded[%v]", task), nil), nil
	})
	require.NoError(t, o.RegisterAgent(ctx, echo, "code"))

	id, err := o.RequestCoordination(ctx, schema.CoordinationRequest{
		SourceAgentID:    "planner",
		TargetCapability: "code",
		Mode:             schema.ModeSequential,
		Task:             "build the thing",
	})
	require.NoError(t, err)

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	res, err := o.WaitCoordination(wctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.CoordinationSuccess, res.Status)
	assert.Contains(t, res.FinalOutput, "done:plan")

	got, err := o.CoordinationResult(id)
	require.NoError(t, err)
	assert.Equal(t, res.Status, got.Status)
}

func TestStateOperations(t *testing.T) {
	o := newTestOrchestrator(t, testConfig())
	rec := &captured{}
	o.OnEvent("state.*", rec.handle)
	ctx := context.Background()

	require.NoError(t, o.SetState(ctx, "a.b", 1))
	v, ok, err := o.GetState(ctx, "a.b")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	require.NoError(t, o.SetState(ctx, "a.c", "x"))
	keys, err := o.ListStateKeys(ctx, "a.")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.b", "a.c"}, keys)

	require.NoError(t, o.DeleteState(ctx, "a.b"))
	_, ok, err = o.GetState(ctx, "a.b")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(o.SetState(ctx, "a..b", 1)))
	assert.Equal(t, []string{schema.EventStateSet, schema.EventStateSet, schema.EventStateDeleted}, rec.names())
}

func TestStateNamespaces(t *testing.T) {
	shared := state.NewMemoryStore()
	scoped := func(ns string) *Orchestrator {
		cfg := testConfig()
		cfg.State.Namespace = ns
		o, err := New(cfg, WithStateStore(shared))
		require.NoError(t, err)
		t.Cleanup(func() { o.GracefulShutdown(time.Second) })
		return o
	}
	billing, search := scoped("billing"), scoped("search")
	ctx := context.Background()

	require.NoError(t, billing.SetState(ctx, "cursor", 7))
	_, ok, err := search.GetState(ctx, "cursor")
	require.NoError(t, err)
	assert.False(t, ok)

	keys, err := billing.ListStateKeys(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"cursor"}, keys)

	v, ok, err := shared.Get(ctx, "billing.cursor")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 7, v)

	cfg := testConfig()
	cfg.State.Namespace = "bad..ns"
	_, err = New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state.namespace")
}

func TestScheduling(t *testing.T) {
	o := newTestOrchestrator(t, testConfig())
	ctx := context.Background()

	_, err := o.ScheduleWorkflow(ctx, "@hourly", "missing", nil)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))

	require.NoError(t, o.RegisterWorkflow(approvalWorkflow(t)))
	id, err := o.ScheduleWorkflow(ctx, "@hourly", "approval", map[string]any{"by": "cron"})
	require.NoError(t, err)

	jobs, err := o.Schedules(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].ID)

	require.NoError(t, o.Unschedule(ctx, id))
	jobs, err = o.Schedules(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestHealthAndMetrics(t *testing.T) {
	cfg := testConfig()
	cfg.Monitor.Interval = time.Minute
	o := newTestOrchestrator(t, cfg)
	ctx := context.Background()
	require.NoError(t, o.Start(ctx))
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(o.Start(ctx)))
	registerPipelineAgents(t, o)

	report := o.Health(ctx)
	assert.Equal(t, monitor.StatusHealthy, report.Status)
	var names []string
	for _, c := range report.Components {
		names = append(names, c.Name)
	}
	assert.Contains(t, names, "store")

	failing, err := o.Execute(ctx, mustFailing(t), nil)
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionFailed, waitFor(t, o, failing).Status)
	assert.Eventually(t, func() bool {
		return o.Health(ctx).Status == monitor.StatusDegraded
	}, time.Second, 5*time.Millisecond)

	id, err := o.ExecuteCompleteWorkflow(ctx, "metrics")
	require.NoError(t, err)
	waitFor(t, o, id)

	assert.Eventually(t, func() bool {
		snap := o.RefreshMetrics()
		return snap.Executions[string(schema.ExecutionCompleted)] == 1 &&
			snap.Executions[string(schema.ExecutionFailed)] == 1
	}, time.Second, 5*time.Millisecond)
	snap := o.Metrics()
	assert.EqualValues(t, 3, snap.Gauges["registered_agents"])
	assert.EqualValues(t, 3, snap.Events[schema.EventAgentRegistered])
	assert.EqualValues(t, 4, snap.Timers[monitor.TimerStep].Count)

	st := o.Stats()
	assert.Equal(t, 3, st.Agents)
	assert.Zero(t, st.Engine.Active)
}

func mustFailing(t *testing.T) *engine.Workflow {
	t.Helper()
	wf, err := engine.NewWorkflow("broken", "",
		engine.Step{ID: "explode", Run: func(*engine.ExecutionContext) engine.Outcome {
			return engine.Failedf("boom")
		}},
	)
	require.NoError(t, err)
	return wf
}

func TestGracefulShutdown_CancelsPermanentlySuspended(t *testing.T) {
	o, err := New(testConfig())
	require.NoError(t, err)
	rec := &captured{}
	o.OnEvent("*", rec.handle)
	ctx := context.Background()
	require.NoError(t, o.Start(ctx))

	id, err := o.Execute(ctx, approvalWorkflow(t), nil)
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionSuspended, waitFor(t, o, id).Status)

	const timeout = 100 * time.Millisecond
	start := time.Now()
	report := o.GracefulShutdown(timeout)
	assert.Less(t, time.Since(start), timeout+time.Second)

	assert.True(t, report.TimedOut)
	assert.Equal(t, []string{id}, report.CancelledExecutions)
	assert.Equal(t, schema.ErrCodeShutdownTimeout, schema.CodeOf(report.Error))

	exec, err := o.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCancelled, exec.Status)

	assert.True(t, rec.has(schema.EventExecutionCancelled))
	names := rec.names()
	assert.Equal(t, schema.EventOrchestratorStopped, names[len(names)-1])
}

func TestGracefulShutdown_DrainsInFlightWork(t *testing.T) {
	o, err := New(testConfig())
	require.NoError(t, err)
	ctx := context.Background()

	release := make(chan struct{})
	slow := agent.NewFunc("slow", "", func(ctx context.Context, _ any, _ agent.Options) (*agent.Outcome, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return agent.Text("finished", nil), nil
	})
	wf, err := engine.NewWorkflow("slow", "", engine.Step{ID: "work", Agent: &engine.AgentSpec{Agent: slow}})
	require.NoError(t, err)
	id, err := o.Execute(ctx, wf, nil)
	require.NoError(t, err)

	time.AfterFunc(50*time.Millisecond, func() { close(release) })
	report := o.GracefulShutdown(5 * time.Second)
	assert.False(t, report.TimedOut)
	assert.Empty(t, report.CancelledExecutions)
	assert.Nil(t, report.Error)

	exec, err := o.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, exec.Status)
}

func TestGracefulShutdown_VacuumsLibSQLStore(t *testing.T) {
	path := "file:" + filepath.Join(t.TempDir(), "conductor.db")
	cfg := testConfig()
	cfg.Store = StoreConfig{Backend: BackendLibSQL, Path: path, VacuumOnShutdown: true}

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	o, err := New(cfg, WithLogger(logger))
	require.NoError(t, err)
	registerPipelineAgents(t, o)

	id, err := o.ExecuteCompleteWorkflow(context.Background(), "compact me")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, waitFor(t, o, id).Status)

	report := o.GracefulShutdown(time.Second)
	require.Nil(t, report.Error)
	assert.Contains(t, logs.String(), "store vacuumed")
	assert.NotContains(t, logs.String(), "store vacuum failed")

	reopened, err := store.NewLibSQLStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	exec, err := reopened.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, exec.Status)
}

func TestGracefulShutdown_IdempotentAndRejectsNewWork(t *testing.T) {
	o, err := New(testConfig())
	require.NoError(t, err)
	ctx := context.Background()
	registerPipelineAgents(t, o)

	id, err := o.Execute(ctx, approvalWorkflow(t), nil)
	require.NoError(t, err)
	waitFor(t, o, id)

	reports := make([]*ShutdownReport, 3)
	var wg sync.WaitGroup
	for i := range reports {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[i] = o.GracefulShutdown(50 * time.Millisecond)
		}()
	}
	wg.Wait()
	assert.Same(t, reports[0], reports[1])
	assert.Same(t, reports[0], reports[2])
	assert.Same(t, reports[0], o.GracefulShutdown(time.Hour))

	select {
	case <-o.Done():
	default:
		t.Fatal("Done not closed after shutdown")
	}

	_, err = o.ExecuteCompleteWorkflow(ctx, "late")
	assert.Equal(t, schema.ErrCodeShuttingDown, schema.CodeOf(err))
	_, err = o.RequestCoordination(ctx, schema.CoordinationRequest{
		SourceAgentID: "analyst", TargetAgentID: "developer", Mode: schema.ModeSequential,
	})
	assert.Equal(t, schema.ErrCodeShuttingDown, schema.CodeOf(err))
	assert.Equal(t, schema.ErrCodeShuttingDown, schema.CodeOf(o.Start(ctx)))
}

func TestDiagram(t *testing.T) {
	o := newTestOrchestrator(t, testConfig())
	registerPipelineAgents(t, o)
	ctx := context.Background()

	g, err := o.Diagram(ctx, "complete", "")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"__start__"}, {StepAnalyze}, {StepImplement}, {StepValidate}, {"__end__"}}, g.Levels)
	assert.Nil(t, g.Node(StepAnalyze).Status)

	id, err := o.ExecuteCompleteWorkflow(ctx, "add a login page")
	require.NoError(t, err)
	waitFor(t, o, id)

	g, err = o.Diagram(ctx, "", id)
	require.NoError(t, err)
	require.NotNil(t, g.Node(StepImplement).Status)
	assert.Equal(t, "completed", g.Node(StepImplement).Status.Status)
	assert.Equal(t, "developer", g.Node(StepImplement).Status.AgentID)

	_, err = o.Diagram(ctx, "", "")
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
	_, err = o.Diagram(ctx, "missing", "")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}
