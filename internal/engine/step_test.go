package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/rendis/conductor/internal/identity"
	"github.com/rendis/conductor/pkg/agent"
	"github.com/rendis/conductor/pkg/schema"
)

func newStepExecutor(t *testing.T, resolver Resolver) *StepExecutor {
	t.Helper()
	return NewStepExecutor(NewInvoker(4, nil), resolver, nil, noop.NewTracerProvider().Tracer(""), nil)
}

func TestStepExecutor_ResolvesByCapability(t *testing.T) {
	reg := identity.NewRegistry()
	_, err := reg.Register(echoAgent("reviewer-1"), "review")
	require.NoError(t, err)
	x := newStepExecutor(t, reg)

	ec := NewExecutionContext(context.Background(), "exec-1", "review", "diff", nil)
	out := x.Execute(ec, &Step{ID: "review", Kind: schema.StepKindAgent, Agent: &AgentSpec{Capability: "review"}})

	require.Equal(t, OutcomeSuccess, out.Kind)
	assert.Equal(t, "reviewer-1:diff", out.Output)
	assert.Equal(t, "reviewer-1", out.AgentID)
	assert.Equal(t, unitUsage, out.Usage)

	out = x.Execute(ec, &Step{ID: "review", Kind: schema.StepKindAgent, Agent: &AgentSpec{Capability: "deploy"}})
	require.Equal(t, OutcomeFailure, out.Kind)
	assert.Equal(t, schema.ErrCodeNotFound, out.Err.Code)
	assert.Equal(t, "review", out.Err.StepID)
}

func TestStepExecutor_NoResolver(t *testing.T) {
	x := newStepExecutor(t, nil)
	ec := NewExecutionContext(context.Background(), "exec-1", "s", nil, nil)
	out := x.Execute(ec, &Step{ID: "s", Kind: schema.StepKindAgent, Agent: &AgentSpec{AgentID: "ghost"}})
	require.Equal(t, OutcomeFailure, out.Kind)
	assert.Contains(t, out.Err.Message, "no agent resolver")
}

func TestStepExecutor_PassesContextToAgent(t *testing.T) {
	var got agent.Options
	var gotTask any
	spy := agent.NewFunc("spy", "", func(_ context.Context, task any, opts agent.Options) (*agent.Outcome, error) {
		got, gotTask = opts, task
		return agent.Object(map[string]any{"n": 1}, nil), nil
	})
	x := newStepExecutor(t, nil)

	ec := NewExecutionContext(context.Background(), "exec-9", "plan", "in", map[string]any{"prev": "p"})
	ec.resume, ec.hasResume = "yes", true
	out := x.Execute(ec, &Step{
		ID:   "plan",
		Kind: schema.StepKindAgent,
		Agent: &AgentSpec{
			Agent:          spy,
			InputFunc:      func(ec *ExecutionContext) (any, error) { return "projected:" + ec.Input().(string), nil },
			ConversationID: "conv-1",
			UserID:         "u-1",
			MapResult: func(_ *ExecutionContext, output any) (any, error) {
				return output.(map[string]any)["n"], nil
			},
		},
	})

	require.Equal(t, OutcomeSuccess, out.Kind)
	assert.Equal(t, 1, out.Output)
	assert.Equal(t, "projected:in", gotTask)
	assert.Equal(t, "conv-1", got.ConversationID)
	assert.Equal(t, "u-1", got.UserID)
	assert.Equal(t, "exec-9", got.Context["execution_id"])
	assert.Equal(t, "plan", got.Context["step_id"])
	assert.Equal(t, "yes", got.Context["resume_input"])
	assert.Equal(t, map[string]any{"prev": "p"}, got.Context["results"])
}

func TestStepExecutor_AgentOutcomes(t *testing.T) {
	tests := []struct {
		name string
		res  *agent.Outcome
		err  error
		kind OutcomeKind
		code string
	}{
		{"suspend", agent.Suspend("need approval"), nil, OutcomeSuspend, ""},
		{"bail", agent.Bail(map[string]any{"done": true}, nil), nil, OutcomeBail, ""},
		{"failure", agent.Failure("bad input"), nil, OutcomeFailure, schema.ErrCodeAgent},
		{"error", nil, schema.NewError(schema.ErrCodeConflict, "busy"), OutcomeFailure, schema.ErrCodeConflict},
		{"nil outcome", nil, nil, OutcomeSuccess, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := agent.NewFunc("a", "", func(context.Context, any, agent.Options) (*agent.Outcome, error) {
				return tt.res, tt.err
			})
			x := newStepExecutor(t, nil)
			ec := NewExecutionContext(context.Background(), "e", "s", nil, nil)
			out := x.Execute(ec, &Step{ID: "s", Kind: schema.StepKindAgent, Agent: &AgentSpec{Agent: a}})

			assert.Equal(t, tt.kind, out.Kind)
			assert.Equal(t, "a", out.AgentID)
			if tt.code != "" {
				require.NotNil(t, out.Err)
				assert.Equal(t, tt.code, out.Err.Code)
			}
		})
	}
}

func TestStepExecutor_Timeout(t *testing.T) {
	slow := agent.NewFunc("slow", "", func(ctx context.Context, _ any, _ agent.Options) (*agent.Outcome, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return agent.Text("too late", nil), nil
		}
	})
	x := newStepExecutor(t, nil)
	ec := NewExecutionContext(context.Background(), "e", "s", nil, nil)

	started := time.Now()
	out := x.Execute(ec, &Step{ID: "s", Kind: schema.StepKindAgent, Timeout: 20 * time.Millisecond, Agent: &AgentSpec{Agent: slow}})
	require.Equal(t, OutcomeFailure, out.Kind)
	assert.Equal(t, schema.ErrCodeStepFailed, out.Err.Code)
	assert.Contains(t, out.Err.Message, "did not respond within")
	assert.Less(t, time.Since(started), 2*time.Second)
}

func TestStepExecutor_WaitStep(t *testing.T) {
	x := newStepExecutor(t, nil)
	ready := false
	step := &Step{
		ID:        "hold",
		Kind:      schema.StepKindWait,
		Condition: func(*ExecutionContext) (bool, error) { return ready, nil },
	}

	ec := NewExecutionContext(context.Background(), "e", "hold", nil, nil)
	out := x.Execute(ec, step)
	assert.Equal(t, OutcomeSuspend, out.Kind)

	ready = true
	out = x.Execute(ec, step)
	assert.Equal(t, Success(true), out)

	ready = false
	ec.resume, ec.hasResume = "override", true
	out = x.Execute(ec, step)
	assert.Equal(t, "override", out.Output)
}

func TestStepExecutor_GuardError(t *testing.T) {
	x := newStepExecutor(t, nil)
	ec := NewExecutionContext(context.Background(), "e", "s", nil, nil)
	out := x.Execute(ec, &Step{
		ID:   "s",
		When: func(*ExecutionContext) (bool, error) { return false, schema.NewError(schema.ErrCodeExpression, "bad guard") },
		Run:  func(*ExecutionContext) Outcome { return Success(1) },
	})
	require.Equal(t, OutcomeFailure, out.Kind)
	assert.Equal(t, schema.ErrCodeExpression, out.Err.Code)
}
