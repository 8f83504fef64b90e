package engine

import (
	"encoding/json"
	"time"

	"github.com/rendis/conductor/pkg/agent"
	"github.com/rendis/conductor/pkg/schema"
)

// StepFunc is the body of a transform step, or of any step that does its own work.
type StepFunc func(ec *ExecutionContext) Outcome

// Predicate is a guard or wait condition evaluated against the step's context.
type Predicate func(ec *ExecutionContext) (bool, error)

// Workflow is an immutable, validated workflow. Build one with NewWorkflow
// or compile a definition with Compiler.Compile.
type Workflow struct {
	ID   string
	Name string
	Tags []string

	steps []Step
	dag   *DAG
}

// Step is one typed unit of work.
type Step struct {
	ID        string
	Name      string
	Kind      schema.StepKind
	DependsOn []string

	// When skips the step if it evaluates to false.
	When Predicate

	// Agent configures agent-invocation steps.
	Agent *AgentSpec

	// Run is the body of transform steps. It overrides Agent when both are set.
	Run StepFunc

	// Condition gates wait steps: false suspends the execution until resumed.
	Condition Predicate

	// Timeout bounds an agent invocation. Zero means the engine default.
	Timeout time.Duration
}

// AgentSpec describes how an agent step picks its agent, builds its task and
// shapes the result.
type AgentSpec struct {
	// Exactly one of Agent, AgentID or Capability selects the agent.
	Agent      agent.Agent
	AgentID    string
	Capability string

	// Input is a literal task. InputFunc projects one from the context and
	// takes precedence. With neither, the execution input is the task.
	Input     any
	InputFunc func(ec *ExecutionContext) (any, error)

	// OutputSchema is a JSON Schema the agent's output must satisfy.
	OutputSchema json.RawMessage

	// MapResult shapes the validated output before it is recorded.
	MapResult func(ec *ExecutionContext, output any) (any, error)

	ConversationID string
	UserID         string
}

// NewWorkflow validates steps and plans their dependency graph. Steps with no
// DependsOn run after the step declared before them, so a plain list is a
// sequence; set DependsOn explicitly to branch. Use Parallel to declare a
// root step explicitly.
func NewWorkflow(id, name string, steps ...Step) (*Workflow, error) {
	if id == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow id is required")
	}
	if name == "" {
		name = id
	}
	cp := make([]Step, len(steps))
	copy(cp, steps)
	for i := range cp {
		s := &cp[i]
		if s.Kind == "" {
			switch {
			case s.Agent != nil:
				s.Kind = schema.StepKindAgent
			case s.Condition != nil:
				s.Kind = schema.StepKindWait
			default:
				s.Kind = schema.StepKindTransform
			}
		}
		if s.Name == "" {
			s.Name = s.ID
		}
		if s.DependsOn == nil && i > 0 {
			s.DependsOn = []string{cp[i-1].ID}
		}
		if err := validateStep(s); err != nil {
			return nil, err
		}
	}
	dag, err := ParseDAG(cp)
	if err != nil {
		return nil, err
	}
	return &Workflow{ID: id, Name: name, steps: cp, dag: dag}, nil
}

// Parallel marks a step as having no dependencies.
func Parallel(s Step) Step {
	s.DependsOn = []string{}
	return s
}

// Steps returns the steps in declaration order.
func (w *Workflow) Steps() []Step {
	out := make([]Step, len(w.steps))
	copy(out, w.steps)
	return out
}

// Step returns the step with the given id.
func (w *Workflow) Step(id string) (Step, bool) {
	if i, ok := w.dag.Index[id]; ok {
		return w.steps[i], true
	}
	return Step{}, false
}

// Levels returns the planned parallel execution levels.
func (w *Workflow) Levels() [][]string {
	out := make([][]string, len(w.dag.Levels))
	for i, l := range w.dag.Levels {
		out[i] = append([]string(nil), l...)
	}
	return out
}

func validateStep(s *Step) error {
	if s.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "step id is required")
	}
	switch s.Kind {
	case schema.StepKindAgent:
		if s.Run != nil {
			return nil
		}
		if s.Agent == nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "agent step %s has no agent spec", s.ID).WithStep(s.ID)
		}
		if s.Agent.Agent == nil && s.Agent.AgentID == "" && s.Agent.Capability == "" {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"agent step %s must name an agent, an agent id or a capability", s.ID).WithStep(s.ID)
		}
	case schema.StepKindTransform:
		if s.Run == nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "transform step %s has no body", s.ID).WithStep(s.ID)
		}
	case schema.StepKindWait:
		if s.Condition == nil && s.Run == nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "wait step %s has no condition", s.ID).WithStep(s.ID)
		}
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "step %s has unknown kind %q", s.ID, s.Kind).WithStep(s.ID)
	}
	if s.Timeout < 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "step %s has a negative timeout", s.ID).WithStep(s.ID)
	}
	return nil
}
