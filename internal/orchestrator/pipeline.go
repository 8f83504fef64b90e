package orchestrator

import (
	"context"
	"strings"

	"github.com/rendis/conductor/internal/engine"
	"github.com/rendis/conductor/pkg/schema"
)

// Step ids of the complete workflow.
const (
	StepAnalyze   = "analyze"
	StepImplement = "implement"
	StepValidate  = "validate"
)

// CompleteWorkflow builds the analyze, implement and validate sequence.
// Each step picks its agent by the capability named in cfg. The analyze
// step receives the requirement text; later steps receive the requirement
// with the previous step's output.
func CompleteWorkflow(cfg PipelineConfig) (*engine.Workflow, error) {
	follow := func(prev string) func(ec *engine.ExecutionContext) (any, error) {
		return func(ec *engine.ExecutionContext) (any, error) {
			out, _ := ec.Result(prev)
			return map[string]any{
				"requirement": ec.Input(),
				prev:          out,
			}, nil
		}
	}
	return engine.NewWorkflow(cfg.WorkflowID, "analyze, implement, validate",
		engine.Step{
			ID:    StepAnalyze,
			Agent: &engine.AgentSpec{Capability: cfg.AnalyzeCapability},
		},
		engine.Step{
			ID:    StepImplement,
			Agent: &engine.AgentSpec{Capability: cfg.ImplementCapability, InputFunc: follow(StepAnalyze)},
		},
		engine.Step{
			ID:    StepValidate,
			Agent: &engine.AgentSpec{Capability: cfg.ValidateCapability, InputFunc: follow(StepImplement)},
		},
	)
}

// ExecuteCompleteWorkflow runs the analyze, implement and validate pipeline
// for requirement and returns the execution id. Every capability must have
// a registered agent before anything starts.
func (o *Orchestrator) ExecuteCompleteWorkflow(ctx context.Context, requirement string) (string, error) {
	if err := o.accepting(); err != nil {
		return "", err
	}
	if strings.TrimSpace(requirement) == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "requirement must not be empty")
	}

	p := o.cfg.Pipeline
	var missing []string
	for _, tag := range []string{p.AnalyzeCapability, p.ImplementCapability, p.ValidateCapability} {
		if len(o.agents.FindByCapability(tag)) == 0 {
			missing = append(missing, tag)
		}
	}
	if len(missing) > 0 {
		return "", schema.NewErrorf(schema.ErrCodeNotFound,
			"no agent registered for capability %s", strings.Join(missing, ", ")).
			WithDetails(map[string]any{"missing_capabilities": missing})
	}

	wf, err := CompleteWorkflow(p)
	if err != nil {
		return "", err
	}
	return o.engine.Execute(ctx, wf, requirement)
}
