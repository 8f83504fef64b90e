package engine

import (
	"github.com/rendis/conductor/internal/expressions"
	"github.com/rendis/conductor/internal/validation"
	"github.com/rendis/conductor/pkg/schema"
)

// Compiler turns declarative definitions into executable workflows.
type Compiler struct {
	validator *validation.WorkflowValidator
	exprs     *expressions.Registry
}

// NewCompiler creates a Compiler evaluating expressions with exprs.
func NewCompiler(exprs *expressions.Registry) (*Compiler, error) {
	v, err := validation.NewWorkflowValidator(exprs)
	if err != nil {
		return nil, err
	}
	return &Compiler{validator: v, exprs: exprs}, nil
}

// Validate reports every problem in def without compiling it.
func (c *Compiler) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	return c.validator.Validate(def)
}

// Compile validates def and builds its workflow. When no step declares
// depends_on the steps run in declaration order; otherwise steps without
// depends_on are roots.
func (c *Compiler) Compile(def *schema.WorkflowDefinition) (*Workflow, error) {
	if err := c.validator.ValidateDefinition(def); err != nil {
		return nil, err
	}

	explicitGraph := false
	for _, sd := range def.Steps {
		if len(sd.DependsOn) > 0 {
			explicitGraph = true
			break
		}
	}

	steps := make([]Step, 0, len(def.Steps))
	for i := range def.Steps {
		sd := &def.Steps[i]
		step, err := c.compileStep(sd)
		if err != nil {
			return nil, err
		}
		if explicitGraph && step.DependsOn == nil {
			step.DependsOn = []string{}
		}
		steps = append(steps, step)
	}

	wf, err := NewWorkflow(def.ID, def.Name, steps...)
	if err != nil {
		return nil, err
	}
	wf.Tags = append([]string(nil), def.Tags...)
	return wf, nil
}

func (c *Compiler) compileStep(sd *schema.StepDefinition) (Step, error) {
	timeout, err := sd.TimeoutDuration()
	if err != nil {
		return Step{}, err
	}
	step := Step{
		ID:        sd.ID,
		Name:      sd.Name,
		Kind:      sd.EffectiveKind(),
		DependsOn: append([]string(nil), sd.DependsOn...),
		Timeout:   timeout,
	}
	if sd.When != "" {
		step.When = c.predicate(sd.When)
	}

	switch step.Kind {
	case schema.StepKindAgent:
		outputSchema, err := sd.OutputSchemaJSON()
		if err != nil {
			return Step{}, err
		}
		spec := &AgentSpec{
			AgentID:      sd.Agent,
			Capability:   sd.Capability,
			Input:        sd.Input,
			OutputSchema: outputSchema,
		}
		if sd.InputExpr != "" {
			expr := sd.InputExpr
			spec.InputFunc = func(ec *ExecutionContext) (any, error) {
				scope, err := ec.Scope()
				if err != nil {
					return nil, err
				}
				return c.exprs.Evaluate(ec.Context(), "jq", expr, scope)
			}
		}
		if sd.ResultExpr != "" {
			expr := sd.ResultExpr
			spec.MapResult = func(ec *ExecutionContext, output any) (any, error) {
				scope, err := ec.Scope()
				if err != nil {
					return nil, err
				}
				if scope["output"], err = expressions.Normalize(output); err != nil {
					return nil, err
				}
				return c.exprs.Evaluate(ec.Context(), "jq", expr, scope)
			}
		}
		step.Agent = spec

	case schema.StepKindTransform:
		engine := sd.Engine
		if engine == "" {
			engine = "jq"
		}
		expr := sd.Expression
		step.Run = func(ec *ExecutionContext) Outcome {
			scope, err := ec.Scope()
			if err != nil {
				return Failed(schema.AsError(err, schema.ErrCodeExpression))
			}
			v, err := c.exprs.Evaluate(ec.Context(), engine, expr, scope)
			if err != nil {
				return Failed(schema.AsError(err, schema.ErrCodeExpression))
			}
			return Success(v)
		}

	case schema.StepKindWait:
		step.Condition = c.predicate(sd.Condition)
	}
	return step, nil
}

func (c *Compiler) predicate(expr string) Predicate {
	return func(ec *ExecutionContext) (bool, error) {
		scope, err := ec.Scope()
		if err != nil {
			return false, err
		}
		return c.exprs.EvaluateBool(ec.Context(), "cel", expr, scope)
	}
}
