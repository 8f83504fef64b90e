package validation

import (
	"errors"
	"fmt"

	"github.com/rendis/conductor/pkg/schema"
)

// ExpressionChecker compiles an expression for the named engine without
// evaluating it. Satisfied by expressions.Registry.
type ExpressionChecker interface {
	Check(engine, expression string) error
}

// WorkflowValidator runs the definition pipeline:
//  1. structural (JSON Schema)
//  2. shape (ids, per-kind fields, dependency references)
//  3. expressions (syntax of when/input_expr/result_expr/expression/condition)
//
// Structural errors short-circuit the later stages.
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	exprs      ExpressionChecker
}

// NewWorkflowValidator creates a WorkflowValidator. exprs may be nil to skip
// expression checks.
func NewWorkflowValidator(exprs ExpressionChecker) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv, exprs: exprs}, nil
}

// Validate returns every issue found in def.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.Add("/", schema.ErrCodeValidation, "workflow definition is nil")
		return result
	}

	if err := wv.jsonSchema.ValidateDefinition(def); err != nil {
		var se *schema.Error
		if errors.As(err, &se) {
			if violations, ok := se.Details["violations"].([]string); ok && len(violations) > 0 {
				for _, v := range violations {
					result.Add("/", schema.ErrCodeValidation, v)
				}
				return result
			}
		}
		result.Add("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	result.Merge(def.Check())
	if wv.exprs != nil {
		result.Merge(wv.checkExpressions(def))
	}
	return result
}

// ValidateDefinition returns Validate's issues as a single error.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// ValidateOutput delegates to the JSON Schema validator.
func (wv *WorkflowValidator) ValidateOutput(value any, outputSchema []byte) error {
	return wv.jsonSchema.ValidateOutput(value, outputSchema)
}

func (wv *WorkflowValidator) checkExpressions(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	for i := range def.Steps {
		s := &def.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)

		check := func(field, engine, expr string) {
			if expr == "" {
				return
			}
			if err := wv.exprs.Check(engine, expr); err != nil {
				result.Add(path+"."+field, schema.ErrCodeExpression, err.Error())
			}
		}

		check("when", "cel", s.When)
		check("input_expr", "jq", s.InputExpr)
		check("result_expr", "jq", s.ResultExpr)
		check("condition", "cel", s.Condition)
		engine := s.Engine
		if engine == "" {
			engine = "jq"
		}
		check("expression", engine, s.Expression)
	}
	return result
}
