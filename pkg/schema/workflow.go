package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// WorkflowDefinition is the declarative, serializable workflow format.
// Definitions are loaded from JSON or YAML and compiled into executable
// workflows by the engine.
type WorkflowDefinition struct {
	ID          string           `json:"id" yaml:"id"`
	Name        string           `json:"name,omitempty" yaml:"name,omitempty"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []StepDefinition `json:"steps" yaml:"steps"`
	Tags        []string         `json:"tags,omitempty" yaml:"tags,omitempty"`
	Metadata    map[string]any   `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// StepDefinition describes a single step in a declarative workflow.
type StepDefinition struct {
	ID        string   `json:"id" yaml:"id"`
	Name      string   `json:"name,omitempty" yaml:"name,omitempty"`
	Kind      StepKind `json:"kind,omitempty" yaml:"kind,omitempty"` // agent, transform, wait (default: agent)
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	When      string   `json:"when,omitempty" yaml:"when,omitempty"` // CEL guard; false skips the step

	// agent steps
	Agent        string         `json:"agent,omitempty" yaml:"agent,omitempty"`
	Capability   string         `json:"capability,omitempty" yaml:"capability,omitempty"`
	Input        any            `json:"input,omitempty" yaml:"input,omitempty"`
	InputExpr    string         `json:"input_expr,omitempty" yaml:"input_expr,omitempty"` // jq projection over the scope
	OutputSchema map[string]any `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`
	ResultExpr   string         `json:"result_expr,omitempty" yaml:"result_expr,omitempty"` // jq over {output, ...scope}

	// transform steps
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`
	Engine     string `json:"engine,omitempty" yaml:"engine,omitempty"` // jq | expr | cel (default: jq)

	// wait steps
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"` // CEL

	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// EffectiveKind returns the declared kind, defaulting to agent.
func (s *StepDefinition) EffectiveKind() StepKind {
	if s.Kind == "" {
		return StepKindAgent
	}
	return s.Kind
}

// TimeoutDuration parses Timeout; an empty value yields zero.
func (s *StepDefinition) TimeoutDuration() (time.Duration, error) {
	if s.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s.Timeout)
	if err != nil {
		return 0, NewErrorf(ErrCodeValidation, "step %s has invalid timeout %q", s.ID, s.Timeout).WithCause(err)
	}
	return d, nil
}

// OutputSchemaJSON returns the output schema encoded as JSON, or nil.
func (s *StepDefinition) OutputSchemaJSON() (json.RawMessage, error) {
	if len(s.OutputSchema) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(s.OutputSchema)
	if err != nil {
		return nil, NewErrorf(ErrCodeValidation, "step %s output_schema is not serializable", s.ID).WithCause(err)
	}
	return raw, nil
}

// ValidationIssue is a single problem found in a definition.
type ValidationIssue struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult aggregates the issues of one validation pass.
type ValidationResult struct {
	Issues []ValidationIssue `json:"issues,omitempty"`
}

// Valid reports whether no issues were recorded.
func (r *ValidationResult) Valid() bool {
	return len(r.Issues) == 0
}

// Add records an issue.
func (r *ValidationResult) Add(path, code, message string) {
	r.Issues = append(r.Issues, ValidationIssue{Path: path, Code: code, Message: message})
}

// Merge appends the issues of other.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Issues = append(r.Issues, other.Issues...)
}

// ToError converts the result into an *Error, or nil if valid. The code of
// the first issue becomes the error code.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}
	first := r.Issues[0]
	msg := fmt.Sprintf("%s: %s", first.Path, first.Message)
	if len(r.Issues) > 1 {
		parts := make([]string, 0, len(r.Issues))
		for _, is := range r.Issues {
			parts = append(parts, fmt.Sprintf("%s: %s", is.Path, is.Message))
		}
		msg = fmt.Sprintf("%d issues: %s", len(r.Issues), strings.Join(parts, "; "))
	}
	return NewError(first.Code, msg).WithDetails(map[string]any{"issues": r.Issues})
}

// Check performs the structural checks that do not need a registry:
// ids, kinds, per-kind required fields and dependency references. Cycles
// are detected when the engine plans the graph.
func (d *WorkflowDefinition) Check() *ValidationResult {
	res := &ValidationResult{}
	if d.ID == "" {
		res.Add("id", ErrCodeValidation, "workflow id is required")
	}
	if len(d.Steps) == 0 {
		res.Add("steps", ErrCodeValidation, "workflow has no steps")
		return res
	}

	ids := make(map[string]bool, len(d.Steps))
	for i := range d.Steps {
		s := &d.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)
		if s.ID == "" {
			res.Add(path+".id", ErrCodeValidation, "step id is required")
			continue
		}
		if ids[s.ID] {
			res.Add(path+".id", ErrCodeValidation, fmt.Sprintf("duplicate step id %q", s.ID))
		}
		ids[s.ID] = true

		switch s.EffectiveKind() {
		case StepKindAgent:
			if s.Agent == "" && s.Capability == "" {
				res.Add(path, ErrCodeValidation, "agent step needs agent or capability")
			}
			if s.Input != nil && s.InputExpr != "" {
				res.Add(path, ErrCodeValidation, "input and input_expr are mutually exclusive")
			}
		case StepKindTransform:
			if s.Expression == "" {
				res.Add(path+".expression", ErrCodeValidation, "transform step needs an expression")
			}
			switch s.Engine {
			case "", "jq", "expr", "cel":
			default:
				res.Add(path+".engine", ErrCodeValidation, fmt.Sprintf("unknown expression engine %q", s.Engine))
			}
		case StepKindWait:
			if s.Condition == "" {
				res.Add(path+".condition", ErrCodeValidation, "wait step needs a condition")
			}
		default:
			res.Add(path+".kind", ErrCodeValidation, fmt.Sprintf("unknown step kind %q", s.Kind))
		}

		if _, err := s.TimeoutDuration(); err != nil {
			res.Add(path+".timeout", ErrCodeValidation, err.Error())
		}
	}

	for i := range d.Steps {
		s := &d.Steps[i]
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				res.Add(fmt.Sprintf("steps[%d].depends_on", i), ErrCodeCycleDetected, fmt.Sprintf("step %q depends on itself", s.ID))
				continue
			}
			if !ids[dep] {
				res.Add(fmt.Sprintf("steps[%d].depends_on", i), ErrCodeValidation, fmt.Sprintf("unknown dependency %q", dep))
			}
		}
	}
	return res
}
