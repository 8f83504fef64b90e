// Package validation checks workflow definitions and agent outputs against
// JSON Schema (draft 2020-12).
package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/conductor/pkg/schema"
)

const definitionSchemaURL = "https://conductor.dev/schemas/workflow.json"

// definitionSchemaJSON describes schema.WorkflowDefinition.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://conductor.dev/schemas/workflow.json",
  "type": "object",
  "required": ["id", "steps"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "name": { "type": "string" },
    "description": { "type": "string" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "tags": { "type": "array", "items": { "type": "string" } },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "duration": {
      "type": "string",
      "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
    },
    "step": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": { "type": "string", "minLength": 1, "pattern": "^[A-Za-z0-9_-]+$" },
        "name": { "type": "string" },
        "kind": { "type": "string", "enum": ["agent", "transform", "wait"] },
        "depends_on": { "type": "array", "items": { "type": "string" } },
        "when": { "type": "string" },
        "agent": { "type": "string" },
        "capability": { "type": "string" },
        "input": {},
        "input_expr": { "type": "string" },
        "output_schema": { "type": "object" },
        "result_expr": { "type": "string" },
        "expression": { "type": "string" },
        "engine": { "type": "string", "enum": ["jq", "expr", "cel"] },
        "condition": { "type": "string" },
        "timeout": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates definitions and agent outputs. Output
// schemas are compiled once and cached. It is safe for concurrent use.
type JSONSchemaValidator struct {
	definitionSchema *jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
	seq   atomic.Uint64
}

// NewJSONSchemaValidator compiles the definition schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(definitionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource(definitionSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	compiled, err := c.Compile(definitionSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	return &JSONSchemaValidator{
		definitionSchema: compiled,
		cache:            make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition checks a definition's shape against the workflow schema.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is not serializable").WithCause(err)
	}
	if err := v.definitionSchema.Validate(doc); err != nil {
		return toSchemaError(schema.ErrCodeValidation, err)
	}
	return nil
}

// ValidateOutput checks value against outputSchema. An empty schema accepts
// anything. Violations are reported as SCHEMA_VIOLATION.
func (v *JSONSchemaValidator) ValidateOutput(value any, outputSchema []byte) error {
	if len(outputSchema) == 0 {
		return nil
	}
	compiled, err := v.getOrCompile(outputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid output schema").WithCause(err)
	}
	doc, err := toJSONValue(value)
	if err != nil {
		return schema.NewError(schema.ErrCodeSchemaViolation, "output is not serializable").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toSchemaError(schema.ErrCodeSchemaViolation, err)
	}
	return nil
}

func (v *JSONSchemaValidator) getOrCompile(raw []byte) (*jsonschema.Schema, error) {
	key := string(raw)

	v.mu.RLock()
	cached, ok := v.cache[key]
	v.mu.RUnlock()
	if ok {
		return cached, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	url := fmt.Sprintf("conductor://output-schema/%d", v.seq.Add(1))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v through encoding/json so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func toSchemaError(code string, err error) *schema.Error {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(code, err.Error()).WithCause(err)
	}
	violations := collectViolations(verr)
	msg := verr.Error()
	switch {
	case len(violations) == 1:
		msg = violations[0]
	case len(violations) > 1:
		msg = fmt.Sprintf("%d schema violations: %s", len(violations), strings.Join(violations, "; "))
	}
	return schema.NewError(code, msg).
		WithCause(err).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations flattens a ValidationError tree into leaf messages
// prefixed with their instance location.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var out []string
	for _, c := range verr.Causes {
		out = append(out, collectViolations(c)...)
	}
	return out
}
