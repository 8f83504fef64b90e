package validation

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conductor/pkg/schema"
)

func newValidator(t *testing.T) *JSONSchemaValidator {
	t.Helper()
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	return v
}

const reviewSchema = `{
  "type": "object",
  "required": ["verdict", "score"],
  "properties": {
    "verdict": { "type": "string", "enum": ["pass", "fail"] },
    "score": { "type": "integer", "minimum": 0, "maximum": 10 }
  }
}`

func TestValidateOutput_Accepts(t *testing.T) {
	v := newValidator(t)
	err := v.ValidateOutput(map[string]any{"verdict": "pass", "score": 7}, []byte(reviewSchema))
	assert.NoError(t, err)
}

func TestValidateOutput_EmptySchemaAcceptsAnything(t *testing.T) {
	v := newValidator(t)
	assert.NoError(t, v.ValidateOutput("free text", nil))
}

func TestValidateOutput_Violation(t *testing.T) {
	v := newValidator(t)
	err := v.ValidateOutput(map[string]any{"verdict": "maybe", "score": 11}, []byte(reviewSchema))
	require.Error(t, err)

	var se *schema.Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, schema.ErrCodeSchemaViolation, se.Code)
	violations, ok := se.Details["violations"].([]string)
	require.True(t, ok)
	assert.Len(t, violations, 2)
}

func TestValidateOutput_TypeMismatch(t *testing.T) {
	v := newValidator(t)
	err := v.ValidateOutput("plain text", []byte(reviewSchema))
	assert.Equal(t, schema.ErrCodeSchemaViolation, schema.CodeOf(err))
}

func TestValidateOutput_InvalidSchema(t *testing.T) {
	v := newValidator(t)
	err := v.ValidateOutput(1, []byte(`{"type": `))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "invalid output schema")
}

func TestValidateOutput_CachesCompiledSchemas(t *testing.T) {
	v := newValidator(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = v.ValidateOutput(map[string]any{"verdict": "pass", "score": 1}, []byte(reviewSchema))
		}()
	}
	wg.Wait()

	v.mu.RLock()
	defer v.mu.RUnlock()
	assert.Len(t, v.cache, 1)
}

func TestValidateDefinition(t *testing.T) {
	v := newValidator(t)

	ok := &schema.WorkflowDefinition{
		ID:    "triage",
		Steps: []schema.StepDefinition{{ID: "classify", Agent: "classifier", Timeout: "1m30s"}},
	}
	assert.NoError(t, v.ValidateDefinition(ok))

	assert.Error(t, v.ValidateDefinition(nil))

	bad := &schema.WorkflowDefinition{
		ID:    "triage",
		Steps: []schema.StepDefinition{{ID: "has space", Kind: "loop", Timeout: "forever"}},
	}
	err := v.ValidateDefinition(bad)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

type fakeChecker struct{}

func (fakeChecker) Check(engine, expr string) error {
	if strings.Contains(expr, "((") {
		return schema.NewErrorf(schema.ErrCodeExpression, "%s: unbalanced expression", engine)
	}
	return nil
}

func TestWorkflowValidator_Pipeline(t *testing.T) {
	wv, err := NewWorkflowValidator(fakeChecker{})
	require.NoError(t, err)

	def := &schema.WorkflowDefinition{
		ID: "release",
		Steps: []schema.StepDefinition{
			{ID: "plan", Agent: "planner", When: "input.enabled(("},
			{ID: "shape", Kind: schema.StepKindTransform, Expression: ".results.plan", DependsOn: []string{"ghost"}},
		},
	}
	res := wv.Validate(def)
	require.False(t, res.Valid())

	codes := map[string]bool{}
	for _, is := range res.Issues {
		codes[is.Code] = true
	}
	assert.True(t, codes[schema.ErrCodeExpression])
	assert.True(t, codes[schema.ErrCodeValidation])
}

func TestWorkflowValidator_StructuralShortCircuits(t *testing.T) {
	wv, err := NewWorkflowValidator(fakeChecker{})
	require.NoError(t, err)

	res := wv.Validate(&schema.WorkflowDefinition{ID: "x"})
	require.False(t, res.Valid())
	for _, is := range res.Issues {
		assert.Equal(t, "/", is.Path)
	}

	assert.Error(t, wv.ValidateDefinition(nil))
	assert.NoError(t, wv.ValidateOutput("x", nil))
}
