package expressions

import (
	"encoding/json"

	"github.com/rendis/conductor/pkg/schema"
)

// Scope is the data every workflow expression evaluates against.
type Scope struct {
	Input       any
	Results     map[string]any
	Data        map[string]any
	ExecutionID string
	WorkflowID  string
	// Resume holds the resume input while a suspended step re-runs.
	Resume any
}

// Map converts the scope into the JSON-shaped map the engines consume.
// Values are deep-copied so expressions never alias execution state.
func (s Scope) Map() (map[string]any, error) {
	out := map[string]any{
		"execution": map[string]any{
			"id":          s.ExecutionID,
			"workflow_id": s.WorkflowID,
		},
	}
	var err error
	if out["input"], err = Normalize(s.Input); err != nil {
		return nil, err
	}
	if out["resume"], err = Normalize(s.Resume); err != nil {
		return nil, err
	}
	if out["results"], err = normalizeMap(s.Results); err != nil {
		return nil, err
	}
	if out["data"], err = normalizeMap(s.Data); err != nil {
		return nil, err
	}
	return out, nil
}

// Normalize round-trips v through encoding/json, producing only maps,
// slices, strings, float64, bool and nil.
func Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExpression, "value is not JSON-serializable").WithCause(err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, schema.NewError(schema.ErrCodeExpression, "value is not JSON-serializable").WithCause(err)
	}
	return out, nil
}

func normalizeMap(m map[string]any) (map[string]any, error) {
	if len(m) == 0 {
		return map[string]any{}, nil
	}
	v, err := Normalize(m)
	if err != nil {
		return nil, err
	}
	out, _ := v.(map[string]any)
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
