// Package agent defines the contract conductor uses to call autonomous agents.
// An agent is opaque: conductor hands it a task and consumes one typed outcome.
package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/conductor/pkg/schema"
)

// Agent is an external task-performing unit.
type Agent interface {
	ID() string
	Name() string
	Invoke(ctx context.Context, task any, opts Options) (*Outcome, error)
}

// Options accompany every invocation.
type Options struct {
	Context        map[string]any  `json:"context,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	UserID         string          `json:"user_id,omitempty"`
	OutputSchema   json.RawMessage `json:"output_schema,omitempty"`
}

// OutcomeKind tags what an agent wants the caller to do with its result.
type OutcomeKind string

const (
	OutcomeNormal  OutcomeKind = "normal"
	OutcomeBail    OutcomeKind = "bail"
	OutcomeSuspend OutcomeKind = "suspend"
	OutcomeError   OutcomeKind = "error"
)

// Outcome is the typed result of one invocation. Exactly one of Text or
// Object is meaningful; Object wins when both are set.
type Outcome struct {
	Kind   OutcomeKind   `json:"kind"`
	Text   string        `json:"text,omitempty"`
	Object any           `json:"object,omitempty"`
	Usage  *schema.Usage `json:"usage,omitempty"`
	Reason string        `json:"reason,omitempty"`
}

// Value returns the structured object if present, else the text.
func (o *Outcome) Value() any {
	if o.Object != nil {
		return o.Object
	}
	return o.Text
}

// EffectiveKind treats an empty kind as normal.
func (o *Outcome) EffectiveKind() OutcomeKind {
	if o.Kind == "" {
		return OutcomeNormal
	}
	return o.Kind
}

// Text builds a normal text outcome.
func Text(s string, usage *schema.Usage) *Outcome {
	return &Outcome{Kind: OutcomeNormal, Text: s, Usage: usage}
}

// Object builds a normal structured outcome.
func Object(v any, usage *schema.Usage) *Outcome {
	return &Outcome{Kind: OutcomeNormal, Object: v, Usage: usage}
}

// Bail builds an outcome whose value becomes the final result of the
// enclosing workflow or pipeline.
func Bail(v any, usage *schema.Usage) *Outcome {
	o := &Outcome{Kind: OutcomeBail, Usage: usage}
	if s, ok := v.(string); ok {
		o.Text = s
	} else {
		o.Object = v
	}
	return o
}

// Suspend asks the caller to pause until external input arrives.
func Suspend(reason string) *Outcome {
	return &Outcome{Kind: OutcomeSuspend, Reason: reason}
}

// Failure reports a task-level failure without a Go error.
func Failure(format string, args ...any) *Outcome {
	return &Outcome{Kind: OutcomeError, Reason: fmt.Sprintf(format, args...)}
}

// InvokeFunc is the signature wrapped by Func.
type InvokeFunc func(ctx context.Context, task any, opts Options) (*Outcome, error)

// Func adapts a plain function to the Agent interface.
type Func struct {
	id   string
	name string
	fn   InvokeFunc
}

// NewFunc returns an Agent backed by fn. An empty name defaults to id.
func NewFunc(id, name string, fn InvokeFunc) *Func {
	if name == "" {
		name = id
	}
	return &Func{id: id, name: name, fn: fn}
}

func (f *Func) ID() string   { return f.id }
func (f *Func) Name() string { return f.name }

func (f *Func) Invoke(ctx context.Context, task any, opts Options) (*Outcome, error) {
	return f.fn(ctx, task, opts)
}

var _ Agent = (*Func)(nil)
