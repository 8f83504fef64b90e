package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/conductor/internal/logging"
	"github.com/rendis/conductor/pkg/agent"
	"github.com/rendis/conductor/pkg/schema"
)

// Resolver finds agents by id or capability tag. Satisfied by identity.Registry.
type Resolver interface {
	Resolve(id string) (agent.Agent, error)
	ResolveCapability(tag string) (agent.Agent, error)
}

// OutputValidator checks agent output against a JSON Schema. Satisfied by
// validation.JSONSchemaValidator.
type OutputValidator interface {
	ValidateOutput(value any, outputSchema []byte) error
}

// StepExecutor runs a single step and converts whatever happens into an Outcome.
type StepExecutor struct {
	invoker        *Invoker
	resolver       Resolver
	validator      OutputValidator
	tracer         trace.Tracer
	logger         *slog.Logger
	defaultTimeout time.Duration
}

// NewStepExecutor creates a StepExecutor. resolver and validator may be nil:
// agent steps then need an explicit Agent, and output schemas are ignored.
func NewStepExecutor(invoker *Invoker, resolver Resolver, validator OutputValidator, tracer trace.Tracer, logger *slog.Logger) *StepExecutor {
	return &StepExecutor{
		invoker:   invoker,
		resolver:  resolver,
		validator: validator,
		tracer:    tracer,
		logger:    logging.OrDefault(logger),
	}
}

// Execute runs step inside a child span of ec's span. It never panics and
// never returns an error: every failure is an Outcome.
func (x *StepExecutor) Execute(ec *ExecutionContext, step *Step) (out Outcome) {
	ctx, span := x.tracer.Start(ec.Context(), "step "+step.ID,
		trace.WithAttributes(
			attribute.String("conductor.execution_id", ec.ExecutionID()),
			attribute.String("conductor.step_id", step.ID),
			attribute.String("conductor.step_kind", string(step.Kind)),
		))
	ctx = logging.WithStepID(ctx, step.ID)
	ec = ec.withContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			out = Failed(schema.NewErrorf(schema.ErrCodeStepFailed, "step panicked: %v", r))
		}
		if out.Err != nil && out.Err.StepID == "" {
			out.Err.StepID = step.ID
		}
		span.SetAttributes(attribute.String("conductor.outcome", string(out.Kind)))
		if out.IsSignal() {
			span.AddEvent("conductor.signal", trace.WithAttributes(
				attribute.String("conductor.signal", string(out.Kind)),
				attribute.String("conductor.reason", out.Reason),
			))
		}
		if out.Kind == OutcomeFailure {
			span.RecordError(out.Err)
			span.SetStatus(codes.Error, out.Err.Message)
		}
		span.End()
	}()

	if step.When != nil {
		ok, err := step.When(ec)
		if err != nil {
			return Failed(schema.AsError(err, schema.ErrCodeExpression))
		}
		if !ok {
			return Outcome{Kind: OutcomeSkipped, Reason: "guard evaluated to false"}
		}
	}

	switch {
	case step.Run != nil:
		return step.Run(ec)
	case step.Kind == schema.StepKindWait:
		return x.wait(ec, step)
	case step.Kind == schema.StepKindAgent:
		return x.invokeAgent(ec, step)
	default:
		return Failedf("step %s of kind %q has nothing to run", step.ID, step.Kind)
	}
}

func (x *StepExecutor) wait(ec *ExecutionContext, step *Step) Outcome {
	if v, ok := ec.ResumeInput(); ok {
		return Success(v)
	}
	ok, err := step.Condition(ec)
	if err != nil {
		return Failed(schema.AsError(err, schema.ErrCodeExpression))
	}
	if !ok {
		return Suspended("waiting for condition")
	}
	return Success(true)
}

func (x *StepExecutor) invokeAgent(ec *ExecutionContext, step *Step) Outcome {
	spec := step.Agent
	a, err := x.resolve(spec)
	if err != nil {
		return Failed(schema.AsError(err, schema.ErrCodeAgent))
	}
	ctx := logging.WithAgentID(ec.Context(), a.ID())
	ec.Span().SetAttributes(attribute.String("conductor.agent_id", a.ID()))

	task, err := x.taskFor(ec, spec)
	if err != nil {
		return Failed(schema.AsError(err, schema.ErrCodeStepFailed)).withAgent(a.ID())
	}

	opts := agent.Options{
		Context: map[string]any{
			"execution_id": ec.ExecutionID(),
			"workflow_id":  ec.WorkflowID(),
			"step_id":      ec.StepID(),
			"results":      ec.Results(),
		},
		ConversationID: spec.ConversationID,
		UserID:         spec.UserID,
		OutputSchema:   spec.OutputSchema,
	}
	if v, ok := ec.ResumeInput(); ok {
		opts.Context["resume_input"] = v
	}

	timeout := step.Timeout
	if timeout == 0 {
		timeout = x.defaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	started := time.Now()
	res, err := x.invoker.Invoke(ctx, a, task, opts)
	logger := logging.LogWith(ctx, x.logger)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Failed(schema.NewErrorf(schema.ErrCodeStepFailed,
				"agent %s did not respond within %s", a.ID(), timeout).WithCause(err)).withAgent(a.ID())
		}
		logger.Warn("agent invocation failed", slog.String("error", err.Error()))
		return Failed(schema.AsError(err, schema.ErrCodeAgent)).withAgent(a.ID())
	}
	logger.Debug("agent invoked",
		slog.String("kind", string(res.EffectiveKind())),
		slog.Duration("duration", time.Since(started)),
	)

	switch res.EffectiveKind() {
	case agent.OutcomeSuspend:
		reason := res.Reason
		if reason == "" {
			reason = fmt.Sprintf("agent %s requested suspension", a.ID())
		}
		return Suspended(reason).WithUsage(res.Usage).withAgent(a.ID())
	case agent.OutcomeError:
		return Failed(schema.NewErrorf(schema.ErrCodeAgent, "agent %s failed: %s", a.ID(), res.Reason)).
			withAgent(a.ID())
	case agent.OutcomeBail:
		return Bailed(res.Value()).WithUsage(res.Usage).withAgent(a.ID())
	}

	output := res.Value()
	if len(spec.OutputSchema) > 0 && x.validator != nil {
		if res.Object == nil {
			output = parseStructured(res.Text)
		}
		if err := x.validator.ValidateOutput(output, spec.OutputSchema); err != nil {
			return Failed(schema.AsError(err, schema.ErrCodeSchemaViolation)).withAgent(a.ID())
		}
	}
	if spec.MapResult != nil {
		output, err = spec.MapResult(ec, output)
		if err != nil {
			return Failed(schema.AsError(err, schema.ErrCodeStepFailed)).withAgent(a.ID())
		}
	}
	return Success(output).WithUsage(res.Usage).withAgent(a.ID())
}

func (x *StepExecutor) resolve(spec *AgentSpec) (agent.Agent, error) {
	switch {
	case spec.Agent != nil:
		return spec.Agent, nil
	case x.resolver == nil:
		return nil, schema.NewError(schema.ErrCodeNotFound, "no agent resolver configured")
	case spec.AgentID != "":
		return x.resolver.Resolve(spec.AgentID)
	default:
		return x.resolver.ResolveCapability(spec.Capability)
	}
}

func (x *StepExecutor) taskFor(ec *ExecutionContext, spec *AgentSpec) (any, error) {
	switch {
	case spec.InputFunc != nil:
		return spec.InputFunc(ec)
	case spec.Input != nil:
		return spec.Input, nil
	default:
		return ec.Input(), nil
	}
}

// parseStructured decodes text as JSON when it is JSON, so text-only agents
// can satisfy an output schema. Anything else validates as the raw string.
func parseStructured(text string) any {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return text
	}
	return v
}

func (o Outcome) withAgent(id string) Outcome {
	o.AgentID = id
	return o
}
