// Package engine runs workflows: it owns execution state, drives steps through
// the dependency graph and turns step outcomes into state transitions.
package engine

import (
	"context"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/rendis/conductor/internal/logging"
	"github.com/rendis/conductor/pkg/schema"
)

// Config holds engine settings.
type Config struct {
	// MaxConcurrentSteps bounds steps running at once across all executions.
	MaxConcurrentSteps int `yaml:"max_concurrent_steps" json:"max_concurrent_steps"`
	// DefaultStepTimeout bounds agent steps that set no Timeout. Zero disables it.
	DefaultStepTimeout time.Duration `yaml:"default_step_timeout" json:"default_step_timeout"`
	// Retention is how long a terminal execution stays in memory before it is
	// archived and evicted. Zero keeps it until Stop.
	Retention time.Duration `yaml:"retention" json:"retention"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentSteps: 32,
		Retention:          time.Hour,
	}
}

// Publisher receives engine events. Satisfied by *events.Bus.
type Publisher interface {
	Publish(ctx context.Context, name string, data any)
}

// Archive persists terminal executions after they leave memory.
type Archive interface {
	Archive(ctx context.Context, exec *schema.Execution) error
	Get(ctx context.Context, id string) (*schema.Execution, error)
	List(ctx context.Context, filter schema.ExecutionFilter) ([]*schema.Execution, error)
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option       { return func(e *Engine) { e.logger = l } }
func WithPublisher(p Publisher) Option       { return func(e *Engine) { e.pub = p } }
func WithArchive(a Archive) Option           { return func(e *Engine) { e.archive = a } }
func WithInvoker(i *Invoker) Option          { return func(e *Engine) { e.invoker = i } }
func WithResolver(r Resolver) Option         { return func(e *Engine) { e.resolver = r } }
func WithValidator(v OutputValidator) Option { return func(e *Engine) { e.validator = v } }
func WithClock(now func() time.Time) Option  { return func(e *Engine) { e.now = now } }

// WithTracerProvider sets where execution and step spans go. The default
// provider discards them.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracer = tp.Tracer("github.com/rendis/conductor/internal/engine") }
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, any) {}

// Engine is the WorkflowEngine. All methods are safe for concurrent use.
type Engine struct {
	cfg       Config
	logger    *slog.Logger
	pub       Publisher
	tracer    trace.Tracer
	archive   Archive
	invoker   *Invoker
	resolver  Resolver
	validator OutputValidator
	steps     *StepExecutor
	pool      *WorkerPool
	now       func() time.Time

	mu        sync.RWMutex
	workflows map[string]*Workflow
	runs      map[string]*run
	closed    bool
	stopped   bool
}

// New creates an Engine.
func New(cfg Config, opts ...Option) *Engine {
	if cfg.MaxConcurrentSteps <= 0 {
		cfg.MaxConcurrentSteps = DefaultConfig().MaxConcurrentSteps
	}
	e := &Engine{
		cfg:       cfg,
		pub:       nopPublisher{},
		now:       time.Now,
		workflows: make(map[string]*Workflow),
		runs:      make(map[string]*run),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.OrDefault(e.logger)
	if e.tracer == nil {
		e.tracer = noop.NewTracerProvider().Tracer("")
	}
	if e.invoker == nil {
		e.invoker = NewInvoker(0, e.logger)
	}
	e.steps = NewStepExecutor(e.invoker, e.resolver, e.validator, e.tracer, e.logger)
	e.steps.defaultTimeout = cfg.DefaultStepTimeout
	e.pool = NewWorkerPool(cfg.MaxConcurrentSteps)
	return e
}

// Invoker returns the agent-call limiter, for sharing with other components.
func (e *Engine) Invoker() *Invoker { return e.invoker }

// RegisterWorkflow makes wf executable by id. Registering the same id twice
// is a CONFLICT.
func (e *Engine) RegisterWorkflow(wf *Workflow) error {
	if wf == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.workflows[wf.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q is already registered", wf.ID)
	}
	e.workflows[wf.ID] = wf
	return nil
}

// Workflow returns a registered workflow.
func (e *Engine) Workflow(id string) (*Workflow, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	wf, ok := e.workflows[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	return wf, nil
}

// Workflows lists registered workflow ids, sorted.
func (e *Engine) Workflows() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.workflows))
	for id := range e.workflows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ExecuteByID starts a registered workflow.
func (e *Engine) ExecuteByID(ctx context.Context, workflowID string, input any) (string, error) {
	wf, err := e.Workflow(workflowID)
	if err != nil {
		return "", err
	}
	return e.Execute(ctx, wf, input)
}

// Execute starts wf and returns the execution id immediately. The execution
// outlives ctx; only its values (correlation ids, parent span) carry over.
func (e *Engine) Execute(ctx context.Context, wf *Workflow, input any) (string, error) {
	if wf == nil {
		return "", schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}

	id := uuid.NewString()
	base := logging.WithWorkflowID(logging.WithExecutionID(context.WithoutCancel(ctx), id), wf.ID)
	spanCtx, span := e.tracer.Start(base, "execution "+wf.ID,
		trace.WithAttributes(
			attribute.String("conductor.execution_id", id),
			attribute.String("conductor.workflow_id", wf.ID),
		))
	runCtx, cancel := context.WithCancel(spanCtx)

	r := &run{
		wf:      wf,
		ctx:     runCtx,
		cancel:  cancel,
		span:    span,
		data:    newSharedData(),
		resume:  make(map[string]any),
		done:    make(chan struct{}),
		settled: make(chan struct{}),
		exec: &schema.Execution{
			ID:           id,
			WorkflowID:   wf.ID,
			WorkflowName: wf.Name,
			Status:       schema.ExecutionPending,
			Input:        input,
			Results:      make(map[string]any),
			ResultOrder:  []string{},
			Steps:        make(map[string]*schema.StepState, len(wf.steps)),
			Tags:         append([]string(nil), wf.Tags...),
			CreatedAt:    e.now().UTC(),
		},
	}
	for _, s := range wf.steps {
		r.exec.Steps[s.ID] = &schema.StepState{StepID: s.ID, Status: schema.StepPending}
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		span.End()
		return "", schema.NewError(schema.ErrCodeShuttingDown, "engine is shutting down")
	}
	e.runs[id] = r
	e.mu.Unlock()

	go e.drive(r, r.settled)
	return id, nil
}

// Status returns a snapshot of the execution, falling back to the archive
// once it has been evicted from memory.
func (e *Engine) Status(ctx context.Context, id string) (*schema.Execution, error) {
	if r := e.lookup(id); r != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.snapshotLocked(), nil
	}
	if e.archive != nil {
		exec, err := e.archive.Get(ctx, id)
		if err == nil {
			return exec, nil
		}
		if schema.CodeOf(err) != schema.ErrCodeNotFound {
			return nil, schema.AsError(err, schema.ErrCodeStore)
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
}

// List returns executions matching filter, oldest first.
func (e *Engine) List(ctx context.Context, filter schema.ExecutionFilter) ([]*schema.Execution, error) {
	e.mu.RLock()
	live := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		live = append(live, r)
	}
	e.mu.RUnlock()

	seen := make(map[string]bool, len(live))
	var out []*schema.Execution
	for _, r := range live {
		r.mu.Lock()
		snap := r.snapshotLocked()
		r.mu.Unlock()
		seen[snap.ID] = true
		if filter.Matches(snap) {
			out = append(out, snap)
		}
	}
	if e.archive != nil {
		archived, err := e.archive.List(ctx, schema.ExecutionFilter{Status: filter.Status, WorkflowID: filter.WorkflowID, Tag: filter.Tag})
		if err != nil {
			return nil, schema.AsError(err, schema.ErrCodeStore)
		}
		for _, x := range archived {
			if !seen[x.ID] && filter.Matches(x) {
				out = append(out, x)
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Wait blocks until the execution is terminal or suspended, then returns its snapshot.
func (e *Engine) Wait(ctx context.Context, id string) (*schema.Execution, error) {
	r := e.lookup(id)
	if r == nil {
		return e.Status(ctx, id)
	}
	r.mu.Lock()
	if r.settledLocked() {
		snap := r.snapshotLocked()
		r.mu.Unlock()
		return snap, nil
	}
	settled, done := r.settled, r.done
	r.mu.Unlock()

	select {
	case <-settled:
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked(), nil
}

// Cancel requests cancellation. A running execution stops at the next step
// boundary: the step in flight finishes but its result is discarded. Pending
// and suspended executions are cancelled at once. Cancelling a terminal
// execution is a no-op.
func (e *Engine) Cancel(ctx context.Context, id, reason string) (*schema.Execution, error) {
	r := e.lookup(id)
	if r == nil {
		return e.terminalOrMissing(ctx, id)
	}
	if reason == "" {
		reason = "cancelled by request"
	}

	r.mu.Lock()
	switch r.exec.Status {
	case schema.ExecutionSuspended:
		e.finishLocked(r, schema.ExecutionCancelled, reason, nil)
	case schema.ExecutionPending, schema.ExecutionRunning:
		if !r.cancelRequested {
			r.cancelRequested = true
			r.exec.Cancelling = true
			r.exec.CancelReason = reason
		}
	}
	snap := r.snapshotLocked()
	r.mu.Unlock()
	e.flush(r)
	return snap, nil
}

// Suspend requests a pause at the next step boundary. Suspending a suspended
// or terminal execution is a no-op.
func (e *Engine) Suspend(ctx context.Context, id, reason string) (*schema.Execution, error) {
	r := e.lookup(id)
	if r == nil {
		return e.terminalOrMissing(ctx, id)
	}
	if reason == "" {
		reason = "suspended by request"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.exec.Status; s == schema.ExecutionPending || s == schema.ExecutionRunning {
		r.suspendRequested = true
		r.suspendReason = reason
	}
	return r.snapshotLocked(), nil
}

// Resume continues a suspended execution. Steps that suspended run again and
// see input through ExecutionContext.ResumeInput; after an external suspend
// the next steps to run see it instead. Resuming a terminal execution is a
// no-op; resuming one that is not suspended is INVALID_TRANSITION.
func (e *Engine) Resume(ctx context.Context, id string, input any) (*schema.Execution, error) {
	r := e.lookup(id)
	if r == nil {
		return e.terminalOrMissing(ctx, id)
	}

	r.mu.Lock()
	if r.exec.Status.IsTerminal() {
		snap := r.snapshotLocked()
		r.mu.Unlock()
		return snap, nil
	}
	if r.exec.Status != schema.ExecutionSuspended {
		status := r.exec.Status
		r.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"execution %s is %s, not suspended", id, status).
			WithDetails(map[string]any{"execution_id": id, "status": string(status)})
	}

	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		r.mu.Unlock()
		return nil, schema.NewError(schema.ErrCodeShuttingDown, "engine is shutting down")
	}

	if len(r.exec.SuspendedAt) == 0 {
		v := input
		r.pendingResume = &v
	}
	for _, stepID := range r.exec.SuspendedAt {
		r.resume[stepID] = input
		e.setStepLocked(r, stepID, schema.StepPending)
	}
	r.exec.Status = schema.ExecutionRunning
	r.exec.SuspendedAt = nil
	r.exec.SuspendReason = ""
	r.suspendRequested = false
	r.settled = make(chan struct{})
	r.emitLocked(schema.EventExecutionResumed, r.executionEventLocked(""))
	settled := r.settled
	snap := r.snapshotLocked()
	r.mu.Unlock()

	e.flush(r)
	go e.drive(r, settled)
	return snap, nil
}

// ForceCancel moves a non-terminal execution straight to cancelled, without
// waiting for a step boundary, and cancels the context of any step in
// flight. It reports whether anything changed.
func (e *Engine) ForceCancel(id, reason string) bool {
	r := e.lookup(id)
	if r == nil {
		return false
	}
	r.mu.Lock()
	changed := !r.exec.Status.IsTerminal()
	if changed {
		e.finishLocked(r, schema.ExecutionCancelled, reason, nil)
	}
	r.mu.Unlock()
	e.flush(r)
	return changed
}

// ForceCancelAll force-cancels every non-terminal execution and returns their ids.
func (e *Engine) ForceCancelAll(reason string) []string {
	var ids []string
	for _, id := range e.activeIDs() {
		if e.ForceCancel(id, reason) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Close stops accepting new executions and resumes. Running executions continue.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
}

// Drain blocks until every execution is terminal and every dispatched step
// has returned, or ctx ends.
func (e *Engine) Drain(ctx context.Context) error {
	for {
		pending := e.firstActive()
		if pending == nil {
			return e.pool.Wait(ctx)
		}
		select {
		case <-pending.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Engine) firstActive() *run {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, r := range e.runs {
		select {
		case <-r.done:
		default:
			return r
		}
	}
	return nil
}

// Stop closes the engine, rejects further step dispatch and archives every
// terminal execution still in memory. It does not wait for abandoned steps.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	var terminal []string
	for id, r := range e.runs {
		select {
		case <-r.done:
			terminal = append(terminal, id)
		default:
		}
	}
	e.mu.Unlock()

	e.pool.Close()
	var firstErr error
	for _, id := range terminal {
		if err := e.evict(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats is a point-in-time view of engine load.
type Stats struct {
	Executions map[schema.ExecutionStatus]int `json:"executions"`
	Active     int                            `json:"active"`
	Workflows  int                            `json:"workflows"`
	Pool       PoolMetrics                    `json:"pool"`
	Invoker    InvokerStats                   `json:"invoker"`
}

// Stats counts in-memory executions by status.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	st := Stats{
		Executions: make(map[schema.ExecutionStatus]int),
		Workflows:  len(e.workflows),
	}
	e.mu.RUnlock()

	for _, r := range runs {
		r.mu.Lock()
		status := r.exec.Status
		r.mu.Unlock()
		st.Executions[status]++
		if !status.IsTerminal() {
			st.Active++
		}
	}
	st.Pool = e.pool.Metrics()
	st.Invoker = e.invoker.Stats()
	return st
}

func (e *Engine) lookup(id string) *run {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.runs[id]
}

func (e *Engine) activeIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var ids []string
	for id, r := range e.runs {
		select {
		case <-r.done:
		default:
			ids = append(ids, id)
		}
	}
	return ids
}

// terminalOrMissing serves control calls for executions no longer in
// memory: archived executions are terminal, so the call is a no-op.
func (e *Engine) terminalOrMissing(ctx context.Context, id string) (*schema.Execution, error) {
	return e.Status(ctx, id)
}

func (e *Engine) scheduleEviction(r *run) {
	if e.cfg.Retention <= 0 {
		return
	}
	id := r.exec.ID
	r.retention = time.AfterFunc(e.cfg.Retention, func() {
		if err := e.evict(context.Background(), id); err != nil {
			e.logger.Warn("archive execution failed",
				slog.String("execution_id", id),
				slog.String("error", err.Error()))
		}
	})
}

// evict archives a terminal execution and drops it from memory. Without an
// archive the execution is simply dropped.
func (e *Engine) evict(ctx context.Context, id string) error {
	r := e.lookup(id)
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if !r.exec.Status.IsTerminal() {
		r.mu.Unlock()
		return nil
	}
	if r.retention != nil {
		r.retention.Stop()
	}
	snap := r.snapshotLocked()
	r.mu.Unlock()

	if e.archive != nil {
		if err := e.archive.Archive(ctx, snap); err != nil {
			return schema.AsError(err, schema.ErrCodeStore)
		}
	}
	e.mu.Lock()
	delete(e.runs, id)
	e.mu.Unlock()
	return nil
}

// finishLocked moves r to a terminal status. Repeated calls are no-ops.
func (e *Engine) finishLocked(r *run, to schema.ExecutionStatus, reason string, cause *schema.Error) {
	from := r.exec.Status
	if from.IsTerminal() {
		return
	}
	if err := checkExecutionTransition(r.exec.ID, from, to); err != nil {
		e.logger.Error("execution transition rejected", slog.String("error", err.Error()))
		return
	}

	now := e.now().UTC()
	r.exec.Status = to
	r.exec.FinishedAt = &now
	r.exec.Cancelling = false
	r.exec.SuspendedAt = nil
	r.exec.SuspendReason = ""
	if to == schema.ExecutionCancelled {
		r.exec.CancelReason = reason
	}
	if cause != nil {
		r.exec.Error = cause
	}
	if to == schema.ExecutionCompleted && r.exec.BailedBy == "" {
		r.exec.Output = lastDeclaredResult(r)
	}

	for _, s := range r.wf.steps {
		st := r.exec.Steps[s.ID]
		if !isTerminalStep(st.Status) {
			e.moveStepLocked(r, schema.StepSkipped, schema.StepEvent{
				ExecutionID: r.exec.ID,
				WorkflowID:  r.exec.WorkflowID,
				StepID:      s.ID,
				StepName:    s.Name,
				Kind:        s.Kind,
				Reason:      "execution " + string(to),
			})
		}
	}

	r.emitLocked(executionEventName(to), r.executionEventLocked(reason))

	r.span.SetAttributes(attribute.String("conductor.status", string(to)))
	if to == schema.ExecutionFailed && cause != nil {
		r.span.RecordError(cause)
		r.span.SetStatus(codes.Error, cause.Message)
	}
	r.span.End()

	r.cancel()
	close(r.done)
	e.scheduleEviction(r)

	logging.LogWith(r.ctx, e.logger).Info("execution finished",
		slog.String("status", string(to)),
		slog.Duration("duration", r.exec.Duration()),
		slog.Int("results", len(r.exec.Results)),
	)
}

func lastDeclaredResult(r *run) any {
	for i := len(r.wf.steps) - 1; i >= 0; i-- {
		if v, ok := r.exec.Results[r.wf.steps[i].ID]; ok {
			return v
		}
	}
	return nil
}

// moveStepLocked transitions ev.StepID and queues the matching step event.
// A rejected transition queues nothing.
func (e *Engine) moveStepLocked(r *run, to schema.StepStatus, ev schema.StepEvent) {
	if e.setStepLocked(r, ev.StepID, to) {
		r.emitLocked(stepEventName(to), ev)
	}
}

func (e *Engine) setStepLocked(r *run, stepID string, to schema.StepStatus) bool {
	st := r.exec.Steps[stepID]
	if err := checkStepTransition(r.exec.ID, stepID, st.Status, to); err != nil {
		e.logger.Error("step transition rejected", slog.String("error", err.Error()))
		return false
	}
	now := e.now().UTC()
	switch to {
	case schema.StepRunning:
		st.StartedAt = &now
		st.FinishedAt = nil
	case schema.StepCompleted, schema.StepFailed, schema.StepSkipped, schema.StepSuspended:
		st.FinishedAt = &now
	}
	st.Status = to
	return true
}

// flush publishes queued events in order. Only one goroutine flushes a run
// at a time; events queued meanwhile are picked up by the active flusher, so
// handlers may call back into the engine.
func (e *Engine) flush(r *run) {
	r.mu.Lock()
	if r.flushing {
		r.mu.Unlock()
		return
	}
	r.flushing = true
	for len(r.outbox) > 0 {
		batch := r.outbox
		r.outbox = nil
		r.mu.Unlock()
		for _, ev := range batch {
			e.pub.Publish(r.ctx, ev.name, ev.data)
		}
		r.mu.Lock()
	}
	r.flushing = false
	r.mu.Unlock()
}

// run is the live state of one execution. mu guards every field below it;
// it is never held across a step or an event publication.
type run struct {
	wf     *Workflow
	ctx    context.Context
	cancel context.CancelFunc
	span   trace.Span
	data   *sharedData

	mu               sync.Mutex
	exec             *schema.Execution
	cancelRequested  bool
	suspendRequested bool
	suspendReason    string
	suspendedSteps   []string
	resume           map[string]any
	pendingResume    *any
	outbox           []pendingEvent
	flushing         bool
	settled          chan struct{}
	done             chan struct{}
	retention        *time.Timer
}

type pendingEvent struct {
	name string
	data any
}

func (r *run) emitLocked(name string, data any) {
	if name == "" {
		return
	}
	r.outbox = append(r.outbox, pendingEvent{name: name, data: data})
}

func (r *run) settledLocked() bool {
	return r.exec.Status.IsTerminal() || r.exec.Status == schema.ExecutionSuspended
}

func (r *run) executionEventLocked(reason string) schema.ExecutionEvent {
	return schema.ExecutionEvent{
		ExecutionID: r.exec.ID,
		WorkflowID:  r.exec.WorkflowID,
		Status:      r.exec.Status,
		StepID:      r.exec.CurrentStepID,
		BailedBy:    r.exec.BailedBy,
		Reason:      reason,
		Usage:       r.exec.Usage,
		Duration:    r.exec.Duration(),
		Error:       r.exec.Error,
	}
}

// snapshotLocked copies the execution so callers never share its maps.
func (r *run) snapshotLocked() *schema.Execution {
	cp := *r.exec
	cp.Results = maps.Clone(r.exec.Results)
	cp.ResultOrder = append([]string{}, r.exec.ResultOrder...)
	cp.SuspendedAt = append([]string(nil), r.exec.SuspendedAt...)
	cp.Tags = append([]string(nil), r.exec.Tags...)
	cp.Steps = make(map[string]*schema.StepState, len(r.exec.Steps))
	for id, st := range r.exec.Steps {
		s := *st
		cp.Steps[id] = &s
	}
	return &cp
}
