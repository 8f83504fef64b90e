// Package coordination runs ad-hoc handoffs between registered agents:
// sequential (source output feeds the target), parallel (both agents on the
// same task) and pipeline (a chain of stages).
package coordination

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/rendis/conductor/internal/engine"
	"github.com/rendis/conductor/internal/logging"
	"github.com/rendis/conductor/pkg/agent"
	"github.com/rendis/conductor/pkg/schema"
)

// Config holds coordination settings.
type Config struct {
	// MaxConcurrent bounds coordinations running at once. Requests beyond it
	// queue by priority.
	MaxConcurrent int `yaml:"max_concurrent" json:"max_concurrent"`
	// DefaultTimeout applies to requests that set no Timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout" json:"default_timeout"`
	// Retention is how long a resolved coordination stays queryable. Zero
	// keeps it for the life of the manager.
	Retention time.Duration `yaml:"retention" json:"retention"`
}

// DefaultConfig returns the coordination defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  8,
		DefaultTimeout: 5 * time.Minute,
		Retention:      time.Hour,
	}
}

// Publisher receives coordination events. Satisfied by *events.Bus.
type Publisher interface {
	Publish(ctx context.Context, name string, data any)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, any) {}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *slog.Logger) Option     { return func(m *Manager) { m.logger = l } }
func WithPublisher(p Publisher) Option     { return func(m *Manager) { m.pub = p } }
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithTracerProvider sets where coordination and stage spans go.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Manager) { m.tracer = tp.Tracer("github.com/rendis/conductor/internal/coordination") }
}

// Manager is the CoordinationManager. All methods are safe for concurrent use.
type Manager struct {
	cfg      Config
	invoker  *engine.Invoker
	resolver engine.Resolver
	pub      Publisher
	tracer   trace.Tracer
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	queue   requestQueue
	records map[string]*record
	running int
	seq     uint64
	closed  bool
}

// New creates a Manager. invoker is normally the engine's, so workflow steps
// and coordination stages share one concurrency cap.
func New(cfg Config, invoker *engine.Invoker, resolver engine.Resolver, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	m := &Manager{
		cfg:      cfg,
		invoker:  invoker,
		resolver: resolver,
		pub:      nopPublisher{},
		now:      time.Now,
		records:  make(map[string]*record),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.OrDefault(m.logger)
	if m.tracer == nil {
		m.tracer = noop.NewTracerProvider().Tracer("")
	}
	if m.invoker == nil {
		m.invoker = engine.NewInvoker(0, m.logger)
	}
	return m
}

// record is the live state of one coordination. Fields below mu in Manager
// guard it; stages run without the lock.
type record struct {
	req    schema.CoordinationRequest
	stages []agent.Agent
	ctx    context.Context
	cancel context.CancelFunc
	span   trace.Span
	seq    uint64
	index  int

	status     schema.CoordinationStatus
	outputs    []schema.StageOutput
	usage      schema.Usage
	final      any
	err        *schema.Error
	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time
	dispatched bool
	timer      *time.Timer
	done       chan struct{}

	outbox   []pendingEvent
	flushing bool
}

type pendingEvent struct {
	name string
	data schema.CoordinationEvent
}

func (rec *record) targetID() string {
	return rec.stages[len(rec.stages)-1].ID()
}

// Request validates req, resolves its agents and queues it. It returns the
// coordination id at once; dispatch starts as soon as a slot is free.
func (m *Manager) Request(ctx context.Context, req schema.CoordinationRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	stages, err := m.resolveStages(&req)
	if err != nil {
		return "", err
	}
	if req.Priority == "" {
		req.Priority = schema.PriorityNormal
	}
	if req.Timeout <= 0 {
		req.Timeout = m.cfg.DefaultTimeout
	}
	req.Intermediates = append([]string(nil), req.Intermediates...)
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	base := logging.WithCoordinationID(context.WithoutCancel(ctx), req.ID)
	spanCtx, span := m.tracer.Start(base, "coordination "+string(req.Mode),
		trace.WithAttributes(
			attribute.String("conductor.coordination_id", req.ID),
			attribute.String("conductor.mode", string(req.Mode)),
			attribute.String("conductor.priority", string(req.Priority)),
		))
	runCtx, cancel := context.WithCancel(spanCtx)

	rec := &record{
		req:       req,
		stages:    stages,
		ctx:       runCtx,
		cancel:    cancel,
		span:      span,
		index:     -1,
		status:    schema.CoordinationPending,
		createdAt: m.now().UTC(),
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		span.End()
		return "", schema.NewError(schema.ErrCodeShuttingDown, "coordination manager is shutting down")
	}
	if _, exists := m.records[req.ID]; exists {
		m.mu.Unlock()
		cancel()
		span.End()
		return "", schema.NewErrorf(schema.ErrCodeConflict, "coordination %q already exists", req.ID)
	}
	m.seq++
	rec.seq = m.seq
	m.records[req.ID] = rec
	heap.Push(&m.queue, rec)
	m.emitLocked(rec, schema.EventCoordinationStarted)
	rec.timer = time.AfterFunc(req.Timeout, func() { m.expire(rec) })
	next := m.dispatchLocked()
	m.mu.Unlock()

	m.flush(rec)
	m.launch(next)
	return req.ID, nil
}

func (m *Manager) resolveStages(req *schema.CoordinationRequest) ([]agent.Agent, error) {
	if m.resolver == nil {
		return nil, schema.NewError(schema.ErrCodeNotFound, "no agent resolver configured")
	}
	ids := append([]string{req.SourceAgentID}, req.Intermediates...)
	stages := make([]agent.Agent, 0, len(ids)+1)
	for _, id := range ids {
		a, err := m.resolver.Resolve(id)
		if err != nil {
			return nil, err
		}
		stages = append(stages, a)
	}
	var target agent.Agent
	var err error
	if req.TargetAgentID != "" {
		target, err = m.resolver.Resolve(req.TargetAgentID)
	} else {
		target, err = m.resolver.ResolveCapability(req.TargetCapability)
	}
	if err != nil {
		return nil, err
	}
	return append(stages, target), nil
}

// Result returns the coordination's result. While it is unresolved the
// result carries status pending or running and the stage outputs so far.
func (m *Manager) Result(id string) (*schema.CoordinationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "coordination %q not found", id)
	}
	return rec.resultLocked(), nil
}

// Wait blocks until the coordination resolves or ctx ends.
func (m *Manager) Wait(ctx context.Context, id string) (*schema.CoordinationResult, error) {
	m.mu.Lock()
	rec, ok := m.records[id]
	m.mu.Unlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "coordination %q not found", id)
	}
	select {
	case <-rec.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return m.Result(id)
}

// Stats is a point-in-time view of coordination load.
type Stats struct {
	Queued   int                                `json:"queued"`
	Running  int                                `json:"running"`
	ByStatus map[schema.CoordinationStatus]int `json:"by_status"`
}

// Stats counts coordinations still held in memory.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{Queued: m.queue.Len(), Running: m.running, ByStatus: make(map[schema.CoordinationStatus]int)}
	for _, rec := range m.records {
		st.ByStatus[rec.status]++
	}
	return st
}

// Close stops accepting requests. Queued and running coordinations continue.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

// CancelAll resolves every unresolved coordination as cancelled, abandoning
// agent calls in flight, and returns their ids.
func (m *Manager) CancelAll(reason string) []string {
	if reason == "" {
		reason = "cancelled"
	}
	m.mu.Lock()
	var cancelled []*record
	for _, rec := range m.records {
		if rec.status.IsTerminal() {
			continue
		}
		m.finishLocked(rec, schema.CoordinationCancelled, schema.NewError(schema.ErrCodeCancelled, reason))
		cancelled = append(cancelled, rec)
	}
	next := m.dispatchLocked()
	m.mu.Unlock()

	ids := make([]string, 0, len(cancelled))
	for _, rec := range cancelled {
		m.flush(rec)
		ids = append(ids, rec.req.ID)
	}
	m.launch(next)
	return ids
}

// Drain blocks until every coordination has resolved or ctx ends.
func (m *Manager) Drain(ctx context.Context) error {
	for {
		rec := m.firstUnresolved()
		if rec == nil {
			return nil
		}
		select {
		case <-rec.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) firstUnresolved() *record {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if !rec.status.IsTerminal() {
			return rec
		}
	}
	return nil
}

// dispatchLocked moves queued requests to running while slots are free.
func (m *Manager) dispatchLocked() []*record {
	var next []*record
	for m.running < m.cfg.MaxConcurrent && m.queue.Len() > 0 {
		rec := heap.Pop(&m.queue).(*record)
		if rec.status.IsTerminal() {
			continue
		}
		rec.status = schema.CoordinationRunning
		rec.startedAt = m.now().UTC()
		rec.dispatched = true
		m.running++
		next = append(next, rec)
	}
	return next
}

func (m *Manager) launch(recs []*record) {
	for _, rec := range recs {
		go m.run(rec)
	}
}

func (m *Manager) expire(rec *record) {
	m.finish(rec, schema.CoordinationTimeout,
		schema.NewErrorf(schema.ErrCodeCoordinationTimeout,
			"coordination %s did not resolve within %s", rec.req.ID, rec.req.Timeout).
			WithDetails(map[string]any{"timeout": rec.req.Timeout.String()}))
}

// finish resolves rec unless it already resolved, then hands any freed slot
// to the next queued request.
func (m *Manager) finish(rec *record, status schema.CoordinationStatus, err *schema.Error) {
	m.mu.Lock()
	m.finishLocked(rec, status, err)
	next := m.dispatchLocked()
	m.mu.Unlock()

	m.flush(rec)
	m.launch(next)
}

func (m *Manager) finishLocked(rec *record, status schema.CoordinationStatus, err *schema.Error) {
	if rec.status.IsTerminal() {
		return
	}
	rec.status = status
	rec.err = err
	rec.finishedAt = m.now().UTC()
	if rec.timer != nil {
		rec.timer.Stop()
	}
	if rec.dispatched {
		m.running--
	} else {
		m.queue.remove(rec)
	}
	rec.cancel()

	name := schema.EventCoordinationCompleted
	switch status {
	case schema.CoordinationTimeout:
		name = schema.EventCoordinationTimeout
	case schema.CoordinationFailed, schema.CoordinationCancelled:
		name = schema.EventCoordinationFailed
	}
	m.emitLocked(rec, name)

	rec.span.SetAttributes(attribute.String("conductor.status", string(status)))
	if err != nil && status != schema.CoordinationSuccess {
		rec.span.RecordError(err)
		rec.span.SetStatus(codes.Error, err.Message)
	}
	rec.span.End()
	close(rec.done)

	if m.cfg.Retention > 0 {
		id := rec.req.ID
		time.AfterFunc(m.cfg.Retention, func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.records, id)
		})
	}

	logging.LogWith(rec.ctx, m.logger).Info("coordination finished",
		slog.String("mode", string(rec.req.Mode)),
		slog.String("status", string(status)),
		slog.Int("outputs", len(rec.outputs)),
		slog.Duration("duration", rec.finishedAt.Sub(rec.createdAt)),
	)
}

func (m *Manager) emitLocked(rec *record, name string) {
	ev := schema.CoordinationEvent{
		CoordinationID: rec.req.ID,
		Mode:           rec.req.Mode,
		Priority:       rec.req.Priority,
		SourceAgentID:  rec.req.SourceAgentID,
		TargetAgentID:  rec.targetID(),
		Status:         rec.status,
		Error:          rec.err,
	}
	if rec.status.IsTerminal() {
		ev.Duration = rec.finishedAt.Sub(rec.createdAt)
	}
	rec.outbox = append(rec.outbox, pendingEvent{name: name, data: ev})
}

// flush publishes rec's queued events in order, one flusher at a time.
func (m *Manager) flush(rec *record) {
	m.mu.Lock()
	if rec.flushing {
		m.mu.Unlock()
		return
	}
	rec.flushing = true
	for len(rec.outbox) > 0 {
		batch := rec.outbox
		rec.outbox = nil
		m.mu.Unlock()
		for _, ev := range batch {
			m.pub.Publish(rec.ctx, ev.name, ev.data)
		}
		m.mu.Lock()
	}
	rec.flushing = false
	m.mu.Unlock()
}

func (rec *record) resultLocked() *schema.CoordinationResult {
	res := &schema.CoordinationResult{
		RequestID:   rec.req.ID,
		Mode:        rec.req.Mode,
		Status:      rec.status,
		Outputs:     append([]schema.StageOutput{}, rec.outputs...),
		FinalOutput: rec.final,
		Usage:       rec.usage,
		Error:       rec.err,
		StartedAt:   rec.startedAt,
		FinishedAt:  rec.finishedAt,
	}
	if rec.status.IsTerminal() {
		res.Duration = rec.finishedAt.Sub(rec.createdAt)
	}
	return res
}
