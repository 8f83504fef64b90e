// Package orchestrator is the facade that owns every conductor component:
// the event bus, agent registry, workflow engine, coordination manager,
// state store, health and metrics, execution store and scheduler. It adds
// lifecycle and a bounded graceful shutdown on top of them.
package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/conductor/internal/coordination"
	"github.com/rendis/conductor/internal/diagram"
	"github.com/rendis/conductor/internal/engine"
	"github.com/rendis/conductor/internal/events"
	"github.com/rendis/conductor/internal/expressions"
	"github.com/rendis/conductor/internal/identity"
	"github.com/rendis/conductor/internal/logging"
	"github.com/rendis/conductor/internal/monitor"
	"github.com/rendis/conductor/internal/scheduler"
	"github.com/rendis/conductor/internal/state"
	"github.com/rendis/conductor/internal/store"
	"github.com/rendis/conductor/internal/validation"
	"github.com/rendis/conductor/pkg/agent"
	"github.com/rendis/conductor/pkg/schema"
)

// Option configures an Orchestrator.
type Option func(*options)

type options struct {
	logger         *slog.Logger
	state          state.Store
	store          store.Store
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithStateStore overrides the StateStore built from Config.State.
func WithStateStore(s state.Store) Option { return func(o *options) { o.state = s } }

// WithStore overrides the execution store built from Config.Store. The
// orchestrator closes it on shutdown.
func WithStore(s store.Store) Option { return func(o *options) { o.store = s } }

// WithTracerProvider routes execution, step and coordination spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithMeterProvider mirrors collected metrics into OpenTelemetry.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

// Orchestrator ties the components together. All methods are safe for
// concurrent use.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger

	bus       *events.Bus
	agents    *identity.Registry
	engine    *engine.Engine
	coord     *coordination.Manager
	state     state.Store
	store     store.Store
	history   *store.EventLog
	health    *monitor.HealthMonitor
	metrics   *monitor.Collector
	scheduler *scheduler.Scheduler
	compiler  *engine.Compiler
	validator *validation.WorkflowValidator
	closers   []io.Closer

	mu      sync.Mutex
	started bool
	stopBg  context.CancelFunc
	bg      sync.WaitGroup

	shuttingDown atomic.Bool
	shutdownOnce sync.Once
	shutdownDone chan struct{}
	report       *ShutdownReport
}

// New validates cfg and builds every component. Nothing runs in the
// background until Start.
func New(cfg Config, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := logging.OrDefault(o.logger)

	orc := &Orchestrator{
		cfg:          cfg,
		logger:       logger,
		agents:       identity.NewRegistry(),
		shutdownDone: make(chan struct{}),
	}

	monOpts := []monitor.Option{
		monitor.WithLogger(logger),
		monitor.WithInterval(cfg.Monitor.Interval),
	}
	if o.meterProvider != nil {
		monOpts = append(monOpts, monitor.WithMeterProvider(o.meterProvider))
	}
	orc.health = monitor.NewHealthMonitor(monOpts...)
	orc.metrics = monitor.NewCollector(monOpts...)
	orc.bus = events.NewBus(
		events.WithLogger(logger),
		events.WithFailureHook(orc.health.HandlerFailed),
	)

	var err error
	if orc.state = o.state; orc.state == nil {
		if orc.state, err = orc.openState(cfg.State); err != nil {
			return nil, err
		}
	}
	if ns := cfg.State.Namespace; ns != "" {
		orc.state = state.Namespace(orc.state, ns)
	}
	if orc.store = o.store; orc.store == nil {
		if orc.store, err = openStore(cfg.Store); err != nil {
			orc.closeAll()
			return nil, err
		}
	}
	orc.closers = append(orc.closers, orc.store)
	orc.health.Register("store", monitor.CheckerFunc(orc.store.Ping))

	exprs, err := expressions.NewRegistry()
	if err != nil {
		orc.closeAll()
		return nil, schema.AsError(err, schema.ErrCodeExpression)
	}
	if orc.compiler, err = engine.NewCompiler(exprs); err != nil {
		orc.closeAll()
		return nil, err
	}
	if orc.validator, err = validation.NewWorkflowValidator(exprs); err != nil {
		orc.closeAll()
		return nil, err
	}
	outputs, err := validation.NewJSONSchemaValidator()
	if err != nil {
		orc.closeAll()
		return nil, err
	}

	invoker := engine.NewInvoker(cfg.MaxConcurrentInvocations, logger)
	engOpts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithPublisher(orc.bus),
		engine.WithArchive(orc.store),
		engine.WithInvoker(invoker),
		engine.WithResolver(orc.agents),
		engine.WithValidator(outputs),
	}
	coordOpts := []coordination.Option{
		coordination.WithLogger(logger),
		coordination.WithPublisher(orc.bus),
	}
	if o.tracerProvider != nil {
		engOpts = append(engOpts, engine.WithTracerProvider(o.tracerProvider))
		coordOpts = append(coordOpts, coordination.WithTracerProvider(o.tracerProvider))
	}
	orc.engine = engine.New(cfg.Engine, engOpts...)
	orc.coord = coordination.New(cfg.Coordination, invoker, orc.agents, coordOpts...)

	orc.history = store.NewEventLog(orc.store, logger)
	orc.scheduler = scheduler.NewScheduler(orc.store, orc,
		scheduler.WithLogger(logger),
		scheduler.WithPublisher(orc.bus),
		scheduler.WithTickInterval(cfg.Scheduler.TickInterval),
	)

	orc.metrics.RegisterGauge("active_executions", func() int64 { return int64(orc.engine.Stats().Active) })
	orc.metrics.RegisterGauge("queued_coordinations", func() int64 { return int64(orc.coord.Stats().Queued) })
	orc.metrics.RegisterGauge("registered_agents", func() int64 { return int64(orc.agents.Len()) })
	orc.metrics.RegisterGauge("agent_calls_in_flight", func() int64 { return invoker.Stats().InFlight })

	orc.bus.Subscribe("*", logging.EventLogger(logger))
	orc.bus.Subscribe("*", orc.health.Handle)
	orc.bus.Subscribe("*", orc.metrics.Handle)
	orc.bus.Subscribe("workflow.*", orc.history.Handle)

	return orc, nil
}

func (o *Orchestrator) openState(cfg StateConfig) (state.Store, error) {
	switch cfg.Backend {
	case BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		o.closers = append(o.closers, client)
		o.health.Register("state", monitor.CheckerFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}))
		return state.NewRedisStore(client, cfg.Prefix), nil
	default:
		return state.NewMemoryStore(), nil
	}
}

func openStore(cfg StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case BackendLibSQL:
		s, err := store.NewLibSQLStore(cfg.Path)
		if err != nil {
			return nil, schema.AsError(err, schema.ErrCodeStore)
		}
		if err := s.Migrate(context.Background()); err != nil {
			_ = s.Close()
			return nil, schema.AsError(err, schema.ErrCodeStore)
		}
		return s, nil
	default:
		return store.NewMemoryStore(), nil
	}
}

func (o *Orchestrator) closeAll() {
	for i := len(o.closers) - 1; i >= 0; i-- {
		if err := o.closers[i].Close(); err != nil {
			o.logger.Warn("close failed", slog.String("error", err.Error()))
		}
	}
	o.closers = nil
}

// Start launches the background loops: health window rotation, metrics
// recompute and the scheduler, each when enabled.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.shuttingDown.Load() {
		return schema.NewError(schema.ErrCodeShuttingDown, "orchestrator is shutting down")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return schema.NewError(schema.ErrCodeConflict, "orchestrator already started")
	}

	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if o.cfg.Monitor.Enabled {
		o.bg.Add(2)
		go func() { defer o.bg.Done(); o.health.Run(bgCtx) }()
		go func() { defer o.bg.Done(); o.metrics.Run(bgCtx) }()
	}
	if o.cfg.Scheduler.Enabled {
		if err := o.scheduler.Start(bgCtx); err != nil {
			cancel()
			o.bg.Wait()
			return err
		}
	}
	o.stopBg = cancel
	o.started = true

	o.bus.Publish(ctx, schema.EventOrchestratorStarted, nil)
	o.logger.InfoContext(ctx, "orchestrator started",
		slog.Bool("monitor", o.cfg.Monitor.Enabled),
		slog.Bool("scheduler", o.cfg.Scheduler.Enabled),
		slog.String("store", o.cfg.Store.Backend),
		slog.String("state", o.cfg.State.Backend))
	return nil
}

// Bus exposes the event bus for adapters that stream events.
func (o *Orchestrator) Bus() *events.Bus { return o.bus }

// OnEvent subscribes handler to events matching pattern ("name", "prefix.*"
// or "*") and returns the unsubscribe func.
func (o *Orchestrator) OnEvent(pattern string, handler events.Handler) func() {
	return o.bus.Subscribe(pattern, handler)
}

// RegisterAgent adds a to the registry with the given capability tags.
func (o *Orchestrator) RegisterAgent(ctx context.Context, a agent.Agent, capabilities ...string) error {
	reg, err := o.agents.Register(a, capabilities...)
	if err != nil {
		return err
	}
	o.bus.Publish(ctx, schema.EventAgentRegistered, schema.AgentEvent{
		AgentID:      reg.ID(),
		Name:         reg.Agent.Name(),
		Capabilities: reg.Capabilities,
	})
	return nil
}

// UnregisterAgent removes an agent. Work already holding a reference to it
// continues.
func (o *Orchestrator) UnregisterAgent(ctx context.Context, id string) error {
	reg, err := o.agents.Unregister(id)
	if err != nil {
		return err
	}
	o.bus.Publish(ctx, schema.EventAgentUnregistered, schema.AgentEvent{
		AgentID:      reg.ID(),
		Name:         reg.Agent.Name(),
		Capabilities: reg.Capabilities,
	})
	return nil
}

// Agents lists registered agents.
func (o *Orchestrator) Agents() []identity.Registration { return o.agents.List() }

func (o *Orchestrator) accepting() error {
	if o.shuttingDown.Load() {
		return schema.NewError(schema.ErrCodeShuttingDown, "orchestrator is shutting down")
	}
	return nil
}

// --- workflows ---

// RegisterWorkflow makes wf executable by id.
func (o *Orchestrator) RegisterWorkflow(wf *engine.Workflow) error {
	return o.engine.RegisterWorkflow(wf)
}

// Validate checks a declarative definition without registering it.
func (o *Orchestrator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	return o.validator.Validate(def)
}

// Define compiles a declarative definition and registers the result.
func (o *Orchestrator) Define(def *schema.WorkflowDefinition) (*engine.Workflow, error) {
	wf, err := o.compiler.Compile(def)
	if err != nil {
		return nil, err
	}
	if err := o.engine.RegisterWorkflow(wf); err != nil {
		return nil, err
	}
	o.logger.Info("workflow defined",
		slog.String("workflow_id", wf.ID),
		slog.Int("steps", len(wf.Steps())))
	return wf, nil
}

// Workflows lists registered workflow ids.
func (o *Orchestrator) Workflows() []string { return o.engine.Workflows() }

// Workflow returns a registered workflow. The complete workflow is built
// on demand when its id has not been registered explicitly.
func (o *Orchestrator) Workflow(id string) (*engine.Workflow, error) {
	wf, err := o.engine.Workflow(id)
	if err != nil && id == o.cfg.Pipeline.WorkflowID {
		return CompleteWorkflow(o.cfg.Pipeline)
	}
	return wf, err
}

// Diagram lays out a workflow. With executionID set, the graph is built for
// that execution's workflow and carries its step states, and workflowID may
// be empty.
func (o *Orchestrator) Diagram(ctx context.Context, workflowID, executionID string) (*diagram.Graph, error) {
	var exec *schema.Execution
	if executionID != "" {
		var err error
		if exec, err = o.engine.Status(ctx, executionID); err != nil {
			return nil, err
		}
		if workflowID == "" {
			workflowID = exec.WorkflowID
		}
	}
	if workflowID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow id or execution id is required")
	}
	wf, err := o.Workflow(workflowID)
	if err != nil {
		return nil, err
	}
	g, err := diagram.Build(wf, exec)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, err.Error())
	}
	return g, nil
}

// Execute starts wf and returns the execution id at once.
func (o *Orchestrator) Execute(ctx context.Context, wf *engine.Workflow, input any) (string, error) {
	if err := o.accepting(); err != nil {
		return "", err
	}
	return o.engine.Execute(ctx, wf, input)
}

// ExecuteByID starts a registered workflow. It also satisfies
// scheduler.Runner.
func (o *Orchestrator) ExecuteByID(ctx context.Context, workflowID string, input any) (string, error) {
	if err := o.accepting(); err != nil {
		return "", err
	}
	return o.engine.ExecuteByID(ctx, workflowID, input)
}

// Status returns an execution snapshot, from memory or the store.
func (o *Orchestrator) Status(ctx context.Context, id string) (*schema.Execution, error) {
	return o.engine.Status(ctx, id)
}

// Executions lists executions matching filter.
func (o *Orchestrator) Executions(ctx context.Context, filter schema.ExecutionFilter) ([]*schema.Execution, error) {
	return o.engine.List(ctx, filter)
}

// Wait blocks until the execution is terminal or suspended.
func (o *Orchestrator) Wait(ctx context.Context, id string) (*schema.Execution, error) {
	return o.engine.Wait(ctx, id)
}

func (o *Orchestrator) Cancel(ctx context.Context, id, reason string) (*schema.Execution, error) {
	return o.engine.Cancel(ctx, id, reason)
}

func (o *Orchestrator) Suspend(ctx context.Context, id, reason string) (*schema.Execution, error) {
	return o.engine.Suspend(ctx, id, reason)
}

func (o *Orchestrator) Resume(ctx context.Context, id string, input any) (*schema.Execution, error) {
	return o.engine.Resume(ctx, id, input)
}

// History returns the recorded events of one execution in order.
func (o *Orchestrator) History(ctx context.Context, id string) ([]*store.Event, error) {
	return o.history.History(ctx, id)
}

// RecentEvents returns recorded events of one type across executions.
func (o *Orchestrator) RecentEvents(ctx context.Context, eventType string, filter store.EventFilter) ([]*store.Event, error) {
	return o.history.Recent(ctx, eventType, filter)
}

// StepHistory rebuilds per-step state from the recorded events.
func (o *Orchestrator) StepHistory(ctx context.Context, id string) (map[string]*store.StepHistory, error) {
	return o.history.ReplaySteps(ctx, id)
}

// --- coordination ---

// RequestCoordination queues a handoff and returns its id at once.
func (o *Orchestrator) RequestCoordination(ctx context.Context, req schema.CoordinationRequest) (string, error) {
	if err := o.accepting(); err != nil {
		return "", err
	}
	return o.coord.Request(ctx, req)
}

// CoordinationResult returns the result so far; unresolved coordinations
// report pending or running.
func (o *Orchestrator) CoordinationResult(id string) (*schema.CoordinationResult, error) {
	return o.coord.Result(id)
}

// WaitCoordination blocks until the coordination resolves.
func (o *Orchestrator) WaitCoordination(ctx context.Context, id string) (*schema.CoordinationResult, error) {
	return o.coord.Wait(ctx, id)
}

// --- state ---

// SetState writes key. The write is visible to the next GetState.
func (o *Orchestrator) SetState(ctx context.Context, key string, value any) error {
	if err := state.ValidateKey(key); err != nil {
		return err
	}
	if err := o.state.Set(ctx, key, value); err != nil {
		return schema.AsError(err, schema.ErrCodeStore)
	}
	o.bus.Publish(ctx, schema.EventStateSet, schema.StateEvent{Key: key, Value: value})
	return nil
}

// GetState reads key and reports whether it was present.
func (o *Orchestrator) GetState(ctx context.Context, key string) (any, bool, error) {
	v, ok, err := o.state.Get(ctx, key)
	if err != nil {
		return nil, false, schema.AsError(err, schema.ErrCodeStore)
	}
	return v, ok, nil
}

// DeleteState removes key. Deleting an absent key is not an error.
func (o *Orchestrator) DeleteState(ctx context.Context, key string) error {
	if err := o.state.Delete(ctx, key); err != nil {
		return schema.AsError(err, schema.ErrCodeStore)
	}
	o.bus.Publish(ctx, schema.EventStateDeleted, schema.StateEvent{Key: key})
	return nil
}

// ListStateKeys returns keys with the given prefix, sorted.
func (o *Orchestrator) ListStateKeys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := o.state.ListKeys(ctx, prefix)
	if err != nil {
		return nil, schema.AsError(err, schema.ErrCodeStore)
	}
	return keys, nil
}

// --- scheduling ---

// ScheduleWorkflow runs workflowID with input on cronExpr and returns the
// schedule id.
func (o *Orchestrator) ScheduleWorkflow(ctx context.Context, cronExpr, workflowID string, input any) (string, error) {
	if err := o.accepting(); err != nil {
		return "", err
	}
	if _, err := o.engine.Workflow(workflowID); err != nil {
		return "", err
	}
	return o.scheduler.Schedule(ctx, cronExpr, workflowID, input)
}

func (o *Orchestrator) Unschedule(ctx context.Context, id string) error {
	return o.scheduler.Unschedule(ctx, id)
}

func (o *Orchestrator) Schedules(ctx context.Context) ([]*store.ScheduledJob, error) {
	return o.scheduler.Jobs(ctx)
}

// --- observability ---

// Health reports overall and per-component health.
func (o *Orchestrator) Health(ctx context.Context) monitor.Report {
	return o.health.Health(ctx)
}

// Metrics returns the last computed snapshot. It is recomputed on the
// monitor interval, or on first call.
func (o *Orchestrator) Metrics() *monitor.Snapshot {
	return o.metrics.Metrics()
}

// RefreshMetrics recomputes the snapshot now.
func (o *Orchestrator) RefreshMetrics() *monitor.Snapshot {
	return o.metrics.Refresh()
}

// Stats is a live view of component load, independent of the metrics
// interval.
type Stats struct {
	Engine       engine.Stats       `json:"engine"`
	Coordination coordination.Stats `json:"coordination"`
	Bus          events.Stats       `json:"bus"`
	Agents       int                `json:"agents"`
}

func (o *Orchestrator) Stats() Stats {
	return Stats{
		Engine:       o.engine.Stats(),
		Coordination: o.coord.Stats(),
		Bus:          o.bus.Stats(),
		Agents:       o.agents.Len(),
	}
}
