// Package monitor derives orchestrator health and aggregated metrics from
// the event bus.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/rendis/conductor/internal/events"
	"github.com/rendis/conductor/pkg/schema"
)

// Status is the overall health verdict.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Built-in components fed by bus events.
const (
	ComponentEngine       = "engine"
	ComponentCoordination = "coordination"
	ComponentEventBus     = "eventbus"
)

// DefaultInterval is how often failure windows rotate and metrics are
// recomputed when no interval is configured.
const DefaultInterval = 30 * time.Second

const checkTimeout = 2 * time.Second

// Checker checks a dependency. A non-nil error counts as a failure.
type Checker interface {
	Check(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) Check(ctx context.Context) error { return f(ctx) }

// ComponentHealth is the state of one component in a Report.
type ComponentHealth struct {
	Name     string `json:"name"`
	Healthy  bool   `json:"healthy"`
	Failures int64  `json:"failures"`
	Message  string `json:"message,omitempty"`
}

// Report is the result of a health check.
type Report struct {
	Status     Status            `json:"status"`
	Uptime     time.Duration     `json:"uptime"`
	StartedAt  time.Time         `json:"started_at"`
	CheckedAt  time.Time         `json:"checked_at"`
	Components []ComponentHealth `json:"components"`
}

type options struct {
	logger        *slog.Logger
	now           func() time.Time
	interval      time.Duration
	meterProvider metric.MeterProvider
}

// Option configures a HealthMonitor or a Collector.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithInterval sets the rotation and recompute interval.
func WithInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithMeterProvider mirrors collected metrics into OpenTelemetry
// instruments. Without it a no-op provider is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, interval: DefaultInterval}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.meterProvider == nil {
		o.meterProvider = noop.NewMeterProvider()
	}
	return o
}

type component struct {
	checker  Checker
	current  int64
	previous int64
	message  string
}

// HealthMonitor tracks failure signals per component. Signals count for the
// current window and the one before it, so a failure stays visible for at
// least one full interval after it happened.
type HealthMonitor struct {
	opts    options
	started time.Time

	mu         sync.Mutex
	order      []string
	components map[string]*component
}

// NewHealthMonitor creates a monitor with the built-in engine, coordination
// and eventbus components registered.
func NewHealthMonitor(opts ...Option) *HealthMonitor {
	o := buildOptions(opts)
	h := &HealthMonitor{
		opts:       o,
		started:    o.now(),
		components: make(map[string]*component),
	}
	for _, name := range []string{ComponentEngine, ComponentCoordination, ComponentEventBus} {
		h.Register(name, nil)
	}
	return h
}

// Register adds a component. A nil checker means the component is judged
// only by recorded failures. Registering an existing name replaces its
// checker and keeps its counts.
func (h *HealthMonitor) Register(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.components[name]; ok {
		c.checker = checker
		return
	}
	h.order = append(h.order, name)
	h.components[name] = &component{checker: checker}
}

// RecordFailure counts a failure signal against component. Unknown
// components are registered on first use.
func (h *HealthMonitor) RecordFailure(name string, err error) {
	h.mu.Lock()
	c, ok := h.components[name]
	if !ok {
		c = &component{}
		h.order = append(h.order, name)
		h.components[name] = c
	}
	c.current++
	if err != nil {
		c.message = err.Error()
	}
	h.mu.Unlock()
}

// Handle is an events.Handler that turns failure events into signals.
func (h *HealthMonitor) Handle(_ context.Context, ev events.Event) error {
	switch ev.Name {
	case schema.EventExecutionFailed:
		h.RecordFailure(ComponentEngine, eventError(ev))
	case schema.EventCoordinationFailed, schema.EventCoordinationTimeout:
		h.RecordFailure(ComponentCoordination, eventError(ev))
	}
	return nil
}

// HandlerFailed records a bus handler failure. Its signature matches
// events.WithFailureHook.
func (h *HealthMonitor) HandlerFailed(f events.HandlerFailure) {
	h.RecordFailure(ComponentEventBus, f.Err)
}

func eventError(ev events.Event) error {
	switch d := ev.Data.(type) {
	case schema.ExecutionEvent:
		if d.Error != nil {
			return d.Error
		}
	case schema.CoordinationEvent:
		if d.Error != nil {
			return d.Error
		}
	}
	return nil
}

// Rotate closes the current failure window.
func (h *HealthMonitor) Rotate() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.components {
		c.previous, c.current = c.current, 0
		if c.previous == 0 {
			c.message = ""
		}
	}
}

// Run rotates the failure window every interval until ctx is done.
func (h *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(h.opts.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Rotate()
		}
	}
}

// Uptime is the time since the monitor was created.
func (h *HealthMonitor) Uptime() time.Duration {
	return h.opts.now().Sub(h.started)
}

// Health runs the registered checkers and combines them with the recorded
// failure signals. The status is degraded when any component is failing and
// unhealthy when a strict majority is.
func (h *HealthMonitor) Health(ctx context.Context) Report {
	type check struct {
		name    string
		checker Checker
		signals int64
		message string
	}

	h.mu.Lock()
	checks := make([]check, 0, len(h.order))
	for _, name := range h.order {
		c := h.components[name]
		checks = append(checks, check{name: name, checker: c.checker, signals: c.current + c.previous, message: c.message})
	}
	h.mu.Unlock()

	report := Report{
		StartedAt:  h.started,
		CheckedAt:  h.opts.now(),
		Components: make([]ComponentHealth, 0, len(checks)),
	}
	failing := 0
	for _, p := range checks {
		ch := ComponentHealth{Name: p.name, Healthy: p.signals == 0, Failures: p.signals, Message: p.message}
		if p.checker != nil {
			if err := runCheck(ctx, p.checker); err != nil {
				ch.Healthy = false
				ch.Message = err.Error()
			}
		}
		if !ch.Healthy {
			failing++
		}
		report.Components = append(report.Components, ch)
	}

	report.Uptime = report.CheckedAt.Sub(h.started)
	switch {
	case failing == 0:
		report.Status = StatusHealthy
	case failing*2 > len(checks):
		report.Status = StatusUnhealthy
	default:
		report.Status = StatusDegraded
	}
	if report.Status != StatusHealthy {
		h.opts.logger.DebugContext(ctx, "health degraded",
			slog.String("status", string(report.Status)),
			slog.Int("failing", failing),
			slog.Int("components", len(checks)))
	}
	return report
}

func runCheck(ctx context.Context, c Checker) (err error) {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("health check panicked: %v", r)
		}
	}()
	return c.Check(ctx)
}
