package monitor

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/rendis/conductor/internal/events"
	"github.com/rendis/conductor/pkg/schema"
)

// Instrument names mirrored into OpenTelemetry.
const (
	MetricEvents               = "conductor.events"
	MetricStepDuration         = "conductor.step.duration"
	MetricExecutionDuration    = "conductor.execution.duration"
	MetricCoordinationDuration = "conductor.coordination.duration"
)

// Timer names in a Snapshot.
const (
	TimerStep         = "step"
	TimerExecution    = "execution"
	TimerCoordination = "coordination"
)

const meterName = "github.com/rendis/conductor/internal/monitor"

// TimerStats aggregates observed durations.
type TimerStats struct {
	Count int64         `json:"count"`
	Total time.Duration `json:"total"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Avg   time.Duration `json:"avg"`
}

func (t *TimerStats) observe(d time.Duration) {
	if t.Count == 0 || d < t.Min {
		t.Min = d
	}
	if d > t.Max {
		t.Max = d
	}
	t.Count++
	t.Total += d
}

// Snapshot is the aggregated view computed on each refresh.
type Snapshot struct {
	Events        map[string]int64      `json:"events"`
	Timers        map[string]TimerStats `json:"timers"`
	Gauges        map[string]int64      `json:"gauges"`
	Executions    map[string]int64      `json:"executions"`
	Coordinations map[string]int64      `json:"coordinations"`
	ComputedAt    time.Time             `json:"computed_at"`
}

// GaugeFunc reports the current value of a gauge.
type GaugeFunc func() int64

// Collector counts bus events and derives duration timers from their
// payloads. Raw counts are updated per event; the Snapshot returned by
// Metrics is only rebuilt by Refresh, which Run calls every interval.
type Collector struct {
	opts options

	mu            sync.Mutex
	events        map[string]int64
	timers        map[string]*TimerStats
	executions    map[string]int64
	coordinations map[string]int64
	gauges        map[string]GaugeFunc

	snapshot atomic.Pointer[Snapshot]

	meter      metric.Meter
	counter    metric.Int64Counter
	histograms map[string]metric.Float64Histogram
}

// NewCollector creates a collector. Instruments that the meter provider
// refuses to create are skipped with a warning.
func NewCollector(opts ...Option) *Collector {
	o := buildOptions(opts)
	c := &Collector{
		opts:          o,
		events:        make(map[string]int64),
		timers:        make(map[string]*TimerStats),
		executions:    make(map[string]int64),
		coordinations: make(map[string]int64),
		gauges:        make(map[string]GaugeFunc),
		meter:         o.meterProvider.Meter(meterName),
		histograms:    make(map[string]metric.Float64Histogram),
	}

	counter, err := c.meter.Int64Counter(MetricEvents,
		metric.WithDescription("Events published on the bus"),
		metric.WithUnit("{event}"))
	if err != nil {
		o.logger.Warn("metric instrument unavailable", slog.String("name", MetricEvents), slog.String("error", err.Error()))
	} else {
		c.counter = counter
	}

	for timer, name := range map[string]string{
		TimerStep:         MetricStepDuration,
		TimerExecution:    MetricExecutionDuration,
		TimerCoordination: MetricCoordinationDuration,
	} {
		h, err := c.meter.Float64Histogram(name, metric.WithUnit("s"))
		if err != nil {
			o.logger.Warn("metric instrument unavailable", slog.String("name", name), slog.String("error", err.Error()))
			continue
		}
		c.histograms[timer] = h
	}
	return c
}

// RegisterGauge adds a gauge sampled on every refresh and exported as an
// observable OpenTelemetry gauge named "conductor.<name>".
func (c *Collector) RegisterGauge(name string, fn GaugeFunc) {
	c.mu.Lock()
	c.gauges[name] = fn
	c.mu.Unlock()

	_, err := c.meter.Int64ObservableGauge("conductor."+name,
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(fn())
			return nil
		}))
	if err != nil {
		c.opts.logger.Warn("metric instrument unavailable", slog.String("name", name), slog.String("error", err.Error()))
	}
}

// Handle is an events.Handler; subscribe it to "*".
func (c *Collector) Handle(ctx context.Context, ev events.Event) error {
	timer, d := "", time.Duration(0)

	c.mu.Lock()
	c.events[ev.Name]++
	switch data := ev.Data.(type) {
	case schema.StepEvent:
		switch ev.Name {
		case schema.EventStepCompleted, schema.EventStepFailed, schema.EventStepBailed:
			timer, d = TimerStep, data.Duration
		}
	case schema.ExecutionEvent:
		if data.Status.IsTerminal() {
			c.executions[string(data.Status)]++
			timer, d = TimerExecution, data.Duration
		}
	case schema.CoordinationEvent:
		if data.Status.IsTerminal() {
			c.coordinations[string(data.Status)]++
			timer, d = TimerCoordination, data.Duration
		}
	}
	if timer != "" {
		t, ok := c.timers[timer]
		if !ok {
			t = &TimerStats{}
			c.timers[timer] = t
		}
		t.observe(d)
	}
	c.mu.Unlock()

	if c.counter != nil {
		c.counter.Add(ctx, 1, metric.WithAttributes(attribute.String("event", ev.Name)))
	}
	if h, ok := c.histograms[timer]; ok {
		h.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("event", ev.Name)))
	}
	return nil
}

// Refresh rebuilds the snapshot from the raw counts and samples gauges.
func (c *Collector) Refresh() *Snapshot {
	c.mu.Lock()
	snap := &Snapshot{
		Events:        maps.Clone(c.events),
		Timers:        make(map[string]TimerStats, len(c.timers)),
		Executions:    maps.Clone(c.executions),
		Coordinations: maps.Clone(c.coordinations),
		Gauges:        make(map[string]int64, len(c.gauges)),
		ComputedAt:    c.opts.now(),
	}
	for name, t := range c.timers {
		ts := *t
		if ts.Count > 0 {
			ts.Avg = ts.Total / time.Duration(ts.Count)
		}
		snap.Timers[name] = ts
	}
	gauges := maps.Clone(c.gauges)
	c.mu.Unlock()

	// Gauge functions call into other components; never under c.mu.
	for name, fn := range gauges {
		snap.Gauges[name] = fn()
	}
	c.snapshot.Store(snap)
	return snap
}

// Metrics returns the last computed snapshot, computing one if none exists.
func (c *Collector) Metrics() *Snapshot {
	if snap := c.snapshot.Load(); snap != nil {
		return snap
	}
	return c.Refresh()
}

// Run refreshes the snapshot every interval until ctx is done.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.opts.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Refresh()
		}
	}
}
