package monitor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/rendis/conductor/internal/events"
	"github.com/rendis/conductor/pkg/schema"
)

type clock struct{ t time.Time }

func newClock() *clock {
	return &clock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func componentByName(r Report, name string) ComponentHealth {
	for _, c := range r.Components {
		if c.Name == name {
			return c
		}
	}
	return ComponentHealth{}
}

func TestHealth_HealthyWithUptime(t *testing.T) {
	clk := newClock()
	h := NewHealthMonitor(WithClock(clk.now))
	clk.advance(90 * time.Second)

	r := h.Health(context.Background())
	assert.Equal(t, StatusHealthy, r.Status)
	assert.Equal(t, 90*time.Second, r.Uptime)
	assert.Len(t, r.Components, 3)
}

func TestHealth_SingleFailureDegrades(t *testing.T) {
	bus := events.NewBus()
	h := NewHealthMonitor()
	bus.Subscribe("*", h.Handle)

	bus.Publish(context.Background(), schema.EventExecutionFailed, schema.ExecutionEvent{
		ExecutionID: "e1",
		Status:      schema.ExecutionFailed,
		Error:       schema.NewError(schema.ErrCodeStepFailed, "step lint failed"),
	})

	r := h.Health(context.Background())
	assert.Equal(t, StatusDegraded, r.Status)
	engine := componentByName(r, ComponentEngine)
	assert.False(t, engine.Healthy)
	assert.EqualValues(t, 1, engine.Failures)
	assert.Contains(t, engine.Message, "step lint failed")
}

func TestHealth_MajorityFailingIsUnhealthy(t *testing.T) {
	h := NewHealthMonitor()
	bus := events.NewBus(events.WithFailureHook(h.HandlerFailed))
	bus.Subscribe("*", h.Handle)
	bus.Subscribe(schema.EventCoordinationTimeout, func(context.Context, events.Event) error {
		return errors.New("listener broke")
	})

	bus.Publish(context.Background(), schema.EventCoordinationTimeout, schema.CoordinationEvent{
		CoordinationID: "c1",
		Status:         schema.CoordinationTimeout,
	})

	r := h.Health(context.Background())
	assert.Equal(t, StatusUnhealthy, r.Status)
	assert.False(t, componentByName(r, ComponentCoordination).Healthy)
	assert.False(t, componentByName(r, ComponentEventBus).Healthy)
	assert.True(t, componentByName(r, ComponentEngine).Healthy)
}

func TestHealth_FailuresExpireAfterTwoWindows(t *testing.T) {
	h := NewHealthMonitor()
	h.RecordFailure(ComponentEngine, errors.New("boom"))

	h.Rotate()
	assert.Equal(t, StatusDegraded, h.Health(context.Background()).Status, "still visible one window later")

	h.Rotate()
	r := h.Health(context.Background())
	assert.Equal(t, StatusHealthy, r.Status)
	assert.Empty(t, componentByName(r, ComponentEngine).Message)
}

func TestHealth_Checkers(t *testing.T) {
	h := NewHealthMonitor()
	var down atomic.Bool
	h.Register("state", CheckerFunc(func(context.Context) error {
		if down.Load() {
			return errors.New("redis unreachable")
		}
		return nil
	}))
	h.Register("archive", CheckerFunc(func(context.Context) error { panic("driver bug") }))

	r := h.Health(context.Background())
	assert.Equal(t, StatusDegraded, r.Status)
	assert.Contains(t, componentByName(r, "archive").Message, "panicked")

	down.Store(true)
	h.RecordFailure(ComponentEngine, nil)
	r = h.Health(context.Background())
	assert.Equal(t, StatusUnhealthy, r.Status, "3 of 5 components failing")
	assert.Equal(t, "redis unreachable", componentByName(r, "state").Message)
}

func TestCollector_AggregatesOnRefresh(t *testing.T) {
	c := NewCollector()
	bus := events.NewBus()
	bus.Subscribe("*", c.Handle)
	ctx := context.Background()

	active := int64(2)
	c.RegisterGauge("executions.active", func() int64 { return active })

	bus.Publish(ctx, schema.EventStepCompleted, schema.StepEvent{StepID: "a", Duration: 10 * time.Millisecond})
	bus.Publish(ctx, schema.EventStepCompleted, schema.StepEvent{StepID: "b", Duration: 30 * time.Millisecond})
	bus.Publish(ctx, schema.EventStepStarted, schema.StepEvent{StepID: "c"})
	bus.Publish(ctx, schema.EventExecutionCompleted, schema.ExecutionEvent{Status: schema.ExecutionCompleted, Duration: time.Second})
	bus.Publish(ctx, schema.EventExecutionFailed, schema.ExecutionEvent{Status: schema.ExecutionFailed, Duration: 3 * time.Second})
	bus.Publish(ctx, schema.EventCoordinationStarted, schema.CoordinationEvent{Status: schema.CoordinationRunning})
	bus.Publish(ctx, schema.EventCoordinationTimeout, schema.CoordinationEvent{Status: schema.CoordinationTimeout, Duration: 50 * time.Millisecond})

	snap := c.Refresh()
	assert.EqualValues(t, 2, snap.Events[schema.EventStepCompleted])
	assert.EqualValues(t, 1, snap.Events[schema.EventStepStarted])

	step := snap.Timers[TimerStep]
	assert.EqualValues(t, 2, step.Count)
	assert.Equal(t, 10*time.Millisecond, step.Min)
	assert.Equal(t, 30*time.Millisecond, step.Max)
	assert.Equal(t, 20*time.Millisecond, step.Avg)
	assert.Equal(t, 40*time.Millisecond, step.Total)

	assert.Equal(t, 2*time.Second, snap.Timers[TimerExecution].Avg)
	assert.Equal(t, map[string]int64{"completed": 1, "failed": 1}, snap.Executions)
	assert.Equal(t, map[string]int64{"timeout": 1}, snap.Coordinations)
	assert.EqualValues(t, 2, snap.Gauges["executions.active"])
}

func TestCollector_SnapshotOnlyChangesOnRefresh(t *testing.T) {
	c := NewCollector()
	ctx := context.Background()

	require.NoError(t, c.Handle(ctx, events.Event{Name: schema.EventAgentRegistered}))
	first := c.Metrics()
	assert.EqualValues(t, 1, first.Events[schema.EventAgentRegistered])

	require.NoError(t, c.Handle(ctx, events.Event{Name: schema.EventAgentRegistered}))
	assert.Same(t, first, c.Metrics())
	assert.EqualValues(t, 1, c.Metrics().Events[schema.EventAgentRegistered])

	assert.EqualValues(t, 2, c.Refresh().Events[schema.EventAgentRegistered])
}

func TestCollector_RunRefreshesOnInterval(t *testing.T) {
	c := NewCollector(WithInterval(10 * time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	first := c.Metrics()
	require.NoError(t, c.Handle(ctx, events.Event{Name: "custom.ping"}))
	assert.Eventually(t, func() bool {
		snap := c.Metrics()
		return snap != first && snap.Events["custom.ping"] == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCollector_MirrorsIntoOpenTelemetry(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	c := NewCollector(WithMeterProvider(provider))
	c.RegisterGauge("agents.registered", func() int64 { return 4 })
	ctx := context.Background()
	require.NoError(t, c.Handle(ctx, events.Event{
		Name: schema.EventCoordinationCompleted,
		Data: schema.CoordinationEvent{Status: schema.CoordinationSuccess, Duration: 2 * time.Second},
	}))
	require.NoError(t, c.Handle(ctx, events.Event{Name: schema.EventStateSet}))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	found := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			found[m.Name] = m.Data
		}
	}

	sum, ok := found[MetricEvents].(metricdata.Sum[int64])
	require.True(t, ok)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	assert.EqualValues(t, 2, total)

	hist, ok := found[MetricCoordinationDuration].(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.InDelta(t, 2.0, hist.DataPoints[0].Sum, 1e-9)

	gauge, ok := found["conductor.agents.registered"].(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.EqualValues(t, 4, gauge.DataPoints[0].Value)
}
