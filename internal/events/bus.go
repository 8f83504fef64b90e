// Package events implements the process-wide publish/subscribe bus that every
// conductor component reports lifecycle transitions through.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is an immutable, fire-and-forget notification.
type Event struct {
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Handler receives events. A returned error or a panic is reported by the
// bus and never reaches the publisher.
type Handler func(ctx context.Context, event Event) error

// HandlerFailure describes a handler that errored or panicked.
type HandlerFailure struct {
	Event   Event
	Pattern string
	Err     error
	Panic   bool
}

// Stats is a snapshot of bus counters.
type Stats struct {
	Published       int64 `json:"published"`
	Delivered       int64 `json:"delivered"`
	HandlerFailures int64 `json:"handler_failures"`
	Subscribers     int   `json:"subscribers"`
}

type subscription struct {
	id      uint64
	pattern string
	handler Handler
}

// Bus delivers events synchronously to each matching subscriber in
// subscription order. Subscribers that register after an event was
// published never see it.
type Bus struct {
	mu   sync.RWMutex
	subs []*subscription
	seq  atomic.Uint64

	logger    *slog.Logger
	onFailure func(HandlerFailure)
	now       func() time.Time

	published atomic.Int64
	delivered atomic.Int64
	failures  atomic.Int64
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used to report handler failures.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// WithFailureHook registers a callback invoked for every handler failure.
// The hook runs on the publisher's goroutine and must not publish.
func WithFailureHook(fn func(HandlerFailure)) Option {
	return func(b *Bus) { b.onFailure = fn }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// NewBus creates an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b
}

// Subscribe registers handler for events matching pattern and returns a
// function that removes the subscription. Patterns are an exact event name,
// "*" for every event, or a prefix ending in ".*" such as "workflow.*".
// Calling the returned function more than once is harmless.
func (b *Bus) Subscribe(pattern string, handler Handler) func() {
	sub := &subscription{id: b.seq.Add(1), pattern: pattern, handler: handler}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(sub.id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers an event to every matching subscriber before returning.
// The subscriber list is snapshotted first, so handlers may subscribe or
// unsubscribe without deadlocking.
func (b *Bus) Publish(ctx context.Context, name string, data any) {
	ev := Event{Name: name, Timestamp: b.now(), Data: data}
	b.published.Add(1)

	b.mu.RLock()
	matched := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if Match(s.pattern, name) {
			matched = append(matched, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range matched {
		b.deliver(ctx, s, ev)
	}
}

func (b *Bus) deliver(ctx context.Context, s *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.report(ctx, HandlerFailure{Event: ev, Pattern: s.pattern, Err: fmt.Errorf("handler panic: %v", r), Panic: true})
		}
	}()
	if err := s.handler(ctx, ev); err != nil {
		b.report(ctx, HandlerFailure{Event: ev, Pattern: s.pattern, Err: err})
		return
	}
	b.delivered.Add(1)
}

func (b *Bus) report(ctx context.Context, f HandlerFailure) {
	b.failures.Add(1)
	b.logger.WarnContext(ctx, "event handler failed",
		slog.String("event", f.Event.Name),
		slog.String("pattern", f.Pattern),
		slog.Bool("panic", f.Panic),
		slog.String("error", f.Err.Error()),
	)
	if b.onFailure == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.logger.ErrorContext(ctx, "event failure hook panicked", slog.Any("panic", r))
		}
	}()
	b.onFailure(f)
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return Stats{
		Published:       b.published.Load(),
		Delivered:       b.delivered.Load(),
		HandlerFailures: b.failures.Load(),
		Subscribers:     n,
	}
}

// Match reports whether an event name satisfies a subscription pattern.
func Match(pattern, name string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(name, pattern[:len(pattern)-1])
	default:
		return pattern == name
	}
}
