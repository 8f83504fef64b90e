package events

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultStreamBuffer = 64

// Stream is a channel-backed subscription for observers that prefer to
// consume events asynchronously.
type Stream struct {
	C <-chan Event

	ch      chan Event
	done    chan struct{}
	mu      sync.Mutex
	closed  bool
	dropped atomic.Int64
	unsub   func()
}

// Stream subscribes to pattern and forwards matching events into a buffered
// channel. Delivery never blocks the publisher: when the buffer is full the
// event is dropped and counted. The stream closes when ctx is done or Close
// is called.
func (b *Bus) Stream(ctx context.Context, pattern string, buffer int) *Stream {
	if buffer <= 0 {
		buffer = defaultStreamBuffer
	}
	s := &Stream{ch: make(chan Event, buffer), done: make(chan struct{})}
	s.C = s.ch
	s.unsub = b.Subscribe(pattern, func(_ context.Context, ev Event) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return nil
		}
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
		}
		return nil
	})

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s
}

// Close removes the subscription and closes the channel. Safe to call twice.
func (s *Stream) Close() {
	s.unsub()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	close(s.done)
}

// Dropped returns how many events were discarded because the buffer was full.
func (s *Stream) Dropped() int64 {
	return s.dropped.Load()
}
