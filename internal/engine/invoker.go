package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/rendis/conductor/internal/logging"
	"github.com/rendis/conductor/pkg/agent"
	"github.com/rendis/conductor/pkg/schema"
)

// DefaultMaxConcurrentInvocations caps in-flight agent calls when no limit is configured.
const DefaultMaxConcurrentInvocations = 16

// Invoker calls agents under a process-wide concurrency cap. Workflow steps
// and coordination stages share one Invoker so neither can fan out past the
// cap.
//
// A call whose context ends is abandoned: Invoke returns the context error
// and releases the slot, and whatever the agent eventually returns is
// dropped.
type Invoker struct {
	sem       *semaphore.Weighted
	limit     int64
	inFlight  atomic.Int64
	abandoned atomic.Int64
	total     atomic.Int64
	logger    *slog.Logger
}

// NewInvoker creates an Invoker allowing at most limit concurrent calls.
func NewInvoker(limit int, logger *slog.Logger) *Invoker {
	if limit <= 0 {
		limit = DefaultMaxConcurrentInvocations
	}
	return &Invoker{
		sem:    semaphore.NewWeighted(int64(limit)),
		limit:  int64(limit),
		logger: logging.OrDefault(logger),
	}
}

// InvokerStats is a snapshot of invocation counters.
type InvokerStats struct {
	Limit     int64 `json:"limit"`
	InFlight  int64 `json:"in_flight"`
	Total     int64 `json:"total"`
	Abandoned int64 `json:"abandoned"`
}

// Stats returns the current counters.
func (i *Invoker) Stats() InvokerStats {
	return InvokerStats{
		Limit:     i.limit,
		InFlight:  i.inFlight.Load(),
		Total:     i.total.Load(),
		Abandoned: i.abandoned.Load(),
	}
}

type invokeResult struct {
	out *agent.Outcome
	err error
}

// Invoke waits for a slot, then calls a. Panics become AGENT_ERROR errors and
// a nil outcome with a nil error is treated as an empty text result.
func (i *Invoker) Invoke(ctx context.Context, a agent.Agent, task any, opts agent.Options) (*agent.Outcome, error) {
	if err := i.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	i.total.Add(1)
	i.inFlight.Add(1)

	var released atomic.Bool
	release := func() {
		if released.CompareAndSwap(false, true) {
			i.inFlight.Add(-1)
			i.sem.Release(1)
		}
	}

	ch := make(chan invokeResult, 1)
	go func() {
		defer release()
		defer func() {
			if r := recover(); r != nil {
				ch <- invokeResult{err: schema.NewErrorf(schema.ErrCodeAgent, "agent %s panicked: %v", a.ID(), r)}
			}
		}()
		out, err := a.Invoke(ctx, task, opts)
		if out == nil && err == nil {
			out = agent.Text("", nil)
		}
		ch <- invokeResult{out: out, err: err}
	}()

	select {
	case res := <-ch:
		return res.out, res.err
	case <-ctx.Done():
		release()
		i.abandoned.Add(1)
		logger := logging.LogWith(ctx, i.logger)
		if logging.AgentID(ctx) == "" {
			logger = logger.With(slog.String("agent_id", a.ID()))
		}
		logger.Warn("agent call abandoned", slog.String("reason", fmt.Sprint(context.Cause(ctx))))
		return nil, ctx.Err()
	}
}
