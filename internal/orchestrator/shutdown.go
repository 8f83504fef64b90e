package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/conductor/pkg/schema"
)

// shutdownReason is recorded on executions and coordinations cancelled
// because the drain deadline passed.
const shutdownReason = "orchestrator shutdown deadline reached"

// ShutdownReport describes how a graceful shutdown went.
type ShutdownReport struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	// TimedOut is set when in-flight work did not drain before the deadline.
	TimedOut bool `json:"timed_out"`
	// CancelledExecutions and CancelledCoordinations were forced to
	// cancelled at the deadline.
	CancelledExecutions    []string `json:"cancelled_executions,omitempty"`
	CancelledCoordinations []string `json:"cancelled_coordinations,omitempty"`
	// Error is SHUTDOWN_TIMEOUT when TimedOut is set. Shutdown itself still
	// completes.
	Error *schema.Error `json:"error,omitempty"`
}

// GracefulShutdown stops accepting work, waits up to timeout for in-flight
// executions and coordinations to finish, force-cancels whatever is left and
// releases every component. It always returns within timeout plus the time
// to close the stores. Concurrent and repeated calls wait for the first one
// and return its report. A zero timeout uses Config.ShutdownTimeout.
func (o *Orchestrator) GracefulShutdown(timeout time.Duration) *ShutdownReport {
	o.shutdownOnce.Do(func() {
		o.shuttingDown.Store(true)
		go func() {
			defer close(o.shutdownDone)
			o.report = o.shutdown(timeout)
		}()
	})
	<-o.shutdownDone
	return o.report
}

// Done is closed once shutdown has completed.
func (o *Orchestrator) Done() <-chan struct{} { return o.shutdownDone }

func (o *Orchestrator) shutdown(timeout time.Duration) *ShutdownReport {
	if timeout <= 0 {
		timeout = o.cfg.ShutdownTimeout
	}
	report := &ShutdownReport{StartedAt: time.Now()}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	o.logger.Info("orchestrator stopping", slog.Duration("timeout", timeout))
	o.bus.Publish(ctx, schema.EventOrchestratorStopping, nil)

	o.engine.Close()
	o.coord.Close()
	o.scheduler.Stop()

	g, drainCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.engine.Drain(drainCtx) })
	g.Go(func() error { return o.coord.Drain(drainCtx) })
	if err := g.Wait(); err != nil {
		report.TimedOut = true
		report.CancelledExecutions = o.engine.ForceCancelAll(shutdownReason)
		report.CancelledCoordinations = o.coord.CancelAll(shutdownReason)
		report.Error = schema.NewErrorf(schema.ErrCodeShutdownTimeout,
			"shutdown did not drain within %s", timeout).
			WithDetails(map[string]any{
				"cancelled_executions":    report.CancelledExecutions,
				"cancelled_coordinations": report.CancelledCoordinations,
			})
		o.logger.Warn("shutdown deadline reached, forcing cancellation",
			slog.Int("executions", len(report.CancelledExecutions)),
			slog.Int("coordinations", len(report.CancelledCoordinations)))
	}

	o.mu.Lock()
	if o.stopBg != nil {
		o.stopBg()
	}
	o.mu.Unlock()
	o.bg.Wait()

	// Archive what is still in memory while the store is open.
	archiveCtx, cancelArchive := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	if err := o.engine.Stop(archiveCtx); err != nil {
		o.logger.Warn("archiving executions at shutdown failed", slog.String("error", err.Error()))
	}
	cancelArchive()
	o.vacuum()

	report.Duration = time.Since(report.StartedAt)
	o.bus.Publish(context.Background(), schema.EventOrchestratorStopped, nil)
	o.closeAll()
	o.logger.Info("orchestrator stopped",
		slog.Duration("duration", report.Duration),
		slog.Bool("timed_out", report.TimedOut))
	return report
}

// vacuum compacts the store when configured and the backend supports it.
func (o *Orchestrator) vacuum() {
	v, ok := o.store.(interface{ Vacuum(context.Context) error })
	if !o.cfg.Store.VacuumOnShutdown || !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if err := v.Vacuum(ctx); err != nil {
		o.logger.Warn("store vacuum failed", slog.String("error", err.Error()))
		return
	}
	o.logger.Debug("store vacuumed")
}

// archiveTimeout bounds the final archive pass after the drain.
const archiveTimeout = 5 * time.Second
