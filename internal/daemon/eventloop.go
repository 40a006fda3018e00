package daemon

import (
	"context"
	"time"
)

const defaultMaintenanceInterval = 30 * time.Second

// EventLoop handles periodic kernel maintenance
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:   d,
		interval: defaultMaintenanceInterval,
	}
}

// Run runs the event loop until ctx is cancelled
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.zl.Info().Dur("interval", e.interval).Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.daemon.zl.Info().Msg("Event loop stopping")
			return

		case <-ticker.C:
			e.processTasks(ctx)
		}
	}
}

// processTasks prunes rate limiter windows and logs kernel health
func (e *EventLoop) processTasks(ctx context.Context) {
	d := e.daemon

	d.bus.Validator().RateLimiter().Cleanup()

	busStats := d.bus.Stats()
	if busStats.QueueDepth > 0 || busStats.HandlerErrors > 0 {
		d.zl.Debug().
			Int("queueDepth", busStats.QueueDepth).
			Int64("handlerErrors", busStats.HandlerErrors).
			Int64("rejected", busStats.Rejected).
			Msg("Bus stats")
	}

	counts := d.errors.Ledger().CountBySeverity()
	if len(counts) > 0 {
		ev := d.zl.Debug()
		for severity, n := range counts {
			ev = ev.Int(severity.String(), n)
		}
		ev.Msg("Error ledger")
	}

	if d.runner != nil {
		stats := d.runner.Stats()
		d.zl.Debug().
			Int("iterations", stats.IterationCount).
			Int("pending", stats.Items.Pending).
			Int("failed", stats.Items.Failed).
			Msg("Runner stats")
	}
}
