package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/agentcore/internal/observability"
	"github.com/harun/agentcore/internal/tracing"
	"github.com/harun/agentcore/pkg/errcore"
)

const (
	tracerName = "agentcore.runner"

	DefaultInterval      = 5 * time.Minute
	DefaultCheckInterval = time.Second
	DefaultErrorBackoff  = 5 * time.Second
)

// Iterator supplies the domain work driven by a Runner
type Iterator interface {
	// RunIteration performs one unit of work. Slow collaborators must be
	// called through RunWithTimeout.
	RunIteration(ctx context.Context) error
	// HandleResult reconciles one completed item. It must be idempotent.
	HandleResult(ctx context.Context, result Result) error
}

// ItemCounter is implemented by iterators that track work items
type ItemCounter interface {
	Counts() Counts
}

// Config holds Runner settings
type Config struct {
	// Name identifies the runner in logs, metrics and the error ledger
	Name          string
	Interval      time.Duration
	CheckInterval time.Duration
	ErrorBackoff  time.Duration

	// Results is shared with the iterator. A queue is created when nil.
	Results *ResultQueue
	Errors  *errcore.Core
	Logger  *zerolog.Logger

	Clock func() time.Time
	Sleep errcore.SleepFunc
}

// Stats is a point-in-time view of a Runner
type Stats struct {
	Name              string    `json:"name"`
	Running           bool      `json:"running"`
	IterationCount    int       `json:"iteration_count"`
	LastIterationTime time.Time `json:"last_iteration_time"`
	QueueDepth        int       `json:"queue_depth"`
	Items             Counts    `json:"items"`
}

// Runner drives an Iterator on a fixed cadence
type Runner struct {
	name          string
	iterator      Iterator
	results       *ResultQueue
	errors        *errcore.Core
	logger        zerolog.Logger
	interval      time.Duration
	checkInterval time.Duration
	errorBackoff  time.Duration
	now           func() time.Time
	sleep         errcore.SleepFunc

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	statsMu           sync.RWMutex
	iterationCount    int
	lastIterationTime time.Time
}

// New creates a runner for iterator. It does not start the loop.
func New(iterator Iterator, cfg Config) *Runner {
	if cfg.Name == "" {
		cfg.Name = "runner"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = DefaultErrorBackoff
	}
	if cfg.Results == nil {
		cfg.Results = NewResultQueue(DefaultResultQueueSize)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = errcore.Sleep
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("component", "runner").Str("runner", cfg.Name).Logger()

	if cfg.Errors == nil {
		ecfg := errcore.DefaultConfig()
		ecfg.Logger = &logger
		cfg.Errors = errcore.New(ecfg)
	}

	observability.EnsureRegistered()

	return &Runner{
		name:          cfg.Name,
		iterator:      iterator,
		results:       cfg.Results,
		errors:        cfg.Errors,
		logger:        logger,
		interval:      cfg.Interval,
		checkInterval: cfg.CheckInterval,
		errorBackoff:  cfg.ErrorBackoff,
		now:           cfg.Clock,
		sleep:         cfg.Sleep,
	}
}

// Results returns the queue HandleResult is fed from
func (r *Runner) Results() *ResultQueue {
	return r.results
}

// Start spawns the loop. Calling it while running has no effect.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.running = true
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.loop(ctx, r.done)

	r.logger.Info().
		Dur("interval", r.interval).
		Dur("checkInterval", r.checkInterval).
		Msg("Runner started")
}

// Stop cancels the loop and waits for it to exit. It is safe to call
// repeatedly and without a prior Start.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	cancel()
	<-done

	r.logger.Info().Msg("Runner stopped")
}

// IsRunning reports whether the loop is active
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Stats returns the current runner statistics
func (r *Runner) Stats() Stats {
	r.statsMu.RLock()
	stats := Stats{
		Name:              r.name,
		IterationCount:    r.iterationCount,
		LastIterationTime: r.lastIterationTime,
	}
	r.statsMu.RUnlock()

	stats.Running = r.IsRunning()
	stats.QueueDepth = r.results.Len()
	if counter, ok := r.iterator.(ItemCounter); ok {
		stats.Items = counter.Counts()
	}
	return stats
}

func (r *Runner) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		if err := r.tick(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			tracked := r.errors.RecordError(r.name, err, map[string]interface{}{"runner": r.name})
			r.logger.Error().
				Err(err).
				Str("severity", tracked.Severity.String()).
				Dur("backoff", r.errorBackoff).
				Msg("Runner iteration failed")

			if r.sleep(ctx, r.errorBackoff) != nil {
				return
			}
			continue
		}

		if r.sleep(ctx, r.checkInterval) != nil {
			return
		}
	}
}

// tick runs one pass of the loop, converting panics into errors
func (r *Runner) tick(ctx context.Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &errcore.PanicError{Value: rec}
		}
	}()

	if err := r.maybeIterate(ctx); err != nil {
		return err
	}
	return r.drainResults(ctx)
}

func (r *Runner) iterationDue() bool {
	r.statsMu.RLock()
	defer r.statsMu.RUnlock()
	return r.iterationCount == 0 || r.now().Sub(r.lastIterationTime) >= r.interval
}

func (r *Runner) maybeIterate(ctx context.Context) error {
	if !r.iterationDue() {
		return nil
	}

	ctx = tracing.NewIterationContext(ctx, r.name)
	ctx, span := tracing.StartSpan(ctx, tracerName, "runner.iteration",
		attribute.String("runner", r.name),
		attribute.String("iteration_id", tracing.GetIterationID(ctx)),
	)
	defer span.End()

	start := r.now()
	err := r.runIteration(ctx)

	r.statsMu.Lock()
	r.iterationCount++
	r.lastIterationTime = start
	r.statsMu.Unlock()

	observability.RecordRunnerIteration(r.name, r.now().Sub(start), err == nil)

	if err != nil {
		tracing.FailSpan(span, err)
		return fmt.Errorf("iteration: %w", err)
	}
	return nil
}

// runIteration isolates iterator panics so the iteration is still counted
func (r *Runner) runIteration(ctx context.Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &errcore.PanicError{Value: rec}
		}
	}()
	return r.iterator.RunIteration(ctx)
}

func (r *Runner) drainResults(ctx context.Context) error {
	results := r.results.Drain()
	observability.SetRunnerQueueSize(r.name, "results", r.results.Len())

	var errs []error
	for _, result := range results {
		if err := r.handleResult(ctx, result); err != nil {
			errs = append(errs, fmt.Errorf("handle result %s: %w", result.ItemID, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Runner) handleResult(ctx context.Context, result Result) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &errcore.PanicError{Value: rec}
		}
	}()
	return r.iterator.HandleResult(ctx, result)
}
