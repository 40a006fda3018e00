package errcore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/agentcore/internal/observability"
	"github.com/harun/agentcore/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// Config holds Error Core settings
type Config struct {
	MaxRetries     int
	Strategy       Strategy
	RetryUnit      time.Duration
	Breaker        BreakerConfig
	LedgerCapacity int
	LedgerWindow   time.Duration
	Logger         *zerolog.Logger

	// Clock and Sleep are overridable for tests
	Clock func() time.Time
	Sleep SleepFunc
}

// DefaultConfig returns the default Error Core settings
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		Strategy:       StrategyExponential,
		RetryUnit:      time.Second,
		Breaker:        DefaultBreakerConfig(),
		LedgerCapacity: DefaultLedgerCapacity,
		LedgerWindow:   DefaultLedgerWindow,
	}
}

// Core bundles the ledger, breakers and retry policy behind one choke point
type Core struct {
	ledger   *Ledger
	breakers *Registry
	policy   *RetryPolicy
	logger   zerolog.Logger
	sleep    SleepFunc
}

// New creates an Error Core
func New(cfg Config) *Core {
	observability.EnsureRegistered()

	if cfg.Strategy == "" {
		cfg.Strategy = StrategyExponential
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("component", "errcore").Logger()

	ledger := NewLedger(cfg.LedgerCapacity, cfg.LedgerWindow)
	breakers := NewRegistry(cfg.Breaker)
	if cfg.Clock != nil {
		ledger.now = cfg.Clock
		breakers.now = cfg.Clock
	}

	sleep := cfg.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	return &Core{
		ledger:   ledger,
		breakers: breakers,
		policy:   NewRetryPolicy(cfg.Strategy, cfg.MaxRetries, cfg.RetryUnit),
		logger:   logger,
		sleep:    sleep,
	}
}

// Sleep waits for d, returning early with the context error if ctx ends first
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Ledger returns the error ledger
func (c *Core) Ledger() *Ledger {
	return c.ledger
}

// Breakers returns the breaker registry
func (c *Core) Breakers() *Registry {
	return c.breakers
}

// Policy returns the retry policy
func (c *Core) Policy() *RetryPolicy {
	return c.policy
}

// RecordError classifies and stores err for entityID
func (c *Core) RecordError(entityID string, err error, fields map[string]interface{}) TrackedError {
	tracked := c.ledger.Record(entityID, err, fields)

	event := c.logger.Warn()
	if tracked.Severity >= SeverityHigh {
		event = c.logger.Error()
	}
	event.
		Str("entityId", entityID).
		Str("severity", tracked.Severity.String()).
		Str("kind", string(tracked.Kind)).
		Err(err).
		Msg("Error recorded")

	return tracked
}

// CanExecute reports whether the ledger allows work for entityID
func (c *Core) CanExecute(entityID string) bool {
	return c.ledger.CanExecute(entityID)
}

// CanExecuteOperation reports whether the breaker for operation allows a call
func (c *Core) CanExecuteOperation(operation string) bool {
	return c.breakers.Get(operation).CanExecute()
}

// CalculateRetryDelay returns the delay before the next attempt for (entityID, operation)
func (c *Core) CalculateRetryDelay(entityID, operation string) time.Duration {
	return c.policy.CalculateRetryDelay(entityID, operation)
}

// ShouldRetry reports whether (entityID, operation) has attempts left
func (c *Core) ShouldRetry(entityID, operation string) bool {
	return c.policy.ShouldRetry(entityID, operation)
}

// WithRetry invokes fn until it succeeds, retries are exhausted, the breaker for
// operation opens, or ctx ends. Every failure is recorded in the ledger and the breaker.
func (c *Core) WithRetry(ctx context.Context, operation, entityID string, fn func(ctx context.Context) error) error {
	ctx, span := tracing.StartSpan(
		ctx,
		"agentcore.errcore",
		"errcore.with_retry",
		attribute.String("operation", operation),
		attribute.String("entity_id", entityID),
	)
	defer span.End()

	err := c.withRetry(ctx, operation, entityID, fn)
	tracing.FailSpan(span, err)
	return err
}

func (c *Core) withRetry(ctx context.Context, operation, entityID string, fn func(ctx context.Context) error) error {
	breaker := c.breakers.Get(operation)
	attempts := 0
	var lastErr error

	for {
		if !breaker.CanExecute() {
			if lastErr == nil {
				return fmt.Errorf("%w: %s", ErrCircuitOpen, operation)
			}
			c.policy.Reset(entityID, operation)
			return &RetryExhaustedError{
				Operation: operation,
				EntityID:  entityID,
				Attempts:  attempts,
				Err:       errors.Join(ErrCircuitOpen, lastErr),
			}
		}

		attempts++
		err := safeCall(ctx, fn)
		observability.RecordRetryAttempt(operation, err == nil)
		if err == nil {
			breaker.RecordSuccess()
			c.policy.Reset(entityID, operation)
			if attempts > 1 {
				c.logger.Info().
					Str("operation", operation).
					Str("entityId", entityID).
					Int("attempts", attempts).
					Msg("Operation succeeded after retry")
			}
			return nil
		}

		lastErr = err
		c.RecordError(entityID, err, map[string]interface{}{
			"operation": operation,
			"attempt":   attempts,
		})
		breaker.RecordFailure()

		if ctx.Err() != nil || !c.policy.ShouldRetry(entityID, operation) {
			c.policy.Reset(entityID, operation)
			return &RetryExhaustedError{
				Operation: operation,
				EntityID:  entityID,
				Attempts:  attempts,
				Err:       lastErr,
			}
		}

		c.policy.RecordAttempt(entityID, operation)
		delay := c.policy.CalculateRetryDelay(entityID, operation)

		c.logger.Debug().
			Str("operation", operation).
			Str("entityId", entityID).
			Int("attempt", attempts).
			Dur("delay", delay).
			Msg("Retrying operation")

		if err := c.sleep(ctx, delay); err != nil {
			c.policy.Reset(entityID, operation)
			return &RetryExhaustedError{
				Operation: operation,
				EntityID:  entityID,
				Attempts:  attempts,
				Err:       errors.Join(err, lastErr),
			}
		}
	}
}

// Retry is WithRetry for functions that return a value
func Retry[T any](ctx context.Context, c *Core, operation, entityID string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := c.WithRetry(ctx, operation, entityID, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

func safeCall(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return fn(ctx)
}
