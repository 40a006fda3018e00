package errcore

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

// Strategy selects how retry delays grow
type Strategy string

const (
	StrategyNone        Strategy = "none"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
	StrategyFibonacci   Strategy = "fibonacci"
)

// ParseStrategy resolves a strategy name, case-insensitively
func ParseStrategy(name string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(name))) {
	case StrategyNone:
		return StrategyNone, nil
	case StrategyLinear:
		return StrategyLinear, nil
	case StrategyExponential, "":
		return StrategyExponential, nil
	case StrategyFibonacci:
		return StrategyFibonacci, nil
	default:
		return "", fmt.Errorf("%w: unknown retry strategy %q", ErrInvalidInput, name)
	}
}

// RetryPolicy tracks attempts per (entity, operation) and computes delays
type RetryPolicy struct {
	mu         sync.Mutex
	strategy   Strategy
	maxRetries int
	unit       time.Duration
	attempts   map[string]int
}

// NewRetryPolicy creates a policy. unit is the base delay step (one second in production).
func NewRetryPolicy(strategy Strategy, maxRetries int, unit time.Duration) *RetryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if unit <= 0 {
		unit = time.Second
	}
	return &RetryPolicy{
		strategy:   strategy,
		maxRetries: maxRetries,
		unit:       unit,
		attempts:   make(map[string]int),
	}
}

func retryKey(entityID, operation string) string {
	return entityID + "\x00" + operation
}

// ShouldRetry reports whether another attempt is allowed for the key
func (p *RetryPolicy) ShouldRetry(entityID, operation string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts[retryKey(entityID, operation)] < p.maxRetries
}

// RecordAttempt increments the failed-attempt counter and returns the new value
func (p *RetryPolicy) RecordAttempt(entityID, operation string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := retryKey(entityID, operation)
	p.attempts[key]++
	return p.attempts[key]
}

// Attempts returns the failed-attempt counter for the key
func (p *RetryPolicy) Attempts(entityID, operation string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts[retryKey(entityID, operation)]
}

// Reset clears the counter for the key
func (p *RetryPolicy) Reset(entityID, operation string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.attempts, retryKey(entityID, operation))
}

// CalculateRetryDelay returns the delay before the next attempt for the key
func (p *RetryPolicy) CalculateRetryDelay(entityID, operation string) time.Duration {
	return p.DelayFor(p.Attempts(entityID, operation))
}

// DelayFor returns the delay for a given attempt number
func (p *RetryPolicy) DelayFor(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	switch p.strategy {
	case StrategyLinear:
		return time.Duration(attempt) * p.unit
	case StrategyExponential:
		return time.Duration(math.Pow(2, float64(attempt))) * p.unit
	case StrategyFibonacci:
		return time.Duration(fibonacci(attempt)) * p.unit
	default:
		return 0
	}
}

// MaxRetries returns the configured cap
func (p *RetryPolicy) MaxRetries() int {
	return p.maxRetries
}

// Strategy returns the configured strategy
func (p *RetryPolicy) Strategy() Strategy {
	return p.strategy
}

// fibonacci returns the n-th term of 1, 1, 2, 3, 5, ...
func fibonacci(n int) int64 {
	a, b := int64(0), int64(1)
	for i := 0; i < n; i++ {
		a, b = b, a+b
	}
	return a
}
