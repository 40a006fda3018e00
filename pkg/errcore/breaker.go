package errcore

import (
	"sync"
	"time"

	"github.com/harun/agentcore/internal/observability"
)

// BreakerState is the circuit breaker position
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerConfig tunes a circuit breaker
type BreakerConfig struct {
	FailureThreshold float64
	ResetTimeout     time.Duration
	HalfOpenTimeout  time.Duration
	DecayRate        float64 // fraction of the failure count shed per second since the last failure
}

// DefaultBreakerConfig returns the default breaker tuning
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
		HalfOpenTimeout:  30 * time.Second,
		DecayRate:        0.01,
	}
}

// BreakerSnapshot is a point-in-time copy of breaker state
type BreakerSnapshot struct {
	Operation         string       `json:"operation"`
	State             BreakerState `json:"state"`
	FailureCount      float64      `json:"failureCount"`
	LastFailureTime   time.Time    `json:"lastFailureTime"`
	LastSuccessTime   time.Time    `json:"lastSuccessTime"`
	HalfOpenStartTime time.Time    `json:"halfOpenStartTime"`
	RecoveryStreak    int          `json:"recoveryStreak"`
}

// Breaker guards a single operation
type Breaker struct {
	mu                sync.Mutex
	operation         string
	config            BreakerConfig
	state             BreakerState
	failureCount      float64
	lastFailureTime   time.Time
	lastSuccessTime   time.Time
	halfOpenStartTime time.Time
	recoveryStreak    int
	now               func() time.Time
}

// NewBreaker creates a closed breaker for operation
func NewBreaker(operation string, config BreakerConfig) *Breaker {
	return newBreaker(operation, config, time.Now)
}

func newBreaker(operation string, config BreakerConfig, now func() time.Time) *Breaker {
	defaults := DefaultBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = defaults.ResetTimeout
	}
	if config.HalfOpenTimeout <= 0 {
		config.HalfOpenTimeout = defaults.HalfOpenTimeout
	}
	if config.DecayRate < 0 {
		config.DecayRate = 0
	}

	return &Breaker{
		operation: operation,
		config:    config,
		state:     BreakerClosed,
		now:       now,
	}
}

// CanExecute decays the failure count and reports whether the operation may run.
// An Open breaker moves to HalfOpen once ResetTimeout has passed since the last failure;
// a HalfOpen breaker closes once HalfOpenTimeout passes without a new failure.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.decay(now)

	switch b.state {
	case BreakerOpen:
		if now.Sub(b.lastFailureTime) >= b.config.ResetTimeout {
			b.setState(BreakerHalfOpen)
			b.halfOpenStartTime = now
			return true
		}
		return false
	case BreakerHalfOpen:
		if now.Sub(b.halfOpenStartTime) >= b.config.HalfOpenTimeout {
			b.close()
		}
		return true
	default:
		return true
	}
}

// RecordFailure counts a failure and opens the breaker when the threshold is reached
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.failureCount++
	b.lastFailureTime = now
	b.recoveryStreak = 0

	switch b.state {
	case BreakerHalfOpen:
		b.setState(BreakerOpen)
	case BreakerClosed:
		if b.failureCount >= b.config.FailureThreshold {
			b.setState(BreakerOpen)
		}
	}
}

// RecordSuccess notes a success; a HalfOpen breaker closes on it
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastSuccessTime = b.now()
	if b.state == BreakerHalfOpen {
		b.recoveryStreak++
		b.close()
	}
}

// State returns the current position without applying decay
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker state
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BreakerSnapshot{
		Operation:         b.operation,
		State:             b.state,
		FailureCount:      b.failureCount,
		LastFailureTime:   b.lastFailureTime,
		LastSuccessTime:   b.lastSuccessTime,
		HalfOpenStartTime: b.halfOpenStartTime,
		RecoveryStreak:    b.recoveryStreak,
	}
}

// Reset forces the breaker closed with a zero failure count
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.close()
}

// decay sheds failures proportionally to the time since the last one, floored at zero
func (b *Breaker) decay(now time.Time) {
	if b.failureCount == 0 || b.lastFailureTime.IsZero() {
		return
	}
	elapsed := now.Sub(b.lastFailureTime).Seconds()
	b.failureCount *= 1 - b.config.DecayRate*elapsed
	if b.failureCount < 0 {
		b.failureCount = 0
	}
}

func (b *Breaker) close() {
	b.setState(BreakerClosed)
	b.failureCount = 0
	b.halfOpenStartTime = time.Time{}
}

func (b *Breaker) setState(state BreakerState) {
	if b.state == state {
		return
	}
	b.state = state
	observability.SetBreakerState(b.operation, string(state))
}

// Registry hands out one breaker per operation, created on first use
type Registry struct {
	mu       sync.Mutex
	config   BreakerConfig
	breakers map[string]*Breaker
	now      func() time.Time
}

// NewRegistry creates a breaker registry sharing one config
func NewRegistry(config BreakerConfig) *Registry {
	return &Registry{
		config:   config,
		breakers: make(map[string]*Breaker),
		now:      time.Now,
	}
}

// Get returns the breaker for operation
func (r *Registry) Get(operation string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[operation]; ok {
		return b
	}
	b := newBreaker(operation, r.config, r.now)
	r.breakers[operation] = b
	return b
}

// Snapshots returns the state of every known breaker
func (r *Registry) Snapshots() []BreakerSnapshot {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make([]BreakerSnapshot, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
