package errcore

import (
	"sync"
	"time"

	"github.com/harun/agentcore/internal/observability"
)

const (
	// DefaultLedgerCapacity is the number of tracked errors kept before eviction
	DefaultLedgerCapacity = 1000
	// DefaultLedgerWindow is the look-back window used by CanExecute
	DefaultLedgerWindow = time.Hour
	// DefaultVetoThreshold is the per-entity error count that vetoes further work
	DefaultVetoThreshold = 5
)

// Ledger is a capped ring buffer of tracked errors
type Ledger struct {
	mu            sync.Mutex
	entries       []TrackedError
	head          int
	size          int
	window        time.Duration
	vetoThreshold int
	now           func() time.Time
}

// NewLedger creates a ledger holding at most capacity errors
func NewLedger(capacity int, window time.Duration) *Ledger {
	if capacity <= 0 {
		capacity = DefaultLedgerCapacity
	}
	if window <= 0 {
		window = DefaultLedgerWindow
	}

	return &Ledger{
		entries:       make([]TrackedError, capacity),
		window:        window,
		vetoThreshold: DefaultVetoThreshold,
		now:           time.Now,
	}
}

// Record classifies err and appends it, evicting the oldest entry when full
func (l *Ledger) Record(entityID string, err error, fields map[string]interface{}) TrackedError {
	severity, kind := Classify(err)

	msg := ""
	if err != nil {
		msg = err.Error()
	}

	tracked := TrackedError{
		Timestamp: l.now(),
		Message:   msg,
		Severity:  severity,
		EntityID:  entityID,
		Context:   copyContext(fields),
		Kind:      kind,
	}

	l.Append(tracked)
	return tracked
}

// Append stores an already classified error
func (l *Ledger) Append(tracked TrackedError) {
	l.mu.Lock()
	capacity := len(l.entries)
	idx := (l.head + l.size) % capacity
	l.entries[idx] = tracked
	if l.size < capacity {
		l.size++
	} else {
		l.head = (l.head + 1) % capacity
	}
	l.mu.Unlock()

	observability.RecordTrackedError(tracked.Severity.String(), string(tracked.Kind))
}

// CanExecute reports whether work for entityID may proceed.
// A Critical error in the window, or reaching the veto threshold, vetoes it.
func (l *Ledger) CanExecute(entityID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	count := 0
	for i := 0; i < l.size; i++ {
		e := l.entries[(l.head+i)%len(l.entries)]
		if e.EntityID != entityID || e.Timestamp.Before(cutoff) {
			continue
		}
		if e.Severity == SeverityCritical {
			return false
		}
		count++
		if count >= l.vetoThreshold {
			return false
		}
	}
	return true
}

// Recent returns up to n of the newest entries, oldest first
func (l *Ledger) Recent(n int) []TrackedError {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n <= 0 || n > l.size {
		n = l.size
	}
	out := make([]TrackedError, 0, n)
	for i := l.size - n; i < l.size; i++ {
		out = append(out, l.entries[(l.head+i)%len(l.entries)])
	}
	return out
}

// ForEntity returns the entries recorded for entityID inside the window
func (l *Ledger) ForEntity(entityID string) []TrackedError {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	var out []TrackedError
	for i := 0; i < l.size; i++ {
		e := l.entries[(l.head+i)%len(l.entries)]
		if e.EntityID == entityID && !e.Timestamp.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of stored entries
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Capacity returns the maximum number of stored entries
func (l *Ledger) Capacity() int {
	return len(l.entries)
}

// CountBySeverity counts entries in the window per severity
func (l *Ledger) CountBySeverity() map[Severity]int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	counts := make(map[Severity]int)
	for i := 0; i < l.size; i++ {
		e := l.entries[(l.head+i)%len(l.entries)]
		if !e.Timestamp.Before(cutoff) {
			counts[e.Severity]++
		}
	}
	return counts
}

func copyContext(ctx map[string]interface{}) map[string]interface{} {
	if len(ctx) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(ctx))
	for k, v := range ctx {
		out[k] = v
	}
	return out
}
