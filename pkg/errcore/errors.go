package errcore

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidInput marks malformed input; classified as Low severity
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotImplemented marks missing functionality; classified as High severity
	ErrNotImplemented = errors.New("not implemented")

	// ErrCircuitOpen is returned when a breaker refuses an operation
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrExecutionVetoed is returned when the ledger vetoes work for an entity
	ErrExecutionVetoed = errors.New("execution vetoed by error history")
)

// Severity ranks how serious a tracked error is
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the lowercase severity name
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// Kind tags the broad category an error was classified into
type Kind string

const (
	KindInput   Kind = "input"
	KindIO      Kind = "io"
	KindLogic   Kind = "logic"
	KindUnknown Kind = "unknown"
)

// TrackedError is an immutable record held by the error ledger
type TrackedError struct {
	Timestamp time.Time              `json:"timestamp"`
	Message   string                 `json:"message"`
	Severity  Severity               `json:"severity"`
	EntityID  string                 `json:"entityId"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Kind      Kind                   `json:"kind"`
}

// RetryExhaustedError is returned by WithRetry after the last allowed attempt fails
type RetryExhaustedError struct {
	Operation string
	EntityID  string
	Attempts  int
	Err       error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%s for %s failed after %d attempts: %v", e.Operation, e.EntityID, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}

// PanicError wraps a value recovered from a panicking operation
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
