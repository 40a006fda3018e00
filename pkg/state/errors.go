package state

import (
	"errors"
	"fmt"

	"github.com/harun/agentcore/pkg/errcore"
)

var (
	// ErrUnknownState is returned when a state name cannot be resolved
	ErrUnknownState = errors.New("unknown state")

	// ErrSnapshotNotFound is returned by stores when no snapshot exists
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrEntityNotFound is returned for entities the manager has never seen
	ErrEntityNotFound = errors.New("entity not found")

	// ErrRecoveryExhausted is returned once the recovery attempt cap is reached
	ErrRecoveryExhausted = errors.New("recovery attempts exhausted")

	// ErrInvalidEntityID is returned for empty entity ids
	ErrInvalidEntityID = errors.New("entity id is required")
)

// StateTransitionError reports an edge that is not in the transition table
type StateTransitionError struct {
	EntityID string
	From     State
	To       State
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for %s: %s -> %s", e.EntityID, e.From, e.To)
}

// StateCorruptionError reports a snapshot that failed structural validation
type StateCorruptionError struct {
	EntityID string
	Reason   string
	Err      error
}

func (e *StateCorruptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corrupt snapshot for %s: %s: %v", e.EntityID, e.Reason, e.Err)
	}
	return fmt.Sprintf("corrupt snapshot for %s: %s", e.EntityID, e.Reason)
}

func (e *StateCorruptionError) Unwrap() error {
	return e.Err
}

// Severity classifies an invalid transition as a caller input error
func (e *StateTransitionError) Severity() errcore.Severity { return errcore.SeverityLow }

// Kind implements errcore.Classified
func (e *StateTransitionError) Kind() errcore.Kind { return errcore.KindInput }

// Severity classifies corrupt snapshots as storage errors
func (e *StateCorruptionError) Severity() errcore.Severity { return errcore.SeverityMedium }

// Kind implements errcore.Classified
func (e *StateCorruptionError) Kind() errcore.Kind { return errcore.KindIO }
