package state

import (
	"fmt"
	"strings"
	"time"
)

// State is the lifecycle position of a tracked entity
type State int

const (
	Idle State = iota
	Processing
	Resuming
	Error
	Archiving
	Notifying
)

var stateNames = map[State]string{
	Idle:       "idle",
	Processing: "processing",
	Resuming:   "resuming",
	Error:      "error",
	Archiving:  "archiving",
	Notifying:  "notifying",
}

// String returns the lowercase state name used in snapshots and logs
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ParseState resolves a state name, ignoring case
func ParseState(name string) (State, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for s, n := range stateNames {
		if n == normalized {
			return s, nil
		}
	}
	return Idle, fmt.Errorf("%w: %q", ErrUnknownState, name)
}

// MarshalText encodes the state by name
func (s State) MarshalText() ([]byte, error) {
	if _, ok := stateNames[s]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownState, int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name
func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// States returns every state in declaration order
func States() []State {
	return []State{Idle, Processing, Resuming, Error, Archiving, Notifying}
}

var transitions = map[State][]State{
	Idle:       {Processing, Error},
	Processing: {Idle, Error, Archiving},
	Resuming:   {Processing, Error},
	Error:      {Resuming, Idle},
	Archiving:  {Idle, Error},
	Notifying:  {Idle, Error},
}

// CanTransition reports whether from -> to is an edge of the state machine
func CanTransition(from, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AllowedTransitions returns the states reachable from s
func AllowedTransitions(s State) []State {
	out := make([]State, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// DefaultStuckTimeouts are the per-state limits used by IsStuck.
// States without an entry are never stuck.
func DefaultStuckTimeouts() map[State]time.Duration {
	return map[State]time.Duration{
		Idle:       5 * time.Minute,
		Processing: 30 * time.Minute,
		Error:      time.Minute,
	}
}
