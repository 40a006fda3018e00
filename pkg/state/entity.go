package state

import "time"

// HistoryEntry records a state the entity left, with the metadata it had
type HistoryEntry struct {
	State     State                  `json:"state"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// EntityState is the tracked lifecycle of one entity
type EntityState struct {
	EntityID   string                 `json:"entityId"`
	Current    State                  `json:"currentState"`
	LastUpdate time.Time              `json:"lastUpdate"`
	History    []HistoryEntry         `json:"history"`
	Metadata   map[string]interface{} `json:"metadata"`
}

// Stats is a read-only view of an entity used for introspection
type Stats struct {
	EntityID         string        `json:"entityId"`
	State            State         `json:"state"`
	LastUpdate       time.Time     `json:"lastUpdate"`
	TimeInState      time.Duration `json:"timeInState"`
	HistoryLength    int           `json:"historyLength"`
	Stuck            bool          `json:"stuck"`
	RecoveryAttempts int           `json:"recoveryAttempts"`
}

func newEntityState(entityID string, now time.Time) *EntityState {
	return &EntityState{
		EntityID:   entityID,
		Current:    Idle,
		LastUpdate: now,
		History:    []HistoryEntry{},
		Metadata:   map[string]interface{}{},
	}
}

// Clone returns a deep enough copy for callers to read without the lock
func (e *EntityState) Clone() EntityState {
	out := EntityState{
		EntityID:   e.EntityID,
		Current:    e.Current,
		LastUpdate: e.LastUpdate,
		History:    make([]HistoryEntry, len(e.History)),
		Metadata:   copyMap(e.Metadata),
	}
	for i, h := range e.History {
		out.History[i] = HistoryEntry{
			State:     h.State,
			Timestamp: h.Timestamp,
			Metadata:  copyMap(h.Metadata),
		}
	}
	return out
}

func copyMap(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
