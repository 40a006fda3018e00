package state

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// CurrentSchemaVersion is written into every snapshot. Documents without a
// version are read as version 1.
const CurrentSchemaVersion = 1

const snapshotSchema = `{
  "type": "object",
  "required": ["entity_id", "state", "last_update", "history", "metadata", "backup_time"],
  "properties": {
    "schema_version": {"type": "integer", "minimum": 1},
    "entity_id": {"type": "string", "minLength": 1},
    "state": {"type": "string", "minLength": 1},
    "last_update": {"type": "string"},
    "backup_time": {"type": "string"},
    "metadata": {"type": "object"},
    "history": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["state", "timestamp"],
        "properties": {
          "state": {"type": "string"},
          "timestamp": {"type": "string"},
          "metadata": {"type": ["object", "null"]}
        }
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

func loadSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(snapshotSchema))
	})
	return schema, schemaErr
}

// Snapshot is the durable document written for an entity
type Snapshot struct {
	SchemaVersion int                    `json:"schema_version"`
	EntityID      string                 `json:"entity_id"`
	State         string                 `json:"state"`
	LastUpdate    string                 `json:"last_update"`
	History       []SnapshotEntry        `json:"history"`
	Metadata      map[string]interface{} `json:"metadata"`
	BackupTime    string                 `json:"backup_time"`
}

// SnapshotEntry is one history element inside a snapshot
type SnapshotEntry struct {
	State     string                 `json:"state"`
	Timestamp string                 `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// EncodeSnapshot serializes an entity state taken at backupTime
func EncodeSnapshot(es *EntityState, backupTime time.Time) ([]byte, error) {
	snap := Snapshot{
		SchemaVersion: CurrentSchemaVersion,
		EntityID:      es.EntityID,
		State:         es.Current.String(),
		LastUpdate:    es.LastUpdate.UTC().Format(time.RFC3339Nano),
		History:       make([]SnapshotEntry, 0, len(es.History)),
		Metadata:      es.Metadata,
		BackupTime:    backupTime.UTC().Format(time.RFC3339Nano),
	}
	if snap.Metadata == nil {
		snap.Metadata = map[string]interface{}{}
	}
	for _, h := range es.History {
		snap.History = append(snap.History, SnapshotEntry{
			State:     h.State.String(),
			Timestamp: h.Timestamp.UTC().Format(time.RFC3339Nano),
			Metadata:  h.Metadata,
		})
	}
	return json.Marshal(snap)
}

// DecodeSnapshot validates a snapshot document and rebuilds the entity state.
// Every failure is a *StateCorruptionError.
func DecodeSnapshot(entityID string, data []byte) (*EntityState, time.Time, error) {
	corrupt := func(reason string, err error) (*EntityState, time.Time, error) {
		return nil, time.Time{}, &StateCorruptionError{EntityID: entityID, Reason: reason, Err: err}
	}

	s, err := loadSchema()
	if err != nil {
		return corrupt("schema unavailable", err)
	}

	result, err := s.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return corrupt("not a json document", err)
	}
	if !result.Valid() {
		var problems []string
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return corrupt("structural validation failed", fmt.Errorf("%s", strings.Join(problems, "; ")))
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return corrupt("decode failed", err)
	}

	if snap.SchemaVersion == 0 {
		snap.SchemaVersion = 1
	}
	if snap.SchemaVersion > CurrentSchemaVersion {
		return corrupt(fmt.Sprintf("unsupported schema version %d", snap.SchemaVersion), nil)
	}
	if snap.EntityID != entityID {
		return corrupt(fmt.Sprintf("snapshot belongs to %q", snap.EntityID), nil)
	}

	current, err := ParseState(snap.State)
	if err != nil {
		return corrupt("state", err)
	}
	lastUpdate, err := time.Parse(time.RFC3339Nano, snap.LastUpdate)
	if err != nil {
		return corrupt("last_update", err)
	}
	backupTime, err := time.Parse(time.RFC3339Nano, snap.BackupTime)
	if err != nil {
		return corrupt("backup_time", err)
	}

	es := &EntityState{
		EntityID:   entityID,
		Current:    current,
		LastUpdate: lastUpdate,
		History:    make([]HistoryEntry, 0, len(snap.History)),
		Metadata:   snap.Metadata,
	}
	if es.Metadata == nil {
		es.Metadata = map[string]interface{}{}
	}

	for i, h := range snap.History {
		hs, err := ParseState(h.State)
		if err != nil {
			return corrupt(fmt.Sprintf("history[%d].state", i), err)
		}
		ts, err := time.Parse(time.RFC3339Nano, h.Timestamp)
		if err != nil {
			return corrupt(fmt.Sprintf("history[%d].timestamp", i), err)
		}
		es.History = append(es.History, HistoryEntry{State: hs, Timestamp: ts, Metadata: h.Metadata})
	}

	return es, backupTime, nil
}
