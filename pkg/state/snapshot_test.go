package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotRoundTrip(t *testing.T) {
	ts := time.Date(2026, 2, 3, 4, 5, 6, 7, time.UTC)
	es := &EntityState{
		EntityID:   "agent-1",
		Current:    Archiving,
		LastUpdate: ts,
		History: []HistoryEntry{
			{State: Idle, Timestamp: ts.Add(-time.Minute)},
			{State: Processing, Timestamp: ts.Add(-time.Second), Metadata: map[string]interface{}{"task": "t"}},
		},
		Metadata: map[string]interface{}{"batch": "b1"},
	}

	data, err := EncodeSnapshot(es, ts.Add(time.Second))
	require.NoError(t, err)

	decoded, backupTime, err := DecodeSnapshot("agent-1", data)
	require.NoError(t, err)
	assert.Equal(t, ts.Add(time.Second), backupTime)
	assert.Equal(t, es.Current, decoded.Current)
	assert.True(t, es.LastUpdate.Equal(decoded.LastUpdate))
	require.Len(t, decoded.History, 2)
	assert.Equal(t, Processing, decoded.History[1].State)
	assert.Equal(t, "t", decoded.History[1].Metadata["task"])
	assert.Equal(t, "b1", decoded.Metadata["batch"])
}

func TestDecodeSnapshot_Corruption(t *testing.T) {
	valid := `"entity_id":"agent-1","last_update":"2026-01-01T00:00:00Z","backup_time":"2026-01-01T00:00:00Z"`

	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `{{{`},
		{"missing state", `{` + valid + `,"history":[],"metadata":{}}`},
		{"history not a list", `{` + valid + `,"state":"idle","history":{},"metadata":{}}`},
		{"metadata not a map", `{` + valid + `,"state":"idle","history":[],"metadata":[]}`},
		{"unknown state name", `{` + valid + `,"state":"dreaming","history":[],"metadata":{}}`},
		{"bad timestamp", `{"entity_id":"agent-1","last_update":"yesterday","backup_time":"2026-01-01T00:00:00Z","state":"idle","history":[],"metadata":{}}`},
		{"bad history state", `{` + valid + `,"state":"idle","history":[{"state":"gone","timestamp":"2026-01-01T00:00:00Z"}],"metadata":{}}`},
		{"future schema", `{"schema_version":99,` + valid + `,"state":"idle","history":[],"metadata":{}}`},
		{"other entity", `{"entity_id":"agent-2","last_update":"2026-01-01T00:00:00Z","backup_time":"2026-01-01T00:00:00Z","state":"idle","history":[],"metadata":{}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeSnapshot("agent-1", []byte(tt.doc))
			var corruption *StateCorruptionError
			require.ErrorAs(t, err, &corruption)
			assert.Equal(t, "agent-1", corruption.EntityID)
		})
	}
}

func TestDecodeSnapshot_MissingVersionIsVersionOne(t *testing.T) {
	doc := `{"entity_id":"agent-1","state":"error","last_update":"2026-01-01T00:00:00Z","backup_time":"2026-01-01T00:00:00Z","history":[],"metadata":{}}`

	es, _, err := DecodeSnapshot("agent-1", []byte(doc))
	require.NoError(t, err)
	assert.Equal(t, Error, es.Current)
}
