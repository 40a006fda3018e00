package state

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionTable(t *testing.T) {
	expected := map[State][]State{
		Idle:       {Processing, Error},
		Processing: {Idle, Error, Archiving},
		Resuming:   {Processing, Error},
		Error:      {Resuming, Idle},
		Archiving:  {Idle, Error},
		Notifying:  {Idle, Error},
	}

	for from, targets := range expected {
		assert.ElementsMatch(t, targets, AllowedTransitions(from), from.String())
		for _, to := range States() {
			want := false
			for _, target := range targets {
				if target == to {
					want = true
				}
			}
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestParseState(t *testing.T) {
	for _, s := range States() {
		parsed, err := ParseState(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}

	parsed, err := ParseState(" Processing ")
	require.NoError(t, err)
	assert.Equal(t, Processing, parsed)

	_, err = ParseState("sleeping")
	assert.ErrorIs(t, err, ErrUnknownState)
}

func TestStateJSON(t *testing.T) {
	data, err := json.Marshal(map[string]State{"s": Archiving})
	require.NoError(t, err)
	assert.JSONEq(t, `{"s":"archiving"}`, string(data))

	var decoded map[string]State
	require.NoError(t, json.Unmarshal([]byte(`{"s":"notifying"}`), &decoded))
	assert.Equal(t, Notifying, decoded["s"])

	_, err = json.Marshal(State(42))
	assert.Error(t, err)
}
