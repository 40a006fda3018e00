package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRegistry(t *testing.T) {
	registry := NewClientRegistry()
	now := time.Now()

	registry.Add(&Client{ID: "b", Endpoint: "cli", ConnectedAt: now.Add(time.Second), LastActivity: now})
	registry.Add(&Client{ID: "a", Endpoint: "dashboard", ConnectedAt: now, LastActivity: now.Add(-10 * time.Minute)})
	registry.Add(&Client{ID: "c", Endpoint: "cli", ConnectedAt: now.Add(2 * time.Second), LastActivity: now})

	assert.Equal(t, 3, registry.Count())
	assert.Len(t, registry.ByEndpoint("cli"), 2)
	assert.Empty(t, registry.ByEndpoint("unknown"))

	infos := registry.GetConnectedClients()
	require.Len(t, infos, 3)
	assert.Equal(t, "a", infos[0].ID)
	assert.True(t, infos[0].Idle)
	assert.False(t, infos[1].Idle)

	registry.UpdateActivity("a")
	client, ok := registry.Get("a")
	require.True(t, ok)
	assert.WithinDuration(t, time.Now(), client.LastActivity, time.Second)

	registry.Remove("a")
	_, ok = registry.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 2, registry.Count())

	// Unknown ids are ignored
	registry.UpdateActivity("missing")
	registry.Remove("missing")
	assert.Equal(t, 2, registry.Count())
}
