package state

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeImplementations(t *testing.T) map[string]Store {
	t.Helper()

	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{"file": fs, "sqlite": sqlite}
}

func TestStores(t *testing.T) {
	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.Load(ctx, "agent/1")
			assert.ErrorIs(t, err, ErrSnapshotNotFound)

			require.NoError(t, store.Save(ctx, "agent/1", []byte(`{"v":1}`)))
			require.NoError(t, store.Save(ctx, "agent/1", []byte(`{"v":2}`)))
			require.NoError(t, store.Save(ctx, "agent-2", []byte(`{"v":3}`)))

			data, err := store.Load(ctx, "agent/1")
			require.NoError(t, err)
			assert.JSONEq(t, `{"v":2}`, string(data))

			ids, err := store.List(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"agent-2", "agent/1"}, ids)

			require.NoError(t, store.Delete(ctx, "agent/1"))
			_, err = store.Load(ctx, "agent/1")
			assert.ErrorIs(t, err, ErrSnapshotNotFound)

			ids, err = store.List(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"agent-2"}, ids)
		})
	}
}

func TestFileStore_KeepsBackup(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = fs.LoadBackup(ctx, "a")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)

	require.NoError(t, fs.Save(ctx, "a", []byte("one")))
	require.NoError(t, fs.Save(ctx, "a", []byte("two")))

	backup, err := fs.LoadBackup(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "one", string(backup))
}

func TestFileStore_RequiresDir(t *testing.T) {
	_, err := NewFileStore("")
	assert.Error(t, err)
}

func TestSQLiteStore_AppendOnly(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	for _, doc := range []string{"1", "2", "3", "4"} {
		require.NoError(t, store.Save(ctx, "a", []byte(doc)))
	}

	n, err := store.Revisions(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	require.NoError(t, store.Prune(ctx, "a", 2))
	n, err = store.Revisions(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	data, err := store.Load(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "4", string(data))
}

func TestManagerWithSQLiteStore(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	first := newTestEnv(t, store)
	require.NoError(t, first.manager.UpdateState(ctx, "agent-1", Processing, nil))
	require.NoError(t, first.manager.UpdateState(ctx, "agent-1", Idle, nil))

	second := newTestEnv(t, store)
	require.NoError(t, second.manager.RecoverFromCrash(ctx, "agent-1"))

	es, err := second.manager.Entity("agent-1")
	require.NoError(t, err)
	assert.Equal(t, Idle, es.Current)
	assert.Len(t, es.History, 2)
}
