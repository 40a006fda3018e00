package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestItemSet_Lifecycle(t *testing.T) {
	s := NewItemSet()

	assert.True(t, s.Add(WorkItem{ID: "a"}))
	assert.True(t, s.Add(WorkItem{ID: "b"}))
	assert.False(t, s.Add(WorkItem{ID: "a"}), "pending item is not added twice")

	taken := s.Take(1)
	require.Len(t, taken, 1)
	assert.Equal(t, "a", taken[0].ID)
	assert.Equal(t, Counts{Pending: 1, InProgress: 1}, s.Counts())

	assert.False(t, s.Add(WorkItem{ID: "a"}), "in-progress item is not added again")

	assert.True(t, s.Complete("a", true))
	assert.True(t, s.Complete("a", true))
	status, ok := s.Status("a")
	require.True(t, ok)
	assert.Equal(t, StatusPassed, status)

	assert.False(t, s.Complete("missing", true))

	// a finished item can fail again
	assert.True(t, s.Add(WorkItem{ID: "a", Payload: "boom"}))
	assert.Equal(t, Counts{Pending: 2}, s.Counts())
}

func TestItemSet_EveryItemInExactlyOneSet(t *testing.T) {
	s := NewItemSet()
	for _, id := range []string{"a", "b", "c", "d"} {
		s.Add(WorkItem{ID: id})
	}
	s.Take(3)
	s.Complete("a", true)
	s.Complete("b", false)

	snap := s.Snapshot()
	assert.Equal(t, []string{"d"}, snap[StatusPending])
	assert.Equal(t, []string{"c"}, snap[StatusInProgress])
	assert.Equal(t, []string{"a"}, snap[StatusPassed])
	assert.Equal(t, []string{"b"}, snap[StatusFailed])
	assert.Equal(t, 4, s.Counts().Total())
}

func TestItemSet_TakeKeepsInsertionOrder(t *testing.T) {
	s := NewItemSet()
	for _, id := range []string{"z", "y", "x"} {
		s.Add(WorkItem{ID: id})
	}

	taken := s.Take(0)
	require.Len(t, taken, 3)
	assert.Equal(t, "z", taken[0].ID)
	assert.Equal(t, "x", taken[2].ID)
	assert.Empty(t, s.Take(0))
}

func TestItemSet_Requeue(t *testing.T) {
	s := NewItemSet()
	s.Add(WorkItem{ID: "a"})

	assert.False(t, s.Requeue("a"), "only in-progress items can be requeued")
	s.Take(0)
	assert.True(t, s.Requeue("a"))

	taken := s.Take(0)
	require.Len(t, taken, 1)
	assert.Equal(t, "a", taken[0].ID)
}

func TestItemSet_CompletePendingItem(t *testing.T) {
	s := NewItemSet()
	s.Add(WorkItem{ID: "a"})

	assert.True(t, s.Complete("a", false))
	assert.Empty(t, s.Take(0))
	assert.Equal(t, Counts{Failed: 1}, s.Counts())
}

func TestResultQueue(t *testing.T) {
	q := NewResultQueue(2)
	assert.Equal(t, 2, q.Cap())

	require.NoError(t, q.Submit(Result{ItemID: "1"}))
	require.NoError(t, q.Submit(Result{ItemID: "2"}))
	assert.ErrorIs(t, q.Submit(Result{ItemID: "3"}), ErrResultQueueFull)
	assert.Equal(t, 2, q.Len())

	drained := q.Drain()
	require.Len(t, drained, 2)
	assert.Equal(t, "1", drained[0].ItemID)
	assert.Equal(t, "2", drained[1].ItemID)
	assert.Empty(t, q.Drain())
}
