package runner

import (
	"errors"
	"sort"
	"sync"
)

// ErrResultQueueFull is returned by ResultQueue.Submit when the queue is at capacity
var ErrResultQueueFull = errors.New("result queue is full")

// DefaultResultQueueSize is used when a queue is created with a non-positive size
const DefaultResultQueueSize = 256

// ItemStatus is the set a WorkItem currently belongs to
type ItemStatus string

const (
	StatusPending    ItemStatus = "pending"
	StatusInProgress ItemStatus = "in_progress"
	StatusPassed     ItemStatus = "passed"
	StatusFailed     ItemStatus = "failed"
)

// WorkItem is a unit of work tracked by a runner
type WorkItem struct {
	ID      string      `json:"id"`
	Payload interface{} `json:"payload,omitempty"`
}

// Result reports the outcome of one work item
type Result struct {
	ItemID string
	Passed bool
	Output string
	Err    error
}

// Counts holds the size of each item set
type Counts struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Passed     int `json:"passed"`
	Failed     int `json:"failed"`
}

// Total returns the number of tracked items
func (c Counts) Total() int {
	return c.Pending + c.InProgress + c.Passed + c.Failed
}

// ItemSet keeps every WorkItem in exactly one of the four status sets.
// Pending items are handed out in insertion order.
type ItemSet struct {
	mu      sync.Mutex
	items   map[string]WorkItem
	status  map[string]ItemStatus
	pending []string
}

// NewItemSet creates an empty item set
func NewItemSet() *ItemSet {
	return &ItemSet{
		items:  make(map[string]WorkItem),
		status: make(map[string]ItemStatus),
	}
}

// Add queues item as pending. Items already pending or in progress are left
// alone; finished items are queued again with the new payload.
func (s *ItemSet) Add(item WorkItem) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.status[item.ID] {
	case StatusPending, StatusInProgress:
		return false
	}

	s.items[item.ID] = item
	s.status[item.ID] = StatusPending
	s.pending = append(s.pending, item.ID)
	return true
}

// Take moves up to n pending items to in progress. n <= 0 takes all of them.
func (s *ItemSet) Take(n int) []WorkItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n <= 0 || n > len(s.pending) {
		n = len(s.pending)
	}

	taken := make([]WorkItem, 0, n)
	for _, id := range s.pending[:n] {
		s.status[id] = StatusInProgress
		taken = append(taken, s.items[id])
	}
	s.pending = append([]string(nil), s.pending[n:]...)
	return taken
}

// Complete moves an item to passed or failed. Repeating the same completion
// is a no-op. It returns false for unknown items.
func (s *ItemSet) Complete(id string, passed bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.status[id]
	if !ok {
		return false
	}

	target := StatusFailed
	if passed {
		target = StatusPassed
	}
	if current == target {
		return true
	}
	if current == StatusPending {
		s.removePending(id)
	}
	s.status[id] = target
	return true
}

// Requeue moves an in-progress item back to pending
func (s *ItemSet) Requeue(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status[id] != StatusInProgress {
		return false
	}
	s.status[id] = StatusPending
	s.pending = append(s.pending, id)
	return true
}

// Status returns the set id belongs to
func (s *ItemSet) Status(id string) (ItemStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.status[id]
	return status, ok
}

// Counts returns the size of each set
func (s *ItemSet) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()

	var c Counts
	for _, status := range s.status {
		switch status {
		case StatusPending:
			c.Pending++
		case StatusInProgress:
			c.InProgress++
		case StatusPassed:
			c.Passed++
		case StatusFailed:
			c.Failed++
		}
	}
	return c
}

// Snapshot returns the sorted item ids of every set
func (s *ItemSet) Snapshot() map[ItemStatus][]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := map[ItemStatus][]string{
		StatusPending:    {},
		StatusInProgress: {},
		StatusPassed:     {},
		StatusFailed:     {},
	}
	for id, status := range s.status {
		out[status] = append(out[status], id)
	}
	for _, ids := range out {
		sort.Strings(ids)
	}
	return out
}

func (s *ItemSet) removePending(id string) {
	for i, pid := range s.pending {
		if pid == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

// ResultQueue is a bounded FIFO of completed item results
type ResultQueue struct {
	ch chan Result
}

// NewResultQueue creates a queue holding at most size results
func NewResultQueue(size int) *ResultQueue {
	if size <= 0 {
		size = DefaultResultQueueSize
	}
	return &ResultQueue{ch: make(chan Result, size)}
}

// Submit appends a result without blocking
func (q *ResultQueue) Submit(result Result) error {
	select {
	case q.ch <- result:
		return nil
	default:
		return ErrResultQueueFull
	}
}

// Drain removes every result currently queued, oldest first
func (q *ResultQueue) Drain() []Result {
	var out []Result
	for {
		select {
		case r := <-q.ch:
			out = append(out, r)
		default:
			return out
		}
	}
}

// Len returns the number of queued results
func (q *ResultQueue) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity
func (q *ResultQueue) Cap() int {
	return cap(q.ch)
}
