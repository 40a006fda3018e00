package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentcore/pkg/errcore"
)

type scriptedIterator struct {
	iterations int32
	iterate    func(n int32) error

	mu      sync.Mutex
	handled []Result
	handle  func(Result) error
}

func (s *scriptedIterator) RunIteration(ctx context.Context) error {
	n := atomic.AddInt32(&s.iterations, 1)
	if s.iterate != nil {
		return s.iterate(n)
	}
	return nil
}

func (s *scriptedIterator) HandleResult(ctx context.Context, result Result) error {
	s.mu.Lock()
	s.handled = append(s.handled, result)
	s.mu.Unlock()
	if s.handle != nil {
		return s.handle(result)
	}
	return nil
}

func (s *scriptedIterator) handledIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(s.handled))
	for i, r := range s.handled {
		ids[i] = r.ItemID
	}
	return ids
}

func newTestErrorCore() *errcore.Core {
	logger := zerolog.Nop()
	cfg := errcore.DefaultConfig()
	cfg.Logger = &logger
	return errcore.New(cfg)
}

func newTestRunnerLoop(it Iterator, interval time.Duration, errs *errcore.Core) *Runner {
	logger := zerolog.Nop()
	return New(it, Config{
		Name:          "loop",
		Interval:      interval,
		CheckInterval: time.Millisecond,
		ErrorBackoff:  5 * time.Millisecond,
		Errors:        errs,
		Logger:        &logger,
	})
}

func TestRunner_StartStopIdempotent(t *testing.T) {
	it := &scriptedIterator{}
	r := newTestRunnerLoop(it, time.Hour, nil)

	r.Stop()
	assert.False(t, r.IsRunning())

	r.Start()
	r.Start()
	assert.True(t, r.IsRunning())

	r.Stop()
	r.Stop()
	assert.False(t, r.IsRunning())

	r.Start()
	assert.True(t, r.IsRunning())
	r.Stop()
}

func TestRunner_RespectsInterval(t *testing.T) {
	it := &scriptedIterator{}
	r := newTestRunnerLoop(it, time.Hour, nil)

	r.Start()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&it.iterations) == 1 }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	r.Stop()

	assert.Equal(t, int32(1), atomic.LoadInt32(&it.iterations), "interval has not elapsed again")

	stats := r.Stats()
	assert.Equal(t, 1, stats.IterationCount)
	assert.False(t, stats.LastIterationTime.IsZero())
	assert.False(t, stats.Running)
}

func TestRunner_RepeatsIterations(t *testing.T) {
	it := &scriptedIterator{}
	r := newTestRunnerLoop(it, 2*time.Millisecond, nil)

	r.Start()
	defer r.Stop()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&it.iterations) >= 3 }, time.Second, time.Millisecond)
}

func TestRunner_DrainsResultsInOrder(t *testing.T) {
	it := &scriptedIterator{}
	r := newTestRunnerLoop(it, time.Hour, nil)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, r.Results().Submit(Result{ItemID: id}))
	}

	r.Start()
	defer r.Stop()

	require.Eventually(t, func() bool { return len(it.handledIDs()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, it.handledIDs())
	assert.Equal(t, 0, r.Stats().QueueDepth)
}

func TestRunner_SurvivesErrorsAndPanics(t *testing.T) {
	errs := newTestErrorCore()
	it := &scriptedIterator{
		iterate: func(n int32) error {
			switch n {
			case 1:
				return errors.New("collaborator exploded")
			case 2:
				panic("iteration panic")
			}
			return nil
		},
	}
	r := newTestRunnerLoop(it, time.Millisecond, errs)

	r.Start()
	defer r.Stop()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&it.iterations) >= 4 }, 2*time.Second, time.Millisecond)

	tracked := errs.Ledger().ForEntity("loop")
	require.GreaterOrEqual(t, len(tracked), 2)
	assert.Equal(t, errcore.SeverityCritical, tracked[0].Severity)
	assert.Equal(t, errcore.SeverityHigh, tracked[1].Severity)
}

func TestRunner_HandleResultErrorsDoNotDropOtherResults(t *testing.T) {
	errs := newTestErrorCore()
	it := &scriptedIterator{
		handle: func(r Result) error {
			if r.ItemID == "bad" {
				return errcore.ErrInvalidInput
			}
			return nil
		},
	}
	r := newTestRunnerLoop(it, time.Hour, errs)
	require.NoError(t, r.Results().Submit(Result{ItemID: "bad"}))
	require.NoError(t, r.Results().Submit(Result{ItemID: "good"}))

	r.Start()
	defer r.Stop()

	require.Eventually(t, func() bool { return len(it.handledIDs()) == 2 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(errs.Ledger().ForEntity("loop")) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, errcore.SeverityLow, errs.Ledger().ForEntity("loop")[0].Severity)
}

func TestRunner_StopInterruptsBackoff(t *testing.T) {
	logger := zerolog.Nop()
	it := &scriptedIterator{iterate: func(int32) error { return errors.New("always") }}
	r := New(it, Config{
		Name:         "slow",
		Interval:     time.Millisecond,
		ErrorBackoff: time.Hour,
		Errors:       newTestErrorCore(),
		Logger:       &logger,
	})

	r.Start()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&it.iterations) == 1 }, time.Second, time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not interrupt the error backoff")
	}
}

type countingIterator struct {
	scriptedIterator
	counts Counts
}

func (c *countingIterator) Counts() Counts { return c.counts }

func TestRunner_StatsIncludeItemCounts(t *testing.T) {
	it := &countingIterator{counts: Counts{Pending: 2, Failed: 1}}
	r := newTestRunnerLoop(it, time.Hour, nil)

	assert.Equal(t, Counts{Pending: 2, Failed: 1}, r.Stats().Items)
	assert.Equal(t, "loop", r.Stats().Name)
}
