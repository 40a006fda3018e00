package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/agentcore/internal/observability"
	"github.com/harun/agentcore/pkg/errcore"
	"github.com/harun/agentcore/pkg/state"
)

const (
	// TopicTestRun is published after every suite run
	TopicTestRun = "test_run"
	// TopicTestSkipped is published when the error ledger vetoes a run
	TopicTestSkipped = "test_skipped"

	rerunOperation = "runner.rerun"

	DefaultTestTimeout = 5 * time.Minute
)

// StateTracker is the part of the State Manager a TestRunner drives
type StateTracker interface {
	UpdateState(ctx context.Context, entityID string, newState state.State, metadata map[string]interface{}) error
	GetState(entityID string) (state.State, error)
}

// TestRunnerConfig wires a TestRunner to its collaborators
type TestRunnerConfig struct {
	// EntityID names the runner in the State Manager and error ledger
	EntityID string
	Executor Executor
	Parser   FailureParser
	// RunArgs returns the executor arguments re-running one failed test
	RunArgs func(name string) []string
	Timeout time.Duration

	Pool      *Pool
	Results   *ResultQueue
	Errors    *errcore.Core
	States    StateTracker
	Publisher state.Publisher
	Logger    *zerolog.Logger
}

// TestRunner runs a test suite each iteration and re-runs its failures one by one
type TestRunner struct {
	entityID  string
	executor  Executor
	parser    FailureParser
	runArgs   func(name string) []string
	timeout   time.Duration
	pool      *Pool
	results   *ResultQueue
	errors    *errcore.Core
	states    StateTracker
	publisher state.Publisher
	logger    zerolog.Logger

	items *ItemSet

	mu      sync.Mutex
	lastRun ExecResult
}

// NewTestRunner creates a TestRunner
func NewTestRunner(cfg TestRunnerConfig) (*TestRunner, error) {
	if cfg.Executor == nil {
		return nil, errors.New("test runner requires an executor")
	}
	if cfg.EntityID == "" {
		cfg.EntityID = "test-runner"
	}
	if cfg.Parser == nil {
		cfg.Parser = GoTestParser{}
	}
	if cfg.RunArgs == nil {
		cfg.RunArgs = GoTestRunArgs
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTestTimeout
	}
	if cfg.Pool == nil {
		cfg.Pool = NewPool(0)
	}
	if cfg.Results == nil {
		cfg.Results = NewResultQueue(DefaultResultQueueSize)
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("component", "test_runner").Str("entityId", cfg.EntityID).Logger()

	if cfg.Errors == nil {
		ecfg := errcore.DefaultConfig()
		ecfg.Logger = &logger
		cfg.Errors = errcore.New(ecfg)
	}

	return &TestRunner{
		entityID:  cfg.EntityID,
		executor:  cfg.Executor,
		parser:    cfg.Parser,
		runArgs:   cfg.RunArgs,
		timeout:   cfg.Timeout,
		pool:      cfg.Pool,
		results:   cfg.Results,
		errors:    cfg.Errors,
		states:    cfg.States,
		publisher: cfg.Publisher,
		logger:    logger,
		items:     NewItemSet(),
	}, nil
}

// Items returns the tracked work items
func (t *TestRunner) Items() *ItemSet {
	return t.items
}

// Counts implements ItemCounter
func (t *TestRunner) Counts() Counts {
	return t.items.Counts()
}

// LastRun returns the most recent suite result
func (t *TestRunner) LastRun() ExecResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastRun
}

// RunIteration runs the whole suite, records failing tests as work items and
// re-runs every pending item on the pool.
func (t *TestRunner) RunIteration(ctx context.Context) error {
	if !t.errors.CanExecute(t.entityID) {
		t.logger.Warn().Msg("Error history vetoes this run, skipping")
		t.publish(ctx, TopicTestSkipped, map[string]interface{}{
			"entityId": t.entityID,
			"reason":   "vetoed by error history",
		})
		return nil
	}

	t.enterProcessing(ctx)

	result, ok := RunWithTimeout(ctx, t.logger, "test-suite", t.timeout, func(ctx context.Context) (ExecResult, error) {
		return t.executor.Run(ctx)
	})
	if !ok {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := &SuiteError{EntityID: t.entityID}
		t.transition(ctx, state.Error, map[string]interface{}{"reason": err.Error()})
		t.publish(ctx, TopicTestRun, map[string]interface{}{
			"entityId": t.entityID,
			"error":    err.Error(),
		})
		return err
	}

	t.mu.Lock()
	t.lastRun = result
	t.mu.Unlock()

	failures := t.parser.Parse(result)
	t.reconcile(failures)

	pending := t.items.Take(0)
	t.reportSizes()

	var started sync.Map
	err := t.pool.Run(ctx, pending, func(ctx context.Context, item WorkItem) error {
		started.Store(item.ID, struct{}{})
		return t.rerun(ctx, item)
	})
	for _, item := range pending {
		if _, ok := started.Load(item.ID); !ok {
			t.items.Requeue(item.ID)
		}
	}
	t.reportSizes()

	if ctx.Err() != nil {
		t.logger.Info().Int("requeued", t.items.Counts().Pending).Msg("Iteration cancelled, pending items kept")
		return ctx.Err()
	}
	if err != nil {
		t.logger.Warn().Err(err).Msg("Pool run ended with an error")
	}

	counts := t.items.Counts()
	payload := map[string]interface{}{
		"entityId":  t.entityID,
		"exitCode":  result.ExitCode,
		"duration":  result.Duration.String(),
		"failing":   len(failures),
		"pending":   counts.Pending,
		"inFlight":  counts.InProgress,
		"passedSet": counts.Passed,
		"failedSet": counts.Failed,
	}
	if result.Failed() {
		payload["error"] = fmt.Sprintf("%d failing tests", len(failures))
	}
	t.publish(ctx, TopicTestRun, payload)

	t.transition(ctx, state.Idle, map[string]interface{}{
		"exitCode": result.ExitCode,
		"failing":  len(failures),
	})

	t.logger.Info().
		Int("exitCode", result.ExitCode).
		Int("failing", len(failures)).
		Dur("duration", result.Duration).
		Msg("Test iteration finished")

	return nil
}

// reconcile queues new failures and settles items no longer failing
func (t *TestRunner) reconcile(failures map[string]string) {
	for name, text := range failures {
		t.items.Add(WorkItem{ID: name, Payload: text})
	}

	for _, id := range t.items.Snapshot()[StatusFailed] {
		if _, stillFailing := failures[id]; !stillFailing {
			if err := t.results.Submit(Result{ItemID: id, Passed: true, Output: "passed in suite run"}); err != nil {
				t.logger.Warn().Err(err).Str("item", id).Msg("Result queue full, dropping reconciliation")
			}
		}
	}
}

// rerun runs a single item through the Error Core and queues its result
func (t *TestRunner) rerun(ctx context.Context, item WorkItem) error {
	var last ExecResult
	itemEntity := t.entityID + "/" + item.ID

	err := t.errors.WithRetry(ctx, rerunOperation, itemEntity, func(ctx context.Context) error {
		res, ok := RunWithTimeout(ctx, t.logger, "test-rerun", t.timeout, func(ctx context.Context) (ExecResult, error) {
			return t.executor.Run(ctx, t.runArgs(item.ID)...)
		})
		if !ok {
			return &SuiteError{EntityID: itemEntity}
		}
		last = res
		if res.Failed() {
			return &TestFailureError{Name: item.ID, Output: res.Stdout}
		}
		return nil
	})

	if errors.Is(err, errcore.ErrCircuitOpen) || ctx.Err() != nil {
		t.items.Requeue(item.ID)
		return nil
	}

	result := Result{ItemID: item.ID, Passed: err == nil, Output: last.Stdout, Err: err}
	if submitErr := t.results.Submit(result); submitErr != nil {
		t.logger.Warn().Err(submitErr).Str("item", item.ID).Msg("Result queue full, requeueing item")
		t.items.Requeue(item.ID)
	}
	return nil
}

// HandleResult moves an item to passed or failed. Repeated results for the
// same item are harmless.
func (t *TestRunner) HandleResult(ctx context.Context, result Result) error {
	if !t.items.Complete(result.ItemID, result.Passed) {
		t.logger.Debug().Str("item", result.ItemID).Msg("Result for unknown item ignored")
		return nil
	}
	observability.RecordWorkItem(t.entityID, result.Passed)
	t.reportSizes()

	if !result.Passed {
		t.logger.Info().Str("item", result.ItemID).Msg("Test still failing")
	}
	return nil
}

func (t *TestRunner) reportSizes() {
	c := t.items.Counts()
	observability.SetRunnerQueueSize(t.entityID, string(StatusPending), c.Pending)
	observability.SetRunnerQueueSize(t.entityID, string(StatusInProgress), c.InProgress)
	observability.SetRunnerQueueSize(t.entityID, string(StatusPassed), c.Passed)
	observability.SetRunnerQueueSize(t.entityID, string(StatusFailed), c.Failed)
}

// enterProcessing moves the runner entity to Processing, resuming first when
// the previous run left it in Error.
func (t *TestRunner) enterProcessing(ctx context.Context) {
	if t.states == nil {
		return
	}
	current, err := t.states.GetState(t.entityID)
	if err == nil {
		switch current {
		case state.Processing:
			return
		case state.Error:
			t.transition(ctx, state.Resuming, nil)
		}
	}
	t.transition(ctx, state.Processing, nil)
}

func (t *TestRunner) transition(ctx context.Context, to state.State, metadata map[string]interface{}) {
	if t.states == nil {
		return
	}
	if err := t.states.UpdateState(ctx, t.entityID, to, metadata); err != nil {
		t.logger.Warn().Err(err).Str("to", to.String()).Msg("State transition rejected")
	}
}

func (t *TestRunner) publish(ctx context.Context, topic string, payload map[string]interface{}) {
	if t.publisher == nil {
		return
	}
	if err := t.publisher.Publish(ctx, topic, payload); err != nil {
		t.logger.Warn().Err(err).Str("topic", topic).Msg("Failed to publish runner event")
	}
}
