package state

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/agentcore/internal/observability"
	"github.com/harun/agentcore/internal/tracing"
	"github.com/harun/agentcore/pkg/errcore"
)

const (
	tracerName = "agentcore.state"

	snapshotOperation = "state.snapshot"

	DefaultHistoryLimit        = 100
	DefaultMaxRecoveryAttempts = 3
	DefaultRecoveryBackoffBase = 2.0
)

// Config holds State Manager dependencies and settings
type Config struct {
	Store     Store
	Errors    *errcore.Core
	Publisher Publisher
	Logger    *zerolog.Logger

	HistoryLimit        int
	MaxRecoveryAttempts int
	RecoveryBackoffBase float64
	StuckTimeouts       map[State]time.Duration

	// Clock and Sleep are overridable for tests
	Clock func() time.Time
	Sleep errcore.SleepFunc
}

type entityRecord struct {
	mu               sync.Mutex
	state            *EntityState
	recoveryAttempts int
}

// Manager owns the per-entity state machines
type Manager struct {
	entities sync.Map // entity id -> *entityRecord

	store         Store
	errors        *errcore.Core
	publisher     Publisher
	logger        zerolog.Logger
	historyLimit  int
	maxRecovery   int
	backoffBase   float64
	stuckTimeouts map[State]time.Duration
	now           func() time.Time
	sleep         errcore.SleepFunc
}

// NewManager creates a State Manager
func NewManager(cfg Config) (*Manager, error) {
	observability.EnsureRegistered()

	if cfg.Store == nil {
		return nil, errors.New("snapshot store is required")
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	core := cfg.Errors
	if core == nil {
		coreCfg := errcore.DefaultConfig()
		coreCfg.MaxRetries = 0
		coreCfg.Logger = &logger
		core = errcore.New(coreCfg)
	}

	m := &Manager{
		store:         cfg.Store,
		errors:        core,
		publisher:     cfg.Publisher,
		logger:        logger.With().Str("component", "state").Logger(),
		historyLimit:  cfg.HistoryLimit,
		maxRecovery:   cfg.MaxRecoveryAttempts,
		backoffBase:   cfg.RecoveryBackoffBase,
		stuckTimeouts: cfg.StuckTimeouts,
		now:           cfg.Clock,
		sleep:         cfg.Sleep,
	}
	if m.publisher == nil {
		m.publisher = nopPublisher{}
	}
	if m.historyLimit <= 0 {
		m.historyLimit = DefaultHistoryLimit
	}
	if m.maxRecovery <= 0 {
		m.maxRecovery = DefaultMaxRecoveryAttempts
	}
	if m.backoffBase <= 0 {
		m.backoffBase = DefaultRecoveryBackoffBase
	}
	if m.stuckTimeouts == nil {
		m.stuckTimeouts = DefaultStuckTimeouts()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.sleep == nil {
		m.sleep = errcore.Sleep
	}

	return m, nil
}

// SetPublisher replaces the event publisher. Call during setup only.
func (m *Manager) SetPublisher(p Publisher) {
	if p == nil {
		p = nopPublisher{}
	}
	m.publisher = p
}

func (m *Manager) record(entityID string) *entityRecord {
	if rec, ok := m.entities.Load(entityID); ok {
		return rec.(*entityRecord)
	}
	rec, loaded := m.entities.LoadOrStore(entityID, &entityRecord{})
	if !loaded {
		observability.SetTrackedEntities(m.count())
	}
	return rec.(*entityRecord)
}

func (m *Manager) lookup(entityID string) (*entityRecord, bool) {
	rec, ok := m.entities.Load(entityID)
	if !ok {
		return nil, false
	}
	return rec.(*entityRecord), true
}

func (m *Manager) count() int {
	n := 0
	m.entities.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// UpdateState moves entityID to newState. An entity seen for the first time
// starts in Idle. An edge outside the transition table returns a
// *StateTransitionError and leaves the state untouched. Snapshot failures are
// logged but do not fail the update.
func (m *Manager) UpdateState(ctx context.Context, entityID string, newState State, metadata map[string]interface{}) error {
	if entityID == "" {
		return ErrInvalidEntityID
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "state.update",
		attribute.String("entity_id", entityID),
		attribute.String("to", newState.String()),
	)
	defer span.End()

	rec := m.record(entityID)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	now := m.now()
	if rec.state == nil {
		rec.state = newEntityState(entityID, now)
	}

	from := rec.state.Current
	if !CanTransition(from, newState) {
		err := &StateTransitionError{EntityID: entityID, From: from, To: newState}
		observability.RecordStateTransition(from.String(), newState.String(), false)
		m.errors.RecordError(entityID, err, map[string]interface{}{
			"from": from.String(),
			"to":   newState.String(),
		})
		tracing.FailSpan(span, err)
		return err
	}

	rec.state.History = append(rec.state.History, HistoryEntry{
		State:     from,
		Timestamp: rec.state.LastUpdate,
		Metadata:  rec.state.Metadata,
	})
	if over := len(rec.state.History) - m.historyLimit; over > 0 {
		rec.state.History = append([]HistoryEntry(nil), rec.state.History[over:]...)
	}
	rec.state.Current = newState
	rec.state.LastUpdate = now
	rec.state.Metadata = copyMap(metadata)

	observability.RecordStateTransition(from.String(), newState.String(), true)

	m.logger.Debug().
		Str("entityId", entityID).
		Str("from", from.String()).
		Str("to", newState.String()).
		Msg("State updated")

	m.persist(ctx, rec.state)
	m.publish(ctx, TopicStateChanged, stateChangedPayload(entityID, from, newState, now))

	return nil
}

// persist writes a snapshot through the Error Core. Failures are logged only.
func (m *Manager) persist(ctx context.Context, es *EntityState) {
	start := m.now()
	data, err := EncodeSnapshot(es, start)
	if err != nil {
		observability.RecordSnapshotFailure("encode")
		m.logger.Error().Err(err).Str("entityId", es.EntityID).Msg("Failed to encode snapshot")
		return
	}

	err = m.errors.WithRetry(ctx, snapshotOperation, es.EntityID, func(ctx context.Context) error {
		return m.store.Save(ctx, es.EntityID, data)
	})
	if err != nil {
		observability.RecordSnapshotFailure("save")
		m.logger.Warn().Err(err).Str("entityId", es.EntityID).Msg("Failed to write snapshot")
		return
	}
	observability.RecordSnapshotWrite(time.Since(start))
}

func (m *Manager) publish(ctx context.Context, topic string, payload map[string]interface{}) {
	if err := m.publisher.Publish(ctx, topic, payload); err != nil {
		m.logger.Warn().Err(err).Str("topic", topic).Msg("Failed to publish state event")
	}
}

// RecoverFromCrash reloads entityID from its latest snapshot. Up to
// MaxRecoveryAttempts are made, sleeping base^attempt seconds between them;
// every attempt is published as a recovery event. Once the cap is reached the
// entity stays unrecoverable until SoftReset.
func (m *Manager) RecoverFromCrash(ctx context.Context, entityID string) error {
	if entityID == "" {
		return ErrInvalidEntityID
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "state.recover",
		attribute.String("entity_id", entityID),
	)
	defer span.End()

	rec := m.record(entityID)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	var lastErr error
	for rec.recoveryAttempts < m.maxRecovery {
		rec.recoveryAttempts++
		attempt := rec.recoveryAttempts

		es, err := m.loadSnapshot(ctx, entityID)
		observability.RecordRecoveryAttempt(err == nil)
		m.publish(ctx, TopicRecovery, recoveryPayload(entityID, attempt, err, m.now()))

		if err == nil {
			rec.state = es
			rec.recoveryAttempts = 0
			m.logger.Info().
				Str("entityId", entityID).
				Str("state", es.Current.String()).
				Int("attempt", attempt).
				Msg("Entity recovered from snapshot")
			observability.RecordStateAudit(ctx, "recover", entityID, true, map[string]interface{}{
				"attempt": attempt,
				"state":   es.Current.String(),
			})
			return nil
		}

		lastErr = err
		m.errors.RecordError(entityID, err, map[string]interface{}{
			"operation": "recover",
			"attempt":   attempt,
		})

		if rec.recoveryAttempts >= m.maxRecovery {
			break
		}

		delay := time.Duration(math.Pow(m.backoffBase, float64(attempt)) * float64(time.Second))
		if err := m.sleep(ctx, delay); err != nil {
			lastErr = errors.Join(lastErr, err)
			break
		}
	}

	if lastErr == nil {
		// Cap was already reached by an earlier call
		lastErr = fmt.Errorf("%d attempts already made", rec.recoveryAttempts)
		m.publish(ctx, TopicRecovery, recoveryPayload(entityID, rec.recoveryAttempts, ErrRecoveryExhausted, m.now()))
	}

	err := fmt.Errorf("%w for %s: %w", ErrRecoveryExhausted, entityID, lastErr)
	observability.RecordStateAudit(ctx, "recover", entityID, false, map[string]interface{}{
		"attempts": rec.recoveryAttempts,
		"error":    lastErr.Error(),
	})
	tracing.FailSpan(span, err)
	return err
}

func (m *Manager) loadSnapshot(ctx context.Context, entityID string) (*EntityState, error) {
	data, err := m.store.Load(ctx, entityID)
	if err != nil {
		observability.RecordSnapshotFailure("load")
		return nil, err
	}
	es, _, err := DecodeSnapshot(entityID, data)
	if err != nil {
		observability.RecordSnapshotFailure("decode")
		return nil, err
	}
	return es, nil
}

// RecoverAll runs RecoverFromCrash for every entity in the store and returns
// the failures keyed by entity id
func (m *Manager) RecoverAll(ctx context.Context) (map[string]error, error) {
	ids, err := m.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	failures := make(map[string]error)
	for _, id := range ids {
		if err := m.RecoverFromCrash(ctx, id); err != nil {
			failures[id] = err
		}
	}
	return failures, nil
}

// SoftReset snapshots the current state, then forces entityID to Idle with empty
// history and metadata and clears its recovery attempts. It bypasses the
// transition table.
func (m *Manager) SoftReset(ctx context.Context, entityID string) error {
	if entityID == "" {
		return ErrInvalidEntityID
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "state.soft_reset",
		attribute.String("entity_id", entityID),
	)
	defer span.End()

	rec := m.record(entityID)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	now := m.now()
	from := Idle
	if rec.state != nil {
		from = rec.state.Current
		m.persist(ctx, rec.state)
	}

	rec.state = newEntityState(entityID, now)
	rec.recoveryAttempts = 0

	observability.RecordStateTransition(from.String(), Idle.String(), true)
	m.persist(ctx, rec.state)

	m.logger.Info().
		Str("entityId", entityID).
		Str("from", from.String()).
		Msg("Entity soft reset")

	observability.RecordStateAudit(ctx, "soft_reset", entityID, true, map[string]interface{}{
		"from": from.String(),
	})
	m.publish(ctx, TopicSoftReset, stateChangedPayload(entityID, from, Idle, now))

	return nil
}

// GetState returns the current state of entityID
func (m *Manager) GetState(entityID string) (State, error) {
	rec, ok := m.lookup(entityID)
	if !ok {
		return Idle, fmt.Errorf("%s: %w", entityID, ErrEntityNotFound)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.state == nil {
		return Idle, fmt.Errorf("%s: %w", entityID, ErrEntityNotFound)
	}
	return rec.state.Current, nil
}

// Entity returns a copy of the full entity state
func (m *Manager) Entity(entityID string) (EntityState, error) {
	rec, ok := m.lookup(entityID)
	if !ok {
		return EntityState{}, fmt.Errorf("%s: %w", entityID, ErrEntityNotFound)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.state == nil {
		return EntityState{}, fmt.Errorf("%s: %w", entityID, ErrEntityNotFound)
	}
	return rec.state.Clone(), nil
}

// IsStuck reports whether entityID has been in its state strictly longer than
// the timeout for that state. States without a timeout are never stuck.
func (m *Manager) IsStuck(entityID string) bool {
	rec, ok := m.lookup(entityID)
	if !ok {
		return false
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	return m.isStuckLocked(rec, m.now())
}

func (m *Manager) isStuckLocked(rec *entityRecord, now time.Time) bool {
	if rec.state == nil {
		return false
	}
	timeout, ok := m.stuckTimeouts[rec.state.Current]
	if !ok {
		return false
	}
	return now.Sub(rec.state.LastUpdate) > timeout
}

// GetStuckEntities returns the ids of stuck entities, sorted
func (m *Manager) GetStuckEntities() []string {
	now := m.now()
	var stuck []string
	m.entities.Range(func(key, value interface{}) bool {
		rec := value.(*entityRecord)
		rec.mu.Lock()
		if m.isStuckLocked(rec, now) {
			stuck = append(stuck, key.(string))
		}
		rec.mu.Unlock()
		return true
	})
	sort.Strings(stuck)
	return stuck
}

// GetStats returns introspection data for entityID
func (m *Manager) GetStats(entityID string) (Stats, error) {
	rec, ok := m.lookup(entityID)
	if !ok {
		return Stats{}, fmt.Errorf("%s: %w", entityID, ErrEntityNotFound)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.state == nil {
		return Stats{}, fmt.Errorf("%s: %w", entityID, ErrEntityNotFound)
	}
	return m.statsLocked(rec, m.now()), nil
}

func (m *Manager) statsLocked(rec *entityRecord, now time.Time) Stats {
	return Stats{
		EntityID:         rec.state.EntityID,
		State:            rec.state.Current,
		LastUpdate:       rec.state.LastUpdate,
		TimeInState:      now.Sub(rec.state.LastUpdate),
		HistoryLength:    len(rec.state.History),
		Stuck:            m.isStuckLocked(rec, now),
		RecoveryAttempts: rec.recoveryAttempts,
	}
}

// GetAllStats returns stats for every tracked entity, sorted by id
func (m *Manager) GetAllStats() []Stats {
	now := m.now()
	var all []Stats
	m.entities.Range(func(_, value interface{}) bool {
		rec := value.(*entityRecord)
		rec.mu.Lock()
		if rec.state != nil {
			all = append(all, m.statsLocked(rec, now))
		}
		rec.mu.Unlock()
		return true
	})
	sort.Slice(all, func(i, j int) bool { return all[i].EntityID < all[j].EntityID })
	return all
}
