package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/agentcore/internal/observability"
)

// DefaultWatchdogSchedule scans for stuck entities every 30 seconds
const DefaultWatchdogSchedule = "@every 30s"

// WatchdogConfig holds watchdog settings
type WatchdogConfig struct {
	Schedule  string
	Publisher Publisher
	Logger    *zerolog.Logger
}

// Watchdog periodically publishes a stuck event for every stuck entity
type Watchdog struct {
	manager   *Manager
	publisher Publisher
	logger    zerolog.Logger
	cron      *cron.Cron
	schedule  string

	mu      sync.Mutex
	running bool
}

// NewWatchdog creates a watchdog for manager. The schedule uses cron syntax
// including descriptors such as "@every 30s".
func NewWatchdog(manager *Manager, cfg WatchdogConfig) (*Watchdog, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultWatchdogSchedule
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	publisher := cfg.Publisher
	if publisher == nil {
		publisher = manager.publisher
	}

	w := &Watchdog{
		manager:   manager,
		publisher: publisher,
		logger:    logger.With().Str("component", "watchdog").Logger(),
		cron:      cron.New(),
		schedule:  cfg.Schedule,
	}

	if _, err := w.cron.AddFunc(cfg.Schedule, func() {
		w.Scan(context.Background())
	}); err != nil {
		return nil, fmt.Errorf("invalid watchdog schedule %q: %w", cfg.Schedule, err)
	}

	return w, nil
}

// Start begins scheduled scans. Calling it twice has no effect.
func (w *Watchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.cron.Start()
	w.logger.Info().Str("schedule", w.schedule).Msg("Watchdog started")
}

// Stop halts scheduling and waits for a running scan to finish
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	<-w.cron.Stop().Done()
	w.logger.Info().Msg("Watchdog stopped")
}

// Scan publishes a stuck event per stuck entity and returns their ids
func (w *Watchdog) Scan(ctx context.Context) []string {
	stuck := w.manager.GetStuckEntities()
	observability.SetStuckEntities(len(stuck))

	for _, id := range stuck {
		stats, err := w.manager.GetStats(id)
		if err != nil {
			continue
		}

		w.logger.Warn().
			Str("entityId", id).
			Str("state", stats.State.String()).
			Dur("timeInState", stats.TimeInState).
			Msg("Entity is stuck")

		payload := map[string]interface{}{
			"entityId":    id,
			"state":       stats.State.String(),
			"timeInState": stats.TimeInState.Round(time.Second).String(),
			"error":       fmt.Sprintf("%s stuck in %s", id, stats.State),
		}
		if err := w.publisher.Publish(ctx, TopicStuck, payload); err != nil {
			w.logger.Warn().Err(err).Str("entityId", id).Msg("Failed to publish stuck event")
		}
	}

	return stuck
}
