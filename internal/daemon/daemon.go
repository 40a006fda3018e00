package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/agentcore/internal/config"
	"github.com/harun/agentcore/internal/logger"
	"github.com/harun/agentcore/internal/observability"
	"github.com/harun/agentcore/internal/tracing"
	"github.com/harun/agentcore/pkg/bus"
	"github.com/harun/agentcore/pkg/errcore"
	"github.com/harun/agentcore/pkg/gateway"
	"github.com/harun/agentcore/pkg/runner"
	"github.com/harun/agentcore/pkg/state"
)

const (
	sqliteFileName = "state.db"
	shutdownGrace  = 5 * time.Second
)

// Daemon represents the agentcore kernel process
type Daemon struct {
	config *config.Config
	logger *logger.Logger
	zl     zerolog.Logger

	// Core modules
	errors   *errcore.Core
	store    state.Store
	states   *state.Manager
	watchdog *state.Watchdog
	bus      *bus.Bus

	// Work
	testRunner *runner.TestRunner
	runner     *runner.Runner

	// Services
	gatewayServer *gateway.Server
	watcher       *config.Watcher

	// Internal
	eventLoop *EventLoop
	router    *Router
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if err := config.ResolvePaths(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
		zl:     log.Component("daemon"),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName, cfg.Tracing.SampleRatio); err != nil {
			d.zl.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			d.zl.Info().Msg("Tracing initialized successfully")
		}
	}

	if err := d.initializeCoreModules(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// abort releases what a failed New acquired
func (d *Daemon) abort() {
	d.cancel()
	if d.store != nil {
		_ = d.store.Close()
	}
	if d.tracingEnabled {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		d.tracingEnabled = false
	}
}

// initializeCoreModules builds the Error Core, State Manager and Message Bus
func (d *Daemon) initializeCoreModules() error {
	cfg := d.config

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
		d.zl.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
	} else {
		d.zl.Info().Str("path", cfg.Logging.AuditFile).Msg("Audit logger initialized")
	}

	strategy, err := errcore.ParseStrategy(cfg.Retry.Strategy)
	if err != nil {
		return err
	}
	errLogger := d.logger.Component("errcore")
	d.errors = errcore.New(errcore.Config{
		MaxRetries: cfg.Retry.MaxRetries,
		Strategy:   strategy,
		RetryUnit:  config.Seconds(cfg.Retry.Unit),
		Breaker: errcore.BreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			ResetTimeout:     config.Seconds(cfg.Breaker.ResetTimeout),
			HalfOpenTimeout:  config.Seconds(cfg.Breaker.HalfOpenTimeout),
			DecayRate:        cfg.Breaker.ErrorDecayRate,
		},
		LedgerCapacity: cfg.Ledger.Capacity,
		LedgerWindow:   config.Seconds(cfg.Ledger.Window),
		Logger:         &errLogger,
	})
	d.zl.Info().Str("strategy", string(strategy)).Msg("Error core initialized")

	busLogger := d.logger.Component("bus")
	d.bus = bus.New(bus.Config{
		QueueSize:        cfg.Bus.QueueSize,
		MaxContentBytes:  cfg.Bus.MaxContentBytes,
		MaxMetadataBytes: cfg.Bus.MaxMetadataBytes,
		RateLimit:        cfg.Bus.RateLimit.Max,
		RateWindow:       config.Seconds(cfg.Bus.RateLimit.Window),
		Errors:           d.errors,
		Logger:           &busLogger,
	})
	for _, route := range cfg.Bus.Routes {
		d.bus.AddRoute(route.Sender, route.Recipients...)
	}
	d.zl.Info().Int("routes", len(cfg.Bus.Routes)).Msg("Message bus initialized")

	store, err := OpenStore(cfg)
	if err != nil {
		return err
	}
	d.store = store

	stateLogger := d.logger.Component("state")
	d.states, err = state.NewManager(state.Config{
		Store:               store,
		Errors:              d.errors,
		Publisher:           d.bus,
		Logger:              &stateLogger,
		HistoryLimit:        cfg.State.HistoryLimit,
		MaxRecoveryAttempts: cfg.State.MaxRecoveryAttempts,
		RecoveryBackoffBase: cfg.State.RecoveryBackoffBase,
	})
	if err != nil {
		return fmt.Errorf("failed to create state manager: %w", err)
	}
	d.zl.Info().Str("store", cfg.State.Store).Str("dir", cfg.State.Dir).Msg("State manager initialized")

	d.watchdog, err = state.NewWatchdog(d.states, state.WatchdogConfig{
		Schedule:  cfg.State.WatchdogSchedule,
		Publisher: d.bus,
		Logger:    &stateLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to create watchdog: %w", err)
	}

	d.router = NewRouter(d)
	d.bus.AddHandler(bus.TypeCommand, d.router.HandleMessage)
	d.bus.AddHandler(bus.TypeRequest, d.router.HandleMessage)
	d.bus.SetErrorHandler(d.router.HandleError)

	return nil
}

// initializeServices builds the test runner and the gateway
func (d *Daemon) initializeServices() error {
	cfg := d.config

	if len(cfg.Runner.TestCommand) > 0 {
		runnerLogger := d.logger.Component("runner")
		harness, err := runner.NewHarness(runner.HarnessConfig{
			Command: cfg.Runner.TestCommand,
			WorkDir: cfg.Runner.WorkDir,
			Logger:  &runnerLogger,
		})
		if err != nil {
			return fmt.Errorf("failed to create test harness: %w", err)
		}

		results := runner.NewResultQueue(cfg.Runner.ResultQueueSize)
		d.testRunner, err = runner.NewTestRunner(runner.TestRunnerConfig{
			EntityID:  cfg.Runner.EntityID,
			Executor:  harness,
			Parser:    runner.GoTestParser{},
			RunArgs:   runner.GoTestRunArgs,
			Timeout:   config.Seconds(cfg.Runner.TestTimeout),
			Pool:      runner.NewPool(cfg.Runner.MaxWorkers),
			Results:   results,
			Errors:    d.errors,
			States:    d.states,
			Publisher: d.bus,
			Logger:    &runnerLogger,
		})
		if err != nil {
			return fmt.Errorf("failed to create test runner: %w", err)
		}

		d.runner = runner.New(d.testRunner, runner.Config{
			Name:          cfg.Runner.EntityID,
			Interval:      config.Seconds(cfg.Runner.TestInterval),
			CheckInterval: config.Seconds(cfg.Runner.CheckInterval),
			ErrorBackoff:  config.Seconds(cfg.Runner.ErrorBackoff),
			Results:       results,
			Errors:        d.errors,
			Logger:        &runnerLogger,
		})
		d.zl.Info().Strs("command", cfg.Runner.TestCommand).Msg("Test runner initialized")
	} else {
		d.zl.Info().Msg("No test command configured, runner disabled")
	}

	if cfg.Gateway.Enabled {
		gwLogger := d.logger.Component("gateway")
		srv, err := gateway.NewServer(gateway.Config{
			Host:   cfg.Gateway.Host,
			Port:   cfg.Gateway.Port,
			Token:  cfg.Gateway.Token,
			Bus:    d.bus,
			Logger: &gwLogger,
		})
		if err != nil {
			return fmt.Errorf("failed to create gateway server: %w", err)
		}
		d.gatewayServer = srv
	}

	return nil
}

// OpenStore opens the snapshot store named by cfg.State.Store
func OpenStore(cfg *config.Config) (state.Store, error) {
	switch cfg.State.Store {
	case "sqlite":
		if err := os.MkdirAll(cfg.State.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
		store, err := state.NewSQLiteStore(filepath.Join(cfg.State.Dir, sqliteFileName))
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return store, nil
	case "file", "":
		store, err := state.NewFileStore(cfg.State.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to open file store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown state store %q", cfg.State.Store)
	}
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	ctx := tracing.WithTraceID(d.ctx, tracing.NewTraceID())
	logger := tracing.LoggerFromContext(ctx, d.zl)
	logger.Info().Msg("Starting agentcore daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.markStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	d.bus.Start()
	logger.Info().Msg("Message bus started")

	failures, err := d.states.RecoverAll(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to list snapshots for recovery")
	}
	for entityID, recErr := range failures {
		logger.Warn().Err(recErr).Str("entityId", entityID).Msg("Entity not recovered at startup")
	}

	d.watchdog.Start()
	logger.Info().Str("schedule", d.config.State.WatchdogSchedule).Msg("Watchdog started")

	if d.gatewayServer != nil {
		if err := d.gatewayServer.Start(); err != nil {
			d.markStopped()
			d.watchdog.Stop()
			d.bus.Stop()
			_ = d.lifecycle.Stop()
			return fmt.Errorf("failed to start gateway server: %w", err)
		}
		logger.Info().Str("addr", d.gatewayServer.Addr()).Msg("Gateway server started")
	}

	if d.runner != nil {
		d.runner.Start()
		logger.Info().Msg("Runner started")
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	logger.Info().Msg("Daemon started successfully - all core modules active")

	return nil
}

func (d *Daemon) markStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// WatchConfig reloads live tunables whenever the loader's file changes
func (d *Daemon) WatchConfig(loader *config.Loader) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.watcher != nil {
		return nil
	}
	w, err := config.NewWatcher(loader, d.logger.Component("config"), d.applyConfig)
	if err != nil {
		return fmt.Errorf("failed to watch config: %w", err)
	}
	d.watcher = w
	return nil
}

// applyConfig applies the settings that can change without a restart
func (d *Daemon) applyConfig(cfg *config.Config) {
	d.bus.SetRateLimit(cfg.Bus.RateLimit.Max, config.Seconds(cfg.Bus.RateLimit.Window))

	if err := d.logger.SetLevel(cfg.Logging.Level); err != nil {
		d.zl.Warn().Err(err).Msg("Ignoring log level from reloaded config")
	}

	d.mu.Lock()
	d.config.Bus.RateLimit = cfg.Bus.RateLimit
	d.config.Logging.Level = cfg.Logging.Level
	d.mu.Unlock()

	observability.RecordConfigAudit(d.ctx, "reload", "watcher", map[string]interface{}{
		"rateLimit":  cfg.Bus.RateLimit.Max,
		"rateWindow": cfg.Bus.RateLimit.Window,
		"logLevel":   cfg.Logging.Level,
	})
	d.zl.Info().
		Int("rateLimit", cfg.Bus.RateLimit.Max).
		Str("logLevel", cfg.Logging.Level).
		Msg("Config reloaded")
}

// Stop stops the daemon service gracefully
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	watcher := d.watcher
	d.watcher = nil
	d.mu.Unlock()

	ctx := tracing.WithTraceID(context.Background(), tracing.NewTraceID())
	logger := tracing.LoggerFromContext(ctx, d.zl)
	logger.Info().Msg("Stopping agentcore daemon")

	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop config watcher")
		}
	}

	if d.runner != nil {
		d.runner.Stop()
		logger.Info().Msg("Runner stopped")
	}

	if d.gatewayServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
		if err := d.gatewayServer.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop gateway server")
		}
		cancel()
	}

	d.watchdog.Stop()
	d.bus.Stop()
	logger.Info().Msg("Message bus stopped")

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("All goroutines stopped")
	case <-time.After(shutdownGrace):
		logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	if err := d.store.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close state store")
	}

	if d.tracingEnabled {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}

	if err := observability.GetAuditLogger().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}

	logger.Info().Msg("Daemon stopped successfully")

	return nil
}

// Status is a point-in-time view of the daemon
type Status struct {
	Running   bool          `json:"running"`
	Uptime    time.Duration `json:"uptime"`
	StartTime time.Time     `json:"startTime"`
	Entities  int           `json:"entities"`
	Stuck     []string      `json:"stuck"`
	Bus       bus.Stats     `json:"bus"`
	Runner    *runner.Stats `json:"runner,omitempty"`
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	status := Status{Running: d.running}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	d.mu.RUnlock()

	status.Entities = len(d.states.GetAllStats())
	status.Stuck = d.states.GetStuckEntities()
	status.Bus = d.bus.Stats()
	if d.runner != nil {
		stats := d.runner.Stats()
		status.Runner = &stats
	}

	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.zl.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.zl.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetErrorCore returns the Error Core
func (d *Daemon) GetErrorCore() *errcore.Core {
	return d.errors
}

// GetStateManager returns the State Manager
func (d *Daemon) GetStateManager() *state.Manager {
	return d.states
}

// GetBus returns the Message Bus
func (d *Daemon) GetBus() *bus.Bus {
	return d.bus
}

// GetRunner returns the runner, nil when no test command is configured
func (d *Daemon) GetRunner() *runner.Runner {
	return d.runner
}

// GetGatewayServer returns the gateway, nil when disabled
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}

// GetRouter returns the kernel command router
func (d *Daemon) GetRouter() *Router {
	return d.router
}
