package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/harun/agentcore/pkg/errcore"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateStrategy validates a retry strategy name
func (v *Validator) ValidateStrategy(strategy string) error {
	_, err := errcore.ParseStrategy(strategy)
	return err
}

// ValidateStore validates the snapshot store kind
func (v *Validator) ValidateStore(store string) error {
	switch store {
	case "file", "sqlite":
		return nil
	}
	return fmt.Errorf("invalid state store: %s (must be one of: file, sqlite)", store)
}

// ValidateSchedule validates a cron spec such as "@every 30s"
func (v *Validator) ValidateSchedule(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid watchdog schedule %q: %w", spec, err)
	}
	return nil
}

// ValidatePort validates a TCP port
func (v *Validator) ValidatePort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidatePositive rejects values that are zero or negative
func (v *Validator) ValidatePositive(name string, value float64) error {
	if value <= 0 {
		return fmt.Errorf("%s must be > 0, got %v", name, value)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	add(v.ValidatePositive("runner.check_interval", cfg.Runner.CheckInterval))
	add(v.ValidatePositive("runner.error_backoff", cfg.Runner.ErrorBackoff))
	add(v.ValidatePositive("runner.test_interval", cfg.Runner.TestInterval))
	add(v.ValidatePositive("runner.test_timeout", cfg.Runner.TestTimeout))
	add(v.ValidatePositive("runner.max_workers", float64(cfg.Runner.MaxWorkers)))
	add(v.ValidatePositive("runner.result_queue_size", float64(cfg.Runner.ResultQueueSize)))
	if strings.TrimSpace(cfg.Runner.EntityID) == "" {
		errs = append(errs, fmt.Errorf("runner.entity_id is required"))
	}

	add(v.ValidatePositive("breaker.failure_threshold", cfg.Breaker.FailureThreshold))
	add(v.ValidatePositive("breaker.reset_timeout", cfg.Breaker.ResetTimeout))
	add(v.ValidatePositive("breaker.half_open_timeout", cfg.Breaker.HalfOpenTimeout))
	if cfg.Breaker.ErrorDecayRate < 0 {
		errs = append(errs, fmt.Errorf("breaker.error_decay_rate must be >= 0"))
	}

	if cfg.Retry.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("retry.max_retries must be >= 0"))
	}
	add(v.ValidateStrategy(cfg.Retry.Strategy))

	add(v.ValidatePositive("ledger.capacity", float64(cfg.Ledger.Capacity)))
	add(v.ValidatePositive("ledger.window", cfg.Ledger.Window))

	add(v.ValidatePositive("bus.queue_size", float64(cfg.Bus.QueueSize)))
	add(v.ValidatePositive("bus.rate_limit.max", float64(cfg.Bus.RateLimit.Max)))
	add(v.ValidatePositive("bus.rate_limit.window", cfg.Bus.RateLimit.Window))
	for i, route := range cfg.Bus.Routes {
		if strings.TrimSpace(route.Sender) == "" {
			errs = append(errs, fmt.Errorf("bus route %d: sender is required", i))
		}
	}

	add(v.ValidateStore(cfg.State.Store))
	add(v.ValidateSchedule(cfg.State.WatchdogSchedule))
	add(v.ValidatePositive("state.history_limit", float64(cfg.State.HistoryLimit)))
	add(v.ValidatePositive("state.max_recovery_attempts", float64(cfg.State.MaxRecoveryAttempts)))

	if cfg.Gateway.Enabled {
		add(v.ValidatePort(cfg.Gateway.Port))
	}

	add(v.ValidateLogLevel(cfg.Logging.Level))

	if cfg.Tracing.Enabled {
		if strings.TrimSpace(cfg.Tracing.ServiceName) == "" {
			errs = append(errs, fmt.Errorf("tracing.service_name is required"))
		}
		if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
			errs = append(errs, fmt.Errorf("tracing.sample_ratio must be between 0 and 1"))
		}
	}

	return errs
}
