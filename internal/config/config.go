package config

import (
	"encoding/json"
	"errors"
	"time"
)

// Config is the agentcore process configuration. Durations are expressed in
// seconds so the file and the flat tunables map share one unit.
type Config struct {
	Runner  RunnerConfig  `json:"runner" mapstructure:"runner"`
	Breaker BreakerConfig `json:"breaker" mapstructure:"breaker"`
	Retry   RetryConfig   `json:"retry" mapstructure:"retry"`
	Ledger  LedgerConfig  `json:"ledger" mapstructure:"ledger"`
	Bus     BusConfig     `json:"bus" mapstructure:"bus"`
	State   StateConfig   `json:"state" mapstructure:"state"`
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory for pid file, snapshots and logs
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// RunnerConfig holds runner loop and test harness settings
type RunnerConfig struct {
	CheckInterval   float64  `json:"check_interval" mapstructure:"check_interval"` // seconds
	ErrorBackoff    float64  `json:"error_backoff" mapstructure:"error_backoff"`   // seconds
	TestInterval    float64  `json:"test_interval" mapstructure:"test_interval"`   // seconds
	TestTimeout     float64  `json:"test_timeout" mapstructure:"test_timeout"`     // seconds
	MaxWorkers      int      `json:"max_workers" mapstructure:"max_workers"`
	ResultQueueSize int      `json:"result_queue_size" mapstructure:"result_queue_size"`
	TestCommand     []string `json:"test_command" mapstructure:"test_command"`
	WorkDir         string   `json:"work_dir" mapstructure:"work_dir"`
	EntityID        string   `json:"entity_id" mapstructure:"entity_id"`
}

// BreakerConfig holds circuit breaker settings
type BreakerConfig struct {
	FailureThreshold float64 `json:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeout     float64 `json:"reset_timeout" mapstructure:"reset_timeout"`         // seconds
	HalfOpenTimeout  float64 `json:"half_open_timeout" mapstructure:"half_open_timeout"` // seconds
	ErrorDecayRate   float64 `json:"error_decay_rate" mapstructure:"error_decay_rate"`
}

// RetryConfig holds the retry policy
type RetryConfig struct {
	MaxRetries int     `json:"max_retries" mapstructure:"max_retries"`
	Strategy   string  `json:"strategy" mapstructure:"strategy"` // none, linear, exponential, fibonacci
	Unit       float64 `json:"unit" mapstructure:"unit"`         // seconds
}

// LedgerConfig holds error ledger settings
type LedgerConfig struct {
	Capacity int     `json:"capacity" mapstructure:"capacity"`
	Window   float64 `json:"window" mapstructure:"window"` // seconds
}

// BusConfig holds message bus settings
type BusConfig struct {
	QueueSize        int             `json:"queue_size" mapstructure:"queue_size"`
	MaxContentBytes  int             `json:"max_content_bytes" mapstructure:"max_content_bytes"`
	MaxMetadataBytes int             `json:"max_metadata_bytes" mapstructure:"max_metadata_bytes"`
	RateLimit        RateLimitConfig `json:"rate_limit" mapstructure:"rate_limit"`
	Routes           []RouteConfig   `json:"routes" mapstructure:"routes"`
}

// RateLimitConfig caps messages per sender within a sliding window
type RateLimitConfig struct {
	Max    int     `json:"max" mapstructure:"max"`
	Window float64 `json:"window" mapstructure:"window"` // seconds
}

// RouteConfig declares the recipients a sender may address
type RouteConfig struct {
	Sender     string   `json:"sender" mapstructure:"sender"`
	Recipients []string `json:"recipients" mapstructure:"recipients"`
}

// StateConfig holds state manager settings
type StateConfig struct {
	Store               string  `json:"store" mapstructure:"store"` // file, sqlite
	Dir                 string  `json:"dir" mapstructure:"dir"`
	HistoryLimit        int     `json:"history_limit" mapstructure:"history_limit"`
	MaxRecoveryAttempts int     `json:"max_recovery_attempts" mapstructure:"max_recovery_attempts"`
	RecoveryBackoffBase float64 `json:"recovery_backoff_base" mapstructure:"recovery_backoff_base"`
	WatchdogSchedule    string  `json:"watchdog_schedule" mapstructure:"watchdog_schedule"`
}

// GatewayConfig holds the websocket gateway settings
type GatewayConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Host    string `json:"host" mapstructure:"host"`
	Port    int    `json:"port" mapstructure:"port"`
	Token   string `json:"token" mapstructure:"token"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// TracingConfig controls the OpenTelemetry tracer provider
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
	// Fraction of root traces sampled, 0..1
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Runner: RunnerConfig{
			CheckInterval:   1,
			ErrorBackoff:    5,
			TestInterval:    300,
			TestTimeout:     300,
			MaxWorkers:      4,
			ResultQueueSize: 256,
			TestCommand:     []string{"go", "test", "-v", "./..."},
			EntityID:        "test-runner",
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     60,
			HalfOpenTimeout:  30,
			ErrorDecayRate:   0.01,
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			Strategy:   "exponential",
			Unit:       1,
		},
		Ledger: LedgerConfig{
			Capacity: 1000,
			Window:   3600,
		},
		Bus: BusConfig{
			QueueSize:        1024,
			MaxContentBytes:  1024 * 1024,
			MaxMetadataBytes: 1024,
			RateLimit: RateLimitConfig{
				Max:    100,
				Window: 60,
			},
		},
		State: StateConfig{
			Store:               "file",
			HistoryLimit:        100,
			MaxRecoveryAttempts: 3,
			RecoveryBackoffBase: 2,
			WatchdogSchedule:    "@every 30s",
		},
		Gateway: GatewayConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    8090,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			Enabled:     true,
			ServiceName: "agentcore",
			SampleRatio: 1,
		},
	}
}

// Seconds converts a seconds value from the config into a time.Duration
func Seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks the configuration and joins every problem found
func (c *Config) Validate() error {
	return errors.Join(NewValidator().ValidateConfig(c)...)
}
