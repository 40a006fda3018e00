package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	trackedErrorsTotal *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec
	retryAttemptsTotal *prometheus.CounterVec

	stateTransitionsTotal *prometheus.CounterVec
	snapshotFailuresTotal *prometheus.CounterVec
	recoveryAttemptsTotal *prometheus.CounterVec
	trackedEntities       prometheus.Gauge
	stuckEntities         prometheus.Gauge
	snapshotWriteDuration prometheus.Histogram

	runnerIterationsTotal   *prometheus.CounterVec
	runnerIterationDuration *prometheus.HistogramVec
	runnerQueueSize         *prometheus.GaugeVec
	workItemsTotal          *prometheus.CounterVec

	busMessagesTotal      *prometheus.CounterVec
	busQueueSize          prometheus.Gauge
	busHandlerErrorsTotal *prometheus.CounterVec

	gatewayClients prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

var breakerStates = []string{"closed", "open", "half_open"}

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			trackedErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tracked_errors_total",
					Help: "Total errors recorded in the error ledger by severity and kind.",
				},
				[]string{"severity", "kind"},
			),
			breakerState: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "circuit_breaker_state",
					Help: "Circuit breaker position by operation (1 for the active state).",
				},
				[]string{"operation", "state"},
			),
			retryAttemptsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "retry_attempts_total",
					Help: "Total attempts made through the retry choke point by operation and status.",
				},
				[]string{"operation", "status"},
			),
			stateTransitionsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "state_transitions_total",
					Help: "Total entity state transitions by source, target and outcome.",
				},
				[]string{"from", "to", "outcome"},
			),
			snapshotFailuresTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "snapshot_failures_total",
					Help: "Total snapshot store failures by operation.",
				},
				[]string{"operation"},
			),
			recoveryAttemptsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "recovery_attempts_total",
					Help: "Total crash recovery attempts by outcome.",
				},
				[]string{"outcome"},
			),
			trackedEntities: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "tracked_entities",
					Help: "Current number of entities tracked by the state manager.",
				},
			),
			stuckEntities: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "stuck_entities",
					Help: "Entities found stuck at the last watchdog scan.",
				},
			),
			snapshotWriteDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "snapshot_write_duration_seconds",
					Help:    "Snapshot write duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			runnerIterationsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "runner_iterations_total",
					Help: "Total runner iterations by runner and status.",
				},
				[]string{"runner", "status"},
			),
			runnerIterationDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "runner_iteration_duration_seconds",
					Help:    "Runner iteration duration in seconds by runner.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"runner"},
			),
			runnerQueueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "runner_queue_size",
					Help: "Runner item set sizes by runner and set.",
				},
				[]string{"runner", "set"},
			),
			workItemsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "work_items_total",
					Help: "Total completed work items by runner and outcome.",
				},
				[]string{"runner", "outcome"},
			),
			busMessagesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "bus_messages_total",
					Help: "Total bus messages by type and outcome.",
				},
				[]string{"type", "outcome"},
			),
			busQueueSize: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "bus_queue_size",
					Help: "Current number of messages waiting in the bus queue.",
				},
			),
			busHandlerErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "bus_handler_errors_total",
					Help: "Total handler failures by message type.",
				},
				[]string{"type"},
			),
			gatewayClients: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "gateway_clients",
					Help: "Current number of connected gateway clients.",
				},
			),
		}

		prometheus.MustRegister(
			m.trackedErrorsTotal,
			m.breakerState,
			m.retryAttemptsTotal,
			m.stateTransitionsTotal,
			m.snapshotFailuresTotal,
			m.recoveryAttemptsTotal,
			m.trackedEntities,
			m.stuckEntities,
			m.snapshotWriteDuration,
			m.runnerIterationsTotal,
			m.runnerIterationDuration,
			m.runnerQueueSize,
			m.workItemsTotal,
			m.busMessagesTotal,
			m.busQueueSize,
			m.busHandlerErrorsTotal,
			m.gatewayClients,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordTrackedError(severity, kind string) {
	getMetrics().trackedErrorsTotal.WithLabelValues(severity, kind).Inc()
}

func SetBreakerState(operation, state string) {
	m := getMetrics()
	for _, s := range breakerStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		m.breakerState.WithLabelValues(operation, s).Set(value)
	}
}

func RecordRetryAttempt(operation string, success bool) {
	getMetrics().retryAttemptsTotal.WithLabelValues(operation, statusLabel(success)).Inc()
}

func RecordStateTransition(from, to string, accepted bool) {
	outcome := "rejected"
	if accepted {
		outcome = "accepted"
	}
	getMetrics().stateTransitionsTotal.WithLabelValues(from, to, outcome).Inc()
}

func RecordSnapshotFailure(operation string) {
	getMetrics().snapshotFailuresTotal.WithLabelValues(operation).Inc()
}

func RecordSnapshotWrite(duration time.Duration) {
	getMetrics().snapshotWriteDuration.Observe(duration.Seconds())
}

func RecordRecoveryAttempt(success bool) {
	getMetrics().recoveryAttemptsTotal.WithLabelValues(statusLabel(success)).Inc()
}

func SetTrackedEntities(count int) {
	getMetrics().trackedEntities.Set(float64(count))
}

func SetStuckEntities(count int) {
	getMetrics().stuckEntities.Set(float64(count))
}

func RecordRunnerIteration(runner string, duration time.Duration, success bool) {
	m := getMetrics()
	m.runnerIterationsTotal.WithLabelValues(runner, statusLabel(success)).Inc()
	m.runnerIterationDuration.WithLabelValues(runner).Observe(duration.Seconds())
}

func SetRunnerQueueSize(runner, set string, size int) {
	getMetrics().runnerQueueSize.WithLabelValues(runner, set).Set(float64(size))
}

func RecordWorkItem(runner string, passed bool) {
	outcome := "failed"
	if passed {
		outcome = "passed"
	}
	getMetrics().workItemsTotal.WithLabelValues(runner, outcome).Inc()
}

func RecordBusMessage(msgType, outcome string) {
	getMetrics().busMessagesTotal.WithLabelValues(msgType, outcome).Inc()
}

func SetBusQueueSize(size int) {
	getMetrics().busQueueSize.Set(float64(size))
}

func RecordHandlerError(msgType string) {
	getMetrics().busHandlerErrorsTotal.WithLabelValues(msgType).Inc()
}

func SetGatewayClients(count int) {
	getMetrics().gatewayClients.Set(float64(count))
}
