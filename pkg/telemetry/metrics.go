package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "spectron"

// Result labels.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Metrics holds the harness collectors. A nil *Metrics is a valid no-op.
type Metrics struct {
	StartsTotal          *prometheus.CounterVec
	StopsTotal           *prometheus.CounterVec
	StartDuration        prometheus.Histogram
	StopDuration         prometheus.Histogram
	Running              prometheus.Gauge
	UnexpectedExitsTotal prometheus.Counter
	SessionOpsTotal      *prometheus.CounterVec
	SessionOpDuration    *prometheus.HistogramVec
}

// NewMetrics registers the collectors on reg. Pass prometheus.NewRegistry()
// in tests to stay isolated from the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		StartsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "app",
				Name:      "starts_total",
				Help:      "Application start attempts by result",
			},
			[]string{"result"},
		),
		StopsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "app",
				Name:      "stops_total",
				Help:      "Application stop attempts by result",
			},
			[]string{"result"},
		),
		StartDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "app",
				Name:      "start_duration_seconds",
				Help:      "Time from spawn to an attached session",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
			},
		),
		StopDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "app",
				Name:      "stop_duration_seconds",
				Help:      "Time from stop request to a reaped process",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
		),
		Running: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "app",
				Name:      "running",
				Help:      "Applications currently running",
			},
		),
		UnexpectedExitsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "app",
				Name:      "unexpected_exits_total",
				Help:      "Applications that exited without being stopped",
			},
		),
		SessionOpsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "operations_total",
				Help:      "Remote session operations by name and result",
			},
			[]string{"op", "result"},
		),
		SessionOpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "operation_duration_seconds",
				Help:      "Remote session operation latency",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
			},
			[]string{"op"},
		),
	}
}

func resultLabel(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}

// ObserveStart records one Start call.
func (m *Metrics) ObserveStart(err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.StartsTotal.WithLabelValues(resultLabel(err)).Inc()
	if err == nil {
		m.StartDuration.Observe(elapsed.Seconds())
		m.Running.Inc()
	}
}

// ObserveStop records one Stop call. wasRunning is false for a stop that
// only cancelled a start.
func (m *Metrics) ObserveStop(err error, elapsed time.Duration, wasRunning bool) {
	if m == nil {
		return
	}
	m.StopsTotal.WithLabelValues(resultLabel(err)).Inc()
	if err == nil {
		m.StopDuration.Observe(elapsed.Seconds())
		if wasRunning {
			m.Running.Dec()
		}
	}
}

// ObserveUnexpectedExit records a running app that exited on its own.
func (m *Metrics) ObserveUnexpectedExit() {
	if m == nil {
		return
	}
	m.UnexpectedExitsTotal.Inc()
	m.Running.Dec()
}

// ObserveSessionOp implements browser.OpRecorder.
func (m *Metrics) ObserveSessionOp(op string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.SessionOpsTotal.WithLabelValues(op, resultLabel(err)).Inc()
	m.SessionOpDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}
