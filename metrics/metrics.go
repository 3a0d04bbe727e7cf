package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mediapipeline"

// Metrics holds the pipeline collectors on a private registry. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	dispatchTotal   *prometheus.CounterVec
	ledgerTotal     *prometheus.CounterVec
	stageTotal      *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	stageInFlight   prometheus.Gauge
	lockWait        *prometheus.HistogramVec
	lockTimeouts    *prometheus.CounterVec
	externalTotal   *prometheus.CounterVec
	sweepReconciled prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "dispatch_total",
			Help:      "Stage dispatch outcomes by stage and status.",
		}, []string{"stage", "status"}),
		ledgerTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "submit_total",
			Help:      "Ledger admissions by stage and result.",
		}, []string{"stage", "result"}),
		stageTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "run_total",
			Help:      "Stage handler runs by stage and outcome.",
		}, []string{"stage", "outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "run_duration_seconds",
			Help:      "Stage handler duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"stage", "outcome"}),
		stageInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "in_flight",
			Help:      "Number of stage handlers currently running.",
		}),
		lockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for asset locks.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 180},
		}, []string{"family"}),
		lockTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "timeouts_total",
			Help:      "Lock acquisitions that gave up waiting.",
		}, []string{"family"}),
		externalTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "external",
			Name:      "calls_total",
			Help:      "Calls to external collaborators by service and status.",
		}, []string{"service", "status"}),
		sweepReconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "reconciled_total",
			Help:      "Orphaned ledger entries removed by the sweep.",
		}),
	}

	registry.MustRegister(
		m.dispatchTotal, m.ledgerTotal, m.stageTotal, m.stageDuration, m.stageInFlight,
		m.lockWait, m.lockTimeouts, m.externalTotal, m.sweepReconciled,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveDispatch(stage, status string) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(stage, status).Inc()
}

func (m *Metrics) ObserveLedger(stage, result string) {
	if m == nil {
		return
	}
	m.ledgerTotal.WithLabelValues(stage, result).Inc()
}

func (m *Metrics) StartStage() {
	if m == nil {
		return
	}
	m.stageInFlight.Inc()
}

func (m *Metrics) FinishStage(stage, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.stageInFlight.Dec()
	m.stageTotal.WithLabelValues(stage, outcome).Inc()
	m.stageDuration.WithLabelValues(stage, outcome).Observe(duration.Seconds())
}

func (m *Metrics) ObserveLockWait(family string, wait time.Duration, timedOut bool) {
	if m == nil {
		return
	}
	m.lockWait.WithLabelValues(family).Observe(wait.Seconds())
	if timedOut {
		m.lockTimeouts.WithLabelValues(family).Inc()
	}
}

func (m *Metrics) ObserveExternal(service string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.externalTotal.WithLabelValues(service, status).Inc()
}

func (m *Metrics) AddReconciled(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.sweepReconciled.Add(float64(n))
}
