// Package metrics exposes the Prometheus collectors of the deposit tracker.
package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics wraps the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	watchersActive prometheus.Gauge
	detections     *prometheus.CounterVec
	timeouts       prometheus.Counter
	rpcErrors      *prometheus.CounterVec
	issued         *prometheus.CounterVec
	transitions    *prometheus.CounterVec
}

var (
	once     sync.Once
	registry *Metrics
)

// Default returns the process-wide collectors, registering them on first use.
func Default() *Metrics {
	once.Do(func() {
		registry = &Metrics{
			watchersActive: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "deposit",
				Name:      "watchers_active",
				Help:      "Chain watchers currently running.",
			}),
			detections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "deposit",
				Name:      "detections_total",
				Help:      "Matching transfers detected, by watcher mode.",
			}, []string{"mode"}),
			timeouts: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "deposit",
				Name:      "watch_timeouts_total",
				Help:      "Watchers stopped by their timeout.",
			}),
			rpcErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "deposit",
				Name:      "rpc_errors_total",
				Help:      "Chain read failures, by chain and operation.",
			}, []string{"chain_id", "op"}),
			issued: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "deposit",
				Name:      "addresses_issued_total",
				Help:      "Deposit address issuance attempts, by outcome.",
			}, []string{"outcome"}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "deposit",
				Name:      "session_transitions_total",
				Help:      "Applied payment session transitions, by target state.",
			}, []string{"to"}),
		}
		prometheus.MustRegister(
			registry.watchersActive,
			registry.detections,
			registry.timeouts,
			registry.rpcErrors,
			registry.issued,
			registry.transitions,
		)
	})
	return registry
}

func (m *Metrics) WatcherStarted() {
	if m == nil {
		return
	}
	m.watchersActive.Inc()
}

func (m *Metrics) WatcherStopped() {
	if m == nil {
		return
	}
	m.watchersActive.Dec()
}

// Detection counts a detected transfer; mode is "native" or "token".
func (m *Metrics) Detection(mode string) {
	if m == nil {
		return
	}
	m.detections.WithLabelValues(mode).Inc()
}

func (m *Metrics) Timeout() {
	if m == nil {
		return
	}
	m.timeouts.Inc()
}

func (m *Metrics) RPCError(chainID int64, op string) {
	if m == nil {
		return
	}
	m.rpcErrors.WithLabelValues(strconv.FormatInt(chainID, 10), op).Inc()
}

func (m *Metrics) Issued(outcome string) {
	if m == nil {
		return
	}
	m.issued.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Transition(to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to).Inc()
}
