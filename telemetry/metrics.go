// Package telemetry holds the bus's Prometheus metrics and OpenTelemetry plumbing.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "scg_eventbus"

// Outcome labels.
const (
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// Metrics records bus activity. A nil *Metrics is valid and records nothing.
type Metrics struct {
	published  *prometheus.CounterVec
	consumed   *prometheus.CounterVec
	retries    *prometheus.CounterVec
	reconnects prometheus.Counter
	handle     *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on reg when reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "published_total", Help: "Integration events published, by event and outcome.",
		}, []string{"event", "outcome"}),
		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "consumed_total", Help: "Deliveries processed, by event and outcome.",
		}, []string{"event", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "retries_total", Help: "Retry attempts, by operation.",
		}, []string{"op"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconnects_total", Help: "Successful broker (re)connections.",
		}),
		handle: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "handle_duration_seconds", Help: "Time spent dispatching one delivery.",
			Buckets: prometheus.DefBuckets,
		}, []string{"event"}),
	}

	if reg != nil {
		reg.MustRegister(m.published, m.consumed, m.retries, m.reconnects, m.handle)
	}

	return m
}

func (m *Metrics) Published(event, outcome string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(event, outcome).Inc()
}

func (m *Metrics) Consumed(event, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.consumed.WithLabelValues(event, outcome).Inc()
	m.handle.WithLabelValues(event).Observe(took.Seconds())
}

func (m *Metrics) Retry(op string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(op).Inc()
}

func (m *Metrics) Reconnected() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}
