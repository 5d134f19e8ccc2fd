// Package metrics holds the Prometheus collectors for ingestion, fanout and
// the queue consumer. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	outcomes          *prometheus.CounterVec
	commitAttempts    *prometheus.CounterVec
	commitLatency     prometheus.Histogram
	incidents         *prometheus.CounterVec
	fanoutDropped     prometheus.Counter
	fanoutObservers   prometheus.Gauge
	queueDispositions *prometheus.CounterVec
	deadLetters       prometheus.Counter
	rateLimited       prometheus.Counter
}

// New builds the collectors and registers them with reg. A nil reg skips
// registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_ingest_outcomes_total",
			Help: "Readings reaching a terminal state, by source and state.",
		}, []string{"source", "state"}),
		commitAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_commit_attempts_total",
			Help: "Writer commit attempts by result.",
		}, []string{"result"}),
		commitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_commit_latency_seconds",
			Help:    "Latency of one writer commit attempt.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		incidents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_incidents_committed_total",
			Help: "Incidents committed, by severity.",
		}, []string{"severity"}),
		fanoutDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_fanout_dropped_total",
			Help: "Incidents dropped from slow observer buffers.",
		}),
		fanoutObservers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_fanout_observers",
			Help: "Currently attached incident observers.",
		}),
		queueDispositions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_queue_dispositions_total",
			Help: "Queue messages settled, by disposition.",
		}, []string{"disposition"}),
		deadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_deadletter_total",
			Help: "Queue messages published to the dead-letter subject.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_http_rate_limited_total",
			Help: "Interactive submissions refused by the rate limiter.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.outcomes, m.commitAttempts, m.commitLatency, m.incidents,
			m.fanoutDropped, m.fanoutObservers, m.queueDispositions, m.deadLetters, m.rateLimited,
		)
	}
	return m
}

func (m *Metrics) Outcome(source, state string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(source, state).Inc()
}

// CommitAttempt records one writer call. result is ok, duplicate, retryable
// or permanent.
func (m *Metrics) CommitAttempt(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.commitAttempts.WithLabelValues(result).Inc()
	m.commitLatency.Observe(took.Seconds())
}

func (m *Metrics) IncidentCommitted(severity string) {
	if m == nil {
		return
	}
	m.incidents.WithLabelValues(severity).Inc()
}

func (m *Metrics) FanoutDropped() {
	if m == nil {
		return
	}
	m.fanoutDropped.Inc()
}

func (m *Metrics) SetObservers(n int) {
	if m == nil {
		return
	}
	m.fanoutObservers.Set(float64(n))
}

func (m *Metrics) QueueDisposition(disposition string) {
	if m == nil {
		return
	}
	m.queueDispositions.WithLabelValues(disposition).Inc()
}

func (m *Metrics) DeadLettered() {
	if m == nil {
		return
	}
	m.deadLetters.Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}
