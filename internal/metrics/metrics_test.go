package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Outcome("http", "Acknowledged")
	m.Outcome("http", "Acknowledged")
	if got := testutil.ToFloat64(m.outcomes.WithLabelValues("http", "Acknowledged")); got != 2 {
		t.Fatalf("expected 2 acknowledged outcomes, got %f", got)
	}

	m.CommitAttempt("retryable", 10*time.Millisecond)
	if got := testutil.ToFloat64(m.commitAttempts.WithLabelValues("retryable")); got != 1 {
		t.Fatalf("expected 1 retryable attempt, got %f", got)
	}
	if samples := testutil.CollectAndCount(m.commitLatency); samples != 1 {
		t.Fatalf("expected latency histogram to report 1 series, got %d", samples)
	}

	m.IncidentCommitted("CRITICAL")
	m.FanoutDropped()
	m.SetObservers(3)
	m.QueueDisposition("nak")
	m.DeadLettered()
	m.RateLimited()
	if got := testutil.ToFloat64(m.fanoutObservers); got != 3 {
		t.Fatalf("expected observers gauge 3, got %f", got)
	}
	if got := testutil.ToFloat64(m.deadLetters); got != 1 {
		t.Fatalf("expected dead letter counter 1, got %f", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) != 9 {
		t.Fatalf("expected 9 metric families, got %d", len(families))
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Outcome("queue", "Failed")
	m.CommitAttempt("ok", time.Millisecond)
	m.IncidentCommitted("WARNING")
	m.FanoutDropped()
	m.SetObservers(1)
	m.QueueDisposition("ack")
	m.DeadLettered()
	m.RateLimited()
}
