// Package fanout keeps a window of recent incidents and pushes new ones to
// attached observers without ever blocking the publisher.
package fanout

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"industrial-sentinel/internal/metrics"
	"industrial-sentinel/internal/telemetry"
)

const (
	DefaultRecent = 20
	DefaultBuffer = 64
)

type Hub struct {
	mu        sync.Mutex
	ring      []telemetry.Incident
	next      int
	size      int
	observers map[*Observer]struct{}
	buffer    int
	metrics   *metrics.Metrics
}

// Observer receives incidents published after it attached. When its buffer
// is full the oldest unread incident is dropped to make room.
type Observer struct {
	hub     *Hub
	ch      chan telemetry.Incident
	dropped atomic.Uint64
}

// NewHub keeps the last recent incidents and gives each observer a buffer of
// buffer incidents. Non-positive sizes fall back to the defaults.
func NewHub(recent, buffer int, m *metrics.Metrics) *Hub {
	if recent <= 0 {
		recent = DefaultRecent
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		ring:      make([]telemetry.Incident, recent),
		observers: map[*Observer]struct{}{},
		buffer:    buffer,
		metrics:   m,
	}
}

// Publish records incidents in order and offers each to every observer.
func (h *Hub) Publish(incidents ...telemetry.Incident) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, incident := range incidents {
		h.ring[h.next] = incident
		h.next = (h.next + 1) % len(h.ring)
		if h.size < len(h.ring) {
			h.size++
		}
		for o := range h.observers {
			h.offer(o, incident)
		}
	}
}

// RecentSource lists stored incidents, newest first.
type RecentSource interface {
	RecentIncidents(ctx context.Context, limit int) ([]telemetry.Incident, error)
}

// Warm fills the window from src so observers attaching after a restart
// still catch up on the latest incidents. Call it before serving.
func (h *Hub) Warm(ctx context.Context, src RecentSource) error {
	incidents, err := src.RecentIncidents(ctx, len(h.ring))
	if err != nil {
		return err
	}
	for i := len(incidents) - 1; i >= 0; i-- {
		h.Publish(incidents[i])
	}
	return nil
}

// offer must be called with h.mu held; only Publish sends, so after one
// receive there is room for the new incident.
func (h *Hub) offer(o *Observer, incident telemetry.Incident) {
	select {
	case o.ch <- incident:
		return
	default:
	}
	select {
	case <-o.ch:
		o.dropped.Add(1)
		h.metrics.FanoutDropped()
	default:
	}
	select {
	case o.ch <- incident:
	default:
		o.dropped.Add(1)
		h.metrics.FanoutDropped()
	}
}

// Attach returns the current window, newest first by CreatedAt, and an
// observer that receives every incident published after the window was
// taken, in publication order.
func (h *Hub) Attach() ([]telemetry.Incident, *Observer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	o := &Observer{hub: h, ch: make(chan telemetry.Incident, h.buffer)}
	h.observers[o] = struct{}{}
	h.metrics.SetObservers(len(h.observers))
	return h.snapshotLocked(), o
}

// Snapshot returns the current window, newest first by CreatedAt.
func (h *Hub) Snapshot() []telemetry.Incident {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

func (h *Hub) snapshotLocked() []telemetry.Incident {
	out := make([]telemetry.Incident, 0, h.size)
	for i := 1; i <= h.size; i++ {
		idx := (h.next - i + len(h.ring)) % len(h.ring)
		out = append(out, h.ring[idx])
	}
	// Concurrent commits can publish out of order.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Observers reports how many observers are attached.
func (h *Hub) Observers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

// Close detaches every observer.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for o := range h.observers {
		delete(h.observers, o)
		close(o.ch)
	}
	h.metrics.SetObservers(0)
}

// C is closed once the observer is detached.
func (o *Observer) C() <-chan telemetry.Incident {
	return o.ch
}

// Detach stops delivery and closes C. Calling it again is a no-op.
func (o *Observer) Detach() {
	h := o.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.observers[o]; !ok {
		return
	}
	delete(h.observers, o)
	close(o.ch)
	h.metrics.SetObservers(len(h.observers))
}

// Dropped counts incidents this observer lost to overflow.
func (o *Observer) Dropped() uint64 {
	return o.dropped.Load()
}
