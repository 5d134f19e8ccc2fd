package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"industrial-sentinel/internal/ingest"
	"industrial-sentinel/internal/metrics"
	"industrial-sentinel/internal/telemetry"
)

type fakeDelivery struct {
	data      []byte
	msgID     string
	seq       uint64
	delivered uint64

	acked    bool
	termed   bool
	nakDelay time.Duration
	naked    bool
}

func (d *fakeDelivery) Data() []byte { return d.data }
func (d *fakeDelivery) Subject() string { return "telemetry.readings.ROBOT_ARM_01" }

func (d *fakeDelivery) Headers() nats.Header {
	h := nats.Header{}
	if d.msgID != "" {
		h.Set(nats.MsgIdHdr, d.msgID)
	}
	return h
}

func (d *fakeDelivery) Metadata() (*jetstream.MsgMetadata, error) {
	return &jetstream.MsgMetadata{
		Stream:       "TELEMETRY",
		Sequence:     jetstream.SequencePair{Stream: d.seq},
		NumDelivered: d.delivered,
	}, nil
}

func (d *fakeDelivery) Ack() error {
	d.acked = true
	return nil
}

func (d *fakeDelivery) NakWithDelay(delay time.Duration) error {
	d.naked = true
	d.nakDelay = delay
	return nil
}

func (d *fakeDelivery) Term() error {
	d.termed = true
	return nil
}

type scriptedProcessor struct {
	outcomes []ingest.Outcome
	got      []ingest.Message
}

func (p *scriptedProcessor) ProcessBatch(_ context.Context, msgs []ingest.Message) []ingest.Outcome {
	p.got = msgs
	return p.outcomes
}

type recordingDeadLetter struct {
	mu   sync.Mutex
	msgs []*nats.Msg
	err  error
}

func (r *recordingDeadLetter) PublishMsg(_ context.Context, msg *nats.Msg, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.msgs = append(r.msgs, msg)
	return &jetstream.PubAck{Stream: "TELEMETRY_DEADLETTER"}, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.NakDelay = 100 * time.Millisecond
	return cfg
}

func TestDedupeKeyPrefersMessageID(t *testing.T) {
	assert.Equal(t, "sim-1", DedupeKey(&fakeDelivery{msgID: "sim-1", seq: 9}))
	assert.Equal(t, "TELEMETRY:9", DedupeKey(&fakeDelivery{seq: 9}))
}

func TestHandleBatchSettlesEachMessage(t *testing.T) {
	ok := &fakeDelivery{data: []byte(`{}`), seq: 1, delivered: 1}
	bad := &fakeDelivery{data: []byte(`{`), seq: 2, delivered: 1}
	failing := &fakeDelivery{data: []byte(`{}`), seq: 3, delivered: 2}
	exhausted := &fakeDelivery{data: []byte(`{}`), msgID: "sim-4", seq: 4, delivered: 5}

	proc := &scriptedProcessor{outcomes: []ingest.Outcome{
		{State: ingest.StateAcknowledged},
		{State: ingest.StateRejected, Err: &telemetry.ValidationError{Field: "payload", Reason: "malformed JSON"}},
		{State: ingest.StateFailed, Err: telemetry.Permanent("commit", errors.New("retries exhausted"))},
		{State: ingest.StateFailed, Err: telemetry.Permanent("commit", errors.New("retries exhausted"))},
	}}
	dlq := &recordingDeadLetter{}
	m := metrics.New(prometheus.NewRegistry())
	c := NewConsumer(nil, proc, dlq, testConfig(), m, nil)

	c.HandleBatch(context.Background(), []Delivery{ok, bad, failing, exhausted})

	require.Len(t, proc.got, 4)
	assert.Equal(t, "TELEMETRY:1", proc.got[0].DedupeKey)
	assert.Equal(t, "sim-4", proc.got[3].DedupeKey)

	assert.True(t, ok.acked)
	assert.False(t, ok.termed || ok.naked)

	assert.True(t, bad.termed)
	assert.False(t, bad.acked || bad.naked)

	assert.True(t, failing.naked)
	assert.Equal(t, 200*time.Millisecond, failing.nakDelay)
	assert.False(t, failing.termed)

	assert.True(t, exhausted.termed)
	assert.False(t, exhausted.naked)

	require.Len(t, dlq.msgs, 2)
	first := dlq.msgs[0]
	assert.Equal(t, "telemetry.deadletter", first.Subject)
	assert.Equal(t, []byte(`{`), first.Data)
	assert.Equal(t, "invalid payload: malformed JSON", first.Header.Get(HeaderReason))
	assert.Equal(t, "TELEMETRY:2", first.Header.Get(HeaderDedupeKey))
	assert.Equal(t, "Rejected", first.Header.Get(HeaderFinalState))
	assert.Equal(t, "telemetry.readings.ROBOT_ARM_01", first.Header.Get(HeaderSubject))
	assert.Equal(t, "deadletter:TELEMETRY:2", first.Header.Get(nats.MsgIdHdr))
	assert.Equal(t, "5", dlq.msgs[1].Header.Get(HeaderDeliveries))
}

func TestDeadLetterFailureLeavesMessageForRedelivery(t *testing.T) {
	bad := &fakeDelivery{data: []byte(`{`), seq: 7, delivered: 1}
	proc := &scriptedProcessor{outcomes: []ingest.Outcome{{State: ingest.StateRejected, Err: errors.New("bad")}}}
	dlq := &recordingDeadLetter{err: errors.New("no responders")}
	c := NewConsumer(nil, proc, dlq, testConfig(), nil, nil)

	c.HandleBatch(context.Background(), []Delivery{bad})
	assert.False(t, bad.termed)
	assert.True(t, bad.naked)
}

func TestHandleBatchBoundsProcessingByAckWait(t *testing.T) {
	cfg := testConfig()
	cfg.AckWait = 20 * time.Millisecond
	var deadline time.Time
	proc := processorFunc(func(ctx context.Context, msgs []ingest.Message) []ingest.Outcome {
		deadline, _ = ctx.Deadline()
		return make([]ingest.Outcome, len(msgs))
	})
	d := &fakeDelivery{data: []byte(`{}`), seq: 1, delivered: 1}
	c := NewConsumer(nil, proc, &recordingDeadLetter{}, cfg, nil, nil)
	start := time.Now()
	c.HandleBatch(context.Background(), []Delivery{d})

	assert.False(t, deadline.IsZero())
	assert.WithinDuration(t, start.Add(cfg.AckWait), deadline, 10*time.Millisecond)
	assert.True(t, d.naked, "zero outcome is not acknowledged")
}

type processorFunc func(ctx context.Context, msgs []ingest.Message) []ingest.Outcome

func (f processorFunc) ProcessBatch(ctx context.Context, msgs []ingest.Message) []ingest.Outcome {
	return f(ctx, msgs)
}
