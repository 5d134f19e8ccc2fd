// Package queue consumes telemetry from a JetStream stream in batches and
// settles every message individually.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"industrial-sentinel/internal/ingest"
	"industrial-sentinel/internal/metrics"
)

const (
	HeaderReason      = "Sentinel-Reason"
	HeaderDedupeKey   = "Sentinel-Dedupe-Key"
	HeaderSubject     = "Sentinel-Original-Subject"
	HeaderDeliveries  = "Sentinel-Deliveries"
	HeaderFinalState  = "Sentinel-Final-State"
	dispositionAck    = "ack"
	dispositionNak    = "nak"
	dispositionTerm   = "term"
	deadLetterTimeout = 5 * time.Second
)

type Config struct {
	Stream            string
	Subject           string
	Consumer          string
	DeadLetterSubject string
	BatchSize         int
	MaxDeliver        int
	AckWait           time.Duration
	FetchWait         time.Duration
	NakDelay          time.Duration
}

func DefaultConfig() Config {
	return Config{
		Stream:            "TELEMETRY",
		Subject:           "telemetry.readings.>",
		Consumer:          "sentinel-ingest",
		DeadLetterSubject: "telemetry.deadletter",
		BatchSize:         50,
		MaxDeliver:        5,
		AckWait:           30 * time.Second,
		FetchWait:         2 * time.Second,
		NakDelay:          time.Second,
	}
}

// Delivery is the part of jetstream.Msg the consumer uses.
type Delivery interface {
	Data() []byte
	Subject() string
	Headers() nats.Header
	Metadata() (*jetstream.MsgMetadata, error)
	Ack() error
	NakWithDelay(delay time.Duration) error
	Term() error
}

// Source hands out message batches; jetstream.Consumer satisfies it.
type Source interface {
	Fetch(batch int, opts ...jetstream.FetchOpt) (jetstream.MessageBatch, error)
}

// DeadLetterPublisher stores a message on the dead-letter subject;
// jetstream.JetStream satisfies it.
type DeadLetterPublisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

type Processor interface {
	ProcessBatch(ctx context.Context, msgs []ingest.Message) []ingest.Outcome
}

type Consumer struct {
	cfg        Config
	source     Source
	processor  Processor
	deadLetter DeadLetterPublisher
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

func NewConsumer(source Source, processor Processor, deadLetter DeadLetterPublisher, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxDeliver <= 0 {
		cfg.MaxDeliver = def.MaxDeliver
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = def.AckWait
	}
	if cfg.FetchWait <= 0 {
		cfg.FetchWait = def.FetchWait
	}
	if cfg.NakDelay <= 0 {
		cfg.NakDelay = def.NakDelay
	}
	if cfg.DeadLetterSubject == "" {
		cfg.DeadLetterSubject = def.DeadLetterSubject
	}
	return &Consumer{cfg: cfg, source: source, processor: processor, deadLetter: deadLetter, metrics: m, logger: logger}
}

// Run fetches and handles batches until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		batch, err := c.source.Fetch(c.cfg.BatchSize, jetstream.FetchMaxWait(c.cfg.FetchWait))
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			c.logger.Error("fetch failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.cfg.FetchWait):
			}
			continue
		}
		var deliveries []Delivery
		for msg := range batch.Messages() {
			deliveries = append(deliveries, msg)
		}
		if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
			c.logger.Warn("batch ended with error", slog.String("error", err.Error()))
		}
		if len(deliveries) > 0 {
			c.HandleBatch(ctx, deliveries)
		}
	}
}

// HandleBatch processes deliveries within the ack-wait window and settles
// each one according to its outcome.
func (c *Consumer) HandleBatch(ctx context.Context, deliveries []Delivery) {
	leaseCtx, cancel := context.WithTimeout(ctx, c.cfg.AckWait)
	defer cancel()

	msgs := make([]ingest.Message, len(deliveries))
	for i, d := range deliveries {
		msgs[i] = ingest.Message{Payload: d.Data(), DedupeKey: DedupeKey(d)}
	}
	outcomes := c.processor.ProcessBatch(leaseCtx, msgs)
	for i, d := range deliveries {
		c.settle(ctx, d, msgs[i].DedupeKey, outcomes[i])
	}
}

// DedupeKey prefers the publisher's Nats-Msg-Id and falls back to the
// stream position, which is stable across redeliveries.
func DedupeKey(d Delivery) string {
	if h := d.Headers(); h != nil {
		if id := h.Get(nats.MsgIdHdr); id != "" {
			return id
		}
	}
	meta, err := d.Metadata()
	if err != nil || meta == nil {
		return ""
	}
	return meta.Stream + ":" + strconv.FormatUint(meta.Sequence.Stream, 10)
}

func (c *Consumer) settle(ctx context.Context, d Delivery, dedupeKey string, out ingest.Outcome) {
	delivered := uint64(1)
	if meta, err := d.Metadata(); err == nil && meta != nil {
		delivered = meta.NumDelivered
	}
	switch out.State {
	case ingest.StateAcknowledged:
		c.ack(d, dedupeKey)
	case ingest.StateRejected:
		c.terminate(ctx, d, dedupeKey, out, delivered)
	default:
		if delivered >= uint64(c.cfg.MaxDeliver) {
			c.terminate(ctx, d, dedupeKey, out, delivered)
			return
		}
		c.nak(d, dedupeKey, delivered)
	}
}

func (c *Consumer) ack(d Delivery, dedupeKey string) {
	if err := d.Ack(); err != nil {
		c.logger.Warn("ack failed", slog.String("dedupe_key", dedupeKey), slog.String("error", err.Error()))
		return
	}
	c.metrics.QueueDisposition(dispositionAck)
}

func (c *Consumer) nak(d Delivery, dedupeKey string, delivered uint64) {
	delay := c.cfg.NakDelay * time.Duration(delivered)
	if err := d.NakWithDelay(delay); err != nil {
		c.logger.Warn("nak failed", slog.String("dedupe_key", dedupeKey), slog.String("error", err.Error()))
		return
	}
	c.metrics.QueueDisposition(dispositionNak)
}

// terminate dead-letters the message and stops redelivery. If the
// dead-letter publish fails the message is left for redelivery instead.
func (c *Consumer) terminate(ctx context.Context, d Delivery, dedupeKey string, out ingest.Outcome, delivered uint64) {
	reason := string(out.State)
	if out.Err != nil {
		reason = out.Err.Error()
	}
	if err := c.publishDeadLetter(ctx, d, dedupeKey, reason, out.State, delivered); err != nil {
		c.logger.Error("dead-letter publish failed",
			slog.String("dedupe_key", dedupeKey),
			slog.String("error", err.Error()),
		)
		c.nak(d, dedupeKey, delivered)
		return
	}
	c.metrics.DeadLettered()
	if err := d.Term(); err != nil {
		c.logger.Warn("term failed", slog.String("dedupe_key", dedupeKey), slog.String("error", err.Error()))
		return
	}
	c.metrics.QueueDisposition(dispositionTerm)
	c.logger.Warn("message dead-lettered",
		slog.String("dedupe_key", dedupeKey),
		slog.String("state", string(out.State)),
		slog.Uint64("deliveries", delivered),
		slog.String("reason", reason),
	)
}

func (c *Consumer) publishDeadLetter(ctx context.Context, d Delivery, dedupeKey, reason string, state ingest.State, delivered uint64) error {
	if c.deadLetter == nil {
		return errors.New("no dead-letter publisher configured")
	}
	msg := nats.NewMsg(c.cfg.DeadLetterSubject)
	msg.Data = d.Data()
	msg.Header.Set(HeaderReason, reason)
	msg.Header.Set(HeaderDedupeKey, dedupeKey)
	msg.Header.Set(HeaderSubject, d.Subject())
	msg.Header.Set(HeaderDeliveries, strconv.FormatUint(delivered, 10))
	msg.Header.Set(HeaderFinalState, string(state))
	if dedupeKey != "" {
		msg.Header.Set(nats.MsgIdHdr, "deadletter:"+dedupeKey)
	}
	pubCtx, cancel := context.WithTimeout(ctx, deadLetterTimeout)
	defer cancel()
	if _, err := c.deadLetter.PublishMsg(pubCtx, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", c.cfg.DeadLetterSubject, err)
	}
	return nil
}
