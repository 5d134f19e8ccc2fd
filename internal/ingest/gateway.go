// Package ingest drives each reading through validation, evaluation, the
// transactional commit and incident publication.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"industrial-sentinel/internal/metrics"
	"industrial-sentinel/internal/rules"
	"industrial-sentinel/internal/telemetry"
)

// ErrRetriesExhausted marks a commit that kept failing with retryable errors.
var ErrRetriesExhausted = errors.New("retries exhausted")

type Committer interface {
	Commit(ctx context.Context, req telemetry.CommitRequest) (telemetry.CommitResult, error)
}

// IncidentSink receives committed incidents. Publication is best-effort.
type IncidentSink interface {
	Publish(incidents ...telemetry.Incident)
}

// Notifier forwards committed incidents to other services.
type Notifier interface {
	PublishIncident(ctx context.Context, incident telemetry.Incident) error
}

const (
	SourceHTTP  = "http"
	SourceQueue = "queue"
)

type Options struct {
	Retry            RetryPolicy
	CommitTimeout    time.Duration
	MaxClockSkew     time.Duration
	BatchConcurrency int
	Notifier         Notifier
	Metrics          *metrics.Metrics
	Logger           *slog.Logger
}

type Gateway struct {
	catalog       *rules.Active
	validator     *telemetry.Validator
	writer        Committer
	sink          IncidentSink
	notifier      Notifier
	retry         RetryPolicy
	commitTimeout time.Duration
	concurrency   int
	metrics       *metrics.Metrics
	logger        *slog.Logger
	now           func() time.Time
}

func New(catalog *rules.Active, writer Committer, sink IncidentSink, opts Options) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.CommitTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	concurrency := opts.BatchConcurrency
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Gateway{
		catalog:       catalog,
		validator:     telemetry.NewValidator(catalog, opts.MaxClockSkew),
		writer:        writer,
		sink:          sink,
		notifier:      opts.Notifier,
		retry:         opts.Retry.normalized(),
		commitTimeout: timeout,
		concurrency:   concurrency,
		metrics:       opts.Metrics,
		logger:        logger,
		now:           time.Now,
	}
}

// Outcome is where a reading ended up. Err is a *telemetry.ValidationError
// when State is Rejected and a *telemetry.WriteError when State is Failed.
type Outcome struct {
	State    State
	Path     []State
	Result   telemetry.CommitResult
	Err      error
	Attempts int
}

func (o *Outcome) move(next State) {
	o.State = next
	o.Path = append(o.Path, next)
}

// Submit processes one interactively submitted reading. dedupeKey may be
// empty, in which case the reading is always stored as a new event.
func (g *Gateway) Submit(ctx context.Context, raw telemetry.RawReading, dedupeKey string) Outcome {
	return g.process(ctx, SourceHTTP, raw, dedupeKey)
}

// Message is one queue-delivered payload.
type Message struct {
	Payload   []byte
	DedupeKey string
}

// ProcessBatch runs every message through its own lifecycle with bounded
// parallelism. outcomes[i] belongs to msgs[i]; one failure never affects
// another message.
func (g *Gateway) ProcessBatch(ctx context.Context, msgs []Message) []Outcome {
	outcomes := make([]Outcome, len(msgs))
	var group errgroup.Group
	group.SetLimit(g.concurrency)
	for i, msg := range msgs {
		i, msg := i, msg
		group.Go(func() error {
			outcomes[i] = g.processMessage(ctx, msg)
			return nil
		})
	}
	_ = group.Wait()
	return outcomes
}

func (g *Gateway) processMessage(ctx context.Context, msg Message) Outcome {
	var raw telemetry.RawReading
	if err := json.Unmarshal(msg.Payload, &raw); err != nil {
		out := Outcome{State: StateReceived, Path: []State{StateReceived}}
		out.move(StateRejected)
		out.Err = &telemetry.ValidationError{Field: "payload", Reason: "malformed JSON"}
		g.finish(SourceQueue, msg.DedupeKey, &out)
		return out
	}
	return g.process(ctx, SourceQueue, raw, msg.DedupeKey)
}

func (g *Gateway) process(ctx context.Context, source string, raw telemetry.RawReading, dedupeKey string) Outcome {
	out := Outcome{State: StateReceived, Path: []State{StateReceived}}
	defer g.finish(source, dedupeKey, &out)

	// One catalog for both steps; a reload mid-reading must not split them.
	catalog := g.catalog.Catalog()
	reading, err := g.validator.ValidateAgainst(catalog, raw, g.now())
	if err != nil {
		out.move(StateRejected)
		out.Err = err
		return out
	}
	out.move(StateValidated)

	candidates := rules.Evaluate(catalog, reading)
	out.move(StateEvaluated)

	result, attempts, err := g.commit(ctx, telemetry.CommitRequest{DedupeKey: dedupeKey, Reading: reading, Candidates: candidates})
	out.Attempts = attempts
	if err != nil {
		out.move(StateFailed)
		out.Err = err
		return out
	}
	out.Result = result
	out.move(StateCommitted)

	if !result.Duplicate {
		g.publish(ctx, result.Incidents)
	}
	out.move(StatePublished)
	out.move(StateAcknowledged)
	return out
}

// commit calls the writer until it succeeds, fails permanently or the
// policy runs out. Exhaustion is reported as a permanent failure.
func (g *Gateway) commit(ctx context.Context, req telemetry.CommitRequest) (telemetry.CommitResult, int, error) {
	var lastErr error
	for attempt := 1; attempt <= g.retry.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, g.commitTimeout)
		started := time.Now()
		result, err := g.writer.Commit(attemptCtx, req)
		cancel()
		if err == nil {
			label := "ok"
			if result.Duplicate {
				label = "duplicate"
			}
			g.metrics.CommitAttempt(label, time.Since(started))
			return result, attempt, nil
		}
		err = asWriteError(err)
		lastErr = err
		if !telemetry.IsRetryable(err) {
			g.metrics.CommitAttempt("permanent", time.Since(started))
			return telemetry.CommitResult{}, attempt, err
		}
		g.metrics.CommitAttempt("retryable", time.Since(started))
		if attempt == g.retry.MaxAttempts {
			break
		}
		g.logger.Warn("commit attempt failed, retrying",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		timer := time.NewTimer(g.retry.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return telemetry.CommitResult{}, attempt, telemetry.Permanent("commit", fmt.Errorf("cancelled during backoff: %w", ctx.Err()))
		case <-timer.C:
		}
	}
	exhausted := fmt.Errorf("commit failed after %d attempts: %w: %w", g.retry.MaxAttempts, ErrRetriesExhausted, lastErr)
	return telemetry.CommitResult{}, g.retry.MaxAttempts, telemetry.Permanent("commit", exhausted)
}

// asWriteError keeps raw errors from escaping a writer that forgot to wrap.
func asWriteError(err error) error {
	var we *telemetry.WriteError
	if errors.As(err, &we) {
		return err
	}
	if telemetry.IsTimeout(err) {
		return telemetry.Retryable("commit", err)
	}
	return telemetry.Permanent("commit", err)
}

func (g *Gateway) publish(ctx context.Context, incidents []telemetry.Incident) {
	if len(incidents) == 0 {
		return
	}
	for _, incident := range incidents {
		g.metrics.IncidentCommitted(string(incident.Severity))
	}
	if g.sink != nil {
		g.sink.Publish(incidents...)
	}
	if g.notifier == nil {
		return
	}
	for _, incident := range incidents {
		if err := g.notifier.PublishIncident(ctx, incident); err != nil {
			g.logger.Warn("incident notification failed",
				slog.String("incident_id", incident.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (g *Gateway) finish(source, dedupeKey string, out *Outcome) {
	g.metrics.Outcome(source, string(out.State))
	switch out.State {
	case StateAcknowledged:
		g.logger.Info("reading ingested",
			slog.String("source", source),
			slog.String("reading_id", out.Result.Reading.ID),
			slog.String("machine_id", out.Result.Reading.MachineID),
			slog.Int("incidents", len(out.Result.Incidents)),
			slog.Bool("duplicate", out.Result.Duplicate),
		)
	case StateRejected:
		g.logger.Warn("reading rejected",
			slog.String("source", source),
			slog.String("dedupe_key", dedupeKey),
			slog.String("error", out.Err.Error()),
		)
	case StateFailed:
		g.logger.Error("reading failed",
			slog.String("source", source),
			slog.String("dedupe_key", dedupeKey),
			slog.Int("attempts", out.Attempts),
			slog.String("error", out.Err.Error()),
		)
	}
}
