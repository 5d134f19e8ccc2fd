package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"industrial-sentinel/internal/telemetry"
)

// Commit writes the reading and its incidents in one transaction. A reading
// whose dedupe key is already stored is not written again; the stored
// reading and incidents are returned with Duplicate set.
func (s *Store) Commit(ctx context.Context, req telemetry.CommitRequest) (telemetry.CommitResult, error) {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return telemetry.CommitResult{}, classify("begin", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	reading := req.Reading
	if reading.ID == "" {
		reading.ID = uuid.NewString()
	}
	reading.ObservedAt = telemetry.StoredTime(reading.ObservedAt)
	reading.ReceivedAt = telemetry.StoredTime(reading.ReceivedAt)
	dedupeKey := req.DedupeKey
	if dedupeKey == "" {
		dedupeKey = reading.ID
	}

	var insertedID string
	err = tx.QueryRow(ctx, `
		INSERT INTO readings (id, dedupe_key, machine_id, sensor_type, value, observed_at, received_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (dedupe_key) DO NOTHING
		RETURNING id`,
		reading.ID, dedupeKey, reading.MachineID, reading.SensorType, reading.Value, reading.ObservedAt, reading.ReceivedAt,
	).Scan(&insertedID)
	if errors.Is(err, pgx.ErrNoRows) {
		result, lookupErr := loadByDedupeKey(ctx, tx, dedupeKey)
		if lookupErr != nil {
			return telemetry.CommitResult{}, lookupErr
		}
		return result, nil
	}
	if err != nil {
		return telemetry.CommitResult{}, classify("insert reading", err)
	}

	createdAt := telemetry.StoredTime(s.clock())
	incidents := make([]telemetry.Incident, 0, len(req.Candidates))
	batch := &pgx.Batch{}
	for i, candidate := range req.Candidates {
		incident := telemetry.Incident{
			ID:          uuid.NewString(),
			ReadingID:   reading.ID,
			MachineID:   candidate.MachineID,
			Description: candidate.Description,
			Severity:    candidate.Severity,
			CreatedAt:   createdAt,
		}
		batch.Queue(`
			INSERT INTO incidents (id, reading_id, rule_id, ordinal, machine_id, description, severity, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			incident.ID, incident.ReadingID, candidate.RuleID, i, incident.MachineID, incident.Description, string(incident.Severity), incident.CreatedAt,
		)
		incidents = append(incidents, incident)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return telemetry.CommitResult{}, classify("insert incidents", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return telemetry.CommitResult{}, classify("commit", err)
	}
	return telemetry.CommitResult{Reading: reading, Incidents: incidents}, nil
}

func (s *Store) clock() time.Time {
	if s.now == nil {
		return time.Now()
	}
	return s.now()
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadByDedupeKey(ctx context.Context, q querier, dedupeKey string) (telemetry.CommitResult, error) {
	var reading telemetry.Reading
	err := q.QueryRow(ctx, `
		SELECT id, machine_id, sensor_type, value, observed_at, received_at
		FROM readings WHERE dedupe_key=$1`, dedupeKey,
	).Scan(&reading.ID, &reading.MachineID, &reading.SensorType, &reading.Value, &reading.ObservedAt, &reading.ReceivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// The conflicting writer rolled back between our insert and this read.
		return telemetry.CommitResult{}, telemetry.Retryable("load duplicate", fmt.Errorf("dedupe key %q: %w", dedupeKey, ErrNotFound))
	}
	if err != nil {
		return telemetry.CommitResult{}, classify("load duplicate", err)
	}
	reading.ObservedAt = reading.ObservedAt.UTC()
	reading.ReceivedAt = reading.ReceivedAt.UTC()

	rows, err := q.Query(ctx, `
		SELECT id, reading_id, machine_id, description, severity, created_at
		FROM incidents WHERE reading_id=$1 ORDER BY ordinal`, reading.ID)
	if err != nil {
		return telemetry.CommitResult{}, classify("load duplicate incidents", err)
	}
	incidents, err := scanIncidents(rows)
	if err != nil {
		return telemetry.CommitResult{}, classify("load duplicate incidents", err)
	}
	return telemetry.CommitResult{Reading: reading, Incidents: incidents, Duplicate: true}, nil
}

func scanIncidents(rows pgx.Rows) ([]telemetry.Incident, error) {
	defer rows.Close()
	incidents := []telemetry.Incident{}
	for rows.Next() {
		var inc telemetry.Incident
		var severity string
		if err := rows.Scan(&inc.ID, &inc.ReadingID, &inc.MachineID, &inc.Description, &severity, &inc.CreatedAt); err != nil {
			return nil, err
		}
		inc.Severity = telemetry.Severity(severity)
		inc.CreatedAt = inc.CreatedAt.UTC()
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}
