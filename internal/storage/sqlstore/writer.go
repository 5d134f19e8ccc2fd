package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"industrial-sentinel/internal/telemetry"
)

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Commit writes the reading and its incidents in one transaction. A stored
// dedupe key short-circuits to the stored result with Duplicate set.
func (s *Store) Commit(ctx context.Context, req telemetry.CommitRequest) (telemetry.CommitResult, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return telemetry.CommitResult{}, s.classify("begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

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

	existing, found, err := s.loadByDedupeKey(ctx, tx, dedupeKey)
	if err != nil {
		return telemetry.CommitResult{}, err
	}
	if found {
		return existing, nil
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO readings (id, dedupe_key, machine_id, sensor_type, value, observed_at, received_at)
		VALUES (?,?,?,?,?,?,?)`),
		reading.ID, dedupeKey, reading.MachineID, reading.SensorType, reading.Value, reading.ObservedAt, reading.ReceivedAt,
	); err != nil {
		return telemetry.CommitResult{}, s.classify("insert reading", err)
	}

	createdAt := telemetry.StoredTime(s.now())
	incidents := make([]telemetry.Incident, 0, len(req.Candidates))
	insertIncident := s.rebind(`
		INSERT INTO incidents (id, reading_id, rule_id, ordinal, machine_id, description, severity, created_at)
		VALUES (?,?,?,?,?,?,?,?)`)
	for i, candidate := range req.Candidates {
		incident := telemetry.Incident{
			ID:          uuid.NewString(),
			ReadingID:   reading.ID,
			MachineID:   candidate.MachineID,
			Description: candidate.Description,
			Severity:    candidate.Severity,
			CreatedAt:   createdAt,
		}
		if _, err := tx.ExecContext(ctx, insertIncident,
			incident.ID, incident.ReadingID, candidate.RuleID, i, incident.MachineID, incident.Description, string(incident.Severity), incident.CreatedAt,
		); err != nil {
			return telemetry.CommitResult{}, s.classify("insert incident", err)
		}
		incidents = append(incidents, incident)
	}
	if err := tx.Commit(); err != nil {
		return telemetry.CommitResult{}, s.classify("commit", err)
	}
	return telemetry.CommitResult{Reading: reading, Incidents: incidents}, nil
}

func (s *Store) loadByDedupeKey(ctx context.Context, q queryer, dedupeKey string) (telemetry.CommitResult, bool, error) {
	var reading telemetry.Reading
	err := q.QueryRowContext(ctx, s.rebind(`
		SELECT id, machine_id, sensor_type, value, observed_at, received_at
		FROM readings WHERE dedupe_key=?`), dedupeKey,
	).Scan(&reading.ID, &reading.MachineID, &reading.SensorType, &reading.Value, &reading.ObservedAt, &reading.ReceivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return telemetry.CommitResult{}, false, nil
	}
	if err != nil {
		return telemetry.CommitResult{}, false, s.classify("load duplicate", err)
	}
	reading.ObservedAt = reading.ObservedAt.UTC()
	reading.ReceivedAt = reading.ReceivedAt.UTC()

	rows, err := q.QueryContext(ctx, s.rebind(`
		SELECT id, reading_id, machine_id, description, severity, created_at
		FROM incidents WHERE reading_id=? ORDER BY ordinal`), reading.ID)
	if err != nil {
		return telemetry.CommitResult{}, false, s.classify("load duplicate incidents", err)
	}
	incidents, err := scanIncidents(rows)
	if err != nil {
		return telemetry.CommitResult{}, false, s.classify("load duplicate incidents", err)
	}
	return telemetry.CommitResult{Reading: reading, Incidents: incidents, Duplicate: true}, true, nil
}

// RecentIncidents returns up to limit incidents, newest first.
func (s *Store) RecentIncidents(ctx context.Context, limit int) ([]telemetry.Incident, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(s.dialect.recentQuery), limit)
	if err != nil {
		return nil, err
	}
	return scanIncidents(rows)
}

func scanIncidents(rows *sql.Rows) ([]telemetry.Incident, error) {
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
