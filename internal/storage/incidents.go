package storage

import (
	"context"

	"industrial-sentinel/internal/telemetry"
)

// RecentIncidents returns up to limit incidents, newest first.
func (s *Store) RecentIncidents(ctx context.Context, limit int) ([]telemetry.Incident, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, reading_id, machine_id, description, severity, created_at
		FROM incidents ORDER BY created_at DESC, ordinal DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return scanIncidents(rows)
}
