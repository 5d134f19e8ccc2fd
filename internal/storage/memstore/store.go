// Package memstore is an in-process writer with the same all-or-nothing and
// dedupe guarantees as the SQL stores. It backs STORE_DRIVER=memory.
package memstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"industrial-sentinel/internal/telemetry"
)

// Fault is called before each staged write with the write's op name
// ("insert reading", "insert incident", "commit"). A non-nil error aborts the
// commit and nothing staged becomes visible.
type Fault func(ctx context.Context, op string) error

type Store struct {
	mu        sync.RWMutex
	readings  map[string]telemetry.Reading
	byKey     map[string]string
	incidents []telemetry.Incident
	byReading map[string][]telemetry.Incident
	fault     Fault
	now       func() time.Time
}

func New() *Store {
	return &Store{
		readings:  map[string]telemetry.Reading{},
		byKey:     map[string]string{},
		byReading: map[string][]telemetry.Incident{},
		now:       time.Now,
	}
}

// SetFault installs f; nil removes it.
func (s *Store) SetFault(f Fault) {
	s.mu.Lock()
	s.fault = f
	s.mu.Unlock()
}

func (s *Store) Commit(ctx context.Context, req telemetry.CommitRequest) (telemetry.CommitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reading := req.Reading
	if reading.ID == "" {
		reading.ID = uuid.NewString()
	}
	dedupeKey := req.DedupeKey
	if dedupeKey == "" {
		dedupeKey = reading.ID
	}
	if id, ok := s.byKey[dedupeKey]; ok {
		stored := s.byReading[id]
		incidents := make([]telemetry.Incident, len(stored))
		copy(incidents, stored)
		return telemetry.CommitResult{Reading: s.readings[id], Incidents: incidents, Duplicate: true}, nil
	}

	if err := s.step(ctx, "insert reading"); err != nil {
		return telemetry.CommitResult{}, err
	}
	createdAt := telemetry.StoredTime(s.now())
	incidents := make([]telemetry.Incident, 0, len(req.Candidates))
	for _, candidate := range req.Candidates {
		if !candidate.Severity.Valid() {
			return telemetry.CommitResult{}, telemetry.Permanent("insert incident", &telemetry.ValidationError{Field: "severity", Reason: "unknown severity " + string(candidate.Severity)})
		}
		if err := s.step(ctx, "insert incident"); err != nil {
			return telemetry.CommitResult{}, err
		}
		incidents = append(incidents, telemetry.Incident{
			ID:          uuid.NewString(),
			ReadingID:   reading.ID,
			MachineID:   candidate.MachineID,
			Description: candidate.Description,
			Severity:    candidate.Severity,
			CreatedAt:   createdAt,
		})
	}
	if err := s.step(ctx, "commit"); err != nil {
		return telemetry.CommitResult{}, err
	}

	s.readings[reading.ID] = reading
	s.byKey[dedupeKey] = reading.ID
	s.byReading[reading.ID] = incidents
	s.incidents = append(s.incidents, incidents...)

	out := make([]telemetry.Incident, len(incidents))
	copy(out, incidents)
	return telemetry.CommitResult{Reading: reading, Incidents: out}, nil
}

func (s *Store) step(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		if telemetry.IsTimeout(err) {
			return telemetry.Retryable(op, err)
		}
		return telemetry.Permanent(op, err)
	}
	if s.fault == nil {
		return nil
	}
	if err := s.fault(ctx, op); err != nil {
		var we *telemetry.WriteError
		if errors.As(err, &we) {
			return err
		}
		if telemetry.IsTimeout(err) {
			return telemetry.Retryable(op, err)
		}
		return telemetry.Permanent(op, err)
	}
	return nil
}

// RecentIncidents returns up to limit incidents, newest first.
func (s *Store) RecentIncidents(_ context.Context, limit int) ([]telemetry.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.incidents) {
		limit = len(s.incidents)
	}
	out := make([]telemetry.Incident, 0, limit)
	for i := len(s.incidents) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.incidents[i])
	}
	return out, nil
}

// IncidentsFor returns the incidents committed with readingID.
func (s *Store) IncidentsFor(readingID string) []telemetry.Incident {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.byReading[readingID]
	out := make([]telemetry.Incident, len(stored))
	copy(out, stored)
	return out
}

// Counts reports how many readings and incidents are stored.
func (s *Store) Counts() (readings, incidents int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.readings), len(s.incidents)
}

func (s *Store) Ping(context.Context) error { return nil }
