package storage

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"industrial-sentinel/internal/telemetry"
)

var retryableCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"57014": true, // query_canceled (statement_timeout)
	"57P01": true, // admin_shutdown
	"53300": true, // too_many_connections
	"23505": true, // unique_violation: lost a dedupe-key race, the retry sees the winner
}

// classify turns a pgx error into a telemetry.WriteError.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var we *telemetry.WriteError
	if errors.As(err, &we) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return telemetry.Retryable(op, err)
	}
	if errors.Is(err, context.Canceled) {
		return telemetry.Permanent(op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if retryableCodes[pgErr.Code] || strings.HasPrefix(pgErr.Code, "08") {
			return telemetry.Retryable(op, err)
		}
		return telemetry.Permanent(op, err)
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return telemetry.Retryable(op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return telemetry.Retryable(op, err)
	}
	return telemetry.Permanent(op, err)
}
