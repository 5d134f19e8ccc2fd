package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"

	"industrial-sentinel/internal/telemetry"
)

func (s *Store) classify(op string, err error) error {
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
	if s.dialect.classify != nil {
		if retryable, known := s.dialect.classify(err); known {
			if retryable {
				return telemetry.Retryable(op, err)
			}
			return telemetry.Permanent(op, err)
		}
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return telemetry.Retryable(op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return telemetry.Retryable(op, err)
	}
	return telemetry.Permanent(op, err)
}
