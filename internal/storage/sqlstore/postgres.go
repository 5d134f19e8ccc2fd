package sqlstore

import (
	"errors"

	"github.com/lib/pq"
)

var postgresDialect = dialect{
	name:        "postgres",
	placeholder: dollarPlaceholder,
	recentQuery: `
		SELECT id, reading_id, machine_id, description, severity, created_at
		FROM incidents ORDER BY created_at DESC, ordinal DESC LIMIT ?`,
	classify: classifyPostgres,
}

func classifyPostgres(err error) (bool, bool) {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false, false
	}
	switch pqErr.Code {
	case "40001", "40P01", "55P03", "57014", "57P01", "53300", "23505":
		return true, true
	}
	if pqErr.Code.Class() == "08" {
		return true, true
	}
	return false, true
}
