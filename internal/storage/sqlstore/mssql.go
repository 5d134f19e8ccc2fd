package sqlstore

import (
	"errors"

	mssql "github.com/microsoft/go-mssqldb"
)

var mssqlDialect = dialect{
	name:        "sqlserver",
	placeholder: atPlaceholder,
	recentQuery: `
		SELECT TOP (?) id, reading_id, machine_id, description, severity, created_at
		FROM incidents ORDER BY created_at DESC, ordinal DESC`,
	classify: classifyMSSQL,
}

func classifyMSSQL(err error) (bool, bool) {
	var msErr mssql.Error
	if !errors.As(err, &msErr) {
		return false, false
	}
	switch msErr.Number {
	case 1205, // deadlock victim
		1222, // lock request timeout
		2627, // unique constraint, lost a dedupe-key race
		2601:
		return true, true
	}
	return false, true
}
