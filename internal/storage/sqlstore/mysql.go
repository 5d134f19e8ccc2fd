package sqlstore

import (
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
)

var mysqlDialect = dialect{
	name: "mysql",
	recentQuery: `
		SELECT id, reading_id, machine_id, description, severity, created_at
		FROM incidents ORDER BY created_at DESC, ordinal DESC LIMIT ?`,
	classify: classifyMySQL,
}

// mysqlDSN forces time scanning into time.Time in UTC.
func mysqlDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", err
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

func classifyMySQL(err error) (bool, bool) {
	if errors.Is(err, mysql.ErrInvalidConn) {
		return true, true
	}
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return false, false
	}
	switch myErr.Number {
	case 1213, // ER_LOCK_DEADLOCK
		1205, // ER_LOCK_WAIT_TIMEOUT
		1040, // ER_CON_COUNT_ERROR
		1062: // ER_DUP_ENTRY, lost a dedupe-key race
		return true, true
	}
	return false, true
}
