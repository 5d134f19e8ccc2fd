// Package sqlstore is the database/sql transactional writer. It serves the
// postgres (lib/pq), mysql and sqlserver drivers through a small dialect
// table; placeholders and error codes are the only differences.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type dialect struct {
	name        string
	placeholder func(n int) string
	recentQuery string
	classify    func(err error) (retryable bool, known bool)
}

// Store writes readings and incidents through database/sql.
type Store struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

// Open connects with the named driver and pings the database.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	if strings.TrimSpace(driver) == "" {
		return nil, errors.New("store driver is required")
	}
	var (
		d      dialect
		db     *sql.DB
		err    error
		normal = strings.ToLower(driver)
	)
	switch normal {
	case "postgres", "postgresql":
		d = postgresDialect
		db, err = openDatabase("postgres", dsn)
	case "mysql":
		d = mysqlDialect
		dsn, err = mysqlDSN(dsn)
		if err == nil {
			db, err = openDatabase("mysql", dsn)
		}
	case "mssql", "sqlserver":
		d = mssqlDialect
		db, err = openDatabase("sqlserver", dsn)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", d.name, err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s store: %w", d.name, err)
	}
	return &Store{db: db, dialect: d, now: time.Now}, nil
}

// New wraps an open handle. dialectName is one of postgres, mysql or sqlserver.
func New(db *sql.DB, dialectName string) (*Store, error) {
	switch strings.ToLower(dialectName) {
	case "postgres", "postgresql":
		return &Store{db: db, dialect: postgresDialect, now: time.Now}, nil
	case "mysql":
		return &Store{db: db, dialect: mysqlDialect, now: time.Now}, nil
	case "mssql", "sqlserver":
		return &Store{db: db, dialect: mssqlDialect, now: time.Now}, nil
	default:
		return nil, fmt.Errorf("unsupported store dialect %q", dialectName)
	}
}

func openDatabase(driverName, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rebind rewrites ? placeholders for the dialect.
func (s *Store) rebind(query string) string {
	if s.dialect.placeholder == nil {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(s.dialect.placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func dollarPlaceholder(n int) string { return "$" + strconv.Itoa(n) }

func atPlaceholder(n int) string { return "@p" + strconv.Itoa(n) }
