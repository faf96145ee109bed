// Package store persists tasks, invocations, and budget events.
//
// Two backends are supported through the driver abstraction:
//   - SQLite (default, ~/.orca/orca.db) for single-machine use
//   - Postgres for shared deployments
//
// Queries are written with ? placeholders and rebound to the dialect's
// native form at execution time.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/emily-flambe/orca-sub000/internal/store/driver"
)

// Store wraps a database connection with driver abstraction.
type Store struct {
	driver driver.Driver
	path   string
}

// Open opens a SQLite store at the given path, creating the parent
// directory if needed, and brings the schema up to date.
func Open(path string) (*Store, error) {
	return OpenWithDialect(path, driver.DialectSQLite)
}

// OpenInMemory opens an in-memory SQLite store. Each call creates a new
// isolated database, which makes it the right constructor for tests.
func OpenInMemory() (*Store, error) {
	drv, err := driver.New(driver.DialectSQLite)
	if err != nil {
		return nil, err
	}
	if err := drv.Open(":memory:"); err != nil {
		return nil, err
	}

	s := &Store{driver: drv, path: ":memory:"}
	if err := s.migrate(context.Background()); err != nil {
		_ = drv.Close()
		return nil, err
	}
	return s, nil
}

// OpenWithDialect opens a store with a specific dialect and brings the
// schema up to date. Migrations are idempotent, so opening an existing
// database from any prior version converges on the same schema as a
// fresh one.
func OpenWithDialect(dsn string, dialect driver.Dialect) (*Store, error) {
	if dialect == driver.DialectSQLite {
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	drv, err := driver.New(dialect)
	if err != nil {
		return nil, err
	}
	if err := drv.Open(dsn); err != nil {
		return nil, err
	}

	s := &Store{driver: drv, path: dsn}
	if err := s.migrate(context.Background()); err != nil {
		_ = drv.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.driver.Close()
}

// Path returns the database DSN/path.
func (s *Store) Path() string {
	return s.path
}

// Dialect returns the database dialect.
func (s *Store) Dialect() driver.Dialect {
	return s.driver.Dialect()
}

// Driver returns the underlying driver for dialect-specific operations.
func (s *Store) Driver() driver.Driver {
	return s.driver
}

// DB returns the underlying sql.DB for advanced operations.
func (s *Store) DB() *sql.DB {
	return s.driver.DB()
}

// Exec executes a query without returning rows.
func (s *Store) Exec(query string, args ...any) (sql.Result, error) {
	return s.driver.Exec(context.Background(), s.rebind(query), args...)
}

// Query executes a query that returns rows.
func (s *Store) Query(query string, args ...any) (*sql.Rows, error) {
	return s.driver.Query(context.Background(), s.rebind(query), args...)
}

// QueryRow executes a query that returns at most one row.
func (s *Store) QueryRow(query string, args ...any) *sql.Row {
	return s.driver.QueryRow(context.Background(), s.rebind(query), args...)
}

// BeginTx starts a transaction.
func (s *Store) BeginTx(ctx context.Context) (driver.Tx, error) {
	return s.driver.BeginTx(ctx, nil)
}

// rebind rewrites ? placeholders to the dialect's native form. SQLite
// keeps ?, Postgres gets $1..$N. Queries must not contain literal ?
// characters inside strings.
func (s *Store) rebind(query string) string {
	if s.driver.Dialect() != driver.DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// fmtTime formats a timestamp for storage. All timestamps are stored as
// RFC3339 UTC text in both dialects, which keeps scan code identical and
// makes lexicographic comparison match chronological order.
func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func fmtTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := fmtTime(*t)
	return &s
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t := parseTime(*s)
	return &t
}
