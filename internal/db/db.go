// Package db opens the SQL store backing sessions, devices, security events, attendance and meetings.
package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Driver names as registered with database/sql.
const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

// DriverName maps a DATABASE_DRIVER value to the database/sql driver name.
func DriverName(driver string) (string, error) {
	switch driver {
	case "postgres":
		return DriverPostgres, nil
	case "sqlite":
		return DriverSQLite, nil
	default:
		return "", fmt.Errorf("db: unsupported driver %q", driver)
	}
}

// Open connects to the database and pings it. SQLite is limited to a single connection
// so that transactions serialize writers. Caller must call Close when done.
func Open(ctx context.Context, driver, dsn string) (*sqlx.DB, error) {
	if dsn == "" {
		return nil, errors.New("db: DATABASE_URL is not set")
	}
	name, err := DriverName(driver)
	if err != nil {
		return nil, err
	}
	if name == DriverSQLite {
		dsn = sqliteDSN(dsn)
	}
	db, err := sqlx.ConnectContext(ctx, name, dsn)
	if err != nil {
		return nil, err
	}
	if name == DriverSQLite {
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("db: %s: %w", pragma, err)
			}
		}
	}
	return db, nil
}

// sqliteDSN asks modernc to write timestamps in SQLite's own layout so that they sort as text.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_time_format=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_time_format=sqlite"
}

// IsPostgres reports whether db talks to Postgres.
func IsPostgres(db *sqlx.DB) bool {
	return db.DriverName() == DriverPostgres
}

// WithTx runs fn inside a transaction, committing on nil and rolling back otherwise.
func WithTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
