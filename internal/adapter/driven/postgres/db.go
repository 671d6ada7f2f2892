// Package postgres implements the RepositoryReader and ChangeFeed ports
// directly against a PostgreSQL database carrying the dashboard schema.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// DB wraps the connection pool used for dashboard reads. Every read runs in
// its own read-only transaction, so the pool is the only shared state.
type DB struct {
	*sqlx.DB
	dsn string
}

// NewDB opens a pooled connection to dsn and verifies it with a ping.
// Connectivity failures are reported as driven.ErrUnavailable.
func NewDB(ctx context.Context, dsn string) (*DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, mapError("ping database", err)
	}

	return &DB{DB: db, dsn: dsn}, nil
}

// NewDBFromConn wraps an existing *sql.DB. Tests use it with sqlmock.
func NewDBFromConn(conn *sql.DB) *DB {
	return &DB{DB: sqlx.NewDb(conn, "postgres")}
}

// DSN returns the connection string the pool was opened with.
func (db *DB) DSN() string {
	return db.dsn
}
