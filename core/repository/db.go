// Package repository is the persistence layer: a task queue and a node
// registry over PostgreSQL. Operations are narrow, each a single
// transaction; no business logic lives here.
package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"
)

// Schema creates the two core tables. Executed by yainit and safe to
// re-run.
const Schema = `
CREATE TABLE IF NOT EXISTS yascheduler_nodes (
    ip VARCHAR(15) UNIQUE,
    ncpus SMALLINT NULL,
    enabled BOOL DEFAULT TRUE,
    cloud VARCHAR(32) NULL,
    username VARCHAR(255) DEFAULT 'root'
);
CREATE TABLE IF NOT EXISTS yascheduler_tasks (
    task_id SERIAL PRIMARY KEY,
    label VARCHAR(256),
    metadata JSONB,
    ip VARCHAR(15),
    status SMALLINT
);
`

// migrations are idempotent schema amendments applied at daemon startup
// so that older installations keep working.
var migrations = []string{
	`ALTER TABLE yascheduler_nodes
	 ADD COLUMN IF NOT EXISTS username VARCHAR(255) DEFAULT 'root';`,
}

// DB wraps the connection pool shared by the repositories.
type DB struct {
	*sql.DB
}

// NewDB opens a PostgreSQL connection pool.
func NewDB(connString string) (*DB, error) {
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &DB{DB: db}, nil
}

// Migrate applies pending schema amendments.
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// CreateSchema creates the core tables.
func (db *DB) CreateSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return err
	}
	return db.Migrate(ctx)
}

// IsTransient classifies an error as retryable: connection losses and
// other network-level failures. Schema violations and constraint errors
// are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// class 08 - connection exception, 57 - operator intervention
		// (shutdown), 53 - insufficient resources
		switch pqErr.Code.Class() {
		case "08", "57", "53":
			return true
		}
	}
	return false
}

// withRetry runs op, retrying transient failures with exponential
// backoff for up to a minute. Permanent errors return immediately.
func withRetry(ctx context.Context, op func() error) error {
	wrapped := func() error {
		err := op()
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = time.Minute
	return backoff.Retry(wrapped, backoff.WithContext(bo, ctx))
}

// inTx runs fn inside a transaction, committing on success.
func (db *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
