// Package db abstracts the relational store behind a small interface so the
// archive repository stays testable and the driver swappable.
package db

import (
	"context"
	"database/sql"
)

// ErrNoRows is returned by Row.Scan when the query matched nothing.
var ErrNoRows = sql.ErrNoRows

// Database is the minimal query surface repositories use.
type Database interface {
	Query(ctx context.Context, query string, args ...interface{}) (Rows, error)
	QueryRow(ctx context.Context, query string, args ...interface{}) Row
	Exec(ctx context.Context, query string, args ...interface{}) (Result, error)
	Ping(ctx context.Context) error
	Close() error
}

// Rows iterates a result set.
type Rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Close() error
	Err() error
}

// Row is a single-row result.
type Row interface {
	Scan(dest ...interface{}) error
}

// Result reports the outcome of an Exec.
type Result interface {
	LastInsertId() (int64, error)
	RowsAffected() (int64, error)
}
