// Package logstore provides the shared command log: a bounded ring of records
// behind a single lock, optionally journaled to durable storage.
// Backends: filesystem, SQLite, Postgres and S3-compatible object storage (R2).
package logstore

import (
	"context"
	"errors"
)

var (
	// ErrStorage wraps failures of the durable backend. The append that hit
	// it is not visible in the log.
	ErrStorage = errors.New("storage failure")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("log store closed")

	// ErrUnsupported is returned for record-level operations on an unbounded
	// store, which keeps no record boundaries.
	ErrUnsupported = errors.New("operation not supported by unbounded log")
)

// Backend persists the log as an append-only byte stream.
type Backend interface {
	// Name identifies the backend in status output ("file", "sqlite", ...).
	Name() string

	// Append durably stores data. The write is flushed before Append returns;
	// on error nothing is persisted.
	Append(ctx context.Context, data []byte) error

	// ReadAll returns every appended byte in append order.
	ReadAll(ctx context.Context) ([]byte, error)

	// Reset discards all persisted data.
	Reset(ctx context.Context) error

	// Close releases the backend.
	Close() error
}

// RecordCounter is implemented by backends that keep one entry per record.
// An unbounded store uses it to report a record count.
type RecordCounter interface {
	Count(ctx context.Context) (int, error)
}
