// Package store is the transactional key-value substrate every public
// operation runs against. A unit of work passed to Update either commits all
// of its writes or none of them.
//
// Backends live in sub-packages: memory (tests, dev), badger (embedded, durable)
// and redis (shared, WATCH/MULTI/EXEC).
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Txn.Get for absent keys.
	ErrNotFound = errors.New("store: key not found")
	// ErrConflict is returned when a unit could not be serialized after
	// MaxAttempts re-executions.
	ErrConflict = errors.New("store: transaction conflict")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("store: closed")
	// ErrReadOnly is returned by writes inside View.
	ErrReadOnly = errors.New("store: read-only transaction")
)

// MaxAttempts bounds how many times a conflicting unit is re-executed against
// fresh state before ErrConflict is surfaced.
const MaxAttempts = 8

// Txn is the read/write view a unit of work sees. Reads observe the unit's own
// pending writes.
type Txn interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

// Store runs units of work atomically.
//
// fn passed to Update may be executed more than once when the backend detects
// a conflicting concurrent unit; it must not have effects outside the Txn.
type Store interface {
	Update(ctx context.Context, fn func(Txn) error) error
	View(ctx context.Context, fn func(Txn) error) error
	// Scan visits every key with the given prefix in key order where the
	// backend supports it. Values are copies.
	Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error
	HealthCheck(ctx context.Context) error
	Close() error
}

// Exists reports whether key is present.
func Exists(txn Txn, key string) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
