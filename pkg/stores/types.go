package stores

import (
	"context"
	"errors"
	"fmt"
)

// ErrKeyNotFound is returned by read operations when the requested key does
// not exist. Absence is not an I/O failure and is never retryable.
var ErrKeyNotFound = errors.New("key not found")

// StoreError wraps a backend I/O failure. Transient failures (connection
// drops, lock timeouts) are marked retryable so callers can apply a bounded
// retry policy; corrupt data and programming errors are not.
type StoreError struct {
	// Op is the backend operation that failed (e.g. "records.set").
	Op string

	// Key is the logical key involved, if any.
	Key string

	// Err is the underlying error.
	Err error

	// Transient indicates the operation may succeed on retry.
	Transient bool
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("store %s failed (key=%s): %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("store %s failed: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failed operation may succeed on retry.
func (e *StoreError) Retryable() bool {
	return e.Transient
}

// NewStoreError creates a retryable store error.
func NewStoreError(op, key string, err error) *StoreError {
	return &StoreError{Op: op, Key: key, Err: err, Transient: true}
}

// Tx is a group of writes applied atomically by Backend.Update. All writes
// in one callback either land together or not at all.
type Tx interface {
	// Record (field map) writes.
	SetRecordFields(key string, fields map[string]string) error
	DeleteRecordFields(key string, fields ...string) error
	DeleteRecord(key string) error

	// Unordered set writes.
	SetAdd(key string, members ...string) error
	SetRemove(key string, members ...string) error

	// Scored index writes.
	IndexAdd(key, member string, score float64) error
	IndexRemove(key, member string) error

	// Ordered list writes.
	ListReplace(key string, members []string) error
	ListInsert(key, pivot, member string, before bool) error
	ListRemove(key, member string) error

	// Plain key/value writes.
	Put(key, value string) error
	Delete(key string) error
}

// Backend is the persistence contract for the execution repository and the
// saga log. It exposes the logical structures of the persisted layout:
// field-map records, unordered sets, scored indexes, ordered lists and plain
// string keys.
//
// Implementations must make each Update call atomic and must be safe for
// concurrent use by independent callers.
type Backend interface {
	// Lifecycle.
	Init(ctx context.Context) error
	Close() error
	HealthCheck(ctx context.Context) error

	// Update runs fn inside one atomic write group.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// Record reads.
	RecordExists(ctx context.Context, key string) (bool, error)
	GetRecord(ctx context.Context, key string) (map[string]string, error)
	GetRecordField(ctx context.Context, key, field string) (string, error)

	// Set reads.
	SetMembers(ctx context.Context, key string) ([]string, error)

	// Scored index reads. Members are returned ordered by score; reverse
	// yields highest score first.
	IndexMembers(ctx context.Context, key string, reverse bool) ([]string, error)

	// List reads.
	ListMembers(ctx context.Context, key string) ([]string, error)

	// Plain key/value reads. Returns ErrKeyNotFound when the key is absent.
	Get(ctx context.Context, key string) (string, error)
}
