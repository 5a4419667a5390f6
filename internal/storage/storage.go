// Package storage defines the key-value contract the secretd core runs
// against: conditional reads and writes over opaque string keys, with ETags
// providing compare-and-set semantics for the optimistic-concurrency commit
// path.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the requested key is missing.
var (
	ErrNotFound    = errors.New("storage: not found")
	ErrCASMismatch = errors.New("storage: cas mismatch")
)

// ObjectInfo captures metadata returned alongside stored values.
type ObjectInfo struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
}

// GetResult pairs a stored value with its metadata.
type GetResult struct {
	Value []byte
	Info  ObjectInfo
}

// PutOptions controls conditional semantics for Put.
type PutOptions struct {
	// ExpectedETag enables CAS semantics: the write succeeds only while the
	// stored ETag still matches. Empty disables the check.
	ExpectedETag string
	// IfNotExists enforces creation-only semantics. Ignored when ExpectedETag
	// is provided.
	IfNotExists bool
}

// DeleteOptions controls conditional semantics for Delete.
type DeleteOptions struct {
	ExpectedETag   string
	IgnoreNotFound bool
}

// ListOptions guides List traversal.
type ListOptions struct {
	Prefix     string
	StartAfter string
	Limit      int
}

// ListResult captures the outcome of a List call.
type ListResult struct {
	Objects        []ObjectInfo
	NextStartAfter string
	Truncated      bool
}

// Backend is the storage contract expected by the server. Every successful
// Put mints a fresh opaque ETag; List returns keys in ascending lexical
// order.
type Backend interface {
	// Get fetches the value and metadata for key.
	Get(ctx context.Context, key string) (GetResult, error)
	// Put writes value to key, applying conditional semantics when
	// opts.ExpectedETag or opts.IfNotExists are set.
	Put(ctx context.Context, key string, value []byte, opts PutOptions) (ObjectInfo, error)
	// Delete removes key, optionally enforcing a matching ETag.
	Delete(ctx context.Context, key string, opts DeleteOptions) error
	// List enumerates keys under opts.Prefix in ascending lexical order,
	// resuming after opts.StartAfter and bounded by opts.Limit when > 0.
	List(ctx context.Context, opts ListOptions) (ListResult, error)
	// Close releases backend resources.
	Close() error
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable by the retry wrapper.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
