// Package storage defines the shared column-store contract the consistent-key
// lock strategy writes its claims through.
//
// A store is addressed as (store, key, column) → value. Backends are not
// required to offer transactions, compare-and-swap or read-your-writes
// consistency; the locking protocol copes with all three being absent.
package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNotFound indicates the requested row or column is missing.
	ErrNotFound = errors.New("storage: not found")
	// ErrNotImplemented indicates an optional capability is unavailable.
	ErrNotImplemented = errors.New("storage: not implemented")
	// ErrClosed is returned by backends after Close.
	ErrClosed = errors.New("storage: closed")
)

// Entry is one column of a row.
type Entry struct {
	Column []byte
	Value  []byte
}

// Store is the shared-storage collaborator.
type Store interface {
	// WriteColumn stores value under (store, key, column), replacing any prior value.
	WriteColumn(ctx context.Context, store string, key, column, value []byte) error
	// ReadRow returns every column currently visible for key, ordered by column.
	// A missing row yields an empty slice and no error.
	ReadRow(ctx context.Context, store string, key []byte) ([]Entry, error)
	// DeleteColumn removes (store, key, column). Missing columns yield ErrNotFound.
	DeleteColumn(ctx context.Context, store string, key, column []byte) error
	Close() error
}

// RowLister is implemented by backends able to enumerate the keys of a store.
type RowLister interface {
	ListRows(ctx context.Context, store string) ([][]byte, error)
}

// RowChangeSubscription receives a signal whenever the watched row changes.
// Signals coalesce; consumers re-read the row on every event.
type RowChangeSubscription interface {
	Events() <-chan struct{}
	Close() error
}

// RowChangeFeed indicates the backend can emit change notifications per row.
type RowChangeFeed interface {
	SubscribeRowChanges(store string, key []byte) (RowChangeSubscription, error)
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
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

// ValidateStore rejects store names that cannot be used as a path segment.
func ValidateStore(store string) error {
	if strings.TrimSpace(store) == "" {
		return fmt.Errorf("storage: store name required")
	}
	if strings.ContainsAny(store, "/\\") || store == "." || store == ".." {
		return fmt.Errorf("storage: invalid store name %q", store)
	}
	return nil
}

// EncodeSegment renders arbitrary bytes as a path-safe segment. Object and
// file backends use it for keys and columns.
func EncodeSegment(b []byte) string {
	if len(b) == 0 {
		return "_"
	}
	return hex.EncodeToString(b)
}

// DecodeSegment reverses EncodeSegment.
func DecodeSegment(s string) ([]byte, error) {
	if s == "_" {
		return []byte{}, nil
	}
	out, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("storage: decode segment %q: %w", s, err)
	}
	return out, nil
}

// RowPrefix is the object-name prefix holding every column of key.
func RowPrefix(store string, key []byte) string {
	return store + "/" + EncodeSegment(key) + "/"
}

// ColumnObject is the object name holding one column.
func ColumnObject(store string, key, column []byte) string {
	return RowPrefix(store, key) + EncodeSegment(column)
}

// SortEntries orders entries by column bytes.
func SortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return string(entries[i].Column) < string(entries[j].Column)
	})
}

// Clone returns a deep copy of b so callers may retain it.
func Clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
