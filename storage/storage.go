// Package storage defines the durable key/value surface the operation log is
// built on. Providers keep keys in byte order, so a prefix scan returns
// records grouped and sorted by their key layout.
package storage

import (
	"context"
	stderrors "errors"
)

// ErrStopScan can be returned from a Scan callback to end the scan early
// without reporting an error.
var ErrStopScan = stderrors.New("stop scan")

// Write is one element of an atomic batch.
type Write struct {
	Key    string
	Value  []byte
	Delete bool
}

// Put builds a write that stores value under key.
func Put(key string, value []byte) Write {
	return Write{Key: key, Value: value}
}

// Del builds a write that removes key.
func Del(key string) Write {
	return Write{Key: key, Delete: true}
}

// Provider is a durable, ordered key/value store.
//
// Implementations must make Apply atomic: after a crash either every write
// in the batch is visible or none is. Get returns an error matching
// errors.IsNotFound for missing keys.
type Provider interface {
	Get(ctx context.Context, key string) ([]byte, error)

	// Scan calls fn for every key starting with prefix, in ascending key
	// order. Values passed to fn must not be retained after it returns.
	Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error

	Apply(ctx context.Context, writes ...Write) error

	Close() error
}

// PrefixEnd returns the smallest key greater than every key with the given
// prefix, or "" when no such bound exists.
func PrefixEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}
