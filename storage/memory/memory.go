// Package memory is an in-process storage.Provider used by tests and by
// devices that run without a database file.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/c0deZ3R0/offsync/errors"
	"github.com/c0deZ3R0/offsync/storage"
)

// Store keeps every key in a map guarded by a RWMutex.
type Store struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool

	// FailApply, when set, is consulted before every Apply. Tests use it to
	// simulate a disk that stops accepting writes.
	FailApply func(writes []storage.Write) error
}

var _ storage.Provider = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.NewStorageError(errors.OpLoad, errors.ErrClosed)
	}
	v, ok := s.data[key]
	if !ok {
		return nil, errors.NewNotFound(errors.OpLoad, "storage", key)
	}
	return append([]byte(nil), v...), nil
}

func (s *Store) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return errors.NewStorageError(errors.OpLoad, errors.ErrClosed)
	}
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	values := make([][]byte, len(keys))
	for i, k := range keys {
		values[i] = s.data[k]
	}
	s.mu.RUnlock()

	for i, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(k, values[i]); err != nil {
			if errors.Is(err, storage.ErrStopScan) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (s *Store) Apply(ctx context.Context, writes ...storage.Write) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.NewStorageError(errors.OpStore, errors.ErrClosed)
	}
	if s.FailApply != nil {
		if err := s.FailApply(writes); err != nil {
			return errors.NewStorageError(errors.OpStore, err)
		}
	}
	for _, w := range writes {
		if w.Delete {
			delete(s.data, w.Key)
			continue
		}
		s.data[w.Key] = append([]byte(nil), w.Value...)
	}
	return nil
}

// Len reports the number of stored keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
