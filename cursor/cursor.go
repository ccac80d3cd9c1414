// Package cursor tracks pull high-water marks. A cursor is the last server
// version a device has applied from one remote, so the next pull asks only
// for operations accepted after it.
package cursor

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/c0deZ3R0/offsync/errors"
	"github.com/c0deZ3R0/offsync/storage"
)

const prefix = "meta/cursor/"

// Cursor is a monotonic server sequence number. The zero value means
// "nothing pulled yet".
type Cursor struct {
	Seq uint64
}

// New returns a cursor at seq.
func New(seq uint64) Cursor { return Cursor{Seq: seq} }

// Parse reads the decimal form used in the `since` query parameter. The
// empty string is the zero cursor.
func Parse(s string) (Cursor, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Cursor{}, nil
	}
	seq, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid cursor %q: %w", s, err)
	}
	return Cursor{Seq: seq}, nil
}

func (c Cursor) String() string { return strconv.FormatUint(c.Seq, 10) }

// IsZero reports whether nothing has been pulled yet.
func (c Cursor) IsZero() bool { return c.Seq == 0 }

// Compare returns -1, 0 or 1.
func (c Cursor) Compare(other Cursor) int {
	switch {
	case c.Seq < other.Seq:
		return -1
	case c.Seq > other.Seq:
		return 1
	}
	return 0
}

// Advance returns the later of c and seq. Cursors never move backwards.
func (c Cursor) Advance(seq uint64) Cursor {
	if seq > c.Seq {
		return Cursor{Seq: seq}
	}
	return c
}

func (c Cursor) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Cursor) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// EncodeUvarint is the on-disk form of a cursor.
func EncodeUvarint(u uint64) []byte {
	buf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(buf, u)
	return buf[:n]
}

func decode(key string, data []byte) (Cursor, error) {
	seq, n := binary.Uvarint(data)
	if n <= 0 {
		return Cursor{}, errors.NewStorageError(errors.OpLoad, fmt.Errorf("corrupted cursor %s", key))
	}
	return Cursor{Seq: seq}, nil
}

// Store keeps named cursors next to the operation log, one per remote.
type Store struct {
	provider storage.Provider

	mu    sync.Mutex
	cache map[string]Cursor
}

// NewStore returns a cursor store backed by provider.
func NewStore(provider storage.Provider) *Store {
	return &Store{provider: provider, cache: make(map[string]Cursor)}
}

func key(name string) string { return prefix + name }

// Load returns the cursor saved under name, or the zero cursor.
func (s *Store) Load(ctx context.Context, name string) (Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx, name)
}

func (s *Store) load(ctx context.Context, name string) (Cursor, error) {
	if c, ok := s.cache[name]; ok {
		return c, nil
	}
	data, err := s.provider.Get(ctx, key(name))
	if errors.IsNotFound(err) {
		return Cursor{}, nil
	}
	if err != nil {
		return Cursor{}, err
	}
	c, err := decode(key(name), data)
	if err != nil {
		return Cursor{}, err
	}
	s.cache[name] = c
	return c, nil
}

// Save advances the named cursor to c and returns the stored value. A
// cursor older than the stored one is ignored.
func (s *Store) Save(ctx context.Context, name string, c Cursor) (Cursor, error) {
	if name == "" {
		return Cursor{}, errors.NewValidationError(errors.OpStore, fmt.Errorf("cursor name is required"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.load(ctx, name)
	if err != nil {
		return Cursor{}, err
	}
	if c.Compare(current) <= 0 {
		return current, nil
	}
	if err := s.provider.Apply(ctx, storage.Put(key(name), EncodeUvarint(c.Seq))); err != nil {
		return current, err
	}
	s.cache[name] = c
	return c, nil
}

// Reset forgets the named cursor so the next pull starts from the beginning.
func (s *Store) Reset(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.provider.Apply(ctx, storage.Del(key(name))); err != nil {
		return err
	}
	delete(s.cache, name)
	return nil
}

// All returns every saved cursor by name.
func (s *Store) All(ctx context.Context) (map[string]Cursor, error) {
	out := make(map[string]Cursor)
	err := s.provider.Scan(ctx, prefix, func(k string, value []byte) error {
		c, err := decode(k, value)
		if err != nil {
			return err
		}
		out[strings.TrimPrefix(k, prefix)] = c
		return nil
	})
	return out, err
}
