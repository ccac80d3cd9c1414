// Package oplog is the durable, append-only log of operations and their
// sync states. It is the single owner of local sync data: every mutation of
// an operation, an entity state or a conflict record goes through it and is
// committed to the storage provider in one atomic write.
package oplog

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c0deZ3R0/offsync/errors"
	"github.com/c0deZ3R0/offsync/logging"
	"github.com/c0deZ3R0/offsync/storage"
	"github.com/c0deZ3R0/offsync/synckit"
)

const component = "oplog"

// Entry pairs an operation with its current sync state.
type Entry struct {
	Operation synckit.Operation `json:"operation"`
	State     synckit.SyncState `json:"state"`
}

// Stats is a point-in-time count of the log's contents.
type Stats struct {
	Pending       int `json:"pending"`
	InFlight      int `json:"in_flight"`
	Completed     int `json:"completed"`
	Failed        int `json:"failed"`
	Entities      int `json:"entities"`
	OpenConflicts int `json:"open_conflicts"`
	Compacted     int `json:"compacted"`
}

type options struct {
	logger   *logging.Logger
	resolver *synckit.Resolver
	now      func() time.Time
	newID    func() string
	stripes  int
}

// Option implements the functional options pattern for Open.
type Option interface{ apply(*options) }

type optionFn func(*options)

func (f optionFn) apply(o *options) { f(o) }

// WithLogger sets the logger. Defaults to the "oplog" component logger.
func WithLogger(l *logging.Logger) Option {
	return optionFn(func(o *options) { o.logger = l })
}

// WithResolver sets the resolver used for concurrent operations. Defaults to
// last-writer-wins for every entity type.
func WithResolver(r *synckit.Resolver) Option {
	return optionFn(func(o *options) { o.resolver = r })
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return optionFn(func(o *options) { o.now = now })
}

// WithIDGenerator overrides uuid.NewString for operation and conflict ids.
func WithIDGenerator(f func() string) Option {
	return optionFn(func(o *options) { o.newID = f })
}

// WithStripes sets the number of entity lock stripes (default 64).
func WithStripes(n int) Option {
	return optionFn(func(o *options) { o.stripes = n })
}

// Log is the operation log of one participant.
type Log struct {
	store    storage.Provider
	device   string
	resolver *synckit.Resolver
	logger   *logging.Logger
	now      func() time.Time
	newID    func() string

	// stripes serialize writers per entity
	stripes []sync.Mutex

	mu        sync.RWMutex
	entries   map[string]*Entry
	byEntity  map[synckit.EntityKey]map[string]struct{}
	entities  map[synckit.EntityKey]synckit.EntityState
	conflicts map[string]synckit.ConflictRecord
	gone      map[string]struct{}
	closed    bool
}

// Open loads the log from store. Operations left InFlight by a previous
// process have no owner any more and are returned to Pending.
func Open(ctx context.Context, store storage.Provider, deviceID string, opts ...Option) (*Log, error) {
	if deviceID == "" {
		return nil, errors.NewValidationError(errors.OpLoad, fmt.Errorf("device id is required"))
	}
	cfg := &options{
		now:     time.Now,
		newID:   uuid.NewString,
		stripes: 64,
	}
	for _, opt := range opts {
		opt.apply(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logging.Default().WithComponent(component)
	}
	if cfg.resolver == nil {
		cfg.resolver = synckit.NewResolver(synckit.WithLogger(cfg.logger))
	}
	if cfg.stripes <= 0 {
		cfg.stripes = 1
	}

	l := &Log{
		store:     store,
		device:    deviceID,
		resolver:  cfg.resolver,
		logger:    cfg.logger.WithDevice(deviceID),
		now:       cfg.now,
		newID:     cfg.newID,
		stripes:   make([]sync.Mutex, cfg.stripes),
		entries:   make(map[string]*Entry),
		byEntity:  make(map[synckit.EntityKey]map[string]struct{}),
		entities:  make(map[synckit.EntityKey]synckit.EntityState),
		conflicts: make(map[string]synckit.ConflictRecord),
		gone:      make(map[string]struct{}),
	}
	if err := l.load(ctx); err != nil {
		return nil, err
	}
	if err := l.recoverAfterRestart(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) load(ctx context.Context) error {
	corrupt := func(key string, err error) error {
		return errors.NewStorageError(errors.OpLoad, fmt.Errorf("corrupted record %s: %w", key, err))
	}

	err := l.store.Scan(ctx, prefixOp, func(key string, value []byte) error {
		var op synckit.Operation
		if err := json.Unmarshal(value, &op); err != nil {
			return corrupt(key, err)
		}
		l.entries[op.ID] = &Entry{Operation: op, State: synckit.SyncState{Status: synckit.StatusPending}}
		l.index(op)
		return nil
	})
	if err != nil {
		return err
	}

	err = l.store.Scan(ctx, prefixState, func(key string, value []byte) error {
		id := key[len(prefixState):]
		e, ok := l.entries[id]
		if !ok {
			l.logger.Warn("sync state without operation", slog.String("operation_id", id))
			return nil
		}
		if err := json.Unmarshal(value, &e.State); err != nil {
			return corrupt(key, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = l.store.Scan(ctx, prefixEntity, func(key string, value []byte) error {
		var s synckit.EntityState
		if err := json.Unmarshal(value, &s); err != nil {
			return corrupt(key, err)
		}
		l.entities[s.Key()] = s
		return nil
	})
	if err != nil {
		return err
	}

	err = l.store.Scan(ctx, prefixConflict, func(key string, value []byte) error {
		var c synckit.ConflictRecord
		if err := json.Unmarshal(value, &c); err != nil {
			return corrupt(key, err)
		}
		l.conflicts[c.ID] = c
		return nil
	})
	if err != nil {
		return err
	}

	return l.store.Scan(ctx, prefixGone, func(key string, _ []byte) error {
		l.gone[key[len(prefixGone):]] = struct{}{}
		return nil
	})
}

func (l *Log) recoverAfterRestart(ctx context.Context) error {
	var ids []string
	for id, e := range l.entries {
		if e.State.Status == synckit.StatusInFlight {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	sort.Strings(ids)
	if err := l.MarkMany(ctx, ids, synckit.StatusPending, nil); err != nil {
		return err
	}
	l.logger.Warn("returned interrupted operations to pending", slog.Int("count", len(ids)))
	return nil
}

// index must be called with l.mu held for writing (or during load).
func (l *Log) index(op synckit.Operation) {
	key := op.EntityKey()
	set, ok := l.byEntity[key]
	if !ok {
		set = make(map[string]struct{})
		l.byEntity[key] = set
	}
	set[op.ID] = struct{}{}
}

func (l *Log) stripe(key synckit.EntityKey) int {
	h := fnv.New32a()
	h.Write([]byte(key.Type))
	h.Write([]byte{0})
	h.Write([]byte(key.ID))
	return int(h.Sum32() % uint32(len(l.stripes)))
}

// lock takes the stripes of every key in ascending order and returns the
// matching unlock function.
func (l *Log) lock(keys ...synckit.EntityKey) func() {
	idx := make([]int, 0, len(keys))
	seen := make(map[int]bool, len(keys))
	for _, k := range keys {
		i := l.stripe(k)
		if !seen[i] {
			seen[i] = true
			idx = append(idx, i)
		}
	}
	sort.Ints(idx)
	for _, i := range idx {
		l.stripes[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			l.stripes[idx[j]].Unlock()
		}
	}
}

func (l *Log) checkOpen(op errors.Operation) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return errors.NewStorageError(op, errors.ErrClosed)
	}
	return nil
}

func (l *Log) known(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, ok := l.entries[id]; ok {
		return true
	}
	_, ok := l.gone[id]
	return ok
}

func (l *Log) commit(ctx context.Context, op errors.Operation, writes []storage.Write) error {
	if err := l.store.Apply(ctx, writes...); err != nil {
		if errors.IsStorage(err) {
			return err
		}
		return errors.NewStorageError(op, err)
	}
	return nil
}

// Device returns the local device id.
func (l *Log) Device() string { return l.device }

// Resolver returns the resolver used for concurrent operations.
func (l *Log) Resolver() *synckit.Resolver { return l.resolver }

// Store exposes the underlying provider, for callers that keep their own
// small records (pull cursors) next to the log.
func (l *Log) Store() storage.Provider { return l.store }

// Close marks the log closed and closes the storage provider.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.store.Close()
}
