// Package batcher groups pending operations into bounded batches and paces
// their delivery by priority, waiting time and available resources.
package batcher

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c0deZ3R0/offsync/errors"
	"github.com/c0deZ3R0/offsync/logging"
	"github.com/c0deZ3R0/offsync/synckit"
)

// Source looks up the operation behind a queued id.
type Source interface {
	Operation(ctx context.Context, id string) (synckit.Operation, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, id string) (synckit.Operation, error)

func (f SourceFunc) Operation(ctx context.Context, id string) (synckit.Operation, error) {
	return f(ctx, id)
}

type item struct {
	op       synckit.Operation
	priority synckit.Priority
	size     int
	// since is when the operation started waiting: its creation time, or
	// the time it was queued if that is earlier. It survives retries and
	// refills from the log.
	since     time.Time
	notBefore time.Time
}

func (it *item) effective(now time.Time, aging time.Duration) synckit.Priority {
	if aging <= 0 {
		return it.priority
	}
	waited := now.Sub(it.since)
	if waited < aging {
		return it.priority
	}
	return it.priority.Promote(int(waited / aging))
}

type flight struct {
	items []*item
	keys  []synckit.EntityKey
}

// Pace is the current adaptive batch size and loop interval.
type Pace struct {
	Size       int           `json:"size"`
	Interval   time.Duration `json:"interval"`
	Multiplier float64       `json:"multiplier"`
}

// Queued describes one operation waiting in the queue.
type Queued struct {
	ID        string            `json:"id"`
	Entity    synckit.EntityKey `json:"entity"`
	Priority  synckit.Priority  `json:"priority"`
	Effective synckit.Priority  `json:"effective"`
	Since     time.Time         `json:"since"`
	NotBefore time.Time         `json:"not_before,omitempty"`
}

// Batcher is the in-memory queue of operations awaiting delivery. The
// operation log stays the source of truth; the batcher only decides what
// goes out next.
type Batcher struct {
	cfg    Config
	source Source
	logger *logging.Logger

	mu       sync.Mutex
	queued   map[string]*item
	flights  map[string]*flight
	taken    map[string]string
	reserved map[synckit.EntityKey]string
	size     int
	interval time.Duration
	pace     float64
	running  bool

	signal chan struct{}
}

// New creates a batcher reading operations from source. A nil config uses
// DefaultConfig().
func New(source Source, config *Config) (*Batcher, error) {
	if source == nil {
		return nil, configError(fmt.Errorf("source is required"))
	}
	var cfg Config
	if config != nil {
		cfg = *config
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, configError(err)
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Batcher{
		cfg:      cfg,
		source:   source,
		logger:   cfg.Logger,
		queued:   make(map[string]*item),
		flights:  make(map[string]*flight),
		taken:    make(map[string]string),
		reserved: make(map[synckit.EntityKey]string),
		size:     cfg.MaxItems,
		interval: cfg.Interval,
		pace:     1,
		signal:   make(chan struct{}, 1),
	}, nil
}

// Enqueue queues operation id at priority. Enqueueing an id that is already
// queued or in a batch is a no-op, except that a higher priority is kept.
func (b *Batcher) Enqueue(ctx context.Context, id string, priority synckit.Priority) error {
	return b.EnqueueAfter(ctx, id, priority, 0)
}

// EnqueueAfter is Enqueue with the operation held back for delay.
func (b *Batcher) EnqueueAfter(ctx context.Context, id string, priority synckit.Priority, delay time.Duration) error {
	if !priority.Valid() {
		return errors.NewValidationError(errors.OpEnqueue, fmt.Errorf("invalid priority %d", int(priority)))
	}
	if b.bump(id, priority) {
		return nil
	}
	op, err := b.source.Operation(ctx, id)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", id, err)
	}
	b.add(op, priority, delay)
	return nil
}

// Add queues an operation the caller already holds, at its own priority.
func (b *Batcher) Add(op synckit.Operation, delay time.Duration) error {
	if op.ID == "" || !op.Priority.Valid() {
		return errors.NewValidationError(errors.OpEnqueue, fmt.Errorf("operation %q cannot be queued", op.ID))
	}
	if !b.bump(op.ID, op.Priority) {
		b.add(op, op.Priority, delay)
	}
	return nil
}

// bump raises the priority of a known id and reports whether it was known.
func (b *Batcher) bump(id string, priority synckit.Priority) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if it, ok := b.queued[id]; ok {
		if priority > it.priority {
			it.priority = priority
		}
		return true
	}
	_, inFlight := b.taken[id]
	return inFlight
}

func (b *Batcher) add(op synckit.Operation, priority synckit.Priority, delay time.Duration) {
	now := b.cfg.Now()
	b.mu.Lock()
	if _, ok := b.queued[op.ID]; ok {
		b.mu.Unlock()
		return
	}
	if _, ok := b.taken[op.ID]; ok {
		b.mu.Unlock()
		return
	}
	since := now
	if !op.CreatedAt.IsZero() && op.CreatedAt.Before(now) {
		since = op.CreatedAt
	}
	it := &item{op: op, priority: priority, size: op.EncodedSize(), since: since}
	if delay > 0 {
		it.notBefore = now.Add(delay)
	}
	b.queued[op.ID] = it
	b.mu.Unlock()

	if priority == synckit.PriorityCritical && delay <= 0 {
		b.Kick()
	}
}

// Remove drops a queued id. It reports whether the id was queued.
func (b *Batcher) Remove(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queued[id]; !ok {
		return false
	}
	delete(b.queued, id)
	return true
}

// Expedite clears the retry delay of every queued operation and reports
// how many were held back.
func (b *Batcher) Expedite() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, it := range b.queued {
		if !it.notBefore.IsZero() {
			it.notBefore = time.Time{}
			n++
		}
	}
	return n
}

// Kick wakes the run loop for an early cycle.
func (b *Batcher) Kick() {
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

// NextBatch selects up to maxItems operations totalling at most maxBytes
// (non-positive values use the configured bounds). Operations are taken by
// effective priority, where waiting promotes one class per AgingThreshold.
// Within an entity operations leave in replay order, and an entity whose
// earlier batch is still outstanding is skipped entirely. The returned
// batch must be released with Done or Retry.
func (b *Batcher) NextBatch(maxItems, maxBytes int) synckit.Batch {
	if maxItems <= 0 {
		maxItems = b.cfg.MaxItems
	}
	if maxBytes <= 0 {
		maxBytes = b.cfg.MaxBytes
	}
	now := b.cfg.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	byEntity := make(map[synckit.EntityKey][]*item)
	for _, it := range b.queued {
		key := it.op.EntityKey()
		if _, busy := b.reserved[key]; busy {
			continue
		}
		byEntity[key] = append(byEntity[key], it)
	}
	h := make(laneHeap, 0, len(byEntity))
	for _, items := range byEntity {
		sort.Slice(items, func(i, j int) bool { return synckit.ReplayLess(items[i].op, items[j].op) })
		ln := &lane{items: items}
		if ln.refresh(now, b.cfg.AgingThreshold) {
			h = append(h, ln)
		}
	}
	heap.Init(&h)

	var taken []*item
	bytes := 0
	top := synckit.PriorityLow
	for h.Len() > 0 && len(taken) < maxItems {
		ln := h[0]
		it := ln.items[0]
		if len(taken) > 0 && bytes+it.size > maxBytes {
			break
		}
		taken = append(taken, it)
		bytes += it.size
		if eff := it.effective(now, b.cfg.AgingThreshold); eff > top {
			top = eff
		}
		ln.items = ln.items[1:]
		if ln.refresh(now, b.cfg.AgingThreshold) {
			heap.Fix(&h, 0)
		} else {
			heap.Pop(&h)
		}
	}
	if len(taken) == 0 {
		return synckit.Batch{}
	}

	batch := synckit.Batch{
		ID:         b.cfg.NewID(),
		Priority:   top,
		Operations: make([]synckit.Operation, len(taken)),
		Bytes:      bytes,
		CreatedAt:  now,
	}
	f := &flight{items: taken}
	seen := make(map[synckit.EntityKey]bool)
	for i, it := range taken {
		batch.Operations[i] = it.op
		delete(b.queued, it.op.ID)
		b.taken[it.op.ID] = batch.ID
		key := it.op.EntityKey()
		if !seen[key] {
			seen[key] = true
			f.keys = append(f.keys, key)
			b.reserved[key] = batch.ID
		}
	}
	b.flights[batch.ID] = f

	b.logger.Debug("batch selected",
		slog.String("batch_id", batch.ID),
		slog.Int("operations", len(taken)),
		slog.Int("bytes", bytes),
		slog.String("priority", top.String()),
		slog.Int("remaining", len(b.queued)),
	)
	return batch
}

// Done releases a batch. Its operations leave the batcher for good.
// Releasing an unknown or already released batch is a no-op.
func (b *Batcher) Done(batchID string) {
	b.Retry(batchID, nil, 0)
}

// Retry releases a batch and puts ids back in the queue, eligible again
// after delay. The other operations of the batch are dropped. Requeued
// operations keep their original waiting time for aging.
func (b *Batcher) Retry(batchID string, ids []string, delay time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.flights[batchID]
	if !ok {
		return
	}
	delete(b.flights, batchID)
	for _, key := range f.keys {
		if b.reserved[key] == batchID {
			delete(b.reserved, key)
		}
	}
	retry := make(map[string]bool, len(ids))
	for _, id := range ids {
		retry[id] = true
	}
	now := b.cfg.Now()
	for _, it := range f.items {
		delete(b.taken, it.op.ID)
		if !retry[it.op.ID] {
			continue
		}
		it.notBefore = time.Time{}
		if delay > 0 {
			it.notBefore = now.Add(delay)
		}
		b.queued[it.op.ID] = it
	}
}

// Len is the number of queued operations, excluding those in a batch.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queued)
}

// InFlight is the number of operations in unreleased batches.
func (b *Batcher) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.taken)
}

// Snapshot lists queued operations in the order NextBatch would consider
// their priority, ignoring entity ordering.
func (b *Batcher) Snapshot() []Queued {
	now := b.cfg.Now()
	b.mu.Lock()
	out := make([]Queued, 0, len(b.queued))
	for _, it := range b.queued {
		out = append(out, Queued{
			ID:        it.op.ID,
			Entity:    it.op.EntityKey(),
			Priority:  it.priority,
			Effective: it.effective(now, b.cfg.AgingThreshold),
			Since:     it.since,
			NotBefore: it.notBefore,
		})
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Effective != out[j].Effective {
			return out[i].Effective > out[j].Effective
		}
		if !out[i].Since.Equal(out[j].Since) {
			return out[i].Since.Before(out[j].Since)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SetPace multiplies the loop interval, for example while the remote is
// unreachable. Values below 1 reset it.
func (b *Batcher) SetPace(multiplier float64) {
	if multiplier < 1 {
		multiplier = 1
	}
	b.mu.Lock()
	changed := b.pace != multiplier
	b.pace = multiplier
	b.mu.Unlock()
	if changed {
		b.logger.Info("batch pace changed", slog.Float64("multiplier", multiplier))
	}
}

// Pace returns the current adaptive pacing.
func (b *Batcher) Pace() Pace {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Pace{Size: b.size, Interval: b.interval, Multiplier: b.pace}
}

// lane is the queue of one entity in replay order. Its rank in the heap is
// the highest effective priority among its items, so an urgent operation
// pulls its predecessors along instead of waiting behind them.
type lane struct {
	items []*item
	prio  synckit.Priority
}

// refresh recomputes the lane priority and reports whether its head is
// eligible now.
func (ln *lane) refresh(now time.Time, aging time.Duration) bool {
	if len(ln.items) == 0 || ln.items[0].notBefore.After(now) {
		return false
	}
	ln.prio = synckit.PriorityLow
	for _, it := range ln.items {
		if it.notBefore.After(now) {
			break
		}
		if eff := it.effective(now, aging); eff > ln.prio {
			ln.prio = eff
		}
	}
	return true
}

type laneHeap []*lane

func (h laneHeap) Len() int { return len(h) }

func (h laneHeap) Less(i, j int) bool {
	if h[i].prio != h[j].prio {
		return h[i].prio > h[j].prio
	}
	return synckit.ReplayLess(h[i].items[0].op, h[j].items[0].op)
}

func (h laneHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *laneHeap) Push(x any) { *h = append(*h, x.(*lane)) }

func (h *laneHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
