package synckit

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/c0deZ3R0/offsync/logging"
	"github.com/c0deZ3R0/offsync/version"
)

// Merger is the Strategy interface for converging two concurrent states of
// one entity. Implementations must be commutative, associative and
// idempotent: Merge(a, b) == Merge(b, a), Merge(Merge(a, b), c) ==
// Merge(a, Merge(b, c)) and Merge(a, a) == a. Replicas that see the same set
// of operations in any order then converge without coordination.
type Merger interface {
	Merge(a, b EntityState) (EntityState, error)
}

// MergeFunc adapts a function to the Merger interface.
type MergeFunc func(a, b EntityState) (EntityState, error)

func (f MergeFunc) Merge(a, b EntityState) (EntityState, error) { return f(a, b) }

// Resolution is the outcome of resolving an incoming operation against the
// current state of its entity.
type Resolution struct {
	// State is the converged state to store. When Conflict is set it holds
	// a provisional last-writer-wins value.
	State EntityState
	// Conflict is non-nil when the heads could not be merged automatically.
	// Its ID is the current open conflict id, or empty for a new conflict.
	Conflict *ConflictRecord
	// Strategy names the merger that produced State.
	Strategy string
	// Superseded is set when an existing head had already observed the
	// incoming operation, leaving the heads unchanged.
	Superseded bool
}

// Hooks provides optional callbacks for observability around resolution.
// All hooks are optional; nil functions are safe no-ops.
type Hooks struct {
	OnResolved func(key EntityKey, strategy string, result EntityState)
	OnConflict func(record ConflictRecord)
	OnError    func(key EntityKey, err error)
}

type resolverOptions struct {
	fallback   Merger
	fallbackNm string
	strategies map[string]namedMerger
	logger     *logging.Logger
	hooks      Hooks
	clock      func() time.Time
}

type namedMerger struct {
	name   string
	merger Merger
}

// Option implements the functional options pattern for Resolver construction.
type Option interface{ apply(*resolverOptions) }

type optionFn func(*resolverOptions)

func (f optionFn) apply(o *resolverOptions) { f(o) }

// WithStrategy registers a merger for one entity type, overriding the default rule.
func WithStrategy(entityType, name string, m Merger) Option {
	return optionFn(func(o *resolverOptions) {
		o.strategies[entityType] = namedMerger{name: name, merger: m}
	})
}

// WithMergeFunc registers a plain function for one entity type.
func WithMergeFunc(entityType string, f MergeFunc) Option {
	return WithStrategy(entityType, "custom", f)
}

// WithManual disables automatic merging for the given entity types. Concurrent
// operations on them produce ConflictRecords.
func WithManual(entityTypes ...string) Option {
	return optionFn(func(o *resolverOptions) {
		for _, t := range entityTypes {
			o.strategies[t] = namedMerger{name: StrategyManual, merger: Manual{}}
		}
	})
}

// WithDefault replaces last-writer-wins as the rule for unregistered types.
// Passing Manual{} disables automatic merging everywhere.
func WithDefault(name string, m Merger) Option {
	return optionFn(func(o *resolverOptions) {
		o.fallback = m
		o.fallbackNm = name
	})
}

// WithLogger attaches a logger; resolutions are logged at debug level.
func WithLogger(l *logging.Logger) Option {
	return optionFn(func(o *resolverOptions) { o.logger = l })
}

// WithHooks sets optional observability hooks. Zero-value safe.
func WithHooks(h Hooks) Option { return optionFn(func(o *resolverOptions) { o.hooks = h }) }

// WithClock overrides time.Now for conflict timestamps.
func WithClock(now func() time.Time) Option {
	return optionFn(func(o *resolverOptions) { o.clock = now })
}

// Resolver dispatches concurrent operations to the merger registered for
// their entity type, falling back to last-writer-wins. The registry is fixed
// at construction.
type Resolver struct {
	fallback   namedMerger
	strategies map[string]namedMerger
	logger     *logging.Logger
	hooks      Hooks
	now        func() time.Time
}

// NewResolver constructs a Resolver. Without options every entity type uses
// last-writer-wins.
func NewResolver(opts ...Option) *Resolver {
	cfg := &resolverOptions{
		fallback:   LastWriterWins{},
		fallbackNm: StrategyLWW,
		strategies: make(map[string]namedMerger),
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt.apply(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logging.Default().WithComponent("resolver")
	}

	return &Resolver{
		fallback:   namedMerger{name: cfg.fallbackNm, merger: cfg.fallback},
		strategies: cfg.strategies,
		logger:     cfg.logger,
		hooks:      cfg.hooks,
		now:        cfg.clock,
	}
}

func (r *Resolver) strategyFor(entityType string) namedMerger {
	if s, ok := r.strategies[entityType]; ok {
		return s
	}
	return r.fallback
}

// StrategyName reports which rule applies to entityType.
func (r *Resolver) StrategyName(entityType string) string {
	return r.strategyFor(entityType).name
}

// IsManual reports whether concurrent edits of entityType need a human decision.
func (r *Resolver) IsManual(entityType string) bool {
	_, manual := r.strategyFor(entityType).merger.(Manual)
	return manual
}

// Strategies lists the registered entity types and their rule names.
func (r *Resolver) Strategies() map[string]string {
	out := make(map[string]string, len(r.strategies))
	for t, s := range r.strategies {
		out[t] = s.name
	}
	return out
}

// Merge converges two states of the same entity with the registered rule.
// The heads of the result are the causally maximal operations of both
// sides, and its value is the registered merger folded over them in stamp
// order, so the result depends only on the set of operations seen. The
// clock is the join of both clocks.
func (r *Resolver) Merge(a, b EntityState) (EntityState, error) {
	s := r.strategyFor(a.EntityType)
	heads := maximal(append(append([]Head(nil), a.headList()...), b.headList()...))
	merged, err := fold(a.Key(), heads, s.merger)
	if err != nil {
		return EntityState{}, err
	}
	merged.Clock = version.Join(a.Clock, b.Clock)
	return merged, nil
}

// fold merges heads in stamp order. A single head needs no merger, so even a
// manual entity type folds cleanly once one operation dominates the others.
func fold(key EntityKey, heads []Head, m Merger) (EntityState, error) {
	if len(heads) == 0 {
		return EntityState{}, fmt.Errorf("no operations for %s", key)
	}
	state := heads[0].state(key)
	for _, h := range heads[1:] {
		next, err := m.Merge(state, h.state(key))
		if err != nil {
			return EntityState{}, err
		}
		state = next
	}
	state.EntityType = key.Type
	state.EntityID = key.ID
	state.Heads = heads
	state.Winner = heads[len(heads)-1].Stamp
	state.ConflictID = ""
	return state, nil
}

// Resolve folds an incoming operation into the current state of its entity.
//
// An incoming operation already observed by a head leaves the heads
// unchanged (Superseded). One that observed every head replaces them. A
// concurrent one becomes an additional head and the registered merger
// combines the heads. For manual entity types, or when the merger fails,
// the state shows the last-writer-wins value of the heads as a provisional
// value and a ConflictRecord listing every head is returned.
func (r *Resolver) Resolve(current EntityState, incoming Operation) Resolution {
	key := incoming.EntityKey()
	s := r.strategyFor(incoming.EntityType)

	if current.EntityType == "" {
		current = EntityState{EntityType: key.Type, EntityID: key.ID}
	}
	heads := maximal(append(append([]Head(nil), current.headList()...), HeadOf(incoming)))
	res := Resolution{Strategy: s.name}
	res.Superseded = !containsHead(heads, incoming.ID)

	merged, err := fold(key, heads, s.merger)
	if err == nil {
		merged.Clock = version.Join(current.Clock, incoming.Version)
		res.State = merged
		if len(heads) > 1 {
			r.logger.Debug("resolved concurrent operation",
				slog.String("entity", key.String()),
				slog.String("operation_id", incoming.ID),
				slog.String("strategy", s.name),
				slog.Int("heads", len(heads)),
			)
			if r.hooks.OnResolved != nil {
				r.hooks.OnResolved(key, s.name, merged)
			}
		}
		return res
	}

	if _, manual := s.merger.(Manual); !manual {
		r.logger.Warn("merge failed, recording conflict",
			slog.String("entity", key.String()),
			slog.String("strategy", s.name),
			slog.String("error", err.Error()),
		)
		if r.hooks.OnError != nil {
			r.hooks.OnError(key, err)
		}
	}

	provisional, _ := fold(key, heads, LastWriterWins{})
	provisional.Clock = version.Join(current.Clock, incoming.Version)
	provisional.ConflictID = current.ConflictID

	ops := make([]Operation, len(heads))
	for i, h := range heads {
		ops[i] = h.Operation(key)
	}
	record := ConflictRecord{
		ID:         current.ConflictID,
		EntityType: key.Type,
		EntityID:   key.ID,
		Status:     ConflictUnresolved,
		Base:       current,
		Operations: ops,
		CreatedAt:  r.now().UTC(),
	}
	if r.hooks.OnConflict != nil {
		r.hooks.OnConflict(record)
	}
	res.State = provisional
	res.Conflict = &record
	res.Strategy = StrategyManual
	return res
}

func containsHead(heads []Head, id string) bool {
	for _, h := range heads {
		if h.Stamp.OperationID == id {
			return true
		}
	}
	return false
}

// ResolveAll folds a set of operations on one entity into a single state.
// The result does not depend on the input order. It fails for manual entity
// types when more than one operation is causally maximal.
func (r *Resolver) ResolveAll(ops ...Operation) (EntityState, error) {
	if len(ops) == 0 {
		return EntityState{}, fmt.Errorf("no operations to resolve")
	}
	key := ops[0].EntityKey()
	heads := make([]Head, 0, len(ops))
	var clock *version.VectorClock
	for _, op := range ops {
		if op.EntityKey() != key {
			return EntityState{}, fmt.Errorf("operation %s targets %s, expected %s", op.ID, op.EntityKey(), key)
		}
		heads = append(heads, HeadOf(op))
		clock = version.Join(clock, op.Version)
	}
	state, err := fold(key, maximal(heads), r.strategyFor(key.Type).merger)
	if err != nil {
		return EntityState{}, err
	}
	state.Clock = clock
	return state, nil
}
