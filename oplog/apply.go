package oplog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/c0deZ3R0/offsync/errors"
	"github.com/c0deZ3R0/offsync/storage"
	"github.com/c0deZ3R0/offsync/synckit"
	"github.com/c0deZ3R0/offsync/version"
)

// Outcome describes what applying an operation did to its entity.
type Outcome int

const (
	// OutcomeApplied means the operation observed every previous head and
	// now defines the entity alone.
	OutcomeApplied Outcome = iota
	// OutcomeMerged means the operation was concurrent with another head
	// and the registered merger combined them.
	OutcomeMerged
	// OutcomeSuperseded means a known operation had already observed it.
	// It is recorded but the entity state is unchanged.
	OutcomeSuperseded
	// OutcomeDuplicate means the id was already known; nothing changed.
	OutcomeDuplicate
	// OutcomeConflict means the heads could not be merged automatically.
	OutcomeConflict
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeMerged:
		return "merged"
	case OutcomeSuperseded:
		return "superseded"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeConflict:
		return "conflict"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// ApplyResult reports the effect of Append, Record or Apply.
type ApplyResult struct {
	Outcome Outcome
	State   synckit.EntityState

	// Conflict is the open conflict record when Outcome is OutcomeConflict.
	Conflict *synckit.ConflictRecord

	// Superseded lists local pending operations that the applied remote
	// operation had already observed; they are now Completed.
	Superseded []string

	// ClosedConflict is the id of a conflict this operation settled.
	ClosedConflict string
}

type applyOptions struct {
	status     synckit.Status
	extra      func(op synckit.Operation) []storage.Write
	resolution *synckit.ConflictResolution
}

// ApplyOption adjusts a single Apply call.
type ApplyOption func(*applyOptions)

// AsPending stores the applied operation as Pending instead of Completed,
// so it is relayed to the remote on the next push. Used when importing
// another device's exchange file.
func AsPending() ApplyOption {
	return func(o *applyOptions) { o.status = synckit.StatusPending }
}

// WithExtraWrites adds caller writes to the same atomic commit. f is only
// called for operations that are not duplicates.
func WithExtraWrites(f func(op synckit.Operation) []storage.Write) ApplyOption {
	return func(o *applyOptions) { o.extra = f }
}

// Append persists a local operation as Pending before returning its id.
// Appending an id that is already known is a no-op.
func (l *Log) Append(ctx context.Context, op synckit.Operation) (string, error) {
	if err := op.Validate(); err != nil {
		return "", err
	}
	unlock := l.lock(op.EntityKey())
	defer unlock()

	if err := l.checkOpen(errors.OpAppend); err != nil {
		return "", err
	}
	if l.known(op.ID) {
		return op.ID, nil
	}
	if _, err := l.ingest(ctx, errors.OpAppend, op, applyOptions{status: synckit.StatusPending}); err != nil {
		return "", err
	}
	return op.ID, nil
}

// Record turns a local mutation into an operation and appends it. The
// operation's version is the entity's clock advanced by this device, so it
// causally follows everything the device knows about the entity.
func (l *Log) Record(ctx context.Context, m synckit.Mutation) (synckit.Operation, error) {
	if m.EntityType == "" || m.EntityID == "" {
		return synckit.Operation{}, errors.NewValidationError(errors.OpRecord, fmt.Errorf("entity_type and entity_id are required"))
	}
	key := synckit.EntityKey{Type: m.EntityType, ID: m.EntityID}
	unlock := l.lock(key)
	defer unlock()

	if err := l.checkOpen(errors.OpRecord); err != nil {
		return synckit.Operation{}, err
	}
	if m.ID != "" {
		if e, err := l.Get(ctx, m.ID); err == nil {
			return e.Operation, nil
		}
		if l.known(m.ID) {
			return synckit.Operation{}, errors.NewValidationError(errors.OpRecord, fmt.Errorf("operation %s was already synced and compacted", m.ID))
		}
	}

	op, err := l.nextLocal(key, m, nil)
	if err != nil {
		return synckit.Operation{}, err
	}
	if _, err := l.ingest(ctx, errors.OpRecord, op, applyOptions{status: synckit.StatusPending}); err != nil {
		return synckit.Operation{}, err
	}
	return op, nil
}

// nextLocal builds a local operation whose clock is the entity clock joined
// with extra, advanced by this device. Caller holds the entity lock.
func (l *Log) nextLocal(key synckit.EntityKey, m synckit.Mutation, extra *version.VectorClock) (synckit.Operation, error) {
	l.mu.RLock()
	current := l.entities[key]
	l.mu.RUnlock()

	clock := version.Join(current.Clock, extra)
	if err := clock.Increment(l.device); err != nil {
		return synckit.Operation{}, errors.NewValidationError(errors.OpRecord, err)
	}
	id := m.ID
	if id == "" {
		id = l.newID()
	}
	op := synckit.Operation{
		ID:           id,
		EntityType:   key.Type,
		EntityID:     key.ID,
		Kind:         m.Kind,
		Payload:      m.Payload,
		Priority:     m.Priority,
		OriginDevice: l.device,
		Version:      clock,
		CreatedAt:    l.now().UTC(),
	}
	if err := op.Validate(); err != nil {
		return synckit.Operation{}, err
	}
	return op, nil
}

// Apply integrates an operation received from a counterpart. It is
// idempotent on the operation id: re-applying a known or compacted id
// returns OutcomeDuplicate and writes nothing. By default the operation is
// stored as Completed, since it was already delivered.
func (l *Log) Apply(ctx context.Context, op synckit.Operation, opts ...ApplyOption) (ApplyResult, error) {
	if err := op.Validate(); err != nil {
		return ApplyResult{}, err
	}
	cfg := applyOptions{status: synckit.StatusCompleted}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.status != synckit.StatusCompleted && cfg.status != synckit.StatusPending {
		return ApplyResult{}, errors.NewValidationError(errors.OpApply, fmt.Errorf("cannot apply an operation as %s", cfg.status))
	}

	unlock := l.lock(op.EntityKey())
	defer unlock()

	if err := l.checkOpen(errors.OpApply); err != nil {
		return ApplyResult{}, err
	}
	if l.known(op.ID) {
		state, _ := l.Entity(op.EntityKey())
		return ApplyResult{Outcome: OutcomeDuplicate, State: state}, nil
	}
	return l.ingest(ctx, errors.OpApply, op, cfg)
}

// ingest folds op into its entity and commits the operation, its sync state,
// the entity state and any conflict changes in one write. Caller holds the
// entity lock and has checked that op.ID is new.
func (l *Log) ingest(ctx context.Context, opName errors.Operation, op synckit.Operation, cfg applyOptions) (ApplyResult, error) {
	key := op.EntityKey()
	now := l.now().UTC()

	l.mu.RLock()
	current, exists := l.entities[key]
	var openConflict *synckit.ConflictRecord
	if exists && current.ConflictID != "" {
		if c, ok := l.conflicts[current.ConflictID]; ok {
			openConflict = &c
		}
	}
	var ownPending []synckit.Operation
	if cfg.status == synckit.StatusCompleted {
		for id := range l.byEntity[key] {
			e := l.entries[id]
			if e.State.Status == synckit.StatusPending && e.Operation.OriginDevice == l.device {
				ownPending = append(ownPending, e.Operation)
			}
		}
	}
	l.mu.RUnlock()

	if !exists {
		current = synckit.EntityState{EntityType: key.Type, EntityID: key.ID}
	}
	res := l.resolver.Resolve(current, op)

	syncState := synckit.SyncState{Status: cfg.status, UpdatedAt: now}
	if cfg.status == synckit.StatusCompleted {
		syncState.SyncedAt = &now
	}

	result := ApplyResult{State: res.State}
	var conflictOut *synckit.ConflictRecord
	switch {
	case res.Superseded:
		result.Outcome = OutcomeSuperseded
		result.State = current
	case res.Conflict != nil:
		record := *res.Conflict
		if openConflict != nil {
			record.ID = openConflict.ID
			record.Base = openConflict.Base
			record.CreatedAt = openConflict.CreatedAt
		} else {
			record.ID = l.newID()
			record.CreatedAt = now
		}
		result.State.ConflictID = record.ID
		result.Outcome = OutcomeConflict
		result.Conflict = &record
		conflictOut = &record
	default:
		result.Outcome = OutcomeApplied
		if len(res.State.Heads) > 1 {
			result.Outcome = OutcomeMerged
		}
		if openConflict != nil {
			closed := *openConflict
			closed.ResolvedAt = &now
			if cfg.resolution != nil {
				closed.Status = synckit.ConflictResolved
				closed.Resolution = cfg.resolution
			} else {
				closed.Status = synckit.ConflictAutoResolved
				closed.Resolution = &synckit.ConflictResolution{Note: "settled by a later operation"}
			}
			closed.Resolution.ResultOperationID = op.ID
			result.ClosedConflict = closed.ID
			conflictOut = &closed
		}
	}

	opData, err := json.Marshal(op)
	if err != nil {
		return ApplyResult{}, errors.NewStorageError(opName, err)
	}
	writes := []storage.Write{
		storage.Put(opKey(op.ID), opData),
		mustPutJSON(stateKey(op.ID), syncState),
	}
	if result.Outcome != OutcomeSuperseded {
		writes = append(writes, mustPutJSON(entityKey(key), result.State))
	}
	if conflictOut != nil {
		writes = append(writes, mustPutJSON(cfKey(conflictOut.ID), *conflictOut))
	}

	superseded := make(map[string]synckit.SyncState)
	for _, own := range ownPending {
		if op.Version.Relate(own.Version) != version.After {
			continue
		}
		// the counterpart could only have observed it if it was delivered
		st := synckit.SyncState{Status: synckit.StatusCompleted, SyncedAt: &now, UpdatedAt: now}
		superseded[own.ID] = st
		result.Superseded = append(result.Superseded, own.ID)
		writes = append(writes, mustPutJSON(stateKey(own.ID), st))
	}
	if cfg.extra != nil {
		writes = append(writes, cfg.extra(op)...)
	}

	if err := l.commit(ctx, opName, writes); err != nil {
		return ApplyResult{}, err
	}

	l.mu.Lock()
	l.entries[op.ID] = &Entry{Operation: op, State: syncState}
	l.index(op)
	if result.Outcome != OutcomeSuperseded {
		l.entities[key] = result.State
	}
	if conflictOut != nil {
		l.conflicts[conflictOut.ID] = *conflictOut
	}
	for id, st := range superseded {
		l.entries[id].State = st
	}
	l.mu.Unlock()

	l.logger.Debug("operation ingested",
		slog.String("operation_id", op.ID),
		slog.String("entity", key.String()),
		slog.String("outcome", result.Outcome.String()),
		slog.String("status", syncState.Status.String()),
	)
	if result.Outcome == OutcomeConflict {
		l.logger.Warn("unresolved conflict recorded",
			slog.String("conflict_id", result.Conflict.ID),
			slog.String("entity", key.String()),
			slog.Int("operations", len(result.Conflict.Operations)),
		)
	}
	return result, nil
}

// mustPutJSON marshals values whose types cannot fail to encode.
func mustPutJSON(key string, v any) storage.Write {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("oplog: encode %s: %v", key, err))
	}
	return storage.Put(key, data)
}

// Choice is a manual decision for a conflict: either one of the conflicting
// operations by id, or an explicit value.
type Choice struct {
	OperationID string
	Kind        synckit.Kind
	Payload     json.RawMessage
	Priority    *synckit.Priority
	Note        string
}

// ResolveConflict records the decision as a new local operation whose
// clock has observed every side of the conflict, so it supersedes them on
// every replica once synced. The operation is Pending and must be pushed.
func (l *Log) ResolveConflict(ctx context.Context, id string, choice Choice) (synckit.Operation, error) {
	record, err := l.Conflict(id)
	if err != nil {
		return synckit.Operation{}, err
	}
	if !record.Open() {
		return synckit.Operation{}, errors.NewInvalidTransition(errors.OpResolve, component, record.Status, synckit.ConflictResolved)
	}

	key := record.Key()
	unlock := l.lock(key)
	defer unlock()

	if err := l.checkOpen(errors.OpResolve); err != nil {
		return synckit.Operation{}, err
	}
	// re-read under the lock; another writer may have settled it
	if record, err = l.Conflict(id); err != nil {
		return synckit.Operation{}, err
	}
	if !record.Open() {
		return synckit.Operation{}, errors.NewInvalidTransition(errors.OpResolve, component, record.Status, synckit.ConflictResolved)
	}

	m := synckit.Mutation{EntityType: key.Type, EntityID: key.ID, Kind: choice.Kind, Payload: choice.Payload}
	var seen *version.VectorClock
	for _, op := range record.Operations {
		seen = version.Join(seen, op.Version)
		if op.Priority > m.Priority {
			m.Priority = op.Priority
		}
		if choice.OperationID != "" && op.ID == choice.OperationID {
			m.Kind, m.Payload = op.Kind, op.Payload
		}
	}
	if choice.OperationID != "" && choice.OperationID == record.Base.Winner.OperationID && m.Kind == "" {
		m.Kind, m.Payload = record.Base.Kind, record.Base.Payload
	}
	if choice.OperationID != "" && m.Kind == "" {
		return synckit.Operation{}, errors.NewValidationError(errors.OpResolve, fmt.Errorf("operation %s is not part of conflict %s", choice.OperationID, id))
	}
	if m.Kind == "" {
		m.Kind = synckit.KindUpdate
	}
	if choice.Priority != nil {
		m.Priority = *choice.Priority
	}

	op, err := l.nextLocal(key, m, seen)
	if err != nil {
		return synckit.Operation{}, err
	}
	resolution := &synckit.ConflictResolution{
		ChosenOperationID: choice.OperationID,
		Kind:              op.Kind,
		Note:              choice.Note,
	}
	if choice.OperationID == "" {
		resolution.Payload = op.Payload
	}
	res, err := l.ingest(ctx, errors.OpResolve, op, applyOptions{status: synckit.StatusPending, resolution: resolution})
	if err != nil {
		return synckit.Operation{}, err
	}
	if res.ClosedConflict != id {
		return synckit.Operation{}, errors.NewConflictError(errors.OpResolve, fmt.Errorf("conflict %s is still open after resolution", id))
	}
	l.logger.Info("conflict resolved",
		slog.String("conflict_id", id),
		slog.String("entity", key.String()),
		slog.String("operation_id", op.ID),
	)
	return op, nil
}
