package oplog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/c0deZ3R0/offsync/errors"
	"github.com/c0deZ3R0/offsync/storage"
	"github.com/c0deZ3R0/offsync/synckit"
	"github.com/c0deZ3R0/offsync/version"
)

// Mark moves one operation to a new status. See MarkMany.
func (l *Log) Mark(ctx context.Context, id string, to synckit.Status, cause error) error {
	return l.MarkMany(ctx, []string{id}, to, cause)
}

// MarkMany moves every listed operation to status `to` in a single atomic
// write. Legal transitions are Pending -> InFlight and InFlight ->
// Completed, Pending or Failed. If any transition is illegal nothing is
// written and an InvalidTransition error is returned.
//
// A non-nil cause on a transition back to Pending or to Failed counts as a
// failed delivery attempt: retry_count is incremented and last_error set.
func (l *Log) MarkMany(ctx context.Context, ids []string, to synckit.Status, cause error) error {
	if len(ids) == 0 {
		return nil
	}
	if err := l.checkOpen(errors.OpMark); err != nil {
		return err
	}

	keys := make([]synckit.EntityKey, 0, len(ids))
	l.mu.RLock()
	for _, id := range ids {
		e, ok := l.entries[id]
		if !ok {
			l.mu.RUnlock()
			return errors.NewNotFound(errors.OpMark, component, "operation "+id)
		}
		keys = append(keys, e.Operation.EntityKey())
	}
	l.mu.RUnlock()

	unlock := l.lock(keys...)
	defer unlock()

	now := l.now().UTC()
	next := make(map[string]synckit.SyncState, len(ids))
	writes := make([]storage.Write, 0, len(ids))

	l.mu.RLock()
	for _, id := range ids {
		e, ok := l.entries[id]
		if !ok {
			l.mu.RUnlock()
			return errors.NewNotFound(errors.OpMark, component, "operation "+id)
		}
		from := e.State.Status
		if !from.CanTransition(to) {
			l.mu.RUnlock()
			err := errors.NewInvalidTransition(errors.OpMark, component, from, to).WithMetadata("operation_id", id)
			l.logger.LogError(ctx, err, "illegal sync state transition rejected",
				slog.String("operation_id", id),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			return err
		}
		st := e.State
		st.Status = to
		st.UpdatedAt = now
		switch to {
		case synckit.StatusCompleted:
			st.SyncedAt = &now
			st.LastError = ""
		case synckit.StatusPending, synckit.StatusFailed:
			if cause != nil {
				st.RetryCount++
				st.LastError = cause.Error()
			}
		}
		next[id] = st
		writes = append(writes, mustPutJSON(stateKey(id), st))
	}
	l.mu.RUnlock()

	if err := l.commit(ctx, errors.OpMark, writes); err != nil {
		return err
	}

	l.mu.Lock()
	for id, st := range next {
		l.entries[id].State = st
	}
	l.mu.Unlock()

	l.logger.Debug("sync state updated", slog.Int("operations", len(ids)), slog.String("status", to.String()))
	return nil
}

// GetPending returns Pending operations ordered by synckit.PendingLess:
// priority descending, version rank ascending, created_at ascending. A
// limit <= 0 returns all of them. When priorities are given, only those
// classes are returned.
func (l *Log) GetPending(ctx context.Context, limit int, priorities ...synckit.Priority) ([]synckit.Operation, error) {
	if err := l.checkOpen(errors.OpPending); err != nil {
		return nil, err
	}
	allowed := make(map[synckit.Priority]bool, len(priorities))
	for _, p := range priorities {
		allowed[p] = true
	}

	l.mu.RLock()
	ops := make([]synckit.Operation, 0)
	for _, e := range l.entries {
		if e.State.Status != synckit.StatusPending {
			continue
		}
		if len(allowed) > 0 && !allowed[e.Operation.Priority] {
			continue
		}
		ops = append(ops, e.Operation)
	}
	l.mu.RUnlock()

	sort.Slice(ops, func(i, j int) bool { return synckit.PendingLess(ops[i], ops[j]) })
	if limit > 0 && len(ops) > limit {
		ops = ops[:limit]
	}
	return ops, nil
}

// Get returns an operation with its state.
func (l *Log) Get(ctx context.Context, id string) (Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[id]
	if !ok {
		return Entry{}, errors.NewNotFound(errors.OpLoad, component, "operation "+id)
	}
	return *e, nil
}

// Known reports whether id was ever recorded, including compacted operations.
func (l *Log) Known(id string) bool {
	return l.known(id)
}

// Entity returns the converged state of one entity.
func (l *Log) Entity(key synckit.EntityKey) (synckit.EntityState, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.entities[key]
	return s, ok
}

// Entities returns every entity state ordered by type and id.
func (l *Log) Entities() []synckit.EntityState {
	l.mu.RLock()
	out := make([]synckit.EntityState, 0, len(l.entities))
	for _, s := range l.entities {
		out = append(out, s)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityType != out[j].EntityType {
			return out[i].EntityType < out[j].EntityType
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out
}

// Operations returns the entries accepted by keep (all when keep is nil) in
// replay order: version rank, then created_at, then id. Replaying them in
// this order applies each entity's operations in causal order.
func (l *Log) Operations(keep func(Entry) bool) []Entry {
	l.mu.RLock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		if keep == nil || keep(*e) {
			out = append(out, *e)
		}
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return synckit.ReplayLess(out[i].Operation, out[j].Operation) })
	return out
}

// Versions returns, per entity type, the join of every entity clock known
// for that type. Exchange files carry it as the exporter's last-known version.
func (l *Log) Versions() map[string]*version.VectorClock {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]*version.VectorClock)
	for key, s := range l.entities {
		out[key.Type] = version.Join(out[key.Type], s.Clock)
	}
	return out
}

// Conflicts returns conflict records ordered by creation time. With
// onlyOpen, resolved records are skipped.
func (l *Log) Conflicts(onlyOpen bool) []synckit.ConflictRecord {
	l.mu.RLock()
	out := make([]synckit.ConflictRecord, 0, len(l.conflicts))
	for _, c := range l.conflicts {
		if onlyOpen && !c.Open() {
			continue
		}
		out = append(out, c)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Conflict returns one conflict record.
func (l *Log) Conflict(id string) (synckit.ConflictRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.conflicts[id]
	if !ok {
		return synckit.ConflictRecord{}, errors.NewNotFound(errors.OpResolve, component, "conflict "+id)
	}
	return c, nil
}

// Stats counts operations by status, entities and open conflicts.
func (l *Log) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var s Stats
	for _, e := range l.entries {
		switch e.State.Status {
		case synckit.StatusPending:
			s.Pending++
		case synckit.StatusInFlight:
			s.InFlight++
		case synckit.StatusCompleted:
			s.Completed++
		case synckit.StatusFailed:
			s.Failed++
		}
	}
	for _, c := range l.conflicts {
		if c.Open() {
			s.OpenConflicts++
		}
	}
	s.Entities = len(l.entities)
	s.Compacted = len(l.gone)
	return s
}

// Compact removes Completed operations synced before the retention horizon
// and resolved conflict records closed before it. Pending, InFlight and
// Failed operations are never removed, nor is an operation that is still a
// head of its entity, since an export must be able to rebuild the entity. Each removed id leaves a marker so a
// late re-delivery is still recognised as a duplicate.
func (l *Log) Compact(ctx context.Context, before time.Time) (int, error) {
	if err := l.checkOpen(errors.OpCompact); err != nil {
		return 0, err
	}

	var keys []synckit.EntityKey
	l.mu.RLock()
	for _, e := range l.entries {
		if l.compactable(e, before) {
			keys = append(keys, e.Operation.EntityKey())
		}
	}
	for _, c := range l.conflicts {
		if !c.Open() && c.ResolvedAt != nil && c.ResolvedAt.Before(before) {
			keys = append(keys, c.Key())
		}
	}
	l.mu.RUnlock()
	if len(keys) == 0 {
		return 0, nil
	}

	unlock := l.lock(keys...)
	defer unlock()

	now := l.now().UTC()
	marker, _ := json.Marshal(map[string]time.Time{"compacted_at": now})
	var ids, conflictIDs []string
	var writes []storage.Write

	l.mu.RLock()
	for id, e := range l.entries {
		if !l.compactable(e, before) {
			continue
		}
		ids = append(ids, id)
		writes = append(writes, storage.Del(opKey(id)), storage.Del(stateKey(id)), storage.Put(goneKey(id), marker))
	}
	for id, c := range l.conflicts {
		if !c.Open() && c.ResolvedAt != nil && c.ResolvedAt.Before(before) {
			conflictIDs = append(conflictIDs, id)
			writes = append(writes, storage.Del(cfKey(id)))
		}
	}
	l.mu.RUnlock()

	if len(writes) == 0 {
		return 0, nil
	}
	if err := l.commit(ctx, errors.OpCompact, writes); err != nil {
		return 0, err
	}

	l.mu.Lock()
	for _, id := range ids {
		key := l.entries[id].Operation.EntityKey()
		delete(l.byEntity[key], id)
		if len(l.byEntity[key]) == 0 {
			delete(l.byEntity, key)
		}
		delete(l.entries, id)
		l.gone[id] = struct{}{}
	}
	for _, id := range conflictIDs {
		delete(l.conflicts, id)
	}
	l.mu.Unlock()

	l.logger.Info("compacted operation log",
		slog.Int("operations", len(ids)),
		slog.Int("conflicts", len(conflictIDs)),
		slog.Time("before", before),
	)
	return len(ids), nil
}

// compactable is called with l.mu held.
func (l *Log) compactable(e *Entry, before time.Time) bool {
	st := e.State
	if st.Status != synckit.StatusCompleted {
		return false
	}
	if l.entities[e.Operation.EntityKey()].HasHead(e.Operation.ID) {
		return false
	}
	at := st.UpdatedAt
	if st.SyncedAt != nil {
		at = *st.SyncedAt
	}
	return at.Before(before)
}

// RecoverInFlight returns operations that have been InFlight for longer than
// olderThan to Pending. It covers a sender that died without rolling back.
func (l *Log) RecoverInFlight(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := l.now().Add(-olderThan)
	var ids []string
	l.mu.RLock()
	for id, e := range l.entries {
		if e.State.Status == synckit.StatusInFlight && e.State.UpdatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	l.mu.RUnlock()
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)
	cause := fmt.Errorf("in flight for more than %s without acknowledgement", olderThan)
	if err := l.MarkMany(ctx, ids, synckit.StatusPending, cause); err != nil {
		return nil, err
	}
	l.logger.Warn("recovered stale in-flight operations", slog.Int("count", len(ids)))
	return ids, nil
}
