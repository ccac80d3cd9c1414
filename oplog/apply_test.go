package oplog

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/offsync/errors"
	"github.com/c0deZ3R0/offsync/logging"
	"github.com/c0deZ3R0/offsync/storage"
	"github.com/c0deZ3R0/offsync/storage/memory"
	"github.com/c0deZ3R0/offsync/synckit"
)

var topic42 = synckit.EntityKey{Type: "topic", ID: "topic-42"}

func manualTopics() Option {
	return WithResolver(synckit.NewResolver(
		synckit.WithLogger(logging.Discard()),
		synckit.WithManual("topic"),
	))
}

func TestApplyDuplicateWritesNothing(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	l := openLog(t, store, "d1", newFakeClock())

	op := remoteOp("r1", "d2", map[string]uint64{"d2": 1}, `"x"`, epoch)
	res, err := l.Apply(ctx, op)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)

	writes := 0
	store.FailApply = func(w []storage.Write) error { writes += len(w); return nil }
	res, err = l.Apply(ctx, op)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Zero(t, writes)
	assert.JSONEq(t, `"x"`, string(res.State.Payload))
}

func TestApplyConcurrentOperationsMerge(t *testing.T) {
	ctx := context.Background()
	l := openLog(t, memory.New(), "d1", newFakeClock())

	local, err := l.Record(ctx, update("topic-42", `"local"`, synckit.PriorityMedium))
	require.NoError(t, err)
	remote := remoteOp("r1", "d2", map[string]uint64{"d2": 1}, `"remote"`, local.CreatedAt.Add(1))

	res, err := l.Apply(ctx, remote)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMerged, res.Outcome)
	assert.ElementsMatch(t, []string{local.ID, remote.ID}, res.State.HeadIDs())
	assert.JSONEq(t, `"remote"`, string(res.State.Payload))
	assert.Empty(t, res.Superseded)

	entry, _ := l.Get(ctx, local.ID)
	assert.Equal(t, synckit.StatusPending, entry.State.Status, "a concurrent remote op has not seen the local one")
	entry, _ = l.Get(ctx, remote.ID)
	assert.Equal(t, synckit.StatusCompleted, entry.State.Status)
}

func TestApplyDominatingRemoteCompletesOwnPending(t *testing.T) {
	ctx := context.Background()
	l := openLog(t, memory.New(), "d1", newFakeClock())

	local, err := l.Record(ctx, update("topic-42", `"local"`, synckit.PriorityMedium))
	require.NoError(t, err)
	remote := remoteOp("r1", "d2", map[string]uint64{"d1": 1, "d2": 1}, `"remote"`, epoch)

	res, err := l.Apply(ctx, remote)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, []string{local.ID}, res.Superseded)
	assert.Equal(t, []string{remote.ID}, res.State.HeadIDs())

	entry, _ := l.Get(ctx, local.ID)
	assert.Equal(t, synckit.StatusCompleted, entry.State.Status)
	pending, err := l.GetPending(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestApplyObservedOperationIsSuperseded(t *testing.T) {
	ctx := context.Background()
	l := openLog(t, memory.New(), "d1", newFakeClock())

	newer := remoteOp("r2", "d2", map[string]uint64{"d2": 2}, `"new"`, epoch.Add(2))
	older := remoteOp("r1", "d2", map[string]uint64{"d2": 1}, `"old"`, epoch.Add(1))

	_, err := l.Apply(ctx, newer)
	require.NoError(t, err)
	res, err := l.Apply(ctx, older)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuperseded, res.Outcome)
	assert.JSONEq(t, `"new"`, string(res.State.Payload))
	assert.True(t, l.Known(older.ID))

	state, _ := l.Entity(topic42)
	assert.Equal(t, []string{newer.ID}, state.HeadIDs())
}

func TestApplyAsPendingRelaysOperation(t *testing.T) {
	ctx := context.Background()
	l := openLog(t, memory.New(), "d1", newFakeClock())

	res, err := l.Apply(ctx, remoteOp("r1", "d2", map[string]uint64{"d2": 1}, `1`, epoch), AsPending())
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)

	pending, err := l.GetPending(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, ids(pending))
}

func TestApplyExtraWritesShareTheCommit(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	l := openLog(t, store, "server", newFakeClock())

	extra := WithExtraWrites(func(op synckit.Operation) []storage.Write {
		return []storage.Write{storage.Put("seq/"+op.ID, []byte("1"))}
	})
	op := remoteOp("r1", "d2", map[string]uint64{"d2": 1}, `1`, epoch)
	_, err := l.Apply(ctx, op, extra)
	require.NoError(t, err)
	v, err := store.Get(ctx, "seq/r1")
	require.NoError(t, err)
	assert.Equal(t, "1", string(v))

	called := false
	_, err = l.Apply(ctx, op, WithExtraWrites(func(synckit.Operation) []storage.Write {
		called = true
		return nil
	}))
	require.NoError(t, err)
	assert.False(t, called, "duplicates must not produce extra writes")
}

func TestManualConflictRecordedAndResolved(t *testing.T) {
	ctx := context.Background()
	l := openLog(t, memory.New(), "d1", newFakeClock(), manualTopics())

	local, err := l.Record(ctx, update("topic-42", `{"title":"mine"}`, synckit.PriorityMedium))
	require.NoError(t, err)
	remote := remoteOp("r1", "d2", map[string]uint64{"d2": 1}, `{"title":"theirs"}`, epoch)

	res, err := l.Apply(ctx, remote)
	require.NoError(t, err)
	require.Equal(t, OutcomeConflict, res.Outcome)
	require.NotNil(t, res.Conflict)
	conflictID := res.Conflict.ID
	assert.NotEmpty(t, conflictID)
	assert.ElementsMatch(t, []string{local.ID, remote.ID}, ids(res.Conflict.Operations))
	assert.Equal(t, synckit.ConflictUnresolved, res.Conflict.Status)

	state, _ := l.Entity(topic42)
	assert.Equal(t, conflictID, state.ConflictID)
	require.Len(t, l.Conflicts(true), 1)
	assert.Equal(t, 1, l.Stats().OpenConflicts)

	// a third concurrent op joins the same record
	third := remoteOp("r2", "d3", map[string]uint64{"d3": 1}, `{"title":"other"}`, epoch)
	res, err = l.Apply(ctx, third)
	require.NoError(t, err)
	require.Equal(t, OutcomeConflict, res.Outcome)
	assert.Equal(t, conflictID, res.Conflict.ID)
	assert.Len(t, res.Conflict.Operations, 3)

	op, err := l.ResolveConflict(ctx, conflictID, Choice{OperationID: remote.ID, Note: "keep theirs"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"theirs"}`, string(op.Payload))
	for _, side := range []synckit.Operation{local, remote, third} {
		assert.Equal(t, "after", op.Version.Relate(side.Version).String(), side.ID)
	}

	record, err := l.Conflict(conflictID)
	require.NoError(t, err)
	assert.Equal(t, synckit.ConflictResolved, record.Status)
	require.NotNil(t, record.Resolution)
	assert.Equal(t, remote.ID, record.Resolution.ChosenOperationID)
	assert.Equal(t, op.ID, record.Resolution.ResultOperationID)
	assert.NotNil(t, record.ResolvedAt)

	state, _ = l.Entity(topic42)
	assert.Empty(t, state.ConflictID)
	assert.Equal(t, []string{op.ID}, state.HeadIDs())
	assert.Empty(t, l.Conflicts(true))

	entry, _ := l.Get(ctx, op.ID)
	assert.Equal(t, synckit.StatusPending, entry.State.Status)

	_, err = l.ResolveConflict(ctx, conflictID, Choice{OperationID: remote.ID})
	assert.True(t, errors.IsInvalidTransition(err))
}

func TestResolveConflictWithExplicitValue(t *testing.T) {
	ctx := context.Background()
	l := openLog(t, memory.New(), "d1", newFakeClock(), manualTopics())

	_, err := l.Record(ctx, update("topic-42", `{"tags":["a"]}`, synckit.PriorityMedium))
	require.NoError(t, err)
	res, err := l.Apply(ctx, remoteOp("r1", "d2", map[string]uint64{"d2": 1}, `{"tags":["b"]}`, epoch))
	require.NoError(t, err)
	require.Equal(t, OutcomeConflict, res.Outcome)

	op, err := l.ResolveConflict(ctx, res.Conflict.ID, Choice{Payload: json.RawMessage(`{"tags":["a","b"]}`)})
	require.NoError(t, err)
	assert.Equal(t, synckit.KindUpdate, op.Kind)

	record, _ := l.Conflict(res.Conflict.ID)
	assert.JSONEq(t, `{"tags":["a","b"]}`, string(record.Resolution.Payload))
	state, _ := l.Entity(topic42)
	assert.JSONEq(t, `{"tags":["a","b"]}`, string(state.Payload))
}

func TestResolveConflictRejectsUnknownChoice(t *testing.T) {
	ctx := context.Background()
	l := openLog(t, memory.New(), "d1", newFakeClock(), manualTopics())

	_, err := l.Record(ctx, update("topic-42", `1`, synckit.PriorityMedium))
	require.NoError(t, err)
	res, err := l.Apply(ctx, remoteOp("r1", "d2", map[string]uint64{"d2": 1}, `2`, epoch))
	require.NoError(t, err)

	_, err = l.ResolveConflict(ctx, res.Conflict.ID, Choice{OperationID: "nope"})
	assert.True(t, errors.IsValidation(err))
	_, err = l.ResolveConflict(ctx, "missing", Choice{})
	assert.True(t, errors.IsNotFound(err))
	assert.Len(t, l.Conflicts(true), 1)
}

func TestLocalEditSettlesConflict(t *testing.T) {
	ctx := context.Background()
	l := openLog(t, memory.New(), "d1", newFakeClock(), manualTopics())

	_, err := l.Record(ctx, update("topic-42", `1`, synckit.PriorityMedium))
	require.NoError(t, err)
	res, err := l.Apply(ctx, remoteOp("r1", "d2", map[string]uint64{"d2": 1}, `2`, epoch))
	require.NoError(t, err)
	require.Equal(t, OutcomeConflict, res.Outcome)

	edit, err := l.Record(ctx, update("topic-42", `3`, synckit.PriorityMedium))
	require.NoError(t, err)

	record, err := l.Conflict(res.Conflict.ID)
	require.NoError(t, err)
	assert.Equal(t, synckit.ConflictAutoResolved, record.Status)
	assert.Equal(t, edit.ID, record.Resolution.ResultOperationID)
}

func TestConflictSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	clock := newFakeClock()
	l := openLog(t, store, "d1", clock, manualTopics())

	_, err := l.Record(ctx, update("topic-42", `1`, synckit.PriorityMedium))
	require.NoError(t, err)
	res, err := l.Apply(ctx, remoteOp("r1", "d2", map[string]uint64{"d2": 1}, `2`, epoch))
	require.NoError(t, err)

	reopened := openLog(t, store, "d1", clock, manualTopics())
	open := reopened.Conflicts(true)
	require.Len(t, open, 1)
	assert.Equal(t, res.Conflict.ID, open[0].ID)
	state, _ := reopened.Entity(topic42)
	assert.Equal(t, res.Conflict.ID, state.ConflictID)
}

// Two replicas that exchange the same operations in opposite orders end
// with the same entity state.
func TestReplicasConvergeRegardlessOfOrder(t *testing.T) {
	ctx := context.Background()
	a := openLog(t, memory.New(), "A", newFakeClock())
	b := openLog(t, memory.New(), "B", newFakeClock())

	fromA, err := a.Record(ctx, update("topic-42", `{"title":"from A"}`, synckit.PriorityHigh))
	require.NoError(t, err)
	fromB, err := b.Record(ctx, update("topic-42", `{"title":"from B"}`, synckit.PriorityLow))
	require.NoError(t, err)

	_, err = a.Apply(ctx, fromB)
	require.NoError(t, err)
	_, err = b.Apply(ctx, fromA)
	require.NoError(t, err)

	sa, _ := a.Entity(topic42)
	sb, _ := b.Entity(topic42)
	assert.True(t, sa.Equivalent(sb), "replicas diverged: %s vs %s", sa.Payload, sb.Payload)
	assert.JSONEq(t, `{"title":"from A"}`, string(sa.Payload))
}
