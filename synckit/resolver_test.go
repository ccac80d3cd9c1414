package synckit

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/offsync/logging"
	"github.com/c0deZ3R0/offsync/version"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testOp(id, device string, clock map[string]uint64, p Priority, payload string, offset time.Duration) Operation {
	return Operation{
		ID:           id,
		EntityType:   "topic",
		EntityID:     "topic-42",
		Kind:         KindUpdate,
		Payload:      json.RawMessage(payload),
		Priority:     p,
		OriginDevice: device,
		Version:      version.NewVectorClockFromMap(clock),
		CreatedAt:    baseTime.Add(offset),
	}
}

func quietResolver(opts ...Option) *Resolver {
	return NewResolver(append([]Option{WithLogger(logging.Discard())}, opts...)...)
}

func TestLastWriterWinsTotalOrder(t *testing.T) {
	tests := []struct {
		name   string
		a, b   Operation
		winner string
	}{
		{
			name:   "higher priority wins over newer version",
			a:      testOp("a", "d1", map[string]uint64{"d1": 1}, PriorityCritical, `"a"`, 0),
			b:      testOp("b", "d2", map[string]uint64{"d2": 5}, PriorityLow, `"b"`, time.Hour),
			winner: "a",
		},
		{
			name:   "higher version rank wins on equal priority",
			a:      testOp("a", "d1", map[string]uint64{"d1": 4}, PriorityMedium, `"a"`, time.Hour),
			b:      testOp("b", "d2", map[string]uint64{"d2": 5}, PriorityMedium, `"b"`, 0),
			winner: "b",
		},
		{
			name:   "later timestamp wins on equal version",
			a:      testOp("a", "d1", map[string]uint64{"d1": 3}, PriorityMedium, `"a"`, time.Minute),
			b:      testOp("b", "d2", map[string]uint64{"d2": 3}, PriorityMedium, `"b"`, 0),
			winner: "a",
		},
		{
			name:   "greater origin device wins on full tie",
			a:      testOp("a", "D1", map[string]uint64{"D1": 3}, PriorityMedium, `"A"`, 0),
			b:      testOp("b", "D2", map[string]uint64{"D2": 3}, PriorityMedium, `"B"`, 0),
			winner: "b",
		},
	}

	r := quietResolver()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ab := r.Resolve(StateOf(tt.a), tt.b)
			ba := r.Resolve(StateOf(tt.b), tt.a)
			require.Nil(t, ab.Conflict)
			require.Nil(t, ba.Conflict)

			assert.Equal(t, tt.winner, ab.State.Winner.OperationID)
			assert.True(t, ab.State.Equivalent(ba.State), "resolution depends on argument order")
			assert.True(t, ab.State.Clock.Dominates(tt.a.Version))
			assert.True(t, ab.State.Clock.Dominates(tt.b.Version))
		})
	}
}

// randomConcurrentStates builds n operations on one entity, each from its
// own device, so every pair is concurrent.
func randomConcurrentStates(rng *rand.Rand, n int, payload func(i int) string) []EntityState {
	states := make([]EntityState, n)
	for i := range states {
		device := fmt.Sprintf("dev-%d", i)
		op := testOp(
			fmt.Sprintf("op-%d-%d", i, rng.Intn(1000)),
			device,
			map[string]uint64{device: uint64(1 + rng.Intn(3))},
			Priority(rng.Intn(4)),
			payload(i),
			time.Duration(rng.Intn(3))*time.Second,
		)
		if rng.Intn(5) == 0 {
			op.Kind = KindDelete
		}
		states[i] = StateOf(op)
	}
	return states
}

func TestBuiltInMergersAreCRDTs(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	cases := []struct {
		strategy string
		payload  func(rng *rand.Rand) func(i int) string
	}{
		{StrategyLWW, func(rng *rand.Rand) func(int) string {
			return func(i int) string { return fmt.Sprintf(`{"title":"v%d"}`, rng.Intn(4)) }
		}},
		{StrategySetUnion, func(rng *rand.Rand) func(int) string {
			return func(i int) string { return fmt.Sprintf(`["t%d","t%d"]`, rng.Intn(4), rng.Intn(4)) }
		}},
		{StrategyMax, func(rng *rand.Rand) func(int) string {
			return func(i int) string { return fmt.Sprintf("%d", rng.Intn(10)) }
		}},
		{StrategyMin, func(rng *rand.Rand) func(int) string {
			return func(i int) string { return fmt.Sprintf("%d.5", rng.Intn(10)) }
		}},
	}

	for _, tc := range cases {
		t.Run(tc.strategy, func(t *testing.T) {
			m, err := MergerByName(tc.strategy)
			require.NoError(t, err)
			r := quietResolver(WithStrategy("topic", tc.strategy, m))

			for round := 0; round < 200; round++ {
				s := randomConcurrentStates(rng, 3, tc.payload(rng))
				a, b, c := s[0], s[1], s[2]

				ab, err := r.Merge(a, b)
				require.NoError(t, err)
				ba, err := r.Merge(b, a)
				require.NoError(t, err)
				assert.True(t, ab.Equivalent(ba), "not commutative: %s vs %s", ab.Payload, ba.Payload)

				abC, err := r.Merge(ab, c)
				require.NoError(t, err)
				bc, err := r.Merge(b, c)
				require.NoError(t, err)
				aBC, err := r.Merge(a, bc)
				require.NoError(t, err)
				assert.True(t, abC.Equivalent(aBC), "not associative: %s vs %s", abC.Payload, aBC.Payload)

				// inputs may carry duplicate or unsorted elements; the first
				// merge normalizes them, after which merging is a no-op
				na, err := r.Merge(a, a)
				require.NoError(t, err)
				naa, err := r.Merge(na, a)
				require.NoError(t, err)
				assert.True(t, naa.Equivalent(na), "not idempotent")

				abb, err := r.Merge(ab, b)
				require.NoError(t, err)
				assert.True(t, abb.Equivalent(ab), "re-applying a merged input changed the result")
			}
		})
	}
}

func TestSetUnionPayload(t *testing.T) {
	r := quietResolver(WithStrategy("topic", StrategySetUnion, SetUnion{}))
	a := StateOf(testOp("a", "d1", map[string]uint64{"d1": 1}, PriorityLow, `["go","sync"]`, 0))
	b := testOp("b", "d2", map[string]uint64{"d2": 1}, PriorityLow, `["sync", "offline"]`, 0)

	res := r.Resolve(a, b)
	require.Nil(t, res.Conflict)
	assert.JSONEq(t, `["go","offline","sync"]`, string(res.State.Payload))
	assert.Equal(t, StrategySetUnion, res.Strategy)
}

func opIDs(ops []Operation) []string {
	ids := make([]string, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
	}
	return ids
}

func TestNumericMaxRejectsNonNumbers(t *testing.T) {
	var errs []error
	r := quietResolver(
		WithStrategy("topic", StrategyMax, NumericMax{}),
		WithHooks(Hooks{OnError: func(_ EntityKey, err error) { errs = append(errs, err) }}),
	)
	a := StateOf(testOp("a", "d1", map[string]uint64{"d1": 1}, PriorityLow, `7`, 0))
	b := testOp("b", "d2", map[string]uint64{"d2": 1}, PriorityLow, `"seven"`, 0)

	res := r.Resolve(a, b)
	require.NotNil(t, res.Conflict, "a failed merge must not drop either side")
	assert.Len(t, errs, 1)
	assert.Equal(t, []string{"a", "b"}, opIDs(res.Conflict.Operations))
	assert.True(t, res.Conflict.Base.Equivalent(a))
	assert.Equal(t, "b", res.State.Winner.OperationID, "provisional value is last-writer-wins")
	assert.Equal(t, []string{"a", "b"}, res.State.HeadIDs())
}

func TestManualEntityTypeProducesConflictRecord(t *testing.T) {
	var recorded []ConflictRecord
	r := quietResolver(
		WithManual("grade"),
		WithHooks(Hooks{OnConflict: func(c ConflictRecord) { recorded = append(recorded, c) }}),
	)
	local := testOp("a", "d1", map[string]uint64{"d1": 1}, PriorityCritical, `{"score":90}`, 0)
	remote := testOp("b", "d2", map[string]uint64{"d2": 1}, PriorityCritical, `{"score":85}`, 0)
	local.EntityType, remote.EntityType = "grade", "grade"

	assert.True(t, r.IsManual("grade"))
	assert.False(t, r.IsManual("topic"))

	res := r.Resolve(StateOf(local), remote)
	require.NotNil(t, res.Conflict)
	assert.Equal(t, ConflictUnresolved, res.Conflict.Status)
	assert.Equal(t, "a", res.Conflict.Base.Winner.OperationID)
	assert.Equal(t, []string{"a", "b"}, opIDs(res.Conflict.Operations))
	assert.Len(t, recorded, 1)

	// an operation that observed both sides settles the entity
	settle := testOp("c", "d1", map[string]uint64{"d1": 2, "d2": 1}, PriorityLow, `{"score":88}`, 0)
	settle.EntityType = "grade"
	after := r.Resolve(res.State, settle)
	assert.Nil(t, after.Conflict)
	assert.Equal(t, []string{"c"}, after.State.HeadIDs())
	assert.JSONEq(t, `{"score":88}`, string(after.State.Payload))
}

func TestCausalSuccessorBeatsHigherPriority(t *testing.T) {
	r := quietResolver()
	first := testOp("first", "d1", map[string]uint64{"d1": 1}, PriorityCritical, `"draft"`, 0)
	second := testOp("second", "d1", map[string]uint64{"d1": 2}, PriorityLow, `"final"`, time.Second)

	res := r.Resolve(StateOf(first), second)
	assert.False(t, res.Superseded)
	assert.Equal(t, `"final"`, string(res.State.Payload))

	late := r.Resolve(StateOf(second), first)
	assert.True(t, late.Superseded)
	assert.True(t, late.State.Equivalent(StateOf(second)))
}

func TestResolveConvergesForEveryArrivalOrder(t *testing.T) {
	r := quietResolver()
	ops := []Operation{
		testOp("a", "d1", map[string]uint64{"d1": 1}, PriorityCritical, `"a"`, 0),
		testOp("b", "d1", map[string]uint64{"d1": 2}, PriorityLow, `"b"`, time.Second),
		testOp("x", "d2", map[string]uint64{"d2": 1}, PriorityMedium, `"x"`, 0),
	}
	orders := [][]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}

	var want EntityState
	for i, order := range orders {
		state := StateOf(ops[order[0]])
		for _, idx := range order[1:] {
			res := r.Resolve(state, ops[idx])
			require.Nil(t, res.Conflict)
			state = res.State
		}
		if i == 0 {
			want = state
			continue
		}
		assert.True(t, want.Equivalent(state), "order %v diverged: %s vs %s", order, state.Payload, want.Payload)
	}
	assert.Equal(t, []string{"b", "x"}, want.HeadIDs())
	assert.Equal(t, `"x"`, string(want.Payload))
}

func TestWithDefaultManualDisablesLWW(t *testing.T) {
	r := quietResolver(WithDefault(StrategyManual, Manual{}), WithStrategy("tags", StrategySetUnion, SetUnion{}))
	assert.True(t, r.IsManual("anything"))
	assert.False(t, r.IsManual("tags"))
	assert.Equal(t, map[string]string{"tags": StrategySetUnion}, r.Strategies())
}

func TestResolveAllIsOrderIndependent(t *testing.T) {
	r := quietResolver()
	ops := []Operation{
		testOp("a", "d1", map[string]uint64{"d1": 2}, PriorityHigh, `"a"`, 0),
		testOp("b", "d2", map[string]uint64{"d2": 2}, PriorityHigh, `"b"`, time.Second),
		testOp("c", "d3", map[string]uint64{"d3": 1}, PriorityHigh, `"c"`, 2*time.Second),
	}

	forward, err := r.ResolveAll(ops...)
	require.NoError(t, err)
	backward, err := r.ResolveAll(ops[2], ops[1], ops[0])
	require.NoError(t, err)

	assert.True(t, forward.Equivalent(backward))
	assert.Equal(t, "b", forward.Winner.OperationID)
	assert.Equal(t, uint64(5), forward.Clock.Rank())

	_, err = r.ResolveAll()
	assert.Error(t, err)
}

func TestCustomMergeFunc(t *testing.T) {
	lww := MergeFunc(func(a, b EntityState) (EntityState, error) {
		return LastWriterWins{}.Merge(a, b)
	})
	r := quietResolver(WithMergeFunc("topic", lww))
	assert.Equal(t, "custom", r.StrategyName("topic"))
	assert.Equal(t, StrategyLWW, r.StrategyName("post"))
}
