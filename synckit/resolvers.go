package synckit

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strings"
)

// Built-in strategy names, as used in policy files.
const (
	StrategyLWW      = "lww"
	StrategySetUnion = "set-union"
	StrategyMax      = "max"
	StrategyMin      = "min"
	StrategyManual   = "manual"
)

var (
	_ Merger = LastWriterWins{}
	_ Merger = SetUnion{}
	_ Merger = NumericMax{}
	_ Merger = NumericMin{}
	_ Merger = Manual{}
)

// LastWriterWins keeps the side with the greater Stamp.
type LastWriterWins struct{}

func (LastWriterWins) Merge(a, b EntityState) (EntityState, error) {
	winner := a
	if b.Winner.Compare(a.Winner) > 0 {
		winner = b
	}
	return winner, nil
}

// SetUnion treats payloads as JSON arrays and keeps every distinct element.
// A deleted side contributes the empty set. Elements are ordered by their
// canonical JSON encoding so both replicas produce identical bytes.
type SetUnion struct{}

func (SetUnion) Merge(a, b EntityState) (EntityState, error) {
	elems := make(map[string]json.RawMessage)
	for _, s := range []EntityState{a, b} {
		if s.Deleted() || len(s.Payload) == 0 {
			continue
		}
		var items []json.RawMessage
		if err := json.Unmarshal(s.Payload, &items); err != nil {
			return EntityState{}, fmt.Errorf("set-union: payload of %s is not a JSON array: %w", s.Key(), err)
		}
		for _, item := range items {
			canon, err := canonical(item)
			if err != nil {
				return EntityState{}, fmt.Errorf("set-union: %w", err)
			}
			elems[canon] = json.RawMessage(canon)
		}
	}

	out := mergedShell(a, b)
	if out.Kind == KindDelete {
		return out, nil
	}
	keys := make([]string, 0, len(elems))
	for k := range elems {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	list := make([]json.RawMessage, len(keys))
	for i, k := range keys {
		list[i] = elems[k]
	}
	payload, err := json.Marshal(list)
	if err != nil {
		return EntityState{}, err
	}
	out.Payload = payload
	return out, nil
}

// NumericMax keeps the larger JSON number. Useful for monotonic counters and
// high-water marks.
type NumericMax struct{}

func (NumericMax) Merge(a, b EntityState) (EntityState, error) {
	return numericPick(a, b, 1)
}

// NumericMin keeps the smaller JSON number.
type NumericMin struct{}

func (NumericMin) Merge(a, b EntityState) (EntityState, error) {
	return numericPick(a, b, -1)
}

// Manual marks an entity type whose concurrent edits must be decided by a
// person. Its Merge always fails; the Resolver turns that into a ConflictRecord.
type Manual struct{}

func (Manual) Merge(a, b EntityState) (EntityState, error) {
	return EntityState{}, fmt.Errorf("manual resolution required for %s", a.Key())
}

// MergerByName returns the built-in strategy for a policy name.
func MergerByName(name string) (Merger, error) {
	switch strings.ToLower(strings.ReplaceAll(name, "_", "-")) {
	case StrategyLWW, "last-writer-wins", "last-write-wins":
		return LastWriterWins{}, nil
	case StrategySetUnion, "union":
		return SetUnion{}, nil
	case StrategyMax, "numeric-max":
		return NumericMax{}, nil
	case StrategyMin, "numeric-min":
		return NumericMin{}, nil
	case StrategyManual, "manual-review":
		return Manual{}, nil
	default:
		return nil, fmt.Errorf("unknown resolution strategy: %s", name)
	}
}

// mergedShell carries the parts every built-in merge computes the same way:
// the greater stamp and the combined kind. Kinds combine to themselves when
// equal and to update otherwise, which is associative and commutative.
func mergedShell(a, b EntityState) EntityState {
	out := a
	if b.Winner.Compare(a.Winner) > 0 {
		out.Winner = b.Winner
	}
	if a.Kind != b.Kind {
		out.Kind = KindUpdate
	}
	out.Payload = nil
	return out
}

func numericPick(a, b EntityState, direction int) (EntityState, error) {
	var best json.RawMessage
	var bestVal *big.Float
	for _, s := range []EntityState{a, b} {
		if s.Deleted() || len(s.Payload) == 0 {
			continue
		}
		val, ok := new(big.Float).SetString(strings.TrimSpace(string(s.Payload)))
		if !ok {
			return EntityState{}, fmt.Errorf("payload of %s is not a JSON number: %s", s.Key(), s.Payload)
		}
		canon, err := canonical(s.Payload)
		if err != nil {
			return EntityState{}, err
		}
		if bestVal == nil {
			best, bestVal = json.RawMessage(canon), val
			continue
		}
		switch cmp := val.Cmp(bestVal) * direction; {
		case cmp > 0:
			best, bestVal = json.RawMessage(canon), val
		case cmp == 0 && canon > string(best):
			// same value spelled differently, keep one spelling on every replica
			best = json.RawMessage(canon)
		}
	}

	out := mergedShell(a, b)
	if out.Kind != KindDelete {
		out.Payload = best
	}
	return out, nil
}

// canonical re-encodes a JSON value with sorted object keys and no insignificant whitespace.
func canonical(raw json.RawMessage) (string, error) {
	var v any
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("invalid JSON value: %w", err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
