package synckit

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/c0deZ3R0/offsync/version"
)

// Stamp is the last-writer-wins sort key of an operation. Stamps form a
// total order: priority, then version rank, then created_at, then origin
// device, then id.
type Stamp struct {
	OperationID string    `json:"operation_id"`
	Priority    Priority  `json:"priority"`
	Rank        uint64    `json:"rank"`
	CreatedAt   time.Time `json:"created_at"`
	Origin      string    `json:"origin"`
}

// StampOf extracts the sort key of op.
func StampOf(op Operation) Stamp {
	return Stamp{
		OperationID: op.ID,
		Priority:    op.Priority,
		Rank:        op.Rank(),
		CreatedAt:   op.CreatedAt.UTC(),
		Origin:      op.OriginDevice,
	}
}

// Compare returns 1 when s wins over other, -1 when other wins, 0 when identical.
func (s Stamp) Compare(other Stamp) int {
	switch {
	case s.Priority != other.Priority:
		return sign(s.Priority > other.Priority)
	case s.Rank != other.Rank:
		return sign(s.Rank > other.Rank)
	case !s.CreatedAt.Equal(other.CreatedAt):
		return sign(s.CreatedAt.After(other.CreatedAt))
	case s.Origin != other.Origin:
		return sign(s.Origin > other.Origin)
	case s.OperationID != other.OperationID:
		return sign(s.OperationID > other.OperationID)
	}
	return 0
}

func sign(greater bool) int {
	if greater {
		return 1
	}
	return -1
}

// Head is one causally maximal operation folded into an EntityState: no
// other operation known for the entity has observed it.
type Head struct {
	Stamp   Stamp                `json:"stamp"`
	Version *version.VectorClock `json:"version"`
	Kind    Kind                 `json:"kind"`
	Payload json.RawMessage      `json:"payload,omitempty"`
}

// HeadOf lifts op into a head.
func HeadOf(op Operation) Head {
	return Head{Stamp: StampOf(op), Version: op.Version.Clone(), Kind: op.Kind, Payload: op.Payload}
}

// Operation rebuilds the operation the head came from.
func (h Head) Operation(key EntityKey) Operation {
	return Operation{
		ID:           h.Stamp.OperationID,
		EntityType:   key.Type,
		EntityID:     key.ID,
		Kind:         h.Kind,
		Payload:      h.Payload,
		Priority:     h.Stamp.Priority,
		OriginDevice: h.Stamp.Origin,
		Version:      h.Version,
		CreatedAt:    h.Stamp.CreatedAt,
	}
}

func (h Head) state(key EntityKey) EntityState {
	return EntityState{
		EntityType: key.Type,
		EntityID:   key.ID,
		Kind:       h.Kind,
		Payload:    h.Payload,
		Clock:      h.Version.Clone(),
		Winner:     h.Stamp,
		Heads:      []Head{h},
	}
}

// maximal keeps the heads no other head strictly happened after, dropping
// duplicate ids, sorted by stamp.
func maximal(heads []Head) []Head {
	seen := make(map[string]bool, len(heads))
	unique := make([]Head, 0, len(heads))
	for _, h := range heads {
		if seen[h.Stamp.OperationID] {
			continue
		}
		seen[h.Stamp.OperationID] = true
		unique = append(unique, h)
	}

	out := unique[:0:0]
	for i, h := range unique {
		dominated := false
		for j, g := range unique {
			if i != j && g.Version.Relate(h.Version) == version.After {
				dominated = true
				break
			}
		}
		if !dominated {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stamp.Compare(out[j].Stamp) < 0 })
	return out
}

// EntityState is the converged value of one entity after every known
// operation on it has been applied.
type EntityState struct {
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`

	// Clock is the join of the versions of every operation folded into this state.
	Clock *version.VectorClock `json:"clock"`

	// Winner is the greatest stamp among the heads.
	Winner Stamp `json:"winner"`

	// Heads are the causally maximal operations; Payload is their merge.
	Heads []Head `json:"heads,omitempty"`

	// ConflictID is set while a manual conflict on this entity is unresolved.
	ConflictID string `json:"conflict_id,omitempty"`
}

// StateOf lifts a single operation into the entity state it would produce on its own.
func StateOf(op Operation) EntityState {
	return HeadOf(op).state(op.EntityKey())
}

// Key returns the entity key of the state.
func (s EntityState) Key() EntityKey {
	return EntityKey{Type: s.EntityType, ID: s.EntityID}
}

// Deleted reports whether the entity is a tombstone.
func (s EntityState) Deleted() bool {
	return s.Kind == KindDelete
}

// HeadIDs lists the operation ids of the heads in stamp order.
func (s EntityState) HeadIDs() []string {
	ids := make([]string, len(s.Heads))
	for i, h := range s.Heads {
		ids[i] = h.Stamp.OperationID
	}
	return ids
}

// HasHead reports whether operation id is one of the heads.
func (s EntityState) HasHead(id string) bool {
	for _, h := range s.Heads {
		if h.Stamp.OperationID == id {
			return true
		}
	}
	return false
}

// headList returns the heads, treating a state built without them as a
// single head carrying its own value.
func (s EntityState) headList() []Head {
	if len(s.Heads) > 0 || s.Clock.IsZero() {
		return s.Heads
	}
	return []Head{{Stamp: s.Winner, Version: s.Clock, Kind: s.Kind, Payload: s.Payload}}
}

// Equivalent compares the observable parts of two states: kind, payload
// bytes after JSON normalization, clock, winner and head ids.
func (s EntityState) Equivalent(other EntityState) bool {
	if len(s.Heads) != len(other.Heads) {
		return false
	}
	for i := range s.Heads {
		if s.Heads[i].Stamp.OperationID != other.Heads[i].Stamp.OperationID {
			return false
		}
	}
	return s.EntityType == other.EntityType &&
		s.EntityID == other.EntityID &&
		s.Kind == other.Kind &&
		jsonEqual(s.Payload, other.Payload) &&
		s.Clock.IsEqual(other.Clock) &&
		s.Winner.Compare(other.Winner) == 0
}

func jsonEqual(a, b json.RawMessage) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == len(b)
	}
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return string(a) == string(b)
	}
	na, _ := json.Marshal(va)
	nb, _ := json.Marshal(vb)
	return string(na) == string(nb)
}

// ConflictStatus tracks a ConflictRecord through manual resolution.
type ConflictStatus string

const (
	ConflictUnresolved   ConflictStatus = "unresolved"
	ConflictAutoResolved ConflictStatus = "auto_resolved"
	ConflictResolved     ConflictStatus = "resolved"
)

func (s ConflictStatus) String() string { return string(s) }

// ConflictRecord is produced when concurrent operations on one entity cannot
// be merged automatically. It keeps every side so nothing is dropped.
type ConflictRecord struct {
	ID         string         `json:"id"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Status     ConflictStatus `json:"status"`

	// Base is the entity state before the conflicting operation arrived.
	Base EntityState `json:"base"`
	// Operations are the concurrent heads that could not be merged.
	Operations []Operation `json:"operations"`

	Resolution *ConflictResolution `json:"resolution,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	ResolvedAt *time.Time          `json:"resolved_at,omitempty"`
}

// Key returns the entity key of the record.
func (c ConflictRecord) Key() EntityKey {
	return EntityKey{Type: c.EntityType, ID: c.EntityID}
}

// Open reports whether the record still needs a decision.
func (c ConflictRecord) Open() bool {
	return c.Status == ConflictUnresolved
}

// ConflictResolution is the outcome recorded on a conflict.
type ConflictResolution struct {
	// ChosenOperationID selects one of the conflicting operations (or the base winner).
	ChosenOperationID string `json:"chosen_operation_id,omitempty"`
	// Payload is a caller-supplied merged value, used when no side is chosen.
	Payload json.RawMessage `json:"payload,omitempty"`
	Kind    Kind            `json:"kind,omitempty"`
	// ResultOperationID is the local operation that carried the decision.
	ResultOperationID string `json:"result_operation_id,omitempty"`
	Note              string `json:"note,omitempty"`
}
