package version

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// VectorClockError reports a clock that breaks the size limits below.
type VectorClockError struct {
	Msg string
}

func (e *VectorClockError) Error() string {
	return e.Msg
}

func checkNodeID(nodeID string) error {
	switch {
	case nodeID == "":
		return &VectorClockError{Msg: "empty device ID"}
	case len(nodeID) > MaxNodeIDLength:
		return &VectorClockError{Msg: fmt.Sprintf("device ID %.16q... is longer than %d bytes", nodeID, MaxNodeIDLength)}
	}
	return nil
}

func checkNodeCount(n int) error {
	if n > MaxNodes {
		return &VectorClockError{Msg: fmt.Sprintf("clock would track %d devices, limit is %d", n, MaxNodes)}
	}
	return nil
}

// Size limits. Increment and decoding enforce them.
const (
	// MaxNodeIDLength is in bytes.
	MaxNodeIDLength = 255

	MaxNodes = 1000
)

// Relation is the causal relationship between two clocks.
type Relation int

const (
	Concurrent Relation = iota
	Before
	After
	Equal
)

func (r Relation) String() string {
	switch r {
	case Before:
		return "before"
	case After:
		return "after"
	case Equal:
		return "equal"
	default:
		return "concurrent"
	}
}

// VectorClock maps device IDs to logical counters. It establishes the
// partial order between operations produced by disconnected devices: one
// clock happened-before, happened-after, equals, or is concurrent with another.
//
// A nil *VectorClock behaves as the empty clock for every read method.
type VectorClock struct {
	clocks map[string]uint64
}

// NewVectorClock returns a clock with no entries.
func NewVectorClock() *VectorClock {
	return &VectorClock{
		clocks: make(map[string]uint64),
	}
}

// NewVectorClockFromString parses the JSON object form, {"device-1": 5, "device-2": 3}.
func NewVectorClockFromString(data string) (*VectorClock, error) {
	if strings.TrimSpace(data) == "" || data == "{}" {
		return NewVectorClock(), nil
	}

	vc := NewVectorClock()
	if err := json.Unmarshal([]byte(data), &vc.clocks); err != nil {
		return nil, fmt.Errorf("failed to unmarshal vector clock from '%s': %w", data, err)
	}
	if err := vc.validate(); err != nil {
		return nil, err
	}
	return vc, nil
}

// NewVectorClockFromMap creates a VectorClock from a copy of clocks.
func NewVectorClockFromMap(clocks map[string]uint64) *VectorClock {
	vc := NewVectorClock()
	for nodeID, clockValue := range clocks {
		if clockValue > 0 {
			vc.clocks[nodeID] = clockValue
		}
	}
	return vc
}

func (vc *VectorClock) validate() error {
	if err := checkNodeCount(len(vc.clocks)); err != nil {
		return err
	}
	for nodeID, v := range vc.clocks {
		if err := checkNodeID(nodeID); err != nil {
			return err
		}
		// zero entries carry no information; drop them so equal clocks compare equal
		if v == 0 {
			delete(vc.clocks, nodeID)
		}
	}
	return nil
}

// Increment increases the logical clock for a given device.
//
//	clock := NewVectorClock()
//	clock.Increment("device-1") // {"device-1": 1}
//	clock.Increment("device-1") // {"device-1": 2}
func (vc *VectorClock) Increment(nodeID string) error {
	if err := checkNodeID(nodeID); err != nil {
		return err
	}
	if vc.clocks == nil {
		vc.clocks = make(map[string]uint64)
	}
	if _, known := vc.clocks[nodeID]; !known {
		if err := checkNodeCount(len(vc.clocks) + 1); err != nil {
			return err
		}
	}

	vc.clocks[nodeID]++
	return nil
}

// Merge folds other into vc, keeping the maximum counter per device.
//
//	{"a": 2, "b": 1} merged with {"a": 1, "c": 2} is {"a": 2, "b": 1, "c": 2}
func (vc *VectorClock) Merge(other *VectorClock) error {
	if other == nil {
		return nil
	}

	added := 0
	for nodeID := range other.clocks {
		if err := checkNodeID(nodeID); err != nil {
			return err
		}
		if _, known := vc.clocks[nodeID]; !known {
			added++
		}
	}
	if err := checkNodeCount(len(vc.clocks) + added); err != nil {
		return err
	}

	if vc.clocks == nil {
		vc.clocks = make(map[string]uint64, len(other.clocks))
	}
	for nodeID, v := range other.clocks {
		if v > vc.clocks[nodeID] {
			vc.clocks[nodeID] = v
		}
	}

	return nil
}

// Join returns a new clock that is the least upper bound of a and b.
// Either argument may be nil. Join never mutates its inputs and ignores the
// node limit, since both inputs were already valid.
func Join(a, b *VectorClock) *VectorClock {
	out := a.Clone()
	if b == nil {
		return out
	}
	for nodeID, v := range b.clocks {
		if v > out.clocks[nodeID] {
			out.clocks[nodeID] = v
		}
	}
	return out
}

// Relate determines the causal relationship between vc and other.
func (vc *VectorClock) Relate(other *VectorClock) Relation {
	thisBehind := false
	otherBehind := false

	for nodeID, thisClock := range vc.entries() {
		otherClock := other.GetClock(nodeID)
		if thisClock < otherClock {
			thisBehind = true
		} else if thisClock > otherClock {
			otherBehind = true
		}
	}
	for nodeID, otherClock := range other.entries() {
		if _, seen := vc.entries()[nodeID]; seen {
			continue
		}
		if otherClock > 0 {
			thisBehind = true
		}
	}

	switch {
	case thisBehind && !otherBehind:
		return Before
	case otherBehind && !thisBehind:
		return After
	case !thisBehind && !otherBehind:
		return Equal
	default:
		return Concurrent
	}
}

// Compare returns -1 if vc happened-before other, 1 if it happened-after,
// and 0 when the clocks are concurrent or equal.
func (vc *VectorClock) Compare(other *VectorClock) int {
	switch vc.Relate(other) {
	case Before:
		return -1
	case After:
		return 1
	default:
		return 0
	}
}

// Dominates reports whether vc has observed everything other has (after or equal).
func (vc *VectorClock) Dominates(other *VectorClock) bool {
	r := vc.Relate(other)
	return r == After || r == Equal
}

// Rank is the sum of all counters. It strictly increases along every causal
// chain, so it serves as the scalar "version" used for ordering and tie-breaks.
func (vc *VectorClock) Rank() uint64 {
	var total uint64
	for _, v := range vc.entries() {
		total += v
	}
	return total
}

// Delta returns the entries of vc that are ahead of base. Applying the delta
// to base with Merge yields Join(base, vc).
func (vc *VectorClock) Delta(base *VectorClock) *VectorClock {
	out := NewVectorClock()
	for nodeID, v := range vc.entries() {
		if v > base.GetClock(nodeID) {
			out.clocks[nodeID] = v
		}
	}
	return out
}

// String serializes the VectorClock as a JSON object with sorted keys.
func (vc *VectorClock) String() string {
	if vc.IsZero() {
		return "{}"
	}

	data, err := json.Marshal(vc.clocks)
	if err != nil {
		return fmt.Sprintf(`{"error":"serialization failed: %s"}`, err.Error())
	}

	return string(data)
}

// MarshalJSON encodes the clock as a plain JSON object.
func (vc *VectorClock) MarshalJSON() ([]byte, error) {
	if vc == nil || vc.clocks == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(vc.clocks)
}

// UnmarshalJSON accepts the object form produced by MarshalJSON. null decodes to an empty clock.
func (vc *VectorClock) UnmarshalJSON(data []byte) error {
	clocks := make(map[string]uint64)
	if string(data) != "null" {
		if err := json.Unmarshal(data, &clocks); err != nil {
			return fmt.Errorf("failed to unmarshal vector clock: %w", err)
		}
	}
	vc.clocks = clocks
	return vc.validate()
}

// IsZero returns true if no device has been observed.
func (vc *VectorClock) IsZero() bool {
	return vc == nil || len(vc.clocks) == 0
}

// Clone creates a deep copy. Cloning nil returns an empty clock.
func (vc *VectorClock) Clone() *VectorClock {
	clone := NewVectorClock()
	for nodeID, clockValue := range vc.entries() {
		clone.clocks[nodeID] = clockValue
	}
	return clone
}

// GetClock returns the counter for a device, 0 if unseen.
func (vc *VectorClock) GetClock(nodeID string) uint64 {
	if vc == nil {
		return 0
	}
	return vc.clocks[nodeID]
}

// GetAllClocks returns a copy of the entries.
func (vc *VectorClock) GetAllClocks() map[string]uint64 {
	result := make(map[string]uint64)
	for nodeID, clockValue := range vc.entries() {
		result[nodeID] = clockValue
	}
	return result
}

// Nodes returns the observed device IDs in sorted order.
func (vc *VectorClock) Nodes() []string {
	nodes := make([]string, 0, vc.Size())
	for nodeID := range vc.entries() {
		nodes = append(nodes, nodeID)
	}
	sort.Strings(nodes)
	return nodes
}

// Size returns the number of devices tracked by this vector clock.
func (vc *VectorClock) Size() int {
	return len(vc.entries())
}

// IsConcurrentWith returns true if neither clock happened-before the other
// and they are not equal.
func (vc *VectorClock) IsConcurrentWith(other *VectorClock) bool {
	return vc.Relate(other) == Concurrent
}

// IsEqual, HappenedBefore and HappenedAfter test a single Relation.
func (vc *VectorClock) IsEqual(other *VectorClock) bool {
	return vc.Relate(other) == Equal
}

func (vc *VectorClock) HappenedBefore(other *VectorClock) bool {
	return vc.Relate(other) == Before
}

func (vc *VectorClock) HappenedAfter(other *VectorClock) bool {
	return vc.Relate(other) == After
}

func (vc *VectorClock) entries() map[string]uint64 {
	if vc == nil {
		return nil
	}
	return vc.clocks
}
