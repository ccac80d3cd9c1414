// Package synckit holds the data model shared by the offsync engine: operations,
// their sync state, batches, converged entity state, conflict records, and the
// conflict resolver that merges concurrent operations.
package synckit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/c0deZ3R0/offsync/errors"
	"github.com/c0deZ3R0/offsync/version"
)

// Kind is the type of mutation an operation describes.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindCreate, KindUpdate, KindDelete:
		return true
	}
	return false
}

// Priority is the caller-assigned urgency of an operation. Higher values sync first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

var priorityNames = [...]string{"low", "medium", "high", "critical"}

func (p Priority) String() string {
	if p < PriorityLow || p > PriorityCritical {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

// Valid reports whether p is one of the four priority classes.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// Promote returns the next higher class, saturating at Critical.
func (p Priority) Promote(steps int) Priority {
	out := p + Priority(steps)
	if out > PriorityCritical {
		return PriorityCritical
	}
	return out
}

// ParsePriority accepts the names produced by String.
func ParsePriority(s string) (Priority, error) {
	for i, name := range priorityNames {
		if strings.EqualFold(s, name) {
			return Priority(i), nil
		}
	}
	return PriorityLow, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Operation is an immutable record of one intended mutation, the unit of sync.
type Operation struct {
	ID           string               `json:"id"`
	EntityType   string               `json:"entity_type"`
	EntityID     string               `json:"entity_id"`
	Kind         Kind                 `json:"kind"`
	Payload      json.RawMessage      `json:"payload,omitempty"`
	Priority     Priority             `json:"priority"`
	OriginDevice string               `json:"origin_device"`
	Version      *version.VectorClock `json:"version"`
	CreatedAt    time.Time            `json:"created_at"`
}

// EntityKey identifies the logical record an operation mutates.
func (op Operation) EntityKey() EntityKey {
	return EntityKey{Type: op.EntityType, ID: op.EntityID}
}

// Rank is the scalar version of the operation's clock.
func (op Operation) Rank() uint64 {
	return op.Version.Rank()
}

// Validate checks the fields every participant relies on.
func (op Operation) Validate() error {
	var problems []string
	if op.ID == "" {
		problems = append(problems, "id is required")
	}
	if op.EntityType == "" || op.EntityID == "" {
		problems = append(problems, "entity_type and entity_id are required")
	}
	if !op.Kind.Valid() {
		problems = append(problems, fmt.Sprintf("invalid kind %q", op.Kind))
	}
	if !op.Priority.Valid() {
		problems = append(problems, fmt.Sprintf("invalid priority %d", int(op.Priority)))
	}
	if op.OriginDevice == "" {
		problems = append(problems, "origin_device is required")
	}
	if op.Version.IsZero() {
		problems = append(problems, "version is required")
	}
	if len(op.Payload) > 0 && !json.Valid(op.Payload) {
		problems = append(problems, "payload is not valid JSON")
	}
	if len(problems) > 0 {
		return errors.NewValidationError(errors.OpAppend, fmt.Errorf("operation %q: %s", op.ID, strings.Join(problems, "; ")))
	}
	return nil
}

// EncodedSize is the size of the wire form, used for batch byte limits.
func (op Operation) EncodedSize() int {
	data, err := json.Marshal(op)
	if err != nil {
		return 0
	}
	return len(data)
}

// PendingLess is the ordering contract for pending work: priority descending,
// version rank ascending, created_at ascending, then id.
func PendingLess(a, b Operation) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if ra, rb := a.Rank(), b.Rank(); ra != rb {
		return ra < rb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// ReplayLess orders operations so that causal predecessors come first:
// version rank, then created_at, then id.
func ReplayLess(a, b Operation) bool {
	if ra, rb := a.Rank(), b.Rank(); ra != rb {
		return ra < rb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// EntityKey is the (entity_type, entity_id) pair.
type EntityKey struct {
	Type string `json:"entity_type"`
	ID   string `json:"entity_id"`
}

func (k EntityKey) String() string {
	return k.Type + "/" + k.ID
}

// Mutation is what a caller supplies for a local change. The log fills in
// the id, origin device, version and timestamp.
type Mutation struct {
	ID         string
	EntityType string
	EntityID   string
	Kind       Kind
	Payload    json.RawMessage
	Priority   Priority
}

// Status is the delivery status of an operation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "in_flight"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) String() string { return string(s) }

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition encodes Pending -> InFlight -> {Completed | Pending | Failed}.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusPending:
		return to == StatusInFlight
	case StatusInFlight:
		return to == StatusCompleted || to == StatusPending || to == StatusFailed
	default:
		return false
	}
}

// SyncState is the mutable delivery record of one operation.
type SyncState struct {
	Status     Status     `json:"status"`
	RetryCount int        `json:"retry_count"`
	LastError  string     `json:"last_error,omitempty"`
	SyncedAt   *time.Time `json:"synced_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Batch is a bounded group of operations selected for one transmission attempt.
type Batch struct {
	ID         string      `json:"id"`
	Priority   Priority    `json:"priority"`
	Operations []Operation `json:"operations"`
	Bytes      int         `json:"bytes"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Empty reports whether the batch carries no operations.
func (b Batch) Empty() bool {
	return len(b.Operations) == 0
}

// IDs lists the operation ids in batch order.
func (b Batch) IDs() []string {
	ids := make([]string, len(b.Operations))
	for i, op := range b.Operations {
		ids[i] = op.ID
	}
	return ids
}
