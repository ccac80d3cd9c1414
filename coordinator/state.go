package coordinator

import (
	"fmt"
	"time"

	"github.com/c0deZ3R0/offsync/batcher"
	"github.com/c0deZ3R0/offsync/cursor"
)

// State is the phase of the sync cycle the coordinator is in.
type State int

const (
	StateIdle State = iota
	StateCollecting
	StateTransmitting
	StateReconciling
	// StateDegraded is entered after too many consecutive transmission
	// failures. Cycles keep running at a slower pace.
	StateDegraded
)

var stateNames = [...]string{"idle", "collecting", "transmitting", "reconciling", "degraded"}

func (s State) String() string {
	if s < StateIdle || s > StateDegraded {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown coordinator state %q", text)
}

// transitions lists the legal next states. A cycle runs
// idle -> collecting -> transmitting -> reconciling -> idle; a pull-only
// cycle skips straight to reconciling, and any failed cycle may end in
// degraded.
var transitions = map[State][]State{
	StateIdle:         {StateCollecting, StateReconciling},
	StateDegraded:     {StateCollecting, StateReconciling},
	StateCollecting:   {StateTransmitting, StateReconciling, StateIdle, StateDegraded},
	StateTransmitting: {StateReconciling, StateIdle, StateDegraded},
	StateReconciling:  {StateIdle, StateDegraded},
}

// CanTransition reports whether moving from s to next is legal.
func (s State) CanTransition(next State) bool {
	for _, to := range transitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// Status is a read-only snapshot for UIs and health checks.
type Status struct {
	State    State `json:"state"`
	Degraded bool  `json:"degraded"`
	// Online is false until the remote first answers, and after any
	// transient transport failure.
	Online bool `json:"online"`

	Pending   int `json:"pending_count"`
	InFlight  int `json:"in_flight_count"`
	Failed    int `json:"failed_count"`
	Conflicts int `json:"conflict_count"`
	Queued    int `json:"queued_count"`

	LastSyncedAt        *time.Time   `json:"last_synced_at,omitempty"`
	LastError           string       `json:"last_error,omitempty"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	Pace                batcher.Pace `json:"pace"`
}

// SyncSummary counts what one cycle did.
type SyncSummary struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	Batches  int `json:"batches"`
	Pushed   int `json:"pushed"`
	Rejected int `json:"rejected"`
	Retried  int `json:"retried"`
	Failed   int `json:"failed"`

	Pulled     int `json:"pulled"`
	Applied    int `json:"applied"`
	Merged     int `json:"merged"`
	Superseded int `json:"superseded"`
	Duplicates int `json:"duplicates"`
	Skipped    int `json:"skipped"`
	Conflicts  int `json:"conflicts"`

	ServerVersion uint64        `json:"server_version"`
	Cursor        cursor.Cursor `json:"cursor"`
}

// NewData is the number of pulled or imported operations that changed
// local state.
func (s SyncSummary) NewData() int {
	return s.Applied + s.Merged + s.Superseded + s.Conflicts
}

// EventType names a coordinator notification.
type EventType string

const (
	EventSyncComplete EventType = "sync_complete"
	EventSyncFailed   EventType = "sync_failed"
	EventConflict     EventType = "conflict"
	EventNewData      EventType = "new_data"
	EventProgress     EventType = "progress"
	EventStateChanged EventType = "state_changed"
)

// Event is sent on the Events channel.
type Event struct {
	Type       EventType    `json:"type"`
	At         time.Time    `json:"at"`
	State      State        `json:"state"`
	Summary    *SyncSummary `json:"summary,omitempty"`
	Error      string       `json:"error,omitempty"`
	ConflictID string       `json:"conflict_id,omitempty"`
	Count      int          `json:"count,omitempty"`
}
