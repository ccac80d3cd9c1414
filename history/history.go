// Package history keeps a durable record of every sync run next to the
// operation log, so a failed night of syncing can still be inspected the
// next morning.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c0deZ3R0/offsync/errors"
	"github.com/c0deZ3R0/offsync/storage"
)

// keys are hist/<started unix nanos, zero padded>/<id> so a prefix scan
// returns runs oldest first
const prefix = "hist/"

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// Trigger is what started a run.
type Trigger string

const (
	TriggerForced Trigger = "forced"
	TriggerBatch  Trigger = "batch"
	TriggerPull   Trigger = "pull"
	TriggerImport Trigger = "import"
)

// Record is one finished run.
type Record struct {
	ID        string        `json:"id"`
	Trigger   Trigger       `json:"trigger"`
	Outcome   Outcome       `json:"outcome"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	Pushed    int `json:"pushed"`
	Rejected  int `json:"rejected"`
	Failed    int `json:"failed"`
	Pulled    int `json:"pulled"`
	NewData   int `json:"new_data"`
	Conflicts int `json:"conflicts"`

	ServerVersion uint64 `json:"server_version,omitempty"`

	// Error and Code are set for failed runs. Code is the SyncError code
	// when the failure carried one.
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// Filter selects records. The zero Filter selects everything.
type Filter struct {
	Outcome Outcome   // empty for both
	Since   time.Time // runs started at or after
	Limit   int       // newest first; 0 for no limit
}

func (f Filter) match(r Record) bool {
	if f.Outcome != "" && r.Outcome != f.Outcome {
		return false
	}
	return f.Since.IsZero() || !r.StartedAt.Before(f.Since)
}

// Counts summarises the stored runs.
type Counts struct {
	Success     int        `json:"success"`
	Failed      int        `json:"failed"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	LastFailure *time.Time `json:"last_failure,omitempty"`
}

// Store reads and writes records through a storage provider.
type Store struct {
	provider storage.Provider
}

// NewStore returns a history store backed by provider.
func NewStore(provider storage.Provider) *Store {
	return &Store{provider: provider}
}

func key(r Record) string {
	return fmt.Sprintf("%s%020d/%s", prefix, r.StartedAt.UnixNano(), r.ID)
}

func startedOf(k string) (int64, bool) {
	ts, _, ok := strings.Cut(strings.TrimPrefix(k, prefix), "/")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(ts, 10, 64)
	return n, err == nil
}

// Append stores r and returns it with its id set.
func (s *Store) Append(ctx context.Context, r Record) (Record, error) {
	if r.StartedAt.IsZero() {
		return Record{}, errors.NewValidationError(errors.OpStore, fmt.Errorf("history record needs a start time"))
	}
	switch r.Outcome {
	case OutcomeSuccess, OutcomeFailed:
	default:
		return Record{}, errors.NewValidationError(errors.OpStore, fmt.Errorf("unknown outcome %q", r.Outcome))
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.StartedAt = r.StartedAt.UTC()
	data, err := json.Marshal(r)
	if err != nil {
		return Record{}, errors.NewStorageError(errors.OpStore, err)
	}
	if err := s.provider.Apply(ctx, storage.Put(key(r), data)); err != nil {
		return Record{}, err
	}
	return r, nil
}

// List returns the matching records, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Record, error) {
	var out []Record
	err := s.scan(ctx, func(r Record) {
		if f.match(r) {
			out = append(out, r)
		}
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Counts tallies every stored record.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.scan(ctx, func(r Record) {
		at := r.StartedAt
		if r.Outcome == OutcomeFailed {
			c.Failed++
			c.LastFailure = &at
			return
		}
		c.Success++
		c.LastSuccess = &at
	})
	return c, err
}

// Prune deletes the records of runs started before the horizon.
func (s *Store) Prune(ctx context.Context, before time.Time) (int, error) {
	var writes []storage.Write
	err := s.provider.Scan(ctx, prefix, func(k string, _ []byte) error {
		started, ok := startedOf(k)
		if !ok {
			return errors.NewStorageError(errors.OpCompact, fmt.Errorf("malformed history key %s", k))
		}
		if started >= before.UnixNano() {
			// keys are in start order
			return storage.ErrStopScan
		}
		writes = append(writes, storage.Del(k))
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(writes) == 0 {
		return 0, nil
	}
	if err := s.provider.Apply(ctx, writes...); err != nil {
		return 0, err
	}
	return len(writes), nil
}

func (s *Store) scan(ctx context.Context, fn func(Record)) error {
	return s.provider.Scan(ctx, prefix, func(k string, v []byte) error {
		var r Record
		if err := json.Unmarshal(v, &r); err != nil {
			return errors.NewStorageError(errors.OpLoad, fmt.Errorf("corrupted history record %s: %w", k, err))
		}
		fn(r)
		return nil
	})
}
