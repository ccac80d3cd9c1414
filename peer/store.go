// Package peer is the receiving side of the sync endpoint. A Store is an
// operation log that also numbers every operation it accepts, so devices
// can pull "everything after sequence n" without tracking clocks.
package peer

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/c0deZ3R0/offsync/cursor"
	"github.com/c0deZ3R0/offsync/errors"
	"github.com/c0deZ3R0/offsync/logging"
	"github.com/c0deZ3R0/offsync/oplog"
	"github.com/c0deZ3R0/offsync/storage"
	"github.com/c0deZ3R0/offsync/synckit"
	"github.com/c0deZ3R0/offsync/transport"
)

const (
	// SeqPrefix starts the key of every sequence index entry. A postgres
	// provider notifying on this prefix announces each accepted operation.
	SeqPrefix = "seq/"

	// DefaultPullLimit bounds a pull page when the caller sends no limit.
	DefaultPullLimit = 500
	// MaxPullLimit caps the limit a caller may ask for.
	MaxPullLimit = 5000
)

// seqKey is zero-padded so the provider's byte order is numeric order.
func seqKey(seq uint64) string { return fmt.Sprintf("%s%020d", SeqPrefix, seq) }

// AcceptFunc is called after a push committed new operations. last is the
// sequence number of the newest one.
type AcceptFunc func(ops []synckit.Operation, last uint64)

type options struct {
	logger   *logging.Logger
	onAccept AcceptFunc
}

// Option configures a Store.
type Option func(*options)

// WithLogger sets the store logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// OnAccept registers a callback for newly accepted operations.
func OnAccept(f AcceptFunc) Option {
	return func(o *options) { o.onAccept = f }
}

// Store serves pushes and pulls on top of an oplog.Log.
type Store struct {
	log      *oplog.Log
	provider storage.Provider
	logger   *logging.Logger
	onAccept AcceptFunc

	// mu serializes pushes so sequence numbers are dense and commit in order.
	mu    sync.Mutex
	order []string // order[i] holds sequence i+1
}

// Open loads the sequence index that sits next to log's records in the
// same provider.
func Open(ctx context.Context, log *oplog.Log, opts ...Option) (*Store, error) {
	cfg := &options{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logging.Default().WithComponent(logging.Component("peer"))
	}
	s := &Store{
		log:      log,
		provider: log.Store(),
		logger:   cfg.logger,
		onAccept: cfg.onAccept,
	}

	err := s.provider.Scan(ctx, SeqPrefix, func(key string, value []byte) error {
		seq, err := strconv.ParseUint(strings.TrimPrefix(key, SeqPrefix), 10, 64)
		if err != nil {
			return errors.NewStorageError(errors.OpLoad, fmt.Errorf("corrupted sequence key %s: %w", key, err))
		}
		if seq != uint64(len(s.order))+1 {
			return errors.NewStorageError(errors.OpLoad, fmt.Errorf("sequence gap before %d", seq))
		}
		s.order = append(s.order, string(value))
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("peer store opened", slog.Uint64("server_version", uint64(len(s.order))))
	return s, nil
}

// Log returns the underlying operation log.
func (s *Store) Log() *oplog.Log { return s.log }

// Version is the sequence number of the newest accepted operation.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.order))
}

// Push validates and applies each operation of req. Invalid operations are
// rejected with a reason; the rest are accepted. Operations the store
// already knows are accepted again without a new sequence number, which is
// what makes a repeated push harmless.
//
// An error means the request as a whole failed (storage unavailable); some
// operations may already have been persisted, and a retry of the full
// request is safe.
func (s *Store) Push(ctx context.Context, req transport.PushRequest) (transport.PushResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := transport.PushResult{AcceptedIDs: []string{}, Rejected: []transport.Rejection{}}
	var fresh []synckit.Operation
	defer func() {
		if len(fresh) > 0 && s.onAccept != nil {
			s.onAccept(fresh, uint64(len(s.order)))
		}
	}()

	for _, op := range req.Operations {
		if err := op.Validate(); err != nil {
			result.Rejected = append(result.Rejected, transport.Rejection{ID: op.ID, Reason: reason(err)})
			continue
		}

		next := uint64(len(s.order)) + 1
		res, err := s.log.Apply(ctx, op, oplog.WithExtraWrites(func(op synckit.Operation) []storage.Write {
			return []storage.Write{storage.Put(seqKey(next), []byte(op.ID))}
		}))
		if err != nil {
			s.logger.LogError(ctx, err, "push aborted",
				slog.String("batch_id", req.BatchID),
				slog.String("device_id", req.DeviceID),
				slog.String("operation_id", op.ID),
			)
			return result, err
		}
		if res.Outcome != oplog.OutcomeDuplicate {
			s.order = append(s.order, op.ID)
			fresh = append(fresh, op)
		}
		result.AcceptedIDs = append(result.AcceptedIDs, op.ID)
	}

	s.logger.Info("push accepted",
		slog.String("batch_id", req.BatchID),
		slog.String("device_id", req.DeviceID),
		slog.Int("accepted", len(result.AcceptedIDs)),
		slog.Int("new", len(fresh)),
		slog.Int("rejected", len(result.Rejected)),
	)
	return result, nil
}

// Pull returns up to limit operations with a sequence number above since,
// in sequence order. Operations removed by compaction are skipped.
func (s *Store) Pull(ctx context.Context, since cursor.Cursor, limit int) (transport.PullResult, error) {
	if limit <= 0 {
		limit = DefaultPullLimit
	}
	limit = min(limit, MaxPullLimit)

	s.mu.Lock()
	total := uint64(len(s.order))
	start := min(since.Seq, total)
	end := min(start+uint64(limit), total)
	ids := append([]string(nil), s.order[start:end]...)
	s.mu.Unlock()

	result := transport.PullResult{
		Operations:    make([]synckit.Operation, 0, len(ids)),
		ServerVersion: total,
		NextSince:     end,
		HasMore:       end < total,
	}
	for _, id := range ids {
		e, err := s.log.Get(ctx, id)
		if errors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return transport.PullResult{}, err
		}
		result.Operations = append(result.Operations, e.Operation)
	}
	return result, nil
}

func reason(err error) string {
	var se *errors.SyncError
	if errors.As(err, &se) {
		return se.Err.Error()
	}
	return err.Error()
}
