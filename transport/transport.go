// Package transport defines how batches move between a device and its
// counterpart. Delivery is at-least-once: a receiver deduplicates on the
// operation id, so a push may always be repeated.
package transport

import (
	"context"

	"github.com/c0deZ3R0/offsync/cursor"
	"github.com/c0deZ3R0/offsync/synckit"
)

// Transport pushes local batches to a counterpart and pulls what the
// counterpart accepted from others.
//
// Implementations classify failures with errors.NewTransient (network,
// timeout, overload) or errors.NewPermanent (rejected request,
// authentication, malformed data). Neither retries on its own.
type Transport interface {
	Push(ctx context.Context, batch synckit.Batch) (PushResult, error)
	Pull(ctx context.Context, since cursor.Cursor) (PullResult, error)
}

// PushRequest is the body of POST /sync/push.
type PushRequest struct {
	DeviceID   string              `json:"device_id"`
	BatchID    string              `json:"batch_id"`
	Operations []synckit.Operation `json:"operations"`
}

// Rejection explains why the receiver refused one operation.
type Rejection struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// PushResult lists what the receiver persisted. Ids that were already
// known are accepted again.
type PushResult struct {
	AcceptedIDs []string    `json:"accepted_ids"`
	Rejected    []Rejection `json:"rejected"`
}

// Accepted reports whether id was accepted.
func (r PushResult) Accepted(id string) bool {
	for _, a := range r.AcceptedIDs {
		if a == id {
			return true
		}
	}
	return false
}

// PullResult is one page of operations in replay order. NextSince is the
// cursor to resume from; HasMore means another page is waiting.
type PullResult struct {
	Operations    []synckit.Operation `json:"operations"`
	ServerVersion uint64              `json:"server_version"`
	NextSince     uint64              `json:"next_since"`
	HasMore       bool                `json:"has_more"`
}

// Next returns the cursor a caller should persist after applying r.
func (r PullResult) Next(since cursor.Cursor) cursor.Cursor {
	return since.Advance(r.NextSince)
}

// Funcs adapts plain functions to Transport. A nil function behaves like
// an empty counterpart.
type Funcs struct {
	PushFunc func(ctx context.Context, batch synckit.Batch) (PushResult, error)
	PullFunc func(ctx context.Context, since cursor.Cursor) (PullResult, error)
}

func (f Funcs) Push(ctx context.Context, batch synckit.Batch) (PushResult, error) {
	if f.PushFunc == nil {
		return PushResult{AcceptedIDs: batch.IDs()}, nil
	}
	return f.PushFunc(ctx, batch)
}

func (f Funcs) Pull(ctx context.Context, since cursor.Cursor) (PullResult, error) {
	if f.PullFunc == nil {
		return PullResult{NextSince: since.Seq, ServerVersion: since.Seq}, nil
	}
	return f.PullFunc(ctx, since)
}
