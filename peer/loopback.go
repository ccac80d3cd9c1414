package peer

import (
	"context"

	"github.com/c0deZ3R0/offsync/cursor"
	"github.com/c0deZ3R0/offsync/synckit"
	"github.com/c0deZ3R0/offsync/transport"
)

// Loopback is an in-process transport.Transport talking to a Store
// directly, for embedding a peer in the same binary and for tests.
type Loopback struct {
	Store    *Store
	DeviceID string
	Limit    int
}

var _ transport.Transport = Loopback{}

func (l Loopback) Push(ctx context.Context, batch synckit.Batch) (transport.PushResult, error) {
	return l.Store.Push(ctx, transport.PushRequest{
		DeviceID:   l.DeviceID,
		BatchID:    batch.ID,
		Operations: batch.Operations,
	})
}

func (l Loopback) Pull(ctx context.Context, since cursor.Cursor) (transport.PullResult, error) {
	return l.Store.Pull(ctx, since, l.Limit)
}
