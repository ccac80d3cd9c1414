package postgres

import (
	"context"
	"fmt"
	"log/slog"
	stdSync "sync"
	"sync/atomic"
	"time"

	"github.com/lib/pq"

	"github.com/c0deZ3R0/offsync/logging"
)

// ChangeHandler receives the key of a committed write.
type ChangeHandler func(key string)

// ListenerOptions tunes the underlying pq.Listener.
type ListenerOptions struct {
	Logger              *logging.Logger
	ReconnectInterval   time.Duration
	NotificationTimeout time.Duration
	PingInterval        time.Duration
}

// ChangeListener delivers LISTEN/NOTIFY messages from one channel to the
// registered handlers. The peer server uses it to wake pull long-polls and
// status subscribers when another process appends operations.
type ChangeListener struct {
	channel  string
	logger   *logging.Logger
	listener *pq.Listener
	ping     time.Duration

	mu       stdSync.RWMutex
	handlers []ChangeHandler

	closed int32
	done   chan struct{}
}

// NewChangeListener connects a pq.Listener to channel.
func NewChangeListener(connectionString, channel string, opts ListenerOptions) (*ChangeListener, error) {
	if connectionString == "" {
		return nil, fmt.Errorf("connection string cannot be empty")
	}
	if channel == "" {
		return nil, fmt.Errorf("channel cannot be empty")
	}
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent(logging.Component("postgres-listener"))
	}
	if opts.ReconnectInterval == 0 {
		opts.ReconnectInterval = 5 * time.Second
	}
	if opts.NotificationTimeout == 0 {
		opts.NotificationTimeout = 30 * time.Second
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = 90 * time.Second
	}

	cl := &ChangeListener{
		channel: channel,
		logger:  opts.Logger,
		ping:    opts.PingInterval,
		done:    make(chan struct{}),
	}
	cl.listener = pq.NewListener(connectionString, opts.ReconnectInterval, opts.NotificationTimeout, cl.eventCallback)
	if err := cl.listener.Listen(channel); err != nil {
		cl.listener.Close()
		return nil, fmt.Errorf("listen on %s: %w", channel, err)
	}
	return cl, nil
}

func (cl *ChangeListener) eventCallback(event pq.ListenerEventType, err error) {
	switch event {
	case pq.ListenerEventConnected:
		cl.logger.Debug("connected for LISTEN/NOTIFY", slog.String("channel", cl.channel))
	case pq.ListenerEventDisconnected:
		cl.logger.Warn("listener disconnected", slog.Any("error", err))
	case pq.ListenerEventReconnected:
		// pq re-issues LISTEN for us, but notifications sent while we were
		// away are lost; an empty key tells handlers to rescan.
		cl.logger.Info("listener reconnected", slog.String("channel", cl.channel))
		cl.dispatch("")
	case pq.ListenerEventConnectionAttemptFailed:
		cl.logger.Warn("listener connection attempt failed", slog.Any("error", err))
	}
}

// Subscribe registers a handler. Handlers run on the listener goroutine and
// should not block.
func (cl *ChangeListener) Subscribe(h ChangeHandler) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.handlers = append(cl.handlers, h)
}

func (cl *ChangeListener) dispatch(key string) {
	cl.mu.RLock()
	handlers := append([]ChangeHandler(nil), cl.handlers...)
	cl.mu.RUnlock()
	for _, h := range handlers {
		h(key)
	}
}

// Run processes notifications until ctx is cancelled or Close is called.
func (cl *ChangeListener) Run(ctx context.Context) error {
	if atomic.LoadInt32(&cl.closed) == 1 {
		return fmt.Errorf("listener is closed")
	}
	ticker := time.NewTicker(cl.ping)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cl.done:
			return nil
		case n := <-cl.listener.Notify:
			// nil is sent after a reconnect
			if n == nil {
				continue
			}
			cl.dispatch(n.Extra)
		case <-ticker.C:
			go func() {
				if err := cl.listener.Ping(); err != nil {
					cl.logger.Warn("listener ping failed", slog.Any("error", err))
				}
			}()
		}
	}
}

// Close stops Run and releases the connection.
func (cl *ChangeListener) Close() error {
	if !atomic.CompareAndSwapInt32(&cl.closed, 0, 1) {
		return nil
	}
	close(cl.done)
	return cl.listener.Close()
}
