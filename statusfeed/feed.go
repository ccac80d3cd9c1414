// Package statusfeed streams sync activity to websocket clients.
//
// A Feed is an http.Handler serving /ws, /health and /status. Messages
// handed to Publish are fanned out to every connected client by Run; a
// client that cannot keep up is disconnected rather than slowing the
// others down.
package statusfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/c0deZ3R0/offsync/coordinator"
	"github.com/c0deZ3R0/offsync/errors"
	"github.com/c0deZ3R0/offsync/logging"
)

// MessageType names what a Message carries.
type MessageType string

const (
	// MessageStatus carries a status snapshot. It is sent first on every
	// new connection.
	MessageStatus MessageType = "status"
	// MessageEvent carries a coordinator.Event.
	MessageEvent MessageType = "event"
	// MessageAccepted carries AcceptedData from a serving peer.
	MessageAccepted MessageType = "accepted"
)

// Message is one websocket frame.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// AcceptedData reports operations a peer committed.
type AcceptedData struct {
	Count         int    `json:"count"`
	ServerVersion uint64 `json:"server_version"`
}

// StatusFunc returns the snapshot served on /status and sent to new
// clients. Its result must marshal to JSON.
type StatusFunc func() any

// Config configures a Feed.
type Config struct {
	// Buffer is how many messages may wait for Run (default 128).
	Buffer int
	// WriteTimeout bounds one frame to one client (default 5s).
	WriteTimeout time.Duration
	// OriginPatterns are passed to websocket.Accept. Empty allows only
	// same-origin browsers.
	OriginPatterns []string

	Logger *logging.Logger
	Now    func() time.Time
}

func (c *Config) setDefaults() {
	if c.Buffer <= 0 {
		c.Buffer = 128
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logging.WithComponent(logging.Component("statusfeed"))
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Feed fans messages out to websocket clients.
type Feed struct {
	cfg    Config
	status StatusFunc
	logger *logging.Logger
	mux    *http.ServeMux

	queue   chan Message
	dropped atomic.Int64

	mu      sync.RWMutex
	clients map[*client]struct{}
	done    chan struct{}
	closed  bool
}

type client struct {
	conn *websocket.Conn
	once sync.Once
}

// New builds a Feed. status may be nil, in which case /status reports
// only the client count.
func New(status StatusFunc, config *Config) *Feed {
	var cfg Config
	if config != nil {
		cfg = *config
	}
	cfg.setDefaults()
	f := &Feed{
		cfg:     cfg,
		status:  status,
		logger:  cfg.Logger,
		queue:   make(chan Message, cfg.Buffer),
		clients: make(map[*client]struct{}),
		done:    make(chan struct{}),
	}
	f.mux = http.NewServeMux()
	f.mux.HandleFunc("GET /ws", f.handleWebSocket)
	f.mux.HandleFunc("GET /health", f.handleHealth)
	f.mux.HandleFunc("GET /status", f.handleStatus)
	return f
}

func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mux.ServeHTTP(w, r)
}

// Publish queues msg for every client. It never blocks: when the queue is
// full the message is dropped and counted.
func (f *Feed) Publish(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = f.cfg.Now()
	}
	select {
	case <-f.done:
	case f.queue <- msg:
	default:
		if n := f.dropped.Add(1); n == 1 || n%100 == 0 {
			f.logger.Warn("status feed queue full, dropping messages", slog.Int64("dropped", n))
		}
	}
}

// PublishEvent publishes a coordinator event.
func (f *Feed) PublishEvent(ev coordinator.Event) {
	msg, err := NewMessage(MessageEvent, ev)
	if err != nil {
		f.logger.LogError(context.Background(), err, "encode event")
		return
	}
	msg.Timestamp = ev.At
	f.Publish(msg)
}

// PublishAccepted reports operations committed by a serving peer.
func (f *Feed) PublishAccepted(count int, serverVersion uint64) {
	msg, err := NewMessage(MessageAccepted, AcceptedData{Count: count, ServerVersion: serverVersion})
	if err != nil {
		f.logger.LogError(context.Background(), err, "encode accepted")
		return
	}
	f.Publish(msg)
}

// Follow publishes every event from events until the channel closes or
// ctx is done.
func (f *Feed) Follow(ctx context.Context, events <-chan coordinator.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			f.PublishEvent(ev)
		}
	}
}

// Run broadcasts queued messages until ctx is done, then disconnects every
// client.
func (f *Feed) Run(ctx context.Context) error {
	defer f.shutdown()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-f.queue:
			data, err := json.Marshal(msg)
			if err != nil {
				f.logger.LogError(ctx, err, "encode message", slog.String("type", string(msg.Type)))
				continue
			}
			for _, c := range f.snapshot() {
				if err := f.write(ctx, c, data); err != nil {
					f.logger.Debug("dropping slow client", slog.String("error", err.Error()))
					f.drop(c)
				}
			}
		}
	}
}

// Clients is the number of connected clients.
func (f *Feed) Clients() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

// Dropped is the number of messages lost to a full queue.
func (f *Feed) Dropped() int64 { return f.dropped.Load() }

// NewMessage encodes data into a Message of type t.
func NewMessage(t MessageType, data any) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, errors.NewValidationError(errors.OpSync, fmt.Errorf("encode %s message: %w", t, err))
	}
	return Message{Type: t, Data: raw}, nil
}

func (f *Feed) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: f.cfg.OriginPatterns})
	if err != nil {
		f.logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{conn: conn}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	f.clients[c] = struct{}{}
	total := len(f.clients)
	f.mu.Unlock()
	f.logger.Info("status client connected", slog.Int("clients", total), slog.String("remote", r.RemoteAddr))

	if msg, err := NewMessage(MessageStatus, f.snapshotStatus()); err == nil {
		msg.Timestamp = f.cfg.Now()
		if data, err := json.Marshal(msg); err == nil {
			if err := f.write(r.Context(), c, data); err != nil {
				f.drop(c)
				return
			}
		}
	}

	// Clients only listen. Reading keeps control frames flowing and
	// notices the close.
	ctx := conn.CloseRead(context.Background())
	select {
	case <-ctx.Done():
		f.remove(c, websocket.StatusNormalClosure, "")
	case <-f.done:
		f.remove(c, websocket.StatusGoingAway, "shutting down")
	}
}

func (f *Feed) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "clients": f.Clients()})
}

func (f *Feed) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, f.snapshotStatus())
}

func (f *Feed) snapshotStatus() any {
	if f.status == nil {
		return map[string]any{"clients": f.Clients()}
	}
	return f.status()
}

func (f *Feed) write(ctx context.Context, c *client, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.WriteTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (f *Feed) snapshot() []*client {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*client, 0, len(f.clients))
	for c := range f.clients {
		out = append(out, c)
	}
	return out
}

// remove closes c with the close handshake.
func (f *Feed) remove(c *client, code websocket.StatusCode, reason string) {
	f.forget(c)
	c.once.Do(func() { _ = c.conn.Close(code, reason) })
}

// drop closes c without waiting for the peer, so one stuck client cannot
// stall the broadcast.
func (f *Feed) drop(c *client) {
	f.forget(c)
	c.once.Do(func() { _ = c.conn.CloseNow() })
}

func (f *Feed) forget(c *client) {
	f.mu.Lock()
	_, ok := f.clients[c]
	delete(f.clients, c)
	total := len(f.clients)
	f.mu.Unlock()
	if ok {
		f.logger.Info("status client disconnected", slog.Int("clients", total))
	}
}

func (f *Feed) shutdown() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	close(f.done)
	f.mu.Unlock()
	for _, c := range f.snapshot() {
		f.remove(c, websocket.StatusGoingAway, "shutting down")
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
