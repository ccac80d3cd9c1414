package statusfeed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/offsync/coordinator"
	"github.com/c0deZ3R0/offsync/logging"
)

type fakeStatus struct {
	State   string `json:"state"`
	Pending int    `json:"pending_count"`
}

func startFeed(t *testing.T, cfg *Config) (*Feed, *httptest.Server, context.CancelFunc) {
	t.Helper()
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.Logger = logging.Discard()
	feed := New(func() any { return fakeStatus{State: "idle", Pending: 3} }, cfg)
	srv := httptest.NewServer(feed)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = feed.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})
	return feed, srv, cancel
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestNewClientReceivesStatusFirst(t *testing.T) {
	_, srv, _ := startFeed(t, nil)
	conn := dial(t, srv)

	msg := readMessage(t, conn)
	assert.Equal(t, MessageStatus, msg.Type)
	var st fakeStatus
	require.NoError(t, json.Unmarshal(msg.Data, &st))
	assert.Equal(t, fakeStatus{State: "idle", Pending: 3}, st)
}

func TestEventsReachEveryClient(t *testing.T) {
	feed, srv, _ := startFeed(t, nil)
	a, b := dial(t, srv), dial(t, srv)
	readMessage(t, a)
	readMessage(t, b)
	require.Equal(t, 2, feed.Clients())

	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	feed.PublishEvent(coordinator.Event{Type: coordinator.EventNewData, At: at, State: coordinator.StateReconciling, Count: 4})

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readMessage(t, conn)
		assert.Equal(t, MessageEvent, msg.Type)
		assert.True(t, at.Equal(msg.Timestamp))
		var ev coordinator.Event
		require.NoError(t, json.Unmarshal(msg.Data, &ev))
		assert.Equal(t, coordinator.EventNewData, ev.Type)
		assert.Equal(t, coordinator.StateReconciling, ev.State)
		assert.Equal(t, 4, ev.Count)
	}
}

func TestFollowForwardsUntilChannelCloses(t *testing.T) {
	feed, srv, _ := startFeed(t, nil)
	conn := dial(t, srv)
	readMessage(t, conn)

	events := make(chan coordinator.Event, 2)
	events <- coordinator.Event{Type: coordinator.EventSyncComplete}
	events <- coordinator.Event{Type: coordinator.EventConflict, ConflictID: "c1"}
	close(events)
	require.NoError(t, feed.Follow(context.Background(), events))

	var ev coordinator.Event
	require.NoError(t, json.Unmarshal(readMessage(t, conn).Data, &ev))
	assert.Equal(t, coordinator.EventSyncComplete, ev.Type)
	require.NoError(t, json.Unmarshal(readMessage(t, conn).Data, &ev))
	assert.Equal(t, "c1", ev.ConflictID)
}

func TestPublishAccepted(t *testing.T) {
	feed, srv, _ := startFeed(t, nil)
	conn := dial(t, srv)
	readMessage(t, conn)

	feed.PublishAccepted(2, 17)
	msg := readMessage(t, conn)
	assert.Equal(t, MessageAccepted, msg.Type)
	var data AcceptedData
	require.NoError(t, json.Unmarshal(msg.Data, &data))
	assert.Equal(t, AcceptedData{Count: 2, ServerVersion: 17}, data)
}

func TestPublishDropsWhenQueueFull(t *testing.T) {
	feed := New(nil, &Config{Buffer: 1, Logger: logging.Discard()})
	feed.Publish(Message{Type: MessageEvent})
	feed.Publish(Message{Type: MessageEvent})
	feed.Publish(Message{Type: MessageEvent})
	assert.Equal(t, int64(2), feed.Dropped())
}

func TestHealthAndStatus(t *testing.T) {
	_, srv, _ := startFeed(t, nil)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])

	resp2, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var st fakeStatus
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&st))
	assert.Equal(t, 3, st.Pending)

	resp3, err := http.Post(srv.URL+"/status", "application/json", nil)
	require.NoError(t, err)
	resp3.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp3.StatusCode)
}

func TestRunStopDisconnectsClients(t *testing.T) {
	feed, srv, cancel := startFeed(t, nil)
	conn := dial(t, srv)
	readMessage(t, conn)

	cancel()
	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
	assert.Eventually(t, func() bool { return feed.Clients() == 0 }, 5*time.Second, 10*time.Millisecond)
}
