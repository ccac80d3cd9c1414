package httptransport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/c0deZ3R0/offsync/cursor"
	syncErrors "github.com/c0deZ3R0/offsync/errors"
)

// Notify wakes every open version stream so it reports a new server
// version without waiting for the next poll.
func (h *Handler) Notify() {
	h.mu.Lock()
	close(h.changed)
	h.changed = make(chan struct{})
	h.mu.Unlock()
}

func (h *Handler) changes() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.changed
}

// handleStream serves GET /stream as server-sent events. A frame carrying
// the server version is sent whenever it moves past the last one sent,
// starting from since. Idle streams get a comment line every poll.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.respondErr(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.respondErr(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	since, err := cursor.Parse(r.URL.Query().Get("since"))
	if err != nil {
		h.respondErr(w, r, http.StatusBadRequest, "invalid 'since': "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	sent := since.Seq
	poll := time.NewTicker(h.options.StreamPoll)
	defer poll.Stop()
	h.logger.Debug("version stream opened", slog.String("since", since.String()))

	for {
		// take the channel before reading the version so a write in
		// between still wakes us
		changed := h.changes()
		if v := h.backend.Version(); v > sent {
			b, _ := json.Marshal(versionBody{ServerVersion: v})
			if _, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", v, b); err != nil {
				return
			}
			flusher.Flush()
			sent = v
		}

		select {
		case <-ctx.Done():
			h.logger.Debug("version stream closed", slog.Uint64("last_sent", sent))
			return
		case <-changed:
		case <-poll.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// Watch follows GET /stream and calls fn with every server version newer
// than since. It returns nil once ctx is done. Any other return is an
// error: a broken or closed stream is transient, a frame that cannot be
// decoded is permanent, and errors from fn are returned as they are.
func (c *Client) Watch(ctx context.Context, since cursor.Cursor, fn func(serverVersion uint64) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/stream?since="+since.String(), nil)
	if err != nil {
		return syncErrors.NewPermanent(syncErrors.OpPull, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.options.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.options.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return syncErrors.NewTransient(syncErrors.OpPull, fmt.Errorf("network error: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(syncErrors.OpPull, resp, resp.Body)
	}

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		data, ok := bytes.CutPrefix(sc.Bytes(), []byte("data: "))
		if !ok {
			continue
		}
		var ev versionBody
		if err := json.Unmarshal(data, &ev); err != nil {
			return syncErrors.NewPermanent(syncErrors.OpPull, fmt.Errorf("malformed stream frame: %w", err))
		}
		if err := fn(ev.ServerVersion); err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	if err := sc.Err(); err != nil {
		return syncErrors.NewTransient(syncErrors.OpPull, fmt.Errorf("stream interrupted: %w", err))
	}
	return syncErrors.NewTransient(syncErrors.OpPull, fmt.Errorf("stream closed by server"))
}
