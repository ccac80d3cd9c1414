package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/c0deZ3R0/offsync/cursor"
	syncErrors "github.com/c0deZ3R0/offsync/errors"
	"github.com/c0deZ3R0/offsync/logging"
	"github.com/c0deZ3R0/offsync/transport"
)

// Backend is what the handler serves. peer.Store implements it.
type Backend interface {
	Push(ctx context.Context, req transport.PushRequest) (transport.PushResult, error)
	Pull(ctx context.Context, since cursor.Cursor, limit int) (transport.PullResult, error)
	Version() uint64
}

// versionBody is the response of GET /sync/version.
type versionBody struct {
	ServerVersion uint64 `json:"server_version"`
}

// Handler serves the sync endpoint:
//
//	POST /sync/push             {device_id, batch_id, operations}
//	GET  /sync/pull?since=&limit=
//	GET  /sync/version
//	GET  /sync/stream?since=    server-sent version events
//	GET  /health
type Handler struct {
	backend Backend
	logger  *logging.Logger
	options *ServerOptions

	mu      sync.Mutex
	changed chan struct{}
}

// NewHandler creates a handler for backend.
func NewHandler(backend Backend, opts ...ServerOption) *Handler {
	options := applyServerOptions(opts...)
	return &Handler{
		backend: backend,
		logger:  options.Logger,
		options: options,
		changed: make(chan struct{}),
	}
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, code int, payload any) {
	respondWithJSON(w, r, code, payload, h.options)
}

func (h *Handler) respondErr(w http.ResponseWriter, r *http.Request, code int, message string) {
	respondWithError(w, r, code, message, h.options)
}

// ServeHTTP routes requests. The /sync prefix is optional so the handler
// can also be mounted under another path with http.StripPrefix.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/sync")

	switch path {
	case "/push":
		h.handlePush(w, r)
	case "/pull":
		h.handlePull(w, r)
	case "/version":
		h.handleVersion(w, r)
	case "/stream":
		h.handleStream(w, r)
	case "/health":
		h.respond(w, r, http.StatusOK, map[string]string{"status": "ok"})
	default:
		h.respondErr(w, r, http.StatusNotFound, "not found")
	}
}

func (h *Handler) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx := r.Context()
	if id := r.Header.Get("X-Request-ID"); id != "" {
		ctx = context.WithValue(ctx, logging.RequestIDKey, id)
	}
	if h.options.RequestTimeout > 0 {
		return context.WithTimeout(ctx, h.options.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

func (h *Handler) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.respondErr(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, cleanup, err := createSafeRequestReader(w, r, h.options)
	if err != nil {
		h.respondErr(w, r, mapErrorToHTTPStatus(err), err.Error())
		return
	}
	defer cleanup()

	var req transport.PushRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			h.respondErr(w, r, http.StatusBadRequest, "empty request body")
			return
		}
		h.respondErr(w, r, mapErrorToHTTPStatus(err), "invalid push body: "+err.Error())
		return
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()
	ctx = context.WithValue(ctx, logging.BatchIDKey, req.BatchID)

	result, err := h.backend.Push(ctx, req)
	if err != nil {
		h.logger.WithContext(ctx).LogError(ctx, err, "push failed",
			slog.String("device_id", req.DeviceID),
			slog.Int("operations", len(req.Operations)),
		)
		h.respondErr(w, r, backendStatus(err), "push failed: "+err.Error())
		return
	}
	h.respond(w, r, http.StatusOK, result)
}

func (h *Handler) handlePull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.respondErr(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	query := r.URL.Query()
	since, err := cursor.Parse(query.Get("since"))
	if err != nil {
		h.respondErr(w, r, http.StatusBadRequest, "invalid 'since': "+err.Error())
		return
	}
	limit := 0
	if s := query.Get("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil || limit < 0 {
			h.respondErr(w, r, http.StatusBadRequest, "invalid 'limit': "+s)
			return
		}
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()

	result, err := h.backend.Pull(ctx, since, limit)
	if err != nil {
		h.logger.WithContext(ctx).LogError(ctx, err, "pull failed", slog.String("since", since.String()))
		h.respondErr(w, r, backendStatus(err), "pull failed: "+err.Error())
		return
	}
	h.logger.Debug("pull served",
		slog.String("since", since.String()),
		slog.Int("operations", len(result.Operations)),
		slog.Uint64("server_version", result.ServerVersion),
	)
	h.respond(w, r, http.StatusOK, result)
}

func (h *Handler) handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.respondErr(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	h.respond(w, r, http.StatusOK, versionBody{ServerVersion: h.backend.Version()})
}

// backendStatus tells the client whether repeating the request can help:
// storage trouble and timeouts are 503, bad input is 400.
func backendStatus(err error) int {
	switch {
	case syncErrors.IsValidation(err):
		return http.StatusBadRequest
	case syncErrors.IsStorage(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
