// Package httptransport carries sync batches over HTTP: a Client that
// implements transport.Transport and a Handler that serves the endpoint
// from a Backend such as peer.Store.
package httptransport

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/c0deZ3R0/offsync/cursor"
	syncErrors "github.com/c0deZ3R0/offsync/errors"
	"github.com/c0deZ3R0/offsync/logging"
	"github.com/c0deZ3R0/offsync/synckit"
	"github.com/c0deZ3R0/offsync/transport"
)

// maxErrorBody bounds how much of an error response is kept for the message.
const maxErrorBody = 4096

// Client implements transport.Transport against a sync endpoint.
type Client struct {
	baseURL  string // e.g. "https://sync.example.com/sync"
	deviceID string
	client   *http.Client
	options  *ClientOptions
	logger   *logging.Logger
}

var _ transport.Transport = (*Client)(nil)

// NewClient creates a client for the endpoint at baseURL. A baseURL
// without a path gets "/sync" appended.
func NewClient(baseURL, deviceID string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, syncErrors.NewValidationError(syncErrors.OpConfig, fmt.Errorf("invalid sync endpoint %q", baseURL))
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/sync"
	}
	options := applyClientOptions(opts...)
	return &Client{
		baseURL:  strings.TrimSuffix(u.String(), "/"),
		deviceID: deviceID,
		client:   options.HTTPClient,
		options:  options,
		logger:   options.Logger,
	}, nil
}

// BaseURL returns the endpoint the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// Push sends batch to POST /push.
//
// Bodies larger than GzipMinBytes are gzipped when compression is enabled.
// A failure before the response is read is transient: the server may or
// may not have persisted part of the batch, and a repeat is harmless.
func (c *Client) Push(ctx context.Context, batch synckit.Batch) (transport.PushResult, error) {
	if batch.Empty() {
		return transport.PushResult{}, nil
	}
	payload, err := json.Marshal(transport.PushRequest{
		DeviceID:   c.deviceID,
		BatchID:    batch.ID,
		Operations: batch.Operations,
	})
	if err != nil {
		return transport.PushResult{}, syncErrors.NewPermanent(syncErrors.OpPush, fmt.Errorf("failed to marshal batch: %w", err))
	}

	var body io.Reader = bytes.NewReader(payload)
	encoding := ""
	if c.options.CompressionEnabled && len(payload) >= c.options.GzipMinBytes {
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(payload); err != nil {
			return transport.PushResult{}, syncErrors.NewPermanent(syncErrors.OpPush, fmt.Errorf("failed to compress request: %w", err))
		}
		if err := gw.Close(); err != nil {
			return transport.PushResult{}, syncErrors.NewPermanent(syncErrors.OpPush, fmt.Errorf("failed to close gzip writer: %w", err))
		}
		c.logger.Debug("compressed push request",
			slog.Int("original_size", len(payload)),
			slog.Int("compressed_size", buf.Len()),
		)
		body, encoding = &buf, "gzip"
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/push", body)
	if err != nil {
		return transport.PushResult{}, syncErrors.NewPermanent(syncErrors.OpPush, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	var result transport.PushResult
	if err := c.do(req, syncErrors.OpPush, &result); err != nil {
		return transport.PushResult{}, err
	}
	c.logger.Debug("push completed",
		slog.String("batch_id", batch.ID),
		slog.Int("accepted", len(result.AcceptedIDs)),
		slog.Int("rejected", len(result.Rejected)),
	)
	return result, nil
}

// Pull fetches one page from GET /pull?since=.
func (c *Client) Pull(ctx context.Context, since cursor.Cursor) (transport.PullResult, error) {
	query := url.Values{"since": {since.String()}}
	if c.options.PullLimit > 0 {
		query.Set("limit", strconv.Itoa(c.options.PullLimit))
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/pull?"+query.Encode(), nil)
	if err != nil {
		return transport.PullResult{}, syncErrors.NewPermanent(syncErrors.OpPull, fmt.Errorf("failed to create request: %w", err))
	}

	var result transport.PullResult
	if err := c.do(req, syncErrors.OpPull, &result); err != nil {
		return transport.PullResult{}, err
	}
	return result, nil
}

// Version asks GET /version for the server's newest sequence number.
func (c *Client) Version(ctx context.Context) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/version", nil)
	if err != nil {
		return 0, syncErrors.NewPermanent(syncErrors.OpPull, fmt.Errorf("failed to create request: %w", err))
	}
	var v versionBody
	if err := c.do(req, syncErrors.OpPull, &v); err != nil {
		return 0, err
	}
	return v.ServerVersion, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || c.options.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.options.RequestTimeout)
}

// do sends req and decodes a 200 response into out, classifying every
// failure as transient or permanent.
func (c *Client) do(req *http.Request, op syncErrors.Operation, out any) error {
	req.Header.Set("Accept", "application/json")
	if c.options.CompressionEnabled {
		req.Header.Set("Accept-Encoding", "gzip")
	}
	if c.options.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.options.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("sync request failed",
			slog.String("url", req.URL.Redacted()),
			slog.String("error", err.Error()),
		)
		return syncErrors.NewTransient(op, fmt.Errorf("network error: %w", err))
	}
	defer resp.Body.Close()

	reader, cleanup, err := createSafeResponseReader(resp, c.options)
	if err != nil {
		return syncErrors.NewPermanent(op, fmt.Errorf("unreadable response: %w", err))
	}
	defer cleanup()

	if resp.StatusCode != http.StatusOK {
		return statusError(op, resp, reader)
	}
	if err := json.NewDecoder(reader).Decode(out); err != nil {
		if errors.Is(err, errDecompressedTooLarge) {
			return syncErrors.NewPermanent(op, fmt.Errorf("response exceeds size limit: %w", err))
		}
		if req.Context().Err() != nil {
			return syncErrors.NewTransient(op, fmt.Errorf("response interrupted: %w", err))
		}
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
			return syncErrors.NewPermanent(op, fmt.Errorf("malformed response: %w", err))
		}
		// the connection dropped mid-body
		return syncErrors.NewTransient(op, fmt.Errorf("response interrupted: %w", err))
	}
	return nil
}

// statusError maps a non-200 response: 408, 429 and 5xx are transient,
// every other status is permanent.
func statusError(op syncErrors.Operation, resp *http.Response, body io.Reader) error {
	data, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))
	message := strings.TrimSpace(string(data))
	var eb errorBody
	if json.Unmarshal(data, &eb) == nil && eb.Error != "" {
		message = eb.Error
	}
	cause := fmt.Errorf("server error (status %d): %s", resp.StatusCode, message)

	var err *syncErrors.SyncError
	switch {
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		err = syncErrors.NewTransient(op, cause)
		if wait := retryAfter(resp.Header.Get("Retry-After")); wait > 0 {
			err.WithMetadata(syncErrors.MetaRetryAfter, wait)
		}
	default:
		err = syncErrors.NewPermanent(op, cause)
	}
	return err.WithMetadata("status_code", resp.StatusCode)
}

// retryAfter reads the delay-seconds form of Retry-After.
func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
