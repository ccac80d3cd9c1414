package httptransport

import (
	"net/http"
	"time"

	"github.com/c0deZ3R0/offsync/logging"
)

// ServerOptions configures the sync endpoint handler.
type ServerOptions struct {
	// MaxRequestSize limits push bodies as received. Default 10 MiB.
	MaxRequestSize int64

	// MaxDecompressedSize limits gzip push bodies once inflated. Default 20 MiB.
	MaxDecompressedSize int64

	// CompressionEnabled gzips responses of at least CompressionThreshold
	// bytes for clients that accept it.
	CompressionEnabled bool

	CompressionThreshold int64

	// RequestTimeout bounds the backend call of a single request.
	RequestTimeout time.Duration

	// StreamPoll is how often an idle /stream checks the backend version
	// and sends a keepalive. Notify wakes streams sooner.
	StreamPoll time.Duration

	Logger *logging.Logger
}

// DefaultServerOptions returns the handler defaults.
func DefaultServerOptions() *ServerOptions {
	return &ServerOptions{
		MaxRequestSize:       10 * 1024 * 1024, // 10MB
		MaxDecompressedSize:  20 * 1024 * 1024, // 20MB
		CompressionEnabled:   true,
		CompressionThreshold: 1024,             // 1KB
		RequestTimeout:       30 * time.Second, // 30s
		StreamPoll:           5 * time.Second,
	}
}

// ClientOptions configures the sync endpoint client.
type ClientOptions struct {
	// CompressionEnabled gzips request bodies larger than GzipMinBytes and
	// asks for gzip responses.
	CompressionEnabled bool
	GzipMinBytes       int

	// MaxResponseSize and MaxDecompressedResponseSize bound a response
	// before and after gunzip.
	MaxResponseSize int64

	MaxDecompressedResponseSize int64

	// RequestTimeout bounds a single push or pull when the caller's
	// context carries no deadline of its own.
	RequestTimeout time.Duration

	// PullLimit is sent as the limit query parameter. Zero lets the
	// server choose.
	PullLimit int

	// Token is sent as a bearer token. The transport does not interpret it.
	Token string

	// HTTPClient replaces the default client.
	HTTPClient *http.Client

	Logger *logging.Logger
}

// DefaultClientOptions returns the client defaults.
func DefaultClientOptions() *ClientOptions {
	return &ClientOptions{
		CompressionEnabled:          true,
		GzipMinBytes:                1024,             // 1KB
		MaxResponseSize:             10 * 1024 * 1024, // 10MB
		MaxDecompressedResponseSize: 20 * 1024 * 1024, // 20MB
		RequestTimeout:              30 * time.Second, // 30s
		PullLimit:                   500,
	}
}
