package httptransport

import (
	"net/http"
	"time"

	"github.com/c0deZ3R0/offsync/logging"
)

// ServerOption adjusts the handler configuration.
type ServerOption func(*ServerOptions)

// WithMaxRequestSize caps push bodies as sent on the wire.
func WithMaxRequestSize(size int64) ServerOption {
	return func(opts *ServerOptions) {
		opts.MaxRequestSize = size
	}
}

// WithMaxDecompressedSize caps push bodies after gunzip.
func WithMaxDecompressedSize(size int64) ServerOption {
	return func(opts *ServerOptions) {
		opts.MaxDecompressedSize = size
	}
}

// WithCompression toggles gzip responses.
func WithCompression(enabled bool) ServerOption {
	return func(opts *ServerOptions) {
		opts.CompressionEnabled = enabled
	}
}

// WithCompressionThreshold is the smallest response that gets gzipped.
func WithCompressionThreshold(size int64) ServerOption {
	return func(opts *ServerOptions) {
		opts.CompressionThreshold = size
	}
}

// WithRequestTimeout bounds each backend call.
func WithRequestTimeout(timeout time.Duration) ServerOption {
	return func(opts *ServerOptions) {
		opts.RequestTimeout = timeout
	}
}

// WithStreamPoll sets how often idle version streams poll the backend.
func WithStreamPoll(d time.Duration) ServerOption {
	return func(opts *ServerOptions) {
		if d > 0 {
			opts.StreamPoll = d
		}
	}
}

func WithServerLogger(l *logging.Logger) ServerOption {
	return func(opts *ServerOptions) {
		opts.Logger = l
	}
}

// ClientOption adjusts the client configuration.
type ClientOption func(*ClientOptions)

// WithClientCompression toggles gzip in both directions.
func WithClientCompression(enabled bool) ClientOption {
	return func(opts *ClientOptions) {
		opts.CompressionEnabled = enabled
	}
}

func WithGzipMinBytes(n int) ClientOption {
	return func(opts *ClientOptions) {
		opts.GzipMinBytes = n
	}
}

// WithMaxResponseSize caps responses as received.
func WithMaxResponseSize(size int64) ClientOption {
	return func(opts *ClientOptions) {
		opts.MaxResponseSize = size
	}
}

// WithClientTimeout applies when the caller set no deadline.
func WithClientTimeout(timeout time.Duration) ClientOption {
	return func(opts *ClientOptions) {
		opts.RequestTimeout = timeout
	}
}

// WithPullLimit is the page size asked for on pull.
func WithPullLimit(n int) ClientOption {
	return func(opts *ClientOptions) {
		opts.PullLimit = n
	}
}

// WithToken is sent as a bearer token on every request.
func WithToken(token string) ClientOption {
	return func(opts *ClientOptions) {
		opts.Token = token
	}
}

// WithHTTPClient replaces the default client. Its transport should not
// decompress responses itself.
func WithHTTPClient(cl *http.Client) ClientOption {
	return func(opts *ClientOptions) {
		opts.HTTPClient = cl
	}
}

func WithClientLogger(l *logging.Logger) ClientOption {
	return func(opts *ClientOptions) {
		opts.Logger = l
	}
}

func applyServerOptions(opts ...ServerOption) *ServerOptions {
	options := DefaultServerOptions()
	for _, opt := range opts {
		opt(options)
	}
	if options.Logger == nil {
		options.Logger = logging.Default().WithComponent(logging.Component("sync-handler"))
	}
	return options
}

func applyClientOptions(opts ...ClientOption) *ClientOptions {
	options := DefaultClientOptions()
	for _, opt := range opts {
		opt(options)
	}
	if options.HTTPClient == nil {
		options.HTTPClient = newHTTPClient()
	}
	if options.Logger == nil {
		options.Logger = logging.Default().WithComponent(logging.Component("http-transport"))
	}
	return options
}

// newHTTPClient clones the default transport with automatic decompression
// turned off, so the client can bound both compressed and decompressed
// response sizes itself.
func newHTTPClient() *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.DisableCompression = true
	return &http.Client{Transport: tr}
}
