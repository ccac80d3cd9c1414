package httptransport

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Body errors. mapErrorToHTTPStatus turns them into 400, 413 and 415.
var (
	errDecompressedTooLarge = errors.New("decompressed data exceeds maximum size limit")
	errBodyTooLarge         = errors.New("body too large")
	errUnsupportedMedia     = errors.New("unsupported media type")
	errInvalidGzip          = errors.New("invalid gzip data")
)

// maxDecompressedReader fails with errDecompressedTooLarge once more than
// limit bytes have been read.
type maxDecompressedReader struct {
	reader   io.Reader
	limit    int64
	consumed int64
	done     bool
}

func (r *maxDecompressedReader) Read(p []byte) (int, error) {
	if r.done {
		return 0, io.EOF
	}
	if r.consumed >= r.limit {
		return 0, errDecompressedTooLarge
	}

	maxRead := r.limit - r.consumed
	if int64(len(p)) > maxRead {
		p = p[:maxRead]
	}

	n, err := r.reader.Read(p)
	r.consumed += int64(n)

	if r.consumed >= r.limit && err == nil {
		// at the limit: one more byte means the body really is too large
		var probe [1]byte
		m, perr := r.reader.Read(probe[:])
		if m > 0 {
			return n, errDecompressedTooLarge
		}
		if perr == io.EOF {
			r.done = true
			return n, io.EOF
		}
	}

	return n, err
}

// createSafeRequestReader returns a reader over the request body that
// enforces both the compressed and the decompressed size limit, plus a
// cleanup function.
func createSafeRequestReader(w http.ResponseWriter, r *http.Request, options *ServerOptions) (io.Reader, func(), error) {
	maxRequestSize := options.MaxRequestSize
	if maxRequestSize == 0 {
		maxRequestSize = 10 * 1024 * 1024
	}
	maxDecompressedSize := options.MaxDecompressedSize
	if maxDecompressedSize == 0 {
		maxDecompressedSize = 20 * 1024 * 1024
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
		return nil, func() {}, fmt.Errorf("%w: %s", errUnsupportedMedia, contentType)
	}
	if r.ContentLength > maxRequestSize {
		return nil, func() {}, fmt.Errorf("%w: %d bytes (max %d)", errBodyTooLarge, r.ContentLength, maxRequestSize)
	}

	contentEncoding := strings.TrimSpace(strings.ToLower(r.Header.Get("Content-Encoding")))
	switch contentEncoding {
	case "":
		return http.MaxBytesReader(w, r.Body, min(maxRequestSize, maxDecompressedSize)), func() {}, nil
	case "gzip":
	default:
		return nil, func() {}, fmt.Errorf("%w: content encoding %s (only gzip is supported)", errUnsupportedMedia, contentEncoding)
	}

	gzReader, err := gzip.NewReader(http.MaxBytesReader(w, r.Body, maxRequestSize))
	if err != nil {
		return nil, func() {}, fmt.Errorf("%w: %v", errInvalidGzip, err)
	}
	reader := &maxDecompressedReader{reader: gzReader, limit: maxDecompressedSize}
	return reader, func() { gzReader.Close() }, nil
}

// createSafeResponseReader does the same for a response on the client side.
// Auto-decompression is disabled on the client transport, so a gzip body
// arrives compressed and both limits apply.
func createSafeResponseReader(resp *http.Response, options *ClientOptions) (io.Reader, func(), error) {
	maxSize := options.MaxResponseSize
	if maxSize == 0 {
		maxSize = 10 * 1024 * 1024
	}
	maxDecompressed := options.MaxDecompressedResponseSize
	if maxDecompressed == 0 {
		maxDecompressed = 20 * 1024 * 1024
	}
	if resp.ContentLength > maxSize {
		return nil, func() {}, fmt.Errorf("%w: response of %d bytes (max %d)", errBodyTooLarge, resp.ContentLength, maxSize)
	}
	limited := &maxDecompressedReader{reader: resp.Body, limit: maxSize}

	if !strings.EqualFold(strings.TrimSpace(resp.Header.Get("Content-Encoding")), "gzip") {
		return limited, func() {}, nil
	}
	gzReader, err := gzip.NewReader(limited)
	if err != nil {
		return nil, func() {}, fmt.Errorf("%w: %v", errInvalidGzip, err)
	}
	return &maxDecompressedReader{reader: gzReader, limit: maxDecompressed}, func() { gzReader.Close() }, nil
}

// mapErrorToHTTPStatus maps body errors to HTTP status codes.
func mapErrorToHTTPStatus(err error) int {
	var maxBytesErr *http.MaxBytesError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, errDecompressedTooLarge), errors.Is(err, errBodyTooLarge), errors.As(err, &maxBytesErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errUnsupportedMedia):
		return http.StatusUnsupportedMediaType
	default:
		return http.StatusBadRequest
	}
}
