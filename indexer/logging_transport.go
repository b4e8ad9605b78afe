package indexer

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// MaxLogResponseSize caps how much of a response body is logged.
const MaxLogResponseSize = 64 << 10

// loggingRoundTripper logs every request and response at debug level.
type loggingRoundTripper struct {
	proxied http.RoundTripper
	logger  *slog.Logger
}

// NewLoggingTransport wraps next (http.DefaultTransport when nil) with
// debug logging of each exchange.
func NewLoggingTransport(next http.RoundTripper, logger *slog.Logger) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &loggingRoundTripper{proxied: next, logger: logger}
}

// RoundTrip executes a single HTTP transaction, returning a Response for the provided Request.
func (lrt *loggingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	// Request bodies carry credentials on login, so only method and URL are logged.
	lrt.logger.Debug("Making HTTP request",
		"method", req.Method,
		"url", req.URL.Redacted(),
	)

	start := time.Now()
	resp, err := lrt.proxied.RoundTrip(req)
	duration := time.Since(start)

	if err != nil {
		lrt.logger.Debug("HTTP request failed", "url", req.URL.Redacted(), "error", err, "duration", duration)
		return nil, err
	}

	// The logged prefix is read and stitched back in front of the rest of
	// the body, so the caller still sees the full response.
	head, readErr := io.ReadAll(io.LimitReader(resp.Body, MaxLogResponseSize))
	if readErr != nil {
		lrt.logger.Warn("Failed to read response body for logging", "error", readErr)
	}
	resp.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(head), resp.Body), resp.Body}

	lrt.logger.Debug("Received HTTP response",
		"status", resp.Status,
		"url", req.URL.Redacted(),
		"duration", duration,
		"location", resp.Header.Get("Location"),
		"body", string(head),
	)

	return resp, nil
}
