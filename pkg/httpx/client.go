// Package httpx performs single HTTP requests on behalf of provider
// adapters and classifies every outcome, exactly once, into the provider
// error taxonomy. It exposes both buffered bodies and byte-streaming handles
// suitable for the SSE decoder. No retries happen here; retry policy belongs
// to callers.
package httpx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/casualjim/converse/pkg/slogx"
	"github.com/casualjim/converse/provider"
	"github.com/fogfish/opts"
	"github.com/tidwall/gjson"
)

const (
	// DefaultTimeout bounds one buffered request.
	DefaultTimeout = 60 * time.Second

	// maxErrorBody caps how much of a failed response body is read while
	// extracting an error message.
	maxErrorBody = 8 << 10
)

// Request describes one HTTP call.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Client issues requests with uniform outcome classification. The stream
// timeout bounds the whole streamed response and defaults to twice the
// request timeout.
type Client struct {
	hc            *http.Client
	timeout       time.Duration
	streamTimeout time.Duration
	log           *slog.Logger
}

var (
	// WithTimeout sets the buffered request timeout.
	WithTimeout = opts.ForName[Client, time.Duration]("timeout")

	// WithStreamTimeout sets the overall streamed response timeout.
	WithStreamTimeout = opts.ForName[Client, time.Duration]("streamTimeout")

	// WithHTTPClient substitutes the underlying http.Client.
	WithHTTPClient = opts.ForName[Client, *http.Client]("hc")
)

// New builds a client.
func New(options ...opts.Option[Client]) (*Client, error) {
	c := &Client{
		hc:      &http.Client{},
		timeout: DefaultTimeout,
		log:     slog.Default().With(slogx.LoggerName("httpx")),
	}
	if err := opts.Apply(c, options); err != nil {
		return nil, err
	}
	if c.streamTimeout == 0 {
		c.streamTimeout = 2 * c.timeout
	}
	return c, nil
}

// Buffered performs the request and returns the complete response body.
func (c *Client) Buffered(ctx context.Context, r Request) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.roundTrip(ctx, r)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, MapError(ctx, err)
	}
	return body, nil
}

// Stream performs the request and returns the response body as a byte
// stream. Closing the returned handle releases the request; read errors
// should be classified with MapError by the consumer.
func (c *Client) Stream(ctx context.Context, r Request) (io.ReadCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, c.streamTimeout)

	resp, err := c.roundTrip(ctx, r)
	if err != nil {
		cancel()
		return nil, err
	}
	return &streamBody{rc: resp.Body, cancel: cancel}, nil
}

func (c *Client) roundTrip(ctx context.Context, r Request) (*http.Response, error) {
	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return nil, provider.InvalidResponse(fmt.Sprintf("building request: %v", err))
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	c.log.Debug("issuing request", slog.String("method", r.Method), slog.String("url", r.URL))
	resp, err := c.hc.Do(req) //nolint:bodyclose // closed by caller or below
	if err != nil {
		return nil, MapError(ctx, err)
	}
	if err := classify(resp); err != nil {
		resp.Body.Close()
		c.log.Debug("request rejected", slog.Int("status", resp.StatusCode), slogx.Error(err))
		return nil, err
	}
	return resp, nil
}

// classify validates the response status as soon as headers are available.
func classify(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return provider.Unauthorized(resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return provider.RateLimited(parseRetryAfter(resp.Header.Get("Retry-After")))
	case resp.StatusCode >= 400 && resp.StatusCode < 600:
		return provider.ServerError(resp.StatusCode, errorMessage(resp.Body))
	default:
		return provider.InvalidResponse(fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}
}

// MapError classifies a transport-level failure. Cancellation is checked
// before anything else so a cancelled request is never misreported as a
// network fault.
func MapError(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled), errors.Is(err, context.Canceled):
		return provider.Cancelled()
	case errors.Is(err, context.DeadlineExceeded):
		return provider.Timeout(err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return provider.Timeout(err)
	}
	return provider.NetworkError(err)
}

// parseRetryAfter understands both delta-seconds and HTTP-date forms. A
// malformed value yields zero rather than failing the classification.
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// errorMessage extracts a human-readable message from a failed response
// body, best effort and bounded.
func errorMessage(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, maxErrorBody))
	if err != nil || len(raw) == 0 {
		return ""
	}
	if gjson.ValidBytes(raw) {
		for _, path := range []string{"error.message", "error", "message"} {
			if v := gjson.GetBytes(raw, path); v.Exists() && v.Type == gjson.String {
				return v.String()
			}
		}
	}
	return strings.TrimSpace(string(raw))
}

type streamBody struct {
	rc     io.ReadCloser
	cancel context.CancelFunc
}

func (s *streamBody) Read(p []byte) (int, error) {
	return s.rc.Read(p)
}

func (s *streamBody) Close() error {
	err := s.rc.Close()
	s.cancel()
	return err
}
