package httpx

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/casualjim/converse/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffered_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c, err := New()
	require.NoError(t, err)

	body, err := c.Buffered(context.Background(), Request{
		Method: http.MethodGet,
		URL:    srv.URL,
		Header: http.Header{"Authorization": {"Bearer sk-test"}},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
}

func TestBuffered_Unauthorized(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
		}))

		c, err := New()
		require.NoError(t, err)

		_, err = c.Buffered(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
		assert.ErrorIs(t, err, provider.ErrUnauthorized, "status %d", status)
		srv.Close()
	}
}

func TestBuffered_RateLimitedWithRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, err := New()
	require.NoError(t, err)

	_, err = c.Buffered(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	require.ErrorIs(t, err, provider.ErrRateLimited)

	var perr *provider.Err
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 30*time.Second, perr.RetryAfter)
}

func TestBuffered_ServerErrorWithMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"model is overloaded"}}`))
	}))
	defer srv.Close()

	c, err := New()
	require.NoError(t, err)

	_, err = c.Buffered(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	require.ErrorIs(t, err, provider.ErrServer)

	var perr *provider.Err
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 500, perr.StatusCode)
	assert.Equal(t, "model is overloaded", perr.Message)
}

func TestBuffered_NetworkError(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	// Nothing listens here.
	_, err = c.Buffered(context.Background(), Request{Method: http.MethodGet, URL: "http://127.0.0.1:1/"})
	assert.ErrorIs(t, err, provider.ErrNetwork)
}

func TestBuffered_CancellationBeatsNetworkMapping(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	c, err := New()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err = c.Buffered(ctx, Request{Method: http.MethodGet, URL: srv.URL})
	assert.ErrorIs(t, err, provider.ErrCancelled)
	assert.NotErrorIs(t, err, provider.ErrNetwork)
}

func TestBuffered_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	c, err := New(WithTimeout(50 * time.Millisecond))
	require.NoError(t, err)

	_, err = c.Buffered(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	assert.ErrorIs(t, err, provider.ErrTimeout)
}

func TestStream_DeliversBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		flusher := w.(http.Flusher)
		_, _ = w.Write([]byte("data: one\n\n"))
		flusher.Flush()
		_, _ = w.Write([]byte("data: two\n\n"))
	}))
	defer srv.Close()

	c, err := New()
	require.NoError(t, err)

	rc, err := c.Stream(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	require.NoError(t, err)
	defer rc.Close()

	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "data: one\n\ndata: two\n\n", string(body))
}

func TestStream_StatusValidatedBeforeBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := New()
	require.NoError(t, err)

	_, err = c.Stream(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	assert.ErrorIs(t, err, provider.ErrServer)
}

func TestStream_StalledStreamTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	c, err := New(WithTimeout(25 * time.Millisecond))
	require.NoError(t, err)

	rc, err := c.Stream(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	require.NoError(t, err)
	defer rc.Close()

	_, err = io.ReadAll(rc)
	require.Error(t, err)
	assert.ErrorIs(t, MapError(context.Background(), err), provider.ErrTimeout)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 30*time.Second, parseRetryAfter("30"))
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("garbage"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-5"))

	at := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	d := parseRetryAfter(at)
	assert.Greater(t, d, 80*time.Second)
	assert.LessOrEqual(t, d, 90*time.Second)
}

func TestErrorMessage_Fallbacks(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"nested", `{"error":{"message":"nope"}}`, "nope"},
		{"flat error string", `{"error":"bad request"}`, "bad request"},
		{"message field", `{"message":"try later"}`, "try later"},
		{"plain text", "service unavailable\n", "service unavailable"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errorMessage(io.NopCloser(strings.NewReader(tt.body))))
		})
	}
}
