package archive

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func TestProbe(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		want      bool
		transient bool
		status4xx bool
	}{
		{"ok", http.StatusOK, true, false, false},
		{"not found", http.StatusNotFound, false, false, false},
		{"gone", http.StatusGone, false, false, false},
		{"server error", http.StatusBadGateway, false, true, false},
		{"rate limited", http.StatusTooManyRequests, false, true, false},
		{"forbidden", http.StatusForbidden, false, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodHead, r.Method)
				assert.Equal(t, "regmirror-test", r.Header.Get("User-Agent"))
				w.WriteHeader(tt.status)
			})
			c := NewClient(WithUserAgent("regmirror-test"))

			got, err := c.Probe(context.Background(), srv.URL+"/pr-1-mars-2024.pdf")
			assert.Equal(t, tt.want, got)
			switch {
			case tt.transient:
				assert.True(t, IsTransient(err))
				assert.True(t, Retryable(err))
			case tt.status4xx:
				var se *StatusError
				require.ErrorAs(t, err, &se)
				assert.Equal(t, tt.status, se.StatusCode)
				assert.False(t, Retryable(err))
			default:
				assert.NoError(t, err)
			}
		})
	}
}

func TestFetch_ValidPDF(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.7\nbody"))
	})
	c := NewClient()

	doc, err := c.Fetch(context.Background(), srv.URL+"/doc.pdf")
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7\nbody", string(doc.Body))
	assert.Equal(t, "application/pdf", doc.ContentType)
}

func TestFetch_IntegrityFailures(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		reason      string
	}{
		{"empty", "application/pdf", "", "empty body"},
		{"html", "text/html; charset=utf-8", "%PDF-1.4", "content type text/html"},
		{"no magic", "application/octet-stream", "<html>oops</html>", "missing PDF header"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", tt.contentType)
				_, _ = w.Write([]byte(tt.body))
			})
			c := NewClient()

			_, err := c.Fetch(context.Background(), srv.URL+"/doc.pdf")
			var ie *IntegrityError
			require.ErrorAs(t, err, &ie)
			assert.Equal(t, tt.reason, ie.Reason)
			assert.True(t, Retryable(err))
		})
	}
}

func TestFetch_TooLarge(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("%PDF-1.7 0123456789"))
	})
	c := NewClient(WithMaxBytes(8))

	_, err := c.Fetch(context.Background(), srv.URL+"/doc.pdf")
	assert.True(t, IsIntegrity(err))
}

func TestFetch_NotFound(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	c := NewClient()

	_, err := c.Fetch(context.Background(), srv.URL+"/doc.pdf")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, Retryable(err))
}

func TestPage(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html></html>"))
	})
	c := NewClient()

	body, err := c.Page(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "<html></html>", string(body))
}

func TestTransportErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient()
	_, err := c.Probe(context.Background(), url+"/x.pdf")
	assert.True(t, IsTransient(err))
}

func TestCancelledContextIsNotTransient(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewClient()
	_, err := c.Probe(ctx, srv.URL)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, Retryable(err))
}

func TestBreakerOpensOnConsecutiveFailures(t *testing.T) {
	var hits atomic.Int32
	srv := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	c := NewClient()

	for range 10 {
		_, err := c.Probe(context.Background(), srv.URL)
		require.True(t, IsTransient(err))
	}
	_, err := c.Probe(context.Background(), srv.URL)
	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(10), hits.Load(), "open breaker must not reach the server")
}

func TestBreakerIgnoresNotFound(t *testing.T) {
	var hits atomic.Int32
	srv := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	})
	c := NewClient()

	for range 20 {
		ok, err := c.Probe(context.Background(), srv.URL)
		require.NoError(t, err)
		require.False(t, ok)
	}
	assert.Equal(t, int32(20), hits.Load())
}
