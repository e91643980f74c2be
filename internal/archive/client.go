// Package archive is the HTTP client for the document archive and its landing page.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// DefaultUserAgent identifies regmirror to the archive.
const DefaultUserAgent = "regmirror/dev (+https://github.com/dwsmith1983/regmirror)"

const (
	defaultTimeout  = 30 * time.Second
	defaultMaxBytes = 64 << 20
	maxPageBytes    = 8 << 20
)

var pdfMagic = []byte("%PDF-")

// Document is a fetched and validated archive document.
type Document struct {
	URL         string
	ContentType string
	Body        []byte
}

// Client issues probes and fetches against the archive through a circuit breaker.
type Client struct {
	http      *http.Client
	userAgent string
	maxBytes  int64
	breaker   *gobreaker.CircuitBreaker
	logger    *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client (useful for testing).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithMaxBytes caps the size of a fetched document.
func WithMaxBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxBytes = n
		}
	}
}

// WithLogger sets the logger used for breaker state changes.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates an archive client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		http:      &http.Client{Timeout: defaultTimeout},
		userAgent: DefaultUserAgent,
		maxBytes:  defaultMaxBytes,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "archive",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 10
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("archive: circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return c
}

// Probe reports whether a document exists at url using a HEAD request.
// A 404 or 410 is a definite absence: (false, nil).
func (c *Client) Probe(ctx context.Context, url string) (bool, error) {
	_, err := c.execute(ctx, url, func() (any, error) {
		resp, err := c.do(ctx, http.MethodHead, url)
		if err != nil {
			return nil, err
		}
		_ = resp.Body.Close()
		return nil, classifyStatus(url, resp.StatusCode)
	})
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Fetch downloads and validates the document at url.
func (c *Client) Fetch(ctx context.Context, url string) (*Document, error) {
	out, err := c.execute(ctx, url, func() (any, error) {
		resp, err := c.do(ctx, http.MethodGet, url)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if err := classifyStatus(url, resp.StatusCode); err != nil {
			return nil, err
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
		if err != nil {
			return nil, classifyTransport(ctx, url, err)
		}
		doc := &Document{URL: url, ContentType: resp.Header.Get("Content-Type"), Body: body}
		if err := c.validate(doc); err != nil {
			return nil, err
		}
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return out.(*Document), nil
}

// Page fetches an HTML page such as the archive landing page.
func (c *Client) Page(ctx context.Context, url string) ([]byte, error) {
	out, err := c.execute(ctx, url, func() (any, error) {
		resp, err := c.do(ctx, http.MethodGet, url)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if err := classifyStatus(url, resp.StatusCode); err != nil {
			return nil, err
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
		if err != nil {
			return nil, classifyTransport(ctx, url, err)
		}
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

func (c *Client) execute(ctx context.Context, url string, fn func() (any, error)) (any, error) {
	out, err := c.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientError{URL: url, Err: err}
	}
	return out, err
}

func (c *Client) do(ctx context.Context, method, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransport(ctx, url, err)
	}
	return resp, nil
}

func (c *Client) validate(doc *Document) error {
	if len(doc.Body) == 0 {
		return &IntegrityError{URL: doc.URL, Reason: "empty body"}
	}
	if int64(len(doc.Body)) > c.maxBytes {
		return &IntegrityError{URL: doc.URL, Reason: fmt.Sprintf("body exceeds %d bytes", c.maxBytes)}
	}
	if doc.ContentType != "" {
		if mt, _, err := mime.ParseMediaType(doc.ContentType); err == nil && (mt == "text/html" || mt == "application/xhtml+xml") {
			return &IntegrityError{URL: doc.URL, Reason: "content type " + mt}
		}
	}
	if !bytes.HasPrefix(doc.Body, pdfMagic) {
		return &IntegrityError{URL: doc.URL, Reason: "missing PDF header"}
	}
	return nil
}
