package archive

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound is the definite-absence signal: the archive answered 404 or 410.
var ErrNotFound = errors.New("archive: not found")

// TransientError is a failure worth retrying: timeouts, resets, 5xx and 429 responses.
type TransientError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: transient HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s: transient: %v", e.URL, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IntegrityError reports a response whose body is not a valid document.
type IntegrityError struct {
	URL    string
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s: integrity check failed: %s", e.URL, e.Reason)
}

// StatusError is an unexpected non-retryable HTTP status.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected HTTP %d", e.URL, e.StatusCode)
}

// IsTransient reports whether err is a *TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsIntegrity reports whether err is an *IntegrityError.
func IsIntegrity(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

// Retryable is the retry predicate for archive calls.
func Retryable(err error) bool {
	return IsTransient(err) || IsIntegrity(err)
}

func classifyStatus(url string, code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound || code == http.StatusGone:
		return ErrNotFound
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500:
		return &TransientError{URL: url, StatusCode: code}
	default:
		return &StatusError{URL: url, StatusCode: code}
	}
}

// classifyTransport turns a transport failure (timeout, reset, refused connection) into a
// TransientError unless the caller's context ended, which is never retried.
func classifyTransport(ctx context.Context, url string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &TransientError{URL: url, Err: err}
}
