package gateways

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// maxErrorBody caps how much of an error response is kept for messages
const maxErrorBody = 4 << 10

// HTTPError is a failed HTTP exchange with enough detail to classify it
type HTTPError struct {
	Op          string
	StatusCode  int // 0 when no response was received
	Body        string
	RateLimited bool
	ResetAt     time.Time
	Err         error
}

// Error implements the error interface
func (e *HTTPError) Error() string {
	switch {
	case e.StatusCode == 0:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.RateLimited && !e.ResetAt.IsZero():
		return fmt.Sprintf("%s: rate limit exceeded (status %d), resets at %s", e.Op, e.StatusCode, e.ResetAt.Format(time.RFC3339))
	case e.RateLimited:
		return fmt.Sprintf("%s: rate limit exceeded (status %d)", e.Op, e.StatusCode)
	case e.Body != "":
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
	}
}

// Unwrap returns the underlying transport error, if any
func (e *HTTPError) Unwrap() error {
	return e.Err
}

// Temporary reports whether repeating the request may succeed
func (e *HTTPError) Temporary() bool {
	if e.StatusCode == 0 {
		return e.Err != nil &&
			!errors.Is(e.Err, context.Canceled) &&
			!errors.Is(e.Err, context.DeadlineExceeded)
	}
	if e.RateLimited {
		return true
	}
	return isRetryableStatus(e.StatusCode)
}

// Unauthorized reports whether the credentials were rejected
func (e *HTTPError) Unauthorized() bool {
	return !e.RateLimited && (e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden)
}

// isRetryableStatus reports whether a status is worth retrying: 429 or any 5xx
func isRetryableStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || statusCode >= http.StatusInternalServerError
}

// transportError wraps a failed client.Do
func transportError(op string, err error) *HTTPError {
	return &HTTPError{Op: op, Err: err}
}

// responseError builds an HTTPError from a non-success response and drains its body
func responseError(op string, resp *http.Response) *HTTPError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	e := &HTTPError{Op: op, StatusCode: resp.StatusCode, Body: string(body)}

	if resp.StatusCode == http.StatusTooManyRequests {
		e.RateLimited = true
	}
	if remaining := resp.Header.Get("X-RateLimit-Remaining"); remaining == "0" &&
		(resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests) {
		e.RateLimited = true
		if reset, err := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64); err == nil {
			e.ResetAt = time.Unix(reset, 0)
		}
	}
	return e
}
