package platform

import (
	"fmt"
	"time"

	"postpilot/internal/post"
)

// Error is a delivery failure reported by a destination.
type Error struct {
	Platform post.Platform
	Code     int // HTTP-ish status code when the transport has one, else 0
	Message  string
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: %d %s", e.Platform, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Platform, e.Message)
}

// RetryAfter attaches a server-provided delay hint (e.g. HTTP 429
// Retry-After). The engine honors the hint only when it exceeds the
// scheduled backoff.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors carrying an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
