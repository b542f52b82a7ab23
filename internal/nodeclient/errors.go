package nodeclient

import (
	"fmt"
	"time"
)

// TransientError covers timeouts, connection failures and 5xx responses.
// Callers may retry and, for chat/search, fail over to an alternate node.
type TransientError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: transient failure (status %d)", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError covers 4xx responses other than 401/403/429. Not retried.
type PermanentError struct {
	Op     string
	Status int
	Body   string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s: permanent failure (status %d): %s", e.Op, e.Status, e.Body)
}

// RateLimitedError is a 429 with an optional Retry-After hint. Retried like
// a transient failure but never sooner than RetryAfter.
type RateLimitedError struct {
	Op         string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s: rate limited (retry after %s)", e.Op, e.RetryAfter)
}

// AuthError is a 401/403 from a peer. The caller refreshes its token once;
// a second auth failure marks the node unhealthy.
type AuthError struct {
	Op     string
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication rejected (status %d)", e.Op, e.Status)
}
