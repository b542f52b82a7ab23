package forward

import "fmt"

// BreakerOpenError short-circuits a call without network I/O. Triggers
// failover for chat and search.
type BreakerOpenError struct {
	Slug string
}

func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("forward: circuit open for node %s", e.Slug)
}

// NotRoutableError gates calls to nodes that are inactive or rate-limited.
type NotRoutableError struct {
	Slug   string
	Reason string
}

func (e *NotRoutableError) Error() string {
	return fmt.Sprintf("forward: node %s not routable: %s", e.Slug, e.Reason)
}

// ExhaustedError reports that the primary and every alternate failed.
type ExhaustedError struct {
	Slug    string
	Tried   int
	LastErr error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("forward: node %s and %d alternates exhausted: %v", e.Slug, e.Tried, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error { return e.LastErr }
