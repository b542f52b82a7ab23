// Package metrics implements the in-process node health collector: forwarder,
// prober and breaker events are folded into per-node time buckets, with a
// short ring of completed buckets kept for the admin API.
package metrics

import "github.com/nervemesh/nerve/internal/model"

// RequestEvent is emitted by the forwarder for every completed outbound call.
type RequestEvent struct {
	NodeSlug   string
	Type       model.RequestType
	Success    bool
	DurationMs int64
	FailedOver bool
}

// ProbeEvent is emitted by the prober for every ping attempt.
type ProbeEvent struct {
	NodeSlug   string
	Success    bool
	DurationMs int64
}

// BreakerEvent is emitted on circuit state transitions.
type BreakerEvent struct {
	NodeSlug string
	From     string
	To       string
}
