// Package service implements the control plane: node lifecycle, runtime
// config, breaker and digest administration, and the chat turn pipeline.
// Handlers call its methods; business logic lives here, not in handlers.
package service

import "time"

// SystemInfo contains version and runtime information.
type SystemInfo struct {
	Version   string    `json:"version"`
	GitCommit string    `json:"git_commit"`
	BuildTime string    `json:"build_time"`
	NodeSlug  string    `json:"node_slug"`
	StartedAt time.Time `json:"started_at"`
}
