package state

import "errors"

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write violates a uniqueness constraint
// (duplicate slug, api_key, or refresh_token).
var ErrConflict = errors.New("conflict")
