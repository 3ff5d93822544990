// Package advisoryerr defines sentinel errors shared across the advisory
// engine so callers can branch with errors.Is instead of string matching,
// mirroring the teacher's pkg/services/errors.go convention.
package advisoryerr

import "errors"

var (
	// ErrNotFound is returned when a packet, session, or queue job id has
	// no backing record (or the record has expired past its TTL).
	ErrNotFound = errors.New("advisory: not found")

	// ErrInvalidPacket is returned by validate_packet when a packet is
	// missing a required field or carries a malformed lineage.
	ErrInvalidPacket = errors.New("advisory: invalid packet")

	// ErrStale is returned when a caller asks for a packet that exists but
	// is invalidated or past fresh_until_ts.
	ErrStale = errors.New("advisory: stale packet")

	// ErrBudgetExceeded marks a degraded path taken because MAX_ENGINE_MS
	// was exhausted.
	ErrBudgetExceeded = errors.New("advisory: engine budget exceeded")

	// ErrPaused is returned by the prefetch worker when a manual pause flag
	// is set.
	ErrPaused = errors.New("advisory: worker paused")
)
