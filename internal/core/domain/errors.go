package domain

import "errors"

// Error taxonomy for the core. Handlers map these to HTTP statuses at the
// boundary; services wrap them with context via fmt.Errorf("...: %w", err).
var (
	// ErrNotFound: unknown job, audit entry, or task id.
	ErrNotFound = errors.New("not found")

	// ErrConflict: illegal state transition or concurrent race loser.
	// Callers are expected to re-fetch current state, never retried here.
	ErrConflict = errors.New("conflict")

	// ErrInvalidArgument: empty scenario list, unknown provider/model,
	// malformed payload. Surfaced directly, no retry.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUpstream: scorer backend unreachable or erroring after retries
	// are exhausted.
	ErrUpstream = errors.New("upstream failure")

	// ErrInternal: storage or signature subsystem failure.
	ErrInternal = errors.New("internal error")
)
