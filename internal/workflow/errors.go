package workflow

import "errors"

var (
	// ErrInvalidTransition means the requested state change is not in the
	// transition table for the session's current state. Never retried.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrStaleSession means the caller's expected version did not match
	// the session's current version. Callers should reload and retry.
	ErrStaleSession = errors.New("stale session version")

	// ErrSessionNotFound means no session exists for the given id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists means a session with the given id already exists.
	ErrSessionExists = errors.New("session already exists")
)
