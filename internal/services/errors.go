// Package services defines the business logic for draw sessions and number
// draws. This file centralizes common service-level error values so that they
// can be consistently returned by service methods and checked by callers.
//
// These errors are intended for internal use by the service layer and
// translation into user-facing messages or HTTP status codes should be
// performed at the handler layer.
package services

import "errors"

var (
	// ErrInvalidGroupSize is returned when a session is created with a group
	// size outside the allowed [2,100] range.
	ErrInvalidGroupSize = errors.New("group size must be between 2 and 100")

	// ErrSessionNotFound indicates that no local replica exists for the
	// requested session and no usable link token was provided.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExpired indicates that the session is older than its 24-hour
	// lifetime and no longer accepts draws.
	ErrSessionExpired = errors.New("session expired")

	// ErrAlreadyDrawn is returned when a fingerprint that already holds a
	// number attempts to draw again.
	ErrAlreadyDrawn = errors.New("fingerprint already drew a number")

	// ErrExhausted is returned when no numbers remain in the session pool.
	ErrExhausted = errors.New("all numbers have been drawn")

	// ErrNoDraw indicates that the fingerprint has not drawn in this session.
	// Used by the read-only "my draw" view.
	ErrNoDraw = errors.New("no draw for this fingerprint")
)
