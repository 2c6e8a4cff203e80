package domain

import "errors"

// Sentinel errors for the application.
var (
	// ErrNotFound marks a reference to an unknown message, notification or
	// user. Mark operations absorb it as a no-op.
	ErrNotFound = errors.New("resource not found")
	// ErrForbidden is returned when the actor is not a participant of the
	// conversation or the recipient of the notification.
	ErrForbidden = errors.New("forbidden")
	// ErrPersistence is the only class surfaced synchronously to a sender:
	// the durable write failed and nothing was announced.
	ErrPersistence = errors.New("persistence failure")
	// ErrConnectionClosed is returned when pushing to a connection that has
	// already gone away.
	ErrConnectionClosed = errors.New("connection closed")

	ErrUnauthorized = errors.New("unauthorized access")
	ErrInvalidInput = errors.New("invalid input")
)
