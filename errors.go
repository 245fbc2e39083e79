package courier

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("courier: no store configured")
	ErrStoreClosed = errors.New("courier: store closed")

	// Not found errors.
	ErrJobNotFound   = errors.New("courier: job not found")
	ErrQueueNotFound = errors.New("courier: queue not found")

	// Conflict errors.
	ErrJobAlreadyExists = errors.New("courier: job already exists")

	// Routing errors.
	ErrUnknownJob     = errors.New("courier: unrecognized job type")
	ErrRouterFrozen   = errors.New("courier: router is frozen")
	ErrDuplicateRoute = errors.New("courier: duplicate job route")

	// State errors.
	ErrInvalidState     = errors.New("courier: invalid state transition")
	ErrLeaseLost        = errors.New("courier: lease no longer held")
	ErrStalledTooOften  = errors.New("courier: job stalled more than allowable limit")
	ErrAttemptsExceeded = errors.New("courier: attempts exhausted")
)
