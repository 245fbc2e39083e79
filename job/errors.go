package job

import "errors"

// UnrecoverableError marks a handler failure that must not be retried.
type UnrecoverableError struct {
	Err error
}

func (e *UnrecoverableError) Error() string {
	if e.Err == nil {
		return "unrecoverable error"
	}
	return e.Err.Error()
}

func (e *UnrecoverableError) Unwrap() error { return e.Err }

// Unrecoverable wraps err so the pool fails the job terminally regardless
// of remaining attempts. A nil err stays nil.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &UnrecoverableError{Err: err}
}

// IsUnrecoverable reports whether err, or anything it wraps, is an
// UnrecoverableError.
func IsUnrecoverable(err error) bool {
	var u *UnrecoverableError
	return errors.As(err, &u)
}
