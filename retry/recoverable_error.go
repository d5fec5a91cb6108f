package retry

import "errors"

// RecoverableError is implemented by errors that know whether another
// attempt could succeed. Step errors, bus errors and persistence errors all
// implement it.
type RecoverableError interface {
	error
	IsRecoverable() bool
}

// IsRecoverable reports whether Do should try again after err. Only errors
// carrying a RecoverableError in their chain are retried.
func IsRecoverable(err error) bool {
	var recoverable RecoverableError
	if errors.As(err, &recoverable) {
		return recoverable.IsRecoverable()
	}
	return false
}

// marked pins the recoverability of a wrapped error.
type marked struct {
	err         error
	recoverable bool
}

func (e *marked) Error() string       { return e.err.Error() }
func (e *marked) Unwrap() error       { return e.err }
func (e *marked) IsRecoverable() bool { return e.recoverable }

// NewRecoverableError marks err as safe to retry.
func NewRecoverableError(err error) error {
	return &marked{err: err, recoverable: true}
}

// NonRecoverableError stops Do immediately, whatever the wrapped error says.
type NonRecoverableError struct {
	marked
}

// NewNonRecoverableError marks err as final.
func NewNonRecoverableError(err error) *NonRecoverableError {
	return &NonRecoverableError{marked{err: err}}
}
