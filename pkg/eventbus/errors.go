package eventbus

import (
	"errors"

	"github.com/quarks-tech/courier-go/pkg/continuation"
)

var ErrNoHandler = errors.New("courier: no handler registered")

// UnprocessableEventError marks an envelope that no retry can process. It
// matches continuation.ErrUnrecoverable, so the default policy dead-letters
// it right away.
type UnprocessableEventError struct {
	err error
}

func NewUnprocessableEventError(err error) *UnprocessableEventError {
	return &UnprocessableEventError{err: err}
}

func (e *UnprocessableEventError) Error() string { return "unprocessable event: " + e.err.Error() }

func (e *UnprocessableEventError) Unwrap() error { return e.err }

func (e *UnprocessableEventError) Is(target error) bool {
	return target == continuation.ErrUnrecoverable
}

func IsUnprocessableEventError(err error) bool {
	var unprocessableEventError *UnprocessableEventError

	return errors.As(err, &unprocessableEventError)
}
