package continuation

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownContinuation = errors.New("courier: unknown continuation")
	ErrUnrecoverable       = errors.New("courier: unrecoverable error")
)

type UnrecoverableError struct {
	Err error
}

// Unrecoverable marks err as an error no retry can fix. The default policy
// dead-letters such envelopes right away.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}

	return &UnrecoverableError{Err: err}
}

func (e *UnrecoverableError) Error() string {
	return fmt.Sprintf("unrecoverable: %v", e.Err)
}

func (e *UnrecoverableError) Unwrap() error {
	return e.Err
}

func (e *UnrecoverableError) Is(target error) bool {
	return target == ErrUnrecoverable
}

func IsUnrecoverable(err error) bool {
	return errors.Is(err, ErrUnrecoverable)
}
