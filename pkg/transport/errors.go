package transport

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownTransportScheme = errors.New("courier: unknown transport scheme")
	ErrEndpointNotFound       = errors.New("courier: endpoint not found")
	ErrTransportUnavailable   = errors.New("courier: transport unavailable")
	ErrRejected               = errors.New("courier: payload rejected by receiver")
	ErrClosed                 = errors.New("courier: transport closed")
	ErrInvalidEndpoint        = errors.New("courier: invalid endpoint uri")
)

type UnknownTransportSchemeError struct {
	Scheme string
	URI    string
}

func (e *UnknownTransportSchemeError) Error() string {
	return fmt.Sprintf("courier: no transport registered for scheme %q (%s)", e.Scheme, e.URI)
}

func (e *UnknownTransportSchemeError) Is(target error) bool {
	return target == ErrUnknownTransportScheme
}

// Unavailable marks err as a transient transport failure.
func Unavailable(err error) error {
	if err == nil || errors.Is(err, ErrTransportUnavailable) {
		return err
	}

	return fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
}

func IsUnavailable(err error) bool {
	return errors.Is(err, ErrTransportUnavailable)
}
