package messaging

import (
	"errors"
	"fmt"
)

var (
	ErrMappingFailure  = errors.New("courier: mapping failure")
	ErrProcessingFault = errors.New("courier: processing fault")
	ErrClosed          = errors.New("courier: runtime closed")
)

// MappingError reports a payload that could not be turned into an envelope.
type MappingError struct {
	Endpoint string
	Err      error
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("map payload from %s: %v", e.Endpoint, e.Err)
}

func (e *MappingError) Unwrap() error {
	return e.Err
}

func (e *MappingError) Is(target error) bool {
	return target == ErrMappingFailure
}

// ProcessingFault is raised by a callback that panicked or failed outside
// the per-envelope error slots.
type ProcessingFault struct {
	EnvelopeID string
	Err        error
}

func (e *ProcessingFault) Error() string {
	return fmt.Sprintf("processing %s: %v", e.EnvelopeID, e.Err)
}

func (e *ProcessingFault) Unwrap() error {
	return e.Err
}

func (e *ProcessingFault) Is(target error) bool {
	return target == ErrProcessingFault
}
