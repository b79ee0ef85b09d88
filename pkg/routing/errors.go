package routing

import (
	"errors"
	"fmt"
)

var ErrNoRouteFound = errors.New("courier: no route found")

type NoRouteFoundError struct {
	MessageType string
}

func (e *NoRouteFoundError) Error() string {
	return fmt.Sprintf("courier: no route found for message type %q", e.MessageType)
}

func (e *NoRouteFoundError) Is(target error) bool {
	return target == ErrNoRouteFound
}
