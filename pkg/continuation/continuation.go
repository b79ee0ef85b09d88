// Package continuation decides and executes what happens to an envelope after
// its processing attempt.
package continuation

import (
	"fmt"
	"time"
)

// Continuation is one of Success, ScheduledRetry, Requeue or
// MoveToDeadLetter. The set is closed: only this package can add variants.
type Continuation interface {
	fmt.Stringer
	isContinuation()
}

// Success marks the envelope as handled and acknowledges it.
type Success struct{}

// ScheduledRetry delivers the envelope again once Delay has elapsed.
type ScheduledRetry struct {
	Delay time.Duration
}

// Requeue hands the envelope back to the transport for immediate
// redelivery.
type Requeue struct{}

// MoveToDeadLetter gives up on the envelope.
type MoveToDeadLetter struct {
	Reason string
}

func (Success) isContinuation()          {}
func (ScheduledRetry) isContinuation()   {}
func (Requeue) isContinuation()          {}
func (MoveToDeadLetter) isContinuation() {}

func (Success) String() string {
	return "success"
}

func (c ScheduledRetry) String() string {
	return "scheduled retry in " + c.Delay.String()
}

func (Requeue) String() string {
	return "requeue"
}

func (c MoveToDeadLetter) String() string {
	return fmt.Sprintf("dead letter (%s)", c.Reason)
}
