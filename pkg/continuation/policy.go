package continuation

import (
	"errors"
	"time"

	"github.com/quarks-tech/courier-go/pkg/envelope"
)

// Policy converts a processing failure into a continuation. A policy returns
// nil when it has no opinion, which lets Chain try the next one.
type Policy func(env *envelope.Envelope, err error) Continuation

// Decide returns Success for a nil error and otherwise asks the policy,
// falling back to Requeue.
func (p Policy) Decide(env *envelope.Envelope, err error) Continuation {
	if err == nil {
		return Success{}
	}

	if p != nil {
		if c := p(env, err); c != nil {
			return c
		}
	}

	return Requeue{}
}

// RetryLater schedules the n-th attempt's retry after delays[n-1]. It has no
// opinion once the delays are used up.
func RetryLater(delays ...time.Duration) Policy {
	return func(env *envelope.Envelope, _ error) Continuation {
		i := max(env.Attempts, 1) - 1
		if i >= len(delays) {
			return nil
		}

		return ScheduledRetry{Delay: delays[i]}
	}
}

// RequeueUpTo requeues until the envelope was attempted n times.
func RequeueUpTo(n int) Policy {
	return func(env *envelope.Envelope, _ error) Continuation {
		if env.Attempts >= n {
			return nil
		}

		return Requeue{}
	}
}

// DeadLetterOn dead-letters envelopes whose error matches any of targets.
func DeadLetterOn(targets ...error) Policy {
	return func(_ *envelope.Envelope, err error) Continuation {
		for _, target := range targets {
			if errors.Is(err, target) {
				return MoveToDeadLetter{Reason: err.Error()}
			}
		}

		return nil
	}
}

// DeadLetter always dead-letters.
func DeadLetter() Policy {
	return func(_ *envelope.Envelope, err error) Continuation {
		return MoveToDeadLetter{Reason: err.Error()}
	}
}

// Chain returns the first opinion of policies.
func Chain(policies ...Policy) Policy {
	return func(env *envelope.Envelope, err error) Continuation {
		for _, p := range policies {
			if p == nil {
				continue
			}

			if c := p(env, err); c != nil {
				return c
			}
		}

		return nil
	}
}

// DefaultPolicy dead-letters unrecoverable errors, requeues everything else
// up to maxAttempts and dead-letters after that.
func DefaultPolicy(maxAttempts int) Policy {
	return Chain(
		DeadLetterOn(ErrUnrecoverable),
		RequeueUpTo(maxAttempts),
		DeadLetter(),
	)
}
