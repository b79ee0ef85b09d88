package continuation

import (
	"context"
	"fmt"
	"time"

	"github.com/quarks-tech/courier-go/pkg/durable"
	"github.com/quarks-tech/courier-go/pkg/envelope"
)

// Channel settles a received envelope with the transport it came from.
type Channel interface {
	Ack(ctx context.Context) error
	Nack(ctx context.Context, requeue bool) error
}

// Scheduler is implemented by channels whose transport can redeliver the
// envelope at a later time on its own.
type Scheduler interface {
	MoveToScheduledUntil(ctx context.Context, env *envelope.Envelope, at time.Time) error
}

type Executor struct {
	Store       durable.Store
	HandledMode durable.HandledMode
	// MaxAttempts escalates Requeue to MoveToDeadLetter once an envelope was
	// attempted that many times. Zero disables the escalation.
	MaxAttempts int
	Now         func() time.Time
	// Observe, when set, is called with every continuation that was carried
	// out, after escalation.
	Observe func(env *envelope.Envelope, c Continuation)
}

func (x *Executor) now() time.Time {
	if x.Now != nil {
		return x.Now()
	}

	return time.Now()
}

// Execute carries out c for env. The envelope is settled with ch only after
// the store reflects the outcome; a store failure leaves it unsettled.
func (x *Executor) Execute(ctx context.Context, c Continuation, env *envelope.Envelope, ch Channel) error {
	var err error

	switch c := c.(type) {
	case Success:
		err = x.success(ctx, env, ch)
	case ScheduledRetry:
		err = x.scheduleRetry(ctx, c, env, ch)
	case Requeue:
		if x.MaxAttempts > 0 && env.Attempts >= x.MaxAttempts {
			return x.Execute(ctx, MoveToDeadLetter{
				Reason: fmt.Sprintf("gave up after %d attempts", env.Attempts),
			}, env, ch)
		}

		err = ch.Nack(ctx, true)
	case MoveToDeadLetter:
		err = x.deadLetter(ctx, c, env, ch)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownContinuation, c)
	}

	if err != nil {
		return fmt.Errorf("execute %s for %s: %w", c, env, err)
	}

	if x.Observe != nil {
		x.Observe(env, c)
	}

	return nil
}

func (x *Executor) success(ctx context.Context, env *envelope.Envelope, ch Channel) error {
	env.Status = envelope.StatusHandled

	var err error

	if x.HandledMode == durable.HandledArchive {
		err = x.Store.MarkHandled(ctx, env.ID)
	} else {
		err = x.Store.DeleteIfPresent(ctx, env.ID)
	}

	if err != nil {
		return err
	}

	return ch.Ack(ctx)
}

func (x *Executor) scheduleRetry(ctx context.Context, c ScheduledRetry, env *envelope.Envelope, ch Channel) error {
	at := x.now().Add(c.Delay)

	if s, ok := ch.(Scheduler); ok {
		env.ScheduleAt(at)

		if err := s.MoveToScheduledUntil(ctx, env, at); err != nil {
			return err
		}

		return x.Store.DeleteIfPresent(ctx, env.ID)
	}

	env.MarkScheduled(at)

	if err := x.Store.PersistScheduled(ctx, env); err != nil {
		return err
	}

	return ch.Ack(ctx)
}

func (x *Executor) deadLetter(ctx context.Context, c MoveToDeadLetter, env *envelope.Envelope, ch Channel) error {
	err := x.Store.MoveToDeadLetter(ctx, env, durable.DeadLetter{
		Reason:   c.Reason,
		Attempts: env.Attempts,
		At:       x.now(),
	})
	if err != nil {
		return err
	}

	return ch.Ack(ctx)
}
