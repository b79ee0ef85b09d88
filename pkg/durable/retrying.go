package durable

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/quarks-tech/courier-go/pkg/envelope"
)

type RetryOptions struct {
	// InitialInterval is the first backoff. Default is 50 milliseconds.
	InitialInterval time.Duration
	// MaxInterval caps a single backoff. Default is 2 seconds.
	MaxInterval time.Duration
	// Timeout bounds the total time spent on one operation.
	// Default is 30 seconds.
	Timeout time.Duration
}

func (o *RetryOptions) complete() {
	if o.InitialInterval == 0 {
		o.InitialInterval = 50 * time.Millisecond
	}

	if o.MaxInterval == 0 {
		o.MaxInterval = 2 * time.Second
	}

	if o.Timeout == 0 {
		o.Timeout = 30 * time.Second
	}
}

// Retrying retries operations failing with ErrStoreUnavailable until the
// timeout runs out. Other errors are returned immediately.
type Retrying struct {
	store   Store
	options RetryOptions
}

var _ Store = (*Retrying)(nil)

func NewRetrying(store Store, opts RetryOptions) *Retrying {
	opts.complete()

	return &Retrying{
		store:   store,
		options: opts,
	}
}

func (r *Retrying) Unwrap() Store {
	return r.store
}

func retry[T any](ctx context.Context, r *Retrying, name string, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(r.options.InitialInterval),
		backoff.WithMaxInterval(r.options.MaxInterval),
		backoff.WithMaxElapsedTime(r.options.Timeout),
	)

	v, err := backoff.RetryNotifyWithData(func() (T, error) {
		v, err := op()
		if err != nil && !IsUnavailable(err) {
			return v, backoff.Permanent(err)
		}

		return v, err
	}, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		logger.Warningf("store %s failed, retrying in %s: %v", name, d, err)
	})

	if IsUnavailable(err) {
		logger.Errorf("store %s gave up after %s: %v", name, r.options.Timeout, err)
	}

	return v, err
}

func retryErr(ctx context.Context, r *Retrying, name string, op func() error) error {
	_, err := retry(ctx, r, name, func() (struct{}, error) {
		return struct{}{}, op()
	})

	return err
}

func (r *Retrying) PersistIncoming(ctx context.Context, envs ...*envelope.Envelope) error {
	return retryErr(ctx, r, "persist incoming", func() error {
		return r.store.PersistIncoming(ctx, envs...)
	})
}

func (r *Retrying) PersistOutgoing(ctx context.Context, envs ...*envelope.Envelope) error {
	return retryErr(ctx, r, "persist outgoing", func() error {
		return r.store.PersistOutgoing(ctx, envs...)
	})
}

func (r *Retrying) PersistScheduled(ctx context.Context, envs ...*envelope.Envelope) error {
	return retryErr(ctx, r, "persist scheduled", func() error {
		return r.store.PersistScheduled(ctx, envs...)
	})
}

func (r *Retrying) MarkHandled(ctx context.Context, ids ...string) error {
	return retryErr(ctx, r, "mark handled", func() error {
		return r.store.MarkHandled(ctx, ids...)
	})
}

func (r *Retrying) DeleteIfPresent(ctx context.Context, ids ...string) error {
	return retryErr(ctx, r, "delete", func() error {
		return r.store.DeleteIfPresent(ctx, ids...)
	})
}

func (r *Retrying) AllIncoming(ctx context.Context, owner string) ([]*envelope.Envelope, error) {
	return retry(ctx, r, "list incoming", func() ([]*envelope.Envelope, error) {
		return r.store.AllIncoming(ctx, owner)
	})
}

func (r *Retrying) AllOutgoing(ctx context.Context, owner string) ([]*envelope.Envelope, error) {
	return retry(ctx, r, "list outgoing", func() ([]*envelope.Envelope, error) {
		return r.store.AllOutgoing(ctx, owner)
	})
}

func (r *Retrying) AllScheduled(ctx context.Context, dueBefore time.Time) ([]*envelope.Envelope, error) {
	return retry(ctx, r, "list scheduled", func() ([]*envelope.Envelope, error) {
		return r.store.AllScheduled(ctx, dueBefore)
	})
}

func (r *Retrying) Claim(ctx context.Context, node string, ids ...string) ([]string, error) {
	return retry(ctx, r, "claim", func() ([]string, error) {
		return r.store.Claim(ctx, node, ids...)
	})
}

func (r *Retrying) Release(ctx context.Context, node string) error {
	return retryErr(ctx, r, "release", func() error {
		return r.store.Release(ctx, node)
	})
}

func (r *Retrying) Heartbeat(ctx context.Context, node string, at time.Time) error {
	return retryErr(ctx, r, "heartbeat", func() error {
		return r.store.Heartbeat(ctx, node, at)
	})
}

func (r *Retrying) StaleOwners(ctx context.Context, before time.Time) ([]string, error) {
	return retry(ctx, r, "list stale owners", func() ([]string, error) {
		return r.store.StaleOwners(ctx, before)
	})
}

func (r *Retrying) MoveToDeadLetter(ctx context.Context, env *envelope.Envelope, dl DeadLetter) error {
	return retryErr(ctx, r, "move to dead letter", func() error {
		return r.store.MoveToDeadLetter(ctx, env, dl)
	})
}

func (r *Retrying) DeadLetters(ctx context.Context) ([]*DeadLetter, error) {
	return retry(ctx, r, "list dead letters", func() ([]*DeadLetter, error) {
		return r.store.DeadLetters(ctx)
	})
}

func (r *Retrying) DeleteHandledBefore(ctx context.Context, t time.Time) (int, error) {
	return retry(ctx, r, "delete handled", func() (int, error) {
		return r.store.DeleteHandledBefore(ctx, t)
	})
}
