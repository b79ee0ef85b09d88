package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/quarks-tech/courier-go/pkg/durable"
	"github.com/quarks-tech/courier-go/pkg/envelope"
	"github.com/quarks-tech/courier-go/pkg/transport"
)

// sendingAgent delivers envelopes to one destination endpoint. Durable
// envelopes are persisted before they are queued and deleted once the
// transport accepted them.
type sendingAgent struct {
	endpoint    *transport.Endpoint
	node        string
	store       durable.Store
	metrics     *metrics
	now         func() time.Time
	retries     int
	maxAttempts int

	queue chan *envelope.Envelope
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

func newSendingAgent(ep *transport.Endpoint, rt *Runtime) *sendingAgent {
	a := &sendingAgent{
		endpoint:    ep,
		node:        rt.config.NodeID,
		store:       rt.config.Store,
		metrics:     rt.metrics,
		now:         rt.config.Now,
		retries:     rt.config.LightweightRetries,
		maxAttempts: rt.config.MaxAttempts,
		queue:       make(chan *envelope.Envelope, rt.config.QueueSize),
		done:        make(chan struct{}),
	}

	go a.run()

	return a
}

// Enqueue accepts env for delivery. Envelopes due in the future are parked
// in the store as Scheduled unless the endpoint schedules natively.
func (a *sendingAgent) Enqueue(ctx context.Context, env *envelope.Envelope) error {
	env.Destination = a.endpoint.String()

	if env.IsDelayed(a.now()) && !a.endpoint.NativeScheduling() {
		env.MarkScheduled(*env.ExecutionTime)

		if err := a.store.PersistScheduled(ctx, env); err != nil {
			return fmt.Errorf("schedule %s for %s: %w", env, a.endpoint, err)
		}

		a.metrics.scheduled.Add(1)

		return nil
	}

	if a.endpoint.Durable() {
		env.Status = envelope.StatusOutgoing
		env.OwnerID = a.node

		if err := a.store.PersistOutgoing(ctx, env); err != nil {
			return fmt.Errorf("persist %s for %s: %w", env, a.endpoint, err)
		}
	}

	return a.push(ctx, env)
}

// resend queues an outgoing envelope this node has just claimed.
func (a *sendingAgent) resend(ctx context.Context, env *envelope.Envelope) error {
	env.Status = envelope.StatusOutgoing
	env.OwnerID = a.node

	return a.push(ctx, env)
}

func (a *sendingAgent) push(ctx context.Context, env *envelope.Envelope) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var err error

	if a.closed {
		err = ErrClosed
	} else {
		select {
		case a.queue <- env:
			return nil
		case <-ctx.Done():
			err = ctx.Err()
		}
	}

	if a.endpoint.Durable() {
		a.release(context.WithoutCancel(ctx), env)
	}

	return fmt.Errorf("enqueue %s for %s: %w", env, a.endpoint, err)
}

func (a *sendingAgent) run() {
	defer close(a.done)

	for env := range a.queue {
		a.deliver(context.Background(), env)
	}
}

func (a *sendingAgent) deliver(ctx context.Context, env *envelope.Envelope) {
	p, err := a.endpoint.Transport().Mapper().WriteEnvelope(env)
	if err != nil {
		a.metrics.mappingFailures.Add(1)
		a.giveUp(ctx, env, &MappingError{Endpoint: a.endpoint.String(), Err: err})

		return
	}

	err = a.send(ctx, env, p)
	if err == nil {
		a.sent(ctx, env)
		return
	}

	if !retryable(err) {
		a.giveUp(ctx, env, err)
		return
	}

	if a.endpoint.Durable() {
		if errors.Is(err, transport.ErrRejected) {
			env.Attempts++
		}

		if a.maxAttempts > 0 && env.Attempts >= a.maxAttempts {
			a.giveUp(ctx, env, err)
			return
		}

		logger.Warningf("sending %s to %s failed, handing it to recovery: %v", env, a.endpoint, err)
		a.release(ctx, env)

		return
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(100*time.Millisecond),
			backoff.WithMaxInterval(2*time.Second),
		), uint64(a.retries)),
		ctx,
	)

	err = backoff.RetryNotify(func() error {
		err := a.send(ctx, env, p)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}

		return err
	}, b, func(err error, d time.Duration) {
		logger.Warningf("sending %s to %s failed, retrying in %s: %v", env, a.endpoint, d, err)
	})
	if err != nil {
		logger.Errorf("dropping %s for %s after %d retries: %v", env, a.endpoint, a.retries, err)
		return
	}

	a.sent(ctx, env)
}

func (a *sendingAgent) send(ctx context.Context, env *envelope.Envelope, p *transport.Payload) error {
	ch, err := a.endpoint.Channel(ctx)
	if err != nil {
		return err
	}

	if sc, ok := ch.(transport.ScheduledChannel); ok && a.endpoint.NativeScheduling() && env.IsDelayed(a.now()) {
		err = sc.SendAt(ctx, p, *env.ExecutionTime)
	} else {
		err = ch.Send(ctx, p)
	}

	if transport.IsUnavailable(err) {
		a.endpoint.Reset()
	}

	return err
}

// retryable reports whether a failed send may succeed later. Anything else
// is a property of the envelope itself.
func retryable(err error) bool {
	return transport.IsUnavailable(err) ||
		errors.Is(err, transport.ErrRejected) ||
		errors.Is(err, transport.ErrClosed)
}

func (a *sendingAgent) sent(ctx context.Context, env *envelope.Envelope) {
	a.metrics.sent.Add(1)

	if !a.endpoint.Durable() {
		return
	}

	if err := a.store.DeleteIfPresent(ctx, env.ID); err != nil {
		logger.Errorf("deleting sent %s: %v", env, err)
	}
}

// release hands a durable envelope back to every node.
func (a *sendingAgent) release(ctx context.Context, env *envelope.Envelope) {
	env.OwnerID = envelope.AnyNode

	if err := a.store.PersistOutgoing(ctx, env); err != nil {
		logger.Errorf("releasing %s: %v", env, err)
	}
}

func (a *sendingAgent) giveUp(ctx context.Context, env *envelope.Envelope, reason error) {
	if !a.endpoint.Durable() {
		logger.Errorf("dropping %s for %s: %v", env, a.endpoint, reason)
		return
	}

	err := a.store.MoveToDeadLetter(ctx, env, durable.DeadLetter{
		Reason:   reason.Error(),
		Attempts: env.Attempts,
		At:       a.now(),
	})
	if err != nil {
		logger.Errorf("dead-lettering %s: %v", env, err)
		return
	}

	a.metrics.deadLettered.Add(1)
}

// Close stops accepting envelopes and waits for the queue to drain.
func (a *sendingAgent) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain %s: %w", a.endpoint, ctx.Err())
	}
}
