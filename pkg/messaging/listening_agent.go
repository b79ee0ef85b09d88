package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/quarks-tech/courier-go/pkg/continuation"
	"github.com/quarks-tech/courier-go/pkg/durable"
	"github.com/quarks-tech/courier-go/pkg/envelope"
	"github.com/quarks-tech/courier-go/pkg/interceptor/recovery"
	"github.com/quarks-tech/courier-go/pkg/transport"
)

// listeningAgent receives payloads from one endpoint, maps them to
// envelopes, dispatches them to the callback and settles them according to
// the resulting continuation. At most prefetch envelopes are in flight.
type listeningAgent struct {
	endpoint    *transport.Endpoint
	node        string
	store       durable.Store
	serializer  *envelope.Serializer
	mapper      transport.Mapper
	callback    Callback
	policy      continuation.Policy
	executor    *continuation.Executor
	metrics     *metrics
	gracePeriod time.Duration

	listener transport.Listener
	ready    chan struct{}
	sem      *semaphore.Weighted

	stopCtx        context.Context
	stop           context.CancelFunc
	dispatchCtx    context.Context
	cancelDispatch context.CancelFunc

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

type listenOptions struct {
	prefetch     int
	consumerName string
	callback     Callback
}

type ListenOption func(o *listenOptions)

// WithListenPrefetch overrides the runtime prefetch for one listener.
func WithListenPrefetch(n int) ListenOption {
	return func(o *listenOptions) {
		o.prefetch = n
	}
}

func WithConsumerName(name string) ListenOption {
	return func(o *listenOptions) {
		o.consumerName = name
	}
}

// WithListenCallback overrides the runtime callback for one listener.
func WithListenCallback(cb Callback) ListenOption {
	return func(o *listenOptions) {
		o.callback = cb
	}
}

func newListeningAgent(ep *transport.Endpoint, rt *Runtime, opts listenOptions) *listeningAgent {
	a := &listeningAgent{
		endpoint:    ep,
		node:        rt.config.NodeID,
		store:       rt.config.Store,
		serializer:  rt.serializer,
		mapper:      ep.Transport().Mapper(),
		callback:    opts.callback,
		policy:      rt.config.Policy,
		executor:    rt.executor,
		metrics:     rt.metrics,
		gracePeriod: rt.config.GracePeriod,
		ready:       make(chan struct{}),
		sem:         semaphore.NewWeighted(int64(opts.prefetch)),
	}

	a.stopCtx, a.stop = context.WithCancel(context.Background())
	a.dispatchCtx, a.cancelDispatch = context.WithCancel(context.Background())

	return a
}

func (a *listeningAgent) start(ctx context.Context, opts listenOptions) error {
	defer close(a.ready)

	l, err := a.endpoint.Transport().Listen(ctx, a.endpoint, transport.ListenOptions{
		Prefetch:     opts.prefetch,
		ConsumerName: opts.consumerName,
	}, a.receive)
	if err != nil {
		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()

		return fmt.Errorf("listen on %s: %w", a.endpoint, err)
	}

	a.listener = l

	logger.Infof("listening on %s endpoint %s", a.endpoint.Mode(), a.endpoint)

	return nil
}

func (a *listeningAgent) receive(p *transport.Payload) {
	<-a.ready

	if !a.track() {
		a.settle(p.Tag, func(ctx context.Context, l transport.Listener) error {
			return l.Nack(ctx, p.Tag, true)
		})

		return
	}

	if err := a.sem.Acquire(a.stopCtx, 1); err != nil {
		a.inflight.Done()
		a.settle(p.Tag, func(ctx context.Context, l transport.Listener) error {
			return l.Nack(ctx, p.Tag, true)
		})

		return
	}

	a.metrics.received.Add(1)

	env, err := a.mapPayload(p)
	if err != nil {
		a.metrics.mappingFailures.Add(1)
		logger.Errorf("discarding payload %d: %v", p.Tag, err)

		a.settle(p.Tag, func(ctx context.Context, l transport.Listener) error {
			return l.Ack(ctx, p.Tag)
		})
		a.sem.Release(1)
		a.inflight.Done()

		return
	}

	if a.endpoint.Durable() {
		if err = a.store.PersistIncoming(a.stopCtx, env); err != nil {
			logger.Errorf("persisting incoming %s: %v", env, err)

			a.settle(p.Tag, func(ctx context.Context, l transport.Listener) error {
				return l.Nack(ctx, p.Tag, true)
			})
			a.sem.Release(1)
			a.inflight.Done()

			return
		}
	}

	go func() {
		defer a.inflight.Done()
		defer a.sem.Release(1)

		a.dispatch(env, a.channelFor(p.Tag))
	}()
}

// track registers one in-flight envelope unless the agent is closed.
func (a *listeningAgent) track() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return false
	}

	a.inflight.Add(1)

	return true
}

func (a *listeningAgent) settle(tag uint64, fn func(ctx context.Context, l transport.Listener) error) {
	if a.listener == nil {
		return
	}

	if err := fn(context.Background(), a.listener); err != nil {
		logger.Errorf("settling payload %d from %s: %v", tag, a.endpoint, err)
	}
}

// mapPayload reads the envelope and decodes its message. A message type
// without a registered Go type is left undecoded so the callback can
// decide what to do with it.
func (a *listeningAgent) mapPayload(p *transport.Payload) (*envelope.Envelope, error) {
	env, err := a.mapper.ReadEnvelope(p)
	if err != nil {
		return nil, &MappingError{Endpoint: a.endpoint.String(), Err: err}
	}

	if err = a.serializer.Decode(env); err != nil && !errors.Is(err, envelope.ErrUnknownMessageType) {
		return nil, &MappingError{Endpoint: a.endpoint.String(), Err: err}
	}

	a.prepare(env)

	return env, nil
}

func (a *listeningAgent) prepare(env *envelope.Envelope) {
	env.Attempts++
	env.Status = envelope.StatusIncoming
	env.OwnerID = a.node
	env.Destination = a.endpoint.String()
}

func (a *listeningAgent) channelFor(tag uint64) continuation.Channel {
	ch := &deliveryChannel{listener: a.listener, tag: tag}

	if s, ok := a.listener.(transport.NativeScheduler); ok && a.endpoint.NativeScheduling() {
		return &nativeDeliveryChannel{deliveryChannel: ch, scheduler: s, mapper: a.mapper}
	}

	return ch
}

func (a *listeningAgent) dispatch(env *envelope.Envelope, ch continuation.Channel) {
	start := time.Now()
	err := a.invoke(a.dispatchCtx, env)
	a.metrics.recordDispatch(a.dispatchCtx, start)

	c := a.policy.Decide(env, err)
	if err != nil {
		logger.Warningf("processing %s failed on attempt %d, continuing with %s: %v", env, env.Attempts, c, err)
	}

	ctx := context.WithoutCancel(a.dispatchCtx)

	if err = a.executor.Execute(ctx, c, env, ch); err != nil {
		logger.Errorf("%v", err)

		if err = ch.Nack(ctx, true); err != nil {
			logger.Errorf("requeueing %s: %v", env, err)
		}
	}
}

// invoke runs the callback for env. Panics and malformed results are
// reported as a ProcessingFault.
func (a *listeningAgent) invoke(ctx context.Context, env *envelope.Envelope) error {
	var errs []error

	err := recovery.Recover(func() error {
		errs = a.callback(ctx, a.endpoint.URI(), []*envelope.Envelope{env})
		return nil
	})
	if err != nil {
		return &ProcessingFault{EnvelopeID: env.ID, Err: err}
	}

	if len(errs) != 1 {
		return &ProcessingFault{
			EnvelopeID: env.ID,
			Err:        fmt.Errorf("callback returned %d results for one envelope", len(errs)),
		}
	}

	return errs[0]
}

// Process dispatches an envelope recovered from the store. It is settled
// against the store only and waits for a prefetch slot like a received
// payload does.
func (a *listeningAgent) Process(ctx context.Context, env *envelope.Envelope) error {
	if !a.track() {
		return ErrClosed
	}

	acquireCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(a.stopCtx, cancel)
	defer stop()

	if err := a.sem.Acquire(acquireCtx, 1); err != nil {
		a.inflight.Done()
		return fmt.Errorf("process recovered %s: %w", env, err)
	}

	a.prepare(env)

	if err := a.store.PersistIncoming(ctx, env); err != nil {
		a.sem.Release(1)
		a.inflight.Done()

		return fmt.Errorf("persist recovered %s: %w", env, err)
	}

	go func() {
		defer a.inflight.Done()
		defer a.sem.Release(1)

		a.dispatch(env, &storeChannel{store: a.store, env: env})
	}()

	return nil
}

// Close stops accepting payloads, waits up to the grace period for
// in-flight envelopes and releases the transport listener. Payloads
// arriving meanwhile are requeued.
func (a *listeningAgent) Close(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	a.stop()

	drained := make(chan struct{})
	go func() {
		a.inflight.Wait()
		close(drained)
	}()

	timer := time.NewTimer(a.gracePeriod)
	defer timer.Stop()

	select {
	case <-drained:
	case <-timer.C:
		logger.Warningf("grace period of %s elapsed with envelopes in flight on %s", a.gracePeriod, a.endpoint)
	case <-ctx.Done():
	}

	a.cancelDispatch()

	if a.listener == nil {
		return nil
	}

	return a.listener.Close(ctx)
}

type deliveryChannel struct {
	listener transport.Listener
	tag      uint64
}

func (c *deliveryChannel) Ack(ctx context.Context) error {
	return c.listener.Ack(ctx, c.tag)
}

func (c *deliveryChannel) Nack(ctx context.Context, requeue bool) error {
	return c.listener.Nack(ctx, c.tag, requeue)
}

// nativeDeliveryChannel hands scheduled retries back to the broker.
type nativeDeliveryChannel struct {
	*deliveryChannel
	scheduler transport.NativeScheduler
	mapper    transport.Mapper
}

func (c *nativeDeliveryChannel) MoveToScheduledUntil(ctx context.Context, env *envelope.Envelope, at time.Time) error {
	p, err := c.mapper.WriteEnvelope(env)
	if err != nil {
		return err
	}

	return c.scheduler.MoveToScheduledUntil(ctx, c.tag, p, at)
}

// storeChannel settles envelopes that did not come from a transport.
type storeChannel struct {
	store durable.Store
	env   *envelope.Envelope
}

func (c *storeChannel) Ack(context.Context) error {
	return nil
}

// Nack hands a requeued envelope back to the recovery sweep of every node
// and deletes a rejected one.
func (c *storeChannel) Nack(ctx context.Context, requeue bool) error {
	if !requeue {
		return c.store.DeleteIfPresent(ctx, c.env.ID)
	}

	c.env.OwnerID = envelope.AnyNode

	return c.store.PersistIncoming(ctx, c.env)
}
