package messaging

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/quarks-tech/courier-go/pkg/continuation"
	"github.com/quarks-tech/courier-go/pkg/durable"
	"github.com/quarks-tech/courier-go/pkg/durable/memory"
	"github.com/quarks-tech/courier-go/pkg/envelope"
	"github.com/quarks-tech/courier-go/pkg/routing"
	"github.com/quarks-tech/courier-go/pkg/transport"
	"github.com/quarks-tech/courier-go/pkg/transport/stub"
)

const (
	tcpDestination = "tcp://host:7000/durable"
	inbox          = "stub://orders/durable"
	waitFor        = 2 * time.Second
	tick           = 5 * time.Millisecond
)

type orderPlaced struct {
	OrderID string `json:"orderId"`
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

type fixture struct {
	rt    *Runtime
	store *memory.Store
	tcp   *stub.Transport
	stub  *stub.Transport
	clock *clock
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	c := newClock()

	f := &fixture{
		store: memory.New(memory.WithClock(c.Now)),
		tcp:   stub.New(stub.WithProtocol("tcp")),
		stub:  stub.New(),
		clock: c,
	}

	types := envelope.NewTypeRegistry()
	envelope.RegisterType[orderPlaced](types, "orders.placed")

	base := []Option{
		WithNodeID("node-a"),
		WithStore(f.store),
		WithStoreTimeout(-1),
		WithTransports(f.tcp, f.stub),
		WithTypes(types),
		WithClock(f.clock.Now),
		WithGracePeriod(time.Second),
	}

	rt, err := New(append(base, opts...)...)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = rt.Close(context.Background())
	})

	f.rt = rt

	return f
}

func (f *fixture) payload(t *testing.T, msg any, attempts int) *transport.Payload {
	t.Helper()

	env := envelope.New(msg)
	env.Attempts = attempts
	require.NoError(t, f.rt.Serializer().Encode(env))

	p, err := transport.HeaderMapper{}.WriteEnvelope(env)
	require.NoError(t, err)

	return p
}

func (f *fixture) listen(t *testing.T, h func(ctx context.Context, env *envelope.Envelope) error, opts ...ListenOption) *stub.Listener {
	t.Helper()

	opts = append([]ListenOption{WithListenCallback(HandlerCallback(h))}, opts...)
	require.NoError(t, f.rt.Listen(context.Background(), inbox, opts...))

	l := f.stub.Listener(inbox)
	require.NotNil(t, l)

	return l
}

func handled(context.Context, *envelope.Envelope) error { return nil }

func TestNewRejectsAnyNode(t *testing.T) {
	_, err := New(WithNodeID(envelope.AnyNode))
	assert.ErrorIs(t, err, envelope.ErrInvalidNodeID)
}

func TestFutureEnvelopeIsScheduledForAnyNode(t *testing.T) {
	for _, uri := range []string{tcpDestination, "tcp://host:7000"} {
		t.Run(uri, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			at := f.clock.Now().Add(time.Minute)

			require.NoError(t, f.rt.Send(ctx, &orderPlaced{OrderID: "o-1"}, uri, envelope.WithExecutionTime(at)))

			scheduled, err := f.store.AllScheduled(ctx, at)
			require.NoError(t, err)
			require.Len(t, scheduled, 1)

			env := scheduled[0]
			assert.Equal(t, envelope.StatusScheduled, env.Status)
			assert.Equal(t, envelope.AnyNode, env.OwnerID)
			assert.Equal(t, at, *env.ExecutionTime)
			assert.Equal(t, "orders.placed", env.MessageType)

			assert.Empty(t, f.tcp.Sent())
		})
	}
}

func TestFutureEnvelopeWithNativeScheduling(t *testing.T) {
	native := stub.New(stub.WithProtocol("broker"), stub.WithNativeScheduling())
	f := newFixture(t, WithTransports(native))
	ctx := context.Background()
	at := f.clock.Now().Add(time.Minute)

	require.NoError(t, f.rt.Send(ctx, &orderPlaced{}, "broker://queue/orders/durable", envelope.WithExecutionTime(at)))

	assert.Eventually(t, func() bool { return len(native.Sent()) == 1 }, waitFor, tick)

	sent := native.Sent()[0]
	require.NotNil(t, sent.At)
	assert.Equal(t, at, *sent.At)

	assert.Eventually(t, func() bool {
		outgoing, err := f.store.AllOutgoing(ctx, "")
		return err == nil && len(outgoing) == 0
	}, waitFor, tick)
}

func TestStaticSubscriptionEnqueuesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.rt.Subscribe("orders.placed", tcpDestination))
	require.NoError(t, f.rt.Publish(ctx, &orderPlaced{OrderID: "o-1"}))

	assert.Eventually(t, func() bool { return len(f.tcp.SentTo(tcpDestination)) == 1 }, waitFor, tick)

	p := f.tcp.SentTo(tcpDestination)[0].Payload
	assert.Equal(t, "orders.placed", p.Headers[envelope.HeaderMessageType])
	assert.Equal(t, "node-a", p.Headers[envelope.HeaderSource])
	assert.JSONEq(t, `{"orderId":"o-1"}`, string(p.Body))

	assert.Eventually(t, func() bool {
		outgoing, err := f.store.AllOutgoing(ctx, "")
		return err == nil && len(outgoing) == 0
	}, waitFor, tick)

	assert.Len(t, f.tcp.Sent(), 1)
}

func TestPublishWithoutRoute(t *testing.T) {
	f := newFixture(t)

	err := f.rt.Publish(context.Background(), &orderPlaced{})
	assert.ErrorIs(t, err, routing.ErrNoRouteFound)

	var nr *routing.NoRouteFoundError
	require.ErrorAs(t, err, &nr)
	assert.Equal(t, "orders.placed", nr.MessageType)
}

func TestSendUnknownScheme(t *testing.T) {
	f := newFixture(t)

	err := f.rt.Send(context.Background(), &orderPlaced{}, "kafka://orders")
	assert.ErrorIs(t, err, transport.ErrUnknownTransportScheme)
}

func TestFanOutGetsOneEnvelopePerDestination(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.rt.Subscribe("orders.*", "tcp://a:1", "tcp://b:2"))
	require.NoError(t, f.rt.Publish(context.Background(), &orderPlaced{}, envelope.WithCorrelationID("c-1")))

	assert.Eventually(t, func() bool { return len(f.tcp.Sent()) == 2 }, waitFor, tick)

	a := f.tcp.SentTo("tcp://a:1")
	b := f.tcp.SentTo("tcp://b:2")
	require.Len(t, a, 1)
	require.Len(t, b, 1)

	assert.NotEqual(t, a[0].Payload.Headers[envelope.HeaderID], b[0].Payload.Headers[envelope.HeaderID])
	assert.Equal(t, "c-1", a[0].Payload.Headers[envelope.HeaderCorrelationID])
	assert.Equal(t, "tcp://b:2", b[0].Payload.Headers[envelope.HeaderDestination])
}

func TestFailedDurableSendIsReleased(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.tcp.FailSends(errors.New("connection refused"))

	require.NoError(t, f.rt.Send(ctx, &orderPlaced{}, tcpDestination))

	assert.Eventually(t, func() bool {
		outgoing, err := f.store.AllOutgoing(ctx, envelope.AnyNode)
		return err == nil && len(outgoing) == 1
	}, waitFor, tick)

	f.tcp.FailSends(nil)

	n, err := f.rt.Recovery().RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Eventually(t, func() bool { return len(f.tcp.Sent()) == 1 }, waitFor, tick)
}

func TestRejectedSendsAreDeadLettered(t *testing.T) {
	f := newFixture(t, WithMaxAttempts(1))
	ctx := context.Background()

	f.tcp.FailSends(transport.ErrRejected)

	require.NoError(t, f.rt.Send(ctx, &orderPlaced{}, tcpDestination))

	assert.Eventually(t, func() bool {
		dls, err := f.store.DeadLetters(ctx)
		return err == nil && len(dls) == 1
	}, waitFor, tick)
}

func TestBufferedSendIsDroppedAfterRetries(t *testing.T) {
	f := newFixture(t, WithLightweightRetries(1))
	ctx := context.Background()

	f.tcp.FailSends(errors.New("connection refused"))

	require.NoError(t, f.rt.Send(ctx, &orderPlaced{}, "tcp://host:7000"))

	time.Sleep(300 * time.Millisecond)

	outgoing, err := f.store.AllOutgoing(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, outgoing)
	assert.Empty(t, f.tcp.Sent())
}

func TestFailedSendIsRecoveredByExactlyOneNode(t *testing.T) {
	ctx := context.Background()
	shared := memory.New()

	crashed := stub.New(stub.WithProtocol("tcp"))
	crashed.FailSends(errors.New("network down"))

	a, err := New(WithNodeID("node-a"), WithStore(shared), WithTransports(crashed))
	require.NoError(t, err)

	require.NoError(t, a.Send(ctx, &orderPlaced{OrderID: "o-1"}, tcpDestination))

	assert.Eventually(t, func() bool {
		outgoing, err := shared.AllOutgoing(ctx, envelope.AnyNode)
		return err == nil && len(outgoing) == 1
	}, waitFor, tick)

	require.NoError(t, a.Close(ctx))

	nodes := make([]*Runtime, 2)
	transports := make([]*stub.Transport, 2)

	for i, id := range []string{"node-b", "node-c"} {
		transports[i] = stub.New(stub.WithProtocol("tcp"))

		nodes[i], err = New(WithNodeID(id), WithStore(shared), WithTransports(transports[i]))
		require.NoError(t, err)

		defer nodes[i].Close(ctx)
	}

	var (
		wg      sync.WaitGroup
		claimed atomic.Int64
	)

	for _, rt := range nodes {
		wg.Add(1)

		go func(rt *Runtime) {
			defer wg.Done()

			n, err := rt.Recovery().RunOnce(ctx)
			assert.NoError(t, err)
			claimed.Add(int64(n))
		}(rt)
	}

	wg.Wait()

	assert.Equal(t, int64(1), claimed.Load())

	assert.Eventually(t, func() bool {
		return len(transports[0].Sent())+len(transports[1].Sent()) == 1
	}, waitFor, tick)

	assert.Eventually(t, func() bool {
		outgoing, err := shared.AllOutgoing(ctx, "")
		return err == nil && len(outgoing) == 0
	}, waitFor, tick)
}

func TestCrashedNodeIsRecoveredByExactlyOneNode(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	shared := memory.New(memory.WithClock(c.Now))

	crashed, err := New(WithStore(shared), WithClock(c.Now), WithFirstPollDelay(time.Hour))
	require.NoError(t, err)

	crashedCtx, crash := context.WithCancel(ctx)
	require.NoError(t, crashed.Start(crashedCtx))

	env := envelope.New(&orderPlaced{OrderID: "o-1"})
	env.Destination = tcpDestination
	env.OwnerID = crashed.NodeID()
	require.NoError(t, crashed.Serializer().Encode(env))
	require.NoError(t, shared.PersistOutgoing(ctx, env))

	// The process dies without Close, its records stay owned by it.
	crash()

	nodes := make([]*Runtime, 2)
	transports := make([]*stub.Transport, 2)

	for i := range nodes {
		transports[i] = stub.New(stub.WithProtocol("tcp"))

		nodes[i], err = New(WithStore(shared), WithTransports(transports[i]), WithClock(c.Now), WithFirstPollDelay(time.Hour))
		require.NoError(t, err)
		require.NoError(t, nodes[i].Start(ctx))

		defer nodes[i].Close(ctx)
	}

	require.NotEqual(t, crashed.NodeID(), nodes[0].NodeID())
	require.NotEqual(t, nodes[0].NodeID(), nodes[1].NodeID())

	n, err := nodes[0].Recovery().RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "a node within its timeout keeps its envelopes")

	owned, err := shared.AllOutgoing(ctx, crashed.NodeID())
	require.NoError(t, err)
	require.Len(t, owned, 1)

	c.Advance(31 * time.Second)

	var (
		wg      sync.WaitGroup
		claimed atomic.Int64
	)

	for _, rt := range nodes {
		wg.Add(1)

		go func(rt *Runtime) {
			defer wg.Done()

			n, err := rt.Recovery().RunOnce(ctx)
			assert.NoError(t, err)
			claimed.Add(int64(n))
		}(rt)
	}

	wg.Wait()

	assert.Equal(t, int64(1), claimed.Load())

	assert.Eventually(t, func() bool {
		return len(transports[0].Sent())+len(transports[1].Sent()) == 1
	}, waitFor, tick)

	assert.Eventually(t, func() bool {
		outgoing, err := shared.AllOutgoing(ctx, "")
		return err == nil && len(outgoing) == 0
	}, waitFor, tick)
}

func TestPermanentSendFailureIsDeadLettered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.tcp.FailSendsPermanently(errors.New("payload too large"))

	require.NoError(t, f.rt.Send(ctx, &orderPlaced{}, tcpDestination))

	assert.Eventually(t, func() bool {
		dls, err := f.store.DeadLetters(ctx)
		return err == nil && len(dls) == 1
	}, waitFor, tick)

	dls, err := f.store.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Contains(t, dls[0].Reason, "payload too large")
	assert.Zero(t, dls[0].Attempts)

	outgoing, err := f.store.AllOutgoing(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, outgoing)
}

func TestMalformedPayloadIsAckedOnce(t *testing.T) {
	f := newFixture(t)

	var calls atomic.Int64
	l := f.listen(t, func(context.Context, *envelope.Envelope) error {
		calls.Add(1)
		return nil
	})

	tag := l.Deliver(&transport.Payload{Headers: map[string]string{}, Body: []byte("garbage")})

	assert.Equal(t, []uint64{tag}, l.Acks())
	assert.Empty(t, l.Nacks())

	p := f.payload(t, &orderPlaced{}, 0)
	p.Body = []byte("{not json")
	tag = l.Deliver(p)

	assert.Contains(t, l.Acks(), tag)
	assert.Len(t, l.Acks(), 2)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, calls.Load())
	assert.Equal(t, int64(2), f.rt.metrics.mappingFailures.Load())
}

func TestSuccessfulProcessing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	got := make(chan *envelope.Envelope, 1)
	l := f.listen(t, func(_ context.Context, env *envelope.Envelope) error {
		got <- env
		return nil
	})

	tag := l.Deliver(f.payload(t, &orderPlaced{OrderID: "o-1"}, 0))

	env := <-got
	assert.Equal(t, &orderPlaced{OrderID: "o-1"}, env.Message)
	assert.Equal(t, 1, env.Attempts)
	assert.Equal(t, "node-a", env.OwnerID)
	assert.Equal(t, inbox, env.Destination)

	assert.Eventually(t, func() bool { return len(l.Acks()) == 1 }, waitFor, tick)
	assert.Equal(t, tag, l.Acks()[0])

	incoming, err := f.store.AllIncoming(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, incoming)
}

func TestArchivedHandledEnvelope(t *testing.T) {
	f := newFixture(t, WithHandledMode(durable.HandledArchive))
	ctx := context.Background()

	l := f.listen(t, handled)
	l.Deliver(f.payload(t, &orderPlaced{}, 0))

	assert.Eventually(t, func() bool { return len(l.Acks()) == 1 }, waitFor, tick)

	f.clock.Advance(3 * time.Hour)

	n, err := durable.NewCleaner(f.store, durable.WithCleanerClock(f.clock.Now)).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFailureIsRequeued(t *testing.T) {
	f := newFixture(t)

	l := f.listen(t, func(context.Context, *envelope.Envelope) error {
		return errors.New("db timeout")
	})

	tag := l.Deliver(f.payload(t, &orderPlaced{}, 0))

	assert.Eventually(t, func() bool { return len(l.Nacks()) == 1 }, waitFor, tick)
	assert.Equal(t, stub.Nack{Tag: tag, Requeue: true}, l.Nacks()[0])
}

func TestPanicIsContained(t *testing.T) {
	f := newFixture(t)

	var fault error
	var mu sync.Mutex

	f.rt.config.Policy = func(_ *envelope.Envelope, err error) continuation.Continuation {
		mu.Lock()
		fault = err
		mu.Unlock()

		return continuation.Requeue{}
	}

	l := f.listen(t, func(context.Context, *envelope.Envelope) error {
		panic("nil map")
	})

	l.Deliver(f.payload(t, &orderPlaced{}, 0))

	assert.Eventually(t, func() bool { return len(l.Nacks()) == 1 }, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()

	assert.ErrorIs(t, fault, ErrProcessingFault)
}

func TestLastAttemptIsDeadLettered(t *testing.T) {
	f := newFixture(t, WithMaxAttempts(3))
	ctx := context.Background()

	l := f.listen(t, func(context.Context, *envelope.Envelope) error {
		return errors.New("still failing")
	})

	// two prior deliveries make this the third attempt
	l.Deliver(f.payload(t, &orderPlaced{}, 2))

	assert.Eventually(t, func() bool { return len(l.Acks()) == 1 }, waitFor, tick)

	dls, err := f.store.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, 3, dls[0].Attempts)
	assert.Equal(t, "still failing", dls[0].Reason)
}

func TestScheduledRetry(t *testing.T) {
	f := newFixture(t, WithPolicy(continuation.RetryLater(5*time.Second)))
	ctx := context.Background()
	start := f.clock.Now()

	l := f.listen(t, func(context.Context, *envelope.Envelope) error {
		return errors.New("not yet")
	})

	l.Deliver(f.payload(t, &orderPlaced{}, 0))

	assert.Eventually(t, func() bool { return len(l.Acks()) == 1 }, waitFor, tick)

	scheduled, err := f.store.AllScheduled(ctx, start.Add(5*time.Second))
	require.NoError(t, err)
	require.Len(t, scheduled, 1)
	assert.Equal(t, start.Add(5*time.Second), *scheduled[0].ExecutionTime)
	assert.Equal(t, envelope.AnyNode, scheduled[0].OwnerID)
}

func TestNativeScheduledRetry(t *testing.T) {
	native := stub.New(stub.WithNativeScheduling())
	f := newFixture(t, WithTransports(native), WithPolicy(continuation.RetryLater(5*time.Second)))
	start := f.clock.Now()

	require.NoError(t, f.rt.Listen(context.Background(), inbox, WithListenCallback(HandlerCallback(
		func(context.Context, *envelope.Envelope) error { return errors.New("not yet") },
	))))

	l := native.Listener(inbox)
	tag := l.Deliver(f.payload(t, &orderPlaced{}, 0))

	assert.Eventually(t, func() bool { return len(l.Moved()) == 1 }, waitFor, tick)
	assert.Equal(t, stub.Moved{Tag: tag, At: start.Add(5 * time.Second)}, l.Moved()[0])
	assert.Empty(t, l.Acks())
}

func TestRecoveryDispatchesDueScheduledEnvelopeLocally(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	got := make(chan *envelope.Envelope, 1)
	f.listen(t, func(_ context.Context, env *envelope.Envelope) error {
		got <- env
		return nil
	})

	require.NoError(t, f.rt.Subscribe("orders.placed", inbox))
	require.NoError(t, f.rt.Schedule(ctx, &orderPlaced{OrderID: "o-1"}, f.clock.Now().Add(time.Minute)))

	n, err := f.rt.Recovery().RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(2 * time.Minute)

	n, err = f.rt.Recovery().RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	select {
	case env := <-got:
		assert.Equal(t, &orderPlaced{OrderID: "o-1"}, env.Message)
	case <-time.After(waitFor):
		t.Fatal("scheduled envelope was not dispatched")
	}

	assert.Eventually(t, func() bool {
		scheduled, err := f.store.AllScheduled(ctx, f.clock.Now())
		incoming, err2 := f.store.AllIncoming(ctx, "")
		return err == nil && err2 == nil && len(scheduled) == 0 && len(incoming) == 0
	}, waitFor, tick)
}

func TestRecoveryRedispatchesOrphanedIncoming(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	got := make(chan *envelope.Envelope, 1)
	f.listen(t, func(_ context.Context, env *envelope.Envelope) error {
		got <- env
		return nil
	})

	env := envelope.New(&orderPlaced{OrderID: "o-2"})
	require.NoError(t, f.rt.Serializer().Encode(env))
	env.Message = nil
	env.Destination = inbox
	env.Attempts = 1
	require.NoError(t, f.store.PersistIncoming(ctx, env))

	n, err := f.rt.Recovery().RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	select {
	case recovered := <-got:
		assert.Equal(t, env.ID, recovered.ID)
		assert.Equal(t, 2, recovered.Attempts)
	case <-time.After(waitFor):
		t.Fatal("orphaned envelope was not dispatched")
	}
}

func TestPrefetchBoundsRecoveredDispatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var (
		inFlight atomic.Int64
		peak     atomic.Int64
	)

	release := make(chan struct{})

	f.listen(t, func(context.Context, *envelope.Envelope) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}

		<-release
		inFlight.Add(-1)

		return nil
	}, WithListenPrefetch(1))

	for i := 0; i < 3; i++ {
		env := envelope.New(&orderPlaced{})
		require.NoError(t, f.rt.Serializer().Encode(env))
		env.Message = nil
		env.Destination = inbox
		require.NoError(t, f.store.PersistIncoming(ctx, env))
	}

	var (
		swept   atomic.Bool
		claimed atomic.Int64
	)

	go func() {
		n, _ := f.rt.Recovery().RunOnce(ctx)
		claimed.Store(int64(n))
		swept.Store(true)
	}()

	assert.Eventually(t, func() bool { return inFlight.Load() == 1 }, waitFor, tick)

	time.Sleep(100 * time.Millisecond)
	assert.False(t, swept.Load(), "sweep should wait for a prefetch slot")
	assert.Equal(t, int64(1), inFlight.Load())

	close(release)

	assert.Eventually(t, swept.Load, waitFor, tick)
	assert.Equal(t, int64(3), claimed.Load())
	assert.Eventually(t, func() bool {
		incoming, err := f.store.AllIncoming(ctx, "")
		return err == nil && len(incoming) == 0
	}, waitFor, tick)
	assert.Equal(t, int64(1), peak.Load())
}

func TestPrefetchBoundsInFlightDispatches(t *testing.T) {
	const prefetch = 2

	f := newFixture(t)

	var (
		inFlight atomic.Int64
		peak     atomic.Int64
	)

	release := make(chan struct{})

	l := f.listen(t, func(context.Context, *envelope.Envelope) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}

		<-release
		inFlight.Add(-1)

		return nil
	}, WithListenPrefetch(prefetch))

	for i := 0; i < prefetch; i++ {
		l.Deliver(f.payload(t, &orderPlaced{}, 0))
	}

	assert.Eventually(t, func() bool { return inFlight.Load() == prefetch }, waitFor, tick)

	var delivered atomic.Bool

	last := f.payload(t, &orderPlaced{}, 0)
	go func() {
		l.Deliver(last)
		delivered.Store(true)
	}()

	time.Sleep(100 * time.Millisecond)
	assert.False(t, delivered.Load(), "receive loop should block at the prefetch limit")
	assert.Equal(t, int64(prefetch), inFlight.Load())

	close(release)

	assert.Eventually(t, delivered.Load, waitFor, tick)
	assert.Eventually(t, func() bool { return len(l.Acks()) == prefetch+1 }, waitFor, tick)
	assert.LessOrEqual(t, peak.Load(), int64(prefetch))
}

func TestCloseRequeuesLatePayloads(t *testing.T) {
	f := newFixture(t)

	l := f.listen(t, handled)

	require.NoError(t, f.rt.Close(context.Background()))
	assert.True(t, l.Closed())

	tag := l.Deliver(f.payload(t, &orderPlaced{}, 0))
	assert.Equal(t, []stub.Nack{{Tag: tag, Requeue: true}}, l.Nacks())

	assert.ErrorIs(t, f.rt.Send(context.Background(), &orderPlaced{}, tcpDestination), ErrClosed)
	assert.ErrorIs(t, f.rt.Listen(context.Background(), "stub://other", WithListenCallback(HandlerCallback(handled))), ErrClosed)
}

func TestListenRequiresCallback(t *testing.T) {
	f := newFixture(t)

	err := f.rt.Listen(context.Background(), inbox)
	assert.Error(t, err)
}

func TestStartSweepsInBackground(t *testing.T) {
	f := newFixture(t, WithPollInterval(10*time.Millisecond), WithFirstPollDelay(10*time.Millisecond))
	ctx := context.Background()

	got := make(chan struct{}, 1)
	f.listen(t, func(context.Context, *envelope.Envelope) error {
		got <- struct{}{}
		return nil
	})

	require.NoError(t, f.rt.Start(ctx))
	require.NoError(t, f.rt.Send(ctx, &orderPlaced{}, inbox, envelope.WithExecutionTime(f.clock.Now().Add(time.Second))))

	f.clock.Advance(time.Minute)

	select {
	case <-got:
	case <-time.After(waitFor):
		t.Fatal("background sweep did not dispatch the envelope")
	}
}

func TestMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	f := newFixture(t, WithMeterProvider(provider))

	require.NoError(t, f.rt.Send(context.Background(), &orderPlaced{}, tcpDestination))
	assert.Eventually(t, func() bool { return len(f.tcp.Sent()) == 1 }, waitFor, tick)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	values := make(map[string]int64)

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok && len(sum.DataPoints) > 0 {
				values[m.Name] = sum.DataPoints[0].Value
			}
		}
	}

	assert.Equal(t, int64(1), values["courier.envelopes.sent"])
	assert.Equal(t, int64(0), values["courier.envelopes.received"])
}
