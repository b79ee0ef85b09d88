package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"

	"github.com/quarks-tech/courier-go/pkg/transport"
)

var (
	errConsumerCancelled = errors.New("rabbitmq: consumer cancelled")
	errNotPending        = errors.New("rabbitmq: delivery is no longer pending")
)

type listener struct {
	transport *Transport
	queue     string
	opts      transport.ListenOptions
	fn        transport.Receive
	tag       atomic.Uint64

	consumerTag string

	mu      sync.Mutex
	pending map[uint64]*amqp.Delivery

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newListener(t *Transport, queue string, opts transport.ListenOptions, fn transport.Receive) *listener {
	name := opts.ConsumerName
	if name == "" {
		name = queue
	}

	return &listener{
		transport:   t,
		queue:       queue,
		opts:        opts,
		fn:          fn,
		consumerTag: fmt.Sprintf("%s-%s", name, xid.New()),
		pending:     make(map[uint64]*amqp.Delivery),
		done:        make(chan struct{}),
	}
}

// start connects synchronously so that a broker outage surfaces to the
// caller. Later connection losses are recovered in the background.
func (l *listener) start(ctx context.Context) error {
	conn, deliveries, err := l.connect()
	if err != nil {
		return transport.Unavailable(err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l.cancel = cancel

	go l.run(runCtx, conn, deliveries)

	return nil
}

func (l *listener) connect() (*Conn, <-chan amqp.Delivery, error) {
	conn, err := l.transport.client.Dial()
	if err != nil {
		return nil, nil, err
	}

	if l.transport.options.setupTopology {
		if err = setupQueue(conn.Channel(), l.queue, l.transport.options.delayedExchange); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
	}

	if err = conn.Channel().Qos(l.opts.Prefetch, 0, false); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}

	deliveries, err := conn.Channel().Consume(l.queue, l.consumerTag, false, false, false, false, nil)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}

	return conn, deliveries, nil
}

func (l *listener) run(ctx context.Context, conn *Conn, deliveries <-chan amqp.Delivery) {
	defer close(l.done)

	for {
		err := l.receive(ctx, conn, deliveries)
		_ = conn.Close()
		l.dropPending()

		if ctx.Err() != nil {
			return
		}

		logger.Warningf("rabbitmq listener on %q lost its connection: %v", l.queue, err)

		conn, deliveries = l.reconnect(ctx)
		if conn == nil {
			return
		}
	}
}

func (l *listener) reconnect(ctx context.Context) (*Conn, <-chan amqp.Delivery) {
	cfg := l.transport.client.config

	for attempt := 1; ; attempt++ {
		if err := sleepWithContext(ctx, retryBackoff(attempt, time.Second, cfg.MaxReconnectBackoff)); err != nil {
			return nil, nil
		}

		conn, deliveries, err := l.connect()
		if err == nil {
			logger.Infof("rabbitmq listener on %q reconnected after %d attempts", l.queue, attempt)
			return conn, deliveries
		}

		logger.Warningf("rabbitmq listener on %q reconnect attempt %d: %v", l.queue, attempt, err)
	}
}

func (l *listener) receive(ctx context.Context, conn *Conn, deliveries <-chan amqp.Delivery) error {
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		select {
		case <-ctx.Done():
			return conn.Channel().Cancel(l.consumerTag, false)
		case <-egCtx.Done():
			return nil
		case connErr := <-closed:
			if connErr == nil {
				return amqp.ErrClosed
			}

			return connErr
		}
	})

	eg.Go(func() error {
		for d := range deliveries {
			l.deliver(&d)
		}

		return errConsumerCancelled
	})

	return eg.Wait()
}

func (l *listener) deliver(d *amqp.Delivery) {
	p := newPayload(d)
	p.Tag = l.tag.Add(1)

	l.mu.Lock()
	l.pending[p.Tag] = d
	l.mu.Unlock()

	l.fn(p)
}

func (l *listener) take(tag uint64) (*amqp.Delivery, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	d, ok := l.pending[tag]
	if !ok {
		return nil, transport.Unavailable(fmt.Errorf("%w: tag %d", errNotPending, tag))
	}

	delete(l.pending, tag)

	return d, nil
}

// dropPending forgets deliveries of a closed channel. The broker requeues
// them on its own.
func (l *listener) dropPending() {
	l.mu.Lock()
	l.pending = make(map[uint64]*amqp.Delivery)
	l.mu.Unlock()
}

func (l *listener) Ack(_ context.Context, tag uint64) error {
	d, err := l.take(tag)
	if err != nil {
		return err
	}

	return d.Ack(false)
}

// Nack requeues natively on queues that count deliveries. Otherwise the
// delivery is republished with an incremented attempts header so that the
// attempt limit is reached.
func (l *listener) Nack(ctx context.Context, tag uint64, requeue bool) error {
	d, err := l.take(tag)
	if err != nil {
		return err
	}

	if !requeue || hasDeliveryCount(d) {
		return d.Nack(false, requeue)
	}

	msg := requeuePublishing(d)

	err = l.transport.client.Process(ctx, func(ctx context.Context, conn *Conn) error {
		return conn.Channel().PublishWithContext(ctx, "", l.queue, false, false, msg)
	})
	if err != nil {
		logger.Warningf("rabbitmq requeue of %s on %q falls back to nack: %v", d.MessageId, l.queue, err)
		return d.Nack(false, true)
	}

	return d.Ack(false)
}

// MoveToScheduledUntil republishes the payload through the delayed exchange
// and acknowledges the original delivery.
func (l *listener) MoveToScheduledUntil(ctx context.Context, tag uint64, p *transport.Payload, at time.Time) error {
	exchange := l.transport.options.delayedExchange
	if exchange == "" {
		return fmt.Errorf("rabbitmq: no delayed exchange configured for %q", l.queue)
	}

	msg := newPublishing(p, amqp.Persistent)
	msg.Headers[delayHeader] = delayMillis(at)

	err := l.transport.client.Process(ctx, func(ctx context.Context, conn *Conn) error {
		return conn.Channel().PublishWithContext(ctx, exchange, l.queue, false, false, msg)
	})
	if err != nil {
		return transport.Unavailable(err)
	}

	return l.Ack(ctx, tag)
}

func (l *listener) Close(ctx context.Context) error {
	l.once.Do(func() {
		l.cancel()

		l.transport.mu.Lock()
		delete(l.transport.listeners, l)
		l.transport.mu.Unlock()
	})

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
