package local

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/quarks-tech/courier-go/pkg/envelope"
	"github.com/quarks-tech/courier-go/pkg/transport"
)

type listener struct {
	queue *queue
	fn    transport.Receive
	tag   atomic.Uint64

	stop chan struct{}
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	unacked map[uint64]*transport.Payload
}

func newListener(q *queue, fn transport.Receive) *listener {
	return &listener{
		queue:   q,
		fn:      fn,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		unacked: make(map[uint64]*transport.Payload),
	}
}

func (l *listener) run(ctx context.Context) {
	defer close(l.done)

	for {
		select {
		case <-l.stop:
			return
		case p := <-l.queue.ch:
			select {
			case <-l.stop:
				l.requeue(ctx, p)
				return
			default:
			}

			p.Tag = l.tag.Add(1)

			l.mu.Lock()
			l.unacked[p.Tag] = p
			l.mu.Unlock()

			l.fn(p)
		}
	}
}

func (l *listener) Ack(_ context.Context, tag uint64) error {
	l.take(tag)
	return nil
}

// Nack drops the payload, or puts it back at the tail of the queue with an
// incremented attempts header when requeue is set.
func (l *listener) Nack(ctx context.Context, tag uint64, requeue bool) error {
	p, ok := l.take(tag)
	if !ok || !requeue {
		return nil
	}

	attempts, _ := strconv.Atoi(p.Headers[envelope.HeaderAttempts])
	p.Headers[envelope.HeaderAttempts] = strconv.Itoa(attempts + 1)

	l.requeue(ctx, p)

	return nil
}

// Close stops receiving and returns unacknowledged payloads to the queue.
func (l *listener) Close(ctx context.Context) error {
	l.once.Do(func() { close(l.stop) })

	select {
	case <-l.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	l.mu.Lock()
	pending := l.unacked
	l.unacked = make(map[uint64]*transport.Payload)
	l.mu.Unlock()

	for _, p := range pending {
		l.requeue(ctx, p)
	}

	return nil
}

func (l *listener) take(tag uint64) (*transport.Payload, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.unacked[tag]
	delete(l.unacked, tag)

	return p, ok
}

func (l *listener) requeue(ctx context.Context, p *transport.Payload) {
	p = p.Clone()
	p.Tag = 0

	select {
	case l.queue.ch <- p:
	default:
		go func() {
			if err := l.queue.push(context.WithoutCancel(ctx), p); err != nil {
				logger.Errorf("requeue to %s: %v", l.queue.name, err)
			}
		}()
	}
}
