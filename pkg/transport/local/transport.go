// Package local implements an in-process transport: endpoints are named
// queues living in the memory of the current process.
package local

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/quarks-tech/courier-go/pkg/transport"
)

const (
	Protocol = "local"

	defaultQueueDepth = 1024
)

var (
	ErrNilContext = errors.New("nil Context")
	ErrNilPayload = errors.New("nil Payload")
)

type options struct {
	queueDepth int
}

type Option func(o *options)

// WithQueueDepth sets the buffer size of every queue.
func WithQueueDepth(n int) Option {
	return func(o *options) {
		o.queueDepth = n
	}
}

type Transport struct {
	options options

	mu        sync.Mutex
	queues    map[string]*queue
	listeners map[*listener]struct{}
	closed    bool
}

func New(opts ...Option) *Transport {
	o := options{queueDepth: defaultQueueDepth}

	for _, opt := range opts {
		opt(&o)
	}

	return &Transport{
		options:   o,
		queues:    make(map[string]*queue),
		listeners: make(map[*listener]struct{}),
	}
}

func (t *Transport) Protocol() string {
	return Protocol
}

// ParseEndpoint accepts local://<queue>[/durable].
func (t *Transport) ParseEndpoint(uri *url.URL) (transport.EndpointSpec, error) {
	if uri.Host == "" {
		return transport.EndpointSpec{}, fmt.Errorf("%w: %s: missing queue name", transport.ErrInvalidEndpoint, uri)
	}

	spec := transport.EndpointSpec{}
	if transport.IsDurableURI(uri) {
		spec.Mode = transport.ModeDurable
	}

	return spec, nil
}

func (t *Transport) Open(_ context.Context, ep *transport.Endpoint) (transport.Channel, error) {
	q, err := t.queue(ep.URI().Host)
	if err != nil {
		return nil, err
	}

	return sender{queue: q}, nil
}

func (t *Transport) Listen(ctx context.Context, ep *transport.Endpoint, _ transport.ListenOptions, fn transport.Receive) (transport.Listener, error) {
	q, err := t.queue(ep.URI().Host)
	if err != nil {
		return nil, err
	}

	l := newListener(q, fn)

	t.mu.Lock()
	t.listeners[l] = struct{}{}
	t.mu.Unlock()

	go l.run(context.WithoutCancel(ctx))

	return l, nil
}

func (t *Transport) Mapper() transport.Mapper {
	return transport.HeaderMapper{}
}

// Close stops every listener. Unacknowledged payloads go back to their queue.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	listeners := t.listeners
	t.listeners = make(map[*listener]struct{})
	t.mu.Unlock()

	var errs []error

	for l := range listeners {
		if err := l.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Depth returns the number of payloads waiting in the named queue.
func (t *Transport) Depth(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	q, ok := t.queues[name]
	if !ok {
		return 0
	}

	return len(q.ch)
}

func (t *Transport) queue(name string) (*queue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, transport.ErrClosed
	}

	q, ok := t.queues[name]
	if !ok {
		q = &queue{name: name, ch: make(chan *transport.Payload, t.options.queueDepth)}
		t.queues[name] = q
	}

	return q, nil
}

type queue struct {
	name string
	ch   chan *transport.Payload
}

func (q *queue) push(ctx context.Context, p *transport.Payload) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- p:
		return nil
	}
}
