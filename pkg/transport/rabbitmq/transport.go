// Package rabbitmq implements the broker transport on top of AMQP 0-9-1.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"google.golang.org/grpc/grpclog"

	"github.com/quarks-tech/courier-go/pkg/transport"
)

const Protocol = "rabbitmq"

var logger = grpclog.Component("transport")

type options struct {
	delayedExchange string
	setupTopology   bool
	prefetchCount   int
	consumerName    string
}

func defaultOptions() options {
	return options{
		prefetchCount: 10,
	}
}

type Option func(o *options)

// WithDelayedExchange enables native delayed delivery through an exchange of
// type x-delayed-message. Only queue endpoints schedule natively: the
// exchange routes by queue name.
func WithDelayedExchange(name string) Option {
	return func(o *options) {
		o.delayedExchange = name
	}
}

// WithTopologySetup declares listened queues and the delayed exchange.
func WithTopologySetup() Option {
	return func(o *options) {
		o.setupTopology = true
	}
}

// WithPrefetchCount sets the default prefetch used when a listener does not
// ask for one.
func WithPrefetchCount(n int) Option {
	return func(o *options) {
		o.prefetchCount = n
	}
}

// WithConsumerName sets the default consumer name prefix.
func WithConsumerName(name string) Option {
	return func(o *options) {
		o.consumerName = name
	}
}

type Transport struct {
	client  *Client
	options options

	mu        sync.Mutex
	listeners map[*listener]struct{}
}

func New(config *Config, opts ...Option) *Transport {
	o := defaultOptions()

	for _, opt := range opts {
		opt(&o)
	}

	return &Transport{
		client:    NewClient(config),
		options:   o,
		listeners: make(map[*listener]struct{}),
	}
}

func (t *Transport) Protocol() string {
	return Protocol
}

func (t *Transport) ParseEndpoint(uri *url.URL) (transport.EndpointSpec, error) {
	addr, err := ParseAddress(uri)
	if err != nil {
		return transport.EndpointSpec{}, err
	}

	spec := transport.EndpointSpec{
		NativeScheduling: t.options.delayedExchange != "" && addr.Queue != "",
	}

	if transport.IsDurableURI(uri) {
		spec.Mode = transport.ModeDurable
	}

	return spec, nil
}

func (t *Transport) Open(_ context.Context, ep *transport.Endpoint) (transport.Channel, error) {
	addr, err := ParseAddress(ep.URI())
	if err != nil {
		return nil, err
	}

	return newSender(t.client, addr, ep.Durable(), t.options.delayedExchange), nil
}

func (t *Transport) Listen(ctx context.Context, ep *transport.Endpoint, opts transport.ListenOptions, fn transport.Receive) (transport.Listener, error) {
	addr, err := ParseAddress(ep.URI())
	if err != nil {
		return nil, err
	}

	if addr.Queue == "" {
		return nil, fmt.Errorf("%w: %s: only queues can be listened to", transport.ErrInvalidEndpoint, ep)
	}

	if opts.Prefetch <= 0 {
		opts.Prefetch = t.options.prefetchCount
	}

	if opts.ConsumerName == "" {
		opts.ConsumerName = t.options.consumerName
	}

	l := newListener(t, addr.Queue, opts, fn)

	if err = l.start(ctx); err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.listeners[l] = struct{}{}
	t.mu.Unlock()

	return l, nil
}

func (t *Transport) Mapper() transport.Mapper {
	return transport.HeaderMapper{}
}

func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	listeners := t.listeners
	t.listeners = make(map[*listener]struct{})
	t.mu.Unlock()

	var errs []error

	for l := range listeners {
		if err := l.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if err := t.client.Close(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
