// Package tcp implements a socket transport. Every envelope travels as one
// length-prefixed frame and is answered by a single reply byte once the
// receiving side settles it.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"

	"google.golang.org/grpc/grpclog"

	"github.com/quarks-tech/courier-go/pkg/transport"
)

const Protocol = "tcp"

var logger = grpclog.Component("transport")

type Transport struct {
	config Config

	mu        sync.Mutex
	listeners map[*Listener]struct{}
}

func New(opts ...Option) *Transport {
	var cfg Config

	for _, opt := range opts {
		opt(&cfg)
	}

	cfg.complete()

	return &Transport{
		config:    cfg,
		listeners: make(map[*Listener]struct{}),
	}
}

func (t *Transport) Protocol() string {
	return Protocol
}

// ParseEndpoint accepts tcp://host:port[/durable].
func (t *Transport) ParseEndpoint(uri *url.URL) (transport.EndpointSpec, error) {
	if _, _, err := net.SplitHostPort(uri.Host); err != nil {
		return transport.EndpointSpec{}, fmt.Errorf("%w: %s: %v", transport.ErrInvalidEndpoint, uri, err)
	}

	spec := transport.EndpointSpec{}
	if transport.IsDurableURI(uri) {
		spec.Mode = transport.ModeDurable
	}

	return spec, nil
}

// Open returns a channel that dials lazily on the first send.
func (t *Transport) Open(_ context.Context, ep *transport.Endpoint) (transport.Channel, error) {
	return newSender(ep.URI().Host, &t.config), nil
}

func (t *Transport) Listen(ctx context.Context, ep *transport.Endpoint, _ transport.ListenOptions, fn transport.Receive) (transport.Listener, error) {
	var lc net.ListenConfig

	ln, err := lc.Listen(ctx, "tcp", ep.URI().Host)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", ep, err)
	}

	l := newListener(ln, fn, &t.config)

	t.mu.Lock()
	t.listeners[l] = struct{}{}
	t.mu.Unlock()

	go l.accept()

	return l, nil
}

func (t *Transport) Mapper() transport.Mapper {
	return transport.HeaderMapper{}
}

func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	listeners := t.listeners
	t.listeners = make(map[*Listener]struct{})
	t.mu.Unlock()

	var errs []error

	for l := range listeners {
		if err := l.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
