// Package transport defines the driver abstraction shared by every transport
// and the registry that resolves endpoint URIs to cached endpoints.
package transport

import (
	"context"
	"net/url"
	"time"

	"google.golang.org/grpc/grpclog"

	"github.com/quarks-tech/courier-go/pkg/envelope"
)

var logger = grpclog.Component("transport")

// Payload is a raw transport message: a delivery tag assigned by the
// receiving side, a flat header map and the encoded body.
type Payload struct {
	Tag     uint64
	Headers map[string]string
	Body    []byte
}

// Channel is an open outbound channel to an endpoint.
type Channel interface {
	Send(ctx context.Context, p *Payload) error
	Close() error
}

// ScheduledChannel is implemented by channels with native delayed delivery.
type ScheduledChannel interface {
	Channel
	SendAt(ctx context.Context, p *Payload, at time.Time) error
}

// Listener is a live inbound subscription. Every payload handed to the
// receive callback must eventually be acknowledged or negatively
// acknowledged through it.
type Listener interface {
	Ack(ctx context.Context, tag uint64) error
	Nack(ctx context.Context, tag uint64, requeue bool) error
	Close(ctx context.Context) error
}

// NativeScheduler is implemented by listeners that can hand a received
// payload back to the broker for delivery at a later time.
type NativeScheduler interface {
	MoveToScheduledUntil(ctx context.Context, tag uint64, p *Payload, at time.Time) error
}

// Mapper translates between envelopes and transport payloads.
type Mapper interface {
	ReadEnvelope(p *Payload) (*envelope.Envelope, error)
	WriteEnvelope(e *envelope.Envelope) (*Payload, error)
}

// Receive is called by a listener for every inbound payload. It may block;
// a blocked callback stalls the transport's receive loop.
type Receive func(p *Payload)

type ListenOptions struct {
	// Prefetch bounds the number of unacknowledged payloads the broker hands
	// out. Transports without credit-based flow control ignore it.
	Prefetch int
	// ConsumerName identifies the consumer to the broker.
	ConsumerName string
}

// EndpointSpec is the transport-specific description of an endpoint derived
// from its URI.
type EndpointSpec struct {
	Mode             Mode
	NativeScheduling bool
}

// Transport is a driver for one URI scheme.
type Transport interface {
	Protocol() string
	ParseEndpoint(uri *url.URL) (EndpointSpec, error)
	Open(ctx context.Context, ep *Endpoint) (Channel, error)
	Listen(ctx context.Context, ep *Endpoint, opts ListenOptions, fn Receive) (Listener, error)
	Mapper() Mapper
	Close(ctx context.Context) error
}
