// Package stub provides an in-memory transport that records traffic for tests.
package stub

import (
	"context"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quarks-tech/courier-go/pkg/transport"
)

const Protocol = "stub"

type Option func(t *Transport)

// WithProtocol overrides the URI scheme served by the transport.
func WithProtocol(p string) Option {
	return func(t *Transport) {
		t.protocol = p
	}
}

// WithNativeScheduling makes every endpoint report native delayed delivery.
func WithNativeScheduling() Option {
	return func(t *Transport) {
		t.nativeScheduling = true
	}
}

// WithParseDelay slows endpoint parsing down to widen creation races.
func WithParseDelay(d time.Duration) Option {
	return func(t *Transport) {
		t.parseDelay = d
	}
}

type Sent struct {
	URI     string
	Payload *transport.Payload
	At      *time.Time
}

type Transport struct {
	protocol         string
	nativeScheduling bool
	parseDelay       time.Duration
	mapper           transport.Mapper

	parses atomic.Int64
	opens  atomic.Int64

	mu        sync.Mutex
	sent      []Sent
	sendErr   error
	permanent bool
	listeners map[string]*Listener
}

func New(opts ...Option) *Transport {
	t := &Transport{
		protocol:  Protocol,
		mapper:    transport.HeaderMapper{},
		listeners: make(map[string]*Listener),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

func (t *Transport) Protocol() string {
	return t.protocol
}

func (t *Transport) ParseEndpoint(uri *url.URL) (transport.EndpointSpec, error) {
	t.parses.Add(1)

	if t.parseDelay > 0 {
		time.Sleep(t.parseDelay)
	}

	spec := transport.EndpointSpec{NativeScheduling: t.nativeScheduling}
	if transport.IsDurableURI(uri) {
		spec.Mode = transport.ModeDurable
	}

	return spec, nil
}

func (t *Transport) Open(_ context.Context, ep *transport.Endpoint) (transport.Channel, error) {
	t.opens.Add(1)

	return &channel{transport: t, uri: ep.String()}, nil
}

func (t *Transport) Listen(_ context.Context, ep *transport.Endpoint, _ transport.ListenOptions, fn transport.Receive) (transport.Listener, error) {
	l := &Listener{
		uri:     ep.String(),
		fn:      fn,
		pending: make(map[uint64]*transport.Payload),
	}

	t.mu.Lock()
	t.listeners[l.uri] = l
	t.mu.Unlock()

	return l, nil
}

func (t *Transport) Mapper() transport.Mapper {
	return t.mapper
}

func (t *Transport) Close(_ context.Context) error {
	return nil
}

// ParseCount returns how many endpoints were parsed.
func (t *Transport) ParseCount() int64 {
	return t.parses.Load()
}

// OpenCount returns how many outbound channels were opened.
func (t *Transport) OpenCount() int64 {
	return t.opens.Load()
}

// FailSends makes every subsequent send fail with err; nil restores sending.
func (t *Transport) FailSends(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sendErr = err
	t.permanent = false
}

// FailSendsPermanently makes every subsequent send fail with err as is, not
// marked as a transport outage.
func (t *Transport) FailSendsPermanently(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sendErr = err
	t.permanent = true
}

// Sent returns every payload sent so far.
func (t *Transport) Sent() []Sent {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]Sent(nil), t.sent...)
}

// SentTo returns the payloads sent to uri.
func (t *Transport) SentTo(uri string) []Sent {
	var out []Sent

	for _, s := range t.Sent() {
		if s.URI == uri {
			out = append(out, s)
		}
	}

	return out
}

// Listener returns the listener registered for uri.
func (t *Transport) Listener(uri string) *Listener {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.listeners[uri]
}

func (t *Transport) record(s Sent) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sendErr != nil && t.permanent {
		return t.sendErr
	} else if t.sendErr != nil {
		return transport.Unavailable(t.sendErr)
	}

	t.sent = append(t.sent, s)

	return nil
}

type channel struct {
	transport *Transport
	uri       string
}

func (c *channel) Send(_ context.Context, p *transport.Payload) error {
	return c.transport.record(Sent{URI: c.uri, Payload: p.Clone()})
}

func (c *channel) SendAt(_ context.Context, p *transport.Payload, at time.Time) error {
	return c.transport.record(Sent{URI: c.uri, Payload: p.Clone(), At: &at})
}

func (c *channel) Close() error {
	return nil
}

type Nack struct {
	Tag     uint64
	Requeue bool
}

type Moved struct {
	Tag uint64
	At  time.Time
}

// Listener lets tests inject payloads and inspect acknowledgements.
type Listener struct {
	uri string
	fn  transport.Receive
	tag atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]*transport.Payload
	acks    []uint64
	nacks   []Nack
	moved   []Moved
	closed  bool
}

// Deliver assigns a tag to p and hands it to the receive callback. It blocks
// for as long as the callback blocks.
func (l *Listener) Deliver(p *transport.Payload) uint64 {
	p = p.Clone()
	p.Tag = l.tag.Add(1)

	l.mu.Lock()
	l.pending[p.Tag] = p
	l.mu.Unlock()

	l.fn(p)

	return p.Tag
}

func (l *Listener) Ack(_ context.Context, tag uint64) error {
	l.settle(func() { l.acks = append(l.acks, tag) }, tag)
	return nil
}

func (l *Listener) Nack(_ context.Context, tag uint64, requeue bool) error {
	l.settle(func() { l.nacks = append(l.nacks, Nack{Tag: tag, Requeue: requeue}) }, tag)
	return nil
}

func (l *Listener) MoveToScheduledUntil(_ context.Context, tag uint64, _ *transport.Payload, at time.Time) error {
	l.settle(func() { l.moved = append(l.moved, Moved{Tag: tag, At: at}) }, tag)
	return nil
}

func (l *Listener) Close(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true

	return nil
}

func (l *Listener) settle(record func(), tag uint64) {
	l.mu.Lock()
	record()
	delete(l.pending, tag)
	l.mu.Unlock()
}

func (l *Listener) Acks() []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]uint64(nil), l.acks...)
}

func (l *Listener) Nacks() []Nack {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]Nack(nil), l.nacks...)
}

func (l *Listener) Moved() []Moved {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]Moved(nil), l.moved...)
}

// Unsettled returns how many delivered payloads are neither acked nor nacked.
func (l *Listener) Unsettled() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.pending)
}

func (l *Listener) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.closed
}
