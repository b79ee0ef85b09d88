package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// Mode is the delivery mode of an endpoint.
type Mode int

const (
	// ModeBuffered keeps outgoing envelopes in memory only.
	ModeBuffered Mode = iota
	// ModeDurable persists every envelope before it is handed to the transport.
	ModeDurable
)

func (m Mode) String() string {
	if m == ModeDurable {
		return "durable"
	}

	return "buffered"
}

// Endpoint is an addressable source or destination owned by a transport. Its
// outbound channel is opened lazily on first use.
type Endpoint struct {
	uri       *url.URL
	transport Transport
	spec      EndpointSpec

	mu      sync.Mutex
	channel Channel
	closed  bool
}

func newEndpoint(uri *url.URL, t Transport, spec EndpointSpec) *Endpoint {
	return &Endpoint{
		uri:       uri,
		transport: t,
		spec:      spec,
	}
}

func (e *Endpoint) URI() *url.URL {
	u := *e.uri
	return &u
}

func (e *Endpoint) String() string {
	return e.uri.String()
}

func (e *Endpoint) Protocol() string {
	return e.uri.Scheme
}

func (e *Endpoint) Transport() Transport {
	return e.transport
}

func (e *Endpoint) Mode() Mode {
	return e.spec.Mode
}

func (e *Endpoint) Durable() bool {
	return e.spec.Mode == ModeDurable
}

func (e *Endpoint) NativeScheduling() bool {
	return e.spec.NativeScheduling
}

// Channel returns the outbound channel, opening it on first use. A failed
// open is not cached.
func (e *Endpoint) Channel(ctx context.Context) (Channel, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrClosed
	}

	if e.channel != nil {
		return e.channel, nil
	}

	ch, err := e.transport.Open(ctx, e)
	if err != nil {
		return nil, Unavailable(fmt.Errorf("open %s: %w", e, err))
	}

	e.channel = ch

	return ch, nil
}

// Reset drops the current channel so that the next call to Channel reopens it.
func (e *Endpoint) Reset() {
	e.mu.Lock()
	ch := e.channel
	e.channel = nil
	e.mu.Unlock()

	if ch != nil {
		if err := ch.Close(); err != nil {
			logger.Warningf("closing channel of %s: %v", e, err)
		}
	}
}

func (e *Endpoint) Close(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed = true

	if e.channel == nil {
		return nil
	}

	err := e.channel.Close()
	e.channel = nil

	return err
}

// ParseURI parses and normalizes an endpoint URI: lowercase scheme and host,
// no trailing slash.
func ParseURI(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEndpoint, raw, err)
	}

	if u.Scheme == "" {
		return nil, fmt.Errorf("%w: %s: missing scheme", ErrInvalidEndpoint, raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	u.Fragment = ""

	return u, nil
}

// IsDurableURI reports whether the URI asks for durable delivery, either by
// a "durable" path segment or by a mode=durable query parameter.
func IsDurableURI(u *url.URL) bool {
	if strings.EqualFold(u.Query().Get("mode"), "durable") {
		return true
	}

	for _, segment := range PathSegments(u) {
		if segment == "durable" {
			return true
		}
	}

	return false
}

// PathSegments splits the URI path, skipping empty segments.
func PathSegments(u *url.URL) []string {
	var segments []string

	for _, s := range strings.Split(u.Path, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}

	return segments
}
