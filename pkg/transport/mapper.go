package transport

import (
	"maps"

	"github.com/quarks-tech/courier-go/pkg/envelope"
)

// HeaderMapper maps envelopes to payloads through the reserved envelope
// header vocabulary. Transports without native message properties use it
// as is.
type HeaderMapper struct{}

func (HeaderMapper) ReadEnvelope(p *Payload) (*envelope.Envelope, error) {
	return envelope.ReadHeaders(p.Headers, p.Body)
}

func (HeaderMapper) WriteEnvelope(e *envelope.Envelope) (*Payload, error) {
	return &Payload{
		Headers: envelope.WriteHeaders(e),
		Body:    e.Data,
	}, nil
}

// Clone returns a copy of p with its own header map.
func (p *Payload) Clone() *Payload {
	c := *p
	c.Headers = maps.Clone(p.Headers)

	return &c
}
