package local

import (
	"context"

	"github.com/quarks-tech/courier-go/pkg/transport"
)

// sender pushes payloads onto an in-process queue.
type sender struct {
	queue *queue
}

func (s sender) Send(ctx context.Context, p *transport.Payload) error {
	if ctx == nil {
		return ErrNilContext
	} else if p == nil {
		return ErrNilPayload
	}

	return s.queue.push(ctx, p.Clone())
}

func (s sender) Close() error {
	return nil
}
