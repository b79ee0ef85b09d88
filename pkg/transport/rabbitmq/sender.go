package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/quarks-tech/courier-go/pkg/transport"
)

// delayHeader is read by the x-delayed-message exchange plugin.
const delayHeader = "x-delay"

type sender struct {
	client          *Client
	address         Address
	deliveryMode    uint8
	delayedExchange string
}

func newSender(client *Client, address Address, durable bool, delayedExchange string) *sender {
	mode := amqp.Transient
	if durable {
		mode = amqp.Persistent
	}

	return &sender{
		client:          client,
		address:         address,
		deliveryMode:    mode,
		delayedExchange: delayedExchange,
	}
}

func (s *sender) Send(ctx context.Context, p *transport.Payload) error {
	exchange, routingKey := s.address.Target()

	return s.publish(ctx, exchange, routingKey, newPublishing(p, s.deliveryMode))
}

// SendAt publishes through the delayed exchange. The broker holds the
// message until at.
func (s *sender) SendAt(ctx context.Context, p *transport.Payload, at time.Time) error {
	if s.delayedExchange == "" || s.address.Queue == "" {
		return s.Send(ctx, p)
	}

	msg := newPublishing(p, s.deliveryMode)
	msg.Headers[delayHeader] = delayMillis(at)

	return s.publish(ctx, s.delayedExchange, s.address.Queue, msg)
}

func (s *sender) publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	err := s.client.Process(ctx, func(ctx context.Context, conn *Conn) error {
		return conn.Channel().PublishWithContext(ctx, exchange, routingKey, false, false, msg)
	})
	if err != nil {
		return transport.Unavailable(err)
	}

	return nil
}

func (s *sender) Close() error {
	return nil
}

func delayMillis(at time.Time) int64 {
	d := time.Until(at).Milliseconds()
	if d < 0 {
		return 0
	}

	return d
}
