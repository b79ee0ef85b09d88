package rabbitmq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

const delayedExchangeKind = "x-delayed-message"

func setupQueue(ch *amqp.Channel, queue, delayedExchange string) error {
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return err
	}

	if delayedExchange == "" {
		return nil
	}

	err := ch.ExchangeDeclare(delayedExchange, delayedExchangeKind, true, false, false, false, amqp.Table{
		"x-delayed-type": amqp.ExchangeDirect,
	})
	if err != nil {
		return err
	}

	return ch.QueueBind(queue, queue, delayedExchange, false, nil)
}

// DeclareTopicExchange declares a durable topic exchange for topic routing.
func (t *Transport) DeclareTopicExchange(ctx context.Context, name string) error {
	return t.client.Process(ctx, func(_ context.Context, conn *Conn) error {
		return conn.Channel().ExchangeDeclare(name, amqp.ExchangeTopic, true, false, false, false, nil)
	})
}

// BindQueue declares queue and binds it to exchange with each routing pattern.
func (t *Transport) BindQueue(ctx context.Context, queue, exchange string, patterns ...string) error {
	return t.client.Process(ctx, func(_ context.Context, conn *Conn) error {
		if err := setupQueue(conn.Channel(), queue, t.options.delayedExchange); err != nil {
			return err
		}

		for _, pattern := range patterns {
			if err := conn.Channel().QueueBind(queue, pattern, exchange, false, nil); err != nil {
				return err
			}
		}

		return nil
	})
}
