package rabbitmq

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// Conn is a connection with its single channel.
type Conn struct {
	amqpConn    *amqp.Connection
	amqpChannel *amqp.Channel
}

func NewConn(amqpConn *amqp.Connection, amqpCh *amqp.Channel) *Conn {
	return &Conn{
		amqpConn:    amqpConn,
		amqpChannel: amqpCh,
	}
}

func (c *Conn) Channel() *amqp.Channel {
	return c.amqpChannel
}

func (c *Conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.amqpConn.NotifyClose(receiver)
}

func (c *Conn) IsClosed() bool {
	return c.amqpConn.IsClosed() || c.amqpChannel.IsClosed()
}

func (c *Conn) Close() error {
	return c.amqpConn.Close()
}
