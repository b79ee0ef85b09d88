package rabbitmq

import (
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type Command func(ctx context.Context, conn *Conn) error

// Client shares one publishing connection between all outbound channels
// and dials dedicated connections for listeners.
type Client struct {
	config *Config

	mu     sync.Mutex
	conn   *Conn
	closed bool
}

func NewClient(config *Config) *Client {
	config.complete()

	return &Client{
		config: config,
	}
}

// Dial opens a new connection with its own channel.
func (c *Client) Dial() (*Conn, error) {
	conn, err := amqp.DialConfig(c.config.URL, c.config.AMQP)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	return NewConn(conn, ch), nil
}

func (c *Client) getConn() (*Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}

	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn, nil
	}

	conn, err := c.Dial()
	if err != nil {
		return nil, err
	}

	c.conn = conn

	return conn, nil
}

func (c *Client) releaseConn(conn *Conn, err error) {
	if !isBadConnErr(err) {
		return
	}

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()

	_ = conn.Close()
}

// withConn runs fn on the shared connection. A cancelled ctx returns early
// without closing the connection, which other endpoints keep using.
func (c *Client) withConn(ctx context.Context, fn Command) error {
	conn, err := c.getConn()
	if err != nil {
		return err
	}

	errc := make(chan error, 1)

	go func() {
		err := fn(ctx, conn)
		c.releaseConn(conn, err)
		errc <- err
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err = <-errc:
		return err
	}
}

// Process runs cmd on the shared connection, retrying transient failures
// with exponential backoff.
func (c *Client) Process(ctx context.Context, cmd Command) error {
	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		retry, err := c.doProcess(ctx, cmd, attempt)
		if err == nil || !retry {
			return err
		}

		lastErr = err
	}

	return lastErr
}

func (c *Client) doProcess(ctx context.Context, cmd Command, attempt int) (bool, error) {
	if attempt > 0 {
		if err := sleepWithContext(ctx, c.retryBackoff(attempt)); err != nil {
			return false, err
		}
	}

	err := c.withConn(ctx, cmd)
	if err == nil {
		return false, nil
	}

	return shouldRetry(err, true), err
}

func (c *Client) retryBackoff(attempt int) time.Duration {
	return retryBackoff(attempt, c.config.MinRetryBackoff, c.config.MaxRetryBackoff)
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true

	if c.conn == nil {
		return nil
	}

	err := c.conn.Close()
	c.conn = nil

	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}

	return err
}

func retryBackoff(retry int, minBackoff, maxBackoff time.Duration) time.Duration {
	if retry < 0 {
		panic("not reached")
	}
	if minBackoff == 0 {
		return 0
	}

	d := minBackoff << uint(retry)
	if d < minBackoff {
		return maxBackoff
	}

	d = minBackoff + time.Duration(rand.Int64N(int64(d)))

	if d > maxBackoff || d < minBackoff {
		d = maxBackoff
	}

	return d
}

func sleepWithContext(ctx context.Context, dur time.Duration) error {
	t := time.NewTimer(dur)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isBadConnErr(err error) bool {
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}

	var amqpErr *amqp.Error

	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.ConnectionForced, amqp.ChannelError:
			return true
		}

		return !amqpErr.Recover
	}

	return true
}

func shouldRetry(err error, retryTimeout bool) bool {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, amqp.ErrClosed):
		return true
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return retryTimeout
		}
		return true
	}

	var amqpErr *amqp.Error

	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.ConnectionForced, amqp.ChannelError, amqp.InternalError:
			return true
		}
	}

	return false
}
