package tcp

import "time"

// Default values for the TCP transport configuration.
const (
	DefaultMaxFrameSize = 4 << 20
	DefaultDialTimeout  = 5 * time.Second
	DefaultAckTimeout   = 30 * time.Second
)

type Config struct {
	// MaxFrameSize is the largest frame accepted or sent, excluding the
	// 4-byte length prefix. Larger frames close the connection.
	MaxFrameSize int

	// DialTimeout bounds establishing a new outbound connection.
	DialTimeout time.Duration

	// AckTimeout bounds how long a sender waits for the receiver to
	// acknowledge a frame when the context carries no deadline.
	AckTimeout time.Duration
}

func (c *Config) complete() {
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = DefaultMaxFrameSize
	}

	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}

	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
}

type Option func(c *Config)

func WithMaxFrameSize(n int) Option {
	return func(c *Config) {
		c.MaxFrameSize = n
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.DialTimeout = d
	}
}

func WithAckTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.AckTimeout = d
	}
}
