package messaging

import (
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/otel/metric"

	"github.com/quarks-tech/courier-go/pkg/continuation"
	"github.com/quarks-tech/courier-go/pkg/durable"
	"github.com/quarks-tech/courier-go/pkg/durable/memory"
	"github.com/quarks-tech/courier-go/pkg/envelope"
	"github.com/quarks-tech/courier-go/pkg/eventbus"
	"github.com/quarks-tech/courier-go/pkg/transport"
)

type Config struct {
	// NodeID identifies this runtime in the durable store. Envelopes owned
	// by a node whose heartbeat is older than NodeTimeout are released to
	// every node, so a restarted process may pick a new id.
	// Default is a fresh xid.
	NodeID string
	// NodeTimeout is how long a node may miss heartbeats before its
	// envelopes are recovered by others. Heartbeats are written by Start
	// and every recovery sweep.
	// Default is 30 seconds, and at least three poll intervals.
	NodeTimeout time.Duration

	Transports []transport.Transport

	// Store backs durable endpoints. Default is an in-process store, which
	// survives nothing but is enough for a single node.
	Store durable.Store
	// StoreTimeout bounds the retries of one store operation.
	// Default is 30 seconds; -1 disables the retrying wrapper.
	StoreTimeout time.Duration

	Types *envelope.TypeRegistry
	// ContentType is used for outgoing messages.
	// Default is application/json.
	ContentType string

	// Callback processes received envelopes.
	Callback Callback
	// Policy turns processing failures into continuations.
	// Default is continuation.DefaultPolicy(MaxAttempts).
	Policy continuation.Policy

	// MaxAttempts dead-letters an envelope after that many attempts.
	// Default is 3.
	MaxAttempts int
	// Prefetch bounds the in-flight envelopes per listener.
	// Default is 10.
	Prefetch int
	// GracePeriod bounds how long Close waits for in-flight work.
	// Default is 10 seconds.
	GracePeriod time.Duration

	// PollInterval is the period of the recovery sweep.
	// Default is 1 second.
	PollInterval time.Duration
	// FirstPollDelay postpones the first sweep after Start.
	// Default is 1 second.
	FirstPollDelay time.Duration
	// BatchSize caps the envelopes claimed per kind and sweep.
	// Default is 100.
	BatchSize int

	HandledMode durable.HandledMode
	// Retention is how long archived envelopes are kept.
	// Default is 2 hours.
	Retention time.Duration

	// LightweightRetries is the number of send retries for buffered
	// endpoints before an envelope is dropped.
	// Default is 3; -1 disables retries.
	LightweightRetries int
	// QueueSize is the capacity of every sending agent's queue.
	// Default is 1024.
	QueueSize int

	MeterProvider metric.MeterProvider

	// Now returns the current time. Default is time.Now.
	Now func() time.Time
}

func (c *Config) complete() {
	if c.NodeID == "" {
		c.NodeID = xid.New().String()
	}

	if c.Now == nil {
		c.Now = time.Now
	}

	if c.Store == nil {
		c.Store = memory.New(memory.WithClock(c.Now))
	}

	switch c.StoreTimeout {
	case -1:
	case 0:
		c.StoreTimeout = 30 * time.Second
		fallthrough
	default:
		c.Store = durable.NewRetrying(c.Store, durable.RetryOptions{Timeout: c.StoreTimeout})
	}

	if c.Types == nil {
		c.Types = envelope.NewTypeRegistry()
	}

	if c.ContentType == "" {
		c.ContentType = envelope.DefaultContentType
	}

	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}

	if c.Policy == nil {
		c.Policy = continuation.DefaultPolicy(c.MaxAttempts)
	}

	if c.Prefetch == 0 {
		c.Prefetch = 10
	}

	if c.GracePeriod == 0 {
		c.GracePeriod = 10 * time.Second
	}

	if c.PollInterval == 0 {
		c.PollInterval = time.Second
	}

	if c.NodeTimeout == 0 {
		c.NodeTimeout = 30 * time.Second
	}

	c.NodeTimeout = max(c.NodeTimeout, 3*c.PollInterval)

	if c.FirstPollDelay == 0 {
		c.FirstPollDelay = time.Second
	}

	if c.BatchSize == 0 {
		c.BatchSize = 100
	}

	if c.Retention == 0 {
		c.Retention = 2 * time.Hour
	}

	switch c.LightweightRetries {
	case -1:
		c.LightweightRetries = 0
	case 0:
		c.LightweightRetries = 3
	}

	if c.QueueSize == 0 {
		c.QueueSize = 1024
	}
}

type Option func(c *Config)

func WithNodeID(id string) Option {
	return func(c *Config) {
		c.NodeID = id
	}
}

func WithTransports(transports ...transport.Transport) Option {
	return func(c *Config) {
		c.Transports = append(c.Transports, transports...)
	}
}

func WithStore(store durable.Store) Option {
	return func(c *Config) {
		c.Store = store
	}
}

func WithStoreTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.StoreTimeout = d
	}
}

func WithTypes(types *envelope.TypeRegistry) Option {
	return func(c *Config) {
		c.Types = types
	}
}

func WithContentType(contentType string) Option {
	return func(c *Config) {
		c.ContentType = contentType
	}
}

func WithCallback(cb Callback) Option {
	return func(c *Config) {
		c.Callback = cb
	}
}

// WithHandler processes envelopes one by one with h.
func WithHandler(h eventbus.Handler) Option {
	return WithCallback(HandlerCallback(h))
}

func WithPolicy(p continuation.Policy) Option {
	return func(c *Config) {
		c.Policy = p
	}
}

func WithMaxAttempts(n int) Option {
	return func(c *Config) {
		c.MaxAttempts = n
	}
}

func WithPrefetch(n int) Option {
	return func(c *Config) {
		c.Prefetch = n
	}
}

func WithGracePeriod(d time.Duration) Option {
	return func(c *Config) {
		c.GracePeriod = d
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(c *Config) {
		c.PollInterval = d
	}
}

func WithNodeTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.NodeTimeout = d
	}
}

func WithFirstPollDelay(d time.Duration) Option {
	return func(c *Config) {
		c.FirstPollDelay = d
	}
}

func WithBatchSize(n int) Option {
	return func(c *Config) {
		c.BatchSize = n
	}
}

func WithHandledMode(mode durable.HandledMode) Option {
	return func(c *Config) {
		c.HandledMode = mode
	}
}

func WithRetention(d time.Duration) Option {
	return func(c *Config) {
		c.Retention = d
	}
}

func WithLightweightRetries(n int) Option {
	return func(c *Config) {
		c.LightweightRetries = n
	}
}

func WithQueueSize(n int) Option {
	return func(c *Config) {
		c.QueueSize = n
	}
}

func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *Config) {
		c.MeterProvider = mp
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Config) {
		c.Now = now
	}
}
