package eventbus

import (
	"context"
	"fmt"

	"github.com/quarks-tech/courier-go/pkg/envelope"
)

// Sender publishes a message through the runtime's routing.
type Sender interface {
	Publish(ctx context.Context, msg any, opts ...envelope.Option) error
}

type publisherOptions struct {
	publishOptions    []envelope.Option
	chainInterceptors []PublisherInterceptor
	interceptor       PublisherInterceptor
}

func defaultPublisherOptions() publisherOptions {
	return publisherOptions{}
}

type PublisherOption func(opts *publisherOptions)

// WithDefaultPublishOptions applies opts to every published envelope before
// the per-call options.
func WithDefaultPublishOptions(opts ...envelope.Option) PublisherOption {
	return func(o *publisherOptions) {
		o.publishOptions = append(o.publishOptions, opts...)
	}
}

type Publisher struct {
	sender  Sender
	options publisherOptions
}

func NewPublisher(sender Sender, opts ...PublisherOption) *Publisher {
	options := defaultPublisherOptions()

	for _, opt := range opts {
		opt(&options)
	}

	p := &Publisher{
		sender:  sender,
		options: options,
	}

	chainPublisherInterceptors(p)

	return p
}

func (p *Publisher) Publish(ctx context.Context, msg any, opts ...envelope.Option) error {
	opts = combine(p.options.publishOptions, opts)

	if p.options.interceptor != nil {
		return p.options.interceptor(ctx, msg, p.publish, opts...)
	}

	return p.publish(ctx, msg, opts...)
}

func (p *Publisher) publish(ctx context.Context, msg any, opts ...envelope.Option) error {
	if err := p.sender.Publish(ctx, msg, opts...); err != nil {
		return fmt.Errorf("publish %T: %w", msg, err)
	}

	return nil
}

func combine(o1 []envelope.Option, o2 []envelope.Option) []envelope.Option {
	// we don't use append because o1 could have extra capacity whose
	// elements would be overwritten, which could cause inadvertent
	// sharing (and race conditions) between concurrent calls
	if len(o1) == 0 {
		return o2
	} else if len(o2) == 0 {
		return o1
	}
	ret := make([]envelope.Option, len(o1)+len(o2))
	copy(ret, o1)
	copy(ret[len(o1):], o2)
	return ret
}
