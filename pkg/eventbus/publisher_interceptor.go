package eventbus

import (
	"context"

	"github.com/quarks-tech/courier-go/pkg/envelope"
)

type PublishFn func(ctx context.Context, msg any, opts ...envelope.Option) error

type PublisherInterceptor func(ctx context.Context, msg any, pf PublishFn, opts ...envelope.Option) error

func WithPublisherInterceptor(f PublisherInterceptor) PublisherOption {
	return func(o *publisherOptions) {
		o.interceptor = f
	}
}

func WithChainPublisherInterceptor(interceptors ...PublisherInterceptor) PublisherOption {
	return func(o *publisherOptions) {
		o.chainInterceptors = append(o.chainInterceptors, interceptors...)
	}
}

func chainPublisherInterceptors(p *Publisher) {
	interceptors := p.options.chainInterceptors
	// Prepend opts.interceptor to the chaining interceptors if it exists, since interceptor will
	// be executed before any other chained interceptors.
	if p.options.interceptor != nil {
		interceptors = append([]PublisherInterceptor{p.options.interceptor}, interceptors...)
	}
	var chainedInt PublisherInterceptor
	if len(interceptors) == 0 {
		chainedInt = nil
	} else if len(interceptors) == 1 {
		chainedInt = interceptors[0]
	} else {
		chainedInt = func(ctx context.Context, msg any, invoker PublishFn, opts ...envelope.Option) error {
			return interceptors[0](ctx, msg, getChainPublishFn(interceptors, 0, invoker), opts...)
		}
	}
	p.options.interceptor = chainedInt
}

func getChainPublishFn(interceptors []PublisherInterceptor, curr int, finalInvoker PublishFn) PublishFn {
	if curr == len(interceptors)-1 {
		return finalInvoker
	}
	return func(ctx context.Context, msg any, opts ...envelope.Option) error {
		return interceptors[curr+1](ctx, msg, getChainPublishFn(interceptors, curr+1, finalInvoker), opts...)
	}
}
