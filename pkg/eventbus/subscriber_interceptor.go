package eventbus

import (
	"context"

	"github.com/quarks-tech/courier-go/pkg/envelope"
)

// SubscriberInterceptor wraps the handling of one envelope. It must call
// handler to continue the chain.
type SubscriberInterceptor func(ctx context.Context, env *envelope.Envelope, handler Handler) error

func WithSubscriberInterceptor(f SubscriberInterceptor) SubscriberOption {
	return func(o *subscriberOptions) {
		o.interceptor = f
	}
}

func WithChainSubscriberInterceptor(interceptors ...SubscriberInterceptor) SubscriberOption {
	return func(o *subscriberOptions) {
		o.chainInterceptors = append(o.chainInterceptors, interceptors...)
	}
}

func chainSubscriberInterceptors(s *Subscriber) {
	// Prepend opts.interceptor to the chaining interceptors if it exists, since interceptor will
	// be executed before any other chained interceptors.
	interceptors := s.options.chainInterceptors
	if s.options.interceptor != nil {
		interceptors = append([]SubscriberInterceptor{s.options.interceptor}, s.options.chainInterceptors...)
	}

	var chainedInt SubscriberInterceptor
	if len(interceptors) == 0 {
		chainedInt = nil
	} else if len(interceptors) == 1 {
		chainedInt = interceptors[0]
	} else {
		chainedInt = chainInterceptors(interceptors)
	}

	s.options.interceptor = chainedInt
}

func chainInterceptors(interceptors []SubscriberInterceptor) SubscriberInterceptor {
	return func(ctx context.Context, env *envelope.Envelope, handler Handler) error {
		return interceptors[0](ctx, env, getChainHandler(interceptors, 0, handler))
	}
}

func getChainHandler(interceptors []SubscriberInterceptor, curr int, final Handler) Handler {
	if curr == len(interceptors)-1 {
		return final
	}

	return func(ctx context.Context, env *envelope.Envelope) error {
		return interceptors[curr+1](ctx, env, getChainHandler(interceptors, curr+1, final))
	}
}
