package validator

import (
	"context"

	"github.com/quarks-tech/courier-go/pkg/envelope"
	"github.com/quarks-tech/courier-go/pkg/eventbus"
)

type validatable interface {
	ValidateAll() error
}

type simpleValidatable interface {
	Validate() error
}

func validate(msg any) error {
	switch v := msg.(type) {
	case validatable:
		return v.ValidateAll()
	case simpleValidatable:
		return v.Validate()
	}

	return nil
}

// SubscriberInterceptor rejects messages that fail their own validation.
// Such envelopes are unprocessable and never retried.
func SubscriberInterceptor() eventbus.SubscriberInterceptor {
	return func(ctx context.Context, env *envelope.Envelope, handler eventbus.Handler) error {
		if err := validate(env.Message); err != nil {
			return eventbus.NewUnprocessableEventError(err)
		}

		return handler(ctx, env)
	}
}
