package logging

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/quarks-tech/courier-go/pkg/envelope"
	"github.com/quarks-tech/courier-go/pkg/eventbus"
)

func PublisherInterceptor(logger *logrus.Logger) eventbus.PublisherInterceptor {
	return func(ctx context.Context, msg any, pf eventbus.PublishFn, opts ...envelope.Option) error {
		err := pf(ctx, msg, opts...)
		if err == nil {
			return nil
		}

		logger.
			WithField("messageType", fmt.Sprintf("%T", msg)).
			WithField("body", fmt.Sprintf("%+v", msg)).
			Errorf("publishing message (%T): %s", msg, err)

		return err
	}
}

func SubscriberInterceptor(logger *logrus.Logger) eventbus.SubscriberInterceptor {
	return func(ctx context.Context, env *envelope.Envelope, handler eventbus.Handler) error {
		hErr := handler(ctx, env)
		if hErr != nil {
			logger.
				WithField("messageType", env.MessageType).
				WithField("envelopeId", env.ID).
				WithField("attempts", env.Attempts).
				WithField("body", fmt.Sprintf("%+v", env.Message)).
				Errorf("error while handling envelope %s: %s", env.MessageType, hErr)
		}

		return hErr
	}
}
