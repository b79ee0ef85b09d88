package timeout

import (
	"context"
	"time"

	"github.com/quarks-tech/courier-go/pkg/envelope"
	"github.com/quarks-tech/courier-go/pkg/eventbus"
)

// SubscriberInterceptor bounds every handling by timeout.
func SubscriberInterceptor(timeout time.Duration) eventbus.SubscriberInterceptor {
	return func(ctx context.Context, env *envelope.Envelope, handler eventbus.Handler) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		return handler(ctx, env)
	}
}
