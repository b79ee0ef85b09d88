package idempotency

import (
	"context"
	"fmt"
	"sync"

	"github.com/quarks-tech/courier-go/pkg/envelope"
	"github.com/quarks-tech/courier-go/pkg/eventbus"
)

// SubscriberInterceptor drops envelopes whose id was seen before. Duplicates
// are reported as unprocessable so they are settled without a retry.
func SubscriberInterceptor(checker UniqueChecker) eventbus.SubscriberInterceptor {
	return func(ctx context.Context, env *envelope.Envelope, handler eventbus.Handler) error {
		uniq, err := checker(ctx, env.ID)
		if err != nil {
			return fmt.Errorf("checking envelope [%s] id [%s] idempotency: %w", env.MessageType, env.ID, err)
		}

		if !uniq {
			return eventbus.NewUnprocessableEventError(fmt.Errorf("envelope [%s] with id [%s] is not unique", env.MessageType, env.ID))
		}

		return handler(ctx, env)
	}
}

// UniqueChecker reports whether id is seen for the first time.
type UniqueChecker func(ctx context.Context, id string) (bool, error)

// MemoryChecker remembers every id it was asked about.
func MemoryChecker() UniqueChecker {
	var (
		mu   sync.Mutex
		seen = make(map[string]struct{})
	)

	return func(_ context.Context, id string) (bool, error) {
		mu.Lock()
		defer mu.Unlock()

		if _, ok := seen[id]; ok {
			return false, nil
		}

		seen[id] = struct{}{}

		return true, nil
	}
}
