package messaging

import (
	"context"
	"net/url"

	"github.com/quarks-tech/courier-go/pkg/envelope"
	"github.com/quarks-tech/courier-go/pkg/eventbus"
)

// Callback processes a batch of envelopes received at address and returns
// one error slot per envelope. A nil slot means the envelope was handled.
type Callback func(ctx context.Context, address *url.URL, envs []*envelope.Envelope) []error

// HandlerCallback processes every envelope of a batch with h.
func HandlerCallback(h eventbus.Handler) Callback {
	return func(ctx context.Context, _ *url.URL, envs []*envelope.Envelope) []error {
		errs := make([]error, len(envs))

		for i, env := range envs {
			errs[i] = h(ctx, env)
		}

		return errs
	}
}
