// Package eventbus dispatches received envelopes to typed message handlers
// and wraps the runtime's publish path with interceptors.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"google.golang.org/grpc/grpclog"

	"github.com/quarks-tech/courier-go/pkg/envelope"
)

var logger = grpclog.Component("eventbus")

// Handler processes one envelope. The envelope's Message is decoded before
// the handler runs.
type Handler func(ctx context.Context, env *envelope.Envelope) error

type subscriberOptions struct {
	interceptor       SubscriberInterceptor
	chainInterceptors []SubscriberInterceptor
}

func defaultSubscriberOptions() *subscriberOptions {
	return &subscriberOptions{}
}

type SubscriberOption func(opts *subscriberOptions)

// Subscriber is a registry of handlers keyed by message type alias.
type Subscriber struct {
	mux        sync.RWMutex
	options    *subscriberOptions
	serializer *envelope.Serializer
	handlers   map[string]Handler
}

func NewSubscriber(serializer *envelope.Serializer, opts ...SubscriberOption) *Subscriber {
	defOpts := defaultSubscriberOptions()

	for _, opt := range opts {
		opt(defOpts)
	}

	s := &Subscriber{
		options:    defOpts,
		serializer: serializer,
		handlers:   make(map[string]Handler),
	}

	chainSubscriberInterceptors(s)

	return s
}

// Handle registers fn for messages of type T under alias. The alias is also
// bound to T in the serializer's type registry. A second registration for
// the same alias replaces the first.
func Handle[T any](s *Subscriber, alias string, fn func(ctx context.Context, msg *T) error) {
	envelope.RegisterType[T](s.serializer.Types(), alias)

	s.register(alias, func(ctx context.Context, env *envelope.Envelope) error {
		msg, ok := env.Message.(*T)
		if !ok {
			return NewUnprocessableEventError(fmt.Errorf("%s: unexpected message %T", alias, env.Message))
		}

		return fn(ctx, msg)
	})
}

// HandleEnvelope registers a raw envelope handler under alias.
func (s *Subscriber) HandleEnvelope(alias string, h Handler) {
	s.register(alias, h)
}

func (s *Subscriber) register(alias string, h Handler) {
	s.mux.Lock()
	defer s.mux.Unlock()

	if _, ok := s.handlers[alias]; ok {
		logger.Warningf("eventbus: replacing handler for %q", alias)
	} else {
		logger.Infof("eventbus: registered handler for %q", alias)
	}

	s.handlers[alias] = h
}

// Aliases returns the registered message type aliases in order.
func (s *Subscriber) Aliases() []string {
	s.mux.RLock()
	defer s.mux.RUnlock()

	aliases := make([]string, 0, len(s.handlers))
	for alias := range s.handlers {
		aliases = append(aliases, alias)
	}

	sort.Strings(aliases)

	return aliases
}

// Handle decodes env when needed and runs the registered handler through the
// interceptor chain. Envelopes without a handler or with an undecodable body
// fail with an UnprocessableEventError.
func (s *Subscriber) Handle(ctx context.Context, env *envelope.Envelope) error {
	s.mux.RLock()
	h, ok := s.handlers[env.MessageType]
	s.mux.RUnlock()

	if !ok {
		return NewUnprocessableEventError(fmt.Errorf("%w: %s", ErrNoHandler, env.MessageType))
	}

	if env.Message == nil {
		if err := s.serializer.Decode(env); err != nil {
			if errors.Is(err, envelope.ErrUnknownMessageType) {
				err = fmt.Errorf("%w: %w", ErrNoHandler, err)
			}

			return NewUnprocessableEventError(err)
		}
	}

	ctx = envelope.NewIncomingContext(ctx, env)

	if s.options.interceptor != nil {
		return s.options.interceptor(ctx, env, h)
	}

	return h(ctx, env)
}
