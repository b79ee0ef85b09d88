// Package messaging is the root of a courier node: it routes outgoing
// messages to sending agents, feeds received envelopes from listening
// agents to the processing callback and recovers envelopes left behind by
// failed sends, crashed nodes and elapsed schedules.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quarks-tech/courier-go/pkg/continuation"
	"github.com/quarks-tech/courier-go/pkg/durable"
	"github.com/quarks-tech/courier-go/pkg/envelope"
	"github.com/quarks-tech/courier-go/pkg/routing"
	"github.com/quarks-tech/courier-go/pkg/transport"
	"github.com/quarks-tech/courier-go/pkg/transport/local"
)

type Runtime struct {
	config     Config
	registry   *transport.Registry
	router     *routing.Router
	serializer *envelope.Serializer
	executor   *continuation.Executor
	metrics    *metrics
	recovery   *Recovery

	mu        sync.Mutex
	senders   map[string]*sendingAgent
	listeners map[string]*listeningAgent
	started   bool
	closed    bool
	// draining is set once listeners are stopped and no new sending agent
	// may be created.
	draining bool

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New builds a runtime. The in-process local transport is always
// available; transports passed with WithTransports replace it for their
// scheme.
func New(opts ...Option) (*Runtime, error) {
	var config Config

	for _, opt := range opts {
		opt(&config)
	}

	config.complete()

	if err := envelope.ValidateNodeID(config.NodeID); err != nil {
		return nil, err
	}

	m, err := newMetrics(config.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	registry := transport.NewRegistry(local.New())
	for _, t := range config.Transports {
		registry.Register(t)
	}

	rt := &Runtime{
		config:     config,
		registry:   registry,
		router:     routing.NewRouter(registry, config.Types),
		serializer: envelope.NewSerializer(config.Types, config.ContentType),
		metrics:    m,
		senders:    make(map[string]*sendingAgent),
		listeners:  make(map[string]*listeningAgent),
	}

	rt.executor = &continuation.Executor{
		Store:       config.Store,
		HandledMode: config.HandledMode,
		MaxAttempts: config.MaxAttempts,
		Now:         config.Now,
		Observe:     m.observe,
	}

	rt.recovery = newRecovery(rt)

	return rt, nil
}

func (rt *Runtime) NodeID() string {
	return rt.config.NodeID
}

func (rt *Runtime) Registry() *transport.Registry {
	return rt.registry
}

func (rt *Runtime) Router() *routing.Router {
	return rt.router
}

func (rt *Runtime) Store() durable.Store {
	return rt.config.Store
}

func (rt *Runtime) Types() *envelope.TypeRegistry {
	return rt.config.Types
}

func (rt *Runtime) Serializer() *envelope.Serializer {
	return rt.serializer
}

// Recovery returns the recovery sweep, mostly to run it by hand.
func (rt *Runtime) Recovery() *Recovery {
	return rt.recovery
}

// Subscribe routes messages whose alias matches pattern to uris.
func (rt *Runtime) Subscribe(pattern string, uris ...string) error {
	return rt.router.Subscribe(pattern, uris...)
}

func (rt *Runtime) AddTopicRouter(pattern string, tr routing.TopicRouter) {
	rt.router.AddTopicRouter(pattern, tr)
}

// Start hands envelopes a previous incarnation of this node left behind to
// every node and starts the background recovery sweep. The sweep runs
// until ctx is cancelled or the runtime is closed.
func (rt *Runtime) Start(ctx context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.closed {
		return ErrClosed
	}

	if rt.started {
		return nil
	}

	if err := rt.config.Store.Release(ctx, rt.config.NodeID); err != nil {
		return fmt.Errorf("release envelopes of %s: %w", rt.config.NodeID, err)
	}

	if err := rt.config.Store.Heartbeat(ctx, rt.config.NodeID, rt.config.Now()); err != nil {
		return fmt.Errorf("heartbeat of %s: %w", rt.config.NodeID, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gCtx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		return rt.recovery.Run(gCtx)
	})

	if rt.config.HandledMode == durable.HandledArchive {
		cleaner := durable.NewCleaner(rt.config.Store,
			durable.WithRetention(rt.config.Retention),
			durable.WithCleanerClock(rt.config.Now),
		)

		g.Go(func() error {
			return cleaner.Run(gCtx)
		})
	}

	rt.cancel = cancel
	rt.group = g
	rt.started = true

	logger.Infof("node %s started", rt.config.NodeID)

	return nil
}

// Publish routes msg through the subscriptions and topic routers and
// enqueues one envelope per destination. Handlers may keep publishing
// while Close waits for them.
func (rt *Runtime) Publish(ctx context.Context, msg any, opts ...envelope.Option) error {
	eps, err := rt.router.Route(msg, nil)
	if err != nil {
		return err
	}

	return rt.enqueue(ctx, msg, eps, opts)
}

// Send delivers msg to uri, bypassing routing.
func (rt *Runtime) Send(ctx context.Context, msg any, uri string, opts ...envelope.Option) error {
	u, err := transport.ParseURI(uri)
	if err != nil {
		return err
	}

	eps, err := rt.router.Route(msg, u)
	if err != nil {
		return err
	}

	return rt.enqueue(ctx, msg, eps, opts)
}

// Schedule publishes msg for execution at at.
func (rt *Runtime) Schedule(ctx context.Context, msg any, at time.Time, opts ...envelope.Option) error {
	return rt.Publish(ctx, msg, append(opts, envelope.WithExecutionTime(at))...)
}

func (rt *Runtime) enqueue(ctx context.Context, msg any, eps []*transport.Endpoint, opts []envelope.Option) error {
	env := envelope.New(msg)
	env.Source = rt.config.NodeID
	env.Apply(opts...)
	env.SentAt = rt.config.Now()

	if err := rt.serializer.Encode(env); err != nil {
		return err
	}

	var errs []error

	for _, ep := range eps {
		e := env
		if len(eps) > 1 {
			e = env.ForDestination(ep.String())
		}

		agent, err := rt.sendingAgent(ep)
		if err != nil {
			return err
		}

		if err = agent.Enqueue(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (rt *Runtime) sendingAgent(ep *transport.Endpoint) (*sendingAgent, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.draining {
		return nil, ErrClosed
	}

	key := ep.String()

	a, ok := rt.senders[key]
	if !ok {
		a = newSendingAgent(ep, rt)
		rt.senders[key] = a
	}

	return a, nil
}

func (rt *Runtime) senderFor(uri string) (*sendingAgent, error) {
	ep, err := rt.registry.GetOrCreate(uri)
	if err != nil {
		return nil, err
	}

	return rt.sendingAgent(ep)
}

func (rt *Runtime) listenerFor(uri string) (*listeningAgent, bool) {
	u, err := transport.ParseURI(uri)
	if err != nil {
		return nil, false
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	a, ok := rt.listeners[u.String()]

	return a, ok
}

// Listen starts receiving from uri. Received envelopes go to the runtime
// callback unless WithListenCallback overrides it.
func (rt *Runtime) Listen(ctx context.Context, uri string, opts ...ListenOption) error {
	ep, err := rt.registry.GetOrCreate(uri)
	if err != nil {
		return err
	}

	o := listenOptions{
		prefetch: rt.config.Prefetch,
		callback: rt.config.Callback,
	}

	for _, opt := range opts {
		opt(&o)
	}

	if o.callback == nil {
		return fmt.Errorf("listen on %s: no callback configured", ep)
	}

	if o.prefetch <= 0 {
		return fmt.Errorf("listen on %s: invalid prefetch %d", ep, o.prefetch)
	}

	key := ep.String()

	rt.mu.Lock()

	if rt.closed {
		rt.mu.Unlock()
		return ErrClosed
	}

	if _, ok := rt.listeners[key]; ok {
		rt.mu.Unlock()
		return fmt.Errorf("already listening on %s", ep)
	}

	a := newListeningAgent(ep, rt, o)
	rt.listeners[key] = a

	rt.mu.Unlock()

	if err = a.start(ctx, o); err != nil {
		rt.mu.Lock()
		delete(rt.listeners, key)
		rt.mu.Unlock()

		return err
	}

	return nil
}

// Close stops the recovery sweep and the listeners, drains the sending
// agents, hands envelopes still owned by this node to every node and
// closes the transports.
func (rt *Runtime) Close(ctx context.Context) error {
	rt.mu.Lock()

	if rt.closed {
		rt.mu.Unlock()
		return nil
	}

	rt.closed = true

	listeners := rt.listeners
	cancel, group := rt.cancel, rt.group

	rt.mu.Unlock()

	var errs []error

	if cancel != nil {
		cancel()

		if err := group.Wait(); err != nil {
			errs = append(errs, err)
		}
	}

	for key, a := range listeners {
		if err := a.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close listener %s: %w", key, err))
		}
	}

	rt.mu.Lock()
	rt.draining = true
	senders := rt.senders
	rt.mu.Unlock()

	for _, a := range senders {
		if err := a.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if err := rt.config.Store.Release(ctx, rt.config.NodeID); err != nil {
		errs = append(errs, fmt.Errorf("release envelopes of %s: %w", rt.config.NodeID, err))
	}

	if err := rt.registry.Close(ctx); err != nil {
		errs = append(errs, err)
	}

	logger.Infof("node %s closed", rt.config.NodeID)

	return errors.Join(errs...)
}
