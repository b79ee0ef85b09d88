package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quarks-tech/courier-go/pkg/durable"
	"github.com/quarks-tech/courier-go/pkg/envelope"
)

// Recovery periodically claims envelopes no node owns and finishes their
// work: due scheduled envelopes, outgoing envelopes left behind by a failed
// send or a crashed node, and incoming envelopes whose processing was
// interrupted. Claiming goes through the store, so concurrent nodes never
// pick up the same envelope. Every sweep also records a heartbeat and
// releases the envelopes of nodes that stopped sending theirs.
type Recovery struct {
	runtime *Runtime
	store   durable.Store
	node    string
	options recoveryOptions
}

type recoveryOptions struct {
	pollInterval   time.Duration
	nodeTimeout    time.Duration
	firstPollDelay time.Duration
	batchSize      int
	now            func() time.Time
}

func newRecovery(rt *Runtime) *Recovery {
	return &Recovery{
		runtime: rt,
		store:   rt.config.Store,
		node:    rt.config.NodeID,
		options: recoveryOptions{
			pollInterval:   rt.config.PollInterval,
			nodeTimeout:    rt.config.NodeTimeout,
			firstPollDelay: rt.config.FirstPollDelay,
			batchSize:      rt.config.BatchSize,
			now:            rt.config.Now,
		},
	}
}

// Run sweeps once after the first poll delay and then once per poll
// interval. It blocks until ctx is cancelled and returns nil then.
func (r *Recovery) Run(ctx context.Context) error {
	timer := time.NewTimer(r.options.firstPollDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil
	case <-timer.C:
	}

	ticker := time.NewTicker(r.options.pollInterval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			logger.Errorf("recovery sweep: %v", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single sweep and returns how many envelopes this node
// claimed.
func (r *Recovery) RunOnce(ctx context.Context) (int, error) {
	var (
		total int
		errs  []error
	)

	if err := r.reap(ctx); err != nil {
		errs = append(errs, fmt.Errorf("liveness: %w", err))
	}

	sweeps := []struct {
		name string
		list func(ctx context.Context) ([]*envelope.Envelope, error)
		fn   func(ctx context.Context, env *envelope.Envelope) error
	}{
		{"scheduled", r.dueScheduled, r.recoverScheduled},
		{"outgoing", r.orphanedOutgoing, r.recoverOutgoing},
		{"incoming", r.orphanedIncoming, r.recoverIncoming},
	}

	for _, s := range sweeps {
		n, err := r.sweep(ctx, s.list, s.fn)
		total += n

		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}

	return total, errors.Join(errs...)
}

// reap records the heartbeat of this node and releases the envelopes of
// nodes whose heartbeat is older than the node timeout.
func (r *Recovery) reap(ctx context.Context) error {
	now := r.options.now()

	if err := r.store.Heartbeat(ctx, r.node, now); err != nil {
		return err
	}

	stale, err := r.store.StaleOwners(ctx, now.Add(-r.options.nodeTimeout))
	if err != nil {
		return err
	}

	var errs []error

	for _, node := range stale {
		if node == r.node {
			continue
		}

		logger.Warningf("node %s missed its heartbeat, releasing its envelopes", node)

		if err = r.store.Release(ctx, node); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", node, err))
		}
	}

	return errors.Join(errs...)
}

func (r *Recovery) sweep(
	ctx context.Context,
	list func(ctx context.Context) ([]*envelope.Envelope, error),
	fn func(ctx context.Context, env *envelope.Envelope) error,
) (int, error) {
	envs, err := list(ctx)
	if err != nil {
		return 0, err
	}

	if len(envs) > r.options.batchSize {
		envs = envs[:r.options.batchSize]
	}

	if len(envs) == 0 {
		return 0, nil
	}

	byID := make(map[string]*envelope.Envelope, len(envs))
	ids := make([]string, 0, len(envs))

	for _, env := range envs {
		byID[env.ID] = env
		ids = append(ids, env.ID)
	}

	claimed, err := r.store.Claim(ctx, r.node, ids...)
	if err != nil {
		return 0, err
	}

	var errs []error

	for _, id := range claimed {
		env := byID[id]
		env.OwnerID = r.node

		if err = fn(ctx, env); err != nil {
			errs = append(errs, err)
			r.giveBack(ctx, env)

			continue
		}

		r.runtime.metrics.recovered.Add(1)
	}

	return len(claimed), errors.Join(errs...)
}

func (r *Recovery) dueScheduled(ctx context.Context) ([]*envelope.Envelope, error) {
	envs, err := r.store.AllScheduled(ctx, r.options.now())
	if err != nil {
		return nil, err
	}

	return unowned(envs), nil
}

func (r *Recovery) orphanedOutgoing(ctx context.Context) ([]*envelope.Envelope, error) {
	return r.store.AllOutgoing(ctx, envelope.AnyNode)
}

// orphanedIncoming only returns envelopes this node listens for.
func (r *Recovery) orphanedIncoming(ctx context.Context) ([]*envelope.Envelope, error) {
	envs, err := r.store.AllIncoming(ctx, envelope.AnyNode)
	if err != nil {
		return nil, err
	}

	out := envs[:0]

	for _, env := range envs {
		if _, ok := r.runtime.listenerFor(env.Destination); ok {
			out = append(out, env)
		}
	}

	return out, nil
}

// recoverScheduled delivers a due envelope to the local listener of its
// destination or sends it there.
func (r *Recovery) recoverScheduled(ctx context.Context, env *envelope.Envelope) error {
	if a, ok := r.runtime.listenerFor(env.Destination); ok {
		return a.Process(ctx, env)
	}

	agent, err := r.runtime.senderFor(env.Destination)
	if err != nil {
		return err
	}

	if err = agent.Enqueue(ctx, env); err != nil {
		return err
	}

	if agent.endpoint.Durable() {
		return nil
	}

	return r.store.DeleteIfPresent(ctx, env.ID)
}

func (r *Recovery) recoverOutgoing(ctx context.Context, env *envelope.Envelope) error {
	agent, err := r.runtime.senderFor(env.Destination)
	if err != nil {
		return err
	}

	return agent.resend(ctx, env)
}

func (r *Recovery) recoverIncoming(ctx context.Context, env *envelope.Envelope) error {
	a, ok := r.runtime.listenerFor(env.Destination)
	if !ok {
		return fmt.Errorf("no listener for %s", env.Destination)
	}

	return a.Process(ctx, env)
}

// giveBack returns a claimed envelope to every node after recovering it
// failed.
func (r *Recovery) giveBack(ctx context.Context, env *envelope.Envelope) {
	env.OwnerID = envelope.AnyNode

	var err error

	switch env.Status {
	case envelope.StatusScheduled:
		err = r.store.PersistScheduled(ctx, env)
	case envelope.StatusOutgoing:
		err = r.store.PersistOutgoing(ctx, env)
	case envelope.StatusIncoming:
		err = r.store.PersistIncoming(ctx, env)
	}

	if err != nil {
		logger.Errorf("giving back %s: %v", env, err)
	}
}

func unowned(envs []*envelope.Envelope) []*envelope.Envelope {
	out := envs[:0]

	for _, env := range envs {
		if env.OwnerID == envelope.AnyNode {
			out = append(out, env)
		}
	}

	return out
}
