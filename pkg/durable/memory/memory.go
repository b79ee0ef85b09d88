// Package memory implements durable.Store in process memory. It is the
// reference implementation of the store contract and backs the tests of the
// agents.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/quarks-tech/courier-go/pkg/durable"
	"github.com/quarks-tech/courier-go/pkg/envelope"
)

type Option func(s *Store)

// WithClock overrides the clock used to timestamp handled envelopes.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

type record struct {
	env       *envelope.Envelope
	handledAt time.Time
}

type Store struct {
	now func() time.Time

	mu          sync.Mutex
	records     map[string]*record
	heartbeats  map[string]time.Time
	deadLetters []*durable.DeadLetter
	failure     error
}

var _ durable.Store = (*Store)(nil)

func New(opts ...Option) *Store {
	s := &Store{
		now:        time.Now,
		records:    make(map[string]*record),
		heartbeats: make(map[string]time.Time),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// FailWith makes every subsequent call fail with err wrapped as
// durable.ErrStoreUnavailable; nil restores the store.
func (s *Store) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failure = err
}

// lock acquires the store mutex unless the store is failing.
func (s *Store) lock() error {
	s.mu.Lock()

	if s.failure != nil {
		s.mu.Unlock()
		return durable.Unavailable(s.failure)
	}

	return nil
}

func (s *Store) persist(status envelope.Status, envs []*envelope.Envelope) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	for _, e := range durable.Prepare(status, envs) {
		s.records[e.ID] = &record{env: e}
	}

	return nil
}

func (s *Store) PersistIncoming(_ context.Context, envs ...*envelope.Envelope) error {
	return s.persist(envelope.StatusIncoming, envs)
}

func (s *Store) PersistOutgoing(_ context.Context, envs ...*envelope.Envelope) error {
	return s.persist(envelope.StatusOutgoing, envs)
}

func (s *Store) PersistScheduled(_ context.Context, envs ...*envelope.Envelope) error {
	return s.persist(envelope.StatusScheduled, envs)
}

func (s *Store) MarkHandled(_ context.Context, ids ...string) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	now := s.now()

	for _, id := range ids {
		if r, ok := s.records[id]; ok {
			r.env.Status = envelope.StatusHandled
			r.handledAt = now
		}
	}

	return nil
}

func (s *Store) DeleteIfPresent(_ context.Context, ids ...string) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	for _, id := range ids {
		delete(s.records, id)
	}

	return nil
}

func (s *Store) list(match func(e *envelope.Envelope) bool) ([]*envelope.Envelope, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	var out []*envelope.Envelope

	for _, r := range s.records {
		if match(r.env) {
			out = append(out, r.env.Clone())
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out, nil
}

func ownedBy(owner string, e *envelope.Envelope) bool {
	return owner == "" || e.OwnerID == owner
}

func (s *Store) AllIncoming(_ context.Context, owner string) ([]*envelope.Envelope, error) {
	return s.list(func(e *envelope.Envelope) bool {
		return e.Status == envelope.StatusIncoming && ownedBy(owner, e)
	})
}

func (s *Store) AllOutgoing(_ context.Context, owner string) ([]*envelope.Envelope, error) {
	return s.list(func(e *envelope.Envelope) bool {
		return e.Status == envelope.StatusOutgoing && ownedBy(owner, e)
	})
}

func (s *Store) AllScheduled(_ context.Context, dueBefore time.Time) ([]*envelope.Envelope, error) {
	return s.list(func(e *envelope.Envelope) bool {
		return e.Status == envelope.StatusScheduled && !e.IsDelayed(dueBefore)
	})
}

func (s *Store) Claim(_ context.Context, node string, ids ...string) ([]string, error) {
	if err := envelope.ValidateNodeID(node); err != nil {
		return nil, err
	}

	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	var claimed []string

	for _, id := range ids {
		r, ok := s.records[id]
		if !ok || r.env.Status == envelope.StatusHandled || r.env.OwnerID != envelope.AnyNode {
			continue
		}

		r.env.OwnerID = node
		claimed = append(claimed, id)
	}

	return claimed, nil
}

func (s *Store) Release(_ context.Context, node string) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	for _, r := range s.records {
		if r.env.OwnerID == node && r.env.Status != envelope.StatusHandled {
			r.env.OwnerID = envelope.AnyNode
		}
	}

	delete(s.heartbeats, node)

	return nil
}

func (s *Store) Heartbeat(_ context.Context, node string, at time.Time) error {
	if err := envelope.ValidateNodeID(node); err != nil {
		return err
	}

	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	s.heartbeats[node] = at

	return nil
}

func (s *Store) StaleOwners(_ context.Context, before time.Time) ([]string, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	seen := make(map[string]struct{})

	var stale []string

	for _, r := range s.records {
		owner := r.env.OwnerID
		if owner == envelope.AnyNode || r.env.Status == envelope.StatusHandled {
			continue
		}

		if _, ok := seen[owner]; ok {
			continue
		}

		seen[owner] = struct{}{}

		if at, ok := s.heartbeats[owner]; !ok || at.Before(before) {
			stale = append(stale, owner)
		}
	}

	sort.Strings(stale)

	return stale, nil
}

func (s *Store) MoveToDeadLetter(_ context.Context, env *envelope.Envelope, dl durable.DeadLetter) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	delete(s.records, env.ID)

	dl.Envelope = env.Clone()
	s.deadLetters = append(s.deadLetters, &dl)

	return nil
}

func (s *Store) DeadLetters(_ context.Context) ([]*durable.DeadLetter, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	out := make([]*durable.DeadLetter, 0, len(s.deadLetters))

	for _, dl := range s.deadLetters {
		c := *dl
		c.Envelope = dl.Envelope.Clone()
		out = append(out, &c)
	}

	return out, nil
}

func (s *Store) DeleteHandledBefore(_ context.Context, t time.Time) (int, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	n := 0

	for id, r := range s.records {
		if r.env.Status == envelope.StatusHandled && r.handledAt.Before(t) {
			delete(s.records, id)
			n++
		}
	}

	return n, nil
}
