// Package redis implements durable.Store on Redis. Every envelope is a hash;
// sets index envelopes by status and owner, sorted sets index scheduled and
// handled envelopes. Mutations run as Lua scripts so that claims are atomic
// across nodes.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"

	"github.com/quarks-tech/courier-go/pkg/durable"
	"github.com/quarks-tech/courier-go/pkg/envelope"
)

const DefaultPrefix = "courier"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Option func(s *Store)

// WithPrefix sets the key prefix shared by every key of the store.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithClock overrides the clock used to timestamp handled envelopes.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

type Store struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

var _ durable.Store = (*Store)(nil)

func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client: client,
		prefix: DefaultPrefix,
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

type deadLetterRecord struct {
	Envelope []byte    `json:"envelope"`
	Reason   string    `json:"reason"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
}

func (s *Store) envKey(id string) string {
	return s.prefix + ":env:" + id
}

func (s *Store) statusKey(status envelope.Status) string {
	return s.prefix + ":status:" + string(status)
}

func (s *Store) ownerKey(owner string) string {
	return s.prefix + ":owner:" + owner
}

func (s *Store) scheduledKey() string {
	return s.prefix + ":scheduled"
}

func (s *Store) handledKey() string {
	return s.prefix + ":handled"
}

func (s *Store) ownersKey() string {
	return s.prefix + ":owners"
}

func (s *Store) heartbeatsKey() string {
	return s.prefix + ":heartbeats"
}

func (s *Store) deadKey() string {
	return s.prefix + ":dead"
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func wrap(err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return nil
	}

	return durable.Unavailable(err)
}

func (s *Store) persist(ctx context.Context, status envelope.Status, envs []*envelope.Envelope) error {
	for _, e := range durable.Prepare(status, envs) {
		blob, err := envelope.Marshal(e)
		if err != nil {
			return fmt.Errorf("persist %s: %w", e, err)
		}

		score := ""
		if status == envelope.StatusScheduled {
			score = "0"
			if e.ExecutionTime != nil {
				score = millis(*e.ExecutionTime)
			}
		}

		err = persistScript.Run(ctx, s.client, []string{s.envKey(e.ID)},
			s.prefix, e.ID, blob, string(status), e.OwnerID, score).Err()
		if err != nil {
			return wrap(err)
		}
	}

	return nil
}

func (s *Store) PersistIncoming(ctx context.Context, envs ...*envelope.Envelope) error {
	return s.persist(ctx, envelope.StatusIncoming, envs)
}

func (s *Store) PersistOutgoing(ctx context.Context, envs ...*envelope.Envelope) error {
	return s.persist(ctx, envelope.StatusOutgoing, envs)
}

func (s *Store) PersistScheduled(ctx context.Context, envs ...*envelope.Envelope) error {
	return s.persist(ctx, envelope.StatusScheduled, envs)
}

func (s *Store) MarkHandled(ctx context.Context, ids ...string) error {
	now := millis(s.now())

	for _, id := range ids {
		err := markHandledScript.Run(ctx, s.client, []string{s.envKey(id)},
			s.prefix, id, now, string(envelope.StatusHandled)).Err()
		if err != nil {
			return wrap(err)
		}
	}

	return nil
}

func (s *Store) DeleteIfPresent(ctx context.Context, ids ...string) error {
	for _, id := range ids {
		if err := deleteScript.Run(ctx, s.client, []string{s.envKey(id)}, s.prefix, id, "").Err(); err != nil {
			return wrap(err)
		}
	}

	return nil
}

func (s *Store) byStatus(ctx context.Context, status envelope.Status, owner string) ([]*envelope.Envelope, error) {
	var (
		ids []string
		err error
	)

	if owner == "" {
		ids, err = s.client.SMembers(ctx, s.statusKey(status)).Result()
	} else {
		ids, err = s.client.SInter(ctx, s.statusKey(status), s.ownerKey(owner)).Result()
	}

	if err != nil {
		return nil, wrap(err)
	}

	return s.load(ctx, ids)
}

// load reads envelopes by id, skipping those deleted in the meantime.
func (s *Store) load(ctx context.Context, ids []string) ([]*envelope.Envelope, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.SliceCmd, len(ids))

	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HMGet(ctx, s.envKey(id), "envelope", "status", "owner")
		}

		return nil
	})
	if err != nil {
		return nil, wrap(err)
	}

	out := make([]*envelope.Envelope, 0, len(ids))

	for _, cmd := range cmds {
		vals := cmd.Val()

		blob, ok := vals[0].(string)
		if !ok {
			continue
		}

		e, err := envelope.Unmarshal([]byte(blob))
		if err != nil {
			return nil, fmt.Errorf("load envelope: %w", err)
		}

		status, _ := vals[1].(string)
		owner, _ := vals[2].(string)

		e.Status = envelope.Status(status)
		e.OwnerID = owner

		out = append(out, e)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out, nil
}

func (s *Store) AllIncoming(ctx context.Context, owner string) ([]*envelope.Envelope, error) {
	return s.byStatus(ctx, envelope.StatusIncoming, owner)
}

func (s *Store) AllOutgoing(ctx context.Context, owner string) ([]*envelope.Envelope, error) {
	return s.byStatus(ctx, envelope.StatusOutgoing, owner)
}

func (s *Store) AllScheduled(ctx context.Context, dueBefore time.Time) ([]*envelope.Envelope, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.scheduledKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: millis(dueBefore),
	}).Result()
	if err != nil {
		return nil, wrap(err)
	}

	envs, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}

	due := envs[:0]

	for _, e := range envs {
		if e.Status == envelope.StatusScheduled && !e.IsDelayed(dueBefore) {
			due = append(due, e)
		}
	}

	return due, nil
}

func (s *Store) Claim(ctx context.Context, node string, ids ...string) ([]string, error) {
	if err := envelope.ValidateNodeID(node); err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	args := make([]any, 0, len(ids)+4)
	args = append(args, s.prefix, node, envelope.AnyNode, string(envelope.StatusHandled))

	for i, id := range ids {
		keys[i] = s.envKey(id)
		args = append(args, id)
	}

	positions, err := claimScript.Run(ctx, s.client, keys, args...).Int64Slice()
	if err != nil {
		return nil, wrap(err)
	}

	claimed := make([]string, 0, len(positions))
	for _, pos := range positions {
		claimed = append(claimed, ids[pos-1])
	}

	return claimed, nil
}

func (s *Store) Release(ctx context.Context, node string) error {
	keys := []string{s.ownerKey(node), s.ownerKey(envelope.AnyNode), s.heartbeatsKey()}

	return wrap(releaseScript.Run(ctx, s.client, keys, s.prefix, envelope.AnyNode, string(envelope.StatusHandled), node).Err())
}

func (s *Store) Heartbeat(ctx context.Context, node string, at time.Time) error {
	if err := envelope.ValidateNodeID(node); err != nil {
		return err
	}

	return wrap(s.client.ZAdd(ctx, s.heartbeatsKey(), redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: node,
	}).Err())
}

func (s *Store) StaleOwners(ctx context.Context, before time.Time) ([]string, error) {
	keys := []string{s.ownersKey(), s.heartbeatsKey()}

	stale, err := staleOwnersScript.Run(ctx, s.client, keys,
		s.prefix, millis(before), envelope.AnyNode, string(envelope.StatusHandled)).StringSlice()
	if err != nil {
		return nil, wrap(err)
	}

	sort.Strings(stale)

	return stale, nil
}

func (s *Store) MoveToDeadLetter(ctx context.Context, env *envelope.Envelope, dl durable.DeadLetter) error {
	blob, err := envelope.Marshal(env)
	if err != nil {
		return fmt.Errorf("dead letter %s: %w", env, err)
	}

	record, err := json.Marshal(deadLetterRecord{
		Envelope: blob,
		Reason:   dl.Reason,
		Attempts: dl.Attempts,
		At:       dl.At,
	})
	if err != nil {
		return fmt.Errorf("dead letter %s: %w", env, err)
	}

	return wrap(deleteScript.Run(ctx, s.client, []string{s.envKey(env.ID)}, s.prefix, env.ID, record).Err())
}

func (s *Store) DeadLetters(ctx context.Context) ([]*durable.DeadLetter, error) {
	records, err := s.client.LRange(ctx, s.deadKey(), 0, -1).Result()
	if err != nil {
		return nil, wrap(err)
	}

	out := make([]*durable.DeadLetter, 0, len(records))

	for _, raw := range records {
		var r deadLetterRecord
		if err = json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}

		e, err := envelope.Unmarshal(r.Envelope)
		if err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}

		out = append(out, &durable.DeadLetter{
			Envelope: e,
			Reason:   r.Reason,
			Attempts: r.Attempts,
			At:       r.At,
		})
	}

	return out, nil
}

func (s *Store) DeleteHandledBefore(ctx context.Context, t time.Time) (int, error) {
	n, err := deleteHandledScript.Run(ctx, s.client, []string{s.handledKey()}, s.prefix, millis(t)).Int()
	if err != nil {
		return 0, wrap(err)
	}

	return n, nil
}
