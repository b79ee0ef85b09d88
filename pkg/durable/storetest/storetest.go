// Package storetest is a conformance suite for durable.Store
// implementations.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarks-tech/courier-go/pkg/durable"
	"github.com/quarks-tech/courier-go/pkg/envelope"
)

// Factory returns an empty store. Handled envelopes must be timestamped with
// the wall clock.
type Factory func(t *testing.T) durable.Store

type sample struct {
	Name string `json:"name"`
}

func newEnvelope(owner string) *envelope.Envelope {
	e := envelope.New(&sample{Name: "x"})
	e.MessageType = "sample"
	e.ContentType = "application/json"
	e.Data = []byte(`{"name":"x"}`)
	e.Destination = "local://samples"
	e.Source = "local://origin"
	e.SentAt = time.Now().UTC().Truncate(time.Millisecond)
	e.Headers = map[string]string{"tenant": "acme"}
	e.OwnerID = owner

	return e
}

func ids(envs []*envelope.Envelope) []string {
	out := make([]string, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.ID)
	}

	return out
}

// Run executes the suite against stores created by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("PersistAndList", func(t *testing.T) { testPersistAndList(t, newStore(t)) })
	t.Run("PersistIsUpsert", func(t *testing.T) { testPersistIsUpsert(t, newStore(t)) })
	t.Run("Scheduled", func(t *testing.T) { testScheduled(t, newStore(t)) })
	t.Run("Claim", func(t *testing.T) { testClaim(t, newStore(t)) })
	t.Run("ConcurrentClaim", func(t *testing.T) { testConcurrentClaim(t, newStore(t)) })
	t.Run("Release", func(t *testing.T) { testRelease(t, newStore(t)) })
	t.Run("StaleOwners", func(t *testing.T) { testStaleOwners(t, newStore(t)) })
	t.Run("MarkHandled", func(t *testing.T) { testMarkHandled(t, newStore(t)) })
	t.Run("DeleteIfPresent", func(t *testing.T) { testDeleteIfPresent(t, newStore(t)) })
	t.Run("DeadLetter", func(t *testing.T) { testDeadLetter(t, newStore(t)) })
}

func testPersistAndList(t *testing.T, s durable.Store) {
	ctx := context.Background()

	in := newEnvelope("node-a")
	out := newEnvelope("node-a")
	orphan := newEnvelope(envelope.AnyNode)

	require.NoError(t, s.PersistIncoming(ctx, in))
	require.NoError(t, s.PersistOutgoing(ctx, out, orphan))

	incoming, err := s.AllIncoming(ctx, "node-a")
	require.NoError(t, err)
	require.Len(t, incoming, 1)

	got := incoming[0]
	assert.Equal(t, in.ID, got.ID)
	assert.Equal(t, envelope.StatusIncoming, got.Status)
	assert.Equal(t, "node-a", got.OwnerID)
	assert.Equal(t, in.MessageType, got.MessageType)
	assert.Equal(t, in.ContentType, got.ContentType)
	assert.Equal(t, in.Data, got.Data)
	assert.Equal(t, in.Destination, got.Destination)
	assert.Equal(t, in.Source, got.Source)
	assert.Equal(t, in.Headers, got.Headers)
	assert.True(t, in.SentAt.Equal(got.SentAt))

	outgoing, err := s.AllOutgoing(ctx, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{out.ID, orphan.ID}, ids(outgoing))

	orphans, err := s.AllOutgoing(ctx, envelope.AnyNode)
	require.NoError(t, err)
	assert.Equal(t, []string{orphan.ID}, ids(orphans))

	assert.Equal(t, envelope.Status(""), in.Status, "persist must not mutate the caller's envelope")
}

func testPersistIsUpsert(t *testing.T, s durable.Store) {
	ctx := context.Background()

	e := newEnvelope("node-a")
	require.NoError(t, s.PersistOutgoing(ctx, e))

	e.OwnerID = envelope.AnyNode
	e.Attempts = 3
	require.NoError(t, s.PersistOutgoing(ctx, e))

	all, err := s.AllOutgoing(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, envelope.AnyNode, all[0].OwnerID)
	assert.Equal(t, 3, all[0].Attempts)

	require.NoError(t, s.PersistIncoming(ctx, e))

	all, err = s.AllOutgoing(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func testScheduled(t *testing.T, s durable.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	due := newEnvelope("")
	due.MarkScheduled(now.Add(-time.Second))

	later := newEnvelope("")
	later.MarkScheduled(now.Add(time.Hour))

	require.NoError(t, s.PersistScheduled(ctx, due, later))

	got, err := s.AllScheduled(ctx, now)
	require.NoError(t, err)
	require.Equal(t, []string{due.ID}, ids(got))
	assert.Equal(t, envelope.StatusScheduled, got[0].Status)
	assert.Equal(t, envelope.AnyNode, got[0].OwnerID)
	require.NotNil(t, got[0].ExecutionTime)
	assert.True(t, due.ExecutionTime.Equal(*got[0].ExecutionTime))

	got, err = s.AllScheduled(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{due.ID, later.ID}, ids(got))
}

func testClaim(t *testing.T, s durable.Store) {
	ctx := context.Background()

	orphan := newEnvelope(envelope.AnyNode)
	owned := newEnvelope("node-b")
	handled := newEnvelope(envelope.AnyNode)

	require.NoError(t, s.PersistOutgoing(ctx, orphan, owned, handled))
	require.NoError(t, s.MarkHandled(ctx, handled.ID))

	claimed, err := s.Claim(ctx, "node-a", orphan.ID, owned.ID, handled.ID, "missing")
	require.NoError(t, err)
	assert.Equal(t, []string{orphan.ID}, claimed)

	mine, err := s.AllOutgoing(ctx, "node-a")
	require.NoError(t, err)
	assert.Equal(t, []string{orphan.ID}, ids(mine))

	claimed, err = s.Claim(ctx, "node-c", orphan.ID)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	_, err = s.Claim(ctx, envelope.AnyNode, orphan.ID)
	assert.ErrorIs(t, err, envelope.ErrInvalidNodeID)
}

func testConcurrentClaim(t *testing.T, s durable.Store) {
	ctx := context.Background()

	var envs []*envelope.Envelope
	for range 20 {
		envs = append(envs, newEnvelope(envelope.AnyNode))
	}

	require.NoError(t, s.PersistOutgoing(ctx, envs...))

	all := ids(envs)
	nodes := []string{"node-a", "node-b", "node-c", "node-d"}
	results := make([][]string, len(nodes))

	var wg sync.WaitGroup

	for i, node := range nodes {
		wg.Add(1)

		go func() {
			defer wg.Done()

			claimed, err := s.Claim(ctx, node, all...)
			assert.NoError(t, err)

			results[i] = claimed
		}()
	}

	wg.Wait()

	seen := make(map[string]int)
	for _, claimed := range results {
		for _, id := range claimed {
			seen[id]++
		}
	}

	assert.Len(t, seen, len(all))

	for id, n := range seen {
		assert.Equal(t, 1, n, "envelope %s claimed %d times", id, n)
	}
}

func testRelease(t *testing.T, s durable.Store) {
	ctx := context.Background()

	a := newEnvelope("node-a")
	b := newEnvelope("node-b")
	handled := newEnvelope("node-a")

	require.NoError(t, s.PersistIncoming(ctx, a, b, handled))
	require.NoError(t, s.MarkHandled(ctx, handled.ID))
	require.NoError(t, s.Release(ctx, "node-a"))

	orphans, err := s.AllIncoming(ctx, envelope.AnyNode)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, ids(orphans))

	kept, err := s.AllIncoming(ctx, "node-b")
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, ids(kept))
}

func testStaleOwners(t *testing.T, s durable.Store) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	alive := newEnvelope("node-a")
	late := newEnvelope("node-b")
	silent := newEnvelope("node-c")
	finished := newEnvelope("node-d")
	orphan := newEnvelope(envelope.AnyNode)

	require.NoError(t, s.PersistOutgoing(ctx, alive, late, silent, finished, orphan))
	require.NoError(t, s.MarkHandled(ctx, finished.ID))

	require.NoError(t, s.Heartbeat(ctx, "node-a", now))
	require.NoError(t, s.Heartbeat(ctx, "node-b", now.Add(-time.Minute)))

	stale, err := s.StaleOwners(ctx, now.Add(-30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, []string{"node-b", "node-c"}, stale)

	require.NoError(t, s.Release(ctx, "node-b"))
	require.NoError(t, s.Heartbeat(ctx, "node-c", now))

	stale, err = s.StaleOwners(ctx, now.Add(-30*time.Second))
	require.NoError(t, err)
	assert.Empty(t, stale)

	require.NoError(t, s.Release(ctx, "node-a"))
	require.NoError(t, s.PersistOutgoing(ctx, newEnvelope("node-a")))

	stale, err = s.StaleOwners(ctx, now.Add(-30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, []string{"node-a"}, stale, "release forgets the heartbeat")

	assert.ErrorIs(t, s.Heartbeat(ctx, envelope.AnyNode, now), envelope.ErrInvalidNodeID)
}

func testMarkHandled(t *testing.T, s durable.Store) {
	ctx := context.Background()

	e := newEnvelope("node-a")
	require.NoError(t, s.PersistIncoming(ctx, e))
	require.NoError(t, s.MarkHandled(ctx, e.ID, "missing"))

	incoming, err := s.AllIncoming(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, incoming)

	n, err := s.DeleteHandledBefore(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.DeleteHandledBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	claimed, err := s.Claim(ctx, "node-b", e.ID)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func testDeleteIfPresent(t *testing.T, s durable.Store) {
	ctx := context.Background()

	e := newEnvelope("node-a")
	require.NoError(t, s.PersistOutgoing(ctx, e))
	require.NoError(t, s.DeleteIfPresent(ctx, e.ID, "missing"))
	require.NoError(t, s.DeleteIfPresent(ctx, e.ID))

	all, err := s.AllOutgoing(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func testDeadLetter(t *testing.T, s durable.Store) {
	ctx := context.Background()
	at := time.Now().UTC().Truncate(time.Millisecond)

	e := newEnvelope("node-a")
	e.Attempts = 5
	require.NoError(t, s.PersistIncoming(ctx, e))

	require.NoError(t, s.MoveToDeadLetter(ctx, e, durable.DeadLetter{
		Reason:   "poison",
		Attempts: 5,
		At:       at,
	}))

	incoming, err := s.AllIncoming(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, incoming)

	dls, err := s.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, "poison", dls[0].Reason)
	assert.Equal(t, 5, dls[0].Attempts)
	assert.True(t, at.Equal(dls[0].At))
	require.NotNil(t, dls[0].Envelope)
	assert.Equal(t, e.ID, dls[0].Envelope.ID)
	assert.Equal(t, e.Data, dls[0].Envelope.Data)
}
