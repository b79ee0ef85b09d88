package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarks-tech/courier-go/pkg/durable"
	"github.com/quarks-tech/courier-go/pkg/durable/memory"
	"github.com/quarks-tech/courier-go/pkg/durable/storetest"
	"github.com/quarks-tech/courier-go/pkg/envelope"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) durable.Store {
		return memory.New()
	})
}

func TestFailWith(t *testing.T) {
	s := memory.New()
	s.FailWith(errors.New("disk on fire"))

	err := s.PersistIncoming(context.Background(), envelope.New("x"))
	assert.ErrorIs(t, err, durable.ErrStoreUnavailable)

	s.FailWith(nil)
	assert.NoError(t, s.PersistIncoming(context.Background(), envelope.New("x")))
}

func TestCleaner(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	s := memory.New(memory.WithClock(clock))

	old := envelope.New("old")
	require.NoError(t, s.PersistIncoming(ctx, old))
	require.NoError(t, s.MarkHandled(ctx, old.ID))

	now = now.Add(3 * time.Hour)

	recent := envelope.New("recent")
	require.NoError(t, s.PersistIncoming(ctx, recent))
	require.NoError(t, s.MarkHandled(ctx, recent.ID))

	c := durable.NewCleaner(s, durable.WithRetention(2*time.Hour), durable.WithCleanerClock(clock))

	n, err := c.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = c.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRetrying(t *testing.T) {
	ctx := context.Background()

	s := memory.New()
	s.FailWith(errors.New("connection refused"))

	r := durable.NewRetrying(s, durable.RetryOptions{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Timeout:         time.Second,
	})

	go func() {
		time.Sleep(20 * time.Millisecond)
		s.FailWith(nil)
	}()

	e := envelope.New("x")
	require.NoError(t, r.PersistOutgoing(ctx, e))

	all, err := r.AllOutgoing(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Same(t, durable.Store(s), r.Unwrap())
}

func TestRetryingGivesUp(t *testing.T) {
	s := memory.New()
	s.FailWith(errors.New("connection refused"))

	r := durable.NewRetrying(s, durable.RetryOptions{
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Timeout:         30 * time.Millisecond,
	})

	err := r.PersistIncoming(context.Background(), envelope.New("x"))
	assert.ErrorIs(t, err, durable.ErrStoreUnavailable)
}

func TestRetryingPermanentError(t *testing.T) {
	r := durable.NewRetrying(memory.New(), durable.RetryOptions{Timeout: time.Minute})

	start := time.Now()
	_, err := r.Claim(context.Background(), "", "id")
	assert.ErrorIs(t, err, envelope.ErrInvalidNodeID)
	assert.Less(t, time.Since(start), time.Second)
}
