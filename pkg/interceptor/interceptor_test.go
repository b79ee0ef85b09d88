package interceptor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarks-tech/courier-go/pkg/continuation"
	"github.com/quarks-tech/courier-go/pkg/envelope"
	"github.com/quarks-tech/courier-go/pkg/interceptor/idempotency"
	"github.com/quarks-tech/courier-go/pkg/interceptor/logging"
	"github.com/quarks-tech/courier-go/pkg/interceptor/timeout"
	"github.com/quarks-tech/courier-go/pkg/interceptor/validator"
)

func ok(context.Context, *envelope.Envelope) error { return nil }

func TestIdempotency(t *testing.T) {
	i := idempotency.SubscriberInterceptor(idempotency.MemoryChecker())

	env := envelope.New(nil)
	env.MessageType = "books.created"

	require.NoError(t, i(context.Background(), env, ok))

	err := i(context.Background(), env, ok)
	assert.ErrorIs(t, err, continuation.ErrUnrecoverable)
}

func TestIdempotencyCheckerError(t *testing.T) {
	boom := errors.New("boom")
	i := idempotency.SubscriberInterceptor(func(context.Context, string) (bool, error) { return false, boom })

	err := i(context.Background(), envelope.New(nil), ok)
	assert.ErrorIs(t, err, boom)
	assert.False(t, continuation.IsUnrecoverable(err))
}

func TestLogging(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	i := logging.SubscriberInterceptor(logger)

	env := envelope.New(nil)
	env.MessageType = "books.created"
	env.Attempts = 2

	require.NoError(t, i(context.Background(), env, ok))
	assert.Empty(t, hook.AllEntries())

	boom := errors.New("boom")
	err := i(context.Background(), env, func(context.Context, *envelope.Envelope) error { return boom })
	assert.Same(t, boom, err)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, "books.created", entry.Data["messageType"])
	assert.Equal(t, env.ID, entry.Data["envelopeId"])
	assert.Equal(t, 2, entry.Data["attempts"])
}

func TestPublisherLogging(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	i := logging.PublisherInterceptor(logger)

	boom := errors.New("boom")
	err := i(context.Background(), struct{}{}, func(context.Context, any, ...envelope.Option) error { return boom })

	assert.Same(t, boom, err)
	assert.Len(t, hook.AllEntries(), 1)
}

func TestTimeout(t *testing.T) {
	i := timeout.SubscriberInterceptor(10 * time.Millisecond)

	err := i(context.Background(), envelope.New(nil), func(ctx context.Context, _ *envelope.Envelope) error {
		<-ctx.Done()
		return ctx.Err()
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type book struct {
	Title string
}

func (b *book) Validate() error {
	if b.Title == "" {
		return errors.New("title is required")
	}

	return nil
}

func TestValidator(t *testing.T) {
	i := validator.SubscriberInterceptor()

	err := i(context.Background(), envelope.New(&book{}), ok)
	assert.ErrorIs(t, err, continuation.ErrUnrecoverable)

	assert.NoError(t, i(context.Background(), envelope.New(&book{Title: "Dune"}), ok))
}
