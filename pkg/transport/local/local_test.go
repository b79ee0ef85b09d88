package local_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarks-tech/courier-go/pkg/envelope"
	"github.com/quarks-tech/courier-go/pkg/transport"
	"github.com/quarks-tech/courier-go/pkg/transport/local"
)

type collector struct {
	mu       sync.Mutex
	payloads []*transport.Payload
}

func (c *collector) receive(p *transport.Payload) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.payloads = append(c.payloads, p)
}

func (c *collector) all() []*transport.Payload {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]*transport.Payload(nil), c.payloads...)
}

func setup(t *testing.T, uri string) (*local.Transport, *transport.Endpoint) {
	t.Helper()

	tr := local.New()
	r := transport.NewRegistry(tr)

	ep, err := r.GetOrCreate(uri)
	require.NoError(t, err)

	t.Cleanup(func() { _ = r.Close(context.Background()) })

	return tr, ep
}

func TestParseEndpoint(t *testing.T) {
	r := transport.NewRegistry(local.New())

	ep, err := r.GetOrCreate("local://orders/durable")
	require.NoError(t, err)
	assert.True(t, ep.Durable())
	assert.False(t, ep.NativeScheduling())

	_, err = r.GetOrCreate("local:///orders")
	assert.ErrorIs(t, err, transport.ErrInvalidEndpoint)
}

func TestSendAndAck(t *testing.T) {
	ctx := context.Background()
	tr, ep := setup(t, "local://orders")

	c := &collector{}
	l, err := tr.Listen(ctx, ep, transport.ListenOptions{}, c.receive)
	require.NoError(t, err)

	ch, err := ep.Channel(ctx)
	require.NoError(t, err)
	require.NoError(t, ch.Send(ctx, &transport.Payload{Headers: map[string]string{"id": "1"}, Body: []byte("a")}))

	require.Eventually(t, func() bool { return len(c.all()) == 1 }, time.Second, 5*time.Millisecond)

	p := c.all()[0]
	assert.NotZero(t, p.Tag)
	assert.Equal(t, []byte("a"), p.Body)
	require.NoError(t, l.Ack(ctx, p.Tag))
	require.NoError(t, l.Close(ctx))

	assert.Equal(t, 0, tr.Depth("orders"))
}

func TestNackRequeueIncrementsAttempts(t *testing.T) {
	ctx := context.Background()
	tr, ep := setup(t, "local://orders")

	c := &collector{}
	l, err := tr.Listen(ctx, ep, transport.ListenOptions{}, c.receive)
	require.NoError(t, err)

	ch, err := ep.Channel(ctx)
	require.NoError(t, err)
	require.NoError(t, ch.Send(ctx, &transport.Payload{Headers: map[string]string{"id": "1"}}))

	require.Eventually(t, func() bool { return len(c.all()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, l.Nack(ctx, c.all()[0].Tag, true))

	require.Eventually(t, func() bool { return len(c.all()) == 2 }, time.Second, 5*time.Millisecond)
	redelivered := c.all()[1]
	assert.Equal(t, "1", redelivered.Headers[envelope.HeaderAttempts])

	require.NoError(t, l.Nack(ctx, redelivered.Tag, false))
	require.NoError(t, l.Close(ctx))
	assert.Equal(t, 0, tr.Depth("orders"))
}

func TestCloseReturnsUnackedPayloads(t *testing.T) {
	ctx := context.Background()
	tr, ep := setup(t, "local://orders")

	c := &collector{}
	l, err := tr.Listen(ctx, ep, transport.ListenOptions{}, c.receive)
	require.NoError(t, err)

	ch, err := ep.Channel(ctx)
	require.NoError(t, err)
	require.NoError(t, ch.Send(ctx, &transport.Payload{Headers: map[string]string{"id": "1"}}))

	require.Eventually(t, func() bool { return len(c.all()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, l.Close(ctx))

	assert.Equal(t, 1, tr.Depth("orders"))
}
