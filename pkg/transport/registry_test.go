package transport_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarks-tech/courier-go/pkg/envelope"
	"github.com/quarks-tech/courier-go/pkg/transport"
	"github.com/quarks-tech/courier-go/pkg/transport/stub"
)

func TestRegistryResolveUnknownScheme(t *testing.T) {
	r := transport.NewRegistry(stub.New())

	_, err := r.Resolve("carrier-pigeon://roof")
	assert.ErrorIs(t, err, transport.ErrUnknownTransportScheme)

	var schemeErr *transport.UnknownTransportSchemeError
	require.ErrorAs(t, err, &schemeErr)
	assert.Equal(t, "carrier-pigeon", schemeErr.Scheme)

	_, err = r.GetOrCreate("carrier-pigeon://roof")
	assert.ErrorIs(t, err, transport.ErrUnknownTransportScheme)
}

func TestRegistryResolveNotCreated(t *testing.T) {
	r := transport.NewRegistry(stub.New())

	_, err := r.Resolve("stub://orders")
	assert.ErrorIs(t, err, transport.ErrEndpointNotFound)

	created, err := r.GetOrCreate("stub://orders")
	require.NoError(t, err)

	resolved, err := r.Resolve("STUB://Orders/")
	require.NoError(t, err)
	assert.Same(t, created, resolved)
}

func TestRegistryGetOrCreateConcurrent(t *testing.T) {
	tr := stub.New(stub.WithParseDelay(20 * time.Millisecond))
	r := transport.NewRegistry(tr)

	const n = 64

	var (
		wg        sync.WaitGroup
		start     = make(chan struct{})
		endpoints = make([]*transport.Endpoint, n)
	)

	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start

			ep, err := r.GetOrCreate("stub://orders/durable")
			assert.NoError(t, err)
			endpoints[i] = ep
		}()
	}

	close(start)
	wg.Wait()

	for _, ep := range endpoints {
		assert.Same(t, endpoints[0], ep)
	}

	assert.EqualValues(t, 1, tr.ParseCount())
	assert.Len(t, r.Endpoints(), 1)
}

func TestEndpointLazyChannel(t *testing.T) {
	tr := stub.New()
	r := transport.NewRegistry(tr)

	ep, err := r.GetOrCreate("stub://orders?mode=durable")
	require.NoError(t, err)
	assert.True(t, ep.Durable())
	assert.Equal(t, "stub", ep.Protocol())
	assert.EqualValues(t, 0, tr.OpenCount())

	ch1, err := ep.Channel(context.Background())
	require.NoError(t, err)
	ch2, err := ep.Channel(context.Background())
	require.NoError(t, err)

	assert.Same(t, ch1, ch2)
	assert.EqualValues(t, 1, tr.OpenCount())

	ep.Reset()
	_, err = ep.Channel(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, tr.OpenCount())

	require.NoError(t, r.Close(context.Background()))
	_, err = ep.Channel(context.Background())
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestIsDurableURI(t *testing.T) {
	cases := map[string]bool{
		"tcp://localhost:2000/durable":         true,
		"local://orders/durable":               true,
		"rabbitmq://queue/orders?mode=durable": true,
		"local://orders":                       false,
		"local://orders/durable-ish":           false,
	}

	for raw, want := range cases {
		u, err := transport.ParseURI(raw)
		require.NoError(t, err)
		assert.Equal(t, want, transport.IsDurableURI(u), raw)
	}

	_, err := transport.ParseURI("no-scheme")
	assert.ErrorIs(t, err, transport.ErrInvalidEndpoint)
}

func TestHeaderMapper(t *testing.T) {
	e := envelope.New(nil)
	e.MessageType = "orders.placed"
	e.Data = []byte("{}")

	m := transport.HeaderMapper{}

	p, err := m.WriteEnvelope(e)
	require.NoError(t, err)

	got, err := m.ReadEnvelope(p)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, e.Data, got.Data)

	_, err = m.ReadEnvelope(&transport.Payload{Headers: map[string]string{}})
	assert.ErrorIs(t, err, envelope.ErrMalformed)
}

func TestUnavailable(t *testing.T) {
	assert.NoError(t, transport.Unavailable(nil))

	err := transport.Unavailable(assert.AnError)
	assert.True(t, transport.IsUnavailable(err))
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, err, transport.Unavailable(err))
}
