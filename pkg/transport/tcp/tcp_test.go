package tcp

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarks-tech/courier-go/pkg/transport"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, writeFrame(&buf, []byte("hello"), DefaultMaxFrameSize))
	assert.Equal(t, []byte{0, 0, 0, 5}, buf.Bytes()[:4])

	data, err := readFrame(&buf, DefaultMaxFrameSize)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
}

func TestFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer

	assert.ErrorIs(t, writeFrame(&buf, make([]byte, 16), 8), ErrFrameTooLarge)

	buf.Reset()
	require.NoError(t, writeFrame(&buf, make([]byte, 16), 32))

	_, err := readFrame(&buf, 8)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecodePayloadKeepsMalformedBytes(t *testing.T) {
	p := decodePayload([]byte("garbage"))
	assert.Nil(t, p.Headers)
	assert.Equal(t, []byte("garbage"), p.Body)

	data, err := encodePayload(&transport.Payload{Headers: map[string]string{"id": "1"}, Body: []byte("b")})
	require.NoError(t, err)

	p = decodePayload(data)
	assert.Equal(t, "1", p.Headers["id"])
	assert.Equal(t, []byte("b"), p.Body)
}

type harness struct {
	registry *transport.Registry
	listener *Listener
	sender   transport.Channel
	received chan *transport.Payload
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	ctx := context.Background()
	tr := New(WithAckTimeout(2 * time.Second))
	r := transport.NewRegistry(tr)

	source, err := r.GetOrCreate("tcp://127.0.0.1:0")
	require.NoError(t, err)

	received := make(chan *transport.Payload, 8)

	l, err := tr.Listen(ctx, source, transport.ListenOptions{}, func(p *transport.Payload) {
		received <- p
	})
	require.NoError(t, err)

	listener := l.(*Listener)

	dest, err := r.GetOrCreate("tcp://" + listener.Addr().String() + "/durable")
	require.NoError(t, err)
	assert.True(t, dest.Durable())

	ch, err := dest.Channel(ctx)
	require.NoError(t, err)

	t.Cleanup(func() { _ = r.Close(context.Background()) })

	return &harness{registry: r, listener: listener, sender: ch, received: received}
}

func (h *harness) sendAsync(p *transport.Payload) <-chan error {
	errc := make(chan error, 1)

	go func() {
		errc <- h.sender.Send(context.Background(), p)
	}()

	return errc
}

func TestSendAck(t *testing.T) {
	h := newHarness(t)

	errc := h.sendAsync(&transport.Payload{Headers: map[string]string{"id": "1"}, Body: []byte("x")})

	p := <-h.received
	assert.Equal(t, "1", p.Headers["id"])
	require.NoError(t, h.listener.Ack(context.Background(), p.Tag))

	require.NoError(t, <-errc)
}

func TestSendNack(t *testing.T) {
	h := newHarness(t)

	errc := h.sendAsync(&transport.Payload{Headers: map[string]string{"id": "1"}})
	p := <-h.received
	require.NoError(t, h.listener.Nack(context.Background(), p.Tag, true))
	assert.ErrorIs(t, <-errc, transport.ErrRejected)

	errc = h.sendAsync(&transport.Payload{Headers: map[string]string{"id": "2"}})
	p = <-h.received
	require.NoError(t, h.listener.Nack(context.Background(), p.Tag, false))
	assert.NoError(t, <-errc)
}

func TestListenerCloseLeavesFrameUnsettled(t *testing.T) {
	h := newHarness(t)

	errc := h.sendAsync(&transport.Payload{Headers: map[string]string{"id": "1"}})
	<-h.received

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.listener.Close(ctx))

	err := <-errc
	assert.True(t, transport.IsUnavailable(err), err)
}

func TestSendUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	s := newSender(addr, &Config{MaxFrameSize: DefaultMaxFrameSize, DialTimeout: time.Second, AckTimeout: time.Second})
	defer s.Close()

	err = s.Send(context.Background(), &transport.Payload{Headers: map[string]string{"id": "1"}})
	assert.True(t, transport.IsUnavailable(err), err)
}

func TestParseEndpointRequiresPort(t *testing.T) {
	r := transport.NewRegistry(New())

	_, err := r.GetOrCreate("tcp://localhost")
	assert.ErrorIs(t, err, transport.ErrInvalidEndpoint)
}

func TestSendOversizedFrameIsPermanent(t *testing.T) {
	s := newSender("127.0.0.1:1", &Config{MaxFrameSize: 64, DialTimeout: time.Second, AckTimeout: time.Second})
	defer s.Close()

	err := s.Send(context.Background(), &transport.Payload{
		Headers: map[string]string{"id": "1"},
		Body:    make([]byte, 1024),
	})

	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.False(t, transport.IsUnavailable(err))
	assert.NotErrorIs(t, err, transport.ErrRejected)
}
