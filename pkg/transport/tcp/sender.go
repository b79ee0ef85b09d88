package tcp

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/quarks-tech/courier-go/pkg/transport"
)

// sender owns one connection and sends one frame at a time, waiting for the
// reply before the next frame is written.
type sender struct {
	addr   string
	config *Config

	mu   sync.Mutex
	conn net.Conn
}

func newSender(addr string, config *Config) *sender {
	return &sender{
		addr:   addr,
		config: config,
	}
}

func (s *sender) Send(ctx context.Context, p *transport.Payload) error {
	data, err := encodePayload(p)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	if len(data) > s.config.MaxFrameSize {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(data), s.config.MaxFrameSize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conn, err := s.connect(ctx)
	if err != nil {
		return transport.Unavailable(err)
	}

	reply, err := s.roundTrip(ctx, conn, data)
	if err != nil {
		s.dropConn()
		return transport.Unavailable(err)
	}

	switch reply {
	case replyAck, replyDiscard:
		return nil
	case replyRequeue:
		return transport.ErrRejected
	default:
		s.dropConn()
		return transport.Unavailable(fmt.Errorf("tcp: unexpected reply 0x%02x from %s", reply, s.addr))
	}
}

func (s *sender) roundTrip(ctx context.Context, conn net.Conn, data []byte) (byte, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(s.config.AckTimeout)
	}

	if err := conn.SetDeadline(deadline); err != nil {
		return 0, err
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := writeFrame(conn, data, s.config.MaxFrameSize); err != nil {
		return 0, err
	}

	var reply [1]byte
	if _, err := io.ReadFull(conn, reply[:]); err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}

		return 0, err
	}

	return reply[0], nil
}

func (s *sender) connect(ctx context.Context) (net.Conn, error) {
	if s.conn != nil {
		return s.conn, nil
	}

	d := net.Dialer{Timeout: s.config.DialTimeout}

	conn, err := d.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return nil, err
	}

	s.conn = conn

	return conn, nil
}

func (s *sender) dropConn() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

func (s *sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dropConn()

	return nil
}
