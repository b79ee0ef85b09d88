package tcp

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/quarks-tech/courier-go/pkg/transport"
)

// Listener accepts sender connections and hands every frame to the receive
// callback. The reply byte is written when the frame is acked or nacked.
type Listener struct {
	ln     net.Listener
	fn     transport.Receive
	config *Config
	tag    atomic.Uint64

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	mu      sync.Mutex
	pending map[uint64]chan byte
	conns   map[net.Conn]struct{}
}

func newListener(ln net.Listener, fn transport.Receive, config *Config) *Listener {
	return &Listener{
		ln:      ln,
		fn:      fn,
		config:  config,
		stop:    make(chan struct{}),
		pending: make(map[uint64]chan byte),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Addr returns the bound address, useful when listening on port 0.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *Listener) accept() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.stop:
			default:
				logger.Errorf("tcp accept on %s: %v", l.ln.Addr(), err)
			}

			return
		}

		l.mu.Lock()
		select {
		case <-l.stop:
			l.mu.Unlock()
			_ = conn.Close()

			return
		default:
		}

		l.conns[conn] = struct{}{}
		l.wg.Add(1)
		l.mu.Unlock()

		go l.serve(conn)
	}
}

func (l *Listener) serve(conn net.Conn) {
	defer l.wg.Done()
	defer func() {
		l.mu.Lock()
		delete(l.conns, conn)
		l.mu.Unlock()

		_ = conn.Close()
	}()

	for {
		data, err := readFrame(conn, l.config.MaxFrameSize)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Warningf("tcp read from %s: %v", conn.RemoteAddr(), err)
			}

			return
		}

		p := decodePayload(data)
		p.Tag = l.tag.Add(1)

		reply := make(chan byte, 1)

		l.mu.Lock()
		l.pending[p.Tag] = reply
		l.mu.Unlock()

		l.fn(p)

		select {
		case b := <-reply:
			if _, err = conn.Write([]byte{b}); err != nil {
				logger.Warningf("tcp reply to %s: %v", conn.RemoteAddr(), err)
				return
			}
		case <-l.stop:
			// unsettled: the sender sees a broken connection and retries
			l.forget(p.Tag)
			return
		}
	}
}

func (l *Listener) Ack(_ context.Context, tag uint64) error {
	l.settle(tag, replyAck)
	return nil
}

func (l *Listener) Nack(_ context.Context, tag uint64, requeue bool) error {
	if requeue {
		l.settle(tag, replyRequeue)
	} else {
		l.settle(tag, replyDiscard)
	}

	return nil
}

func (l *Listener) settle(tag uint64, b byte) {
	l.mu.Lock()
	reply, ok := l.pending[tag]
	delete(l.pending, tag)
	l.mu.Unlock()

	if ok {
		reply <- b
	}
}

func (l *Listener) forget(tag uint64) {
	l.mu.Lock()
	delete(l.pending, tag)
	l.mu.Unlock()
}

// Close stops accepting, drops open connections without replying to
// unsettled frames and waits for connection goroutines to exit.
func (l *Listener) Close(ctx context.Context) error {
	var err error

	l.once.Do(func() {
		l.mu.Lock()
		close(l.stop)
		for conn := range l.conns {
			_ = conn.Close()
		}
		l.mu.Unlock()

		err = l.ln.Close()
	})

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	return err
}
