package transport

import (
	"context"
	"io"
	"sync"
	"time"
)

// pipeEnd is one side of an in-memory transport. Each Send is delivered to the
// other side as one Receive.
type pipeEnd struct {
	in   chan []byte
	peer *pipeEnd

	once   sync.Once
	closed chan struct{}
}

// Pipe returns two connected in-memory transports, for running both ends of a
// trace in one process.
func Pipe() (Transport, Transport) {
	a := &pipeEnd{in: make(chan []byte, 64), closed: make(chan struct{})}
	b := &pipeEnd{in: make(chan []byte, 64), closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (p *pipeEnd) Send(ctx context.Context, data []byte) error {
	select {
	case <-p.closed:
		return ErrClosed
	case <-p.peer.closed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case p.peer.in <- append([]byte(nil), data...):
		return nil
	case <-p.closed:
		return ErrClosed
	case <-p.peer.closed:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case data := <-p.in:
		return data, nil
	default:
	}
	select {
	case data := <-p.in:
		return data, nil
	case <-p.closed:
		return nil, ErrClosed
	case <-p.peer.closed:
		// Deliver what the peer sent before closing.
		select {
		case data := <-p.in:
			return data, nil
		default:
			return nil, io.EOF
		}
	case <-expired:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
