package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/mdlayher/vsock"
	"go.uber.org/zap"
)

const readBufferSize = 64 * 1024

// Conn adapts a net.Conn (TCP, UDP, vsock) to Transport.
type Conn struct {
	conn   net.Conn
	logger *zap.Logger
	buf    []byte
}

// NewConn wraps an established connection.
func NewConn(conn net.Conn, logger *zap.Logger) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conn{conn: conn, logger: logger, buf: make([]byte, readBufferSize)}
}

// DialTCP connects to addr ("host:port").
func DialTCP(ctx context.Context, addr string, logger *zap.Logger) (*Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return NewConn(conn, logger), nil
}

// DialUDP opens a connected UDP socket for DTLS peers.
func DialUDP(ctx context.Context, addr string, logger *zap.Logger) (*Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial udp %s: %w", addr, err)
	}
	return NewConn(conn, logger), nil
}

// AcceptTCP listens on addr and returns the first connection, for traces that
// play the server.
func AcceptTCP(ctx context.Context, addr string, logger *zap.Logger) (*Conn, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	defer ln.Close()

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to accept on %s: %w", addr, err)
	}
	return NewConn(conn, logger), nil
}

// DialVsock connects to a peer running inside a VM or enclave.
func DialVsock(cid, port uint32, logger *zap.Logger) (*Conn, error) {
	conn, err := vsock.Dial(cid, port, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial vsock %d:%d: %w", cid, port, err)
	}
	return NewConn(conn, logger), nil
}

func (c *Conn) Send(ctx context.Context, data []byte) error {
	if d, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(d)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := c.conn.Write(data); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("failed to send %d bytes: %w", len(data), err)
	}
	c.logger.Debug("sent", zap.Int("bytes", len(data)))
	return nil
}

func (c *Conn) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.conn.SetReadDeadline(receiveDeadline(ctx, timeout))
	defer c.conn.SetReadDeadline(time.Time{})

	// Cancellation interrupts a blocked read by moving the deadline.
	stop := context.AfterFunc(ctx, func() { c.conn.SetReadDeadline(time.Now()) })
	defer stop()

	n, err := c.conn.Read(c.buf)
	if n > 0 {
		c.logger.Debug("received", zap.Int("bytes", n))
		return append([]byte(nil), c.buf[:n]...), nil
	}
	switch {
	case err == nil:
		return nil, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, os.ErrDeadlineExceeded):
		return nil, ErrTimeout
	case errors.Is(err, io.EOF):
		return nil, io.EOF
	case errors.Is(err, net.ErrClosed):
		return nil, ErrClosed
	default:
		return nil, fmt.Errorf("failed to receive: %w", err)
	}
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
