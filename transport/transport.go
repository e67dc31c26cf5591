// Package transport moves record bytes between a workflow executor and the
// peer under test. Implementations never retry; a receive that sees no bytes
// before its timeout returns ErrTimeout.
package transport

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTimeout is returned by Receive when no bytes arrived in time.
	ErrTimeout = errors.New("transport: receive timeout")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport: closed")
)

// Transport is a bidirectional byte stream (or datagram channel) to the peer.
type Transport interface {
	// Send writes data as one unit; datagram transports keep it as one datagram.
	Send(ctx context.Context, data []byte) error
	// Receive returns the bytes available next, waiting at most timeout (or until
	// ctx is done). io.EOF means the peer closed the connection.
	Receive(ctx context.Context, timeout time.Duration) ([]byte, error)
	Close() error
}

// receiveDeadline is the earlier of now+timeout and the ctx deadline. A zero
// timeout leaves only the ctx deadline.
func receiveDeadline(ctx context.Context, timeout time.Duration) time.Time {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	return deadline
}
