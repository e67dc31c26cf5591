package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocket tunnels records through a relay that forwards binary frames to the
// peer. Each Send is one binary message.
//
// A gorilla connection cannot be read again after a read deadline expires, so
// after the first timeout every Receive returns ErrTimeout.
type WebSocket struct {
	conn   *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex
}

// DialWebSocket connects to a relay such as ws://localhost:8081/tls.
func DialWebSocket(ctx context.Context, url string, logger *zap.Logger) (*WebSocket, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to websocket relay %s: %w", url, err)
	}
	return NewWebSocket(conn, logger), nil
}

// NewWebSocket wraps an established websocket connection.
func NewWebSocket(conn *websocket.Conn, logger *zap.Logger) *WebSocket {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocket{conn: conn, logger: logger}
}

func (w *WebSocket) Send(ctx context.Context, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if d, ok := ctx.Deadline(); ok {
		w.conn.SetWriteDeadline(d)
		defer w.conn.SetWriteDeadline(time.Time{})
	}
	if err := w.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return ErrClosed
		}
		return fmt.Errorf("failed to send websocket message: %w", err)
	}
	w.logger.Debug("sent websocket message", zap.Int("bytes", len(data)))
	return nil
}

func (w *WebSocket) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.conn.SetReadDeadline(receiveDeadline(ctx, timeout))
	stop := context.AfterFunc(ctx, func() { w.conn.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		msgType, data, err := w.conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			switch {
			case ctx.Err() != nil:
				return nil, ctx.Err()
			case errors.Is(err, os.ErrDeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
				return nil, ErrTimeout
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				return nil, ErrClosed
			default:
				return nil, fmt.Errorf("failed to receive websocket message: %w", err)
			}
		}
		if msgType != websocket.BinaryMessage {
			w.logger.Debug("ignoring non-binary websocket message", zap.Int("type", msgType))
			continue
		}
		w.logger.Debug("received websocket message", zap.Int("bytes", len(data)))
		return data, nil
	}
}

func (w *WebSocket) Close() error {
	w.writeMu.Lock()
	w.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	w.writeMu.Unlock()
	return w.conn.Close()
}
