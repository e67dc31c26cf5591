package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestPipeDeliversEachSend(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()
	ctx := context.Background()

	if err := a.Send(ctx, []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := a.Send(ctx, []byte("world")); err != nil {
		t.Fatalf("send: %v", err)
	}
	for _, want := range []string{"hello", "world"} {
		got, err := b.Receive(ctx, time.Second)
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if string(got) != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
}

func TestPipeReceiveTimeout(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	start := time.Now()
	_, err := b.Receive(context.Background(), 20*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Errorf("receive returned before the timeout")
	}
}

func TestPipeEOFAfterPeerClose(t *testing.T) {
	a, b := Pipe()
	defer b.Close()
	ctx := context.Background()

	a.Send(ctx, []byte{1})
	a.Close()

	got, err := b.Receive(ctx, time.Second)
	if err != nil || !bytes.Equal(got, []byte{1}) {
		t.Fatalf("buffered data lost: %v %v", got, err)
	}
	if _, err := b.Receive(ctx, time.Second); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
	if err := a.Send(ctx, []byte{2}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestPipeContextCancel(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.Receive(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestConnTCPLoopback(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 16)
		n, _ := conn.Read(buf)
		conn.Write(buf[:n])
		// Hold the connection open so the client sees a timeout, not EOF.
		time.Sleep(200 * time.Millisecond)
	}()

	ctx := context.Background()
	c, err := Open(ctx, ln.Addr().String(), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()

	if err := c.Send(ctx, []byte("ping")); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := c.Receive(ctx, time.Second)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if string(got) != "ping" {
		t.Errorf("got %q", got)
	}
	if _, err := c.Receive(ctx, 20*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestWebSocketRelay(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			typ, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			conn.WriteMessage(websocket.TextMessage, []byte("ignored"))
			conn.WriteMessage(typ, data)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	ws, err := Open(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	record := []byte{0x16, 0x03, 0x03, 0x00, 0x01, 0x00}
	if err := ws.Send(ctx, record); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := ws.Receive(ctx, time.Second)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if !bytes.Equal(got, record) {
		t.Errorf("got %x, want %x", got, record)
	}
}

func TestParseVsockAddr(t *testing.T) {
	tests := []struct {
		in        string
		cid, port uint32
		wantErr   bool
	}{
		{"3:8000", 3, 8000, false},
		{"16:443", 16, 443, false},
		{"3", 0, 0, true},
		{"x:1", 0, 0, true},
		{"3:y", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			cid, port, err := parseVsockAddr(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if cid != tt.cid || port != tt.port {
				t.Errorf("got %d:%d", cid, port)
			}
		})
	}
}

func TestOpenRejectsUnknownScheme(t *testing.T) {
	if _, err := Open(context.Background(), "smoke://nowhere", nil); err == nil {
		t.Fatal("expected error")
	}
}
