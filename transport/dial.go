package transport

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Open connects to target, a URL naming the transport:
//
//	tcp://host:port      TCP client
//	udp://host:port      connected UDP socket (DTLS)
//	listen://host:port   accept one TCP connection
//	vsock://cid:port     AF_VSOCK client
//	ws://... or wss://   websocket relay
//
// A bare host:port is treated as tcp.
func Open(ctx context.Context, target string, logger *zap.Logger) (Transport, error) {
	if !strings.Contains(target, "://") {
		target = "tcp://" + target
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid target %q: %w", target, err)
	}
	switch u.Scheme {
	case "tcp":
		return DialTCP(ctx, u.Host, logger)
	case "udp":
		return DialUDP(ctx, u.Host, logger)
	case "listen":
		return AcceptTCP(ctx, u.Host, logger)
	case "vsock":
		cid, port, err := parseVsockAddr(u.Host)
		if err != nil {
			return nil, err
		}
		return DialVsock(cid, port, logger)
	case "ws", "wss":
		return DialWebSocket(ctx, target, logger)
	default:
		return nil, fmt.Errorf("unsupported transport scheme %q", u.Scheme)
	}
}

func parseVsockAddr(hostport string) (uint32, uint32, error) {
	cidStr, portStr, ok := strings.Cut(hostport, ":")
	if !ok {
		return 0, 0, fmt.Errorf("vsock address %q must be cid:port", hostport)
	}
	cid, err := strconv.ParseUint(cidStr, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid vsock cid %q: %w", cidStr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid vsock port %q: %w", portStr, err)
	}
	return uint32(cid), uint32(port), nil
}
