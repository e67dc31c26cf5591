package workflow

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"tls-workbench/minitls"
)

// TraceType names a trace the factory can build.
type TraceType string

const (
	TraceClientHello    TraceType = "CLIENT_HELLO"
	TraceHandshake      TraceType = "HANDSHAKE"
	TraceFull           TraceType = "FULL"
	TraceTLS13Handshake TraceType = "TLS13_HANDSHAKE"
)

// ParseTraceType is case-insensitive.
func ParseTraceType(s string) (TraceType, error) {
	t := TraceType(strings.ToUpper(strings.TrimSpace(s)))
	switch t {
	case TraceClientHello, TraceHandshake, TraceFull, TraceTLS13Handshake:
		return t, nil
	}
	return "", minitls.NewError(minitls.ConfigurationError, "parse trace type", fmt.Sprintf("unknown trace type %q", s), nil)
}

// TraceFactory builds standard traces from a Config, as seen from
// Config.ConnectionEnd.
type TraceFactory struct {
	cfg    *minitls.Config
	Logger *zap.Logger
}

func NewTraceFactory(cfg *minitls.Config) *TraceFactory {
	return &TraceFactory{cfg: cfg, Logger: zap.NewNop()}
}

// Create builds a trace of type t.
func (f *TraceFactory) Create(t TraceType) (*Trace, error) {
	switch t {
	case TraceClientHello:
		return f.clientHello(), nil
	case TraceHandshake:
		return f.handshake(), nil
	case TraceFull:
		return f.full(), nil
	case TraceTLS13Handshake:
		return f.tls13Handshake(), nil
	}
	return nil, minitls.NewError(minitls.ConfigurationError, "create trace", fmt.Sprintf("unknown trace type %q", t), nil)
}

func (f *TraceFactory) action(sender minitls.ConnectionEnd, slots ...*MessageSlot) *Action {
	return NewAction(f.cfg.ConnectionEnd, sender, slots...)
}

// firstSuite is the suite that shapes the trace.
func (f *TraceFactory) firstSuite() *minitls.CipherSuiteInfo {
	if len(f.cfg.CipherSuites) == 0 {
		return nil
	}
	return f.cfg.CipherSuites[0].Info()
}

// clientHello is one ClientHello, or for DTLS the cookie exchange
// ClientHello, HelloVerifyRequest, ClientHello.
func (f *TraceFactory) clientHello() *Trace {
	t := NewTrace(f.action(minitls.Client, Expect(&minitls.ClientHelloMessage{})))
	if f.cfg.HighestVersion.IsDTLS() {
		t.Add(
			f.action(minitls.Server, Expect(&minitls.HelloVerifyRequestMessage{})),
			f.action(minitls.Client, Expect(&minitls.ClientHelloMessage{})),
		)
	}
	return t
}

func (f *TraceFactory) handshake() *Trace {
	t := f.clientHello()
	suite := f.firstSuite()
	auth := f.cfg.ClientAuthentication && !f.cfg.SessionResumption

	server := []*MessageSlot{
		Expect(&minitls.ServerHelloMessage{}),
		Expect(&minitls.CertificateMessage{}),
	}
	if suite != nil && suite.KeyExchange.IsEphemeral() && !f.cfg.SessionResumption {
		if ske := f.serverKeyExchange(suite); ske != nil {
			server = append(server, Expect(ske))
		}
	}
	if auth {
		server = append(server, Optional(&minitls.CertificateRequestMessage{}))
	}
	server = append(server, Expect(&minitls.ServerHelloDoneMessage{}))
	t.Add(f.action(minitls.Server, server...))

	var client []*MessageSlot
	if auth {
		client = append(client, Expect(&minitls.CertificateMessage{}))
	}
	if cke := f.clientKeyExchange(suite); cke != nil {
		client = append(client, Expect(cke))
	}
	if auth {
		client = append(client, Expect(&minitls.CertificateVerifyMessage{}))
	}
	client = append(client,
		Expect(&minitls.ChangeCipherSpecMessage{}),
		Expect(&minitls.FinishedMessage{}),
	)
	t.Add(f.action(minitls.Client, client...))

	t.Add(f.action(minitls.Server,
		Expect(&minitls.ChangeCipherSpecMessage{}),
		Expect(&minitls.FinishedMessage{}),
	))
	return t
}

func (f *TraceFactory) serverKeyExchange(suite *minitls.CipherSuiteInfo) minitls.ProtocolMessage {
	switch {
	case suite.KeyExchange.IsECDH():
		return &minitls.ECDHEServerKeyExchangeMessage{}
	case suite.KeyExchange == minitls.KeyExchangeDHERSA:
		return &minitls.DHEServerKeyExchangeMessage{}
	}
	f.Logger.Warn("unsupported key exchange algorithm, not adding ServerKeyExchange",
		zap.Stringer("key_exchange", suite.KeyExchange))
	return nil
}

func (f *TraceFactory) clientKeyExchange(suite *minitls.CipherSuiteInfo) minitls.ProtocolMessage {
	if f.cfg.SessionResumption {
		return nil
	}
	if suite == nil {
		f.Logger.Warn("no cipher suite configured, not adding ClientKeyExchange")
		return nil
	}
	switch {
	case suite.KeyExchange == minitls.KeyExchangeRSA:
		return &minitls.RSAClientKeyExchangeMessage{}
	case suite.KeyExchange.IsECDH():
		return &minitls.ECDHClientKeyExchangeMessage{}
	case suite.KeyExchange == minitls.KeyExchangeDHERSA:
		return &minitls.DHClientKeyExchangeMessage{}
	}
	f.Logger.Warn("unsupported key exchange algorithm, not adding ClientKeyExchange",
		zap.Stringer("key_exchange", suite.KeyExchange))
	return nil
}

// full extends the handshake with application data and, when a heartbeat
// mode is configured, a heartbeat exchange.
func (f *TraceFactory) full() *Trace {
	t := f.handshake()
	if f.cfg.ServerSendsApplicationData {
		t.Add(f.action(minitls.Server, Expect(&minitls.ApplicationDataMessage{})))
	}
	client := []*MessageSlot{Expect(&minitls.ApplicationDataMessage{})}
	if f.cfg.HeartbeatMode == minitls.HeartbeatModeNone {
		return t.Add(f.action(minitls.Client, client...))
	}
	client = append(client, Expect(&minitls.HeartbeatMessage{Type: minitls.HeartbeatRequest}))
	return t.Add(
		f.action(minitls.Client, client...),
		f.action(minitls.Server, Expect(&minitls.HeartbeatMessage{Type: minitls.HeartbeatResponse})),
	)
}

func (f *TraceFactory) tls13Handshake() *Trace {
	t := NewTrace(f.action(minitls.Client, Expect(&minitls.ClientHelloMessage{})))

	// Servers in middlebox compatibility mode send ChangeCipherSpec after
	// ServerHello.
	server := []*MessageSlot{
		Expect(&minitls.ServerHelloMessage{}),
		Optional(&minitls.ChangeCipherSpecMessage{}),
		Expect(&minitls.EncryptedExtensionsMessage{}),
	}
	if f.cfg.ClientAuthentication {
		server = append(server, Optional(&minitls.CertificateRequestMessage{}))
	}
	server = append(server,
		Expect(&minitls.CertificateMessage{}),
		Expect(&minitls.CertificateVerifyMessage{}),
		Expect(&minitls.FinishedMessage{}),
	)
	t.Add(f.action(minitls.Server, server...))

	var client []*MessageSlot
	if f.cfg.ClientAuthentication {
		client = append(client,
			Expect(&minitls.CertificateMessage{}),
			Expect(&minitls.CertificateVerifyMessage{}),
		)
	}
	client = append(client, Expect(&minitls.FinishedMessage{}))
	return t.Add(f.action(minitls.Client, client...))
}
