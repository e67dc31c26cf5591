package minitls

import (
	"bytes"
	"encoding/binary"
	"io"

	"go.uber.org/zap"
	"golang.org/x/crypto/cryptobyte"
)

// helloRetryRequestRandom is the ServerHello.random that marks a TLS 1.3
// HelloRetryRequest (RFC 8446 Section 4.1.3).
var helloRetryRequestRandom = []byte{
	0xcf, 0x21, 0xad, 0x74, 0xe5, 0x9a, 0x61, 0x11,
	0xbe, 0x1d, 0x8c, 0x02, 0x1e, 0x65, 0xb8, 0x91,
	0xc2, 0xa2, 0x11, 0x16, 0x7a, 0xbb, 0x8c, 0x5e,
	0x07, 0x9e, 0x09, 0xe2, 0xc8, 0xa8, 0x33, 0x9c,
}

// freshBytes returns fixed when set, otherwise n bytes from the context's
// entropy source.
func freshBytes(ctx *Context, fixed []byte, n int) ([]byte, error) {
	if len(fixed) > 0 {
		return append([]byte(nil), fixed...), nil
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(ctx.rand(), out); err != nil {
		return nil, cryptoError("generate random", err)
	}
	return out, nil
}

// ClientHelloMessage is a ClientHello. The DTLS cookie is present only under
// datagram framing. Length fields hold the declared values.
type ClientHelloMessage struct {
	HandshakeHeader
	trailingBytes

	Version            ProtocolVersion
	Random             []byte
	SessionIDLength    uint8
	SessionID          []byte
	CookieLength       uint8
	Cookie             []byte
	CipherSuitesLength uint16
	CipherSuiteBytes   []byte
	CompressionLength  uint8
	Compressions       []byte
	Extensions         ExtensionBlock
}

func (m *ClientHelloMessage) Kind() MessageKind { return KindClientHello }

// CipherSuites decodes the offered suite list.
func (m *ClientHelloMessage) CipherSuites() []CipherSuite {
	out := make([]CipherSuite, 0, len(m.CipherSuiteBytes)/2)
	for i := 0; i+1 < len(m.CipherSuiteBytes); i += 2 {
		out = append(out, CipherSuite(binary.BigEndian.Uint16(m.CipherSuiteBytes[i:])))
	}
	return out
}

func (m *ClientHelloMessage) parseBody(p *parser, ctx *Context) {
	v, _ := p.uint16("client_version")
	m.Version = ProtocolVersion(v)
	m.Random, _ = p.bytes("random", randomLength)
	m.SessionIDLength, m.SessionID = p.vector8("session_id")
	if ctx.IsDTLS() {
		m.CookieLength, m.Cookie = p.vector8("cookie")
	}
	m.CipherSuitesLength, m.CipherSuiteBytes = p.vector16("cipher_suites")
	m.CompressionLength, m.Compressions = p.vector8("compression_methods")
	m.Extensions = parseExtensionBlock(p, TypeClientHello)
}

func (m *ClientHelloMessage) serializeBody(b *cryptobyte.Builder) {
	b.AddUint16(uint16(m.Version))
	b.AddBytes(m.Random)
	b.AddUint8(m.SessionIDLength)
	b.AddBytes(m.SessionID)
	if m.Cookie != nil || m.CookieLength > 0 {
		b.AddUint8(m.CookieLength)
		b.AddBytes(m.Cookie)
	}
	b.AddUint16(m.CipherSuitesLength)
	b.AddBytes(m.CipherSuiteBytes)
	b.AddUint8(m.CompressionLength)
	b.AddBytes(m.Compressions)
	serializeExtensionBlock(b, &m.Extensions)
	b.AddBytes(m.Trailing)
}

func (m *ClientHelloMessage) prepare(ctx *Context) error {
	cfg := ctx.Config
	m.Version = cfg.HighestVersion
	if m.Version.IsTLS13() {
		m.Version = VersionTLS12
	}

	// A second ClientHello (after HelloVerifyRequest or HelloRetryRequest)
	// repeats the random.
	if len(ctx.ClientRandom) == 0 {
		r, err := freshBytes(ctx, cfg.FixedClientRandom, randomLength)
		if err != nil {
			return err
		}
		ctx.ClientRandom = r
	}
	m.Random = append([]byte(nil), ctx.ClientRandom...)

	if ctx.SessionID == nil {
		switch {
		case len(cfg.FixedSessionID) > 0:
			ctx.SessionID = append([]byte(nil), cfg.FixedSessionID...)
		case cfg.offersTLS13() && !cfg.HighestVersion.IsDTLS():
			// legacy_session_id compatibility mode
			id, err := freshBytes(ctx, nil, 32)
			if err != nil {
				return err
			}
			ctx.SessionID = id
		default:
			ctx.SessionID = []byte{}
		}
	}
	m.SessionID = append([]byte(nil), ctx.SessionID...)
	m.SessionIDLength = uint8(len(m.SessionID))

	if cfg.HighestVersion.IsDTLS() {
		m.Cookie = append([]byte{}, ctx.DTLSCookie...)
		m.CookieLength = uint8(len(m.Cookie))
	} else {
		m.Cookie, m.CookieLength = nil, 0
	}

	m.CipherSuiteBytes = make([]byte, 0, 2*len(cfg.CipherSuites))
	for _, s := range cfg.CipherSuites {
		m.CipherSuiteBytes = binary.BigEndian.AppendUint16(m.CipherSuiteBytes, uint16(s))
	}
	m.CipherSuitesLength = uint16(len(m.CipherSuiteBytes))
	m.Compressions = []byte{0}
	m.CompressionLength = 1

	return prepareExtensionBlock(ctx, TypeClientHello, &m.Extensions)
}

func (m *ClientHelloMessage) handle(ctx *Context) error {
	ctx.ClientVersion = m.Version
	ctx.ClientRandom = append([]byte(nil), m.Random...)
	ctx.SessionID = append([]byte{}, m.SessionID...)
	ctx.ClientCipherSuites = m.CipherSuites()
	if m.Cookie != nil {
		ctx.DTLSCookie = append([]byte{}, m.Cookie...)
	}
	return handleExtensions(ctx, TypeClientHello, &m.Extensions)
}

func (m *ClientHelloMessage) String() string {
	return describe("ClientHelloMessage").
		field("ProtocolVersion", m.Version).
		field("Random", m.Random).
		field("SessionID", m.SessionID).
		field("CipherSuites", m.CipherSuites()).
		field("CompressionMethods", m.Compressions).
		field("Extensions", &m.Extensions).
		String()
}

// ServerHelloMessage is a ServerHello. A TLS 1.3 HelloRetryRequest sent in
// ServerHello form is recognized by its random.
type ServerHelloMessage struct {
	HandshakeHeader
	trailingBytes

	Version         ProtocolVersion
	Random          []byte
	SessionIDLength uint8
	SessionID       []byte
	CipherSuite     CipherSuite
	Compression     uint8
	Extensions      ExtensionBlock
}

func (m *ServerHelloMessage) Kind() MessageKind { return KindServerHello }

// IsHelloRetryRequest reports whether the random is the HelloRetryRequest marker.
func (m *ServerHelloMessage) IsHelloRetryRequest() bool {
	return bytes.Equal(m.Random, helloRetryRequestRandom)
}

func (m *ServerHelloMessage) parseBody(p *parser, ctx *Context) {
	v, _ := p.uint16("server_version")
	m.Version = ProtocolVersion(v)
	m.Random, _ = p.bytes("random", randomLength)
	m.SessionIDLength, m.SessionID = p.vector8("session_id")
	s, _ := p.uint16("cipher_suite")
	m.CipherSuite = CipherSuite(s)
	m.Compression, _ = p.uint8("compression_method")
	msg := TypeServerHello
	if m.IsHelloRetryRequest() {
		msg = TypeHelloRetryRequest
	}
	m.Extensions = parseExtensionBlock(p, msg)
}

func (m *ServerHelloMessage) serializeBody(b *cryptobyte.Builder) {
	b.AddUint16(uint16(m.Version))
	b.AddBytes(m.Random)
	b.AddUint8(m.SessionIDLength)
	b.AddBytes(m.SessionID)
	b.AddUint16(uint16(m.CipherSuite))
	b.AddUint8(m.Compression)
	serializeExtensionBlock(b, &m.Extensions)
	b.AddBytes(m.Trailing)
}

// selectVersion picks the version a server answers with: TLS 1.3 when both
// sides offer it (or no ClientHello was seen), else the lower of the client's
// and our highest version.
func selectVersion(ctx *Context) ProtocolVersion {
	cfg := ctx.Config
	if cfg.offersTLS13() {
		if len(ctx.ClientRandom) == 0 && cfg.HighestVersion.IsTLS13() {
			return VersionTLS13
		}
		for _, v := range ctx.ClientSupportedVersions {
			if v.IsTLS13() {
				return VersionTLS13
			}
		}
	}
	v := cfg.HighestVersion
	if v.IsTLS13() {
		v = VersionTLS12
	}
	if ctx.ClientVersion == 0 || v.IsDTLS() != ctx.ClientVersion.IsDTLS() {
		return v
	}
	// DTLS versions count down.
	if v.IsDTLS() {
		if ctx.ClientVersion > v {
			return ctx.ClientVersion
		}
		return v
	}
	if ctx.ClientVersion < v {
		return ctx.ClientVersion
	}
	return v
}

// selectCipherSuite returns our first suite the client offered that fits the
// version, or the first configured suite that fits.
func selectCipherSuite(ctx *Context, version ProtocolVersion) CipherSuite {
	var fallback CipherSuite
	for _, s := range ctx.Config.CipherSuites {
		info := s.Info()
		if info == nil || info.TLS13 != version.IsTLS13() {
			continue
		}
		if fallback == 0 {
			fallback = s
		}
		for _, offered := range ctx.ClientCipherSuites {
			if offered == s {
				return s
			}
		}
	}
	if fallback == 0 {
		return ctx.SelectedCipherSuite
	}
	return fallback
}

func (m *ServerHelloMessage) prepare(ctx *Context) error {
	cfg := ctx.Config
	ctx.SelectedVersion = selectVersion(ctx)
	m.Version = ctx.SelectedVersion
	if m.Version.IsTLS13() {
		m.Version = VersionTLS12
	}

	r, err := freshBytes(ctx, cfg.FixedServerRandom, randomLength)
	if err != nil {
		return err
	}
	ctx.ServerRandom = r
	m.Random = append([]byte(nil), r...)

	if ctx.SelectedVersion.IsTLS13() {
		m.SessionID = append([]byte{}, ctx.SessionID...)
	} else {
		id, err := freshBytes(ctx, cfg.FixedSessionID, 32)
		if err != nil {
			return err
		}
		m.SessionID = id
	}
	m.SessionIDLength = uint8(len(m.SessionID))

	ctx.SelectedCipherSuite = selectCipherSuite(ctx, ctx.SelectedVersion)
	m.CipherSuite = ctx.SelectedCipherSuite
	m.Compression = 0
	return prepareExtensionBlock(ctx, TypeServerHello, &m.Extensions)
}

func (m *ServerHelloMessage) handle(ctx *Context) error {
	if m.IsHelloRetryRequest() {
		return handleHelloRetry(ctx, m.CipherSuite, &m.Extensions)
	}
	ctx.ServerRandom = append([]byte(nil), m.Random...)
	ctx.SelectedCipherSuite = m.CipherSuite
	ctx.SelectedCompression = m.Compression
	ctx.SelectedVersion = m.Version
	if err := handleExtensions(ctx, TypeServerHello, &m.Extensions); err != nil {
		return err
	}
	if !ctx.IsTLS13() {
		ctx.SessionID = append([]byte{}, m.SessionID...)
		return nil
	}
	if err := ctx.deriveHandshakeSecrets(); err != nil {
		return err
	}
	return ctx.activateTLS13(KeySetHandshake, DirectionRead, DirectionWrite)
}

func (m *ServerHelloMessage) String() string {
	return describe("ServerHelloMessage").
		field("ProtocolVersion", m.Version).
		field("Random", m.Random).
		field("SessionID", m.SessionID).
		field("CipherSuite", m.CipherSuite).
		field("CompressionMethod", m.Compression).
		field("Extensions", &m.Extensions).
		String()
}

// handleHelloRetry records the retry parameters and replaces ClientHello1 in
// the transcript with its message_hash (RFC 8446 Section 4.4.1).
func handleHelloRetry(ctx *Context, suite CipherSuite, ext *ExtensionBlock) error {
	ctx.SelectedCipherSuite = suite
	ctx.SelectedVersion = VersionTLS13
	if err := handleExtensions(ctx, TypeHelloRetryRequest, ext); err != nil {
		return err
	}
	ks, err := keyScheduleFor("hello retry request", suite)
	if err != nil {
		return err
	}
	full := ctx.Transcript()
	ch1 := ctx.transcriptBeforeCurrent()
	retry := append([]byte(nil), full[len(ch1):]...)

	hash := ks.TranscriptHash(ch1)
	synthetic := []byte{0xfe, 0, 0, byte(len(hash))}
	synthetic = append(synthetic, hash...)
	ctx.ResetTranscript(synthetic)
	ctx.AppendTranscript(retry)
	ctx.log().Debug("hello retry request",
		zap.Stringer("suite", suite),
		zap.Uint16("group", uint16(ctx.SelectedGroup)),
		zap.Int("cookie_length", len(ctx.Cookie)))
	return nil
}

// HelloRetryRequestMessage is the draft TLS 1.3 HelloRetryRequest (handshake
// type 6): version, cipher suite, then extensions only if bytes remain.
type HelloRetryRequestMessage struct {
	HandshakeHeader
	trailingBytes

	Version     ProtocolVersion
	CipherSuite CipherSuite
	Extensions  ExtensionBlock
}

func (m *HelloRetryRequestMessage) Kind() MessageKind { return KindHelloRetryRequest }

func (m *HelloRetryRequestMessage) parseBody(p *parser, ctx *Context) {
	v, _ := p.uint16("server_version")
	m.Version = ProtocolVersion(v)
	s, _ := p.uint16("cipher_suite")
	m.CipherSuite = CipherSuite(s)
	m.Extensions = parseExtensionBlock(p, TypeHelloRetryRequest)
}

func (m *HelloRetryRequestMessage) serializeBody(b *cryptobyte.Builder) {
	b.AddUint16(uint16(m.Version))
	b.AddUint16(uint16(m.CipherSuite))
	serializeExtensionBlock(b, &m.Extensions)
	b.AddBytes(m.Trailing)
}

func (m *HelloRetryRequestMessage) prepare(ctx *Context) error {
	ctx.SelectedVersion = VersionTLS13
	m.Version = VersionTLS13
	ctx.SelectedCipherSuite = selectCipherSuite(ctx, VersionTLS13)
	m.CipherSuite = ctx.SelectedCipherSuite
	if ctx.SelectedGroup == 0 {
		ctx.SelectedGroup = ctx.preferredGroup()
	}
	return prepareExtensionBlock(ctx, TypeHelloRetryRequest, &m.Extensions)
}

func (m *HelloRetryRequestMessage) handle(ctx *Context) error {
	return handleHelloRetry(ctx, m.CipherSuite, &m.Extensions)
}

func (m *HelloRetryRequestMessage) String() string {
	return describe("HelloRetryRequestMessage").
		field("ProtocolVersion", m.Version).
		field("CipherSuite", m.CipherSuite).
		field("Extensions", &m.Extensions).
		String()
}

// HelloVerifyRequestMessage is the DTLS cookie exchange (RFC 6347 Section 4.2.1).
type HelloVerifyRequestMessage struct {
	HandshakeHeader
	trailingBytes

	Version      ProtocolVersion
	CookieLength uint8
	Cookie       []byte
}

func (m *HelloVerifyRequestMessage) Kind() MessageKind { return KindHelloVerifyRequest }

func (m *HelloVerifyRequestMessage) parseBody(p *parser, ctx *Context) {
	v, _ := p.uint16("server_version")
	m.Version = ProtocolVersion(v)
	m.CookieLength, m.Cookie = p.vector8("cookie")
}

func (m *HelloVerifyRequestMessage) serializeBody(b *cryptobyte.Builder) {
	b.AddUint16(uint16(m.Version))
	b.AddUint8(m.CookieLength)
	b.AddBytes(m.Cookie)
	b.AddBytes(m.Trailing)
}

func (m *HelloVerifyRequestMessage) prepare(ctx *Context) error {
	m.Version = VersionDTLS10
	if len(ctx.DTLSCookie) == 0 {
		c, err := freshBytes(ctx, nil, 20)
		if err != nil {
			return err
		}
		ctx.DTLSCookie = c
	}
	m.Cookie = append([]byte(nil), ctx.DTLSCookie...)
	m.CookieLength = uint8(len(m.Cookie))
	return nil
}

// handle stores the cookie. ClientHello1 and the HelloVerifyRequest are not
// part of the handshake transcript.
func (m *HelloVerifyRequestMessage) handle(ctx *Context) error {
	ctx.DTLSCookie = append([]byte{}, m.Cookie...)
	ctx.ResetTranscript(nil)
	return nil
}

func (m *HelloVerifyRequestMessage) String() string {
	return describe("HelloVerifyRequestMessage").
		field("ProtocolVersion", m.Version).
		field("Cookie", m.Cookie).
		String()
}

// EncryptedExtensionsMessage carries the TLS 1.3 server extensions that are
// not needed to establish keys. The extension block is always present.
type EncryptedExtensionsMessage struct {
	HandshakeHeader
	trailingBytes

	Extensions ExtensionBlock
}

func (m *EncryptedExtensionsMessage) Kind() MessageKind { return KindEncryptedExtensions }

func (m *EncryptedExtensionsMessage) parseBody(p *parser, ctx *Context) {
	m.Extensions = parseExtensionBlock(p, TypeEncryptedExtensions)
}

func (m *EncryptedExtensionsMessage) serializeBody(b *cryptobyte.Builder) {
	serializeExtensionBlock(b, &m.Extensions)
	b.AddBytes(m.Trailing)
}

func (m *EncryptedExtensionsMessage) prepare(ctx *Context) error {
	m.Extensions.Present = true
	return prepareExtensionBlock(ctx, TypeEncryptedExtensions, &m.Extensions)
}

func (m *EncryptedExtensionsMessage) handle(ctx *Context) error {
	return handleExtensions(ctx, TypeEncryptedExtensions, &m.Extensions)
}

func (m *EncryptedExtensionsMessage) String() string {
	return describe("EncryptedExtensionsMessage").
		field("Extensions", &m.Extensions).
		String()
}
