package minitls

import (
	"bytes"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// hasSignatureAlgorithms reports whether v carries explicit signature
// algorithms in CertificateRequest and CertificateVerify.
func hasSignatureAlgorithms(v ProtocolVersion) bool {
	return v == VersionTLS12 || v == VersionDTLS12 || v.IsTLS13()
}

// CertificateEntry is one certificate_list element. The extensions field
// exists only in TLS 1.3 and is kept raw.
type CertificateEntry struct {
	Length           uint32
	Data             []byte
	ExtensionsLength uint16
	Extensions       []byte
}

// CertificateMessage is the Certificate message in both layouts: a bare
// certificate list before TLS 1.3, a request context plus entries with
// extensions in TLS 1.3.
type CertificateMessage struct {
	HandshakeHeader
	trailingBytes

	TLS13                bool
	RequestContextLength uint8
	RequestContext       []byte
	CertificatesLength   uint32
	Entries              []CertificateEntry
}

func (m *CertificateMessage) Kind() MessageKind { return KindCertificate }

// Chain returns the DER certificates in order.
func (m *CertificateMessage) Chain() [][]byte {
	out := make([][]byte, 0, len(m.Entries))
	for _, e := range m.Entries {
		out = append(out, e.Data)
	}
	return out
}

func (m *CertificateMessage) parseBody(p *parser, ctx *Context) {
	m.TLS13 = ctx.IsTLS13()
	if m.TLS13 {
		m.RequestContextLength, m.RequestContext = p.vector8("certificate_request_context")
	}
	n, ok := p.uint24("certificate_list length")
	if !ok {
		return
	}
	m.CertificatesLength = n
	list := p.sub(int(n))
	for !list.empty() && list.err == nil {
		var e CertificateEntry
		e.Length, e.Data = list.vector24("certificate")
		if m.TLS13 && !list.empty() {
			e.ExtensionsLength, e.Extensions = list.vector16("certificate extensions")
		}
		m.Entries = append(m.Entries, e)
	}
	p.join(list)
}

func (m *CertificateMessage) serializeBody(b *cryptobyte.Builder) {
	if m.TLS13 {
		b.AddUint8(m.RequestContextLength)
		b.AddBytes(m.RequestContext)
	}
	b.AddUint24(m.CertificatesLength)
	for _, e := range m.Entries {
		b.AddUint24(e.Length)
		b.AddBytes(e.Data)
		if m.TLS13 {
			b.AddUint16(e.ExtensionsLength)
			b.AddBytes(e.Extensions)
		}
	}
	b.AddBytes(m.Trailing)
}

func (m *CertificateMessage) prepare(ctx *Context) error {
	m.TLS13 = ctx.IsTLS13()
	m.RequestContext = []byte{}
	m.RequestContextLength = 0
	m.Entries = m.Entries[:0]
	total := 0
	for _, der := range ctx.Config.CertificateChain {
		e := CertificateEntry{Length: uint32(len(der)), Data: append([]byte(nil), der...)}
		total += 3 + len(der)
		if m.TLS13 {
			e.Extensions = []byte{}
			total += 2
		}
		m.Entries = append(m.Entries, e)
	}
	if total >= 1<<24 {
		return configurationError("prepare certificate", "certificate chain too long")
	}
	m.CertificatesLength = uint32(total)
	return nil
}

func (m *CertificateMessage) handle(ctx *Context) error {
	if !ctx.IsSender() {
		ctx.recordPeerCertificates(m.Chain())
	}
	return nil
}

func (m *CertificateMessage) String() string {
	return describe("CertificateMessage").
		field("CertificatesLength", m.CertificatesLength).
		field("Certificates", len(m.Entries)).
		String()
}

// CertificateRequestMessage asks the client for a certificate. Before TLS 1.3
// it lists certificate types, signature algorithms (TLS 1.2 only) and
// acceptable authorities; in TLS 1.3 a context and extensions.
type CertificateRequestMessage struct {
	HandshakeHeader
	trailingBytes

	TLS13                     bool
	CertificateTypesLength    uint8
	CertificateTypes          []byte
	SignatureAlgorithmsLength uint16
	// SignatureAlgorithms is nil when the version does not carry the field.
	SignatureAlgorithms      []byte
	DistinguishedNamesLength uint16
	DistinguishedNames       []byte
	RequestContextLength     uint8
	RequestContext           []byte
	Extensions               ExtensionBlock
}

func (m *CertificateRequestMessage) Kind() MessageKind { return KindCertificateRequest }

func (m *CertificateRequestMessage) parseBody(p *parser, ctx *Context) {
	m.TLS13 = ctx.IsTLS13()
	if m.TLS13 {
		m.RequestContextLength, m.RequestContext = p.vector8("certificate_request_context")
		m.Extensions = parseExtensionBlock(p, TypeCertificateRequest)
		return
	}
	m.CertificateTypesLength, m.CertificateTypes = p.vector8("certificate_types")
	if hasSignatureAlgorithms(ctx.Version()) {
		m.SignatureAlgorithmsLength, m.SignatureAlgorithms = p.vector16("supported_signature_algorithms")
	}
	m.DistinguishedNamesLength, m.DistinguishedNames = p.vector16("certificate_authorities")
}

func (m *CertificateRequestMessage) serializeBody(b *cryptobyte.Builder) {
	if m.TLS13 {
		b.AddUint8(m.RequestContextLength)
		b.AddBytes(m.RequestContext)
		serializeExtensionBlock(b, &m.Extensions)
		b.AddBytes(m.Trailing)
		return
	}
	b.AddUint8(m.CertificateTypesLength)
	b.AddBytes(m.CertificateTypes)
	if m.SignatureAlgorithms != nil {
		b.AddUint16(m.SignatureAlgorithmsLength)
		b.AddBytes(m.SignatureAlgorithms)
	}
	b.AddUint16(m.DistinguishedNamesLength)
	b.AddBytes(m.DistinguishedNames)
	b.AddBytes(m.Trailing)
}

func (m *CertificateRequestMessage) prepare(ctx *Context) error {
	m.TLS13 = ctx.IsTLS13()
	if m.TLS13 {
		m.RequestContext = []byte{}
		m.RequestContextLength = 0
		m.Extensions.Present = true
		return prepareExtensionBlock(ctx, TypeCertificateRequest, &m.Extensions)
	}
	// rsa_sign, ecdsa_sign
	m.CertificateTypes = []byte{1, 64}
	m.CertificateTypesLength = 2
	if hasSignatureAlgorithms(ctx.Version()) {
		m.SignatureAlgorithms = make([]byte, 0, 2*len(ctx.Config.SignatureAlgorithms))
		for _, s := range ctx.Config.SignatureAlgorithms {
			m.SignatureAlgorithms = append(m.SignatureAlgorithms, byte(s>>8), byte(s))
		}
		m.SignatureAlgorithmsLength = uint16(len(m.SignatureAlgorithms))
	} else {
		m.SignatureAlgorithms = nil
		m.SignatureAlgorithmsLength = 0
	}
	m.DistinguishedNames = []byte{}
	m.DistinguishedNamesLength = 0
	return nil
}

func (m *CertificateRequestMessage) handle(ctx *Context) error {
	ctx.CertificateRequested = true
	if m.TLS13 {
		return handleExtensions(ctx, TypeCertificateRequest, &m.Extensions)
	}
	return nil
}

func (m *CertificateRequestMessage) String() string {
	return describe("CertificateRequestMessage").
		field("CertificateTypes", m.CertificateTypes).
		field("SignatureAlgorithms", m.SignatureAlgorithms).
		field("RequestContext", m.RequestContext).
		String()
}

// CertificateVerifyMessage proves possession of the certificate key. The
// scheme is present from TLS 1.2 on.
type CertificateVerifyMessage struct {
	HandshakeHeader
	trailingBytes

	HasScheme       bool
	Scheme          SignatureScheme
	SignatureLength uint16
	Signature       []byte
}

func (m *CertificateVerifyMessage) Kind() MessageKind { return KindCertificateVerify }

func (m *CertificateVerifyMessage) parseBody(p *parser, ctx *Context) {
	m.HasScheme = hasSignatureAlgorithms(ctx.Version())
	if m.HasScheme {
		s, _ := p.uint16("signature scheme")
		m.Scheme = SignatureScheme(s)
	}
	m.SignatureLength, m.Signature = p.vector16("signature")
}

func (m *CertificateVerifyMessage) serializeBody(b *cryptobyte.Builder) {
	if m.HasScheme {
		b.AddUint16(uint16(m.Scheme))
	}
	b.AddUint16(m.SignatureLength)
	b.AddBytes(m.Signature)
	b.AddBytes(m.Trailing)
}

// prepare signs the transcript so far: the RFC 8446 signature context in
// TLS 1.3, the handshake messages themselves before.
func (m *CertificateVerifyMessage) prepare(ctx *Context) error {
	m.Scheme = ctx.signatureScheme()
	m.HasScheme = m.Scheme != 0
	data := ctx.Transcript()
	if ctx.IsTLS13() {
		ks, err := keyScheduleFor("prepare certificate verify", ctx.SelectedCipherSuite)
		if err != nil {
			return err
		}
		data = tls13SignatureContext(ctx.ConnectionEnd, ks.TranscriptHash(data))
	}
	sig, err := ctx.sign(m.Scheme, data)
	if err != nil {
		return err
	}
	if len(sig) > 0xffff {
		return configurationError("prepare certificate verify", "signature too long")
	}
	m.Signature = sig
	m.SignatureLength = uint16(len(sig))
	return nil
}

func (m *CertificateVerifyMessage) String() string {
	return describe("CertificateVerifyMessage").
		field("SignatureScheme", fmt.Sprintf("0x%04x", uint16(m.Scheme))).
		field("Signature", m.Signature).
		String()
}

// FinishedMessage carries verify_data over the transcript.
type FinishedMessage struct {
	HandshakeHeader
	trailingBytes

	VerifyData []byte
}

func (m *FinishedMessage) Kind() MessageKind { return KindFinished }

func (m *FinishedMessage) parseBody(p *parser, ctx *Context) {
	m.VerifyData = p.rest()
}

func (m *FinishedMessage) serializeBody(b *cryptobyte.Builder) {
	b.AddBytes(m.VerifyData)
	b.AddBytes(m.Trailing)
}

// finishedVerifyData computes the verify_data sender puts over transcript.
func finishedVerifyData(ctx *Context, sender ConnectionEnd, transcript []byte) ([]byte, error) {
	if ctx.IsTLS13() {
		ks, err := keyScheduleFor("compute finished", ctx.SelectedCipherSuite)
		if err != nil {
			return nil, err
		}
		secret := ctx.ServerHandshakeTrafficSecret
		if sender == Client {
			secret = ctx.ClientHandshakeTrafficSecret
		}
		if len(secret) == 0 {
			return nil, cryptoErrorf("compute finished", "handshake traffic secret not derived")
		}
		return ks.FinishedVerifyData(secret, ks.TranscriptHash(transcript))
	}
	info, err := suiteInfo("compute finished", ctx.SelectedCipherSuite)
	if err != nil {
		return nil, err
	}
	schedule := NewLegacyKeySchedule(ctx.SelectedVersion, info.Hash, ctx.MasterSecret, ctx.ClientRandom, ctx.ServerRandom)
	return schedule.DeriveFinishedData(transcript, sender == Client)
}

func (m *FinishedMessage) prepare(ctx *Context) error {
	data, err := finishedVerifyData(ctx, ctx.ConnectionEnd, ctx.Transcript())
	if err != nil {
		return err
	}
	m.VerifyData = data
	return nil
}

// handle verifies a received Finished and, in TLS 1.3, moves to the
// application keys: after the server Finished both sides derive them and the
// server starts writing with them; after the client Finished the client
// writes and the server reads with them.
func (m *FinishedMessage) handle(ctx *Context) error {
	if !ctx.IsSender() {
		want, err := finishedVerifyData(ctx, ctx.TalkingEnd, ctx.transcriptBeforeCurrent())
		if err != nil {
			return err
		}
		if !bytes.Equal(want, m.VerifyData) {
			return protocolViolation("verify finished", fmt.Sprintf("%s Finished verify_data mismatch", ctx.TalkingEnd))
		}
	}
	if !ctx.IsTLS13() {
		return nil
	}
	if ctx.TalkingEnd == Server {
		if err := ctx.deriveApplicationSecrets(); err != nil {
			return err
		}
		if ctx.ConnectionEnd == Server {
			return ctx.activateTLS13(KeySetApplication, DirectionWrite)
		}
		return ctx.activateTLS13(KeySetApplication, DirectionRead)
	}
	if ctx.ConnectionEnd == Server {
		return ctx.activateTLS13(KeySetApplication, DirectionRead)
	}
	return ctx.activateTLS13(KeySetApplication, DirectionWrite)
}

func (m *FinishedMessage) String() string {
	return describe("FinishedMessage").
		field("VerifyData", m.VerifyData).
		String()
}
