package minitls

import (
	"crypto/rsa"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
)

// curveTypeNamedCurve is the only ECParameters form in use (RFC 8422).
const curveTypeNamedCurve = 3

// signedParams is client_random || server_random || params, the input of
// ServerKeyExchange signatures.
func signedParams(ctx *Context, params []byte) []byte {
	out := make([]byte, 0, 2*randomLength+len(params))
	out = append(out, ctx.ClientRandom...)
	out = append(out, ctx.ServerRandom...)
	return append(out, params...)
}

// ECDHEServerKeyExchangeMessage carries the server's ephemeral curve point.
type ECDHEServerKeyExchangeMessage struct {
	HandshakeHeader
	trailingBytes

	CurveType       uint8
	Group           NamedGroup
	PublicKeyLength uint8
	PublicKey       []byte
	HasScheme       bool
	Scheme          SignatureScheme
	SignatureLength uint16
	Signature       []byte
}

func (m *ECDHEServerKeyExchangeMessage) Kind() MessageKind { return KindECDHEServerKeyExchange }

func (m *ECDHEServerKeyExchangeMessage) parseBody(p *parser, ctx *Context) {
	m.CurveType, _ = p.uint8("curve_type")
	g, _ := p.uint16("named_curve")
	m.Group = NamedGroup(g)
	m.PublicKeyLength, m.PublicKey = p.vector8("public")
	m.HasScheme = hasSignatureAlgorithms(ctx.Version())
	if m.HasScheme && !p.empty() {
		s, _ := p.uint16("signature scheme")
		m.Scheme = SignatureScheme(s)
	}
	m.SignatureLength, m.Signature = p.vector16("signature")
}

func (m *ECDHEServerKeyExchangeMessage) params() []byte {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint8(m.CurveType)
	b.AddUint16(uint16(m.Group))
	b.AddUint8(m.PublicKeyLength)
	b.AddBytes(m.PublicKey)
	return b.BytesOrPanic()
}

func (m *ECDHEServerKeyExchangeMessage) serializeBody(b *cryptobyte.Builder) {
	b.AddBytes(m.params())
	if m.HasScheme {
		b.AddUint16(uint16(m.Scheme))
	}
	b.AddUint16(m.SignatureLength)
	b.AddBytes(m.Signature)
	b.AddBytes(m.Trailing)
}

func (m *ECDHEServerKeyExchangeMessage) prepare(ctx *Context) error {
	m.CurveType = curveTypeNamedCurve
	m.Group = ctx.preferredGroup()
	key, err := ctx.ecdhKey(m.Group)
	if err != nil {
		return err
	}
	m.PublicKey = key.PublicKey().Bytes()
	m.PublicKeyLength = uint8(len(m.PublicKey))
	m.Scheme = ctx.signatureScheme()
	m.HasScheme = m.Scheme != 0
	sig, err := ctx.sign(m.Scheme, signedParams(ctx, m.params()))
	if err != nil {
		return err
	}
	m.Signature = sig
	m.SignatureLength = uint16(len(sig))
	return nil
}

func (m *ECDHEServerKeyExchangeMessage) handle(ctx *Context) error {
	ctx.SelectedGroup = m.Group
	if !ctx.IsSender() {
		ctx.PeerECPublicKey = append([]byte(nil), m.PublicKey...)
	}
	return nil
}

func (m *ECDHEServerKeyExchangeMessage) String() string {
	return describe("ECDHEServerKeyExchangeMessage").
		field("NamedGroup", fmt.Sprintf("0x%04x", uint16(m.Group))).
		field("PublicKey", m.PublicKey).
		field("Signature", m.Signature).
		String()
}

// DHEServerKeyExchangeMessage carries the finite-field group and the server's
// public value.
type DHEServerKeyExchangeMessage struct {
	HandshakeHeader
	trailingBytes

	ModulusLength   uint16
	Modulus         []byte
	GeneratorLength uint16
	Generator       []byte
	PublicKeyLength uint16
	PublicKey       []byte
	HasScheme       bool
	Scheme          SignatureScheme
	SignatureLength uint16
	Signature       []byte
}

func (m *DHEServerKeyExchangeMessage) Kind() MessageKind { return KindDHEServerKeyExchange }

func (m *DHEServerKeyExchangeMessage) parseBody(p *parser, ctx *Context) {
	m.ModulusLength, m.Modulus = p.vector16("dh_p")
	m.GeneratorLength, m.Generator = p.vector16("dh_g")
	m.PublicKeyLength, m.PublicKey = p.vector16("dh_Ys")
	m.HasScheme = hasSignatureAlgorithms(ctx.Version())
	if m.HasScheme && !p.empty() {
		s, _ := p.uint16("signature scheme")
		m.Scheme = SignatureScheme(s)
	}
	m.SignatureLength, m.Signature = p.vector16("signature")
}

func (m *DHEServerKeyExchangeMessage) params() []byte {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint16(m.ModulusLength)
	b.AddBytes(m.Modulus)
	b.AddUint16(m.GeneratorLength)
	b.AddBytes(m.Generator)
	b.AddUint16(m.PublicKeyLength)
	b.AddBytes(m.PublicKey)
	return b.BytesOrPanic()
}

func (m *DHEServerKeyExchangeMessage) serializeBody(b *cryptobyte.Builder) {
	b.AddBytes(m.params())
	if m.HasScheme {
		b.AddUint16(uint16(m.Scheme))
	}
	b.AddUint16(m.SignatureLength)
	b.AddBytes(m.Signature)
	b.AddBytes(m.Trailing)
}

func (m *DHEServerKeyExchangeMessage) prepare(ctx *Context) error {
	grp := ctx.dhGroup()
	pub, err := ctx.dhPublicKey()
	if err != nil {
		return err
	}
	m.Modulus = grp.P.Bytes()
	m.ModulusLength = uint16(len(m.Modulus))
	m.Generator = grp.G.Bytes()
	m.GeneratorLength = uint16(len(m.Generator))
	m.PublicKey = pub.Bytes()
	m.PublicKeyLength = uint16(len(m.PublicKey))
	m.Scheme = ctx.signatureScheme()
	m.HasScheme = m.Scheme != 0
	sig, err := ctx.sign(m.Scheme, signedParams(ctx, m.params()))
	if err != nil {
		return err
	}
	m.Signature = sig
	m.SignatureLength = uint16(len(sig))
	return nil
}

func (m *DHEServerKeyExchangeMessage) handle(ctx *Context) error {
	if ctx.IsSender() {
		return nil
	}
	ctx.DHGroup = &DHGroup{
		P: new(big.Int).SetBytes(m.Modulus),
		G: new(big.Int).SetBytes(m.Generator),
	}
	ctx.PeerDHPublicKey = new(big.Int).SetBytes(m.PublicKey)
	return nil
}

func (m *DHEServerKeyExchangeMessage) String() string {
	return describe("DHEServerKeyExchangeMessage").
		field("Modulus", m.Modulus).
		field("Generator", m.Generator).
		field("PublicKey", m.PublicKey).
		field("Signature", m.Signature).
		String()
}

// RSAClientKeyExchangeMessage carries the encrypted pre-master secret. SSL 3.0
// omits the length prefix.
type RSAClientKeyExchangeMessage struct {
	HandshakeHeader
	trailingBytes

	HasLength                bool
	EncryptedLength          uint16
	EncryptedPreMasterSecret []byte
}

func (m *RSAClientKeyExchangeMessage) Kind() MessageKind { return KindRSAClientKeyExchange }

func (m *RSAClientKeyExchangeMessage) parseBody(p *parser, ctx *Context) {
	m.HasLength = !ctx.Version().IsSSL()
	if m.HasLength {
		m.EncryptedLength, m.EncryptedPreMasterSecret = p.vector16("encrypted_pre_master_secret")
		return
	}
	m.EncryptedPreMasterSecret = p.rest()
}

func (m *RSAClientKeyExchangeMessage) serializeBody(b *cryptobyte.Builder) {
	if m.HasLength {
		b.AddUint16(m.EncryptedLength)
	}
	b.AddBytes(m.EncryptedPreMasterSecret)
	b.AddBytes(m.Trailing)
}

func (m *RSAClientKeyExchangeMessage) prepare(ctx *Context) error {
	const op = "prepare rsa client key exchange"
	pub := ctx.rsaPublicKey()
	if pub == nil {
		return configurationError(op, "no server RSA public key")
	}
	pms, err := ctx.rsaPreMasterSecret()
	if err != nil {
		return err
	}
	enc, err := rsa.EncryptPKCS1v15(ctx.rand(), pub, pms)
	if err != nil {
		return cryptoError(op, err)
	}
	ctx.PreMasterSecret = pms
	m.HasLength = !ctx.Version().IsSSL()
	m.EncryptedPreMasterSecret = enc
	m.EncryptedLength = uint16(len(enc))
	return nil
}

// handle decrypts a received pre-master secret. A malformed ciphertext yields
// a random secret (RFC 5246 Section 7.4.7.1), so the failure surfaces at
// Finished.
func (m *RSAClientKeyExchangeMessage) handle(ctx *Context) error {
	const op = "handle rsa client key exchange"
	if !ctx.IsSender() {
		key := ctx.Config.RSAKey
		if key == nil {
			return configurationError(op, "no RSA private key configured")
		}
		pms := make([]byte, masterSecretLength)
		if _, err := io.ReadFull(ctx.rand(), pms); err != nil {
			return cryptoError(op, err)
		}
		if err := rsa.DecryptPKCS1v15SessionKey(nil, key, m.EncryptedPreMasterSecret, pms); err != nil {
			return cryptoError(op, err)
		}
		ctx.PreMasterSecret = pms
	}
	return ctx.computeMasterSecret()
}

func (m *RSAClientKeyExchangeMessage) String() string {
	return describe("RSAClientKeyExchangeMessage").
		field("EncryptedPreMasterSecret", m.EncryptedPreMasterSecret).
		String()
}

// ECDHClientKeyExchangeMessage carries the client's ephemeral curve point.
type ECDHClientKeyExchangeMessage struct {
	HandshakeHeader
	trailingBytes

	PublicKeyLength uint8
	PublicKey       []byte
}

func (m *ECDHClientKeyExchangeMessage) Kind() MessageKind { return KindECDHClientKeyExchange }

func (m *ECDHClientKeyExchangeMessage) parseBody(p *parser, ctx *Context) {
	m.PublicKeyLength, m.PublicKey = p.vector8("ecdh_Yc")
}

func (m *ECDHClientKeyExchangeMessage) serializeBody(b *cryptobyte.Builder) {
	b.AddUint8(m.PublicKeyLength)
	b.AddBytes(m.PublicKey)
	b.AddBytes(m.Trailing)
}

func (m *ECDHClientKeyExchangeMessage) prepare(ctx *Context) error {
	g := ctx.SelectedGroup
	if g == 0 {
		g = ctx.preferredGroup()
	}
	key, err := ctx.ecdhKey(g)
	if err != nil {
		return err
	}
	pms, err := ctx.ecdhSharedSecret(g, ctx.PeerECPublicKey)
	if err != nil {
		return err
	}
	ctx.PreMasterSecret = pms
	m.PublicKey = key.PublicKey().Bytes()
	m.PublicKeyLength = uint8(len(m.PublicKey))
	return nil
}

func (m *ECDHClientKeyExchangeMessage) handle(ctx *Context) error {
	if !ctx.IsSender() {
		pms, err := ctx.ecdhSharedSecret(ctx.SelectedGroup, m.PublicKey)
		if err != nil {
			return err
		}
		ctx.PreMasterSecret = pms
	}
	return ctx.computeMasterSecret()
}

func (m *ECDHClientKeyExchangeMessage) String() string {
	return describe("ECDHClientKeyExchangeMessage").
		field("PublicKey", m.PublicKey).
		String()
}

// DHClientKeyExchangeMessage carries the client's public value Yc.
type DHClientKeyExchangeMessage struct {
	HandshakeHeader
	trailingBytes

	PublicKeyLength uint16
	PublicKey       []byte
}

func (m *DHClientKeyExchangeMessage) Kind() MessageKind { return KindDHClientKeyExchange }

func (m *DHClientKeyExchangeMessage) parseBody(p *parser, ctx *Context) {
	m.PublicKeyLength, m.PublicKey = p.vector16("dh_Yc")
}

func (m *DHClientKeyExchangeMessage) serializeBody(b *cryptobyte.Builder) {
	b.AddUint16(m.PublicKeyLength)
	b.AddBytes(m.PublicKey)
	b.AddBytes(m.Trailing)
}

func (m *DHClientKeyExchangeMessage) prepare(ctx *Context) error {
	pub, err := ctx.dhPublicKey()
	if err != nil {
		return err
	}
	pms, err := ctx.dhSharedSecret(ctx.PeerDHPublicKey)
	if err != nil {
		return err
	}
	ctx.PreMasterSecret = pms
	m.PublicKey = pub.Bytes()
	m.PublicKeyLength = uint16(len(m.PublicKey))
	return nil
}

func (m *DHClientKeyExchangeMessage) handle(ctx *Context) error {
	if !ctx.IsSender() {
		pms, err := ctx.dhSharedSecret(new(big.Int).SetBytes(m.PublicKey))
		if err != nil {
			return err
		}
		ctx.PreMasterSecret = pms
	}
	return ctx.computeMasterSecret()
}

func (m *DHClientKeyExchangeMessage) String() string {
	return describe("DHClientKeyExchangeMessage").
		field("PublicKey", m.PublicKey).
		String()
}

// ServerHelloDoneMessage has an empty body.
type ServerHelloDoneMessage struct {
	HandshakeHeader
	trailingBytes
}

func (m *ServerHelloDoneMessage) Kind() MessageKind { return KindServerHelloDone }

func (m *ServerHelloDoneMessage) parseBody(p *parser, ctx *Context) {}

func (m *ServerHelloDoneMessage) serializeBody(b *cryptobyte.Builder) {
	b.AddBytes(m.Trailing)
}

func (m *ServerHelloDoneMessage) String() string {
	return "ServerHelloDoneMessage:"
}

// NewSessionTicketMessage is a session ticket, in the RFC 5077 layout before
// TLS 1.3 and the RFC 8446 layout (age_add, nonce, extensions) after.
type NewSessionTicketMessage struct {
	HandshakeHeader
	trailingBytes

	TLS13              bool
	TicketLifetimeHint uint32
	TicketAgeAdd       uint32
	NonceLength        uint8
	Nonce              []byte
	TicketLength       uint16
	Ticket             []byte
	Extensions         ExtensionBlock
}

func (m *NewSessionTicketMessage) Kind() MessageKind { return KindNewSessionTicket }

func (m *NewSessionTicketMessage) parseBody(p *parser, ctx *Context) {
	m.TLS13 = ctx.IsTLS13()
	m.TicketLifetimeHint, _ = p.uint32("ticket_lifetime_hint")
	if m.TLS13 {
		m.TicketAgeAdd, _ = p.uint32("ticket_age_add")
		m.NonceLength, m.Nonce = p.vector8("ticket_nonce")
	}
	m.TicketLength, m.Ticket = p.vector16("ticket")
	if m.TLS13 {
		m.Extensions = parseExtensionBlock(p, TypeNewSessionTicket)
	}
}

func (m *NewSessionTicketMessage) serializeBody(b *cryptobyte.Builder) {
	b.AddUint32(m.TicketLifetimeHint)
	if m.TLS13 {
		b.AddUint32(m.TicketAgeAdd)
		b.AddUint8(m.NonceLength)
		b.AddBytes(m.Nonce)
	}
	b.AddUint16(m.TicketLength)
	b.AddBytes(m.Ticket)
	if m.TLS13 {
		serializeExtensionBlock(b, &m.Extensions)
	}
	b.AddBytes(m.Trailing)
}

// prepare issues an opaque random ticket; this toolkit does not resume from
// its own tickets.
func (m *NewSessionTicketMessage) prepare(ctx *Context) error {
	m.TLS13 = ctx.IsTLS13()
	m.TicketLifetimeHint = ctx.Config.TicketLifetimeHint
	ticket, err := freshBytes(ctx, nil, 32)
	if err != nil {
		return err
	}
	m.Ticket = ticket
	m.TicketLength = uint16(len(ticket))
	if m.TLS13 {
		extra, err := freshBytes(ctx, nil, 12)
		if err != nil {
			return err
		}
		m.TicketAgeAdd = uint32(extra[0])<<24 | uint32(extra[1])<<16 | uint32(extra[2])<<8 | uint32(extra[3])
		m.Nonce = extra[4:]
		m.NonceLength = uint8(len(m.Nonce))
		m.Extensions = ExtensionBlock{Present: true}
	}
	return nil
}

func (m *NewSessionTicketMessage) handle(ctx *Context) error {
	if ctx.IsSender() {
		return nil
	}
	ctx.SessionTicket = append([]byte(nil), m.Ticket...)
	ctx.TicketLifetimeHint = m.TicketLifetimeHint
	return nil
}

func (m *NewSessionTicketMessage) String() string {
	return describe("NewSessionTicketMessage").
		field("TicketLifeTimeHint", m.TicketLifetimeHint).
		field("TicketLength", m.TicketLength).
		field("Ticket", m.Ticket).
		String()
}

// UnknownHandshakeMessage keeps a handshake message of a type this package
// does not model. The type byte lives in the header.
type UnknownHandshakeMessage struct {
	HandshakeHeader

	Body []byte
}

func (m *UnknownHandshakeMessage) Kind() MessageKind { return KindUnknownHandshake }

func (m *UnknownHandshakeMessage) parseBody(p *parser, ctx *Context) {
	m.Body = p.rest()
}

func (m *UnknownHandshakeMessage) serializeBody(b *cryptobyte.Builder) {
	b.AddBytes(m.Body)
}

func (m *UnknownHandshakeMessage) String() string {
	return describe("UnknownHandshakeMessage").
		field("Type", m.Type).
		field("Body", m.Body).
		String()
}
