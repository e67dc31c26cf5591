package minitls

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/cryptobyte"
)

// MessageKind tags the ProtocolMessage variants.
type MessageKind int

const (
	KindUnknown MessageKind = iota
	KindClientHello
	KindServerHello
	KindHelloRetryRequest
	KindHelloVerifyRequest
	KindEncryptedExtensions
	KindCertificate
	KindCertificateRequest
	KindCertificateVerify
	KindECDHEServerKeyExchange
	KindDHEServerKeyExchange
	KindRSAClientKeyExchange
	KindECDHClientKeyExchange
	KindDHClientKeyExchange
	KindServerHelloDone
	KindFinished
	KindNewSessionTicket
	KindUnknownHandshake
	KindChangeCipherSpec
	KindAlert
	KindApplicationData
	KindHeartbeat
)

type kindInfo struct {
	name        string
	contentType ContentType
	// handshakeType is set for handshake kinds.
	handshakeType HandshakeType
	new           func() ProtocolMessage
}

// messageKinds is the variant table: adding a message type is one entry here
// plus its codec methods.
var messageKinds = map[MessageKind]kindInfo{
	KindClientHello:            {"CLIENT_HELLO", ContentTypeHandshake, TypeClientHello, func() ProtocolMessage { return &ClientHelloMessage{} }},
	KindServerHello:            {"SERVER_HELLO", ContentTypeHandshake, TypeServerHello, func() ProtocolMessage { return &ServerHelloMessage{} }},
	KindHelloRetryRequest:      {"HELLO_RETRY_REQUEST", ContentTypeHandshake, TypeHelloRetryRequest, func() ProtocolMessage { return &HelloRetryRequestMessage{} }},
	KindHelloVerifyRequest:     {"HELLO_VERIFY_REQUEST", ContentTypeHandshake, TypeHelloVerifyRequest, func() ProtocolMessage { return &HelloVerifyRequestMessage{} }},
	KindEncryptedExtensions:    {"ENCRYPTED_EXTENSIONS", ContentTypeHandshake, TypeEncryptedExtensions, func() ProtocolMessage { return &EncryptedExtensionsMessage{} }},
	KindCertificate:            {"CERTIFICATE", ContentTypeHandshake, TypeCertificate, func() ProtocolMessage { return &CertificateMessage{} }},
	KindCertificateRequest:     {"CERTIFICATE_REQUEST", ContentTypeHandshake, TypeCertificateRequest, func() ProtocolMessage { return &CertificateRequestMessage{} }},
	KindCertificateVerify:      {"CERTIFICATE_VERIFY", ContentTypeHandshake, TypeCertificateVerify, func() ProtocolMessage { return &CertificateVerifyMessage{} }},
	KindECDHEServerKeyExchange: {"ECDHE_SERVER_KEY_EXCHANGE", ContentTypeHandshake, TypeServerKeyExchange, func() ProtocolMessage { return &ECDHEServerKeyExchangeMessage{} }},
	KindDHEServerKeyExchange:   {"DHE_SERVER_KEY_EXCHANGE", ContentTypeHandshake, TypeServerKeyExchange, func() ProtocolMessage { return &DHEServerKeyExchangeMessage{} }},
	KindRSAClientKeyExchange:   {"RSA_CLIENT_KEY_EXCHANGE", ContentTypeHandshake, TypeClientKeyExchange, func() ProtocolMessage { return &RSAClientKeyExchangeMessage{} }},
	KindECDHClientKeyExchange:  {"ECDH_CLIENT_KEY_EXCHANGE", ContentTypeHandshake, TypeClientKeyExchange, func() ProtocolMessage { return &ECDHClientKeyExchangeMessage{} }},
	KindDHClientKeyExchange:    {"DH_CLIENT_KEY_EXCHANGE", ContentTypeHandshake, TypeClientKeyExchange, func() ProtocolMessage { return &DHClientKeyExchangeMessage{} }},
	KindServerHelloDone:        {"SERVER_HELLO_DONE", ContentTypeHandshake, TypeServerHelloDone, func() ProtocolMessage { return &ServerHelloDoneMessage{} }},
	KindFinished:               {"FINISHED", ContentTypeHandshake, TypeFinished, func() ProtocolMessage { return &FinishedMessage{} }},
	KindNewSessionTicket:       {"NEW_SESSION_TICKET", ContentTypeHandshake, TypeNewSessionTicket, func() ProtocolMessage { return &NewSessionTicketMessage{} }},
	KindUnknownHandshake:       {"UNKNOWN_HANDSHAKE", ContentTypeHandshake, 0xff, func() ProtocolMessage { return &UnknownHandshakeMessage{} }},
	KindChangeCipherSpec:       {"CHANGE_CIPHER_SPEC", ContentTypeChangeCipherSpec, 0, func() ProtocolMessage { return &ChangeCipherSpecMessage{} }},
	KindAlert:                  {"ALERT", ContentTypeAlert, 0, func() ProtocolMessage { return &AlertMessage{} }},
	KindApplicationData:        {"APPLICATION_DATA", ContentTypeApplicationData, 0, func() ProtocolMessage { return &ApplicationDataMessage{} }},
	KindHeartbeat:              {"HEARTBEAT", ContentTypeHeartbeat, 0, func() ProtocolMessage { return &HeartbeatMessage{} }},
}

func (k MessageKind) String() string {
	if info, ok := messageKinds[k]; ok {
		return info.name
	}
	return fmt.Sprintf("MessageKind(%d)", int(k))
}

// ContentType returns the record content type the kind travels in.
func (k MessageKind) ContentType() ContentType {
	return messageKinds[k].contentType
}

// IsHandshake reports whether the kind is framed as a handshake message.
func (k MessageKind) IsHandshake() bool {
	return k.ContentType() == ContentTypeHandshake
}

// ParseMessageKind accepts the names produced by String.
func ParseMessageKind(s string) (MessageKind, error) {
	for k, info := range messageKinds {
		if info.name == s {
			return k, nil
		}
	}
	return KindUnknown, configurationError("parse message kind", fmt.Sprintf("unknown message kind %q", s))
}

// NewMessage returns an empty message of kind k, ready to be prepared.
func NewMessage(k MessageKind) (ProtocolMessage, error) {
	info, ok := messageKinds[k]
	if !ok {
		return nil, configurationError("new message", fmt.Sprintf("unknown message kind %d", int(k)))
	}
	return info.new(), nil
}

// ProtocolMessage is one message a trace slot sends or expects.
type ProtocolMessage interface {
	Kind() MessageKind
	String() string
}

// The capability set every message implements. Preparators and handlers are
// optional: a message without one is sent as configured and changes no state.
type (
	bodyCodec interface {
		parseBody(p *parser, ctx *Context)
		serializeBody(b *cryptobyte.Builder)
	}
	preparer interface {
		prepare(ctx *Context) error
	}
	handler interface {
		handle(ctx *Context) error
	}
	handshakeMessage interface {
		ProtocolMessage
		bodyCodec
		header() *HandshakeHeader
	}
)

// HandshakeHeader is the handshake framing: type u8, length u24, and for DTLS
// message_seq u16, fragment_offset u24, fragment_length u24. Length is the
// declared body length and is written back unchanged by serialization.
type HandshakeHeader struct {
	Type           HandshakeType
	Length         uint32
	MessageSeq     uint16
	FragmentOffset uint32
	FragmentLength uint32
	// Partial is set when the body or one of its fields was truncated.
	Partial    bool
	Truncation *Truncation
}

func (h *HandshakeHeader) header() *HandshakeHeader { return h }

func (h *HandshakeHeader) truncationRef() **Truncation { return &h.Truncation }

// handshakeKindFor picks the variant for a received handshake type byte. Key
// exchange messages depend on the negotiated suite; ECDHE/ECDH is assumed when
// no suite has been selected.
func handshakeKindFor(ctx *Context, t HandshakeType) MessageKind {
	switch t {
	case TypeServerKeyExchange:
		if info := ctx.CipherSuiteInfo(); info != nil && info.KeyExchange == KeyExchangeDHERSA {
			return KindDHEServerKeyExchange
		}
		return KindECDHEServerKeyExchange
	case TypeClientKeyExchange:
		if info := ctx.CipherSuiteInfo(); info != nil {
			switch info.KeyExchange {
			case KeyExchangeRSA:
				return KindRSAClientKeyExchange
			case KeyExchangeDHERSA:
				return KindDHClientKeyExchange
			}
		}
		return KindECDHClientKeyExchange
	}
	for k, info := range messageKinds {
		if info.contentType == ContentTypeHandshake && info.handshakeType == t && k != KindUnknownHandshake {
			return k
		}
	}
	return KindUnknownHandshake
}

func (c *Context) handshakeHeaderLen() int {
	if c.IsDTLS() {
		return dtlsHandshakeHeaderLen
	}
	return handshakeHeaderLen
}

// ParseHandshakeMessage decodes one handshake message, header included, from
// the front of data and returns it with the number of bytes consumed. Only an
// empty input is a hard error; truncated input yields a partial message.
func ParseHandshakeMessage(ctx *Context, data []byte) (ProtocolMessage, int, error) {
	return parseHandshakeMessage(ctx, data, KindUnknown)
}

// parseHandshakeMessage decodes data as kind, or as the kind the type byte
// names when kind is KindUnknown.
func parseHandshakeMessage(ctx *Context, data []byte, kind MessageKind) (ProtocolMessage, int, error) {
	const op = "parse handshake message"
	if len(data) == 0 {
		return nil, 0, parseError(op, "no handshake type byte")
	}
	p := newParser(data, op, ctx.Config.StrictParsing)
	var h HandshakeHeader
	t, _ := p.uint8("handshake type")
	h.Type = HandshakeType(t)
	h.Length, _ = p.uint24("handshake length")
	bodyLen := h.Length
	if ctx.IsDTLS() {
		h.MessageSeq, _ = p.uint16("message_seq")
		h.FragmentOffset, _ = p.uint24("fragment_offset")
		h.FragmentLength, _ = p.uint24("fragment_length")
		bodyLen = h.FragmentLength
	}
	if p.err != nil {
		return nil, 0, p.err
	}

	if kind == KindUnknown {
		kind = handshakeKindFor(ctx, h.Type)
	}
	msg := messageKinds[kind].new().(handshakeMessage)
	body := p.sub(int(bodyLen))
	msg.parseBody(body, ctx)
	if !body.empty() {
		if body.strict {
			body.fail("%d trailing bytes in %s", body.remaining(), kind)
		} else {
			// Kept so serialization reproduces the input.
			appendTrailing(msg, body.rest())
		}
	}
	p.join(body)
	if p.err != nil {
		return nil, 0, p.err
	}
	h.Partial = p.partial
	h.Truncation = p.truncation()
	*msg.header() = h
	consumed := len(data) - p.remaining()
	ctx.log().Debug("parsed handshake message",
		zap.Stringer("kind", kind),
		zap.Uint32("length", h.Length),
		zap.Bool("partial", h.Partial))
	return msg, consumed, nil
}

// DecodeMessage parses raw as a message of kind k. Handshake kinds include
// their header. Unlike ParseHandshakeMessage the kind is taken from the
// caller, so stored messages decode the same way whatever the Context has
// negotiated. Bytes past the message are kept as trailing bytes.
func DecodeMessage(ctx *Context, k MessageKind, raw []byte) (ProtocolMessage, error) {
	const op = "decode message"
	info, ok := messageKinds[k]
	if !ok {
		return nil, configurationError(op, fmt.Sprintf("unknown message kind %d", int(k)))
	}
	if k.IsHandshake() {
		msg, n, err := parseHandshakeMessage(ctx, raw, k)
		if err != nil {
			return nil, err
		}
		if n < len(raw) {
			appendTrailing(msg, raw[n:])
		}
		return msg, nil
	}
	p := newParser(raw, op, ctx.Config.StrictParsing)
	msg := info.new()
	msg.(bodyCodec).parseBody(p, ctx)
	if p.err != nil {
		return nil, p.err
	}
	setTruncation(msg, p.truncation())
	if !p.empty() {
		appendTrailing(msg, p.rest())
	}
	return msg, nil
}

// MessageKinds returns every message kind in declaration order.
func MessageKinds() []MessageKind {
	kinds := make([]MessageKind, 0, len(messageKinds))
	for k := KindClientHello; k <= KindHeartbeat; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// IsPartial reports whether msg was decoded from a truncated handshake message.
func IsPartial(msg ProtocolMessage) bool {
	if hm, ok := msg.(handshakeMessage); ok {
		return hm.header().Partial
	}
	return false
}

// trailer is implemented by messages that can hold bytes past their last field.
type trailer interface {
	setTrailing([]byte)
}

func appendTrailing(msg ProtocolMessage, b []byte) {
	if t, ok := msg.(trailer); ok {
		t.setTrailing(b)
	}
}

// ParseContent decodes one non-handshake record payload into its messages.
func ParseContent(ctx *Context, typ ContentType, data []byte) ([]ProtocolMessage, error) {
	const op = "parse record content"
	var kind MessageKind
	switch typ {
	case ContentTypeChangeCipherSpec:
		kind = KindChangeCipherSpec
	case ContentTypeAlert:
		kind = KindAlert
	case ContentTypeApplicationData:
		kind = KindApplicationData
	case ContentTypeHeartbeat:
		kind = KindHeartbeat
	default:
		return nil, parseError(op, fmt.Sprintf("no message type for content type %s", typ))
	}

	p := newParser(data, op, ctx.Config.StrictParsing)
	var msgs []ProtocolMessage
	for {
		msg := messageKinds[kind].new()
		p.markMessage()
		msg.(bodyCodec).parseBody(p, ctx)
		if p.err != nil {
			return nil, p.err
		}
		msgs = append(msgs, msg)
		// Only alerts can be packed several to a record.
		if kind != KindAlert || p.empty() {
			break
		}
	}
	setTruncation(msgs[len(msgs)-1], p.truncation())
	if !p.empty() {
		appendTrailing(msgs[len(msgs)-1], p.rest())
	}
	return msgs, nil
}

// Serialize writes msg in wire order. Handshake messages get their header
// with the stored length fields.
func Serialize(ctx *Context, msg ProtocolMessage) ([]byte, error) {
	codec, ok := msg.(bodyCodec)
	if !ok {
		return nil, configurationError("serialize", fmt.Sprintf("%T has no serializer", msg))
	}
	b := cryptobyte.NewBuilder(nil)
	if hm, ok := msg.(handshakeMessage); ok {
		h := hm.header()
		b.AddUint8(uint8(h.Type))
		b.AddUint24(h.Length)
		if ctx.IsDTLS() {
			b.AddUint16(h.MessageSeq)
			b.AddUint24(h.FragmentOffset)
			b.AddUint24(h.FragmentLength)
		}
	}
	codec.serializeBody(b)
	out, err := b.Bytes()
	if err != nil {
		return nil, configurationError("serialize", err.Error())
	}
	return applyTruncation(out, TruncationOf(msg)), nil
}

func serializeBody(msg bodyCodec) []byte {
	b := cryptobyte.NewBuilder(nil)
	msg.serializeBody(b)
	return b.BytesOrPanic()
}

// Prepare fills msg's computed fields from ctx and sets the handshake header
// to describe the prepared body.
func Prepare(ctx *Context, msg ProtocolMessage) error {
	setTruncation(msg, nil)
	if p, ok := msg.(preparer); ok {
		if err := p.prepare(ctx); err != nil {
			return err
		}
	}
	hm, ok := msg.(handshakeMessage)
	if !ok {
		return nil
	}
	h := hm.header()
	if msg.Kind() != KindUnknownHandshake {
		h.Type = messageKinds[msg.Kind()].handshakeType
	}
	h.Length = uint32(len(serializeBody(hm)))
	h.Partial = false
	if ctx.IsDTLS() {
		h.MessageSeq = ctx.nextDTLSMessageSeq()
		h.FragmentOffset = 0
		h.FragmentLength = h.Length
	}
	return nil
}

// Handle applies msg to ctx after it was sent or received. raw is the
// serialized message; handshake messages are added to the transcript before
// their handler runs.
func Handle(ctx *Context, msg ProtocolMessage, raw []byte) error {
	if msg.Kind().IsHandshake() {
		ctx.AppendTranscript(raw)
	}
	h, ok := msg.(handler)
	if !ok {
		return nil
	}
	return h.handle(ctx)
}

// trailingBytes keeps bytes found after a message's last field.
type trailingBytes struct {
	Trailing []byte
}

func (t *trailingBytes) setTrailing(b []byte) {
	t.Trailing = append(t.Trailing, b...)
}

// describer renders the multi-line String form shared by all messages.
type describer struct {
	b strings.Builder
}

func describe(name string) *describer {
	d := &describer{}
	d.b.WriteString(name)
	d.b.WriteString(":")
	return d
}

func (d *describer) field(name string, v any) *describer {
	switch x := v.(type) {
	case []byte:
		fmt.Fprintf(&d.b, "\n  %s: % X", name, x)
	case fmt.Stringer:
		fmt.Fprintf(&d.b, "\n  %s: %s", name, x.String())
	default:
		fmt.Fprintf(&d.b, "\n  %s: %v", name, x)
	}
	return d
}

func (d *describer) String() string {
	return d.b.String()
}
