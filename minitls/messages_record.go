package minitls

import (
	"go.uber.org/zap"
	"golang.org/x/crypto/cryptobyte"
)

// ChangeCipherSpecMessage switches one direction to the pending key set. In
// TLS 1.3 it is the middlebox compatibility record and changes nothing.
type ChangeCipherSpecMessage struct {
	Payload []byte
}

func (m *ChangeCipherSpecMessage) Kind() MessageKind { return KindChangeCipherSpec }

func (m *ChangeCipherSpecMessage) parseBody(p *parser, ctx *Context) {
	m.Payload = p.rest()
}

func (m *ChangeCipherSpecMessage) serializeBody(b *cryptobyte.Builder) {
	b.AddBytes(m.Payload)
}

func (m *ChangeCipherSpecMessage) prepare(ctx *Context) error {
	m.Payload = []byte{1}
	return nil
}

func (m *ChangeCipherSpecMessage) handle(ctx *Context) error {
	if ctx.IsTLS13() {
		return nil
	}
	if ctx.IsSender() {
		return ctx.activatePending(DirectionWrite)
	}
	return ctx.activatePending(DirectionRead)
}

func (m *ChangeCipherSpecMessage) String() string {
	return describe("ChangeCipherSpecMessage").field("Payload", m.Payload).String()
}

// truncated carries the Truncation of a record-content message with
// fixed-width fields.
type truncated struct {
	Truncation *Truncation
}

func (t *truncated) truncationRef() **Truncation { return &t.Truncation }

// AlertMessage is one two-byte alert.
type AlertMessage struct {
	trailingBytes
	truncated

	Level       AlertLevel
	Description AlertDescription
}

func (m *AlertMessage) Kind() MessageKind { return KindAlert }

func (m *AlertMessage) parseBody(p *parser, ctx *Context) {
	l, _ := p.uint8("alert level")
	d, _ := p.uint8("alert description")
	m.Level, m.Description = AlertLevel(l), AlertDescription(d)
}

func (m *AlertMessage) serializeBody(b *cryptobyte.Builder) {
	b.AddUint8(uint8(m.Level))
	b.AddUint8(uint8(m.Description))
	b.AddBytes(m.Trailing)
}

// prepare fills an alert left without a level from Config.DefaultAlert.
func (m *AlertMessage) prepare(ctx *Context) error {
	if m.Level == 0 {
		m.Level = ctx.Config.DefaultAlert.Level
		m.Description = ctx.Config.DefaultAlert.Description
	}
	return nil
}

func (m *AlertMessage) handle(ctx *Context) error {
	ctx.LastAlert = &AlertRecord{Level: m.Level, Description: m.Description, Sender: ctx.TalkingEnd}
	if !ctx.IsSender() {
		ctx.log().Info("received alert",
			zap.Stringer("level", m.Level),
			zap.Stringer("description", m.Description))
	}
	return nil
}

func (m *AlertMessage) String() string {
	return describe("AlertMessage").
		field("Level", m.Level).
		field("Description", m.Description).
		String()
}

// ApplicationDataMessage is opaque application data.
type ApplicationDataMessage struct {
	Data []byte
}

func (m *ApplicationDataMessage) Kind() MessageKind { return KindApplicationData }

func (m *ApplicationDataMessage) parseBody(p *parser, ctx *Context) {
	m.Data = p.rest()
}

func (m *ApplicationDataMessage) serializeBody(b *cryptobyte.Builder) {
	b.AddBytes(m.Data)
}

func (m *ApplicationDataMessage) prepare(ctx *Context) error {
	if m.Data == nil {
		m.Data = append([]byte{}, ctx.Config.ApplicationData...)
	}
	return nil
}

func (m *ApplicationDataMessage) handle(ctx *Context) error {
	ctx.log().Debug("application data", zap.Int("length", len(m.Data)), zap.Bool("sent", ctx.IsSender()))
	return nil
}

func (m *ApplicationDataMessage) String() string {
	return describe("ApplicationDataMessage").field("Data", m.Data).String()
}

// minHeartbeatPadding is the RFC 6520 minimum padding length.
const minHeartbeatPadding = 16

// HeartbeatMessage is an RFC 6520 request or response. PayloadLength is the
// declared length; a payload shorter than declared is kept as received.
type HeartbeatMessage struct {
	truncated

	Type          uint8
	PayloadLength uint16
	Payload       []byte
	Padding       []byte
}

func (m *HeartbeatMessage) Kind() MessageKind { return KindHeartbeat }

func (m *HeartbeatMessage) parseBody(p *parser, ctx *Context) {
	m.Type, _ = p.uint8("heartbeat type")
	m.PayloadLength, _ = p.uint16("payload_length")
	m.Payload, _ = p.bytes("payload", int(m.PayloadLength))
	m.Padding = p.rest()
}

func (m *HeartbeatMessage) serializeBody(b *cryptobyte.Builder) {
	b.AddUint8(m.Type)
	b.AddUint16(m.PayloadLength)
	b.AddBytes(m.Payload)
	b.AddBytes(m.Padding)
}

// prepare sends the configured payload in a request, or echoes the last
// request's payload in a response.
func (m *HeartbeatMessage) prepare(ctx *Context) error {
	if m.Type == 0 {
		m.Type = HeartbeatRequest
	}
	if m.Type == HeartbeatResponse {
		m.Payload = append([]byte{}, ctx.LastHeartbeatPayload...)
	} else {
		m.Payload = append([]byte{}, ctx.Config.HeartbeatPayload...)
	}
	m.PayloadLength = uint16(len(m.Payload))
	padding, err := freshBytes(ctx, nil, minHeartbeatPadding)
	if err != nil {
		return err
	}
	m.Padding = padding
	return nil
}

func (m *HeartbeatMessage) handle(ctx *Context) error {
	if m.Type == HeartbeatRequest {
		ctx.LastHeartbeatPayload = append([]byte{}, m.Payload...)
	}
	return nil
}

func (m *HeartbeatMessage) String() string {
	return describe("HeartbeatMessage").
		field("Type", m.Type).
		field("PayloadLength", m.PayloadLength).
		field("Payload", m.Payload).
		String()
}
