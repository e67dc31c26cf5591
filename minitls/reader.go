package minitls

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ReceivedMessage is a decoded message together with the bytes it was decoded
// from (handshake header included) and the record type that carried it.
type ReceivedMessage struct {
	Message     ProtocolMessage
	Raw         []byte
	ContentType ContentType
}

// MessageReader turns the byte stream from a transport into messages, one at a
// time. Records are unprotected lazily: a record is only opened when no
// complete message is buffered, so a handler that switches keys after a
// message takes effect for the next record.
type MessageReader struct {
	ctx       *Context
	records   []byte
	handshake []byte
	pending   []*ReceivedMessage
}

func NewMessageReader(ctx *Context) *MessageReader {
	return &MessageReader{ctx: ctx}
}

// Feed appends received bytes.
func (r *MessageReader) Feed(data []byte) {
	r.records = append(r.records, data...)
}

// Buffered reports whether any received bytes or decoded messages are waiting.
func (r *MessageReader) Buffered() bool {
	return len(r.pending) > 0 || len(r.handshake) > 0 || len(r.records) > 0
}

// Unread puts m back so the next call to Next returns it again. The executor
// uses it for a message that belongs to a later action.
func (r *MessageReader) Unread(m *ReceivedMessage) {
	r.pending = append([]*ReceivedMessage{m}, r.pending...)
}

// Next returns the next complete message. It returns nil without error when
// more bytes are needed.
func (r *MessageReader) Next() (*ReceivedMessage, error) {
	for {
		if len(r.pending) > 0 {
			m := r.pending[0]
			r.pending = r.pending[1:]
			return m, nil
		}
		if n := r.completeHandshakeLen(); n > 0 {
			return r.parseHandshake(n)
		}
		ok, err := r.openRecord()
		if err != nil || !ok {
			return nil, err
		}
	}
}

// Flush is called when no more bytes will arrive. It returns pending
// messages, then decodes a truncated handshake message leniently. Incomplete
// record bytes are dropped with a ParseError.
func (r *MessageReader) Flush() (*ReceivedMessage, error) {
	if m, err := r.Next(); m != nil || err != nil {
		return m, err
	}
	if len(r.handshake) > 0 {
		return r.parseHandshake(len(r.handshake))
	}
	if len(r.records) > 0 {
		n := len(r.records)
		r.records = nil
		return nil, parseError("read record", fmt.Sprintf("%d bytes of incomplete record discarded", n))
	}
	return nil, nil
}

// completeHandshakeLen is the size of the first buffered handshake message if
// all of it is buffered, else 0.
func (r *MessageReader) completeHandshakeLen() int {
	hdr := r.ctx.handshakeHeaderLen()
	if len(r.handshake) < hdr {
		return 0
	}
	b := r.handshake
	body := int(b[1])<<16 | int(b[2])<<8 | int(b[3])
	if r.ctx.IsDTLS() {
		body = int(b[9])<<16 | int(b[10])<<8 | int(b[11])
	}
	if len(b) < hdr+body {
		return 0
	}
	return hdr + body
}

func (r *MessageReader) parseHandshake(n int) (*ReceivedMessage, error) {
	data := r.handshake[:n]
	msg, consumed, err := ParseHandshakeMessage(r.ctx, data)
	if consumed == 0 {
		consumed = n
	}
	raw := append([]byte(nil), r.handshake[:consumed]...)
	r.handshake = r.handshake[consumed:]
	if err != nil {
		return nil, err
	}
	return &ReceivedMessage{Message: msg, Raw: raw, ContentType: ContentTypeHandshake}, nil
}

// openRecord unprotects one record. ok is false when the buffer holds no
// complete record.
func (r *MessageReader) openRecord() (bool, error) {
	rec, n, err := ParseRecord(r.records, r.ctx.IsDTLS())
	if errors.Is(err, ErrIncompleteRecord) {
		return false, nil
	}
	if err != nil {
		// The stream cannot be resynchronized after a bad header.
		r.records = nil
		return false, err
	}
	r.records = r.records[n:]

	typ, plaintext, err := r.ctx.ReadRecord(rec)
	if err != nil {
		return false, err
	}
	r.ctx.log().Debug("received record",
		zap.Stringer("type", typ),
		zap.Int("length", len(plaintext)))

	if typ == ContentTypeHandshake {
		r.handshake = append(r.handshake, plaintext...)
		return true, nil
	}
	msgs, err := ParseContent(r.ctx, typ, plaintext)
	if err != nil {
		return false, err
	}
	for _, m := range msgs {
		raw, err := Serialize(r.ctx, m)
		if err != nil {
			return false, err
		}
		r.pending = append(r.pending, &ReceivedMessage{Message: m, Raw: raw, ContentType: typ})
	}
	return true, nil
}
