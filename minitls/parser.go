package minitls

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// parser is a byte cursor over one message body. Every read checks the
// remaining budget. In lenient mode a field whose declared length exceeds the
// remaining bytes consumes what is left and marks the parse partial; a field
// with nothing left is absent. In strict mode both are ParseErrors.
type parser struct {
	s       cryptobyte.String
	op      string
	strict  bool
	partial bool
	err     error

	// start is the offset of s within the root input; atEnd is set when s
	// runs to the end of that input.
	start int
	size  int
	atEnd bool
	cut   *cutRecorder
}

// cutRecorder keeps the first point where the input ran out, shared by a root
// parser and its sub parsers. origin is the root offset of the message being
// parsed.
type cutRecorder struct {
	origin int
	t      *Truncation
}

func newParser(data []byte, op string, strict bool) *parser {
	return &parser{
		s:      cryptobyte.String(data),
		op:     op,
		strict: strict,
		size:   len(data),
		atEnd:  true,
		cut:    &cutRecorder{},
	}
}

// sub returns a parser over the next n bytes (fewer when truncated) that
// shares this parser's policy. Partial and error state propagate back through
// join.
func (p *parser) sub(n int) *parser {
	start := p.pos()
	data, _ := p.bytes("nested block", n)
	return &parser{
		s:      cryptobyte.String(data),
		op:     p.op,
		strict: p.strict,
		start:  start,
		size:   len(data),
		atEnd:  p.atEnd && p.empty(),
		cut:    p.cut,
	}
}

// pos is the root offset of the next unread byte.
func (p *parser) pos() int { return p.start + p.size - len(p.s) }

// markMessage starts a new message at the current position and returns the
// truncation recorded for the previous one.
func (p *parser) markMessage() *Truncation {
	t := p.cut.t
	p.cut.t = nil
	p.cut.origin = p.pos()
	return t
}

// truncation returns what was recorded for the current message.
func (p *parser) truncation() *Truncation {
	return p.cut.t
}

func (p *parser) join(child *parser) {
	p.partial = p.partial || child.partial
	if p.err == nil {
		p.err = child.err
	}
}

func (p *parser) empty() bool { return len(p.s) == 0 }

func (p *parser) remaining() int { return len(p.s) }

func (p *parser) fail(format string, args ...any) {
	if p.err == nil {
		p.err = parseError(p.op, fmt.Sprintf(format, args...))
	}
}

// short handles a field of want bytes when fewer remain. It returns what is
// left in lenient mode.
func (p *parser) short(field string, want int) []byte {
	if p.strict {
		p.fail("%s: need %d bytes, have %d", field, want, len(p.s))
		p.s = nil
		return nil
	}
	// Only a cut at the end of the input can be replayed: inside a nested
	// block the bytes that follow still belong to the parent.
	if p.atEnd && p.cut.t == nil {
		p.cut.t = &Truncation{At: p.pos() - p.cut.origin, Remnant: append([]byte{}, p.s...)}
	}
	if len(p.s) == 0 {
		return nil
	}
	p.partial = true
	rest := append([]byte(nil), p.s...)
	p.s = nil
	return rest
}

// Truncation records where a lenient parse ran out of input. At is the
// offset, from the start of the serialized message, of the first field that
// could not be read whole; Remnant holds the bytes found there. Serialize
// cuts its output at At and writes Remnant, so a truncated message goes back
// out byte for byte. Prepare clears it.
type Truncation struct {
	At      int
	Remnant []byte
}

// truncatable is implemented by messages that can carry a Truncation.
type truncatable interface {
	truncationRef() **Truncation
}

func setTruncation(msg ProtocolMessage, t *Truncation) {
	if tm, ok := msg.(truncatable); ok {
		*tm.truncationRef() = t
	}
}

// TruncationOf returns where msg's input ran out, or nil.
func TruncationOf(msg ProtocolMessage) *Truncation {
	if tm, ok := msg.(truncatable); ok {
		return *tm.truncationRef()
	}
	return nil
}

// applyTruncation replaces the bytes of out from t.At on with t.Remnant.
func applyTruncation(out []byte, t *Truncation) []byte {
	if t == nil || t.At < 0 || t.At > len(out) {
		return out
	}
	return append(out[:t.At:t.At], t.Remnant...)
}

// bytes reads n bytes. ok is false when fewer than n were available.
func (p *parser) bytes(field string, n int) ([]byte, bool) {
	if p.err != nil {
		return nil, false
	}
	var out []byte
	if !p.s.ReadBytes(&out, n) {
		return p.short(field, n), false
	}
	return append([]byte{}, out...), true
}

// rest consumes all remaining bytes.
func (p *parser) rest() []byte {
	out := append([]byte(nil), p.s...)
	p.s = nil
	return out
}

func (p *parser) uint8(field string) (uint8, bool) {
	var v uint8
	if p.err != nil {
		return 0, false
	}
	if !p.s.ReadUint8(&v) {
		p.short(field, 1)
		return 0, false
	}
	return v, true
}

func (p *parser) uint16(field string) (uint16, bool) {
	var v uint16
	if p.err != nil {
		return 0, false
	}
	if !p.s.ReadUint16(&v) {
		p.short(field, 2)
		return 0, false
	}
	return v, true
}

func (p *parser) uint24(field string) (uint32, bool) {
	var v uint32
	if p.err != nil {
		return 0, false
	}
	if !p.s.ReadUint24(&v) {
		p.short(field, 3)
		return 0, false
	}
	return v, true
}

func (p *parser) uint32(field string) (uint32, bool) {
	var v uint32
	if p.err != nil {
		return 0, false
	}
	if !p.s.ReadUint32(&v) {
		p.short(field, 4)
		return 0, false
	}
	return v, true
}

// vector8 reads a u8 length and that many bytes. The declared length is
// returned separately so serialization reproduces it even when truncated.
func (p *parser) vector8(field string) (uint8, []byte) {
	n, ok := p.uint8(field + " length")
	if !ok {
		return 0, nil
	}
	data, _ := p.bytes(field, int(n))
	return n, data
}

func (p *parser) vector16(field string) (uint16, []byte) {
	n, ok := p.uint16(field + " length")
	if !ok {
		return 0, nil
	}
	data, _ := p.bytes(field, int(n))
	return n, data
}

func (p *parser) vector24(field string) (uint32, []byte) {
	n, ok := p.uint24(field + " length")
	if !ok {
		return 0, nil
	}
	data, _ := p.bytes(field, int(n))
	return n, data
}
