package minitls

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/cryptobyte"
)

// Extension is one type-length-value entry. Length is the declared length and
// Payload the bytes actually consumed, which are shorter when Partial is set.
// Body is the typed view of Payload; it is an *UnknownExtension when the type
// has no table entry or the payload does not decode cleanly.
type Extension struct {
	Type    ExtensionType
	Length  uint16
	Payload []byte
	Partial bool
	Body    ExtensionBody
}

func (e *Extension) String() string {
	s := fmt.Sprintf("%s(len=%d)", e.Type, e.Length)
	if e.Partial {
		s += " partial"
	}
	return s
}

// ExtensionBlock is the extensions field of a hello-style message: a u16
// length followed by the entries. Present is false when the message ended
// before the length field. Trailing keeps bytes too short to form an entry.
type ExtensionBlock struct {
	Present    bool
	Length     uint16
	Extensions []*Extension
	Trailing   []byte
}

// Get returns the first extension of type t, or nil.
func (b *ExtensionBlock) Get(t ExtensionType) *Extension {
	for _, e := range b.Extensions {
		if e.Type == t {
			return e
		}
	}
	return nil
}

// Types lists the extension types in order.
func (b *ExtensionBlock) Types() []ExtensionType {
	out := make([]ExtensionType, len(b.Extensions))
	for i, e := range b.Extensions {
		out[i] = e.Type
	}
	return out
}

func (b *ExtensionBlock) String() string {
	if !b.Present {
		return "none"
	}
	parts := make([]string, len(b.Extensions))
	for i, e := range b.Extensions {
		parts[i] = e.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// parseExtensionBlock reads the optional extensions field. Parsing is confined
// to the declared length: entries never read past it.
func parseExtensionBlock(p *parser, msg HandshakeType) ExtensionBlock {
	var block ExtensionBlock
	if p.empty() {
		return block
	}
	block.Present = true
	length, ok := p.uint16("extensions length")
	if !ok {
		return block
	}
	block.Length = length
	sub := p.sub(int(length))
	for !sub.empty() && sub.err == nil {
		if sub.remaining() < 4 {
			if sub.strict {
				sub.fail("%d bytes left in extension list", sub.remaining())
				break
			}
			sub.partial = true
			block.Trailing = sub.rest()
			break
		}
		block.Extensions = append(block.Extensions, parseExtension(sub, msg))
	}
	p.join(sub)
	return block
}

// parseExtension reads type, length and payload, then decodes the payload
// through the extension table.
func parseExtension(p *parser, msg HandshakeType) *Extension {
	t, _ := p.uint16("extension type")
	e := &Extension{Type: ExtensionType(t)}
	e.Length, _ = p.uint16("extension length")
	var ok bool
	e.Payload, ok = p.bytes(e.Type.String(), int(e.Length))
	if !ok {
		e.Partial = true
		if e.Payload == nil {
			e.Payload = []byte{}
		}
	}
	e.Body = decodeExtensionBody(e.Type, msg, e.Payload)
	return e
}

func serializeExtensionBlock(b *cryptobyte.Builder, block *ExtensionBlock) {
	if !block.Present {
		return
	}
	b.AddUint16(block.Length)
	for _, e := range block.Extensions {
		b.AddUint16(uint16(e.Type))
		b.AddUint16(e.Length)
		b.AddBytes(e.Payload)
	}
	b.AddBytes(block.Trailing)
}

// prepareExtensionBlock fills the extension list of msg. When the block is
// empty the default list for the message is built from ctx; otherwise only the
// listed entries are prepared, in their order. Lengths are recomputed.
func prepareExtensionBlock(ctx *Context, msg HandshakeType, block *ExtensionBlock) error {
	if len(block.Extensions) == 0 {
		for _, t := range defaultExtensions(ctx, msg) {
			block.Extensions = append(block.Extensions, &Extension{Type: t})
		}
	}
	kept := block.Extensions[:0]
	for _, e := range block.Extensions {
		include, err := prepareExtension(ctx, msg, e)
		if err != nil {
			return err
		}
		if include {
			kept = append(kept, e)
		}
	}
	block.Extensions = kept
	block.Trailing = nil

	total := 0
	for _, e := range block.Extensions {
		total += 4 + len(e.Payload)
	}
	if total > 0xffff {
		return configurationError("prepare extensions", fmt.Sprintf("extensions total %d bytes", total))
	}
	block.Length = uint16(total)
	// Messages that must carry the field (EncryptedExtensions) set Present
	// themselves; hellos omit an empty block.
	block.Present = block.Present || total > 0
	return nil
}

// prepareExtension runs the table preparator of e. A preparator reporting
// false drops the entry (nothing to send for the current state).
func prepareExtension(ctx *Context, msg HandshakeType, e *Extension) (bool, error) {
	entry, ok := extensionTable[e.Type]
	if ok && entry.prepare != nil {
		body, include, err := entry.prepare(ctx, msg)
		if err != nil {
			return false, err
		}
		if !include {
			return false, nil
		}
		e.Body = body
	} else if e.Body == nil {
		e.Body = &UnknownExtension{Data: e.Payload}
	}

	payload, err := marshalExtensionBody(e.Body)
	if err != nil {
		return false, configurationError("prepare extension", fmt.Sprintf("%s: %v", e.Type, err))
	}
	if len(payload) > 0xffff {
		return false, configurationError("prepare extension", fmt.Sprintf("%s payload too long", e.Type))
	}
	e.Payload = payload
	e.Length = uint16(len(payload))
	e.Partial = false
	return true, nil
}

// handleExtensions applies every typed extension of a sent or received message.
func handleExtensions(ctx *Context, msg HandshakeType, block *ExtensionBlock) error {
	for _, e := range block.Extensions {
		entry, ok := extensionTable[e.Type]
		if !ok || entry.handle == nil {
			continue
		}
		if _, unknown := e.Body.(*UnknownExtension); unknown || e.Body == nil {
			continue
		}
		if err := entry.handle(ctx, msg, e.Body); err != nil {
			return err
		}
	}
	return nil
}
