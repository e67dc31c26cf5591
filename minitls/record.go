package minitls

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Record is one TLS or DTLS record as seen on the wire.
type Record struct {
	Type    ContentType
	Version ProtocolVersion
	// Epoch and Sequence are carried in DTLS headers only.
	Epoch    uint16
	Sequence uint64
	Fragment []byte
}

// ErrIncompleteRecord is returned by ParseRecord when data holds less than one record.
var ErrIncompleteRecord = errors.New("incomplete record")

// maxCiphertextExpansion bounds protected record growth (RFC 5246 Section 6.2.3).
const maxCiphertextExpansion = 2048

func validContentType(t ContentType) bool {
	return t >= ContentTypeChangeCipherSpec && t <= ContentTypeHeartbeat
}

// ParseRecord reads one record from the front of data and returns it with the
// number of bytes consumed.
func ParseRecord(data []byte, dtls bool) (*Record, int, error) {
	headerLen := tlsRecordHeaderLen
	if dtls {
		headerLen = dtlsRecordHeaderLen
	}
	if len(data) < headerLen {
		return nil, 0, ErrIncompleteRecord
	}

	rec := &Record{
		Type:    ContentType(data[0]),
		Version: ProtocolVersion(binary.BigEndian.Uint16(data[1:3])),
	}
	if !validContentType(rec.Type) {
		return nil, 0, parseError("parse record", fmt.Sprintf("invalid record content type %d", data[0]))
	}
	var length int
	if dtls {
		rec.Epoch = binary.BigEndian.Uint16(data[3:5])
		rec.Sequence = uint64(data[5])<<40 | uint64(data[6])<<32 | uint64(binary.BigEndian.Uint32(data[7:11]))
		length = int(binary.BigEndian.Uint16(data[11:13]))
	} else {
		length = int(binary.BigEndian.Uint16(data[3:5]))
	}
	if length > maxPlaintextLength+maxCiphertextExpansion {
		return nil, 0, parseError("parse record", fmt.Sprintf("record too large: %d bytes", length))
	}
	if len(data) < headerLen+length {
		return nil, 0, ErrIncompleteRecord
	}
	rec.Fragment = make([]byte, length)
	copy(rec.Fragment, data[headerLen:headerLen+length])
	return rec, headerLen + length, nil
}

// Marshal returns the record with its header.
func (r *Record) Marshal(dtls bool) []byte {
	if dtls {
		out := make([]byte, dtlsRecordHeaderLen+len(r.Fragment))
		out[0] = byte(r.Type)
		binary.BigEndian.PutUint16(out[1:3], uint16(r.Version))
		binary.BigEndian.PutUint16(out[3:5], r.Epoch)
		out[5] = byte(r.Sequence >> 40)
		out[6] = byte(r.Sequence >> 32)
		binary.BigEndian.PutUint32(out[7:11], uint32(r.Sequence))
		binary.BigEndian.PutUint16(out[11:13], uint16(len(r.Fragment)))
		copy(out[dtlsRecordHeaderLen:], r.Fragment)
		return out
	}
	out := make([]byte, tlsRecordHeaderLen+len(r.Fragment))
	out[0] = byte(r.Type)
	binary.BigEndian.PutUint16(out[1:3], uint16(r.Version))
	binary.BigEndian.PutUint16(out[3:5], uint16(len(r.Fragment)))
	copy(out[tlsRecordHeaderLen:], r.Fragment)
	return out
}

// macSequence is the 64-bit value fed to the MAC or AAD: the plain sequence
// number for TLS, epoch || 48-bit sequence for DTLS.
func macSequence(dtls bool, epoch uint16, seq uint64) uint64 {
	if dtls {
		return uint64(epoch)<<48 | seq&0xffffffffffff
	}
	return seq
}

// bypassesProtection reports whether a record of typ travels in plaintext even
// though the direction is encrypted: TLS 1.3 ChangeCipherSpec.
func (c *Context) bypassesProtection(typ ContentType) bool {
	return c.IsTLS13() && typ == ContentTypeChangeCipherSpec
}

// WriteRecords fragments data into records of typ, protects each with the
// active write state and returns the concatenated wire bytes. An empty data
// still produces one (empty) record.
func (c *Context) WriteRecords(typ ContentType, data []byte) ([]byte, error) {
	var out []byte
	for first := true; first || len(data) > 0; first = false {
		n := min(len(data), maxPlaintextLength)
		rec, err := c.protect(typ, data[:n])
		if err != nil {
			return nil, err
		}
		out = append(out, rec.Marshal(c.IsDTLS())...)
		data = data[n:]
	}
	return out, nil
}

func (c *Context) protect(typ ContentType, plaintext []byte) (*Record, error) {
	dtls := c.IsDTLS()
	st := c.Write
	rec := &Record{Type: typ, Version: c.recordVersion(), Epoch: st.Epoch}

	if st.protection == nil || c.bypassesProtection(typ) {
		if st.protection == nil {
			rec.Sequence = st.nextSequence()
		}
		rec.Fragment = append([]byte(nil), plaintext...)
		return rec, nil
	}

	seq := st.nextSequence()
	rec.Sequence = seq
	outerType, fragment, err := st.protection.seal(macSequence(dtls, st.Epoch, seq), typ, rec.Version, plaintext)
	if err != nil {
		return nil, err
	}
	rec.Type = outerType
	rec.Fragment = fragment
	c.log().Debug("protected record",
		zap.Stringer("type", typ),
		zap.Uint16("epoch", st.Epoch),
		zap.Uint64("seq", seq),
		zap.Int("plaintext_len", len(plaintext)),
		zap.Int("fragment_len", len(fragment)))
	return rec, nil
}

// ReadRecord removes the active read protection from rec and returns the inner
// content type and plaintext.
func (c *Context) ReadRecord(rec *Record) (ContentType, []byte, error) {
	st := c.Read
	if st.protection == nil || c.bypassesProtection(rec.Type) {
		if st.protection == nil {
			st.nextSequence()
		}
		return rec.Type, rec.Fragment, nil
	}
	// TLS 1.3 protects application_data records only; plaintext alerts pass.
	if c.IsTLS13() && rec.Type != ContentTypeApplicationData {
		if rec.Type == ContentTypeHandshake {
			c.log().Warn("plaintext handshake record while read keys are active",
				zap.Uint16("read_epoch", st.Epoch),
				zap.Int("fragment_len", len(rec.Fragment)))
		}
		return rec.Type, rec.Fragment, nil
	}

	dtls := c.IsDTLS()
	seq := st.nextSequence()
	epoch := st.Epoch
	if dtls {
		if rec.Epoch != st.Epoch {
			c.log().Warn("record epoch does not match read state",
				zap.Uint16("record_epoch", rec.Epoch),
				zap.Uint16("read_epoch", st.Epoch))
		}
		seq, epoch = rec.Sequence, rec.Epoch
	}
	typ, plaintext, err := st.protection.open(macSequence(dtls, epoch, seq), rec)
	if err != nil {
		return 0, nil, err
	}
	c.log().Debug("unprotected record",
		zap.Stringer("type", typ),
		zap.Uint16("epoch", epoch),
		zap.Uint64("seq", seq),
		zap.Int("plaintext_len", len(plaintext)))
	return typ, plaintext, nil
}
