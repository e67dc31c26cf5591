package minitls

import (
	"crypto/hmac"
	"encoding/binary"
	"fmt"
	"io"
)

// recordProtection seals and opens record fragments for one direction of one
// epoch. seq is the value fed to the MAC or AEAD: the sequence number, or
// epoch || sequence for DTLS.
type recordProtection interface {
	seal(seq uint64, typ ContentType, version ProtocolVersion, plaintext []byte) (ContentType, []byte, error)
	open(seq uint64, rec *Record) (ContentType, []byte, error)
}

// newRecordProtection builds the protection for records sent by sender under ks.
// The TLS 1.3 NONE key set (no suite) leaves records unprotected.
func newRecordProtection(ctx *Context, ks *KeySet, sender ConnectionEnd) (recordProtection, error) {
	const op = "activate key set"
	if ks == nil || ks.CipherSuite == 0 {
		return nil, nil
	}
	info, err := suiteInfo(op, ks.CipherSuite)
	if err != nil {
		return nil, err
	}
	c, err := NewCipher(info.Cipher)
	if err != nil {
		return nil, err
	}

	version := ctx.Version()
	key := ks.WriteKey(sender)
	iv := ks.WriteIV(sender)

	if info.Cipher.Type() == CipherTypeAEAD {
		a, _ := info.Cipher.info()
		p := &aeadProtection{
			cipher: c,
			key:    key,
			iv:     iv,
			tls13:  info.TLS13 || version.IsTLS13(),
		}
		p.explicitNonce = !p.tls13 && a.recordIVLength > 0
		if !p.tls13 && len(iv) != a.fixedIVLength {
			return nil, cryptoErrorf(op, "%s: salt is %d bytes, want %d", info.Cipher, len(iv), a.fixedIVLength)
		}
		return p, nil
	}

	p := &macProtection{
		cipher:  c,
		key:     key,
		macKey:  ks.WriteMACSecret(sender),
		mac:     macAlgorithmFor(info),
		version: version,
		rand:    ctx.rand(),
	}
	if info.Cipher.Type() == CipherTypeBlock && !version.UsesExplicitIV() {
		c.SetIV(iv)
	}
	return p, nil
}

// macProtection is MAC-then-encrypt for STREAM and BLOCK suites.
type macProtection struct {
	cipher  *Cipher
	key     []byte
	macKey  []byte
	mac     MacAlgorithm
	version ProtocolVersion
	rand    io.Reader
}

// computeMAC returns HMAC(seq || type || version || length || content), or the
// SSL 3.0 MAC (which omits the version).
func (p *macProtection) computeMAC(seq uint64, typ ContentType, version ProtocolVersion, content []byte) ([]byte, error) {
	if p.mac == MacNull {
		return nil, nil
	}
	if p.version.IsSSL() {
		return ssl3MAC(p.mac, p.macKey, seq, typ, content)
	}
	newHash, err := hashForMAC(p.mac)
	if err != nil {
		return nil, err
	}
	var hdr [13]byte
	binary.BigEndian.PutUint64(hdr[:8], seq)
	hdr[8] = byte(typ)
	binary.BigEndian.PutUint16(hdr[9:11], uint16(version))
	binary.BigEndian.PutUint16(hdr[11:13], uint16(len(content)))

	h := hmac.New(newHash, p.macKey)
	h.Write(hdr[:])
	h.Write(content)
	return h.Sum(nil), nil
}

func (p *macProtection) seal(seq uint64, typ ContentType, version ProtocolVersion, plaintext []byte) (ContentType, []byte, error) {
	const op = "protect record"
	mac, err := p.computeMAC(seq, typ, version, plaintext)
	if err != nil {
		return 0, nil, err
	}
	data := make([]byte, 0, len(plaintext)+len(mac)+p.cipher.BlockSize())
	data = append(data, plaintext...)
	data = append(data, mac...)

	bs := p.cipher.BlockSize()
	if bs == 0 {
		out, err := p.cipher.Encrypt(p.key, data)
		if err != nil {
			return 0, nil, err
		}
		return typ, out, nil
	}

	// padding_length bytes of value padding_length, then padding_length itself
	padLen := bs - 1 - len(data)%bs
	for i := 0; i <= padLen; i++ {
		data = append(data, byte(padLen))
	}
	if p.version.UsesExplicitIV() {
		iv := make([]byte, bs)
		if _, err := io.ReadFull(p.rand, iv); err != nil {
			return 0, nil, cryptoError(op, err)
		}
		out, err := p.cipher.EncryptWithIV(p.key, iv, data)
		if err != nil {
			return 0, nil, err
		}
		return typ, append(iv, out...), nil
	}
	out, err := p.cipher.Encrypt(p.key, data)
	if err != nil {
		return 0, nil, err
	}
	return typ, out, nil
}

func (p *macProtection) open(seq uint64, rec *Record) (ContentType, []byte, error) {
	const op = "unprotect record"
	var (
		plaintext []byte
		err       error
	)
	bs := p.cipher.BlockSize()
	switch {
	case bs == 0:
		plaintext, err = p.cipher.Decrypt(p.key, rec.Fragment)
	case p.version.UsesExplicitIV():
		if len(rec.Fragment) < bs {
			return 0, nil, cryptoError(op, fmt.Errorf("fragment shorter than explicit IV: %w", errBadRecordMAC))
		}
		plaintext, err = p.cipher.DecryptWithIV(p.key, rec.Fragment[:bs], rec.Fragment[bs:])
	default:
		plaintext, err = p.cipher.Decrypt(p.key, rec.Fragment)
	}
	if err != nil {
		return 0, nil, err
	}

	if bs > 0 {
		if plaintext, err = p.removePadding(plaintext); err != nil {
			return 0, nil, err
		}
	}

	macSize := p.mac.Size()
	if len(plaintext) < macSize {
		return 0, nil, cryptoError(op, fmt.Errorf("fragment shorter than MAC: %w", errBadRecordMAC))
	}
	content := plaintext[:len(plaintext)-macSize]
	expected, err := p.computeMAC(seq, rec.Type, rec.Version, content)
	if err != nil {
		return 0, nil, err
	}
	if !hmac.Equal(expected, plaintext[len(content):]) {
		return 0, nil, cryptoError(op, errBadRecordMAC)
	}
	return rec.Type, content, nil
}

// removePadding strips CBC padding. SSL 3.0 padding bytes are arbitrary but
// the padding must be shorter than one block; TLS requires every byte to equal
// the padding length.
func (p *macProtection) removePadding(plaintext []byte) ([]byte, error) {
	const op = "unprotect record"
	if len(plaintext) == 0 {
		return nil, cryptoError(op, fmt.Errorf("empty block plaintext: %w", errBadRecordMAC))
	}
	padLen := int(plaintext[len(plaintext)-1])
	if padLen+1 > len(plaintext) {
		return nil, cryptoError(op, fmt.Errorf("padding length %d exceeds plaintext: %w", padLen, errBadRecordMAC))
	}
	if p.version.IsSSL() {
		if bs := p.cipher.BlockSize(); padLen >= bs {
			return nil, cryptoError(op, fmt.Errorf("padding length %d not below block size %d: %w", padLen, bs, errBadRecordMAC))
		}
	} else {
		for _, b := range plaintext[len(plaintext)-padLen-1:] {
			if int(b) != padLen {
				return nil, cryptoError(op, fmt.Errorf("invalid padding: %w", errBadRecordMAC))
			}
		}
	}
	return plaintext[:len(plaintext)-padLen-1], nil
}

// aeadProtection covers TLS 1.2 AEAD suites (RFC 5288 explicit nonce for GCM,
// RFC 7905 XOR nonce for ChaCha20) and TLS 1.3 records.
type aeadProtection struct {
	cipher        *Cipher
	key           []byte
	iv            []byte
	explicitNonce bool
	tls13         bool
}

// nonce is salt || explicit for GCM in TLS 1.2, iv XOR seq otherwise.
func (p *aeadProtection) nonce(seq uint64, explicit []byte) []byte {
	if p.explicitNonce {
		n := make([]byte, 0, len(p.iv)+len(explicit))
		n = append(n, p.iv...)
		return append(n, explicit...)
	}
	n := append([]byte(nil), p.iv...)
	for i := 0; i < 8 && i < len(n); i++ {
		n[len(n)-1-i] ^= byte(seq >> (8 * i))
	}
	return n
}

func tls12AdditionalData(seq uint64, typ ContentType, version ProtocolVersion, length int) []byte {
	aad := make([]byte, 13)
	binary.BigEndian.PutUint64(aad[:8], seq)
	aad[8] = byte(typ)
	binary.BigEndian.PutUint16(aad[9:11], uint16(version))
	binary.BigEndian.PutUint16(aad[11:13], uint16(length))
	return aad
}

func tls13AdditionalData(typ ContentType, version ProtocolVersion, length int) []byte {
	aad := make([]byte, tlsRecordHeaderLen)
	aad[0] = byte(typ)
	binary.BigEndian.PutUint16(aad[1:3], uint16(version))
	binary.BigEndian.PutUint16(aad[3:5], uint16(length))
	return aad
}

func (p *aeadProtection) seal(seq uint64, typ ContentType, version ProtocolVersion, plaintext []byte) (ContentType, []byte, error) {
	if p.tls13 {
		inner := make([]byte, 0, len(plaintext)+1)
		inner = append(inner, plaintext...)
		inner = append(inner, byte(typ))
		aad := tls13AdditionalData(ContentTypeApplicationData, version, len(inner)+aeadTagLength)
		out, err := p.cipher.EncryptAEADWithAAD(p.key, p.nonce(seq, nil), aeadTagLength, aad, inner)
		if err != nil {
			return 0, nil, err
		}
		return ContentTypeApplicationData, out, nil
	}

	var explicit []byte
	if p.explicitNonce {
		explicit = make([]byte, 8)
		binary.BigEndian.PutUint64(explicit, seq)
	}
	aad := tls12AdditionalData(seq, typ, version, len(plaintext))
	out, err := p.cipher.EncryptAEADWithAAD(p.key, p.nonce(seq, explicit), aeadTagLength, aad, plaintext)
	if err != nil {
		return 0, nil, err
	}
	return typ, append(explicit, out...), nil
}

func (p *aeadProtection) open(seq uint64, rec *Record) (ContentType, []byte, error) {
	const op = "unprotect record"
	if p.tls13 {
		aad := tls13AdditionalData(rec.Type, rec.Version, len(rec.Fragment))
		inner, err := p.cipher.DecryptAEADWithAAD(p.key, p.nonce(seq, nil), aeadTagLength, aad, rec.Fragment)
		if err != nil {
			return 0, nil, err
		}
		// Strip zero padding; the last non-zero byte is the content type.
		i := len(inner) - 1
		for i >= 0 && inner[i] == 0 {
			i--
		}
		if i < 0 {
			return 0, nil, protocolViolation(op, "inner plaintext carries no content type")
		}
		return ContentType(inner[i]), inner[:i], nil
	}

	frag := rec.Fragment
	var explicit []byte
	if p.explicitNonce {
		if len(frag) < 8 {
			return 0, nil, cryptoError(op, fmt.Errorf("fragment shorter than explicit nonce: %w", errBadRecordMAC))
		}
		explicit, frag = frag[:8], frag[8:]
	}
	if len(frag) < aeadTagLength {
		return 0, nil, cryptoError(op, fmt.Errorf("fragment shorter than tag: %w", errBadRecordMAC))
	}
	aad := tls12AdditionalData(seq, rec.Type, rec.Version, len(frag)-aeadTagLength)
	plaintext, err := p.cipher.DecryptAEADWithAAD(p.key, p.nonce(seq, explicit), aeadTagLength, aad, frag)
	if err != nil {
		return 0, nil, err
	}
	return rec.Type, plaintext, nil
}
