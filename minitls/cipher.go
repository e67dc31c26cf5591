package minitls

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"crypto/rc4"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/poly1305"
)

// Cipher is a handle on one bulk cipher algorithm. It offers four call shapes:
//
//	Encrypt(key, data)                          implicit IV; state carries across calls
//	EncryptWithIV(key, iv, data)                explicit IV, no associated data
//	EncryptAEAD(key, iv, tagLen, data)          AEAD with a declared tag length
//	EncryptAEADWithAAD(key, iv, tagLen, aad, data)
//
// and the matching Decrypt shapes. Only the implicit shape keeps state: the RC4
// keystream position and the CBC chaining block. IV reports the IV actually used
// by the last call. Every failure is a CryptoError.
type Cipher struct {
	algorithm CipherAlgorithm
	info      cipherAlgorithmInfo

	usedIV []byte
	// chained CBC block for implicit-IV block encryption and decryption
	nextIV []byte

	streamKey []byte
	stream    cipher.Stream
}

// NewCipher returns a handle bound to alg.
func NewCipher(alg CipherAlgorithm) (*Cipher, error) {
	info, ok := alg.info()
	if !ok {
		return nil, cryptoErrorf("new cipher", "unsupported cipher algorithm %s", alg)
	}
	return &Cipher{algorithm: alg, info: info}, nil
}

// Algorithm returns the bound algorithm.
func (c *Cipher) Algorithm() CipherAlgorithm { return c.algorithm }

// BlockSize returns the CBC block size, 0 for stream and AEAD ciphers without one.
func (c *Cipher) BlockSize() int { return c.info.blockSize }

// IV returns a copy of the IV used by the last encrypt or decrypt call.
func (c *Cipher) IV() []byte {
	return append([]byte(nil), c.usedIV...)
}

// SetIV seeds the chaining block used by the implicit-IV shape (SSL3 / TLS 1.0 CBC).
func (c *Cipher) SetIV(iv []byte) {
	c.nextIV = append([]byte(nil), iv...)
}

func (c *Cipher) newBlock(op string, key []byte) (cipher.Block, error) {
	if len(key) != c.info.keySize {
		return nil, cryptoErrorf(op, "%s: bad key length %d", c.algorithm, len(key))
	}
	var (
		b   cipher.Block
		err error
	)
	switch c.algorithm {
	case CipherAES128CBC, CipherAES256CBC, CipherAES128GCM, CipherAES256GCM:
		b, err = aes.NewCipher(key)
	case CipherDESCBC, CipherDES40CBC:
		b, err = des.NewCipher(key)
	case CipherDESEDECBC:
		b, err = des.NewTripleDESCipher(key)
	default:
		return nil, cryptoErrorf(op, "%s is not a block cipher", c.algorithm)
	}
	if err != nil {
		return nil, cryptoError(op, err)
	}
	return b, nil
}

func (c *Cipher) keyStream(op string, key []byte) (cipher.Stream, error) {
	if c.stream != nil && bytes.Equal(c.streamKey, key) {
		return c.stream, nil
	}
	switch c.algorithm {
	case CipherRC4_40, CipherRC4_128:
		s, err := rc4.NewCipher(key)
		if err != nil {
			return nil, cryptoError(op, err)
		}
		c.stream = s
		c.streamKey = append([]byte(nil), key...)
		return s, nil
	default:
		return nil, cryptoErrorf(op, "%s is not a stream cipher", c.algorithm)
	}
}

// Encrypt uses the implicit IV: the RC4 state or the CBC chaining block from
// the previous call (or SetIV).
func (c *Cipher) Encrypt(key, data []byte) ([]byte, error) {
	const op = "encrypt"
	switch c.info.typ {
	case CipherTypeStream:
		if c.algorithm == CipherNull {
			return append([]byte(nil), data...), nil
		}
		s, err := c.keyStream(op, key)
		if err != nil {
			return nil, err
		}
		out := make([]byte, len(data))
		s.XORKeyStream(out, data)
		return out, nil
	case CipherTypeBlock:
		if c.nextIV == nil {
			return nil, cryptoErrorf(op, "%s: no chained IV set", c.algorithm)
		}
		return c.EncryptWithIV(key, c.nextIV, data)
	default:
		return nil, cryptoErrorf(op, "%s requires an explicit nonce", c.algorithm)
	}
}

// Decrypt mirrors Encrypt.
func (c *Cipher) Decrypt(key, data []byte) ([]byte, error) {
	const op = "decrypt"
	switch c.info.typ {
	case CipherTypeStream:
		// XOR keystreams are symmetric; Encrypt advances the same state.
		return c.Encrypt(key, data)
	case CipherTypeBlock:
		if c.nextIV == nil {
			return nil, cryptoErrorf(op, "%s: no chained IV set", c.algorithm)
		}
		return c.DecryptWithIV(key, c.nextIV, data)
	default:
		return nil, cryptoErrorf(op, "%s requires an explicit nonce", c.algorithm)
	}
}

// EncryptWithIV encrypts data (which must already be padded to the block size)
// under an explicit IV. AEAD algorithms treat iv as the nonce with the default tag.
func (c *Cipher) EncryptWithIV(key, iv, data []byte) ([]byte, error) {
	const op = "encrypt with iv"
	switch c.info.typ {
	case CipherTypeBlock:
		b, err := c.newBlock(op, key)
		if err != nil {
			return nil, err
		}
		if len(iv) != b.BlockSize() {
			return nil, cryptoErrorf(op, "%s: bad IV length %d", c.algorithm, len(iv))
		}
		if len(data)%b.BlockSize() != 0 {
			return nil, cryptoErrorf(op, "%s: input not a multiple of the block size", c.algorithm)
		}
		out := make([]byte, len(data))
		cipher.NewCBCEncrypter(b, iv).CryptBlocks(out, data)
		c.usedIV = append([]byte(nil), iv...)
		if len(out) > 0 {
			c.nextIV = append([]byte(nil), out[len(out)-b.BlockSize():]...)
		}
		return out, nil
	case CipherTypeAEAD:
		return c.EncryptAEAD(key, iv, aeadTagLength, data)
	default:
		if c.algorithm == CipherNull {
			return append([]byte(nil), data...), nil
		}
		return nil, cryptoErrorf(op, "%s does not take an IV", c.algorithm)
	}
}

// DecryptWithIV mirrors EncryptWithIV.
func (c *Cipher) DecryptWithIV(key, iv, data []byte) ([]byte, error) {
	const op = "decrypt with iv"
	switch c.info.typ {
	case CipherTypeBlock:
		b, err := c.newBlock(op, key)
		if err != nil {
			return nil, err
		}
		if len(iv) != b.BlockSize() {
			return nil, cryptoErrorf(op, "%s: bad IV length %d", c.algorithm, len(iv))
		}
		if len(data)%b.BlockSize() != 0 {
			return nil, cryptoErrorf(op, "%s: ciphertext not a multiple of the block size", c.algorithm)
		}
		out := make([]byte, len(data))
		cipher.NewCBCDecrypter(b, iv).CryptBlocks(out, data)
		c.usedIV = append([]byte(nil), iv...)
		if len(data) > 0 {
			c.nextIV = append([]byte(nil), data[len(data)-b.BlockSize():]...)
		}
		return out, nil
	case CipherTypeAEAD:
		return c.DecryptAEAD(key, iv, aeadTagLength, data)
	default:
		if c.algorithm == CipherNull {
			return append([]byte(nil), data...), nil
		}
		return nil, cryptoErrorf(op, "%s does not take an IV", c.algorithm)
	}
}

// EncryptAEAD seals data with a tag of tagLen bytes and no associated data.
func (c *Cipher) EncryptAEAD(key, iv []byte, tagLen int, data []byte) ([]byte, error) {
	return c.EncryptAEADWithAAD(key, iv, tagLen, nil, data)
}

// DecryptAEAD opens data sealed by EncryptAEAD.
func (c *Cipher) DecryptAEAD(key, iv []byte, tagLen int, data []byte) ([]byte, error) {
	return c.DecryptAEADWithAAD(key, iv, tagLen, nil, data)
}

// EncryptAEADWithAAD seals data with a tag of tagLen bytes over aad.
func (c *Cipher) EncryptAEADWithAAD(key, iv []byte, tagLen int, aad, data []byte) ([]byte, error) {
	const op = "aead encrypt"
	aead, err := c.newAEAD(op, key, tagLen)
	if err != nil {
		return nil, err
	}
	if len(iv) != aead.NonceSize() {
		return nil, cryptoErrorf(op, "%s: bad nonce length %d", c.algorithm, len(iv))
	}
	c.usedIV = append([]byte(nil), iv...)
	return aead.Seal(nil, iv, data, aad), nil
}

// DecryptAEADWithAAD opens data and verifies its tag over aad.
func (c *Cipher) DecryptAEADWithAAD(key, iv []byte, tagLen int, aad, data []byte) ([]byte, error) {
	const op = "aead decrypt"
	aead, err := c.newAEAD(op, key, tagLen)
	if err != nil {
		return nil, err
	}
	if len(iv) != aead.NonceSize() {
		return nil, cryptoErrorf(op, "%s: bad nonce length %d", c.algorithm, len(iv))
	}
	if len(data) < aead.Overhead() {
		return nil, cryptoError(op, fmt.Errorf("ciphertext shorter than tag: %w", errBadRecordMAC))
	}
	c.usedIV = append([]byte(nil), iv...)
	out, err := aead.Open(nil, iv, data, aad)
	if err != nil {
		if !errors.Is(err, errBadRecordMAC) {
			err = fmt.Errorf("%v: %w", err, errBadRecordMAC)
		}
		return nil, cryptoError(op, err)
	}
	return out, nil
}

func (c *Cipher) newAEAD(op string, key []byte, tagLen int) (cipher.AEAD, error) {
	switch c.algorithm {
	case CipherAES128GCM, CipherAES256GCM:
		b, err := c.newBlock(op, key)
		if err != nil {
			return nil, err
		}
		var aead cipher.AEAD
		if tagLen == aeadTagLength {
			aead, err = cipher.NewGCM(b)
		} else {
			aead, err = cipher.NewGCMWithTagSize(b, tagLen)
		}
		if err != nil {
			return nil, cryptoError(op, err)
		}
		return aead, nil
	case CipherChaCha20Poly1305:
		if len(key) != chacha20poly1305.KeySize {
			return nil, cryptoErrorf(op, "%s: bad key length %d", c.algorithm, len(key))
		}
		if tagLen == aeadTagLength {
			aead, err := chacha20poly1305.New(key)
			if err != nil {
				return nil, cryptoError(op, err)
			}
			return aead, nil
		}
		if tagLen < 1 || tagLen > poly1305.TagSize {
			return nil, cryptoErrorf(op, "%s: invalid tag length %d", c.algorithm, tagLen)
		}
		return &truncatedChaCha20Poly1305{key: append([]byte(nil), key...), tagLen: tagLen}, nil
	default:
		return nil, cryptoErrorf(op, "%s is not an AEAD cipher", c.algorithm)
	}
}

// truncatedChaCha20Poly1305 is the RFC 8439 construction with the tag cut to
// tagLen bytes, built from the raw keystream and one-time MAC.
type truncatedChaCha20Poly1305 struct {
	key    []byte
	tagLen int
}

func (a *truncatedChaCha20Poly1305) NonceSize() int { return chacha20poly1305.NonceSize }
func (a *truncatedChaCha20Poly1305) Overhead() int  { return a.tagLen }

func (a *truncatedChaCha20Poly1305) tag(nonce, aad, ciphertext []byte) ([]byte, error) {
	s, err := chacha20.NewUnauthenticatedCipher(a.key, nonce)
	if err != nil {
		return nil, err
	}
	// One-time key is the first 32 bytes of keystream block 0
	var polyKey [32]byte
	s.XORKeyStream(polyKey[:], polyKey[:])

	var macData []byte
	macData = append(macData, aad...)
	if pad := len(aad) % 16; pad != 0 {
		macData = append(macData, make([]byte, 16-pad)...)
	}
	macData = append(macData, ciphertext...)
	if pad := len(ciphertext) % 16; pad != 0 {
		macData = append(macData, make([]byte, 16-pad)...)
	}
	var lengths [16]byte
	binary.LittleEndian.PutUint64(lengths[:8], uint64(len(aad)))
	binary.LittleEndian.PutUint64(lengths[8:], uint64(len(ciphertext)))
	macData = append(macData, lengths[:]...)

	var tag [poly1305.TagSize]byte
	poly1305.Sum(&tag, macData, &polyKey)
	return tag[:a.tagLen], nil
}

func (a *truncatedChaCha20Poly1305) xor(nonce, in []byte) ([]byte, error) {
	s, err := chacha20.NewUnauthenticatedCipher(a.key, nonce)
	if err != nil {
		return nil, err
	}
	// Data starts at block 1; block 0 keyed the MAC
	s.SetCounter(1)
	out := make([]byte, len(in))
	s.XORKeyStream(out, in)
	return out, nil
}

func (a *truncatedChaCha20Poly1305) Seal(dst, nonce, plaintext, aad []byte) []byte {
	ct, err := a.xor(nonce, plaintext)
	if err != nil {
		panic("minitls: " + err.Error()) // nonce size checked by the caller
	}
	tag, err := a.tag(nonce, aad, ct)
	if err != nil {
		panic("minitls: " + err.Error())
	}
	dst = append(dst, ct...)
	return append(dst, tag...)
}

func (a *truncatedChaCha20Poly1305) Open(dst, nonce, ciphertext, aad []byte) ([]byte, error) {
	if len(ciphertext) < a.tagLen {
		return nil, errBadRecordMAC
	}
	ct := ciphertext[:len(ciphertext)-a.tagLen]
	expected, err := a.tag(nonce, aad, ct)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(expected, ciphertext[len(ct):]) != 1 {
		return nil, errBadRecordMAC
	}
	pt, err := a.xor(nonce, ct)
	if err != nil {
		return nil, err
	}
	return append(dst, pt...), nil
}
