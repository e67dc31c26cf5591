package minitls

import (
	"bytes"
	"errors"
	"testing"
)

// McGrew-Viega GCM test case 2: zero key, zero nonce, one zero block.
func TestCipherAESGCMVector(t *testing.T) {
	c, err := NewCipher(CipherAES128GCM)
	if err != nil {
		t.Fatal(err)
	}
	key := make([]byte, 16)
	nonce := make([]byte, 12)
	out, err := c.EncryptAEAD(key, nonce, 16, make([]byte, 16))
	if err != nil {
		t.Fatal(err)
	}
	want := mustHex(t, "0388dace60b6a392f328c2b971b2fe78"+"ab6e47d42cec13bdf53a67b21257bddf")
	if !bytes.Equal(out, want) {
		t.Errorf("got %x\nwant %x", out, want)
	}
	if !bytes.Equal(c.IV(), nonce) {
		t.Errorf("IV() = %x", c.IV())
	}
}

func TestCipherTruncatedTags(t *testing.T) {
	tests := []struct {
		name   string
		alg    CipherAlgorithm
		keyLen int
		tagLen int
	}{
		{"AES-128-GCM/12", CipherAES128GCM, 16, 12},
		{"ChaCha20-Poly1305/8", CipherChaCha20Poly1305, 32, 8},
		{"ChaCha20-Poly1305/1", CipherChaCha20Poly1305, 32, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, err := NewCipher(tc.alg)
			if err != nil {
				t.Fatal(err)
			}
			key := bytes.Repeat([]byte{0x11}, tc.keyLen)
			nonce := bytes.Repeat([]byte{0x22}, 12)
			aad := []byte("header")
			plaintext := []byte("truncated tag round trip")

			full, err := c.EncryptAEADWithAAD(key, nonce, 16, aad, plaintext)
			if err != nil {
				t.Fatal(err)
			}
			short, err := c.EncryptAEADWithAAD(key, nonce, tc.tagLen, aad, plaintext)
			if err != nil {
				t.Fatal(err)
			}
			if len(short) != len(plaintext)+tc.tagLen {
				t.Fatalf("sealed length %d, want %d", len(short), len(plaintext)+tc.tagLen)
			}
			// A truncated tag is a prefix of the full tag.
			if !bytes.Equal(short, full[:len(short)]) {
				t.Errorf("truncated output is not a prefix of the full output")
			}

			got, err := c.DecryptAEADWithAAD(key, nonce, tc.tagLen, aad, short)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, plaintext) {
				t.Errorf("decrypted %q", got)
			}
		})
	}
}

func TestCipherAEADRejectsTampering(t *testing.T) {
	for _, alg := range []CipherAlgorithm{CipherAES256GCM, CipherChaCha20Poly1305} {
		t.Run(alg.String(), func(t *testing.T) {
			c, err := NewCipher(alg)
			if err != nil {
				t.Fatal(err)
			}
			key := bytes.Repeat([]byte{0x33}, 32)
			nonce := make([]byte, 12)
			sealed, err := c.EncryptAEAD(key, nonce, 16, []byte("payload"))
			if err != nil {
				t.Fatal(err)
			}
			sealed[0] ^= 0x80

			_, err = c.DecryptAEAD(key, nonce, 16, sealed)
			if !IsKind(err, CryptoError) {
				t.Errorf("got %v, want CryptoError", err)
			}
			if !errors.Is(err, errBadRecordMAC) {
				t.Errorf("error %v does not wrap bad record mac", err)
			}
		})
	}
}

func TestCipherCBCChaining(t *testing.T) {
	key := bytes.Repeat([]byte{0x44}, 16)
	iv := bytes.Repeat([]byte{0x55}, 16)
	first := bytes.Repeat([]byte{'a'}, 32)
	second := bytes.Repeat([]byte{'b'}, 16)

	chained, err := NewCipher(CipherAES128CBC)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := chained.Encrypt(key, first); !IsKind(err, CryptoError) {
		t.Errorf("implicit IV without SetIV: got %v, want CryptoError", err)
	}
	chained.SetIV(iv)
	c1, err := chained.Encrypt(key, first)
	if err != nil {
		t.Fatal(err)
	}
	c2, err := chained.Encrypt(key, second)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(chained.IV(), c1[len(c1)-16:]) {
		t.Error("second record must be chained on the last ciphertext block")
	}

	whole, err := NewCipher(CipherAES128CBC)
	if err != nil {
		t.Fatal(err)
	}
	all, err := whole.EncryptWithIV(key, iv, append(append([]byte(nil), first...), second...))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(all, append(append([]byte(nil), c1...), c2...)) {
		t.Error("chained encryption differs from one CBC pass")
	}

	dec, err := NewCipher(CipherAES128CBC)
	if err != nil {
		t.Fatal(err)
	}
	dec.SetIV(iv)
	p1, err := dec.Decrypt(key, c1)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := dec.Decrypt(key, c2)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(p1, first) || !bytes.Equal(p2, second) {
		t.Error("chained decryption failed")
	}

	if _, err := dec.EncryptWithIV(key, iv, []byte("not aligned")); !IsKind(err, CryptoError) {
		t.Errorf("unaligned input: got %v, want CryptoError", err)
	}
	if _, err := dec.EncryptWithIV(key[:5], iv, first); !IsKind(err, CryptoError) {
		t.Errorf("short key: got %v, want CryptoError", err)
	}
}

func TestCipherStreamState(t *testing.T) {
	key := bytes.Repeat([]byte{0x66}, 16)
	data := []byte("stream ciphers keep their keystream position")

	split, err := NewCipher(CipherRC4_128)
	if err != nil {
		t.Fatal(err)
	}
	a, err := split.Encrypt(key, data[:10])
	if err != nil {
		t.Fatal(err)
	}
	b, err := split.Encrypt(key, data[10:])
	if err != nil {
		t.Fatal(err)
	}

	once, err := NewCipher(CipherRC4_128)
	if err != nil {
		t.Fatal(err)
	}
	whole, err := once.Encrypt(key, data)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(append(a, b...), whole) {
		t.Error("keystream position was not carried across calls")
	}

	null, err := NewCipher(CipherNull)
	if err != nil {
		t.Fatal(err)
	}
	out, err := null.Encrypt(nil, data)
	if err != nil || !bytes.Equal(out, data) {
		t.Errorf("NULL cipher changed the data: %v", err)
	}
}

func TestNewCipherUnknown(t *testing.T) {
	if _, err := NewCipher(CipherAlgorithm(99)); !IsKind(err, CryptoError) {
		t.Errorf("got %v, want CryptoError", err)
	}
}
