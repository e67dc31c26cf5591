package minitls

import (
	"bytes"
	"crypto"
	"strings"
	"testing"
)

// Values from RFC 8448 Section 3 (no PSK, SHA-256).
func TestKeyScheduleEarlyAndDerived(t *testing.T) {
	ks := NewKeySchedule(crypto.SHA256)

	early := ks.EarlySecret(nil)
	want := mustHex(t, "33ad0a1c607ec03b09e6cd9893680ce210adf300aa1f2660e1b22e10f170f92a")
	if !bytes.Equal(early, want) {
		t.Fatalf("early secret\n got %x\nwant %x", early, want)
	}

	derived, err := ks.DeriveSecret(early, "derived", ks.TranscriptHash(nil))
	if err != nil {
		t.Fatal(err)
	}
	want = mustHex(t, "6f2615a108c702c5678f54fc9dbab69716c076189c48250cebeac3576c3611ba")
	if !bytes.Equal(derived, want) {
		t.Errorf("derived secret\n got %x\nwant %x", derived, want)
	}
}

func TestKeyScheduleLadder(t *testing.T) {
	for _, h := range []crypto.Hash{crypto.SHA256, crypto.SHA384} {
		t.Run(h.String(), func(t *testing.T) {
			ks := NewKeySchedule(h)
			shared := bytes.Repeat([]byte{0x5a}, 32)

			hs, err := ks.HandshakeSecret(ks.EarlySecret(nil), shared)
			if err != nil {
				t.Fatal(err)
			}
			ms, err := ks.MasterSecret(hs)
			if err != nil {
				t.Fatal(err)
			}
			if len(hs) != h.Size() || len(ms) != h.Size() {
				t.Errorf("secret lengths %d/%d, want %d", len(hs), len(ms), h.Size())
			}
			if bytes.Equal(hs, ms) {
				t.Error("handshake and master secret must differ")
			}

			key, iv, err := ks.TrafficKeys(ms, 16, 12)
			if err != nil {
				t.Fatal(err)
			}
			if len(key) != 16 || len(iv) != 12 {
				t.Errorf("traffic key/iv lengths %d/%d", len(key), len(iv))
			}

			th := ks.TranscriptHash([]byte("transcript"))
			vd, err := ks.FinishedVerifyData(hs, th)
			if err != nil {
				t.Fatal(err)
			}
			if len(vd) != h.Size() {
				t.Errorf("verify_data length %d, want %d", len(vd), h.Size())
			}
		})
	}
}

func TestExpandLabelRejectsLongLabel(t *testing.T) {
	ks := NewKeySchedule(crypto.SHA256)
	_, err := ks.ExpandLabel(make([]byte, 32), strings.Repeat("x", 250), nil, 16)
	if !IsKind(err, CryptoError) {
		t.Errorf("got %v, want CryptoError", err)
	}
}

func TestKeyScheduleForUnknownSuite(t *testing.T) {
	if _, err := keyScheduleFor("test", CipherSuite(0xfefe)); !IsKind(err, ConfigurationError) {
		t.Errorf("got %v, want ConfigurationError", err)
	}
	ks, err := keyScheduleFor("test", TLS_AES_256_GCM_SHA384)
	if err != nil {
		t.Fatal(err)
	}
	if ks.HashSize() != 48 {
		t.Errorf("hash size %d, want 48", ks.HashSize())
	}
}
