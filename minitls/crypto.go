package minitls

import (
	"crypto"
	"crypto/hmac"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySchedule implements the TLS 1.3 secret ladder (RFC 8446 Section 7.1) over
// the hash of the negotiated suite.
type KeySchedule struct {
	hash crypto.Hash
}

// NewKeySchedule creates a new key schedule for the given suite hash
func NewKeySchedule(h crypto.Hash) *KeySchedule {
	return &KeySchedule{hash: h}
}

// keyScheduleFor resolves the suite hash of a TLS 1.3 suite.
func keyScheduleFor(op string, suite CipherSuite) (*KeySchedule, error) {
	info, err := suiteInfo(op, suite)
	if err != nil {
		return nil, err
	}
	if !info.Hash.Available() {
		return nil, cryptoErrorf(op, "hash %v not available", info.Hash)
	}
	return NewKeySchedule(info.Hash), nil
}

// HashSize returns the output length of the schedule's hash.
func (ks *KeySchedule) HashSize() int {
	return ks.hash.Size()
}

// TranscriptHash hashes the concatenated handshake messages.
func (ks *KeySchedule) TranscriptHash(transcript []byte) []byte {
	h := ks.hash.New()
	h.Write(transcript)
	return h.Sum(nil)
}

// Extract is HKDF-Extract; a nil salt or ikm is replaced by a zero string of hash length.
func (ks *KeySchedule) Extract(salt, ikm []byte) []byte {
	if salt == nil {
		salt = make([]byte, ks.HashSize())
	}
	if ikm == nil {
		ikm = make([]byte, ks.HashSize())
	}
	return hkdf.Extract(ks.hash.New, ikm, salt)
}

// ExpandLabel is HKDF-Expand-Label for TLS 1.3
//
//	struct {
//	    uint16 length = Length;
//	    opaque label<7..255> = "tls13 " + Label;
//	    opaque context<0..255> = Context;
//	} HkdfLabel;
func (ks *KeySchedule) ExpandLabel(secret []byte, label string, context []byte, length int) ([]byte, error) {
	const prefix = "tls13 "
	if len(prefix)+len(label) > 255 || len(context) > 255 || length > 0xffff {
		return nil, cryptoErrorf("hkdf expand label", "label %q or context too long", label)
	}
	hkdfLabel := make([]byte, 0, 2+1+len(prefix)+len(label)+1+len(context))
	hkdfLabel = append(hkdfLabel, byte(length>>8), byte(length))
	hkdfLabel = append(hkdfLabel, byte(len(prefix)+len(label)))
	hkdfLabel = append(hkdfLabel, prefix...)
	hkdfLabel = append(hkdfLabel, label...)
	hkdfLabel = append(hkdfLabel, byte(len(context)))
	hkdfLabel = append(hkdfLabel, context...)

	reader := hkdf.Expand(ks.hash.New, secret, hkdfLabel)
	result := make([]byte, length)
	if _, err := io.ReadFull(reader, result); err != nil {
		return nil, cryptoError("hkdf expand label", err)
	}
	return result, nil
}

// DeriveSecret is Derive-Secret(Secret, Label, Messages) with the transcript
// hash already computed.
func (ks *KeySchedule) DeriveSecret(secret []byte, label string, transcriptHash []byte) ([]byte, error) {
	return ks.ExpandLabel(secret, label, transcriptHash, ks.HashSize())
}

// EarlySecret = HKDF-Extract(0, PSK); a nil psk means no PSK.
func (ks *KeySchedule) EarlySecret(psk []byte) []byte {
	return ks.Extract(nil, psk)
}

// HandshakeSecret = HKDF-Extract(Derive-Secret(early, "derived", ""), (EC)DHE)
func (ks *KeySchedule) HandshakeSecret(earlySecret, sharedSecret []byte) ([]byte, error) {
	derived, err := ks.DeriveSecret(earlySecret, "derived", ks.TranscriptHash(nil))
	if err != nil {
		return nil, err
	}
	return ks.Extract(derived, sharedSecret), nil
}

// MasterSecret = HKDF-Extract(Derive-Secret(handshake, "derived", ""), 0)
func (ks *KeySchedule) MasterSecret(handshakeSecret []byte) ([]byte, error) {
	derived, err := ks.DeriveSecret(handshakeSecret, "derived", ks.TranscriptHash(nil))
	if err != nil {
		return nil, err
	}
	return ks.Extract(derived, nil), nil
}

// FinishedVerifyData computes HMAC(finished_key, transcript_hash) where
// finished_key = HKDF-Expand-Label(traffic_secret, "finished", "", Hash.length).
func (ks *KeySchedule) FinishedVerifyData(trafficSecret, transcriptHash []byte) ([]byte, error) {
	finishedKey, err := ks.ExpandLabel(trafficSecret, "finished", nil, ks.HashSize())
	if err != nil {
		return nil, err
	}
	mac := hmac.New(ks.hash.New, finishedKey)
	mac.Write(transcriptHash)
	return mac.Sum(nil), nil
}

// TrafficKeys expands key and IV from a traffic secret.
func (ks *KeySchedule) TrafficKeys(trafficSecret []byte, keyLen, ivLen int) (key, iv []byte, err error) {
	if key, err = ks.ExpandLabel(trafficSecret, "key", nil, keyLen); err != nil {
		return nil, nil, err
	}
	if iv, err = ks.ExpandLabel(trafficSecret, "iv", nil, ivLen); err != nil {
		return nil, nil, err
	}
	return key, iv, nil
}
