package minitls

import (
	"crypto"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"hash"
)

// Pre-TLS 1.3 PRF Implementation
// Based on RFC 2246 Section 5, RFC 5246 Section 5 and the SSL 3.0 key derivation (RFC 6101 Section 6.2.2)

// pHash implements the P_hash function from RFC 5246
// P_hash(secret, seed) = HMAC_hash(secret, A(1) + seed) +
//
//	HMAC_hash(secret, A(2) + seed) +
//	HMAC_hash(secret, A(3) + seed) + ...
//
// where A(0) = seed
//
//	A(i) = HMAC_hash(secret, A(i-1))
func pHash(hashFunc func() hash.Hash, secret, seed []byte, length int) []byte {
	h := hmac.New(hashFunc, secret)
	h.Write(seed)
	a := h.Sum(nil) // A(1)

	result := make([]byte, 0, length)
	for len(result) < length {
		h.Reset()
		h.Write(a)
		h.Write(seed)
		b := h.Sum(nil)

		todo := len(b)
		if len(result)+todo > length {
			todo = length - len(result)
		}
		result = append(result, b[:todo]...)

		h.Reset()
		h.Write(a)
		a = h.Sum(nil)
	}

	return result
}

// prf10 is the TLS 1.0/1.1 PRF: P_MD5(S1, label + seed) XOR P_SHA1(S2, label + seed),
// where S1 and S2 are the two halves of the secret (sharing the middle byte when
// the length is odd).
func prf10(secret, labelSeed []byte, length int) []byte {
	half := (len(secret) + 1) / 2
	s1 := secret[:half]
	s2 := secret[len(secret)-half:]

	result := pHash(md5.New, s1, labelSeed, length)
	sha := pHash(sha1.New, s2, labelSeed, length)
	for i := range result {
		result[i] ^= sha[i]
	}
	return result
}

// prf computes PRF(secret, label, seed) for the given version. TLS 1.2 uses the
// suite hash; TLS 1.0/1.1 and DTLS 1.0 use the MD5/SHA-1 construction. SSL3 has
// no PRF and is rejected.
func prf(version ProtocolVersion, suiteHash crypto.Hash, secret []byte, label string, seed []byte, length int) ([]byte, error) {
	labelSeed := make([]byte, len(label)+len(seed))
	copy(labelSeed, label)
	copy(labelSeed[len(label):], seed)

	switch {
	case version.UsesSHA2PRF():
		if !suiteHash.Available() {
			return nil, cryptoErrorf("prf", "hash %v not available", suiteHash)
		}
		return pHash(suiteHash.New, secret, labelSeed, length), nil
	case version == VersionTLS10, version == VersionTLS11, version == VersionDTLS10:
		return prf10(secret, labelSeed, length), nil
	default:
		return nil, cryptoErrorf("prf", "no PRF defined for %s", version)
	}
}

// ssl3KeyBlock implements the SSL 3.0 expansion
//
//	MD5(secret + SHA1("A" + secret + seed)) +
//	MD5(secret + SHA1("BB" + secret + seed)) + ...
//
// used both for the master secret and for the key block.
func ssl3KeyBlock(secret, seed []byte, length int) []byte {
	result := make([]byte, 0, length+md5.Size)
	md := md5.New()
	sh := sha1.New()
	for i := 0; len(result) < length; i++ {
		label := make([]byte, i+1)
		for j := range label {
			label[j] = 'A' + byte(i)
		}
		sh.Reset()
		sh.Write(label)
		sh.Write(secret)
		sh.Write(seed)
		inner := sh.Sum(nil)

		md.Reset()
		md.Write(secret)
		md.Write(inner)
		result = md.Sum(result)
	}
	return result[:length]
}

// LegacyKeySchedule manages SSL3 / TLS 1.0-1.2 key derivation for one connection.
type LegacyKeySchedule struct {
	version      ProtocolVersion
	suiteHash    crypto.Hash
	masterSecret []byte
	clientRandom []byte
	serverRandom []byte
}

// NewLegacyKeySchedule creates a key schedule. masterSecret may be nil when it
// will be derived with DeriveMasterSecret.
func NewLegacyKeySchedule(version ProtocolVersion, suiteHash crypto.Hash, masterSecret, clientRandom, serverRandom []byte) *LegacyKeySchedule {
	ks := &LegacyKeySchedule{
		version:      version,
		suiteHash:    suiteHash,
		clientRandom: append([]byte(nil), clientRandom...),
		serverRandom: append([]byte(nil), serverRandom...),
	}
	if masterSecret != nil {
		ks.masterSecret = append([]byte(nil), masterSecret...)
	}
	return ks
}

// MasterSecret returns the current master secret.
func (ks *LegacyKeySchedule) MasterSecret() []byte {
	return ks.masterSecret
}

// DeriveMasterSecret derives the master secret from the pre-master secret
// Standard: master_secret = PRF(pre_master_secret, "master secret", ClientHello.random + ServerHello.random)[0..47]
// SSL3: the A/BB/CCC expansion over the same seed.
func (ks *LegacyKeySchedule) DeriveMasterSecret(preMasterSecret []byte) ([]byte, error) {
	randomBytes := make([]byte, 0, len(ks.clientRandom)+len(ks.serverRandom))
	randomBytes = append(randomBytes, ks.clientRandom...)
	randomBytes = append(randomBytes, ks.serverRandom...)

	if ks.version.IsSSL() {
		ks.masterSecret = ssl3KeyBlock(preMasterSecret, randomBytes, masterSecretLength)
		return ks.masterSecret, nil
	}
	ms, err := prf(ks.version, ks.suiteHash, preMasterSecret, "master secret", randomBytes, masterSecretLength)
	if err != nil {
		return nil, err
	}
	ks.masterSecret = ms
	return ms, nil
}

// DeriveMasterSecretExtended derives the master secret using Extended Master Secret (RFC 7627)
// master_secret = PRF(pre_master_secret, "extended master secret", session_hash)[0..47]
func (ks *LegacyKeySchedule) DeriveMasterSecretExtended(preMasterSecret, sessionHash []byte) ([]byte, error) {
	ms, err := prf(ks.version, ks.suiteHash, preMasterSecret, "extended master secret", sessionHash, masterSecretLength)
	if err != nil {
		return nil, err
	}
	ks.masterSecret = ms
	return ms, nil
}

// DeriveKeyBlock derives the key block for MAC keys, encryption keys and IVs
// key_block = PRF(SecurityParameters.master_secret, "key expansion",
//
//	SecurityParameters.server_random + SecurityParameters.client_random)
func (ks *LegacyKeySchedule) DeriveKeyBlock(keyBlockLength int) ([]byte, error) {
	if len(ks.masterSecret) == 0 {
		return nil, cryptoErrorf("derive key block", "master secret not available")
	}
	// server_random + client_random (opposite order from master secret)
	randomBytes := make([]byte, 0, len(ks.serverRandom)+len(ks.clientRandom))
	randomBytes = append(randomBytes, ks.serverRandom...)
	randomBytes = append(randomBytes, ks.clientRandom...)

	if ks.version.IsSSL() {
		return ssl3KeyBlock(ks.masterSecret, randomBytes, keyBlockLength), nil
	}
	return prf(ks.version, ks.suiteHash, ks.masterSecret, "key expansion", randomBytes, keyBlockLength)
}

// DeriveFinishedData computes verify_data over the given handshake transcript.
// TLS: PRF(master_secret, finished_label, Hash(handshake_messages))[0..11]
// SSL3: MD5(master + pad2 + MD5(handshake + sender + master + pad1)) +
// SHA(master + pad2 + SHA(handshake + sender + master + pad1))
func (ks *LegacyKeySchedule) DeriveFinishedData(transcript []byte, isClient bool) ([]byte, error) {
	if len(ks.masterSecret) == 0 {
		return nil, cryptoErrorf("derive finished", "master secret not available")
	}
	if ks.version.IsSSL() {
		return ssl3Finished(ks.masterSecret, transcript, isClient), nil
	}

	label := "server finished"
	if isClient {
		label = "client finished"
	}
	handshakeHash, err := ks.TranscriptHash(transcript)
	if err != nil {
		return nil, err
	}
	return prf(ks.version, ks.suiteHash, ks.masterSecret, label, handshakeHash, finishedLength)
}

// TranscriptHash hashes handshake messages the way the version's Finished and
// extended master secret computations expect: MD5 || SHA-1 before TLS 1.2, the
// suite hash from TLS 1.2 on.
func (ks *LegacyKeySchedule) TranscriptHash(transcript []byte) ([]byte, error) {
	if ks.version.UsesSHA2PRF() {
		if !ks.suiteHash.Available() {
			return nil, cryptoErrorf("transcript hash", "hash %v not available", ks.suiteHash)
		}
		h := ks.suiteHash.New()
		h.Write(transcript)
		return h.Sum(nil), nil
	}
	m := md5.Sum(transcript)
	s := sha1.Sum(transcript)
	out := make([]byte, 0, md5.Size+sha1.Size)
	out = append(out, m[:]...)
	return append(out, s[:]...), nil
}

var (
	ssl3SenderClient = []byte{0x43, 0x4c, 0x4e, 0x54} // "CLNT"
	ssl3SenderServer = []byte{0x53, 0x52, 0x56, 0x52} // "SRVR"
)

func ssl3Pad(b byte, n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = b
	}
	return p
}

func ssl3Finished(master, transcript []byte, isClient bool) []byte {
	sender := ssl3SenderServer
	if isClient {
		sender = ssl3SenderClient
	}
	digest := func(newHash func() hash.Hash, padLen int) []byte {
		h := newHash()
		h.Write(transcript)
		h.Write(sender)
		h.Write(master)
		h.Write(ssl3Pad(0x36, padLen))
		inner := h.Sum(nil)

		h.Reset()
		h.Write(master)
		h.Write(ssl3Pad(0x5c, padLen))
		h.Write(inner)
		return h.Sum(nil)
	}
	out := digest(md5.New, 48)
	return append(out, digest(sha1.New, 40)...)
}

// hashForMAC maps a MAC algorithm to its hash constructor.
func hashForMAC(m MacAlgorithm) (func() hash.Hash, error) {
	switch m {
	case MacHMACMD5:
		return md5.New, nil
	case MacHMACSHA1:
		return sha1.New, nil
	case MacHMACSHA256:
		return crypto.SHA256.New, nil
	case MacHMACSHA384:
		return crypto.SHA384.New, nil
	default:
		return nil, cryptoErrorf("mac", "no hash for %s", m)
	}
}

// ssl3MAC computes hash(secret + pad_2 + hash(secret + pad_1 + seq + type + length + content)).
func ssl3MAC(m MacAlgorithm, secret []byte, seq uint64, typ ContentType, content []byte) ([]byte, error) {
	var newHash func() hash.Hash
	var padLen int
	switch m {
	case MacHMACMD5:
		newHash, padLen = md5.New, 48
	case MacHMACSHA1:
		newHash, padLen = sha1.New, 40
	default:
		return nil, cryptoErrorf("ssl3 mac", "%s is not defined for SSL3", m)
	}
	h := newHash()
	h.Write(secret)
	h.Write(ssl3Pad(0x36, padLen))
	var hdr [11]byte
	for i := 0; i < 8; i++ {
		hdr[i] = byte(seq >> (56 - 8*i))
	}
	hdr[8] = byte(typ)
	hdr[9] = byte(len(content) >> 8)
	hdr[10] = byte(len(content))
	h.Write(hdr[:])
	h.Write(content)
	inner := h.Sum(nil)

	h.Reset()
	h.Write(secret)
	h.Write(ssl3Pad(0x5c, padLen))
	h.Write(inner)
	return h.Sum(nil), nil
}
