package minitls

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"go.uber.org/zap"
)

// Tls13KeySetType names the phase of TLS 1.3 secret material a KeySet belongs to.
type Tls13KeySetType int

const (
	KeySetNone Tls13KeySetType = iota
	KeySetEarly
	KeySetHandshake
	KeySetApplication
)

func (t Tls13KeySetType) String() string {
	switch t {
	case KeySetNone:
		return "NONE"
	case KeySetEarly:
		return "EARLY_TRAFFIC_SECRETS"
	case KeySetHandshake:
		return "HANDSHAKE_TRAFFIC_SECRETS"
	case KeySetApplication:
		return "APPLICATION_TRAFFIC_SECRETS"
	default:
		return fmt.Sprintf("Tls13KeySetType(%d)", int(t))
	}
}

// KeySet holds the symmetric material of one epoch. All buffers are non-nil;
// buffers a cipher does not use (MAC secrets for AEAD, IVs for explicit-IV CBC)
// are zero-length. A KeySet is only produced by GenerateKeySet, so its fields
// always come from the same secret generation.
type KeySet struct {
	Type        Tls13KeySetType
	CipherSuite CipherSuite

	ClientWriteMACSecret []byte
	ServerWriteMACSecret []byte
	ClientWriteKey       []byte
	ServerWriteKey       []byte
	ClientWriteIV        []byte
	ServerWriteIV        []byte
}

func emptyKeySet(t Tls13KeySetType) *KeySet {
	return &KeySet{
		Type:                 t,
		ClientWriteMACSecret: []byte{},
		ServerWriteMACSecret: []byte{},
		ClientWriteKey:       []byte{},
		ServerWriteKey:       []byte{},
		ClientWriteIV:        []byte{},
		ServerWriteIV:        []byte{},
	}
}

// WriteKey returns the key used by the given sender.
func (k *KeySet) WriteKey(sender ConnectionEnd) []byte {
	if sender == Client {
		return k.ClientWriteKey
	}
	return k.ServerWriteKey
}

// WriteIV returns the IV (or AEAD salt) used by the given sender.
func (k *KeySet) WriteIV(sender ConnectionEnd) []byte {
	if sender == Client {
		return k.ClientWriteIV
	}
	return k.ServerWriteIV
}

// WriteMACSecret returns the MAC secret used by the given sender.
func (k *KeySet) WriteMACSecret(sender ConnectionEnd) []byte {
	if sender == Client {
		return k.ClientWriteMACSecret
	}
	return k.ServerWriteMACSecret
}

// GenerateKeySet derives the key set for the context's negotiated version and
// suite. For TLS 1.3 typ selects the traffic secrets; earlier versions ignore it
// and expand the master secret.
func GenerateKeySet(ctx *Context, typ Tls13KeySetType) (*KeySet, error) {
	if ctx.SelectedVersion.IsTLS13() {
		return tls13KeySet(ctx, typ)
	}
	return legacyKeySet(ctx)
}

func tls13KeySet(ctx *Context, typ Tls13KeySetType) (*KeySet, error) {
	suite := ctx.SelectedCipherSuite
	var clientSecret, serverSecret []byte
	switch typ {
	case KeySetNone:
		ctx.log().Warn("KeySet is NONE, returning empty KeySet")
		return emptyKeySet(KeySetNone), nil
	case KeySetEarly:
		suite = ctx.EarlyDataCipherSuite
		clientSecret = ctx.ClientEarlyTrafficSecret
		serverSecret = ctx.ClientEarlyTrafficSecret
	case KeySetHandshake:
		clientSecret = ctx.ClientHandshakeTrafficSecret
		serverSecret = ctx.ServerHandshakeTrafficSecret
	case KeySetApplication:
		clientSecret = ctx.ClientApplicationTrafficSecret
		serverSecret = ctx.ServerApplicationTrafficSecret
	default:
		return nil, cryptoErrorf("generate key set", "unknown key set type %s", typ)
	}
	if len(clientSecret) == 0 || len(serverSecret) == 0 {
		return nil, cryptoErrorf("generate key set", "%s secrets not derived", typ)
	}

	info, err := suiteInfo("generate key set", suite)
	if err != nil {
		return nil, err
	}
	ks, err := keyScheduleFor("generate key set", suite)
	if err != nil {
		return nil, err
	}
	keyLen := info.Cipher.KeySize()

	set := emptyKeySet(typ)
	set.CipherSuite = suite
	if set.ClientWriteKey, set.ClientWriteIV, err = ks.TrafficKeys(clientSecret, keyLen, aeadNonceLength); err != nil {
		return nil, err
	}
	if set.ServerWriteKey, set.ServerWriteIV, err = ks.TrafficKeys(serverSecret, keyLen, aeadNonceLength); err != nil {
		return nil, err
	}
	ctx.log().Debug("derived TLS 1.3 key set",
		zap.Stringer("type", typ),
		zap.Stringer("suite", suite),
		zap.String("client_write_key", hex.EncodeToString(set.ClientWriteKey)),
		zap.String("server_write_key", hex.EncodeToString(set.ServerWriteKey)),
		zap.String("client_write_iv", hex.EncodeToString(set.ClientWriteIV)),
		zap.String("server_write_iv", hex.EncodeToString(set.ServerWriteIV)))
	return set, nil
}

// secretSetSize returns the key block length for the cipher type:
//
//	BLOCK:  2*key + 2*mac (+ 2*block when the version has no explicit IV)
//	STREAM: 2*key + 2*mac
//	AEAD:   2*key + 2*(nonce - explicit nonce)
func secretSetSize(version ProtocolVersion, info *CipherSuiteInfo) (int, error) {
	alg := info.Cipher
	keySize := alg.KeyMaterialLength()
	macSize := macAlgorithmFor(info).Size()

	switch alg.Type() {
	case CipherTypeBlock:
		size := 2*keySize + 2*macSize
		if !version.UsesExplicitIV() {
			size += 2 * alg.BlockSize()
		}
		return size, nil
	case CipherTypeStream:
		return 2*keySize + 2*macSize, nil
	case CipherTypeAEAD:
		a, _ := alg.info()
		return 2*keySize + 2*a.fixedIVLength, nil
	default:
		return 0, cryptoErrorf("secret set size", "unknown cipher type for %s", alg)
	}
}

func legacyKeySet(ctx *Context) (*KeySet, error) {
	info, err := suiteInfo("generate key set", ctx.SelectedCipherSuite)
	if err != nil {
		return nil, err
	}
	size, err := secretSetSize(ctx.SelectedVersion, info)
	if err != nil {
		return nil, err
	}

	schedule := NewLegacyKeySchedule(ctx.SelectedVersion, info.Hash, ctx.MasterSecret, ctx.ClientRandom, ctx.ServerRandom)
	keyBlock, err := schedule.DeriveKeyBlock(size)
	if err != nil {
		return nil, err
	}
	ctx.log().Debug("generated key block",
		zap.Stringer("suite", info.ID),
		zap.String("key_block", hex.EncodeToString(keyBlock)))

	set, err := sliceKeyBlock(keyBlock, ctx.SelectedVersion, info)
	if err != nil {
		return nil, err
	}
	if info.Export {
		if err := deriveExportKeys(set, ctx.SelectedVersion, info, ctx.ClientRandom, ctx.ServerRandom); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// keyBlockReader hands out consecutive slices of the key block.
type keyBlockReader struct {
	block []byte
	off   int
}

func (r *keyBlockReader) next(n int) []byte {
	out := make([]byte, n)
	copy(out, r.block[r.off:r.off+n])
	r.off += n
	return out
}

// sliceKeyBlock splits the key block in its canonical order:
// MAC secrets, write keys, IVs (client before server), or for AEAD
// write keys followed by salts.
func sliceKeyBlock(keyBlock []byte, version ProtocolVersion, info *CipherSuiteInfo) (*KeySet, error) {
	size, err := secretSetSize(version, info)
	if err != nil {
		return nil, err
	}
	if len(keyBlock) < size {
		return nil, cryptoErrorf("slice key block", "key block too short: %d < %d", len(keyBlock), size)
	}

	r := &keyBlockReader{block: keyBlock}
	alg := info.Cipher
	keySize := alg.KeyMaterialLength()
	set := emptyKeySet(KeySetNone)
	set.CipherSuite = info.ID

	switch alg.Type() {
	case CipherTypeAEAD:
		a, _ := alg.info()
		set.ClientWriteKey = r.next(keySize)
		set.ServerWriteKey = r.next(keySize)
		set.ClientWriteIV = r.next(a.fixedIVLength)
		set.ServerWriteIV = r.next(a.fixedIVLength)
	default:
		macSize := macAlgorithmFor(info).Size()
		set.ClientWriteMACSecret = r.next(macSize)
		set.ServerWriteMACSecret = r.next(macSize)
		set.ClientWriteKey = r.next(keySize)
		set.ServerWriteKey = r.next(keySize)
		if alg.Type() == CipherTypeBlock && !version.UsesExplicitIV() {
			set.ClientWriteIV = r.next(alg.BlockSize())
			set.ServerWriteIV = r.next(alg.BlockSize())
		}
	}
	return set, nil
}

// deriveExportKeys expands the shortened export key material.
func deriveExportKeys(set *KeySet, version ProtocolVersion, info *CipherSuiteInfo, clientRandom, serverRandom []byte) error {
	if version.IsSSL() {
		deriveSSL3ExportKeys(set, info, clientRandom, serverRandom)
		return nil
	}
	return deriveTLSExportKeys(set, version, info, clientRandom, serverRandom)
}

func md5FirstN(n int, parts ...[]byte) []byte {
	h := md5.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)[:n]
}

// SSL 3.0:
//
//	final_client_write_key = MD5(client_write_key + client_random + server_random)
//	final_server_write_key = MD5(server_write_key + server_random + client_random)
//	client_write_IV = MD5(client_random + server_random)
//	server_write_IV = MD5(server_random + client_random)
func deriveSSL3ExportKeys(set *KeySet, info *CipherSuiteInfo, clientRandom, serverRandom []byte) {
	keySize := info.Cipher.KeySize()
	set.ClientWriteKey = md5FirstN(keySize, set.ClientWriteKey, clientRandom, serverRandom)
	set.ServerWriteKey = md5FirstN(keySize, set.ServerWriteKey, serverRandom, clientRandom)

	blockSize := info.Cipher.BlockSize()
	set.ClientWriteIV = md5FirstN(blockSize, clientRandom, serverRandom)
	set.ServerWriteIV = md5FirstN(blockSize, serverRandom, clientRandom)
}

// TLS 1.0 (RFC 2246 Section 6.3):
//
//	final_client_write_key = PRF(client_write_key, "client write key", client_random + server_random)
//	final_server_write_key = PRF(server_write_key, "server write key", client_random + server_random)
//	iv_block = PRF("", "IV block", client_random + server_random)
func deriveTLSExportKeys(set *KeySet, version ProtocolVersion, info *CipherSuiteInfo, clientRandom, serverRandom []byte) error {
	randoms := make([]byte, 0, len(clientRandom)+len(serverRandom))
	randoms = append(randoms, clientRandom...)
	randoms = append(randoms, serverRandom...)
	keySize := info.Cipher.KeySize()

	clientKey, err := prf(version, info.Hash, set.ClientWriteKey, "client write key", randoms, keySize)
	if err != nil {
		return err
	}
	serverKey, err := prf(version, info.Hash, set.ServerWriteKey, "server write key", randoms, keySize)
	if err != nil {
		return err
	}
	set.ClientWriteKey = clientKey
	set.ServerWriteKey = serverKey

	blockSize := info.Cipher.BlockSize()
	ivBlock, err := prf(version, info.Hash, []byte{}, "IV block", randoms, 2*blockSize)
	if err != nil {
		return err
	}
	set.ClientWriteIV = ivBlock[:blockSize]
	set.ServerWriteIV = ivBlock[blockSize : 2*blockSize]
	return nil
}
