package minitls

import (
	"crypto/ecdh"
	"crypto/rsa"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"

	"go.uber.org/zap"
)

// curveFor maps an elliptic curve group to its ecdh curve. Finite-field
// groups return nil.
func curveFor(g NamedGroup) ecdh.Curve {
	switch g {
	case GroupX25519:
		return ecdh.X25519()
	case GroupSecp256r1:
		return ecdh.P256()
	case GroupSecp384r1:
		return ecdh.P384()
	case GroupSecp521r1:
		return ecdh.P521()
	default:
		return nil
	}
}

// ecdhKey returns this connection's ephemeral key for g, generating it on
// first use. The same key backs key_share and ServerKeyExchange.
func (c *Context) ecdhKey(g NamedGroup) (*ecdh.PrivateKey, error) {
	if k, ok := c.ecdhKeys[g]; ok {
		return k, nil
	}
	curve := curveFor(g)
	if curve == nil {
		return nil, configurationError("generate ecdh key", fmt.Sprintf("group %d is not an elliptic curve", uint16(g)))
	}
	k, err := curve.GenerateKey(c.rand())
	if err != nil {
		return nil, cryptoError("generate ecdh key", err)
	}
	c.ecdhKeys[g] = k
	return k, nil
}

// ecdhSharedSecret runs ECDH between our key for g and the peer's encoded point.
func (c *Context) ecdhSharedSecret(g NamedGroup, peer []byte) ([]byte, error) {
	const op = "ecdh"
	priv, err := c.ecdhKey(g)
	if err != nil {
		return nil, err
	}
	pub, err := priv.Curve().NewPublicKey(peer)
	if err != nil {
		return nil, cryptoError(op, err)
	}
	shared, err := priv.ECDH(pub)
	if err != nil {
		return nil, cryptoError(op, err)
	}
	return shared, nil
}

// preferredGroup picks the first configured elliptic curve group, restricted
// to the client's list when one was received.
func (c *Context) preferredGroup() NamedGroup {
	for _, g := range c.Config.NamedGroups {
		if curveFor(g) == nil {
			continue
		}
		if len(c.ClientNamedGroups) == 0 || containsGroup(c.ClientNamedGroups, g) {
			return g
		}
	}
	return GroupX25519
}

func containsGroup(list []NamedGroup, g NamedGroup) bool {
	for _, x := range list {
		if x == g {
			return true
		}
	}
	return false
}

func (c *Context) dhGroup() *DHGroup {
	if c.DHGroup != nil {
		return c.DHGroup
	}
	return DefaultDHGroup()
}

// dhPublicKey returns g^x mod p for this connection's private exponent.
func (c *Context) dhPublicKey() (*big.Int, error) {
	grp := c.dhGroup()
	if c.dhKey == nil {
		// x in [2, p-2]
		limit := new(big.Int).Sub(grp.P, big.NewInt(3))
		x, err := randInt(c.rand(), limit)
		if err != nil {
			return nil, cryptoError("generate dh key", err)
		}
		c.dhKey = x.Add(x, big.NewInt(2))
	}
	return new(big.Int).Exp(grp.G, c.dhKey, grp.P), nil
}

func randInt(r io.Reader, max *big.Int) (*big.Int, error) {
	if max.Sign() <= 0 {
		return nil, fmt.Errorf("dh modulus too small")
	}
	b := make([]byte, (max.BitLen()+7)/8+8)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return new(big.Int).Mod(new(big.Int).SetBytes(b), max), nil
}

// dhSharedSecret is Z = Y^x mod p with leading zero bytes stripped
// (RFC 5246 Section 8.1.2).
func (c *Context) dhSharedSecret(peer *big.Int) ([]byte, error) {
	const op = "dh"
	grp := c.dhGroup()
	if peer == nil || peer.Cmp(big.NewInt(1)) <= 0 || peer.Cmp(new(big.Int).Sub(grp.P, big.NewInt(1))) >= 0 {
		return nil, cryptoErrorf(op, "peer public value out of range")
	}
	if _, err := c.dhPublicKey(); err != nil {
		return nil, err
	}
	return new(big.Int).Exp(peer, c.dhKey, grp.P).Bytes(), nil
}

// rsaPreMasterSecret is client_version || 46 random bytes.
func (c *Context) rsaPreMasterSecret() ([]byte, error) {
	pms := make([]byte, masterSecretLength)
	v := c.ClientVersion
	if v.IsTLS13() {
		v = VersionTLS12
	}
	pms[0] = byte(v >> 8)
	pms[1] = byte(v)
	if _, err := io.ReadFull(c.rand(), pms[2:]); err != nil {
		return nil, cryptoError("generate pre-master secret", err)
	}
	return pms, nil
}

// rsaPublicKey is the key a client encrypts the pre-master secret to: the
// server certificate's key, or our own key when we play both sides.
func (c *Context) rsaPublicKey() *rsa.PublicKey {
	if c.PeerRSAPublicKey != nil {
		return c.PeerRSAPublicKey
	}
	if c.Config.RSAKey != nil {
		return &c.Config.RSAKey.PublicKey
	}
	return nil
}

// computeMasterSecret turns the pre-master secret into the master secret and
// the pending key set. The extended master secret is used when both hellos
// carried the extension; the session hash is the transcript through
// ClientKeyExchange.
func (c *Context) computeMasterSecret() error {
	info, err := suiteInfo("compute master secret", c.SelectedCipherSuite)
	if err != nil {
		return err
	}
	if len(c.PreMasterSecret) == 0 {
		return cryptoErrorf("compute master secret", "no pre-master secret")
	}
	schedule := NewLegacyKeySchedule(c.SelectedVersion, info.Hash, nil, c.ClientRandom, c.ServerRandom)
	extended := c.ClientExtendedMasterSecret && c.ServerExtendedMasterSecret && !c.SelectedVersion.IsSSL()
	if extended {
		sessionHash, err := schedule.TranscriptHash(c.transcript)
		if err != nil {
			return err
		}
		c.MasterSecret, err = schedule.DeriveMasterSecretExtended(c.PreMasterSecret, sessionHash)
		if err != nil {
			return err
		}
	} else {
		c.MasterSecret, err = schedule.DeriveMasterSecret(c.PreMasterSecret)
		if err != nil {
			return err
		}
	}
	c.log().Debug("computed master secret",
		zap.Bool("extended", extended),
		zap.String("pre_master_secret", hex.EncodeToString(c.PreMasterSecret)),
		zap.String("master_secret", hex.EncodeToString(c.MasterSecret)))

	ks, err := GenerateKeySet(c, KeySetNone)
	if err != nil {
		return err
	}
	c.PendingKeySet = ks
	return nil
}

// tls13SharedSecret computes the (EC)DHE secret from our key share and the
// peer's.
func (c *Context) tls13SharedSecret() ([]byte, error) {
	if c.ServerKeyShare == nil {
		return nil, protocolViolation("derive handshake secrets", "no server key share")
	}
	g := c.ServerKeyShare.Group
	if c.ConnectionEnd == Client {
		return c.ecdhSharedSecret(g, c.ServerKeyShare.KeyExchange)
	}
	for _, share := range c.ClientKeyShares {
		if share.Group == g {
			return c.ecdhSharedSecret(g, share.KeyExchange)
		}
	}
	return nil, protocolViolation("derive handshake secrets", fmt.Sprintf("client sent no key share for group %d", uint16(g)))
}

// deriveHandshakeSecrets runs the TLS 1.3 ladder up to the handshake traffic
// secrets, over the transcript through ServerHello.
func (c *Context) deriveHandshakeSecrets() error {
	const op = "derive handshake secrets"
	ks, err := keyScheduleFor(op, c.SelectedCipherSuite)
	if err != nil {
		return err
	}
	shared, err := c.tls13SharedSecret()
	if err != nil {
		return err
	}
	c.SharedSecret = shared
	c.EarlySecret = ks.EarlySecret(nil)
	if c.HandshakeSecret, err = ks.HandshakeSecret(c.EarlySecret, shared); err != nil {
		return err
	}
	th := ks.TranscriptHash(c.transcript)
	if c.ClientHandshakeTrafficSecret, err = ks.DeriveSecret(c.HandshakeSecret, "c hs traffic", th); err != nil {
		return err
	}
	if c.ServerHandshakeTrafficSecret, err = ks.DeriveSecret(c.HandshakeSecret, "s hs traffic", th); err != nil {
		return err
	}
	c.log().Debug("derived handshake traffic secrets",
		zap.String("client", hex.EncodeToString(c.ClientHandshakeTrafficSecret)),
		zap.String("server", hex.EncodeToString(c.ServerHandshakeTrafficSecret)))
	return nil
}

// deriveApplicationSecrets derives the application traffic secrets over the
// transcript through the server Finished.
func (c *Context) deriveApplicationSecrets() error {
	const op = "derive application secrets"
	ks, err := keyScheduleFor(op, c.SelectedCipherSuite)
	if err != nil {
		return err
	}
	if len(c.HandshakeSecret) == 0 {
		return cryptoErrorf(op, "handshake secret not derived")
	}
	if c.Tls13MasterSecret, err = ks.MasterSecret(c.HandshakeSecret); err != nil {
		return err
	}
	th := ks.TranscriptHash(c.transcript)
	if c.ClientApplicationTrafficSecret, err = ks.DeriveSecret(c.Tls13MasterSecret, "c ap traffic", th); err != nil {
		return err
	}
	if c.ServerApplicationTrafficSecret, err = ks.DeriveSecret(c.Tls13MasterSecret, "s ap traffic", th); err != nil {
		return err
	}
	return nil
}

// activateTLS13 generates the key set of typ and activates it in dirs.
func (c *Context) activateTLS13(typ Tls13KeySetType, dirs ...Direction) error {
	set, err := GenerateKeySet(c, typ)
	if err != nil {
		return err
	}
	for _, d := range dirs {
		if err := c.ActivateKeySet(d, set); err != nil {
			return err
		}
	}
	return nil
}
