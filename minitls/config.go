package minitls

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"io"
	"math/big"
	"time"
)

// AlertConfig is the alert a trace sends when it does not specify one.
type AlertConfig struct {
	Level       AlertLevel
	Description AlertDescription
}

// DHGroup holds finite-field Diffie-Hellman parameters.
type DHGroup struct {
	P *big.Int
	G *big.Int
}

// Config is the read-only parameter snapshot consumed by preparators, handlers
// and the trace factory. It is passed explicitly to every Context; a Config
// must not be modified after a trace using it has started. Use Clone to derive
// variants.
type Config struct {
	// ConnectionEnd is the peer this toolkit plays.
	ConnectionEnd ConnectionEnd

	// HighestVersion is offered in ClientHello.legacy_version (capped at TLS 1.2
	// on the wire when TLS 1.3 is offered through supported_versions) and selected
	// by a server.
	HighestVersion ProtocolVersion

	// SupportedVersions is sent in the supported_versions extension when it
	// contains TLS 1.3.
	SupportedVersions []ProtocolVersion

	// CipherSuites in order of preference. The first entry drives the shape of
	// factory-built traces.
	CipherSuites []CipherSuite

	// NamedGroups for supported_groups and key_share, in order of preference.
	NamedGroups []NamedGroup

	SignatureAlgorithms []SignatureScheme

	// ServerName is sent in the server_name extension when non-empty.
	ServerName string

	// ALPNProtocols are offered by a client (or the first is selected by a server).
	ALPNProtocols []string

	ClientAuthentication bool
	SessionResumption    bool

	// HeartbeatMode adds the heartbeat extension when not HeartbeatModeNone.
	HeartbeatMode    HeartbeatMode
	HeartbeatPayload []byte

	// SessionTicket is sent in the session_ticket extension; AddSessionTicketExtension
	// sends the extension even when the ticket is empty.
	SessionTicket             []byte
	AddSessionTicketExtension bool
	TicketLifetimeHint        uint32

	AddExtendedMasterSecret bool
	AddRenegotiationInfo    bool
	AddECPointFormats       bool
	// PaddingLength adds a padding extension of that many zero bytes when > 0.
	PaddingLength int

	ApplicationData            []byte
	ServerSendsApplicationData bool

	DefaultAlert AlertConfig

	// StrictParsing turns truncated or overlong length fields into ParseErrors
	// instead of partial messages.
	StrictParsing bool

	// ReceiveTimeout bounds each receive action.
	ReceiveTimeout time.Duration

	// Fixed values for reproducible runs; random when nil.
	FixedClientRandom []byte
	FixedServerRandom []byte
	FixedSessionID    []byte

	// RSAKey signs ServerKeyExchange / CertificateVerify and decrypts RSA
	// ClientKeyExchange; CertificateChain (DER) is sent in Certificate.
	RSAKey           *rsa.PrivateKey
	CertificateChain [][]byte

	DHGroup *DHGroup

	// Rand is the entropy source; crypto/rand when nil.
	Rand io.Reader
}

// rfc3526Group14 is the 2048-bit MODP group.
const rfc3526Group14 = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
	"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
	"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
	"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
	"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3D" +
	"C2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F" +
	"83655D23DCA3AD961C62F356208552BB9ED529077096966D" +
	"670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B" +
	"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9" +
	"DE2BCBF6955817183995497CEA956AE515D2261898FA0510" +
	"15728E5A8AACAA68FFFFFFFFFFFFFFFF"

// DefaultDHGroup returns the RFC 3526 2048-bit group with generator 2.
func DefaultDHGroup() *DHGroup {
	p, _ := new(big.Int).SetString(rfc3526Group14, 16)
	return &DHGroup{P: p, G: big.NewInt(2)}
}

// DefaultConfig returns a TLS 1.2 client configuration.
func DefaultConfig() *Config {
	return &Config{
		ConnectionEnd:     Client,
		HighestVersion:    VersionTLS12,
		SupportedVersions: []ProtocolVersion{VersionTLS12},
		CipherSuites: []CipherSuite{
			TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
			TLS_RSA_WITH_AES_128_CBC_SHA,
		},
		NamedGroups: []NamedGroup{GroupX25519, GroupSecp256r1, GroupSecp384r1},
		SignatureAlgorithms: []SignatureScheme{
			SigRSAPKCS1SHA256,
			SigRSAPSSRSAESHA256,
			SigECDSASecp256r1SHA256,
			SigRSAPKCS1SHA1,
		},
		AddECPointFormats:  true,
		TicketLifetimeHint: 7200,
		ApplicationData:    []byte("GET / HTTP/1.1\r\n\r\n"),
		HeartbeatPayload:   []byte("heartbeat"),
		DefaultAlert:       AlertConfig{Level: AlertLevelFatal, Description: AlertHandshakeFailure},
		ReceiveTimeout:     time.Second,
		DHGroup:            DefaultDHGroup(),
	}
}

// Clone returns a deep copy of c. The RSA key and Rand reader are shared.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	clone.SupportedVersions = append([]ProtocolVersion(nil), c.SupportedVersions...)
	clone.CipherSuites = append([]CipherSuite(nil), c.CipherSuites...)
	clone.NamedGroups = append([]NamedGroup(nil), c.NamedGroups...)
	clone.SignatureAlgorithms = append([]SignatureScheme(nil), c.SignatureAlgorithms...)
	clone.ALPNProtocols = append([]string(nil), c.ALPNProtocols...)
	clone.HeartbeatPayload = append([]byte(nil), c.HeartbeatPayload...)
	clone.SessionTicket = append([]byte(nil), c.SessionTicket...)
	clone.ApplicationData = append([]byte(nil), c.ApplicationData...)
	clone.FixedClientRandom = append([]byte(nil), c.FixedClientRandom...)
	clone.FixedServerRandom = append([]byte(nil), c.FixedServerRandom...)
	clone.FixedSessionID = append([]byte(nil), c.FixedSessionID...)
	if c.CertificateChain != nil {
		clone.CertificateChain = make([][]byte, len(c.CertificateChain))
		for i, cert := range c.CertificateChain {
			clone.CertificateChain[i] = append([]byte(nil), cert...)
		}
	}
	if c.DHGroup != nil {
		clone.DHGroup = &DHGroup{P: new(big.Int).Set(c.DHGroup.P), G: new(big.Int).Set(c.DHGroup.G)}
	}
	return &clone
}

// Validate reports configuration errors that would make every trace fail.
func (c *Config) Validate() error {
	const op = "validate config"
	if !c.HighestVersion.Known() {
		return configurationError(op, fmt.Sprintf("unknown highest version %s", c.HighestVersion))
	}
	if len(c.CipherSuites) == 0 {
		return configurationError(op, "no cipher suites configured")
	}
	for _, s := range c.CipherSuites {
		if s.Info() == nil {
			return configurationError(op, fmt.Sprintf("unsupported cipher suite %s", s))
		}
	}
	if c.offersTLS13() {
		found := false
		for _, s := range c.CipherSuites {
			found = found || s.Info().TLS13
		}
		if !found {
			return configurationError(op, "TLS 1.3 offered without a TLS 1.3 cipher suite")
		}
	}
	if c.FixedClientRandom != nil && len(c.FixedClientRandom) != randomLength {
		return configurationError(op, "fixed client random must be 32 bytes")
	}
	if c.FixedServerRandom != nil && len(c.FixedServerRandom) != randomLength {
		return configurationError(op, "fixed server random must be 32 bytes")
	}
	if len(c.FixedSessionID) > 32 {
		return configurationError(op, "fixed session id longer than 32 bytes")
	}
	if c.ReceiveTimeout < 0 {
		return configurationError(op, "negative receive timeout")
	}
	if c.DHGroup != nil && (c.DHGroup.P == nil || c.DHGroup.G == nil || c.DHGroup.P.Sign() <= 0) {
		return configurationError(op, "incomplete DH group")
	}
	return nil
}

// offersTLS13 reports whether supported_versions carries TLS 1.3.
func (c *Config) offersTLS13() bool {
	if c.HighestVersion.IsTLS13() {
		return true
	}
	for _, v := range c.SupportedVersions {
		if v.IsTLS13() {
			return true
		}
	}
	return false
}

func (c *Config) rand() io.Reader {
	if c.Rand != nil {
		return c.Rand
	}
	return rand.Reader
}
