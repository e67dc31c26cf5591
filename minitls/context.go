package minitls

import (
	"crypto/ecdh"
	"crypto/rsa"
	"io"
	"math/big"

	"go.uber.org/zap"
)

// Direction selects the read or write half of the record layer.
type Direction int

const (
	DirectionRead Direction = iota
	DirectionWrite
)

func (d Direction) String() string {
	if d == DirectionRead {
		return "read"
	}
	return "write"
}

// ConnectionState is one direction of the record layer: the active epoch, its
// key set and the next sequence number. Within an epoch the sequence number
// starts at zero and increases by exactly one per record.
type ConnectionState struct {
	Epoch  uint16
	KeySet *KeySet

	sequence   uint64
	protection recordProtection
}

// SequenceNumber returns the sequence number the next record will use.
func (s *ConnectionState) SequenceNumber() uint64 {
	return s.sequence
}

// Encrypted reports whether records in this direction are protected.
func (s *ConnectionState) Encrypted() bool {
	return s.protection != nil
}

func (s *ConnectionState) nextSequence() uint64 {
	seq := s.sequence
	s.sequence++
	return seq
}

// AlertRecord is the last alert seen on the connection.
type AlertRecord struct {
	Level       AlertLevel
	Description AlertDescription
	Sender      ConnectionEnd
}

// Context is the mutable state of one connection. It is created at trace start,
// written by preparators and handlers, and never shared between traces.
type Context struct {
	Config *Config
	Logger *zap.Logger

	// ConnectionEnd is the end this toolkit plays; TalkingEnd is the sender of
	// the message currently being prepared or handled.
	ConnectionEnd ConnectionEnd
	TalkingEnd    ConnectionEnd

	ClientVersion       ProtocolVersion // legacy_version of the ClientHello
	SelectedVersion     ProtocolVersion
	SelectedCipherSuite CipherSuite
	ClientCipherSuites  []CipherSuite
	SelectedCompression uint8
	ClientRandom        []byte
	ServerRandom        []byte
	SessionID           []byte
	DTLSCookie          []byte
	// Cookie is the TLS 1.3 HelloRetryRequest cookie extension.
	Cookie []byte

	PreMasterSecret            []byte
	MasterSecret               []byte
	ClientExtendedMasterSecret bool
	ServerExtendedMasterSecret bool

	// TLS 1.3 secrets
	EarlySecret                    []byte
	HandshakeSecret                []byte
	Tls13MasterSecret              []byte
	SharedSecret                   []byte
	EarlyDataCipherSuite           CipherSuite
	ClientEarlyTrafficSecret       []byte
	ClientHandshakeTrafficSecret   []byte
	ServerHandshakeTrafficSecret   []byte
	ClientApplicationTrafficSecret []byte
	ServerApplicationTrafficSecret []byte

	// Key exchange
	SelectedGroup     NamedGroup
	ClientNamedGroups []NamedGroup
	ClientKeyShares   []KeyShareEntry
	ServerKeyShare    *KeyShareEntry
	PeerECPublicKey   []byte
	DHGroup           *DHGroup
	PeerDHPublicKey   *big.Int
	PeerRSAPublicKey  *rsa.PublicKey
	PeerCertificates  [][]byte

	ecdhKeys map[NamedGroup]*ecdh.PrivateKey
	dhKey    *big.Int

	// Negotiated extension values
	ServerName              string
	PeerSignatureAlgorithms []SignatureScheme
	PeerHeartbeatMode       HeartbeatMode
	SelectedALPN            string
	ClientSupportedVersions []ProtocolVersion
	SessionTicket           []byte
	TicketLifetimeHint      uint32
	ServerSupportsTickets   bool
	SecureRenegotiation     bool

	// CertificateRequested is set when the server asked for client authentication.
	CertificateRequested bool
	// LastAlert is the most recently sent or received alert.
	LastAlert *AlertRecord
	// LastHeartbeatPayload is the payload of the last heartbeat request.
	LastHeartbeatPayload []byte

	// Record layer
	Read          *ConnectionState
	Write         *ConnectionState
	PendingKeySet *KeySet

	// DTLS handshake message sequence numbers
	dtlsWriteMessageSeq uint16

	transcript     []byte
	transcriptMark int
}

// NewContext returns a fresh Context for cfg (DefaultConfig when nil).
func NewContext(cfg *Config, logger *zap.Logger) *Context {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx := &Context{
		Config:        cfg,
		Logger:        logger,
		ConnectionEnd: cfg.ConnectionEnd,
		TalkingEnd:    cfg.ConnectionEnd,
		ClientVersion: cfg.HighestVersion,
		DHGroup:       cfg.DHGroup,
		Read:          &ConnectionState{},
		Write:         &ConnectionState{},
		ecdhKeys:      make(map[NamedGroup]*ecdh.PrivateKey),
	}
	if len(cfg.CipherSuites) > 0 {
		ctx.SelectedCipherSuite = cfg.CipherSuites[0]
	}
	return ctx
}

func (c *Context) log() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

func (c *Context) rand() io.Reader {
	return c.Config.rand()
}

// Version returns the negotiated version, or the configured highest version
// before negotiation.
func (c *Context) Version() ProtocolVersion {
	if c.SelectedVersion != 0 {
		return c.SelectedVersion
	}
	return c.Config.HighestVersion
}

// IsDTLS reports whether records and handshake messages use datagram framing.
func (c *Context) IsDTLS() bool {
	return c.Version().IsDTLS()
}

// IsTLS13 reports whether TLS 1.3 has been negotiated.
func (c *Context) IsTLS13() bool {
	return c.SelectedVersion.IsTLS13()
}

// IsSender reports whether the message being processed is sent by us.
func (c *Context) IsSender() bool {
	return c.TalkingEnd == c.ConnectionEnd
}

// recordVersion is the version written in record headers.
func (c *Context) recordVersion() ProtocolVersion {
	v := c.Version()
	if v.IsTLS13() {
		return VersionTLS12
	}
	return v
}

// CipherSuiteInfo returns the selected suite's metadata, or nil.
func (c *Context) CipherSuiteInfo() *CipherSuiteInfo {
	return c.SelectedCipherSuite.Info()
}

// Transcript returns the handshake messages processed so far.
func (c *Context) Transcript() []byte {
	return c.transcript
}

// AppendTranscript adds one serialized handshake message.
func (c *Context) AppendTranscript(raw []byte) {
	c.transcriptMark = len(c.transcript)
	c.transcript = append(c.transcript, raw...)
}

// transcriptBeforeCurrent is the transcript without the message appended last.
func (c *Context) transcriptBeforeCurrent() []byte {
	return c.transcript[:c.transcriptMark]
}

// ResetTranscript replaces the transcript, used by HelloVerifyRequest and
// HelloRetryRequest handling.
func (c *Context) ResetTranscript(data []byte) {
	c.transcript = append([]byte(nil), data...)
	c.transcriptMark = 0
}

func (c *Context) state(dir Direction) *ConnectionState {
	if dir == DirectionRead {
		return c.Read
	}
	return c.Write
}

// sender returns the end whose keys protect records in dir.
func (c *Context) sender(dir Direction) ConnectionEnd {
	if dir == DirectionWrite {
		return c.ConnectionEnd
	}
	return c.ConnectionEnd.Peer()
}

// ActivateKeySet starts a new epoch in dir protected by ks. The sequence
// number restarts at zero.
func (c *Context) ActivateKeySet(dir Direction, ks *KeySet) error {
	prot, err := newRecordProtection(c, ks, c.sender(dir))
	if err != nil {
		return err
	}
	st := c.state(dir)
	st.Epoch++
	st.sequence = 0
	st.KeySet = ks
	st.protection = prot
	c.log().Debug("activated key set",
		zap.Stringer("direction", dir),
		zap.Uint16("epoch", st.Epoch),
		zap.Stringer("type", ks.Type),
		zap.Stringer("suite", ks.CipherSuite))
	return nil
}

// activatePending switches dir to the pending key set (ChangeCipherSpec).
func (c *Context) activatePending(dir Direction) error {
	if c.PendingKeySet == nil {
		ks, err := GenerateKeySet(c, KeySetNone)
		if err != nil {
			return err
		}
		c.PendingKeySet = ks
	}
	return c.ActivateKeySet(dir, c.PendingKeySet)
}

// nextDTLSMessageSeq returns the message_seq for the next sent handshake message.
func (c *Context) nextDTLSMessageSeq() uint16 {
	seq := c.dtlsWriteMessageSeq
	c.dtlsWriteMessageSeq++
	return seq
}
