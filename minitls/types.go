package minitls

import "fmt"

// ProtocolVersion is the two-byte version code carried in hellos and record headers.
type ProtocolVersion uint16

// Protocol versions (following Go's crypto/tls conventions for the TLS codes)
const (
	VersionSSL30  ProtocolVersion = 0x0300
	VersionTLS10  ProtocolVersion = 0x0301
	VersionTLS11  ProtocolVersion = 0x0302
	VersionTLS12  ProtocolVersion = 0x0303
	VersionTLS13  ProtocolVersion = 0x0304
	VersionDTLS10 ProtocolVersion = 0xfeff
	VersionDTLS12 ProtocolVersion = 0xfefd
)

var knownVersions = []ProtocolVersion{VersionSSL30, VersionTLS10, VersionTLS11, VersionTLS12,
	VersionTLS13, VersionDTLS10, VersionDTLS12}

// ProtocolVersions returns every version this package models.
func ProtocolVersions() []ProtocolVersion {
	return append([]ProtocolVersion(nil), knownVersions...)
}

// Known reports whether v is one of the versions above.
func (v ProtocolVersion) Known() bool {
	for _, k := range knownVersions {
		if k == v {
			return true
		}
	}
	return false
}

// IsDTLS reports whether v is a datagram version.
func (v ProtocolVersion) IsDTLS() bool {
	return v == VersionDTLS10 || v == VersionDTLS12
}

// IsSSL reports whether v is SSL 3.0.
func (v ProtocolVersion) IsSSL() bool {
	return v == VersionSSL30
}

// IsTLS13 reports whether v uses the TLS 1.3 key schedule.
func (v ProtocolVersion) IsTLS13() bool {
	return v == VersionTLS13
}

// UsesExplicitIV reports whether CBC records carry a per-record IV (TLS 1.1+).
func (v ProtocolVersion) UsesExplicitIV() bool {
	switch v {
	case VersionTLS11, VersionTLS12, VersionDTLS10, VersionDTLS12:
		return true
	}
	return false
}

// UsesSHA2PRF reports whether the version uses the RFC 5246 PRF
// (P_SHA256, or the suite hash) instead of the MD5/SHA-1 split PRF.
func (v ProtocolVersion) UsesSHA2PRF() bool {
	return v == VersionTLS12 || v == VersionDTLS12
}

func (v ProtocolVersion) String() string {
	switch v {
	case VersionSSL30:
		return "SSL3"
	case VersionTLS10:
		return "TLS10"
	case VersionTLS11:
		return "TLS11"
	case VersionTLS12:
		return "TLS12"
	case VersionTLS13:
		return "TLS13"
	case VersionDTLS10:
		return "DTLS10"
	case VersionDTLS12:
		return "DTLS12"
	default:
		return fmt.Sprintf("0x%04x", uint16(v))
	}
}

// ParseProtocolVersion accepts the names produced by String.
func ParseProtocolVersion(s string) (ProtocolVersion, error) {
	for _, v := range knownVersions {
		if v.String() == s {
			return v, nil
		}
	}
	return 0, configurationError("parse version", fmt.Sprintf("unknown protocol version %q", s))
}

// ConnectionEnd names one of the two peers.
type ConnectionEnd uint8

const (
	Client ConnectionEnd = iota
	Server
)

// Peer returns the opposite end.
func (e ConnectionEnd) Peer() ConnectionEnd {
	if e == Client {
		return Server
	}
	return Client
}

func (e ConnectionEnd) String() string {
	if e == Client {
		return "CLIENT"
	}
	return "SERVER"
}

// ParseConnectionEnd accepts "CLIENT" or "SERVER".
func ParseConnectionEnd(s string) (ConnectionEnd, error) {
	switch s {
	case "CLIENT":
		return Client, nil
	case "SERVER":
		return Server, nil
	}
	return 0, configurationError("parse connection end", fmt.Sprintf("unknown connection end %q", s))
}

// ContentType is the record-layer content type.
type ContentType uint8

// Record Layer
const (
	ContentTypeChangeCipherSpec ContentType = 20
	ContentTypeAlert            ContentType = 21
	ContentTypeHandshake        ContentType = 22
	ContentTypeApplicationData  ContentType = 23
	ContentTypeHeartbeat        ContentType = 24
)

func (t ContentType) String() string {
	switch t {
	case ContentTypeChangeCipherSpec:
		return "change_cipher_spec"
	case ContentTypeAlert:
		return "alert"
	case ContentTypeHandshake:
		return "handshake"
	case ContentTypeApplicationData:
		return "application_data"
	case ContentTypeHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("content_type(%d)", uint8(t))
	}
}

// HandshakeType is the first byte of every handshake message.
type HandshakeType uint8

// TLS Handshake Message Types (shared between TLS 1.2 and 1.3)
const (
	TypeHelloRequest        HandshakeType = 0
	TypeClientHello         HandshakeType = 1
	TypeServerHello         HandshakeType = 2
	TypeHelloVerifyRequest  HandshakeType = 3
	TypeNewSessionTicket    HandshakeType = 4
	TypeEndOfEarlyData      HandshakeType = 5
	TypeHelloRetryRequest   HandshakeType = 6
	TypeEncryptedExtensions HandshakeType = 8
	TypeCertificate         HandshakeType = 11
	TypeServerKeyExchange   HandshakeType = 12
	TypeCertificateRequest  HandshakeType = 13
	TypeServerHelloDone     HandshakeType = 14
	TypeCertificateVerify   HandshakeType = 15
	TypeClientKeyExchange   HandshakeType = 16
	TypeFinished            HandshakeType = 20
)

func (t HandshakeType) String() string {
	switch t {
	case TypeHelloRequest:
		return "hello_request"
	case TypeClientHello:
		return "client_hello"
	case TypeServerHello:
		return "server_hello"
	case TypeHelloVerifyRequest:
		return "hello_verify_request"
	case TypeNewSessionTicket:
		return "new_session_ticket"
	case TypeEndOfEarlyData:
		return "end_of_early_data"
	case TypeHelloRetryRequest:
		return "hello_retry_request"
	case TypeEncryptedExtensions:
		return "encrypted_extensions"
	case TypeCertificate:
		return "certificate"
	case TypeServerKeyExchange:
		return "server_key_exchange"
	case TypeCertificateRequest:
		return "certificate_request"
	case TypeServerHelloDone:
		return "server_hello_done"
	case TypeCertificateVerify:
		return "certificate_verify"
	case TypeClientKeyExchange:
		return "client_key_exchange"
	case TypeFinished:
		return "finished"
	default:
		return fmt.Sprintf("handshake_type(%d)", uint8(t))
	}
}

// ExtensionType is the 16-bit extension code.
type ExtensionType uint16

// Extension Types
const (
	ExtensionServerName           ExtensionType = 0
	ExtensionSupportedGroups      ExtensionType = 10
	ExtensionECPointFormats       ExtensionType = 11
	ExtensionSignatureAlgorithms  ExtensionType = 13
	ExtensionHeartbeat            ExtensionType = 15
	ExtensionALPN                 ExtensionType = 16
	ExtensionPadding              ExtensionType = 21
	ExtensionEncryptThenMAC       ExtensionType = 22
	ExtensionExtendedMasterSecret ExtensionType = 23
	ExtensionSessionTicket        ExtensionType = 35
	ExtensionEarlyData            ExtensionType = 42
	ExtensionSupportedVersions    ExtensionType = 43
	ExtensionCookie               ExtensionType = 44
	ExtensionPSKKeyExchangeModes  ExtensionType = 45
	ExtensionKeyShare             ExtensionType = 51
	ExtensionRenegotiationInfo    ExtensionType = 0xff01
)

func (t ExtensionType) String() string {
	switch t {
	case ExtensionServerName:
		return "server_name"
	case ExtensionSupportedGroups:
		return "supported_groups"
	case ExtensionECPointFormats:
		return "ec_point_formats"
	case ExtensionSignatureAlgorithms:
		return "signature_algorithms"
	case ExtensionHeartbeat:
		return "heartbeat"
	case ExtensionALPN:
		return "application_layer_protocol_negotiation"
	case ExtensionPadding:
		return "padding"
	case ExtensionEncryptThenMAC:
		return "encrypt_then_mac"
	case ExtensionExtendedMasterSecret:
		return "extended_master_secret"
	case ExtensionSessionTicket:
		return "session_ticket"
	case ExtensionEarlyData:
		return "early_data"
	case ExtensionSupportedVersions:
		return "supported_versions"
	case ExtensionCookie:
		return "cookie"
	case ExtensionPSKKeyExchangeModes:
		return "psk_key_exchange_modes"
	case ExtensionKeyShare:
		return "key_share"
	case ExtensionRenegotiationInfo:
		return "renegotiation_info"
	default:
		return fmt.Sprintf("extension(%d)", uint16(t))
	}
}

// NamedGroup identifies a key exchange group.
type NamedGroup uint16

// Supported Groups
const (
	GroupSecp256r1 NamedGroup = 23
	GroupSecp384r1 NamedGroup = 24
	GroupSecp521r1 NamedGroup = 25
	GroupX25519    NamedGroup = 29
	GroupFFDHE2048 NamedGroup = 256
)

// SignatureScheme identifies a signature algorithm (TLS 1.2 hash/signature pair or TLS 1.3 scheme).
type SignatureScheme uint16

// Signature Algorithms
const (
	SigRSAPKCS1SHA1         SignatureScheme = 0x0201
	SigRSAPKCS1SHA256       SignatureScheme = 0x0401
	SigECDSASecp256r1SHA256 SignatureScheme = 0x0403
	SigRSAPKCS1SHA384       SignatureScheme = 0x0501
	SigECDSASecp384r1SHA384 SignatureScheme = 0x0503
	SigRSAPSSRSAESHA256     SignatureScheme = 0x0804
	SigRSAPSSRSAESHA384     SignatureScheme = 0x0805
	SigRSAPSSRSAESHA512     SignatureScheme = 0x0806
)

// HeartbeatMode is the single byte of the heartbeat extension.
type HeartbeatMode uint8

const (
	HeartbeatModeNone             HeartbeatMode = 0 // extension not sent
	HeartbeatPeerAllowedToSend    HeartbeatMode = 1
	HeartbeatPeerNotAllowedToSend HeartbeatMode = 2
)

// Heartbeat message types (RFC 6520)
const (
	HeartbeatRequest  uint8 = 1
	HeartbeatResponse uint8 = 2
)

// AlertLevel is the first byte of an alert.
type AlertLevel uint8

// Alert Levels
const (
	AlertLevelWarning AlertLevel = 1
	AlertLevelFatal   AlertLevel = 2
)

func (l AlertLevel) String() string {
	switch l {
	case AlertLevelWarning:
		return "warning"
	case AlertLevelFatal:
		return "fatal"
	default:
		return fmt.Sprintf("level(%d)", uint8(l))
	}
}

// AlertDescription is the second byte of an alert.
type AlertDescription uint8

// Alert Descriptions (RFC 5246 Section 7.2 and RFC 8446 Section 6)
const (
	AlertCloseNotify            AlertDescription = 0
	AlertUnexpectedMessage      AlertDescription = 10
	AlertBadRecordMAC           AlertDescription = 20
	AlertDecryptionFailed       AlertDescription = 21
	AlertRecordOverflow         AlertDescription = 22
	AlertDecompressionFailure   AlertDescription = 30
	AlertHandshakeFailure       AlertDescription = 40
	AlertNoCertificate          AlertDescription = 41
	AlertBadCertificate         AlertDescription = 42
	AlertUnsupportedCertificate AlertDescription = 43
	AlertCertificateRevoked     AlertDescription = 44
	AlertCertificateExpired     AlertDescription = 45
	AlertCertificateUnknown     AlertDescription = 46
	AlertIllegalParameter       AlertDescription = 47
	AlertUnknownCA              AlertDescription = 48
	AlertAccessDenied           AlertDescription = 49
	AlertDecodeError            AlertDescription = 50
	AlertDecryptError           AlertDescription = 51
	AlertExportRestriction      AlertDescription = 60
	AlertProtocolVersion        AlertDescription = 70
	AlertInsufficientSecurity   AlertDescription = 71
	AlertInternalError          AlertDescription = 80
	AlertInappropriateFallback  AlertDescription = 86
	AlertUserCanceled           AlertDescription = 90
	AlertNoRenegotiation        AlertDescription = 100
	AlertMissingExtension       AlertDescription = 109
	AlertUnsupportedExtension   AlertDescription = 110
	AlertUnrecognizedName       AlertDescription = 112
	AlertUnknownPSKIdentity     AlertDescription = 115
	AlertCertificateRequired    AlertDescription = 116
	AlertNoApplicationProtocol  AlertDescription = 120
)

func (d AlertDescription) String() string {
	switch d {
	case AlertCloseNotify:
		return "close_notify"
	case AlertUnexpectedMessage:
		return "unexpected_message"
	case AlertBadRecordMAC:
		return "bad_record_mac"
	case AlertDecryptionFailed:
		return "decryption_failed"
	case AlertRecordOverflow:
		return "record_overflow"
	case AlertDecompressionFailure:
		return "decompression_failure"
	case AlertHandshakeFailure:
		return "handshake_failure"
	case AlertNoCertificate:
		return "no_certificate"
	case AlertBadCertificate:
		return "bad_certificate"
	case AlertUnsupportedCertificate:
		return "unsupported_certificate"
	case AlertCertificateRevoked:
		return "certificate_revoked"
	case AlertCertificateExpired:
		return "certificate_expired"
	case AlertCertificateUnknown:
		return "certificate_unknown"
	case AlertIllegalParameter:
		return "illegal_parameter"
	case AlertUnknownCA:
		return "unknown_ca"
	case AlertAccessDenied:
		return "access_denied"
	case AlertDecodeError:
		return "decode_error"
	case AlertDecryptError:
		return "decrypt_error"
	case AlertExportRestriction:
		return "export_restriction"
	case AlertProtocolVersion:
		return "protocol_version"
	case AlertInsufficientSecurity:
		return "insufficient_security"
	case AlertInternalError:
		return "internal_error"
	case AlertInappropriateFallback:
		return "inappropriate_fallback"
	case AlertUserCanceled:
		return "user_canceled"
	case AlertNoRenegotiation:
		return "no_renegotiation"
	case AlertMissingExtension:
		return "missing_extension"
	case AlertUnsupportedExtension:
		return "unsupported_extension"
	case AlertUnrecognizedName:
		return "unrecognized_name"
	case AlertUnknownPSKIdentity:
		return "unknown_psk_identity"
	case AlertCertificateRequired:
		return "certificate_required"
	case AlertNoApplicationProtocol:
		return "no_application_protocol"
	default:
		return fmt.Sprintf("alert(%d)", uint8(d))
	}
}

// Fixed field sizes
const (
	randomLength           = 32
	sequenceNumberLength   = 8
	aeadNonceLength        = 12
	aeadTagLength          = 16
	maxPlaintextLength     = 1 << 14
	tlsRecordHeaderLen     = 5
	dtlsRecordHeaderLen    = 13
	handshakeHeaderLen     = 4
	dtlsHandshakeHeaderLen = 12
	masterSecretLength     = 48
	finishedLength         = 12
	ssl3FinishedLength     = 36
)

func putUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}
