package minitls

import (
	"github.com/cisco/go-tls-syntax"
)

// ExtensionBody is the typed payload of one extension. Bodies are encoded with
// the TLS presentation-language codec from their struct tags.
type ExtensionBody interface {
	ExtensionType() ExtensionType
}

// ServerNameBody is the ClientHello server_name list (RFC 6066 Section 3).
type ServerNameBody struct {
	Names []ServerNameEntry `tls:"head=2"`
}

type ServerNameEntry struct {
	NameType uint8
	HostName []byte `tls:"head=2"`
}

type SupportedGroupsBody struct {
	Groups []NamedGroup `tls:"head=2"`
}

type ECPointFormatsBody struct {
	Formats []uint8 `tls:"head=1"`
}

type SignatureAlgorithmsBody struct {
	Algorithms []SignatureScheme `tls:"head=2"`
}

type HeartbeatBody struct {
	Mode HeartbeatMode
}

type ALPNBody struct {
	Protocols []ALPNProtocol `tls:"head=2"`
}

type ALPNProtocol struct {
	Name []byte `tls:"head=1"`
}

// ClientSupportedVersionsBody is supported_versions as sent in ClientHello.
type ClientSupportedVersionsBody struct {
	Versions []ProtocolVersion `tls:"head=1"`
}

// ServerSupportedVersionBody is supported_versions in ServerHello and
// HelloRetryRequest: the selected version only.
type ServerSupportedVersionBody struct {
	Version ProtocolVersion
}

type KeyShareEntry struct {
	Group       NamedGroup
	KeyExchange []byte `tls:"head=2"`
}

type ClientKeyShareBody struct {
	Shares []KeyShareEntry `tls:"head=2"`
}

type ServerKeyShareBody struct {
	Share KeyShareEntry
}

// HelloRetryKeyShareBody names the group the client must retry with.
type HelloRetryKeyShareBody struct {
	Group NamedGroup
}

type CookieBody struct {
	Cookie []byte `tls:"head=2"`
}

type PSKKeyExchangeModesBody struct {
	Modes []uint8 `tls:"head=1"`
}

type RenegotiationInfoBody struct {
	Data []byte `tls:"head=1"`
}

// SessionTicketBody carries the raw ticket, without a length prefix.
type SessionTicketBody struct {
	Ticket []byte
}

// PaddingBody is a run of zero bytes.
type PaddingBody struct {
	Padding []byte
}

// EmptyExtension is an extension whose presence is the whole message, such as
// extended_master_secret or a server_name acknowledgement.
type EmptyExtension struct {
	Type ExtensionType
}

// UnknownExtension keeps the payload of an extension this package does not
// interpret, or one whose payload did not decode.
type UnknownExtension struct {
	Type ExtensionType
	Data []byte
}

func (ServerNameBody) ExtensionType() ExtensionType              { return ExtensionServerName }
func (SupportedGroupsBody) ExtensionType() ExtensionType         { return ExtensionSupportedGroups }
func (ECPointFormatsBody) ExtensionType() ExtensionType          { return ExtensionECPointFormats }
func (SignatureAlgorithmsBody) ExtensionType() ExtensionType     { return ExtensionSignatureAlgorithms }
func (HeartbeatBody) ExtensionType() ExtensionType               { return ExtensionHeartbeat }
func (ALPNBody) ExtensionType() ExtensionType                    { return ExtensionALPN }
func (ClientSupportedVersionsBody) ExtensionType() ExtensionType { return ExtensionSupportedVersions }
func (ServerSupportedVersionBody) ExtensionType() ExtensionType  { return ExtensionSupportedVersions }
func (ClientKeyShareBody) ExtensionType() ExtensionType          { return ExtensionKeyShare }
func (ServerKeyShareBody) ExtensionType() ExtensionType          { return ExtensionKeyShare }
func (HelloRetryKeyShareBody) ExtensionType() ExtensionType      { return ExtensionKeyShare }
func (CookieBody) ExtensionType() ExtensionType                  { return ExtensionCookie }
func (PSKKeyExchangeModesBody) ExtensionType() ExtensionType     { return ExtensionPSKKeyExchangeModes }
func (RenegotiationInfoBody) ExtensionType() ExtensionType       { return ExtensionRenegotiationInfo }
func (SessionTicketBody) ExtensionType() ExtensionType           { return ExtensionSessionTicket }
func (PaddingBody) ExtensionType() ExtensionType                 { return ExtensionPadding }
func (e EmptyExtension) ExtensionType() ExtensionType            { return e.Type }
func (e UnknownExtension) ExtensionType() ExtensionType          { return e.Type }

// Raw bodies take the whole payload.

func (b SessionTicketBody) MarshalTLS() ([]byte, error) {
	return append([]byte{}, b.Ticket...), nil
}

func (b *SessionTicketBody) UnmarshalTLS(data []byte) (int, error) {
	b.Ticket = append([]byte{}, data...)
	return len(data), nil
}

func (b PaddingBody) MarshalTLS() ([]byte, error) {
	return append([]byte{}, b.Padding...), nil
}

func (b *PaddingBody) UnmarshalTLS(data []byte) (int, error) {
	b.Padding = append([]byte{}, data...)
	return len(data), nil
}

func (e EmptyExtension) MarshalTLS() ([]byte, error) {
	return []byte{}, nil
}

func (e *EmptyExtension) UnmarshalTLS(data []byte) (int, error) {
	return 0, nil
}

func (e UnknownExtension) MarshalTLS() ([]byte, error) {
	return append([]byte{}, e.Data...), nil
}

func (e *UnknownExtension) UnmarshalTLS(data []byte) (int, error) {
	e.Data = append([]byte{}, data...)
	return len(data), nil
}

// decodeExtensionBody decodes payload with the body type the table names for
// (t, msg). A decode error or unconsumed bytes fall back to UnknownExtension.
func decodeExtensionBody(t ExtensionType, msg HandshakeType, payload []byte) ExtensionBody {
	if entry, ok := extensionTable[t]; ok && entry.body != nil {
		if body := entry.body(msg); body != nil {
			n, err := syntax.Unmarshal(payload, body)
			if err == nil && n == len(payload) {
				return body
			}
		}
	}
	return &UnknownExtension{Type: t, Data: append([]byte{}, payload...)}
}

func marshalExtensionBody(body ExtensionBody) ([]byte, error) {
	return syntax.Marshal(body)
}
