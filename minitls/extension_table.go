package minitls

import (
	"fmt"
)

// extensionEntry is one row of the extension dispatch table. body returns an
// empty typed body for the message the extension appears in; prepare builds
// the body to send (false drops the extension); handle applies a sent or
// received body to the context.
type extensionEntry struct {
	body    func(msg HandshakeType) ExtensionBody
	prepare func(ctx *Context, msg HandshakeType) (ExtensionBody, bool, error)
	handle  func(ctx *Context, msg HandshakeType, body ExtensionBody) error
}

var extensionTable map[ExtensionType]extensionEntry

func init() {
	extensionTable = map[ExtensionType]extensionEntry{
		ExtensionServerName: {
			body: func(msg HandshakeType) ExtensionBody {
				if msg == TypeClientHello {
					return &ServerNameBody{}
				}
				return &EmptyExtension{Type: ExtensionServerName}
			},
			prepare: prepareServerName,
			handle:  handleServerName,
		},
		ExtensionSupportedGroups: {
			body:    func(HandshakeType) ExtensionBody { return &SupportedGroupsBody{} },
			prepare: prepareSupportedGroups,
			handle:  handleSupportedGroups,
		},
		ExtensionECPointFormats: {
			body:    func(HandshakeType) ExtensionBody { return &ECPointFormatsBody{} },
			prepare: prepareECPointFormats,
		},
		ExtensionSignatureAlgorithms: {
			body:    func(HandshakeType) ExtensionBody { return &SignatureAlgorithmsBody{} },
			prepare: prepareSignatureAlgorithms,
			handle:  handleSignatureAlgorithms,
		},
		ExtensionHeartbeat: {
			body:    func(HandshakeType) ExtensionBody { return &HeartbeatBody{} },
			prepare: prepareHeartbeat,
			handle:  handleHeartbeat,
		},
		ExtensionALPN: {
			body:    func(HandshakeType) ExtensionBody { return &ALPNBody{} },
			prepare: prepareALPN,
			handle:  handleALPN,
		},
		ExtensionPadding: {
			body:    func(HandshakeType) ExtensionBody { return &PaddingBody{} },
			prepare: preparePadding,
		},
		ExtensionEncryptThenMAC: {
			body: func(HandshakeType) ExtensionBody { return &EmptyExtension{Type: ExtensionEncryptThenMAC} },
		},
		ExtensionExtendedMasterSecret: {
			body:    func(HandshakeType) ExtensionBody { return &EmptyExtension{Type: ExtensionExtendedMasterSecret} },
			prepare: prepareExtendedMasterSecret,
			handle:  handleExtendedMasterSecret,
		},
		ExtensionSessionTicket: {
			body:    func(HandshakeType) ExtensionBody { return &SessionTicketBody{} },
			prepare: prepareSessionTicket,
			handle:  handleSessionTicket,
		},
		ExtensionEarlyData: {
			body: func(HandshakeType) ExtensionBody { return &EmptyExtension{Type: ExtensionEarlyData} },
		},
		ExtensionSupportedVersions: {
			body: func(msg HandshakeType) ExtensionBody {
				if msg == TypeClientHello {
					return &ClientSupportedVersionsBody{}
				}
				return &ServerSupportedVersionBody{}
			},
			prepare: prepareSupportedVersions,
			handle:  handleSupportedVersions,
		},
		ExtensionCookie: {
			body:    func(HandshakeType) ExtensionBody { return &CookieBody{} },
			prepare: prepareCookie,
			handle:  handleCookie,
		},
		ExtensionPSKKeyExchangeModes: {
			body:    func(HandshakeType) ExtensionBody { return &PSKKeyExchangeModesBody{} },
			prepare: preparePSKKeyExchangeModes,
		},
		ExtensionKeyShare: {
			body: func(msg HandshakeType) ExtensionBody {
				switch msg {
				case TypeClientHello:
					return &ClientKeyShareBody{}
				case TypeHelloRetryRequest:
					return &HelloRetryKeyShareBody{}
				default:
					return &ServerKeyShareBody{}
				}
			},
			prepare: prepareKeyShare,
			handle:  handleKeyShare,
		},
		ExtensionRenegotiationInfo: {
			body:    func(HandshakeType) ExtensionBody { return &RenegotiationInfoBody{} },
			prepare: prepareRenegotiationInfo,
			handle:  handleRenegotiationInfo,
		},
	}
}

// defaultExtensions is the candidate list for a message prepared without an
// explicit extension list. Each preparator then decides from the context
// whether its extension is sent.
func defaultExtensions(ctx *Context, msg HandshakeType) []ExtensionType {
	switch msg {
	case TypeClientHello:
		list := []ExtensionType{
			ExtensionServerName,
			ExtensionSupportedGroups,
			ExtensionECPointFormats,
			ExtensionSignatureAlgorithms,
			ExtensionHeartbeat,
			ExtensionALPN,
			ExtensionExtendedMasterSecret,
			ExtensionSessionTicket,
			ExtensionRenegotiationInfo,
		}
		if ctx.Config.offersTLS13() {
			list = append(list,
				ExtensionSupportedVersions,
				ExtensionKeyShare,
				ExtensionPSKKeyExchangeModes,
				ExtensionCookie)
		}
		return append(list, ExtensionPadding)
	case TypeServerHello:
		if ctx.Version().IsTLS13() {
			return []ExtensionType{ExtensionSupportedVersions, ExtensionKeyShare}
		}
		return []ExtensionType{
			ExtensionRenegotiationInfo,
			ExtensionExtendedMasterSecret,
			ExtensionSessionTicket,
			ExtensionECPointFormats,
			ExtensionServerName,
			ExtensionHeartbeat,
			ExtensionALPN,
		}
	case TypeHelloRetryRequest:
		return []ExtensionType{ExtensionSupportedVersions, ExtensionKeyShare, ExtensionCookie}
	case TypeEncryptedExtensions:
		return []ExtensionType{ExtensionServerName, ExtensionALPN}
	case TypeCertificateRequest:
		return []ExtensionType{ExtensionSignatureAlgorithms}
	default:
		return nil
	}
}

func bodyAs[T ExtensionBody](ext ExtensionType, body ExtensionBody) (T, error) {
	t, ok := body.(T)
	if !ok {
		var zero T
		return zero, configurationError("handle extension", fmt.Sprintf("%s: unexpected body %T", ext, body))
	}
	return t, nil
}

func isServerMessage(msg HandshakeType) bool {
	return msg != TypeClientHello
}

func prepareServerName(ctx *Context, msg HandshakeType) (ExtensionBody, bool, error) {
	if msg == TypeClientHello {
		name := ctx.Config.ServerName
		if name == "" {
			return nil, false, nil
		}
		return &ServerNameBody{Names: []ServerNameEntry{{NameType: 0, HostName: []byte(name)}}}, true, nil
	}
	// A server acknowledges a received name with an empty extension.
	if ctx.ServerName == "" || (ctx.Version().IsTLS13() && msg == TypeServerHello) {
		return nil, false, nil
	}
	return &EmptyExtension{Type: ExtensionServerName}, true, nil
}

func handleServerName(ctx *Context, msg HandshakeType, body ExtensionBody) error {
	if msg != TypeClientHello {
		return nil
	}
	b, err := bodyAs[*ServerNameBody](ExtensionServerName, body)
	if err != nil {
		return err
	}
	for _, n := range b.Names {
		if n.NameType == 0 {
			ctx.ServerName = string(n.HostName)
			break
		}
	}
	return nil
}

func prepareSupportedGroups(ctx *Context, msg HandshakeType) (ExtensionBody, bool, error) {
	if len(ctx.Config.NamedGroups) == 0 {
		return nil, false, nil
	}
	return &SupportedGroupsBody{Groups: append([]NamedGroup(nil), ctx.Config.NamedGroups...)}, true, nil
}

func handleSupportedGroups(ctx *Context, msg HandshakeType, body ExtensionBody) error {
	if msg != TypeClientHello {
		return nil
	}
	b, err := bodyAs[*SupportedGroupsBody](ExtensionSupportedGroups, body)
	if err != nil {
		return err
	}
	ctx.ClientNamedGroups = b.Groups
	return nil
}

func prepareECPointFormats(ctx *Context, msg HandshakeType) (ExtensionBody, bool, error) {
	if !ctx.Config.AddECPointFormats {
		return nil, false, nil
	}
	if isServerMessage(msg) {
		info := ctx.CipherSuiteInfo()
		if info == nil || !info.KeyExchange.IsECDH() {
			return nil, false, nil
		}
	}
	// uncompressed only
	return &ECPointFormatsBody{Formats: []uint8{0}}, true, nil
}

func prepareSignatureAlgorithms(ctx *Context, msg HandshakeType) (ExtensionBody, bool, error) {
	if len(ctx.Config.SignatureAlgorithms) == 0 {
		return nil, false, nil
	}
	if msg == TypeClientHello && ctx.Config.HighestVersion < VersionTLS12 && !ctx.Config.HighestVersion.IsDTLS() {
		return nil, false, nil
	}
	return &SignatureAlgorithmsBody{Algorithms: append([]SignatureScheme(nil), ctx.Config.SignatureAlgorithms...)}, true, nil
}

func handleSignatureAlgorithms(ctx *Context, msg HandshakeType, body ExtensionBody) error {
	b, err := bodyAs[*SignatureAlgorithmsBody](ExtensionSignatureAlgorithms, body)
	if err != nil {
		return err
	}
	if !ctx.IsSender() {
		ctx.PeerSignatureAlgorithms = b.Algorithms
	}
	return nil
}

func prepareHeartbeat(ctx *Context, msg HandshakeType) (ExtensionBody, bool, error) {
	if ctx.Config.HeartbeatMode == HeartbeatModeNone {
		return nil, false, nil
	}
	return &HeartbeatBody{Mode: ctx.Config.HeartbeatMode}, true, nil
}

func handleHeartbeat(ctx *Context, msg HandshakeType, body ExtensionBody) error {
	b, err := bodyAs[*HeartbeatBody](ExtensionHeartbeat, body)
	if err != nil {
		return err
	}
	if !ctx.IsSender() {
		ctx.PeerHeartbeatMode = b.Mode
	}
	return nil
}

func prepareALPN(ctx *Context, msg HandshakeType) (ExtensionBody, bool, error) {
	var names []string
	if msg == TypeClientHello {
		names = ctx.Config.ALPNProtocols
	} else if ctx.SelectedALPN != "" {
		if ctx.Version().IsTLS13() && msg == TypeServerHello {
			return nil, false, nil
		}
		names = []string{ctx.SelectedALPN}
	}
	if len(names) == 0 {
		return nil, false, nil
	}
	b := &ALPNBody{}
	for _, n := range names {
		b.Protocols = append(b.Protocols, ALPNProtocol{Name: []byte(n)})
	}
	return b, true, nil
}

// handleALPN selects a protocol on the server (first configured one the client
// offered, else the client's first) and records the selection on the client.
func handleALPN(ctx *Context, msg HandshakeType, body ExtensionBody) error {
	b, err := bodyAs[*ALPNBody](ExtensionALPN, body)
	if err != nil {
		return err
	}
	if len(b.Protocols) == 0 {
		return nil
	}
	if msg != TypeClientHello {
		ctx.SelectedALPN = string(b.Protocols[0].Name)
		return nil
	}
	if ctx.IsSender() {
		return nil
	}
	ctx.SelectedALPN = string(b.Protocols[0].Name)
	for _, want := range ctx.Config.ALPNProtocols {
		for _, p := range b.Protocols {
			if string(p.Name) == want {
				ctx.SelectedALPN = want
				return nil
			}
		}
	}
	return nil
}

func preparePadding(ctx *Context, msg HandshakeType) (ExtensionBody, bool, error) {
	if msg != TypeClientHello || ctx.Config.PaddingLength <= 0 {
		return nil, false, nil
	}
	return &PaddingBody{Padding: make([]byte, ctx.Config.PaddingLength)}, true, nil
}

func prepareExtendedMasterSecret(ctx *Context, msg HandshakeType) (ExtensionBody, bool, error) {
	if !ctx.Config.AddExtendedMasterSecret {
		return nil, false, nil
	}
	if msg == TypeServerHello && !ctx.ClientExtendedMasterSecret {
		return nil, false, nil
	}
	return &EmptyExtension{Type: ExtensionExtendedMasterSecret}, true, nil
}

func handleExtendedMasterSecret(ctx *Context, msg HandshakeType, body ExtensionBody) error {
	switch msg {
	case TypeClientHello:
		ctx.ClientExtendedMasterSecret = true
	case TypeServerHello:
		ctx.ServerExtendedMasterSecret = true
	}
	return nil
}

func prepareSessionTicket(ctx *Context, msg HandshakeType) (ExtensionBody, bool, error) {
	cfg := ctx.Config
	if msg == TypeClientHello {
		if !cfg.AddSessionTicketExtension && len(cfg.SessionTicket) == 0 {
			return nil, false, nil
		}
		return &SessionTicketBody{Ticket: append([]byte{}, cfg.SessionTicket...)}, true, nil
	}
	if !cfg.AddSessionTicketExtension {
		return nil, false, nil
	}
	return &SessionTicketBody{}, true, nil
}

func handleSessionTicket(ctx *Context, msg HandshakeType, body ExtensionBody) error {
	if msg == TypeServerHello {
		ctx.ServerSupportsTickets = true
	}
	return nil
}

func prepareSupportedVersions(ctx *Context, msg HandshakeType) (ExtensionBody, bool, error) {
	if msg == TypeClientHello {
		if !ctx.Config.offersTLS13() {
			return nil, false, nil
		}
		versions := append([]ProtocolVersion(nil), ctx.Config.SupportedVersions...)
		if len(versions) == 0 {
			versions = []ProtocolVersion{VersionTLS13}
		}
		return &ClientSupportedVersionsBody{Versions: versions}, true, nil
	}
	v := ctx.Version()
	if !v.IsTLS13() {
		return nil, false, nil
	}
	return &ServerSupportedVersionBody{Version: v}, true, nil
}

func handleSupportedVersions(ctx *Context, msg HandshakeType, body ExtensionBody) error {
	if msg == TypeClientHello {
		b, err := bodyAs[*ClientSupportedVersionsBody](ExtensionSupportedVersions, body)
		if err != nil {
			return err
		}
		ctx.ClientSupportedVersions = b.Versions
		return nil
	}
	b, err := bodyAs[*ServerSupportedVersionBody](ExtensionSupportedVersions, body)
	if err != nil {
		return err
	}
	ctx.SelectedVersion = b.Version
	return nil
}

func prepareCookie(ctx *Context, msg HandshakeType) (ExtensionBody, bool, error) {
	if len(ctx.Cookie) == 0 {
		return nil, false, nil
	}
	return &CookieBody{Cookie: append([]byte{}, ctx.Cookie...)}, true, nil
}

func handleCookie(ctx *Context, msg HandshakeType, body ExtensionBody) error {
	if msg != TypeHelloRetryRequest {
		return nil
	}
	b, err := bodyAs[*CookieBody](ExtensionCookie, body)
	if err != nil {
		return err
	}
	ctx.Cookie = b.Cookie
	return nil
}

func preparePSKKeyExchangeModes(ctx *Context, msg HandshakeType) (ExtensionBody, bool, error) {
	if msg != TypeClientHello || !ctx.Config.SessionResumption {
		return nil, false, nil
	}
	// psk_dhe_ke
	return &PSKKeyExchangeModesBody{Modes: []uint8{1}}, true, nil
}

// prepareKeyShare generates one share. A client offers the group a
// HelloRetryRequest asked for, else its preferred curve; a server answers in
// the group the client offered that it prefers.
func prepareKeyShare(ctx *Context, msg HandshakeType) (ExtensionBody, bool, error) {
	switch msg {
	case TypeClientHello:
		if !ctx.Config.offersTLS13() {
			return nil, false, nil
		}
		g := ctx.SelectedGroup
		if g == 0 {
			g = ctx.preferredGroup()
		}
		key, err := ctx.ecdhKey(g)
		if err != nil {
			return nil, false, err
		}
		return &ClientKeyShareBody{Shares: []KeyShareEntry{{Group: g, KeyExchange: key.PublicKey().Bytes()}}}, true, nil
	case TypeHelloRetryRequest:
		g := ctx.SelectedGroup
		if g == 0 {
			g = ctx.preferredGroup()
		}
		return &HelloRetryKeyShareBody{Group: g}, true, nil
	case TypeServerHello:
		if !ctx.Version().IsTLS13() {
			return nil, false, nil
		}
		g := ctx.SelectedGroup
		if g == 0 {
			g = ctx.preferredGroup()
			for _, share := range ctx.ClientKeyShares {
				if containsGroup(ctx.Config.NamedGroups, share.Group) && curveFor(share.Group) != nil {
					g = share.Group
					break
				}
			}
		}
		key, err := ctx.ecdhKey(g)
		if err != nil {
			return nil, false, err
		}
		return &ServerKeyShareBody{Share: KeyShareEntry{Group: g, KeyExchange: key.PublicKey().Bytes()}}, true, nil
	default:
		return nil, false, nil
	}
}

func handleKeyShare(ctx *Context, msg HandshakeType, body ExtensionBody) error {
	switch b := body.(type) {
	case *ClientKeyShareBody:
		ctx.ClientKeyShares = b.Shares
	case *ServerKeyShareBody:
		share := b.Share
		ctx.ServerKeyShare = &share
		ctx.SelectedGroup = share.Group
	case *HelloRetryKeyShareBody:
		ctx.SelectedGroup = b.Group
	default:
		return configurationError("handle extension", fmt.Sprintf("%s: unexpected body %T", ExtensionKeyShare, body))
	}
	return nil
}

func prepareRenegotiationInfo(ctx *Context, msg HandshakeType) (ExtensionBody, bool, error) {
	if msg == TypeClientHello && !ctx.Config.AddRenegotiationInfo {
		return nil, false, nil
	}
	if msg != TypeClientHello && !ctx.SecureRenegotiation {
		return nil, false, nil
	}
	return &RenegotiationInfoBody{Data: []byte{}}, true, nil
}

func handleRenegotiationInfo(ctx *Context, msg HandshakeType, body ExtensionBody) error {
	ctx.SecureRenegotiation = true
	return nil
}
