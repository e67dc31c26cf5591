package minitls

import (
	"crypto"
	"fmt"
	"strconv"
	"strings"
)

// CipherSuite is the two-byte suite code.
type CipherSuite uint16

// Pre-TLS 1.3 cipher suites
const (
	TLS_RSA_WITH_NULL_SHA                         CipherSuite = 0x0002
	TLS_RSA_EXPORT_WITH_RC4_40_MD5                CipherSuite = 0x0003
	TLS_RSA_WITH_RC4_128_MD5                      CipherSuite = 0x0004
	TLS_RSA_WITH_RC4_128_SHA                      CipherSuite = 0x0005
	TLS_RSA_EXPORT_WITH_DES40_CBC_SHA             CipherSuite = 0x0008
	TLS_RSA_WITH_DES_CBC_SHA                      CipherSuite = 0x0009
	TLS_RSA_WITH_3DES_EDE_CBC_SHA                 CipherSuite = 0x000a
	TLS_RSA_WITH_AES_128_CBC_SHA                  CipherSuite = 0x002f
	TLS_DHE_RSA_WITH_AES_128_CBC_SHA              CipherSuite = 0x0033
	TLS_RSA_WITH_AES_256_CBC_SHA                  CipherSuite = 0x0035
	TLS_DHE_RSA_WITH_AES_256_CBC_SHA              CipherSuite = 0x0039
	TLS_RSA_WITH_AES_128_CBC_SHA256               CipherSuite = 0x003c
	TLS_RSA_WITH_AES_256_CBC_SHA256               CipherSuite = 0x003d
	TLS_DHE_RSA_WITH_AES_128_CBC_SHA256           CipherSuite = 0x0067
	TLS_RSA_WITH_AES_128_GCM_SHA256               CipherSuite = 0x009c
	TLS_RSA_WITH_AES_256_GCM_SHA384               CipherSuite = 0x009d
	TLS_DHE_RSA_WITH_AES_128_GCM_SHA256           CipherSuite = 0x009e
	TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA          CipherSuite = 0xc009
	TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA            CipherSuite = 0xc013
	TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA            CipherSuite = 0xc014
	TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256         CipherSuite = 0xc027
	TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256       CipherSuite = 0xc02b
	TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384       CipherSuite = 0xc02c
	TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256         CipherSuite = 0xc02f
	TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384         CipherSuite = 0xc030
	TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256   CipherSuite = 0xcca8
	TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256 CipherSuite = 0xcca9
)

// TLS 1.3 Cipher Suites
const (
	TLS_AES_128_GCM_SHA256       CipherSuite = 0x1301
	TLS_AES_256_GCM_SHA384       CipherSuite = 0x1302
	TLS_CHACHA20_POLY1305_SHA256 CipherSuite = 0x1303
)

// CipherType is the record protection family of a bulk cipher.
type CipherType int

const (
	CipherTypeStream CipherType = iota + 1
	CipherTypeBlock
	CipherTypeAEAD
)

func (t CipherType) String() string {
	switch t {
	case CipherTypeStream:
		return "STREAM"
	case CipherTypeBlock:
		return "BLOCK"
	case CipherTypeAEAD:
		return "AEAD"
	default:
		return fmt.Sprintf("CipherType(%d)", int(t))
	}
}

// CipherAlgorithm identifies a bulk cipher.
type CipherAlgorithm int

const (
	CipherNull CipherAlgorithm = iota + 1
	CipherRC4_40
	CipherRC4_128
	CipherDES40CBC
	CipherDESCBC
	CipherDESEDECBC
	CipherAES128CBC
	CipherAES256CBC
	CipherAES128GCM
	CipherAES256GCM
	CipherChaCha20Poly1305
)

type cipherAlgorithmInfo struct {
	name string
	typ  CipherType
	// keySize is the key length the primitive is keyed with.
	keySize int
	// exportKeyMaterial is the key length taken from the key block for export
	// ciphers; the final key is expanded to keySize.
	exportKeyMaterial int
	blockSize         int
	// fixedIVLength is the implicit part of an AEAD nonce (salt) and
	// recordIVLength the explicit part carried in each record.
	fixedIVLength  int
	recordIVLength int
}

var cipherAlgorithms = map[CipherAlgorithm]cipherAlgorithmInfo{
	CipherNull:             {name: "NULL", typ: CipherTypeStream},
	CipherRC4_40:           {name: "RC4_40", typ: CipherTypeStream, keySize: 16, exportKeyMaterial: 5},
	CipherRC4_128:          {name: "RC4_128", typ: CipherTypeStream, keySize: 16},
	CipherDES40CBC:         {name: "DES40_CBC", typ: CipherTypeBlock, keySize: 8, exportKeyMaterial: 5, blockSize: 8},
	CipherDESCBC:           {name: "DES_CBC", typ: CipherTypeBlock, keySize: 8, blockSize: 8},
	CipherDESEDECBC:        {name: "3DES_EDE_CBC", typ: CipherTypeBlock, keySize: 24, blockSize: 8},
	CipherAES128CBC:        {name: "AES_128_CBC", typ: CipherTypeBlock, keySize: 16, blockSize: 16},
	CipherAES256CBC:        {name: "AES_256_CBC", typ: CipherTypeBlock, keySize: 32, blockSize: 16},
	CipherAES128GCM:        {name: "AES_128_GCM", typ: CipherTypeAEAD, keySize: 16, blockSize: 16, fixedIVLength: 4, recordIVLength: 8},
	CipherAES256GCM:        {name: "AES_256_GCM", typ: CipherTypeAEAD, keySize: 32, blockSize: 16, fixedIVLength: 4, recordIVLength: 8},
	CipherChaCha20Poly1305: {name: "CHACHA20_POLY1305", typ: CipherTypeAEAD, keySize: 32, fixedIVLength: 12},
}

func (a CipherAlgorithm) info() (cipherAlgorithmInfo, bool) {
	info, ok := cipherAlgorithms[a]
	return info, ok
}

func (a CipherAlgorithm) String() string {
	if info, ok := a.info(); ok {
		return info.name
	}
	return fmt.Sprintf("CipherAlgorithm(%d)", int(a))
}

// Type returns the record protection family, or 0 for an unknown algorithm.
func (a CipherAlgorithm) Type() CipherType {
	info, _ := a.info()
	return info.typ
}

// KeySize is the length of the key the primitive is keyed with.
func (a CipherAlgorithm) KeySize() int {
	info, _ := a.info()
	return info.keySize
}

// KeyMaterialLength is the per-direction key length sliced from the key block.
func (a CipherAlgorithm) KeyMaterialLength() int {
	info, _ := a.info()
	if info.exportKeyMaterial > 0 {
		return info.exportKeyMaterial
	}
	return info.keySize
}

// BlockSize is the CBC block size (0 for stream ciphers).
func (a CipherAlgorithm) BlockSize() int {
	info, _ := a.info()
	return info.blockSize
}

// IsExport reports whether the algorithm needs the export key expansion step.
func (a CipherAlgorithm) IsExport() bool {
	info, _ := a.info()
	return info.exportKeyMaterial > 0
}

// MacAlgorithm identifies a record MAC.
type MacAlgorithm int

const (
	MacNull MacAlgorithm = iota
	MacHMACMD5
	MacHMACSHA1
	MacHMACSHA256
	MacHMACSHA384
	MacAEAD
)

// Size returns the MAC output length in bytes.
func (m MacAlgorithm) Size() int {
	switch m {
	case MacHMACMD5:
		return 16
	case MacHMACSHA1:
		return 20
	case MacHMACSHA256:
		return 32
	case MacHMACSHA384:
		return 48
	default:
		return 0
	}
}

func (m MacAlgorithm) String() string {
	switch m {
	case MacNull:
		return "NULL"
	case MacHMACMD5:
		return "HMAC_MD5"
	case MacHMACSHA1:
		return "HMAC_SHA1"
	case MacHMACSHA256:
		return "HMAC_SHA256"
	case MacHMACSHA384:
		return "HMAC_SHA384"
	case MacAEAD:
		return "AEAD"
	default:
		return fmt.Sprintf("MacAlgorithm(%d)", int(m))
	}
}

// KeyExchangeAlgorithm identifies how the pre-master secret is established.
type KeyExchangeAlgorithm int

const (
	KeyExchangeRSA KeyExchangeAlgorithm = iota + 1
	KeyExchangeDHERSA
	KeyExchangeECDHERSA
	KeyExchangeECDHEECDSA
	// KeyExchangeTLS13 marks TLS 1.3 suites, which do not name a key exchange.
	KeyExchangeTLS13
)

func (k KeyExchangeAlgorithm) String() string {
	switch k {
	case KeyExchangeRSA:
		return "RSA"
	case KeyExchangeDHERSA:
		return "DHE_RSA"
	case KeyExchangeECDHERSA:
		return "ECDHE_RSA"
	case KeyExchangeECDHEECDSA:
		return "ECDHE_ECDSA"
	case KeyExchangeTLS13:
		return "TLS13"
	default:
		return fmt.Sprintf("KeyExchangeAlgorithm(%d)", int(k))
	}
}

// IsEphemeral reports whether the server sends a ServerKeyExchange.
func (k KeyExchangeAlgorithm) IsEphemeral() bool {
	return k == KeyExchangeDHERSA || k == KeyExchangeECDHERSA || k == KeyExchangeECDHEECDSA
}

// IsECDH reports whether the key exchange runs over an elliptic curve group.
func (k KeyExchangeAlgorithm) IsECDH() bool {
	return k == KeyExchangeECDHERSA || k == KeyExchangeECDHEECDSA
}

// CipherSuiteInfo contains metadata about a cipher suite
type CipherSuiteInfo struct {
	ID          CipherSuite
	Name        string
	KeyExchange KeyExchangeAlgorithm
	Cipher      CipherAlgorithm
	MAC         MacAlgorithm
	// Hash drives the TLS 1.2 PRF and the TLS 1.3 HKDF.
	Hash   crypto.Hash
	TLS13  bool
	Export bool
}

// AllCipherSuites contains complete information about all supported cipher suites
var AllCipherSuites = []CipherSuiteInfo{
	{ID: TLS_RSA_WITH_NULL_SHA, Name: "TLS_RSA_WITH_NULL_SHA", KeyExchange: KeyExchangeRSA, Cipher: CipherNull, MAC: MacHMACSHA1, Hash: crypto.SHA256},
	{ID: TLS_RSA_EXPORT_WITH_RC4_40_MD5, Name: "TLS_RSA_EXPORT_WITH_RC4_40_MD5", KeyExchange: KeyExchangeRSA, Cipher: CipherRC4_40, MAC: MacHMACMD5, Hash: crypto.SHA256, Export: true},
	{ID: TLS_RSA_WITH_RC4_128_MD5, Name: "TLS_RSA_WITH_RC4_128_MD5", KeyExchange: KeyExchangeRSA, Cipher: CipherRC4_128, MAC: MacHMACMD5, Hash: crypto.SHA256},
	{ID: TLS_RSA_WITH_RC4_128_SHA, Name: "TLS_RSA_WITH_RC4_128_SHA", KeyExchange: KeyExchangeRSA, Cipher: CipherRC4_128, MAC: MacHMACSHA1, Hash: crypto.SHA256},
	{ID: TLS_RSA_EXPORT_WITH_DES40_CBC_SHA, Name: "TLS_RSA_EXPORT_WITH_DES40_CBC_SHA", KeyExchange: KeyExchangeRSA, Cipher: CipherDES40CBC, MAC: MacHMACSHA1, Hash: crypto.SHA256, Export: true},
	{ID: TLS_RSA_WITH_DES_CBC_SHA, Name: "TLS_RSA_WITH_DES_CBC_SHA", KeyExchange: KeyExchangeRSA, Cipher: CipherDESCBC, MAC: MacHMACSHA1, Hash: crypto.SHA256},
	{ID: TLS_RSA_WITH_3DES_EDE_CBC_SHA, Name: "TLS_RSA_WITH_3DES_EDE_CBC_SHA", KeyExchange: KeyExchangeRSA, Cipher: CipherDESEDECBC, MAC: MacHMACSHA1, Hash: crypto.SHA256},
	{ID: TLS_RSA_WITH_AES_128_CBC_SHA, Name: "TLS_RSA_WITH_AES_128_CBC_SHA", KeyExchange: KeyExchangeRSA, Cipher: CipherAES128CBC, MAC: MacHMACSHA1, Hash: crypto.SHA256},
	{ID: TLS_DHE_RSA_WITH_AES_128_CBC_SHA, Name: "TLS_DHE_RSA_WITH_AES_128_CBC_SHA", KeyExchange: KeyExchangeDHERSA, Cipher: CipherAES128CBC, MAC: MacHMACSHA1, Hash: crypto.SHA256},
	{ID: TLS_RSA_WITH_AES_256_CBC_SHA, Name: "TLS_RSA_WITH_AES_256_CBC_SHA", KeyExchange: KeyExchangeRSA, Cipher: CipherAES256CBC, MAC: MacHMACSHA1, Hash: crypto.SHA256},
	{ID: TLS_DHE_RSA_WITH_AES_256_CBC_SHA, Name: "TLS_DHE_RSA_WITH_AES_256_CBC_SHA", KeyExchange: KeyExchangeDHERSA, Cipher: CipherAES256CBC, MAC: MacHMACSHA1, Hash: crypto.SHA256},
	{ID: TLS_RSA_WITH_AES_128_CBC_SHA256, Name: "TLS_RSA_WITH_AES_128_CBC_SHA256", KeyExchange: KeyExchangeRSA, Cipher: CipherAES128CBC, MAC: MacHMACSHA256, Hash: crypto.SHA256},
	{ID: TLS_RSA_WITH_AES_256_CBC_SHA256, Name: "TLS_RSA_WITH_AES_256_CBC_SHA256", KeyExchange: KeyExchangeRSA, Cipher: CipherAES256CBC, MAC: MacHMACSHA256, Hash: crypto.SHA256},
	{ID: TLS_DHE_RSA_WITH_AES_128_CBC_SHA256, Name: "TLS_DHE_RSA_WITH_AES_128_CBC_SHA256", KeyExchange: KeyExchangeDHERSA, Cipher: CipherAES128CBC, MAC: MacHMACSHA256, Hash: crypto.SHA256},
	{ID: TLS_RSA_WITH_AES_128_GCM_SHA256, Name: "TLS_RSA_WITH_AES_128_GCM_SHA256", KeyExchange: KeyExchangeRSA, Cipher: CipherAES128GCM, MAC: MacAEAD, Hash: crypto.SHA256},
	{ID: TLS_RSA_WITH_AES_256_GCM_SHA384, Name: "TLS_RSA_WITH_AES_256_GCM_SHA384", KeyExchange: KeyExchangeRSA, Cipher: CipherAES256GCM, MAC: MacAEAD, Hash: crypto.SHA384},
	{ID: TLS_DHE_RSA_WITH_AES_128_GCM_SHA256, Name: "TLS_DHE_RSA_WITH_AES_128_GCM_SHA256", KeyExchange: KeyExchangeDHERSA, Cipher: CipherAES128GCM, MAC: MacAEAD, Hash: crypto.SHA256},
	{ID: TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA, Name: "TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA", KeyExchange: KeyExchangeECDHEECDSA, Cipher: CipherAES128CBC, MAC: MacHMACSHA1, Hash: crypto.SHA256},
	{ID: TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA, Name: "TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA", KeyExchange: KeyExchangeECDHERSA, Cipher: CipherAES128CBC, MAC: MacHMACSHA1, Hash: crypto.SHA256},
	{ID: TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA, Name: "TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA", KeyExchange: KeyExchangeECDHERSA, Cipher: CipherAES256CBC, MAC: MacHMACSHA1, Hash: crypto.SHA256},
	{ID: TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256, Name: "TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256", KeyExchange: KeyExchangeECDHERSA, Cipher: CipherAES128CBC, MAC: MacHMACSHA256, Hash: crypto.SHA256},
	{ID: TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256, Name: "TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256", KeyExchange: KeyExchangeECDHEECDSA, Cipher: CipherAES128GCM, MAC: MacAEAD, Hash: crypto.SHA256},
	{ID: TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384, Name: "TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384", KeyExchange: KeyExchangeECDHEECDSA, Cipher: CipherAES256GCM, MAC: MacAEAD, Hash: crypto.SHA384},
	{ID: TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256, Name: "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256", KeyExchange: KeyExchangeECDHERSA, Cipher: CipherAES128GCM, MAC: MacAEAD, Hash: crypto.SHA256},
	{ID: TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384, Name: "TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384", KeyExchange: KeyExchangeECDHERSA, Cipher: CipherAES256GCM, MAC: MacAEAD, Hash: crypto.SHA384},
	{ID: TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256, Name: "TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256", KeyExchange: KeyExchangeECDHERSA, Cipher: CipherChaCha20Poly1305, MAC: MacAEAD, Hash: crypto.SHA256},
	{ID: TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256, Name: "TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256", KeyExchange: KeyExchangeECDHEECDSA, Cipher: CipherChaCha20Poly1305, MAC: MacAEAD, Hash: crypto.SHA256},

	// TLS 1.3 cipher suites
	{ID: TLS_AES_128_GCM_SHA256, Name: "TLS_AES_128_GCM_SHA256", KeyExchange: KeyExchangeTLS13, Cipher: CipherAES128GCM, MAC: MacAEAD, Hash: crypto.SHA256, TLS13: true},
	{ID: TLS_AES_256_GCM_SHA384, Name: "TLS_AES_256_GCM_SHA384", KeyExchange: KeyExchangeTLS13, Cipher: CipherAES256GCM, MAC: MacAEAD, Hash: crypto.SHA384, TLS13: true},
	{ID: TLS_CHACHA20_POLY1305_SHA256, Name: "TLS_CHACHA20_POLY1305_SHA256", KeyExchange: KeyExchangeTLS13, Cipher: CipherChaCha20Poly1305, MAC: MacAEAD, Hash: crypto.SHA256, TLS13: true},
}

var (
	cipherSuiteByName map[string]CipherSuite
	cipherSuiteByID   map[CipherSuite]*CipherSuiteInfo
)

// Initialize the lookup maps; they are read-only afterwards.
func init() {
	cipherSuiteByName = make(map[string]CipherSuite, len(AllCipherSuites))
	cipherSuiteByID = make(map[CipherSuite]*CipherSuiteInfo, len(AllCipherSuites))
	for i := range AllCipherSuites {
		info := &AllCipherSuites[i]
		cipherSuiteByID[info.ID] = info
		cipherSuiteByName[info.Name] = info.ID
	}
}

// Info returns the suite metadata, or nil for a suite this package does not know.
func (s CipherSuite) Info() *CipherSuiteInfo {
	return cipherSuiteByID[s]
}

func (s CipherSuite) String() string {
	if info := s.Info(); info != nil {
		return info.Name
	}
	return fmt.Sprintf("0x%04x", uint16(s))
}

// ParseCipherSuite converts a cipher suite string (hex or name) to its code
func ParseCipherSuite(cipherSuite string) (CipherSuite, error) {
	if cipherSuite == "" {
		return 0, configurationError("parse cipher suite", "empty cipher suite")
	}

	// Handle hex format (0x1234)
	if strings.HasPrefix(cipherSuite, "0x") {
		val, err := strconv.ParseUint(cipherSuite[2:], 16, 16)
		if err != nil {
			return 0, configurationError("parse cipher suite", fmt.Sprintf("invalid hex cipher suite '%s': %v", cipherSuite, err))
		}
		return CipherSuite(val), nil
	}

	if id, found := cipherSuiteByName[cipherSuite]; found {
		return id, nil
	}
	return 0, configurationError("parse cipher suite", fmt.Sprintf("unknown cipher suite '%s'", cipherSuite))
}

// ParseCipherSuiteList parses a comma separated list of suites.
func ParseCipherSuiteList(list string) ([]CipherSuite, error) {
	var suites []CipherSuite
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		s, err := ParseCipherSuite(part)
		if err != nil {
			return nil, err
		}
		suites = append(suites, s)
	}
	return suites, nil
}

// suiteInfo resolves a suite or reports a configuration error naming the operation.
func suiteInfo(op string, s CipherSuite) (*CipherSuiteInfo, error) {
	info := s.Info()
	if info == nil {
		return nil, configurationError(op, fmt.Sprintf("unsupported cipher suite %s", s))
	}
	return info, nil
}

// macAlgorithmFor returns the MAC used by suite records. SSL3 reuses the
// HMAC sizes but computes the MAC with its own pad construction.
func macAlgorithmFor(info *CipherSuiteInfo) MacAlgorithm {
	if info.Cipher.Type() == CipherTypeAEAD {
		return MacAEAD
	}
	return info.MAC
}
