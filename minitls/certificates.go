package minitls

import (
	"crypto"
	"crypto/md5"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	"go.mozilla.org/pkcs7"
)

// LoadCertificateChain reads a certificate chain in any of the formats CAs
// distribute: DER, one or more PEM blocks, or a PKCS#7 bundle. The chain is
// returned as DER in input order, leaf first.
func LoadCertificateChain(data []byte) ([][]byte, error) {
	const op = "load certificate chain"
	// DER
	if cert, err := x509.ParseCertificate(data); err == nil {
		return [][]byte{cert.Raw}, nil
	}

	// PEM, possibly several blocks
	var chain [][]byte
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, configurationError(op, fmt.Sprintf("invalid PEM certificate: %v", err))
		}
		chain = append(chain, cert.Raw)
	}
	if len(chain) > 0 {
		return chain, nil
	}

	// PKCS#7 (.p7b / .p7c)
	p7, err := pkcs7.Parse(data)
	if err == nil && len(p7.Certificates) > 0 {
		for _, cert := range p7.Certificates {
			chain = append(chain, cert.Raw)
		}
		return chain, nil
	}
	return nil, configurationError(op, "unable to parse certificate (tried DER, PEM, and PKCS7 formats)")
}

// LoadRSAPrivateKey parses a PEM encoded PKCS#1 or PKCS#8 RSA key.
func LoadRSAPrivateKey(data []byte) (*rsa.PrivateKey, error) {
	const op = "load private key"
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, configurationError(op, "no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, configurationError(op, fmt.Sprintf("unsupported private key: %v", err))
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, configurationError(op, fmt.Sprintf("private key is %T, want RSA", parsed))
	}
	return key, nil
}

// NewSelfSignedIdentity generates an RSA key and a matching self-signed
// certificate for commonName, for traces that play the server without a
// configured identity.
func NewSelfSignedIdentity(commonName string) (*rsa.PrivateKey, []byte, error) {
	const op = "generate identity"
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, cryptoError(op, err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, nil, cryptoError(op, err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		DNSNames:     []string{commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, cryptoError(op, err)
	}
	return key, der, nil
}

// recordPeerCertificates stores the peer's chain and, when the leaf parses
// and carries an RSA key, that key for RSA key exchange. Chains are not
// verified.
func (c *Context) recordPeerCertificates(chain [][]byte) {
	c.PeerCertificates = chain
	if len(chain) == 0 {
		return
	}
	leaf, err := x509.ParseCertificate(chain[0])
	if err != nil {
		c.log().Warn("peer certificate does not parse")
		return
	}
	if pub, ok := leaf.PublicKey.(*rsa.PublicKey); ok {
		c.PeerRSAPublicKey = pub
	}
}

// tls13SignatureContext builds the CertificateVerify input of RFC 8446
// Section 4.4.3.
func tls13SignatureContext(sender ConnectionEnd, transcriptHash []byte) []byte {
	label := "TLS 1.3, server CertificateVerify"
	if sender == Client {
		label = "TLS 1.3, client CertificateVerify"
	}
	out := make([]byte, 0, 64+len(label)+1+len(transcriptHash))
	for i := 0; i < 64; i++ {
		out = append(out, 0x20)
	}
	out = append(out, label...)
	out = append(out, 0)
	return append(out, transcriptHash...)
}

// signatureHash returns the hash a scheme signs with.
func signatureHash(scheme SignatureScheme) crypto.Hash {
	switch scheme {
	case SigRSAPKCS1SHA1:
		return crypto.SHA1
	case SigRSAPKCS1SHA384, SigRSAPSSRSAESHA384, SigECDSASecp384r1SHA384:
		return crypto.SHA384
	case SigRSAPSSRSAESHA512:
		return crypto.SHA512
	default:
		return crypto.SHA256
	}
}

func isPSS(scheme SignatureScheme) bool {
	return scheme == SigRSAPSSRSAESHA256 || scheme == SigRSAPSSRSAESHA384 || scheme == SigRSAPSSRSAESHA512
}

// sign signs data with the configured RSA key. Before TLS 1.2 there is no
// scheme and the MD5 || SHA-1 digest is signed. Without a key the signature
// is empty.
func (c *Context) sign(scheme SignatureScheme, data []byte) ([]byte, error) {
	const op = "sign"
	key := c.Config.RSAKey
	if key == nil {
		c.log().Warn("no RSA key configured, sending empty signature")
		return []byte{}, nil
	}
	if scheme == 0 {
		m := md5.Sum(data)
		s := sha1.Sum(data)
		digest := append(m[:], s[:]...)
		sig, err := rsa.SignPKCS1v15(c.rand(), key, crypto.MD5SHA1, digest)
		if err != nil {
			return nil, cryptoError(op, err)
		}
		return sig, nil
	}
	h := signatureHash(scheme)
	hh := h.New()
	hh.Write(data)
	digest := hh.Sum(nil)
	var (
		sig []byte
		err error
	)
	if isPSS(scheme) {
		sig, err = rsa.SignPSS(c.rand(), key, h, digest, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
	} else {
		sig, err = rsa.SignPKCS1v15(c.rand(), key, h, digest)
	}
	if err != nil {
		return nil, cryptoError(op, err)
	}
	return sig, nil
}

// signatureScheme picks the scheme for our signatures: RSA-PSS in TLS 1.3,
// PKCS#1 v1.5 SHA-256 in TLS 1.2, none before.
func (c *Context) signatureScheme() SignatureScheme {
	v := c.Version()
	switch {
	case v.IsTLS13():
		return SigRSAPSSRSAESHA256
	case v == VersionTLS12 || v == VersionDTLS12:
		return SigRSAPKCS1SHA256
	default:
		return 0
	}
}
