package minitls

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// protectedPair returns a client whose write direction and a server whose
// read direction share the key set for version and suite.
func protectedPair(t *testing.T, version ProtocolVersion, suite CipherSuite) (client, server *Context) {
	t.Helper()
	client = legacyContext(version, suite)
	server = legacyContext(version, suite)
	server.ConnectionEnd = Server
	server.TalkingEnd = Server

	typ := KeySetNone
	if version.IsTLS13() {
		typ = KeySetHandshake
		for _, ctx := range []*Context{client, server} {
			ctx.ClientHandshakeTrafficSecret = bytes.Repeat([]byte{0x0c}, 32)
			ctx.ServerHandshakeTrafficSecret = bytes.Repeat([]byte{0x05}, 32)
		}
	}
	ks, err := GenerateKeySet(client, typ)
	if err != nil {
		t.Fatalf("GenerateKeySet: %v", err)
	}
	if err := client.ActivateKeySet(DirectionWrite, ks); err != nil {
		t.Fatalf("activate write: %v", err)
	}
	if err := server.ActivateKeySet(DirectionRead, ks); err != nil {
		t.Fatalf("activate read: %v", err)
	}
	return client, server
}

// transfer writes payload as one record of typ and reads it back on the peer.
func transfer(t *testing.T, from, to *Context, typ ContentType, payload []byte) (ContentType, []byte) {
	t.Helper()
	wire, err := from.WriteRecords(typ, payload)
	if err != nil {
		t.Fatalf("WriteRecords: %v", err)
	}
	rec, n, err := ParseRecord(wire, from.IsDTLS())
	if err != nil {
		t.Fatalf("ParseRecord: %v", err)
	}
	if n != len(wire) {
		t.Fatalf("consumed %d of %d bytes", n, len(wire))
	}
	gotType, plaintext, err := to.ReadRecord(rec)
	if err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}
	return gotType, plaintext
}

func TestRecordProtectionRoundTrip(t *testing.T) {
	tests := []struct {
		version ProtocolVersion
		suite   CipherSuite
	}{
		{VersionTLS12, TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256},
		{VersionTLS12, TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384},
		{VersionTLS12, TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256},
		{VersionTLS12, TLS_RSA_WITH_AES_128_CBC_SHA},
		{VersionTLS12, TLS_RSA_WITH_AES_256_CBC_SHA256},
		{VersionTLS11, TLS_RSA_WITH_AES_128_CBC_SHA},
		{VersionTLS10, TLS_RSA_WITH_AES_128_CBC_SHA},
		{VersionTLS10, TLS_RSA_WITH_RC4_128_SHA},
		{VersionTLS10, TLS_RSA_WITH_NULL_SHA},
		{VersionTLS10, TLS_RSA_EXPORT_WITH_DES40_CBC_SHA},
		{VersionSSL30, TLS_RSA_WITH_RC4_128_MD5},
		{VersionSSL30, TLS_RSA_WITH_3DES_EDE_CBC_SHA},
		{VersionDTLS12, TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256},
		{VersionDTLS10, TLS_RSA_WITH_AES_128_CBC_SHA},
		{VersionTLS13, TLS_AES_128_GCM_SHA256},
		{VersionTLS13, TLS_CHACHA20_POLY1305_SHA256},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("%s/%s", tc.version, tc.suite), func(t *testing.T) {
			client, server := protectedPair(t, tc.version, tc.suite)

			payloads := [][]byte{
				[]byte("first record"),
				{},
				bytes.Repeat([]byte{0xab}, 300),
			}
			for i, p := range payloads {
				typ, got := transfer(t, client, server, ContentTypeApplicationData, p)
				if typ != ContentTypeApplicationData {
					t.Errorf("record %d: type %s", i, typ)
				}
				if !bytes.Equal(got, p) {
					t.Errorf("record %d: plaintext mismatch", i)
				}
			}
			if got := client.Write.SequenceNumber(); got != 3 {
				t.Errorf("write sequence %d, want 3", got)
			}
			if got := server.Read.SequenceNumber(); got != 3 {
				t.Errorf("read sequence %d, want 3", got)
			}
			if client.Write.Epoch != 1 || server.Read.Epoch != 1 {
				t.Errorf("epochs %d/%d, want 1", client.Write.Epoch, server.Read.Epoch)
			}
		})
	}
}

func TestTLS13RecordHidesContentType(t *testing.T) {
	client, server := protectedPair(t, VersionTLS13, TLS_AES_128_GCM_SHA256)

	wire, err := client.WriteRecords(ContentTypeHandshake, []byte{0x14, 0, 0, 0})
	if err != nil {
		t.Fatal(err)
	}
	rec, _, err := ParseRecord(wire, false)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Type != ContentTypeApplicationData || rec.Version != VersionTLS12 {
		t.Errorf("outer header %s %s, want application_data TLS 1.2", rec.Type, rec.Version)
	}
	typ, plaintext, err := server.ReadRecord(rec)
	if err != nil {
		t.Fatal(err)
	}
	if typ != ContentTypeHandshake || !bytes.Equal(plaintext, []byte{0x14, 0, 0, 0}) {
		t.Errorf("got %s %x", typ, plaintext)
	}

	// ChangeCipherSpec stays in plaintext and does not spend a sequence number.
	seq := client.Write.SequenceNumber()
	wire, err = client.WriteRecords(ContentTypeChangeCipherSpec, []byte{1})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(wire, []byte{0x14, 0x03, 0x03, 0x00, 0x01, 0x01}) {
		t.Errorf("CCS record %x", wire)
	}
	if client.Write.SequenceNumber() != seq {
		t.Error("CCS consumed a sequence number")
	}
}

func TestTLS13PlaintextHandshakeAfterKeys(t *testing.T) {
	_, server := protectedPair(t, VersionTLS13, TLS_AES_128_GCM_SHA256)
	core, logs := observer.New(zapcore.WarnLevel)
	server.Logger = zap.New(core)

	rec := &Record{Type: ContentTypeHandshake, Version: VersionTLS12, Fragment: []byte{0x14, 0, 0, 0}}
	typ, plaintext, err := server.ReadRecord(rec)
	if err != nil {
		t.Fatal(err)
	}
	if typ != ContentTypeHandshake || !bytes.Equal(plaintext, rec.Fragment) {
		t.Errorf("got %s %x", typ, plaintext)
	}
	if n := logs.FilterMessage("plaintext handshake record while read keys are active").Len(); n != 1 {
		t.Errorf("%d warnings logged, want 1", n)
	}

	// Plaintext alerts pass without a warning.
	if _, _, err := server.ReadRecord(&Record{Type: ContentTypeAlert, Version: VersionTLS12, Fragment: []byte{2, 40}}); err != nil {
		t.Fatal(err)
	}
	if logs.Len() != 1 {
		t.Errorf("%d log entries, want 1", logs.Len())
	}
}

func TestRecordProtectionRejectsTampering(t *testing.T) {
	for _, suite := range []CipherSuite{TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256, TLS_RSA_WITH_AES_128_CBC_SHA} {
		t.Run(suite.String(), func(t *testing.T) {
			client, server := protectedPair(t, VersionTLS12, suite)
			wire, err := client.WriteRecords(ContentTypeApplicationData, []byte("secret"))
			if err != nil {
				t.Fatal(err)
			}
			wire[len(wire)-1] ^= 0x01
			rec, _, err := ParseRecord(wire, false)
			if err != nil {
				t.Fatal(err)
			}
			_, _, err = server.ReadRecord(rec)
			if !IsKind(err, CryptoError) {
				t.Errorf("got %v, want CryptoError", err)
			}
			if !errors.Is(err, errBadRecordMAC) {
				t.Errorf("%v does not wrap bad record mac", err)
			}
		})
	}
}

func TestSSL3PaddingMustBeShorterThanBlock(t *testing.T) {
	// seal encrypts content || MAC || padding, where the padding is padLen
	// arbitrary bytes followed by padLen, and hands the record to the peer.
	open := func(t *testing.T, contentLen, padLen int) error {
		t.Helper()
		client, server := protectedPair(t, VersionSSL30, TLS_RSA_WITH_3DES_EDE_CBC_SHA)
		p, ok := client.Write.protection.(*macProtection)
		if !ok {
			t.Fatalf("write protection %T", client.Write.protection)
		}
		content := bytes.Repeat([]byte{0x61}, contentLen)
		mac, err := p.computeMAC(0, ContentTypeApplicationData, VersionSSL30, content)
		if err != nil {
			t.Fatal(err)
		}
		plaintext := append(append(append([]byte{}, content...), mac...), bytes.Repeat([]byte{0xee}, padLen)...)
		plaintext = append(plaintext, byte(padLen))
		if len(plaintext)%p.cipher.BlockSize() != 0 {
			t.Fatalf("plaintext length %d not block aligned", len(plaintext))
		}
		fragment, err := p.cipher.Encrypt(p.key, plaintext)
		if err != nil {
			t.Fatal(err)
		}
		rec := &Record{Type: ContentTypeApplicationData, Version: VersionSSL30, Fragment: fragment}
		typ, got, err := server.ReadRecord(rec)
		if err == nil && (typ != ContentTypeApplicationData || !bytes.Equal(got, content)) {
			t.Errorf("got %s %x", typ, got)
		}
		return err
	}

	// 4 + 20 + 7 + 1 fills four 3DES blocks.
	if err := open(t, 4, 7); err != nil {
		t.Fatalf("padding of 7: %v", err)
	}
	// 3 + 20 + 8 + 1: a full block of padding.
	err := open(t, 3, 8)
	if !IsKind(err, CryptoError) || !errors.Is(err, errBadRecordMAC) {
		t.Errorf("padding of 8: got %v, want bad_record_mac", err)
	}
}

func TestRecordSequenceMismatchFails(t *testing.T) {
	client, server := protectedPair(t, VersionTLS12, TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256)
	first, err := client.WriteRecords(ContentTypeApplicationData, []byte("one"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := client.WriteRecords(ContentTypeApplicationData, []byte("two"))
	if err != nil {
		t.Fatal(err)
	}
	_ = first

	rec, _, err := ParseRecord(second, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := server.ReadRecord(rec); !IsKind(err, CryptoError) {
		t.Errorf("reading record 1 at sequence 0: got %v, want CryptoError", err)
	}
}

func TestWriteRecordsFragments(t *testing.T) {
	ctx := NewContext(nil, nil)
	data := bytes.Repeat([]byte{0x42}, maxPlaintextLength+10)

	wire, err := ctx.WriteRecords(ContentTypeHandshake, data)
	if err != nil {
		t.Fatal(err)
	}
	first, n, err := ParseRecord(wire, false)
	if err != nil {
		t.Fatal(err)
	}
	second, m, err := ParseRecord(wire[n:], false)
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Fragment) != maxPlaintextLength || len(second.Fragment) != 10 {
		t.Errorf("fragment lengths %d/%d", len(first.Fragment), len(second.Fragment))
	}
	if n+m != len(wire) {
		t.Errorf("trailing bytes after two records")
	}
	if ctx.Write.SequenceNumber() != 2 {
		t.Errorf("sequence %d, want 2", ctx.Write.SequenceNumber())
	}

	empty, err := ctx.WriteRecords(ContentTypeApplicationData, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(empty, []byte{0x17, 0x03, 0x03, 0x00, 0x00}) {
		t.Errorf("empty record %x", empty)
	}
}

func TestParseRecord(t *testing.T) {
	t.Run("dtls header", func(t *testing.T) {
		rec := &Record{Type: ContentTypeAlert, Version: VersionDTLS12, Epoch: 1, Sequence: 0x0102030405, Fragment: []byte{2, 40}}
		wire := rec.Marshal(true)
		if len(wire) != dtlsRecordHeaderLen+2 {
			t.Fatalf("length %d", len(wire))
		}
		got, n, err := ParseRecord(wire, true)
		if err != nil {
			t.Fatal(err)
		}
		if n != len(wire) || got.Epoch != 1 || got.Sequence != 0x0102030405 || got.Version != VersionDTLS12 {
			t.Errorf("got %+v (consumed %d)", got, n)
		}
	})

	tests := []struct {
		name string
		data string
		kind ErrorKind
		err  error
	}{
		{"short header", "160303", 0, ErrIncompleteRecord},
		{"short body", "1603030005aabb", 0, ErrIncompleteRecord},
		{"bad content type", "1903030001aa", ParseError, nil},
		{"oversized", "1703034801", ParseError, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := ParseRecord(mustHex(t, tc.data), false)
			if tc.err != nil && !errors.Is(err, tc.err) {
				t.Errorf("got %v, want %v", err, tc.err)
			}
			if tc.kind != 0 && !IsKind(err, tc.kind) {
				t.Errorf("got %v, want %s", err, tc.kind)
			}
		})
	}
}
