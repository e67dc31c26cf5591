package workflow

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tls-workbench/minitls"
)

const sampleTrace = `{"actions": [
  {"sender": "CLIENT", "messages": [{"kind": "CLIENT_HELLO"}]},
  {"sender": "SERVER", "timeout": "2s", "messages": [
    {"kind": "SERVER_HELLO"},
    {"kind": "CERTIFICATE_REQUEST", "required": false},
    {"kind": "SERVER_HELLO_DONE", "raw": "0e000000"}
  ]},
  {"sender": "CLIENT", "messages": [{"kind": "ALERT", "raw": "0228"}]}
]}`

func TestLoadTrace(t *testing.T) {
	trace, err := LoadTrace([]byte(sampleTrace), nil)
	require.NoError(t, err)
	require.Len(t, trace.Actions, 3)

	assert.Equal(t, Send, trace.Actions[0].Kind)
	assert.Equal(t, Receive, trace.Actions[1].Kind)
	assert.Equal(t, 2*time.Second, trace.Actions[1].Timeout)
	assert.Equal(t, []string{
		"SEND CLIENT [CLIENT_HELLO]",
		"RECEIVE SERVER [SERVER_HELLO, CERTIFICATE_REQUEST?, SERVER_HELLO_DONE]",
		"SEND CLIENT [ALERT]",
	}, shape(trace))

	shd := trace.Actions[1].Slots[2]
	assert.True(t, shd.Verbatim)
	assert.False(t, trace.Actions[1].Slots[0].Verbatim)

	alertSlot := trace.Actions[2].Slots[0]
	require.True(t, alertSlot.Verbatim)
	alert, ok := alertSlot.Message.(*minitls.AlertMessage)
	require.True(t, ok)
	assert.Equal(t, minitls.AlertLevelFatal, alert.Level)
	assert.Equal(t, minitls.AlertHandshakeFailure, alert.Description)
}

func TestLoadTraceServerView(t *testing.T) {
	cfg := minitls.DefaultConfig()
	cfg.ConnectionEnd = minitls.Server

	trace, err := LoadTrace([]byte(sampleTrace), cfg)
	require.NoError(t, err)
	assert.Equal(t, Receive, trace.Actions[0].Kind)
	assert.Equal(t, Send, trace.Actions[1].Kind)
}

func TestLoadTraceErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want []string
	}{
		{
			name: "syntax",
			doc:  "{\"actions\": [\n  {\"sender\": \"CLIENT\",, \"messages\": []}\n]}",
			want: []string{"line 2"},
		},
		{
			name: "unknown message kind",
			doc: `{
  "actions": [
    {"sender": "CLIENT", "messages": [
      {"kind": "BOGUS"}
    ]}
  ]
}`,
			want: []string{"line 4"},
		},
		{
			name: "missing sender",
			doc:  `{"actions": [{"messages": [{"kind": "ALERT"}]}]}`,
			want: []string{"sender"},
		},
		{
			name: "odd raw bytes",
			doc:  `{"actions": [{"sender": "CLIENT", "messages": [{"kind": "ALERT", "raw": "022"}]}]}`,
			want: []string{"line 1"},
		},
		{
			name: "bad timeout",
			doc:  `{"actions": [{"sender": "SERVER", "timeout": "soon", "messages": [{"kind": "ALERT"}]}]}`,
			want: []string{"action 0", "invalid timeout"},
		},
		{
			name: "unknown action kind",
			doc:  `{"actions": [{"kind": "LISTEN", "sender": "SERVER", "messages": [{"kind": "ALERT"}]}]}`,
			want: []string{"kind"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadTrace([]byte(tt.doc), nil)
			require.Error(t, err)
			assert.True(t, minitls.IsKind(err, minitls.ConfigurationError), "%v", err)
			for _, w := range tt.want {
				assert.Contains(t, err.Error(), w)
			}
		})
	}
}

func TestEncodeTraceReloads(t *testing.T) {
	trace, err := LoadTrace([]byte(sampleTrace), nil)
	require.NoError(t, err)

	doc, err := EncodeTrace(trace, minitls.NewContext(nil, nil))
	require.NoError(t, err)
	again, err := LoadTrace(doc, nil)
	require.NoError(t, err)

	assert.Equal(t, trace.String(), again.String())
	assert.Equal(t, trace.Actions[1].Timeout, again.Actions[1].Timeout)
	assert.Equal(t, trace.Actions[2].Slots[0].Message, again.Actions[2].Slots[0].Message)
}

func TestLineColumn(t *testing.T) {
	data := []byte("ab\ncd\n\nef")
	tests := []struct {
		offset, line, col int
	}{
		{0, 1, 1},
		{1, 1, 2},
		{3, 2, 1},
		{4, 2, 2},
		{7, 4, 1},
		{100, 4, 3},
	}
	for _, tt := range tests {
		line, col := lineColumn(data, tt.offset)
		assert.Equal(t, tt.line, line, "offset %d", tt.offset)
		assert.Equal(t, tt.col, col, "offset %d", tt.offset)
	}
}

func TestLoadTraceDecodesRawInTraceVersion(t *testing.T) {
	// TLS 1.3 Certificate: empty request context, one entry with no extensions.
	const raw = "0b00000d" + "00" + "000009" + "000004deadbeef" + "0000"
	trace13 := `{"actions": [{"sender": "SERVER", "messages": [{"kind": "CERTIFICATE", "raw": "` + raw + `"}]}]}`

	check := func(t *testing.T, trace *Trace) {
		t.Helper()
		cert, ok := trace.Actions[0].Slots[0].Message.(*minitls.CertificateMessage)
		require.True(t, ok)
		assert.True(t, cert.TLS13)
		assert.False(t, minitls.IsPartial(cert))
		require.Len(t, cert.Entries, 1)
		assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, cert.Entries[0].Data)

		ctx := minitls.NewContext(nil, nil)
		ctx.SelectedVersion = minitls.VersionTLS13
		out, err := minitls.Serialize(ctx, cert)
		require.NoError(t, err)
		assert.Equal(t, raw, hexString(out))
	}

	t.Run("configured version", func(t *testing.T) {
		cfg := minitls.DefaultConfig()
		cfg.HighestVersion = minitls.VersionTLS13
		trace, err := LoadTrace([]byte(trace13), cfg)
		require.NoError(t, err)
		check(t, trace)
	})

	t.Run("document version", func(t *testing.T) {
		doc := `{"version": "TLS13", ` + trace13[1:]
		trace, err := LoadTrace([]byte(doc), nil)
		require.NoError(t, err)
		check(t, trace)
	})

	t.Run("tls12 layout by default", func(t *testing.T) {
		trace, err := LoadTrace([]byte(trace13), nil)
		require.NoError(t, err)
		cert := trace.Actions[0].Slots[0].Message.(*minitls.CertificateMessage)
		assert.False(t, cert.TLS13)
	})

	t.Run("unknown version", func(t *testing.T) {
		doc := `{"version": "TLS14", ` + trace13[1:]
		_, err := LoadTrace([]byte(doc), nil)
		require.Error(t, err)
		assert.True(t, minitls.IsKind(err, minitls.ConfigurationError), "%v", err)
	})
}

func TestLoadTraceKeepsTruncatedRaw(t *testing.T) {
	// ServerHello cut one byte into cipher_suite.
	raw := "02000024" + "0303" + strings.Repeat("11", 32) + "00" + "13"
	doc := `{"actions": [{"sender": "CLIENT", "messages": [{"kind": "SERVER_HELLO", "raw": "` + raw + `"}]}]}`

	trace, err := LoadTrace([]byte(doc), nil)
	require.NoError(t, err)
	slot := trace.Actions[0].Slots[0]
	assert.True(t, slot.Verbatim)
	assert.True(t, minitls.IsPartial(slot.Message))

	out, err := minitls.Serialize(minitls.NewContext(nil, nil), slot.Message)
	require.NoError(t, err)
	assert.Equal(t, raw, hexString(out))

	tr := &scriptedTransport{}
	execute(t, DefaultPolicy(), trace, tr)
	require.Len(t, tr.sent, 1)
	rec, _, err := minitls.ParseRecord(tr.sent[0], false)
	require.NoError(t, err)
	assert.Equal(t, raw, hexString(rec.Fragment))
}
