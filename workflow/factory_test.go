package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tls-workbench/minitls"
)

// shape renders a trace as one line per action, "SEND CLIENT [KIND, OPTIONAL?]".
func shape(t *Trace) []string {
	out := make([]string, len(t.Actions))
	for i, a := range t.Actions {
		out[i] = a.String()
	}
	return out
}

func TestFactoryHandshakeShapes(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*minitls.Config)
		typ    TraceType
		want   []string
	}{
		{
			name: "client hello",
			typ:  TraceClientHello,
			want: []string{"SEND CLIENT [CLIENT_HELLO]"},
		},
		{
			name: "dtls client hello",
			mutate: func(c *minitls.Config) {
				c.HighestVersion = minitls.VersionDTLS12
			},
			typ: TraceClientHello,
			want: []string{
				"SEND CLIENT [CLIENT_HELLO]",
				"RECEIVE SERVER [HELLO_VERIFY_REQUEST]",
				"SEND CLIENT [CLIENT_HELLO]",
			},
		},
		{
			name: "ecdhe handshake",
			typ:  TraceHandshake,
			want: []string{
				"SEND CLIENT [CLIENT_HELLO]",
				"RECEIVE SERVER [SERVER_HELLO, CERTIFICATE, ECDHE_SERVER_KEY_EXCHANGE, SERVER_HELLO_DONE]",
				"SEND CLIENT [ECDH_CLIENT_KEY_EXCHANGE, CHANGE_CIPHER_SPEC, FINISHED]",
				"RECEIVE SERVER [CHANGE_CIPHER_SPEC, FINISHED]",
			},
		},
		{
			name: "rsa handshake with client authentication",
			mutate: func(c *minitls.Config) {
				c.CipherSuites = []minitls.CipherSuite{minitls.TLS_RSA_WITH_AES_128_CBC_SHA}
				c.ClientAuthentication = true
			},
			typ: TraceHandshake,
			want: []string{
				"SEND CLIENT [CLIENT_HELLO]",
				"RECEIVE SERVER [SERVER_HELLO, CERTIFICATE, CERTIFICATE_REQUEST?, SERVER_HELLO_DONE]",
				"SEND CLIENT [CERTIFICATE, RSA_CLIENT_KEY_EXCHANGE, CERTIFICATE_VERIFY, CHANGE_CIPHER_SPEC, FINISHED]",
				"RECEIVE SERVER [CHANGE_CIPHER_SPEC, FINISHED]",
			},
		},
		{
			name: "dhe handshake from the server side",
			mutate: func(c *minitls.Config) {
				c.ConnectionEnd = minitls.Server
				c.CipherSuites = []minitls.CipherSuite{minitls.TLS_DHE_RSA_WITH_AES_128_CBC_SHA}
			},
			typ: TraceHandshake,
			want: []string{
				"RECEIVE CLIENT [CLIENT_HELLO]",
				"SEND SERVER [SERVER_HELLO, CERTIFICATE, DHE_SERVER_KEY_EXCHANGE, SERVER_HELLO_DONE]",
				"RECEIVE CLIENT [DH_CLIENT_KEY_EXCHANGE, CHANGE_CIPHER_SPEC, FINISHED]",
				"SEND SERVER [CHANGE_CIPHER_SPEC, FINISHED]",
			},
		},
		{
			name: "full with server data and heartbeat",
			mutate: func(c *minitls.Config) {
				c.ServerSendsApplicationData = true
				c.HeartbeatMode = minitls.HeartbeatPeerAllowedToSend
			},
			typ: TraceFull,
			want: []string{
				"SEND CLIENT [CLIENT_HELLO]",
				"RECEIVE SERVER [SERVER_HELLO, CERTIFICATE, ECDHE_SERVER_KEY_EXCHANGE, SERVER_HELLO_DONE]",
				"SEND CLIENT [ECDH_CLIENT_KEY_EXCHANGE, CHANGE_CIPHER_SPEC, FINISHED]",
				"RECEIVE SERVER [CHANGE_CIPHER_SPEC, FINISHED]",
				"RECEIVE SERVER [APPLICATION_DATA]",
				"SEND CLIENT [APPLICATION_DATA, HEARTBEAT]",
				"RECEIVE SERVER [HEARTBEAT]",
			},
		},
		{
			name: "tls 1.3",
			mutate: func(c *minitls.Config) {
				c.HighestVersion = minitls.VersionTLS13
				c.CipherSuites = []minitls.CipherSuite{minitls.TLS_AES_128_GCM_SHA256}
				c.ClientAuthentication = true
			},
			typ: TraceTLS13Handshake,
			want: []string{
				"SEND CLIENT [CLIENT_HELLO]",
				"RECEIVE SERVER [SERVER_HELLO, CHANGE_CIPHER_SPEC?, ENCRYPTED_EXTENSIONS, CERTIFICATE_REQUEST?, CERTIFICATE, CERTIFICATE_VERIFY, FINISHED]",
				"SEND CLIENT [CERTIFICATE, CERTIFICATE_VERIFY, FINISHED]",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := minitls.DefaultConfig()
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			trace, err := NewTraceFactory(cfg).Create(tt.typ)
			require.NoError(t, err)
			assert.Equal(t, tt.want, shape(trace))
		})
	}
}

func TestFactorySessionResumptionOmitsKeyExchange(t *testing.T) {
	cfg := minitls.DefaultConfig()
	cfg.SessionResumption = true
	cfg.ClientAuthentication = true

	trace, err := NewTraceFactory(cfg).Create(TraceHandshake)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"SEND CLIENT [CLIENT_HELLO]",
		"RECEIVE SERVER [SERVER_HELLO, CERTIFICATE, SERVER_HELLO_DONE]",
		"SEND CLIENT [CHANGE_CIPHER_SPEC, FINISHED]",
		"RECEIVE SERVER [CHANGE_CIPHER_SPEC, FINISHED]",
	}, shape(trace))
}

func TestFactoryUnknownType(t *testing.T) {
	_, err := NewTraceFactory(minitls.DefaultConfig()).Create("RENEGOTIATION")
	require.Error(t, err)
	assert.True(t, minitls.IsKind(err, minitls.ConfigurationError))
}

func TestParseTraceType(t *testing.T) {
	typ, err := ParseTraceType(" tls13_handshake ")
	require.NoError(t, err)
	assert.Equal(t, TraceTLS13Handshake, typ)

	_, err = ParseTraceType("bogus")
	assert.True(t, minitls.IsKind(err, minitls.ConfigurationError))
}
