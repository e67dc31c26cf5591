package workflow

import (
	"context"
	"crypto/rsa"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"tls-workbench/minitls"
	"tls-workbench/shared"
	"tls-workbench/transport"
)

var testIdentity = sync.OnceValues(func() (*identity, error) {
	key, der, err := minitls.NewSelfSignedIdentity("localhost")
	if err != nil {
		return nil, err
	}
	return &identity{key: key, der: der}, nil
})

type identity struct {
	key *rsa.PrivateKey
	der []byte
}

func loopbackConfigs(t *testing.T, suite minitls.CipherSuite) (client, server *minitls.Config) {
	t.Helper()
	id, err := testIdentity()
	require.NoError(t, err)

	client = minitls.DefaultConfig()
	client.CipherSuites = []minitls.CipherSuite{suite}
	client.ReceiveTimeout = 5 * time.Second
	if suite.Info().TLS13 {
		client.HighestVersion = minitls.VersionTLS13
		client.SupportedVersions = []minitls.ProtocolVersion{minitls.VersionTLS13}
	}

	server = client.Clone()
	server.ConnectionEnd = minitls.Server
	server.RSAKey = id.key
	server.CertificateChain = [][]byte{id.der}
	return client, server
}

type loopback struct {
	client, server       *TraceResult
	clientCtx, serverCtx *minitls.Context
}

// runLoopback plays both ends of traceType over an in-memory pipe.
func runLoopback(t *testing.T, clientCfg, serverCfg *minitls.Config, traceType TraceType) *loopback {
	t.Helper()
	clientTrace, err := NewTraceFactory(clientCfg).Create(traceType)
	require.NoError(t, err)
	serverTrace, err := NewTraceFactory(serverCfg).Create(traceType)
	require.NoError(t, err)

	logger := &shared.Logger{Logger: zaptest.NewLogger(t)}
	exec := NewExecutor(logger, DefaultPolicy())
	ct, st := transport.Pipe()
	defer ct.Close()
	defer st.Close()

	lb := &loopback{
		clientCtx: minitls.NewContext(clientCfg, logger.Named("client")),
		serverCtx: minitls.NewContext(serverCfg, logger.Named("server")),
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		lb.server = exec.Execute(context.Background(), serverTrace, lb.serverCtx, st)
	}()
	lb.client = exec.Execute(context.Background(), clientTrace, lb.clientCtx, ct)
	wg.Wait()
	return lb
}

func TestLoopbackTLS12Handshake(t *testing.T) {
	suites := []minitls.CipherSuite{
		minitls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		minitls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
		minitls.TLS_RSA_WITH_AES_128_CBC_SHA,
		minitls.TLS_DHE_RSA_WITH_AES_128_CBC_SHA,
	}
	for _, suite := range suites {
		t.Run(suite.String(), func(t *testing.T) {
			clientCfg, serverCfg := loopbackConfigs(t, suite)

			lb := runLoopback(t, clientCfg, serverCfg, TraceFull)

			require.True(t, lb.client.Passed(), "client: %v", lb.client.Err())
			require.True(t, lb.server.Passed(), "server: %v", lb.server.Err())
			assert.Equal(t, suite, lb.clientCtx.SelectedCipherSuite)
			assert.Equal(t, minitls.VersionTLS12, lb.clientCtx.SelectedVersion)
			assert.NotEmpty(t, lb.clientCtx.MasterSecret)
			assert.Equal(t, lb.clientCtx.MasterSecret, lb.serverCtx.MasterSecret)
			assert.True(t, lb.clientCtx.Write.Encrypted())
			assert.True(t, lb.serverCtx.Read.Encrypted())

			// the server's last action received the client's application data
			last := lb.server.Actions[len(lb.server.Actions)-1]
			data, ok := last.Messages[0].Message.(*minitls.ApplicationDataMessage)
			require.True(t, ok, "got %T", last.Messages[0].Message)
			assert.Equal(t, clientCfg.ApplicationData, data.Data)
		})
	}
}

func TestLoopbackTLS12ExtendedMasterSecret(t *testing.T) {
	clientCfg, serverCfg := loopbackConfigs(t, minitls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256)
	clientCfg.AddExtendedMasterSecret = true
	serverCfg.AddExtendedMasterSecret = true

	lb := runLoopback(t, clientCfg, serverCfg, TraceHandshake)

	require.True(t, lb.client.Passed(), "client: %v", lb.client.Err())
	require.True(t, lb.server.Passed(), "server: %v", lb.server.Err())
	assert.True(t, lb.clientCtx.ServerExtendedMasterSecret)
	assert.True(t, lb.serverCtx.ClientExtendedMasterSecret)
	assert.Equal(t, lb.clientCtx.MasterSecret, lb.serverCtx.MasterSecret)
}

func TestLoopbackTLS13Handshake(t *testing.T) {
	clientCfg, serverCfg := loopbackConfigs(t, minitls.TLS_AES_128_GCM_SHA256)

	lb := runLoopback(t, clientCfg, serverCfg, TraceTLS13Handshake)

	require.True(t, lb.client.Passed(), "client: %v", lb.client.Err())
	require.True(t, lb.server.Passed(), "server: %v", lb.server.Err())
	assert.Equal(t, minitls.VersionTLS13, lb.clientCtx.SelectedVersion)
	assert.Equal(t, lb.clientCtx.ClientApplicationTrafficSecret, lb.serverCtx.ClientApplicationTrafficSecret)
	assert.Equal(t, lb.clientCtx.ServerApplicationTrafficSecret, lb.serverCtx.ServerApplicationTrafficSecret)
	assert.Equal(t, minitls.KeySetApplication, lb.clientCtx.Write.KeySet.Type)
	assert.Equal(t, minitls.KeySetApplication, lb.serverCtx.Read.KeySet.Type)
	assert.Equal(t, lb.clientCtx.PeerCertificates, serverCfg.CertificateChain)
}

func TestLoopbackFinishedMismatch(t *testing.T) {
	clientCfg, serverCfg := loopbackConfigs(t, minitls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256)
	clientTrace, err := NewTraceFactory(clientCfg).Create(TraceHandshake)
	require.NoError(t, err)
	serverTrace, err := NewTraceFactory(serverCfg).Create(TraceHandshake)
	require.NoError(t, err)

	// the client sends a Finished with forged verify_data
	clientFlight := clientTrace.Actions[2]
	last := len(clientFlight.Slots) - 1
	forged := &minitls.FinishedMessage{VerifyData: make([]byte, 12)}
	forged.Type = minitls.TypeFinished
	forged.Length = 12
	clientFlight.Slots[last] = &MessageSlot{Message: forged, Required: true, Verbatim: true}

	exec := NewExecutor(nil, DefaultPolicy())
	ct, st := transport.Pipe()
	defer ct.Close()
	defer st.Close()

	var server *TraceResult
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		server = exec.Execute(context.Background(), serverTrace, minitls.NewContext(serverCfg, nil), st)
		st.Close()
	}()
	exec.Execute(context.Background(), clientTrace, minitls.NewContext(clientCfg, nil), ct)
	wg.Wait()

	require.Equal(t, StatusFailed, server.Status)
	require.NotEmpty(t, server.Failures)
	f := server.Failures[0]
	assert.Equal(t, 2, f.ActionIndex)
	assert.Equal(t, "ProtocolViolation", f.Kind)
	assert.Contains(t, f.Message, "verify_data mismatch")
}
