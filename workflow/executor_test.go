package workflow

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tls-workbench/minitls"
	"tls-workbench/transport"
)

// scriptedTransport replays canned chunks and records what is sent. An empty
// script times out at once, or reports EOF when eof is set.
type scriptedTransport struct {
	chunks  [][]byte
	sent    [][]byte
	eof     bool
	sendErr error
}

func (s *scriptedTransport) Send(ctx context.Context, data []byte) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, append([]byte(nil), data...))
	return nil
}

func (s *scriptedTransport) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if len(s.chunks) == 0 {
		if s.eof {
			return nil, io.EOF
		}
		return nil, transport.ErrTimeout
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *scriptedTransport) Close() error { return nil }

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func testConfig() *minitls.Config {
	cfg := minitls.DefaultConfig()
	cfg.ReceiveTimeout = 50 * time.Millisecond
	return cfg
}

func execute(t *testing.T, policy Policy, trace *Trace, tr transport.Transport) (*TraceResult, *minitls.Context) {
	t.Helper()
	tlsCtx := minitls.NewContext(testConfig(), nil)
	res := NewExecutor(nil, policy).Execute(context.Background(), trace, tlsCtx, tr)
	return res, tlsCtx
}

func TestExecuteRequiredSlotTimeout(t *testing.T) {
	trace := NewTrace(
		NewAction(minitls.Client, minitls.Server, Expect(&minitls.ServerHelloMessage{})),
		NewAction(minitls.Client, minitls.Client, Expect(&minitls.ClientHelloMessage{})),
	)
	tr := &scriptedTransport{}

	res, _ := execute(t, DefaultPolicy(), trace, tr)

	require.Equal(t, StatusFailed, res.Status)
	assert.True(t, res.Halted)
	assert.Empty(t, tr.sent)
	require.Len(t, res.Failures, 1)
	f := res.Failures[0]
	assert.Equal(t, 0, f.ActionIndex)
	assert.Equal(t, 0, f.MessageIndex)
	assert.Equal(t, "ProtocolViolation", f.Kind)
	assert.True(t, minitls.IsKind(f, minitls.ProtocolViolation))
	assert.True(t, errors.Is(f, transport.ErrTimeout))

	require.Len(t, res.Actions, 1)
	mr := res.Actions[0].Messages[0]
	assert.True(t, mr.Required)
	assert.False(t, mr.Matched)
	assert.Equal(t, "SERVER_HELLO", mr.Expected)
}

func TestExecuteOptionalSlotTimeout(t *testing.T) {
	trace := NewTrace(
		NewAction(minitls.Client, minitls.Server, Optional(&minitls.CertificateRequestMessage{})),
		NewAction(minitls.Client, minitls.Client, Expect(&minitls.ClientHelloMessage{})),
	)
	tr := &scriptedTransport{}

	res, _ := execute(t, DefaultPolicy(), trace, tr)

	require.True(t, res.Passed(), "%v", res.Err())
	assert.False(t, res.Halted)
	require.Len(t, res.Actions, 2)
	require.Len(t, res.Actions[0].Messages, 1)
	assert.True(t, res.Actions[0].Messages[0].Skipped)
	assert.Len(t, tr.sent, 1)
}

func TestExecuteSendsParsableClientHello(t *testing.T) {
	tr := &scriptedTransport{}
	trace := NewTrace(NewAction(minitls.Client, minitls.Client, Expect(&minitls.ClientHelloMessage{})))

	res, tlsCtx := execute(t, DefaultPolicy(), trace, tr)
	require.True(t, res.Passed(), "%v", res.Err())
	require.Len(t, tr.sent, 1)

	rec, n, err := minitls.ParseRecord(tr.sent[0], false)
	require.NoError(t, err)
	assert.Equal(t, len(tr.sent[0]), n)
	assert.Equal(t, minitls.ContentTypeHandshake, rec.Type)

	msg, consumed, err := minitls.ParseHandshakeMessage(minitls.NewContext(testConfig(), nil), rec.Fragment)
	require.NoError(t, err)
	assert.Equal(t, len(rec.Fragment), consumed)
	ch, ok := msg.(*minitls.ClientHelloMessage)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, testConfig().CipherSuites, ch.CipherSuites())
	assert.Equal(t, tlsCtx.ClientRandom, ch.Random)
	assert.False(t, minitls.IsPartial(ch))

	assert.Equal(t, hex.EncodeToString(rec.Fragment), res.Actions[0].Messages[0].Raw)
	assert.Equal(t, rec.Fragment, tlsCtx.Transcript())
}

func alertTrace() *Trace {
	return NewTrace(
		NewAction(minitls.Client, minitls.Server,
			Expect(&minitls.ServerHelloMessage{}),
			Expect(&minitls.CertificateMessage{}),
			Expect(&minitls.ServerHelloDoneMessage{}),
		),
		NewAction(minitls.Client, minitls.Client, Expect(&minitls.AlertMessage{})),
	)
}

func TestExecuteAlertInsteadOfServerHello(t *testing.T) {
	// fatal handshake_failure
	const alertRecord = "15030300020228"

	t.Run("strict", func(t *testing.T) {
		tr := &scriptedTransport{chunks: [][]byte{mustHex(t, alertRecord)}}
		res, tlsCtx := execute(t, DefaultPolicy(), alertTrace(), tr)

		require.Equal(t, StatusFailed, res.Status)
		assert.True(t, res.Halted)
		require.Len(t, res.Actions, 1)
		assert.Equal(t, "handshake_failure", res.Actions[0].Alert)
		require.Len(t, res.Failures, 1)
		assert.Equal(t, "ProtocolViolation", res.Failures[0].Kind)
		assert.Equal(t, 0, res.Failures[0].MessageIndex)

		mr := res.Actions[0].Messages[0]
		assert.Equal(t, "SERVER_HELLO", mr.Expected)
		assert.Equal(t, "ALERT", mr.Actual)
		assert.False(t, mr.Matched)

		require.NotNil(t, tlsCtx.LastAlert)
		assert.Equal(t, minitls.AlertHandshakeFailure, tlsCtx.LastAlert.Description)
		assert.Equal(t, minitls.Server, tlsCtx.LastAlert.Sender)
		assert.Empty(t, tr.sent)
	})

	t.Run("tolerant", func(t *testing.T) {
		tr := &scriptedTransport{chunks: [][]byte{mustHex(t, alertRecord)}}
		res, _ := execute(t, Policy{}, alertTrace(), tr)

		require.Equal(t, StatusFailed, res.Status)
		assert.False(t, res.Halted)
		require.Len(t, res.Actions, 2)
		// the mismatch, then Certificate and ServerHelloDone never arrive
		require.Len(t, res.Failures, 3)
		for i, f := range res.Failures {
			assert.Equal(t, 0, f.ActionIndex)
			assert.Equal(t, i, f.MessageIndex)
			assert.Equal(t, "ProtocolViolation", f.Kind)
		}
		require.Len(t, tr.sent, 1)
		assert.Equal(t, mustHex(t, alertRecord), tr.sent[0])
	})

	t.Run("stop after fatal alert", func(t *testing.T) {
		tr := &scriptedTransport{chunks: [][]byte{mustHex(t, alertRecord)}}
		res, _ := execute(t, Policy{StopAfterFatalAlert: true}, alertTrace(), tr)

		assert.True(t, res.Halted)
		assert.Len(t, res.Actions, 1)
		assert.Empty(t, tr.sent)
	})
}

func TestExecuteSkipsUnmatchedOptionalSlot(t *testing.T) {
	tr := &scriptedTransport{chunks: [][]byte{mustHex(t, "16030300040e000000")}}
	trace := NewTrace(NewAction(minitls.Client, minitls.Server,
		Optional(&minitls.CertificateRequestMessage{}),
		Expect(&minitls.ServerHelloDoneMessage{}),
	))

	res, _ := execute(t, DefaultPolicy(), trace, tr)

	require.True(t, res.Passed(), "%v", res.Err())
	msgs := res.Actions[0].Messages
	require.Len(t, msgs, 2)
	assert.True(t, msgs[0].Skipped)
	assert.Equal(t, "CERTIFICATE_REQUEST", msgs[0].Expected)
	assert.True(t, msgs[1].Matched)
	assert.Equal(t, "0e000000", msgs[1].Raw)
}

func TestExecuteCarriesExtraMessageToNextAction(t *testing.T) {
	// two ServerHelloDone messages in one record
	tr := &scriptedTransport{chunks: [][]byte{mustHex(t, "16030300080e0000000e000000")}}
	trace := NewTrace(
		NewAction(minitls.Client, minitls.Server,
			Expect(&minitls.ServerHelloDoneMessage{}),
			Optional(&minitls.FinishedMessage{}),
		),
		NewAction(minitls.Client, minitls.Server, Expect(&minitls.ServerHelloDoneMessage{})),
	)

	res, tlsCtx := execute(t, DefaultPolicy(), trace, tr)

	require.True(t, res.Passed(), "%v", res.Err())
	require.Len(t, res.Actions, 2)
	first := res.Actions[0].Messages
	require.Len(t, first, 2)
	assert.True(t, first[0].Matched)
	assert.True(t, first[1].Skipped)
	assert.True(t, res.Actions[1].Messages[0].Matched)
	assert.Equal(t, mustHex(t, "0e0000000e000000"), tlsCtx.Transcript())
}

func TestExecuteDecodesTruncatedMessageOnTimeout(t *testing.T) {
	// ServerHelloDone declaring 4 body bytes, one present
	tr := &scriptedTransport{chunks: [][]byte{mustHex(t, "16030300050e000004aa")}}
	trace := NewTrace(NewAction(minitls.Client, minitls.Server, Expect(&minitls.ServerHelloDoneMessage{})))

	res, _ := execute(t, DefaultPolicy(), trace, tr)

	require.True(t, res.Passed(), "%v", res.Err())
	mr := res.Actions[0].Messages[0]
	assert.True(t, mr.Matched)
	assert.True(t, mr.Partial)
	assert.Equal(t, "0e000004aa", mr.Raw)

	shd, ok := mr.Message.(*minitls.ServerHelloDoneMessage)
	require.True(t, ok)
	assert.Equal(t, uint32(4), shd.Length)
}

func TestExecuteEndOfStream(t *testing.T) {
	trace := NewTrace(NewAction(minitls.Client, minitls.Server,
		Expect(&minitls.ServerHelloMessage{}),
		Optional(&minitls.CertificateMessage{}),
	))

	res, _ := execute(t, Policy{}, trace, &scriptedTransport{eof: true})

	require.Len(t, res.Failures, 1)
	assert.Equal(t, "ProtocolViolation", res.Failures[0].Kind)
	assert.Contains(t, res.Failures[0].Message, "connection closed by peer")
	assert.True(t, res.Actions[0].Messages[1].Skipped)
}

func TestExecuteTransportSendFailureHalts(t *testing.T) {
	tr := &scriptedTransport{sendErr: transport.ErrClosed}
	trace := NewTrace(
		NewAction(minitls.Client, minitls.Client, Expect(&minitls.ClientHelloMessage{})),
		NewAction(minitls.Client, minitls.Server, Expect(&minitls.ServerHelloMessage{})),
	)

	res, _ := execute(t, Policy{}, trace, tr)

	require.Equal(t, StatusFailed, res.Status)
	assert.True(t, res.Halted)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "TransportError", res.Failures[0].Kind)
	assert.Equal(t, -1, res.Failures[0].MessageIndex)
	assert.ErrorIs(t, res.Failures[0], transport.ErrClosed)
	assert.NotEmpty(t, res.Actions[0].Error)
}

func TestExecuteCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	trace := NewTrace(NewAction(minitls.Client, minitls.Client, Expect(&minitls.ClientHelloMessage{})))
	tr := &scriptedTransport{}

	res := NewExecutor(nil, DefaultPolicy()).Execute(ctx, trace, minitls.NewContext(testConfig(), nil), tr)

	require.Equal(t, StatusFailed, res.Status)
	assert.Empty(t, res.Actions)
	assert.Empty(t, tr.sent)
	require.Len(t, res.Failures, 1)
	assert.ErrorIs(t, res.Failures[0], context.Canceled)
}

func TestExecuteVerbatimSlotIsSentAsStored(t *testing.T) {
	tr := &scriptedTransport{}
	shd := &minitls.ServerHelloDoneMessage{}
	shd.Type = minitls.TypeServerHelloDone
	shd.Length = 7 // deliberately wrong
	trace := NewTrace(NewAction(minitls.Server, minitls.Server, &MessageSlot{Message: shd, Required: true, Verbatim: true}))

	cfg := testConfig()
	cfg.ConnectionEnd = minitls.Server
	res := NewExecutor(nil, DefaultPolicy()).Execute(context.Background(), trace, minitls.NewContext(cfg, nil), tr)

	require.True(t, res.Passed(), "%v", res.Err())
	require.Len(t, tr.sent, 1)
	assert.Equal(t, mustHex(t, "16030300040e000007"), tr.sent[0])
}
