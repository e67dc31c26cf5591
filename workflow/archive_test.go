package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tls-workbench/minitls"
)

func TestArchiveRoundTrip(t *testing.T) {
	tr := &scriptedTransport{chunks: [][]byte{mustHex(t, "16030300040e000000")}}
	receive := NewAction(minitls.Client, minitls.Server,
		Optional(&minitls.CertificateRequestMessage{}),
		Expect(&minitls.ServerHelloDoneMessage{}))
	receive.Timeout = 2 * time.Second
	trace := NewTrace(
		NewAction(minitls.Client, minitls.Client, Expect(&minitls.ClientHelloMessage{})),
		receive,
	)

	res, tlsCtx := execute(t, DefaultPolicy(), trace, tr)
	require.True(t, res.Passed(), "%v", res.Err())
	require.Len(t, tr.sent, 1)

	back, err := UnmarshalArchive(NewArchive(trace, res, tlsCtx).Marshal())
	require.NoError(t, err)

	assert.Equal(t, tlsCtx.Version(), back.Version)
	assert.Equal(t, minitls.Client, back.End)
	require.Len(t, back.Actions, 2)

	sent := back.Actions[0]
	assert.Equal(t, Send, sent.Kind)
	assert.Equal(t, minitls.Client, sent.Sender)
	require.Len(t, sent.Slots, 1)
	assert.Equal(t, minitls.KindClientHello, sent.Slots[0].Kind)
	// one record, so the message is everything after the 5 byte header
	assert.Equal(t, tr.sent[0][5:], sent.Slots[0].Raw)

	received := back.Actions[1]
	assert.Equal(t, Receive, received.Kind)
	assert.Equal(t, 2*time.Second, received.Timeout)
	require.Len(t, received.Slots, 2)
	assert.False(t, received.Slots[0].Required)
	assert.Empty(t, received.Slots[0].Raw)
	assert.True(t, received.Slots[1].Required)
	assert.Equal(t, mustHex(t, "0e000000"), received.Slots[1].Raw)

	replay, err := back.Trace(testConfig())
	require.NoError(t, err)
	assert.Equal(t, shape(trace), shape(replay))

	ch := replay.Actions[0].Slots[0]
	require.True(t, ch.Verbatim)
	raw, err := minitls.Serialize(minitls.NewContext(testConfig(), nil), ch.Message)
	require.NoError(t, err)
	assert.Equal(t, sent.Slots[0].Raw, raw)
	assert.False(t, replay.Actions[1].Slots[0].Verbatim)
}

func TestUnmarshalArchiveRejectsGarbage(t *testing.T) {
	_, err := UnmarshalArchive([]byte{0xff})
	require.Error(t, err)
	assert.True(t, minitls.IsKind(err, minitls.ParseError))
}

func TestArchiveTraceRejectsUnknownActionKind(t *testing.T) {
	a := &Archive{
		Version: minitls.VersionTLS12,
		Actions: []ArchivedAction{{Kind: ActionKind(9), Sender: minitls.Client}},
	}
	_, err := a.Trace(nil)
	require.Error(t, err)
	assert.True(t, minitls.IsKind(err, minitls.ParseError))
}
