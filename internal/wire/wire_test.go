package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrips(t *testing.T) {
	env := Envelope{Tag: TagDkgRound1, Body: []byte("hello")}
	buf, err := Encode(env)
	require.NoError(t, err)

	got, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, env, got)
}

func TestEncodeRejectsOversizedBody(t *testing.T) {
	_, err := Encode(Envelope{Tag: TagHandshake, Body: make([]byte, MaxEnvelopeBytes)})
	require.Error(t, err)
}

func TestWriteReadEnvelopeRoundTripsOverStream(t *testing.T) {
	var buf bytes.Buffer
	env := Envelope{Tag: TagSignRound2, Body: []byte("payload")}
	require.NoError(t, WriteEnvelope(&buf, env))

	got, err := ReadEnvelope(&buf)
	require.NoError(t, err)
	require.Equal(t, env, got)
}

func TestReadEnvelopeRejectsOversizedLengthPrefix(t *testing.T) {
	var buf bytes.Buffer
	oversized := Envelope{Tag: TagReshareR1, Body: []byte("x")}
	raw, err := Encode(oversized)
	require.NoError(t, err)
	// Tamper the length prefix to claim more than MaxEnvelopeBytes.
	raw[0] = 0xFF
	buf.Write(raw)

	_, err = ReadEnvelope(&buf)
	require.Error(t, err)
}

func TestReadEnvelopeRejectsEmptyEnvelope(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0})
	_, err := ReadEnvelope(&buf)
	require.Error(t, err)
}

func TestDecodeRejectsTooShortBuffer(t *testing.T) {
	_, err := Decode([]byte{0, 0, 0, 1})
	require.Error(t, err)
}

func TestDecodeRejectsLengthPrefixMismatch(t *testing.T) {
	env := Envelope{Tag: TagRecovery, Body: []byte("abc")}
	buf, err := Encode(env)
	require.NoError(t, err)
	buf = append(buf, 0xFF) // trailing garbage invalidates the length prefix

	_, err = Decode(buf)
	require.Error(t, err)
}

func TestMultipleEnvelopesReadSequentiallyFromSameStream(t *testing.T) {
	var buf bytes.Buffer
	first := Envelope{Tag: TagDkgRound1, Body: []byte("one")}
	second := Envelope{Tag: TagDkgRound2, Body: []byte("two")}
	require.NoError(t, WriteEnvelope(&buf, first))
	require.NoError(t, WriteEnvelope(&buf, second))

	got1, err := ReadEnvelope(&buf)
	require.NoError(t, err)
	require.Equal(t, first, got1)

	got2, err := ReadEnvelope(&buf)
	require.NoError(t, err)
	require.Equal(t, second, got2)
}
