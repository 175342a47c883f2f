package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	cases := []Message{
		{Type: TypeCommand, Flags: 0, Payload: []byte(`{"command":"get"}`)},
		{Type: TypePing, Flags: 0, Payload: nil},
		{Type: TypeResponse, Flags: FlagRequireAck, Payload: []byte("x")},
	}
	for _, m := range cases {
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, m))
		got, err := Decode(&buf)
		require.NoError(t, err)
		assert.Equal(t, m.Type, got.Type)
		assert.Equal(t, m.Flags, got.Flags)
		assert.Equal(t, m.Payload, got.Payload)
	}
}

func TestCompressedRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("hello world "), 100)
	m := Message{Type: TypeCommand, Flags: FlagCompressed, Payload: payload}
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, m))
	got, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, payload, got.Payload)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, Message{Type: TypePing}))
	corrupt := buf.Bytes()
	corrupt[0] ^= 0xFF
	_, err := Decode(bytes.NewReader(corrupt))
	require.Error(t, err)
}

func TestDecodeRejectsCRCMismatch(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, Message{Type: TypeCommand, Payload: []byte("abc")}))
	corrupt := buf.Bytes()
	corrupt[len(corrupt)-1] ^= 0xFF
	_, err := Decode(bytes.NewReader(corrupt))
	require.Error(t, err)
}

func TestUnsupportedFlags(t *testing.T) {
	f := Flags(0xF0)
	assert.True(t, f.UnsupportedFlags())
	assert.False(t, Flags(FlagCompressed|FlagRequireAck).UnsupportedFlags())
}
