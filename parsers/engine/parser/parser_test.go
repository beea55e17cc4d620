package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgelink/sio/parsers/engine/packet"
)

func TestEncodeTextPacket(t *testing.T) {
	assert.Equal(t, "4hello", Encode(packet.NewMessage("hello")))
	assert.Equal(t, "2", Encode(&packet.Packet{Type: packet.PING}))
	assert.Equal(t, "3", Encode(&packet.Packet{Type: packet.PONG}))
	assert.Equal(t, "1", Encode(&packet.Packet{Type: packet.CLOSE}))
}

func TestEncodeBinaryPacket(t *testing.T) {
	p := &packet.Packet{Type: packet.MESSAGE, Data: []byte{0x01, 0x02, 0x03}, Binary: true}
	encoded := Encode(p)
	require.True(t, strings.HasPrefix(encoded, "4b"))

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, packet.MESSAGE, decoded.Type)
	assert.True(t, decoded.Binary)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, decoded.Data)
}

func TestDecodeRoundTrip(t *testing.T) {
	for _, p := range []*packet.Packet{
		{Type: packet.OPEN, Data: []byte(`{"sid":"abc"}`)},
		{Type: packet.MESSAGE, Data: []byte(`0`)},
		{Type: packet.PING},
		{Type: packet.NOOP},
	} {
		decoded, err := Decode(Encode(p))
		require.NoError(t, err)
		assert.Equal(t, p.Type, decoded.Type)
		assert.Equal(t, p.Data, decoded.Data)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode("")
	assert.ErrorIs(t, err, ErrInvalidPacket)

	_, err = Decode("9")
	assert.ErrorIs(t, err, ErrInvalidPacket)

	_, err = Decode("4b!!!not-base64!!!")
	assert.ErrorIs(t, err, ErrInvalidPacket)
}

func TestEncodePayloadEmpty(t *testing.T) {
	assert.Equal(t, "0:", EncodePayload(nil))

	packets, err := DecodePayload("0:")
	require.NoError(t, err)
	assert.Empty(t, packets)
}

func TestPayloadRoundTrip(t *testing.T) {
	in := []*packet.Packet{
		packet.NewMessage("hello"),
		{Type: packet.PING},
		packet.NewMessage(`{"a":1}`),
	}
	encoded := EncodePayload(in)
	assert.Equal(t, "6:4hello1:2", encoded[:11])

	out, err := DecodePayload(encoded)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "hello", string(out[0].Data))
	assert.Equal(t, packet.PING, out[1].Type)
	assert.Equal(t, `{"a":1}`, string(out[2].Data))
}

func TestDecodePayloadBadFraming(t *testing.T) {
	_, err := DecodePayload("x:4hi")
	assert.ErrorIs(t, err, ErrInvalidFraming)

	_, err = DecodePayload("10:4hi")
	assert.ErrorIs(t, err, ErrInvalidFraming)

	_, err = DecodePayload(":4hi")
	assert.ErrorIs(t, err, ErrInvalidFraming)
}
