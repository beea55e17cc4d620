package redis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgelink/sio/adapters/adapter"
)

func testAdapter(codec Codec) *Adapter {
	return &Adapter{
		opts: &Options{
			KeyPrefix:         adapter.DefaultKeyPrefix,
			HeartbeatInterval: adapter.DefaultHeartbeatInterval,
			Codec:             codec,
		},
		serverId: "node-1",
	}
}

func TestKeyNaming(t *testing.T) {
	a := testAdapter(CodecJSON)

	assert.Equal(t, "socket.io:room:/chat:lobby", a.roomKey("/chat", "lobby"))
	assert.Equal(t, "socket.io:socket:/:s1", a.socketKey("/", "s1"))
	assert.Equal(t, "socket.io:server:node-1", a.serverKey("node-1"))
	assert.Equal(t, "socket.io:broadcast", a.broadcastChannel())
	assert.Equal(t, "socket.io:roomcast:/:lobby", a.roomChannel("/", "lobby"))
}

func TestMembershipTTL(t *testing.T) {
	a := testAdapter(CodecJSON)
	assert.Equal(t, 3*adapter.DefaultHeartbeatInterval, a.membershipTTL())

	a.opts.HeartbeatInterval = 10 * time.Second
	assert.Equal(t, 30*time.Second, a.membershipTTL())
}

func TestEnvelopeCodecs(t *testing.T) {
	env := &adapter.Envelope{
		Nsp:             "/chat",
		Room:            "lobby",
		Event:           "msg",
		Data:            "hi",
		Packet:          `2/chat,["msg","hi"]`,
		ExcludeSocketId: "s1",
	}

	for _, codec := range []Codec{CodecJSON, CodecMsgpack} {
		a := testAdapter(codec)

		payload, err := a.encode(env)
		require.NoError(t, err, codec)

		out, err := a.decode(payload)
		require.NoError(t, err, codec)

		// the publisher stamps its own id
		assert.Equal(t, "node-1", out.ServerId, codec)
		assert.Equal(t, env.Nsp, out.Nsp, codec)
		assert.Equal(t, env.Room, out.Room, codec)
		assert.Equal(t, env.Event, out.Event, codec)
		assert.Equal(t, env.Packet, out.Packet, codec)
		assert.Equal(t, env.ExcludeSocketId, out.ExcludeSocketId, codec)
	}
}

func TestDecodeGarbage(t *testing.T) {
	a := testAdapter(CodecJSON)
	_, err := a.decode([]byte("{not json"))
	assert.Error(t, err)
}

func TestConnOptions(t *testing.T) {
	ropts, err := connOptions(&Options{})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:6379", ropts.Addr)

	ropts, err = connOptions(&Options{Host: "redis.internal", Port: 6380, Password: "pw", DB: 2})
	require.NoError(t, err)
	assert.Equal(t, "redis.internal:6380", ropts.Addr)
	assert.Equal(t, "pw", ropts.Password)
	assert.Equal(t, 2, ropts.DB)

	ropts, err = connOptions(&Options{Url: "redis://:secret@10.0.0.1:6390/3"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:6390", ropts.Addr)
	assert.Equal(t, 3, ropts.DB)
}
