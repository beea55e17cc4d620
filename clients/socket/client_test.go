package socket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	srv "github.com/edgelink/sio/servers/engine"
)

func TestOptionsNormalize(t *testing.T) {
	o := &Options{Url: "http://x", Nsp: "chat"}
	o.normalize()
	assert.Equal(t, "/chat", o.Nsp)
	assert.Equal(t, "/socket.io/", o.Path)
	assert.Equal(t, []string{srv.WEBSOCKET, srv.POLLING}, o.Transports)
	assert.Equal(t, 1000, o.QueueLimit)
	assert.Equal(t, time.Minute, o.QueueMaxAge)
}

func TestOfflineQueueCap(t *testing.T) {
	c := NewClient(&Options{Url: "http://127.0.0.1:1", QueueLimit: 2, Reconnect: false})

	require.NoError(t, c.Emit("a"))
	require.NoError(t, c.Emit("b"))
	assert.Equal(t, 2, c.QueueLen())

	assert.ErrorIs(t, c.Emit("c"), ErrQueueFull)
	assert.Equal(t, 2, c.QueueLen())
}

func TestSplitAck(t *testing.T) {
	ack, args := splitAck([]any{"a", 1})
	assert.Nil(t, ack)
	assert.Equal(t, []any{"a", 1}, args)

	called := false
	ack, args = splitAck([]any{"a", func(...any) { called = true }})
	require.NotNil(t, ack)
	assert.Equal(t, []any{"a"}, args)
	ack()
	assert.True(t, called)

	ack, args = splitAck([]any{Ack(func(...any) {})})
	require.NotNil(t, ack)
	assert.Empty(t, args)

	ack, _ = splitAck(nil)
	assert.Nil(t, ack)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	c := NewClient(&Options{
		Url:           "http://127.0.0.1:1",
		ReconnectBase: time.Second,
		ReconnectMax:  30 * time.Second,
	})

	c.attempts = 1
	d := c.backoffDelayLocked()
	assert.GreaterOrEqual(t, d, time.Second)
	assert.Less(t, d, 2*time.Second)

	c.attempts = 3
	d = c.backoffDelayLocked()
	assert.GreaterOrEqual(t, d, 4*time.Second)
	assert.Less(t, d, 5*time.Second)

	c.attempts = 20
	d = c.backoffDelayLocked()
	assert.GreaterOrEqual(t, d, 30*time.Second)
	assert.Less(t, d, 31*time.Second)
}

func TestBackoffErrorHold(t *testing.T) {
	c := NewClient(&Options{Url: "http://127.0.0.1:1"})
	c.attempts = 1
	c.consecErrors = errorHoldThreshold + 1
	c.lastErrorAt = time.Now()

	d := c.backoffDelayLocked()
	assert.Greater(t, d, 50*time.Second)
	assert.LessOrEqual(t, d, errorHold)
}

func TestTransportRotation(t *testing.T) {
	c := NewClient(&Options{
		Url:           "http://127.0.0.1:1",
		Transports:    []string{srv.WEBSOCKET, srv.POLLING},
		Reconnect:     true,
		ReconnectBase: time.Hour,
		ReconnectMax:  time.Hour,
	})

	attempts := make(chan int, 4)
	c.On("reconnecting", func(args ...any) { attempts <- args[0].(int) })

	c.scheduleReconnect()
	assert.Equal(t, 1, <-attempts)
	assert.Equal(t, 1, c.transportIndex)
	assert.Equal(t, Offline, c.State())

	c.scheduleReconnect()
	assert.Equal(t, 2, <-attempts)
	assert.Equal(t, 0, c.transportIndex, "rotation wraps around")
}

func TestReconnectDisabledSettlesIdle(t *testing.T) {
	c := NewClient(&Options{Url: "http://127.0.0.1:1", Reconnect: false})
	c.scheduleReconnect()
	assert.Equal(t, Idle, c.State())
}

func TestReconnectExhaustion(t *testing.T) {
	c := NewClient(&Options{
		Url:                  "http://127.0.0.1:1",
		Reconnect:            true,
		ReconnectBase:        time.Hour,
		MaxReconnectAttempts: 1,
	})

	failed := make(chan struct{}, 1)
	c.On("reconnect_failed", func(...any) { failed <- struct{}{} })

	c.scheduleReconnect()
	assert.Equal(t, Offline, c.State())

	c.scheduleReconnect()
	select {
	case <-failed:
	case <-time.After(time.Second):
		t.Fatal("reconnect_failed never fired")
	}
	assert.Equal(t, Idle, c.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "offline", Offline.String())
}
