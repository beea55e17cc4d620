package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgelink/sio/parsers/engine/packet"
)

func TestPollDrainsImmediately(t *testing.T) {
	tr := newPollingTransport("sid")
	tr.Send(packet.NewMessage("a"), packet.NewMessage("b"))

	packets := tr.Poll(context.Background(), time.Second)
	require.Len(t, packets, 2)
	assert.Equal(t, "a", string(packets[0].Data))
	assert.Equal(t, "b", string(packets[1].Data))
}

func TestPollTimesOutEmpty(t *testing.T) {
	tr := newPollingTransport("sid")

	start := time.Now()
	packets := tr.Poll(context.Background(), 20 * time.Millisecond)
	assert.Empty(t, packets)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestParkedPollWakesOnSend(t *testing.T) {
	tr := newPollingTransport("sid")

	done := make(chan []*packet.Packet, 1)
	go func() {
		done <- tr.Poll(context.Background(), 5 * time.Second)
	}()
	time.Sleep(20 * time.Millisecond)
	tr.Send(packet.NewMessage("wake"))

	select {
	case packets := <-done:
		require.Len(t, packets, 1)
		assert.Equal(t, "wake", string(packets[0].Data))
	case <-time.After(time.Second):
		t.Fatal("parked poll never woke")
	}
}

func TestOverlappingPollAnsweredImmediately(t *testing.T) {
	tr := newPollingTransport("sid")

	go tr.Poll(context.Background(), 5 * time.Second)
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	packets := tr.Poll(context.Background(), 5 * time.Second)
	assert.Empty(t, packets)
	assert.Less(t, time.Since(start), time.Second)

	tr.Close()
}

func TestAbandonedPollKeepsQueue(t *testing.T) {
	tr := newPollingTransport("sid")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan []*packet.Packet, 1)
	go func() {
		done <- tr.Poll(ctx, 5*time.Second)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case packets := <-done:
		assert.Empty(t, packets)
	case <-time.After(time.Second):
		t.Fatal("abandoned poll never returned")
	}

	// packets sent after the abandon go to the next GET
	tr.Send(packet.NewMessage("kept"))
	packets := tr.Poll(context.Background(), time.Second)
	require.Len(t, packets, 1)
	assert.Equal(t, "kept", string(packets[0].Data))
}

func TestCloseFlushesParkedPoll(t *testing.T) {
	tr := newPollingTransport("sid")

	done := make(chan []*packet.Packet, 1)
	go func() {
		done <- tr.Poll(context.Background(), 5 * time.Second)
	}()
	time.Sleep(20 * time.Millisecond)
	tr.Close()

	select {
	case packets := <-done:
		require.NotEmpty(t, packets)
		assert.Equal(t, packet.CLOSE, packets[len(packets)-1].Type)
	case <-time.After(time.Second):
		t.Fatal("parked poll never flushed")
	}

	// idempotent
	tr.Close()
	assert.Equal(t, TransportClosed, tr.State())
}
