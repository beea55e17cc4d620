package engine

import (
	"context"
	"sync"
	"time"

	"github.com/edgelink/sio/pkg/log"
	"github.com/edgelink/sio/parsers/engine/packet"
)

var polling_log = log.NewLog("sio:engine-polling")

// pollingTransport is the server side of the HTTP long-poll transport.
// Outgoing packets accumulate in a FIFO; at most one GET is parked on
// the notify channel at a time and is resolved by the first of send,
// timeout, or close.
type pollingTransport struct {
	sid string

	mu     sync.Mutex
	queue  []*packet.Packet
	parked bool
	state  TransportState

	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newPollingTransport(sid string) *pollingTransport {
	return &pollingTransport{
		sid:    sid,
		state:  TransportConnected,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (t *pollingTransport) Name() string { return POLLING }

func (t *pollingTransport) State() TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Send queues packets and wakes a parked GET, if any.
func (t *pollingTransport) Send(packets ...*packet.Packet) error {
	t.mu.Lock()
	if t.state == TransportClosed {
		t.mu.Unlock()
		return nil
	}
	t.queue = append(t.queue, packets...)
	t.mu.Unlock()

	select {
	case t.notify <- struct{}{}:
	default:
	}
	return nil
}

// Poll answers one long-poll GET. A non-empty queue drains immediately;
// otherwise the request parks until a send, the adaptive timeout, or
// transport close, whichever fires first. A second GET arriving while
// one is parked is served right away with whatever is queued, so polls
// never overlap. If the requester goes away (ctx done) the queue is
// left intact for the next GET instead of draining into a dead response.
func (t *pollingTransport) Poll(ctx context.Context, timeout time.Duration) []*packet.Packet {
	t.mu.Lock()
	if t.state == TransportClosed {
		t.mu.Unlock()
		return []*packet.Packet{{Type: packet.CLOSE}}
	}
	if len(t.queue) > 0 || t.parked {
		if t.parked {
			polling_log.Debug("overlapping poll on %s, answering immediately", t.sid)
		}
		drained := t.queue
		t.queue = nil
		t.mu.Unlock()
		return drained
	}
	t.parked = true
	t.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var timedOut, closed bool
	select {
	case <-t.notify:
	case <-timer.C:
		timedOut = true
	case <-t.done:
		closed = true
	case <-ctx.Done():
		t.mu.Lock()
		t.parked = false
		t.mu.Unlock()
		polling_log.Debug("poll on %s abandoned by requester", t.sid)
		return nil
	}

	t.mu.Lock()
	t.parked = false
	drained := t.queue
	t.queue = nil
	t.mu.Unlock()

	if closed {
		return append(drained, &packet.Packet{Type: packet.CLOSE})
	}
	if timedOut {
		polling_log.Debug("poll timeout on %s, responding with empty payload", t.sid)
	}
	return drained
}

// Close flushes a parked GET with a CLOSE packet and rejects further
// sends. Idempotent.
func (t *pollingTransport) Close() {
	t.once.Do(func() {
		t.mu.Lock()
		t.state = TransportClosed
		t.mu.Unlock()
		close(t.done)
	})
}
