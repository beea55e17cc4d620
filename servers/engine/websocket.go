package engine

import (
	"errors"
	"runtime"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/edgelink/sio/pkg/log"
	"github.com/edgelink/sio/parsers/engine/packet"
	"github.com/edgelink/sio/parsers/engine/parser"
)

var websocket_log = log.NewLog("sio:engine-websocket")

// wsWriteBatch bounds how many frames the batch sender writes before
// yielding, so one chatty connection cannot starve the others.
const wsWriteBatch = 100

// websocketTransport wraps a gorilla WebSocket connection. A reader task
// feeds decoded packets to the session; a writer task drains the
// outgoing channel in batches of at most wsWriteBatch frames, yielding
// the scheduler between batches.
type websocketTransport struct {
	sid  string
	conn *websocket.Conn

	out  chan *packet.Packet
	done chan struct{}
	once sync.Once

	stateMu sync.Mutex
	state   TransportState

	onPacket func(*packet.Packet)
	onClose  func(error)
}

func newWebSocketTransport(sid string, conn *websocket.Conn, maxPacketSize int64, onPacket func(*packet.Packet), onClose func(error)) *websocketTransport {
	t := &websocketTransport{
		sid:      sid,
		conn:     conn,
		out:      make(chan *packet.Packet, 256),
		done:     make(chan struct{}),
		state:    TransportConnected,
		onPacket: onPacket,
		onClose:  onClose,
	}
	conn.SetReadLimit(maxPacketSize)
	go t.readLoop()
	go t.writeLoop()
	return t
}

func (t *websocketTransport) Name() string { return WEBSOCKET }

func (t *websocketTransport) State() TransportState {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.state
}

func (t *websocketTransport) Send(packets ...*packet.Packet) error {
	for _, p := range packets {
		select {
		case t.out <- p:
		case <-t.done:
			return errors.New("websocket transport closed")
		}
	}
	return nil
}

func (t *websocketTransport) readLoop() {
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			t.shutdown(err)
			return
		}
		switch kind {
		case websocket.TextMessage:
			p, err := parser.Decode(string(data))
			if err != nil {
				websocket_log.Debug("dropping undecodable frame on %s: %v", t.sid, err)
				continue
			}
			t.onPacket(p)
		case websocket.BinaryMessage:
			// binary frames carry a raw MESSAGE payload, no type digit
			t.onPacket(&packet.Packet{Type: packet.MESSAGE, Data: data, Binary: true})
		}
	}
}

func (t *websocketTransport) writeLoop() {
	for {
		select {
		case <-t.done:
			return
		case first := <-t.out:
			batch := []*packet.Packet{first}
		refill:
			for len(batch) < wsWriteBatch {
				select {
				case p := <-t.out:
					batch = append(batch, p)
				default:
					break refill
				}
			}
			for _, p := range batch {
				if err := t.writePacket(p); err != nil {
					t.shutdown(err)
					return
				}
			}
			runtime.Gosched()
		}
	}
}

func (t *websocketTransport) writePacket(p *packet.Packet) error {
	if p.Binary {
		return t.conn.WriteMessage(websocket.BinaryMessage, p.Data)
	}
	return t.conn.WriteMessage(websocket.TextMessage, []byte(parser.Encode(p)))
}

func (t *websocketTransport) shutdown(err error) {
	t.once.Do(func() {
		t.stateMu.Lock()
		t.state = TransportClosed
		t.stateMu.Unlock()
		close(t.done)
		t.conn.Close()
		if t.onClose != nil {
			t.onClose(err)
		}
	})
}

func (t *websocketTransport) Close() {
	t.shutdown(nil)
}
