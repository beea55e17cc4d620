package socket

import (
	"sync"
	"sync/atomic"

	"github.com/edgelink/sio/parsers/socket/parser"
	"github.com/edgelink/sio/pkg/events"
	"github.com/edgelink/sio/pkg/log"
	"github.com/edgelink/sio/pkg/types"
	"github.com/edgelink/sio/servers/engine"
)

var socket_log = log.NewLog("sio:socket")

// Socket is one client's presence in one namespace.
//
//	nsp.OnConnection(func(s *socket.Socket) {
//		s.Join("room1")
//		s.On("ping", func(args ...any) {
//			if ack, ok := args[len(args)-1].(socket.Ack); ok {
//				ack("pong")
//			}
//		})
//		s.To("room1").Emit("arrived", string(s.Id()))
//	})
//
// Reserved events: "disconnect" (reason string), fired exactly once.
// A held reference stays valid after disconnect; Emit, Join and Leave
// become no-ops.
type Socket struct {
	*events.EventEmitter

	id     SocketId
	nsp    *Namespace
	client *Client

	data      atomic.Pointer[any]
	connected atomic.Bool

	acks  *types.Map[uint64, Ack]
	ackId atomic.Uint64

	closeOnce sync.Once
}

func newSocket(nsp *Namespace, client *Client) *Socket {
	return &Socket{
		EventEmitter: events.New(),
		id:           SocketId(client.conn.Id()),
		nsp:          nsp,
		client:       client,
		acks:         &types.Map[uint64, Ack]{},
	}
}

// Id returns the socket id (equal to the Engine.IO sid).
func (s *Socket) Id() SocketId { return s.id }

// Nsp returns the owning namespace.
func (s *Socket) Nsp() *Namespace { return s.nsp }

// Handshake returns the immutable record captured when the underlying
// session was created.
func (s *Socket) Handshake() *engine.Handshake { return s.client.conn.Handshake() }

// Connected reports whether the socket is still admitted.
func (s *Socket) Connected() bool { return s.connected.Load() }

// SetData attaches arbitrary user state to the socket.
func (s *Socket) SetData(v any) { s.data.Store(&v) }

// Data returns the user state attached with SetData.
func (s *Socket) Data() any {
	if p := s.data.Load(); p != nil {
		return *p
	}
	return nil
}

// Rooms returns the rooms this socket has joined, including its self
// room.
func (s *Socket) Rooms() []Room {
	return s.nsp.roomsForSocket(s.id)
}

// Join adds the socket to the given rooms. No-op once disconnected.
func (s *Socket) Join(rooms ...Room) {
	if !s.connected.Load() {
		return
	}
	for _, room := range rooms {
		socket_log.Debug("socket %s joins %s", s.id, room)
		s.nsp.joinRoom(s.id, room)
	}
}

// Leave removes the socket from a room. No-op once disconnected.
func (s *Socket) Leave(room Room) {
	if !s.connected.Load() {
		return
	}
	socket_log.Debug("socket %s leaves %s", s.id, room)
	s.nsp.leaveRoom(s.id, room)
}

// Emit sends an event to this socket. A trailing Ack (or func(...any))
// argument registers an acknowledgement callback invoked when the
// client replies.
func (s *Socket) Emit(event string, args ...any) error {
	if !s.connected.Load() {
		return nil
	}
	ack, data := splitAck(args)
	pkt := &parser.Packet{
		Type: parser.EVENT,
		Nsp:  s.nsp.name,
		Data: append([]any{event}, data...),
	}
	if ack != nil {
		id := s.ackId.Add(1)
		s.acks.Store(id, ack)
		pkt.Id = &id
	}
	return s.client.writePacket(pkt)
}

// To targets rooms for a broadcast that excludes this socket.
func (s *Socket) To(rooms ...Room) *BroadcastOperator {
	return newBroadcastOperator(s.nsp).withSender(s).To(rooms...)
}

// In is an alias of To.
func (s *Socket) In(rooms ...Room) *BroadcastOperator {
	return s.To(rooms...)
}

// Broadcast targets every socket in the namespace except this one.
func (s *Socket) Broadcast() *BroadcastOperator {
	return newBroadcastOperator(s.nsp).withSender(s)
}

// Disconnect sends DISCONNECT for this namespace and releases the
// socket. When closeUnderlying is set the Engine.IO session is closed
// too; otherwise it stays open for other namespaces.
func (s *Socket) Disconnect(closeUnderlying bool) {
	if !s.connected.Load() {
		return
	}
	s.client.writePacket(&parser.Packet{Type: parser.DISCONNECT, Nsp: s.nsp.name})
	if closeUnderlying {
		s.client.conn.Close("server namespace disconnect")
		return
	}
	s.onclose("server namespace disconnect")
}

// onconnect finishes admission: self-room join and the CONNECT reply.
func (s *Socket) onconnect() {
	s.connected.Store(true)
	s.nsp.joinRoom(s.id, Room(s.id))
	s.client.writePacket(&parser.Packet{Type: parser.CONNECT, Nsp: s.nsp.name})
}

// onpacket routes one decoded packet addressed to this socket.
func (s *Socket) onpacket(pkt *parser.Packet) {
	switch pkt.Type {
	case parser.EVENT, parser.BINARY_EVENT:
		s.onevent(pkt)
	case parser.ACK, parser.BINARY_ACK:
		s.onack(pkt)
	case parser.DISCONNECT:
		s.onclose("client namespace disconnect")
	}
}

// onevent dispatches an EVENT packet to the listeners of its name. When
// the packet carries an ack id, a one-shot reply callback is appended
// to the listener arguments; invoking it sends the ACK packet.
func (s *Socket) onevent(pkt *parser.Packet) {
	seq, ok := pkt.Data.([]any)
	if !ok || len(seq) == 0 {
		socket_log.Debug("socket %s: event packet without a name, dropped", s.id)
		return
	}
	name, ok := seq[0].(string)
	if !ok {
		socket_log.Debug("socket %s: non-string event name, dropped", s.id)
		return
	}
	args := seq[1:]
	if pkt.Id != nil {
		args = append(args, s.ackReply(*pkt.Id))
	}
	for _, listener := range s.Listeners(name) {
		s.invoke(name, listener, args)
	}
}

// invoke isolates listener panics so remaining listeners still run.
func (s *Socket) invoke(name string, listener events.Listener, args []any) {
	defer func() {
		if r := recover(); r != nil {
			socket_log.Error("listener for %q on %s panicked: %v", name, s.id, r)
		}
	}()
	listener(args...)
}

// ackReply builds the one-shot reply for an incoming ack id.
func (s *Socket) ackReply(id uint64) Ack {
	var once sync.Once
	return func(args ...any) {
		once.Do(func() {
			s.client.writePacket(&parser.Packet{
				Type: parser.ACK,
				Nsp:  s.nsp.name,
				Id:   &id,
				Data: args,
			})
		})
	}
}

// onack resolves a pending acknowledgement; unknown ids are ignored.
func (s *Socket) onack(pkt *parser.Packet) {
	if pkt.Id == nil {
		return
	}
	ack, ok := s.acks.LoadAndDelete(*pkt.Id)
	if !ok {
		socket_log.Debug("socket %s: ack %d unknown, ignored", s.id, *pkt.Id)
		return
	}
	if seq, ok := pkt.Data.([]any); ok {
		ack(seq...)
	} else if pkt.Data != nil {
		ack(pkt.Data)
	} else {
		ack()
	}
}

// onclose releases rooms and fires "disconnect" exactly once. The
// struct itself stays valid afterwards: application code may keep the
// reference it got from the "connection" handler, and every mutating
// method no-ops behind the connected flag.
func (s *Socket) onclose(reason string) {
	s.closeOnce.Do(func() {
		socket_log.Debug("closing socket %s (%s)", s.id, reason)
		s.connected.Store(false)
		s.nsp.leaveAllRooms(s.id)
		s.nsp.remove(s)
		s.client.remove(s)
		s.EventEmitter.Emit("disconnect", reason)
		s.RemoveAllListeners()
	})
}

// splitAck separates a trailing acknowledgement callback from the
// emitted arguments.
func splitAck(args []any) (Ack, []any) {
	if len(args) == 0 {
		return nil, args
	}
	switch fn := args[len(args)-1].(type) {
	case Ack:
		return fn, args[:len(args)-1]
	case func(...any):
		return Ack(fn), args[:len(args)-1]
	}
	return nil, args
}
