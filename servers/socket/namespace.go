package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/edgelink/sio/adapters/adapter"
	"github.com/edgelink/sio/parsers/socket/parser"
	"github.com/edgelink/sio/pkg/events"
	"github.com/edgelink/sio/pkg/log"
	"github.com/edgelink/sio/pkg/types"
)

var namespace_log = log.NewLog("sio:namespace")

// messageCacheSize bounds the per-namespace broadcast encode cache.
const messageCacheSize = 1000

// Namespace is a communication channel multiplexed over shared
// connections. Each namespace has its own sockets, rooms, middleware
// chain and event handlers.
//
//	chat := io.Of("/chat")
//	chat.Use(func(s *socket.Socket, next func(error)) { next(nil) })
//	chat.OnConnection(func(s *socket.Socket) {
//		s.Join("lobby")
//		chat.To("lobby").Emit("joined", string(s.Id()))
//	})
type Namespace struct {
	*events.EventEmitter

	name    string
	server  *Server
	sockets *types.Map[SocketId, *Socket]

	// roomMu guards the local room index at namespace granularity so
	// distinct namespaces never contend.
	roomMu        sync.RWMutex
	localRooms    map[Room]*types.Set[SocketId]
	socketToRooms map[SocketId]*types.Set[Room]

	mwMu        sync.RWMutex
	middlewares []Middleware

	// msgCache memoizes broadcast encodings so a fan-out encodes once.
	msgCache *types.LRU[string, string]
}

func newNamespace(server *Server, name string) *Namespace {
	return &Namespace{
		EventEmitter:  events.New(),
		name:          name,
		server:        server,
		sockets:       &types.Map[SocketId, *Socket]{},
		localRooms:    map[Room]*types.Set[SocketId]{},
		socketToRooms: map[SocketId]*types.Set[Room]{},
		msgCache:      types.NewLRU[string, string](messageCacheSize),
	}
}

// Name returns the namespace name ("/", "/chat", ...).
func (n *Namespace) Name() string { return n.name }

// Server returns the owning server.
func (n *Namespace) Server() *Server { return n.server }

// Sockets returns the live socket map.
func (n *Namespace) Sockets() *types.Map[SocketId, *Socket] { return n.sockets }

// OnConnection registers a handler fired for each admitted socket.
func (n *Namespace) OnConnection(fn func(*Socket)) {
	n.On("connection", func(args ...any) {
		fn(args[0].(*Socket))
	})
}

// Use appends a middleware to the admission chain.
func (n *Namespace) Use(mw Middleware) *Namespace {
	n.mwMu.Lock()
	defer n.mwMu.Unlock()
	n.middlewares = append(n.middlewares, mw)
	return n
}

// run executes the middleware chain for an incoming socket; the first
// next(err) with a non-nil error short-circuits.
func (n *Namespace) run(socket *Socket, fn func(error)) {
	n.mwMu.RLock()
	mws := make([]Middleware, len(n.middlewares))
	copy(mws, n.middlewares)
	n.mwMu.RUnlock()

	if len(mws) == 0 {
		fn(nil)
		return
	}
	var step func(i int)
	step = func(i int) {
		mws[i](socket, func(err error) {
			if err != nil {
				fn(err)
				return
			}
			if i >= len(mws)-1 {
				fn(nil)
				return
			}
			step(i + 1)
		})
	}
	step(0)
}

// add admits a client's socket: middleware chain, socket table, CONNECT
// reply, then the "connection" event.
func (n *Namespace) add(client *Client, fn func(*Socket)) {
	namespace_log.Debug("adding socket to nsp %s", n.name)
	socket := newSocket(n, client)
	n.run(socket, func(err error) {
		if !client.conn.Connected() {
			namespace_log.Debug("client closed during middleware, ignoring socket")
			return
		}
		if err != nil {
			namespace_log.Debug("middleware rejected socket: %v", err)
			client.writePacket(&parser.Packet{
				Type: parser.CONNECT_ERROR,
				Nsp:  n.name,
				Data: map[string]any{"message": err.Error()},
			})
			return
		}
		n.sockets.Store(socket.Id(), socket)
		socket.onconnect()
		if fn != nil {
			fn(socket)
		}
		n.Emit("connection", socket)
		if n.name == "/" {
			n.server.Emit("connection", socket)
		}
	})
}

// remove drops a socket from the namespace table.
func (n *Namespace) remove(socket *Socket) {
	if _, ok := n.sockets.LoadAndDelete(socket.Id()); !ok {
		namespace_log.Debug("ignoring remove for %s", socket.Id())
	}
}

// joinRoom records membership locally and notifies the adapter. The
// index invariant holds under roomMu: sid ∈ localRooms[r] iff
// r ∈ socketToRooms[sid].
func (n *Namespace) joinRoom(sid SocketId, room Room) {
	n.roomMu.Lock()
	members, ok := n.localRooms[room]
	if !ok {
		members = types.NewSet[SocketId]()
		n.localRooms[room] = members
	}
	members.Add(sid)
	joined, ok := n.socketToRooms[sid]
	if !ok {
		joined = types.NewSet[Room]()
		n.socketToRooms[sid] = joined
	}
	joined.Add(room)
	n.roomMu.Unlock()

	if err := n.server.adapter.AddSocketToRoom(context.Background(), string(sid), string(room), n.name); err != nil {
		namespace_log.Warning("adapter join failed for %s in %s: %v", sid, room, err)
	}
}

// leaveRoom is the inverse of joinRoom.
func (n *Namespace) leaveRoom(sid SocketId, room Room) {
	n.roomMu.Lock()
	n.dropMembership(sid, room)
	n.roomMu.Unlock()

	if err := n.server.adapter.RemoveSocketFromRoom(context.Background(), string(sid), string(room), n.name); err != nil {
		namespace_log.Warning("adapter leave failed for %s in %s: %v", sid, room, err)
	}
}

// leaveAllRooms releases every room held by the socket; used on
// disconnect.
func (n *Namespace) leaveAllRooms(sid SocketId) {
	n.roomMu.Lock()
	if joined, ok := n.socketToRooms[sid]; ok {
		for _, room := range joined.Keys() {
			n.dropMembership(sid, room)
		}
	}
	n.roomMu.Unlock()

	if err := n.server.adapter.RemoveSocketFromAllRooms(context.Background(), string(sid), n.name); err != nil {
		namespace_log.Warning("adapter room cleanup failed for %s: %v", sid, err)
	}
}

// dropMembership updates both sides of the index; callers hold roomMu.
func (n *Namespace) dropMembership(sid SocketId, room Room) {
	if members, ok := n.localRooms[room]; ok {
		members.Delete(sid)
		if members.Len() == 0 {
			delete(n.localRooms, room)
		}
	}
	if joined, ok := n.socketToRooms[sid]; ok {
		joined.Delete(room)
		if joined.Len() == 0 {
			delete(n.socketToRooms, sid)
		}
	}
}

// localSocketsInRoom snapshots the locally connected members of a room.
func (n *Namespace) localSocketsInRoom(room Room) []SocketId {
	n.roomMu.RLock()
	defer n.roomMu.RUnlock()
	if members, ok := n.localRooms[room]; ok {
		return members.Keys()
	}
	return nil
}

// roomsForSocket snapshots the rooms a local socket has joined.
func (n *Namespace) roomsForSocket(sid SocketId) []Room {
	n.roomMu.RLock()
	defer n.roomMu.RUnlock()
	if joined, ok := n.socketToRooms[sid]; ok {
		return joined.Keys()
	}
	return nil
}

// To targets rooms for a broadcast that does not exclude any sender.
func (n *Namespace) To(rooms ...Room) *BroadcastOperator {
	return newBroadcastOperator(n).To(rooms...)
}

// In is an alias of To.
func (n *Namespace) In(rooms ...Room) *BroadcastOperator {
	return n.To(rooms...)
}

// Except excludes rooms from a broadcast.
func (n *Namespace) Except(rooms ...Room) *BroadcastOperator {
	return newBroadcastOperator(n).Except(rooms...)
}

// Local restricts the next broadcast to this node.
func (n *Namespace) Local() *BroadcastOperator {
	return newBroadcastOperator(n).Local()
}

// EmitEvent broadcasts an event to every socket in the namespace.
func (n *Namespace) EmitEvent(event string, args ...any) error {
	return newBroadcastOperator(n).Emit(event, args...)
}

// encodePacket encodes a broadcast packet once per distinct content,
// through the namespace-owned LRU.
func (n *Namespace) encodePacket(pkt *parser.Packet) (string, error) {
	key := n.cacheKey(pkt)
	if encoded, ok := n.msgCache.Get(key); ok {
		return encoded, nil
	}
	encoded, err := n.server.parser.Encode(pkt)
	if err != nil {
		return "", err
	}
	n.msgCache.Put(key, encoded)
	return encoded, nil
}

func (n *Namespace) cacheKey(pkt *parser.Packet) string {
	data, _ := json.Marshal(pkt.Data)
	id, attachments := uint64(0), uint64(0)
	hasId := pkt.Id != nil
	if hasId {
		id = *pkt.Id
	}
	if pkt.Attachments != nil {
		attachments = *pkt.Attachments
	}
	return fmt.Sprintf("%d|%s|%t:%d|%d|%s", pkt.Type, pkt.Nsp, hasId, id, attachments, data)
}

// deliverRemote applies a cluster envelope to local sockets only.
func (n *Namespace) deliverRemote(env *adapter.Envelope) {
	var targets []SocketId
	if env.Room != "" {
		targets = n.localSocketsInRoom(Room(env.Room))
	} else {
		n.sockets.Range(func(id SocketId, _ *Socket) bool {
			targets = append(targets, id)
			return true
		})
	}
	if len(targets) == 0 {
		return
	}
	encoded := env.Packet
	if encoded == "" {
		var err error
		data := []any{env.Event}
		if env.Data != nil {
			data = append(data, env.Data)
		}
		encoded, err = n.encodePacket(&parser.Packet{
			Type: parser.EVENT,
			Nsp:  n.name,
			Data: data,
		})
		if err != nil {
			namespace_log.Warning("cannot encode remote envelope: %v", err)
			return
		}
	}
	for _, id := range targets {
		if string(id) == env.ExcludeSocketId {
			continue
		}
		if socket, ok := n.sockets.Load(id); ok {
			socket.client.sendEncoded(encoded)
		}
	}
}
