package socket

import (
	"context"

	"github.com/edgelink/sio/adapters/adapter"
	"github.com/edgelink/sio/parsers/socket/parser"
	"github.com/edgelink/sio/pkg/log"
	"github.com/edgelink/sio/pkg/types"
)

var broadcast_log = log.NewLog("sio:broadcast")

// BroadcastOperator accumulates the targeting of one broadcast:
// rooms to include, rooms (and so socket ids, via self rooms) to
// exclude, an optional sender to exclude, and the local-only flag.
// Emit encodes the packet once and fans it out, then hands an envelope
// to the adapter for cluster propagation.
type BroadcastOperator struct {
	nsp    *Namespace
	rooms  *types.Set[Room]
	except *types.Set[Room]
	sender *Socket
	local  bool
}

func newBroadcastOperator(nsp *Namespace) *BroadcastOperator {
	return &BroadcastOperator{
		nsp:    nsp,
		rooms:  types.NewSet[Room](),
		except: types.NewSet[Room](),
	}
}

// To adds target rooms. An empty target set means the whole namespace.
func (b *BroadcastOperator) To(rooms ...Room) *BroadcastOperator {
	b.rooms.Add(rooms...)
	return b
}

// In is an alias of To.
func (b *BroadcastOperator) In(rooms ...Room) *BroadcastOperator {
	return b.To(rooms...)
}

// Except excludes rooms. Excluding a socket id works through its self
// room.
func (b *BroadcastOperator) Except(rooms ...Room) *BroadcastOperator {
	b.except.Add(rooms...)
	return b
}

// Local keeps the broadcast on this node.
func (b *BroadcastOperator) Local() *BroadcastOperator {
	b.local = true
	return b
}

func (b *BroadcastOperator) withSender(s *Socket) *BroadcastOperator {
	b.sender = s
	return b
}

// Emit fans the event out to the targeted local sockets and asks the
// adapter to propagate it to the other nodes. The sender, when set,
// never receives its own broadcast.
func (b *BroadcastOperator) Emit(event string, args ...any) error {
	data := append([]any{event}, args...)
	pkt := &parser.Packet{Type: parser.EVENT, Nsp: b.nsp.name, Data: data}
	encoded, err := b.nsp.encodePacket(pkt)
	if err != nil {
		return err
	}

	excluded := b.excludedIds()
	targets := b.targetIds(excluded)
	broadcast_log.Debug("broadcasting %q on %s to %d sockets", event, b.nsp.name, len(targets))
	for _, id := range targets {
		// a socket can disconnect between target resolution and delivery
		if socket, ok := b.nsp.sockets.Load(id); ok && socket.Connected() {
			socket.client.sendEncoded(encoded)
		}
	}

	if b.local {
		return nil
	}
	b.propagate(event, args, encoded)
	return nil
}

// targetIds resolves the local target set: the union of the target
// rooms' members, or every namespace socket when no room was named.
func (b *BroadcastOperator) targetIds(excluded *types.Set[SocketId]) []SocketId {
	seen := types.NewSet[SocketId]()
	var out []SocketId
	appendId := func(id SocketId) {
		if seen.Has(id) || excluded.Has(id) {
			return
		}
		seen.Add(id)
		out = append(out, id)
	}
	if b.rooms.Len() > 0 {
		for _, room := range b.rooms.Keys() {
			for _, id := range b.nsp.localSocketsInRoom(room) {
				appendId(id)
			}
		}
		return out
	}
	b.nsp.sockets.Range(func(id SocketId, _ *Socket) bool {
		appendId(id)
		return true
	})
	return out
}

// excludedIds expands the except rooms into socket ids and adds the
// sender.
func (b *BroadcastOperator) excludedIds() *types.Set[SocketId] {
	excluded := types.NewSet[SocketId]()
	for _, room := range b.except.Keys() {
		for _, id := range b.nsp.localSocketsInRoom(room) {
			excluded.Add(id)
		}
		// a socket id used as an except room excludes that socket even
		// when its self room has no other members on this node
		excluded.Add(SocketId(room))
	}
	if b.sender != nil {
		excluded.Add(b.sender.id)
	}
	return excluded
}

// propagate hands the broadcast to the adapter: one envelope per target
// room, or a namespace-wide envelope when no room was named.
func (b *BroadcastOperator) propagate(event string, args []any, encoded string) {
	env := &adapter.Envelope{
		Nsp:    b.nsp.name,
		Event:  event,
		Packet: encoded,
	}
	if len(args) == 1 {
		env.Data = args[0]
	} else if len(args) > 1 {
		env.Data = args
	}
	if b.sender != nil {
		env.ExcludeSocketId = string(b.sender.id)
	}
	ctx := context.Background()
	if b.rooms.Len() == 0 {
		if err := b.nsp.server.adapter.Broadcast(ctx, env); err != nil {
			broadcast_log.Warning("adapter broadcast failed: %v", err)
		}
		return
	}
	for _, room := range b.rooms.Keys() {
		scoped := *env
		scoped.Room = string(room)
		if err := b.nsp.server.adapter.BroadcastToRoom(ctx, string(room), &scoped); err != nil {
			broadcast_log.Warning("adapter room broadcast failed for %s: %v", room, err)
		}
	}
}
