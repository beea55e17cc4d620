// Package adapter defines the cluster adapter contract: the
// cross-process room index and broadcast bus the Socket.IO layer fans
// out through. Implementations are the in-process memory adapter (this
// package), the Redis pub/sub adapter, and the MongoDB change-stream
// adapter.
package adapter

import (
	"context"
	"time"
)

// Envelope is one broadcast carried across the cluster. Packet holds the
// pre-encoded Socket.IO packet (fast path); receivers without it
// re-encode from Event and Data. ServerId is stamped by the publishing
// adapter, and receivers drop envelopes stamped with their own id.
type Envelope struct {
	ServerId        string `json:"serverId" msgpack:"serverId"`
	Nsp             string `json:"nsp" msgpack:"nsp"`
	Room            string `json:"room,omitempty" msgpack:"room,omitempty"`
	Event           string `json:"event,omitempty" msgpack:"event,omitempty"`
	Data            any    `json:"data,omitempty" msgpack:"data,omitempty"`
	Packet          string `json:"packet,omitempty" msgpack:"packet,omitempty"`
	ExcludeSocketId string `json:"excludeSocketId,omitempty" msgpack:"excludeSocketId,omitempty"`
}

// Handler receives envelopes published by other nodes. The receiver must
// deliver locally only and never re-publish, or a broadcast storm
// results.
type Handler func(envelope *Envelope, originServerId string)

// LocalSockets is the view of locally connected sockets an adapter may
// consult; the Socket.IO server implements it.
type LocalSockets interface {
	// SocketsInRoom returns the locally connected socket ids in a room.
	SocketsInRoom(nsp, room string) []string
	// Sockets returns every locally connected socket id in a namespace.
	Sockets(nsp string) []string
}

// Adapter is the pluggable cross-node room-and-broadcast service.
//
// Membership is eventually consistent: joins and leaves become visible
// at remote nodes after a bounded propagation delay, and TTLs of three
// heartbeat intervals evict the state of crashed nodes. All failures of
// a distributed implementation are best-effort: they are logged and
// never abort the local operation.
type Adapter interface {
	// Init wires the adapter to its owning server. serverId is this
	// node's identity in the cluster.
	Init(serverId string, local LocalSockets) error
	Close() error

	AddSocketToRoom(ctx context.Context, sid, room, nsp string) error
	RemoveSocketFromRoom(ctx context.Context, sid, room, nsp string) error
	RemoveSocketFromAllRooms(ctx context.Context, sid, nsp string) error
	GetSocketsInRoom(ctx context.Context, room, nsp string) ([]string, error)
	GetRoomsForSocket(ctx context.Context, sid, nsp string) ([]string, error)

	// Broadcast propagates a namespace-wide envelope to the other
	// nodes; the caller has already fanned out locally.
	Broadcast(ctx context.Context, envelope *Envelope) error
	// BroadcastToRoom propagates a room-scoped envelope.
	BroadcastToRoom(ctx context.Context, room string, envelope *Envelope) error

	// Subscribe registers the handler invoked for remote envelopes.
	Subscribe(handler Handler)
	Unsubscribe()

	GetServerIds(ctx context.Context) ([]string, error)
	RegisterServer(ctx context.Context) error
	UnregisterServer(ctx context.Context) error
}

// DefaultHeartbeatInterval is the server-registry refresh period;
// registry and membership TTLs are three times this.
const DefaultHeartbeatInterval = 30 * time.Second

// DefaultKeyPrefix namespaces all persisted adapter state.
const DefaultKeyPrefix = "socket.io"
