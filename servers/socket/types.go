// Package socket implements the Socket.IO server layer: namespace
// multiplexing, rooms, acknowledgements, and broadcast fan-out through a
// pluggable cluster adapter.
package socket

// SocketId identifies a socket; it equals the underlying Engine.IO
// session id.
type SocketId string

// Room names an unordered group of sockets within one namespace. Every
// socket implicitly belongs to the room named after its own id.
type Room string

// Ack is a one-shot acknowledgement callback. On the emitting side it
// receives the reply values; on the receiving side handlers get one as
// their trailing argument when the sender requested an ack.
type Ack func(args ...any)

// Middleware runs before a socket is admitted to a namespace. Calling
// next with a non-nil error aborts admission and sends CONNECT_ERROR to
// the client; the underlying session stays open.
type Middleware func(socket *Socket, next func(error))
