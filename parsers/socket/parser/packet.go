// Package parser implements the Socket.IO packet codec on top of the
// Engine.IO MESSAGE payload, plus a bounded decode cache.
package parser

// Type is the Socket.IO packet type.
type Type byte

const (
	CONNECT Type = iota
	DISCONNECT
	EVENT
	ACK
	CONNECT_ERROR
	BINARY_EVENT
	BINARY_ACK
)

func (t Type) Valid() bool {
	return t <= BINARY_ACK
}

func (t Type) String() string {
	switch t {
	case CONNECT:
		return "CONNECT"
	case DISCONNECT:
		return "DISCONNECT"
	case EVENT:
		return "EVENT"
	case ACK:
		return "ACK"
	case CONNECT_ERROR:
		return "CONNECT_ERROR"
	case BINARY_EVENT:
		return "BINARY_EVENT"
	case BINARY_ACK:
		return "BINARY_ACK"
	}
	return "UNKNOWN"
}

// Binary reports whether the type announces binary attachments.
func (t Type) Binary() bool {
	return t == BINARY_EVENT || t == BINARY_ACK
}

// Packet is a decoded Socket.IO packet.
//
// For EVENT and BINARY_EVENT packets, Data is a JSON array whose first
// element is the event name and whose second is the argument. For ACK
// packets, Data carries the reply values. Malformed JSON decodes to a
// nil Data rather than failing the packet.
type Packet struct {
	Type        Type
	Nsp         string
	Id          *uint64
	Attachments *uint64
	Data        any
}

// WithId returns a copy of the packet with the ack id set.
func (p Packet) WithId(id uint64) *Packet {
	p.Id = &id
	return &p
}
