// Package packet defines the Engine.IO packet model.
package packet

// Type is the Engine.IO packet type. The wire encoding is the single
// ASCII digit of the numeric value.
type Type byte

const (
	OPEN Type = iota
	CLOSE
	PING
	PONG
	MESSAGE
	UPGRADE
	NOOP
)

func (t Type) Valid() bool {
	return t <= NOOP
}

func (t Type) String() string {
	switch t {
	case OPEN:
		return "open"
	case CLOSE:
		return "close"
	case PING:
		return "ping"
	case PONG:
		return "pong"
	case MESSAGE:
		return "message"
	case UPGRADE:
		return "upgrade"
	case NOOP:
		return "noop"
	}
	return "unknown"
}

// Packet is a single Engine.IO packet. Data holds the payload bytes; for
// a text payload they are the UTF-8 text, for a binary payload (Binary
// set) they are opaque and travel base64-encoded on text transports.
type Packet struct {
	Type   Type
	Data   []byte
	Binary bool
}

// NewMessage builds a MESSAGE packet carrying the given text.
func NewMessage(data string) *Packet {
	return &Packet{Type: MESSAGE, Data: []byte(data)}
}
