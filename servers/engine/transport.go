package engine

import "github.com/edgelink/sio/parsers/engine/packet"

// TransportState tracks the lifecycle of a transport.
type TransportState int

const (
	TransportDisconnected TransportState = iota
	TransportConnecting
	TransportConnected
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportDisconnected:
		return "disconnected"
	case TransportConnecting:
		return "connecting"
	case TransportConnected:
		return "connected"
	case TransportClosed:
		return "closed"
	}
	return "unknown"
}

// Transport is a server-side Engine.IO transport. A session owns exactly
// one transport at a time; Send queues packets for delivery and Close
// tears the transport down, flushing anything a long-poll client is
// still parked for.
type Transport interface {
	Name() string
	State() TransportState
	Send(packets ...*packet.Packet) error
	Close()
}
