package engine

import (
	"sync"
	"time"

	"github.com/edgelink/sio/pkg/events"
	"github.com/edgelink/sio/pkg/log"
	"github.com/edgelink/sio/parsers/engine/packet"
)

var session_log = log.NewLog("sio:engine-session")

// Session is one Engine.IO session. It owns exactly one transport at a
// time, relays MESSAGE payloads upward through its "data" event, and
// enforces the ping timeout armed by the heartbeat manager.
//
// Events: "data" (message payload string), "close" (reason string),
// "error" (error), "upgrade" (transport name).
type Session struct {
	*events.EventEmitter

	server    *Server
	id        string
	handshake *Handshake

	mu        sync.Mutex
	transport Transport
	upgraded  bool
	connected bool

	pingTimer *time.Timer
	closeOnce sync.Once
}

func newSession(server *Server, id string, handshake *Handshake, transport Transport) *Session {
	s := &Session{
		EventEmitter: events.New(),
		server:       server,
		id:           id,
		handshake:    handshake,
		transport:    transport,
		connected:    true,
	}
	// the first PING may be a full interval away
	s.armPingTimer(server.opts.PingInterval + server.opts.PingTimeout)
	return s
}

// Id returns the server-assigned session identifier.
func (s *Session) Id() string { return s.id }

// Handshake returns the immutable handshake envelope.
func (s *Session) Handshake() *Handshake { return s.handshake }

// Transport returns the current transport.
func (s *Session) Transport() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// Upgraded reports whether the session moved from polling to WebSocket.
func (s *Session) Upgraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upgraded
}

// Connected reports whether packets may still be emitted.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Send writes one MESSAGE packet carrying the payload, applying the
// configured transparent filters.
func (s *Session) Send(data string) error {
	return s.WritePacket(packet.NewMessage(data))
}

// WritePacket writes a packet through the current transport. MESSAGE
// packets pass through the filter chain; control packets never do.
func (s *Session) WritePacket(p *packet.Packet) error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil
	}
	transport := s.transport
	s.mu.Unlock()

	out, err := s.server.filters.Outbound(p)
	if err != nil {
		return err
	}
	return transport.Send(out)
}

// onPacket dispatches one decoded packet from the transport.
func (s *Session) onPacket(p *packet.Packet) {
	switch p.Type {
	case packet.PING:
		// peer-initiated ping shows liveness
		s.resetPingTimer()
		s.WritePacket(&packet.Packet{Type: packet.PONG})
	case packet.PONG:
		s.resetPingTimer()
	case packet.MESSAGE:
		in, err := s.server.filters.Inbound(p)
		if err != nil {
			session_log.Warning("session %s: %v", s.id, err)
			s.Emit("error", err)
			s.close("parse error")
			return
		}
		s.Emit("data", string(in.Data))
	case packet.CLOSE:
		s.close("transport close")
	case packet.UPGRADE, packet.NOOP, packet.OPEN:
		// nothing to do
	}
}

// maybeUpgrade swaps the polling transport for a WebSocket one. The
// upgraded flag only ever moves false to true.
func (s *Session) maybeUpgrade(ws Transport) {
	s.mu.Lock()
	if !s.connected || s.upgraded {
		s.mu.Unlock()
		ws.Close()
		return
	}
	old := s.transport
	s.transport = ws
	s.upgraded = true
	s.mu.Unlock()

	session_log.Debug("session %s upgraded to websocket", s.id)
	if old != nil && old != ws {
		old.Close()
	}
	s.server.pollingTransports.Delete(s.id)
	s.Emit("upgrade", WEBSOCKET)
}

func (s *Session) armPingTimer(d time.Duration) {
	s.pingTimer = time.AfterFunc(d, func() {
		s.close("ping timeout")
	})
}

// onPingSent is called by the heartbeat manager; the peer now has one
// ping timeout to answer.
func (s *Session) onPingSent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pingTimer != nil {
		s.pingTimer.Reset(s.server.opts.PingTimeout)
	}
}

func (s *Session) resetPingTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pingTimer != nil {
		s.pingTimer.Reset(s.server.opts.PingInterval + s.server.opts.PingTimeout)
	}
}

// onTransportError closes the session after a transport I/O failure.
func (s *Session) onTransportError(err error) {
	if err != nil {
		session_log.Debug("session %s transport error: %v", s.id, err)
	}
	s.close("transport error")
}

// Close tears the session down with the given reason.
func (s *Session) Close(reason string) {
	s.close(reason)
}

// close is idempotent: it stops the timer, closes the transport, emits
// "close" once, and lets the server drop its references.
func (s *Session) close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.connected = false
		if s.pingTimer != nil {
			s.pingTimer.Stop()
		}
		transport := s.transport
		s.mu.Unlock()

		session_log.Debug("session %s closed: %s", s.id, reason)
		if transport != nil {
			transport.Send(&packet.Packet{Type: packet.CLOSE})
			transport.Close()
		}
		s.server.removeSession(s.id)
		s.Emit("close", reason)
	})
}
