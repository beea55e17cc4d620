package engine

import (
	"runtime"
	"sync"
	"time"

	"github.com/edgelink/sio/pkg/log"
	"github.com/edgelink/sio/parsers/engine/packet"
)

var heartbeat_log = log.NewLog("sio:engine-heartbeat")

// heartbeatBatch bounds how many sessions one tick pings before yielding
// the scheduler.
const heartbeatBatch = 100

// heartbeatManager is the shared ticker that pings every live session.
// Per-session ping timers are disabled in favour of this batch sweep so
// a large session table does not mean one timer per connection.
type heartbeatManager struct {
	server *Server
	done   chan struct{}
	once   sync.Once
}

func newHeartbeatManager(server *Server) *heartbeatManager {
	return &heartbeatManager{server: server, done: make(chan struct{})}
}

func (h *heartbeatManager) start() {
	go h.run()
}

func (h *heartbeatManager) run() {
	ticker := time.NewTicker(h.server.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

func (h *heartbeatManager) sweep() {
	sessions := make([]*Session, 0, 128)
	h.server.sessions.Range(func(_ string, s *Session) bool {
		sessions = append(sessions, s)
		return true
	})
	heartbeat_log.Debug("pinging %d sessions", len(sessions))
	for i, s := range sessions {
		if i > 0 && i%heartbeatBatch == 0 {
			runtime.Gosched()
		}
		if !s.Connected() {
			continue
		}
		if err := s.WritePacket(&packet.Packet{Type: packet.PING}); err != nil {
			s.onTransportError(err)
			continue
		}
		s.onPingSent()
	}
}

func (h *heartbeatManager) stop() {
	h.once.Do(func() { close(h.done) })
}
