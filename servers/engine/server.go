package engine

import (
	"compress/flate"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"

	"github.com/edgelink/sio/pkg/events"
	"github.com/edgelink/sio/pkg/log"
	"github.com/edgelink/sio/pkg/types"
	"github.com/edgelink/sio/parsers/engine/parser"
)

var server_log = log.NewLog("sio:engine")

// Server is the Engine.IO server: the HTTP surface under Path, the
// session table, and the shared heartbeat manager.
//
// Events: "connection" (*Session).
type Server struct {
	*events.EventEmitter

	opts              *ServerOptions
	sessions          *types.Map[string, *Session]
	pollingTransports *types.Map[string, *pollingTransport]
	heartbeat         *heartbeatManager
	filters           *FilterChain
	upgrader          websocket.Upgrader

	sessionCount atomic.Int64
	closed       atomic.Bool

	httpServer *http.Server
}

func NewServer(opts *ServerOptions) *Server {
	if opts == nil {
		opts = DefaultServerOptions()
	}
	if !strings.HasSuffix(opts.Path, "/") {
		opts.Path += "/"
	}
	s := &Server{
		EventEmitter:      events.New(),
		opts:              opts,
		sessions:          &types.Map[string, *Session]{},
		pollingTransports: &types.Map[string, *pollingTransport]{},
		filters:           newFilterChain(opts),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if !opts.AllowCORS || opts.Cors == nil {
				return true
			}
			return originAllowed(opts.Cors.Origin, r.Header.Get("Origin"))
		},
	}
	s.heartbeat = newHeartbeatManager(s)
	s.heartbeat.start()
	return s
}

// Opts returns the server options.
func (s *Server) Opts() *ServerOptions { return s.opts }

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int64 { return s.sessionCount.Load() }

// Session looks up a live session by sid.
func (s *Server) Session(sid string) (*Session, bool) {
	return s.sessions.Load(sid)
}

// Listen binds an HTTP server on the configured host and port and
// serves until Close.
func (s *Server) Listen() error {
	addr := net.JoinHostPort(s.opts.Host, fmt.Sprintf("%d", s.opts.Port))
	s.httpServer = &http.Server{Addr: addr, Handler: s}
	server_log.Info("listening on %s", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// ServeHTTP routes requests under Path: handshake, long-poll GET/POST,
// WebSocket upgrade, and CORS preflight. Anything else is a 404.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, s.opts.Path) && r.URL.Path+"/" != s.opts.Path {
		http.NotFound(w, r)
		return
	}
	if s.closed.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if s.opts.AllowCORS {
		if !s.applyCORS(w, r) {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
	} else if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	sub := strings.TrimPrefix(r.URL.Path, s.opts.Path)
	if strings.HasPrefix(sub, "websocket/") {
		s.handleWebSocket(w, r, strings.TrimPrefix(sub, "websocket/"))
		return
	}
	if sub != "" {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		if sid := r.URL.Query().Get("sid"); sid != "" {
			s.handlePollReceive(w, r, sid)
		} else {
			s.handleHandshake(w, r)
		}
	case http.MethodPost:
		s.handlePollSend(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleHandshake creates a session bound to a fresh polling transport
// and answers with the open payload.
func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("transport") != POLLING {
		http.Error(w, "unsupported transport", http.StatusBadRequest)
		return
	}
	if !s.opts.AllowPolling || !s.opts.allowsTransport(POLLING) {
		http.Error(w, "polling is disabled", http.StatusForbidden)
		return
	}
	if s.opts.MaxConnections > 0 && int(s.sessionCount.Load()) >= s.opts.MaxConnections {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	sid := uuid.NewString()
	transport := newPollingTransport(sid)
	s.pollingTransports.Store(sid, transport)

	session := newSession(s, sid, newHandshake(r), transport)
	s.sessions.Store(sid, session)
	s.sessionCount.Add(1)
	server_log.Debug("handshake complete, sid %s", sid)

	upgrades := []string{}
	if s.opts.allowsTransport(WEBSOCKET) {
		upgrades = append(upgrades, WEBSOCKET)
	}
	payload, _ := json.Marshal(&OpenPayload{
		Sid:          sid,
		Upgrades:     upgrades,
		PingInterval: s.opts.PingInterval.Milliseconds(),
		PingTimeout:  s.opts.PingTimeout.Milliseconds(),
		MaxPayload:   s.opts.MaxPacketSize,
	})

	s.Emit("connection", session)

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Write(payload)
}

// handlePollReceive answers a long-poll GET for an existing session.
func (s *Server) handlePollReceive(w http.ResponseWriter, r *http.Request, sid string) {
	transport, ok := s.pollingTransports.Load(sid)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	packets := transport.Poll(r.Context(), s.pollTimeout())
	s.respondPayload(w, r, parser.EncodePayload(packets))
}

// handlePollSend decodes a POSTed payload and dispatches its packets.
func (s *Server) handlePollSend(w http.ResponseWriter, r *http.Request) {
	sid := r.URL.Query().Get("sid")
	session, ok := s.sessions.Load(sid)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, s.opts.MaxPacketSize+1))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	if int64(len(body)) > s.opts.MaxPacketSize {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}
	packets, err := parser.DecodePayload(string(body))
	if err != nil {
		server_log.Debug("bad payload from %s: %v", sid, err)
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}
	for _, p := range packets {
		session.onPacket(p)
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, "ok")
}

// handleWebSocket upgrades the HTTP request for an existing sid and
// swaps the session onto the new transport.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, sid string) {
	if !s.opts.allowsTransport(WEBSOCKET) {
		http.Error(w, "websocket is disabled", http.StatusForbidden)
		return
	}
	if sid == "" {
		sid = r.URL.Query().Get("sid")
	}
	session, ok := s.sessions.Load(sid)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		server_log.Debug("websocket upgrade failed for %s: %v", sid, err)
		return
	}
	transport := newWebSocketTransport(sid, conn, s.opts.MaxPacketSize, session.onPacket, func(err error) {
		if err != nil {
			session.onTransportError(err)
		}
	})
	session.maybeUpgrade(transport)
}

// pollTimeout shortens the parked-GET timeout as the session count
// grows, bounding parked file descriptors under load.
func (s *Server) pollTimeout() time.Duration {
	base := s.opts.PollingTimeout
	switch n := s.sessionCount.Load(); {
	case n <= 1000:
		return base
	case n <= 5000:
		return base * 9 / 10
	case n <= 10000:
		return base * 3 / 4
	default:
		return base / 2
	}
}

// respondPayload writes a polling payload, negotiating Content-Encoding
// when compression is enabled.
func (s *Server) respondPayload(w http.ResponseWriter, r *http.Request, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if !s.opts.Compression || len(body) < 1024 {
		io.WriteString(w, body)
		return
	}
	accepted := r.Header.Get("Accept-Encoding")
	switch {
	case strings.Contains(accepted, "br"):
		w.Header().Set("Content-Encoding", "br")
		bw := brotli.NewWriterLevel(w, brotli.DefaultCompression)
		defer bw.Close()
		io.WriteString(bw, body)
	case strings.Contains(accepted, "gzip"):
		w.Header().Set("Content-Encoding", "gzip")
		gw := gzip.NewWriter(w)
		defer gw.Close()
		io.WriteString(gw, body)
	case strings.Contains(accepted, "deflate"):
		w.Header().Set("Content-Encoding", "deflate")
		fw, _ := flate.NewWriter(w, flate.DefaultCompression)
		defer fw.Close()
		io.WriteString(fw, body)
	default:
		io.WriteString(w, body)
	}
}

// applyCORS sets the response headers for the configured policy and
// reports whether the request origin is admitted.
func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	cors := s.opts.Cors
	if cors == nil {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		return true
	}
	if !originAllowed(cors.Origin, origin) {
		return false
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Vary", "Origin")
	if len(cors.Methods) > 0 {
		w.Header().Set("Access-Control-Allow-Methods", strings.Join(cors.Methods, ", "))
	} else {
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	}
	if cors.Credentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}
	return true
}

// originAllowed evaluates an origin policy given as a string, a string
// slice, or a predicate.
func originAllowed(policy any, origin string) bool {
	switch p := policy.(type) {
	case nil:
		return true
	case string:
		return p == "*" || p == origin
	case []string:
		for _, allowed := range p {
			if allowed == "*" || allowed == origin {
				return true
			}
		}
		return false
	case func(string) bool:
		return p(origin)
	}
	return false
}

// removeSession drops a closed session from the server tables.
func (s *Server) removeSession(sid string) {
	if _, ok := s.sessions.LoadAndDelete(sid); ok {
		s.sessionCount.Add(-1)
	}
	if transport, ok := s.pollingTransports.LoadAndDelete(sid); ok {
		transport.Close()
	}
}

// Close stops accepting connections, drains parked polls with a CLOSE
// packet, stops the heartbeat, and closes every session.
func (s *Server) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	server_log.Debug("closing engine server")
	s.heartbeat.stop()
	s.sessions.Range(func(_ string, session *Session) bool {
		session.close("server shutting down")
		return true
	})
	if s.httpServer != nil {
		s.httpServer.Close()
	}
}
