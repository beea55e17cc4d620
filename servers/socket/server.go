package socket

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/edgelink/sio/adapters/adapter"
	"github.com/edgelink/sio/parsers/socket/parser"
	"github.com/edgelink/sio/pkg/events"
	"github.com/edgelink/sio/pkg/log"
	"github.com/edgelink/sio/pkg/types"
	"github.com/edgelink/sio/servers/engine"
)

var server_log = log.NewLog("sio:server")

// ServerOptions configures the Socket.IO server. Engine carries the
// transport-level options; a nil Adapter selects the in-process memory
// adapter.
type ServerOptions struct {
	Engine  *engine.ServerOptions
	Adapter adapter.Adapter
}

func DefaultServerOptions() *ServerOptions {
	return &ServerOptions{Engine: engine.DefaultServerOptions()}
}

// Server is a Socket.IO server.
//
//	io := socket.NewServer(nil)
//	io.Of("/").OnConnection(func(s *socket.Socket) {
//		s.On("hi", func(args ...any) {
//			s.Emit("bye", args[0])
//		})
//	})
//	http.ListenAndServe(":3000", io)
//
// Reserved events on the Server itself: "connection" (*Socket, default
// namespace) and "new_namespace" (*Namespace).
type Server struct {
	*events.EventEmitter

	opts     *ServerOptions
	engine   *engine.Server
	parser   *parser.Parser
	serverId string
	adapter  adapter.Adapter
	nsps     *types.Map[string, *Namespace]
	sockets  *Namespace
}

func NewServer(opts *ServerOptions) *Server {
	if opts == nil {
		opts = DefaultServerOptions()
	}
	if opts.Engine == nil {
		opts.Engine = engine.DefaultServerOptions()
	}
	s := &Server{
		EventEmitter: events.New(),
		opts:         opts,
		parser:       parser.NewParser(),
		serverId:     uuid.NewString(),
		nsps:         &types.Map[string, *Namespace]{},
	}
	s.adapter = opts.Adapter
	if s.adapter == nil {
		s.adapter = adapter.NewMemoryAdapter()
	}
	if err := s.adapter.Init(s.serverId, s); err != nil {
		server_log.Error("adapter init failed: %v", err)
	}
	s.adapter.Subscribe(s.onRemoteEnvelope)
	if err := s.adapter.RegisterServer(context.Background()); err != nil {
		server_log.Warning("server registration failed: %v", err)
	}

	s.engine = engine.NewServer(opts.Engine)
	s.engine.On("connection", s.onconnection)

	s.sockets = s.Of("/")
	return s
}

// ServerId returns this node's identity in the cluster.
func (s *Server) ServerId() string { return s.serverId }

// Engine returns the underlying Engine.IO server.
func (s *Server) Engine() *engine.Server { return s.engine }

// Adapter returns the cluster adapter.
func (s *Server) Adapter() adapter.Adapter { return s.adapter }

// Parser returns the shared packet codec.
func (s *Server) Parser() *parser.Parser { return s.parser }

// ServeHTTP delegates the HTTP surface to the Engine.IO server.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

// Listen binds the configured host and port and serves until Close.
func (s *Server) Listen() error {
	return s.engine.Listen()
}

// Of resolves a namespace, creating it on first use. Names are
// normalized to a leading slash.
func (s *Server) Of(name string) *Namespace {
	if name == "" {
		name = "/"
	} else if name[0] != '/' {
		name = "/" + name
	}
	if nsp, ok := s.nsps.Load(name); ok {
		return nsp
	}
	nsp := newNamespace(s, name)
	if existing, loaded := s.nsps.LoadOrStore(name, nsp); loaded {
		return existing
	}
	server_log.Debug("initializing namespace %s", name)
	if name != "/" {
		s.Emit("new_namespace", nsp)
	}
	return nsp
}

// OnConnection registers a handler for sockets admitted to the default
// namespace.
func (s *Server) OnConnection(fn func(*Socket)) {
	s.Of("/").OnConnection(fn)
}

// Use registers a middleware on the default namespace.
func (s *Server) Use(mw Middleware) *Server {
	s.Of("/").Use(mw)
	return s
}

// To targets a room on the default namespace.
func (s *Server) To(rooms ...Room) *BroadcastOperator {
	return s.Of("/").To(rooms...)
}

// Except excludes rooms on the default namespace.
func (s *Server) Except(rooms ...Room) *BroadcastOperator {
	return s.Of("/").Except(rooms...)
}

// EmitEvent broadcasts an event to every socket in the default
// namespace.
func (s *Server) EmitEvent(event string, args ...any) error {
	return s.Of("/").EmitEvent(event, args...)
}

// onconnection wraps each new Engine.IO session in a Client demux.
func (s *Server) onconnection(args ...any) {
	session := args[0].(*engine.Session)
	server_log.Debug("incoming connection with sid %s", session.Id())
	newClient(s, session)
}

// onRemoteEnvelope delivers a cluster broadcast locally. Envelopes from
// this node are dropped; remote ones are delivered to local sockets
// only, never re-published.
func (s *Server) onRemoteEnvelope(env *adapter.Envelope, origin string) {
	if origin == s.serverId || env == nil || env.ServerId == s.serverId {
		return
	}
	nsp, ok := s.nsps.Load(env.Nsp)
	if !ok {
		server_log.Debug("remote envelope for unknown namespace %s", env.Nsp)
		return
	}
	nsp.deliverRemote(env)
}

// SocketsInRoom implements adapter.LocalSockets over the local room
// index.
func (s *Server) SocketsInRoom(nspName, room string) []string {
	if nsp, ok := s.nsps.Load(nspName); ok {
		ids := nsp.localSocketsInRoom(Room(room))
		out := make([]string, 0, len(ids))
		for _, id := range ids {
			out = append(out, string(id))
		}
		return out
	}
	return nil
}

// Sockets implements adapter.LocalSockets.
func (s *Server) Sockets(nspName string) []string {
	if nsp, ok := s.nsps.Load(nspName); ok {
		var out []string
		nsp.sockets.Range(func(id SocketId, _ *Socket) bool {
			out = append(out, string(id))
			return true
		})
		return out
	}
	return nil
}

// Close disconnects every socket, closes the adapter and shuts the
// engine down; parked long-polls are answered with a CLOSE packet by
// the engine layer.
func (s *Server) Close() {
	s.nsps.Range(func(_ string, nsp *Namespace) bool {
		nsp.sockets.Range(func(_ SocketId, socket *Socket) bool {
			socket.onclose("server shutting down")
			return true
		})
		return true
	})
	if err := s.adapter.UnregisterServer(context.Background()); err != nil {
		server_log.Warning("server unregistration failed: %v", err)
	}
	s.adapter.Unsubscribe()
	if err := s.adapter.Close(); err != nil {
		server_log.Warning("adapter close failed: %v", err)
	}
	s.engine.Close()
}

// normalizeNsp maps the empty namespace to the default one.
func normalizeNsp(name string) string {
	if name == "" {
		return "/"
	}
	if !strings.HasPrefix(name, "/") {
		return "/" + name
	}
	return name
}
