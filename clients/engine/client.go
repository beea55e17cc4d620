package engine

import (
	"fmt"
	"sync"

	"github.com/edgelink/sio/parsers/engine/packet"
	"github.com/edgelink/sio/pkg/events"
	"github.com/edgelink/sio/pkg/log"
	srv "github.com/edgelink/sio/servers/engine"
)

var client_log = log.NewLog("sio:engine-client")

// transport is one client-side Engine.IO transport.
type transport interface {
	name() string
	open() (*srv.OpenPayload, error)
	send(packets ...*packet.Packet) error
	close()
}

// Client is one Engine.IO client connection. Data received before a
// "data" listener attaches is buffered and replayed on attach.
//
//	conn := engine.NewClient(&engine.Options{Url: "http://127.0.0.1:3000"})
//	conn.On("data", func(args ...any) {
//		fmt.Println("received:", args[0])
//	})
//	if err := conn.Open(); err != nil {
//		return err
//	}
//	conn.Send("hello")
//
// Events: "open" (sid string), "data" (payload string), "close" (reason
// string), "error" (error).
type Client struct {
	*events.EventEmitter

	opts    *Options
	filters *srv.FilterChain

	mu        sync.Mutex
	transport transport
	open      *srv.OpenPayload
	state     srv.TransportState
	pending   []string

	closeOnce sync.Once
}

func NewClient(opts *Options) *Client {
	if opts == nil {
		opts = DefaultOptions()
	}
	opts.normalize()
	return &Client{
		EventEmitter: events.New(),
		opts:         opts,
		filters:      srv.NewFilterChain(opts.Compression, opts.Encryption),
		state:        srv.TransportDisconnected,
	}
}

// Sid returns the server-assigned session id, empty before Open.
func (c *Client) Sid() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open == nil {
		return ""
	}
	return c.open.Sid
}

// State returns the connection state.
func (c *Client) State() srv.TransportState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OpenInfo returns the handshake payload, nil before Open.
func (c *Client) OpenInfo() *srv.OpenPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Open performs the handshake on the configured transport.
func (c *Client) Open() error {
	c.mu.Lock()
	if c.state == srv.TransportConnecting || c.state == srv.TransportConnected {
		c.mu.Unlock()
		return nil
	}
	c.state = srv.TransportConnecting
	var t transport
	switch c.opts.Transport {
	case srv.POLLING:
		t = newPollingTransport(c.opts, c.onPacket, c.onTransportError)
	case srv.WEBSOCKET:
		t = newWebSocketTransport(c.opts, c.onPacket, c.onTransportError)
	default:
		c.state = srv.TransportDisconnected
		c.mu.Unlock()
		return fmt.Errorf("unknown transport %q", c.opts.Transport)
	}
	c.transport = t
	c.mu.Unlock()

	open, err := t.open()
	if err != nil {
		c.mu.Lock()
		c.state = srv.TransportDisconnected
		c.transport = nil
		c.mu.Unlock()
		t.close()
		return err
	}

	c.mu.Lock()
	c.open = open
	c.state = srv.TransportConnected
	c.mu.Unlock()
	client_log.Debug("connection open, sid %s via %s", open.Sid, t.name())
	c.Emit("open", open.Sid)
	return nil
}

// On registers a listener. Data packets that arrived before any "data"
// listener existed are replayed, in order, to the first one to attach.
func (c *Client) On(event string, fn events.Listener) {
	c.EventEmitter.On(event, fn)
	if event != "data" {
		return
	}
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, data := range pending {
		c.EventEmitter.Emit("data", data)
	}
}

// Send writes one MESSAGE payload through the transport filters.
func (c *Client) Send(data string) error {
	c.mu.Lock()
	t := c.transport
	state := c.state
	c.mu.Unlock()
	if state != srv.TransportConnected || t == nil {
		return fmt.Errorf("connection is %s", state)
	}
	out, err := c.filters.Outbound(packet.NewMessage(data))
	if err != nil {
		return err
	}
	return t.send(out)
}

// onPacket dispatches packets coming off the transport. PINGs are
// answered immediately so the server's liveness timer stays reset.
func (c *Client) onPacket(p *packet.Packet) {
	switch p.Type {
	case packet.PING:
		c.mu.Lock()
		t := c.transport
		c.mu.Unlock()
		if t != nil {
			t.send(&packet.Packet{Type: packet.PONG})
		}
	case packet.MESSAGE:
		in, err := c.filters.Inbound(p)
		if err != nil {
			client_log.Warning("inbound filter: %v", err)
			c.Emit("error", err)
			c.close("parse error")
			return
		}
		data := string(in.Data)
		c.mu.Lock()
		if c.ListenerCount("data") == 0 {
			// the server may deliver before the upper layer has
			// attached its listener; hold the packet until then
			c.pending = append(c.pending, data)
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		c.Emit("data", data)
	case packet.CLOSE:
		c.close("transport close")
	}
}

func (c *Client) onTransportError(err error) {
	client_log.Debug("transport error: %v", err)
	c.Emit("error", err)
	c.close("transport error")
}

// Close tears the connection down; safe to call more than once.
func (c *Client) Close() {
	c.close("client close")
}

func (c *Client) close(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = srv.TransportClosed
		t := c.transport
		c.transport = nil
		c.mu.Unlock()
		if t != nil {
			t.close()
		}
		client_log.Debug("connection closed: %s", reason)
		c.Emit("close", reason)
	})
}
