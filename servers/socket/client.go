package socket

import (
	"github.com/edgelink/sio/parsers/socket/parser"
	"github.com/edgelink/sio/pkg/log"
	"github.com/edgelink/sio/pkg/types"
	"github.com/edgelink/sio/servers/engine"
)

var client_log = log.NewLog("sio:client")

// Client demultiplexes one Engine.IO session into per-namespace
// sockets. Incoming CONNECT packets open a socket in the named
// namespace; every other packet is routed to the socket already open
// there.
type Client struct {
	server *Server
	conn   *engine.Session

	// sockets maps namespace name to the socket open on it.
	sockets *types.Map[string, *Socket]
}

func newClient(server *Server, conn *engine.Session) *Client {
	c := &Client{
		server:  server,
		conn:    conn,
		sockets: &types.Map[string, *Socket]{},
	}
	conn.On("data", c.ondata)
	conn.On("close", c.onclose)
	return c
}

// ondata decodes one Socket.IO packet off the session and routes it.
func (c *Client) ondata(args ...any) {
	data, ok := args[0].(string)
	if !ok {
		return
	}
	pkt, err := c.server.parser.Decode(data)
	if err != nil {
		client_log.Debug("client %s: undecodable packet, dropped: %v", c.conn.Id(), err)
		return
	}
	nsp := normalizeNsp(pkt.Nsp)
	if pkt.Type == parser.CONNECT {
		c.connect(nsp)
		return
	}
	socket, ok := c.sockets.Load(nsp)
	if !ok {
		client_log.Debug("client %s: packet for unopened namespace %s, dropped", c.conn.Id(), nsp)
		return
	}
	socket.onpacket(pkt)
}

// connect opens a socket on the requested namespace. A second CONNECT
// for an already open namespace is ignored.
func (c *Client) connect(nsp string) {
	if _, open := c.sockets.Load(nsp); open {
		client_log.Debug("client %s: duplicate CONNECT for %s, ignored", c.conn.Id(), nsp)
		return
	}
	client_log.Debug("client %s connecting to %s", c.conn.Id(), nsp)
	c.server.Of(nsp).add(c, func(socket *Socket) {
		c.sockets.Store(nsp, socket)
	})
}

// onclose tears down every namespace socket riding this session.
func (c *Client) onclose(args ...any) {
	reason := "transport close"
	if len(args) > 0 {
		if r, ok := args[0].(string); ok {
			reason = r
		}
	}
	client_log.Debug("client %s closed: %s", c.conn.Id(), reason)
	c.sockets.Range(func(_ string, socket *Socket) bool {
		socket.onclose(reason)
		return true
	})
}

// writePacket encodes and sends one packet to the client.
func (c *Client) writePacket(pkt *parser.Packet) error {
	encoded, err := c.server.parser.Encode(pkt)
	if err != nil {
		return err
	}
	return c.conn.Send(encoded)
}

// sendEncoded sends an already encoded packet, the broadcast fast path.
func (c *Client) sendEncoded(encoded string) error {
	return c.conn.Send(encoded)
}

// remove forgets the socket's namespace binding after it closed.
func (c *Client) remove(socket *Socket) {
	c.sockets.Delete(socket.nsp.name)
}
