package socket

import (
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	engineclient "github.com/edgelink/sio/clients/engine"
	"github.com/edgelink/sio/parsers/socket/parser"
	"github.com/edgelink/sio/pkg/events"
	"github.com/edgelink/sio/pkg/log"
	"github.com/edgelink/sio/pkg/types"
)

var client_log = log.NewLog("sio:client-socket")

// ErrQueueFull reports an Emit while disconnected with the offline
// queue at capacity.
var ErrQueueFull = errors.New("offline queue is full")

// errorHoldThreshold and errorHold implement the failure brake: after
// more than ten consecutive errors the next attempt waits a full minute
// from the last one.
const (
	errorHoldThreshold = 10
	errorHold          = time.Minute
)

// backoffJitter is the uniform random addition to every backoff delay,
// decorrelating reconnect storms across clients.
const backoffJitter = time.Second

// State is the client lifecycle state.
type State int

const (
	Idle State = iota
	Connecting
	Connected
	Offline
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Offline:
		return "offline"
	}
	return "unknown"
}

// Ack is the acknowledgement callback for an emitted event.
type Ack func(args ...any)

type queuedEmit struct {
	event string
	args  []any
	ack   Ack
	at    time.Time
}

// Client is a Socket.IO client bound to one namespace.
//
//	c := socket.NewClient(&socket.Options{Url: "http://127.0.0.1:3000", Nsp: "/chat"})
//	c.On("connect", func(...any) {
//		c.Emit("hello", "world")
//	})
//	c.On("news", func(args ...any) {
//		fmt.Println("news:", args)
//	})
//	c.Connect()
//
// Reserved events: "connect", "disconnect" (reason string),
// "connect_error" (error), "reconnecting" (attempt int),
// "reconnect_failed". Emits while disconnected are queued and flushed
// in order on the next connect; queued entries expire after
// QueueMaxAge and the queue holds at most QueueLimit entries.
type Client struct {
	*events.EventEmitter

	opts   *Options
	parser *parser.Parser

	mu             sync.Mutex
	state          State
	conn           *engineclient.Client
	transportIndex int
	attempts       int
	consecErrors   int
	lastErrorAt    time.Time
	intentional    bool
	queue          []queuedEmit

	acks  *types.Map[uint64, Ack]
	ackId atomic.Uint64
}

func NewClient(opts *Options) *Client {
	if opts == nil {
		opts = DefaultOptions()
	}
	opts.normalize()
	return &Client{
		EventEmitter: events.New(),
		opts:         opts,
		parser:       parser.NewParser(),
		acks:         &types.Map[uint64, Ack]{},
	}
}

// State returns the lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the namespace handshake completed.
func (c *Client) Connected() bool {
	return c.State() == Connected
}

// QueueLen returns the number of emits waiting for the next connect.
func (c *Client) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Connect starts connecting in the background; progress is reported
// through the reserved events.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.state == Connecting || c.state == Connected {
		c.mu.Unlock()
		return
	}
	c.intentional = false
	c.state = Connecting
	c.mu.Unlock()
	go c.attempt()
}

// attempt opens the transport at the current rotation index and sends
// the namespace CONNECT; the reply arrives through ondata.
func (c *Client) attempt() {
	c.mu.Lock()
	name := c.opts.Transports[c.transportIndex%len(c.opts.Transports)]
	conn := engineclient.NewClient(&engineclient.Options{
		Url:         c.opts.Url,
		Path:        c.opts.Path,
		Transport:   name,
		Query:       c.opts.Query,
		Compression: c.opts.Compression,
		Encryption:  c.opts.Encryption,
	})
	c.conn = conn
	c.mu.Unlock()

	conn.On("data", c.ondata)
	conn.On("close", c.onclose)

	client_log.Debug("connecting via %s", name)
	if err := conn.Open(); err != nil {
		c.onFailure(err)
		return
	}
	if err := c.writePacket(conn, &parser.Packet{Type: parser.CONNECT, Nsp: c.opts.Nsp}); err != nil {
		conn.Close()
		c.onFailure(err)
	}
}

// Disconnect closes the connection without triggering reconnection and
// tells the server the namespace is being left.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.intentional = true
	conn := c.conn
	c.conn = nil
	c.state = Idle
	c.mu.Unlock()
	if conn != nil {
		c.writePacket(conn, &parser.Packet{Type: parser.DISCONNECT, Nsp: c.opts.Nsp})
		conn.Close()
	}
}

// Emit sends an event, queueing it when disconnected. A trailing Ack
// (or func(...any)) argument registers an acknowledgement callback.
func (c *Client) Emit(event string, args ...any) error {
	ack, data := splitAck(args)
	c.mu.Lock()
	if c.state != Connected {
		if len(c.queue) >= c.opts.QueueLimit {
			c.mu.Unlock()
			return ErrQueueFull
		}
		c.queue = append(c.queue, queuedEmit{event: event, args: data, ack: ack, at: time.Now()})
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.mu.Unlock()
	return c.sendEvent(conn, event, data, ack)
}

func (c *Client) sendEvent(conn *engineclient.Client, event string, args []any, ack Ack) error {
	pkt := &parser.Packet{
		Type: parser.EVENT,
		Nsp:  c.opts.Nsp,
		Data: append([]any{event}, args...),
	}
	if ack != nil {
		id := c.ackId.Add(1)
		c.acks.Store(id, ack)
		pkt.Id = &id
	}
	return c.writePacket(conn, pkt)
}

func (c *Client) writePacket(conn *engineclient.Client, pkt *parser.Packet) error {
	encoded, err := c.parser.Encode(pkt)
	if err != nil {
		return err
	}
	return conn.Send(encoded)
}

// ondata routes one Socket.IO packet from the transport.
func (c *Client) ondata(args ...any) {
	data, ok := args[0].(string)
	if !ok {
		return
	}
	pkt, err := c.parser.Decode(data)
	if err != nil {
		client_log.Debug("undecodable packet, dropped: %v", err)
		return
	}
	if normalizeNsp(pkt.Nsp) != c.opts.Nsp {
		return
	}
	switch pkt.Type {
	case parser.CONNECT:
		c.onconnected()
	case parser.CONNECT_ERROR:
		c.onconnecterror(pkt)
	case parser.EVENT, parser.BINARY_EVENT:
		c.onevent(pkt)
	case parser.ACK, parser.BINARY_ACK:
		c.onack(pkt)
	case parser.DISCONNECT:
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	}
}

// onconnected finishes the handshake: reset the failure counters and
// flush the offline queue in order, dropping expired entries.
func (c *Client) onconnected() {
	c.mu.Lock()
	c.state = Connected
	c.attempts = 0
	c.consecErrors = 0
	conn := c.conn
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	client_log.Debug("connected to %s", c.opts.Nsp)
	c.EventEmitter.Emit("connect")
	for _, q := range pending {
		if time.Since(q.at) > c.opts.QueueMaxAge {
			client_log.Debug("dropping expired queued emit %q", q.event)
			continue
		}
		if err := c.sendEvent(conn, q.event, q.args, q.ack); err != nil {
			client_log.Warning("flushing queued emit %q failed: %v", q.event, err)
		}
	}
}

func (c *Client) onconnecterror(pkt *parser.Packet) {
	msg := "connection refused"
	if m, ok := pkt.Data.(map[string]any); ok {
		if s, ok := m["message"].(string); ok {
			msg = s
		}
	}
	c.EventEmitter.Emit("connect_error", errors.New(msg))
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// onevent dispatches a server event; when the packet carries an ack id
// the listener arguments end with the reply callback.
func (c *Client) onevent(pkt *parser.Packet) {
	seq, ok := pkt.Data.([]any)
	if !ok || len(seq) == 0 {
		return
	}
	name, ok := seq[0].(string)
	if !ok {
		return
	}
	eventArgs := seq[1:]
	if pkt.Id != nil {
		eventArgs = append(eventArgs, c.ackReply(*pkt.Id))
	}
	c.EventEmitter.Emit(name, eventArgs...)
}

func (c *Client) ackReply(id uint64) Ack {
	var once sync.Once
	return func(args ...any) {
		once.Do(func() {
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				return
			}
			c.writePacket(conn, &parser.Packet{
				Type: parser.ACK,
				Nsp:  c.opts.Nsp,
				Id:   &id,
				Data: args,
			})
		})
	}
}

func (c *Client) onack(pkt *parser.Packet) {
	if pkt.Id == nil {
		return
	}
	ack, ok := c.acks.LoadAndDelete(*pkt.Id)
	if !ok {
		return
	}
	if seq, ok := pkt.Data.([]any); ok {
		ack(seq...)
	} else if pkt.Data != nil {
		ack(pkt.Data)
	} else {
		ack()
	}
}

// onFailure records a connection error and schedules the next attempt.
func (c *Client) onFailure(err error) {
	client_log.Debug("connect attempt failed: %v", err)
	c.EventEmitter.Emit("connect_error", err)
	c.mu.Lock()
	c.consecErrors++
	c.lastErrorAt = time.Now()
	c.mu.Unlock()
	c.scheduleReconnect()
}

// onclose fires when the underlying connection ends, cleanly or not.
func (c *Client) onclose(args ...any) {
	reason := "transport close"
	if len(args) > 0 {
		if r, ok := args[0].(string); ok {
			reason = r
		}
	}
	c.mu.Lock()
	wasConnected := c.state == Connected
	intentional := c.intentional
	c.conn = nil
	c.mu.Unlock()

	if wasConnected {
		c.EventEmitter.Emit("disconnect", reason)
	}
	if intentional {
		return
	}
	c.scheduleReconnect()
}

// scheduleReconnect rotates to the next transport and arms the backoff
// timer; when reconnection is disabled or exhausted the client settles.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.intentional || !c.opts.Reconnect {
		c.state = Idle
		c.mu.Unlock()
		return
	}
	if c.opts.MaxReconnectAttempts > 0 && c.attempts >= c.opts.MaxReconnectAttempts {
		c.state = Idle
		c.mu.Unlock()
		c.EventEmitter.Emit("reconnect_failed")
		return
	}
	c.state = Offline
	c.attempts++
	attempt := c.attempts
	c.transportIndex = (c.transportIndex + 1) % len(c.opts.Transports)
	delay := c.backoffDelayLocked()
	c.mu.Unlock()

	client_log.Debug("reconnect attempt %d in %s", attempt, delay)
	c.EventEmitter.Emit("reconnecting", attempt)
	time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.intentional || c.state != Offline {
			c.mu.Unlock()
			return
		}
		c.state = Connecting
		c.mu.Unlock()
		c.attempt()
	})
}

// backoffDelayLocked computes the next delay: exponential growth capped
// at the maximum, plus up to one second of jitter; repeated failures
// trip the one-minute hold. Callers hold mu.
func (c *Client) backoffDelayLocked() time.Duration {
	if c.consecErrors > errorHoldThreshold {
		if wait := errorHold - time.Since(c.lastErrorAt); wait > 0 {
			return wait
		}
	}
	delay := c.opts.ReconnectBase
	for i := 1; i < c.attempts && delay < c.opts.ReconnectMax; i++ {
		delay *= 2
	}
	if delay > c.opts.ReconnectMax {
		delay = c.opts.ReconnectMax
	}
	return delay + time.Duration(rand.Int63n(int64(backoffJitter)))
}

// splitAck separates a trailing acknowledgement callback from the
// emitted arguments.
func splitAck(args []any) (Ack, []any) {
	if len(args) == 0 {
		return nil, args
	}
	switch fn := args[len(args)-1].(type) {
	case Ack:
		return fn, args[:len(args)-1]
	case func(...any):
		return Ack(fn), args[:len(args)-1]
	}
	return nil, args
}

func normalizeNsp(name string) string {
	if name == "" {
		return "/"
	}
	return name
}
