package engine

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"resty.dev/v3"

	"github.com/edgelink/sio/parsers/engine/packet"
	"github.com/edgelink/sio/parsers/engine/parser"
	srv "github.com/edgelink/sio/servers/engine"
)

// websocketTransport dials the WebSocket endpoint after acquiring a sid
// through a polling handshake, then exchanges one packet per frame.
type websocketTransport struct {
	opts *Options
	sid  string

	onPacket func(*packet.Packet)
	onError  func(error)

	writeMu sync.Mutex
	conn    *websocket.Conn

	closeOnce sync.Once
	done      chan struct{}
}

func newWebSocketTransport(opts *Options, onPacket func(*packet.Packet), onError func(error)) *websocketTransport {
	return &websocketTransport{
		opts:     opts,
		onPacket: onPacket,
		onError:  onError,
		done:     make(chan struct{}),
	}
}

func (t *websocketTransport) name() string { return srv.WEBSOCKET }

// open acquires a session over polling, then upgrades it to WebSocket.
func (t *websocketTransport) open() (*srv.OpenPayload, error) {
	open, err := t.handshake()
	if err != nil {
		return nil, err
	}
	t.sid = open.Sid

	wsUrl, err := t.websocketUrl()
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsUrl, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	t.conn = conn
	go t.readLoop()
	return open, nil
}

// handshake issues the polling handshake GET that creates the session.
func (t *websocketTransport) handshake() (*srv.OpenPayload, error) {
	http := resty.New()
	defer http.Close()
	req := http.R().
		SetQueryParam("EIO", "4").
		SetQueryParam("transport", srv.POLLING)
	for k, v := range t.opts.Query {
		req.SetQueryParam(k, v)
	}
	res, err := req.Get(t.opts.endpoint())
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	if res.IsError() {
		return nil, fmt.Errorf("handshake rejected: %s", res.Status())
	}
	open := &srv.OpenPayload{}
	if err := json.Unmarshal([]byte(res.String()), open); err != nil {
		return nil, fmt.Errorf("handshake: bad open payload: %w", err)
	}
	return open, nil
}

func (t *websocketTransport) websocketUrl() (string, error) {
	base := t.opts.endpoint() + "websocket/" + t.sid
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	query := url.Values{}
	query.Set("EIO", "4")
	query.Set("transport", srv.WEBSOCKET)
	query.Set("sid", t.sid)
	for k, v := range t.opts.Query {
		query.Set(k, v)
	}
	return base + "?" + query.Encode(), nil
}

func (t *websocketTransport) readLoop() {
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
			default:
				t.onError(err)
			}
			return
		}
		switch kind {
		case websocket.TextMessage:
			p, err := parser.Decode(string(data))
			if err != nil {
				t.onError(err)
				return
			}
			t.onPacket(p)
		case websocket.BinaryMessage:
			t.onPacket(&packet.Packet{Type: packet.MESSAGE, Data: data, Binary: true})
		}
	}
}

func (t *websocketTransport) send(packets ...*packet.Packet) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	for _, p := range packets {
		var err error
		if p.Binary {
			err = t.conn.WriteMessage(websocket.BinaryMessage, p.Data)
		} else {
			err = t.conn.WriteMessage(websocket.TextMessage, []byte(parser.Encode(p)))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *websocketTransport) close() {
	t.closeOnce.Do(func() {
		close(t.done)
		if t.conn != nil {
			t.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			t.conn.Close()
		}
	})
}
