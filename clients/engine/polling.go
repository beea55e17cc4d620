package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"resty.dev/v3"

	"github.com/edgelink/sio/parsers/engine/packet"
	"github.com/edgelink/sio/parsers/engine/parser"
	srv "github.com/edgelink/sio/servers/engine"
)

// pollQuietInterval spaces consecutive long-polls so a busy server is
// not hammered with back-to-back GETs.
const pollQuietInterval = 50 * time.Millisecond

// pollRequestTimeout bounds a single parked GET. The server answers
// an empty payload on its own timer well before this fires; hitting it
// means the request is wedged and should be retried.
const pollRequestTimeout = 30 * time.Second

// pollingTransport drives the HTTP long-polling transport: a handshake
// GET, a parked GET loop for receiving, and POSTs for sending.
type pollingTransport struct {
	opts *Options
	http *resty.Client
	sid  string

	onPacket func(*packet.Packet)
	onError  func(error)

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newPollingTransport(opts *Options, onPacket func(*packet.Packet), onError func(error)) *pollingTransport {
	ctx, cancel := context.WithCancel(context.Background())
	return &pollingTransport{
		opts:     opts,
		http:     resty.New(),
		onPacket: onPacket,
		onError:  onError,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (t *pollingTransport) name() string { return srv.POLLING }

func (t *pollingTransport) request() *resty.Request {
	req := t.http.R().SetContext(t.ctx).
		SetQueryParam("EIO", "4").
		SetQueryParam("transport", srv.POLLING)
	for k, v := range t.opts.Query {
		req.SetQueryParam(k, v)
	}
	if t.sid != "" {
		req.SetQueryParam("sid", t.sid)
	}
	return req
}

// open performs the handshake GET and starts the receive loop.
func (t *pollingTransport) open() (*srv.OpenPayload, error) {
	res, err := t.request().Get(t.opts.endpoint())
	if err != nil {
		return nil, fmt.Errorf("polling handshake: %w", err)
	}
	if res.IsError() {
		return nil, fmt.Errorf("polling handshake rejected: %s", res.Status())
	}
	open := &srv.OpenPayload{}
	if err := json.Unmarshal([]byte(res.String()), open); err != nil {
		return nil, fmt.Errorf("polling handshake: bad open payload: %w", err)
	}
	t.sid = open.Sid
	go t.pollLoop()
	return open, nil
}

// pollLoop issues parked GETs back to back, with a short quiet interval
// between them. A canceled parent context means close, not failure; a
// per-request deadline just triggers the next poll.
func (t *pollingTransport) pollLoop() {
	for {
		ctx, cancel := context.WithTimeout(t.ctx, pollRequestTimeout)
		res, err := t.request().SetContext(ctx).Get(t.opts.endpoint())
		cancel()
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			t.onError(err)
			return
		}
		if res.IsError() {
			t.onError(fmt.Errorf("poll rejected: %s", res.Status()))
			return
		}
		packets, err := parser.DecodePayload(res.String())
		if err != nil {
			t.onError(err)
			return
		}
		for _, p := range packets {
			t.onPacket(p)
		}
		select {
		case <-t.ctx.Done():
			return
		case <-time.After(pollQuietInterval):
		}
	}
}

func (t *pollingTransport) send(packets ...*packet.Packet) error {
	res, err := t.request().
		SetHeader("Content-Type", "text/plain; charset=utf-8").
		SetBody(parser.EncodePayload(packets)).
		Post(t.opts.endpoint())
	if err != nil {
		return err
	}
	if res.IsError() {
		return fmt.Errorf("send rejected: %s", res.Status())
	}
	return nil
}

func (t *pollingTransport) close() {
	t.closeOnce.Do(func() {
		t.cancel()
		t.http.Close()
	})
}
