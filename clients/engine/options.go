// Package engine implements the Engine.IO client: the polling and
// WebSocket transports, the handshake, and the heartbeat reply, exposed
// as an event-emitting connection the Socket.IO client builds on.
package engine

import (
	srv "github.com/edgelink/sio/servers/engine"
)

// Options configures an Engine.IO client connection. The filter options
// must match the server's or encrypted traffic fails decryption.
type Options struct {
	// Url is the server base, e.g. "http://127.0.0.1:3000".
	Url string
	// Path is the mount path, "/socket.io/" by default.
	Path string
	// Transport selects "polling" or "websocket".
	Transport string
	// Query is appended to every request.
	Query map[string]string

	Compression bool
	Encryption  *srv.EncryptionOptions
}

func DefaultOptions() *Options {
	return &Options{
		Url:       "http://127.0.0.1:3000",
		Path:      "/socket.io/",
		Transport: srv.WEBSOCKET,
	}
}

func (o *Options) normalize() {
	if o.Path == "" {
		o.Path = "/socket.io/"
	}
	if o.Path[len(o.Path)-1] != '/' {
		o.Path += "/"
	}
	if o.Transport == "" {
		o.Transport = srv.WEBSOCKET
	}
}

// endpoint returns the HTTP endpoint requests are issued against.
func (o *Options) endpoint() string {
	url := o.Url
	if len(url) > 0 && url[len(url)-1] == '/' {
		url = url[:len(url)-1]
	}
	return url + o.Path
}
