// Package socket implements the Socket.IO client: namespace connection,
// acknowledgements, an offline queue, and reconnection with exponential
// backoff and transport rotation.
package socket

import (
	"time"

	srv "github.com/edgelink/sio/servers/engine"
)

// Options configures a Socket.IO client.
type Options struct {
	// Url is the server base, e.g. "http://127.0.0.1:3000".
	Url string
	// Path is the mount path, "/socket.io/" by default.
	Path string
	// Nsp is the namespace to connect to, "/" by default.
	Nsp string
	// Transports is the rotation order tried across reconnect attempts.
	Transports []string
	// Query is appended to every transport request.
	Query map[string]string

	Compression bool
	Encryption  *srv.EncryptionOptions

	// Reconnect enables automatic reconnection after failures.
	Reconnect bool
	// ReconnectBase and ReconnectMax bound the exponential backoff.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	// MaxReconnectAttempts stops reconnection after that many failed
	// attempts; zero means unlimited.
	MaxReconnectAttempts int

	// QueueLimit caps the offline emit queue.
	QueueLimit int
	// QueueMaxAge drops queued emits older than this when draining.
	QueueMaxAge time.Duration
}

func DefaultOptions() *Options {
	return &Options{
		Url:           "http://127.0.0.1:3000",
		Path:          "/socket.io/",
		Nsp:           "/",
		Transports:    []string{srv.WEBSOCKET, srv.POLLING},
		Reconnect:     true,
		ReconnectBase: time.Second,
		ReconnectMax:  30 * time.Second,
		QueueLimit:    1000,
		QueueMaxAge:   time.Minute,
	}
}

func (o *Options) normalize() {
	if o.Path == "" {
		o.Path = "/socket.io/"
	}
	if o.Nsp == "" {
		o.Nsp = "/"
	} else if o.Nsp[0] != '/' {
		o.Nsp = "/" + o.Nsp
	}
	if len(o.Transports) == 0 {
		o.Transports = []string{srv.WEBSOCKET, srv.POLLING}
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = time.Second
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 30 * time.Second
	}
	if o.QueueLimit <= 0 {
		o.QueueLimit = 1000
	}
	if o.QueueMaxAge <= 0 {
		o.QueueMaxAge = time.Minute
	}
}
