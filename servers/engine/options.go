package engine

import "time"

// Transport names accepted in ServerOptions.Transports.
const (
	POLLING   = "polling"
	WEBSOCKET = "websocket"
)

// CorsOptions describes the CORS policy for the HTTP surface. Origin may
// be a string, a []string, or a func(string) bool predicate; the request
// origin is echoed back when the policy admits it.
type CorsOptions struct {
	Origin      any
	Methods     []string
	Credentials bool
}

// EncryptionAlgorithm selects the AES mode for the transparent
// encryption filter.
type EncryptionAlgorithm string

const (
	AES128GCM EncryptionAlgorithm = "aes-128-gcm"
	AES256GCM EncryptionAlgorithm = "aes-256-gcm"
	AES128CBC EncryptionAlgorithm = "aes-128-cbc"
	AES256CBC EncryptionAlgorithm = "aes-256-cbc"
)

// EncryptionOptions configures the transparent AES filter around MESSAGE
// payloads. Key length must match the algorithm (16 or 32 bytes).
type EncryptionOptions struct {
	Key       []byte
	Algorithm EncryptionAlgorithm
}

// ServerOptions configures the Engine.IO server.
type ServerOptions struct {
	Host           string
	Port           int
	Path           string
	PingInterval   time.Duration
	PingTimeout    time.Duration
	PollingTimeout time.Duration
	Transports     []string
	AllowPolling   bool
	AllowCORS      bool
	Cors           *CorsOptions
	MaxConnections int
	Compression    bool
	Encryption     *EncryptionOptions
	MaxPacketSize  int64
}

// DefaultServerOptions returns the option set described by the protocol
// defaults: 25s ping interval, 20s ping timeout, 60s polling timeout,
// both transports enabled, 10 MiB packet ceiling.
func DefaultServerOptions() *ServerOptions {
	return &ServerOptions{
		Host:           "0.0.0.0",
		Path:           "/socket.io/",
		PingInterval:   25 * time.Second,
		PingTimeout:    20 * time.Second,
		PollingTimeout: 60 * time.Second,
		Transports:     []string{WEBSOCKET, POLLING},
		AllowPolling:   true,
		AllowCORS:      true,
		MaxPacketSize:  10 << 20,
	}
}

func (o *ServerOptions) allowsTransport(name string) bool {
	for _, t := range o.Transports {
		if t == name {
			return true
		}
	}
	return false
}
