package engine

import (
	"net/http"
	"net/url"
	"time"
)

// Handshake is the immutable record of the request that opened a
// session: query parameters, headers and URL at creation time.
type Handshake struct {
	Headers http.Header `json:"headers"`
	Query   url.Values  `json:"query"`
	Url     string      `json:"url"`
	Address string      `json:"address"`
	Secure  bool        `json:"secure"`
	Issued  int64       `json:"issued"`
}

func newHandshake(r *http.Request) *Handshake {
	return &Handshake{
		Headers: r.Header.Clone(),
		Query:   r.URL.Query(),
		Url:     r.URL.String(),
		Address: r.RemoteAddr,
		Secure:  r.TLS != nil,
		Issued:  time.Now().UnixMilli(),
	}
}

// OpenPayload is the JSON body of the OPEN packet sent on handshake.
type OpenPayload struct {
	Sid          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int64    `json:"pingInterval"`
	PingTimeout  int64    `json:"pingTimeout"`
	MaxPayload   int64    `json:"maxPayload"`
}
