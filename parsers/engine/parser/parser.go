// Package parser implements the Engine.IO text codec: single-packet
// encoding (type digit + payload, binary as "b" + base64) and the
// length-prefixed payload framing used by the long-polling transport.
package parser

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/edgelink/sio/parsers/engine/packet"
)

// Protocol is the Engine.IO protocol revision implemented here.
const Protocol = 4

var (
	// ErrInvalidPacket reports an unknown type digit or an undecodable
	// base64 body. The packet is dropped; the session survives.
	ErrInvalidPacket = errors.New("invalid engine.io packet")

	// ErrInvalidFraming reports a malformed payload: a non-numeric
	// length prefix or a declared length past the end of the buffer.
	ErrInvalidFraming = errors.New("invalid engine.io payload framing")
)

// Encode renders a single packet in its text form.
func Encode(p *packet.Packet) string {
	var b strings.Builder
	b.WriteByte('0' + byte(p.Type))
	if p.Binary {
		b.WriteByte('b')
		b.WriteString(base64.StdEncoding.EncodeToString(p.Data))
	} else {
		b.Write(p.Data)
	}
	return b.String()
}

// Decode parses a single encoded packet.
func Decode(data string) (*packet.Packet, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrInvalidPacket)
	}
	t := packet.Type(data[0] - '0')
	if !t.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidPacket, data[0])
	}
	body := data[1:]
	if strings.HasPrefix(body, "b") {
		raw, err := base64.StdEncoding.DecodeString(body[1:])
		if err != nil {
			return nil, fmt.Errorf("%w: bad base64 body: %v", ErrInvalidPacket, err)
		}
		return &packet.Packet{Type: t, Data: raw, Binary: true}, nil
	}
	if len(body) == 0 {
		return &packet.Packet{Type: t}, nil
	}
	return &packet.Packet{Type: t, Data: []byte(body)}, nil
}

// EncodePayload concatenates packets as a sequence of "len:encoded"
// frames, where len is the decimal byte length of the encoded packet.
// The empty payload encodes as "0:".
func EncodePayload(packets []*packet.Packet) string {
	if len(packets) == 0 {
		return "0:"
	}
	var b strings.Builder
	for _, p := range packets {
		encoded := Encode(p)
		b.WriteString(strconv.Itoa(len(encoded)))
		b.WriteByte(':')
		b.WriteString(encoded)
	}
	return b.String()
}

// DecodePayload parses a framed payload back into its packets.
func DecodePayload(data string) ([]*packet.Packet, error) {
	if data == "0:" {
		return nil, nil
	}
	var packets []*packet.Packet
	for len(data) > 0 {
		sep := strings.IndexByte(data, ':')
		if sep <= 0 {
			return nil, fmt.Errorf("%w: missing length prefix", ErrInvalidFraming)
		}
		length, err := strconv.Atoi(data[:sep])
		if err != nil || length < 0 {
			return nil, fmt.Errorf("%w: non-numeric length %q", ErrInvalidFraming, data[:sep])
		}
		data = data[sep+1:]
		if length > len(data) {
			return nil, fmt.Errorf("%w: declared length %d exceeds remaining %d bytes", ErrInvalidFraming, length, len(data))
		}
		p, err := Decode(data[:length])
		if err != nil {
			return nil, err
		}
		packets = append(packets, p)
		data = data[length:]
	}
	return packets, nil
}
