package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/edgelink/sio/pkg/log"
	"github.com/edgelink/sio/pkg/types"
)

var parser_log = log.NewLog("sio:parser")

// ErrInvalidPacket reports an encoded packet whose header cannot be
// parsed. Callers drop the packet and keep the session alive.
var ErrInvalidPacket = errors.New("invalid socket.io packet")

const DefaultCacheSize = 1000

// Parser encodes and decodes Socket.IO packets. Decoding is memoized in
// a bounded LRU keyed on the encoded input, so each Parser instance owns
// its cache and tests start from a clean state.
type Parser struct {
	cache *types.LRU[string, Packet]
}

func NewParser() *Parser {
	return &Parser{cache: types.NewLRU[string, Packet](DefaultCacheSize)}
}

// NewParserWithCacheSize creates a Parser with a custom decode-cache
// bound.
func NewParserWithCacheSize(size int) *Parser {
	return &Parser{cache: types.NewLRU[string, Packet](size)}
}

// CacheLen returns the number of memoized decodings.
func (p *Parser) CacheLen() int {
	return p.cache.Len()
}

// Encode renders the packet in its text form. The namespace section is
// omitted for the default namespace "/".
func (p *Parser) Encode(pkt *Packet) (string, error) {
	if !pkt.Type.Valid() {
		return "", fmt.Errorf("%w: unknown type %d", ErrInvalidPacket, pkt.Type)
	}
	var b strings.Builder
	b.WriteByte('0' + byte(pkt.Type))
	if pkt.Nsp != "" && pkt.Nsp != "/" {
		b.WriteString(pkt.Nsp)
		b.WriteByte(',')
	}
	if pkt.Attachments != nil && pkt.Type.Binary() {
		b.WriteString(strconv.FormatUint(*pkt.Attachments, 10))
		b.WriteByte('-')
	}
	if pkt.Id != nil {
		b.WriteString(strconv.FormatUint(*pkt.Id, 10))
	}
	if pkt.Data != nil {
		data, err := json.Marshal(pkt.Data)
		if err != nil {
			return "", fmt.Errorf("%w: unencodable data: %v", ErrInvalidPacket, err)
		}
		b.Write(data)
	}
	return b.String(), nil
}

// Decode parses an encoded packet. Results are served from the decode
// cache when the same encoding was seen before.
//
// When a binary packet carries both an attachment count and an ack id
// the digits before the "-" are the attachment count and the digits
// after it are the id, as in "52-1[...]" (2 attachments, ack id 1).
func (p *Parser) Decode(data string) (*Packet, error) {
	if cached, ok := p.cache.Get(data); ok {
		return &cached, nil
	}
	pkt, err := p.decode(data)
	if err != nil {
		return nil, err
	}
	p.cache.Put(data, *pkt)
	return pkt, nil
}

func (p *Parser) decode(data string) (*Packet, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrInvalidPacket)
	}
	t := Type(data[0] - '0')
	if !t.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidPacket, data[0])
	}
	pkt := &Packet{Type: t, Nsp: "/"}
	rest := data[1:]

	// namespace section: "/name,"
	if strings.HasPrefix(rest, "/") {
		sep := strings.IndexByte(rest, ',')
		if sep < 0 {
			return nil, fmt.Errorf("%w: unterminated namespace", ErrInvalidPacket)
		}
		pkt.Nsp = rest[:sep]
		rest = rest[sep+1:]
	}

	// ack id and attachment count share the digit alphabet; on binary
	// types the count comes first and is closed by '-', the id follows.
	rest = p.decodeNumbers(pkt, rest)

	if len(rest) > 0 {
		var value any
		if err := json.Unmarshal([]byte(rest), &value); err != nil {
			parser_log.Debug("malformed json payload, keeping packet without data: %v", err)
		} else {
			pkt.Data = value
		}
	}
	return pkt, nil
}

func (p *Parser) decodeNumbers(pkt *Packet, rest string) string {
	if pkt.Type.Binary() {
		if run, tail := splitDigits(rest); run != "" && strings.HasPrefix(tail, "-") {
			if n, err := strconv.ParseUint(run, 10, 64); err == nil {
				pkt.Attachments = &n
			}
			rest = tail[1:]
		}
	}
	run, tail := splitDigits(rest)
	if run == "" {
		return rest
	}
	if n, err := strconv.ParseUint(run, 10, 64); err == nil {
		pkt.Id = &n
	}
	return tail
}

func splitDigits(s string) (run, tail string) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return s[:i], s[i:]
}
